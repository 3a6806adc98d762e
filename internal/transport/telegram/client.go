package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/naumanjadev/telegpt/internal/domain"
)

const (
	defaultBaseURL     = "https://api.telegram.org"
	defaultCallTimeout = 30 * time.Second
)

// Config carries the Bot API connection settings.
type Config struct {
	Token       string
	BaseURL     string        // defaults to api.telegram.org
	CallTimeout time.Duration // per-call deadline, long polls add their own
}

// Client is a thin HTTPS+JSON Bot API binding. It implements
// domain.Transport for the delivery engine and exposes the handful of
// extra methods the poller and dispatcher need.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a Bot API client. The token is required.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram: bot token is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		logger:     logger,
	}, nil
}

// call posts a JSON payload to one Bot API method and decodes the result
// into out (when out is non-nil). API-level failures are mapped onto the
// domain error vocabulary so the delivery engine can react to them.
func (c *Client) call(ctx context.Context, method string, payload any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram: marshal %s: %w", method, err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/%s", c.cfg.BaseURL, c.cfg.Token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("telegram: %s: %w", method, domain.ErrTimedOut)
		}
		return fmt.Errorf("telegram: %s: %w", method, err)
	}
	defer resp.Body.Close()

	var apiResp apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return fmt.Errorf("telegram: decode %s response: %w", method, err)
	}
	if !apiResp.OK {
		return c.mapAPIError(method, resp.StatusCode, &apiResp)
	}
	if out != nil {
		if err := json.Unmarshal(apiResp.Result, out); err != nil {
			return fmt.Errorf("telegram: decode %s result: %w", method, err)
		}
	}
	return nil
}

func (c *Client) mapAPIError(method string, status int, resp *apiResponse) error {
	switch {
	case status == http.StatusTooManyRequests:
		retryAfter := time.Second
		if resp.Parameters != nil && resp.Parameters.RetryAfter > 0 {
			retryAfter = time.Duration(resp.Parameters.RetryAfter) * time.Second
		}
		return fmt.Errorf("telegram: %s: %w", method, domain.NewRateLimited(retryAfter))
	case strings.Contains(strings.ToLower(resp.Description), "message is not modified"):
		return fmt.Errorf("telegram: %s: %w", method, domain.ErrUnmodified)
	case status == http.StatusGatewayTimeout:
		return fmt.Errorf("telegram: %s: %w", method, domain.ErrTimedOut)
	default:
		return fmt.Errorf("telegram: %s failed: %s (code %d)", method, resp.Description, resp.ErrorCode)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr) && urlErr.Timeout()
}

// Send posts a new message. A non-zero replyTo quotes the trigger message.
func (c *Client) Send(ctx context.Context, chat domain.ChatRef, text string, replyTo int) (domain.MessageRef, error) {
	payload := map[string]any{
		"chat_id": chat.ID,
		"text":    text,
	}
	if replyTo != 0 {
		payload["reply_to_message_id"] = replyTo
		payload["allow_sending_without_reply"] = true
	}
	if chat.ThreadID != 0 {
		payload["message_thread_id"] = chat.ThreadID
	}

	var sent Message
	if err := c.call(ctx, "sendMessage", payload, &sent); err != nil {
		return domain.MessageRef{}, err
	}
	return domain.MessageRef{ChatID: chat.ID, MessageID: sent.MessageID}, nil
}

// Edit replaces the text of a previously sent message.
func (c *Client) Edit(ctx context.Context, ref domain.MessageRef, text string) error {
	payload := map[string]any{
		"chat_id":    ref.ChatID,
		"message_id": ref.MessageID,
		"text":       text,
	}
	return c.call(ctx, "editMessageText", payload, nil)
}

// Delete removes a previously sent message.
func (c *Client) Delete(ctx context.Context, ref domain.MessageRef) error {
	payload := map[string]any{
		"chat_id":    ref.ChatID,
		"message_id": ref.MessageID,
	}
	return c.call(ctx, "deleteMessage", payload, nil)
}

// SendPhotoURL posts an image by URL, used for generated images.
func (c *Client) SendPhotoURL(ctx context.Context, chat domain.ChatRef, photoURL string, replyTo int) error {
	payload := map[string]any{
		"chat_id": chat.ID,
		"photo":   photoURL,
	}
	if replyTo != 0 {
		payload["reply_to_message_id"] = replyTo
		payload["allow_sending_without_reply"] = true
	}
	if chat.ThreadID != 0 {
		payload["message_thread_id"] = chat.ThreadID
	}
	return c.call(ctx, "sendPhoto", payload, nil)
}

// Action signals an in-flight activity indicator ("typing", "upload_photo").
func (c *Client) Action(ctx context.Context, chat domain.ChatRef, action string) error {
	payload := map[string]any{
		"chat_id": chat.ID,
		"action":  action,
	}
	if chat.ThreadID != 0 {
		payload["message_thread_id"] = chat.ThreadID
	}
	return c.call(ctx, "sendChatAction", payload, nil)
}

// IsUserInGroup reports whether userID currently belongs to the chat.
// "User not found" style failures read as absence, not errors.
func (c *Client) IsUserInGroup(ctx context.Context, chatID int64, userID domain.UserID) (bool, error) {
	payload := map[string]any{
		"chat_id": chatID,
		"user_id": int64(userID),
	}
	var member ChatMember
	if err := c.call(ctx, "getChatMember", payload, &member); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "not found") {
			return false, nil
		}
		return false, err
	}
	switch member.Status {
	case "creator", "administrator", "member":
		return true, nil
	}
	return false, nil
}

// GetMe fetches the bot's own account, used to recognise replies to the bot.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var me User
	if err := c.call(ctx, "getMe", nil, &me); err != nil {
		return nil, err
	}
	return &me, nil
}

// GetUpdates long-polls for inbound updates past the given offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	// The long-poll holds the connection open for the requested timeout,
	// so the per-call deadline must exceed it.
	ctx, cancel := context.WithTimeout(ctx, timeout+c.cfg.CallTimeout)
	defer cancel()

	payload := map[string]any{
		"offset":          offset,
		"timeout":         int(timeout.Seconds()),
		"allowed_updates": []string{"message"},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("telegram: marshal getUpdates: %w", err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/getUpdates", c.cfg.BaseURL, c.cfg.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("telegram: build getUpdates request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: getUpdates: %w", err)
	}
	defer resp.Body.Close()

	var apiResp apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("telegram: decode getUpdates response: %w", err)
	}
	if !apiResp.OK {
		return nil, c.mapAPIError("getUpdates", resp.StatusCode, &apiResp)
	}

	var updates []Update
	if err := json.Unmarshal(apiResp.Result, &updates); err != nil {
		return nil, fmt.Errorf("telegram: decode updates: %w", err)
	}
	return updates, nil
}

// FetchFile resolves a file id and streams its content. The returned name
// preserves the upstream extension so the transcription backend can sniff
// the container format.
func (c *Client) FetchFile(ctx context.Context, fileID string) (io.ReadCloser, string, error) {
	var file File
	if err := c.call(ctx, "getFile", map[string]any{"file_id": fileID}, &file); err != nil {
		return nil, "", err
	}

	downloadURL := fmt.Sprintf("%s/file/bot%s/%s", c.cfg.BaseURL, c.cfg.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("telegram: build file download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("telegram: download file: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, "", fmt.Errorf("telegram: download file: unexpected status %d", resp.StatusCode)
	}
	return resp.Body, path.Base(file.FilePath), nil
}
