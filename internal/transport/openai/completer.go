// Package openai binds the bot to an OpenAI-compatible completion backend:
// streaming and one-shot chat, image generation and audio transcription.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/naumanjadev/telegpt/internal/domain"
	"github.com/naumanjadev/telegpt/internal/metrics"
)

const summarisePrompt = "Summarize this conversation in 700 characters or less"

// Config holds the completion backend settings.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string

	Temperature        float32
	MaxTokens          int
	SystemPrompt       string
	MaxHistorySize     int
	MaxConversationAge time.Duration
	// TokenWindow is the model's context size; history is summarised when
	// the estimate plus MaxTokens would exceed it.
	TokenWindow int

	ImageSize string
}

// Completer talks to the completion backend and keeps per-chat conversation
// history.
type Completer struct {
	client *openai.Client
	cfg    Config
	logger *zap.Logger

	mu    sync.Mutex
	convs map[int64]*conversation

	now func() time.Time
}

// New creates a completion backend client.
func New(cfg Config, logger *zap.Logger) *Completer {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &Completer{
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
		logger: logger,
		convs:  make(map[int64]*conversation),
		now:    time.Now,
	}
}

// Stream is one in-flight streamed completion. Err reports a mid-stream
// backend failure after the frame channel closes.
type Stream struct {
	frames chan domain.StreamFrame
	err    error
}

// Frames returns the growing-prefix frame sequence.
func (s *Stream) Frames() <-chan domain.StreamFrame { return s.frames }

// Err returns the backend error, if any, once Frames is exhausted.
func (s *Stream) Err() error { return s.err }

// ChatStream starts a streamed completion for the chat's conversation.
func (c *Completer) ChatStream(ctx context.Context, chatID int64, query string) (domain.FrameStream, error) {
	messages := c.prepare(ctx, chatID, query)

	start := time.Now()
	upstream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
		Stream:      true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	})
	if err != nil {
		metrics.UpstreamErrorsTotal.WithLabelValues("chat_stream").Inc()
		return nil, parseAPIError(err)
	}

	out := &Stream{frames: make(chan domain.StreamFrame, 16)}
	go func() {
		defer close(out.frames)
		defer upstream.Close()
		defer func() {
			metrics.UpstreamRequestDuration.WithLabelValues("chat_stream").Observe(time.Since(start).Seconds())
		}()

		var acc strings.Builder
		var usage *openai.Usage

		for {
			resp, recvErr := upstream.Recv()
			if errors.Is(recvErr, io.EOF) {
				break
			}
			if recvErr != nil {
				metrics.UpstreamErrorsTotal.WithLabelValues("chat_stream").Inc()
				out.err = parseAPIError(recvErr)
				return
			}

			if resp.Usage != nil {
				usage = resp.Usage
			}
			if len(resp.Choices) > 0 {
				acc.WriteString(resp.Choices[0].Delta.Content)
			}

			// Intermediate frames are cumulative, so dropping one when the
			// consumer lags loses nothing.
			select {
			case out.frames <- domain.StreamFrame{Text: acc.String(), Tokens: domain.PendingTokens()}:
			case <-ctx.Done():
				out.err = ctx.Err()
				return
			default:
			}
		}

		answer := acc.String()
		total := c.finalTokenCount(usage, messages, answer)
		select {
		case out.frames <- domain.StreamFrame{Text: answer, IsLast: true, Tokens: domain.FinalTokens(total)}:
			c.rememberAnswer(chatID, answer)
		case <-ctx.Done():
			out.err = ctx.Err()
		}
	}()

	return out, nil
}

// Chat runs a one-shot completion and returns the answer and token count.
func (c *Completer) Chat(ctx context.Context, chatID int64, query string) (string, int64, error) {
	messages := c.prepare(ctx, chatID, query)

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	metrics.UpstreamRequestDuration.WithLabelValues("chat").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.UpstreamErrorsTotal.WithLabelValues("chat").Inc()
		return "", 0, parseAPIError(err)
	}
	if len(resp.Choices) == 0 {
		metrics.UpstreamErrorsTotal.WithLabelValues("chat").Inc()
		return "", 0, fmt.Errorf("empty completion response: %w", domain.ErrUpstream)
	}

	answer := strings.TrimSpace(resp.Choices[0].Message.Content)
	c.rememberAnswer(chatID, answer)
	return answer, int64(resp.Usage.TotalTokens), nil
}

// GenerateImage produces one image for the prompt and returns its URL and
// size tier.
func (c *Completer) GenerateImage(ctx context.Context, prompt string) (string, string, error) {
	start := time.Now()
	resp, err := c.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         prompt,
		N:              1,
		Size:           c.cfg.ImageSize,
		ResponseFormat: openai.CreateImageResponseFormatURL,
	})
	metrics.UpstreamRequestDuration.WithLabelValues("image").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.UpstreamErrorsTotal.WithLabelValues("image").Inc()
		return "", "", parseAPIError(err)
	}
	if len(resp.Data) == 0 {
		metrics.UpstreamErrorsTotal.WithLabelValues("image").Inc()
		return "", "", fmt.Errorf("empty image response: %w", domain.ErrUpstream)
	}
	return resp.Data[0].URL, c.cfg.ImageSize, nil
}

// Transcribe converts an audio resource to text. The audio container is
// passed through as-is; the backend handles decoding.
func (c *Completer) Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error) {
	start := time.Now()
	resp, err := c.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		FilePath: filename,
		Reader:   audio,
	})
	metrics.UpstreamRequestDuration.WithLabelValues("transcribe").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.UpstreamErrorsTotal.WithLabelValues("transcribe").Inc()
		return "", parseAPIError(err)
	}
	return resp.Text, nil
}

// Reset clears the chat's conversation history.
func (c *Completer) Reset(chatID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.convs, chatID)
}

// prepare appends the query to the chat's history, starting or summarising
// the conversation as needed, and returns the messages to send.
func (c *Completer) prepare(ctx context.Context, chatID int64, query string) []openai.ChatCompletionMessage {
	c.mu.Lock()
	now := c.now()
	conv, ok := c.convs[chatID]
	if !ok || c.aged(conv, now) {
		conv = newConversation(c.cfg.SystemPrompt)
		c.convs[chatID] = conv
	}
	conv.lastUpdated = now
	conv.append(openai.ChatMessageRoleUser, query)
	messages := conv.snapshot()

	overTokens := c.cfg.TokenWindow > 0 &&
		estimateTokens(messages)+c.cfg.MaxTokens > c.cfg.TokenWindow
	overSize := c.cfg.MaxHistorySize > 0 && len(messages) > c.cfg.MaxHistorySize
	c.mu.Unlock()

	if !overTokens && !overSize {
		return messages
	}

	c.logger.Info("Conversation too long, summarising", zap.Int64("chat_id", chatID))
	summary, err := c.summarise(ctx, messages[:len(messages)-1])

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.logger.Warn("Summarise failed, truncating history instead", zap.Error(err))
		conv.truncate(c.cfg.MaxHistorySize)
	} else {
		conv.resetWith(c.cfg.SystemPrompt, summary, query)
	}
	return conv.snapshot()
}

func (c *Completer) aged(conv *conversation, now time.Time) bool {
	return c.cfg.MaxConversationAge > 0 && now.Sub(conv.lastUpdated) > c.cfg.MaxConversationAge
}

// summarise condenses the history into a short assistant message.
func (c *Completer) summarise(ctx context.Context, history []openai.ChatCompletionMessage) (string, error) {
	transcript, err := json.Marshal(history)
	if err != nil {
		return "", fmt.Errorf("encode history: %w", err)
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Temperature: 0.4,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleAssistant, Content: summarisePrompt},
			{Role: openai.ChatMessageRoleUser, Content: string(transcript)},
		},
	})
	if err != nil {
		return "", parseAPIError(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty summary response: %w", domain.ErrUpstream)
	}
	return resp.Choices[0].Message.Content, nil
}

// rememberAnswer appends the assistant reply to the chat's history.
func (c *Completer) rememberAnswer(chatID int64, answer string) {
	if answer == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if conv, ok := c.convs[chatID]; ok {
		conv.append(openai.ChatMessageRoleAssistant, answer)
	}
}

// finalTokenCount prefers the backend-reported usage and falls back to an
// estimate when the stream ends without one.
func (c *Completer) finalTokenCount(usage *openai.Usage, messages []openai.ChatCompletionMessage, answer string) int64 {
	if usage != nil && usage.TotalTokens > 0 {
		return int64(usage.TotalTokens)
	}
	c.logger.Debug("Stream ended without usage, estimating token count")
	return int64(estimateTokens(messages) + len(answer)/4)
}

// parseAPIError extracts a readable error from the backend response. All
// errors are wrapped with domain.ErrUpstream.
func parseAPIError(err error) error {
	wrap := domain.ErrUpstream

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Errorf("completion API error %d: %s: %w",
			reqErr.HTTPStatusCode, string(reqErr.Body), wrap)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("completion API error %d: %s: %w",
			apiErr.HTTPStatusCode, apiErr.Message, wrap)
	}

	return fmt.Errorf("completion request failed: %v: %w", err, wrap)
}
