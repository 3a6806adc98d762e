package telegram

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/naumanjadev/telegpt/internal/domain"
)

const defaultPollTimeout = 30 * time.Second

// Handler receives routed inbound events. Each call runs on its own
// goroutine; a handler owns the turn end to end, including user-facing
// failure messages.
type Handler interface {
	HandleChat(ctx context.Context, ev domain.Event)
	HandleImage(ctx context.Context, ev domain.Event)
	HandleTranscribe(ctx context.Context, ev domain.Event, audio domain.AudioRef)
	HandleReset(ctx context.Context, ev domain.Event)
	HandleStats(ctx context.Context, ev domain.Event)
	HandleResend(ctx context.Context, ev domain.Event)
	HandleHelp(ctx context.Context, ev domain.Event)
}

// PollerConfig tunes the update loop and group routing.
type PollerConfig struct {
	PollTimeout time.Duration
	// TriggerKeyword gates plain group messages: a prompt must start with
	// it (stripped before dispatch) or reply to one of the bot's messages.
	TriggerKeyword string
}

// Poller drives the getUpdates long-poll loop and routes each update to
// the handler on its own goroutine.
type Poller struct {
	client  *Client
	handler Handler
	cfg     PollerConfig
	logger  *zap.Logger

	botID       int64
	botUsername string
	offset      int64
}

// NewPoller creates a poller over an authenticated client.
func NewPoller(client *Client, handler Handler, cfg PollerConfig, logger *zap.Logger) *Poller {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	return &Poller{
		client:  client,
		handler: handler,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run identifies the bot and polls for updates until the context ends.
func (p *Poller) Run(ctx context.Context) error {
	me, err := p.client.GetMe(ctx)
	if err != nil {
		return err
	}
	p.botID = me.ID
	p.botUsername = me.Username
	p.logger.Info("bot identified",
		zap.Int64("bot_id", me.ID),
		zap.String("username", me.Username))

	for {
		updates, err := p.client.GetUpdates(ctx, p.offset, p.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn("getUpdates failed, retrying", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		for _, upd := range updates {
			if upd.UpdateID >= p.offset {
				p.offset = upd.UpdateID + 1
			}
			if upd.Message == nil || upd.Message.From == nil || upd.Message.From.IsBot {
				continue
			}
			msg := upd.Message
			go p.route(ctx, msg)
		}
	}
}

func (p *Poller) route(ctx context.Context, msg *Message) {
	ev := p.event(msg)

	if msg.Voice != nil {
		p.handler.HandleTranscribe(ctx, ev, domain.AudioRef{
			FileID:  msg.Voice.FileID,
			Seconds: float64(msg.Voice.Duration),
		})
		return
	}
	if msg.Audio != nil {
		p.handler.HandleTranscribe(ctx, ev, domain.AudioRef{
			FileID:  msg.Audio.FileID,
			Seconds: float64(msg.Audio.Duration),
		})
		return
	}

	text := msg.Text
	if text == "" {
		return
	}
	if strings.HasPrefix(text, "/") {
		p.routeCommand(ctx, ev, text)
		return
	}

	if ev.Chat.Kind == domain.ChatGroup {
		prompt, ok := p.groupPrompt(msg)
		if !ok {
			p.logger.Debug("group message without trigger keyword, ignoring",
				zap.Int64("chat_id", ev.Chat.ID))
			return
		}
		ev.Text = prompt
	}
	p.handler.HandleChat(ctx, ev)
}

func (p *Poller) routeCommand(ctx context.Context, ev domain.Event, text string) {
	command, args, _ := strings.Cut(text, " ")
	// Group commands carry an @botname suffix.
	if name, found := strings.CutPrefix(command, "/"); found {
		command = "/" + strings.TrimSuffix(name, "@"+p.botUsername)
	}

	switch command {
	case "/start", "/help":
		p.handler.HandleHelp(ctx, ev)
	case "/reset":
		p.handler.HandleReset(ctx, ev)
	case "/stats":
		p.handler.HandleStats(ctx, ev)
	case "/resend":
		p.handler.HandleResend(ctx, ev)
	case "/image":
		ev.Text = strings.TrimSpace(args)
		if ev.Text == "" {
			p.handler.HandleHelp(ctx, ev)
			return
		}
		p.handler.HandleImage(ctx, ev)
	default:
		p.logger.Debug("unknown command ignored", zap.String("command", command))
	}
}

// groupPrompt applies the group trigger rules: strip the keyword prefix, or
// accept a direct reply to one of the bot's messages unchanged.
func (p *Poller) groupPrompt(msg *Message) (string, bool) {
	text := strings.TrimSpace(msg.Text)
	keyword := p.cfg.TriggerKeyword
	if keyword != "" && strings.HasPrefix(strings.ToLower(text), strings.ToLower(keyword)) {
		return strings.TrimSpace(text[len(keyword):]), true
	}
	if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil &&
		msg.ReplyToMessage.From.ID == p.botID {
		return text, true
	}
	if keyword == "" {
		return text, true
	}
	return "", false
}

func (p *Poller) event(msg *Message) domain.Event {
	kind := domain.ChatPrivate
	if msg.Chat.Type == chatTypeGroup || msg.Chat.Type == chatTypeSupergroup {
		kind = domain.ChatGroup
	}
	threadID := 0
	if msg.IsTopicMessage {
		threadID = msg.ThreadID
	}
	return domain.Event{
		Chat:      domain.ChatRef{ID: msg.Chat.ID, Kind: kind, ThreadID: threadID},
		MessageID: msg.MessageID,
		From:      domain.Identity{ID: domain.UserID(msg.From.ID), Name: msg.From.Name()},
		Text:      strings.TrimSpace(msg.Text),
	}
}
