// Package dispatch routes inbound chat events through the access and budget
// gates, runs the priced action, and records its usage. Each event owns its
// turn: failures are reported to the user and never escape the handler.
package dispatch

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/naumanjadev/telegpt/internal/chunk"
	"github.com/naumanjadev/telegpt/internal/domain"
	"github.com/naumanjadev/telegpt/internal/metrics"
	"github.com/naumanjadev/telegpt/internal/usecase/policy"
	"github.com/naumanjadev/telegpt/internal/usecase/stream"
)

const indicatorInterval = 5 * time.Second

// Messages are the user-facing texts for non-answer replies.
type Messages struct {
	Help            string
	Disallowed      string
	BudgetReached   string
	TurnFailed      string
	ResetDone       string
	NothingToResend string
}

// Config tunes the dispatcher.
type Config struct {
	// Stream selects incremental delivery; when false, answers arrive as a
	// single completion chunked into capacity-sized messages.
	Stream        bool
	ChunkCapacity int
	Policy        policy.Config
	Prices        domain.PriceTable
	Messages      Messages
	// IgnoreGroupTranscriptions drops voice notes in group chats.
	IgnoreGroupTranscriptions bool
}

// Dispatcher handles routed events.
type Dispatcher struct {
	transport domain.Transport
	photos    PhotoSender
	indicator Indicator
	files     FileFetcher
	completer Completer
	resolver  Resolver
	ledger    Ledger
	reporter  Reporter
	delivery  *stream.Delivery
	cfg       Config
	logger    *zap.Logger

	mu          sync.Mutex
	lastPrompts map[int64]string // chat id -> last gated prompt, for /resend
}

// New wires a dispatcher. The delivery engine is built over the same
// transport the plain sends use.
func New(
	transport domain.Transport,
	photos PhotoSender,
	indicator Indicator,
	files FileFetcher,
	completer Completer,
	resolver Resolver,
	ledger Ledger,
	reporter Reporter,
	tuning stream.Tuning,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.ChunkCapacity <= 0 {
		cfg.ChunkCapacity = tuning.Capacity
	}
	return &Dispatcher{
		transport:   transport,
		photos:      photos,
		indicator:   indicator,
		files:       files,
		completer:   completer,
		resolver:    resolver,
		ledger:      ledger,
		reporter:    reporter,
		delivery:    stream.New(transport, tuning, logger),
		cfg:         cfg,
		logger:      logger,
		lastPrompts: make(map[int64]string),
	}
}

// HandleChat runs one conversational turn.
func (d *Dispatcher) HandleChat(ctx context.Context, ev domain.Event) {
	start := time.Now()
	actor, ok := d.gate(ctx, ev)
	if !ok {
		metrics.TurnsTotal.WithLabelValues("chat", "denied").Inc()
		return
	}
	d.rememberPrompt(ev)

	stop := d.indicate(ctx, ev.Chat, "typing")
	defer stop()

	var tokens int64
	var err error
	if d.cfg.Stream {
		tokens, err = d.streamTurn(ctx, ev)
	} else {
		tokens, err = d.plainTurn(ctx, ev)
	}
	if err != nil {
		d.logger.Error("chat turn failed",
			zap.Int64("chat_id", ev.Chat.ID),
			zap.String("user", actor.Identity.Name),
			zap.Error(err))
		metrics.TurnsTotal.WithLabelValues("chat", "failed").Inc()
		d.reply(ctx, ev, d.cfg.Messages.TurnFailed)
		return
	}

	for _, id := range d.debtors(actor) {
		d.ledger.AddChatTokens(id, tokens, d.cfg.Prices.TokenPrice)
	}
	metrics.ChatTokensTotal.Add(float64(tokens))
	metrics.TurnsTotal.WithLabelValues("chat", "ok").Inc()
	metrics.TurnDuration.WithLabelValues("chat").Observe(time.Since(start).Seconds())
}

func (d *Dispatcher) streamTurn(ctx context.Context, ev domain.Event) (int64, error) {
	st, err := d.completer.ChatStream(ctx, ev.Chat.ID, ev.Text)
	if err != nil {
		return 0, err
	}
	tokens, err := d.delivery.Run(ctx, ev.Chat, ev.MessageID, st.Frames())
	if err != nil {
		return 0, err
	}
	if err := st.Err(); err != nil {
		return 0, err
	}
	return tokens, nil
}

func (d *Dispatcher) plainTurn(ctx context.Context, ev domain.Event) (int64, error) {
	answer, tokens, err := d.completer.Chat(ctx, ev.Chat.ID, ev.Text)
	if err != nil {
		return 0, err
	}
	replyTo := ev.MessageID
	for _, part := range chunk.Split(answer, d.cfg.ChunkCapacity) {
		if _, err := d.transport.Send(ctx, ev.Chat, part, replyTo); err != nil {
			return 0, err
		}
		replyTo = 0
	}
	return tokens, nil
}

// HandleImage generates one image for the prompt.
func (d *Dispatcher) HandleImage(ctx context.Context, ev domain.Event) {
	start := time.Now()
	actor, ok := d.gate(ctx, ev)
	if !ok {
		metrics.TurnsTotal.WithLabelValues("image", "denied").Inc()
		return
	}

	stop := d.indicate(ctx, ev.Chat, "upload_photo")
	defer stop()

	url, size, err := d.completer.GenerateImage(ctx, ev.Text)
	if err == nil {
		err = d.photos.SendPhotoURL(ctx, ev.Chat, url, ev.MessageID)
	}
	if err != nil {
		d.logger.Error("image turn failed",
			zap.Int64("chat_id", ev.Chat.ID),
			zap.Error(err))
		metrics.TurnsTotal.WithLabelValues("image", "failed").Inc()
		d.reply(ctx, ev, d.cfg.Messages.TurnFailed)
		return
	}

	for _, id := range d.debtors(actor) {
		d.ledger.AddImage(id, size, d.cfg.Prices)
	}
	metrics.TurnsTotal.WithLabelValues("image", "ok").Inc()
	metrics.TurnDuration.WithLabelValues("image").Observe(time.Since(start).Seconds())
}

// HandleTranscribe converts a voice or audio message to text.
func (d *Dispatcher) HandleTranscribe(ctx context.Context, ev domain.Event, audio domain.AudioRef) {
	if ev.Chat.Kind == domain.ChatGroup && d.cfg.IgnoreGroupTranscriptions {
		d.logger.Info("ignoring group transcription", zap.Int64("chat_id", ev.Chat.ID))
		return
	}

	start := time.Now()
	actor, ok := d.gate(ctx, ev)
	if !ok {
		metrics.TurnsTotal.WithLabelValues("transcribe", "denied").Inc()
		return
	}

	stop := d.indicate(ctx, ev.Chat, "typing")
	defer stop()

	transcript, err := d.transcribe(ctx, audio)
	if err != nil {
		d.logger.Error("transcription turn failed",
			zap.Int64("chat_id", ev.Chat.ID),
			zap.Error(err))
		metrics.TurnsTotal.WithLabelValues("transcribe", "failed").Inc()
		d.reply(ctx, ev, d.cfg.Messages.TurnFailed)
		return
	}

	replyTo := ev.MessageID
	for _, part := range chunk.Split(transcript, d.cfg.ChunkCapacity) {
		if _, err := d.transport.Send(ctx, ev.Chat, part, replyTo); err != nil {
			d.logger.Warn("transcript delivery failed", zap.Error(err))
			break
		}
		replyTo = 0
	}

	for _, id := range d.debtors(actor) {
		d.ledger.AddTranscriptionSeconds(id, audio.Seconds, d.cfg.Prices)
	}
	metrics.TurnsTotal.WithLabelValues("transcribe", "ok").Inc()
	metrics.TurnDuration.WithLabelValues("transcribe").Observe(time.Since(start).Seconds())
}

func (d *Dispatcher) transcribe(ctx context.Context, audio domain.AudioRef) (string, error) {
	content, name, err := d.files.FetchFile(ctx, audio.FileID)
	if err != nil {
		return "", err
	}
	defer content.Close()
	return d.completer.Transcribe(ctx, name, content)
}

// HandleReset clears the chat's conversation memory.
func (d *Dispatcher) HandleReset(ctx context.Context, ev domain.Event) {
	if _, ok := d.gateAccess(ctx, ev); !ok {
		return
	}
	d.completer.Reset(ev.Chat.ID)
	d.logger.Info("conversation reset", zap.Int64("chat_id", ev.Chat.ID))
	d.reply(ctx, ev, d.cfg.Messages.ResetDone)
}

// HandleStats reports the requester's usage.
func (d *Dispatcher) HandleStats(ctx context.Context, ev domain.Event) {
	actor, ok := d.gateAccess(ctx, ev)
	if !ok {
		return
	}
	d.reply(ctx, ev, d.reporter.Render(actor))
}

// HandleResend repeats the chat's last gated prompt.
func (d *Dispatcher) HandleResend(ctx context.Context, ev domain.Event) {
	if _, ok := d.gateAccess(ctx, ev); !ok {
		return
	}
	d.mu.Lock()
	prompt, found := d.lastPrompts[ev.Chat.ID]
	d.mu.Unlock()
	if !found {
		d.reply(ctx, ev, d.cfg.Messages.NothingToResend)
		return
	}
	ev.Text = prompt
	d.HandleChat(ctx, ev)
}

// HandleHelp sends the command overview. Unrestricted: the help text is the
// only surface unauthorised users see.
func (d *Dispatcher) HandleHelp(ctx context.Context, ev domain.Event) {
	d.reply(ctx, ev, d.cfg.Messages.Help)
}

// gate runs both checks in order: access first, budget second. Denials are
// reported to the user best-effort.
func (d *Dispatcher) gate(ctx context.Context, ev domain.Event) (domain.Actor, bool) {
	actor := d.resolver.Resolve(ctx, ev)

	if !policy.CheckAccess(actor, d.cfg.Policy) {
		d.logger.Warn("access denied",
			zap.Int64("user_id", int64(actor.Identity.ID)),
			zap.String("user", actor.Identity.Name))
		metrics.GateDenialsTotal.WithLabelValues("access", string(policy.ReasonNotPermitted)).Inc()
		d.reply(ctx, ev, d.cfg.Messages.Disallowed)
		return actor, false
	}

	verdict := policy.Evaluate(actor, d.cfg.Policy, d.ledger, d.logger)
	if !verdict.Allowed {
		d.logger.Warn("budget denied",
			zap.Int64("user_id", int64(actor.Identity.ID)),
			zap.String("reason", string(verdict.Reason)))
		metrics.GateDenialsTotal.WithLabelValues("budget", string(verdict.Reason)).Inc()
		d.reply(ctx, ev, d.cfg.Messages.BudgetReached)
		return actor, false
	}
	return actor, true
}

// gateAccess runs the access check alone, for unpriced commands.
func (d *Dispatcher) gateAccess(ctx context.Context, ev domain.Event) (domain.Actor, bool) {
	actor := d.resolver.Resolve(ctx, ev)
	if policy.CheckAccess(actor, d.cfg.Policy) {
		return actor, true
	}
	d.logger.Warn("access denied",
		zap.Int64("user_id", int64(actor.Identity.ID)),
		zap.String("user", actor.Identity.Name))
	metrics.GateDenialsTotal.WithLabelValues("access", string(policy.ReasonNotPermitted)).Inc()
	d.reply(ctx, ev, d.cfg.Messages.Disallowed)
	return actor, false
}

// debtors lists the ledger identities a priced action debits: the actor,
// plus the shared guest pool for unenumerated group users.
func (d *Dispatcher) debtors(actor domain.Actor) []domain.Identity {
	ids := []domain.Identity{actor.Identity}
	if actor.ChatKind == domain.ChatGroup &&
		!actor.IsAdmin &&
		!d.cfg.Policy.IsEnumerated(actor.Identity.ID) {
		ids = append(ids, domain.GuestPool)
	}
	return ids
}

func (d *Dispatcher) rememberPrompt(ev domain.Event) {
	if strings.TrimSpace(ev.Text) == "" {
		return
	}
	d.mu.Lock()
	d.lastPrompts[ev.Chat.ID] = ev.Text
	d.mu.Unlock()
}

func (d *Dispatcher) reply(ctx context.Context, ev domain.Event, text string) {
	if text == "" {
		return
	}
	if _, err := d.transport.Send(ctx, ev.Chat, text, ev.MessageID); err != nil {
		d.logger.Warn("reply failed",
			zap.Int64("chat_id", ev.Chat.ID),
			zap.Error(err))
	}
}

// indicate refreshes the activity hint until the returned stop function is
// called.
func (d *Dispatcher) indicate(ctx context.Context, chat domain.ChatRef, action string) func() {
	if d.indicator == nil {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(indicatorInterval)
		defer ticker.Stop()
		for {
			if err := d.indicator.Action(ctx, chat, action); err != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return cancel
}
