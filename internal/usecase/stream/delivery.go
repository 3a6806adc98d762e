// Package stream converts a growing-prefix completion stream into the
// minimum number of transport send/edit calls, without dropping or
// duplicating the final content.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/naumanjadev/telegpt/internal/chunk"
	"github.com/naumanjadev/telegpt/internal/domain"
	"github.com/naumanjadev/telegpt/internal/metrics"
)

// Delivery drives one turn's incremental rendering. All transport calls of a
// turn are strictly sequential; a second call never starts before the
// previous one resolves.
type Delivery struct {
	transport domain.Transport
	tuning    Tuning
	logger    *zap.Logger

	// sleep is swappable in tests; the default honors ctx cancellation.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a delivery engine over the given transport.
func New(transport domain.Transport, tuning Tuning, logger *zap.Logger) *Delivery {
	return &Delivery{
		transport: transport,
		tuning:    tuning,
		logger:    logger,
		sleep:     ctxSleep,
	}
}

// Run consumes frames until the channel closes and renders them into chat
// messages. replyTo, when non-zero, quotes the triggering message on the
// first send. It returns the stream's authoritative token count; a stream
// that never reports one bills zero tokens and is logged as an anomaly.
//
// Intermediate edits are best-effort: their failures are absorbed via the
// backoff penalty and superseded by later frames. The final flush is
// mandatory and its failure propagates.
func (d *Delivery) Run(
	ctx context.Context,
	chat domain.ChatRef,
	replyTo int,
	frames <-chan domain.StreamFrame,
) (int64, error) {
	var (
		sent       *domain.MessageRef // currently open message
		prev       string             // last successfully rendered text
		penalty    int                // accumulated backoff, in cutoff units
		chunkIndex int                // capacity boundaries already crossed
		first      = true             // no initial send has succeeded yet
		tokens     int64
		sawFinal   bool
	)
	steps := d.tuning.steps(chat.Kind == domain.ChatGroup)

	for {
		var frame domain.StreamFrame
		var open bool
		select {
		case <-ctx.Done():
			return tokens, ctx.Err()
		case frame, open = <-frames:
		}
		if !open {
			break
		}

		if n, known := frame.Tokens.Final(); known {
			tokens = n
			sawFinal = true
		}

		content := frame.Text
		if strings.TrimSpace(content) == "" {
			continue
		}

		chunks := chunk.Split(content, d.tuning.Capacity)
		if len(chunks) > 1 {
			content = chunks[len(chunks)-1]
			if chunkIndex != len(chunks)-1 {
				// Size boundary crossed: close the open message with its
				// final content and open a new one with the remainder. This
				// consumes the frame; normal cadence resumes on the next.
				chunkIndex++
				if err := d.rollover(ctx, chat, sent, chunks, &sent, &prev); err != nil {
					if frame.IsLast {
						return tokens, fmt.Errorf("final rollover send: %w", err)
					}
					d.logger.Debug("rollover send failed, frame skipped", zap.Error(err))
				}
				continue
			}
		}

		if first {
			// A message left behind by a pre-send rollover is stale; replace
			// it with a proper reply to the triggering event.
			if sent != nil {
				if err := d.transport.Delete(ctx, *sent); err != nil {
					d.logger.Debug("stale message delete failed", zap.Error(err))
				}
			}
			ref, err := d.transport.Send(ctx, chat, content, replyTo)
			if err != nil {
				if frame.IsLast {
					return tokens, fmt.Errorf("final send: %w", err)
				}
				// Content is lost until overwritten by the next frame.
				d.logger.Debug("initial send failed, frame skipped", zap.Error(err))
				continue
			}
			sent = &ref
			prev = content
			first = false
			continue
		}

		cutoff := steps.cutoff(utf8.RuneCountInString(content)) + penalty
		delta := utf8.RuneCountInString(content) - utf8.RuneCountInString(prev)
		if delta < 0 {
			delta = -delta
		}
		if delta <= cutoff && !frame.IsLast {
			continue // edit suppressed, flood control
		}

		if err := d.edit(ctx, *sent, content, frame.IsLast, &prev, &penalty); err != nil {
			return tokens, err
		}
	}

	if !sawFinal {
		d.logger.Warn("Stream ended without a final token count, billing zero tokens")
		return 0, nil
	}
	return tokens, nil
}

// rollover closes the open message (best-effort) and opens a new one seeded
// with the text beyond the boundary.
func (d *Delivery) rollover(
	ctx context.Context,
	chat domain.ChatRef,
	open *domain.MessageRef,
	chunks []string,
	sent **domain.MessageRef,
	prev *string,
) error {
	if open != nil {
		closing := chunks[len(chunks)-2]
		if err := d.transport.Edit(ctx, *open, closing); err != nil && !errors.Is(err, domain.ErrUnmodified) {
			d.logger.Debug("closing edit failed", zap.Error(err))
		}
	}

	seed := chunks[len(chunks)-1]
	if seed == "" {
		seed = d.tuning.Placeholder
	}
	ref, err := d.transport.Send(ctx, chat, seed, 0)
	if err != nil {
		return err
	}
	*sent = &ref
	*prev = seed
	return nil
}

// edit attempts one edit, retrying the same content across transient
// failures. Generic failures advance (the content is superseded by the next
// frame) unless this is the final flush, which must land.
func (d *Delivery) edit(
	ctx context.Context,
	ref domain.MessageRef,
	content string,
	isFinal bool,
	prev *string,
	penalty *int,
) error {
	for {
		err := d.transport.Edit(ctx, ref, content)

		var rl *domain.RateLimitedError
		switch {
		case err == nil:
			metrics.StreamEditsTotal.WithLabelValues("success").Inc()
			*prev = content
			// Small pacing delay to stay under the implicit edit-rate ceiling.
			return d.sleep(ctx, d.tuning.PacingDelay)

		case errors.Is(err, domain.ErrUnmodified):
			metrics.StreamEditsTotal.WithLabelValues("unmodified").Inc()
			*prev = content
			return nil

		case errors.As(err, &rl):
			metrics.StreamEditsTotal.WithLabelValues("rate_limited").Inc()
			*penalty += d.tuning.BackoffIncrement
			d.logger.Debug("edit rate limited",
				zap.Duration("retry_after", rl.RetryAfter),
				zap.Int("penalty", *penalty),
			)
			// Suspend for exactly the server-supplied duration, then retry
			// the same content.
			if serr := d.sleep(ctx, rl.RetryAfter); serr != nil {
				return serr
			}

		case errors.Is(err, domain.ErrTimedOut):
			metrics.StreamEditsTotal.WithLabelValues("timeout").Inc()
			*penalty += d.tuning.BackoffIncrement
			if serr := d.sleep(ctx, d.tuning.TimeoutDelay); serr != nil {
				return serr
			}

		default:
			metrics.StreamEditsTotal.WithLabelValues("error").Inc()
			*penalty += d.tuning.BackoffIncrement
			if isFinal {
				return fmt.Errorf("final flush: %w", err)
			}
			d.logger.Debug("edit failed, content superseded by next frame", zap.Error(err))
			return nil
		}
	}
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
