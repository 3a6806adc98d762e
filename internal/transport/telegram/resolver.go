package telegram

import (
	"context"

	"go.uber.org/zap"

	"github.com/naumanjadev/telegpt/internal/domain"
	"github.com/naumanjadev/telegpt/internal/usecase/policy"
)

// memberProber answers whether a user currently belongs to a group chat.
type memberProber interface {
	IsUserInGroup(ctx context.Context, chatID int64, userID domain.UserID) (bool, error)
}

// Resolver turns an inbound event into a policy-ready actor. The group
// membership probe is a network round trip per candidate, so it only runs
// for group chats where the sender is neither enumerated nor an admin and
// the allowed list is not a wildcard.
type Resolver struct {
	prober memberProber
	cfg    policy.Config
	logger *zap.Logger
}

// NewResolver creates a resolver over the given membership prober.
func NewResolver(prober memberProber, cfg policy.Config, logger *zap.Logger) *Resolver {
	return &Resolver{prober: prober, cfg: cfg, logger: logger}
}

// Resolve builds the actor for an event.
func (r *Resolver) Resolve(ctx context.Context, ev domain.Event) domain.Actor {
	actor := domain.Actor{
		Identity: ev.From,
		IsAdmin:  r.cfg.IsAdmin(ev.From.ID),
		ChatKind: ev.Chat.Kind,
	}

	if actor.ChatKind != domain.ChatGroup || actor.IsAdmin || r.cfg.AllowAll {
		return actor
	}
	for _, id := range r.cfg.AllowedUserIDs {
		if id == ev.From.ID {
			return actor
		}
	}

	actor.GroupHasPermittedMember = r.probeGroup(ctx, ev.Chat.ID)
	return actor
}

// probeGroup checks the enumerated and admin users one by one until a
// current member is found.
func (r *Resolver) probeGroup(ctx context.Context, chatID int64) bool {
	candidates := make([]domain.UserID, 0, len(r.cfg.AllowedUserIDs)+len(r.cfg.AdminUserIDs))
	candidates = append(candidates, r.cfg.AllowedUserIDs...)
	candidates = append(candidates, r.cfg.AdminUserIDs...)

	for _, id := range candidates {
		member, err := r.prober.IsUserInGroup(ctx, chatID, id)
		if err != nil {
			r.logger.Warn("group membership probe failed",
				zap.Int64("chat_id", chatID),
				zap.Int64("user_id", int64(id)),
				zap.Error(err))
			continue
		}
		if member {
			r.logger.Info("group chat permitted via member",
				zap.Int64("chat_id", chatID),
				zap.Int64("member_id", int64(id)))
			return true
		}
	}
	return false
}
