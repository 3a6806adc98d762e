// Package policy gates priced actions: access control first, spend budget
// second. Both checks are pure decisions over the resolved actor, the static
// configuration and the ledger's monthly cost.
package policy

import (
	"math"

	"go.uber.org/zap"

	"github.com/naumanjadev/telegpt/internal/domain"
)

// Config is the immutable access/budget configuration.
type Config struct {
	// AdminUserIDs are operators: always allowed, never budget-limited.
	AdminUserIDs []domain.UserID
	// AllowedUserIDs enumerates permitted users. Ignored when AllowAll.
	AllowedUserIDs []domain.UserID
	// AllowAll permits every user (allowed list wildcard).
	AllowAll bool
	// UserBudgets is position-matched to AllowedUserIDs. A missing entry for
	// an enumerated user is a configuration error and denies the user.
	UserBudgets []float64
	// UnlimitedBudgets disables spend gating for everyone (budget wildcard).
	UnlimitedBudgets bool
	// GuestBudget is the shared monthly budget for unenumerated members of
	// permitted group chats.
	GuestBudget float64
}

// IsAdmin reports whether the user id is an operator.
func (c Config) IsAdmin(id domain.UserID) bool {
	for _, admin := range c.AdminUserIDs {
		if admin == id {
			return true
		}
	}
	return false
}

// IsEnumerated reports whether the user appears in the allowed list.
func (c Config) IsEnumerated(id domain.UserID) bool {
	return c.allowedIndex(id) >= 0
}

// allowedIndex returns the user's position in the enumerated list, -1 if absent.
func (c Config) allowedIndex(id domain.UserID) int {
	for i, allowed := range c.AllowedUserIDs {
		if allowed == id {
			return i
		}
	}
	return -1
}

// Reason explains a verdict for logging and metrics.
type Reason string

const (
	ReasonAdmin           Reason = "admin"
	ReasonUnrestricted    Reason = "unrestricted"
	ReasonWithinBudget    Reason = "within_budget"
	ReasonGuestBudget     Reason = "guest_budget"
	ReasonBudgetExhausted Reason = "budget_exhausted"
	ReasonMisconfigured   Reason = "misconfigured"
	ReasonNotPermitted    Reason = "not_permitted"
)

// Verdict is the outcome of a budget evaluation. Remaining is math.Inf(1)
// for unlimited identities and undefined when denied.
type Verdict struct {
	Allowed   bool
	Remaining float64
	Reason    Reason
}

func allowed(remaining float64, reason Reason) Verdict {
	return Verdict{Allowed: true, Remaining: remaining, Reason: reason}
}

func denied(reason Reason) Verdict {
	return Verdict{Reason: reason}
}

// CostReader is the ledger view the policy consumes.
type CostReader interface {
	CostMonth(id domain.Identity) float64
}

// CheckAccess decides whether the actor may use the bot at all. This gate is
// independent of spend gating and has no ledger side effects; it runs first.
func CheckAccess(actor domain.Actor, cfg Config) bool {
	switch {
	case cfg.AllowAll:
		return true
	case actor.IsAdmin || cfg.IsAdmin(actor.Identity.ID):
		return true
	case cfg.allowedIndex(actor.Identity.ID) >= 0:
		return true
	case actor.ChatKind == domain.ChatGroup && actor.GroupHasPermittedMember:
		return true
	default:
		return false
	}
}

// Evaluate decides whether the actor is within budget and how much remains.
// First match wins; the boundary is strict (an identity whose month cost
// equals its budget is denied).
func Evaluate(actor domain.Actor, cfg Config, costs CostReader, logger *zap.Logger) Verdict {
	id := actor.Identity

	if actor.IsAdmin || cfg.IsAdmin(id.ID) {
		return allowed(math.Inf(1), ReasonAdmin)
	}
	if cfg.UnlimitedBudgets {
		return allowed(math.Inf(1), ReasonUnrestricted)
	}

	if cfg.AllowAll {
		// Wildcard user list: the first budget value applies to everyone.
		if len(cfg.UserBudgets) == 0 {
			logger.Warn("Unrestricted user list without budget values",
				zap.String("identity", id.Key()))
			return denied(ReasonMisconfigured)
		}
		if len(cfg.UserBudgets) > 1 {
			logger.Warn("Multiple budget values with unrestricted user list, only the first applies")
		}
		return userVerdict(cfg.UserBudgets[0], costs.CostMonth(id))
	}

	if idx := cfg.allowedIndex(id.ID); idx >= 0 {
		if idx >= len(cfg.UserBudgets) {
			logger.Warn("No budget set for allowed user, budget list shorter than user list",
				zap.String("identity", id.Key()))
			return denied(ReasonMisconfigured)
		}
		return userVerdict(cfg.UserBudgets[idx], costs.CostMonth(id))
	}

	// Unenumerated member of a permitted group: shared guest pool.
	if actor.ChatKind == domain.ChatGroup && actor.GroupHasPermittedMember {
		remaining := cfg.GuestBudget - costs.CostMonth(domain.GuestPool)
		if remaining > 0 {
			return allowed(remaining, ReasonGuestBudget)
		}
		return denied(ReasonBudgetExhausted)
	}

	return denied(ReasonNotPermitted)
}

func userVerdict(budget, costMonth float64) Verdict {
	remaining := budget - costMonth
	if remaining > 0 {
		return allowed(remaining, ReasonWithinBudget)
	}
	return denied(ReasonBudgetExhausted)
}
