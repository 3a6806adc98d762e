// Package usage builds human- and machine-readable reports over the ledger.
package usage

import (
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/naumanjadev/telegpt/internal/domain"
	"github.com/naumanjadev/telegpt/internal/usecase/ledger"
	"github.com/naumanjadev/telegpt/internal/usecase/policy"
)

// LedgerReader provides read-only access to the usage ledger.
type LedgerReader interface {
	TokenTotals(id domain.Identity) ledger.Totals
	ImageTotals(id domain.Identity) ledger.Totals
	TranscriptionTotals(id domain.Identity) ledger.Seconds
	Cost(id domain.Identity) ledger.Costs
	CostMonth(id domain.Identity) float64
}

// PeriodUsage is one period's consumption.
type PeriodUsage struct {
	ChatTokens           int64   `json:"chat_tokens"`
	Images               int64   `json:"images"`
	TranscriptionSeconds float64 `json:"transcription_seconds"`
	Cost                 float64 `json:"cost"`
}

// Report is the per-identity usage summary served over HTTP.
type Report struct {
	User  string      `json:"user"`
	Today PeriodUsage `json:"today"`
	Month PeriodUsage `json:"month"`
}

// Service assembles usage reports.
type Service struct {
	reader LedgerReader
	cfg    policy.Config
	logger *zap.Logger
}

// New creates a Service.
func New(reader LedgerReader, cfg policy.Config, logger *zap.Logger) *Service {
	return &Service{reader: reader, cfg: cfg, logger: logger}
}

// Report builds the machine-readable summary for one identity.
func (s *Service) Report(id domain.Identity) Report {
	tokens := s.reader.TokenTotals(id)
	images := s.reader.ImageTotals(id)
	seconds := s.reader.TranscriptionTotals(id)
	costs := s.reader.Cost(id)

	return Report{
		User: id.Key(),
		Today: PeriodUsage{
			ChatTokens:           tokens.Today,
			Images:               images.Today,
			TranscriptionSeconds: seconds.Today,
			Cost:                 costs.Today,
		},
		Month: PeriodUsage{
			ChatTokens:           tokens.Month,
			Images:               images.Month,
			TranscriptionSeconds: seconds.Month,
			Cost:                 costs.Month,
		},
	}
}

// Render formats the /stats reply for an actor. Admins additionally see the
// shared guest pool.
func (s *Service) Render(actor domain.Actor) string {
	var b strings.Builder

	report := s.Report(actor.Identity)
	b.WriteString("Usage today:\n")
	writePeriod(&b, report.Today)
	b.WriteString("\nUsage this month:\n")
	writePeriod(&b, report.Month)

	verdict := policy.Evaluate(actor, s.cfg, s.reader, s.logger)
	if verdict.Allowed && !math.IsInf(verdict.Remaining, 1) {
		fmt.Fprintf(&b, "\nRemaining budget this month: $%.2f\n", verdict.Remaining)
	}

	if actor.IsAdmin {
		guests := s.Report(domain.GuestPool)
		b.WriteString("\nGuestPool usage this month:\n")
		writePeriod(&b, guests.Month)
	}
	return b.String()
}

func writePeriod(b *strings.Builder, p PeriodUsage) {
	fmt.Fprintf(b, "%d chat tokens\n", p.ChatTokens)
	fmt.Fprintf(b, "%d images generated\n", p.Images)
	fmt.Fprintf(b, "%.1f seconds of audio transcribed\n", p.TranscriptionSeconds)
	fmt.Fprintf(b, "$%.2f spent\n", p.Cost)
}
