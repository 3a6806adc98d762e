package usage

import (
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/naumanjadev/telegpt/internal/domain"
	"github.com/naumanjadev/telegpt/internal/usecase/ledger"
	"github.com/naumanjadev/telegpt/internal/usecase/policy"
)

type fakeReader struct {
	tokens  map[string]ledger.Totals
	images  map[string]ledger.Totals
	seconds map[string]ledger.Seconds
	costs   map[string]ledger.Costs
}

func (f *fakeReader) TokenTotals(id domain.Identity) ledger.Totals { return f.tokens[id.Key()] }

func (f *fakeReader) ImageTotals(id domain.Identity) ledger.Totals { return f.images[id.Key()] }

func (f *fakeReader) TranscriptionTotals(id domain.Identity) ledger.Seconds {
	return f.seconds[id.Key()]
}

func (f *fakeReader) Cost(id domain.Identity) ledger.Costs { return f.costs[id.Key()] }

func (f *fakeReader) CostMonth(id domain.Identity) float64 { return f.costs[id.Key()].Month }

func testReader() *fakeReader {
	return &fakeReader{
		tokens:  map[string]ledger.Totals{"42": {Today: 150, Month: 4200}},
		images:  map[string]ledger.Totals{"42": {Today: 1, Month: 3}},
		seconds: map[string]ledger.Seconds{"42": {Today: 12.5, Month: 60}},
		costs: map[string]ledger.Costs{
			"42":     {Today: 0.32, Month: 2.50},
			"guests": {Month: 1.25},
		},
	}
}

func TestReport_CarriesBothPeriods(t *testing.T) {
	svc := New(testReader(), policy.Config{}, zap.NewNop())

	report := svc.Report(domain.Identity{ID: 42})

	if report.User != "42" {
		t.Errorf("unexpected user key %q", report.User)
	}
	if report.Today.ChatTokens != 150 || report.Month.ChatTokens != 4200 {
		t.Errorf("unexpected token totals %+v", report)
	}
	if report.Today.Cost != 0.32 || report.Month.Cost != 2.50 {
		t.Errorf("unexpected costs %+v", report)
	}
}

func TestRender_ShowsRemainingBudget(t *testing.T) {
	cfg := policy.Config{
		AllowedUserIDs: []domain.UserID{42},
		UserBudgets:    []float64{10},
	}
	svc := New(testReader(), cfg, zap.NewNop())

	text := svc.Render(domain.Actor{Identity: domain.Identity{ID: 42}})

	if !strings.Contains(text, "150 chat tokens") {
		t.Errorf("missing tokens line:\n%s", text)
	}
	if !strings.Contains(text, "Remaining budget this month: $7.50") {
		t.Errorf("missing remaining budget line:\n%s", text)
	}
	if strings.Contains(text, "GuestPool") {
		t.Error("non-admin must not see the guest pool")
	}
}

func TestRender_AdminSeesGuestPoolNoBudgetLine(t *testing.T) {
	cfg := policy.Config{AdminUserIDs: []domain.UserID{42}}
	svc := New(testReader(), cfg, zap.NewNop())

	text := svc.Render(domain.Actor{Identity: domain.Identity{ID: 42}, IsAdmin: true})

	if !strings.Contains(text, "GuestPool usage this month") {
		t.Errorf("admin must see the guest pool:\n%s", text)
	}
	if !strings.Contains(text, "$1.25 spent") {
		t.Errorf("guest pool cost missing:\n%s", text)
	}
	if strings.Contains(text, "Remaining budget") {
		t.Error("unlimited identities must not show a budget line")
	}
}
