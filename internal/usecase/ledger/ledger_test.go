package ledger

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/naumanjadev/telegpt/internal/domain"
)

var alice = domain.Identity{ID: 42, Name: "alice"}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func testPrices() domain.PriceTable {
	return domain.PriceTable{
		TokenPrice:         0.002,
		ImagePrices:        map[string]float64{"256x256": 0.016, "512x512": 0.018, "1024x1024": 0.02},
		TranscriptionPrice: 0.006,
	}
}

func TestStore_AddChatTokensAccumulates(t *testing.T) {
	s := New(zap.NewNop())

	s.AddChatTokens(alice, 500, 0.002)
	s.AddChatTokens(alice, 1000, 0.002)

	got := s.TokenTotals(alice)
	if got.Today != 1500 || got.Month != 1500 {
		t.Errorf("expected 1500/1500, got %d/%d", got.Today, got.Month)
	}

	cost := s.Cost(alice)
	if math.Abs(cost.Today-0.003) > 1e-9 || math.Abs(cost.Month-0.003) > 1e-9 {
		t.Errorf("expected cost 0.003/0.003, got %v/%v", cost.Today, cost.Month)
	}
}

func TestStore_DayRolloverKeepsMonth(t *testing.T) {
	day1 := time.Date(2026, 8, 27, 15, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)

	clock := day1
	s := New(zap.NewNop()).WithClock(func() time.Time { return clock })

	s.AddChatTokens(alice, 700, 0.002)

	clock = day2
	got := s.TokenTotals(alice)
	if got.Today != 0 {
		t.Errorf("expected today total 0 after day rollover, got %d", got.Today)
	}
	if got.Month != 700 {
		t.Errorf("expected month total 700 after day rollover, got %d", got.Month)
	}

	cost := s.Cost(alice)
	if cost.Today != 0 {
		t.Errorf("expected cost today 0 after rollover, got %v", cost.Today)
	}
	if math.Abs(cost.Month-0.0014) > 1e-9 {
		t.Errorf("expected cost month 0.0014, got %v", cost.Month)
	}
}

func TestStore_MonthRolloverZerosBoth(t *testing.T) {
	aug := time.Date(2026, 8, 31, 23, 0, 0, 0, time.UTC)
	sep := time.Date(2026, 9, 1, 1, 0, 0, 0, time.UTC)

	clock := aug
	s := New(zap.NewNop()).WithClock(func() time.Time { return clock })

	s.AddChatTokens(alice, 700, 0.002)
	s.AddImage(alice, "512x512", testPrices())

	clock = sep
	if got := s.TokenTotals(alice); got.Today != 0 || got.Month != 0 {
		t.Errorf("expected 0/0 after month rollover, got %d/%d", got.Today, got.Month)
	}
	if got := s.ImageTotals(alice); got.Today != 0 || got.Month != 0 {
		t.Errorf("expected image 0/0 after month rollover, got %d/%d", got.Today, got.Month)
	}
	if cost := s.Cost(alice); cost.Today != 0 || cost.Month != 0 {
		t.Errorf("expected cost 0/0 after month rollover, got %v/%v", cost.Today, cost.Month)
	}
}

func TestStore_RolloverIdempotent(t *testing.T) {
	clock := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	s := New(zap.NewNop()).WithClock(func() time.Time { return clock })

	s.AddChatTokens(alice, 100, 0.002)
	clock = clock.AddDate(0, 0, 1)

	// Repeated reads in the same period must not reset again or drift.
	first := s.TokenTotals(alice)
	second := s.TokenTotals(alice)
	if first != second {
		t.Errorf("rollover not idempotent: %+v vs %+v", first, second)
	}

	s.AddChatTokens(alice, 50, 0.002)
	if got := s.TokenTotals(alice); got.Today != 50 || got.Month != 150 {
		t.Errorf("expected 50/150 after post-rollover add, got %d/%d", got.Today, got.Month)
	}
}

func TestStore_ImageAndTranscriptionCosts(t *testing.T) {
	s := New(zap.NewNop())
	prices := testPrices()

	s.AddImage(alice, "1024x1024", prices)
	s.AddTranscriptionSeconds(alice, 90, prices)

	if got := s.ImageTotals(alice); got.Today != 1 || got.Month != 1 {
		t.Errorf("expected image totals 1/1, got %d/%d", got.Today, got.Month)
	}
	if got := s.TranscriptionTotals(alice); got.Today != 90 || got.Month != 90 {
		t.Errorf("expected 90s/90s, got %v/%v", got.Today, got.Month)
	}

	// 0.02 per image + 90s * 0.006/min = 0.02 + 0.009
	want := 0.029
	if cost := s.Cost(alice); math.Abs(cost.Month-want) > 1e-9 {
		t.Errorf("expected cost %v, got %v", want, cost.Month)
	}
}

func TestStore_UnknownImageTierCostsNothing(t *testing.T) {
	s := New(zap.NewNop())

	s.AddImage(alice, "2048x2048", testPrices())

	if got := s.ImageTotals(alice); got.Month != 1 {
		t.Errorf("expected image counted despite unknown tier, got %d", got.Month)
	}
	if cost := s.Cost(alice); cost.Month != 0 {
		t.Errorf("expected zero cost for unknown tier, got %v", cost.Month)
	}
}

func TestStore_GuestPoolIsSeparateEntry(t *testing.T) {
	s := New(zap.NewNop())

	s.AddChatTokens(alice, 100, 0.002)
	s.AddChatTokens(domain.GuestPool, 400, 0.002)

	if got := s.TokenTotals(alice); got.Month != 100 {
		t.Errorf("expected alice month 100, got %d", got.Month)
	}
	if got := s.TokenTotals(domain.GuestPool); got.Month != 400 {
		t.Errorf("expected guest pool month 400, got %d", got.Month)
	}
}

func TestStore_ConcurrentAdds(t *testing.T) {
	s := New(zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.AddChatTokens(alice, 10, 0.002)
		}()
	}
	wg.Wait()

	if got := s.TokenTotals(alice); got.Month != 500 {
		t.Errorf("expected 500 after concurrent adds, got %d", got.Month)
	}
}

// --- Persistence ---

type mockPersistence struct {
	mu      sync.Mutex
	data    map[string]int64
	getErr  error
	incrErr error
}

func newMockPersistence() *mockPersistence {
	return &mockPersistence{data: make(map[string]int64)}
}

func (m *mockPersistence) IncrBy(_ context.Context, key string, val int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.incrErr != nil {
		return m.incrErr
	}
	m.data[key] += val
	return nil
}

func (m *mockPersistence) Get(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return 0, m.getErr
	}
	return m.data[key], nil
}

func TestStore_WriteBehindPersistsCounters(t *testing.T) {
	p := newMockPersistence()
	clock := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	s := New(zap.NewNop()).WithClock(fixedClock(clock)).WithPersistence(p)

	s.AddChatTokens(alice, 250, 0.002)

	p.mu.Lock()
	defer p.mu.Unlock()
	if got := p.data["telegpt:usage:42:tokens:daily:2026-08-28"]; got != 250 {
		t.Errorf("expected daily tokens 250 in store, got %d", got)
	}
	if got := p.data["telegpt:usage:42:tokens:monthly:2026-08"]; got != 250 {
		t.Errorf("expected monthly tokens 250 in store, got %d", got)
	}
	// 250 tokens * 0.002/1k = 0.0005 → 500 microdollars
	if got := p.data["telegpt:usage:42:cost:monthly:2026-08"]; got != 500 {
		t.Errorf("expected monthly cost 500 microdollars, got %d", got)
	}
}

func TestStore_LoadsCountersOnFirstUse(t *testing.T) {
	p := newMockPersistence()
	clock := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	p.data["telegpt:usage:42:tokens:daily:2026-08-28"] = 300
	p.data["telegpt:usage:42:tokens:monthly:2026-08"] = 5000
	p.data["telegpt:usage:42:cost:monthly:2026-08"] = 4_990_000 // 4.99

	s := New(zap.NewNop()).WithClock(fixedClock(clock)).WithPersistence(p)

	if got := s.TokenTotals(alice); got.Today != 300 || got.Month != 5000 {
		t.Errorf("expected 300/5000 loaded, got %d/%d", got.Today, got.Month)
	}
	if cost := s.Cost(alice); math.Abs(cost.Month-4.99) > 1e-9 {
		t.Errorf("expected loaded month cost 4.99, got %v", cost.Month)
	}
}

func TestStore_PersistenceFailuresAreSwallowed(t *testing.T) {
	p := newMockPersistence()
	p.getErr = errors.New("connection refused")
	p.incrErr = errors.New("write timeout")

	s := New(zap.NewNop()).WithPersistence(p)

	s.AddChatTokens(alice, 100, 0.002)

	if got := s.TokenTotals(alice); got.Month != 100 {
		t.Errorf("expected in-memory total 100 despite store errors, got %d", got.Month)
	}
}

func TestStore_GuestPoolKeyFormat(t *testing.T) {
	p := newMockPersistence()
	clock := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	s := New(zap.NewNop()).WithClock(fixedClock(clock)).WithPersistence(p)

	s.AddChatTokens(domain.GuestPool, 10, 0.002)

	p.mu.Lock()
	defer p.mu.Unlock()
	found := false
	for k := range p.data {
		if strings.HasPrefix(k, "telegpt:usage:guests:") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected guest keys under telegpt:usage:guests:, got %v", keys(p.data))
	}
}

func keys(m map[string]int64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
