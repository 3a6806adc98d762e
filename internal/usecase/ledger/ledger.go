// Package ledger meters per-identity usage (chat tokens, generated images,
// transcription seconds) and the derived cost, per day and per month.
package ledger

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/naumanjadev/telegpt/internal/domain"
)

// DefaultKeyPrefix prefixes all persisted counter keys.
const DefaultKeyPrefix = "telegpt:usage:"

// persistWriteTimeout bounds write-behind store calls.
const persistWriteTimeout = 2 * time.Second

// Persistence is the optional durable backing for ledger counters.
// Implementations must provide atomic increments per key.
type Persistence interface {
	IncrBy(ctx context.Context, key string, val int64) error
	Get(ctx context.Context, key string) (int64, error)
}

// Totals is a day/month pair of integer counters.
type Totals struct {
	Today int64
	Month int64
}

// Seconds is a day/month pair of transcription-second counters.
type Seconds struct {
	Today float64
	Month float64
}

// Costs is the derived monetary accumulator pair.
type Costs struct {
	Today float64
	Month float64
}

// Fractional metrics are persisted as scaled integers: seconds in
// milliseconds, cost in microdollars.
const (
	secondsScale = 1e3
	costScale    = 1e6
)

// entry holds one identity's counters. All fields are guarded by mu; the
// read-modify-write of rollover plus add never interleaves across callers.
type entry struct {
	mu sync.Mutex

	name           string
	tokens         Totals
	images         Totals
	secondsMilli   Totals
	costMicro      Totals
	lastDayReset   time.Time
	lastMonthReset time.Time
}

// Store is the process-wide ledger: a lazy map of per-identity entries with
// optional write-behind persistence. The hot path is in-memory only.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry

	persist   Persistence
	keyPrefix string
	logger    *zap.Logger
	now       func() time.Time
}

// New creates an in-memory ledger store.
func New(logger *zap.Logger) *Store {
	return &Store{
		entries:   make(map[string]*entry),
		keyPrefix: DefaultKeyPrefix,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithPersistence attaches a durable counter store. Entries load their
// current-period counters on first use; every add is written behind.
func (s *Store) WithPersistence(p Persistence) *Store {
	s.persist = p
	return s
}

// WithKeyPrefix overrides the persistence key prefix.
func (s *Store) WithKeyPrefix(prefix string) *Store {
	if prefix != "" {
		s.keyPrefix = prefix
	}
	return s
}

// WithClock overrides the wall clock. Test hook for rollover behavior.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// AddChatTokens records tokens consumed by a completed chat turn.
// pricePerThousand is the price per 1000 tokens at the time of the call.
func (s *Store) AddChatTokens(id domain.Identity, tokens int64, pricePerThousand float64) {
	e := s.entry(id)
	cost := float64(tokens) * pricePerThousand / 1000

	e.mu.Lock()
	s.rollover(e)
	e.tokens.Today += tokens
	e.tokens.Month += tokens
	costDelta := s.addCost(e, cost)
	e.mu.Unlock()

	s.writeBehind(id, []delta{
		{metric: "tokens", val: tokens},
		{metric: "cost", val: costDelta},
	})
}

// AddImage records one generated image of the given size tier, priced from
// the supplied table at write time.
func (s *Store) AddImage(id domain.Identity, size string, prices domain.PriceTable) {
	e := s.entry(id)
	price := prices.ImagePrice(size)
	if price == 0 {
		s.logger.Warn("No image price configured for size tier",
			zap.String("size", size), zap.String("identity", id.Key()))
	}

	e.mu.Lock()
	s.rollover(e)
	e.images.Today++
	e.images.Month++
	costDelta := s.addCost(e, price)
	e.mu.Unlock()

	s.writeBehind(id, []delta{
		{metric: "images", val: 1},
		{metric: "cost", val: costDelta},
	})
}

// AddTranscriptionSeconds records transcribed audio duration, priced per
// minute from the supplied table at write time.
func (s *Store) AddTranscriptionSeconds(id domain.Identity, seconds float64, prices domain.PriceTable) {
	e := s.entry(id)
	cost := seconds * prices.TranscriptionPrice / 60
	milli := int64(math.Round(seconds * secondsScale))

	e.mu.Lock()
	s.rollover(e)
	e.secondsMilli.Today += milli
	e.secondsMilli.Month += milli
	costDelta := s.addCost(e, cost)
	e.mu.Unlock()

	s.writeBehind(id, []delta{
		{metric: "seconds", val: milli},
		{metric: "cost", val: costDelta},
	})
}

// TokenTotals returns today/month chat token usage.
func (s *Store) TokenTotals(id domain.Identity) Totals {
	e := s.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	s.rollover(e)
	return e.tokens
}

// ImageTotals returns today/month generated image counts.
func (s *Store) ImageTotals(id domain.Identity) Totals {
	e := s.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	s.rollover(e)
	return e.images
}

// TranscriptionTotals returns today/month transcribed seconds.
func (s *Store) TranscriptionTotals(id domain.Identity) Seconds {
	e := s.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	s.rollover(e)
	return Seconds{
		Today: float64(e.secondsMilli.Today) / secondsScale,
		Month: float64(e.secondsMilli.Month) / secondsScale,
	}
}

// Cost returns the derived today/month cost for the identity.
func (s *Store) Cost(id domain.Identity) Costs {
	e := s.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	s.rollover(e)
	return Costs{
		Today: float64(e.costMicro.Today) / costScale,
		Month: float64(e.costMicro.Month) / costScale,
	}
}

// CostMonth returns only the monthly cost; the budget policy's ledger view.
func (s *Store) CostMonth(id domain.Identity) float64 {
	return s.Cost(id).Month
}

// addCost accumulates cost in microdollars and returns the persisted delta.
// Caller holds e.mu.
func (s *Store) addCost(e *entry, cost float64) int64 {
	micro := int64(math.Round(cost * costScale))
	e.costMicro.Today += micro
	e.costMicro.Month += micro
	return micro
}

// entry returns the identity's entry, creating and loading it on first use.
func (s *Store) entry(id domain.Identity) *entry {
	key := id.Key()

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		now := s.now()
		e = &entry{
			name:           id.Name,
			lastDayReset:   truncateToDay(now),
			lastMonthReset: truncateToMonth(now),
		}
		s.entries[key] = e
	}
	s.mu.Unlock()

	if !ok && s.persist != nil {
		s.loadEntry(e, key)
	}
	return e
}

// loadEntry pulls current-period counters from the persistence store.
// Load failures fall back to zero; the ledger must keep working offline.
func (s *Store) loadEntry(e *entry, idKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), persistWriteTimeout)
	defer cancel()

	now := s.now()
	load := func(metric string) Totals {
		var t Totals
		var err error
		if t.Today, err = s.persist.Get(ctx, s.dailyKey(idKey, metric, now)); err != nil {
			s.logger.Warn("Failed to load daily counter", zap.String("metric", metric), zap.Error(err))
		}
		if t.Month, err = s.persist.Get(ctx, s.monthlyKey(idKey, metric, now)); err != nil {
			s.logger.Warn("Failed to load monthly counter", zap.String("metric", metric), zap.Error(err))
		}
		return t
	}

	e.mu.Lock()
	e.tokens = load("tokens")
	e.images = load("images")
	e.secondsMilli = load("seconds")
	e.costMicro = load("cost")
	e.mu.Unlock()

	s.logger.Info("Ledger entry loaded from store", zap.String("identity", idKey))
}

type delta struct {
	metric string
	val    int64
}

// writeBehind persists counter increments without blocking the caller on a
// long store round-trip. Failures are logged, never surfaced.
func (s *Store) writeBehind(id domain.Identity, deltas []delta) {
	if s.persist == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistWriteTimeout)
	defer cancel()

	now := s.now()
	idKey := id.Key()
	for _, d := range deltas {
		if d.val == 0 {
			continue
		}
		if err := s.persist.IncrBy(ctx, s.dailyKey(idKey, d.metric, now), d.val); err != nil {
			s.logger.Warn("Failed to persist daily counter",
				zap.String("metric", d.metric), zap.Error(err))
		}
		if err := s.persist.IncrBy(ctx, s.monthlyKey(idKey, d.metric, now), d.val); err != nil {
			s.logger.Warn("Failed to persist monthly counter",
				zap.String("metric", d.metric), zap.Error(err))
		}
	}
}

func (s *Store) dailyKey(idKey, metric string, t time.Time) string {
	return fmt.Sprintf("%s%s:%s:daily:%s", s.keyPrefix, idKey, metric, t.Format("2006-01-02"))
}

func (s *Store) monthlyKey(idKey, metric string, t time.Time) string {
	return fmt.Sprintf("%s%s:%s:monthly:%s", s.keyPrefix, idKey, metric, t.Format("2006-01"))
}

// rollover zeroes period counters when the day or month rolls over. Lazy:
// evaluated on every read and write, idempotent within a period.
// Caller holds e.mu.
func (s *Store) rollover(e *entry) {
	now := s.now()
	today := truncateToDay(now)
	thisMonth := truncateToMonth(now)

	if today.After(e.lastDayReset) {
		e.tokens.Today = 0
		e.images.Today = 0
		e.secondsMilli.Today = 0
		e.costMicro.Today = 0
		e.lastDayReset = today
	}
	if thisMonth.After(e.lastMonthReset) {
		e.tokens.Month = 0
		e.images.Month = 0
		e.secondsMilli.Month = 0
		e.costMicro.Month = 0
		e.lastMonthReset = thisMonth
	}
}

func truncateToDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func truncateToMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
