package stream

import "time"

// CutoffSteps is the flood-control cutoff as a step function of content
// length: the minimum rendered-length delta before another edit is attempted.
// Longer content renders less often, so the cutoff grows with length.
type CutoffSteps struct {
	Base     int // content up to 50 chars
	Over50   int
	Over200  int
	Over1000 int
}

func (c CutoffSteps) cutoff(contentLen int) int {
	switch {
	case contentLen > 1000:
		return c.Over1000
	case contentLen > 200:
		return c.Over200
	case contentLen > 50:
		return c.Over50
	default:
		return c.Base
	}
}

// Tuning holds the delivery pacing knobs. The cutoff tiers and backoff
// increment were tuned against the live transport's undocumented edit rate
// limiter; treat them as empirical values, not derived ones.
type Tuning struct {
	// Capacity is the transport's maximum single-message size.
	Capacity int
	// Private and Group are the cutoff tiers per chat kind. Group chats face
	// tighter platform-wide flood limits, so their cutoffs are larger.
	Private CutoffSteps
	Group   CutoffSteps
	// BackoffIncrement is added to the live cutoff after every transport
	// failure, permanently slowing the edit cadence of the turn.
	BackoffIncrement int
	// TimeoutDelay is the fixed suspension after a transport timeout.
	TimeoutDelay time.Duration
	// PacingDelay is applied after every successful edit.
	PacingDelay time.Duration
	// Placeholder seeds a rolled-over message when the remainder is empty.
	Placeholder string
}

// DefaultTuning returns the tuning observed to stay under the transport's
// flood limits with a 4096-char message capacity.
func DefaultTuning() Tuning {
	return Tuning{
		Capacity:         4096,
		Private:          CutoffSteps{Base: 15, Over50: 25, Over200: 45, Over1000: 90},
		Group:            CutoffSteps{Base: 50, Over50: 90, Over200: 120, Over1000: 180},
		BackoffIncrement: 5,
		TimeoutDelay:     500 * time.Millisecond,
		PacingDelay:      10 * time.Millisecond,
		Placeholder:      "...",
	}
}

// steps selects the cutoff tier set for a chat kind.
func (t Tuning) steps(group bool) CutoffSteps {
	if group {
		return t.Group
	}
	return t.Private
}
