package domain

// TokenCount is the billable token count attached to a stream frame.
// It is Pending while the stream is still producing and Final on the last
// frame, which carries the authoritative count for ledger accounting.
type TokenCount struct {
	known bool
	count int64
}

// PendingTokens marks a frame whose token count is not yet known.
func PendingTokens() TokenCount { return TokenCount{} }

// FinalTokens marks the authoritative token count of a completed stream.
func FinalTokens(n int64) TokenCount { return TokenCount{known: true, count: n} }

// Final returns the count and whether it is authoritative.
func (t TokenCount) Final() (int64, bool) { return t.count, t.known }

// StreamFrame is one snapshot of a growing streamed response. Text carries
// the full response accumulated so far, not a delta.
type StreamFrame struct {
	Text   string
	IsLast bool
	Tokens TokenCount
}

// FrameStream is a live streamed completion. Err reports a mid-stream
// backend failure once Frames is exhausted.
type FrameStream interface {
	Frames() <-chan StreamFrame
	Err() error
}
