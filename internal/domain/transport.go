package domain

import "context"

// ChatRef addresses a conversation on the chat transport.
type ChatRef struct {
	ID       int64
	Kind     ChatKind
	ThreadID int // forum topic thread, 0 when not applicable
}

// MessageRef is an opaque handle to a sent message.
type MessageRef struct {
	ChatID    int64
	MessageID int
}

// Transport is the chat-message channel the delivery engine drives.
//
// Edit distinguishes four outcomes via the error: nil (applied),
// ErrUnmodified (content already rendered), RateLimitedError (flood control,
// carries the server-supplied wait), ErrTimedOut (transient timeout). Any
// other error is a generic transport failure.
type Transport interface {
	Send(ctx context.Context, chat ChatRef, text string, replyTo int) (MessageRef, error)
	Edit(ctx context.Context, ref MessageRef, text string) error
	Delete(ctx context.Context, ref MessageRef) error
}
