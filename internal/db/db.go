// Package db defines the key-value store contract used for durable counters.
package db

import (
	"context"
	"time"
)

// Store is the key-value persistence contract. The usage repository only
// needs counters with expiry; richer storage stays behind this interface.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	IncrBy(ctx context.Context, key string, val int64) error
	Expire(ctx context.Context, key string, ttl time.Duration, nx bool) error
	Ping(ctx context.Context) error
	WaitForReady(ctx context.Context, timeout time.Duration) error
	Close()
}
