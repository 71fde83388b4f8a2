package domain

import (
	"context"
	"time"
)

// RateCache provides fast access to the latest computed yield rates so the
// API can serve them without taking the accountant lock.
type RateCache interface {
	SetFixedRate(ctx context.Context, rateBps uint64, ts time.Time) error
	GetFixedRate(ctx context.Context) (uint64, time.Time, error)
	SetPrediction(ctx context.Context, timeframe time.Duration, amount string, ts time.Time) error
	GetPrediction(ctx context.Context, timeframe time.Duration) (string, time.Time, error)
}

// RateLimiter provides distributed rate limiting, keyed per caller.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking so only one daemon instance runs
// a rollover or distribution at a time.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams for vault events.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
