package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/termfi/termvault/internal/domain"
)

// RateCache implements domain.RateCache using Redis hashes. The fixed rate
// lives at "vault:rate:fixed" with fields "rate_bps" and "ts"; predictions
// live at "vault:rate:predict:{seconds}" with fields "amount" and "ts".
// The API serves these without touching the accountant lock.
type RateCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRateCache creates a RateCache backed by the given Client. Entries
// expire after ttl; a non-positive ttl keeps them forever.
func NewRateCache(c *Client, ttl time.Duration) *RateCache {
	return &RateCache{rdb: c.Underlying(), ttl: ttl}
}

var _ domain.RateCache = (*RateCache)(nil)

const fixedRateKey = "vault:rate:fixed"

func predictKey(timeframe time.Duration) string {
	return "vault:rate:predict:" + strconv.FormatInt(int64(timeframe/time.Second), 10)
}

// SetFixedRate stores the latest fixed yield rate.
func (rc *RateCache) SetFixedRate(ctx context.Context, rateBps uint64, ts time.Time) error {
	fields := map[string]interface{}{
		"rate_bps": strconv.FormatUint(rateBps, 10),
		"ts":       strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := rc.rdb.HSet(ctx, fixedRateKey, fields).Err(); err != nil {
		return fmt.Errorf("redis: set fixed rate: %w", err)
	}
	if rc.ttl > 0 {
		if err := rc.rdb.Expire(ctx, fixedRateKey, rc.ttl).Err(); err != nil {
			return fmt.Errorf("redis: expire fixed rate: %w", err)
		}
	}
	return nil
}

// GetFixedRate retrieves the cached fixed yield rate. Missing or expired
// entries return domain.ErrNotFound.
func (rc *RateCache) GetFixedRate(ctx context.Context) (uint64, time.Time, error) {
	vals, err := rc.rdb.HGetAll(ctx, fixedRateKey).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get fixed rate: %w", err)
	}
	if len(vals) == 0 {
		return 0, time.Time{}, domain.ErrNotFound
	}
	rate, ts, err := parseRateFields(vals, "rate_bps")
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: fixed rate: %w", err)
	}
	return rate, ts, nil
}

// SetPrediction stores a predicted yield amount for one timeframe. The
// amount is a decimal string of the smallest token unit.
func (rc *RateCache) SetPrediction(ctx context.Context, timeframe time.Duration, amount string, ts time.Time) error {
	key := predictKey(timeframe)
	fields := map[string]interface{}{
		"amount": amount,
		"ts":     strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := rc.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("redis: set prediction %s: %w", key, err)
	}
	if rc.ttl > 0 {
		if err := rc.rdb.Expire(ctx, key, rc.ttl).Err(); err != nil {
			return fmt.Errorf("redis: expire prediction %s: %w", key, err)
		}
	}
	return nil
}

// GetPrediction retrieves a cached prediction for one timeframe.
func (rc *RateCache) GetPrediction(ctx context.Context, timeframe time.Duration) (string, time.Time, error) {
	vals, err := rc.rdb.HGetAll(ctx, predictKey(timeframe)).Result()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("redis: get prediction: %w", err)
	}
	if len(vals) == 0 {
		return "", time.Time{}, domain.ErrNotFound
	}
	amount, ok := vals["amount"]
	if !ok {
		return "", time.Time{}, domain.ErrNotFound
	}
	ts, err := parseTimestamp(vals)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("redis: prediction: %w", err)
	}
	return amount, ts, nil
}

func parseRateFields(vals map[string]string, field string) (uint64, time.Time, error) {
	raw, ok := vals[field]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	rate, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("parse %s %q: %w", field, raw, err)
	}
	ts, err := parseTimestamp(vals)
	if err != nil {
		return 0, time.Time{}, err
	}
	return rate, ts, nil
}

func parseTimestamp(vals map[string]string) (time.Time, error) {
	raw, ok := vals["ts"]
	if !ok {
		return time.Time{}, domain.ErrNotFound
	}
	nano, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse ts %q: %w", raw, err)
	}
	return time.Unix(0, nano), nil
}
