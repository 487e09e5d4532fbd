// Package ratelimit provides Redis-backed fixed-window rate limiting using
// INCR + EXPIRE. The session API throttles creations and lookups per client
// address.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/whisper/sessiondir/internal/metrics"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Name   string        // metric label
	Key    string        // Redis key prefix (e.g. "rl:create:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleCreate allows 20 session creations per minute per client address.
	RuleCreate = Rule{Name: "create", Key: "rl:create:", Limit: 20, Window: time.Minute}

	// RuleLookup allows 120 reads per minute per client address.
	RuleLookup = Rule{Name: "lookup", Key: "rl:lookup:", Limit: 120, Window: time.Minute}
)

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client redis.UniversalClient
	log    zerolog.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client redis.UniversalClient, log zerolog.Logger) *Limiter {
	return &Limiter{client: client, log: log}
}

// Allow checks whether key is within the limit defined by rule. It
// increments the counter and sets the expiry on first access.
//
// On Redis errors it fails open (returns true) so that a Redis outage does
// not block legitimate traffic; the error is still returned for the caller
// to log or count.
func (l *Limiter) Allow(ctx context.Context, key string, rule Rule) (bool, error) {
	k := rule.Key + key

	count, err := l.client.Incr(ctx, k).Result()
	if err != nil {
		l.log.Warn().Err(err).Str("rule", rule.Name).Msg("rate limit INCR failed, failing open")
		return true, err
	}

	// First hit opens the window.
	if count == 1 {
		if err := l.client.Expire(ctx, k, rule.Window).Err(); err != nil {
			l.log.Warn().Err(err).Str("rule", rule.Name).Msg("rate limit EXPIRE failed, failing open")
			// A counter without TTL would throttle key forever.
			l.client.Del(ctx, k)
			return true, err
		}
	}

	if int(count) > rule.Limit {
		metrics.RateLimited.WithLabelValues(rule.Name).Inc()
		return false, nil
	}
	return true, nil
}

// Remaining returns the number of requests key has left in the current
// window. Returns the full limit if the window has not started, and on Redis
// errors (fail open).
func (l *Limiter) Remaining(ctx context.Context, key string, rule Rule) (int, error) {
	count, err := l.client.Get(ctx, rule.Key+key).Int()
	if errors.Is(err, redis.Nil) {
		return rule.Limit, nil
	}
	if err != nil {
		l.log.Warn().Err(err).Str("rule", rule.Name).Msg("rate limit GET failed, failing open")
		return rule.Limit, err
	}
	return max(rule.Limit-count, 0), nil
}
