// Package redisconn opens the Redis client shared by the session directory
// and the rate limiter. Connect retries until the server answers PING, then
// attaches the logging and tracing hooks requested by Config.
package redisconn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrEmptyURL          = errors.New("redisconn: empty redis url")
	ErrParseURL          = errors.New("redisconn: failed to parse redis url")
	ErrNotReady          = errors.New("redisconn: redis did not become ready in time")
	ErrHealthcheckFailed = errors.New("redisconn: healthcheck failed")
)

// Config controls how the client is opened.
type Config struct {
	URL            string        `env:"REDIS_URL" envDefault:"redis://127.0.0.1:6379/0"`
	RetryAttempts  int           `env:"REDIS_RETRY_ATTEMPTS" envDefault:"3"`
	RetryInterval  time.Duration `env:"REDIS_RETRY_INTERVAL" envDefault:"2s"`
	ConnectTimeout time.Duration `env:"REDIS_CONNECT_TIMEOUT" envDefault:"10s"`
	Tracing        bool          `env:"REDIS_TRACING" envDefault:"false"` // spans go to the provider from WithTracerProvider
	SlowThreshold  time.Duration `env:"REDIS_SLOW_THRESHOLD" envDefault:"0"` // 0 disables slow command warnings
}

// Option tunes Connect beyond what Config carries.
type Option func(*options)

type options struct {
	tracerProvider trace.TracerProvider
}

// WithTracerProvider sets the provider receiving command spans when
// cfg.Tracing is on. Without it the global provider is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// Connect parses cfg.URL and pings the server up to cfg.RetryAttempts times,
// sleeping cfg.RetryInterval between attempts. The whole loop is bounded by
// cfg.ConnectTimeout.
func Connect(ctx context.Context, cfg Config, log zerolog.Logger, opts ...Option) (*redis.Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.URL == "" {
		return nil, ErrEmptyURL
	}
	redisOpts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Join(ErrParseURL, err)
	}

	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	attempts := max(cfg.RetryAttempts, 1)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		client := redis.NewClient(redisOpts)
		if lastErr = client.Ping(ctx).Err(); lastErr == nil {
			if err := instrument(client, cfg, o, log); err != nil {
				_ = client.Close()
				return nil, err
			}
			log.Info().Str("addr", redisOpts.Addr).Int("db", redisOpts.DB).Int("attempt", attempt).Msg("redis connected")
			return client, nil
		}
		_ = client.Close()

		log.Warn().Err(lastErr).Str("addr", redisOpts.Addr).Int("attempt", attempt).Int("of", attempts).Msg("redis not ready")
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrNotReady, ctx.Err())
		case <-time.After(cfg.RetryInterval):
		}
	}
	return nil, errors.Join(ErrNotReady, lastErr)
}

func instrument(client *redis.Client, cfg Config, o options, log zerolog.Logger) error {
	if cfg.Tracing {
		// Statements carry session tokens.
		tracingOpts := []redisotel.TracingOption{redisotel.WithDBStatement(false)}
		if o.tracerProvider != nil {
			tracingOpts = append(tracingOpts, redisotel.WithTracerProvider(o.tracerProvider))
		}
		if err := redisotel.InstrumentTracing(client, tracingOpts...); err != nil {
			return fmt.Errorf("redisconn: tracing: %w", err)
		}
	}
	client.AddHook(NewDebugHook(log, cfg.SlowThreshold))
	return nil
}

// Healthcheck returns a readiness check that pings client.
func Healthcheck(client redis.UniversalClient) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := client.Ping(ctx).Err(); err != nil {
			return errors.Join(ErrHealthcheckFailed, err)
		}
		return nil
	}
}
