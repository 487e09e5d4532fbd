package redisconn

import (
	"context"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DebugHook logs dials and commands at debug level, failures at warn, and
// commands slower than the threshold at warn regardless of outcome. NOSCRIPT
// replies stay at debug: script runners answer them with EVAL.
// Command arguments are never logged: they carry session tokens.
type DebugHook struct {
	log  zerolog.Logger
	slow time.Duration // 0 disables slow command detection
}

func NewDebugHook(log zerolog.Logger, slow time.Duration) *DebugHook {
	return &DebugHook{log: log, slow: slow}
}

func (h *DebugHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		start := time.Now()
		conn, err := next(ctx, network, addr)
		if err != nil {
			h.log.Warn().Str("addr", addr).Dur("duration", time.Since(start)).Err(err).Msg("redis dial failed")
		} else {
			h.log.Debug().Str("addr", addr).Dur("duration", time.Since(start)).Msg("redis dial")
		}
		return conn, err
	}
}

func (h *DebugHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmd)
		h.observe(time.Since(start), err, cmd.FullName(), 1)
		return err
	}
}

func (h *DebugHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmds)
		name := "pipeline"
		if len(cmds) > 0 {
			name = cmds[0].FullName()
		}
		h.observe(time.Since(start), err, name, len(cmds))
		return err
	}
}

func (h *DebugHook) observe(d time.Duration, err error, name string, count int) {
	switch {
	case h.slow > 0 && d > h.slow:
		h.log.Warn().Str("cmd", name).Int("count", count).Dur("duration", d).Dur("threshold", h.slow).Err(err).Msg("slow redis command")
	case err != nil && err != redis.Nil && !redis.HasErrorPrefix(err, "NOSCRIPT"):
		h.log.Warn().Str("cmd", name).Int("count", count).Dur("duration", d).Err(err).Msg("redis command failed")
	default:
		h.log.Debug().Str("cmd", name).Int("count", count).Dur("duration", d).Msg("redis command")
	}
}
