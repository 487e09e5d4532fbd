package session

import (
	"context"
	"time"

	"github.com/whisper/sessiondir/internal/identity"
	"github.com/whisper/sessiondir/internal/metrics"
	"github.com/whisper/sessiondir/internal/token"
)

// Listener is told about successful writes. A failing listener is logged and
// counted; it never fails the directory operation that triggered it.
type Listener interface {
	SessionCreated(ctx context.Context, rec Record) error
	SessionDeleted(ctx context.Context, tok token.Token, id identity.Identifier) error
}

type namedListener struct {
	name string
	Listener
}

func (d *Directory) notifyCreated(ctx context.Context, rec Record) {
	for _, l := range d.listeners {
		if err := l.SessionCreated(ctx, rec); err != nil {
			metrics.ListenerFailures.WithLabelValues(l.name).Inc()
			d.log.Warn().Err(err).Str("listener", l.name).Str("identity", rec.Identity.String()).
				Msg("session created event not delivered")
		}
	}
}

func (d *Directory) notifyDeleted(ctx context.Context, tok token.Token, id identity.Identifier) {
	for _, l := range d.listeners {
		if err := l.SessionDeleted(ctx, tok, id); err != nil {
			metrics.ListenerFailures.WithLabelValues(l.name).Inc()
			d.log.Warn().Err(err).Str("listener", l.name).Str("identity", id.String()).
				Msg("session deleted event not delivered")
		}
	}
}

const listenerTimeout = 5 * time.Second

// listenerContext detaches listener calls from the caller's cancellation so
// a request that ends right after the write still gets its events out. The
// deadline is the earlier of the caller's and listenerTimeout from now.
func listenerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	deadline := time.Now().Add(listenerTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return context.WithDeadline(context.WithoutCancel(ctx), deadline)
}
