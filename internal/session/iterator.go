package session

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/sessiondir/internal/identity"
	"github.com/whisper/sessiondir/internal/metrics"
	"github.com/whisper/sessiondir/internal/token"
)

// Iterator walks the live tokens of one identity. It is finite, yields each
// token at most once and cannot be restarted. Entries created or expiring
// while it runs may or may not be seen.
type Iterator struct {
	ctx     context.Context
	d       *Directory
	iter    *redis.ScanIterator
	prefix  string
	seen    map[token.Token]struct{}
	current token.Token
	err     error
}

// ScanSessions starts a lazy enumeration of id's tokens. The first SCAN is
// issued immediately; failures surface through Err.
func (d *Directory) ScanSessions(ctx context.Context, id identity.Identifier) *Iterator {
	it := &Iterator{
		ctx:    ctx,
		d:      d,
		prefix: d.keys.indexPrefix(id),
		seen:   make(map[token.Token]struct{}),
	}
	if id == "" {
		it.err = fmt.Errorf("%w: empty identity", ErrInvalidIdentity)
		return it
	}

	opCtx, cancel := d.withTimeout(ctx)
	defer cancel()
	it.iter = d.rdb.Scan(opCtx, 0, d.keys.indexPattern(id), d.scanCount).Iterator()
	return it
}

// Next advances to the next token. It returns false when the scan is
// exhausted or has failed.
func (it *Iterator) Next() bool {
	if it.err != nil || it.iter == nil {
		return false
	}
	for {
		ctx, cancel := it.d.withTimeout(it.ctx)
		ok := it.iter.Next(ctx)
		cancel()
		if !ok {
			if err := it.iter.Err(); err != nil {
				it.d.log.Debug().Err(err).Str("op", "scan").Msg("store scan failed")
				it.err = unavailable(err)
			}
			it.current = ""
			return false
		}

		metrics.ScannedKeys.Inc()
		tok, ok := tokenFromIndexKey(it.prefix, it.iter.Val())
		if !ok {
			continue
		}
		if _, dup := it.seen[tok]; dup {
			continue
		}
		it.seen[tok] = struct{}{}
		it.current = tok
		return true
	}
}

// Token returns the token Next advanced to.
func (it *Iterator) Token() token.Token {
	return it.current
}

// Err returns the error that stopped the scan, wrapped in ErrStoreUnavailable
// for store failures.
func (it *Iterator) Err() error {
	return it.err
}
