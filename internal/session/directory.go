package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/whisper/sessiondir/internal/identity"
	"github.com/whisper/sessiondir/internal/metrics"
	"github.com/whisper/sessiondir/internal/token"
)

const (
	// DefaultTimeout bounds every store round trip when no timeout is configured.
	DefaultTimeout = 3 * time.Second

	// DefaultScanCount is the COUNT hint passed to SCAN.
	DefaultScanCount = 100
)

// Directory is the Redis-backed session directory. It keeps no state between
// calls and is safe for concurrent use; the client's pool is the only shared
// resource.
type Directory struct {
	rdb       redis.UniversalClient
	keys      keyScheme
	timeout   time.Duration
	scanCount int64
	log       zerolog.Logger
	listeners []namedListener
	ids       *identity.Generator
	tokens    *token.Generator
	now       func() time.Time
}

// Option configures a Directory.
type Option func(*Directory)

// WithPrefix sets the key namespace.
func WithPrefix(prefix string) Option {
	return func(d *Directory) { d.keys.prefix = prefix }
}

// WithTimeout bounds each store round trip. Zero or negative disables the
// bound, leaving only the caller's context.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Directory) { d.timeout = timeout }
}

// WithScanCount sets the SCAN COUNT hint. Non-positive values are ignored.
func WithScanCount(n int64) Option {
	return func(d *Directory) {
		if n > 0 {
			d.scanCount = n
		}
	}
}

// WithLogger sets the directory logger.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Directory) { d.log = l }
}

// WithListener registers a listener under name, which labels its failures.
func WithListener(name string, l Listener) Option {
	return func(d *Directory) {
		if l != nil {
			d.listeners = append(d.listeners, namedListener{name: name, Listener: l})
		}
	}
}

// WithIdentityGenerator replaces the identifier source used by NewIdentity and NewRecord.
func WithIdentityGenerator(g *identity.Generator) Option {
	return func(d *Directory) { d.ids = g }
}

// WithTokenGenerator replaces the token source used by NewToken and NewRecord.
func WithTokenGenerator(g *token.Generator) Option {
	return func(d *Directory) { d.tokens = g }
}

// WithClock overrides the clock stamping created_at.
func WithClock(now func() time.Time) Option {
	return func(d *Directory) { d.now = now }
}

// NewDirectory creates a directory over rdb. The directory does not own the
// client; closing it is the caller's job.
func NewDirectory(rdb redis.UniversalClient, opts ...Option) *Directory {
	d := &Directory{
		rdb:       rdb,
		keys:      keyScheme{prefix: DefaultPrefix},
		timeout:   DefaultTimeout,
		scanCount: DefaultScanCount,
		log:       zerolog.Nop(),
		ids:       identity.NewGenerator(nil),
		tokens:    token.NewGenerator(nil),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NewIdentity returns a fresh identifier.
func (d *Directory) NewIdentity() identity.Identifier {
	return d.ids.New()
}

// NewToken returns a fresh session token.
func (d *Directory) NewToken() token.Token {
	return d.tokens.New()
}

// NewRecord returns an unsaved record for id under a fresh token, stamped
// with the directory's clock.
func (d *Directory) NewRecord(id identity.Identifier, meta *Metadata) Record {
	return Record{
		Token:     d.tokens.New(),
		Identity:  id,
		Metadata:  meta,
		CreatedAt: time.Unix(d.now().Unix(), 0),
	}
}

// CreateSession writes rec so that it expires after ttl, truncated to whole
// seconds. Any record already stored under the token is replaced in full.
// A zero rec.CreatedAt is stamped with the directory's clock.
//
//	Performance: 1 EVALSHA (record + index entry, atomic).
func (d *Directory) CreateSession(ctx context.Context, rec Record, ttl time.Duration) (err error) {
	started := time.Now()
	defer func() { metrics.ObserveOperation("create", resultOf(err), started) }()

	tok, err := normalize(rec.Token)
	if err != nil {
		return err
	}
	if rec.Identity == "" {
		return fmt.Errorf("%w: empty identity", ErrInvalidRecord)
	}
	seconds := int64(ttl / time.Second)
	if seconds < 1 {
		return fmt.Errorf("%w: got %s", ErrInvalidTTL, ttl)
	}
	rec.Token = tok

	created := rec.CreatedAt
	if created.IsZero() {
		created = d.now()
	}
	args := append([]any{string(rec.Identity), seconds, d.keys.indexRoot(), string(tok)}, rec.fields(created)...)
	keys := []string{d.keys.record(tok), d.keys.index(rec.Identity, tok)}

	opCtx, cancel := d.withTimeout(ctx)
	defer cancel()
	if err := createSessionScript.Run(opCtx, d.rdb, keys, args...).Err(); err != nil {
		d.log.Debug().Err(err).Str("op", "create").Msg("store write failed")
		return unavailable(err)
	}

	rec.CreatedAt = time.Unix(created.Unix(), 0)
	rec.TTL = time.Duration(seconds) * time.Second
	if len(d.listeners) > 0 {
		lctx, lcancel := listenerContext(ctx)
		defer lcancel()
		d.notifyCreated(lctx, rec)
	}
	return nil
}

// GetSession returns the record stored under tok, or nil when there is none
// (never created or expired). It does not extend the session's lifetime.
//
//	Performance: 1 pipeline (HGETALL + PTTL).
func (d *Directory) GetSession(ctx context.Context, tok token.Token) (rec *Record, err error) {
	started := time.Now()
	defer func() {
		result := resultOf(err)
		if err == nil && rec == nil {
			result = metrics.ResultAbsent
		}
		metrics.ObserveOperation("get", result, started)
	}()

	tok, err = normalize(tok)
	if err != nil {
		return nil, err
	}

	opCtx, cancel := d.withTimeout(ctx)
	defer cancel()

	key := d.keys.record(tok)
	pipe := d.rdb.Pipeline()
	fields := pipe.HGetAll(opCtx, key)
	ttl := pipe.PTTL(opCtx, key)
	if _, err := pipe.Exec(opCtx); err != nil && !errors.Is(err, redis.Nil) {
		d.log.Debug().Err(err).Str("op", "get").Msg("store read failed")
		return nil, unavailable(err)
	}

	if len(fields.Val()) == 0 {
		return nil, nil
	}
	return decodeRecord(tok, fields.Val(), ttl.Val())
}

// IdentityOf returns the identity owning tok. The boolean is false when the
// session does not exist.
func (d *Directory) IdentityOf(ctx context.Context, tok token.Token) (identity.Identifier, bool, error) {
	rec, err := d.GetSession(ctx, tok)
	if err != nil || rec == nil {
		return "", false, err
	}
	return rec.Identity, true, nil
}

// ListSessions returns the live tokens of id in no particular order. The
// result is a best-effort snapshot: sessions created or expiring during the
// scan may or may not appear. Any store failure discards partial results.
//
//	Performance: O(keyspace / COUNT) SCAN round trips.
func (d *Directory) ListSessions(ctx context.Context, id identity.Identifier) (tokens []token.Token, err error) {
	started := time.Now()
	defer func() { metrics.ObserveOperation("list", resultOf(err), started) }()

	it := d.ScanSessions(ctx, id)
	for it.Next() {
		tokens = append(tokens, it.Token())
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return tokens, nil
}

// FindSession returns any one live token of id.
func (d *Directory) FindSession(ctx context.Context, id identity.Identifier) (token.Token, bool, error) {
	it := d.ScanSessions(ctx, id)
	if it.Next() {
		return it.Token(), true, nil
	}
	return "", false, it.Err()
}

// DeleteSession removes the session stored under tok together with its index
// entry. It reports whether a session existed.
//
//	Performance: 1 EVALSHA.
func (d *Directory) DeleteSession(ctx context.Context, tok token.Token) (existed bool, err error) {
	started := time.Now()
	defer func() {
		result := resultOf(err)
		if err == nil && !existed {
			result = metrics.ResultAbsent
		}
		metrics.ObserveOperation("delete", result, started)
	}()

	tok, err = normalize(tok)
	if err != nil {
		return false, err
	}

	opCtx, cancel := d.withTimeout(ctx)
	defer cancel()

	owner, err := deleteSessionScript.Run(opCtx, d.rdb, []string{d.keys.record(tok)}, d.keys.indexRoot(), string(tok)).Text()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		d.log.Debug().Err(err).Str("op", "delete").Msg("store delete failed")
		return false, unavailable(err)
	}

	if owner != "" && len(d.listeners) > 0 {
		lctx, lcancel := listenerContext(ctx)
		defer lcancel()
		d.notifyDeleted(lctx, tok, identity.FromString(owner))
	}
	return true, nil
}

// Ping checks that the store answers and reports the round-trip latency.
func (d *Directory) Ping(ctx context.Context) (time.Duration, error) {
	opCtx, cancel := d.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	if err := d.rdb.Ping(opCtx).Err(); err != nil {
		return time.Since(start), unavailable(err)
	}
	return time.Since(start), nil
}

func (d *Directory) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d.timeout)
}

func normalize(t token.Token) (token.Token, error) {
	tok := token.Token(strings.TrimSpace(string(t)))
	if err := token.Validate(tok); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return tok, nil
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return metrics.ResultOK
	case errors.Is(err, ErrStoreUnavailable):
		return metrics.ResultUnavailable
	default:
		return metrics.ResultInvalid
	}
}
