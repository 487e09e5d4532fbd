package session

import (
	"fmt"
	"strconv"
	"time"

	"github.com/whisper/sessiondir/internal/identity"
	"github.com/whisper/sessiondir/internal/token"
)

// Metadata is the client information attached to a session when it is created.
type Metadata struct {
	ClientDescriptor string
}

// Record binds a token to an identity. CreatedAt is stamped by NewRecord or,
// when left zero, by CreateSession. TTL is filled by the directory: the
// remaining lifetime on reads and the granted lifetime in listener callbacks.
type Record struct {
	Token     token.Token
	Identity  identity.Identifier
	Metadata  *Metadata // nil when the session has no metadata
	CreatedAt time.Time
	TTL       time.Duration
}

func (r Record) fields(created time.Time) []any {
	f := []any{fieldIdentity, string(r.Identity), fieldCreatedAt, created.Unix()}
	if r.Metadata != nil {
		f = append(f, fieldClientDescriptor, r.Metadata.ClientDescriptor)
	}
	return f
}

func decodeRecord(tok token.Token, fields map[string]string, ttl time.Duration) (*Record, error) {
	id, ok := fields[fieldIdentity]
	if !ok || id == "" {
		return nil, fmt.Errorf("%w: missing %q field", ErrInvalidRecord, fieldIdentity)
	}

	rec := &Record{
		Token:    tok,
		Identity: identity.FromString(id),
	}
	if desc, ok := fields[fieldClientDescriptor]; ok {
		rec.Metadata = &Metadata{ClientDescriptor: desc}
	}
	if ts, err := strconv.ParseInt(fields[fieldCreatedAt], 10, 64); err == nil {
		rec.CreatedAt = time.Unix(ts, 0)
	}
	if ttl > 0 {
		rec.TTL = ttl
	}
	return rec, nil
}
