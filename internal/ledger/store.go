// Package ledger keeps a PostgreSQL audit trail of session issuance and
// revocation. Tokens are stored as SHA-256 hashes only.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/whisper/sessiondir/internal/identity"
	"github.com/whisper/sessiondir/internal/session"
	"github.com/whisper/sessiondir/internal/token"
)

const (
	// DefaultHistoryLimit applies when History is asked for zero entries.
	DefaultHistoryLimit = 50
	// MaxHistoryLimit caps a single History page.
	MaxHistoryLimit = 500
)

// Entry is one issued session.
type Entry struct {
	ID               int64      `json:"id"`
	TokenHash        string     `json:"token_hash"`
	Identity         string     `json:"identity"`
	ClientDescriptor *string    `json:"client_descriptor,omitempty"`
	TTLSeconds       int64      `json:"ttl_seconds"`
	CreatedAt        time.Time  `json:"created_at"`
	ExpiresAt        time.Time  `json:"expires_at"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
}

// Store writes ledger rows. It implements session.Listener.
type Store struct {
	db *sql.DB
}

var _ session.Listener = (*Store)(nil)

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: ping: %w", err)
	}
	return db, nil
}

// NewStore creates a ledger store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// SessionCreated records an issuance.
func (s *Store) SessionCreated(ctx context.Context, rec session.Record) error {
	var desc sql.NullString
	if rec.Metadata != nil {
		desc = sql.NullString{String: rec.Metadata.ClientDescriptor, Valid: true}
	}
	ttl := int64(rec.TTL / time.Second)
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	const query = `
		INSERT INTO session_ledger (token_hash, identity, client_descriptor, ttl_seconds, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.db.ExecContext(ctx, query,
		token.Hash(rec.Token),
		rec.Identity.String(),
		desc,
		ttl,
		created.UTC(),
		created.Add(time.Duration(ttl)*time.Second).UTC(),
	)
	if err != nil {
		return fmt.Errorf("ledger: insert: %w", err)
	}
	return nil
}

// SessionDeleted marks the live issuances of tok as revoked.
func (s *Store) SessionDeleted(ctx context.Context, tok token.Token, id identity.Identifier) error {
	const query = `
		UPDATE session_ledger
		SET revoked_at = NOW()
		WHERE token_hash = $1
		  AND identity = $2
		  AND revoked_at IS NULL
		  AND expires_at > NOW()`

	if _, err := s.db.ExecContext(ctx, query, token.Hash(tok), id.String()); err != nil {
		return fmt.Errorf("ledger: revoke: %w", err)
	}
	return nil
}

// History returns the latest issuances of id, newest first.
func (s *Store) History(ctx context.Context, id identity.Identifier, limit int) ([]Entry, error) {
	const query = `
		SELECT id, token_hash, identity, client_descriptor, ttl_seconds, created_at, expires_at, revoked_at
		FROM session_ledger
		WHERE identity = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, id.String(), clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("ledger: history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			desc    sql.NullString
			revoked sql.NullTime
		)
		if err := rows.Scan(&e.ID, &e.TokenHash, &e.Identity, &desc, &e.TTLSeconds, &e.CreatedAt, &e.ExpiresAt, &revoked); err != nil {
			return nil, fmt.Errorf("ledger: history scan: %w", err)
		}
		if desc.Valid {
			e.ClientDescriptor = &desc.String
		}
		if revoked.Valid {
			e.RevokedAt = &revoked.Time
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: history: %w", err)
	}
	return entries, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		return MaxHistoryLimit
	default:
		return limit
	}
}
