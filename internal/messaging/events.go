package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/whisper/sessiondir/internal/identity"
	"github.com/whisper/sessiondir/internal/session"
	"github.com/whisper/sessiondir/internal/token"
)

// Session event subjects. Per-identity subjects are suffixed with
// .<identity>, see Subject.
const (
	SubjectSessionCreated = "session.created"
	SubjectSessionDeleted = "session.deleted"
	SubjectSessionAll     = "session.>"
)

// Event types.
const (
	EventCreated = "created"
	EventDeleted = "deleted"
)

// Event is the JSON payload of a session event. The raw token never leaves
// the process; consumers correlate by TokenHash.
type Event struct {
	Type             string    `json:"type"`
	Identity         string    `json:"identity"`
	TokenHash        string    `json:"token_hash"`
	ClientDescriptor *string   `json:"client_descriptor,omitempty"`
	TTLSeconds       int64     `json:"ttl_seconds,omitempty"`
	At               time.Time `json:"at"`
}

// DecodeEvent parses an event payload.
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("messaging: decode event: %w", err)
	}
	if ev.Type == "" || ev.Identity == "" {
		return Event{}, fmt.Errorf("messaging: decode event: missing type or identity")
	}
	return ev, nil
}

// Subject returns base.<identity>. Characters NATS treats as subject syntax
// are replaced so that any identity yields a single subject token.
func Subject(base string, id identity.Identifier) string {
	return base + "." + strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, id.String())
}

// Publisher is the subset of NATSClient the event publisher needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// SessionEvents publishes directory writes as NATS events. It implements
// session.Listener.
type SessionEvents struct {
	pub Publisher
	now func() time.Time
}

var _ session.Listener = (*SessionEvents)(nil)

func NewSessionEvents(pub Publisher) *SessionEvents {
	return &SessionEvents{pub: pub, now: time.Now}
}

func (s *SessionEvents) SessionCreated(_ context.Context, rec session.Record) error {
	ev := Event{
		Type:       EventCreated,
		Identity:   rec.Identity.String(),
		TokenHash:  token.Hash(rec.Token),
		TTLSeconds: int64(rec.TTL / time.Second),
		At:         rec.CreatedAt,
	}
	if rec.Metadata != nil {
		desc := rec.Metadata.ClientDescriptor
		ev.ClientDescriptor = &desc
	}
	if ev.At.IsZero() {
		ev.At = s.now()
	}
	return s.publish(Subject(SubjectSessionCreated, rec.Identity), ev)
}

func (s *SessionEvents) SessionDeleted(_ context.Context, tok token.Token, id identity.Identifier) error {
	return s.publish(Subject(SubjectSessionDeleted, id), Event{
		Type:      EventDeleted,
		Identity:  id.String(),
		TokenHash: token.Hash(tok),
		At:        s.now(),
	})
}

func (s *SessionEvents) publish(subject string, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("messaging: encode event: %w", err)
	}
	if err := s.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("messaging: publish %s: %w", subject, err)
	}
	return nil
}
