// Package identity generates and wraps the identifiers that name the owner of
// a session. Identifiers are random (version 4) UUIDs rendered in the
// canonical lowercase 8-4-4-4-12 form.
package identity

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
)

// Length is the length of a canonical identifier string.
const Length = 36

// ErrMalformed is returned by Parse for strings that are not canonical identifiers.
var ErrMalformed = errors.New("identity: malformed identifier")

// Identifier names "who" a session belongs to. Equality is by string value.
type Identifier string

// String returns the identifier text.
func (i Identifier) String() string {
	return string(i)
}

// FromString wraps s verbatim. No validation is performed: it is meant for
// values this system wrote itself. Use Parse for external input.
func FromString(s string) Identifier {
	return Identifier(s)
}

// Parse validates that s is a canonical lowercase identifier.
func Parse(s string) (Identifier, error) {
	if len(s) != Length {
		return "", fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	u, err := uuid.Parse(s)
	if err != nil || u.String() != s {
		return "", fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	return Identifier(s), nil
}

// Generator produces random identifiers from an injected entropy source.
type Generator struct {
	mu   sync.Mutex
	rand io.Reader
}

// NewGenerator returns a Generator reading entropy from r. A nil r selects
// crypto/rand.
func NewGenerator(r io.Reader) *Generator {
	if r == nil {
		r = rand.Reader
	}
	return &Generator{rand: r}
}

// New returns a fresh identifier. It panics if the entropy source fails,
// matching crypto/rand's behaviour.
func (g *Generator) New() Identifier {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Identifier(uuid.Must(uuid.NewRandomFromReader(g.rand)).String())
}

var defaultGenerator = NewGenerator(nil)

// New returns a fresh identifier from the process-wide generator.
func New() Identifier {
	return defaultGenerator.New()
}
