// Package token generates the opaque session tokens used as directory keys.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

const (
	// Length is the number of characters in a generated token.
	Length = 64

	// Alphabet is the set tokens are drawn from.
	Alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	// maxUnbiased is the largest multiple of len(Alphabet) that fits in a byte.
	// Bytes at or above it are rejected to keep the distribution uniform.
	maxUnbiased = 256 - 256%len(Alphabet)
)

var (
	// ErrEmpty is returned by Validate for an empty token.
	ErrEmpty = errors.New("token: empty")

	// ErrIllegalChar is returned by Validate for tokens that would break the key scheme.
	ErrIllegalChar = errors.New("token: illegal character")
)

// Token is an opaque session token.
type Token string

// String returns the token text.
func (t Token) String() string {
	return string(t)
}

// FromString wraps s verbatim without validation.
func FromString(s string) Token {
	return Token(s)
}

// Validate rejects tokens that cannot be embedded in a store key: empty ones
// and ones containing the key delimiter, glob metacharacters or whitespace.
func Validate(t Token) error {
	if t == "" {
		return ErrEmpty
	}
	if i := strings.IndexFunc(string(t), illegal); i >= 0 {
		return fmt.Errorf("%w %q at offset %d", ErrIllegalChar, t[i], i)
	}
	return nil
}

// Hash returns the hex SHA-256 of t. It is what leaves the process whenever
// a session must be referenced outside the store (events, audit rows).
func Hash(t Token) string {
	sum := sha256.Sum256([]byte(t))
	return hex.EncodeToString(sum[:])
}

func illegal(r rune) bool {
	switch r {
	case ':', '*', '?', '[', ']', '\\', ' ', '\t', '\r', '\n':
		return true
	}
	return false
}

// Generator produces tokens from an injected entropy source.
type Generator struct {
	mu   sync.Mutex
	rand io.Reader
	buf  [Length * 2]byte
}

// NewGenerator returns a Generator reading entropy from r. A nil r selects
// crypto/rand.
func NewGenerator(r io.Reader) *Generator {
	if r == nil {
		r = rand.Reader
	}
	return &Generator{rand: r}
}

// New returns a fresh token of Length characters, each sampled uniformly from
// Alphabet. It panics if the entropy source fails.
func (g *Generator) New() Token {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]byte, 0, Length)
	for len(out) < Length {
		if _, err := io.ReadFull(g.rand, g.buf[:]); err != nil {
			panic(fmt.Sprintf("token: entropy source failed: %v", err))
		}
		for _, b := range g.buf {
			if int(b) >= maxUnbiased {
				continue
			}
			out = append(out, Alphabet[int(b)%len(Alphabet)])
			if len(out) == Length {
				break
			}
		}
	}
	return Token(out)
}

var defaultGenerator = NewGenerator(nil)

// New returns a fresh token from the process-wide generator.
func New() Token {
	return defaultGenerator.New()
}
