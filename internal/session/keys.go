package session

import (
	"strings"

	"github.com/whisper/sessiondir/internal/identity"
	"github.com/whisper/sessiondir/internal/token"
)

// DefaultPrefix is the key namespace used when none is configured.
const DefaultPrefix = "session:"

// Record hash fields.
const (
	fieldIdentity         = "identity"
	fieldClientDescriptor = "client_descriptor"
	fieldCreatedAt        = "created_at"
)

type keyScheme struct {
	prefix string
}

func (k keyScheme) record(t token.Token) string {
	return k.prefix + "tok:" + string(t)
}

// indexRoot is the part of an index key that precedes the identity.
func (k keyScheme) indexRoot() string {
	return k.prefix + "idx:"
}

func (k keyScheme) indexPrefix(id identity.Identifier) string {
	return k.indexRoot() + string(id) + ":"
}

func (k keyScheme) index(id identity.Identifier, t token.Token) string {
	return k.indexPrefix(id) + string(t)
}

func (k keyScheme) indexPattern(id identity.Identifier) string {
	return escapeGlob(k.indexPrefix(id)) + "*"
}

// tokenFromIndexKey extracts the token of an index key. Keys of identities
// that merely share the prefix (e.g. "a:b" while scanning "a") leave a
// remainder containing the delimiter and are rejected.
func tokenFromIndexKey(prefix, key string) (token.Token, bool) {
	rest, ok := strings.CutPrefix(key, prefix)
	if !ok || rest == "" || strings.Contains(rest, ":") {
		return "", false
	}
	tok := token.FromString(rest)
	if token.Validate(tok) != nil {
		return "", false
	}
	return tok, true
}

// escapeGlob quotes the characters SCAN MATCH treats as pattern syntax.
func escapeGlob(s string) string {
	if !strings.ContainsAny(s, `*?[]\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
