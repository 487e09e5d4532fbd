// Package protocol defines the JSON bodies exchanged with the session HTTP
// API. Requests are decoded strictly and validated before they reach the
// directory; every error response uses the same {code, message} envelope.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// ---------------------------------------------------------------------------
// Limits
// ---------------------------------------------------------------------------

const (
	MaxIdentityLength   = 256
	MaxDescriptorLength = 512
	MaxTTL              = 365 * 24 * time.Hour
	MaxBodyBytes        = 8 << 10
)

// ErrMalformed is returned for request bodies that cannot be used.
var ErrMalformed = errors.New("protocol: malformed request")

// ---------------------------------------------------------------------------
// Error codes
// ---------------------------------------------------------------------------

const (
	CodeInvalidRequest = "invalid_request"
	CodeInvalidToken   = "invalid_token"
	CodeInvalidTTL     = "invalid_ttl"
	CodeNotFound       = "not_found"
	CodeRateLimited    = "rate_limited"
	CodeUnavailable    = "store_unavailable"
	CodeInternal       = "internal_error"
)

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

// CreateSessionRequest is the body of POST /v1/sessions. Every field is
// optional: the server generates the identity, falls back to the User-Agent
// for the descriptor and applies its default lifetime.
type CreateSessionRequest struct {
	Identity         *string `json:"identity,omitempty"`
	ClientDescriptor *string `json:"client_descriptor,omitempty"`
	TTLSeconds       *int64  `json:"ttl_seconds,omitempty"`
}

// TTL returns the requested lifetime, or def when none was given.
func (r CreateSessionRequest) TTL(def time.Duration) time.Duration {
	if r.TTLSeconds == nil {
		return def
	}
	return time.Duration(*r.TTLSeconds) * time.Second
}

// ParseCreateRequest decodes and validates a create body. An empty body is
// a request with every field omitted.
func ParseCreateRequest(data []byte) (CreateSessionRequest, error) {
	var req CreateSessionRequest
	if len(bytes.TrimSpace(data)) == 0 {
		return req, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return CreateSessionRequest{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if dec.More() {
		return CreateSessionRequest{}, fmt.Errorf("%w: trailing data after JSON body", ErrMalformed)
	}

	if req.Identity != nil {
		id := strings.TrimSpace(*req.Identity)
		if err := ValidateIdentity(id); err != nil {
			return CreateSessionRequest{}, err
		}
		req.Identity = &id
	}
	if req.ClientDescriptor != nil && len(*req.ClientDescriptor) > MaxDescriptorLength {
		return CreateSessionRequest{}, fmt.Errorf("%w: client_descriptor longer than %d bytes", ErrMalformed, MaxDescriptorLength)
	}
	if req.TTLSeconds != nil {
		if *req.TTLSeconds < 1 {
			return CreateSessionRequest{}, fmt.Errorf("%w: ttl_seconds must be at least 1", ErrMalformed)
		}
		if *req.TTLSeconds > int64(MaxTTL/time.Second) {
			return CreateSessionRequest{}, fmt.Errorf("%w: ttl_seconds exceeds %d", ErrMalformed, int64(MaxTTL/time.Second))
		}
	}
	return req, nil
}

// ValidateIdentity accepts any non-empty printable identity up to
// MaxIdentityLength bytes.
func ValidateIdentity(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: empty identity", ErrMalformed)
	case len(id) > MaxIdentityLength:
		return fmt.Errorf("%w: identity longer than %d bytes", ErrMalformed, MaxIdentityLength)
	case strings.ContainsFunc(id, unicode.IsControl):
		return fmt.Errorf("%w: identity contains control characters", ErrMalformed)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Responses
// ---------------------------------------------------------------------------

// SessionResponse describes one stored session.
type SessionResponse struct {
	Token            string  `json:"token"`
	Identity         string  `json:"identity"`
	ClientDescriptor *string `json:"client_descriptor,omitempty"`
	CreatedAt        int64   `json:"created_at"`
	ExpiresIn        int64   `json:"expires_in"`
}

// TokenListResponse lists the live tokens of an identity.
type TokenListResponse struct {
	Identity string   `json:"identity"`
	Tokens   []string `json:"tokens"`
	Count    int      `json:"count"`
}

// NewTokenList builds a TokenListResponse; Tokens is never null.
func NewTokenList[T ~string](identity string, tokens []T) TokenListResponse {
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i] = string(t)
	}
	return TokenListResponse{Identity: identity, Tokens: out, Count: len(out)}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string  `json:"status"`
	Store     string  `json:"store"`
	LatencyMS float64 `json:"latency_ms"`
	Uptime    string  `json:"uptime"`
}

// ReadyResponse is the body of GET /ready.
type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
