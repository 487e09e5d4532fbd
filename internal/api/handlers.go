package api

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/whisper/sessiondir/internal/identity"
	"github.com/whisper/sessiondir/internal/ledger"
	"github.com/whisper/sessiondir/internal/protocol"
	"github.com/whisper/sessiondir/internal/ratelimit"
	"github.com/whisper/sessiondir/internal/session"
	"github.com/whisper/sessiondir/internal/token"
)

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, protocol.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, protocol.CodeInvalidRequest, "request body too large")
		return
	}
	req, err := protocol.ParseCreateRequest(body)
	if err != nil {
		s.writeDirectoryError(w, err)
		return
	}

	if !s.allow(w, r, clientIP(r), ratelimit.RuleCreate) {
		return
	}
	id := s.dir.NewIdentity()
	if req.Identity != nil {
		id = identity.FromString(*req.Identity)
	}

	var meta *session.Metadata
	switch {
	case req.ClientDescriptor != nil:
		meta = &session.Metadata{ClientDescriptor: *req.ClientDescriptor}
	case r.UserAgent() != "":
		meta = &session.Metadata{ClientDescriptor: truncateUTF8(r.UserAgent(), protocol.MaxDescriptorLength)}
	}

	ttl := req.TTL(s.config.DefaultTTL)
	rec := s.dir.NewRecord(id, meta)
	if err := s.dir.CreateSession(r.Context(), rec, ttl); err != nil {
		s.writeDirectoryError(w, err)
		return
	}

	resp := protocol.SessionResponse{
		Token:     rec.Token.String(),
		Identity:  rec.Identity.String(),
		CreatedAt: rec.CreatedAt.Unix(),
		ExpiresIn: int64(ttl / time.Second),
	}
	if meta != nil {
		resp.ClientDescriptor = &meta.ClientDescriptor
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, clientIP(r), ratelimit.RuleLookup) {
		return
	}

	rec, err := s.dir.GetSession(r.Context(), token.FromString(pathParam(r, "token")))
	if err != nil {
		s.writeDirectoryError(w, err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, protocol.CodeNotFound, "session not found")
		return
	}

	resp := protocol.SessionResponse{
		Token:     rec.Token.String(),
		Identity:  rec.Identity.String(),
		CreatedAt: rec.CreatedAt.Unix(),
		ExpiresIn: int64(rec.TTL / time.Second),
	}
	if rec.Metadata != nil {
		resp.ClientDescriptor = &rec.Metadata.ClientDescriptor
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	existed, err := s.dir.DeleteSession(r.Context(), token.FromString(pathParam(r, "token")))
	if err != nil {
		s.writeDirectoryError(w, err)
		return
	}
	if !existed {
		writeError(w, http.StatusNotFound, protocol.CodeNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, clientIP(r), ratelimit.RuleLookup) {
		return
	}

	raw := pathParam(r, "identity")
	if err := protocol.ValidateIdentity(raw); err != nil {
		s.writeDirectoryError(w, err)
		return
	}

	tokens, err := s.dir.ListSessions(r.Context(), identity.FromString(raw))
	if err != nil {
		s.writeDirectoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.NewTokenList(raw, tokens))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, protocol.CodeNotFound, "history is not enabled")
		return
	}

	raw := pathParam(r, "identity")
	if err := protocol.ValidateIdentity(raw); err != nil {
		s.writeDirectoryError(w, err)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, protocol.CodeInvalidRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := s.history.History(r.Context(), identity.FromString(raw), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("history query failed")
		writeError(w, http.StatusServiceUnavailable, protocol.CodeUnavailable, "history unavailable")
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"identity": raw, "entries": entries})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := protocol.HealthResponse{
		Status: "ok",
		Store:  "ok",
		Uptime: time.Since(s.startedAt).Round(time.Second).String(),
	}
	status := http.StatusOK

	latency, err := s.dir.Ping(r.Context())
	if err != nil {
		resp.Status = "degraded"
		resp.Store = "unavailable"
		status = http.StatusServiceUnavailable
	}
	resp.LatencyMS = float64(latency.Microseconds()) / 1000
	writeJSON(w, status, resp)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	resp := protocol.ReadyResponse{Status: "ready", Checks: make(map[string]string, len(s.checks))}
	status := http.StatusOK
	for _, c := range s.checks {
		if err := c.check(r.Context()); err != nil {
			s.log.Warn().Err(err).Str("check", c.name).Msg("readiness check failed")
			resp.Checks[c.name] = "unavailable"
			resp.Status = "not_ready"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[c.name] = "ok"
	}
	writeJSON(w, status, resp)
}

// allow applies rule to key and writes a 429 when it is exceeded. Limiter
// failures let the request through.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, key string, rule ratelimit.Rule) bool {
	if s.limiter == nil {
		return true
	}
	ok, _ := s.limiter.Allow(r.Context(), key, rule)
	if remaining, err := s.limiter.Remaining(r.Context(), key, rule); err == nil {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rule.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	}
	if !ok {
		w.Header().Set("Retry-After", strconv.Itoa(int(rule.Window/time.Second)))
		writeError(w, http.StatusTooManyRequests, protocol.CodeRateLimited, "rate limit exceeded")
	}
	return ok
}

func (s *Server) writeDirectoryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidToken):
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidToken, "invalid session token")
	case errors.Is(err, session.ErrInvalidTTL):
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidTTL, err.Error())
	case errors.Is(err, session.ErrInvalidIdentity), errors.Is(err, protocol.ErrMalformed):
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidRequest, err.Error())
	case errors.Is(err, session.ErrStoreUnavailable):
		s.log.Warn().Err(err).Msg("session store unavailable")
		writeError(w, http.StatusServiceUnavailable, protocol.CodeUnavailable, "session store unavailable")
	case errors.Is(err, session.ErrInvalidRecord):
		s.log.Error().Err(err).Msg("invalid session record in store")
		writeError(w, http.StatusInternalServerError, protocol.CodeInternal, "stored session is corrupt")
	default:
		s.log.Error().Err(err).Msg("unexpected directory error")
		writeError(w, http.StatusInternalServerError, protocol.CodeInternal, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, protocol.ErrorResponse{Code: code, Message: message})
}

// pathParam returns the decoded URL parameter name.
func pathParam(r *http.Request, name string) string {
	v := chi.URLParam(r, name)
	if r.URL.RawPath != "" {
		if unescaped, err := url.PathUnescape(v); err == nil {
			return unescaped
		}
	}
	return v
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
