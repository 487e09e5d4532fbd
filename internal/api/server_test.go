package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/sessiondir/internal/identity"
	"github.com/whisper/sessiondir/internal/ledger"
	"github.com/whisper/sessiondir/internal/protocol"
	"github.com/whisper/sessiondir/internal/ratelimit"
	"github.com/whisper/sessiondir/internal/redisconn"
	"github.com/whisper/sessiondir/internal/session"
)

type fakeHistory struct {
	entries []ledger.Entry
	err     error
	gotID   identity.Identifier
	gotN    int
}

func (f *fakeHistory) History(_ context.Context, id identity.Identifier, limit int) ([]ledger.Entry, error) {
	f.gotID, f.gotN = id, limit
	return f.entries, f.err
}

type testEnv struct {
	srv *Server
	dir *session.Directory
	mr  *miniredis.Miniredis
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { rdb.Close() })

	dir := session.NewDirectory(rdb)
	cfg := DefaultServerConfig()
	cfg.DefaultTTL = time.Hour
	return &testEnv{srv: NewServer(cfg, dir, zerolog.Nop(), opts...), dir: dir, mr: mr}
}

func (e *testEnv) do(method, path, body string, hdr ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestCreateAndGet(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(http.MethodPost, "/v1/sessions",
		`{"identity":"11112222-3333-4444-5555-666677778888","client_descriptor":"Mozilla/5.0","ttl_seconds":2400}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	created := decode[protocol.SessionResponse](t, rec)
	assert.Len(t, created.Token, 64)
	assert.Equal(t, "11112222-3333-4444-5555-666677778888", created.Identity)
	assert.Equal(t, int64(2400), created.ExpiresIn)
	assert.Equal(t, 2400*time.Second, e.mr.TTL("session:tok:"+created.Token))

	rec = e.do(http.MethodGet, "/v1/sessions/"+created.Token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[protocol.SessionResponse](t, rec)
	assert.Equal(t, created.Identity, got.Identity)
	require.NotNil(t, got.ClientDescriptor)
	assert.Equal(t, "Mozilla/5.0", *got.ClientDescriptor)
	assert.Equal(t, int64(2400), got.ExpiresIn)
	assert.Equal(t, created.CreatedAt, got.CreatedAt)
}

func TestCreate_Defaults(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(http.MethodPost, "/v1/sessions", "", "User-Agent", "curl/8.5")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	created := decode[protocol.SessionResponse](t, rec)
	_, err := identity.Parse(created.Identity)
	assert.NoError(t, err, "generated identity should be a canonical UUID")
	require.NotNil(t, created.ClientDescriptor)
	assert.Equal(t, "curl/8.5", *created.ClientDescriptor)
	assert.Equal(t, int64(3600), created.ExpiresIn)
}

func TestCreate_UserAgentCutOnRuneBoundary(t *testing.T) {
	e := newTestEnv(t)

	// The two-byte rune straddles the descriptor limit.
	ua := strings.Repeat("a", protocol.MaxDescriptorLength-1) + "é" + "tail"
	rec := e.do(http.MethodPost, "/v1/sessions", "", "User-Agent", ua)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	created := decode[protocol.SessionResponse](t, rec)
	require.NotNil(t, created.ClientDescriptor)
	want := strings.Repeat("a", protocol.MaxDescriptorLength-1)
	assert.Equal(t, want, *created.ClientDescriptor)

	stored := e.mr.HGet("session:tok:"+created.Token, "client_descriptor")
	assert.True(t, utf8.ValidString(stored))
	assert.Equal(t, want, stored)
}

func TestTruncateUTF8(t *testing.T) {
	assert.Equal(t, "abc", truncateUTF8("abc", 5))
	assert.Equal(t, "ab", truncateUTF8("abc", 2))
	assert.Equal(t, "", truncateUTF8("é", 1))
	assert.Equal(t, "a", truncateUTF8("a日本", 3))
	assert.Equal(t, "a日", truncateUTF8("a日本", 4))
}

func TestCreate_BadBody(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(http.MethodPost, "/v1/sessions", `{"ttl_seconds":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, protocol.CodeInvalidRequest, decode[protocol.ErrorResponse](t, rec).Code)

	rec = e.do(http.MethodPost, "/v1/sessions", `{"identity":"a"`+strings.Repeat(" ", protocol.MaxBodyBytes)+`}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	assert.Empty(t, e.mr.Keys())
}

func TestGet_NotFoundAndInvalid(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(http.MethodGet, "/v1/sessions/"+strings.Repeat("Z", 64), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, protocol.CodeNotFound, decode[protocol.ErrorResponse](t, rec).Code)

	rec = e.do(http.MethodGet, "/v1/sessions/bad*token", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, protocol.CodeInvalidToken, decode[protocol.ErrorResponse](t, rec).Code)
}

func TestGet_CorruptRecord(t *testing.T) {
	e := newTestEnv(t)
	tok := strings.Repeat("C", 64)
	e.mr.HSet("session:tok:"+tok, "client_descriptor", "orphan")

	rec := e.do(http.MethodGet, "/v1/sessions/"+tok, "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, protocol.CodeInternal, decode[protocol.ErrorResponse](t, rec).Code)
}

func TestDelete(t *testing.T) {
	e := newTestEnv(t)
	r := e.dir.NewRecord("alice", nil)
	require.NoError(t, e.dir.CreateSession(context.Background(), r, time.Minute))

	rec := e.do(http.MethodDelete, "/v1/sessions/"+r.Token.String(), "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = e.do(http.MethodDelete, "/v1/sessions/"+r.Token.String(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListSessions(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	want := map[string]bool{}
	for i := 0; i < 3; i++ {
		r := e.dir.NewRecord("alice", nil)
		require.NoError(t, e.dir.CreateSession(ctx, r, time.Minute))
		want[r.Token.String()] = true
	}
	require.NoError(t, e.dir.CreateSession(ctx, e.dir.NewRecord("alice:x", nil), time.Minute))

	rec := e.do(http.MethodGet, "/v1/identities/alice/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[protocol.TokenListResponse](t, rec)
	assert.Equal(t, "alice", list.Identity)
	assert.Equal(t, 3, list.Count)
	for _, tok := range list.Tokens {
		assert.True(t, want[tok], "unexpected token %s", tok)
	}

	rec = e.do(http.MethodGet, "/v1/identities/nobody/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"identity":"nobody","tokens":[],"count":0}`, rec.Body.String())
}

func TestListSessions_EscapedIdentity(t *testing.T) {
	e := newTestEnv(t)
	r := e.dir.NewRecord("a:b", nil)
	require.NoError(t, e.dir.CreateSession(context.Background(), r, time.Minute))

	rec := e.do(http.MethodGet, "/v1/identities/a%3Ab/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[protocol.TokenListResponse](t, rec)
	assert.Equal(t, []string{r.Token.String()}, list.Tokens)
}

func TestStoreUnavailable(t *testing.T) {
	e := newTestEnv(t)
	e.mr.SetError("ERR injected")

	rec := e.do(http.MethodPost, "/v1/sessions", `{"identity":"alice"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, protocol.CodeUnavailable, decode[protocol.ErrorResponse](t, rec).Code)

	rec = e.do(http.MethodGet, "/v1/identities/alice/sessions", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = e.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", decode[protocol.HealthResponse](t, rec).Status)
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	h := decode[protocol.HealthResponse](t, rec)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "ok", h.Store)
}

func TestReady(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(http.MethodGet, "/ready", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", decode[protocol.ReadyResponse](t, rec).Status)

	rdb := redis.NewClient(&redis.Options{Addr: e.mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { rdb.Close() })
	e = &testEnv{mr: e.mr, dir: e.dir, srv: NewServer(DefaultServerConfig(), e.dir, zerolog.Nop(),
		WithReadinessCheck("redis", redisconn.Healthcheck(rdb)))}

	rec = e.do(http.MethodGet, "/ready", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]string{"redis": "ok"}, decode[protocol.ReadyResponse](t, rec).Checks)

	e.mr.SetError("ERR loading")
	rec = e.do(http.MethodGet, "/ready", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	ready := decode[protocol.ReadyResponse](t, rec)
	assert.Equal(t, "not_ready", ready.Status)
	assert.Equal(t, "unavailable", ready.Checks["redis"])
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestEnv(t)
	e.do(http.MethodGet, "/v1/sessions/"+strings.Repeat("Q", 64), "")

	rec := e.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sessiondir_operations_total")
}

func TestRateLimitedCreate(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { rdb.Close() })
	e := newTestEnv(t, WithLimiter(ratelimit.NewLimiter(rdb, zerolog.Nop())))

	// Rotating identities from one address does not reset the budget.
	for i := 0; i < ratelimit.RuleCreate.Limit; i++ {
		rec := e.do(http.MethodPost, "/v1/sessions", fmt.Sprintf(`{"identity":"spammer-%d"}`, i))
		require.Equal(t, http.StatusCreated, rec.Code)
		assert.Equal(t, strconv.Itoa(ratelimit.RuleCreate.Limit-i-1), rec.Header().Get("X-RateLimit-Remaining"))
		assert.Equal(t, strconv.Itoa(ratelimit.RuleCreate.Limit), rec.Header().Get("X-RateLimit-Limit"))
	}
	rec := e.do(http.MethodPost, "/v1/sessions", `{"identity":"victim"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, protocol.CodeRateLimited, decode[protocol.ErrorResponse](t, rec).Code)

	// The same identity from another address is unaffected.
	rec = e.do(http.MethodPost, "/v1/sessions", `{"identity":"victim"}`, "X-Real-IP", "203.0.113.9")
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestHistory(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(http.MethodGet, "/v1/identities/alice/history", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	h := &fakeHistory{entries: []ledger.Entry{{ID: 1, Identity: "alice", TTLSeconds: 60}}}
	e = newTestEnv(t, WithHistory(h))

	rec = e.do(http.MethodGet, "/v1/identities/alice/history?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, identity.Identifier("alice"), h.gotID)
	assert.Equal(t, 5, h.gotN)

	var body struct {
		Identity string         `json:"identity"`
		Entries  []ledger.Entry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Entries, 1)
	assert.Equal(t, int64(60), body.Entries[0].TTLSeconds)

	rec = e.do(http.MethodGet, "/v1/identities/alice/history?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	h.err = errors.New("db down")
	rec = e.do(http.MethodGet, "/v1/identities/alice/history", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
