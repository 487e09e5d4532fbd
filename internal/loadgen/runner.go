package loadgen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/whisper/sessiondir/internal/protocol"
)

// Operation names recorded by the runner.
const (
	OpCreate = "create"
	OpGet    = "get"
	OpList   = "list"
	OpDelete = "delete"
)

// Config describes a load run. Each worker owns one identity and loops
// create → get → list → delete until Duration elapses or Iterations is
// reached, whichever comes first.
type Config struct {
	BaseURL    string        // e.g. http://localhost:8080
	Workers    int           // concurrent identities
	Iterations int           // per worker; 0 means unbounded
	Duration   time.Duration // 0 means unbounded
	TTL        time.Duration // lifetime requested for created sessions
	Client     *http.Client
}

// Runner executes a Config against a live server.
type Runner struct {
	cfg       Config
	collector *Collector
}

func NewRunner(cfg Config, collector *Collector) *Runner {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 5 * time.Second}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.TTL < time.Second {
		cfg.TTL = time.Minute
	}
	return &Runner{cfg: cfg, collector: collector}
}

// Run blocks until every worker finishes.
func (r *Runner) Run(ctx context.Context) {
	if r.cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Duration)
		defer cancel()
	}

	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r.work(ctx, fmt.Sprintf("loadgen-%d-%d", time.Now().UnixNano(), worker))
		}(i)
	}
	wg.Wait()
}

func (r *Runner) work(ctx context.Context, identity string) {
	ttl := int64(r.cfg.TTL / time.Second)
	for i := 0; r.cfg.Iterations == 0 || i < r.cfg.Iterations; i++ {
		if ctx.Err() != nil {
			return
		}

		var created protocol.SessionResponse
		body, _ := json.Marshal(protocol.CreateSessionRequest{Identity: &identity, TTLSeconds: &ttl})
		if !r.call(ctx, OpCreate, http.MethodPost, "/v1/sessions", body, http.StatusCreated, &created) {
			continue
		}
		r.call(ctx, OpGet, http.MethodGet, "/v1/sessions/"+created.Token, nil, http.StatusOK, nil)
		r.call(ctx, OpList, http.MethodGet, "/v1/identities/"+url.PathEscape(identity)+"/sessions", nil, http.StatusOK, nil)
		r.call(ctx, OpDelete, http.MethodDelete, "/v1/sessions/"+created.Token, nil, http.StatusNoContent, nil)
	}
}

// call performs one request and records it under op. Requests cut short by
// the end of the run are not counted.
func (r *Runner) call(ctx context.Context, op, method, path string, body []byte, want int, out any) bool {
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		r.collector.AddError(op)
		return false
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := r.cfg.Client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			r.collector.AddError(op)
		}
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		_, _ = io.Copy(io.Discard, resp.Body)
		r.collector.AddError(op)
		return false
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			r.collector.AddError(op)
			return false
		}
	}
	r.collector.Add(op, time.Since(start))
	return true
}
