// Package loadgen drives the session HTTP API with concurrent workers and
// aggregates per-operation latency for a summary report.
package loadgen

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector aggregates per-operation latencies and errors from many workers.
// All methods are goroutine-safe.
type Collector struct {
	mu        sync.Mutex
	latencies map[string][]time.Duration
	errors    map[string]int
	startTime time.Time
}

// NewCollector creates a new Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{
		latencies: make(map[string][]time.Duration),
		errors:    make(map[string]int),
		startTime: time.Now(),
	}
}

// Add records one successful call of op.
func (c *Collector) Add(op string, d time.Duration) {
	c.mu.Lock()
	c.latencies[op] = append(c.latencies[op], d)
	c.mu.Unlock()
}

// AddError records one failed call of op.
func (c *Collector) AddError(op string) {
	c.mu.Lock()
	c.errors[op]++
	c.mu.Unlock()
}

// Count returns the number of successful calls of op.
func (c *Collector) Count(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.latencies[op])
}

// ErrorCount returns the number of failed calls across all operations.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.errors {
		n += e
	}
	return n
}

// Percentiles summarises a latency sample.
type Percentiles struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

// Summary returns the percentiles of op; N is zero when op was never recorded.
func (c *Collector) Summary(op string) Percentiles {
	c.mu.Lock()
	defer c.mu.Unlock()
	return percentiles(c.latencies[op])
}

// Report writes a formatted summary to w, one block per operation in name
// order.
func (c *Collector) Report(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.startTime)
	ops := make([]string, 0, len(c.latencies))
	seen := map[string]bool{}
	for op := range c.latencies {
		ops = append(ops, op)
		seen[op] = true
	}
	for op := range c.errors {
		if !seen[op] {
			ops = append(ops, op)
		}
	}
	sort.Strings(ops)

	fmt.Fprintln(w, "\n=== Session Load Results ===")
	fmt.Fprintf(w, "Duration:  %s\n", elapsed.Round(time.Second))
	for _, op := range ops {
		p := percentiles(c.latencies[op])
		total := p.N + c.errors[op]
		rate := 0.0
		if elapsed > 0 {
			rate = float64(p.N) / elapsed.Seconds()
		}
		fmt.Fprintf(w, "\n--- %s ---\n", op)
		fmt.Fprintf(w, "  ok: %d  errors: %d  (%.2f%%)  throughput: %.1f/s\n",
			p.N, c.errors[op], errorRate(c.errors[op], total), rate)
		if p.N > 0 {
			fmt.Fprintf(w, "  avg: %v  p50: %v  p95: %v  p99: %v  max: %v\n",
				p.Avg.Round(time.Microsecond),
				p.P50.Round(time.Microsecond),
				p.P95.Round(time.Microsecond),
				p.P99.Round(time.Microsecond),
				p.Max.Round(time.Microsecond),
			)
		}
	}
	fmt.Fprintln(w)
}

func errorRate(errs, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(errs) / float64(total) * 100
}

// percentiles sorts a copy of durations.
func percentiles(durations []time.Duration) Percentiles {
	n := len(durations)
	if n == 0 {
		return Percentiles{}
	}
	sorted := make([]time.Duration, n)
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	return Percentiles{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: sorted[n/2],
		P95: sorted[int(math.Ceil(float64(n)*0.95))-1],
		P99: sorted[int(math.Ceil(float64(n)*0.99))-1],
		Max: sorted[n-1],
	}
}
