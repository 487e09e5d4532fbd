// Command sessionload drives a running session directory with concurrent
// create/get/list/delete cycles and prints latency percentiles per operation.
//
// Usage:
//
//	sessionload [-url http://localhost:8080] [-workers 50] [-duration 30s]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/whisper/sessiondir/internal/loadgen"
)

func main() {
	fs := flag.NewFlagSet("sessionload", flag.ExitOnError)
	baseURL := fs.String("url", "http://localhost:8080", "Session directory base URL")
	workers := fs.Int("workers", 50, "Concurrent identities")
	iterations := fs.Int("iterations", 0, "Cycles per worker (0 = until -duration)")
	duration := fs.Duration("duration", 30*time.Second, "Run duration (0 = until -iterations)")
	ttl := fs.Duration("ttl", time.Minute, "TTL requested for created sessions")
	fs.Parse(os.Args[1:])

	if *iterations == 0 && *duration == 0 {
		fmt.Fprintln(os.Stderr, "one of -iterations or -duration must be set")
		os.Exit(2)
	}

	fmt.Printf("Session load: %d workers against %s (duration=%s, iterations=%d)\n",
		*workers, *baseURL, *duration, *iterations)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := loadgen.NewCollector()
	loadgen.NewRunner(loadgen.Config{
		BaseURL:    *baseURL,
		Workers:    *workers,
		Iterations: *iterations,
		Duration:   *duration,
		TTL:        *ttl,
	}, collector).Run(ctx)

	collector.Report(os.Stdout)
	if collector.ErrorCount() > 0 {
		os.Exit(1)
	}
}
