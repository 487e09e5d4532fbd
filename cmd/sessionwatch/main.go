// Command sessionwatch tails session lifecycle events from NATS and logs
// them, with a running count per event type.
package main

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/whisper/sessiondir/internal/config"
	"github.com/whisper/sessiondir/internal/logger"
	"github.com/whisper/sessiondir/internal/messaging"
)

func main() {
	cfg, err := config.Load()
	format, _ := logger.ParseFormat(cfg.LogFormat)
	log := logger.New(cfg.LogLevel, format, os.Stdout)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.NATSURL == "" {
		log.Fatal().Msg("NATS_URL is required")
	}

	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "sessionwatch"

	natsClient, err := messaging.NewNATSClient(natsConfig, logger.Component(log, "nats"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to NATS")
	}

	var (
		mu     sync.Mutex
		counts = map[string]int{}
	)
	err = natsClient.SubscribeSessionEvents(func(subject string, ev messaging.Event) {
		mu.Lock()
		counts[ev.Type]++
		seen := counts[ev.Type]
		mu.Unlock()

		e := log.Info().
			Str("subject", subject).
			Str("type", ev.Type).
			Str("identity", ev.Identity).
			Str("token_hash", ev.TokenHash).
			Time("at", ev.At).
			Int("seen", seen)
		if ev.ClientDescriptor != nil {
			e = e.Str("client_descriptor", *ev.ClientDescriptor)
		}
		if ev.TTLSeconds > 0 {
			e = e.Int64("ttl_seconds", ev.TTLSeconds)
		}
		e.Msg("session event")
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to subscribe to session events")
	}

	log.Info().Str("nats_url", cfg.NATSURL).Str("subject", messaging.SubjectSessionAll).Msg("sessionwatch running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	natsClient.Close()

	mu.Lock()
	log.Info().Interface("counts", counts).Msg("sessionwatch stopped")
	mu.Unlock()
}
