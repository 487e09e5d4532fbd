package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/whisper/sessiondir/internal/api"
	"github.com/whisper/sessiondir/internal/config"
	"github.com/whisper/sessiondir/internal/ledger"
	"github.com/whisper/sessiondir/internal/logger"
	"github.com/whisper/sessiondir/internal/messaging"
	"github.com/whisper/sessiondir/internal/ratelimit"
	"github.com/whisper/sessiondir/internal/redisconn"
	"github.com/whisper/sessiondir/internal/session"
	"github.com/whisper/sessiondir/internal/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logger.New("info", logger.FormatJSON, os.Stderr)
		bootLog.Fatal().Err(err).Msg("invalid configuration")
	}

	format, _ := logger.ParseFormat(cfg.LogFormat)
	log := logger.New(cfg.LogLevel, format, os.Stdout)

	log.Info().
		Str("listen_addr", cfg.ListenAddr).
		Str("key_prefix", cfg.KeyPrefix).
		Dur("op_timeout", cfg.OpTimeout).
		Int64("scan_count", cfg.ScanCount).
		Dur("default_ttl", cfg.DefaultTTL).
		Bool("events", cfg.NATSURL != "").
		Bool("ledger", cfg.LedgerDSN != "").
		Msg("session directory starting")

	// --- Tracing ---
	var connectOpts []redisconn.Option
	var tp *sdktrace.TracerProvider
	if cfg.Redis.Tracing {
		tp, err = tracing.NewProvider("sessiond", os.Stderr)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to set up tracing")
		}
		connectOpts = append(connectOpts, redisconn.WithTracerProvider(tp))
	}

	// --- Redis ---
	rdb, err := redisconn.Connect(context.Background(), cfg.Redis, logger.Component(log, "redis"), connectOpts...)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}

	opts := []session.Option{
		session.WithPrefix(cfg.KeyPrefix),
		session.WithTimeout(cfg.OpTimeout),
		session.WithScanCount(cfg.ScanCount),
		session.WithLogger(logger.Component(log, "directory")),
	}

	// --- NATS ---
	var natsClient *messaging.NATSClient
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsClient, err = messaging.NewNATSClient(natsConfig, logger.Component(log, "nats"))
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to NATS")
		}
		opts = append(opts, session.WithListener("nats", messaging.NewSessionEvents(natsClient)))
	}

	// --- Ledger ---
	var apiOpts []api.Option
	var ledgerStore *ledger.Store
	closeLedger := func() {}
	if cfg.LedgerDSN != "" {
		if err := ledger.Migrate(cfg.LedgerDSN, logger.Component(log, "ledger")); err != nil {
			log.Fatal().Err(err).Msg("ledger migration failed")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		db, err := ledger.Open(ctx, cfg.LedgerDSN)
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to ledger database")
		}
		closeLedger = func() { _ = db.Close() }
		ledgerStore = ledger.NewStore(db)
		opts = append(opts, session.WithListener("ledger", ledgerStore))
		apiOpts = append(apiOpts, api.WithHistory(ledgerStore))
	}

	dir := session.NewDirectory(rdb, opts...)
	apiOpts = append(apiOpts,
		api.WithLimiter(ratelimit.NewLimiter(rdb, logger.Component(log, "ratelimit"))),
		api.WithReadinessCheck("redis", redisconn.Healthcheck(rdb)),
	)

	server := api.NewServer(api.ServerConfig{
		ListenAddr:   cfg.ListenAddr,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		DefaultTTL:   cfg.DefaultTTL,
	}, dir, logger.Component(log, "api"), apiOpts...)

	// Graceful shutdown.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutting down")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("http shutdown")
		}
	}()

	if err := server.Start(); err != nil {
		log.Error().Err(err).Msg("server error")
	}

	shutdown(log, natsClient, closeLedger, rdb.Close, tp)
}

func shutdown(log zerolog.Logger, nc *messaging.NATSClient, closeLedger func(), closeRedis func() error, tp *sdktrace.TracerProvider) {
	if nc != nil {
		nc.Close()
	}
	closeLedger()
	if err := closeRedis(); err != nil {
		log.Error().Err(err).Msg("redis close")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.Shutdown(ctx, tp); err != nil {
		log.Error().Err(err).Msg("tracing flush")
	}
	log.Info().Msg("session directory stopped")
}
