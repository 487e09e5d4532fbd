// Package config loads service configuration from the environment, after
// optionally merging .env files.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/whisper/sessiondir/internal/logger"
	"github.com/whisper/sessiondir/internal/redisconn"
)

var (
	ErrParsing = errors.New("config: failed to parse environment")
	ErrInvalid = errors.New("config: invalid value")
)

// Config is everything the session daemon reads from its environment.
type Config struct {
	ListenAddr   string        `env:"LISTEN_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`

	Redis redisconn.Config

	KeyPrefix  string        `env:"SESSION_KEY_PREFIX" envDefault:"session:"`
	OpTimeout  time.Duration `env:"SESSION_OP_TIMEOUT" envDefault:"3s"`
	ScanCount  int64         `env:"SESSION_SCAN_COUNT" envDefault:"100"`
	DefaultTTL time.Duration `env:"SESSION_DEFAULT_TTL" envDefault:"24h"`

	NATSURL   string `env:"NATS_URL"`   // empty disables session events
	LedgerDSN string `env:"LEDGER_DSN"` // empty disables the issuance ledger

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load merges the given .env files into the process environment (variables
// already set win) and parses it. Without arguments it tries ./.env and
// ignores its absence.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		_ = godotenv.Load()
	} else if err := godotenv.Load(files...); err != nil {
		return Config{}, fmt.Errorf("config: load env files: %w", err)
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, errors.Join(ErrParsing, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the daemon cannot run with.
func (c Config) Validate() error {
	var errs []error
	positive := map[string]time.Duration{
		"READ_TIMEOUT":        c.ReadTimeout,
		"WRITE_TIMEOUT":       c.WriteTimeout,
		"SESSION_OP_TIMEOUT":  c.OpTimeout,
		"SESSION_DEFAULT_TTL": c.DefaultTTL,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%w: %s must be positive, got %s", ErrInvalid, name, d))
		}
	}
	if c.DefaultTTL > 0 && c.DefaultTTL < time.Second {
		errs = append(errs, fmt.Errorf("%w: SESSION_DEFAULT_TTL must be at least 1s", ErrInvalid))
	}
	if c.ScanCount <= 0 {
		errs = append(errs, fmt.Errorf("%w: SESSION_SCAN_COUNT must be positive", ErrInvalid))
	}
	if c.Redis.URL == "" {
		errs = append(errs, fmt.Errorf("%w: REDIS_URL is empty", ErrInvalid))
	}
	if _, err := logger.ParseFormat(c.LogFormat); err != nil {
		errs = append(errs, fmt.Errorf("%w: LOG_FORMAT: %w", ErrInvalid, err))
	}
	return errors.Join(errs...)
}
