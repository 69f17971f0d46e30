/*
config.go - Process configuration

PURPOSE:
  Collects every runtime knob in one struct. Values come from the
  environment, optionally seeded from a .env file in the working
  directory. Command-line flags in cmd/server override PORT and DB_PATH.

VARIABLES (default):
  PORT                       8080
  DB_PATH                    hostel.db
  LOG_LEVEL                  info
  LOG_FORMAT                 json       (json | console)
  JWT_SECRET                 -          required to serve /api
  PAYSTACK_SECRET_KEY        -
  PAYSTACK_BASE_URL          https://api.paystack.co
  PAYSTACK_CALLBACK_URL      -
  GATEWAY_TIMEOUT            15s
  SMTP_HOST/PORT/USER/PASSWORD/FROM      email disabled when SMTP_HOST is empty
  AMQP_URL                   -          events disabled when empty
  REDIS_ADDR/PASSWORD/DB     -          in-process lock when REDIS_ADDR is empty
  PARTIAL_PAYMENT_THRESHOLD  70
  ACCESS_CODE_TTL            0          (never expires)
  ORPHAN_STALE_AFTER         4392h      (~6 months)
  ORPHAN_DUPLICATE_WINDOW    5m
  RECONCILE_INTERVAL         0          (opt-in; e.g. 1h runs the scheduler)
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/warp/hostel-billing/billing"
)

type Config struct {
	Port      int
	DBPath    string
	LogLevel  string
	LogFormat string
	JWTSecret string

	Paystack PaystackConfig
	SMTP     SMTPConfig
	AMQPURL  string
	Redis    RedisConfig

	Policy            billing.Policy
	ReconcileInterval time.Duration
}

type PaystackConfig struct {
	SecretKey   string
	BaseURL     string
	CallbackURL string
	Timeout     time.Duration
}

type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
}

func (c SMTPConfig) Enabled() bool { return c.Host != "" }

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool { return c.Addr != "" }

// Load reads .env when present, then the environment. A missing .env is not
// an error; a malformed value is.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from a lookup function.
func FromEnv(lookup func(string) (string, bool)) (*Config, error) {
	p := parser{lookup: lookup}
	policy := billing.DefaultPolicy()

	cfg := &Config{
		Port:      p.num("PORT", 8080),
		DBPath:    p.str("DB_PATH", "hostel.db"),
		LogLevel:  p.str("LOG_LEVEL", "info"),
		LogFormat: p.str("LOG_FORMAT", "json"),
		JWTSecret: p.str("JWT_SECRET", ""),
		Paystack: PaystackConfig{
			SecretKey:   p.str("PAYSTACK_SECRET_KEY", ""),
			BaseURL:     p.str("PAYSTACK_BASE_URL", "https://api.paystack.co"),
			CallbackURL: p.str("PAYSTACK_CALLBACK_URL", ""),
			Timeout:     p.duration("GATEWAY_TIMEOUT", 15*time.Second),
		},
		SMTP: SMTPConfig{
			Host:     p.str("SMTP_HOST", ""),
			Port:     p.num("SMTP_PORT", 587),
			User:     p.str("SMTP_USER", ""),
			Password: p.str("SMTP_PASSWORD", ""),
			From:     p.str("SMTP_FROM", "no-reply@hostel.local"),
		},
		AMQPURL: p.str("AMQP_URL", ""),
		Redis: RedisConfig{
			Addr:     p.str("REDIS_ADDR", ""),
			Password: p.str("REDIS_PASSWORD", ""),
			DB:       p.num("REDIS_DB", 0),
		},
	}

	policy.DefaultThreshold = p.dec("PARTIAL_PAYMENT_THRESHOLD", policy.DefaultThreshold)
	policy.AccessCodeTTL = p.duration("ACCESS_CODE_TTL", policy.AccessCodeTTL)
	policy.StaleAfter = p.duration("ORPHAN_STALE_AFTER", policy.StaleAfter)
	policy.DuplicateWindow = p.duration("ORPHAN_DUPLICATE_WINDOW", policy.DuplicateWindow)
	cfg.Policy = policy
	cfg.ReconcileInterval = p.duration("RECONCILE_INTERVAL", 0)

	if p.err != nil {
		return nil, p.err
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT out of range: %d", c.Port))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("DB_PATH is empty"))
	}
	t := c.Policy.DefaultThreshold
	if t.IsNegative() || t.GreaterThan(decimal.NewFromInt(100)) {
		errs = append(errs, fmt.Errorf("PARTIAL_PAYMENT_THRESHOLD must be within 0..100, got %s", t))
	}
	if c.Policy.StaleAfter <= 0 {
		errs = append(errs, errors.New("ORPHAN_STALE_AFTER must be positive"))
	}
	if c.ReconcileInterval < 0 {
		errs = append(errs, errors.New("RECONCILE_INTERVAL must not be negative"))
	}
	if c.Policy.DuplicateWindow < 0 {
		errs = append(errs, errors.New("ORPHAN_DUPLICATE_WINDOW must not be negative"))
	}
	return errors.Join(errs...)
}

// parser keeps the first conversion error so Load reports it once.
type parser struct {
	lookup func(string) (string, bool)
	err    error
}

func (p *parser) str(key, def string) string {
	if v, ok := p.lookup(key); ok && v != "" {
		return v
	}
	return def
}

func (p *parser) num(key string, def int) int {
	v, ok := p.lookup(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return n
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v, ok := p.lookup(key)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return d
}

func (p *parser) dec(key string, def decimal.Decimal) decimal.Decimal {
	v, ok := p.lookup(key)
	if !ok || v == "" {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return d
}

func (p *parser) fail(key, value string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s=%q: %w", key, value, err)
	}
}
