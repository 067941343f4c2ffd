// Package config reads payrolld settings from flags, falling back to the
// environment and an optional .env file.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"payrolld/internal/domain"
)

type Config struct {
	Addr    string
	DBPath  string
	Workers int
	// Sweep is how often fixed-frequency payrolls are checked.
	Sweep time.Duration

	Provider      string
	WebhookSecret string
	GatewayURL    string
	GatewayKey    string
	Currency      string

	VerifyRetries  int
	VerifyInterval time.Duration
	CreditMode     domain.CreditMode

	Debug     bool
	LogLevel  zerolog.Level
	LogFormat string
}

// LoadDotEnv loads the given files (".env" when none) into the environment.
// It reports whether anything was loaded; a missing file is not an error.
func LoadDotEnv(files ...string) bool {
	return godotenv.Load(files...) == nil
}

func env(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if n, err := strconv.Atoi(env(key, "")); err == nil {
		return n
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(env(key, "")); err == nil {
		return d
	}
	return def
}

func envBool(key string, def bool) bool {
	if b, err := strconv.ParseBool(env(key, "")); err == nil {
		return b
	}
	return def
}

// Parse reads args on top of environment defaults and validates the result.
func Parse(name string, args []string) (Config, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)

	var (
		c          Config
		creditMode string
		logLevel   string
	)
	fs.StringVar(&c.Addr, "addr", env("PAYROLLD_ADDR", ":8080"), "HTTP bind address")
	fs.StringVar(&c.DBPath, "db", env("PAYROLLD_DB", "payrolld.db"), "SQLite DB path")
	fs.IntVar(&c.Workers, "workers", envInt("PAYROLLD_WORKERS", 8), "max concurrent payroll runs")
	fs.DurationVar(&c.Sweep, "sweep", envDuration("PAYROLLD_SWEEP", time.Minute), "fixed-frequency sweep interval")
	fs.StringVar(&c.Provider, "provider", env("PAYROLLD_PROVIDER", "paystack"), "payment provider name")
	fs.StringVar(&c.WebhookSecret, "webhook-secret", env("PAYROLLD_WEBHOOK_SECRET", ""), "provider webhook signing secret")
	fs.StringVar(&c.GatewayURL, "gateway-url", env("PAYROLLD_GATEWAY_URL", "https://api.paystack.co"), "payment gateway base URL")
	fs.StringVar(&c.GatewayKey, "gateway-key", env("PAYROLLD_GATEWAY_KEY", ""), "payment gateway secret key")
	fs.StringVar(&c.Currency, "currency", env("PAYROLLD_CURRENCY", "NGN"), "default currency")
	fs.IntVar(&c.VerifyRetries, "verify-retries", envInt("PAYROLLD_VERIFY_RETRIES", 5), "reference re-checks after the first miss")
	fs.DurationVar(&c.VerifyInterval, "verify-interval", envDuration("PAYROLLD_VERIFY_INTERVAL", 5*time.Second), "wait between reference re-checks")
	fs.StringVar(&creditMode, "credit-mode", env("PAYROLLD_CREDIT_MODE", string(domain.CreditAdditive)), "additive or absolute")
	fs.BoolVar(&c.Debug, "debug", envBool("PAYROLLD_DEBUG", false), "expose /debug/pprof")
	fs.StringVar(&logLevel, "log-level", env("LOG_LEVEL", "info"), "log level")
	fs.StringVar(&c.LogFormat, "log-format", env("LOG_FORMAT", "console"), "console or json")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	c.CreditMode = domain.CreditMode(strings.ToLower(creditMode))
	c.Provider = strings.ToLower(c.Provider)
	c.Currency = strings.ToUpper(c.Currency)
	lvl, err := zerolog.ParseLevel(strings.ToLower(logLevel))
	if err != nil {
		return Config{}, fmt.Errorf("log level: %w", err)
	}
	c.LogLevel = lvl

	return c, c.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if c.WebhookSecret == "" {
		errs = append(errs, errors.New("webhook secret is required"))
	}
	if c.Provider == "" {
		errs = append(errs, errors.New("provider is required"))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.Sweep <= 0 {
		errs = append(errs, fmt.Errorf("sweep interval must be positive, got %s", c.Sweep))
	}
	if c.VerifyRetries < 0 {
		errs = append(errs, fmt.Errorf("verify retries must not be negative, got %d", c.VerifyRetries))
	}
	if c.VerifyInterval < 0 {
		errs = append(errs, fmt.Errorf("verify interval must not be negative, got %s", c.VerifyInterval))
	}
	switch c.CreditMode {
	case domain.CreditAdditive, domain.CreditAbsolute:
	default:
		errs = append(errs, fmt.Errorf("unknown credit mode %q", c.CreditMode))
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}
