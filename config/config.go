// Package config loads runtime configuration from the environment, with a
// .env file picked up for local development. Every knob has a default that
// produces a working single-process deployment on sqlite.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/inkgate/entitlement-engine/ledger"
)

type Config struct {
	// Server.
	ServerAddr string

	// Storage. Driver is one of "memory", "sqlite", "postgres".
	DatabaseDriver string
	DatabaseURL    string
	SQLitePath     string

	// Entitlement policy.
	KarmaPriority   []ledger.Currency
	TimeUnlockHours int

	// Payment providers.
	StripeSecretKey    string
	PayPalBaseURL      string
	PayPalClientID     string
	PayPalClientSecret string
}

// Load reads .env (if present) and then the process environment.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		ServerAddr:         env("SERVER_ADDR", ":8080"),
		DatabaseDriver:     env("DATABASE_DRIVER", "sqlite"),
		DatabaseURL:        env("DATABASE_URL", ""),
		SQLitePath:         env("SQLITE_PATH", "entitlement.db"),
		KarmaPriority:      parseKarmaPriority(env("KARMA_PRIORITY", "")),
		TimeUnlockHours:    envInt("TIME_UNLOCK_HOURS", 24),
		StripeSecretKey:    env("STRIPE_SECRET_KEY", ""),
		PayPalBaseURL:      env("PAYPAL_BASE_URL", "https://api-m.sandbox.paypal.com"),
		PayPalClientID:     env("PAYPAL_CLIENT_ID", ""),
		PayPalClientSecret: env("PAYPAL_CLIENT_SECRET", ""),
	}
}

// TimeUnlockDuration is the wait before a started unlock timer elapses.
func (c Config) TimeUnlockDuration() time.Duration {
	return time.Duration(c.TimeUnlockHours) * time.Hour
}

// parseKarmaPriority parses a comma-separated currency list, e.g.
// "golden_karma,regular_karma". Unknown names are dropped; an empty or
// fully invalid value falls back to the golden-first default.
func parseKarmaPriority(raw string) []ledger.Currency {
	var out []ledger.Currency
	for _, part := range strings.Split(raw, ",") {
		switch ledger.Currency(strings.TrimSpace(part)) {
		case ledger.CurrencyGoldenKarma:
			out = append(out, ledger.CurrencyGoldenKarma)
		case ledger.CurrencyRegularKarma:
			out = append(out, ledger.CurrencyRegularKarma)
		}
	}
	if len(out) == 0 {
		return []ledger.Currency{ledger.CurrencyGoldenKarma, ledger.CurrencyRegularKarma}
	}
	return out
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}
