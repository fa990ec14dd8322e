package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Supported backends, selected via the DATABASE environment variable.
const (
	BackendEmbedded  = "embedded"
	BackendNetworked = "networked"
)

// Environment variables consumed by the store.
const (
	EnvDatabase    = "DATABASE"
	EnvDatabaseURL = "DATABASE_URL"
)

// DefaultDatabasePath is the embedded database location when DATABASE_URL
// is unset, relative to the working directory.
const DefaultDatabasePath = "data/store.db"

// Config selects and tunes a database backend.
type Config struct {
	// Backend is BackendEmbedded or BackendNetworked.
	Backend string

	// URL is a filesystem path for the embedded backend or a DSN/URL for
	// the networked one.
	URL string

	// Connection pool tuning for the networked backend.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns embedded-backend defaults.
func DefaultConfig() Config {
	return Config{
		Backend:         BackendEmbedded,
		URL:             DefaultDatabasePath,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// FromEnv resolves the backend from DATABASE and DATABASE_URL.
//
// DATABASE defaults to "embedded". For the embedded backend DATABASE_URL
// may be a plain filesystem path or an sqlite:// URL; for the networked
// backend it must be a postgres:// DSN.
func FromEnv() (Config, error) {
	cfg := DefaultConfig()

	backend := strings.ToLower(strings.TrimSpace(os.Getenv(EnvDatabase)))
	rawURL := strings.TrimSpace(os.Getenv(EnvDatabaseURL))

	switch backend {
	case "", BackendEmbedded:
		cfg.Backend = BackendEmbedded
		if rawURL != "" {
			url, detected, err := NormalizeURL(rawURL)
			if err != nil {
				return Config{}, err
			}
			if detected != BackendEmbedded {
				return Config{}, fmt.Errorf("%w: DATABASE=embedded but DATABASE_URL is %q", ErrValidation, rawURL)
			}
			cfg.URL = url
		}
	case BackendNetworked:
		if rawURL == "" {
			return Config{}, fmt.Errorf("%w: DATABASE=networked requires DATABASE_URL", ErrValidation)
		}
		url, detected, err := NormalizeURL(rawURL)
		if err != nil {
			return Config{}, err
		}
		if detected != BackendNetworked {
			return Config{}, fmt.Errorf("%w: DATABASE=networked but DATABASE_URL is %q", ErrValidation, rawURL)
		}
		cfg.Backend = BackendNetworked
		cfg.URL = url
	default:
		return Config{}, fmt.Errorf("%w: unsupported DATABASE value %q", ErrValidation, backend)
	}

	return cfg, nil
}

// NormalizeURL maps a raw path or URL onto (normalized URL, backend).
// Plain filesystem paths become embedded database paths; sqlite:// URLs
// are unwrapped to their path; postgres:// and postgresql:// DSNs select
// the networked backend. Any other scheme is a validation failure.
func NormalizeURL(raw string) (string, string, error) {
	if !strings.Contains(raw, "://") {
		abs, err := filepath.Abs(raw)
		if err != nil {
			return "", "", fmt.Errorf("resolve database path: %w", err)
		}
		return abs, BackendEmbedded, nil
	}

	lower := strings.ToLower(raw)
	switch {
	case strings.HasPrefix(lower, "sqlite:///"):
		// sqlite:///data/x.db is relative; sqlite:////tmp/x.db absolute.
		return raw[len("sqlite:///"):], BackendEmbedded, nil
	case strings.HasPrefix(lower, "sqlite://"):
		return raw[len("sqlite://"):], BackendEmbedded, nil
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return raw, BackendNetworked, nil
	default:
		return "", "", fmt.Errorf("%w: unsupported database scheme in %q", ErrValidation, raw)
	}
}
