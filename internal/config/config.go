// Package config loads application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Backend selects which driven adapters the composition root wires.
type Backend string

const (
	// BackendSupabase talks to a hosted project over PostgREST and Realtime.
	BackendSupabase Backend = "supabase"
	// BackendPostgres connects directly to the database.
	BackendPostgres Backend = "postgres"
)

// Config holds the application configuration loaded from environment variables.
type Config struct {
	Backend         Backend
	SupabaseURL     string
	SupabaseAnonKey string
	DatabaseURL     string
	JWTSecret       string
	ListenAddr      string
	RequestTimeout  time.Duration
	RateLimit       float64
	RateBurst       int
}

// Load reads configuration from environment variables and returns a validated Config.
// When REPOPULSE_ENV_FILE is set, that file is loaded first; variables already
// present in the environment take precedence over the file.
//
// REPOPULSE_BACKEND selects supabase (default) or postgres. The supabase
// backend requires REPOPULSE_SUPABASE_URL and REPOPULSE_SUPABASE_ANON_KEY;
// postgres requires REPOPULSE_DATABASE_URL and REPOPULSE_JWT_SECRET, the
// secret access tokens are signed with. The supabase backend verifies tokens
// itself, so the secret is optional there.
// Optional variables with defaults: REPOPULSE_LISTEN_ADDR (127.0.0.1:8080),
// REPOPULSE_REQUEST_TIMEOUT (15s), REPOPULSE_RATE_LIMIT (10 requests/s, 0
// disables), REPOPULSE_RATE_BURST (20).
func Load() (*Config, error) {
	if path, ok := os.LookupEnv("REPOPULSE_ENV_FILE"); ok && path != "" {
		if err := godotenv.Load(path); err != nil {
			return nil, fmt.Errorf("load env file %q: %w", path, err)
		}
	}

	cfg := &Config{
		Backend:         BackendSupabase,
		SupabaseURL:     strings.TrimRight(strings.TrimSpace(os.Getenv("REPOPULSE_SUPABASE_URL")), "/"),
		SupabaseAnonKey: strings.TrimSpace(os.Getenv("REPOPULSE_SUPABASE_ANON_KEY")),
		DatabaseURL:     strings.TrimSpace(os.Getenv("REPOPULSE_DATABASE_URL")),
		JWTSecret:       os.Getenv("REPOPULSE_JWT_SECRET"),
		ListenAddr:      "127.0.0.1:8080",
		RequestTimeout:  15 * time.Second,
		RateLimit:       10,
		RateBurst:       20,
	}

	if v, ok := os.LookupEnv("REPOPULSE_BACKEND"); ok && v != "" {
		cfg.Backend = Backend(strings.ToLower(strings.TrimSpace(v)))
	}

	if v, ok := os.LookupEnv("REPOPULSE_LISTEN_ADDR"); ok {
		cfg.ListenAddr = v
	}

	if v, ok := os.LookupEnv("REPOPULSE_REQUEST_TIMEOUT"); ok {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("REPOPULSE_REQUEST_TIMEOUT has invalid duration %q: %w", v, err)
		}
		if parsed <= 0 {
			return nil, fmt.Errorf("REPOPULSE_REQUEST_TIMEOUT must be positive, got %s", parsed)
		}
		cfg.RequestTimeout = parsed
	}

	if v, ok := os.LookupEnv("REPOPULSE_RATE_LIMIT"); ok {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil || parsed < 0 {
			return nil, fmt.Errorf("REPOPULSE_RATE_LIMIT must be a non-negative number, got %q", v)
		}
		cfg.RateLimit = parsed
	}

	if v, ok := os.LookupEnv("REPOPULSE_RATE_BURST"); ok {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			return nil, fmt.Errorf("REPOPULSE_RATE_BURST must be a positive integer, got %q", v)
		}
		cfg.RateBurst = parsed
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Backend {
	case BackendSupabase:
		var errs []error
		if c.SupabaseURL == "" {
			errs = append(errs, errors.New("REPOPULSE_SUPABASE_URL is required for the supabase backend"))
		} else if u, err := url.Parse(c.SupabaseURL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Errorf("REPOPULSE_SUPABASE_URL must be an http(s) URL, got %q", c.SupabaseURL))
		}
		if c.SupabaseAnonKey == "" {
			errs = append(errs, errors.New("REPOPULSE_SUPABASE_ANON_KEY is required for the supabase backend"))
		}
		return errors.Join(errs...)
	case BackendPostgres:
		var errs []error
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("REPOPULSE_DATABASE_URL is required for the postgres backend"))
		}
		// Row-level security trusts the session claims, so tokens must be verified.
		if c.JWTSecret == "" {
			errs = append(errs, errors.New("REPOPULSE_JWT_SECRET is required for the postgres backend"))
		}
		return errors.Join(errs...)
	default:
		return fmt.Errorf("REPOPULSE_BACKEND must be %q or %q, got %q", BackendSupabase, BackendPostgres, c.Backend)
	}
}
