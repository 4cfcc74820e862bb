// Package config loads the relay's configuration from a TOML file at
// a well-known path, falling back to environment variables (with an
// optional .env file) when no config file is present. The two sources
// are never merged field-by-field: whichever is found wins outright.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config holds every tunable named in the relay's external interface,
// plus the ambient timings the wire/reliability/transport layers need.
type Config struct {
	UDPBindAddress  string   `toml:"udp_bind_address"`
	HTTPBindAddress string   `toml:"http_bind_address"`
	AllowedVersions []string `toml:"allowed_versions"`
	Whitelist       []string `toml:"whitelist"`

	RemoteWhitelistEndpoint string `toml:"remote_whitelist_endpoint"`
	RemoteWhitelistToken    string `toml:"remote_whitelist_token"`

	RelayID string `toml:"relay_id"`

	RegistryURL string `toml:"registry_url"`
	LogLevel    string `toml:"log_level"`

	SessionTimeout    time.Duration `toml:"session_timeout"`
	ResendInterval    time.Duration `toml:"resend_interval"`
	AckTimeout        time.Duration `toml:"ack_timeout"`
	MaxResendAttempts int           `toml:"max_resend_attempts"`
	MetricsRoute      string        `toml:"metrics_route"`
}

// defaults mirrors the original's defaults module: sane values for
// every ambient timing, an empty whitelist (accept any token) and
// empty allowed-version list (accept any version).
func defaults() Config {
	return Config{
		UDPBindAddress:    "0.0.0.0:7777",
		HTTPBindAddress:   "0.0.0.0:8080",
		SessionTimeout:    5 * time.Second,
		ResendInterval:    50 * time.Millisecond,
		AckTimeout:        150 * time.Millisecond,
		MaxResendAttempts: 16,
		MetricsRoute:      "/metrics",
		LogLevel:          "info",
	}
}

// candidatePaths is the well-known search list for the TOML config
// file, checked in order.
var candidatePaths = []string{
	"config.toml",
	"/etc/relay/config.toml",
}

// Load checks each candidate path for a TOML config file; if none
// exists, it loads an optional .env file (if present) and reads
// environment variables instead. The two sources are never combined.
func Load() (Config, error) {
	cfg := defaults()

	for _, path := range candidatePaths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: decoding %s: %w", path, err)
		}
		return cfg, cfg.Validate()
	}

	_ = godotenv.Load() // optional; absence is not an error

	cfg.UDPBindAddress = getenv("RELAY_UDP_BIND_ADDRESS", cfg.UDPBindAddress)
	cfg.HTTPBindAddress = getenv("RELAY_HTTP_BIND_ADDRESS", cfg.HTTPBindAddress)
	cfg.AllowedVersions = getenvList("RELAY_ALLOWED_VERSIONS", cfg.AllowedVersions)
	cfg.Whitelist = getenvList("RELAY_WHITELIST", cfg.Whitelist)
	cfg.RemoteWhitelistEndpoint = getenv("RELAY_REMOTE_WHITELIST_ENDPOINT", cfg.RemoteWhitelistEndpoint)
	cfg.RemoteWhitelistToken = getenv("RELAY_REMOTE_WHITELIST_TOKEN", cfg.RemoteWhitelistToken)
	cfg.RelayID = getenv("RELAY_ID", cfg.RelayID)
	cfg.RegistryURL = getenv("RELAY_REGISTRY_URL", cfg.RegistryURL)
	cfg.MetricsRoute = getenv("RELAY_METRICS_ROUTE", cfg.MetricsRoute)
	cfg.LogLevel = getenv("RELAY_LOG_LEVEL", cfg.LogLevel)

	cfg.SessionTimeout = getenvDuration("RELAY_SESSION_TIMEOUT", cfg.SessionTimeout)
	cfg.ResendInterval = getenvDuration("RELAY_RESEND_INTERVAL", cfg.ResendInterval)
	cfg.AckTimeout = getenvDuration("RELAY_ACK_TIMEOUT", cfg.AckTimeout)
	cfg.MaxResendAttempts = getenvInt("RELAY_MAX_RESEND_ATTEMPTS", cfg.MaxResendAttempts)

	return cfg, cfg.Validate()
}

// Validate rejects a config that would leave the relay unable to
// start or with a nonsensical timing.
func (c Config) Validate() error {
	if c.UDPBindAddress == "" {
		return fmt.Errorf("config: udp_bind_address is required")
	}
	if c.SessionTimeout <= 0 || c.ResendInterval <= 0 || c.AckTimeout <= 0 {
		return fmt.Errorf("config: timings must be positive")
	}
	if c.MaxResendAttempts < 0 {
		return fmt.Errorf("config: max_resend_attempts must not be negative")
	}
	return nil
}

func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getenvList(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
