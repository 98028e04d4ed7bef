package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config holds all indexer configuration.
// Fields are populated from a TOML file and then overridden by VIALYTICS_*
// environment variables. Validate must be called before use.
type Config struct {
	LogLevel    string `toml:"log_level"`
	MetricsAddr string `toml:"metrics_addr"`

	RPC      RPCConfig      `toml:"rpc"`
	Database DatabaseConfig `toml:"database"`
	Account  AccountConfig  `toml:"account"`
	Backfill BackfillConfig `toml:"backfill"`
	Live     LiveConfig     `toml:"live"`
	NATS     NATSConfig     `toml:"nats"`
}

// RPCConfig holds the Solana node endpoints and client limits.
type RPCConfig struct {
	URL               string   `toml:"url"`
	WSURL             string   `toml:"ws_url"`
	Timeout           Duration `toml:"timeout"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	Burst             int      `toml:"burst"`
	MaxAttempts       int      `toml:"max_attempts"`
}

// DatabaseConfig holds the Postgres connection parameters.
type DatabaseConfig struct {
	URL      string `toml:"url"`
	MaxConns int    `toml:"max_conns"`
}

// AccountConfig names the single account being indexed.
type AccountConfig struct {
	Address string `toml:"address"`
}

// BackfillConfig controls the historical walk.
type BackfillConfig struct {
	Enabled  bool `toml:"enabled"`
	PageSize int  `toml:"page_size"`
}

// LiveConfig controls the live ingestion worker pool.
type LiveConfig struct {
	Workers        int `toml:"workers"`
	QueueSize      int `toml:"queue_size"`
	DedupCacheSize int `toml:"dedup_cache_size"`
}

// NATSConfig controls movement event publishing. An empty URL disables it.
type NATSConfig struct {
	URL string `toml:"url"`
}

// Duration wraps time.Duration so it can be written as "30s" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

// Defaults returns a Config populated with the built-in defaults.
func Defaults() Config {
	return Config{
		LogLevel:    "info",
		MetricsAddr: ":9091",
		RPC: RPCConfig{
			Timeout:           Duration{30 * time.Second},
			RequestsPerSecond: 5,
			Burst:             1,
			MaxAttempts:       3,
		},
		Database: DatabaseConfig{
			MaxConns: 5,
		},
		Backfill: BackfillConfig{
			Enabled:  true,
			PageSize: 100,
		},
		Live: LiveConfig{
			Workers:        4,
			QueueSize:      256,
			DedupCacheSize: 4096,
		},
	}
}

// Load reads the TOML file at path (skipped when path is empty), merges it on
// top of the defaults, loads a .env file if present and applies VIALYTICS_*
// overrides. The returned Config has NOT been validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}

	if cfg.RPC.WSURL == "" && cfg.RPC.URL != "" {
		cfg.RPC.WSURL = DeriveWebsocketURL(cfg.RPC.URL)
	}

	return &cfg, nil
}

// Validate checks if the configuration is valid.
// All problems are collected and reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.RPC.URL == "" {
		errs = append(errs, fmt.Errorf("rpc.url is required"))
	}

	if c.Database.URL == "" {
		errs = append(errs, fmt.Errorf("database.url is required"))
	}

	if c.Account.Address == "" {
		errs = append(errs, fmt.Errorf("account.address is required"))
	}

	if c.Database.MaxConns < 1 {
		errs = append(errs, fmt.Errorf("database.max_conns must be at least 1"))
	}

	if c.RPC.Timeout.Duration <= 0 {
		errs = append(errs, fmt.Errorf("rpc.timeout must be positive"))
	}

	if c.RPC.RequestsPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("rpc.requests_per_second must be positive"))
	}

	if c.RPC.Burst < 1 {
		errs = append(errs, fmt.Errorf("rpc.burst must be at least 1"))
	}

	if c.RPC.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("rpc.max_attempts must be at least 1"))
	}

	if c.Backfill.PageSize < 1 || c.Backfill.PageSize > 1000 {
		errs = append(errs, fmt.Errorf("backfill.page_size must be between 1 and 1000"))
	}

	if c.Live.Workers < 1 {
		errs = append(errs, fmt.Errorf("live.workers must be at least 1"))
	}

	if c.Live.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("live.queue_size must be at least 1"))
	}

	if c.Live.DedupCacheSize < 1 {
		errs = append(errs, fmt.Errorf("live.dedup_cache_size must be at least 1"))
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level must be one of debug, info, warn, error (got %q)", c.LogLevel))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// DeriveWebsocketURL maps an HTTP(S) RPC endpoint onto its websocket twin,
// keeping host, path and query (API keys usually live in the query string).
// A Solana validator serves websockets one port above its RPC port, so an
// explicit port other than 80 or 443 is bumped by one.
func DeriveWebsocketURL(rpcURL string) string {
	parsed, err := url.Parse(rpcURL)
	if err != nil {
		return ""
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	case "http":
		parsed.Scheme = "ws"
	}
	if p := parsed.Port(); p != "" && p != "80" && p != "443" {
		port, err := strconv.Atoi(p)
		if err != nil || port >= 65535 {
			return ""
		}
		parsed.Host = net.JoinHostPort(parsed.Hostname(), strconv.Itoa(port+1))
	}
	return parsed.String()
}

// applyEnvOverrides reads well-known VIALYTICS_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
func applyEnvOverrides(cfg *Config) error {
	var errs []error

	setStr(&cfg.LogLevel, "VIALYTICS_LOG_LEVEL")
	setStr(&cfg.MetricsAddr, "VIALYTICS_METRICS_ADDR")

	setStr(&cfg.RPC.URL, "VIALYTICS_RPC_URL")
	setStr(&cfg.RPC.WSURL, "VIALYTICS_RPC_WS_URL")
	errs = appendErr(errs, setDuration(&cfg.RPC.Timeout, "VIALYTICS_RPC_TIMEOUT"))
	errs = appendErr(errs, setFloat(&cfg.RPC.RequestsPerSecond, "VIALYTICS_RPC_REQUESTS_PER_SECOND"))
	errs = appendErr(errs, setInt(&cfg.RPC.Burst, "VIALYTICS_RPC_BURST"))
	errs = appendErr(errs, setInt(&cfg.RPC.MaxAttempts, "VIALYTICS_RPC_MAX_ATTEMPTS"))

	setStr(&cfg.Database.URL, "VIALYTICS_DATABASE_URL")
	errs = appendErr(errs, setInt(&cfg.Database.MaxConns, "VIALYTICS_DATABASE_MAX_CONNS"))

	setStr(&cfg.Account.Address, "VIALYTICS_ACCOUNT_ADDRESS")

	errs = appendErr(errs, setInt(&cfg.Backfill.PageSize, "VIALYTICS_BACKFILL_PAGE_SIZE"))
	errs = appendErr(errs, setBool(&cfg.Backfill.Enabled, "VIALYTICS_BACKFILL_ENABLED"))

	errs = appendErr(errs, setInt(&cfg.Live.Workers, "VIALYTICS_LIVE_WORKERS"))
	errs = appendErr(errs, setInt(&cfg.Live.QueueSize, "VIALYTICS_LIVE_QUEUE_SIZE"))
	errs = appendErr(errs, setInt(&cfg.Live.DedupCacheSize, "VIALYTICS_LIVE_DEDUP_CACHE_SIZE"))

	setStr(&cfg.NATS.URL, "VIALYTICS_NATS_URL")

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment overrides: %v", errs)
	}
	return nil
}

func appendErr(errs []error, err error) []error {
	if err != nil {
		return append(errs, err)
	}
	return errs
}

func setStr(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: invalid integer %q: %w", key, v, err)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: invalid number %q: %w", key, v, err)
	}
	*dst = f
	return nil
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: invalid boolean %q: %w", key, v, err)
	}
	*dst = b
	return nil
}

func setDuration(dst *Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", key, v, err)
	}
	dst.Duration = d
	return nil
}
