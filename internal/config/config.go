package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"

	"github.com/lazypower/questlog/internal/errs"
	"github.com/lazypower/questlog/internal/level"
	"github.com/lazypower/questlog/internal/syncq"
)

// EnvPrefix prefixes every environment override, e.g. QUESTLOG_SERVER_PORT.
const EnvPrefix = "QUESTLOG_"

// Config holds all questlog configuration.
type Config struct {
	Server    ServerConfig    `toml:"server" envPrefix:"SERVER_"`
	Database  DatabaseConfig  `toml:"database" envPrefix:"DATABASE_"`
	Log       LogConfig       `toml:"log" envPrefix:"LOG_"`
	Remote    RemoteConfig    `toml:"remote" envPrefix:"REMOTE_"`
	Sync      syncq.Config    `toml:"sync" envPrefix:"SYNC_"`
	Cache     CacheConfig     `toml:"cache" envPrefix:"CACHE_"`
	Level     level.Curve     `toml:"level" envPrefix:"LEVEL_"`
	LLM       LLMConfig       `toml:"llm" envPrefix:"LLM_"`
	Telemetry TelemetryConfig `toml:"telemetry" envPrefix:"TELEMETRY_"`
}

type ServerConfig struct {
	Bind string `toml:"bind" env:"BIND"`
	Port int    `toml:"port" env:"PORT"`
}

type DatabaseConfig struct {
	Path string `toml:"path" env:"PATH"`
}

type LogConfig struct {
	Level  string `toml:"level" env:"LEVEL"`   // debug, info, warn, error
	Format string `toml:"format" env:"FORMAT"` // json, console
}

type RemoteConfig struct {
	URL           string        `toml:"url" env:"URL"` // "memory" runs against an in-process store
	Token         string        `toml:"token" env:"TOKEN"`
	Timeout       time.Duration `toml:"timeout" env:"TIMEOUT"`
	RatePerSecond float64       `toml:"rate_per_second" env:"RATE_PER_SECOND"`
	Burst         int           `toml:"burst" env:"BURST"`
	ProbeInterval time.Duration `toml:"probe_interval" env:"PROBE_INTERVAL"`
}

type CacheConfig struct {
	TTL time.Duration `toml:"ttl" env:"TTL"`
}

type LLMConfig struct {
	Provider     string `toml:"provider" env:"PROVIDER"` // "anthropic", "ollama", "mock"
	Model        string `toml:"model" env:"MODEL"`
	OllamaURL    string `toml:"ollama_url" env:"OLLAMA_URL"`
	OllamaModel  string `toml:"ollama_model" env:"OLLAMA_MODEL"`
	AnthropicKey string `toml:"anthropic_key" env:"ANTHROPIC_KEY"`
}

type TelemetryConfig struct {
	Endpoint    string  `toml:"endpoint" env:"ENDPOINT"` // OTLP/HTTP host:port; empty disables tracing
	Insecure    bool    `toml:"insecure" env:"INSECURE"`
	SampleRatio float64 `toml:"sample_ratio" env:"SAMPLE_RATIO"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37778,
		},
		Database: DatabaseConfig{
			Path: "", // resolved at runtime via store.DefaultDBPath()
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Remote: RemoteConfig{
			URL:           "http://127.0.0.1:37779",
			Timeout:       30 * time.Second,
			RatePerSecond: 20,
			Burst:         10,
			ProbeInterval: 30 * time.Second,
		},
		Sync: syncq.DefaultConfig(),
		Cache: CacheConfig{
			TTL: 5 * time.Minute,
		},
		Level: level.Default(),
		LLM: LLMConfig{
			Provider: "anthropic",
			Model:    "claude-haiku-4-5-20251001",
		},
		Telemetry: TelemetryConfig{
			SampleRatio: 1,
		},
	}
}

// DefaultPath returns ~/.questlog/config.toml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	return filepath.Join(home, ".questlog", "config.toml"), nil
}

// Load reads defaults, then the TOML file at path if it exists, then
// QUESTLOG_* environment overrides, and validates the result. An empty path
// means DefaultPath.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return cfg, err
		}
		path = p
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	if cfg.LLM.AnthropicKey == "" {
		cfg.LLM.AnthropicKey = os.Getenv("ANTHROPIC_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks ranges and enumerations.
func (c Config) Validate() error {
	const op = "config"
	var problems []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, errs.Validation(op, "server.port %d out of range", c.Server.Port))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, errs.Validation(op, "log.level %q unknown", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		problems = append(problems, errs.Validation(op, "log.format %q unknown", c.Log.Format))
	}
	if c.Remote.URL == "" {
		problems = append(problems, errs.Validation(op, "remote.url is required"))
	}
	if c.Remote.Timeout <= 0 {
		problems = append(problems, errs.Validation(op, "remote.timeout must be positive"))
	}
	if c.Remote.RatePerSecond < 0 || c.Remote.Burst < 0 {
		problems = append(problems, errs.Validation(op, "remote rate limits must be >= 0"))
	}
	if c.Cache.TTL <= 0 {
		problems = append(problems, errs.Validation(op, "cache.ttl must be positive"))
	}
	if err := c.Sync.Validate(); err != nil {
		problems = append(problems, err)
	}
	if err := c.Level.Validate(); err != nil {
		problems = append(problems, err)
	}
	switch c.LLM.Provider {
	case "anthropic", "ollama", "mock":
	default:
		problems = append(problems, errs.Validation(op, "llm.provider %q unknown", c.LLM.Provider))
	}
	if r := c.Telemetry.SampleRatio; r < 0 || r > 1 {
		problems = append(problems, errs.Validation(op, "telemetry.sample_ratio %v outside [0,1]", r))
	}
	return errors.Join(problems...)
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}
