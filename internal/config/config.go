package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/agentsentry/internal/logger"
	"github.com/loykin/agentsentry/internal/probe"
)

// Config is the resolved service configuration. Environment variables take
// precedence over the optional TOML file, matching how the orchestrator
// injects settings: a platform health-checker deploys this service with
// plain env vars and no file at all.
type Config struct {
	ServiceName string           `mapstructure:"service_name"`
	Port        int              `mapstructure:"port"`
	BasePath    string           `mapstructure:"base_path"`
	RequiredEnv []string         `mapstructure:"required_env"`
	DatabaseURL string           `mapstructure:"database_url"`
	HistoryDSN  string           `mapstructure:"history_dsn"`
	Supervisor  SupervisorConfig `mapstructure:"supervisor"`
	Log         logger.Config    `mapstructure:"log"`
}

// SupervisorConfig overrides the retry/backoff policy. Zero values keep the
// supervisor defaults.
type SupervisorConfig struct {
	MaxRetries         int           `mapstructure:"max_retries"`
	RetryDelay         time.Duration `mapstructure:"retry_delay"`
	BackoffFactor      float64       `mapstructure:"backoff_factor"`
	MaxRetryDelay      time.Duration `mapstructure:"max_retry_delay"`
	StalenessThreshold time.Duration `mapstructure:"staleness_threshold"`
	StopWait           time.Duration `mapstructure:"stop_wait"`
	JoinWait           time.Duration `mapstructure:"join_wait"`
	DependencyTimeout  time.Duration `mapstructure:"dependency_timeout"`
}

// Load resolves configuration from the optional TOML file at path, then
// applies environment overrides. An empty path skips the file entirely.
func Load(path string) (*Config, error) {
	cfg := &Config{
		ServiceName: "agentsentry",
		Port:        8080,
	}

	if path != "" {
		v := viper.New()
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if len(cfg.RequiredEnv) == 0 {
		cfg.RequiredEnv = probe.DefaultRequiredKeys
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if p := os.Getenv("PORT"); p != "" {
		if n, err := strconv.Atoi(p); err == nil && n > 0 {
			cfg.Port = n
		}
	}
	if dsn := os.Getenv("HISTORY_DSN"); dsn != "" {
		cfg.HistoryDSN = dsn
	}
	if f := os.Getenv("LOG_FILE"); f != "" {
		cfg.Log.File = f
	}
}

// ListenAddr is the HTTP bind address derived from Port.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}
