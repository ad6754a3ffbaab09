// Package config loads server configuration. Priority: environment
// variables, then an optional .env file, then an optional bus config file
// (bus.{toml,yaml,json}), then built-in defaults. The config file is the
// home of the discord webhook setting (key: discord.discord_webhook).
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Config holds all runtime configuration for the bus server.
type Config struct {
	// Listener
	BindHost string `env:"BUS_HOST" envDefault:"10.244.244.99"`
	Port     int    `env:"BUS_PORT" envDefault:"8082"`

	// Per-connection I/O
	ReadChunkSize int           `env:"BUS_READ_CHUNK" envDefault:"32768"`
	IdleTimeout   time.Duration `env:"BUS_IDLE_TIMEOUT" envDefault:"60s"`
	WriteTimeout  time.Duration `env:"BUS_WRITE_TIMEOUT" envDefault:"5s"`

	// Operability
	HousekeepingInterval time.Duration `env:"BUS_HOUSEKEEPING_INTERVAL" envDefault:"30s"`
	InjectTimeout        time.Duration `env:"BUS_INJECT_TIMEOUT" envDefault:"2s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Outbound webhook. Usually set via the bus config file under
	// discord.discord_webhook; the env var wins when both are present.
	// Empty disables the divert.
	DiscordWebhook string `env:"DISCORD_WEBHOOK"`
}

// Load reads configuration from the environment, an optional .env file and
// an optional bus config file.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("loaded .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.DiscordWebhook == "" {
		cfg.DiscordWebhook = webhookFromFile(logger)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// webhookFromFile reads discord.discord_webhook from the optional bus config
// file. A missing file is not an error; the divert is simply disabled.
func webhookFromFile(logger *zerolog.Logger) string {
	v := viper.New()
	v.SetConfigName("bus")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	if err := v.ReadInConfig(); err != nil {
		return ""
	}
	url := v.GetString("discord.discord_webhook")
	if url != "" && logger != nil {
		logger.Info().Str("file", v.ConfigFileUsed()).Msg("discord webhook configured")
	}
	return url
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.BindHost == "" {
		return fmt.Errorf("BUS_HOST must not be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("BUS_PORT must be 1-65535, got %d", c.Port)
	}
	if c.Port+1000 > 65535 {
		return fmt.Errorf("BUS_PORT %d leaves no room for the admin port (%d)", c.Port, c.Port+1000)
	}
	if c.ReadChunkSize < 1 {
		return fmt.Errorf("BUS_READ_CHUNK must be > 0, got %d", c.ReadChunkSize)
	}
	if c.IdleTimeout < time.Second {
		return fmt.Errorf("BUS_IDLE_TIMEOUT must be >= 1s, got %s", c.IdleTimeout)
	}
	if c.InjectTimeout <= 0 {
		return fmt.Errorf("BUS_INJECT_TIMEOUT must be > 0, got %s", c.InjectTimeout)
	}
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// Addr returns the bus listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.BindHost, c.Port)
}

// AdminAddr returns the admin HTTP listen address (bus port + 1000).
func (c *Config) AdminAddr() string {
	return fmt.Sprintf("%s:%d", c.BindHost, c.Port+1000)
}

// LogConfig logs the effective configuration at startup.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr()).
		Str("admin_addr", c.AdminAddr()).
		Int("read_chunk", c.ReadChunkSize).
		Dur("idle_timeout", c.IdleTimeout).
		Dur("write_timeout", c.WriteTimeout).
		Dur("housekeeping_interval", c.HousekeepingInterval).
		Dur("inject_timeout", c.InjectTimeout).
		Bool("discord_webhook", c.DiscordWebhook != "").
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
