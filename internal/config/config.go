package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

var knownWeakSecrets = []string{
	"change-me", "dev-secret-change-me", "secret", "admin", "password",
}

// Config is the server configuration.
type Config struct {
	Port                 int    `env:"PORT" envDefault:"8080"`
	DatabaseURL          string `env:"DATABASE_URL,required"`
	RedisURL             string `env:"REDIS_URL,required"`
	JWTSecret            string `env:"JWT_SECRET"`
	AMQPURL              string `env:"AMQP_URL"`
	PairingTTLSeconds    int    `env:"PAIRING_TTL_SECONDS" envDefault:"300"`
	PairingMaxAttempts   int    `env:"PAIRING_MAX_ATTEMPTS" envDefault:"3"`
	ClaimRateLimitPerMin int    `env:"CLAIM_RATE_LIMIT_PER_MIN" envDefault:"10"`
	LinkBaseURL          string `env:"LINK_BASE_URL" envDefault:"http://localhost:3000/dashboard/devices/link"`
	LogLevel             string `env:"LOG_LEVEL" envDefault:"info"`
}

func (c *Config) PairingTTL() time.Duration {
	return time.Duration(c.PairingTTLSeconds) * time.Second
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) Validate(isProduction bool) error {
	if err := validatePairing(c.PairingTTLSeconds, c.PairingMaxAttempts); err != nil {
		return err
	}
	if c.ClaimRateLimitPerMin <= 0 {
		return fmt.Errorf("CLAIM_RATE_LIMIT_PER_MIN must be positive")
	}

	if isProduction {
		if err := validateSecret("JWT_SECRET", c.JWTSecret); err != nil {
			return err
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
		if c.AMQPURL == "" {
			log.Warn().Msg("AMQP_URL is empty in production: device events will not be published")
		}
	}

	return nil
}

// PlayerConfig is the configuration of the TV player.
type PlayerConfig struct {
	DatabaseURL          string `env:"DATABASE_URL"`
	RedisURL             string `env:"REDIS_URL"`
	DataDir              string `env:"TV_DATA_DIR" envDefault:"/var/lib/tvplayer"`
	StatusAddr           string `env:"TV_STATUS_ADDR" envDefault:"127.0.0.1:8090"`
	Renderer             string `env:"TV_RENDERER" envDefault:"exec"`
	PlayerCommand        string `env:"TV_PLAYER_COMMAND" envDefault:"mpv"`
	VideoGraceSeconds    int    `env:"TV_VIDEO_GRACE_SECONDS" envDefault:"10"`
	DefaultItemSeconds   int    `env:"TV_DEFAULT_ITEM_SECONDS" envDefault:"10"`
	ErrorBackoffSeconds  int    `env:"TV_ERROR_BACKOFF_SECONDS" envDefault:"5"`
	ProbeIntervalSeconds int    `env:"TV_PROBE_INTERVAL_SECONDS" envDefault:"15"`
	PairingTTLSeconds    int    `env:"PAIRING_TTL_SECONDS" envDefault:"300"`
	PairingMaxAttempts   int    `env:"PAIRING_MAX_ATTEMPTS" envDefault:"3"`
	LinkBaseURL          string `env:"LINK_BASE_URL" envDefault:"http://localhost:3000/dashboard/devices/link"`
	LogLevel             string `env:"LOG_LEVEL" envDefault:"info"`
}

func (c *PlayerConfig) VideoGrace() time.Duration {
	return time.Duration(c.VideoGraceSeconds) * time.Second
}

func (c *PlayerConfig) DefaultItemDuration() time.Duration {
	return time.Duration(c.DefaultItemSeconds) * time.Second
}

func (c *PlayerConfig) ErrorBackoff() time.Duration {
	return time.Duration(c.ErrorBackoffSeconds) * time.Second
}

func (c *PlayerConfig) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalSeconds) * time.Second
}

func (c *PlayerConfig) PairingTTL() time.Duration {
	return time.Duration(c.PairingTTLSeconds) * time.Second
}

// Validate checks the player settings. The document store URLs are only
// required when the player is not running against the in-memory store.
func (c *PlayerConfig) Validate(demo bool) error {
	if !demo {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required")
		}
	}
	if c.DataDir == "" {
		return fmt.Errorf("TV_DATA_DIR is required")
	}
	switch c.Renderer {
	case RendererExec:
		if strings.TrimSpace(c.PlayerCommand) == "" {
			return fmt.Errorf("TV_PLAYER_COMMAND is required for the exec renderer")
		}
	case RendererHeadless:
	default:
		return fmt.Errorf("TV_RENDERER must be %q or %q", RendererExec, RendererHeadless)
	}
	if c.VideoGraceSeconds < 0 || c.DefaultItemSeconds <= 0 || c.ErrorBackoffSeconds <= 0 {
		return fmt.Errorf("TV_DEFAULT_ITEM_SECONDS and TV_ERROR_BACKOFF_SECONDS must be positive, TV_VIDEO_GRACE_SECONDS non-negative")
	}
	if c.ProbeIntervalSeconds <= 0 {
		return fmt.Errorf("TV_PROBE_INTERVAL_SECONDS must be positive")
	}
	return validatePairing(c.PairingTTLSeconds, c.PairingMaxAttempts)
}

func validatePairing(ttlSeconds, maxAttempts int) error {
	if ttlSeconds <= 0 {
		return fmt.Errorf("PAIRING_TTL_SECONDS must be positive")
	}
	if maxAttempts <= 0 {
		return fmt.Errorf("PAIRING_MAX_ATTEMPTS must be positive")
	}
	return nil
}

func validateSecret(name, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("%s must be at least 32 characters in production (generate with: openssl rand -base64 32)", name)
	}
	for _, weak := range knownWeakSecrets {
		if value == weak {
			return fmt.Errorf("%s is a known weak default; set a strong secret in production", name)
		}
	}
	return nil
}

// LoadDotEnv reads the given .env files (or ./.env) into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", file, err)
		}
	}
	return nil
}

func Load() (*Config, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

func LoadPlayer(envFiles ...string) (*PlayerConfig, error) {
	if err := LoadDotEnv(envFiles...); err != nil {
		return nil, err
	}
	var cfg PlayerConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse player config: %w", err)
	}
	return &cfg, nil
}
