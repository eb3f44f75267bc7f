package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/adgenius/carousel-tv/internal/config"
)

const lockFileName = "tvplayer.lock"

type commandContext struct {
	envFiles *[]string
	logLevel *string

	configOnce sync.Once
	config     *config.PlayerConfig
	configErr  error
}

func newCommandContext(envFiles *[]string, logLevel *string) *commandContext {
	return &commandContext{
		envFiles: envFiles,
		logLevel: logLevel,
	}
}

// ensureConfig loads the player settings once and configures logging from
// them.
func (c *commandContext) ensureConfig() (*config.PlayerConfig, error) {
	c.configOnce.Do(func() {
		var files []string
		if c.envFiles != nil {
			files = *c.envFiles
		}
		cfg, err := config.LoadPlayer(files...)
		if err != nil {
			c.configErr = err
			return
		}
		if c.logLevel != nil && strings.TrimSpace(*c.logLevel) != "" {
			cfg.LogLevel = strings.TrimSpace(*c.logLevel)
		}
		configureLogging(cfg.LogLevel)
		c.config = cfg
	})
	return c.config, c.configErr
}

// lock takes the data directory lock that keeps a single player per
// directory. It fails instead of waiting when another process holds it.
func (c *commandContext) lock(cfg *config.PlayerConfig) (*flock.Flock, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	lock := flock.New(filepath.Join(cfg.DataDir, lockFileName))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("another tvplayer is using %s", cfg.DataDir)
	}
	return lock, nil
}

func configureLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if isatty.IsTerminal(os.Stderr.Fd()) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
