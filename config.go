package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config is the root CLI configuration.
type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Circulation CirculationConfig `yaml:"circulation"`
	Admin       AdminConfig       `yaml:"admin"`
	Log         LogConfig         `yaml:"log"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	Path string `yaml:"path" env:"LIBRARY_DB_PATH" env-default:"library.db"`
}

// CirculationConfig holds the lending windows.
type CirculationConfig struct {
	LoanPeriod    time.Duration `yaml:"loan_period"    env:"LIBRARY_LOAN_PERIOD"    env-default:"360h"`
	PenaltyWindow time.Duration `yaml:"penalty_window" env:"LIBRARY_PENALTY_WINDOW" env-default:"168h"`
}

// AdminConfig gates the administrative commands. The password is hashed
// at startup and compared with bcrypt on every gated command.
type AdminConfig struct {
	Password string `yaml:"password" env:"LIBRARY_ADMIN_PASSWORD" env-default:"admin123"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"  env:"LOG_LEVEL"  env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"text"`
}

// loadConfig reads configuration from a YAML file and environment
// variables. Priority: ENV > YAML > defaults. The YAML file path comes
// from CONFIG_PATH (fallback "./config.yaml"); a missing fallback file
// is not an error.
func loadConfig() (*Config, error) {
	var cfg Config

	path := os.Getenv("CONFIG_PATH")
	explicitPath := path != ""
	if !explicitPath {
		path = "./config.yaml"
	}

	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else if explicitPath {
		return nil, fmt.Errorf("config: file %s: %w", path, err)
	} else {
		// No file, load from ENV + defaults only.
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("config: read env: %w", err)
		}
	}

	return &cfg, nil
}

// newLogger builds a *slog.Logger from LogConfig and installs it as the
// default. Format "json" is structured output; anything else is the
// human-readable text handler. Output is always os.Stderr.
func newLogger(cfg LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
