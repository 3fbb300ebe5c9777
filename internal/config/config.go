// Package config loads the bootstrap configuration: the paths and addresses
// needed before the index database is open. Everything user-tunable at
// runtime (account, filters, model choice) lives in the settings table
// instead.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the bootstrap configuration values.
type Config struct {
	// DataRoot is the directory holding the index database, the message
	// archive, downloaded models and the llama.cpp binary.
	DataRoot string `mapstructure:"data_root"`

	// ListenAddr is the dashboard/API bind address.
	ListenAddr string `mapstructure:"listen_addr"`

	LogFile  string `mapstructure:"log_file"`
	LogLevel string `mapstructure:"log_level"`
}

// IndexPath is where the sqlite index lives under the data root.
func (c Config) IndexPath() string {
	return IndexPath(c.DataRoot)
}

// IndexPath returns the index database path for a data root. Workers receive
// only the data root on their command line and derive the rest.
func IndexPath(dataRoot string) string {
	return filepath.Join(dataRoot, "data", "index.db")
}

// Load reads configuration from an optional config file and the
// environment. Environment variables use the MAILARCH_ prefix
// (MAILARCH_DATA_ROOT, MAILARCH_LISTEN_ADDR, ...).
func Load(configPath string) (Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(defaultConfigDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("MAILARCH")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("data_root", defaultDataRoot())
	v.SetDefault("listen_addr", "127.0.0.1:8765")
	v.SetDefault("log_file", "")
	v.SetDefault("log_level", "INFO")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.LogFile == "" {
		cfg.LogFile = filepath.Join(cfg.DataRoot, "logs", "mailarch.log")
	}

	return cfg, nil
}

// ParsedLogLevel converts the configured level name to a slog level.
func (c Config) ParsedLogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func defaultDataRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mailarch"
	}
	return filepath.Join(home, ".mailarch")
}

func defaultConfigDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return filepath.Join(dir, "mailarch")
}
