package blockstm

import (
	"os"
	"runtime"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	// Concurrency bounds the goroutines materializing resource groups.
	Concurrency int    `toml:"concurrency"`
	LogLevel    string `toml:"log-level"`
	// CacheSize is the number of base state values kept in memory, 0 disables the cache.
	CacheSize int `toml:"cache-size"`
	// DBPath is where committed state lives. Empty means in memory.
	DBPath string `toml:"db-path"`
}

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func DefaultConfig() *Config {
	return &Config{
		Concurrency: runtime.NumCPU(),
		LogLevel:    getLogLevel(),
		CacheSize:   4096,
	}
}

func (c *Config) Validate() error {
	if c.Concurrency <= 0 {
		return errors.Errorf("concurrency must be positive, got %d", c.Concurrency)
	}
	if c.CacheSize < 0 {
		return errors.Errorf("cache size must not be negative, got %d", c.CacheSize)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "log level")
	}
	return nil
}

// LoadConfig overlays the toml file at path onto the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, errors.Wrapf(err, "decode config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func NewLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, errors.Wrap(err, "log level")
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
