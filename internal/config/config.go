// Package config loads the sectorcount YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Journal backends.
const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// TokenEnv overrides gateway.token so the secret can stay out of the file.
const TokenEnv = "SECTORCOUNT_GATEWAY_TOKEN"

// Config is the complete configuration.
type Config struct {
	Gateway  GatewayConfig `yaml:"gateway"`
	Journal  JournalConfig `yaml:"journal"`
	Recount  RecountConfig `yaml:"recount"`
	Serve    ServeConfig   `yaml:"serve"`
	Operator string        `yaml:"operator" validate:"max=128"`
	Slot     int           `yaml:"slot" validate:"omitempty,oneof=1 2"`
}

// GatewayConfig addresses the SyncGateway.
type GatewayConfig struct {
	BaseURL       string        `yaml:"base_url" validate:"required,url"`
	Timeout       time.Duration `yaml:"timeout" validate:"gte=0"`
	RatePerSecond float64       `yaml:"rate_per_second" validate:"gte=0"`
	Burst         int           `yaml:"burst" validate:"gte=0"`
	Token         string        `yaml:"token"`
}

// JournalConfig selects the local journal backend.
type JournalConfig struct {
	Backend   string        `yaml:"backend" validate:"oneof=sqlite badger redis memory"`
	Path      string        `yaml:"path" validate:"required_if=Backend sqlite,required_if=Backend badger"`
	RedisAddr string        `yaml:"redis_addr" validate:"required_if=Backend redis"`
	Retention time.Duration `yaml:"retention" validate:"gt=0"`
}

// RecountConfig bounds the recount loop.
type RecountConfig struct {
	MaxRounds int `yaml:"max_rounds" validate:"gte=1,lte=20"`
}

// ServeConfig configures the reference gateway server.
type ServeConfig struct {
	Addr string `yaml:"addr" validate:"required,hostname_port"`
	Seed string `yaml:"seed"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Gateway: GatewayConfig{
			BaseURL:       "http://127.0.0.1:8080",
			Timeout:       10 * time.Second,
			RatePerSecond: 20,
			Burst:         5,
		},
		Journal: JournalConfig{
			Backend:   BackendSQLite,
			Path:      DefaultJournalPath(),
			Retention: 24 * time.Hour,
		},
		Recount: RecountConfig{MaxRounds: 3},
		Serve:   ServeConfig{Addr: "127.0.0.1:8080"},
	}
}

// DefaultJournalPath is the sqlite journal in the user cache directory.
func DefaultJournalPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "sectorcount", "journal.db")
}

// Load reads path over the defaults. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if token := os.Getenv(TokenEnv); token != "" {
		cfg.Gateway.Token = token
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

var validate = validator.New()

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Marshal renders c as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
