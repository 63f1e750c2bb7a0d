package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for the bridge process.
// Per-page parameters arrive on the bridge URL instead, see ParseParams.
type Config struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// Static documents. JSON, or YAML when the extension is .yaml/.yml.
	PickerConfigPath   string `env:"PICKER_CONFIG_PATH" envDefault:"file-picker-config.json"`
	AllowedOriginsPath string `env:"ALLOWED_ORIGINS_PATH" envDefault:"allowed-origins.json"`

	// Session storage database. Defaults to ~/.filepicker-bridge/state.db.
	StatePath string `env:"STATE_PATH"`

	// Public link lifetime in days when the page does not pass
	// publicLinkDuration.
	PublicLinkDuration int `env:"PUBLIC_LINK_DURATION" envDefault:"7"`

	// BackendTimeout bounds every WebDAV and OCS request.
	BackendTimeout time.Duration `env:"BACKEND_TIMEOUT" envDefault:"30s"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.StatePath == "" {
		p, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = p
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR must not be empty")
	}

	if c.PublicLinkDuration < 1 {
		return fmt.Errorf("PUBLIC_LINK_DURATION must be at least 1 day, got %d", c.PublicLinkDuration)
	}

	if c.BackendTimeout <= 0 {
		return fmt.Errorf("BACKEND_TIMEOUT must be positive, got %s", c.BackendTimeout)
	}

	if c.PickerConfigPath == "" || c.AllowedOriginsPath == "" {
		return fmt.Errorf("PICKER_CONFIG_PATH and ALLOWED_ORIGINS_PATH must not be empty")
	}

	return nil
}

// DefaultStatePath returns ~/.filepicker-bridge/state.db.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".filepicker-bridge", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
