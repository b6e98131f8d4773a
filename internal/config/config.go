// Package config defines all configuration for the TWAP trading server.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via TWAP_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Coinbase CoinbaseConfig `mapstructure:"coinbase"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds the HTTP listen address.
type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// DatabaseConfig selects the SQL backend. URL is either a postgres:// DSN or
// a sqlite file path.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// AuthConfig holds the HS256 signing secret for bearer tokens and an optional
// admin account seeded at startup.
type AuthConfig struct {
	Secret        string `mapstructure:"secret"`
	AdminUsername string `mapstructure:"admin_username"`
	AdminPassword string `mapstructure:"admin_password"`
}

// CoinbaseConfig holds the Coinbase Cloud API key name and the EC private key
// used to mint the ES256 JWT the level2 WebSocket channel requires.
type CoinbaseConfig struct {
	APIKey     string `mapstructure:"api_key"`
	PrivateKey string `mapstructure:"private_key"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: TWAP_AUTH_SECRET, TWAP_DATABASE_URL,
// TWAP_COINBASE_API_KEY, TWAP_COINBASE_PRIVATE_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TWAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.listen_addr", ":8000")
	v.SetDefault("database.url", "api_database.db")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if s := os.Getenv("TWAP_AUTH_SECRET"); s != "" {
		cfg.Auth.Secret = s
	}
	if u := os.Getenv("TWAP_DATABASE_URL"); u != "" {
		cfg.Database.URL = u
	}
	if k := os.Getenv("TWAP_COINBASE_API_KEY"); k != "" {
		cfg.Coinbase.APIKey = k
	}
	if k := os.Getenv("TWAP_COINBASE_PRIVATE_KEY"); k != "" {
		cfg.Coinbase.PrivateKey = k
	}

	return &cfg, nil
}

// Validate checks all required fields.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.Auth.Secret == "" {
		return fmt.Errorf("auth.secret is required (set TWAP_AUTH_SECRET)")
	}
	return nil
}
