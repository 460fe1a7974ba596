// Package config loads engine configuration from a config file and the
// environment, with environment variables taking precedence over the file
// and the file over the defaults.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the full engine configuration. Keys are flat; each has an
// environment alias, e.g. database_host is overridden by BPMN_DB_HOST.
type Config struct {
	DatabaseHost     string `mapstructure:"database_host"`
	DatabasePort     int    `mapstructure:"database_port"`
	DatabaseName     string `mapstructure:"database_name"`
	DatabaseUser     string `mapstructure:"database_user"`
	DatabasePassword string `mapstructure:"database_password"`
	DatabaseSSLMode  string `mapstructure:"database_sslmode"`

	ServerHost string `mapstructure:"server_host"`
	ServerPort int    `mapstructure:"server_port"`

	// APIKey guards the REST endpoints when set. An empty key disables
	// authentication.
	APIKey string `mapstructure:"api_key"`

	// RateLimit is the allowed requests per second per client. Zero
	// disables rate limiting.
	RateLimit float64 `mapstructure:"rate_limit"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// DelegateTimeout bounds a single service-task delegate invocation.
	DelegateTimeout time.Duration `mapstructure:"delegate_timeout"`
}

// envBindings maps config keys to their environment aliases.
var envBindings = map[string]string{
	"database_host":     "BPMN_DB_HOST",
	"database_port":     "BPMN_DB_PORT",
	"database_name":     "BPMN_DB_NAME",
	"database_user":     "BPMN_DB_USER",
	"database_password": "BPMN_DB_PASS",
	"database_sslmode":  "BPMN_DB_SSLMODE",
	"server_host":       "BPMN_HOST",
	"server_port":       "BPMN_PORT",
	"api_key":           "BPMN_API_KEY",
	"rate_limit":        "BPMN_RATE_LIMIT",
	"shutdown_timeout":  "BPMN_SHUTDOWN_TIMEOUT",
	"delegate_timeout":  "BPMN_DELEGATE_TIMEOUT",
}

// ConnString renders the pgx connection string.
func (c *Config) ConnString() string {
	return fmt.Sprintf("postgresql://%s:%s@%s:%d/%s?sslmode=%s",
		c.DatabaseUser, c.DatabasePassword, c.DatabaseHost, c.DatabasePort,
		c.DatabaseName, c.DatabaseSSLMode)
}

// Addr renders the listen address of the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.ServerHost, c.ServerPort)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database_host", "localhost")
	v.SetDefault("database_port", 5432)
	v.SetDefault("database_name", "bpmn_engine")
	v.SetDefault("database_user", "postgres")
	v.SetDefault("database_password", "password")
	v.SetDefault("database_sslmode", "disable")

	v.SetDefault("server_host", "0.0.0.0")
	v.SetDefault("server_port", 8080)
	v.SetDefault("api_key", "")
	v.SetDefault("rate_limit", 20)
	v.SetDefault("shutdown_timeout", 10*time.Second)
	v.SetDefault("delegate_timeout", 30*time.Second)
}

// Load reads the configuration. configFile may be empty, in which case the
// default search paths are consulted; a missing config file is not an error,
// a malformed one is.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/bpmn")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}
