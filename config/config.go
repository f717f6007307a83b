/*
config.go - Server configuration

PURPOSE:
  Loads the YAML configuration file and fills in defaults for everything
  the file leaves out. Command-line flags in cmd/server override the
  loaded values.

EXAMPLE (config.yaml):
  server:
    port: "8080"
    read_timeout: 15s
    write_timeout: 15s
  database:
    path: ./data/bookstore.db
  cors:
    allowed_origins: ["http://localhost:3000"]
  rate_limit:
    requests_per_second: 20
    burst: 40
  auditor:
    enabled: true
    interval: 1h
  bookclub:
    rental_points_per_copy: 20

SEE ALSO:
  - cmd/server/main.go: flag overrides
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Port         string        `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// RateLimitConfig limits mutating requests. RequestsPerSecond <= 0 disables it.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type AuditorConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

type BookClubConfig struct {
	RentalPointsPerCopy int `yaml:"rental_points_per_copy"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	CORS      CORSConfig      `yaml:"cors"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Auditor   AuditorConfig   `yaml:"auditor"`
	BookClub  BookClubConfig  `yaml:"bookclub"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:         "8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{Path: "./data/bookstore.db"},
		CORS: CORSConfig{
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		RateLimit: RateLimitConfig{RequestsPerSecond: 20, Burst: 40},
		Auditor:   AuditorConfig{Enabled: true, Interval: time.Hour},
		BookClub:  BookClubConfig{RentalPointsPerCopy: 20},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	buf, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.RateLimit.RequestsPerSecond > 0 && c.RateLimit.Burst <= 0 {
		errs = append(errs, errors.New("rate_limit.burst must be positive when rate limiting is on"))
	}
	if c.Auditor.Enabled && c.Auditor.Interval <= 0 {
		errs = append(errs, errors.New("auditor.interval must be positive when the auditor is enabled"))
	}
	if c.BookClub.RentalPointsPerCopy <= 0 {
		errs = append(errs, errors.New("bookclub.rental_points_per_copy must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
