// Package config loads the waterledgerd configuration from YAML with
// environment variable overrides.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for waterledgerd.
type Config struct {
	Server  Server  `yaml:"server"`
	Storage Storage `yaml:"storage"`
	Logging Logging `yaml:"logging"`
	Scheme  Scheme  `yaml:"scheme"`
}

// Server holds network listener configuration.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the host:port listen address.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Storage holds paths for data persistence. Empty paths disable the
// corresponding store.
type Storage struct {
	JournalPath string `yaml:"journal_path"`
	HistoryPath string `yaml:"history_path"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Scheme describes the water scheme the exchange runs: its zones and the
// opening allocations and funds deposits applied at startup.
type Scheme struct {
	Name        string       `yaml:"name"`
	Zones       []ZoneConfig `yaml:"zones"`
	Allocations []Allocation `yaml:"allocations"`
	Deposits    []Deposit    `yaml:"deposits"`
}

// ZoneConfig declares one zone and its transfer limits.
type ZoneConfig struct {
	Identifier string `yaml:"identifier"`
	Min        uint64 `yaml:"min"`
	Max        uint64 `yaml:"max"`
}

// Allocation grants an opening entitlement balance.
type Allocation struct {
	Zone    string `yaml:"zone"`
	Account string `yaml:"account"`
	Amount  uint64 `yaml:"amount"`
}

// Deposit seeds an account's funds balance for the pricing leg.
type Deposit struct {
	Account string `yaml:"account"`
	Amount  string `yaml:"amount"` // decimal string
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server:  Server{Host: "0.0.0.0", Port: 8080},
		Storage: Storage{JournalPath: "data/journal", HistoryPath: "data/history.db"},
		Logging: Logging{Level: "info", Format: "json"},
		Scheme:  Scheme{Name: "default"},
	}
}

// Load reads the YAML file at path, parses it over the defaults, and applies
// environment variable overrides. An empty path loads defaults and overrides
// only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WL_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("WL_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("WL_JOURNAL_PATH"); v != "" {
		cfg.Storage.JournalPath = v
	}
	if v := os.Getenv("WL_HISTORY_PATH"); v != "" {
		cfg.Storage.HistoryPath = v
	}
	if v := os.Getenv("WL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("WL_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("WL_SCHEME"); v != "" {
		cfg.Scheme.Name = v
	}
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Scheme.Name == "" {
		return fmt.Errorf("scheme name must not be empty")
	}
	seen := make(map[string]struct{}, len(c.Scheme.Zones))
	for _, z := range c.Scheme.Zones {
		if z.Identifier == "" {
			return fmt.Errorf("zone identifier must not be empty")
		}
		if z.Min > z.Max {
			return fmt.Errorf("zone %s: min %d exceeds max %d", z.Identifier, z.Min, z.Max)
		}
		if _, dup := seen[z.Identifier]; dup {
			return fmt.Errorf("zone %s declared twice", z.Identifier)
		}
		seen[z.Identifier] = struct{}{}
	}
	for _, a := range c.Scheme.Allocations {
		if _, ok := seen[a.Zone]; !ok {
			return fmt.Errorf("allocation references unknown zone %s", a.Zone)
		}
	}
	return nil
}
