// Package config loads the market daemon and trader fleet settings
// from a YAML file, with every field defaulted so an empty path still
// yields a runnable configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend selects the persistence implementation.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config is the top-level document.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DataDir    string `yaml:"data_dir"`
	Backend    string `yaml:"backend"`

	// AdminToken guards the admin endpoints. The CNDQ_ADMIN_TOKEN
	// environment variable overrides the file so the token stays out
	// of checked-in configs.
	AdminToken string `yaml:"admin_token"`

	Session SessionConfig `yaml:"session"`
	Sweep   SweepConfig   `yaml:"sweep"`
	Traders []TraderSpec  `yaml:"traders,omitempty"`
}

type SessionConfig struct {
	TradingSeconds int  `yaml:"trading_seconds"`
	AutoAdvance    bool `yaml:"auto_advance"`
}

type SweepConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
}

// TraderSpec configures one scripted agent.
type TraderSpec struct {
	AgentID          string  `yaml:"agent_id"`
	Policy           string  `yaml:"policy"`
	Seed             int64   `yaml:"seed"`
	Variability      float64 `yaml:"variability"`
	HeartbeatSeconds int     `yaml:"heartbeat_seconds"`
}

func (t TraderSpec) Heartbeat() time.Duration {
	return time.Duration(t.HeartbeatSeconds) * time.Second
}

func (c Config) TradingWindow() time.Duration {
	return time.Duration(c.Session.TradingSeconds) * time.Second
}

func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.Sweep.IntervalSeconds) * time.Second
}

// Load reads path, or returns the defaults when path is empty.
func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("config %s: %w", path, err)
		}
	}
	if tok := os.Getenv("CNDQ_ADMIN_TOKEN"); tok != "" {
		cfg.AdminToken = tok
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		ListenAddr: ":8080",
		DataDir:    "data",
		Backend:    BackendFile,
		Session: SessionConfig{
			TradingSeconds: 300,
			AutoAdvance:    true,
		},
		Sweep: SweepConfig{IntervalSeconds: 2},
	}
}

func (c *Config) normalize() {
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	for i := range c.Traders {
		if c.Traders[i].HeartbeatSeconds <= 0 {
			c.Traders[i].HeartbeatSeconds = 5
		}
		if c.Traders[i].Policy == "" {
			c.Traders[i].Policy = "arbitrage"
		}
	}
}

func (c Config) Validate() error {
	switch c.Backend {
	case BackendFile, BackendSQLite:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.Session.TradingSeconds <= 0 {
		return fmt.Errorf("session.trading_seconds must be positive, got %d", c.Session.TradingSeconds)
	}
	if c.Sweep.IntervalSeconds <= 0 {
		return fmt.Errorf("sweep.interval_seconds must be positive, got %d", c.Sweep.IntervalSeconds)
	}
	seen := map[string]bool{}
	for _, t := range c.Traders {
		if strings.TrimSpace(t.AgentID) == "" {
			return fmt.Errorf("trader with empty agent_id")
		}
		if seen[t.AgentID] {
			return fmt.Errorf("duplicate trader agent_id %q", t.AgentID)
		}
		seen[t.AgentID] = true
		switch t.Policy {
		case "arbitrage", "bottleneck", "recipe_balancing":
		default:
			return fmt.Errorf("trader %s: unknown policy %q", t.AgentID, t.Policy)
		}
		if t.Variability < 0 || t.Variability > 1 {
			return fmt.Errorf("trader %s: variability %v outside [0, 1]", t.AgentID, t.Variability)
		}
	}
	return nil
}
