package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/execution-hub/lockstep/internal/lockstep/clock"
	"github.com/execution-hub/lockstep/internal/lockstep/coordinator"
	"github.com/execution-hub/lockstep/internal/lockstep/protocol"
	"github.com/execution-hub/lockstep/internal/lockstep/rtt"
)

const (
	envPrefix  = "LOCKSTEP_"
	envFileKey = envPrefix + "CONFIG_FILE"
)

// Config holds node configuration.
type Config struct {
	Role         string `yaml:"role" env:"ROLE"`
	Faction      int    `yaml:"faction" env:"FACTION"`
	SessionID    string `yaml:"session_id" env:"SESSION_ID"`
	GameCode     string `yaml:"game_code" env:"GAME_CODE"`
	Capacity     int    `yaml:"capacity" env:"CAPACITY"`
	HTTPAddr     string `yaml:"http_addr" env:"HTTP_ADDR"`
	AuthorityURL string `yaml:"authority_url" env:"AUTHORITY_URL"`
	JournalPath  string `yaml:"journal_path" env:"JOURNAL_PATH"`
	LogLevel     string `yaml:"log_level" env:"LOG_LEVEL"`

	TickInterval time.Duration `yaml:"tick_interval" env:"TICK_INTERVAL"`
	Turn         TurnConfig    `yaml:"turn" envPrefix:"TURN_"`
}

// TurnConfig controls the turn clock and RTT aggregation.
type TurnConfig struct {
	Min         time.Duration `yaml:"min" env:"MIN"`
	Max         time.Duration `yaml:"max" env:"MAX"`
	Initial     time.Duration `yaml:"initial" env:"INITIAL"`
	Fixed       bool          `yaml:"fixed" env:"FIXED"`
	Period      int           `yaml:"period" env:"PERIOD"`
	Offset      time.Duration `yaml:"offset" env:"OFFSET"`
	Aggregation string        `yaml:"aggregation" env:"AGGREGATION"`
	RTTCapacity int           `yaml:"rtt_capacity" env:"RTT_CAPACITY"`
}

func Default() Config {
	return Config{
		Role:         "authority",
		Faction:      0,
		GameCode:     "default",
		Capacity:     8,
		HTTPAddr:     "0.0.0.0:8080",
		AuthorityURL: "http://localhost:8080/v1/lockstep/ws",
		LogLevel:     "info",
		TickInterval: 10 * time.Millisecond,
		Turn: TurnConfig{
			Min:         100 * time.Millisecond,
			Max:         500 * time.Millisecond,
			Fixed:       true,
			Period:      20,
			Offset:      20 * time.Millisecond,
			Aggregation: "max",
			RTTCapacity: 16,
		},
	}
}

// Load reads configuration: defaults, then the YAML file named by LOCKSTEP_CONFIG_FILE,
// then LOCKSTEP_* environment variables.
func Load() (*Config, error) {
	cfg := Default()
	if path := strings.TrimSpace(os.Getenv(envFileKey)); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c Config) Validate() error {
	role, err := coordinator.ParseRole(c.Role)
	if err != nil {
		return err
	}
	if _, err := rtt.ParseMode(c.Turn.Aggregation); err != nil {
		return err
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	if c.TickInterval <= 0 {
		return errors.New("tick interval must be positive")
	}
	if c.Turn.Min <= 0 {
		return errors.New("turn min must be positive")
	}
	if c.Turn.Max < c.Turn.Min {
		return errors.New("turn max must not be below turn min")
	}
	if c.Capacity < 0 {
		return errors.New("capacity must not be negative")
	}
	if role == coordinator.RolePeer {
		if c.Faction < 0 {
			return errors.New("peer requires a faction id")
		}
		if strings.TrimSpace(c.AuthorityURL) == "" {
			return errors.New("peer requires an authority url")
		}
	}
	return nil
}

func (c Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Coordinator converts the node settings into a session configuration.
func (c Config) Coordinator() (coordinator.Config, error) {
	role, err := coordinator.ParseRole(c.Role)
	if err != nil {
		return coordinator.Config{}, err
	}
	mode, err := rtt.ParseMode(c.Turn.Aggregation)
	if err != nil {
		return coordinator.Config{}, err
	}
	return coordinator.Config{
		Role:      role,
		Faction:   protocol.FactionID(c.Faction),
		SessionID: c.SessionID,
		GameCode:  c.GameCode,
		Capacity:  c.Capacity,
		Clock: clock.Config{
			Min:      c.Turn.Min,
			Max:      c.Turn.Max,
			Initial:  c.Turn.Initial,
			Adaptive: !c.Turn.Fixed,
			Period:   c.Turn.Period,
			Offset:   c.Turn.Offset,
		},
		Aggregation: mode,
		RTTCapacity: c.Turn.RTTCapacity,
	}, nil
}
