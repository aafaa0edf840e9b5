package app

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"

	"entitysync/internal/engine"
)

// duration lets TOML carry durations as strings ("30s", "1m").
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Config is the file/environment configuration surface. Environment
// variables override file values, which override defaults.
type Config struct {
	ListenAddr string `toml:"listen_addr" env:"SYNCD_LISTEN_ADDR"`
	// AuthSecret enables the HS256 bearer-token gate on /ws when non-empty.
	AuthSecret string        `toml:"auth_secret" env:"SYNCD_AUTH_SECRET"`
	Logging    LoggingConfig `toml:"logging"`
	Engine     EngineConfig  `toml:"engine"`
}

type LoggingConfig struct {
	Sinks    []string `toml:"sinks" env:"SYNCD_LOG_SINKS"`
	JSONPath string   `toml:"json_path" env:"SYNCD_LOG_JSON_PATH"`
	Color    bool     `toml:"color" env:"SYNCD_LOG_COLOR"`
}

type EngineConfig struct {
	MaxUpdateRateHz       float64  `toml:"max_update_rate_hz" env:"SYNCD_MAX_UPDATE_RATE_HZ"`
	EnableConflation      bool     `toml:"enable_conflation" env:"SYNCD_ENABLE_CONFLATION"`
	ControlTimeout        duration `toml:"control_timeout" env:"SYNCD_CONTROL_TIMEOUT"`
	PropagateControl      bool     `toml:"propagate_control" env:"SYNCD_PROPAGATE_CONTROL"`
	RequestTimeout        duration `toml:"request_timeout" env:"SYNCD_REQUEST_TIMEOUT"`
	HeartbeatDeadline     duration `toml:"heartbeat_deadline" env:"SYNCD_HEARTBEAT_DEADLINE"`
	CommandCapacity       int      `toml:"command_capacity" env:"SYNCD_COMMAND_CAPACITY"`
	PerConnLimit          int      `toml:"per_conn_limit" env:"SYNCD_PER_CONN_LIMIT"`
	OutboundQueueCapacity int      `toml:"outbound_queue_capacity" env:"SYNCD_OUTBOUND_QUEUE_CAPACITY"`
}

// DefaultConfig mirrors the engine defaults plus the service surface.
func DefaultConfig() Config {
	eng := engine.DefaultConfig()
	return Config{
		ListenAddr: ":8080",
		Logging: LoggingConfig{
			Sinks: []string{"console"},
		},
		Engine: EngineConfig{
			MaxUpdateRateHz:       eng.MaxUpdateRateHz,
			EnableConflation:      eng.EnableConflation,
			ControlTimeout:        duration{eng.ControlTimeout},
			PropagateControl:      eng.PropagateControl,
			RequestTimeout:        duration{eng.RequestTimeout},
			HeartbeatDeadline:     duration{eng.HeartbeatDeadline},
			CommandCapacity:       eng.CommandCapacity,
			PerConnLimit:          eng.PerConnLimit,
			OutboundQueueCapacity: eng.OutboundQueueCapacity,
		},
	}
}

// LoadConfig layers defaults, an optional TOML file, and the environment.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return cfg, fmt.Errorf("config file %s: %w", path, err)
		}
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// engineConfig converts the file surface into the engine's tuning struct.
func (c Config) engineConfig() engine.Config {
	return engine.Config{
		MaxUpdateRateHz:       c.Engine.MaxUpdateRateHz,
		EnableConflation:      c.Engine.EnableConflation,
		ControlTimeout:        c.Engine.ControlTimeout.Duration,
		PropagateControl:      c.Engine.PropagateControl,
		RequestTimeout:        c.Engine.RequestTimeout.Duration,
		HeartbeatDeadline:     c.Engine.HeartbeatDeadline.Duration,
		CommandCapacity:       c.Engine.CommandCapacity,
		PerConnLimit:          c.Engine.PerConnLimit,
		OutboundQueueCapacity: c.Engine.OutboundQueueCapacity,
	}
}
