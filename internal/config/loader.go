package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the daemon.
// Zero values mean "unspecified" and are replaced by Defaults.
type Config struct {
	Addr      string `json:"addr" yaml:"addr" toml:"addr" env:"IMGD_ADDR"`
	ModelsDir string `json:"models_dir" yaml:"models_dir" toml:"models_dir" env:"IMGD_MODELS_DIR"`
	DBPath    string `json:"db_path" yaml:"db_path" toml:"db_path" env:"IMGD_DB_PATH"`
	WorkDir   string `json:"work_dir" yaml:"work_dir" toml:"work_dir" env:"IMGD_WORK_DIR"`

	PortFloor        int  `json:"port_floor" yaml:"port_floor" toml:"port_floor" env:"IMGD_PORT_FLOOR"`
	PortCeiling      int  `json:"port_ceiling" yaml:"port_ceiling" toml:"port_ceiling" env:"IMGD_PORT_CEILING"`
	DisablePortProbe bool `json:"disable_port_probe" yaml:"disable_port_probe" toml:"disable_port_probe" env:"IMGD_DISABLE_PORT_PROBE"`

	ReadyTimeoutMS  int `json:"ready_timeout_ms" yaml:"ready_timeout_ms" toml:"ready_timeout_ms" env:"IMGD_READY_TIMEOUT_MS"`
	ReadyPollMS     int `json:"ready_poll_ms" yaml:"ready_poll_ms" toml:"ready_poll_ms" env:"IMGD_READY_POLL_MS"`
	StopTimeoutMS   int `json:"stop_timeout_ms" yaml:"stop_timeout_ms" toml:"stop_timeout_ms" env:"IMGD_STOP_TIMEOUT_MS"`
	QueueIntervalMS int `json:"queue_interval_ms" yaml:"queue_interval_ms" toml:"queue_interval_ms" env:"IMGD_QUEUE_INTERVAL_MS"`
	HTTPTimeoutMS   int `json:"http_timeout_ms" yaml:"http_timeout_ms" toml:"http_timeout_ms" env:"IMGD_HTTP_TIMEOUT_MS"`

	// CLIConflictPolicy is "stop_all" (default) or "none".
	CLIConflictPolicy string `json:"cli_conflict_policy" yaml:"cli_conflict_policy" toml:"cli_conflict_policy" env:"IMGD_CLI_CONFLICT_POLICY"`

	// Broadcaster backend: log (default), memory, redis, nats.
	Broadcaster  string `json:"broadcaster" yaml:"broadcaster" toml:"broadcaster" env:"IMGD_BROADCASTER"`
	BroadcastURL string `json:"broadcast_url" yaml:"broadcast_url" toml:"broadcast_url" env:"IMGD_BROADCAST_URL"`

	LogLevel    string   `json:"log_level" yaml:"log_level" toml:"log_level" env:"IMGD_LOG_LEVEL"`
	LogFormat   string   `json:"log_format" yaml:"log_format" toml:"log_format" env:"IMGD_LOG_FORMAT"`
	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins" env:"IMGD_CORS_ORIGINS" envSeparator:","`
}

// Package defaults applied by Defaults for unset fields.
const (
	DefaultAddr          = ":8090"
	DefaultModelsDir     = "./config"
	DefaultDBPath        = "./data/imgd.db"
	DefaultPortFloor     = 8001
	DefaultPortCeiling   = 8999
	DefaultReadyTimeout  = 120 * time.Second
	DefaultReadyPoll     = 500 * time.Millisecond
	DefaultStopTimeout   = 10 * time.Second
	DefaultQueueInterval = time.Second
	DefaultHTTPTimeout   = 10 * time.Minute
)

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := Decode(path, b, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Decode unmarshals b into out using the format implied by path's extension.
func Decode(path string, b []byte, out any) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return yaml.Unmarshal(b, out)
	case ".json":
		return json.Unmarshal(b, out)
	case ".toml":
		return toml.Unmarshal(b, out)
	default:
		return fmt.Errorf("unsupported config extension: %s", ext)
	}
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overlays IMGD_* environment variables onto cfg. Unset variables
// leave the corresponding field untouched.
func ApplyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env config: %w", err)
	}
	return nil
}

// Defaults fills unset fields with package defaults.
func (c *Config) Defaults() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.ModelsDir == "" {
		c.ModelsDir = DefaultModelsDir
	}
	if c.DBPath == "" {
		c.DBPath = DefaultDBPath
	}
	if c.WorkDir == "" {
		c.WorkDir = filepath.Join(os.TempDir(), "imgd")
	}
	if c.PortFloor <= 0 {
		c.PortFloor = DefaultPortFloor
	}
	if c.PortCeiling < c.PortFloor {
		c.PortCeiling = c.PortFloor + (DefaultPortCeiling - DefaultPortFloor)
	}
	if c.CLIConflictPolicy == "" {
		c.CLIConflictPolicy = "stop_all"
	}
	if c.Broadcaster == "" {
		c.Broadcaster = "log"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "console"
	}
}

func msOr(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func (c Config) ReadyTimeout() time.Duration  { return msOr(c.ReadyTimeoutMS, DefaultReadyTimeout) }
func (c Config) ReadyPoll() time.Duration     { return msOr(c.ReadyPollMS, DefaultReadyPoll) }
func (c Config) StopTimeout() time.Duration   { return msOr(c.StopTimeoutMS, DefaultStopTimeout) }
func (c Config) QueueInterval() time.Duration { return msOr(c.QueueIntervalMS, DefaultQueueInterval) }
func (c Config) HTTPTimeout() time.Duration   { return msOr(c.HTTPTimeoutMS, DefaultHTTPTimeout) }
