// Package config loads the YAML configuration of the delta server and CLI.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/pkg/errors"
)

// Environment overrides applied by Load.
const (
	EnvConfigPath = "DELTA_CONFIG"
	EnvAddr       = "DELTA_ADDR"
)

// Config is the root of the configuration file.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Server     ServerConfig     `yaml:"server"`
	Commit     CommitConfig     `yaml:"commit"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Storage    StorageConfig    `yaml:"storage"`
	Tables     []TableConfig    `yaml:"tables"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	// Format is "json" or "console".
	Format string `yaml:"format"`
}

type ServerConfig struct {
	Addr         string   `yaml:"addr"`
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`

	// RefreshInterval is how often served tables poll for commits made by
	// other processes; 0 disables polling.
	RefreshInterval Duration `yaml:"refresh_interval"`
}

type CommitConfig struct {
	MaxAttempts int     `yaml:"max_attempts"`
	Backoff     Backoff `yaml:"backoff"`
}

// Backoff configures the pause between commit retries. Strategy is one of
// none, constant or exponential.
type Backoff struct {
	Strategy   string   `yaml:"strategy"`
	Initial    Duration `yaml:"initial"`
	Max        Duration `yaml:"max"`
	Multiplier float64  `yaml:"multiplier"`
	Jitter     float64  `yaml:"jitter"`
}

type CheckpointConfig struct {
	// Interval is the number of versions between automatic checkpoints; 0 disables them.
	Interval    int64  `yaml:"interval"`
	Compression string `yaml:"compression"`
}

type StorageConfig struct {
	ZooKeeper ZooKeeperConfig `yaml:"zookeeper"`
}

type ZooKeeperConfig struct {
	SessionTimeout Duration `yaml:"session_timeout"`
}

// TableConfig registers a named table served by the API.
type TableConfig struct {
	Name     string `yaml:"name"`
	Location string `yaml:"location"`
}

// Duration is a time.Duration written as "250ms" or "5s" in YAML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(b []byte) error {
	var s string
	if err := yaml.Unmarshal(b, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		d.Duration = 0
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		d.Duration = time.Duration(n) * time.Millisecond
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", s)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalYAML() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     Duration{10 * time.Second},
			WriteTimeout:    Duration{30 * time.Second},
			RefreshInterval: Duration{2 * time.Second},
		},
		Commit: CommitConfig{
			MaxAttempts: 15,
			Backoff: Backoff{
				Strategy:   "exponential",
				Initial:    Duration{5 * time.Millisecond},
				Max:        Duration{500 * time.Millisecond},
				Multiplier: 2,
				Jitter:     0.2,
			},
		},
		Checkpoint: CheckpointConfig{
			Interval:    10,
			Compression: "zstd",
		},
		Storage: StorageConfig{
			ZooKeeper: ZooKeeperConfig{SessionTimeout: Duration{5 * time.Second}},
		},
	}
}

// Load reads path on top of Default. A missing file yields the defaults.
// An empty path falls back to $DELTA_CONFIG.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return cfg, errors.Wrapf(err, "read config %s", path)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, errors.Wrapf(err, "parse config %s", path)
			}
		}
	}
	if addr := os.Getenv(EnvAddr); addr != "" {
		cfg.Server.Addr = addr
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return errors.Errorf("log.level: unknown level %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		return errors.Errorf("log.format: must be json or console, got %q", c.Log.Format)
	}
	if c.Commit.MaxAttempts < 1 {
		return errors.Errorf("commit.max_attempts: must be at least 1, got %d", c.Commit.MaxAttempts)
	}
	switch strings.ToLower(c.Commit.Backoff.Strategy) {
	case "", "none", "constant", "exponential":
	default:
		return errors.Errorf("commit.backoff.strategy: unknown strategy %q", c.Commit.Backoff.Strategy)
	}
	if c.Commit.Backoff.Jitter < 0 || c.Commit.Backoff.Jitter > 1 {
		return errors.Errorf("commit.backoff.jitter: must be within [0,1], got %v", c.Commit.Backoff.Jitter)
	}
	if c.Server.RefreshInterval.Duration < 0 {
		return errors.Errorf("server.refresh_interval: must not be negative, got %s", c.Server.RefreshInterval)
	}
	if c.Checkpoint.Interval < 0 {
		return errors.Errorf("checkpoint.interval: must not be negative, got %d", c.Checkpoint.Interval)
	}
	switch strings.ToLower(c.Checkpoint.Compression) {
	case "", "none", "zstd":
	default:
		return errors.Errorf("checkpoint.compression: unknown compression %q", c.Checkpoint.Compression)
	}
	seen := make(map[string]struct{}, len(c.Tables))
	for i, t := range c.Tables {
		if t.Name == "" || t.Location == "" {
			return errors.Errorf("tables[%d]: name and location are required", i)
		}
		if _, dup := seen[t.Name]; dup {
			return errors.Errorf("tables[%d]: duplicate table %q", i, t.Name)
		}
		seen[t.Name] = struct{}{}
	}
	return nil
}
