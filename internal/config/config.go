package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full process configuration: everything needed to construct
// the gateway, registry, fanout, reaper and HTTP surfaces in cmd/server.
type Config struct {
	RedisURL      string `mapstructure:"redis_url"`
	ListenAddr    string `mapstructure:"listen_addr"`
	HealthPort    int    `mapstructure:"health_port"`
	MetricsPort   int    `mapstructure:"metrics_port"`
	TunablesDir   string `mapstructure:"tunables_dir"`

	Tunables Tunables `mapstructure:"tunables"`
}

// Tunables are the per-component knobs. ConfigManager reloads changed
// tunables files into this struct at runtime, but components copy their
// values at startup, so a reload does not change a running component; the
// gateway timeouts are not read by any component.
type Tunables struct {
	SessionCheckinTTL       time.Duration `mapstructure:"session_checkin_ttl"`
	ReaperInterval          time.Duration `mapstructure:"reaper_interval"`
	CheckpointBatchSize     int           `mapstructure:"checkpoint_batch_size"`
	CheckpointIdleGrace     time.Duration `mapstructure:"checkpoint_idle_grace"`
	SnapshotChunkSize       int           `mapstructure:"snapshot_chunk_size"`
	PresenceBroadcastCap    int           `mapstructure:"presence_broadcast_capacity"`
	GatewaySmallOpTimeout   time.Duration `mapstructure:"gateway_small_op_timeout"`
	GatewayLargeOpTimeout   time.Duration `mapstructure:"gateway_large_op_timeout"`
}

// defaultTunables mirrors the concrete numbers called out in the spec.
func defaultTunables() Tunables {
	return Tunables{
		SessionCheckinTTL:     30 * time.Second,
		ReaperInterval:        15 * time.Second,
		CheckpointBatchSize:   256,
		CheckpointIdleGrace:   60 * time.Second,
		SnapshotChunkSize:     1000,
		PresenceBroadcastCap:  1000,
		GatewaySmallOpTimeout: 2 * time.Second,
		GatewayLargeOpTimeout: 10 * time.Second,
	}
}

// Load reads boardsync.yaml from CONFIG_PATH (or config/boardsync.yaml by
// default) and applies environment overrides for the operationally critical
// knobs. Missing config file is not an error: defaults plus env vars are
// enough to run.
func Load() (*Config, error) {
	cfg := &Config{
		RedisURL:    "redis://localhost:6379",
		ListenAddr:  ":1234",
		HealthPort:  8080,
		MetricsPort: 9090,
		TunablesDir: "config/tunables",
		Tunables:    defaultTunables(),
	}

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/boardsync.yaml"
	}

	if info, err := os.Stat(cfgPath); err == nil {
		if info.IsDir() {
			cfgPath = filepath.Join(cfgPath, "boardsync.yaml")
		}
		v := viper.New()
		v.SetConfigFile(cfgPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", cfgPath, err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("HEALTH_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.HealthPort = n
		}
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MetricsPort = n
		}
	}
	if v := os.Getenv("TUNABLES_DIR"); v != "" {
		cfg.TunablesDir = v
	}
}

// ApplyTunablesMap merges a reloaded tunables.yaml payload (as produced by
// ConfigManager's ChangeEvent.Config) onto the current Tunables, leaving
// absent keys untouched.
func ApplyTunablesMap(t *Tunables, raw map[string]interface{}) {
	if v, ok := raw["session_checkin_ttl"]; ok {
		if d, err := parseDuration(v); err == nil {
			t.SessionCheckinTTL = d
		}
	}
	if v, ok := raw["reaper_interval"]; ok {
		if d, err := parseDuration(v); err == nil {
			t.ReaperInterval = d
		}
	}
	if v, ok := raw["checkpoint_batch_size"]; ok {
		if n, ok := toInt(v); ok && n > 0 {
			t.CheckpointBatchSize = n
		}
	}
	if v, ok := raw["checkpoint_idle_grace"]; ok {
		if d, err := parseDuration(v); err == nil {
			t.CheckpointIdleGrace = d
		}
	}
	if v, ok := raw["snapshot_chunk_size"]; ok {
		if n, ok := toInt(v); ok && n > 0 {
			t.SnapshotChunkSize = n
		}
	}
	if v, ok := raw["presence_broadcast_capacity"]; ok {
		if n, ok := toInt(v); ok && n > 0 {
			t.PresenceBroadcastCap = n
		}
	}
	if v, ok := raw["gateway_small_op_timeout"]; ok {
		if d, err := parseDuration(v); err == nil {
			t.GatewaySmallOpTimeout = d
		}
	}
	if v, ok := raw["gateway_large_op_timeout"]; ok {
		if d, err := parseDuration(v); err == nil {
			t.GatewayLargeOpTimeout = d
		}
	}
}

func parseDuration(v interface{}) (time.Duration, error) {
	switch x := v.(type) {
	case string:
		return time.ParseDuration(strings.TrimSpace(x))
	case int:
		return time.Duration(x) * time.Second, nil
	case float64:
		return time.Duration(x) * time.Second, nil
	default:
		return 0, fmt.Errorf("unsupported duration value %v", v)
	}
}

func toInt(v interface{}) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case float64:
		return int(x), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		return n, err == nil
	default:
		return 0, false
	}
}
