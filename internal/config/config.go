// Package config is the startup configuration surface (spec.md §6): a
// YAML file with environment-variable overrides, following the
// teacher's config.Load idiom (defaultConfig → unmarshal →
// applyEnvOverrides → normalize) but unmarshaled strictly — unknown
// keys fail startup rather than being silently ignored, per spec.md
// §6's "Unknown options are rejected at startup".
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/axonstream/axonstream/internal/quota"
	"github.com/axonstream/axonstream/internal/store"
)

// CORSConfig controls the gateway's CORS middleware.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// RetentionConfig overrides stream.RetentionByPlan per plan, in hours.
type RetentionConfig struct {
	TrialHours      int `yaml:"trial_hours"`
	EntryHours      int `yaml:"entry_hours"`
	ProHours        int `yaml:"pro_hours"`
	EnterpriseHours int `yaml:"enterprise_hours"`
}

// TelemetryConfig controls OpenTelemetry export (internal/otel); left
// disabled by default so a bare install never dials out.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "otlp-http", "stdout", or "none"
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// PlanOverride lets operators tune one plan's admission limits without
// recompiling; fields left zero fall back to quota.DefaultPlanLimits.
type PlanOverride struct {
	Plan               string `yaml:"plan"`
	CreateTaskPerMin   int    `yaml:"create_task_per_minute"`
	CreateTaskBurst    int    `yaml:"create_task_burst"`
	MaxConcurrentTasks int    `yaml:"max_concurrent_tasks"`
	MaxTasksPerDay     int    `yaml:"max_tasks_per_day"`
	MaxMinutesPerMonth int    `yaml:"max_minutes_per_month"`
	MaxStreamsAtOnce   int    `yaml:"max_streams_at_once"`
}

// Config is the full startup configuration surface named in spec.md §6.
type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	StoreURL  string `yaml:"store_url"`  // sqlite file path, or "file::memory:?cache=shared" for tests
	StreamURL string `yaml:"stream_url"` // reserved for a future non-in-process stream backend

	JWTSecret          string `yaml:"jwt_secret"`
	ReceiptSigningKeyID string `yaml:"receipt_signing_key_id"`
	ReceiptSigningSeedHex string `yaml:"receipt_signing_key"` // hex ed25519 seed; generated at startup if empty

	HeartbeatIntervalSeconds  int `yaml:"heartbeat_interval_seconds"`
	WatchdogIntervalSeconds   int `yaml:"watchdog_interval_seconds"`
	DefaultWorkerConcurrency  int `yaml:"default_worker_concurrency"`
	DigestEveryNEvents        int `yaml:"digest_every_n_events"`
	KeepaliveIntervalSeconds  int `yaml:"keepalive_interval_seconds"`
	PerSubscriberBufferEvents int `yaml:"per_subscriber_buffer"`

	Retention RetentionConfig `yaml:"retention_by_plan"`
	Plans     []PlanOverride  `yaml:"plans"`

	CORS CORSConfig `yaml:"cors"`

	CompactThreshold int `yaml:"compact_threshold"`
	CompactKeepRecent int `yaml:"compact_keep_recent"`

	AllowedAdapters []string `yaml:"allowed_adapters"` // empty means every built-in adapter

	ContainerImage       string `yaml:"container_image"`
	ContainerMemoryMB    int64  `yaml:"container_memory_mb"`
	ContainerNetworkMode string `yaml:"container_network_mode"`

	Telemetry TelemetryConfig `yaml:"telemetry"`

	NeedsGenesis bool `yaml:"-"`
}

func defaultConfig() Config {
	return Config{
		BindAddr:                  "127.0.0.1:8780",
		LogLevel:                  "info",
		StoreURL:                  "axonstream.db",
		HeartbeatIntervalSeconds:  30,
		WatchdogIntervalSeconds:   20,
		DefaultWorkerConcurrency:  4,
		DigestEveryNEvents:        256,
		KeepaliveIntervalSeconds:  15,
		PerSubscriberBufferEvents: 256,
		CompactThreshold:          2000,
		CompactKeepRecent:         200,
		ContainerImage:            "alpine:latest",
		ContainerMemoryMB:         512,
		ContainerNetworkMode:      "none",
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Exporter:    "none",
			ServiceName: "axonstream",
			SampleRate:  1.0,
		},
		CORS: CORSConfig{
			Enabled:        false,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization", "X-API-Key"},
			MaxAge:         3600,
		},
	}
}

// HomeDir returns the directory config.yaml and any runtime state
// (unless overridden by store_url) live under.
func HomeDir() string {
	if override := os.Getenv("AXON_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".axonstream")
}

// Load reads config.yaml from HomeDir (creating the directory if
// necessary), applies environment overrides, and normalizes defaults.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create axonstream home: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := unmarshalStrict(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

// unmarshalStrict rejects unknown keys — spec.md §6: "Unknown options
// are rejected at startup" — using yaml.v3's Decoder.KnownFields, which
// the plain yaml.Unmarshal entry point doesn't expose.
func unmarshalStrict(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:8780"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.StoreURL == "" {
		cfg.StoreURL = "axonstream.db"
	}
	if cfg.HeartbeatIntervalSeconds <= 0 {
		cfg.HeartbeatIntervalSeconds = 30
	}
	if cfg.WatchdogIntervalSeconds <= 0 {
		cfg.WatchdogIntervalSeconds = 20
	}
	if cfg.DefaultWorkerConcurrency <= 0 {
		cfg.DefaultWorkerConcurrency = 4
	}
	if cfg.DigestEveryNEvents <= 0 {
		cfg.DigestEveryNEvents = 256
	}
	if cfg.KeepaliveIntervalSeconds <= 0 {
		cfg.KeepaliveIntervalSeconds = 15
	}
	if cfg.PerSubscriberBufferEvents <= 0 {
		cfg.PerSubscriberBufferEvents = 256
	}
	if cfg.CompactThreshold <= 0 {
		cfg.CompactThreshold = 2000
	}
	if cfg.CompactKeepRecent <= 0 {
		cfg.CompactKeepRecent = 200
	}
	if cfg.ReceiptSigningKeyID == "" {
		cfg.ReceiptSigningKeyID = "k1"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("AXON_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("AXON_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("AXON_STORE_URL"); raw != "" {
		cfg.StoreURL = raw
	}
	if raw := os.Getenv("AXON_JWT_SECRET"); raw != "" {
		cfg.JWTSecret = raw
	}
	if raw := os.Getenv("AXON_RECEIPT_SIGNING_KEY"); raw != "" {
		cfg.ReceiptSigningSeedHex = raw
	}
	if raw := os.Getenv("AXON_DEFAULT_WORKER_CONCURRENCY"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DefaultWorkerConcurrency = v
		}
	}
	if raw := os.Getenv("AXON_DIGEST_EVERY_N_EVENTS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DigestEveryNEvents = v
		}
	}
}

// ApplyRetentionOverrides mutates stream.RetentionByPlan in place with
// any non-zero hour overrides from the retention_by_plan config block,
// leaving plans with no override at their package default.
func (c Config) ApplyRetentionOverrides(retentionByPlan map[store.Plan]time.Duration) {
	if c.Retention.TrialHours > 0 {
		retentionByPlan[store.PlanTrial] = time.Duration(c.Retention.TrialHours) * time.Hour
	}
	if c.Retention.EntryHours > 0 {
		retentionByPlan[store.PlanEntry] = time.Duration(c.Retention.EntryHours) * time.Hour
	}
	if c.Retention.ProHours > 0 {
		retentionByPlan[store.PlanPro] = time.Duration(c.Retention.ProHours) * time.Hour
	}
	if c.Retention.EnterpriseHours > 0 {
		retentionByPlan[store.PlanEnterprise] = time.Duration(c.Retention.EnterpriseHours) * time.Hour
	}
}

// PlanLimits resolves the effective quota.PlanLimits map, applying any
// configured PlanOverride entries on top of quota.DefaultPlanLimits.
func (c Config) PlanLimits() map[store.Plan]quota.PlanLimits {
	out := make(map[store.Plan]quota.PlanLimits, len(quota.DefaultPlanLimits))
	for k, v := range quota.DefaultPlanLimits {
		out[k] = v
	}
	for _, ov := range c.Plans {
		plan := store.Plan(ov.Plan)
		limits, ok := out[plan]
		if !ok {
			continue
		}
		if ov.CreateTaskPerMin > 0 {
			limits.CreateTask.RequestsPerMinute = ov.CreateTaskPerMin
		}
		if ov.CreateTaskBurst > 0 {
			limits.CreateTask.BurstSize = ov.CreateTaskBurst
		}
		if ov.MaxConcurrentTasks > 0 {
			limits.MaxConcurrentTasks = ov.MaxConcurrentTasks
		}
		if ov.MaxTasksPerDay > 0 {
			limits.MaxTasksPerDay = ov.MaxTasksPerDay
		}
		if ov.MaxMinutesPerMonth > 0 {
			limits.MaxMinutesPerMonth = ov.MaxMinutesPerMonth
		}
		if ov.MaxStreamsAtOnce > 0 {
			limits.MaxStreamsAtOnce = ov.MaxStreamsAtOnce
		}
		out[plan] = limits
	}
	return out
}
