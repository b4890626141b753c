package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/axonstream/axonstream/internal/config"
	"github.com/axonstream/axonstream/internal/quota"
	"github.com/axonstream/axonstream/internal/store"
)

func withHome(t *testing.T) string {
	t.Helper()
	home := filepath.Join(t.TempDir(), "axonstream-home")
	t.Setenv("AXON_HOME", home)
	return home
}

func TestLoad_CreatesHomeAndNeedsGenesisWhenNoConfig(t *testing.T) {
	home := withHome(t)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatal("expected NeedsGenesis when no config.yaml exists")
	}
	if _, err := os.Stat(home); err != nil {
		t.Fatalf("expected home dir to be created: %v", err)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	withHome(t)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:8780" {
		t.Errorf("expected default bind addr, got %q", cfg.BindAddr)
	}
	if cfg.DefaultWorkerConcurrency != 4 {
		t.Errorf("expected default worker concurrency 4, got %d", cfg.DefaultWorkerConcurrency)
	}
	if cfg.ReceiptSigningKeyID != "k1" {
		t.Errorf("expected default receipt signing key id k1, got %q", cfg.ReceiptSigningKeyID)
	}
}

func TestLoad_ParsesYAML(t *testing.T) {
	home := withHome(t)
	yaml := "bind_addr: 0.0.0.0:9000\nlog_level: debug\ndefault_worker_concurrency: 8\n"
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NeedsGenesis {
		t.Fatal("did not expect NeedsGenesis when config.yaml exists")
	}
	if cfg.BindAddr != "0.0.0.0:9000" {
		t.Errorf("expected parsed bind addr, got %q", cfg.BindAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected parsed log level, got %q", cfg.LogLevel)
	}
	if cfg.DefaultWorkerConcurrency != 8 {
		t.Errorf("expected parsed worker concurrency, got %d", cfg.DefaultWorkerConcurrency)
	}
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	home := withHome(t)
	yaml := "bind_addr: 0.0.0.0:9000\nnot_a_real_option: true\n"
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := config.Load(); err == nil {
		t.Fatal("expected an error for an unknown config key")
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	home := withHome(t)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("bind_addr: 0.0.0.0:9000\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("AXON_BIND_ADDR", "10.0.0.1:7000")
	t.Setenv("AXON_DEFAULT_WORKER_CONCURRENCY", "16")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != "10.0.0.1:7000" {
		t.Errorf("expected env override of bind addr, got %q", cfg.BindAddr)
	}
	if cfg.DefaultWorkerConcurrency != 16 {
		t.Errorf("expected env override of worker concurrency, got %d", cfg.DefaultWorkerConcurrency)
	}
}

func TestApplyRetentionOverrides_OnlyNonZeroFieldsOverride(t *testing.T) {
	cfg := config.Config{Retention: config.RetentionConfig{ProHours: 48}}
	byPlan := map[store.Plan]time.Duration{
		store.PlanTrial: 2 * time.Hour,
		store.PlanPro:   6 * time.Hour,
	}
	cfg.ApplyRetentionOverrides(byPlan)
	if byPlan[store.PlanPro] != 48*time.Hour {
		t.Errorf("expected pro retention overridden to 48h, got %s", byPlan[store.PlanPro])
	}
	if byPlan[store.PlanTrial] != 2*time.Hour {
		t.Errorf("expected trial retention untouched, got %s", byPlan[store.PlanTrial])
	}
}

func TestPlanLimits_AppliesOverrideOnTopOfDefaults(t *testing.T) {
	cfg := config.Config{
		Plans: []config.PlanOverride{
			{Plan: string(store.PlanTrial), CreateTaskBurst: 99, MaxTasksPerDay: 5},
		},
	}
	limits := cfg.PlanLimits()
	trial := limits[store.PlanTrial]
	if trial.CreateTask.BurstSize != 99 {
		t.Errorf("expected overridden burst size 99, got %d", trial.CreateTask.BurstSize)
	}
	if trial.MaxTasksPerDay != 5 {
		t.Errorf("expected overridden max tasks per day 5, got %d", trial.MaxTasksPerDay)
	}
	if trial.CreateTask.RequestsPerMinute != quota.DefaultPlanLimits[store.PlanTrial].CreateTask.RequestsPerMinute {
		t.Errorf("expected untouched field to keep default, got %d", trial.CreateTask.RequestsPerMinute)
	}

	entry := limits[store.PlanEntry]
	if entry != quota.DefaultPlanLimits[store.PlanEntry] {
		t.Error("expected plan without an override to be untouched")
	}
}
