package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/snehjoshi/convq/internal/config"
	"github.com/snehjoshi/convq/internal/storage"
	"github.com/snehjoshi/convq/internal/tracking"
)

func TestDefault_HasSensibleValues(t *testing.T) {
	cfg := config.Default()

	if cfg.Node.DataDir != "./data" {
		t.Errorf("expected default data_dir ./data, got %s", cfg.Node.DataDir)
	}
	if cfg.Storage.Driver != storage.DriverBolt {
		t.Errorf("expected default driver bolt, got %s", cfg.Storage.Driver)
	}
	if cfg.Storage.StateName != "ad_conversions.json" {
		t.Errorf("expected default state name, got %s", cfg.Storage.StateName)
	}
	if cfg.Conversions.Frequency.Std() != 24*time.Hour {
		t.Errorf("expected 24h frequency, got %v", cfg.Conversions.Frequency)
	}
	if cfg.Conversions.ExpiredFrequency.Std() != 5*time.Minute {
		t.Errorf("expected 5m expired frequency, got %v", cfg.Conversions.ExpiredFrequency)
	}
	if cfg.History.Retention.Std() != 30*24*time.Hour {
		t.Errorf("expected 30d retention, got %v", cfg.History.Retention)
	}
}

func TestLoad_MissingFile_ReturnsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("expected no error for missing file, got: %v", err)
	}
	if cfg.Metrics.Port != 9090 {
		t.Errorf("expected default metrics port, got %d", cfg.Metrics.Port)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	yaml := `
node:
  data_dir: "/tmp/convq_test"
storage:
  driver: sqlite
conversions:
  frequency: 2d
  expired_frequency: 90s
history:
  retention: 7d
  prune_schedule: "@daily"
tracking:
  conversions:
    - creative_set_id: cs1
      type: postview
      url_pattern: "https://shop.example/*"
      observation_window: 30
`
	path := writeTempYAML(t, yaml)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Node.DataDir != "/tmp/convq_test" {
		t.Errorf("data_dir: %s", cfg.Node.DataDir)
	}
	if cfg.Storage.Driver != storage.DriverSQLite {
		t.Errorf("driver: %s", cfg.Storage.Driver)
	}
	if cfg.Conversions.Frequency.Std() != 48*time.Hour {
		t.Errorf("frequency: %v", cfg.Conversions.Frequency)
	}
	if cfg.Conversions.ExpiredFrequency.Std() != 90*time.Second {
		t.Errorf("expired_frequency: %v", cfg.Conversions.ExpiredFrequency)
	}
	want := tracking.Info{CreativeSetID: "cs1", Type: "postview", URLPattern: "https://shop.example/*", ObservationWindowDays: 30}
	if len(cfg.Tracking.Conversions) != 1 || cfg.Tracking.Conversions[0] != want {
		t.Errorf("tracking: %+v", cfg.Tracking.Conversions)
	}
	// Unset fields keep their defaults.
	if cfg.Storage.StateName != "ad_conversions.json" {
		t.Errorf("state_name changed: %s", cfg.Storage.StateName)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should be valid: %v", err)
	}
}

func TestLoad_InvalidYAML_ReturnsError(t *testing.T) {
	path := writeTempYAML(t, "node: [invalid: yaml: {{{}}")
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeTempYAML(t, "conversions:\n  frequency: soon\n")
	_, err := config.Load(path)
	if err == nil || !strings.Contains(err.Error(), "soon") {
		t.Fatalf("expected duration error, got %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CONVQ_DATA_DIR", "/var/lib/convq")
	t.Setenv("CONVQ_STORAGE_DRIVER", "redis")
	t.Setenv("CONVQ_REDIS_ADDR", "localhost:6379")
	t.Setenv("CONVQ_METRICS_PORT", "9999")
	t.Setenv("CONVQ_LOG_LEVEL", "debug")

	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Node.DataDir != "/var/lib/convq" || cfg.Storage.Driver != "redis" ||
		cfg.Storage.RedisAddr != "localhost:6379" || cfg.Metrics.Port != 9999 || cfg.Log.Level != "debug" {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("env config should validate: %v", err)
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("CONVQ_TEST_ENV_FILE=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONVQ_TEST_ENV_FILE", "")
	os.Unsetenv("CONVQ_TEST_ENV_FILE")

	if err := config.LoadEnvFile(path); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("CONVQ_TEST_ENV_FILE"); got != "from-file" {
		t.Fatalf("want from-file, got %q", got)
	}
	if err := config.LoadEnvFile(filepath.Join(dir, "absent.env")); err != nil {
		t.Fatalf("missing env file should be ignored: %v", err)
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	if err := config.Default().Validate(); err != nil {
		t.Errorf("Default config should be valid, got: %v", err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]func(*config.Config){
		"empty data dir":     func(c *config.Config) { c.Node.DataDir = "" },
		"unknown driver":     func(c *config.Config) { c.Storage.Driver = "etcd" },
		"redis without addr": func(c *config.Config) { c.Storage.Driver = "redis" },
		"empty state name":   func(c *config.Config) { c.Storage.StateName = "" },
		"zero frequency":     func(c *config.Config) { c.Conversions.Frequency = 0 },
		"zero expired":       func(c *config.Config) { c.Conversions.ExpiredFrequency = 0 },
		"empty journal":      func(c *config.Config) { c.Conversions.Journal = "" },
		"zero retention":     func(c *config.Config) { c.History.Retention = 0 },
		"bad schedule":       func(c *config.Config) { c.History.PruneSchedule = "whenever" },
		"bad tracking":       func(c *config.Config) { c.Tracking.Conversions = []tracking.Info{{CreativeSetID: "cs"}} },
		"negative capacity":  func(c *config.Config) { c.Tracking.ServedCapacity = -1 },
		"negative rate":      func(c *config.Config) { c.Producers.MaxRate = -1 },
		"bad level":          func(c *config.Config) { c.Log.Level = "loud" },
		"bad format":         func(c *config.Config) { c.Log.Format = "xml" },
		"metrics port 0":     func(c *config.Config) { c.Metrics.Port = 0 },
		"metrics port 99999": func(c *config.Config) { c.Metrics.Port = 99999 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := config.Default()
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestValidate_MetricsDisabledIgnoresPort(t *testing.T) {
	cfg := config.Default()
	cfg.Metrics.Enabled = false
	cfg.Metrics.Port = 0
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestParseDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"30d":   30 * 24 * time.Hour,
		"0d":    0,
		"5m":    5 * time.Minute,
		"1h30m": 90 * time.Minute,
	}
	for in, want := range cases {
		got, err := config.ParseDuration(in)
		if err != nil || got.Std() != want {
			t.Errorf("ParseDuration(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	for _, bad := range []string{"", "d", "1.5d", "-1d", "tomorrow"} {
		if _, err := config.ParseDuration(bad); err == nil {
			t.Errorf("ParseDuration(%q): expected error", bad)
		}
	}
	if s := config.Duration(48 * time.Hour).String(); s != "2d" {
		t.Errorf("String: %s", s)
	}
}

func TestStorageOptionsAndDataPath(t *testing.T) {
	cfg := config.Default()
	cfg.Node.DataDir = "/srv/convq"

	opts := cfg.StorageOptions()
	if opts.DataDir != "/srv/convq" || opts.Driver != storage.DriverBolt {
		t.Errorf("storage options: %+v", opts)
	}
	if p := cfg.DataPath("history.db"); p != "/srv/convq/history.db" {
		t.Errorf("relative: %s", p)
	}
	if p := cfg.DataPath("/abs/journal"); p != "/abs/journal" {
		t.Errorf("absolute: %s", p)
	}
}

// writeTempYAML writes content to a temp file and returns its path.
func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writeTempYAML: %v", err)
	}
	return path
}
