package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./records.db
  busy_timeout: 2s
scheduler:
  timezone: UTC
task_engine:
  workers: 4
  default_timeout: 30s
metrics:
  enabled: true
  addr: 127.0.0.1:9464
schedules:
  - job: reports/nightly
    kind: command
    data:
      command: /usr/local/bin/report
    schedule: "0 2 * * *"
    paused: true
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "schedvault.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.BusyTimeout != "2s" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.TaskEngine.Workers != 4 || !cfg.EngineEnabled() {
		t.Fatalf("task_engine = %+v", cfg.TaskEngine)
	}
	if len(cfg.Schedules) != 1 || !cfg.Schedules[0].Paused || cfg.Schedules[0].Data["command"] != "/usr/local/bin/report" {
		t.Fatalf("schedules = %+v", cfg.Schedules)
	}
	if m.Get() != cfg {
		t.Fatalf("Load did not commit")
	}
}

func TestParseJSONStrict(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown field", `{"storage":{"driver":"memory","dsn":"x"}}`, "unknown field"},
		{"trailing data", `{"logging":{"level":"info"}} {}`, "trailing data"},
		{"bad duration", `{"task_engine":{"default_timeout":"soon"}}`, "task_engine.default_timeout"},
		{"negative workers", `{"task_engine":{"workers":-1}}`, "task_engine.workers"},
		{"bad timezone", `{"scheduler":{"timezone":"Mars/Olympus"}}`, "scheduler.timezone"},
		{"sqlite without path", `{"storage":{"driver":"sqlite"}}`, "storage.path"},
		{"unknown driver", `{"storage":{"driver":"redis"}}`, "storage.driver"},
		{"bad level", `{"logging":{"level":"loud"}}`, "logging.level"},
		{"schedule without kind", `{"schedules":[{"job":"a"}]}`, "schedules[0].kind"},
		{"schedule bad start", `{"schedules":[{"job":"a","kind":"log","start_at":"tomorrow"}]}`, "schedules[0].start_at"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewManager(writeFile(t, "c.json", tt.body)).Parse()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	if d, err := ParseDuration("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: %v %v", d, err)
	}
	if _, err := ParseDuration("x", "-1s"); err == nil {
		t.Fatalf("negative accepted")
	}
	if d, err := ParseDurationOrDefault("x", "0s", 3*time.Second); err != nil || d != 3*time.Second {
		t.Fatalf("default: %v %v", d, err)
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	a := &Config{Logging: LoggingConfig{Level: "info"}, Metrics: MetricsConfig{Token: "one"}}
	b := &Config{Logging: LoggingConfig{Level: "debug"}, Storage: StorageConfig{Driver: "file", Path: "x"}, Metrics: MetricsConfig{Token: "two"}}

	sections, attrs := SummarizeChange(a, b)
	want := []string{"logging", "metrics", "storage"}
	if strings.Join(sections, ",") != strings.Join(want, ",") {
		t.Fatalf("sections = %v, want %v", sections, want)
	}
	if len(attrs) == 0 {
		t.Fatalf("no attrs")
	}
	if got := RestartRequired(sections); len(got) != 1 || got[0] != "storage" {
		t.Fatalf("RestartRequired = %v", got)
	}
}

func TestWatchPublishesChange(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "c.json", `{"logging":{"level":"info"}}`)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-sub:
			if cfg.Logging.Level != "debug" {
				t.Fatalf("level = %q", cfg.Logging.Level)
			}
			return
		case <-tick.C:
			// Rewrite until the watcher is up and sees it.
			if err := os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o644); err != nil {
				t.Fatalf("rewrite: %v", err)
			}
		case <-deadline:
			t.Fatal("no config published")
		}
	}
}
