package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml", "addr: :9999\nmodels_dir: /tmp\nport_floor: 9000\nready_timeout_ms: 1500\ncli_conflict_policy: none\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9999" || cfg.ModelsDir != "/tmp" || cfg.PortFloor != 9000 || cfg.CLIConflictPolicy != "none" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.ReadyTimeout() != 1500*time.Millisecond {
		t.Fatalf("ready timeout=%s", cfg.ReadyTimeout())
	}
}

func TestLoadJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.json", `{"addr":":7070","models_dir":"/m","db_path":"/tmp/x.db","broadcaster":"redis"}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":7070" || cfg.ModelsDir != "/m" || cfg.DBPath != "/tmp/x.db" || cfg.Broadcaster != "redis" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadTOML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.toml", "addr=\":8081\"\nmodels_dir=\"/x\"\nport_floor=9100\nport_ceiling=9200\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8081" || cfg.ModelsDir != "/x" || cfg.PortFloor != 9100 || cfg.PortCeiling != 9200 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error on empty path")
	}
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.txt", "not supported")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected unsupported extension error")
	}
}

func TestDefaults(t *testing.T) {
	var cfg Config
	cfg.Defaults()
	if cfg.Addr != DefaultAddr || cfg.PortFloor != DefaultPortFloor || cfg.PortCeiling != DefaultPortCeiling {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.CLIConflictPolicy != "stop_all" || cfg.Broadcaster != "log" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.ReadyPoll() != DefaultReadyPoll || cfg.QueueInterval() != time.Second {
		t.Fatalf("unexpected durations: %s %s", cfg.ReadyPoll(), cfg.QueueInterval())
	}
}

func TestApplyEnvOverridesOnlySetVars(t *testing.T) {
	t.Setenv("IMGD_ADDR", ":1234")
	t.Setenv("IMGD_CORS_ORIGINS", "http://a,http://b")
	cfg := Config{ModelsDir: "/keep"}
	if err := ApplyEnv(&cfg); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Addr != ":1234" {
		t.Fatalf("addr=%q", cfg.Addr)
	}
	if cfg.ModelsDir != "/keep" {
		t.Fatalf("models_dir overwritten: %q", cfg.ModelsDir)
	}
	if len(cfg.CORSOrigins) != 2 {
		t.Fatalf("cors=%v", cfg.CORSOrigins)
	}
}

func TestLoadDotEnvSkipsMissing(t *testing.T) {
	d := t.TempDir()
	if err := LoadDotEnv(filepath.Join(d, "nope.env")); err != nil {
		t.Fatalf("missing file should be ignored: %v", err)
	}
	p := writeTempFile(t, d, "test.env", "IMGD_TEST_DOTENV_VALUE=hello\n")
	t.Cleanup(func() { os.Unsetenv("IMGD_TEST_DOTENV_VALUE") })
	if err := LoadDotEnv(p); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("IMGD_TEST_DOTENV_VALUE"); got != "hello" {
		t.Fatalf("env=%q", got)
	}
}

func TestLoadRejectsMistypedFields(t *testing.T) {
	cases := []struct {
		name, file, body string
	}{
		{"yaml port", "cfg.yaml", "port_floor: lots\n"},
		{"yaml cors", "cfg.yml", "cors_origins:\n  origin: http://a\n"},
		{"json timeout", "cfg.json", `{"ready_timeout_ms":"soon"}`},
		{"json truncated", "cfg.json", `{"db_path": "/tmp/x.db",`},
		{"toml probe", "cfg.toml", "disable_port_probe = \"maybe\"\n"},
		{"toml bare key", "cfg.toml", "broadcaster\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := writeTempFile(t, t.TempDir(), tc.file, tc.body)
			if _, err := Load(p); err == nil {
				t.Fatalf("expected decode error for %q", tc.body)
			}
		})
	}
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestApplyEnvRejectsBadNumbers(t *testing.T) {
	t.Setenv("IMGD_PORT_FLOOR", "eight-thousand")
	cfg := Config{PortFloor: 9000}
	if err := ApplyEnv(&cfg); err == nil {
		t.Fatalf("expected parse error for IMGD_PORT_FLOOR")
	}
}

func TestLoadDotEnvKeepsExistingVars(t *testing.T) {
	t.Setenv("IMGD_BROADCASTER", "nats")
	p := writeTempFile(t, t.TempDir(), "imgd.env", "IMGD_BROADCASTER=redis\nIMGD_QUEUE_INTERVAL_MS=250\n")
	t.Cleanup(func() { os.Unsetenv("IMGD_QUEUE_INTERVAL_MS") })
	if err := LoadDotEnv(p); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	var cfg Config
	if err := ApplyEnv(&cfg); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Broadcaster != "nats" {
		t.Fatalf("dotenv overrode a set variable: %q", cfg.Broadcaster)
	}
	if cfg.QueueInterval() != 250*time.Millisecond {
		t.Fatalf("queue interval=%s", cfg.QueueInterval())
	}
}
