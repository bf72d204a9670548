package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Server.Mode != ModeStdio {
		t.Errorf("server.mode = %q, want %q", cfg.Server.Mode, ModeStdio)
	}
	if cfg.Server.Port != DefaultLSPPort {
		t.Errorf("server.port = %d, want %d", cfg.Server.Port, DefaultLSPPort)
	}
	if cfg.Pool.Workers <= 0 || cfg.Pool.Queue <= 0 {
		t.Errorf("pool defaults must be positive, got %+v", cfg.Pool)
	}
	if cfg.Timeouts.Shutdown.Std() != 5*time.Second {
		t.Errorf("timeouts.shutdown = %v, want 5s", cfg.Timeouts.Shutdown.Std())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "talekit.toml", `
[server]
mode = "tcp"
host = "0.0.0.0"
port = 7000

[pool]
workers = 2

[timeouts]
request = "30s"

[log]
level = "debug"
file = "/tmp/talekit.log"

[debug]
runner = "tale-dev"
runner_args = ["run"]

[diagnostics]
publish_per_second = 4.0
burst = 2
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Mode != ModeTCP || cfg.Server.Host != "0.0.0.0" || cfg.Server.Port != 7000 {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Pool.Workers != 2 {
		t.Errorf("pool.workers = %d, want 2", cfg.Pool.Workers)
	}
	// Unset keys keep their defaults.
	if cfg.Pool.Queue != Default().Pool.Queue {
		t.Errorf("pool.queue = %d, want default %d", cfg.Pool.Queue, Default().Pool.Queue)
	}
	if cfg.Timeouts.Request.Std() != 30*time.Second {
		t.Errorf("timeouts.request = %v, want 30s", cfg.Timeouts.Request.Std())
	}
	if cfg.Log.Level != "debug" || cfg.Log.File != "/tmp/talekit.log" {
		t.Errorf("log = %+v", cfg.Log)
	}
	if cfg.Debug.Runner != "tale-dev" || len(cfg.Debug.RunnerArgs) != 1 {
		t.Errorf("debug = %+v", cfg.Debug)
	}
	if cfg.Diagnostics.PublishPerSecond != 4 || cfg.Diagnostics.Burst != 2 {
		t.Errorf("diagnostics = %+v", cfg.Diagnostics)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "talekit.yaml", `
server:
  mode: ws
  port: 8080
timeouts:
  launch: 20s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Mode != ModeWS || cfg.Server.Port != 8080 {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Timeouts.Launch.Std() != 20*time.Second {
		t.Errorf("timeouts.launch = %v, want 20s", cfg.Timeouts.Launch.Std())
	}
}

func TestLoadUnsupportedExtension(t *testing.T) {
	path := writeFile(t, "talekit.json", `{}`)
	_, err := Load(path)
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("err = %v, want ErrUnsupportedFormat", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if !errors.Is(err, ErrFileNotFound) {
		t.Errorf("err = %v, want ErrFileNotFound", err)
	}
}

func TestLoadParseError(t *testing.T) {
	path := writeFile(t, "talekit.toml", `[server` + "\n")
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected parse error")
	}
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %T, want *ParseError", err)
	}
	if pe.Path != path {
		t.Errorf("parse error path = %q, want %q", pe.Path, path)
	}
	if pe.Unwrap() == nil {
		t.Error("parse error must wrap the decoder error")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"TALEKIT_SERVER_MODE":                    "tcp",
		"TALEKIT_SERVER_PORT":                    "9000",
		"TALEKIT_LOG_LEVEL":                      "trace",
		"TALEKIT_TIMEOUTS_REQUEST":               "1m",
		"TALEKIT_DEBUG_RUNNER_ARGS":              "run --debug --color",
		"TALEKIT_DIAGNOSTICS_PUBLISH_PER_SECOND": "8",
	}
	cfg := Default()
	cfg.applyEnv(func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	})

	if cfg.Server.Mode != ModeTCP || cfg.Server.Port != 9000 {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Log.Level != "trace" {
		t.Errorf("log.level = %q, want trace", cfg.Log.Level)
	}
	if cfg.Timeouts.Request.Std() != time.Minute {
		t.Errorf("timeouts.request = %v, want 1m", cfg.Timeouts.Request.Std())
	}
	want := []string{"run", "--debug", "--color"}
	if len(cfg.Debug.RunnerArgs) != len(want) {
		t.Fatalf("runner_args = %v, want %v", cfg.Debug.RunnerArgs, want)
	}
	for i := range want {
		if cfg.Debug.RunnerArgs[i] != want[i] {
			t.Errorf("runner_args[%d] = %q, want %q", i, cfg.Debug.RunnerArgs[i], want[i])
		}
	}
	if cfg.Diagnostics.PublishPerSecond != 8 {
		t.Errorf("diagnostics.publish_per_second = %v, want 8", cfg.Diagnostics.PublishPerSecond)
	}
}

func TestApplyEnvSkipsBadValues(t *testing.T) {
	cfg := Default()
	cfg.applyEnv(func(name string) (string, bool) {
		if name == "TALEKIT_SERVER_PORT" {
			return "not-a-port", true
		}
		return "", false
	})
	if cfg.Server.Port != DefaultLSPPort {
		t.Errorf("port = %d, want untouched default %d", cfg.Server.Port, DefaultLSPPort)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		path   string
	}{
		{"bad mode", func(c *Config) { c.Server.Mode = "pipe" }, "server.mode"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"negative workers", func(c *Config) { c.Pool.Workers = -1 }, "pool.workers"},
		{"zero publish rate", func(c *Config) { c.Diagnostics.PublishPerSecond = 0 }, "diagnostics.publish_per_second"},
		{"zero burst", func(c *Config) { c.Diagnostics.Burst = 0 }, "diagnostics.burst"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrValidationFailed) {
				t.Fatalf("err = %v, want ErrValidationFailed", err)
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %T, want *ValidationError", err)
			}
			if ve.Path != tt.path {
				t.Errorf("path = %q, want %q", ve.Path, tt.path)
			}
		})
	}
}

func TestDurationRoundTrip(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("1500ms")); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if d.Std() != 1500*time.Millisecond {
		t.Errorf("duration = %v, want 1.5s", d.Std())
	}
	text, err := d.MarshalText()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(text) != "1.5s" {
		t.Errorf("text = %q, want %q", text, "1.5s")
	}

	if err := d.UnmarshalText([]byte("soon")); err == nil {
		t.Error("expected error for bad duration")
	}
}
