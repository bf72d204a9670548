package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "talekit.toml")
	if err := os.WriteFile(path, []byte("[server]\nport = 7000\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	changed := make(chan *Config, 1)
	w, err := Watch(path, func(cfg *Config) {
		select {
		case changed <- cfg:
		default:
		}
	}, WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("[server]\nport = 7001\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-changed:
		if cfg.Server.Port != 7001 {
			t.Errorf("reloaded port = %d, want 7001", cfg.Server.Port)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for reload")
	}
}

func TestWatchKeepsPreviousOnParseError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "talekit.toml")
	if err := os.WriteFile(path, []byte("[server]\nport = 7000\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	changed := make(chan *Config, 1)
	w, err := Watch(path, func(cfg *Config) {
		select {
		case changed <- cfg:
		default:
		}
	}, WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("[server\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-changed:
		t.Errorf("unexpected reload with broken file: %+v", cfg)
	case <-time.After(500 * time.Millisecond):
		// No callback: previous config stays in effect.
	}
}

func TestWatchIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "talekit.toml")
	if err := os.WriteFile(path, []byte("[server]\nport = 7000\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	changed := make(chan *Config, 1)
	w, err := Watch(path, func(cfg *Config) {
		select {
		case changed <- cfg:
		default:
		}
	}, WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(filepath.Join(dir, "other.toml"), []byte("x = 1\n"), 0o644); err != nil {
		t.Fatalf("write sibling: %v", err)
	}

	select {
	case <-changed:
		t.Error("sibling file change must not trigger reload")
	case <-time.After(500 * time.Millisecond):
	}
}

func TestWatchCloseIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "talekit.toml")
	if err := os.WriteFile(path, []byte("[server]\nport = 7000\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	w, err := Watch(path, nil)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}
