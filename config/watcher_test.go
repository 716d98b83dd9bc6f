package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, path string, mutate func(*Config)) {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
}

func startWatcher(t *testing.T, path string) *Watcher {
	t.Helper()
	w, err := NewWatcher(WatcherConfig{
		Path:          path,
		DebounceDelay: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		cancel()
		if err := w.Stop(); err != nil {
			t.Errorf("Stop() error = %v", err)
		}
	})
	return w
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "semcrew.yaml")
	writeConfig(t, path, nil)

	w := startWatcher(t, path)

	writeConfig(t, path, func(c *Config) {
		c.Broker.MaxConnections = 99
	})

	select {
	case got := <-w.Reloads():
		if got.Broker.MaxConnections != 99 {
			t.Errorf("expected reloaded max_connections 99, got %d", got.Broker.MaxConnections)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestWatcherSkipsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "semcrew.yaml")
	writeConfig(t, path, nil)

	w := startWatcher(t, path)

	// A broken write must not produce a reload.
	if err := os.WriteFile(path, []byte("{{{not yaml"), 0644); err != nil {
		t.Fatalf("failed to write broken config: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	select {
	case got := <-w.Reloads():
		t.Fatalf("unexpected reload from broken config: %+v", got)
	default:
	}

	// A good write afterwards reloads as usual.
	writeConfig(t, path, func(c *Config) {
		c.Pool.Max = 7
	})
	select {
	case got := <-w.Reloads():
		if got.Pool.Max != 7 {
			t.Errorf("expected reloaded pool max 7, got %d", got.Pool.Max)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "semcrew.yaml")
	writeConfig(t, path, nil)

	w := startWatcher(t, path)

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0644); err != nil {
		t.Fatalf("failed to write sibling file: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	select {
	case got := <-w.Reloads():
		t.Fatalf("unexpected reload from sibling file: %+v", got)
	default:
	}
}
