package common

import (
	"bytes"
	"github.com/ValentinKolb/freeze/lib/kv"
	"github.com/ValentinKolb/freeze/lib/kv/engines/maple"
	"github.com/lni/dragonboat/v4/logger"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseBackend(t *testing.T) {
	cases := map[string]Backend{"memory": BackendMemory, "maple": BackendMemory, "Badger": BackendBadger}
	for name, want := range cases {
		got, err := ParseBackend(name)
		if err != nil || got != want {
			t.Errorf("ParseBackend(%q) = %q, %v, expected %q", name, got, err, want)
		}
	}
	if _, err := ParseBackend("redis"); err == nil {
		t.Errorf("Expected error for an unknown backend")
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]logger.LogLevel{"debug": logger.DEBUG, "INFO": logger.INFO, "warn": logger.WARNING, "error": logger.ERROR}
	for name, want := range cases {
		if got, err := ParseLogLevel(name); err != nil || got != want {
			t.Errorf("ParseLogLevel(%q) = %v, %v, expected %v", name, got, err, want)
		}
	}
	if _, err := ParseLogLevel("loud"); err == nil {
		t.Errorf("Expected error for an unknown level")
	}
}

func TestLoggerFormat(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)

	l := CreateLogger("evictor")
	l.Debugf("hidden")
	l.Infof("cache size %d", 3)
	l.SetLevel(logger.ERROR)
	l.Warningf("hidden")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("Messages below the level must be dropped:\n%s", out)
	}
	if !strings.Contains(out, "INFO  | evictor    | cache size 3") {
		t.Errorf("Unexpected log line:\n%s", out)
	}
}

func TestConfig(t *testing.T) {
	t.Run("Validate", func(t *testing.T) {
		cfg := DefaultConfig()
		if err := cfg.Validate(); err != nil {
			t.Errorf("Default configuration must be valid: %v", err)
		}

		invalid := []func(*Config){
			func(c *Config) { c.Backend = "redis" },
			func(c *Config) { c.Backend = BackendBadger; c.DataDir = "" },
			func(c *Config) { c.EvictorSize = -1 },
			func(c *Config) { c.MaxDeadlockRetries = -1 },
			func(c *Config) { c.LogLevel = "loud" },
		}
		for i, modify := range invalid {
			cfg := DefaultConfig()
			modify(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Expected case %d to be invalid", i)
			}
		}
	})

	t.Run("EvictorOptions", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.EvictorSize = 42
		cfg.KeepStats = true
		cfg.DeadlockRetryDelay = time.Millisecond
		opts := cfg.EvictorOptions(nil)
		if opts.Size != 42 || !opts.KeepStats || opts.DeadlockRetryDelay != time.Millisecond {
			t.Errorf("Unexpected options %+v", opts)
		}
	})

	t.Run("String", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.MaxDeadlockRetries = 0
		out := cfg.String()
		for _, want := range []string{"STORAGE", "EVICTOR", "LOGGING", "unlimited", "(none)"} {
			if !strings.Contains(out, want) {
				t.Errorf("Expected %q in:\n%s", want, out)
			}
		}
	})

	t.Run("OpenSnapshot", func(t *testing.T) {
		// write a snapshot with one table
		src := maple.NewMapleStore(nil)
		table, _ := src.Open("counters", true)
		_ = table.Put(nil, []byte("k"), []byte("v"))
		path := filepath.Join(t.TempDir(), "snapshot.bin")
		f, err := os.Create(path)
		if err != nil {
			t.Fatalf("create snapshot: %v", err)
		}
		if err := src.(kv.Snapshotter).Save(f); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		_ = f.Close()
		_ = src.Close()

		cfg := DefaultConfig()
		cfg.Snapshot = path
		store, err := cfg.OpenStore()
		if err != nil {
			t.Fatalf("OpenStore failed: %v", err)
		}
		defer store.Close()
		table, err = store.Open("counters", false)
		if err != nil {
			t.Fatalf("Expected the snapshot table: %v", err)
		}
		if v, err := table.Get(nil, []byte("k")); err != nil || string(v) != "v" {
			t.Errorf("Expected v, got %q (%v)", v, err)
		}

		cfg.Snapshot = filepath.Join(t.TempDir(), "missing.bin")
		if _, err := cfg.OpenStore(); err == nil {
			t.Errorf("Expected error for a missing snapshot")
		}
	})

	t.Run("OpenBadger", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Backend = BackendBadger
		cfg.DataDir = t.TempDir()
		store, err := cfg.OpenStore()
		if err != nil {
			t.Fatalf("OpenStore failed: %v", err)
		}
		if err := store.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
}
