package badgerkv

import (
	"fmt"
	"github.com/dgraph-io/badger/v4"
	"github.com/lni/dragonboat/v4/logger"
	"os"
	"strings"
	"time"
)

var log = logger.GetLogger("badger")

// --------------------------------------------------------------------------
// Configuration
// --------------------------------------------------------------------------

// Config holds configuration for a BadgerDB backed store.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// NumVersionsToKeep is the number of versions BadgerDB keeps per key.
	NumVersionsToKeep int

	// GCInterval is how often the value log garbage collection runs (0 = disabled).
	// Always disabled in in-memory mode.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before a value log file is rewritten.
	GCDiscardRatio float64

	// Verbose forwards BadgerDB's internal log output to the "badger" logger.
	Verbose bool
}

// DefaultConfig returns the defaults for a persistent store at path
func DefaultConfig(path string) Config {
	return Config{
		Path:              path,
		SyncWrites:        true,
		NumVersionsToKeep: 1,
		GCInterval:        5 * time.Minute,
		GCDiscardRatio:    0.5,
	}
}

// InMemoryConfig returns a configuration for tests: no disk I/O, no GC
func InMemoryConfig() Config {
	return Config{
		InMemory:          true,
		NumVersionsToKeep: 1,
	}
}

// badgerOptions converts the configuration into BadgerDB options
func (cfg Config) badgerOptions() (badger.Options, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return opts, fmt.Errorf("path is required for a persistent store")
		}
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return opts, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	versions := cfg.NumVersionsToKeep
	if versions <= 0 {
		versions = 1
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(versions)

	if cfg.Verbose {
		opts = opts.WithLogger(&badgerLogger{log: log})
	} else {
		opts = opts.WithLogger(nil)
	}
	return opts, nil
}

// --------------------------------------------------------------------------
// Logging
// --------------------------------------------------------------------------

// badgerLogger adapts the dragonboat logger to BadgerDB's Logger interface.
// BadgerDB terminates its messages with a newline, the formatter adds its own.
type badgerLogger struct {
	log logger.ILogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Errorf(strings.TrimSuffix(format, "\n"), args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warningf(strings.TrimSuffix(format, "\n"), args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Infof(strings.TrimSuffix(format, "\n"), args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debugf(strings.TrimSuffix(format, "\n"), args...)
}
