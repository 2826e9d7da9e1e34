package common

import (
	"fmt"
	"github.com/ValentinKolb/freeze/lib/freeze"
	"github.com/ValentinKolb/freeze/lib/kv"
	"github.com/ValentinKolb/freeze/lib/kv/engines/badgerkv"
	"github.com/ValentinKolb/freeze/lib/kv/engines/maple"
	"os"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Storage backends
// --------------------------------------------------------------------------

type Backend string

const (
	// BackendMemory is the maple engine, optionally loaded from a snapshot file
	BackendMemory Backend = "memory"
	// BackendBadger is a persistent badger directory
	BackendBadger Backend = "badger"
)

// ParseBackend converts a backend name
func ParseBackend(name string) (Backend, error) {
	switch Backend(strings.ToLower(name)) {
	case BackendMemory, "maple":
		return BackendMemory, nil
	case BackendBadger:
		return BackendBadger, nil
	default:
		return "", fmt.Errorf("invalid backend: %s. must be one of memory, badger", name)
	}
}

// --------------------------------------------------------------------------
// Configuration struct
// --------------------------------------------------------------------------

// Config holds the settings of the command line tools
type Config struct {
	// storage
	Backend    Backend
	DataDir    string // badger only
	Snapshot   string // memory only, loaded when set
	Shards     int    // memory only, 0 = auto
	SyncWrites bool   // badger only

	// evictor
	EvictorSize        int
	KeepStats          bool
	MaxDeadlockRetries int
	DeadlockRetryDelay time.Duration

	// logging
	LogLevel string
}

// DefaultConfig returns the configuration used when no flag or variable is set
func DefaultConfig() Config {
	defaults := freeze.DefaultOptions()
	return Config{
		Backend:            BackendMemory,
		DataDir:            "./data",
		EvictorSize:        defaults.Size,
		MaxDeadlockRetries: defaults.MaxDeadlockRetries,
		LogLevel:           "info",
	}
}

// Validate checks the configuration for invalid combinations
func (c *Config) Validate() error {
	if _, err := ParseBackend(string(c.Backend)); err != nil {
		return err
	}
	if c.Backend == BackendBadger && c.DataDir == "" {
		return fmt.Errorf("the badger backend requires a data directory")
	}
	if c.EvictorSize < 0 {
		return fmt.Errorf("invalid evictor size %d", c.EvictorSize)
	}
	if c.MaxDeadlockRetries < 0 {
		return fmt.Errorf("invalid deadlock retry bound %d", c.MaxDeadlockRetries)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// OpenStore opens the configured key-value store
func (c *Config) OpenStore() (kv.Store, error) {
	switch c.Backend {
	case BackendBadger:
		cfg := badgerkv.DefaultConfig(c.DataDir)
		cfg.SyncWrites = c.SyncWrites
		return badgerkv.NewBadgerStore(cfg)
	case BackendMemory:
		store := maple.NewMapleStore(&maple.DBOptions{NumShards: c.Shards})
		if c.Snapshot == "" {
			return store, nil
		}
		if err := loadSnapshot(store, c.Snapshot); err != nil {
			_ = store.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("invalid backend: %s", c.Backend)
	}
}

func loadSnapshot(store kv.Store, path string) error {
	snap, ok := store.(kv.Snapshotter)
	if !ok || !store.SupportsFeature(kv.FeatureLoad) {
		return fmt.Errorf("store %s cannot load snapshots", store.Info().Implementation)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()
	if err := snap.Load(f); err != nil {
		return fmt.Errorf("load snapshot %s: %w", path, err)
	}
	return nil
}

// EvictorOptions returns the evictor options of the configuration
func (c *Config) EvictorOptions(factory freeze.ServantFactory) freeze.Options {
	opts := freeze.DefaultOptions()
	opts.Size = c.EvictorSize
	opts.KeepStats = c.KeepStats
	opts.MaxDeadlockRetries = c.MaxDeadlockRetries
	opts.DeadlockRetryDelay = c.DeadlockRetryDelay
	opts.Factory = factory
	return opts
}

// String returns a formatted string representation of the configuration
func (c *Config) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Storage")
	addField("Backend", string(c.Backend))
	switch c.Backend {
	case BackendBadger:
		addField("Data Directory", c.DataDir)
		addField("Sync Writes", strconv.FormatBool(c.SyncWrites))
	default:
		snapshot := c.Snapshot
		if snapshot == "" {
			snapshot = "(none)"
		}
		addField("Snapshot", snapshot)
		shards := "auto"
		if c.Shards > 0 {
			shards = strconv.Itoa(c.Shards)
		}
		addField("Shards", shards)
	}

	addSection("Evictor")
	addField("Size", strconv.Itoa(c.EvictorSize))
	addField("Keep Stats", strconv.FormatBool(c.KeepStats))
	retries := "unlimited"
	if c.MaxDeadlockRetries > 0 {
		retries = strconv.Itoa(c.MaxDeadlockRetries)
	}
	addField("Deadlock Retries", retries)
	addField("Deadlock Retry Delay", c.DeadlockRetryDelay.String())

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}
