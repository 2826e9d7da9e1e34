package util

import (
	"fmt"
	"github.com/ValentinKolb/freeze/lib/common"
	"github.com/ValentinKolb/freeze/lib/kv"
	"github.com/joho/godotenv"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"strings"
)

var log = logger.GetLogger("cli")

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// --------------------------------------------------------------------------
// Flags and configuration
// --------------------------------------------------------------------------

// SetupStoreFlags adds the storage and logging flags to a command
func SetupStoreFlags(cmd *cobra.Command) {
	defaults := common.DefaultConfig()

	key := "backend"
	cmd.PersistentFlags().String(key, string(defaults.Backend), WrapString("Storage backend (memory, badger)"))

	key = "data-dir"
	cmd.PersistentFlags().String(key, defaults.DataDir, WrapString("Directory of the badger backend"))

	key = "snapshot"
	cmd.PersistentFlags().String(key, "", WrapString("Snapshot file loaded into the memory backend"))

	key = "shards"
	cmd.PersistentFlags().Int(key, 0, WrapString("Shards per table of the memory backend (0 = number of CPUs)"))

	key = "sync-writes"
	cmd.PersistentFlags().Bool(key, false, WrapString("Sync every write of the badger backend to disk"))

	key = "log-level"
	cmd.PersistentFlags().String(key, defaults.LogLevel, WrapString("The level at which logs will be output (debug, info, warn, error)"))
}

// SetupEvictorFlags adds the evictor flags to a command
func SetupEvictorFlags(cmd *cobra.Command) {
	defaults := common.DefaultConfig()

	key := "evictor-size"
	cmd.PersistentFlags().Int(key, defaults.EvictorSize, WrapString("Number of servants the evictor keeps cached"))

	key = "keep-stats"
	cmd.PersistentFlags().Bool(key, false, WrapString("Maintain save statistics in every record"))

	key = "deadlock-retries"
	cmd.PersistentFlags().Int(key, defaults.MaxDeadlockRetries, WrapString("How often a dispatch is retried after a deadlock (0 = unlimited)"))

	key = "deadlock-retry-delay"
	cmd.PersistentFlags().Duration(key, 0, WrapString("Pause between two deadlock retries"))
}

// InitConfig initializes configuration from environment variables
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("freeze")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match

	// defaults for commands without the corresponding flags
	defaults := common.DefaultConfig()
	viper.SetDefault("backend", string(defaults.Backend))
	viper.SetDefault("data-dir", defaults.DataDir)
	viper.SetDefault("evictor-size", defaults.EvictorSize)
	viper.SetDefault("deadlock-retries", defaults.MaxDeadlockRetries)
	viper.SetDefault("log-level", defaults.LogLevel)
}

// BindCommandFlags binds the flags of cmd to viper and initializes the loggers
func BindCommandFlags(cmd *cobra.Command) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	return common.InitLoggers(viper.GetString("log-level"))
}

// GetConfig reads the configuration from viper
func GetConfig() (*common.Config, error) {
	backend, err := common.ParseBackend(viper.GetString("backend"))
	if err != nil {
		return nil, err
	}
	conf := &common.Config{
		Backend:            backend,
		DataDir:            viper.GetString("data-dir"),
		Snapshot:           viper.GetString("snapshot"),
		Shards:             viper.GetInt("shards"),
		SyncWrites:         viper.GetBool("sync-writes"),
		EvictorSize:        viper.GetInt("evictor-size"),
		KeepStats:          viper.GetBool("keep-stats"),
		MaxDeadlockRetries: viper.GetInt("deadlock-retries"),
		DeadlockRetryDelay: viper.GetDuration("deadlock-retry-delay"),
		LogLevel:           viper.GetString("log-level"),
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// OpenStore opens the store of the configuration read from viper
func OpenStore() (kv.Store, *common.Config, error) {
	conf, err := GetConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := conf.OpenStore()
	if err != nil {
		return nil, nil, fmt.Errorf("open %s store: %w", conf.Backend, err)
	}
	log.Debugf("opened %s", store.Info().Implementation)
	return store, conf, nil
}
