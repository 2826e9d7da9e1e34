// Package common provides the configuration and logging shared by the
// command line tools of the module.
//
// Key Components:
//
//   - Config: settings for the storage backend (in-memory maple store,
//     optionally restored from a snapshot, or a badger directory), the
//     evictor options and the log level. OpenStore opens the configured
//     kv.Store and EvictorOptions converts the settings into freeze.Options.
//
//   - Logger: custom logging implementation installed as dragonboat's logger
//     factory. All packages log through logger.GetLogger, InitLoggers sets the
//     level of every package logger listed in Loggers.
package common
