// Package cmd implements the command-line interface of freeze. It provides
// tools for looking at evictor stores and for load testing the evictor.
//
// The package is organized into several subpackages:
//
//   - inspect: Commands listing the facets, identities and records of a store
//     (facets, list, get), without loading any servant
//   - perf: Load test dispatching reads, deposits and transfers on account
//     servants, reporting latency percentiles and the evictor metrics
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// Every flag can also be set with an environment variable FREEZE_<FLAG>
// (e.g. FREEZE_DATA_DIR=/var/lib/freeze), .env and .env.local are read at start.
//
// See freeze -help for a list of all commands.
package cmd
