package cmd

import (
	"fmt"
	"github.com/ValentinKolb/freeze/cmd/inspect"
	"github.com/ValentinKolb/freeze/cmd/perf"
	"github.com/spf13/cobra"
	"os"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "freeze",
		Short: "persistent object evictor",
		Long: fmt.Sprintf(`freeze (v%s)

A persistent object evictor written in Go: servants are cached in memory,
loaded on demand from a transactional key-value store and saved with the
transactions that change them.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of freeze",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "freeze v%s\n", Version)
		},
	}
)

func init() {
	RootCmd.AddCommand(inspect.InspectCommands)
	RootCmd.AddCommand(perf.PerfCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
