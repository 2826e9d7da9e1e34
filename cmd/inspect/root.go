package inspect

import (
	"fmt"
	"github.com/ValentinKolb/freeze/cmd/util"
	"github.com/ValentinKolb/freeze/lib/freeze"
	"github.com/ValentinKolb/freeze/lib/kv"
	"github.com/spf13/cobra"
	"time"
)

var (
	store     kv.Store
	inspector *freeze.Inspector

	// InspectCommands represents the inspect command group
	InspectCommands = &cobra.Command{
		Use:                "inspect",
		Short:              "Inspect the records of an evictor store",
		Long:               "Inspect the records of an evictor store without loading any servant. The store must not be in use by a running evictor.",
		PersistentPreRunE:  openStore,
		PersistentPostRunE: closeStore,
	}

	facetsCmd = &cobra.Command{
		Use:   "facets",
		Short: "List the facets of the store",
		Args:  cobra.NoArgs,
		RunE:  runFacets,
	}

	listCmd = &cobra.Command{
		Use:   "list",
		Short: "List the identities of a facet",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}

	getCmd = &cobra.Command{
		Use:   "get <category/name>",
		Short: "Show the record of an identity",
		Args:  cobra.ExactArgs(1),
		RunE:  runGet,
	}
)

func init() {
	cobra.OnInitialize(util.InitConfig)
	util.SetupStoreFlags(InspectCommands)

	InspectCommands.PersistentFlags().String("facet", "", util.WrapString("Facet to inspect (empty = default facet)"))
	listCmd.Flags().Int("batch", 100, util.WrapString("Number of identities read per cursor"))

	InspectCommands.AddCommand(facetsCmd)
	InspectCommands.AddCommand(listCmd)
	InspectCommands.AddCommand(getCmd)
}

func openStore(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	var err error
	store, _, err = util.OpenStore()
	if err != nil {
		return err
	}
	inspector = freeze.NewInspector(store)
	return nil
}

func closeStore(_ *cobra.Command, _ []string) error {
	if store == nil {
		return nil
	}
	return store.Close()
}

// --------------------------------------------------------------------------
// Commands
// --------------------------------------------------------------------------

func runFacets(cmd *cobra.Command, _ []string) error {
	facets, err := inspector.Facets()
	if err != nil {
		return err
	}
	for _, facet := range facets {
		if facet == "" {
			facet = "(default)"
		}
		fmt.Fprintln(cmd.OutOrStdout(), facet)
	}
	return nil
}

func runList(cmd *cobra.Command, _ []string) error {
	facet, _ := cmd.Flags().GetString("facet")
	batch, _ := cmd.Flags().GetInt("batch")

	it, err := inspector.Identities(facet, batch)
	if err != nil {
		return err
	}
	n := 0
	for it.Next() {
		fmt.Fprintln(cmd.OutOrStdout(), it.Identity().String())
		n++
	}
	if err := it.Err(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d identities\n", n)
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	facet, _ := cmd.Flags().GetString("facet")
	ident, err := freeze.ParseIdentity(args[0])
	if err != nil {
		return err
	}
	info, err := inspector.Inspect(ident, facet)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), formatRecord(ident, facet, info))
	return nil
}

// formatRecord renders the envelope of a record
func formatRecord(ident freeze.Identity, facet string, info freeze.RecordInfo) string {
	field := func(name, value string) string {
		return fmt.Sprintf("  %-16s: %s\n", name, value)
	}
	out := field("Identity", ident.String())
	out += field("Facet", facet)
	out += field("Type", info.TypeID)
	out += field("Encoding", fmt.Sprintf("%d.%d", info.Encoding.Major, info.Encoding.Minor))
	out += field("Body Size", fmt.Sprintf("%d bytes", info.BodySize))
	if info.Stats.CreationTime != 0 {
		out += field("Created", formatMillis(info.Stats.CreationTime))
		out += field("Last Saved", formatMillis(info.Stats.LastSaveTime))
		out += field("Avg Save Time", (time.Duration(info.Stats.AvgSaveTime) * time.Millisecond).String())
	}
	return out
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "never"
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
