package main

import (
	"github.com/spf13/cobra"
)

type rootFlags struct {
	configPath string
	verbose    bool
	roots      []string
	catalog    string

	// metrics is set by commands that print metrics.
	metrics bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:           "flowplug",
		Short:         "flowplug discovers, loads and runs data plugins",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to runtime configuration file")
	cmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging and call tracing")
	cmd.PersistentFlags().StringSliceVar(&flags.roots, "root", nil, "Plugin root directory (repeatable, replaces configured roots)")
	cmd.PersistentFlags().StringVar(&flags.catalog, "catalog", "", "Path to the plugin catalog file")

	cmd.AddCommand(newDiscoverCmd(flags))
	cmd.AddCommand(newListCmd(flags))
	cmd.AddCommand(newRunCmd(flags))
	cmd.AddCommand(newProcessCmd(flags))
	cmd.AddCommand(newSchemaCmd(flags))
	cmd.AddCommand(newWatchCmd(flags))
	cmd.AddCommand(newVersionCmd())

	return cmd
}
