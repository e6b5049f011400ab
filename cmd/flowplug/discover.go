package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

type discoverOptions struct {
	prune bool
}

func newDiscoverCmd(root *rootFlags) *cobra.Command {
	opts := &discoverOptions{}

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Scan plugin roots and record what they declare",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiscover(cmd, root, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.prune, "prune", false, "Drop catalog entries whose manifest is gone")

	return cmd
}

func runDiscover(cmd *cobra.Command, root *rootFlags, opts *discoverOptions) error {
	app, err := newApp(cmd, root)
	if err != nil {
		return err
	}

	report, err := app.discover(cmd.Context())
	if err != nil {
		return newCommandError("discover", "scanning plugin roots", err, "Check that every root directory is readable.")
	}

	c, err := app.openCatalog()
	if err != nil {
		return newCommandError("discover", "loading catalog", err, "Check catalog file permissions or remove the corrupt file.")
	}
	added, missing := c.Sync(app.registry.List())
	var pruned []string
	if opts.prune {
		pruned = c.Prune()
	}
	if err := c.Save(); err != nil {
		return newCommandError("discover", "saving catalog", err, "Check catalog file permissions and try again.")
	}

	out := cmd.OutOrStdout()
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "NAME\tCAPABILITY\tLOADER\tVERSION\tPATH")
	for _, m := range report.Manifests {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n", m.Name, m.Capability, m.LoaderKind, m.Version, m.Path)
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	for _, skipped := range report.Skipped {
		fmt.Fprintf(out, "skipped %s: %s\n", skipped.Path, skipped.Reason)
	}
	fmt.Fprintf(out, "\n%d plugins (%d new, %d missing", len(report.Manifests), added, missing)
	if opts.prune {
		fmt.Fprintf(out, ", %d pruned", len(pruned))
	}
	fmt.Fprintln(out, ")")
	return nil
}
