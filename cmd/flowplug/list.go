package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/alexisbeaulieu97/flowplug/internal/catalog"
)

type listOptions struct {
	jsonOutput bool
	refresh    bool
	runs       bool
}

func newListCmd(root *rootFlags) *cobra.Command {
	opts := &listOptions{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cataloged plugins and their last known state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd, root, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Output in JSON format")
	cmd.Flags().BoolVar(&opts.refresh, "refresh", false, "Run discovery before listing")
	cmd.Flags().BoolVar(&opts.runs, "runs", false, "List the last run of every flow instead")

	return cmd
}

func runList(cmd *cobra.Command, root *rootFlags, opts *listOptions) error {
	app, err := newApp(cmd, root)
	if err != nil {
		return err
	}

	if opts.refresh {
		if _, err := app.discover(cmd.Context()); err != nil {
			return newCommandError("list", "refreshing plugins", err, "Run 'flowplug discover' to see which roots fail.")
		}
		if err := app.syncCatalog(); err != nil {
			return newCommandError("list", "saving catalog", err, "Check catalog file permissions and try again.")
		}
	}

	c, err := app.openCatalog()
	if err != nil {
		return newCommandError("list", "loading catalog", err, "Check catalog file permissions or remove the corrupt file.")
	}

	if opts.runs {
		return renderRuns(cmd, c, opts.jsonOutput)
	}

	entries := c.List()
	if len(entries) == 0 {
		return renderEmptyList(cmd)
	}
	if opts.jsonOutput {
		return renderListJSON(cmd, entries)
	}
	return renderListTable(cmd, entries)
}

func renderEmptyList(cmd *cobra.Command) error {
	fmt.Fprintln(cmd.OutOrStdout(), "No plugins cataloged yet.")
	fmt.Fprintln(cmd.OutOrStdout(), "\nRun 'flowplug discover' to scan your plugin roots.")
	return nil
}

func renderListTable(cmd *cobra.Command, entries []catalog.Entry) error {
	out := cmd.OutOrStdout()
	tty := isTerminal(out)
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	fmt.Fprintln(writer, "NAME\tCAPABILITY\tLOADER\tVERSION\tSTATUS\tLAST SEEN\tPATH")
	for _, e := range entries {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Name,
			e.Capability,
			e.Loader,
			valueOrFallback(e.Version, "-"),
			formatStatus(e.Status(), tty),
			formatRelativeTime(e.LastSeen),
			valueOrFallback(e.Path, "-"),
		)
	}
	return writer.Flush()
}

type listJSONPlugin struct {
	catalog.Entry
	Status catalog.Status `json:"status"`
}

type listJSONPayload struct {
	Version string           `json:"version"`
	Count   int              `json:"count"`
	Plugins []listJSONPlugin `json:"plugins"`
}

func renderListJSON(cmd *cobra.Command, entries []catalog.Entry) error {
	payload := listJSONPayload{
		Version: "1.0",
		Count:   len(entries),
		Plugins: make([]listJSONPlugin, len(entries)),
	}
	for i, e := range entries {
		payload.Plugins[i] = listJSONPlugin{Entry: e, Status: e.Status()}
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(payload)
}

func renderRuns(cmd *cobra.Command, c *catalog.Catalog, asJSON bool) error {
	ids := c.RunIDs()
	records := make([]catalog.RunRecord, 0, len(ids))
	for _, id := range ids {
		rec, _ := c.LastRun(id)
		records = append(records, rec)
	}

	if asJSON {
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(records)
	}
	if len(records) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No flow runs recorded yet.")
		return nil
	}

	out := cmd.OutOrStdout()
	tty := isTerminal(out)
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tFLOW\tSTATUS\tREAD\tEMITTED\tREJECTED\tLAST RUN")
	for i, rec := range records {
		status := string(rec.Status)
		if tty {
			status = lipgloss.NewStyle().Foreground(rec.Status.Color()).Render(status)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			ids[i], rec.Flow, status, rec.Read, rec.Emitted, rec.Rejected, formatRelativeTime(rec.LastRun))
	}
	return writer.Flush()
}

func isTerminal(w io.Writer) bool {
	if file, ok := w.(*os.File); ok {
		return term.IsTerminal(int(file.Fd()))
	}
	return false
}

func formatStatus(status catalog.Status, tty bool) string {
	if !tty {
		return fmt.Sprintf("%s %s", status.IconFallback(), status)
	}
	label := lipgloss.NewStyle().Foreground(status.Color()).Render(status.String())
	return fmt.Sprintf("%s %s", status.Icon(), label)
}

func formatRelativeTime(ts time.Time) string {
	if ts.IsZero() {
		return "never"
	}

	delta := time.Since(ts)
	switch {
	case delta < time.Minute:
		return "just now"
	case delta < time.Hour:
		return fmt.Sprintf("%d minutes ago", int(delta.Minutes()))
	case delta < 24*time.Hour:
		return fmt.Sprintf("%d hours ago", int(delta.Hours()))
	}
	return fmt.Sprintf("%d days ago", int(delta.Hours()/24))
}

func valueOrFallback(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}
