package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/alexisbeaulieu97/flowplug/internal/watch"
)

type watchOptions struct {
	debounce time.Duration
}

func newWatchCmd(root *rootFlags) *cobra.Command {
	opts := &watchOptions{}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-run discovery whenever plugin roots change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, root, opts)
		},
	}

	cmd.Flags().DurationVar(&opts.debounce, "debounce", 250*time.Millisecond, "Quiet period before a burst of changes triggers a reload")

	return cmd
}

func runWatch(cmd *cobra.Command, root *rootFlags, opts *watchOptions) error {
	app, err := newApp(cmd, root)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	defer app.shutdown(ctx)

	out := cmd.OutOrStdout()
	notify := func(o watch.Outcome) {
		fmt.Fprintf(out, "%s reloaded: %d registered", time.Now().Format(time.TimeOnly), len(o.Registered))
		if len(o.Busy) > 0 {
			fmt.Fprintf(out, ", busy: %s", strings.Join(o.Busy, ", "))
		}
		if len(o.Vanished) > 0 {
			fmt.Fprintf(out, ", vanished: %s", strings.Join(o.Vanished, ", "))
		}
		fmt.Fprintln(out)
		for _, skipped := range o.Skipped {
			fmt.Fprintf(out, "  skipped %s: %s\n", skipped.Path, skipped.Reason)
		}
		if o.Err != nil {
			fmt.Fprintf(out, "  %v\n", o.Err)
		}
		if err := app.syncCatalog(); err != nil {
			app.log.Warn("saving catalog failed", "error", err)
		}
	}

	w := watch.New(app.registry, app.roots,
		watch.WithLogger(app.log),
		watch.WithDebounce(opts.debounce),
		watch.WithNotify(notify),
	)
	if err := w.Run(ctx); err != nil {
		return newCommandError("watch", "watching plugin roots", err, "Check that every root directory is readable.")
	}
	return nil
}
