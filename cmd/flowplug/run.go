package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/alexisbeaulieu97/flowplug/internal/catalog"
	"github.com/alexisbeaulieu97/flowplug/internal/flow"
	"github.com/alexisbeaulieu97/flowplug/pkg/record"
)

type runOptions struct {
	flowPath string
	workers  int
	output   string
	metrics  bool
}

func newRunCmd(root *rootFlags) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a flow: one source feeding a chain of enrichments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFlow(cmd, root, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.flowPath, "file", "f", "", "Path to flow definition")
	cmd.Flags().IntVarP(&opts.workers, "workers", "w", 0, "Records processed in parallel (overrides flow and config)")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "-", "Where to write emitted records as JSON lines ('-' for stdout)")
	cmd.Flags().BoolVar(&opts.metrics, "metrics", false, "Print plugin call metrics to stderr after the run")
	cmd.MarkFlagRequired("file") //nolint:errcheck

	return cmd
}

func runFlow(cmd *cobra.Command, root *rootFlags, opts *runOptions) error {
	f, err := flow.Load(opts.flowPath)
	if err != nil {
		return newCommandError("run", "loading flow", err, "Fix the flow definition and try again.")
	}
	if opts.workers > 0 {
		f.Workers = opts.workers
	}

	if opts.metrics {
		root.metrics = true
	}
	app, err := newApp(cmd, root)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	defer app.shutdown(ctx)

	if _, err := app.discover(ctx); err != nil {
		return newCommandError("run", "discovering plugins", err, "Run 'flowplug discover' to see which roots fail.")
	}

	out, closeOut, err := openOutput(cmd, opts.output)
	if err != nil {
		return newCommandError("run", "opening output", err, "Check that the output directory exists and is writable.")
	}
	defer closeOut()

	encoder := json.NewEncoder(out)
	sink := func(_ context.Context, rec record.Record) error {
		return encoder.Encode(rec)
	}

	runner := flow.NewRunner(app.registry, flow.WithLogger(app.log), flow.WithWorkers(app.cfg.Workers))
	res, runErr := runner.Run(ctx, f, sink)

	if err := recordRun(app, opts.flowPath, f.Name, res, runErr); err != nil {
		app.log.Warn("recording run failed", "error", err)
	}

	if res != nil {
		printRunSummary(cmd.ErrOrStderr(), res)
	}
	if opts.metrics {
		if err := app.writeMetrics(cmd.ErrOrStderr()); err != nil {
			app.log.Warn("writing metrics failed", "error", err)
		}
	}

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			return newCommandError("run", "running flow "+f.Name, runErr, "The run was interrupted; re-run the flow to start over.")
		}
		return newCommandError("run", "running flow "+f.Name, runErr, suggestionFor(runErr))
	}
	return nil
}

func recordRun(app *appContext, path, name string, res *flow.Result, runErr error) error {
	c, err := app.openCatalog()
	if err != nil {
		return err
	}
	rec := catalog.NewRunRecord(name, res, runErr, time.Now())
	if err := c.RecordRun(catalog.FlowID(path), rec); err != nil {
		return err
	}
	return app.syncCatalog()
}

func printRunSummary(w io.Writer, res *flow.Result) {
	fmt.Fprintf(w, "\nflow %s (run %s): %d read, %d emitted, %d rejected in %s\n",
		res.Flow, res.RunID, res.Read, res.Emitted, res.Rejected, res.Duration.Round(time.Millisecond))
	for _, rej := range res.Rejections {
		fmt.Fprintf(w, "  rejected: %v\n", rej)
	}
}

// openOutput returns the command's stdout for "-" and a created file
// otherwise.
func openOutput(cmd *cobra.Command, path string) (io.Writer, func(), error) {
	if path == "" || path == "-" {
		return cmd.OutOrStdout(), func() {}, nil
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return file, func() { _ = file.Close() }, nil
}
