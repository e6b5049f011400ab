package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/alexisbeaulieu97/flowplug/pkg/capability"
	"github.com/alexisbeaulieu97/flowplug/pkg/diff"
	"github.com/alexisbeaulieu97/flowplug/pkg/record"
)

type processOptions struct {
	input   string
	config  string
	diff    bool
	summary bool
}

func newProcessCmd(root *rootFlags) *cobra.Command {
	opts := &processOptions{}

	cmd := &cobra.Command{
		Use:   "process <plugin>",
		Short: "Run one enrichment function over JSON records",
		Long: `Reads a stream of JSON objects, passes each through the named enrichment
function and writes the results as JSON lines. With --diff, prints what the
function changed in each record instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProcess(cmd, root, opts, args[0])
		},
	}

	cmd.Flags().StringVarP(&opts.input, "input", "i", "-", "JSON records to process ('-' for stdin)")
	cmd.Flags().StringVar(&opts.config, "config-json", "", "Plugin config as a JSON object")
	cmd.Flags().BoolVar(&opts.diff, "diff", false, "Print a unified diff of every record instead of the output")
	cmd.Flags().BoolVar(&opts.summary, "changes", false, "Print changed fields of every record instead of the output")

	return cmd
}

func runProcess(cmd *cobra.Command, root *rootFlags, opts *processOptions, name string) error {
	config, err := parseConfigJSON(opts.config)
	if err != nil {
		return newCommandError("process", "parsing plugin config", err, "Pass a JSON object, for example --config-json '{\"field\":\"ts\"}'.")
	}

	app, err := newApp(cmd, root)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	defer app.shutdown(ctx)

	if _, err := app.discover(ctx); err != nil {
		return newCommandError("process", "discovering plugins", err, "Run 'flowplug discover' to see which roots fail.")
	}

	d, err := app.registry.Resolve(name)
	if err != nil {
		return newCommandError("process", "resolving "+name, err, suggestionFor(err))
	}
	if kind := d.Manifest().Capability; kind != capability.KindEnrichmentFunction {
		return newCommandError("process", "resolving "+name, fmt.Errorf("plugin %s is a %s", name, kind), "Use 'flowplug run' for source connectors.")
	}

	in, closeIn, err := openInput(cmd, opts.input)
	if err != nil {
		return newCommandError("process", "opening input", err, "Check that the input file exists.")
	}
	defer closeIn()

	if _, err := app.registry.Instantiate(ctx, name, config); err != nil {
		return newCommandError("process", "instantiating "+name, err, suggestionFor(err))
	}

	out := cmd.OutOrStdout()
	encoder := json.NewEncoder(out)
	decoder := json.NewDecoder(in)
	for n := 1; ; n++ {
		var rec record.Record
		if err := decoder.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return newCommandError("process", fmt.Sprintf("reading record %d", n), err, "Input must be a stream of JSON objects.")
		}

		result, err := app.registry.Process(ctx, name, rec, nil)
		if err != nil {
			return newCommandError("process", fmt.Sprintf("processing record %d", n), err, suggestionFor(err))
		}

		switch {
		case opts.diff:
			text, err := diff.Records(rec, result, fmt.Sprintf("record %d", n), name)
			if err != nil {
				return err
			}
			fmt.Fprint(out, text)
		case opts.summary:
			changes := diff.Changes(rec, result)
			if len(changes) == 0 {
				fmt.Fprintf(out, "record %d: unchanged\n", n)
				continue
			}
			fmt.Fprintf(out, "record %d:\n", n)
			for _, c := range changes {
				fmt.Fprintf(out, "  %s\n", c)
			}
		default:
			if err := encoder.Encode(result); err != nil {
				return err
			}
		}
	}

	if err := app.registry.Close(ctx, name); err != nil {
		return newCommandError("process", "closing "+name, err, suggestionFor(err))
	}
	return nil
}

func parseConfigJSON(raw string) (record.Record, error) {
	if raw == "" {
		return record.Record{}, nil
	}
	var config record.Record
	if err := json.Unmarshal([]byte(raw), &config); err != nil {
		return nil, err
	}
	return config, nil
}

func openInput(cmd *cobra.Command, path string) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return cmd.InOrStdin(), func() {}, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return file, func() { _ = file.Close() }, nil
}
