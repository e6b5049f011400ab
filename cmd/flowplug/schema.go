package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/alexisbeaulieu97/flowplug/pkg/capability"
	"github.com/alexisbeaulieu97/flowplug/pkg/record"
)

type schemaOptions struct {
	config     string
	configOnly bool
}

func newSchemaCmd(root *rootFlags) *cobra.Command {
	opts := &schemaOptions{}

	cmd := &cobra.Command{
		Use:   "schema <plugin>",
		Short: "Print the record schema of a plugin",
		Long: `Prints the JSON schema of the records a plugin emits. Source connectors
report their schema only once connected, so they are instantiated with
--config-json first and closed again afterwards.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSchema(cmd, root, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.config, "config-json", "", "Plugin config as a JSON object (source connectors)")
	cmd.Flags().BoolVar(&opts.configOnly, "config-schema", false, "Print the config schema from the manifest instead")

	return cmd
}

func runSchema(cmd *cobra.Command, root *rootFlags, opts *schemaOptions, name string) error {
	config, err := parseConfigJSON(opts.config)
	if err != nil {
		return newCommandError("schema", "parsing plugin config", err, "Pass a JSON object with --config-json.")
	}

	app, err := newApp(cmd, root)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	defer app.shutdown(ctx)

	if _, err := app.discover(ctx); err != nil {
		return newCommandError("schema", "discovering plugins", err, "Run 'flowplug discover' to see which roots fail.")
	}

	d, err := app.registry.Resolve(name)
	if err != nil {
		return newCommandError("schema", "resolving "+name, err, suggestionFor(err))
	}

	var doc record.Record
	switch {
	case opts.configOnly:
		doc = d.Manifest().ConfigSchema
	case d.Manifest().Capability == capability.KindSourceConnector:
		if _, err := app.registry.Instantiate(ctx, name, config); err != nil {
			return newCommandError("schema", "connecting "+name, err, suggestionFor(err))
		}
		doc, err = app.registry.Schema(ctx, name)
		if err != nil {
			return newCommandError("schema", "reading schema of "+name, err, suggestionFor(err))
		}
		if err := app.registry.Close(ctx, name); err != nil {
			return newCommandError("schema", "closing "+name, err, suggestionFor(err))
		}
	default:
		doc, err = app.registry.Schema(ctx, name)
		if err != nil {
			return newCommandError("schema", "reading schema of "+name, err, suggestionFor(err))
		}
	}
	if doc == nil {
		doc = record.Record{}
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(doc)
}
