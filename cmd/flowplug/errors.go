package main

import (
	"errors"
	"fmt"

	"github.com/alexisbeaulieu97/flowplug/internal/plugin"
	"github.com/alexisbeaulieu97/flowplug/pkg/capability"
)

func newCommandError(operation, context string, cause error, suggestion string) error {
	return &commandError{operation: operation, context: context, cause: cause, suggestion: suggestion}
}

type commandError struct {
	operation  string
	context    string
	cause      error
	suggestion string
}

func (e *commandError) Error() string {
	return fmt.Sprintf("Failed to %s: %s\n\nError: %v\n\nSuggestion: %s", e.operation, e.context, e.cause, e.suggestion)
}

func (e *commandError) Unwrap() error { return e.cause }

// suggestionFor picks a hint from the error category a plugin reported.
func suggestionFor(err error) string {
	var (
		notFound *plugin.NotFoundError
		timeout  *plugin.TimeoutError
		state    *plugin.StateError
	)
	switch {
	case errors.As(err, &notFound):
		return "Run 'flowplug discover' to see which plugins are available."
	case errors.As(err, &timeout):
		return "Raise call_timeout or check the plugin for a hung call."
	case errors.As(err, &state):
		return "Run 'flowplug list' to inspect plugin states."
	}
	kind, ok := plugin.KindOf(err)
	if !ok {
		return "Re-run with --verbose for details."
	}
	switch kind {
	case capability.ErrorConfig:
		return "Check the step config against the plugin's config schema ('flowplug schema <plugin> --config-schema')."
	case capability.ErrorConnect:
		return "Check that the external system is reachable; connect failures are retried."
	case capability.ErrorData:
		return "Set on_data_error: skip to drop rejected records instead of aborting."
	case capability.ErrorLoad:
		return "Check the manifest entry point and that the module or script exists."
	default:
		return "Re-run with --verbose for details."
	}
}
