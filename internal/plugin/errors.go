package plugin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alexisbeaulieu97/flowplug/internal/loader"
	"github.com/alexisbeaulieu97/flowplug/pkg/capability"
	"github.com/alexisbeaulieu97/flowplug/pkg/record"
)

// Kind sentinels, usable with errors.Is on any error the registry returns.
var (
	ErrConfig  = capability.ErrConfig
	ErrConnect = capability.ErrConnect
	ErrData    = capability.ErrData
	ErrFatal   = capability.ErrFatal
	ErrClose   = capability.ErrClose
	ErrLoad    = capability.ErrLoad
)

// NotFoundError is returned when no descriptor is registered under a name.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("plugin '%s' not found in registry\nHint: run discovery or register the manifest before use", e.Name)
}

// ConflictError is returned when an operation would disturb a live handle.
type ConflictError struct {
	Name  string
	State State
	Op    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("cannot %s plugin '%s' while it is %s\nHint: close the plugin first", e.Op, e.Name, e.State)
}

// StateError is returned when an operation is not valid in the descriptor's
// current lifecycle state.
type StateError struct {
	Name   string
	State  State
	Op     string
	Reason string
}

func (e *StateError) Error() string {
	msg := fmt.Sprintf("cannot %s plugin '%s' in state %s", e.Op, e.Name, e.State)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.State == StateFailed {
		msg += "\nHint: re-register the manifest to retry a failed plugin"
	}
	return msg
}

// TimeoutError is returned when a call exceeds the configured call timeout.
// The handle has been force-closed by the time it is returned.
type TimeoutError struct {
	Name  string
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("plugin '%s' %s timed out after %s\nHint: raise call_timeout or check the plugin for blocking I/O", e.Name, e.Op, e.After)
}

// Unwrap lets callers match context.DeadlineExceeded.
func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// Error is a tagged plugin failure annotated with where it happened.
type Error struct {
	Kind    capability.ErrorKind
	Plugin  string
	Op      string
	Message string
	Details record.Record
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("plugin '%s' %s: %s error: %s", e.Plugin, e.Op, e.Kind, msg)
}

// Unwrap exposes the plugin's own error.
func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinels.
func (e *Error) Is(target error) bool {
	var sentinel *capability.Error
	if !errors.As(target, &sentinel) || sentinel == nil {
		return false
	}
	return sentinel.Message == "" && sentinel.Err == nil && sentinel.Kind == e.Kind
}

// KindOf reports the failure kind carried anywhere in err's chain.
func KindOf(err error) (capability.ErrorKind, bool) {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind, true
	}
	var loadErr *loader.LoadError
	if errors.As(err, &loadErr) {
		return capability.ErrorLoad, true
	}
	return capability.KindOf(err)
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind capability.ErrorKind) bool {
	got, ok := KindOf(err)
	return ok && got == kind
}

// normalize tags err with plugin and op. Untagged errors take fallback as
// their kind.
func normalize(name, op string, fallback capability.ErrorKind, err error) *Error {
	if err == nil {
		return nil
	}
	var already *Error
	if errors.As(err, &already) {
		return already
	}
	out := &Error{Kind: fallback, Plugin: name, Op: op, Err: err}
	var tagged *capability.Error
	if errors.As(err, &tagged) {
		out.Kind = tagged.Kind
		out.Message = tagged.Message
		if tagged.Err != nil {
			if out.Message == "" {
				out.Message = tagged.Err.Error()
			} else {
				out.Message += ": " + tagged.Err.Error()
			}
		}
		out.Details = tagged.Details
	}
	return out
}
