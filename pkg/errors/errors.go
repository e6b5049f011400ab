// Package errors holds the error types shared by the file-based front ends:
// plugin manifests, flow definitions, the catalog and the runtime config.
package errors

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrMalformed matches every *ParseError.
	ErrMalformed = errors.New("malformed document")
	// ErrInvalid matches every *ValidationError.
	ErrInvalid = errors.New("invalid document")
)

// ParseError locates a document that could not be decoded.
type ParseError struct {
	Path string
	// Line is 1-based, or 0 when the decoder reported no position.
	Line int
	Err  error
}

// NewParseError constructs a ParseError.
func NewParseError(path string, line int, err error) error {
	return &ParseError{Path: path, Line: line, Err: err}
}

// Position renders the location as path or path:line.
func (e *ParseError) Position() string {
	if e.Line > 0 {
		return e.Path + ":" + strconv.Itoa(e.Line)
	}
	return e.Path
}

func (e *ParseError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return "cannot decode " + e.Position()
	}
	return fmt.Sprintf("cannot decode %s: %v", e.Position(), e.Err)
}

func (e *ParseError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *ParseError) Is(target error) bool { return target == ErrMalformed }

// ValidationError names the field of a decoded document that breaks a rule.
type ValidationError struct {
	// Field is a path such as steps[1].plugin; empty means the whole document.
	Field  string
	Reason string
	Err    error
}

// NewValidationError constructs a ValidationError.
func NewValidationError(field, reason string, err error) error {
	return &ValidationError{Field: field, Reason: reason, Err: err}
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Field == "" {
		return "invalid: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalid }

// StepError attributes a failure to the flow step that produced it.
type StepError struct {
	Step   string
	Plugin string
	Err    error
}

// NewStepError constructs a StepError.
func NewStepError(step, plugin string, err error) error {
	return &StepError{Step: step, Plugin: plugin, Err: err}
}

func (e *StepError) Error() string {
	if e == nil {
		return ""
	}
	if e.Plugin != "" {
		return fmt.Sprintf("step %s [%s]: %v", e.Step, e.Plugin, e.Err)
	}
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
