package capability

import (
	"errors"
	"fmt"

	"github.com/alexisbeaulieu97/flowplug/pkg/record"
)

// ErrorKind classifies a failure reported by or about a plugin.
type ErrorKind string

const (
	// ErrorConfig is a bad or missing config field, or a schema mismatch.
	ErrorConfig ErrorKind = "config"
	// ErrorConnect means the source could not be reached.
	ErrorConnect ErrorKind = "connect"
	// ErrorData means a single record failed. The handle stays usable.
	ErrorData ErrorKind = "data"
	// ErrorFatal means the plugin cannot continue. The handle is discarded.
	ErrorFatal ErrorKind = "fatal"
	// ErrorClose means the plugin failed to clean up.
	ErrorClose ErrorKind = "close"
	// ErrorLoad means the implementation could not be resolved or constructed.
	ErrorLoad ErrorKind = "load"
)

// Error is the tagged failure a plugin returns to the runtime.
type Error struct {
	Kind    ErrorKind
	Message string
	Details record.Record
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("%s error: %s", e.Kind, msg)
}

// Unwrap exposes the underlying error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches another *Error of the same kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) || other == nil {
		return false
	}
	return other.Kind == e.Kind && other.Message == "" && other.Err == nil
}

// NewError builds a tagged error.
func NewError(kind ErrorKind, message string, details record.Record) *Error {
	return &Error{Kind: kind, Message: message, Details: details}
}

// ConfigError reports a configuration problem.
func ConfigError(format string, args ...any) *Error {
	return NewError(ErrorConfig, fmt.Sprintf(format, args...), nil)
}

// ConnectError reports an unreachable source.
func ConnectError(err error, format string, args ...any) *Error {
	e := NewError(ErrorConnect, fmt.Sprintf(format, args...), nil)
	e.Err = err
	return e
}

// DataError reports a record that failed to parse or transform.
func DataError(format string, args ...any) *Error {
	return NewError(ErrorData, fmt.Sprintf(format, args...), nil)
}

// FatalError reports that the plugin cannot continue.
func FatalError(format string, args ...any) *Error {
	return NewError(ErrorFatal, fmt.Sprintf(format, args...), nil)
}

// CloseError reports a failed cleanup.
func CloseError(err error, format string, args ...any) *Error {
	e := NewError(ErrorClose, fmt.Sprintf(format, args...), nil)
	e.Err = err
	return e
}

// Sentinels for errors.Is checks by kind.
var (
	ErrConfig  = &Error{Kind: ErrorConfig}
	ErrConnect = &Error{Kind: ErrorConnect}
	ErrData    = &Error{Kind: ErrorData}
	ErrFatal   = &Error{Kind: ErrorFatal}
	ErrClose   = &Error{Kind: ErrorClose}
	ErrLoad    = &Error{Kind: ErrorLoad}
)

// KindOf extracts the kind of a tagged error anywhere in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var tagged *Error
	if errors.As(err, &tagged) && tagged != nil {
		return tagged.Kind, true
	}
	return "", false
}
