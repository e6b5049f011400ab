package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseErrorLocatesDocument(t *testing.T) {
	t.Parallel()

	underlying := fmt.Errorf("unexpected token")
	cases := []struct {
		name string
		line int
		err  error
		want string
	}{
		{name: "with line", line: 12, err: underlying, want: "cannot decode plugin.yaml:12: unexpected token"},
		{name: "without line", err: underlying, want: "cannot decode plugin.yaml: unexpected token"},
		{name: "without cause", line: 3, want: "cannot decode plugin.yaml:3"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := NewParseError("plugin.yaml", tc.line, tc.err)

			var parseErr *ParseError
			require.ErrorAs(t, err, &parseErr)
			require.Equal(t, tc.want, err.Error())
			require.ErrorIs(t, err, ErrMalformed)
			require.NotErrorIs(t, err, ErrInvalid)
			if tc.err != nil {
				require.ErrorIs(t, err, underlying)
			}
		})
	}
}

func TestValidationErrorCarriesField(t *testing.T) {
	t.Parallel()

	err := NewValidationError("steps[1].plugin", "is required", nil)

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	require.Equal(t, "steps[1].plugin", validationErr.Field)
	require.Equal(t, "invalid steps[1].plugin: is required", err.Error())
	require.ErrorIs(t, fmt.Errorf("loading flow: %w", err), ErrInvalid)

	require.Equal(t, "invalid: configuration is nil", NewValidationError("", "configuration is nil", nil).Error())
}

func TestStepErrorIncludesStepAndPlugin(t *testing.T) {
	t.Parallel()

	underlying := stdErrors.New("source unreachable")
	err := NewStepError("ingest", "csv_source", underlying)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	require.Equal(t, "ingest", stepErr.Step)
	require.True(t, stdErrors.Is(err, underlying))
	require.Equal(t, "step ingest [csv_source]: source unreachable", err.Error())
}
