package catalog

import (
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/stretchr/testify/assert"

	"github.com/alexisbeaulieu97/flowplug/internal/plugin"
)

func TestStatusOf(t *testing.T) {
	tests := []struct {
		state plugin.State
		want  Status
	}{
		{plugin.StateDiscovered, StatusReady},
		{plugin.StateLoaded, StatusReady},
		{plugin.StateConnected, StatusLive},
		{plugin.StateActive, StatusLive},
		{plugin.StateClosed, StatusClosed},
		{plugin.StateFailed, StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, StatusOf(tt.state))
		})
	}
}

func TestStatus_Icons(t *testing.T) {
	tests := []struct {
		status   Status
		icon     string
		fallback string
		color    lipgloss.Color
	}{
		{StatusLive, "🟢", "[ON]", lipgloss.Color("42")},
		{StatusReady, "🔵", "[OK]", lipgloss.Color("39")},
		{StatusFailed, "🔴", "[XX]", lipgloss.Color("196")},
		{StatusMissing, "🟡", "[!!]", lipgloss.Color("226")},
		{StatusClosed, "⚪", "[--]", lipgloss.Color("250")},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			assert.Equal(t, tt.icon, tt.status.Icon())
			assert.Equal(t, tt.fallback, tt.status.IconFallback())
			assert.Equal(t, tt.color, tt.status.Color())
		})
	}
}

func TestFlowID(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/flows/Nightly Docs.yaml", "nightly-docs"},
		{"ingest_v2.yml", "ingest-v2"},
		{"--weird--.yaml", "weird"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			id := FlowID(tt.path)
			assert.Equal(t, tt.want, id)
			assert.NoError(t, ValidateFlowID(id))
		})
	}

	generated := FlowID("/flows/.yaml")
	assert.Regexp(t, `^flow-[0-9a-f]{8}$`, generated)
	assert.NoError(t, ValidateFlowID(generated))
}

func TestValidateFlowID(t *testing.T) {
	assert.Error(t, ValidateFlowID(""))
	assert.Error(t, ValidateFlowID("-lead"))
	assert.Error(t, ValidateFlowID(string(make([]byte, flowIDMaxLength+1))))
	assert.NoError(t, ValidateFlowID("ok-1"))
}
