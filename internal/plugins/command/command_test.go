package commandplugin

import (
	"context"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/flowplug/pkg/capability"
	"github.com/alexisbeaulieu97/flowplug/pkg/record"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("exec_command tests use POSIX shell syntax")
	}
}

func process(t *testing.T, in, cfg map[string]any) (record.Record, error) {
	t.Helper()
	return New().Process(context.Background(), record.MustFromMap(in), record.MustFromMap(cfg))
}

func TestProcessMergesReply(t *testing.T) {
	skipOnWindows(t)
	t.Parallel()

	out, err := process(t,
		map[string]any{"id": 1, "text": "hi"},
		map[string]any{"command": `cat >/dev/null; printf '{"lang":"%s"}' "$LANG_HINT"`, "env": map[string]any{"LANG_HINT": "en"}},
	)
	require.NoError(t, err)
	lang, _ := out.GetString("lang")
	assert.Equal(t, "en", lang)
	text, _ := out.GetString("text")
	assert.Equal(t, "hi", text)
}

func TestProcessEchoesRecord(t *testing.T) {
	skipOnWindows(t)
	t.Parallel()

	in := map[string]any{"id": 3, "tags": []any{"a", "b"}}
	out, err := process(t, in, map[string]any{"command": "cat", "replace": true})
	require.NoError(t, err)
	assert.True(t, out.Equal(record.MustFromMap(in)))
}

func TestProcessErrorKinds(t *testing.T) {
	skipOnWindows(t)
	t.Parallel()

	cases := []struct {
		name    string
		command string
		want    error
	}{
		{"reject exit code", "echo 'no title' >&2; exit 65", capability.ErrData},
		{"other exit code", "exit 3", capability.ErrFatal},
		{"not json", "echo plain text", capability.ErrData},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := process(t, map[string]any{"id": 1}, map[string]any{"command": tc.command})
			require.ErrorIs(t, err, tc.want)
		})
	}

	_, err := process(t, map[string]any{}, map[string]any{"command": "echo 'no title' >&2; exit 65"})
	assert.Contains(t, err.Error(), "no title")
}

func TestInitValidatesConfig(t *testing.T) {
	t.Parallel()

	cases := map[string]map[string]any{
		"missing command": {},
		"blank command":   {"command": "  "},
		"env not map":     {"command": "cat", "env": "X=1"},
		"env not string":  {"command": "cat", "env": map[string]any{"X": 1}},
		"bad workdir":     {"command": "cat", "workdir": t.TempDir() + "/absent"},
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			err := New().(capability.Initializer).Init(context.Background(), record.MustFromMap(raw))
			require.ErrorIs(t, err, capability.ErrConfig)
		})
	}
}

func TestProcessHonoursCancellation(t *testing.T) {
	skipOnWindows(t)
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().Process(ctx, record.Record{}, record.MustFromMap(map[string]any{"command": "sleep 5"}))
	require.ErrorIs(t, err, context.Canceled)
}
