package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/flowplug/internal/flow"
	"github.com/alexisbeaulieu97/flowplug/internal/manifest"
	"github.com/alexisbeaulieu97/flowplug/internal/plugin"
	"github.com/alexisbeaulieu97/flowplug/pkg/capability"
	flowerrors "github.com/alexisbeaulieu97/flowplug/pkg/errors"
)

func snapshot(name string, state plugin.State) plugin.Snapshot {
	return plugin.Snapshot{
		Name:  name,
		State: state,
		Manifest: manifest.Manifest{
			Name:       name,
			Capability: capability.KindSourceConnector,
			LoaderKind: manifest.LoaderScripted,
			EntryPoint: "main.lua:Source",
			Version:    "1.2.0",
			Path:       "/plugins/" + name + "/plugin.yaml",
		},
	}
}

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := New(filepath.Join(t.TempDir(), "state", "catalog.json"))
	require.NoError(t, err)
	c.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return c
}

func TestNewStartsEmpty(t *testing.T) {
	c := newTestCatalog(t)
	assert.Empty(t, c.List())
	_, err := c.Get("anything")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.DirExists(t, filepath.Dir(c.Path()))
}

func TestSync(t *testing.T) {
	c := newTestCatalog(t)

	added, missing := c.Sync([]plugin.Snapshot{
		snapshot("files", plugin.StateDiscovered),
		snapshot("rows", plugin.StateConnected),
	})
	assert.Equal(t, 2, added)
	assert.Zero(t, missing)

	rows, err := c.Get("rows")
	require.NoError(t, err)
	assert.Equal(t, StatusLive, rows.Status())
	assert.Equal(t, "scripted", rows.Loader)
	assert.Equal(t, "1.2.0", rows.Version)
	firstSeen := rows.FirstSeen

	c.now = func() time.Time { return firstSeen.Add(time.Hour) }
	failed := snapshot("rows", plugin.StateFailed)
	failed.LastError = "backend gone"
	added, missing = c.Sync([]plugin.Snapshot{failed})
	assert.Zero(t, added)
	assert.Equal(t, 1, missing)

	rows, err = c.Get("rows")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rows.Status())
	assert.Equal(t, "backend gone", rows.LastError)
	assert.Equal(t, firstSeen, rows.FirstSeen)
	assert.Equal(t, firstSeen.Add(time.Hour), rows.LastSeen)

	files, err := c.Get("files")
	require.NoError(t, err)
	assert.True(t, files.Missing)
	assert.Equal(t, StatusMissing, files.Status())

	assert.Equal(t, []string{"files"}, c.Prune())
	assert.Len(t, c.List(), 1)
}

func TestSaveAndReload(t *testing.T) {
	c := newTestCatalog(t)
	c.Sync([]plugin.Snapshot{snapshot("rows", plugin.StateClosed)})
	require.NoError(t, c.RecordRun("nightly", RunRecord{Flow: "nightly", Status: RunPartial, Rejected: 2}))
	require.NoError(t, c.Save())
	assert.NoFileExists(t, c.Path()+".tmp")

	reloaded, err := New(c.Path())
	require.NoError(t, err)
	rows, err := reloaded.Get("rows")
	require.NoError(t, err)
	assert.Equal(t, plugin.StateClosed, rows.State)
	assert.Equal(t, capability.KindSourceConnector, rows.Capability)

	run, ok := reloaded.LastRun("nightly")
	require.True(t, ok)
	assert.Equal(t, RunPartial, run.Status)
	assert.Equal(t, int64(2), run.Rejected)

	reloaded.ForgetRuns()
	_, ok = reloaded.LastRun("nightly")
	assert.False(t, ok)
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := New(path)
	var parseErr *flowerrors.ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, path, parseErr.Path)
}

func TestRemove(t *testing.T) {
	c := newTestCatalog(t)
	c.Sync([]plugin.Snapshot{snapshot("rows", plugin.StateDiscovered)})

	require.NoError(t, c.Remove("rows"))
	assert.ErrorIs(t, c.Remove("rows"), ErrNotFound)
}

func TestRecordRunRejectsBadID(t *testing.T) {
	c := newTestCatalog(t)
	assert.Error(t, c.RecordRun("Not An ID", RunRecord{}))
}

func TestNewRunRecord(t *testing.T) {
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))

	t.Run("clean", func(t *testing.T) {
		rec := NewRunRecord("docs", &flow.Result{RunID: "r1", Read: 3, Emitted: 3}, nil, at)
		assert.Equal(t, RunSucceeded, rec.Status)
		assert.Equal(t, "r1", rec.RunID)
		assert.Equal(t, time.UTC, rec.LastRun.Location())
		assert.Empty(t, rec.FailedSteps)
	})

	t.Run("rejections", func(t *testing.T) {
		res := &flow.Result{Read: 3, Emitted: 1, Rejected: 2, Rejections: []error{
			flowerrors.NewStepError("chunk", "text_chunker", errors.New("bad")),
			flowerrors.NewStepError("chunk", "text_chunker", errors.New("bad")),
		}}
		rec := NewRunRecord("docs", res, nil, at)
		assert.Equal(t, RunPartial, rec.Status)
		assert.Equal(t, []string{"chunk"}, rec.FailedSteps)
	})

	t.Run("failed before start", func(t *testing.T) {
		err := flowerrors.NewStepError("rows", "csv_source", errors.New("refused"))
		rec := NewRunRecord("docs", nil, err, at)
		assert.Equal(t, RunFailed, rec.Status)
		assert.Equal(t, []string{"rows"}, rec.FailedSteps)
		assert.Contains(t, rec.Error, "refused")
	})
}

func TestCatalogConcurrency(t *testing.T) {
	c := newTestCatalog(t)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			c.Sync([]plugin.Snapshot{snapshot("rows", plugin.StateActive)})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_, _ = c.Get("rows")
			_ = c.List()
		}
	}()
	wg.Wait()
}
