package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipetune/pipetune/internal/tuning"
	"github.com/pipetune/pipetune/internal/tuning/session"
	"github.com/pipetune/pipetune/internal/tuning/space"
)

func testStore(t *testing.T) *FSStore {
	t.Helper()
	fs, err := NewFSStore(t.TempDir(), nil)
	require.NoError(t, err)
	return fs
}

func testSnapshot(id string, iteration int, savedAt time.Time) session.Snapshot {
	return session.Snapshot{
		ID: id,
		Specs: []space.ParameterSpec{
			{Name: "threshold", Kind: space.Continuous, Min: 0, Max: 1, Default: 0.5},
		},
		Design: []tuning.Configuration{{"threshold": 0.25}, {"threshold": 0.75}},
		Observations: []tuning.Observation{
			{Config: tuning.Configuration{"threshold": 0.25}, Vector: []float64{0.25}, Objective: 0.4, Noise: 0.05, Source: tuning.SourceAutomated},
		},
		Iteration: iteration,
		State:     session.StateAwaiting,
		Pending:   tuning.Configuration{"threshold": 0.75},
		BestIndex: 0,
		SavedAt:   savedAt,
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	fs := testStore(t)
	snap := testSnapshot("sess-1", 3, time.Now().UTC().Truncate(time.Second))

	require.NoError(t, fs.Save(snap))

	got, err := fs.Load("sess-1")
	require.NoError(t, err)
	assert.Equal(t, snap, got)
}

func TestSaveOverwritesAtomically(t *testing.T) {
	fs := testStore(t)
	require.NoError(t, fs.Save(testSnapshot("sess-1", 1, time.Now().UTC())))
	require.NoError(t, fs.Save(testSnapshot("sess-1", 2, time.Now().UTC())))

	got, err := fs.Load("sess-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Iteration)

	// No temp file left behind.
	_, err = os.Stat(fs.snapshotPath("sess-1") + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestLoadMissingSnapshot(t *testing.T) {
	fs := testStore(t)

	_, err := fs.Load("ghost")
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "ghost", notFound.SessionID)
}

func TestSaveRejectsEmptyID(t *testing.T) {
	fs := testStore(t)
	assert.Error(t, fs.Save(session.Snapshot{}))
}

func TestListNewestFirst(t *testing.T) {
	fs := testStore(t)

	base := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, fs.Save(testSnapshot("old", 1, base.Add(-time.Hour))))
	require.NoError(t, fs.Save(testSnapshot("new", 5, base)))

	infos, err := fs.List()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "new", infos[0].SessionID)
	assert.Equal(t, 5, infos[0].Iteration)
	assert.Equal(t, "old", infos[1].SessionID)
}

func TestListSkipsCorruptedEntries(t *testing.T) {
	fs := testStore(t)
	require.NoError(t, fs.Save(testSnapshot("good", 1, time.Now().UTC())))

	dir := fs.sessionDir("bad")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "snapshot.json"), []byte("{not json"), 0o644))

	infos, err := fs.List()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "good", infos[0].SessionID)
}

func TestListEmptyStore(t *testing.T) {
	fs := testStore(t)
	infos, err := fs.List()
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestDelete(t *testing.T) {
	fs := testStore(t)
	require.NoError(t, fs.Save(testSnapshot("sess-1", 1, time.Now().UTC())))

	require.NoError(t, fs.Delete("sess-1"))
	_, err := fs.Load("sess-1")
	var notFound *NotFoundError
	assert.ErrorAs(t, err, &notFound)

	assert.ErrorAs(t, fs.Delete("sess-1"), &notFound)
}
