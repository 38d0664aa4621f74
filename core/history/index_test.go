package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestIndex(t *testing.T) (*IndexStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), IndexFileName)
	idx, err := OpenIndex(path)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx, path
}

func TestIndexRecordAndSearch(t *testing.T) {
	idx, _ := openTestIndex(t)

	start := time.Date(2026, 8, 25, 9, 30, 0, 0, time.UTC)
	for i, line := range []string{"ls -la", "echo one", "echo two"} {
		require.NoError(t, idx.Record(CommandRecord{
			StartedAt: start.Add(time.Duration(i) * time.Minute),
			Session:   "s1",
			Line:      line,
			ExitCode:  i,
			Duration:  1500 * time.Millisecond,
		}))
	}

	recs, err := idx.Search("echo", 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "echo two", recs[0].Line, "newest first")
	assert.Equal(t, "echo one", recs[1].Line)
	assert.Equal(t, 2, recs[0].ExitCode)
	assert.Equal(t, "s1", recs[0].Session)
	assert.Equal(t, 1500*time.Millisecond, recs[0].Duration)
	assert.True(t, recs[0].StartedAt.Equal(start.Add(2*time.Minute)))

	none, err := idx.Search("nothere", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestIndexSearchEmptyTerm(t *testing.T) {
	idx, _ := openTestIndex(t)
	for _, line := range []string{"one", "two", "three"} {
		require.NoError(t, idx.Record(CommandRecord{StartedAt: time.Now(), Session: "s", Line: line}))
	}

	recs, err := idx.Search("", 2)
	require.NoError(t, err)
	require.Len(t, recs, 2, "empty term matches everything, the limit still applies")
	assert.Equal(t, "three", recs[0].Line)
	assert.Equal(t, "two", recs[1].Line)
}

func TestIndexSurvivesReopen(t *testing.T) {
	idx, path := openTestIndex(t)
	require.NoError(t, idx.Record(CommandRecord{StartedAt: time.Now(), Session: "s", Line: "persisted"}))
	require.NoError(t, idx.Close())

	again, err := OpenIndex(path)
	require.NoError(t, err)
	defer again.Close()

	recs, err := again.Search("persist", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "persisted", recs[0].Line)
}
