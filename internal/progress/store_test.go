package progress

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jfaulkner/crawld/internal/crawler"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestCommitAndLoadRoundTrip(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	record := NewRecord("run-1", []string{"https://a.com/1", "https://a.com/2"}, crawler.RunConfig{MaxPages: 50}, now)
	record.Completed = append(record.Completed, "https://a.com/0")
	record.Failed["https://a.com/x"] = Failure{Reason: "permanent", Attempts: 1}
	require.NoError(t, store.Commit(record))

	loaded, err := store.Load("run-1")
	require.NoError(t, err)
	require.Equal(t, record.Pending, loaded.Pending)
	require.Equal(t, record.Completed, loaded.Completed)
	require.Equal(t, record.Failed, loaded.Failed)
	require.Equal(t, StateInProgress, loaded.State)
	require.Equal(t, 50, loaded.Config.MaxPages)
}

func TestLoadMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Load("nope")
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadCorruptFailsFast(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "run-1.json"), []byte("{not json"), 0o644))
	_, err = store.Load("run-1")
	require.ErrorIs(t, err, ErrCorrupt)

	// mismatched run id is corruption too
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run-2.json"), []byte(`{"run_id":"other"}`), 0o644))
	_, err = store.Load("run-2")
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestCommitLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	record := NewRecord("run-1", nil, crawler.RunConfig{}, time.Now())
	for i := 0; i < 10; i++ {
		record.Completed = append(record.Completed, fmt.Sprintf("https://a.com/%d", i))
		require.NoError(t, store.Commit(record))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "run-1.json", entries[0].Name())
}

func TestRemainingFoldsInFlightAndSkipsDone(t *testing.T) {
	record := NewRecord("run-1", nil, crawler.RunConfig{}, time.Now())
	for i := 0; i < 100; i++ {
		url := fmt.Sprintf("https://a.com/p/%d", i)
		switch {
		case i < 40:
			record.Completed = append(record.Completed, url)
		case i < 45:
			record.InFlight = append(record.InFlight, url)
		default:
			record.Pending = append(record.Pending, url)
		}
	}

	remaining := record.Remaining()
	require.Len(t, remaining, 60)
	for _, url := range remaining {
		require.False(t, record.IsDone(url))
	}
	// interrupted in-flight URLs come back
	require.Contains(t, remaining, "https://a.com/p/42")
	// completed URLs never do
	require.NotContains(t, remaining, "https://a.com/p/10")
}

func TestIsDone(t *testing.T) {
	record := NewRecord("run-1", nil, crawler.RunConfig{}, time.Now())
	record.Completed = []string{"https://a.com/done"}
	record.Failed["https://a.com/bad"] = Failure{Reason: "permanent", Attempts: 3}
	record.Skipped = []string{"https://blocked.com/x"}

	require.True(t, record.IsDone("https://a.com/done"))
	require.True(t, record.IsDone("https://a.com/bad"))
	require.True(t, record.IsDone("https://blocked.com/x"))
	require.False(t, record.IsDone("https://a.com/new"))
}

func TestList(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Commit(NewRecord("run-a", nil, crawler.RunConfig{}, time.Now())))
	require.NoError(t, store.Commit(NewRecord("run-b", nil, crawler.RunConfig{}, time.Now())))

	ids, err := store.List()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"run-a", "run-b"}, ids)
}
