package history

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestRecordAndRecent(t *testing.T) {
	j := openTestJournal(t)

	require.NoError(t, j.Record("srv1", "asdf", 1, 1567146136))
	require.NoError(t, j.Record("srv1", "asdf", 2, 1567232536))
	require.NoError(t, j.Record("srv1", "burp", 7, 1567000000))
	require.NoError(t, j.Record("srv2", "asdf", 9, 1567100000))

	entries, err := j.Recent("srv1", "asdf", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.EqualValues(t, 2, entries[0].Number, "newest first")
	assert.EqualValues(t, 1, entries[1].Number)
	assert.False(t, entries[0].FirstSeen.IsZero())

	// Scoped per server and client.
	entries, err = j.Recent("srv2", "asdf", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.EqualValues(t, 9, entries[0].Number)

	entries, err = j.Recent("srv1", "unknown", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// Re-recording the backup a client already sits on must not grow the
// journal; every snapshot reports the current backup again.
func TestRecordDeduplicates(t *testing.T) {
	j := openTestJournal(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, j.Record("srv1", "asdf", 4, 1567146136))
	}
	entries, err := j.Recent("srv1", "asdf", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	// A new number is a new row, and going back (a deleted backup) too.
	require.NoError(t, j.Record("srv1", "asdf", 5, 1567232536))
	require.NoError(t, j.Record("srv1", "asdf", 4, 1567146136))
	entries, err = j.Recent("srv1", "asdf", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestRecentLimit(t *testing.T) {
	j := openTestJournal(t)
	for i := int64(1); i <= 10; i++ {
		require.NoError(t, j.Record("srv1", "asdf", i, 1567000000+i))
	}
	entries, err := j.Recent("srv1", "asdf", 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.EqualValues(t, 10, entries[0].Number)
	assert.EqualValues(t, 8, entries[2].Number)
}
