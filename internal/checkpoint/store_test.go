package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "checkpoints"), 10, nil)
}

func TestLoadMissingReturnsFresh(t *testing.T) {
	store := newTestStore(t)

	cp, err := store.Load("KAFKA")
	require.NoError(t, err)
	assert.Equal(t, "KAFKA", cp.SourceID)
	assert.Zero(t, cp.NextOffset)
	assert.Zero(t, cp.ProcessedCount())
	assert.Empty(t, cp.Errors)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := newTestStore(t)

	cp := New("KAFKA", 10)
	cp.MarkProcessed("KAFKA-1")
	cp.MarkProcessed("KAFKA-2")
	cp.AdvanceOffset(2)
	cp.SetTotal(7)
	cp.RecordError("timeout")
	cp.SetExtra("project", map[string]any{"name": "Kafka"})
	require.NoError(t, store.Save(cp))

	loaded, err := store.Load("KAFKA")
	require.NoError(t, err)
	assert.Equal(t, []string{"KAFKA-1", "KAFKA-2"}, loaded.ProcessedIDs())
	assert.Equal(t, 2, loaded.NextOffset)
	assert.Equal(t, 7, loaded.TotalRecords)
	assert.False(t, loaded.Completed)
	require.Len(t, loaded.Errors, 1)
	assert.Equal(t, "timeout", loaded.Errors[0].Message)
	assert.False(t, loaded.LastUpdated.IsZero())

	project, ok := loaded.Extra["project"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Kafka", project["name"])
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(New("KAFKA", 0)))
	require.NoError(t, store.Save(New("KAFKA", 0)))

	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "KAFKA_checkpoint.json", entries[0].Name())
}

func TestLoadCorruptFallsBackToZeroState(t *testing.T) {
	store := newTestStore(t)

	cp := New("KAFKA", 0)
	cp.MarkProcessed("KAFKA-1")
	cp.AdvanceOffset(1)
	require.NoError(t, store.Save(cp))

	// Simulate a writer killed halfway through a non-atomic write.
	data, err := os.ReadFile(store.Path("KAFKA"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(store.Path("KAFKA"), data[:len(data)/2], 0o644))

	loaded, err := store.Load("KAFKA")
	require.NoError(t, err)
	assert.Zero(t, loaded.NextOffset)
	assert.Zero(t, loaded.ProcessedCount())
	require.Len(t, loaded.Errors, 1)
	assert.Contains(t, loaded.Errors[0].Message, "discarded invalid checkpoint")
}

func TestInterruptedSaveKeepsPreviousState(t *testing.T) {
	store := newTestStore(t)

	cp := New("KAFKA", 0)
	cp.MarkProcessed("KAFKA-1")
	cp.AdvanceOffset(1)
	require.NoError(t, store.Save(cp))

	// A crash before the rename leaves only a partial temp file behind.
	partial := filepath.Join(store.Dir(), "KAFKA_checkpoint.json.123.tmp")
	require.NoError(t, os.WriteFile(partial, []byte(`{"source_id": "KAF`), 0o644))

	loaded, err := store.Load("KAFKA")
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.NextOffset)
	assert.True(t, loaded.IsProcessed("KAFKA-1"))
}

func TestLoadRejectsStructurallyInvalid(t *testing.T) {
	cases := map[string]string{
		"missing processed_ids": `{"source_id":"KAFKA","next_offset":0,"completed":false}`,
		"negative offset":       `{"source_id":"KAFKA","processed_ids":[],"next_offset":-1,"completed":false}`,
		"wrong source":          `{"source_id":"SPARK","processed_ids":[],"next_offset":0,"completed":false}`,
		"missing completed":     `{"source_id":"KAFKA","processed_ids":[],"next_offset":0}`,
		"not an object":         `[1,2,3]`,
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			store := newTestStore(t)
			require.NoError(t, os.MkdirAll(store.Dir(), 0o755))
			require.NoError(t, os.WriteFile(store.Path("KAFKA"), []byte(body), 0o644))

			cp, err := store.Load("KAFKA")
			require.NoError(t, err)
			assert.Zero(t, cp.ProcessedCount())
			assert.Zero(t, cp.NextOffset)
			assert.False(t, cp.Completed)
		})
	}
}

func TestResetRemovesCheckpoint(t *testing.T) {
	store := newTestStore(t)
	cp := New("KAFKA", 0)
	cp.MarkCompleted()
	require.NoError(t, store.Save(cp))

	require.NoError(t, store.Reset("KAFKA"))
	require.NoError(t, store.Reset("KAFKA"))

	loaded, err := store.Load("KAFKA")
	require.NoError(t, err)
	assert.False(t, loaded.Completed)
}

func TestListSkipsInvalid(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(New("SPARK", 0)))
	require.NoError(t, store.Save(New("KAFKA", 0)))
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "BROKEN_checkpoint.json"), []byte("{"), 0o644))

	list, err := store.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "KAFKA", list[0].SourceID)
	assert.Equal(t, "SPARK", list[1].SourceID)
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "KAFKA", SanitizeFilename("KAFKA"))
	assert.Equal(t, "a_b_c", SanitizeFilename("a/b c"))
	assert.Equal(t, "x", SanitizeFilename(".x."))
}
