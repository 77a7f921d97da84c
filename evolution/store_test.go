package evolution

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMemoryRecordStore_SaveGetIsSnapshot(t *testing.T) {
	store := NewMemoryRecordStore()
	ctx := context.Background()

	record := NewRecord("summarize", Context{Cause: "test"})
	require.NoError(t, store.Save(ctx, record))

	// Mutating the original after save must not leak into the store.
	record.Status = StatusFailed

	got, err := store.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	// And mutating the loaded snapshot must not leak back.
	got.Status = StatusCompleted
	again, err := store.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, again.Status)
}

func TestMemoryRecordStore_GetMissing(t *testing.T) {
	store := NewMemoryRecordStore()
	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestMemoryRecordStore_ListFilters(t *testing.T) {
	store := NewMemoryRecordStore()
	ctx := context.Background()

	a := NewRecord("summarize", Context{Cause: "a"})
	b := NewRecord("translate", Context{Cause: "b"})
	b.Status = StatusObserving
	c := NewRecord("summarize", Context{Cause: "c"})
	c.Status = StatusCompleted
	for _, r := range []*EvolutionRecord{a, b, c} {
		require.NoError(t, store.Save(ctx, r))
	}

	bySkill, err := store.List(ctx, RecordFilter{SkillName: "summarize"})
	require.NoError(t, err)
	assert.Len(t, bySkill, 2)

	byStatus, err := store.List(ctx, RecordFilter{Statuses: []Status{StatusObserving}})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, b.ID, byStatus[0].ID)

	all, err := store.List(ctx, RecordFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestMemoryRecordStore_CleanupKeepsActiveRecords(t *testing.T) {
	store := NewMemoryRecordStore()
	ctx := context.Background()

	old := NewRecord("summarize", Context{Cause: "old"})
	old.Status = StatusCompleted
	old.UpdatedAt = time.Now().Add(-8 * 24 * time.Hour)
	require.NoError(t, store.Save(ctx, old))

	activeButOld := NewRecord("translate", Context{Cause: "active"})
	activeButOld.UpdatedAt = time.Now().Add(-8 * 24 * time.Hour)
	require.NoError(t, store.Save(ctx, activeButOld))

	removed, err := store.Cleanup(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = store.Get(ctx, old.ID)
	assert.ErrorIs(t, err, ErrRecordNotFound)
	_, err = store.Get(ctx, activeButOld.ID)
	assert.NoError(t, err)
}

func TestFileRecordStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewFileRecordStore(dir, zap.NewNop())
	require.NoError(t, err)

	record := NewRecord("summarize", Context{Cause: "crash test"})
	record.ApplyPatch(Patch{Source: "function handle(input) return input end"})
	record.AddFeedback("audit", "too broad")
	require.NoError(t, store.Save(ctx, record))
	require.NoError(t, store.Close())

	reopened, err := NewFileRecordStore(dir, zap.NewNop())
	require.NoError(t, err)

	got, err := reopened.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, record.SkillName, got.SkillName)
	assert.Equal(t, StatusGenerated, got.Status)
	require.Len(t, got.Feedback, 1)
	assert.Equal(t, "too broad", got.Feedback[0].Feedback)
}

func TestFileRecordStore_SkipsUnparseableFiles(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewFileRecordStore(dir, zap.NewNop())
	require.NoError(t, err)
	record := NewRecord("summarize", Context{Cause: "test"})
	require.NoError(t, store.Save(ctx, record))

	// A truncated write from a crash must not poison the whole store.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{\"id\": \"tru"), 0o644))

	reopened, err := NewFileRecordStore(dir, zap.NewNop())
	require.NoError(t, err)
	records, err := reopened.List(ctx, RecordFilter{})
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestFileRecordStore_LeftoverTempFilesAreIgnored(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewFileRecordStore(dir, zap.NewNop())
	require.NoError(t, err)
	record := NewRecord("summarize", Context{Cause: "test"})
	require.NoError(t, store.Save(ctx, record))

	// Simulate a crash between temp write and rename.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "partial.json.tmp"), []byte("garbage"), 0o644))

	reopened, err := NewFileRecordStore(dir, zap.NewNop())
	require.NoError(t, err)
	records, err := reopened.List(ctx, RecordFilter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, record.ID, records[0].ID)
}

func TestFileRecordStore_DeleteRemovesFile(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewFileRecordStore(dir, zap.NewNop())
	require.NoError(t, err)
	record := NewRecord("summarize", Context{Cause: "test"})
	require.NoError(t, store.Save(ctx, record))
	require.NoError(t, store.Delete(ctx, record.ID))

	_, err = store.Get(ctx, record.ID)
	assert.ErrorIs(t, err, ErrRecordNotFound)
	_, statErr := os.Stat(filepath.Join(dir, record.ID+".json"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestValidateRecord(t *testing.T) {
	assert.ErrorIs(t, validateRecord(nil), ErrInvalidRecord)
	assert.ErrorIs(t, validateRecord(&EvolutionRecord{SkillName: "x"}), ErrInvalidRecord)
	assert.ErrorIs(t, validateRecord(&EvolutionRecord{ID: "x"}), ErrInvalidRecord)
	assert.NoError(t, validateRecord(NewRecord("summarize", Context{})))
}

func TestNewRecordStore_Factory(t *testing.T) {
	memory, err := NewRecordStore(StoreConfig{Type: StoreTypeMemory}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &MemoryRecordStore{}, memory)

	file, err := NewRecordStore(StoreConfig{Type: StoreTypeFile, BaseDir: t.TempDir()}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &FileRecordStore{}, file)

	_, err = NewRecordStore(StoreConfig{Type: "bogus"}, zap.NewNop())
	assert.Error(t, err)
}
