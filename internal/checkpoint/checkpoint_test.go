package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStore_SaveThenLoad(t *testing.T) {
	dir := t.TempDir()
	s := NewLocalStore(dir)

	cp := Checkpoint{
		Database:         "acct",
		Table:            "orders",
		BatchNumber:      3,
		LastTimestamp:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		LastPK:           "42",
		RecordsArchived:  3000,
		BatchesProcessed: 3,
		LastBatchID:      "b-3",
	}
	require.NoError(t, s.Save(context.Background(), cp))

	loaded, err := s.Load(context.Background(), "acct", "orders")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, cp.BatchNumber, loaded.BatchNumber)
	assert.Equal(t, cp.RecordsArchived, loaded.RecordsArchived)
	assert.False(t, loaded.CheckpointTime.IsZero())
}

func TestLocalStore_LoadMissingReturnsNilNotError(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	loaded, err := s.Load(context.Background(), "acct", "orders")
	assert.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestLocalStore_ClearRemovesFile(t *testing.T) {
	dir := t.TempDir()
	s := NewLocalStore(dir)

	require.NoError(t, s.Save(context.Background(), Checkpoint{Database: "acct", Table: "orders"}))
	require.NoError(t, s.Clear(context.Background(), "acct", "orders"))

	loaded, err := s.Load(context.Background(), "acct", "orders")
	assert.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestLocalStore_ClearMissingIsNotAnError(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	assert.NoError(t, s.Clear(context.Background(), "acct", "orders"))
}
