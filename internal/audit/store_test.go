package audit

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollamashield/ollamashield/internal/domain"
)

func sampleRecord(action string) *Record {
	return &Record{
		RequestID:  "req-1",
		Endpoint:   "chat",
		Model:      "llama3",
		Direction:  domain.DirectionPrompt,
		Action:     action,
		Category:   "malicious",
		Reason:     "injection",
		Tokens:     12,
		DurationMS: 40,
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, sampleRecord("block")))
	require.NoError(t, store.Record(ctx, sampleRecord("allow")))

	records, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	// Newest first.
	assert.Equal(t, "allow", records[0].Action)
	assert.Equal(t, "block", records[1].Action)
	assert.NotEmpty(t, records[0].ID)
	assert.False(t, records[0].CreatedAt.IsZero())
}

func TestMemoryStoreLimit(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Record(ctx, sampleRecord("allow")))
	}

	records, err := store.Recent(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestMemoryStoreDropsOldest(t *testing.T) {
	store := NewMemoryStore()
	store.cap = 3
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		rec := sampleRecord("allow")
		rec.RequestID = fmt.Sprintf("req-%d", i)
		require.NoError(t, store.Record(ctx, rec))
	}

	records, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "req-4", records[0].RequestID)
	assert.Equal(t, "req-2", records[2].RequestID)
}

func TestMemoryStoreCopiesRecords(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec := sampleRecord("allow")
	require.NoError(t, store.Record(ctx, rec))
	rec.Action = "mutated"

	records, err := store.Recent(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "allow", records[0].Action, "stored record must not alias caller memory")
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()

	first := sampleRecord("block")
	first.CreatedAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, store.Record(ctx, first))

	second := sampleRecord("allow")
	second.RequestID = "req-2"
	require.NoError(t, store.Record(ctx, second))

	records, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "req-2", records[0].RequestID)
	assert.Equal(t, "allow", records[0].Action)
	assert.Equal(t, domain.DirectionPrompt, records[0].Direction)
	assert.Equal(t, 12, records[0].Tokens)
	assert.Equal(t, "block", records[1].Action)
	assert.Equal(t, "injection", records[1].Reason)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, store.Record(ctx, sampleRecord("block")))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	records, err := reopened.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "block", records[0].Action)
}
