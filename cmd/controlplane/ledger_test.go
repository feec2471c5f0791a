package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	ledger, err := OpenLedger(context.Background(), filepath.Join(t.TempDir(), "db", "keys.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() }) //nolint:errcheck // test cleanup
	return ledger
}

func TestLedgerRecordAndList(t *testing.T) {
	ctx := context.Background()
	ledger := openTestLedger(t)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"k2", "k1"} {
		require.NoError(t, ledger.Record(ctx, KeyRecord{
			ID:            id,
			Tailnet:       "example.com",
			Description:   "bootstrap",
			Tags:          []string{"tag:web"},
			KeyHash:       HashKey("secret-" + id),
			Preauthorized: true,
			Created:       created.Add(time.Duration(i) * time.Minute),
			Expires:       created.Add(24 * time.Hour),
		}))
	}
	require.NoError(t, ledger.Record(ctx, KeyRecord{ID: "k3", Tailnet: "other.example", KeyHash: HashKey("x"), Created: created}))

	records, err := ledger.List(ctx, "example.com")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "k2", records[0].ID)
	assert.Equal(t, "k1", records[1].ID)
	assert.Equal(t, []string{"tag:web"}, records[0].Tags)
	assert.True(t, records[0].Preauthorized)
	assert.False(t, records[0].Reusable)
	assert.Equal(t, created, records[0].Created)
	assert.Equal(t, HashKey("secret-k2"), records[0].KeyHash)

	count, err := ledger.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestLedgerListUnknownTailnet(t *testing.T) {
	records, err := openTestLedger(t).List(context.Background(), "nobody.example")
	require.NoError(t, err)
	assert.NotNil(t, records)
	assert.Empty(t, records)
}

func TestLedgerRejectsDuplicateID(t *testing.T) {
	ctx := context.Background()
	ledger := openTestLedger(t)
	rec := KeyRecord{ID: "k1", Tailnet: "example.com", KeyHash: HashKey("a")}
	require.NoError(t, ledger.Record(ctx, rec))
	require.Error(t, ledger.Record(ctx, rec))
}

func TestHashKey(t *testing.T) {
	assert.Len(t, HashKey("tskey-auth-abc"), 64)
	assert.NotEqual(t, HashKey("a"), HashKey("b"))
	assert.Equal(t, HashKey("a"), HashKey("a"))
}
