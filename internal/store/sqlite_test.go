package store

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/corpsignal/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func testSignal(id, sig string) model.Signal {
	return model.Signal{
		ID:        id,
		EntityID:  "ent-1",
		Agent:     "direct-impact",
		Category:  model.CategoryFinancial,
		Type:      model.SignalRisk,
		Title:     "Liquidity squeeze",
		Evidence:  []model.EvidenceRef{{Ref: "news-1"}},
		Signature: sig,
	}
}

func TestSQLite_MigrateIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Migrate(context.Background()))
}

func TestSQLite_SaveSignalsAndLookup(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	n, err := st.SaveSignals(ctx, "ent-1", []model.Signal{testSignal("a", "sig-a"), testSignal("b", "sig-b")})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	found, err := st.SignaturesExist(ctx, "ent-1", []string{"sig-a", "sig-c"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"sig-a": true}, found)

	// Other entities do not see these signatures.
	found, err = st.SignaturesExist(ctx, "ent-2", []string{"sig-a"})
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestSQLite_SaveSignalsIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.SaveSignals(ctx, "ent-1", []model.Signal{testSignal("a", "sig-a")})
	require.NoError(t, err)

	n, err := st.SaveSignals(ctx, "ent-1", []model.Signal{testSignal("a2", "sig-a"), testSignal("b", "sig-b")})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLite_SaveSignalsRequiresSignature(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.SaveSignals(context.Background(), "ent-1", []model.Signal{testSignal("a", "")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no signature")
}

func TestSQLite_SignaturesExistManyBatches(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.SaveSignals(ctx, "ent-1", []model.Signal{testSignal("last", "sig-1199")})
	require.NoError(t, err)

	sigs := make([]string, 1200)
	for i := range sigs {
		sigs[i] = "sig-" + strconv.Itoa(i)
	}
	found, err := st.SignaturesExist(ctx, "ent-1", sigs)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"sig-1199": true}, found)
}

func TestSQLite_ProfileCache(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return now }

	miss, err := st.GetCachedProfile(ctx, "ent-1")
	require.NoError(t, err)
	assert.Nil(t, miss)

	p := model.Profile{
		EntityID: "ent-1",
		Fields:   []model.ConsensusField{{Field: "revenue", Resolved: "12B", AgreementScore: 1, ContributingSources: []string{"validator"}}},
		Layer:    model.LayerValidation,
	}
	require.NoError(t, st.SetCachedProfile(ctx, p, time.Hour))

	got, err := st.GetCachedProfile(ctx, "ent-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.LayerValidation, got.Layer)
	assert.Equal(t, "12B", got.Fields[0].Resolved)

	// Overwrite replaces the entry.
	p.Layer = model.LayerSynthesis
	require.NoError(t, st.SetCachedProfile(ctx, p, time.Hour))
	got, err = st.GetCachedProfile(ctx, "ent-1")
	require.NoError(t, err)
	assert.Equal(t, model.LayerSynthesis, got.Layer)

	// Expired entries read as a miss.
	now = now.Add(2 * time.Hour)
	got, err = st.GetCachedProfile(ctx, "ent-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLite_Runs(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	run := model.Run{
		ID:          "run-1",
		EntityID:    "ent-1",
		Kind:        model.RunKindExtraction,
		Status:      model.RunStatusPartial,
		Diagnostics: map[string]any{"removed_within_batch": float64(1)},
		StartedAt:   started,
		FinishedAt:  started.Add(3 * time.Second),
	}
	require.NoError(t, st.SaveRun(ctx, run))

	got, err := st.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunKindExtraction, got.Kind)
	assert.Equal(t, model.RunStatusPartial, got.Status)
	assert.Equal(t, float64(1), got.Diagnostics["removed_within_batch"])
	assert.True(t, got.StartedAt.Equal(started))

	_, err = st.GetRun(ctx, "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestChunks(t *testing.T) {
	assert.Nil(t, chunks(nil, 2))
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, chunks([]string{"a", "b", "c"}, 2))
	assert.Equal(t, [][]string{{"a", "b"}}, chunks([]string{"a", "b"}, 2))
}

func TestOpen(t *testing.T) {
	st, err := Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "open.db"))
	require.NoError(t, err)
	require.NoError(t, st.Close())

	_, err = Open(context.Background(), "mysql", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown driver")
}
