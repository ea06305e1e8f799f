package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synapsedb/synapse/pkg/types"
	"github.com/synapsedb/synapse/pkg/wal"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	cfg.VectorDimension = 8
	cfg.ReconcileInterval = 5 * time.Millisecond
	cfg.FlushEveryN = 10
	return cfg
}

func openEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

// waitVisible polls until the concept appears in the snapshot, bounded by
// a couple of reconciler ticks plus slack.
func waitVisible(t *testing.T, e *Engine, id types.ConceptID) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.QueryConcept(id) != nil
	}, 2*time.Second, 2*time.Millisecond)
}

func TestLearnAndRead(t *testing.T) {
	e := openEngine(t, testConfig(t))

	id := types.NewConceptID([]byte("hello"))
	vector := []float32{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8}

	seq, err := e.LearnConcept(id, []byte("hello"), vector, 1.0, 1.0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), seq)

	waitVisible(t, e, id)
	node := e.QueryConcept(id)
	require.NotNil(t, node)
	assert.Equal(t, []byte("hello"), node.Content)
	assert.Equal(t, vector, node.Vector)
}

func TestLearnRejectsWrongDimension(t *testing.T) {
	e := openEngine(t, testConfig(t))

	id := types.NewConceptID([]byte("bad"))
	_, err := e.LearnConcept(id, []byte("bad"), []float32{1, 2}, 1.0, 1.0)
	assert.Error(t, err)
}

func TestPathQuery(t *testing.T) {
	e := openEngine(t, testConfig(t))

	a := types.NewConceptID([]byte("a"))
	b := types.NewConceptID([]byte("b"))
	c := types.NewConceptID([]byte("c"))
	d := types.NewConceptID([]byte("unrelated"))

	for _, content := range []string{"a", "b", "c", "unrelated"} {
		_, err := e.LearnConcept(types.NewConceptID([]byte(content)), []byte(content), nil, 1.0, 1.0)
		require.NoError(t, err)
	}
	_, err := e.LearnAssociation(a, b, types.AssociationSemantic, 0.9)
	require.NoError(t, err)
	_, err = e.LearnAssociation(b, c, types.AssociationSemantic, 0.9)
	require.NoError(t, err)

	waitVisible(t, e, a)
	require.Eventually(t, func() bool {
		return len(e.QueryNeighbors(b)) == 2
	}, 2*time.Second, 2*time.Millisecond)

	assert.Equal(t, []types.ConceptID{a, b, c}, e.FindPath(a, c, 5))
	assert.Nil(t, e.FindPath(a, d, 5))
}

func TestVectorSearch(t *testing.T) {
	e := openEngine(t, testConfig(t))

	ids := make([]types.ConceptID, 8)
	for i := 0; i < 8; i++ {
		vec := make([]float32, 8)
		vec[i] = 1
		id := types.NewConceptID([]byte{byte(i)})
		ids[i] = id
		_, err := e.LearnConcept(id, []byte{byte(i)}, vec, 1.0, 1.0)
		require.NoError(t, err)
	}
	waitVisible(t, e, ids[7])

	query := make([]float32, 8)
	query[3] = 1
	matches, err := e.VectorSearch(query, 1, 40)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, ids[3], matches[0].ID)
	assert.InDelta(t, 1.0, matches[0].Similarity, 1e-5)
}

func TestVectorSearchZeroK(t *testing.T) {
	e := openEngine(t, testConfig(t))

	query := make([]float32, 8)
	matches, err := e.VectorSearch(query, 0, 40)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestCrashRecoveryFromWAL(t *testing.T) {
	dir := t.TempDir()

	// Simulate a process that appended to the WAL and died before any
	// reconciliation flush: only wal.log exists.
	w, err := wal.Create(filepath.Join(dir, "wal.log"), true)
	require.NoError(t, err)

	ids := make([]types.ConceptID, 10)
	for i := 0; i < 10; i++ {
		content := []byte{byte('0' + i)}
		ids[i] = types.NewConceptID(content)
		now := types.NowMicros()
		_, err := w.Append(wal.Operation{
			Kind:       wal.OpWriteConcept,
			ConceptID:  ids[i],
			Content:    content,
			Strength:   1.0,
			Confidence: 1.0,
			Created:    now,
			Modified:   now,
		})
		require.NoError(t, err)
	}
	_, err = w.Append(wal.Operation{
		Kind:            wal.OpWriteAssociation,
		Source:          ids[0],
		Target:          ids[1],
		AssociationType: types.AssociationSemantic,
		Confidence:      0.9,
		Created:         types.NowMicros(),
	})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	cfg := DefaultConfig(dir)
	cfg.VectorDimension = 8
	e := openEngine(t, cfg)

	for _, id := range ids {
		node := e.QueryConcept(id)
		require.NotNil(t, node, "concept %s lost after restart", id)
	}
	assert.Equal(t, []types.ConceptID{ids[1]}, e.QueryNeighbors(ids[0]))
	assert.Equal(t, []types.ConceptID{ids[0]}, e.QueryNeighbors(ids[1]))
}

func TestRestartAfterCleanClose(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.VectorDimension = 8
	cfg.ReconcileInterval = 5 * time.Millisecond

	id := types.NewConceptID([]byte("persist me"))

	e1, err := Open(cfg)
	require.NoError(t, err)
	_, err = e1.LearnConcept(id, []byte("persist me"), nil, 1.0, 1.0)
	require.NoError(t, err)
	require.NoError(t, e1.Flush())
	require.NoError(t, e1.Close())

	// Segments, manifest and WAL all exist now.
	_, err = os.Stat(filepath.Join(dir, "manifest.json"))
	require.NoError(t, err)

	e2 := openEngine(t, cfg)
	node := e2.QueryConcept(id)
	require.NotNil(t, node)
	assert.Equal(t, []byte("persist me"), node.Content)
}

func TestDeleteConcept(t *testing.T) {
	e := openEngine(t, testConfig(t))

	id := types.NewConceptID([]byte("doomed"))
	_, err := e.LearnConcept(id, []byte("doomed"), nil, 1.0, 1.0)
	require.NoError(t, err)
	waitVisible(t, e, id)

	_, err = e.DeleteConcept(id)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return e.QueryConcept(id) == nil
	}, 2*time.Second, 2*time.Millisecond)
}

func TestLearnConceptV2DerivesContentHash(t *testing.T) {
	e := openEngine(t, testConfig(t))

	id, err := e.LearnConceptV2(context.Background(), "content addressed", DefaultV2Options())
	require.NoError(t, err)
	assert.Equal(t, types.NewConceptID([]byte("content addressed")), id)

	// Idempotent with respect to identity.
	again, err := e.LearnConceptV2(context.Background(), "content addressed", DefaultV2Options())
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestLearnBatchSingleTransaction(t *testing.T) {
	e := openEngine(t, testConfig(t))

	contents := []string{"alpha", "beta", "gamma"}
	ids, err := e.LearnBatch(context.Background(), contents, DefaultV2Options())
	require.NoError(t, err)
	require.Len(t, ids, 3)

	for i, id := range ids {
		assert.Equal(t, types.NewConceptID([]byte(contents[i])), id)
		waitVisible(t, e, id)
	}

	// The WAL holds one committed transaction covering all three writes.
	require.NoError(t, e.Close())
	committed, err := wal.Replay(filepath.Join(e.cfg.StoragePath, "wal.log"))
	require.NoError(t, err)

	var txnID *uint64
	writes := 0
	for _, entry := range committed {
		if entry.Op.Kind == wal.OpWriteConcept {
			writes++
			require.NotNil(t, entry.TxnID)
			if txnID == nil {
				txnID = entry.TxnID
			} else {
				assert.Equal(t, *txnID, *entry.TxnID)
			}
		}
	}
	assert.Equal(t, 3, writes)
}

func TestFlushIdempotent(t *testing.T) {
	e := openEngine(t, testConfig(t))

	id := types.NewConceptID([]byte("flush twice"))
	_, err := e.LearnConcept(id, []byte("flush twice"), nil, 1.0, 1.0)
	require.NoError(t, err)

	require.NoError(t, e.Flush())
	statsAfterFirst := e.Stats()

	require.NoError(t, e.Flush())
	statsAfterSecond := e.Stats()

	assert.Equal(t, statsAfterFirst.Snapshot.ConceptCount, statsAfterSecond.Snapshot.ConceptCount)
	assert.Zero(t, statsAfterSecond.Reconciler.PendingPersist)
}

func TestStatsAndHealth(t *testing.T) {
	e := openEngine(t, testConfig(t))

	_, err := e.LearnConcept(types.NewConceptID([]byte("s")), []byte("s"), nil, 1.0, 1.0)
	require.NoError(t, err)

	stats := e.Stats()
	assert.Equal(t, uint64(1), stats.WriteLog.Written)

	health := e.HealthCheck()
	assert.True(t, health.Healthy)
	assert.Equal(t, "ok", health.Status)
}

func TestOperationsAfterCloseFail(t *testing.T) {
	e := openEngine(t, testConfig(t))
	require.NoError(t, e.Close())

	_, err := e.LearnConcept(types.NewConceptID([]byte("late")), []byte("late"), nil, 1.0, 1.0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, e.Flush(), ErrClosed)
}

func TestWordSearch(t *testing.T) {
	e := openEngine(t, testConfig(t))

	id, err := e.LearnConceptV2(context.Background(), "gravity bends light", DefaultV2Options())
	require.NoError(t, err)
	waitVisible(t, e, id)

	results := e.SearchWords([]string{"gravity", "light"})
	assert.Contains(t, results, id)
}

func TestReinforceConcept(t *testing.T) {
	e := openEngine(t, testConfig(t))

	id := types.NewConceptID([]byte("reinforce"))
	_, err := e.LearnConcept(id, []byte("reinforce"), nil, 0.5, 1.0)
	require.NoError(t, err)
	waitVisible(t, e, id)

	require.NoError(t, e.ReinforceConcept(id, 0.9))

	require.Eventually(t, func() bool {
		node := e.QueryConcept(id)
		return node != nil && node.Strength == 0.9
	}, 2*time.Second, 2*time.Millisecond)
}

func TestAccessTracking(t *testing.T) {
	e := openEngine(t, testConfig(t))

	id := types.NewConceptID([]byte("hot"))
	_, err := e.LearnConcept(id, []byte("hot"), nil, 1.0, 1.0)
	require.NoError(t, err)
	waitVisible(t, e, id)

	// Reads queue access records that the reconciler folds in.
	e.QueryConcept(id)
	e.QueryConcept(id)

	require.Eventually(t, func() bool {
		node := e.view.Load().GetConcept(id)
		return node != nil && node.AccessCount >= 2
	}, 2*time.Second, 2*time.Millisecond)
}
