package wal

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/synapsedb/synapse/pkg/types"
)

func writeConceptOp(content string) Operation {
	return Operation{
		Kind:       OpWriteConcept,
		ConceptID:  types.NewConceptID([]byte(content)),
		Content:    []byte(content),
		Strength:   1.0,
		Confidence: 0.9,
		Created:    1000,
		Modified:   1000,
	}
}

func TestCreateWAL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")

	w, err := Create(path, false)
	require.NoError(t, err)
	defer w.Close()

	assert.Equal(t, uint64(0), w.Sequence())
}

func TestAppendAssignsSequences(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := Create(path, false)
	require.NoError(t, err)
	defer w.Close()

	seq1, err := w.Append(writeConceptOp("one"))
	require.NoError(t, err)
	seq2, err := w.Append(writeConceptOp("two"))
	require.NoError(t, err)

	assert.Equal(t, uint64(0), seq1)
	assert.Equal(t, uint64(1), seq2)
	assert.Equal(t, uint64(2), w.Sequence())
}

func TestOpenRecoversSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")

	w, err := Create(path, true)
	require.NoError(t, err)
	_, err = w.Append(writeConceptOp("a"))
	require.NoError(t, err)
	_, err = w.Append(writeConceptOp("b"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	reopened, err := Open(path, true)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, uint64(2), reopened.Sequence())
}

func TestReadEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := Create(path, true)
	require.NoError(t, err)

	_, err = w.Append(writeConceptOp("a"))
	require.NoError(t, err)
	_, err = w.Append(Operation{Kind: OpDeleteConcept, ConceptID: types.NewConceptID([]byte("a"))})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	entries, err := ReadEntries(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(0), entries[0].Sequence)
	assert.Equal(t, uint64(1), entries[1].Sequence)
	assert.Equal(t, OpDeleteConcept, entries[1].Op.Kind)
}

func TestReplayNonTransactional(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := Create(path, true)
	require.NoError(t, err)
	_, err = w.Append(writeConceptOp("a"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	committed, err := Replay(path)
	require.NoError(t, err)
	require.Len(t, committed, 1)
	assert.Equal(t, OpWriteConcept, committed[0].Op.Kind)
}

func TestTransactionCommit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := Create(path, true)
	require.NoError(t, err)

	txnID, err := w.BeginTransaction()
	require.NoError(t, err)

	_, err = w.Append(writeConceptOp("a"))
	require.NoError(t, err)
	_, err = w.Append(writeConceptOp("b"))
	require.NoError(t, err)
	require.NoError(t, w.CommitTransaction())
	require.NoError(t, w.Close())

	committed, err := Replay(path)
	require.NoError(t, err)
	require.Len(t, committed, 2)
	for _, entry := range committed {
		require.NotNil(t, entry.TxnID)
		assert.Equal(t, txnID, *entry.TxnID)
	}
}

func TestTransactionRollback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := Create(path, true)
	require.NoError(t, err)

	_, err = w.Append(writeConceptOp("keep"))
	require.NoError(t, err)

	_, err = w.BeginTransaction()
	require.NoError(t, err)
	_, err = w.Append(writeConceptOp("discard"))
	require.NoError(t, err)
	require.NoError(t, w.RollbackTransaction())
	require.NoError(t, w.Close())

	committed, err := Replay(path)
	require.NoError(t, err)
	require.Len(t, committed, 1)
	assert.Equal(t, []byte("keep"), committed[0].Op.Content)
}

func TestUnterminatedTransactionDiscarded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := Create(path, true)
	require.NoError(t, err)

	_, err = w.BeginTransaction()
	require.NoError(t, err)
	_, err = w.Append(writeConceptOp("lost"))
	require.NoError(t, err)
	// No commit: simulated crash mid-transaction.
	require.NoError(t, w.Close())

	committed, err := Replay(path)
	require.NoError(t, err)
	assert.Empty(t, committed)
}

func TestDoubleBeginFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := Create(path, false)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.BeginTransaction()
	require.NoError(t, err)

	_, err = w.BeginTransaction()
	assert.ErrorIs(t, err, ErrTransactionOpen)
}

func TestCommitWithoutTransactionFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := Create(path, false)
	require.NoError(t, err)
	defer w.Close()

	assert.ErrorIs(t, w.CommitTransaction(), ErrNoTransaction)
	assert.ErrorIs(t, w.RollbackTransaction(), ErrNoTransaction)
}

func TestTruncate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := Create(path, true)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Append(writeConceptOp("a"))
	require.NoError(t, err)

	require.NoError(t, w.Truncate())
	assert.Equal(t, uint64(0), w.Sequence())

	entries, err := ReadEntries(path)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLogEntryMsgpackRoundTrip(t *testing.T) {
	txn := uint64(7)
	entry := LogEntry{
		Sequence:  42,
		Timestamp: 1_700_000_000_000_000,
		Op: Operation{
			Kind:            OpWriteAssociation,
			Source:          types.NewConceptID([]byte("src")),
			Target:          types.NewConceptID([]byte("dst")),
			AssociationType: types.AssociationCausal,
			Confidence:      0.8,
			Created:         123,
		},
		TxnID: &txn,
	}

	data, err := msgpack.Marshal(&entry)
	require.NoError(t, err)

	var decoded LogEntry
	require.NoError(t, msgpack.Unmarshal(data, &decoded))
	assert.Equal(t, entry, decoded)
}
