package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/synapsedb/synapse/pkg/types"
)

// The write-ahead log is the durable source of truth between reconciler
// flushes. Entries are framed as a u32 little-endian length prefix followed
// by a MsgPack payload, matching the wire protocol's serialization.

// ErrTransactionOpen is returned when beginning a transaction while one is
// already in progress.
var ErrTransactionOpen = errors.New("transaction already in progress")

// ErrNoTransaction is returned when committing or rolling back without an
// open transaction.
var ErrNoTransaction = errors.New("no transaction in progress")

// OpKind discriminates WAL operations.
type OpKind uint8

const (
	OpWriteConcept OpKind = iota
	OpWriteAssociation
	OpDeleteConcept
	OpDeleteAssociation
	OpBeginTransaction
	OpCommitTransaction
	OpRollbackTransaction
)

// Operation is a single logged mutation. Only the fields relevant to Kind
// are populated.
type Operation struct {
	Kind OpKind `msgpack:"kind"`

	// WriteConcept / DeleteConcept
	ConceptID  types.ConceptID `msgpack:"concept_id,omitempty"`
	Content    []byte          `msgpack:"content,omitempty"`
	Vector     []float32       `msgpack:"vector,omitempty"`
	Strength   float32         `msgpack:"strength,omitempty"`
	Confidence float32         `msgpack:"confidence,omitempty"`
	Created    uint64          `msgpack:"created,omitempty"`
	Modified   uint64          `msgpack:"modified,omitempty"`

	// WriteAssociation / DeleteAssociation
	Source          types.ConceptID       `msgpack:"source,omitempty"`
	Target          types.ConceptID       `msgpack:"target,omitempty"`
	AssociationType types.AssociationType `msgpack:"association_type,omitempty"`

	// Begin/Commit/Rollback
	TransactionID uint64 `msgpack:"transaction_id,omitempty"`
}

// LogEntry is one framed WAL record.
type LogEntry struct {
	Sequence  uint64    `msgpack:"sequence"`
	Timestamp uint64    `msgpack:"timestamp"` // microseconds since epoch
	Op        Operation `msgpack:"op"`
	TxnID     *uint64   `msgpack:"txn_id,omitempty"`
}

// WAL is an append-only operation log with transaction support. A single
// appender per shard is assumed; the internal mutex is held only for the
// duration of one framed write.
type WAL struct {
	path  string
	fsync bool

	mu      sync.Mutex
	file    *os.File
	nextSeq atomic.Uint64

	currentTxn *uint64
	nextTxnID  atomic.Uint64
}

// Create makes a new WAL file (or appends to an existing empty one).
func Create(path string, fsync bool) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create WAL file: %w", err)
	}
	w := &WAL{path: path, fsync: fsync, file: file}
	w.nextTxnID.Store(1)
	return w, nil
}

// Open opens an existing WAL, scanning it to recover the next sequence
// number. A missing file is created.
func Open(path string, fsync bool) (*WAL, error) {
	entries, err := ReadEntries(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	w, err := Create(path, fsync)
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		w.nextSeq.Store(entries[len(entries)-1].Sequence + 1)
	}
	return w, nil
}

// Append logs one operation and returns its sequence number. When fsync is
// enabled the entry is durable before Append returns.
func (w *WAL) Append(op Operation) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.appendLocked(op)
}

func (w *WAL) appendLocked(op Operation) (uint64, error) {
	seq := w.nextSeq.Add(1) - 1
	entry := LogEntry{
		Sequence:  seq,
		Timestamp: types.NowMicros(),
		Op:        op,
		TxnID:     w.currentTxn,
	}

	payload, err := msgpack.Marshal(&entry)
	if err != nil {
		return 0, fmt.Errorf("failed to serialize WAL entry: %w", err)
	}

	var frame [4]byte
	binary.LittleEndian.PutUint32(frame[:], uint32(len(payload)))
	if _, err := w.file.Write(frame[:]); err != nil {
		return 0, fmt.Errorf("failed to write WAL length prefix: %w", err)
	}
	if _, err := w.file.Write(payload); err != nil {
		return 0, fmt.Errorf("failed to write WAL entry: %w", err)
	}

	if w.fsync {
		if err := w.file.Sync(); err != nil {
			return 0, fmt.Errorf("failed to fsync WAL: %w", err)
		}
	}
	return seq, nil
}

// BeginTransaction opens a transaction; subsequent appends carry its id
// until commit or rollback. Only one transaction may be open at a time.
func (w *WAL) BeginTransaction() (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentTxn != nil {
		return 0, ErrTransactionOpen
	}

	txnID := w.nextTxnID.Add(1) - 1
	if _, err := w.appendLocked(Operation{Kind: OpBeginTransaction, TransactionID: txnID}); err != nil {
		return 0, err
	}
	w.currentTxn = &txnID
	return txnID, nil
}

// CommitTransaction commits the open transaction.
func (w *WAL) CommitTransaction() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentTxn == nil {
		return ErrNoTransaction
	}
	txnID := *w.currentTxn
	w.currentTxn = nil
	if _, err := w.appendLocked(Operation{Kind: OpCommitTransaction, TransactionID: txnID}); err != nil {
		return err
	}
	return nil
}

// RollbackTransaction rolls back the open transaction.
func (w *WAL) RollbackTransaction() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentTxn == nil {
		return ErrNoTransaction
	}
	txnID := *w.currentTxn
	w.currentTxn = nil
	if _, err := w.appendLocked(Operation{Kind: OpRollbackTransaction, TransactionID: txnID}); err != nil {
		return err
	}
	return nil
}

// InTransaction reports whether a transaction is open.
func (w *WAL) InTransaction() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentTxn != nil
}

// Sync forces a flush and fsync.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}
	return nil
}

// Truncate resets the log to length zero and the sequence to 0.
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close WAL for truncation: %w", err)
	}
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_TRUNC|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to truncate WAL: %w", err)
	}
	w.file = file
	w.nextSeq.Store(0)
	w.currentTxn = nil
	return nil
}

// Sequence returns the next sequence number to be assigned.
func (w *WAL) Sequence() uint64 {
	return w.nextSeq.Load()
}

// Path returns the WAL file path.
func (w *WAL) Path() string {
	return w.path
}

// Close flushes and closes the log file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to sync WAL on close: %w", err)
	}
	return w.file.Close()
}

// ReadEntries scans all entries from a WAL file in order. A truncated
// trailing frame ends the scan without error.
func ReadEntries(path string) ([]LogEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}
	defer file.Close()

	var entries []LogEntry
	var frame [4]byte
	for {
		if _, err := io.ReadFull(file, frame[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, fmt.Errorf("failed to read WAL length prefix: %w", err)
		}
		length := binary.LittleEndian.Uint32(frame[:])

		payload := make([]byte, length)
		if _, err := io.ReadFull(file, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				// Torn tail write; everything before it is intact.
				break
			}
			return nil, fmt.Errorf("failed to read WAL entry: %w", err)
		}

		var entry LogEntry
		if err := msgpack.Unmarshal(payload, &entry); err != nil {
			return nil, fmt.Errorf("failed to deserialize WAL entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Replay returns the committed operation stream: non-transactional entries
// in order, transactional entries only once their transaction commits.
// Rolled-back and unterminated transactions are discarded.
func Replay(path string) ([]LogEntry, error) {
	entries, err := ReadEntries(path)
	if err != nil {
		return nil, err
	}

	var committed []LogEntry
	buffered := make(map[uint64][]LogEntry)

	for _, entry := range entries {
		switch entry.Op.Kind {
		case OpBeginTransaction:
			buffered[entry.Op.TransactionID] = nil
		case OpCommitTransaction:
			if ops, ok := buffered[entry.Op.TransactionID]; ok {
				committed = append(committed, ops...)
				delete(buffered, entry.Op.TransactionID)
			}
		case OpRollbackTransaction:
			delete(buffered, entry.Op.TransactionID)
		default:
			if entry.TxnID != nil {
				buffered[*entry.TxnID] = append(buffered[*entry.TxnID], entry)
			} else {
				committed = append(committed, entry)
			}
		}
	}
	return committed, nil
}
