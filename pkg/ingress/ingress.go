package ingress

import (
	"errors"
	"sync/atomic"

	"github.com/synapsedb/synapse/pkg/semantic"
	"github.com/synapsedb/synapse/pkg/types"
)

// Capacity is the maximum number of queued entries before backpressure.
const Capacity = 100_000

// ErrFull is returned when an append cannot be accepted even after
// evicting the oldest entry.
var ErrFull = errors.New("ingress log full")

// Kind discriminates ingress entries.
type Kind uint8

const (
	KindAddConcept Kind = iota
	KindAddAssociation
	KindUpdateStrength
	KindRecordAccess
	KindDeleteConcept
	KindBatchMarker
)

// Entry is one queued write. Only the fields relevant to Kind are set.
type Entry struct {
	Kind Kind

	ID         types.ConceptID
	Content    []byte
	Vector     []float32
	Strength   float32
	Confidence float32
	Timestamp  uint64
	Semantic   *semantic.Metadata

	Association types.AssociationRecord

	BatchSequence uint64
}

// Stats is a point-in-time snapshot of the log's counters.
type Stats struct {
	Sequence uint64 `msgpack:"sequence" json:"sequence"`
	Written  uint64 `msgpack:"written" json:"written"`
	Dropped  uint64 `msgpack:"dropped" json:"dropped"`
	Pending  int    `msgpack:"pending" json:"pending"`
	Capacity int    `msgpack:"capacity" json:"capacity"`
}

// Log is a bounded multi-producer queue decoupling writers from the
// reconciler. Producers never block: a full queue evicts its oldest entry
// to admit the newest.
type Log struct {
	ch       chan Entry
	sequence atomic.Uint64
	written  atomic.Uint64
	dropped  atomic.Uint64
}

// New creates a log with the standard capacity.
func New() *Log {
	return NewWithCapacity(Capacity)
}

// NewWithCapacity creates a log with an explicit capacity.
func NewWithCapacity(capacity int) *Log {
	return &Log{ch: make(chan Entry, capacity)}
}

// Append enqueues an entry without blocking. On overflow the oldest entry
// is evicted (counted in dropped) and the new entry admitted. If a
// concurrent drain empties the queue between the full observation and the
// eviction, or the queue is refilled during the retry, ErrFull is returned.
// The sequence counter is bumped on every attempt regardless of outcome;
// on ErrFull the returned sequence is 0.
func (l *Log) Append(entry Entry) (uint64, error) {
	seq := l.sequence.Add(1) - 1

	select {
	case l.ch <- entry:
		l.written.Add(1)
		return seq, nil
	default:
	}

	// Queue full: evict exactly one oldest entry, then retry once. Only an
	// actual eviction counts in dropped.
	select {
	case <-l.ch:
		l.dropped.Add(1)
		select {
		case l.ch <- entry:
			l.written.Add(1)
			return seq, nil
		default:
			// Refilled during the retry; the evicted slot is gone.
			return 0, ErrFull
		}
	default:
		// Drained concurrently between the full observation and the
		// eviction: report full, no eviction.
		return 0, ErrFull
	}
}

// AppendConcept enqueues an AddConcept entry.
func (l *Log) AppendConcept(id types.ConceptID, content []byte, vector []float32, strength, confidence float32, meta *semantic.Metadata) (uint64, error) {
	return l.Append(Entry{
		Kind:       KindAddConcept,
		ID:         id,
		Content:    content,
		Vector:     vector,
		Strength:   strength,
		Confidence: confidence,
		Timestamp:  types.NowMicros(),
		Semantic:   meta,
	})
}

// AppendAssociation enqueues an AddAssociation entry.
func (l *Log) AppendAssociation(record types.AssociationRecord) (uint64, error) {
	return l.Append(Entry{Kind: KindAddAssociation, Association: record})
}

// DrainBatch removes up to max entries without blocking.
func (l *Log) DrainBatch(max int) []Entry {
	if max <= 0 {
		return nil
	}
	batch := make([]Entry, 0, min(max, 64))
	for len(batch) < max {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
		default:
			return batch
		}
	}
	return batch
}

// DrainAll removes every currently queued entry.
func (l *Log) DrainAll() []Entry {
	return l.DrainBatch(cap(l.ch))
}

// Requeue pushes entries back after a failed apply, preserving order as
// far as capacity allows. Entries that no longer fit are dropped.
func (l *Log) Requeue(entries []Entry) {
	for _, entry := range entries {
		select {
		case l.ch <- entry:
		default:
			l.dropped.Add(1)
		}
	}
}

// Pending returns the number of queued entries.
func (l *Log) Pending() int {
	return len(l.ch)
}

// Stats returns the current counters.
func (l *Log) Stats() Stats {
	return Stats{
		Sequence: l.sequence.Load(),
		Written:  l.written.Load(),
		Dropped:  l.dropped.Load(),
		Pending:  len(l.ch),
		Capacity: cap(l.ch),
	}
}
