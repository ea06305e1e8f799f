package events

import (
	"encoding/binary"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

var bucketEvents = []byte("events")

// Journal durably buffers events that could not reach the sink. Entries
// are keyed by an ascending sequence so drains preserve order.
type Journal struct {
	db *bolt.DB
}

// OpenJournal opens (or creates) the journal database.
func OpenJournal(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open event journal: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEvents)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create journal bucket: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Append stores one event at the tail of the journal.
func (j *Journal) Append(event *Event) error {
	data, err := msgpack.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode journaled event: %w", err)
	}

	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return b.Put(key[:], data)
	})
}

// Drain removes and returns up to max oldest events.
func (j *Journal) Drain(max int) ([]*Event, error) {
	var out []*Event
	err := j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		c := b.Cursor()

		var keys [][]byte
		for k, v := c.First(); k != nil && len(out) < max; k, v = c.Next() {
			var event Event
			if err := msgpack.Unmarshal(v, &event); err != nil {
				// Unreadable entry: drop it rather than wedge the queue.
				keys = append(keys, append([]byte(nil), k...))
				continue
			}
			out = append(out, &event)
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to drain event journal: %w", err)
	}
	return out, nil
}

// Len returns the number of buffered events.
func (j *Journal) Len() (int, error) {
	count := 0
	err := j.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketEvents).Stats().KeyN
		return nil
	})
	return count, err
}
