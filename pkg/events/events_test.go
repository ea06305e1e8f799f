package events

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	broker := NewBroker()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	broker.Publish(NewEvent("node-1", EventFlush, nil))

	select {
	case event := <-sub.C:
		assert.Equal(t, EventFlush, event.Type)
		assert.Equal(t, "node-1", event.NodeID)
		assert.NotEmpty(t, event.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBrokerTypeFilter(t *testing.T) {
	broker := NewBroker()

	sub := broker.Subscribe(EventReconciliation)
	defer broker.Unsubscribe(sub)

	broker.Publish(NewEvent("node-1", EventFlush, nil))
	broker.Publish(NewEvent("node-1", EventReconciliation, nil))

	event := <-sub.C
	assert.Equal(t, EventReconciliation, event.Type)
	assert.Empty(t, sub.C)
}

func TestBrokerDropsWhenSubscriberFull(t *testing.T) {
	broker := NewBroker()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	// Never drained: channel fills, publishing keeps going.
	for i := 0; i < 200; i++ {
		broker.Publish(NewEvent("node-1", EventFlush, nil))
	}
	assert.Greater(t, broker.Dropped(), uint64(0))
}

func TestBrokerUnsubscribe(t *testing.T) {
	broker := NewBroker()

	sub := broker.Subscribe()
	require.Equal(t, 1, broker.Subscribers())

	broker.Unsubscribe(sub)
	assert.Zero(t, broker.Subscribers())

	// Channel is closed after unsubscribe; double unsubscribe is safe.
	_, open := <-sub.C
	assert.False(t, open)
	broker.Unsubscribe(sub)
}

func TestEmitterFansOutThroughBroker(t *testing.T) {
	broker := NewBroker()
	sub := broker.Subscribe(EventReconciliation)
	defer broker.Unsubscribe(sub)

	// No sink, no journal: events still reach broker subscribers.
	e := NewEmitter("node-1", "", nil, broker)
	e.Start()
	defer e.Stop()

	e.EmitReconciliation(42, time.Millisecond, true)

	select {
	case event := <-sub.C:
		assert.Equal(t, EventReconciliation, event.Type)
		assert.Equal(t, "42", event.Fields["entries"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broker delivery")
	}
}

func TestJournalAppendDrain(t *testing.T) {
	j, err := OpenJournal(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer j.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, j.Append(NewEvent("node-1", EventReconciliation, map[string]string{
			"n": string(rune('0' + i)),
		})))
	}

	count, err := j.Len()
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	drained, err := j.Drain(3)
	require.NoError(t, err)
	assert.Len(t, drained, 3)
	assert.Equal(t, "0", drained[0].Fields["n"])

	count, err = j.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	rest, err := j.Drain(10)
	require.NoError(t, err)
	assert.Len(t, rest, 2)
	assert.Equal(t, "3", rest[0].Fields["n"])
}

func TestEmitterSpillsToJournalWhenSinkDown(t *testing.T) {
	j, err := OpenJournal(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer j.Close()

	// 127.0.0.1:1 is reliably unreachable.
	e := NewEmitter("node-1", "127.0.0.1:1", j, nil)
	e.Start()

	e.EmitMetrics(10, 5, 100, 0)

	require.Eventually(t, func() bool {
		n, err := j.Len()
		return err == nil && n == 1
	}, 5*time.Second, 50*time.Millisecond)

	e.Stop()
}

func TestEmitterWithoutConsumersDiscards(t *testing.T) {
	e := NewEmitter("node-1", "", nil, nil)
	e.Start()
	e.EmitQueryPerformance("vector_search", time.Millisecond, 10)
	e.Stop()
}
