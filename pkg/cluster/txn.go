package cluster

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/synapsedb/synapse/pkg/log"
	"github.com/synapsedb/synapse/pkg/metrics"
	"github.com/synapsedb/synapse/pkg/types"
)

// Two-phase commit coordinator for cross-shard associations. Phase 1
// prepares both shards (forward and reverse edge writes); phase 2 commits
// once every participant prepared within the timeout. A periodic sweeper
// aborts and removes expired transactions.

// TxnState is a transaction's lifecycle state.
type TxnState uint8

const (
	TxnPreparing TxnState = iota
	TxnPrepared
	TxnCommitted
	TxnAborted
)

func (s TxnState) String() string {
	switch s {
	case TxnPreparing:
		return "preparing"
	case TxnPrepared:
		return "prepared"
	case TxnCommitted:
		return "committed"
	case TxnAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Txn errors.
type TxnError struct {
	TxnID  uint64
	Reason string
}

func (e *TxnError) Error() string {
	return fmt.Sprintf("transaction %d: %s", e.TxnID, e.Reason)
}

// Participant tracks one shard's progress through the protocol.
type Participant struct {
	ShardID    uint32
	State      TxnState
	PreparedAt time.Time
}

// Operation describes the cross-shard association under coordination.
type Operation struct {
	Source      types.ConceptID
	Target      types.ConceptID
	SourceShard uint32
	TargetShard uint32
	Type        types.AssociationType
	Confidence  float32
}

// Transaction is one 2PC instance.
type Transaction struct {
	TxnID        uint64
	Op           Operation
	Participants []Participant
	StartedAt    time.Time
	State        TxnState
}

// CoordinatorStats summarizes active transactions by state.
type CoordinatorStats struct {
	Active    int `msgpack:"active" json:"active"`
	Preparing int `msgpack:"preparing" json:"preparing"`
	Prepared  int `msgpack:"prepared" json:"prepared"`
	Committed int `msgpack:"committed" json:"committed"`
	Aborted   int `msgpack:"aborted" json:"aborted"`
}

// Coordinator drives the 2PC state machine.
type Coordinator struct {
	timeout time.Duration
	logger  zerolog.Logger

	nextTxnID atomic.Uint64

	mu     sync.Mutex
	active map[uint64]*Transaction

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewCoordinator builds a coordinator with the given transaction timeout
// and starts its sweeper.
func NewCoordinator(timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c := &Coordinator{
		timeout: timeout,
		logger:  log.WithComponent("txn"),
		active:  make(map[uint64]*Transaction),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	c.nextTxnID.Store(1)
	go c.sweep()
	return c
}

// Stop terminates the sweeper.
func (c *Coordinator) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Coordinator) sweep() {
	defer close(c.doneCh)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := c.CleanupTimedOut(); n > 0 {
				c.logger.Warn().Int("count", n).Msg("Aborted timed-out transactions")
			}
		case <-c.stopCh:
			return
		}
	}
}

// Begin registers a new transaction and returns its monotonic id. A
// same-shard operation has one participant, cross-shard two.
func (c *Coordinator) Begin(op Operation) uint64 {
	txnID := c.nextTxnID.Add(1) - 1

	participants := []Participant{{ShardID: op.SourceShard, State: TxnPreparing}}
	if op.SourceShard != op.TargetShard {
		participants = append(participants, Participant{ShardID: op.TargetShard, State: TxnPreparing})
	}

	txn := &Transaction{
		TxnID:        txnID,
		Op:           op,
		Participants: participants,
		StartedAt:    time.Now(),
		State:        TxnPreparing,
	}

	c.mu.Lock()
	c.active[txnID] = txn
	c.mu.Unlock()

	c.logger.Debug().Uint64("txn_id", txnID).Msg("Transaction started")
	return txnID
}

// MarkPrepared records a shard's successful prepare. When every
// participant has prepared, the transaction moves to Prepared.
func (c *Coordinator) MarkPrepared(txnID uint64, shardID uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	txn, ok := c.active[txnID]
	if !ok {
		return &TxnError{TxnID: txnID, Reason: "not found"}
	}

	if time.Since(txn.StartedAt) > c.timeout {
		txn.State = TxnAborted
		return &TxnError{TxnID: txnID, Reason: "timed out"}
	}

	found := false
	for i := range txn.Participants {
		if txn.Participants[i].ShardID == shardID {
			txn.Participants[i].State = TxnPrepared
			txn.Participants[i].PreparedAt = time.Now()
			found = true
			break
		}
	}
	if !found {
		return &TxnError{TxnID: txnID, Reason: fmt.Sprintf("shard %d is not a participant", shardID)}
	}

	allPrepared := true
	for _, p := range txn.Participants {
		if p.State != TxnPrepared {
			allPrepared = false
			break
		}
	}
	if allPrepared {
		txn.State = TxnPrepared
	}
	return nil
}

// ReadyToCommit reports whether every participant prepared in time.
func (c *Coordinator) ReadyToCommit(txnID uint64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	txn, ok := c.active[txnID]
	if !ok {
		return false, &TxnError{TxnID: txnID, Reason: "not found"}
	}
	if time.Since(txn.StartedAt) > c.timeout {
		return false, &TxnError{TxnID: txnID, Reason: "timed out"}
	}
	return txn.State == TxnPrepared, nil
}

// Commit moves a prepared transaction to Committed.
func (c *Coordinator) Commit(txnID uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	txn, ok := c.active[txnID]
	if !ok {
		return &TxnError{TxnID: txnID, Reason: "not found"}
	}
	if txn.State != TxnPrepared {
		return &TxnError{TxnID: txnID, Reason: fmt.Sprintf("cannot commit from state %s", txn.State)}
	}

	txn.State = TxnCommitted
	for i := range txn.Participants {
		txn.Participants[i].State = TxnCommitted
	}
	metrics.TransactionsTotal.WithLabelValues("committed").Inc()
	return nil
}

// Abort rolls a transaction back.
func (c *Coordinator) Abort(txnID uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	txn, ok := c.active[txnID]
	if !ok {
		return &TxnError{TxnID: txnID, Reason: "not found"}
	}

	txn.State = TxnAborted
	for i := range txn.Participants {
		txn.Participants[i].State = TxnAborted
	}
	metrics.TransactionsTotal.WithLabelValues("aborted").Inc()
	c.logger.Warn().Uint64("txn_id", txnID).Msg("Transaction aborted")
	return nil
}

// Complete removes a finished transaction from the active set.
func (c *Coordinator) Complete(txnID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, txnID)
}

// Get returns a copy of a transaction, if active.
func (c *Coordinator) Get(txnID uint64) (Transaction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	txn, ok := c.active[txnID]
	if !ok {
		return Transaction{}, false
	}
	out := *txn
	out.Participants = append([]Participant(nil), txn.Participants...)
	return out, true
}

// CleanupTimedOut aborts and removes every transaction older than the
// timeout, returning how many were swept.
func (c *Coordinator) CleanupTimedOut() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var expired []uint64
	for id, txn := range c.active {
		if now.Sub(txn.StartedAt) > c.timeout {
			txn.State = TxnAborted
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(c.active, id)
		metrics.TransactionsTotal.WithLabelValues("timed_out").Inc()
	}
	return len(expired)
}

// Stats returns active transaction counts by state.
func (c *Coordinator) Stats() CoordinatorStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CoordinatorStats{Active: len(c.active)}
	for _, txn := range c.active {
		switch txn.State {
		case TxnPreparing:
			stats.Preparing++
		case TxnPrepared:
			stats.Prepared++
		case TxnCommitted:
			stats.Committed++
		case TxnAborted:
			stats.Aborted++
		}
	}
	return stats
}
