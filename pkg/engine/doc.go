/*
Package engine implements the single-shard storage engine: the write-ahead
log, the bounded ingress queue, the adaptive reconciler, the immutable read
snapshot and the persisted vector index, composed behind one façade.

# Architecture

Writes take a short synchronous path and a longer asynchronous one:

	  learn_concept / learn_association
	              │
	              ▼
	┌─────────────────────────┐
	│ WAL append (durable)    │  ← the call returns after this succeeds
	└───────────┬─────────────┘
	            ▼
	┌─────────────────────────┐
	│ Ingress log (bounded,   │  ← drop-oldest backpressure
	│ non-blocking)           │
	└───────────┬─────────────┘
	            ▼  every tick (default 10ms)
	┌─────────────────────────┐
	│ Reconciler              │  ← single writer
	│  - build next snapshot  │
	│  - update indexes       │
	│  - insert vectors       │
	│  - atomic pointer swap  │
	└───────────┬─────────────┘
	            ▼  every K ticks or on Flush
	┌─────────────────────────┐
	│ Persist: segment file,  │
	│ manifest, HNSW index    │
	└─────────────────────────┘

Reads never lock: they load the current snapshot pointer and traverse it
for as long as they like. A reader holding an old snapshot keeps a fully
consistent view while newer snapshots are published.

# Durability

The WAL is the single durable source of truth between reconciler flushes.
Startup replays committed WAL operations into the initial snapshot;
transactions with a Begin but no Commit are discarded, which is also how
a crashed cross-shard prepare rolls back.

# Consistency

A successfully returned learn is visible to reads within two reconciler
ticks, and after restart via WAL replay. Snapshot sequence numbers are
strictly monotonic; a reader that holds snapshot s observes every effect
with a lower sequence and none with a higher one.
*/
package engine
