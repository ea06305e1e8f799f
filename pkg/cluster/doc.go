/*
Package cluster shards the storage engine horizontally and coordinates
cross-shard writes.

Concepts are routed to one of N independent engines by hashing their id;
each shard owns its own storage path, WAL, vector index and reconciler.
Point operations touch a single shard. Stats, flush and vector search
fan out to every shard in parallel, and search merges the per-shard
top-k' lists into the global top-k.

An association whose endpoints hash to different shards is created with
two-phase commit: each shard's edge write is prepared inside an open WAL
transaction, and both transactions commit only after every participant
prepared within the timeout. A crash between prepare and commit leaves a
Begin with no Commit, which startup replay interprets as a rollback on
every shard — either both edges survive a restart or neither does. A
periodic sweeper aborts transactions that outlive the timeout.
*/
package cluster
