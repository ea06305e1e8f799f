/*
Package wal implements the append-only write-ahead log.

Entries are framed as a u32 little-endian length prefix followed by a
MsgPack payload, the same serialization the wire protocol uses. Sequence
numbers are strictly monotonic per log; opening an existing log scans it
to recover the next sequence.

Transactions bracket groups of operations with Begin/Commit/Rollback
entries. Replay buffers transactional operations per transaction id,
emits them on Commit, and discards them on Rollback — or silently at
end of file, so a transaction interrupted by a crash never takes effect.

With fsync enabled every append is durable before it returns. The
tail of the file may hold one torn frame after a crash; readers stop at
it and everything before it is intact.
*/
package wal
