/*
Package segment implements append-only memory-mapped storage files and
the manifest that tracks them.

A segment holds four regions after a fixed 256-byte header: fixed-width
concept records, fixed-width association records, length-prefixed
vectors and length-prefixed content blobs. The header carries per-region
offsets, counts and CRC32 checksums; OpenRead validates all of them and
rejects the file with ErrCorruptSegment on any mismatch, letting the
engine skip the segment and continue.

The manifest is a JSON document listing live segments ordered by
(level asc, created_at desc), saved atomically via write-temp → fsync →
rename on every change. It allocates monotonic segment ids and records
compaction history.
*/
package segment
