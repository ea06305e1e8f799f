/*
Package hnsw implements the persisted approximate nearest-neighbor index.

The graph is a hierarchical navigable small world over float32 vectors
with a cosine metric (M=16, efConstruction=200, efSearch=40 by default).
The Container layer assigns monotonic dense ids, maintains both
directions of the dense-id ↔ concept-id mapping, tracks dirtiness, and
persists the graph to a single index file plus a MsgPack metadata file.

LoadOrBuild prefers the persisted files and tops up any vectors that
arrived after the last save; a crash before save loses only the
post-save inserts, which the engine re-applies from the WAL on startup.
Updating an existing concept id is a no-op in this revision.
*/
package hnsw
