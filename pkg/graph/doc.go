// Package graph provides the immutable read snapshot, its copy-on-write
// builder, and the id/adjacency/word/timestamp indexes maintained
// alongside it.
package graph
