package graph

import (
	"sort"
	"sync/atomic"

	"github.com/synapsedb/synapse/pkg/semantic"
	"github.com/synapsedb/synapse/pkg/types"
)

// ConceptNode is an in-memory concept with co-located edges for
// cache-friendly traversal. Nodes are immutable once published in a
// snapshot; writers clone before mutating.
type ConceptNode struct {
	ID           types.ConceptID
	Content      []byte
	Vector       []float32
	Strength     float32
	Confidence   float32
	Created      uint64
	LastAccessed uint64
	AccessCount  uint32
	Semantic     *semantic.Metadata

	// Neighbors holds edge targets in insertion order, including the
	// sources of edges mirrored onto this node by Builder.AddEdge;
	// Associations carries the full records, parallel in spirit but not
	// index-aligned (a neighbor is recorded once, associations may repeat).
	Neighbors    []types.ConceptID
	Associations []types.AssociationRecord
}

// NewConceptNode builds a node with no edges.
func NewConceptNode(id types.ConceptID, content []byte, vector []float32, strength, confidence float32, timestamp uint64) *ConceptNode {
	return &ConceptNode{
		ID:           id,
		Content:      content,
		Vector:       vector,
		Strength:     strength,
		Confidence:   confidence,
		Created:      timestamp,
		LastAccessed: timestamp,
	}
}

// Clone returns a copy safe to mutate. Content and vector are shared
// (never mutated in place); edge slices are copied.
func (n *ConceptNode) Clone() *ConceptNode {
	out := *n
	out.Neighbors = append([]types.ConceptID(nil), n.Neighbors...)
	out.Associations = append([]types.AssociationRecord(nil), n.Associations...)
	return &out
}

// AddEdge records an outgoing edge. The neighbor list stays duplicate-free
// while every association record is kept.
func (n *ConceptNode) AddEdge(target types.ConceptID, record types.AssociationRecord) {
	found := false
	for _, existing := range n.Neighbors {
		if existing == target {
			found = true
			break
		}
	}
	if !found {
		n.Neighbors = append(n.Neighbors, target)
	}
	n.Associations = append(n.Associations, record)
}

// NeighborsByConfidence pairs each neighbor with its edge confidence,
// sorted descending.
func (n *ConceptNode) NeighborsByConfidence() []WeightedNeighbor {
	byTarget := make(map[types.ConceptID]float32, len(n.Associations))
	for _, assoc := range n.Associations {
		if existing, ok := byTarget[assoc.Target]; !ok || assoc.Confidence > existing {
			byTarget[assoc.Target] = assoc.Confidence
		}
	}

	out := make([]WeightedNeighbor, 0, len(n.Neighbors))
	for _, id := range n.Neighbors {
		out = append(out, WeightedNeighbor{ID: id, Confidence: byTarget[id]})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Confidence > out[j].Confidence
	})
	return out
}

// WeightedNeighbor is a neighbor id with its best edge confidence.
type WeightedNeighbor struct {
	ID         types.ConceptID
	Confidence float32
}

// Snapshot is an immutable view of the graph. Readers hold it for the
// duration of a traversal; it is never mutated after publication.
type Snapshot struct {
	concepts map[types.ConceptID]*ConceptNode

	Sequence     uint64
	Timestamp    uint64
	ConceptCount int
	EdgeCount    int
}

// NewSnapshot creates an empty snapshot at the given sequence.
func NewSnapshot(sequence uint64) *Snapshot {
	return &Snapshot{
		concepts:  make(map[types.ConceptID]*ConceptNode),
		Sequence:  sequence,
		Timestamp: types.NowMicros(),
	}
}

// GetConcept returns the node for id, or nil.
func (s *Snapshot) GetConcept(id types.ConceptID) *ConceptNode {
	return s.concepts[id]
}

// Contains reports whether id exists in the snapshot.
func (s *Snapshot) Contains(id types.ConceptID) bool {
	_, ok := s.concepts[id]
	return ok
}

// GetNeighbors returns the neighbor ids of a concept: the targets of its
// edges and the sources of edges mirrored onto it.
func (s *Snapshot) GetNeighbors(id types.ConceptID) []types.ConceptID {
	if node, ok := s.concepts[id]; ok {
		return node.Neighbors
	}
	return nil
}

// GetNeighborsWeighted returns neighbors sorted by edge confidence
// descending.
func (s *Snapshot) GetNeighborsWeighted(id types.ConceptID) []WeightedNeighbor {
	if node, ok := s.concepts[id]; ok {
		return node.NeighborsByConfidence()
	}
	return nil
}

// Range calls fn for every concept until fn returns false.
func (s *Snapshot) Range(fn func(*ConceptNode) bool) {
	for _, node := range s.concepts {
		if !fn(node) {
			return
		}
	}
}

// FindPath runs a breadth-first search from start to end, bounded by
// maxDepth hops. Ties break on neighbor insertion order. Returns nil when
// no path exists within the bound; start == end yields [start].
func (s *Snapshot) FindPath(start, end types.ConceptID, maxDepth int) []types.ConceptID {
	if start == end {
		if s.Contains(start) {
			return []types.ConceptID{start}
		}
		return nil
	}
	if maxDepth <= 0 {
		return nil
	}

	type queued struct {
		id    types.ConceptID
		depth int
	}
	predecessor := map[types.ConceptID]types.ConceptID{start: start}
	queue := []queued{{start, 0}}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if current.depth >= maxDepth {
			continue
		}

		node, ok := s.concepts[current.id]
		if !ok {
			continue
		}
		for _, neighbor := range node.Neighbors {
			if _, visited := predecessor[neighbor]; visited {
				continue
			}
			predecessor[neighbor] = current.id

			if neighbor == end {
				path := []types.ConceptID{end}
				for at := current.id; at != start; at = predecessor[at] {
					path = append(path, at)
				}
				path = append(path, start)
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				return path
			}
			queue = append(queue, queued{neighbor, current.depth + 1})
		}
	}
	return nil
}

// Builder mutates a working copy of a snapshot. The map is copied up
// front; untouched nodes stay shared with the parent snapshot.
type Builder struct {
	concepts map[types.ConceptID]*ConceptNode
	dirty    map[types.ConceptID]bool
}

// NewBuilder starts a builder from a parent snapshot.
func NewBuilder(parent *Snapshot) *Builder {
	concepts := make(map[types.ConceptID]*ConceptNode, len(parent.concepts)+16)
	for id, node := range parent.concepts {
		concepts[id] = node
	}
	return &Builder{
		concepts: concepts,
		dirty:    make(map[types.ConceptID]bool),
	}
}

// Get returns the current node for id, or nil.
func (b *Builder) Get(id types.ConceptID) *ConceptNode {
	return b.concepts[id]
}

// Put inserts or replaces a node.
func (b *Builder) Put(node *ConceptNode) {
	b.concepts[node.ID] = node
	b.dirty[node.ID] = true
}

// Mutable returns a node that is safe to modify, cloning it on first
// touch within this builder.
func (b *Builder) Mutable(id types.ConceptID) *ConceptNode {
	node, ok := b.concepts[id]
	if !ok {
		return nil
	}
	if !b.dirty[id] {
		node = node.Clone()
		b.concepts[id] = node
		b.dirty[id] = true
	}
	return node
}

// Delete removes a node.
func (b *Builder) Delete(id types.ConceptID) {
	delete(b.concepts, id)
	delete(b.dirty, id)
}

// AddEdge attaches an edge in both directions when both endpoints exist,
// cloning touched nodes. Returns false when the source is missing.
func (b *Builder) AddEdge(record types.AssociationRecord) bool {
	source := b.Mutable(record.Source)
	if source == nil {
		return false
	}
	source.AddEdge(record.Target, record)

	// Mirror edge for bidirectional traversal.
	if target := b.Mutable(record.Target); target != nil {
		reverse := record
		reverse.Source, reverse.Target = record.Target, record.Source
		target.AddEdge(reverse.Target, reverse)
	}
	return true
}

// Build finalizes the snapshot at the given sequence.
func (b *Builder) Build(sequence uint64) *Snapshot {
	snap := &Snapshot{
		concepts:     b.concepts,
		Sequence:     sequence,
		Timestamp:    types.NowMicros(),
		ConceptCount: len(b.concepts),
	}
	edges := 0
	for _, node := range b.concepts {
		edges += len(node.Associations)
	}
	snap.EdgeCount = edges
	return snap
}

// View publishes snapshots with an atomic pointer swap. Readers load the
// current snapshot and keep traversing it regardless of later swaps.
type View struct {
	current atomic.Pointer[Snapshot]
}

// NewView starts with an empty snapshot at sequence 0.
func NewView() *View {
	v := &View{}
	v.current.Store(NewSnapshot(0))
	return v
}

// Load returns the current snapshot.
func (v *View) Load() *Snapshot {
	return v.current.Load()
}

// Store atomically publishes a new snapshot.
func (v *View) Store(snap *Snapshot) {
	v.current.Store(snap)
}
