package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synapsedb/synapse/pkg/types"
)

func node(content string) *ConceptNode {
	return NewConceptNode(types.NewConceptID([]byte(content)), []byte(content), nil, 1.0, 0.9, 1000)
}

func edge(from, to *ConceptNode, confidence float32) types.AssociationRecord {
	return types.NewAssociationRecord(from.ID, to.ID, types.AssociationSemantic, confidence)
}

func TestSnapshotBasics(t *testing.T) {
	b := NewBuilder(NewSnapshot(0))
	a := node("a")
	b.Put(a)
	snap := b.Build(1)

	assert.True(t, snap.Contains(a.ID))
	assert.False(t, snap.Contains(types.NewConceptID([]byte("missing"))))
	require.NotNil(t, snap.GetConcept(a.ID))
	assert.Equal(t, []byte("a"), snap.GetConcept(a.ID).Content)
	assert.Equal(t, 1, snap.ConceptCount)
}

func TestViewSwapPreservesOldSnapshot(t *testing.T) {
	view := NewView()
	old := view.Load()
	assert.Equal(t, uint64(0), old.Sequence)

	b := NewBuilder(old)
	a := node("a")
	b.Put(a)
	view.Store(b.Build(1))

	fresh := view.Load()
	assert.Equal(t, uint64(1), fresh.Sequence)
	assert.True(t, fresh.Contains(a.ID))

	// A reader that captured the old snapshot keeps seeing the old state.
	assert.False(t, old.Contains(a.ID))
}

func TestBuilderSharesUntouchedNodes(t *testing.T) {
	b1 := NewBuilder(NewSnapshot(0))
	a := node("a")
	c := node("c")
	b1.Put(a)
	b1.Put(c)
	snap1 := b1.Build(1)

	b2 := NewBuilder(snap1)
	mutated := b2.Mutable(a.ID)
	mutated.Strength = 0.5
	snap2 := b2.Build(2)

	// Untouched node is pointer-shared; mutated node is a fresh clone.
	assert.Same(t, snap1.GetConcept(c.ID), snap2.GetConcept(c.ID))
	assert.NotSame(t, snap1.GetConcept(a.ID), snap2.GetConcept(a.ID))
	assert.Equal(t, float32(1.0), snap1.GetConcept(a.ID).Strength)
	assert.Equal(t, float32(0.5), snap2.GetConcept(a.ID).Strength)
}

func TestAddEdgeBothDirections(t *testing.T) {
	b := NewBuilder(NewSnapshot(0))
	a, c := node("a"), node("c")
	b.Put(a)
	b.Put(c)
	require.True(t, b.AddEdge(edge(a, c, 0.8)))
	snap := b.Build(1)

	assert.Equal(t, []types.ConceptID{c.ID}, snap.GetNeighbors(a.ID))
	assert.Equal(t, []types.ConceptID{a.ID}, snap.GetNeighbors(c.ID))
}

func TestAddEdgeMissingSource(t *testing.T) {
	b := NewBuilder(NewSnapshot(0))
	a, c := node("a"), node("c")
	b.Put(c)
	assert.False(t, b.AddEdge(edge(a, c, 0.8)))
}

func TestNeighborsWeightedSorted(t *testing.T) {
	b := NewBuilder(NewSnapshot(0))
	a, x, y := node("a"), node("x"), node("y")
	b.Put(a)
	b.Put(x)
	b.Put(y)
	require.True(t, b.AddEdge(edge(a, x, 0.5)))
	require.True(t, b.AddEdge(edge(a, y, 0.9)))
	snap := b.Build(1)

	weighted := snap.GetNeighborsWeighted(a.ID)
	require.Len(t, weighted, 2)
	assert.Equal(t, y.ID, weighted[0].ID)
	assert.Equal(t, float32(0.9), weighted[0].Confidence)
	assert.Equal(t, x.ID, weighted[1].ID)
}

func TestFindPath(t *testing.T) {
	b := NewBuilder(NewSnapshot(0))
	a, c, d := node("a"), node("c"), node("d")
	b.Put(a)
	b.Put(c)
	b.Put(d)
	require.True(t, b.AddEdge(edge(a, c, 0.9)))
	require.True(t, b.AddEdge(edge(c, d, 0.9)))
	snap := b.Build(1)

	path := snap.FindPath(a.ID, d.ID, 5)
	assert.Equal(t, []types.ConceptID{a.ID, c.ID, d.ID}, path)
}

func TestFindPathSelf(t *testing.T) {
	b := NewBuilder(NewSnapshot(0))
	a := node("a")
	b.Put(a)
	snap := b.Build(1)

	assert.Equal(t, []types.ConceptID{a.ID}, snap.FindPath(a.ID, a.ID, 0))
	assert.Nil(t, snap.FindPath(types.NewConceptID([]byte("ghost")), types.NewConceptID([]byte("ghost")), 3))
}

func TestFindPathUnreachable(t *testing.T) {
	b := NewBuilder(NewSnapshot(0))
	a, c, lone := node("a"), node("c"), node("lone")
	b.Put(a)
	b.Put(c)
	b.Put(lone)
	require.True(t, b.AddEdge(edge(a, c, 0.9)))
	snap := b.Build(1)

	assert.Nil(t, snap.FindPath(a.ID, lone.ID, 5))
}

func TestFindPathDepthBound(t *testing.T) {
	b := NewBuilder(NewSnapshot(0))
	nodes := []*ConceptNode{node("n0"), node("n1"), node("n2"), node("n3")}
	for _, n := range nodes {
		b.Put(n)
	}
	for i := 0; i < len(nodes)-1; i++ {
		require.True(t, b.AddEdge(edge(nodes[i], nodes[i+1], 0.9)))
	}
	snap := b.Build(1)

	// n0 → n3 needs 3 hops.
	assert.Nil(t, snap.FindPath(nodes[0].ID, nodes[3].ID, 2))
	assert.Len(t, snap.FindPath(nodes[0].ID, nodes[3].ID, 3), 4)
}

func TestDeleteRemovesConcept(t *testing.T) {
	b := NewBuilder(NewSnapshot(0))
	a := node("a")
	b.Put(a)
	snap1 := b.Build(1)

	b2 := NewBuilder(snap1)
	b2.Delete(a.ID)
	snap2 := b2.Build(2)

	assert.True(t, snap1.Contains(a.ID))
	assert.False(t, snap2.Contains(a.ID))
}
