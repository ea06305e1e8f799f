package graph

import (
	"strings"
	"sync"
	"unicode"

	"github.com/google/btree"

	"github.com/synapsedb/synapse/pkg/types"
)

// Location points at a concept's record inside a segment.
type Location struct {
	SegmentID uint32
	Offset    uint64
}

// temporalItem buckets concept ids by creation millisecond.
type temporalItem struct {
	timestamp uint64
	ids       []types.ConceptID
}

func lessTemporal(a, b temporalItem) bool {
	return a.timestamp < b.timestamp
}

// Index maintains the four lookup structures alongside the snapshot:
// id→location, id→neighbors (both directions), word→ids and timestamp→ids.
// Concept removal keeps temporal and inverted entries so historical
// queries stay monotonic.
type Index struct {
	mu sync.RWMutex

	concepts  map[types.ConceptID]Location
	adjacency map[types.ConceptID][]types.ConceptID
	inverted  map[string]map[types.ConceptID]struct{}
	temporal  *btree.BTreeG[temporalItem]

	totalConcepts uint64
	totalEdges    uint64
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{
		concepts:  make(map[types.ConceptID]Location),
		adjacency: make(map[types.ConceptID][]types.ConceptID),
		inverted:  make(map[string]map[types.ConceptID]struct{}),
		temporal:  btree.NewG[temporalItem](32, lessTemporal),
	}
}

// InsertConcept registers a concept's location and creation time.
func (x *Index) InsertConcept(id types.ConceptID, loc Location, createdMillis uint64) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if _, exists := x.concepts[id]; !exists {
		x.totalConcepts++
	}
	x.concepts[id] = loc

	item, ok := x.temporal.Get(temporalItem{timestamp: createdMillis})
	if !ok {
		item = temporalItem{timestamp: createdMillis}
	}
	item.ids = append(item.ids, id)
	x.temporal.ReplaceOrInsert(item)
}

// LookupConcept returns a concept's storage location.
func (x *Index) LookupConcept(id types.ConceptID) (Location, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	loc, ok := x.concepts[id]
	return loc, ok
}

// RemoveConcept drops the concept and its adjacency, keeping temporal and
// inverted entries.
func (x *Index) RemoveConcept(id types.ConceptID) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if _, ok := x.concepts[id]; ok {
		delete(x.concepts, id)
		x.totalConcepts--
	}
	if neighbors, ok := x.adjacency[id]; ok {
		if n := uint64(len(neighbors)); n > x.totalEdges {
			x.totalEdges = 0
		} else {
			x.totalEdges -= n
		}
		delete(x.adjacency, id)
	}
}

// AddEdge records both directions of an edge and bumps the edge counter
// once.
func (x *Index) AddEdge(source, target types.ConceptID) {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.adjacency[source] = append(x.adjacency[source], target)
	x.adjacency[target] = append(x.adjacency[target], source)
	x.totalEdges++
}

// Neighbors returns the undirected adjacency of a concept.
func (x *Index) Neighbors(id types.ConceptID) []types.ConceptID {
	x.mu.RLock()
	defer x.mu.RUnlock()
	neighbors := x.adjacency[id]
	out := make([]types.ConceptID, len(neighbors))
	copy(out, neighbors)
	return out
}

// IndexWords adds lowercase words to the inverted index for a concept.
func (x *Index) IndexWords(id types.ConceptID, words []string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	for _, word := range words {
		normalized := strings.ToLower(word)
		set, ok := x.inverted[normalized]
		if !ok {
			set = make(map[types.ConceptID]struct{})
			x.inverted[normalized] = set
		}
		set[id] = struct{}{}
	}
}

// SearchWord returns every concept containing the word.
func (x *Index) SearchWord(word string) []types.ConceptID {
	x.mu.RLock()
	defer x.mu.RUnlock()

	set := x.inverted[strings.ToLower(word)]
	out := make([]types.ConceptID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// SearchWords intersects the per-word concept sets.
func (x *Index) SearchWords(words []string) []types.ConceptID {
	if len(words) == 0 {
		return nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	var result map[types.ConceptID]struct{}
	for _, word := range words {
		set, ok := x.inverted[strings.ToLower(word)]
		if !ok {
			return nil
		}
		if result == nil {
			result = make(map[types.ConceptID]struct{}, len(set))
			for id := range set {
				result[id] = struct{}{}
			}
			continue
		}
		for id := range result {
			if _, ok := set[id]; !ok {
				delete(result, id)
			}
		}
	}

	out := make([]types.ConceptID, 0, len(result))
	for id := range result {
		out = append(out, id)
	}
	return out
}

// QueryTimeRange returns concepts created in [startMillis, endMillis].
func (x *Index) QueryTimeRange(startMillis, endMillis uint64) []types.ConceptID {
	x.mu.RLock()
	defer x.mu.RUnlock()

	var out []types.ConceptID
	x.temporal.AscendGreaterOrEqual(temporalItem{timestamp: startMillis}, func(item temporalItem) bool {
		if item.timestamp > endMillis {
			return false
		}
		out = append(out, item.ids...)
		return true
	})
	return out
}

// QueryAtTime returns concepts created at exactly the given millisecond.
func (x *Index) QueryAtTime(millis uint64) []types.ConceptID {
	x.mu.RLock()
	defer x.mu.RUnlock()

	item, ok := x.temporal.Get(temporalItem{timestamp: millis})
	if !ok {
		return nil
	}
	out := make([]types.ConceptID, len(item.ids))
	copy(out, item.ids)
	return out
}

// QueryBefore returns concepts created strictly before the given
// millisecond.
func (x *Index) QueryBefore(millis uint64) []types.ConceptID {
	x.mu.RLock()
	defer x.mu.RUnlock()

	var out []types.ConceptID
	x.temporal.AscendLessThan(temporalItem{timestamp: millis}, func(item temporalItem) bool {
		out = append(out, item.ids...)
		return true
	})
	return out
}

// IndexStats summarizes index contents.
type IndexStats struct {
	TotalConcepts   uint64
	TotalEdges      uint64
	TotalWords      uint64
	TotalTimestamps uint64
}

// Stats returns the current counters.
func (x *Index) Stats() IndexStats {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return IndexStats{
		TotalConcepts:   x.totalConcepts,
		TotalEdges:      x.totalEdges,
		TotalWords:      uint64(len(x.inverted)),
		TotalTimestamps: uint64(x.temporal.Len()),
	}
}

// Clear resets every index.
func (x *Index) Clear() {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.concepts = make(map[types.ConceptID]Location)
	x.adjacency = make(map[types.ConceptID][]types.ConceptID)
	x.inverted = make(map[string]map[types.ConceptID]struct{})
	x.temporal = btree.NewG[temporalItem](32, lessTemporal)
	x.totalConcepts = 0
	x.totalEdges = 0
}

// Tokenize splits content into lowercase indexable words.
func Tokenize(content []byte) []string {
	fields := strings.FieldsFunc(string(content), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		out = append(out, strings.ToLower(f))
	}
	return out
}
