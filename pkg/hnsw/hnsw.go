package hnsw

import (
	"container/heap"
	"fmt"
	"math"
	"math/rand"
	"sync"
)

// Hierarchical navigable small-world graph over float32 vectors with a
// cosine metric. Dense uint32 keys are assigned by the caller; the
// container layer maps them to concept ids.

// Config controls graph construction and search.
type Config struct {
	// Dimension of indexed vectors.
	Dimension int
	// MaxNeighbors is the M parameter: link budget per node per layer.
	MaxNeighbors int
	// EfConstruction is the candidate list size while inserting.
	EfConstruction int
	// EfSearch is the default candidate list size while searching.
	EfSearch int
}

// DefaultConfig returns the standard parameters.
func DefaultConfig(dimension int) Config {
	return Config{
		Dimension:      dimension,
		MaxNeighbors:   16,
		EfConstruction: 200,
		EfSearch:       40,
	}
}

type node struct {
	key    uint32
	vector []float32
	level  int
	// links[l] holds neighbor keys at layer l, 0 <= l <= level.
	links [][]uint32
}

// Index is the in-memory HNSW graph. Reads may run concurrently; a single
// writer (the reconciler) performs inserts.
type Index struct {
	cfg Config

	mu       sync.RWMutex
	nodes    map[uint32]*node
	entry    uint32
	hasEntry bool
	maxLevel int
	levelMul float64
	rng      *rand.Rand
}

// NewIndex creates an empty graph.
func NewIndex(cfg Config) (*Index, error) {
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("vector dimension must be positive, got %d", cfg.Dimension)
	}
	if cfg.MaxNeighbors <= 0 {
		cfg.MaxNeighbors = 16
	}
	if cfg.EfConstruction <= 0 {
		cfg.EfConstruction = 200
	}
	if cfg.EfSearch <= 0 {
		cfg.EfSearch = 40
	}
	return &Index{
		cfg:      cfg,
		nodes:    make(map[uint32]*node),
		levelMul: 1.0 / math.Log(float64(cfg.MaxNeighbors)),
		rng:      rand.New(rand.NewSource(0x5a17)),
	}, nil
}

// Len returns the number of indexed vectors.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.nodes)
}

// Dimension returns the configured vector dimension.
func (x *Index) Dimension() int {
	return x.cfg.Dimension
}

// Contains reports whether a key is indexed.
func (x *Index) Contains(key uint32) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.nodes[key]
	return ok
}

// Add inserts a vector under a dense key. Re-adding an existing key is an
// error; the container treats updates as no-ops before calling Add.
func (x *Index) Add(key uint32, vector []float32) error {
	if len(vector) != x.cfg.Dimension {
		return fmt.Errorf("vector dimension %d does not match index dimension %d", len(vector), x.cfg.Dimension)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if _, exists := x.nodes[key]; exists {
		return fmt.Errorf("key %d already indexed", key)
	}

	level := x.randomLevel()
	n := &node{
		key:    key,
		vector: vector,
		level:  level,
		links:  make([][]uint32, level+1),
	}
	x.nodes[key] = n

	if !x.hasEntry {
		x.entry = key
		x.hasEntry = true
		x.maxLevel = level
		return nil
	}

	curr := x.entry
	currDist := x.distance(vector, x.nodes[curr].vector)

	// Greedy descent through layers above the new node's level.
	for l := x.maxLevel; l > level; l-- {
		curr, currDist = x.greedyStep(vector, curr, currDist, l)
	}

	// Insert with ef-construction search on each shared layer.
	for l := min(level, x.maxLevel); l >= 0; l-- {
		candidates := x.searchLayer(vector, curr, l, x.cfg.EfConstruction)
		neighbors := x.selectNeighbors(candidates, x.maxNeighborsAt(l))

		n.links[l] = make([]uint32, 0, len(neighbors))
		for _, c := range neighbors {
			n.links[l] = append(n.links[l], c.key)
			peer := x.nodes[c.key]
			peer.links[l] = append(peer.links[l], key)
			if len(peer.links[l]) > x.maxNeighborsAt(l) {
				x.pruneLinks(peer, l)
			}
		}
		if len(candidates) > 0 {
			curr = candidates[0].key
		}
	}

	if level > x.maxLevel {
		x.maxLevel = level
		x.entry = key
	}
	return nil
}

// Result is one search hit.
type Result struct {
	Key      uint32
	Distance float32
}

// Search returns the ef-bounded approximate k nearest neighbors sorted by
// distance ascending. k <= 0 yields nil.
func (x *Index) Search(query []float32, k, ef int) ([]Result, error) {
	if len(query) != x.cfg.Dimension {
		return nil, fmt.Errorf("query dimension %d does not match index dimension %d", len(query), x.cfg.Dimension)
	}
	if k <= 0 {
		return nil, nil
	}
	if ef <= 0 {
		ef = x.cfg.EfSearch
	}
	if ef < k {
		ef = k
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	if !x.hasEntry {
		return nil, nil
	}

	curr := x.entry
	currDist := x.distance(query, x.nodes[curr].vector)
	for l := x.maxLevel; l > 0; l-- {
		curr, currDist = x.greedyStep(query, curr, currDist, l)
	}

	candidates := x.searchLayer(query, curr, 0, ef)
	if len(candidates) > k {
		candidates = candidates[:k]
	}

	out := make([]Result, len(candidates))
	for i, c := range candidates {
		out[i] = Result{Key: c.key, Distance: c.dist}
	}
	return out, nil
}

func (x *Index) maxNeighborsAt(level int) int {
	if level == 0 {
		return x.cfg.MaxNeighbors * 2
	}
	return x.cfg.MaxNeighbors
}

func (x *Index) randomLevel() int {
	level := int(-math.Log(x.rng.Float64()) * x.levelMul)
	return level
}

func (x *Index) greedyStep(query []float32, start uint32, startDist float32, level int) (uint32, float32) {
	curr, currDist := start, startDist
	for {
		improved := false
		n := x.nodes[curr]
		if level < len(n.links) {
			for _, neighbor := range n.links[level] {
				d := x.distance(query, x.nodes[neighbor].vector)
				if d < currDist {
					curr, currDist = neighbor, d
					improved = true
				}
			}
		}
		if !improved {
			return curr, currDist
		}
	}
}

type scored struct {
	key  uint32
	dist float32
}

// searchLayer performs the classic ef-bounded best-first search on one
// layer, returning candidates sorted by distance ascending.
func (x *Index) searchLayer(query []float32, entry uint32, level, ef int) []scored {
	visited := map[uint32]struct{}{entry: {}}
	entryDist := x.distance(query, x.nodes[entry].vector)

	candidates := &minHeap{{entry, entryDist}}
	results := &maxHeap{{entry, entryDist}}

	for candidates.Len() > 0 {
		closest := heap.Pop(candidates).(scored)
		worst := (*results)[0]
		if closest.dist > worst.dist && results.Len() >= ef {
			break
		}

		n := x.nodes[closest.key]
		if level >= len(n.links) {
			continue
		}
		for _, neighbor := range n.links[level] {
			if _, seen := visited[neighbor]; seen {
				continue
			}
			visited[neighbor] = struct{}{}

			d := x.distance(query, x.nodes[neighbor].vector)
			if results.Len() < ef || d < (*results)[0].dist {
				heap.Push(candidates, scored{neighbor, d})
				heap.Push(results, scored{neighbor, d})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]scored, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(scored)
	}
	return out
}

// selectNeighbors keeps the closest m candidates.
func (x *Index) selectNeighbors(candidates []scored, m int) []scored {
	if len(candidates) <= m {
		return candidates
	}
	return candidates[:m]
}

// pruneLinks re-selects a node's neighbors at one layer after overflow.
func (x *Index) pruneLinks(n *node, level int) {
	links := n.links[level]
	cands := make([]scored, 0, len(links))
	for _, key := range links {
		cands = append(cands, scored{key, x.distance(n.vector, x.nodes[key].vector)})
	}
	sortScored(cands)
	keep := x.maxNeighborsAt(level)
	if len(cands) > keep {
		cands = cands[:keep]
	}
	n.links[level] = n.links[level][:0]
	for _, c := range cands {
		n.links[level] = append(n.links[level], c.key)
	}
}

func sortScored(s []scored) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j].dist < s[j-1].dist; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// distance is the cosine distance 1 − cos(a, b), clamped at non-negative
// similarity inputs downstream.
func (x *Index) distance(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return float32(1 - dot/(math.Sqrt(na)*math.Sqrt(nb)))
}

// minHeap pops the smallest distance first.
type minHeap []scored

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i].dist < h[j].dist }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(v interface{}) { *h = append(*h, v.(scored)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// maxHeap pops the largest distance first.
type maxHeap []scored

func (h maxHeap) Len() int            { return len(h) }
func (h maxHeap) Less(i, j int) bool  { return h[i].dist > h[j].dist }
func (h maxHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(v interface{}) { *h = append(*h, v.(scored)) }
func (h *maxHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}
