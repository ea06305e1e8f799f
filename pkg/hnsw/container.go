package hnsw

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/synapsedb/synapse/pkg/log"
	"github.com/synapsedb/synapse/pkg/types"
)

// Container owns a persisted HNSW graph plus the dense-id ↔ concept-id
// mappings. The graph lives in <base>.usearch, the mappings in
// <base>.hnsw.meta.
type Container struct {
	basePath string
	cfg      Config
	logger   zerolog.Logger

	mu      sync.RWMutex
	index   *Index
	forward map[uint32]types.ConceptID
	reverse map[types.ConceptID]uint32
	nextID  uint32
	dirty   bool
}

type containerMeta struct {
	IDMapping map[uint32]types.ConceptID `msgpack:"id_mapping"`
	NextID    uint32                     `msgpack:"next_id"`
	Version   uint32                     `msgpack:"version"`
}

// NewContainer creates an unloaded container rooted at basePath.
func NewContainer(basePath string, cfg Config) *Container {
	return &Container{
		basePath: basePath,
		cfg:      cfg,
		logger:   log.WithComponent("hnsw"),
		forward:  make(map[uint32]types.ConceptID),
		reverse:  make(map[types.ConceptID]uint32),
	}
}

func (c *Container) indexPath() string { return c.basePath + ".usearch" }
func (c *Container) metaPath() string  { return c.basePath + ".hnsw.meta" }

// LoadOrBuild loads the persisted index when both files exist, then
// inserts any concepts present in vectors but missing from the loaded
// index. Without persisted files it builds from scratch.
func (c *Container) LoadOrBuild(vectors map[types.ConceptID][]float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, idxErr := os.Stat(c.indexPath())
	_, metaErr := os.Stat(c.metaPath())

	if idxErr == nil && metaErr == nil {
		if err := c.loadLocked(); err != nil {
			return err
		}

		missing := 0
		for id, vec := range vectors {
			if _, ok := c.reverse[id]; ok {
				continue
			}
			if err := c.insertLocked(id, vec); err != nil {
				return err
			}
			missing++
		}
		if missing > 0 {
			c.dirty = true
			c.logger.Info().Int("inserted", missing).Msg("Added vectors missing from persisted index")
		}
		return nil
	}

	index, err := NewIndex(c.cfg)
	if err != nil {
		return err
	}
	c.index = index

	if len(vectors) == 0 {
		c.logger.Info().Msg("No vectors to index, starting empty")
		return nil
	}

	c.logger.Info().Int("vectors", len(vectors)).Msg("Building vector index")
	for id, vec := range vectors {
		if err := c.insertLocked(id, vec); err != nil {
			return err
		}
	}
	c.dirty = true
	return nil
}

func (c *Container) loadLocked() error {
	data, err := os.ReadFile(c.metaPath())
	if err != nil {
		return fmt.Errorf("failed to read index metadata: %w", err)
	}
	var meta containerMeta
	if err := msgpack.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("failed to decode index metadata: %w", err)
	}

	index, err := LoadIndex(c.indexPath(), c.cfg)
	if err != nil {
		return fmt.Errorf("failed to load vector index: %w", err)
	}

	c.index = index
	c.forward = meta.IDMapping
	c.reverse = make(map[types.ConceptID]uint32, len(meta.IDMapping))
	for denseID, conceptID := range meta.IDMapping {
		c.reverse[conceptID] = denseID
	}
	c.nextID = meta.NextID
	c.dirty = false

	c.logger.Info().Int("vectors", index.Len()).Msg("Loaded vector index")
	return nil
}

func (c *Container) insertLocked(id types.ConceptID, vector []float32) error {
	denseID := c.nextID
	c.nextID++

	if err := c.index.Add(denseID, vector); err != nil {
		return fmt.Errorf("failed to add vector: %w", err)
	}
	c.forward[denseID] = id
	c.reverse[id] = denseID
	return nil
}

// Insert adds one vector incrementally. Updating an existing concept id is
// a no-op.
func (c *Container) Insert(id types.ConceptID, vector []float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.index == nil {
		index, err := NewIndex(c.cfg)
		if err != nil {
			return err
		}
		c.index = index
	}
	if _, exists := c.reverse[id]; exists {
		return nil
	}
	if err := c.insertLocked(id, vector); err != nil {
		return err
	}
	c.dirty = true
	return nil
}

// Match is one ANN search hit.
type Match struct {
	ID         types.ConceptID
	Similarity float32
}

// Search returns the top-k concepts by cosine similarity descending.
// Similarity is max(0, 1 − distance). k <= 0 yields nil.
func (c *Container) Search(query []float32, k, efSearch int) []Match {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.index == nil || k <= 0 {
		return nil
	}

	results, err := c.index.Search(query, k, efSearch)
	if err != nil {
		c.logger.Error().Err(err).Msg("Vector search failed")
		return nil
	}

	out := make([]Match, 0, len(results))
	for _, r := range results {
		conceptID, ok := c.forward[r.Key]
		if !ok {
			continue
		}
		similarity := 1 - r.Distance
		if similarity < 0 {
			similarity = 0
		}
		out = append(out, Match{ID: conceptID, Similarity: similarity})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	return out
}

// Save persists the graph and metadata, then clears the dirty flag. A
// clean container is a no-op.
func (c *Container) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.dirty {
		return nil
	}
	if c.index == nil {
		return fmt.Errorf("vector index not initialized")
	}

	if err := c.index.Save(c.indexPath()); err != nil {
		return fmt.Errorf("failed to save vector index: %w", err)
	}

	meta := containerMeta{IDMapping: c.forward, NextID: c.nextID, Version: 1}
	data, err := msgpack.Marshal(&meta)
	if err != nil {
		return fmt.Errorf("failed to encode index metadata: %w", err)
	}
	if err := os.WriteFile(c.metaPath(), data, 0o644); err != nil {
		return fmt.Errorf("failed to write index metadata: %w", err)
	}

	c.dirty = false
	c.logger.Info().Int("vectors", len(c.forward)).Msg("Saved vector index")
	return nil
}

// IsDirty reports whether unsaved inserts exist.
func (c *Container) IsDirty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dirty
}

// ContainerStats summarizes the container.
type ContainerStats struct {
	Vectors      int  `msgpack:"vectors" json:"vectors"`
	Dimension    int  `msgpack:"dimension" json:"dimension"`
	MaxNeighbors int  `msgpack:"max_neighbors" json:"max_neighbors"`
	Dirty        bool `msgpack:"dirty" json:"dirty"`
	Initialized  bool `msgpack:"initialized" json:"initialized"`
}

// Stats returns the container's counters.
func (c *Container) Stats() ContainerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	vectors := 0
	if c.index != nil {
		vectors = c.index.Len()
	}
	return ContainerStats{
		Vectors:      vectors,
		Dimension:    c.cfg.Dimension,
		MaxNeighbors: c.cfg.MaxNeighbors,
		Dirty:        c.dirty,
		Initialized:  c.index != nil,
	}
}
