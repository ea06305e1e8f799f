package cluster

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/synapsedb/synapse/pkg/engine"
	"github.com/synapsedb/synapse/pkg/graph"
	"github.com/synapsedb/synapse/pkg/hnsw"
	"github.com/synapsedb/synapse/pkg/log"
	"github.com/synapsedb/synapse/pkg/metrics"
	"github.com/synapsedb/synapse/pkg/types"
)

// DefaultNumShards matches the standard deployment.
const DefaultNumShards = 16

// Config holds sharded deployment settings.
type Config struct {
	NumShards  uint32
	BasePath   string
	TxnTimeout time.Duration
	// Shard carries the per-shard engine settings; StoragePath is set per
	// shard from BasePath.
	Shard engine.Config
}

// DefaultShardedConfig returns standard settings rooted at basePath.
func DefaultShardedConfig(basePath string) Config {
	return Config{
		NumShards:  DefaultNumShards,
		BasePath:   basePath,
		TxnTimeout: 5 * time.Second,
		Shard:      engine.DefaultConfig(""),
	}
}

// Stats aggregates every shard's counters.
type Stats struct {
	NumShards     uint32           `msgpack:"num_shards" json:"num_shards"`
	TotalConcepts int              `msgpack:"total_concepts" json:"total_concepts"`
	TotalEdges    int              `msgpack:"total_edges" json:"total_edges"`
	TotalVectors  int              `msgpack:"total_vectors" json:"total_vectors"`
	TotalWrites   uint64           `msgpack:"total_writes" json:"total_writes"`
	Shards        []engine.Stats   `msgpack:"shards" json:"shards"`
	Transactions  CoordinatorStats `msgpack:"transactions" json:"transactions"`
}

// Engine shards concepts across N independent engines by consistent
// hashing of the concept id, with a 2PC coordinator for cross-shard
// associations.
type Engine struct {
	cfg    Config
	logger zerolog.Logger

	shards []*engine.Engine
	coord  *Coordinator

	closeMu sync.Mutex
	closed  bool
}

// Open initializes every shard under cfg.BasePath.
func Open(cfg Config) (*Engine, error) {
	if cfg.NumShards == 0 {
		cfg.NumShards = DefaultNumShards
	}
	if err := os.MkdirAll(cfg.BasePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create shard base path: %w", err)
	}

	s := &Engine{
		cfg:    cfg,
		logger: log.WithComponent("cluster"),
		shards: make([]*engine.Engine, cfg.NumShards),
		coord:  NewCoordinator(cfg.TxnTimeout),
	}

	for shardID := uint32(0); shardID < cfg.NumShards; shardID++ {
		shardCfg := cfg.Shard
		shardCfg.StoragePath = filepath.Join(cfg.BasePath, fmt.Sprintf("shard_%04d", shardID))

		eng, err := engine.Open(shardCfg)
		if err != nil {
			for _, open := range s.shards[:shardID] {
				if open != nil {
					open.Close()
				}
			}
			s.coord.Stop()
			return nil, fmt.Errorf("failed to open shard %d: %w", shardID, err)
		}
		s.shards[shardID] = eng
	}

	s.logger.Info().Uint32("shards", cfg.NumShards).Str("path", cfg.BasePath).Msg("Sharded engine opened")
	return s, nil
}

// ShardFor returns the shard owning a concept id.
func (s *Engine) ShardFor(id types.ConceptID) uint32 {
	return uint32(xxhash.Sum64(id[:]) % uint64(s.cfg.NumShards))
}

func (s *Engine) shard(id types.ConceptID) *engine.Engine {
	return s.shards[s.ShardFor(id)]
}

// NumShards returns the configured shard count.
func (s *Engine) NumShards() uint32 {
	return s.cfg.NumShards
}

// LearnConcept routes a concept write to its owning shard.
func (s *Engine) LearnConcept(id types.ConceptID, content []byte, vector []float32, strength, confidence float32) (uint64, error) {
	return s.shard(id).LearnConcept(id, content, vector, strength, confidence)
}

// LearnConceptV2 routes a v2 learn by its content-derived id.
func (s *Engine) LearnConceptV2(ctx context.Context, content string, opts engine.V2Options) (types.ConceptID, error) {
	id := types.NewConceptID([]byte(content))
	return s.shards[s.ShardFor(id)].LearnConceptV2(ctx, content, opts)
}

// LearnBatch groups contents by owning shard, one transaction per shard.
func (s *Engine) LearnBatch(ctx context.Context, contents []string, opts engine.V2Options) ([]types.ConceptID, error) {
	byShard := make(map[uint32][]int)
	ids := make([]types.ConceptID, len(contents))
	for i, content := range contents {
		id := types.NewConceptID([]byte(content))
		ids[i] = id
		shardID := s.ShardFor(id)
		byShard[shardID] = append(byShard[shardID], i)
	}

	for shardID, indices := range byShard {
		batch := make([]string, len(indices))
		for j, i := range indices {
			batch[j] = contents[i]
		}
		if _, err := s.shards[shardID].LearnBatch(ctx, batch, opts); err != nil {
			return nil, fmt.Errorf("shard %d batch failed: %w", shardID, err)
		}
	}
	return ids, nil
}

// LearnAssociation creates a typed edge. Same-shard edges take the fast
// path; cross-shard edges run the 2PC protocol, writing the forward edge
// on the source shard and the reverse edge on the target shard.
func (s *Engine) LearnAssociation(source, target types.ConceptID, typ types.AssociationType, confidence float32) (uint64, error) {
	sourceShard := s.ShardFor(source)
	targetShard := s.ShardFor(target)

	if sourceShard == targetShard {
		return s.shards[sourceShard].LearnAssociation(source, target, typ, confidence)
	}

	txnID := s.coord.Begin(Operation{
		Source:      source,
		Target:      target,
		SourceShard: sourceShard,
		TargetShard: targetShard,
		Type:        typ,
		Confidence:  confidence,
	})

	s.logger.Debug().
		Uint64("txn_id", txnID).
		Uint32("source_shard", sourceShard).
		Uint32("target_shard", targetShard).
		Msg("Cross-shard association")

	// Prepare in ascending shard-id order so two concurrent associations
	// between the same shard pair cannot deadlock on the WAL transaction
	// slots. Each prepare is an open WAL transaction on its shard; a crash
	// before commit replays as a rollback on restart.
	type prepareSpec struct {
		shardID  uint32
		from, to types.ConceptID
	}
	prepares := []prepareSpec{
		{sourceShard, source, target},
		{targetShard, target, source},
	}
	if prepares[0].shardID > prepares[1].shardID {
		prepares[0], prepares[1] = prepares[1], prepares[0]
	}

	var prepared []*engine.PreparedAssociation
	rollback := func() {
		for _, p := range prepared {
			if err := p.Rollback(); err != nil {
				s.logger.Error().Err(err).Uint64("txn_id", txnID).Msg("Prepare rollback failed")
			}
		}
		s.abort(txnID)
	}

	var sourceSeq uint64
	for _, spec := range prepares {
		p, err := s.shards[spec.shardID].PrepareAssociation(spec.from, spec.to, typ, confidence)
		if err != nil {
			rollback()
			return 0, fmt.Errorf("shard %d prepare failed: %w", spec.shardID, err)
		}
		prepared = append(prepared, p)
		if spec.shardID == sourceShard {
			sourceSeq = p.Sequence()
		}
		if err := s.coord.MarkPrepared(txnID, spec.shardID); err != nil {
			rollback()
			return 0, err
		}
	}

	// Phase 2: commit.
	ready, err := s.coord.ReadyToCommit(txnID)
	if err != nil || !ready {
		rollback()
		if err != nil {
			return 0, err
		}
		return 0, &TxnError{TxnID: txnID, Reason: "not ready to commit"}
	}
	if err := s.coord.Commit(txnID); err != nil {
		rollback()
		return 0, err
	}

	for _, p := range prepared {
		if err := p.Commit(); err != nil {
			// The other shard may already hold its committed edge; startup
			// replay restores the all-or-nothing boundary for crashes,
			// while this in-flight failure is surfaced to the caller.
			s.logger.Error().Err(err).Uint64("txn_id", txnID).Msg("Prepared commit failed")
			s.coord.Complete(txnID)
			return 0, err
		}
	}
	s.coord.Complete(txnID)
	return sourceSeq, nil
}

func (s *Engine) abort(txnID uint64) {
	if err := s.coord.Abort(txnID); err != nil {
		s.logger.Error().Err(err).Uint64("txn_id", txnID).Msg("Abort failed")
	}
	s.coord.Complete(txnID)
}

// QueryConcept reads a concept from its owning shard's snapshot.
func (s *Engine) QueryConcept(id types.ConceptID) *graph.ConceptNode {
	return s.shard(id).QueryConcept(id)
}

// QueryNeighbors reads a concept's neighbors from its owning shard.
func (s *Engine) QueryNeighbors(id types.ConceptID) []types.ConceptID {
	return s.shard(id).QueryNeighbors(id)
}

// FindPath searches only the snapshot of the shard owning the start id. A
// concept on another shard can end a path when a concept of this shard
// links to it, but its own edges are not followed, so paths that pass
// through a concept stored on another shard are not found.
func (s *Engine) FindPath(start, end types.ConceptID, maxDepth int) []types.ConceptID {
	return s.shard(start).FindPath(start, end, maxDepth)
}

// VectorSearch fans out to every shard in parallel, collects per-shard
// top-k' (k' ≥ k/N, at least 10), and re-sorts for the global top-k.
func (s *Engine) VectorSearch(query []float32, k, efSearch int) ([]hnsw.Match, error) {
	if k <= 0 {
		return nil, nil
	}

	perShard := k / int(s.cfg.NumShards)
	if perShard < 10 {
		perShard = 10
	}
	if perShard < k {
		// Each shard must be able to satisfy the whole k when the others
		// are empty.
		perShard = k
	}

	results := make([][]hnsw.Match, len(s.shards))
	var g errgroup.Group
	for i, shard := range s.shards {
		g.Go(func() error {
			matches, err := shard.VectorSearch(query, perShard, efSearch)
			if err != nil {
				return err
			}
			results[i] = matches
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []hnsw.Match
	for _, r := range results {
		merged = append(merged, r...)
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Similarity > merged[j].Similarity })
	if len(merged) > k {
		merged = merged[:k]
	}
	return merged, nil
}

// SearchWords intersects each shard's inverted index over the given
// words in parallel and unions the per-shard results; shards own
// disjoint concept sets.
func (s *Engine) SearchWords(words []string) []types.ConceptID {
	if len(words) == 0 {
		return nil
	}

	results := make([][]types.ConceptID, len(s.shards))
	var g errgroup.Group
	for i, shard := range s.shards {
		g.Go(func() error {
			results[i] = shard.SearchWords(words)
			return nil
		})
	}
	_ = g.Wait()

	var merged []types.ConceptID
	for _, r := range results {
		merged = append(merged, r...)
	}
	return merged
}

// Flush persists every shard in parallel.
func (s *Engine) Flush() error {
	var g errgroup.Group
	for _, shard := range s.shards {
		g.Go(shard.Flush)
	}
	return g.Wait()
}

// Stats gathers every shard's stats in parallel.
func (s *Engine) Stats() Stats {
	shardStats := make([]engine.Stats, len(s.shards))
	var g errgroup.Group
	for i, shard := range s.shards {
		g.Go(func() error {
			shardStats[i] = shard.Stats()
			return nil
		})
	}
	_ = g.Wait()

	out := Stats{
		NumShards:    s.cfg.NumShards,
		Shards:       shardStats,
		Transactions: s.coord.Stats(),
	}
	for i, st := range shardStats {
		out.TotalConcepts += st.Snapshot.ConceptCount
		out.TotalEdges += st.Snapshot.EdgeCount
		out.TotalVectors += st.Vectors.Vectors
		out.TotalWrites += st.WriteLog.Written

		label := strconv.Itoa(i)
		metrics.ConceptsTotal.WithLabelValues(label).Set(float64(st.Snapshot.ConceptCount))
		metrics.EdgesTotal.WithLabelValues(label).Set(float64(st.Snapshot.EdgeCount))
		metrics.SnapshotSequence.WithLabelValues(label).Set(float64(st.Snapshot.Sequence))
	}
	return out
}

// HealthCheck reports unhealthy when any shard is degraded.
func (s *Engine) HealthCheck() engine.Health {
	healthy := true
	status := "ok"
	var uptime uint64
	for i, shard := range s.shards {
		h := shard.HealthCheck()
		if h.UptimeSeconds > uptime {
			uptime = h.UptimeSeconds
		}
		if !h.Healthy {
			healthy = false
			status = fmt.Sprintf("shard %d: %s", i, h.Status)
		}
	}
	return engine.Health{Healthy: healthy, Status: status, UptimeSeconds: uptime}
}

// Close stops the coordinator and every shard.
func (s *Engine) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	s.coord.Stop()

	var firstErr error
	for _, shard := range s.shards {
		if err := shard.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
