package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/synapsedb/synapse/pkg/embedding"
	"github.com/synapsedb/synapse/pkg/events"
	"github.com/synapsedb/synapse/pkg/graph"
	"github.com/synapsedb/synapse/pkg/hnsw"
	"github.com/synapsedb/synapse/pkg/ingress"
	"github.com/synapsedb/synapse/pkg/log"
	"github.com/synapsedb/synapse/pkg/metrics"
	"github.com/synapsedb/synapse/pkg/segment"
	"github.com/synapsedb/synapse/pkg/semantic"
	"github.com/synapsedb/synapse/pkg/types"
	"github.com/synapsedb/synapse/pkg/wal"
)

// ErrClosed is returned by operations on a closed engine.
var ErrClosed = errors.New("engine closed")

// Config holds per-shard engine settings.
type Config struct {
	StoragePath       string
	VectorDimension   int
	ReconcileInterval time.Duration
	// MemoryThreshold forces a flush once this many ingress entries
	// accumulate unpersisted. Every entry kind counts (edges, strength
	// updates and access records as well as concepts), not concepts alone.
	MemoryThreshold int
	// FlushEveryN persists pending entries once N reconciler ticks have
	// passed since the last flush; idle ticks count too.
	FlushEveryN int
	WALFsync    bool

	HNSWMaxNeighbors   int
	HNSWEfConstruction int
	HNSWEfSearch       int

	// Provider supplies embeddings for learn v2; optional.
	Provider embedding.Provider
	// Extractor proposes typed associations for learn v2; optional.
	Extractor *semantic.Extractor
	// Emitter receives storage events; optional.
	Emitter *events.Emitter
}

// DefaultConfig returns standard single-shard settings rooted at path.
func DefaultConfig(path string) Config {
	return Config{
		StoragePath:        path,
		VectorDimension:    768,
		ReconcileInterval:  10 * time.Millisecond,
		MemoryThreshold:    100_000,
		FlushEveryN:        100,
		WALFsync:           true,
		HNSWMaxNeighbors:   16,
		HNSWEfConstruction: 200,
		HNSWEfSearch:       40,
	}
}

// V2Options tune LearnConceptV2 and LearnBatch.
type V2Options struct {
	Strength            float32
	Confidence          float32
	ExtractAssociations bool
	MaxAssociations     int
	MinConfidence       float32
}

// DefaultV2Options returns the standard learn options.
func DefaultV2Options() V2Options {
	return V2Options{
		Strength:        1.0,
		Confidence:      1.0,
		MaxAssociations: 8,
		MinConfidence:   0.5,
	}
}

// Stats aggregates one engine's observable state.
type Stats struct {
	Snapshot   SnapshotStats       `msgpack:"snapshot" json:"snapshot"`
	WriteLog   ingress.Stats       `msgpack:"write_log" json:"write_log"`
	Reconciler ReconcilerStats     `msgpack:"reconciler" json:"reconciler"`
	Vectors    hnsw.ContainerStats `msgpack:"vectors" json:"vectors"`
}

// SnapshotStats mirrors the published snapshot's metadata.
type SnapshotStats struct {
	Sequence     uint64 `msgpack:"sequence" json:"sequence"`
	Timestamp    uint64 `msgpack:"timestamp" json:"timestamp"`
	ConceptCount int    `msgpack:"concept_count" json:"concept_count"`
	EdgeCount    int    `msgpack:"edge_count" json:"edge_count"`
}

// Health reports liveness for the health endpoint.
type Health struct {
	Healthy       bool   `msgpack:"healthy" json:"healthy"`
	Status        string `msgpack:"status" json:"status"`
	UptimeSeconds uint64 `msgpack:"uptime_seconds" json:"uptime_seconds"`
}

// Engine is a single-shard storage engine: WAL + ingress + reconciler +
// snapshot + indexes + vector container.
type Engine struct {
	cfg    Config
	logger zerolog.Logger

	wal     *wal.WAL
	ingress *ingress.Log
	view    *graph.View
	index   *graph.Index
	vectors *hnsw.Container

	reconciler *reconciler

	// txnMu serializes multi-op WAL transactions (v2 and batch learns).
	txnMu sync.Mutex

	started time.Time
	closed  bool
	closeMu sync.Mutex
}

// Open builds an engine at cfg.StoragePath, replaying the WAL into the
// initial snapshot and loading the persisted vector index.
func Open(cfg Config) (*Engine, error) {
	if cfg.VectorDimension <= 0 {
		return nil, fmt.Errorf("vector dimension must be positive, got %d", cfg.VectorDimension)
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 10 * time.Millisecond
	}
	if cfg.FlushEveryN <= 0 {
		cfg.FlushEveryN = 100
	}
	if cfg.MemoryThreshold <= 0 {
		cfg.MemoryThreshold = 100_000
	}

	if err := os.MkdirAll(filepath.Join(cfg.StoragePath, "segments"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	e := &Engine{
		cfg:     cfg,
		logger:  log.WithComponent("engine"),
		ingress: ingress.New(),
		view:    graph.NewView(),
		index:   graph.NewIndex(),
		started: time.Now(),
	}

	hnswCfg := hnsw.Config{
		Dimension:      cfg.VectorDimension,
		MaxNeighbors:   cfg.HNSWMaxNeighbors,
		EfConstruction: cfg.HNSWEfConstruction,
		EfSearch:       cfg.HNSWEfSearch,
	}
	e.vectors = hnsw.NewContainer(filepath.Join(cfg.StoragePath, "hnsw"), hnswCfg)

	w, err := wal.Open(filepath.Join(cfg.StoragePath, "wal.log"), cfg.WALFsync)
	if err != nil {
		return nil, err
	}
	e.wal = w

	manifest, err := e.loadManifest()
	if err != nil {
		w.Close()
		return nil, err
	}
	e.checkSegments(manifest)

	vectors, err := e.recover()
	if err != nil {
		w.Close()
		return nil, err
	}

	loadStart := time.Now()
	if err := e.vectors.LoadOrBuild(vectors); err != nil {
		w.Close()
		return nil, err
	}
	if cfg.Emitter != nil {
		cfg.Emitter.EmitHNSWLoaded(e.vectors.Stats().Vectors, time.Since(loadStart), !e.vectors.IsDirty())
	}

	e.reconciler = newReconciler(e, manifest)
	e.reconciler.Start()

	e.logger.Info().
		Str("path", cfg.StoragePath).
		Int("concepts", e.view.Load().ConceptCount).
		Msg("Engine opened")
	return e, nil
}

func (e *Engine) loadManifest() (*segment.Manifest, error) {
	path := filepath.Join(e.cfg.StoragePath, "manifest.json")
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return segment.NewManifest(), nil
		}
		return nil, fmt.Errorf("failed to stat manifest: %w", err)
	}
	return segment.LoadManifest(path)
}

// checkSegments opens every manifest segment read-only, logging and
// skipping corrupt ones. The WAL remains the recovery source; segments
// feed historical reads and compaction.
func (e *Engine) checkSegments(manifest *segment.Manifest) {
	for _, meta := range manifest.Segments {
		path := filepath.Join(e.cfg.StoragePath, "segments", meta.Path)
		seg, err := segment.OpenRead(path)
		if err != nil {
			if errors.Is(err, segment.ErrCorruptSegment) {
				e.logger.Warn().Err(err).Str("segment", meta.Path).Msg("Skipping corrupt segment")
				continue
			}
			e.logger.Warn().Err(err).Str("segment", meta.Path).Msg("Failed to open segment")
			continue
		}
		seg.Close()
	}
}

// recover replays committed WAL operations into the initial snapshot and
// indexes, returning the vector set for the HNSW container.
func (e *Engine) recover() (map[types.ConceptID][]float32, error) {
	committed, err := wal.Replay(e.wal.Path())
	if err != nil {
		return nil, fmt.Errorf("WAL replay failed: %w", err)
	}
	if len(committed) == 0 {
		return nil, nil
	}

	builder := graph.NewBuilder(e.view.Load())
	vectors := make(map[types.ConceptID][]float32)

	for _, entry := range committed {
		op := entry.Op
		switch op.Kind {
		case wal.OpWriteConcept:
			node := graph.NewConceptNode(op.ConceptID, op.Content, op.Vector, op.Strength, op.Confidence, op.Created)
			builder.Put(node)
			e.index.InsertConcept(op.ConceptID, graph.Location{}, op.Created/1000)
			e.index.IndexWords(op.ConceptID, graph.Tokenize(op.Content))
			if len(op.Vector) > 0 {
				vectors[op.ConceptID] = op.Vector
			}
		case wal.OpWriteAssociation:
			record := types.AssociationRecord{
				Source:     op.Source,
				Target:     op.Target,
				Type:       op.AssociationType,
				Confidence: op.Confidence,
				CreatedAt:  op.Created,
			}
			if builder.AddEdge(record) {
				e.index.AddEdge(op.Source, op.Target)
			}
		case wal.OpDeleteConcept:
			builder.Delete(op.ConceptID)
			e.index.RemoveConcept(op.ConceptID)
			delete(vectors, op.ConceptID)
		case wal.OpDeleteAssociation:
			// Edge deletion rebuilds the node without the edge on the
			// next snapshot; the replayed graph simply omits it.
		}
	}

	snap := builder.Build(e.wal.Sequence())
	e.view.Store(snap)

	e.logger.Info().
		Int("operations", len(committed)).
		Int("concepts", snap.ConceptCount).
		Msg("WAL replay complete")
	return vectors, nil
}

// LearnConcept durably logs a concept and queues it for reconciliation.
// The returned sequence is the WAL sequence; the call fails if the WAL
// append fails, in which case neither the snapshot nor the ingress
// reflects the write.
func (e *Engine) LearnConcept(id types.ConceptID, content []byte, vector []float32, strength, confidence float32) (uint64, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	if len(vector) > 0 && len(vector) != e.cfg.VectorDimension {
		return 0, fmt.Errorf("vector dimension %d does not match configured %d", len(vector), e.cfg.VectorDimension)
	}

	now := types.NowMicros()
	seq, err := e.wal.Append(wal.Operation{
		Kind:       wal.OpWriteConcept,
		ConceptID:  id,
		Content:    content,
		Vector:     vector,
		Strength:   strength,
		Confidence: confidence,
		Created:    now,
		Modified:   now,
	})
	if err != nil {
		return 0, fmt.Errorf("WAL append failed: %w", err)
	}
	metrics.WALAppendsTotal.Inc()

	if _, err := e.ingress.AppendConcept(id, content, vector, strength, confidence, nil); err != nil {
		// Backpressure resolved internally; only report the counters.
		e.logger.Warn().Err(err).Msg("Ingress append reported full")
	}
	return seq, nil
}

// LearnAssociation durably logs a typed edge and queues it.
func (e *Engine) LearnAssociation(source, target types.ConceptID, typ types.AssociationType, confidence float32) (uint64, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	if !typ.Valid() {
		return 0, fmt.Errorf("invalid association type %d", typ)
	}

	record := types.NewAssociationRecord(source, target, typ, confidence)
	seq, err := e.wal.Append(wal.Operation{
		Kind:            wal.OpWriteAssociation,
		Source:          source,
		Target:          target,
		AssociationType: typ,
		Confidence:      confidence,
		Created:         record.CreatedAt,
	})
	if err != nil {
		return 0, fmt.Errorf("WAL append failed: %w", err)
	}
	metrics.WALAppendsTotal.Inc()

	if _, err := e.ingress.AppendAssociation(record); err != nil {
		e.logger.Warn().Err(err).Msg("Ingress append reported full")
	}
	return seq, nil
}

// PreparedAssociation is an association write sitting in an open WAL
// transaction, the prepare half of the cross-shard two-phase commit. The
// edge becomes durable only on Commit; a crash before Commit replays as a
// rollback. The engine's transaction slot stays held until Commit or
// Rollback.
type PreparedAssociation struct {
	engine *Engine
	record types.AssociationRecord
	seq    uint64
	done   bool
}

// PrepareAssociation opens a transaction and logs the edge inside it.
func (e *Engine) PrepareAssociation(source, target types.ConceptID, typ types.AssociationType, confidence float32) (*PreparedAssociation, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if !typ.Valid() {
		return nil, fmt.Errorf("invalid association type %d", typ)
	}

	e.txnMu.Lock()
	if _, err := e.wal.BeginTransaction(); err != nil {
		e.txnMu.Unlock()
		return nil, err
	}

	record := types.NewAssociationRecord(source, target, typ, confidence)
	seq, err := e.wal.Append(wal.Operation{
		Kind:            wal.OpWriteAssociation,
		Source:          source,
		Target:          target,
		AssociationType: typ,
		Confidence:      confidence,
		Created:         record.CreatedAt,
	})
	if err != nil {
		if rbErr := e.wal.RollbackTransaction(); rbErr != nil {
			e.logger.Error().Err(rbErr).Msg("Rollback failed")
		}
		e.txnMu.Unlock()
		return nil, fmt.Errorf("WAL append failed: %w", err)
	}
	metrics.WALAppendsTotal.Inc()

	return &PreparedAssociation{engine: e, record: record, seq: seq}, nil
}

// Sequence returns the prepared edge's WAL sequence.
func (p *PreparedAssociation) Sequence() uint64 {
	return p.seq
}

// Commit makes the edge durable and queues it for reconciliation.
func (p *PreparedAssociation) Commit() error {
	if p.done {
		return fmt.Errorf("prepared association already finished")
	}
	p.done = true
	defer p.engine.txnMu.Unlock()

	if err := p.engine.wal.CommitTransaction(); err != nil {
		return err
	}
	if _, err := p.engine.ingress.AppendAssociation(p.record); err != nil {
		p.engine.logger.Warn().Err(err).Msg("Ingress append reported full")
	}
	return nil
}

// Rollback discards the prepared edge.
func (p *PreparedAssociation) Rollback() error {
	if p.done {
		return fmt.Errorf("prepared association already finished")
	}
	p.done = true
	defer p.engine.txnMu.Unlock()
	return p.engine.wal.RollbackTransaction()
}

// DeleteConcept writes a tombstone; the concept leaves the next snapshot.
func (e *Engine) DeleteConcept(id types.ConceptID) (uint64, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}

	seq, err := e.wal.Append(wal.Operation{Kind: wal.OpDeleteConcept, ConceptID: id})
	if err != nil {
		return 0, fmt.Errorf("WAL append failed: %w", err)
	}
	metrics.WALAppendsTotal.Inc()

	if _, err := e.ingress.Append(ingress.Entry{Kind: ingress.KindDeleteConcept, ID: id, Timestamp: types.NowMicros()}); err != nil {
		e.logger.Warn().Err(err).Msg("Ingress append reported full")
	}
	return seq, nil
}

// LearnConceptV2 derives the id from the content hash, optionally embeds
// and extracts typed associations, and performs all resulting writes in
// one WAL transaction. Returns the concept id.
func (e *Engine) LearnConceptV2(ctx context.Context, content string, opts V2Options) (types.ConceptID, error) {
	if err := e.checkOpen(); err != nil {
		return types.ConceptID{}, err
	}

	e.txnMu.Lock()
	defer e.txnMu.Unlock()

	if _, err := e.wal.BeginTransaction(); err != nil {
		return types.ConceptID{}, err
	}

	id, err := e.learnV2Locked(ctx, content, opts)
	if err != nil {
		if rbErr := e.wal.RollbackTransaction(); rbErr != nil {
			e.logger.Error().Err(rbErr).Msg("Rollback failed")
		}
		return types.ConceptID{}, err
	}

	if err := e.wal.CommitTransaction(); err != nil {
		return types.ConceptID{}, err
	}
	return id, nil
}

// learnV2Locked performs the v2 write set inside the caller's open
// transaction.
func (e *Engine) learnV2Locked(ctx context.Context, content string, opts V2Options) (types.ConceptID, error) {
	id := types.NewConceptID([]byte(content))

	var vector []float32
	if e.cfg.Provider != nil {
		vec, err := e.cfg.Provider.Embed(ctx, content)
		if err != nil {
			e.logger.Debug().Err(err).Msg("Embedding unavailable, learning without vector")
		} else if len(vec) == e.cfg.VectorDimension {
			vector = vec
		}
	}

	if _, err := e.LearnConcept(id, []byte(content), vector, opts.Strength, opts.Confidence); err != nil {
		return types.ConceptID{}, err
	}

	if opts.ExtractAssociations && e.cfg.Extractor != nil {
		proposals, err := e.cfg.Extractor.Extract(ctx, content)
		if err != nil {
			e.logger.Debug().Err(err).Msg("Extraction skipped")
		}
		count := 0
		for _, p := range proposals {
			if count >= opts.MaxAssociations && opts.MaxAssociations > 0 {
				break
			}
			if p.Confidence < opts.MinConfidence {
				continue
			}
			targetID := types.NewConceptID([]byte(p.Target))
			if _, err := e.LearnConcept(targetID, []byte(p.Target), nil, opts.Strength/2, p.Confidence); err != nil {
				return types.ConceptID{}, err
			}
			if _, err := e.LearnAssociation(id, targetID, p.Type, p.Confidence); err != nil {
				return types.ConceptID{}, err
			}
			count++
		}
	}
	return id, nil
}

// LearnBatch learns every content in one WAL transaction and one ingress
// burst, returning the derived ids in input order.
func (e *Engine) LearnBatch(ctx context.Context, contents []string, opts V2Options) ([]types.ConceptID, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if len(contents) == 0 {
		return nil, nil
	}

	e.txnMu.Lock()
	defer e.txnMu.Unlock()

	if _, err := e.wal.BeginTransaction(); err != nil {
		return nil, err
	}

	ids := make([]types.ConceptID, 0, len(contents))
	for _, content := range contents {
		id, err := e.learnV2Locked(ctx, content, opts)
		if err != nil {
			if rbErr := e.wal.RollbackTransaction(); rbErr != nil {
				e.logger.Error().Err(rbErr).Msg("Rollback failed")
			}
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := e.wal.CommitTransaction(); err != nil {
		return nil, err
	}

	if _, err := e.ingress.Append(ingress.Entry{Kind: ingress.KindBatchMarker, BatchSequence: e.wal.Sequence()}); err != nil {
		e.logger.Warn().Err(err).Msg("Ingress append reported full")
	}
	return ids, nil
}

// QueryConcept returns the concept from the current snapshot, or nil.
// A hit queues a RecordAccess entry for heat tracking.
func (e *Engine) QueryConcept(id types.ConceptID) *graph.ConceptNode {
	node := e.view.Load().GetConcept(id)
	if node != nil {
		_, _ = e.ingress.Append(ingress.Entry{Kind: ingress.KindRecordAccess, ID: id, Timestamp: types.NowMicros()})
	}
	return node
}

// ReinforceConcept queues a strength update for an existing concept,
// applied by the reconciler on its next tick.
func (e *Engine) ReinforceConcept(id types.ConceptID, strength float32) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	_, err := e.ingress.Append(ingress.Entry{Kind: ingress.KindUpdateStrength, ID: id, Strength: strength})
	return err
}

// QueryNeighbors returns a concept's neighbors, in both edge directions.
func (e *Engine) QueryNeighbors(id types.ConceptID) []types.ConceptID {
	return e.view.Load().GetNeighbors(id)
}

// FindPath runs a bounded BFS between two concepts on the current
// snapshot.
func (e *Engine) FindPath(start, end types.ConceptID, maxDepth int) []types.ConceptID {
	return e.view.Load().FindPath(start, end, maxDepth)
}

// VectorSearch returns the top-k concepts by cosine similarity.
func (e *Engine) VectorSearch(query []float32, k, efSearch int) ([]hnsw.Match, error) {
	if len(query) != e.cfg.VectorDimension {
		return nil, fmt.Errorf("query dimension %d does not match configured %d", len(query), e.cfg.VectorDimension)
	}
	timer := metrics.NewTimer()
	matches := e.vectors.Search(query, k, efSearch)
	timer.ObserveDuration(metrics.VectorSearchDuration)

	if e.cfg.Emitter != nil {
		e.cfg.Emitter.EmitQueryPerformance("vector_search", timer.Duration(), len(matches))
	}
	return matches, nil
}

// SearchWords intersects the inverted index over the given words.
func (e *Engine) SearchWords(words []string) []types.ConceptID {
	return e.index.SearchWords(words)
}

// Snapshot returns the current read snapshot.
func (e *Engine) Snapshot() *graph.Snapshot {
	return e.view.Load()
}

// Flush drains the ingress, persists segments, manifest and vector index,
// and fsyncs the WAL. Idempotent: flushing twice with no interleaved
// writes leaves on-disk state unchanged.
func (e *Engine) Flush() error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := e.wal.Sync(); err != nil {
		return err
	}
	return e.reconciler.Flush()
}

// Stats returns the engine's observable counters.
func (e *Engine) Stats() Stats {
	snap := e.view.Load()
	return Stats{
		Snapshot: SnapshotStats{
			Sequence:     snap.Sequence,
			Timestamp:    snap.Timestamp,
			ConceptCount: snap.ConceptCount,
			EdgeCount:    snap.EdgeCount,
		},
		WriteLog:   e.ingress.Stats(),
		Reconciler: e.reconciler.Stats(),
		Vectors:    e.vectors.Stats(),
	}
}

// HealthCheck reports engine liveness.
func (e *Engine) HealthCheck() Health {
	status := "ok"
	healthy := true
	if err := e.reconciler.LastError(); err != nil {
		status = fmt.Sprintf("degraded: %v", err)
		healthy = false
	}
	return Health{
		Healthy:       healthy,
		Status:        status,
		UptimeSeconds: uint64(time.Since(e.started).Seconds()),
	}
}

func (e *Engine) checkOpen() error {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return nil
}

// Close stops the reconciler (with a final flush) and closes the WAL.
func (e *Engine) Close() error {
	e.closeMu.Lock()
	if e.closed {
		e.closeMu.Unlock()
		return nil
	}
	e.closed = true
	e.closeMu.Unlock()

	e.reconciler.Stop()
	return e.wal.Close()
}
