package engine

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/synapsedb/synapse/pkg/graph"
	"github.com/synapsedb/synapse/pkg/ingress"
	"github.com/synapsedb/synapse/pkg/log"
	"github.com/synapsedb/synapse/pkg/metrics"
	"github.com/synapsedb/synapse/pkg/segment"
	"github.com/synapsedb/synapse/pkg/types"
)

// maxBatchPerTick bounds how many ingress entries one tick applies.
const maxBatchPerTick = 10_000

// ReconcilerStats is the reconciler's observable state.
type ReconcilerStats struct {
	Cycles         uint64 `msgpack:"cycles" json:"cycles"`
	EntriesApplied uint64 `msgpack:"entries_applied" json:"entries_applied"`
	Flushes        uint64 `msgpack:"flushes" json:"flushes"`
	PendingPersist int    `msgpack:"pending_persist" json:"pending_persist"`
	LastError      string `msgpack:"last_error,omitempty" json:"last_error,omitempty"`
}

// reconciler is the single writer that merges ingress entries into fresh
// snapshots and periodically persists state. It owns the exclusive right
// to mutate the next snapshot.
type reconciler struct {
	engine   *Engine
	logger   zerolog.Logger
	manifest *segment.Manifest

	mu             sync.Mutex
	pendingPersist []ingress.Entry
	cycles         uint64
	applied        uint64
	flushes        uint64
	sinceFlush     int
	lastErr        error

	stopCh chan struct{}
	doneCh chan struct{}
	// flushCh carries explicit flush requests into the loop.
	flushCh chan chan error
}

func newReconciler(e *Engine, manifest *segment.Manifest) *reconciler {
	return &reconciler{
		engine:   e,
		logger:   log.WithComponent("reconciler"),
		manifest: manifest,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		flushCh:  make(chan chan error),
	}
}

// Start launches the reconcile loop on its own goroutine.
func (r *reconciler) Start() {
	go r.run()
}

// Stop flushes outstanding state and terminates the loop.
func (r *reconciler) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// Flush synchronously drains the ingress and persists.
func (r *reconciler) Flush() error {
	reply := make(chan error, 1)
	select {
	case r.flushCh <- reply:
		return <-reply
	case <-r.stopCh:
		return ErrClosed
	}
}

// LastError returns the most recent persistence failure, or nil.
func (r *reconciler) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Stats returns the reconciler's counters.
func (r *reconciler) Stats() ReconcilerStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := ReconcilerStats{
		Cycles:         r.cycles,
		EntriesApplied: r.applied,
		Flushes:        r.flushes,
		PendingPersist: len(r.pendingPersist),
	}
	if r.lastErr != nil {
		stats.LastError = r.lastErr.Error()
	}
	return stats
}

func (r *reconciler) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.engine.cfg.ReconcileInterval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.engine.cfg.ReconcileInterval).Msg("Reconciler started")

	for {
		select {
		case <-ticker.C:
			r.tick(false)
		case reply := <-r.flushCh:
			r.tick(true)
			r.mu.Lock()
			err := r.lastErr
			r.mu.Unlock()
			reply <- err
		case <-r.stopCh:
			// Final drain and persist before shutdown.
			r.tick(true)
			r.logger.Info().Msg("Reconciler stopped")
			return
		}
	}
}

// tick performs one reconciliation cycle: drain, apply, publish, and
// persist when due or forced.
func (r *reconciler) tick(forceFlush bool) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	batch := r.engine.ingress.DrainBatch(maxBatchPerTick)

	if len(batch) > 0 {
		r.apply(batch)
	}

	r.mu.Lock()
	r.cycles++
	r.applied += uint64(len(batch))
	r.pendingPersist = append(r.pendingPersist, batch...)
	r.sinceFlush++
	due := forceFlush ||
		(r.sinceFlush >= r.engine.cfg.FlushEveryN && len(r.pendingPersist) > 0) ||
		len(r.pendingPersist) >= r.engine.cfg.MemoryThreshold
	r.mu.Unlock()

	if due {
		r.persist()
	}
}

// apply merges a batch into a fresh snapshot and the live indexes, then
// publishes the snapshot.
func (r *reconciler) apply(batch []ingress.Entry) {
	e := r.engine
	builder := graph.NewBuilder(e.view.Load())

	for _, entry := range batch {
		switch entry.Kind {
		case ingress.KindAddConcept:
			node := graph.NewConceptNode(entry.ID, entry.Content, entry.Vector, entry.Strength, entry.Confidence, entry.Timestamp)
			node.Semantic = entry.Semantic
			builder.Put(node)

			e.index.InsertConcept(entry.ID, graph.Location{}, entry.Timestamp/1000)
			e.index.IndexWords(entry.ID, graph.Tokenize(entry.Content))

			if len(entry.Vector) > 0 {
				if err := e.vectors.Insert(entry.ID, entry.Vector); err != nil {
					r.logger.Error().Err(err).Str("concept", entry.ID.Hex()).Msg("Vector insert failed")
				}
			}

		case ingress.KindAddAssociation:
			if builder.AddEdge(entry.Association) {
				e.index.AddEdge(entry.Association.Source, entry.Association.Target)
			}

		case ingress.KindUpdateStrength:
			if node := builder.Mutable(entry.ID); node != nil {
				node.Strength = entry.Strength
			}

		case ingress.KindRecordAccess:
			if node := builder.Mutable(entry.ID); node != nil {
				node.LastAccessed = entry.Timestamp
				node.AccessCount++
			}

		case ingress.KindDeleteConcept:
			builder.Delete(entry.ID)
			e.index.RemoveConcept(entry.ID)

		case ingress.KindBatchMarker:
			// Checkpoint marker; nothing to apply.
		}
	}

	next := builder.Build(e.view.Load().Sequence + 1)
	e.view.Store(next)
}

// persist writes pending entries into a fresh segment, updates the
// manifest, and saves the vector index. On failure the pending entries
// are retained for the next attempt; the WAL already holds everything
// durably.
func (r *reconciler) persist() {
	r.mu.Lock()
	pending := r.pendingPersist
	r.mu.Unlock()

	timer := metrics.NewTimer()
	err := r.persistEntries(pending)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.lastErr = err
		r.logger.Error().Err(err).Msg("Persistence failed, retaining batch")
		return
	}
	r.lastErr = nil
	r.pendingPersist = nil
	r.sinceFlush = 0
	r.flushes++
	metrics.FlushesTotal.Inc()

	if r.engine.cfg.Emitter != nil {
		r.engine.cfg.Emitter.EmitReconciliation(len(pending), timer.Duration(), true)
	}
}

func (r *reconciler) persistEntries(pending []ingress.Entry) error {
	e := r.engine

	if len(pending) > 0 {
		if err := r.writeSegment(pending); err != nil {
			return err
		}
	}

	if err := e.vectors.Save(); err != nil {
		return err
	}

	manifestPath := filepath.Join(e.cfg.StoragePath, "manifest.json")
	if err := r.manifest.Save(manifestPath); err != nil {
		return err
	}
	return nil
}

// writeSegment serializes one batch into a new segment file. Variable
// regions (content, vectors) are written first so concept records can
// carry their offsets; each region stays contiguous.
func (r *reconciler) writeSegment(pending []ingress.Entry) error {
	e := r.engine

	segmentID := r.manifest.AllocateSegmentID()
	name := fmt.Sprintf("%04d.seg", segmentID)
	path := filepath.Join(e.cfg.StoragePath, "segments", name)

	seg, err := segment.Create(path, segmentID)
	if err != nil {
		return err
	}

	type located struct {
		entry      ingress.Entry
		contentOff uint64
		contentLen uint32
		vectorOff  uint64
		vectorDim  uint32
	}

	var concepts []located
	var associations []types.AssociationRecord

	for _, entry := range pending {
		switch entry.Kind {
		case ingress.KindAddConcept:
			loc := located{entry: entry}
			loc.contentOff, loc.contentLen, err = seg.AppendContent(entry.Content)
			if err != nil {
				seg.Close()
				return err
			}
			concepts = append(concepts, loc)
		case ingress.KindAddAssociation:
			associations = append(associations, entry.Association)
		}
	}

	for i := range concepts {
		if len(concepts[i].entry.Vector) == 0 {
			continue
		}
		concepts[i].vectorOff, concepts[i].vectorDim, err = seg.AppendVector(concepts[i].entry.Vector)
		if err != nil {
			seg.Close()
			return err
		}
	}

	for _, loc := range concepts {
		entry := loc.entry
		record := types.ConceptRecord{
			ID:            entry.ID,
			ContentOffset: loc.contentOff,
			ContentLen:    loc.contentLen,
			VectorOffset:  loc.vectorOff,
			VectorDim:     loc.vectorDim,
			Strength:      entry.Strength,
			Confidence:    entry.Confidence,
			Created:       entry.Timestamp,
			LastAccessed:  entry.Timestamp,
		}
		if loc.vectorDim > 0 {
			record.Flags |= types.ConceptFlagHasVector
		}
		offset, err := seg.AppendConcept(record)
		if err != nil {
			seg.Close()
			return err
		}
		e.index.InsertConcept(entry.ID, graph.Location{SegmentID: segmentID, Offset: offset}, entry.Timestamp/1000)
	}

	for _, assoc := range associations {
		if _, err := seg.AppendAssociation(assoc); err != nil {
			seg.Close()
			return err
		}
	}

	if err := seg.Close(); err != nil {
		return err
	}

	stats := seg.Stats()
	meta := segment.NewMetadata(segmentID, name, 0)
	meta.ConceptCount = stats.ConceptN
	meta.AssocCount = stats.AssocN
	meta.FileSize = stats.FileSize
	r.manifest.AddSegment(meta)
	return nil
}
