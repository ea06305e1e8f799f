package segment

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/synapsedb/synapse/pkg/types"
)

// Metadata describes one live segment in the manifest.
type Metadata struct {
	SegmentID    uint32 `json:"segment_id"`
	Path         string `json:"path"`
	ConceptCount uint32 `json:"concept_count"`
	AssocCount   uint32 `json:"association_count"`
	FileSize     uint64 `json:"file_size"`
	CreatedAt    uint64 `json:"created_at"`
	CompactedAt  uint64 `json:"compacted_at"`
	Level        uint32 `json:"level"`
}

// NewMetadata returns metadata for a fresh segment at the given level.
func NewMetadata(segmentID uint32, path string, level uint32) Metadata {
	return Metadata{
		SegmentID: segmentID,
		Path:      path,
		CreatedAt: types.NowMillis(),
		Level:     level,
	}
}

// Manifest is the ordered, durable record of live segments and compaction
// history. Saved atomically (write temp, fsync, rename) on every change.
type Manifest struct {
	Version         uint32     `json:"version"`
	NextSegmentID   uint32     `json:"next_segment_id"`
	Segments        []Metadata `json:"segments"`
	LastCompaction  uint64     `json:"last_compaction"`
	CompactionCount uint64     `json:"compaction_count"`
}

// NewManifest creates an empty manifest.
func NewManifest() *Manifest {
	return &Manifest{Version: 1}
}

// LoadManifest reads a manifest from disk.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &m, nil
}

// Save writes the manifest atomically.
func (m *Manifest) Save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize manifest: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create temp manifest: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write temp manifest: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to fsync temp manifest: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close temp manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to rename manifest: %w", err)
	}
	return nil
}

// AllocateSegmentID hands out the next monotonic segment id.
func (m *Manifest) AllocateSegmentID() uint32 {
	id := m.NextSegmentID
	m.NextSegmentID++
	return id
}

// AddSegment registers a segment and restores the sort order.
func (m *Manifest) AddSegment(meta Metadata) {
	m.Segments = append(m.Segments, meta)
	m.sortSegments()
}

// RemoveSegments drops segments by id.
func (m *Manifest) RemoveSegments(ids []uint32) {
	drop := make(map[uint32]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := m.Segments[:0]
	for _, s := range m.Segments {
		if _, ok := drop[s.SegmentID]; !ok {
			kept = append(kept, s)
		}
	}
	m.Segments = kept
}

// UpdateSegment applies fn to the segment with the given id, if present.
func (m *Manifest) UpdateSegment(id uint32, fn func(*Metadata)) {
	for i := range m.Segments {
		if m.Segments[i].SegmentID == id {
			fn(&m.Segments[i])
			return
		}
	}
}

// SegmentsAtLevel returns the segments at one LSM level.
func (m *Manifest) SegmentsAtLevel(level uint32) []Metadata {
	var out []Metadata
	for _, s := range m.Segments {
		if s.Level == level {
			out = append(out, s)
		}
	}
	return out
}

// TotalConcepts sums concept counts across all segments.
func (m *Manifest) TotalConcepts() uint64 {
	var total uint64
	for _, s := range m.Segments {
		total += uint64(s.ConceptCount)
	}
	return total
}

// TotalSize sums file sizes across all segments.
func (m *Manifest) TotalSize() uint64 {
	var total uint64
	for _, s := range m.Segments {
		total += s.FileSize
	}
	return total
}

// RecordCompaction stamps a completed compaction.
func (m *Manifest) RecordCompaction() {
	m.LastCompaction = types.NowMillis()
	m.CompactionCount++
}

// sortSegments keeps segments ordered by level ascending, then newest
// first within a level.
func (m *Manifest) sortSegments() {
	sort.SliceStable(m.Segments, func(i, j int) bool {
		if m.Segments[i].Level != m.Segments[j].Level {
			return m.Segments[i].Level < m.Segments[j].Level
		}
		return m.Segments[i].CreatedAt > m.Segments[j].CreatedAt
	})
}
