package segment

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
	"os"

	"github.com/edsrzf/mmap-go"

	"github.com/synapsedb/synapse/pkg/types"
)

// Segment file layout:
//
//	┌──────────────┬────────────┬───────────────┬────────────┬───────────┐
//	│ Header       │ Concept[]  │ Association[] │ Vector[]   │ Content[] │
//	│ (256 bytes)  │ (128B each)│ (64B each)    │ (variable) │ (variable)│
//	└──────────────┴────────────┴───────────────┴────────────┴───────────┘
//
// Variable-length entries carry a u32 little-endian length prefix. A region
// starts at the offset of its first append and stays contiguous when its
// entries are appended back to back, so the regions lie on disk in the
// order of their first appends (the reconciler writes content, vectors,
// concepts, then associations). The header records each region's offset,
// count and CRC32.

var segmentMagic = [8]byte{'S', 'Y', 'N', 'S', 'E', 'G', 0, 0}

const (
	formatVersion = 1
	// HeaderSize is the fixed byte length of the segment header.
	HeaderSize = 256
)

// ErrCorruptSegment marks a segment whose magic, version or checksums do
// not validate. The engine excludes such segments and continues.
var ErrCorruptSegment = errors.New("corrupt segment")

// ErrReadOnly is returned when appending to a segment opened for reading.
var ErrReadOnly = errors.New("segment is read-only")

// Header is the fixed segment file header.
type Header struct {
	Magic       [8]byte
	Version     uint32
	SegmentID   uint32
	ConceptOff  uint64
	ConceptN    uint32
	AssocOff    uint64
	AssocN      uint32
	VectorOff   uint64
	VectorN     uint32
	ContentOff  uint64
	ContentLen  uint32
	CreatedAt   uint64
	CompactedAt uint64
	CRCConcepts uint32
	CRCAssocs   uint32
	CRCVectors  uint32
	CRCContent  uint32
	VectorBytes uint32
}

func newHeader(segmentID uint32) Header {
	return Header{
		Magic:      segmentMagic,
		Version:    formatVersion,
		SegmentID:  segmentID,
		ConceptOff: HeaderSize,
		AssocOff:   HeaderSize,
		VectorOff:  HeaderSize,
		ContentOff: HeaderSize,
		CreatedAt:  types.NowMillis(),
	}
}

func (h *Header) encode() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:8], h.Magic[:])
	binary.LittleEndian.PutUint32(buf[8:12], h.Version)
	binary.LittleEndian.PutUint32(buf[12:16], h.SegmentID)
	binary.LittleEndian.PutUint64(buf[16:24], h.ConceptOff)
	binary.LittleEndian.PutUint32(buf[24:28], h.ConceptN)
	binary.LittleEndian.PutUint64(buf[28:36], h.AssocOff)
	binary.LittleEndian.PutUint32(buf[36:40], h.AssocN)
	binary.LittleEndian.PutUint64(buf[40:48], h.VectorOff)
	binary.LittleEndian.PutUint32(buf[48:52], h.VectorN)
	binary.LittleEndian.PutUint64(buf[52:60], h.ContentOff)
	binary.LittleEndian.PutUint32(buf[60:64], h.ContentLen)
	binary.LittleEndian.PutUint64(buf[64:72], h.CreatedAt)
	binary.LittleEndian.PutUint64(buf[72:80], h.CompactedAt)
	binary.LittleEndian.PutUint32(buf[80:84], h.CRCConcepts)
	binary.LittleEndian.PutUint32(buf[84:88], h.CRCAssocs)
	binary.LittleEndian.PutUint32(buf[88:92], h.CRCVectors)
	binary.LittleEndian.PutUint32(buf[92:96], h.CRCContent)
	binary.LittleEndian.PutUint32(buf[96:100], h.VectorBytes)
	return buf
}

func decodeHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < HeaderSize {
		return h, fmt.Errorf("%w: file shorter than header", ErrCorruptSegment)
	}
	copy(h.Magic[:], buf[0:8])
	h.Version = binary.LittleEndian.Uint32(buf[8:12])
	h.SegmentID = binary.LittleEndian.Uint32(buf[12:16])
	h.ConceptOff = binary.LittleEndian.Uint64(buf[16:24])
	h.ConceptN = binary.LittleEndian.Uint32(buf[24:28])
	h.AssocOff = binary.LittleEndian.Uint64(buf[28:36])
	h.AssocN = binary.LittleEndian.Uint32(buf[36:40])
	h.VectorOff = binary.LittleEndian.Uint64(buf[40:48])
	h.VectorN = binary.LittleEndian.Uint32(buf[48:52])
	h.ContentOff = binary.LittleEndian.Uint64(buf[52:60])
	h.ContentLen = binary.LittleEndian.Uint32(buf[60:64])
	h.CreatedAt = binary.LittleEndian.Uint64(buf[64:72])
	h.CompactedAt = binary.LittleEndian.Uint64(buf[72:80])
	h.CRCConcepts = binary.LittleEndian.Uint32(buf[80:84])
	h.CRCAssocs = binary.LittleEndian.Uint32(buf[84:88])
	h.CRCVectors = binary.LittleEndian.Uint32(buf[88:92])
	h.CRCContent = binary.LittleEndian.Uint32(buf[92:96])
	h.VectorBytes = binary.LittleEndian.Uint32(buf[96:100])

	if h.Magic != segmentMagic {
		return h, fmt.Errorf("%w: bad magic", ErrCorruptSegment)
	}
	if h.Version != formatVersion {
		return h, fmt.Errorf("%w: unsupported version %d", ErrCorruptSegment, h.Version)
	}
	return h, nil
}

// Segment is an append-only storage file. A segment is either writable
// (created by Create) or readable via mmap (opened by OpenRead).
type Segment struct {
	path   string
	header Header

	// write side
	file     *os.File
	writer   *bufio.Writer
	writePos uint64

	// running region checksums, maintained per append
	crcConcepts uint32
	crcAssocs   uint32
	crcVectors  uint32
	crcContent  uint32

	// read side
	mapped mmap.MMap
}

// Create makes a new writable segment and positions the writer after the
// header.
func Create(path string, segmentID uint32) (*Segment, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file: %w", err)
	}

	s := &Segment{
		path:     path,
		header:   newHeader(segmentID),
		file:     file,
		writer:   bufio.NewWriter(file),
		writePos: HeaderSize,
	}
	if _, err := s.writer.Write(s.header.encode()); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write segment header: %w", err)
	}
	return s, nil
}

// OpenRead memory-maps an existing segment and validates magic, version
// and region checksums.
func OpenRead(path string) (*Segment, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment file: %w", err)
	}
	defer file.Close()

	mapped, err := mmap.Map(file, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap segment: %w", err)
	}

	header, err := decodeHeader(mapped)
	if err != nil {
		mapped.Unmap()
		return nil, err
	}

	s := &Segment{path: path, header: header, mapped: mapped}
	if err := s.verifyChecksums(); err != nil {
		mapped.Unmap()
		return nil, err
	}
	return s, nil
}

func (s *Segment) verifyChecksums() error {
	check := func(name string, off uint64, length uint64, want uint32) error {
		if length == 0 {
			return nil
		}
		end := off + length
		if end > uint64(len(s.mapped)) {
			return fmt.Errorf("%w: %s region exceeds file size", ErrCorruptSegment, name)
		}
		if got := crc32.ChecksumIEEE(s.mapped[off:end]); got != want {
			return fmt.Errorf("%w: %s region checksum mismatch", ErrCorruptSegment, name)
		}
		return nil
	}

	h := s.header
	if err := check("concept", h.ConceptOff, uint64(h.ConceptN)*types.ConceptRecordSize, h.CRCConcepts); err != nil {
		return err
	}
	if err := check("association", h.AssocOff, uint64(h.AssocN)*types.AssociationRecordSize, h.CRCAssocs); err != nil {
		return err
	}
	if err := check("vector", h.VectorOff, uint64(h.VectorBytes), h.CRCVectors); err != nil {
		return err
	}
	return check("content", h.ContentOff, uint64(h.ContentLen), h.CRCContent)
}

func (s *Segment) append(buf []byte) (uint64, error) {
	if s.writer == nil {
		return 0, ErrReadOnly
	}
	offset := s.writePos
	if _, err := s.writer.Write(buf); err != nil {
		return 0, fmt.Errorf("failed to append to segment: %w", err)
	}
	s.writePos += uint64(len(buf))
	return offset, nil
}

// AppendConcept writes a fixed-size concept record and returns its offset.
func (s *Segment) AppendConcept(rec types.ConceptRecord) (uint64, error) {
	var buf [types.ConceptRecordSize]byte
	rec.EncodeTo(buf[:])

	if s.header.ConceptN == 0 {
		s.header.ConceptOff = s.writePos
	}
	offset, err := s.append(buf[:])
	if err != nil {
		return 0, err
	}
	s.header.ConceptN++
	s.crcConcepts = crc32.Update(s.crcConcepts, crc32.IEEETable, buf[:])
	return offset, nil
}

// AppendAssociation writes a fixed-size association record and returns its
// offset.
func (s *Segment) AppendAssociation(rec types.AssociationRecord) (uint64, error) {
	var buf [types.AssociationRecordSize]byte
	rec.EncodeTo(buf[:])

	if s.header.AssocN == 0 {
		s.header.AssocOff = s.writePos
	}
	offset, err := s.append(buf[:])
	if err != nil {
		return 0, err
	}
	s.header.AssocN++
	s.crcAssocs = crc32.Update(s.crcAssocs, crc32.IEEETable, buf[:])
	return offset, nil
}

// AppendVector writes a length-prefixed float32 vector and returns its
// offset and dimension.
func (s *Segment) AppendVector(vector []float32) (uint64, uint32, error) {
	dim := uint32(len(vector))
	buf := make([]byte, 4+len(vector)*4)
	binary.LittleEndian.PutUint32(buf[0:4], dim)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(buf[4+i*4:8+i*4], math.Float32bits(v))
	}

	if s.header.VectorN == 0 {
		s.header.VectorOff = s.writePos
	}
	offset, err := s.append(buf)
	if err != nil {
		return 0, 0, err
	}
	s.header.VectorN++
	s.header.VectorBytes += uint32(len(buf))
	s.crcVectors = crc32.Update(s.crcVectors, crc32.IEEETable, buf)
	return offset, dim, nil
}

// AppendContent writes a length-prefixed content blob and returns its
// offset and length.
func (s *Segment) AppendContent(content []byte) (uint64, uint32, error) {
	buf := make([]byte, 4+len(content))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(content)))
	copy(buf[4:], content)

	if s.header.ContentLen == 0 {
		s.header.ContentOff = s.writePos
	}
	offset, err := s.append(buf)
	if err != nil {
		return 0, 0, err
	}
	s.header.ContentLen += uint32(len(buf))
	s.crcContent = crc32.Update(s.crcContent, crc32.IEEETable, buf)
	return offset, uint32(len(content)), nil
}

// ReadConcept decodes the concept record at offset.
func (s *Segment) ReadConcept(offset uint64) (types.ConceptRecord, error) {
	if s.mapped == nil {
		return types.ConceptRecord{}, fmt.Errorf("segment not opened for reading")
	}
	end := offset + types.ConceptRecordSize
	if end > uint64(len(s.mapped)) {
		return types.ConceptRecord{}, fmt.Errorf("concept offset %d out of bounds", offset)
	}
	return types.DecodeConceptRecord(s.mapped[offset:end])
}

// ReadAssociation decodes the association record at offset.
func (s *Segment) ReadAssociation(offset uint64) (types.AssociationRecord, error) {
	if s.mapped == nil {
		return types.AssociationRecord{}, fmt.Errorf("segment not opened for reading")
	}
	end := offset + types.AssociationRecordSize
	if end > uint64(len(s.mapped)) {
		return types.AssociationRecord{}, fmt.Errorf("association offset %d out of bounds", offset)
	}
	return types.DecodeAssociationRecord(s.mapped[offset:end])
}

// ReadVector decodes the length-prefixed vector at offset.
func (s *Segment) ReadVector(offset uint64) ([]float32, error) {
	if s.mapped == nil {
		return nil, fmt.Errorf("segment not opened for reading")
	}
	if offset+4 > uint64(len(s.mapped)) {
		return nil, fmt.Errorf("vector offset %d out of bounds", offset)
	}
	dim := binary.LittleEndian.Uint32(s.mapped[offset : offset+4])
	end := offset + 4 + uint64(dim)*4
	if end > uint64(len(s.mapped)) {
		return nil, fmt.Errorf("vector length exceeds segment size")
	}
	vec := make([]float32, dim)
	for i := range vec {
		base := offset + 4 + uint64(i)*4
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(s.mapped[base : base+4]))
	}
	return vec, nil
}

// ReadContent returns the length-prefixed content blob at offset.
func (s *Segment) ReadContent(offset uint64) ([]byte, error) {
	if s.mapped == nil {
		return nil, fmt.Errorf("segment not opened for reading")
	}
	if offset+4 > uint64(len(s.mapped)) {
		return nil, fmt.Errorf("content offset %d out of bounds", offset)
	}
	length := binary.LittleEndian.Uint32(s.mapped[offset : offset+4])
	end := offset + 4 + uint64(length)
	if end > uint64(len(s.mapped)) {
		return nil, fmt.Errorf("content length exceeds segment size")
	}
	out := make([]byte, length)
	copy(out, s.mapped[offset+4:end])
	return out, nil
}

// ConceptIterator walks the contiguous concept region without allocating
// per record.
type ConceptIterator struct {
	mapped mmap.MMap
	offset uint64
	end    uint64
}

// Concepts returns an iterator over the segment's concept region.
func (s *Segment) Concepts() (*ConceptIterator, error) {
	if s.mapped == nil {
		return nil, fmt.Errorf("segment not opened for reading")
	}
	return &ConceptIterator{
		mapped: s.mapped,
		offset: s.header.ConceptOff,
		end:    s.header.ConceptOff + uint64(s.header.ConceptN)*types.ConceptRecordSize,
	}, nil
}

// Next returns the next concept record, or false when exhausted.
func (it *ConceptIterator) Next() (types.ConceptRecord, bool) {
	if it.offset >= it.end {
		return types.ConceptRecord{}, false
	}
	rec, err := types.DecodeConceptRecord(it.mapped[it.offset : it.offset+types.ConceptRecordSize])
	if err != nil {
		return types.ConceptRecord{}, false
	}
	it.offset += types.ConceptRecordSize
	return rec, true
}

// AssociationIterator walks the contiguous association region.
type AssociationIterator struct {
	mapped mmap.MMap
	offset uint64
	end    uint64
}

// Associations returns an iterator over the segment's association region.
func (s *Segment) Associations() (*AssociationIterator, error) {
	if s.mapped == nil {
		return nil, fmt.Errorf("segment not opened for reading")
	}
	return &AssociationIterator{
		mapped: s.mapped,
		offset: s.header.AssocOff,
		end:    s.header.AssocOff + uint64(s.header.AssocN)*types.AssociationRecordSize,
	}, nil
}

// Next returns the next association record, or false when exhausted.
func (it *AssociationIterator) Next() (types.AssociationRecord, bool) {
	if it.offset >= it.end {
		return types.AssociationRecord{}, false
	}
	rec, err := types.DecodeAssociationRecord(it.mapped[it.offset : it.offset+types.AssociationRecordSize])
	if err != nil {
		return types.AssociationRecord{}, false
	}
	it.offset += types.AssociationRecordSize
	return rec, true
}

// Sync flushes pending writes, rewrites the header with current counts and
// checksums, and fsyncs.
func (s *Segment) Sync() error {
	if s.writer == nil {
		return nil
	}
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush segment: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to fsync segment: %w", err)
	}

	s.header.CRCConcepts = s.crcConcepts
	s.header.CRCAssocs = s.crcAssocs
	s.header.CRCVectors = s.crcVectors
	s.header.CRCContent = s.crcContent

	if _, err := s.file.WriteAt(s.header.encode(), 0); err != nil {
		return fmt.Errorf("failed to rewrite segment header: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to fsync segment header: %w", err)
	}
	return nil
}

// Close finalizes a writable segment or unmaps a readable one.
func (s *Segment) Close() error {
	if s.writer != nil {
		if err := s.Sync(); err != nil {
			s.file.Close()
			return err
		}
		return s.file.Close()
	}
	if s.mapped != nil {
		return s.mapped.Unmap()
	}
	return nil
}

// Stats describes a segment's contents.
type Stats struct {
	SegmentID  uint32
	ConceptN   uint32
	AssocN     uint32
	VectorN    uint32
	ContentLen uint32
	FileSize   uint64
	CreatedAt  uint64
}

// Stats returns the segment's current counters.
func (s *Segment) Stats() Stats {
	size := s.writePos
	if s.mapped != nil {
		size = uint64(len(s.mapped))
	}
	return Stats{
		SegmentID:  s.header.SegmentID,
		ConceptN:   s.header.ConceptN,
		AssocN:     s.header.AssocN,
		VectorN:    s.header.VectorN,
		ContentLen: s.header.ContentLen,
		FileSize:   size,
		CreatedAt:  s.header.CreatedAt,
	}
}

// SegmentID returns the segment's id.
func (s *Segment) SegmentID() uint32 {
	return s.header.SegmentID
}

// Path returns the segment's file path.
func (s *Segment) Path() string {
	return s.path
}
