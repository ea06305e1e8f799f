package types

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"golang.org/x/crypto/sha3"
)

// conceptDomain separates concept-id hashing from any other use of the
// same hash function over user content.
const conceptDomain = "synapse:concept:"

// ConceptID is a 128-bit content-derived identifier. Equal content always
// produces an equal id.
type ConceptID [16]byte

// NewConceptID derives the id for a content blob. The derivation is stable
// across releases: SHAKE-128 over the domain tag plus the raw content,
// truncated to 16 bytes.
func NewConceptID(content []byte) ConceptID {
	h := sha3.NewShake128()
	h.Write([]byte(conceptDomain))
	h.Write(content)
	var id ConceptID
	h.Read(id[:])
	return id
}

// ConceptIDFromBytes copies a 16-byte slice into a ConceptID.
func ConceptIDFromBytes(b []byte) (ConceptID, error) {
	var id ConceptID
	if len(b) != len(id) {
		return id, fmt.Errorf("concept id must be %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

// ParseConceptID decodes a 32-character hex string.
func ParseConceptID(s string) (ConceptID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ConceptID{}, fmt.Errorf("invalid concept id %q: %w", s, err)
	}
	return ConceptIDFromBytes(b)
}

// Hex returns the lowercase hex encoding of the id.
func (id ConceptID) Hex() string {
	return hex.EncodeToString(id[:])
}

func (id ConceptID) String() string {
	return id.Hex()
}

// IsZero reports whether the id is all zero bytes.
func (id ConceptID) IsZero() bool {
	return id == ConceptID{}
}

// AssociationType classifies a directed edge between concepts.
type AssociationType uint32

const (
	AssociationSemantic AssociationType = iota
	AssociationCausal
	AssociationTemporal
	AssociationHierarchical
	AssociationCompositional
)

func (t AssociationType) String() string {
	switch t {
	case AssociationSemantic:
		return "semantic"
	case AssociationCausal:
		return "causal"
	case AssociationTemporal:
		return "temporal"
	case AssociationHierarchical:
		return "hierarchical"
	case AssociationCompositional:
		return "compositional"
	default:
		return fmt.Sprintf("association(%d)", uint32(t))
	}
}

// Valid reports whether t is a known association type.
func (t AssociationType) Valid() bool {
	return t <= AssociationCompositional
}

// AssociationRecordSize is the fixed on-disk size of an AssociationRecord.
const AssociationRecordSize = 64

// AssociationRecord is a typed, confidence-weighted directed edge.
// The on-disk layout is fixed-width little-endian, padded to 64 bytes.
type AssociationRecord struct {
	Source     ConceptID
	Target     ConceptID
	Type       AssociationType
	Confidence float32
	CreatedAt  uint64 // microseconds since epoch
}

// NewAssociationRecord stamps a record with the current time.
func NewAssociationRecord(source, target ConceptID, typ AssociationType, confidence float32) AssociationRecord {
	return AssociationRecord{
		Source:     source,
		Target:     target,
		Type:       typ,
		Confidence: confidence,
		CreatedAt:  NowMicros(),
	}
}

// EncodeTo writes the fixed 64-byte layout into buf.
func (r *AssociationRecord) EncodeTo(buf []byte) {
	_ = buf[AssociationRecordSize-1]
	copy(buf[0:16], r.Source[:])
	copy(buf[16:32], r.Target[:])
	binary.LittleEndian.PutUint32(buf[32:36], uint32(r.Type))
	binary.LittleEndian.PutUint32(buf[36:40], math.Float32bits(r.Confidence))
	binary.LittleEndian.PutUint64(buf[40:48], r.CreatedAt)
	for i := 48; i < AssociationRecordSize; i++ {
		buf[i] = 0
	}
}

// DecodeAssociationRecord reads a record from a fixed 64-byte buffer.
func DecodeAssociationRecord(buf []byte) (AssociationRecord, error) {
	var r AssociationRecord
	if len(buf) < AssociationRecordSize {
		return r, fmt.Errorf("association record needs %d bytes, got %d", AssociationRecordSize, len(buf))
	}
	copy(r.Source[:], buf[0:16])
	copy(r.Target[:], buf[16:32])
	r.Type = AssociationType(binary.LittleEndian.Uint32(buf[32:36]))
	r.Confidence = math.Float32frombits(binary.LittleEndian.Uint32(buf[36:40]))
	r.CreatedAt = binary.LittleEndian.Uint64(buf[40:48])
	return r, nil
}

// ConceptRecordSize is the fixed on-disk size of a ConceptRecord.
const ConceptRecordSize = 128

// ConceptRecord is the fixed-layout segment entry for a concept. Content
// and vector payloads live in the variable-length regions; the record
// holds their offsets.
type ConceptRecord struct {
	ID            ConceptID
	ContentOffset uint64
	ContentLen    uint32
	VectorOffset  uint64
	VectorDim     uint32
	Strength      float32
	Confidence    float32
	Created       uint64 // microseconds since epoch
	LastAccessed  uint64
	AccessCount   uint32
	Flags         uint32
}

// Concept record flags.
const (
	ConceptFlagHasVector uint32 = 1 << iota
	ConceptFlagTombstone
)

// EncodeTo writes the fixed 128-byte layout into buf.
func (r *ConceptRecord) EncodeTo(buf []byte) {
	_ = buf[ConceptRecordSize-1]
	copy(buf[0:16], r.ID[:])
	binary.LittleEndian.PutUint64(buf[16:24], r.ContentOffset)
	binary.LittleEndian.PutUint32(buf[24:28], r.ContentLen)
	binary.LittleEndian.PutUint64(buf[28:36], r.VectorOffset)
	binary.LittleEndian.PutUint32(buf[36:40], r.VectorDim)
	binary.LittleEndian.PutUint32(buf[40:44], math.Float32bits(r.Strength))
	binary.LittleEndian.PutUint32(buf[44:48], math.Float32bits(r.Confidence))
	binary.LittleEndian.PutUint64(buf[48:56], r.Created)
	binary.LittleEndian.PutUint64(buf[56:64], r.LastAccessed)
	binary.LittleEndian.PutUint32(buf[64:68], r.AccessCount)
	binary.LittleEndian.PutUint32(buf[68:72], r.Flags)
	for i := 72; i < ConceptRecordSize; i++ {
		buf[i] = 0
	}
}

// DecodeConceptRecord reads a record from a fixed 128-byte buffer.
func DecodeConceptRecord(buf []byte) (ConceptRecord, error) {
	var r ConceptRecord
	if len(buf) < ConceptRecordSize {
		return r, fmt.Errorf("concept record needs %d bytes, got %d", ConceptRecordSize, len(buf))
	}
	copy(r.ID[:], buf[0:16])
	r.ContentOffset = binary.LittleEndian.Uint64(buf[16:24])
	r.ContentLen = binary.LittleEndian.Uint32(buf[24:28])
	r.VectorOffset = binary.LittleEndian.Uint64(buf[28:36])
	r.VectorDim = binary.LittleEndian.Uint32(buf[36:40])
	r.Strength = math.Float32frombits(binary.LittleEndian.Uint32(buf[40:44]))
	r.Confidence = math.Float32frombits(binary.LittleEndian.Uint32(buf[44:48]))
	r.Created = binary.LittleEndian.Uint64(buf[48:56])
	r.LastAccessed = binary.LittleEndian.Uint64(buf[56:64])
	r.AccessCount = binary.LittleEndian.Uint32(buf[64:68])
	r.Flags = binary.LittleEndian.Uint32(buf[68:72])
	return r, nil
}

// NowMicros returns the current time in microseconds since the Unix epoch.
func NowMicros() uint64 {
	return uint64(time.Now().UnixMicro())
}

// NowMillis returns the current time in milliseconds since the Unix epoch.
func NowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}
