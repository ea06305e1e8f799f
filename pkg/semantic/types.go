package semantic

import (
	"fmt"

	"github.com/synapsedb/synapse/pkg/types"
)

// Type is the primary semantic classification of a concept.
type Type uint8

const (
	// TypeEntity covers named entities (people, places, organizations).
	TypeEntity Type = iota
	// TypeEvent covers occurrences at a point in time.
	TypeEvent
	// TypeRule covers rules, policies, regulations.
	TypeRule
	// TypeTemporal covers temporal expressions.
	TypeTemporal
	// TypeNegation covers negations and exceptions.
	TypeNegation
	// TypeCondition covers conditions and constraints.
	TypeCondition
	// TypeCausal covers causal relationships.
	TypeCausal
	// TypeQuantitative covers quantities and measurements.
	TypeQuantitative
	// TypeDefinitional covers definitions and classifications.
	TypeDefinitional
)

// TypeFromByte converts a stored byte back to a Type.
func TypeFromByte(b uint8) (Type, error) {
	if b > uint8(TypeDefinitional) {
		return 0, fmt.Errorf("unknown semantic type %d", b)
	}
	return Type(b), nil
}

func (t Type) String() string {
	switch t {
	case TypeEntity:
		return "entity"
	case TypeEvent:
		return "event"
	case TypeRule:
		return "rule"
	case TypeTemporal:
		return "temporal"
	case TypeNegation:
		return "negation"
	case TypeCondition:
		return "condition"
	case TypeCausal:
		return "causal"
	case TypeQuantitative:
		return "quantitative"
	case TypeDefinitional:
		return "definitional"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// TemporalRelation describes how temporal bounds relate to their anchor.
type TemporalRelation uint8

const (
	RelationAt TemporalRelation = iota
	RelationAfter
	RelationBefore
	RelationDuring
	RelationBetween
)

// TemporalBounds bound a concept's validity in time. Nil endpoints are
// unbounded. Timestamps are Unix epoch seconds.
type TemporalBounds struct {
	Start    *int64           `msgpack:"start"`
	End      *int64           `msgpack:"end"`
	Relation TemporalRelation `msgpack:"relation"`
}

// Contains reports whether ts falls inside the bounds.
func (b *TemporalBounds) Contains(ts int64) bool {
	switch {
	case b.Start != nil && b.End != nil:
		return ts >= *b.Start && ts <= *b.End
	case b.Start != nil:
		return ts >= *b.Start
	case b.End != nil:
		return ts <= *b.End
	default:
		return true
	}
}

// Overlaps reports whether two bounds overlap. Any unbounded side counts
// as overlapping.
func (b *TemporalBounds) Overlaps(other *TemporalBounds) bool {
	if b.Start == nil || b.End == nil || other.Start == nil || other.End == nil {
		return true
	}
	return *b.Start <= *other.End && *other.Start <= *b.End
}

// CausalType classifies a causal relation.
type CausalType uint8

const (
	CausalDirect CausalType = iota
	CausalIndirect
	CausalEnabling
	CausalPreventing
	CausalCorrelation
)

// CausalRelation captures a causal link attributed to a concept.
type CausalRelation struct {
	Confidence float32    `msgpack:"confidence"`
	Type       CausalType `msgpack:"type"`
	Strength   float32    `msgpack:"strength"`
}

// Domain tags the knowledge domain a concept belongs to.
type Domain uint8

const (
	DomainMedical Domain = iota
	DomainLegal
	DomainFinancial
	DomainTechnical
	DomainScientific
	DomainBusiness
	DomainGeneral
)

// DomainFromByte converts a stored byte back to a Domain.
func DomainFromByte(b uint8) (Domain, error) {
	if b > uint8(DomainGeneral) {
		return 0, fmt.Errorf("unknown domain %d", b)
	}
	return Domain(b), nil
}

// NegationType classifies how a concept negates others.
type NegationType uint8

const (
	NegationExplicit NegationType = iota
	NegationException
	NegationContradiction
)

// NegationScope tracks which concepts a negation concept negates.
type NegationScope struct {
	NegatedIDs []types.ConceptID `msgpack:"negated_ids"`
	Confidence float32           `msgpack:"confidence"`
	Type       NegationType      `msgpack:"type"`
}

// Metadata is the complete semantic annotation of a concept.
type Metadata struct {
	Type            Type             `msgpack:"type"`
	TemporalBounds  *TemporalBounds  `msgpack:"temporal_bounds"`
	CausalRelations []CausalRelation `msgpack:"causal_relations"`
	Domain          Domain           `msgpack:"domain"`
	Negation        *NegationScope   `msgpack:"negation"`
	Confidence      float32          `msgpack:"confidence"`
}

// NewMetadata returns metadata of the given type with defaults.
func NewMetadata(t Type) *Metadata {
	return &Metadata{
		Type:       t,
		Domain:     DomainGeneral,
		Confidence: 1.0,
	}
}

// IsValidAt reports whether the concept is valid at ts, honoring temporal
// bounds when present.
func (m *Metadata) IsValidAt(ts int64) bool {
	if m.TemporalBounds == nil {
		return true
	}
	return m.TemporalBounds.Contains(ts)
}

// ConflictsWith reports whether two annotations contradict: a contradiction
// negation always conflicts, and two rules in the same domain conflict when
// their temporal bounds overlap.
func (m *Metadata) ConflictsWith(other *Metadata) bool {
	if m.Negation != nil && m.Negation.Type == NegationContradiction {
		return true
	}
	if m.Type == TypeRule && other.Type == TypeRule && m.Domain == other.Domain {
		if m.TemporalBounds != nil && other.TemporalBounds != nil {
			return m.TemporalBounds.Overlaps(other.TemporalBounds)
		}
	}
	return false
}
