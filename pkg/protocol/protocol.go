package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/synapsedb/synapse/pkg/cluster"
	"github.com/synapsedb/synapse/pkg/engine"
	"github.com/synapsedb/synapse/pkg/security"
	"github.com/synapsedb/synapse/pkg/types"
)

// Wire framing: every message is a u32 big-endian length prefix followed
// by a MsgPack body. Oversize messages are rejected with an error
// response while the connection stays open.

// MaxMessageSize bounds one frame's payload (100 MiB).
const MaxMessageSize = 100 << 20

// MaxTokenSize bounds the auth handshake token.
const MaxTokenSize = 4096

// ErrOversize marks a frame larger than MaxMessageSize.
var ErrOversize = errors.New("message exceeds maximum size")

// RequestKind discriminates request variants.
type RequestKind uint8

const (
	ReqLearnConcept RequestKind = iota
	ReqLearnConceptV2
	ReqLearnBatch
	ReqLearnAssociation
	ReqQueryConcept
	ReqGetNeighbors
	ReqFindPath
	ReqVectorSearch
	ReqGetStats
	ReqHealthCheck
	ReqFlush
	ReqSearchWords
)

func (k RequestKind) String() string {
	switch k {
	case ReqLearnConcept:
		return "learn_concept"
	case ReqLearnConceptV2:
		return "learn_concept_v2"
	case ReqLearnBatch:
		return "learn_batch"
	case ReqLearnAssociation:
		return "learn_association"
	case ReqQueryConcept:
		return "query_concept"
	case ReqGetNeighbors:
		return "get_neighbors"
	case ReqFindPath:
		return "find_path"
	case ReqVectorSearch:
		return "vector_search"
	case ReqGetStats:
		return "get_stats"
	case ReqHealthCheck:
		return "health_check"
	case ReqFlush:
		return "flush"
	case ReqSearchWords:
		return "search_words"
	default:
		return fmt.Sprintf("request(%d)", uint8(k))
	}
}

// OpClass maps a request kind to its authorization class.
func (k RequestKind) OpClass() string {
	switch k {
	case ReqLearnConcept, ReqLearnConceptV2, ReqLearnBatch, ReqLearnAssociation:
		return security.OpClassWrite
	case ReqQueryConcept, ReqGetNeighbors, ReqFindPath, ReqVectorSearch, ReqGetStats, ReqHealthCheck, ReqSearchWords:
		return security.OpClassRead
	case ReqFlush:
		return security.OpClassAdmin
	default:
		return security.OpClassAdmin
	}
}

// Request is one client request. Only the fields for Kind are set.
type Request struct {
	Kind RequestKind `msgpack:"kind"`

	// LearnConcept
	ConceptID  types.ConceptID `msgpack:"concept_id,omitempty"`
	Content    []byte          `msgpack:"content,omitempty"`
	Vector     []float32       `msgpack:"vector,omitempty"`
	Strength   float32         `msgpack:"strength,omitempty"`
	Confidence float32         `msgpack:"confidence,omitempty"`

	// LearnConceptV2 / LearnBatch
	Text                string   `msgpack:"text,omitempty"`
	Texts               []string `msgpack:"texts,omitempty"`
	ExtractAssociations bool     `msgpack:"extract_associations,omitempty"`

	// LearnAssociation
	Source          types.ConceptID       `msgpack:"source,omitempty"`
	Target          types.ConceptID       `msgpack:"target,omitempty"`
	AssociationType types.AssociationType `msgpack:"association_type,omitempty"`

	// FindPath
	MaxDepth int `msgpack:"max_depth,omitempty"`

	// VectorSearch
	Query    []float32 `msgpack:"query,omitempty"`
	K        int       `msgpack:"k,omitempty"`
	EfSearch int       `msgpack:"ef_search,omitempty"`

	// SearchWords
	Words []string `msgpack:"words,omitempty"`
}

// ResponseKind discriminates response variants: one success variant per
// request plus Error.
type ResponseKind uint8

const (
	RespError ResponseKind = iota
	RespLearnConcept
	RespLearnConceptV2
	RespLearnBatch
	RespLearnAssociation
	RespQueryConcept
	RespGetNeighbors
	RespFindPath
	RespVectorSearch
	RespGetStats
	RespHealthCheck
	RespFlush
	RespSearchWords
)

// ConceptPayload is the wire form of a concept node.
type ConceptPayload struct {
	ID           types.ConceptID   `msgpack:"id"`
	Content      []byte            `msgpack:"content"`
	Vector       []float32         `msgpack:"vector,omitempty"`
	Strength     float32           `msgpack:"strength"`
	Confidence   float32           `msgpack:"confidence"`
	Created      uint64            `msgpack:"created"`
	LastAccessed uint64            `msgpack:"last_accessed"`
	AccessCount  uint32            `msgpack:"access_count"`
	Neighbors    []types.ConceptID `msgpack:"neighbors,omitempty"`
}

// Match is one ANN hit on the wire.
type Match struct {
	ID         types.ConceptID `msgpack:"id"`
	Similarity float32         `msgpack:"similarity"`
}

// Response is one server reply.
type Response struct {
	Kind  ResponseKind `msgpack:"kind"`
	Error string       `msgpack:"error,omitempty"`

	Sequence   uint64            `msgpack:"sequence,omitempty"`
	ConceptID  types.ConceptID   `msgpack:"concept_id,omitempty"`
	ConceptIDs []types.ConceptID `msgpack:"concept_ids,omitempty"`
	Found      bool              `msgpack:"found,omitempty"`
	Concept    *ConceptPayload   `msgpack:"concept,omitempty"`
	Neighbors  []types.ConceptID `msgpack:"neighbors,omitempty"`
	Path       []types.ConceptID `msgpack:"path,omitempty"`
	Matches    []Match           `msgpack:"matches,omitempty"`
	Stats      *cluster.Stats    `msgpack:"stats,omitempty"`
	Health     *engine.Health    `msgpack:"health,omitempty"`
	Success    bool              `msgpack:"success,omitempty"`
}

// ErrorResponse builds an Error reply.
func ErrorResponse(message string) *Response {
	return &Response{Kind: RespError, Error: message}
}

// WriteFrame serializes v and writes one framed message.
func WriteFrame(w io.Writer, v interface{}) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if len(payload) > MaxMessageSize {
		return ErrOversize
	}

	var frame [4]byte
	binary.BigEndian.PutUint32(frame[:], uint32(len(payload)))
	if _, err := w.Write(frame[:]); err != nil {
		return fmt.Errorf("failed to write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one framed message into v. Oversize frames drain the
// payload and return ErrOversize so the connection can continue.
func ReadFrame(r io.Reader, v interface{}) error {
	var frame [4]byte
	if _, err := io.ReadFull(r, frame[:]); err != nil {
		return err
	}
	length := binary.BigEndian.Uint32(frame[:])

	if length > MaxMessageSize {
		if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
			return fmt.Errorf("failed to drain oversize frame: %w", err)
		}
		return ErrOversize
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("failed to read frame payload: %w", err)
	}
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	return nil
}
