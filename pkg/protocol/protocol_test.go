package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synapsedb/synapse/pkg/security"
	"github.com/synapsedb/synapse/pkg/types"
)

func TestFrameRoundTrip(t *testing.T) {
	req := Request{
		Kind:       ReqLearnConcept,
		ConceptID:  types.NewConceptID([]byte("framed")),
		Content:    []byte("framed"),
		Vector:     []float32{0.1, 0.2},
		Strength:   1.0,
		Confidence: 0.9,
	}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, &req))

	var decoded Request
	require.NoError(t, ReadFrame(&buf, &decoded))
	assert.Equal(t, req, decoded)
}

func TestResponseRoundTrip(t *testing.T) {
	resp := Response{
		Kind:    RespVectorSearch,
		Matches: []Match{{ID: types.NewConceptID([]byte("m")), Similarity: 0.97}},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, &resp))

	var decoded Response
	require.NoError(t, ReadFrame(&buf, &decoded))
	assert.Equal(t, resp, decoded)
}

func TestReadFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	// Header claims more than the limit; body is zeros of that length is
	// impractical here, so use a short declared length beyond max.
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	buf.Write(make([]byte, 64))

	var decoded Request
	err := ReadFrame(&buf, &decoded)
	assert.Error(t, err)
}

func TestOpClassMapping(t *testing.T) {
	tests := []struct {
		kind RequestKind
		want string
	}{
		{ReqLearnConcept, security.OpClassWrite},
		{ReqLearnConceptV2, security.OpClassWrite},
		{ReqLearnBatch, security.OpClassWrite},
		{ReqLearnAssociation, security.OpClassWrite},
		{ReqQueryConcept, security.OpClassRead},
		{ReqGetNeighbors, security.OpClassRead},
		{ReqFindPath, security.OpClassRead},
		{ReqVectorSearch, security.OpClassRead},
		{ReqGetStats, security.OpClassRead},
		{ReqHealthCheck, security.OpClassRead},
		{ReqSearchWords, security.OpClassRead},
		{ReqFlush, security.OpClassAdmin},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.kind.OpClass())
		})
	}
}
