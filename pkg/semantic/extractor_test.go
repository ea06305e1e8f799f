package semantic

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synapsedb/synapse/pkg/types"
)

// fakeProvider returns canned vectors: prototype descriptions get basis
// vectors, sentences get a vector near a chosen prototype.
type fakeProvider struct {
	fail      bool
	sentence  []float32
	prototype map[string][]float32
}

func (f *fakeProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *fakeProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if f.fail {
		return nil, errors.New("provider down")
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if vec, ok := f.prototype[text]; ok {
			out[i] = vec
		} else {
			out[i] = f.sentence
		}
	}
	return out, nil
}

func causalLeaningProvider() *fakeProvider {
	protos := make(map[string][]float32)
	dims := len(relationPrototypes)
	i := 0
	for _, desc := range relationPrototypes {
		vec := make([]float32, dims)
		vec[i] = 1
		protos[desc] = vec
		i++
	}

	// Sentences embed close to the causal prototype.
	causal := protos[relationPrototypes[types.AssociationCausal]]
	sentence := make([]float32, dims)
	copy(sentence, causal)
	sentence[(indexOf(causal)+1)%dims] = 0.1

	return &fakeProvider{sentence: sentence, prototype: protos}
}

func indexOf(vec []float32) int {
	for i, v := range vec {
		if v == 1 {
			return i
		}
	}
	return 0
}

func TestExtractProposesTypedAssociations(t *testing.T) {
	provider := causalLeaningProvider()
	e := NewExtractor(context.Background(), provider, DefaultExtractorOptions())

	out, err := e.Extract(context.Background(), "Smoking causes Cancer.")
	require.NoError(t, err)
	require.NotEmpty(t, out)

	assert.Equal(t, types.AssociationCausal, out[0].Type)
	assert.Equal(t, "Cancer", out[0].Target)
	assert.GreaterOrEqual(t, out[0].Confidence, float32(0.65))
}

func TestExtractEmptyContent(t *testing.T) {
	e := NewExtractor(context.Background(), causalLeaningProvider(), DefaultExtractorOptions())

	out, err := e.Extract(context.Background(), "   ")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestExtractSkipsWhenProviderDown(t *testing.T) {
	provider := &fakeProvider{fail: true}
	e := NewExtractor(context.Background(), provider, DefaultExtractorOptions())

	// Provider down at construction and extraction time: no proposals,
	// no error. Learning must never block on extraction.
	out, err := e.Extract(context.Background(), "Smoking causes Cancer.")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestExtractRecoversWhenProviderReturns(t *testing.T) {
	provider := causalLeaningProvider()
	provider.fail = true
	e := NewExtractor(context.Background(), provider, DefaultExtractorOptions())

	// Prototypes compute lazily once the provider recovers.
	provider.fail = false
	out, err := e.Extract(context.Background(), "Rain causes Floods.")
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}

func TestExtractCapsAssociations(t *testing.T) {
	provider := causalLeaningProvider()
	opts := DefaultExtractorOptions()
	opts.MaxAssociations = 1
	e := NewExtractor(context.Background(), provider, opts)

	out, err := e.Extract(context.Background(), "Storms cause Floods and Outages and Damage.")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(out), 1)
}

func TestExtractDeduplicates(t *testing.T) {
	provider := causalLeaningProvider()
	e := NewExtractor(context.Background(), provider, DefaultExtractorOptions())

	out, err := e.Extract(context.Background(), "Fire causes Smoke. Fire causes Smoke.")
	require.NoError(t, err)

	seen := make(map[string]int)
	for _, a := range out {
		seen[a.Target]++
	}
	for target, n := range seen {
		assert.Equal(t, 1, n, "duplicate association toward %s", target)
	}
}
