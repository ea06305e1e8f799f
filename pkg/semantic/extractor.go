package semantic

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/synapsedb/synapse/pkg/embedding"
	"github.com/synapsedb/synapse/pkg/log"
	"github.com/synapsedb/synapse/pkg/types"
)

// relationPrototypes describe each association type in surface language.
// Their embeddings act as classification anchors for extracted sentences.
var relationPrototypes = map[types.AssociationType]string{
	types.AssociationSemantic:      "is a type of, is an example of, belongs to category, classified as, instance of",
	types.AssociationCausal:        "causes, leads to, results in, because of, due to, triggers, produces, creates",
	types.AssociationTemporal:      "happens before, occurs after, during, while, when, then, followed by, preceded by",
	types.AssociationHierarchical:  "parent of, child of, superclass, subclass, inherits from, extends, derived from",
	types.AssociationCompositional: "part of, contains, consists of, made of, component of, includes, comprises",
}

// Association is a proposed typed edge toward a surface-form target.
type Association struct {
	Target     string
	Type       types.AssociationType
	Confidence float32
}

// ExtractorOptions bound what the extractor may propose.
type ExtractorOptions struct {
	SimilarityThreshold float32
	MinEntityLength     int
	MaxAssociations     int
	MinConfidence       float32
}

// DefaultExtractorOptions returns the standard extraction bounds.
func DefaultExtractorOptions() ExtractorOptions {
	return ExtractorOptions{
		SimilarityThreshold: 0.65,
		MinEntityLength:     3,
		MaxAssociations:     8,
		MinConfidence:       0.5,
	}
}

// Extractor classifies sentences against relation prototypes and proposes
// typed associations toward entities found in the text. Prototype
// embeddings are computed once; if the provider is down at construction
// time they are retried lazily and extraction is skipped until they exist.
type Extractor struct {
	provider embedding.Provider
	opts     ExtractorOptions
	logger   zerolog.Logger

	mu         sync.Mutex
	prototypes map[types.AssociationType][]float32
}

// NewExtractor builds an extractor and attempts to pre-compute the relation
// prototype embeddings. Provider unavailability is not an error.
func NewExtractor(ctx context.Context, provider embedding.Provider, opts ExtractorOptions) *Extractor {
	e := &Extractor{
		provider:   provider,
		opts:       opts,
		logger:     log.WithComponent("extractor"),
		prototypes: make(map[types.AssociationType][]float32),
	}
	if err := e.ensurePrototypes(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("Could not pre-compute relation prototypes, will retry lazily")
	}
	return e
}

func (e *Extractor) ensurePrototypes(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.prototypes) == len(relationPrototypes) {
		return nil
	}

	order := make([]types.AssociationType, 0, len(relationPrototypes))
	texts := make([]string, 0, len(relationPrototypes))
	for typ, desc := range relationPrototypes {
		order = append(order, typ)
		texts = append(texts, desc)
	}

	vecs, err := e.provider.EmbedBatch(ctx, texts)
	if err != nil {
		return err
	}
	for i, typ := range order {
		e.prototypes[typ] = vecs[i]
	}
	e.logger.Info().Int("prototypes", len(e.prototypes)).Msg("Relation prototypes ready")
	return nil
}

// Extract proposes typed associations from content. Returns nil without
// error when the provider or prototypes are unavailable; learning must
// never block on extraction.
func (e *Extractor) Extract(ctx context.Context, content string) ([]Association, error) {
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}

	if err := e.ensurePrototypes(ctx); err != nil {
		e.logger.Debug().Err(err).Msg("Skipping extraction, prototypes unavailable")
		return nil, nil
	}

	sentences := splitSentences(content)
	if len(sentences) == 0 {
		return nil, nil
	}

	vecs, err := e.provider.EmbedBatch(ctx, sentences)
	if err != nil {
		e.logger.Debug().Err(err).Msg("Skipping extraction, embedding unavailable")
		return nil, nil
	}

	var out []Association
	for i, sentence := range sentences {
		typ, confidence := e.classify(vecs[i])
		if confidence < e.opts.SimilarityThreshold || confidence < e.opts.MinConfidence {
			continue
		}
		entities := e.extractEntities(sentence)
		if len(entities) < 2 {
			continue
		}
		// First entity is the subject; the rest become targets.
		for _, target := range entities[1:] {
			out = append(out, Association{Target: target, Type: typ, Confidence: confidence})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Target != out[j].Target {
			return out[i].Target < out[j].Target
		}
		return out[i].Type < out[j].Type
	})
	out = dedupe(out)

	if len(out) > e.opts.MaxAssociations {
		sort.Slice(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
		out = out[:e.opts.MaxAssociations]
	}
	return out, nil
}

func (e *Extractor) classify(vec []float32) (types.AssociationType, float32) {
	e.mu.Lock()
	defer e.mu.Unlock()

	best := types.AssociationSemantic
	bestScore := float32(0)
	for typ, proto := range e.prototypes {
		if s := CosineSimilarity(vec, proto); s > bestScore {
			best, bestScore = typ, s
		}
	}
	return best, bestScore
}

// extractEntities performs a light surface scan: capitalized tokens and
// tokens at least MinEntityLength long, stopwords removed, order preserved.
func (e *Extractor) extractEntities(sentence string) []string {
	fields := strings.FieldsFunc(sentence, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	seen := make(map[string]struct{})
	var entities []string
	for _, f := range fields {
		lower := strings.ToLower(f)
		if stopwords[lower] {
			continue
		}
		capitalized := unicode.IsUpper([]rune(f)[0])
		if !capitalized && len(f) < e.opts.MinEntityLength {
			continue
		}
		if _, ok := seen[lower]; ok {
			continue
		}
		seen[lower] = struct{}{}
		entities = append(entities, f)
	}
	return entities
}

func dedupe(in []Association) []Association {
	out := in[:0]
	for i, a := range in {
		if i > 0 && a.Target == in[i-1].Target && a.Type == in[i-1].Type {
			continue
		}
		out = append(out, a)
	}
	return out
}

func splitSentences(text string) []string {
	parts := strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	})
	var sentences []string
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			sentences = append(sentences, s)
		}
	}
	return sentences
}

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "but": true,
	"is": true, "are": true, "was": true, "were": true, "be": true, "been": true,
	"of": true, "in": true, "on": true, "at": true, "to": true, "for": true,
	"with": true, "by": true, "from": true, "as": true, "it": true, "its": true,
	"this": true, "that": true, "these": true, "those": true,
}

// CosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched lengths or zero vectors yield 0.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
