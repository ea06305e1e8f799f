package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/synapsedb/synapse/pkg/log"
)

// Provider turns text into dense vectors. Implementations may fail or be
// unavailable; callers treat a nil vector as "no embedding".
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Config holds embedding service settings.
type Config struct {
	ServiceURL  string
	TimeoutSecs int
	MaxRetries  int
}

// DefaultConfig returns the standard embedding client settings.
func DefaultConfig() Config {
	return Config{
		ServiceURL:  "http://127.0.0.1:8089",
		TimeoutSecs: 30,
		MaxRetries:  3,
	}
}

// HTTPClient is an HTTP-backed Provider with retries and jittered backoff.
type HTTPClient struct {
	cfg    Config
	client *http.Client
	logger zerolog.Logger
}

// NewHTTPClient validates the config and builds a client.
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	if cfg.ServiceURL == "" {
		return nil, fmt.Errorf("embedding service URL is required")
	}
	if cfg.TimeoutSecs <= 0 {
		cfg.TimeoutSecs = 30
	}
	return &HTTPClient{
		cfg: cfg,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSecs) * time.Second,
		},
		logger: log.WithComponent("embedding"),
	}, nil
}

type embedRequest struct {
	Texts []string `json:"texts"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed returns the vector for a single text.
func (c *HTTPClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedding service returned %d vectors for 1 text", len(vecs))
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in one request, retrying transient failures with
// exponential backoff (20% jitter, 10s max delay).
func (c *HTTPClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(embedRequest{Texts: texts})
	if err != nil {
		return nil, fmt.Errorf("failed to encode embed request: %w", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 10 * time.Second
	policy.RandomizationFactor = 0.2

	var vecs [][]float32
	attempt := 0
	operation := func() error {
		attempt++
		v, err := c.post(ctx, body)
		if err != nil {
			c.logger.Warn().Err(err).Int("attempt", attempt).Msg("Embedding request failed")
			return err
		}
		vecs = v
		return nil
	}

	retries := backoff.WithMaxRetries(policy, uint64(c.cfg.MaxRetries))
	if err := backoff.Retry(operation, backoff.WithContext(retries, ctx)); err != nil {
		return nil, fmt.Errorf("embedding service unavailable after %d attempts: %w", attempt, err)
	}

	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embedding service returned %d vectors for %d texts", len(vecs), len(texts))
	}
	return vecs, nil
}

func (c *HTTPClient) post(ctx context.Context, body []byte) ([][]float32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ServiceURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedding service returned %d: %s", resp.StatusCode, data)
	}

	var decoded embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode embed response: %w", err)
	}
	return decoded.Embeddings, nil
}
