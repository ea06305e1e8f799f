package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func embedServer(t *testing.T, dim int, failures *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failures != nil && failures.Add(-1) >= 0 {
			http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
			return
		}

		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		out := embedResponse{Embeddings: make([][]float32, len(req.Texts))}
		for i := range req.Texts {
			vec := make([]float32, dim)
			vec[i%dim] = 1
			out.Embeddings[i] = vec
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
}

func TestEmbedSingle(t *testing.T) {
	srv := embedServer(t, 4, nil)
	defer srv.Close()

	c, err := NewHTTPClient(Config{ServiceURL: srv.URL, TimeoutSecs: 5, MaxRetries: 1})
	require.NoError(t, err)

	vec, err := c.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, vec, 4)
}

func TestEmbedBatch(t *testing.T) {
	srv := embedServer(t, 4, nil)
	defer srv.Close()

	c, err := NewHTTPClient(Config{ServiceURL: srv.URL, TimeoutSecs: 5, MaxRetries: 1})
	require.NoError(t, err)

	vecs, err := c.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Len(t, vecs, 3)

	empty, err := c.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestEmbedRetriesTransientFailures(t *testing.T) {
	var failures atomic.Int32
	failures.Store(2)

	srv := embedServer(t, 4, &failures)
	defer srv.Close()

	c, err := NewHTTPClient(Config{ServiceURL: srv.URL, TimeoutSecs: 5, MaxRetries: 3})
	require.NoError(t, err)

	vec, err := c.Embed(context.Background(), "retry me")
	require.NoError(t, err)
	assert.Len(t, vec, 4)
}

func TestEmbedGivesUpAfterMaxRetries(t *testing.T) {
	var failures atomic.Int32
	failures.Store(1000)

	srv := embedServer(t, 4, &failures)
	defer srv.Close()

	c, err := NewHTTPClient(Config{ServiceURL: srv.URL, TimeoutSecs: 5, MaxRetries: 1})
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), "doomed")
	assert.Error(t, err)
}

func TestNewHTTPClientRequiresURL(t *testing.T) {
	_, err := NewHTTPClient(Config{})
	assert.Error(t, err)
}
