package embedding

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacesai/spaces-engine/internal/config"
)

func TestClient_EmbedOrdersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req EmbeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.Equal(t, []string{"alpha", "beta"}, req.Input)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		// Out of order on purpose.
		resp := EmbeddingResponse{Data: []EmbeddingData{
			{Index: 1, Embedding: []float32{0, 1}},
			{Index: 0, Embedding: []float32{1, 0}},
		}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, APIKey: "secret", Model: "test-model", Dimension: 2})
	require.NoError(t, err)

	out, err := c.Embed(context.Background(), []string{"alpha", "beta"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, []float32{1, 0}, out[0])
	assert.Equal(t, []float32{0, 1}, out[1])
}

func TestClient_EmbedSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(EmbeddingResponse{Error: &EmbeddingError{Message: "rate limited", Type: "rate_limit"}})
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, Model: "test-model"})
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestClient_EmbedBatchSplits(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var req EmbeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := EmbeddingResponse{}
		for i := range req.Input {
			resp.Data = append(resp.Data, EmbeddingData{Index: i, Embedding: []float32{float32(i)}})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, Model: "m"})
	require.NoError(t, err)

	out, err := c.EmbedBatch(context.Background(), []string{"a", "b", "c", "d", "e"}, 2)
	require.NoError(t, err)
	assert.Len(t, out, 5)
	assert.Equal(t, 3, calls)
}

func TestMockClient_DeterministicAndNormalized(t *testing.T) {
	c := NewMockClient(8)

	a, err := c.EmbedSingle(context.Background(), "hello world")
	require.NoError(t, err)
	b, err := c.EmbedSingle(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	other, err := c.EmbedSingle(context.Background(), "something else")
	require.NoError(t, err)
	assert.NotEqual(t, a, other)

	var sum float64
	for _, x := range a {
		sum += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-5)
}

func TestFromSettings_MockSpaces(t *testing.T) {
	text, image, err := FromSettings(config.EmbeddingConfig{Provider: "mock", TextDim: 384, ImageDim: 512})
	require.NoError(t, err)
	assert.Equal(t, 384, text.Dimension())
	assert.Equal(t, 512, image.Dimension())
}

func TestFromSettings_UnknownProvider(t *testing.T) {
	_, _, err := FromSettings(config.EmbeddingConfig{Provider: "quantum"})
	assert.Error(t, err)
}
