package opensearch

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const chunkHitsResponse = `{"hits":{"hits":[
	{"_id":"7#0","_score":0.91,"_source":{"doc_id":7,"chunk_index":0,"text":"alpha","user_id":42}},
	{"_id":"8#2","_score":0.55,"_source":{"doc_id":8,"chunk_index":2,"text":"beta","user_id":42}}
]}}`

func TestSearchVector_FirstDialectAccepted(t *testing.T) {
	engine := &fakeEngine{handler: func(r recordedRequest) (int, string) {
		return http.StatusOK, chunkHitsResponse
	}}
	c := newTestClient(t, engine, nil)

	hits, err := c.SearchVector(context.Background(), VectorQuery{
		Query:   "alpha",
		Vector:  []float32{1, 0, 0, 0},
		TopK:    5,
		UserID:  i64(42),
		SpaceID: i64(3),
	})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, int64(7), hits[0].Source.DocID)
	assert.Equal(t, 0.91, hits[0].Score)

	reqs := engine.recorded()
	require.Len(t, reqs, 1)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(reqs[0].Body), &body))
	knn := body["knn"].(map[string]interface{})
	assert.Equal(t, "vector", knn["field"])
	assert.Equal(t, float64(5), knn["k"])
	assert.Equal(t, float64(100), knn["num_candidates"]) // max(5*10, 100)

	filters := body["query"].(map[string]interface{})["bool"].(map[string]interface{})["filter"].([]interface{})
	assert.Len(t, filters, 2)
}

func TestSearchVector_FallsThroughDialects(t *testing.T) {
	calls := 0
	engine := &fakeEngine{handler: func(r recordedRequest) (int, string) {
		calls++
		// Reject anything with a top-level knn key, accept bool/must form.
		var body map[string]interface{}
		json.Unmarshal([]byte(r.Body), &body)
		if _, ok := body["knn"]; ok {
			return http.StatusBadRequest, `{"error":{"type":"parsing_exception"}}`
		}
		return http.StatusOK, chunkHitsResponse
	}}
	c := newTestClient(t, engine, nil)

	hits, err := c.SearchVector(context.Background(), VectorQuery{
		Query:  "alpha",
		Vector: []float32{1, 0, 0, 0},
		TopK:   5,
		UserID: i64(42),
	})
	require.NoError(t, err)
	assert.Len(t, hits, 2)
	assert.Equal(t, 3, calls) // two rejected knn shapes, then bool/must accepted
}

func TestSearchVector_AllDialectsFailFallsBackToBM25(t *testing.T) {
	engine := &fakeEngine{handler: func(r recordedRequest) (int, string) {
		var body map[string]interface{}
		json.Unmarshal([]byte(r.Body), &body)
		if strings.Contains(r.Body, `"knn"`) {
			return http.StatusBadRequest, `{"error":{"type":"parsing_exception"}}`
		}
		return http.StatusOK, chunkHitsResponse
	}}
	c := newTestClient(t, engine, nil)

	hits, err := c.SearchVector(context.Background(), VectorQuery{
		Query:  "alpha query",
		Vector: []float32{1, 0, 0, 0},
		TopK:   5,
		UserID: i64(42),
	})
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	reqs := engine.recorded()
	last := reqs[len(reqs)-1]
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(last.Body), &body))
	boolQ := body["query"].(map[string]interface{})["bool"].(map[string]interface{})
	must := boolQ["must"].([]interface{})
	match := must[0].(map[string]interface{})["match"].(map[string]interface{})
	assert.Equal(t, "alpha query", match["text"])
}

func TestSearchBM25_FiltersAndMatch(t *testing.T) {
	engine := &fakeEngine{handler: func(r recordedRequest) (int, string) {
		return http.StatusOK, chunkHitsResponse
	}}
	c := newTestClient(t, engine, nil)

	hits, err := c.SearchBM25(context.Background(), TextQuery{
		Query:   "beta",
		TopK:    10,
		UserID:  i64(42),
		SpaceID: i64(9),
	})
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(engine.recorded()[0].Body), &body))
	assert.Equal(t, float64(10), body["size"])
	boolQ := body["query"].(map[string]interface{})["bool"].(map[string]interface{})
	assert.Len(t, boolQ["filter"].([]interface{}), 2)
}

func TestRecencyWrap_AddsGaussianFunctionScore(t *testing.T) {
	engine := &fakeEngine{handler: func(r recordedRequest) (int, string) {
		return http.StatusOK, chunkHitsResponse
	}}
	c := newTestClient(t, engine, func(cfg *Config) {
		cfg.RecencyBoost = 2.0
		cfg.RecencyHalfLifeDays = 30
	})

	_, err := c.SearchBM25(context.Background(), TextQuery{Query: "x", TopK: 5, UserID: i64(1)})
	require.NoError(t, err)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(engine.recorded()[0].Body), &body))
	fs := body["query"].(map[string]interface{})["function_score"].(map[string]interface{})
	assert.Equal(t, "sum", fs["boost_mode"])
	fn := fs["functions"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, float64(2), fn["weight"])
	gauss := fn["gauss"].(map[string]interface{})["created_at"].(map[string]interface{})
	assert.Equal(t, "30d", gauss["scale"])
	assert.Equal(t, 0.5, gauss["decay"])
}

func TestRecencyWrap_DisabledByDefault(t *testing.T) {
	engine := &fakeEngine{handler: func(r recordedRequest) (int, string) {
		return http.StatusOK, chunkHitsResponse
	}}
	c := newTestClient(t, engine, nil)

	_, err := c.SearchBM25(context.Background(), TextQuery{Query: "x", TopK: 5})
	require.NoError(t, err)
	assert.NotContains(t, engine.recorded()[0].Body, "function_score")
}

const imageHitsResponse = `{"hits":{"hits":[
	{"_id":"7:1","_score":1.4,"_source":{"doc_id":7,"image_id":1,"user_id":42,"file_path":"img/a.png","caption":"a red bicycle","tags":["bike"]}}
]}}`

func TestSearchImages_WeightedVectorAndTextClauses(t *testing.T) {
	engine := &fakeEngine{handler: func(r recordedRequest) (int, string) {
		return http.StatusOK, imageHitsResponse
	}}
	c := newTestClient(t, engine, nil)

	hits, err := c.SearchImages(context.Background(), ImageQuery{
		Vector: []float32{1, 0, 0, 0},
		Text:   "red bicycle",
		TopK:   4,
		UserID: i64(42),
		Tags:   []string{"bike"},
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, int64(1), hits[0].Source.ImageID)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(engine.recorded()[0].Body), &body))
	boolQ := body["query"].(map[string]interface{})["bool"].(map[string]interface{})

	filters := boolQ["filter"].([]interface{})
	require.Len(t, filters, 2) // user + tags
	assert.Contains(t, engine.recorded()[0].Body, `"terms":{"tags":["bike"]}`)

	should := boolQ["should"].([]interface{})
	require.Len(t, should, 2)
	knn := should[0].(map[string]interface{})["knn"].(map[string]interface{})["vector"].(map[string]interface{})
	assert.Equal(t, 0.6, knn["boost"])
	mm := should[1].(map[string]interface{})["multi_match"].(map[string]interface{})
	assert.Equal(t, 0.4, mm["boost"])
	assert.Equal(t, "red bicycle", mm["query"])
}

func TestSearchImages_VectorDialectFallback(t *testing.T) {
	engine := &fakeEngine{handler: func(r recordedRequest) (int, string) {
		var body map[string]interface{}
		json.Unmarshal([]byte(r.Body), &body)
		// Reject the field-object knn shape, accept the query_vector shape.
		if strings.Contains(r.Body, `"knn":{"vector"`) {
			return http.StatusBadRequest, `{"error":{"type":"parsing_exception"}}`
		}
		return http.StatusOK, imageHitsResponse
	}}
	c := newTestClient(t, engine, nil)

	hits, err := c.SearchImages(context.Background(), ImageQuery{
		Vector: []float32{1, 0, 0, 0},
		TopK:   4,
		UserID: i64(42),
	})
	require.NoError(t, err)
	assert.Len(t, hits, 1)
	assert.Len(t, engine.recorded(), 2)
	assert.Contains(t, engine.recorded()[1].Body, `"query_vector"`)
}

func TestSearchImages_TextOnly(t *testing.T) {
	engine := &fakeEngine{handler: func(r recordedRequest) (int, string) {
		return http.StatusOK, imageHitsResponse
	}}
	c := newTestClient(t, engine, nil)

	_, err := c.SearchImages(context.Background(), ImageQuery{
		Text:   "sunset",
		TopK:   4,
		UserID: i64(42),
	})
	require.NoError(t, err)
	body := engine.recorded()[0].Body
	assert.NotContains(t, body, `"knn"`)
	assert.Contains(t, body, `"multi_match"`)
}

func TestIndexImageAsset_DeterministicID(t *testing.T) {
	engine := &fakeEngine{handler: func(r recordedRequest) (int, string) {
		if r.Method == http.MethodHead {
			return http.StatusOK, ``
		}
		return http.StatusCreated, `{"result":"created"}`
	}}
	c := newTestClient(t, engine, nil)

	err := c.IndexImageAsset(context.Background(), ImageDoc{
		Source: ImageSource{DocID: 7, ImageID: 12, UserID: 42, FilePath: "img/a.png"},
		Vector: []float32{0.1, 0.2, 0.3, 0.4},
	})
	require.NoError(t, err)

	var put recordedRequest
	for _, r := range engine.recorded() {
		if r.Method == http.MethodPut && strings.Contains(r.Path, "_doc") {
			put = r
		}
	}
	assert.Equal(t, "/test_images/_doc/7:12", put.Path)
	assert.Contains(t, put.Body, `"vector":[0.1,0.2,0.3,0.4]`)
}
