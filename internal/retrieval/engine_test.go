package retrieval

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacesai/spaces-engine/internal/cache"
	"github.com/spacesai/spaces-engine/internal/config"
	"github.com/spacesai/spaces-engine/internal/embedding"
	"github.com/spacesai/spaces-engine/internal/observability"
	"github.com/spacesai/spaces-engine/internal/opensearch"
	"github.com/spacesai/spaces-engine/internal/storage"
	"github.com/spacesai/spaces-engine/internal/tuning"
)

func f64(v float64) *float64 { return &v }

func hit(chunkID, docID int64, idx int) storage.ChunkHit {
	return storage.ChunkHit{ChunkID: chunkID, DocumentID: docID, ChunkIndex: idx, Content: fmt.Sprintf("chunk %d", chunkID)}
}

func TestFuseRRF_OverlapOutranksSingles(t *testing.T) {
	shared := hit(10, 1, 0)
	shared.Distance = f64(0.2)

	sem := []storage.ChunkHit{hit(1, 1, 1), shared}
	ftsShared := hit(10, 1, 0)
	ftsShared.Rank = f64(0.9)
	fts := []storage.ChunkHit{ftsShared, hit(2, 1, 2)}

	out := FuseRRF(sem, fts, 10)
	require.NotEmpty(t, out)

	// Chunk 10 appears in both lists and must fuse to the top.
	assert.Equal(t, int64(10), out[0].ChunkID)
	// The semantic payload wins on overlap, keeping the distance signal.
	require.NotNil(t, out[0].Distance)
	assert.Equal(t, 0.2, *out[0].Distance)
	assert.Nil(t, out[0].Rank)
}

func TestFuseRRF_TieBreaksOnChunkID(t *testing.T) {
	// Same rank position in disjoint lists gives identical scores.
	sem := []storage.ChunkHit{hit(7, 1, 0)}
	fts := []storage.ChunkHit{hit(3, 1, 1)}

	out := FuseRRF(sem, fts, 10)
	require.Len(t, out, 2)
	assert.Equal(t, int64(3), out[0].ChunkID)
	assert.Equal(t, int64(7), out[1].ChunkID)
}

func TestFuseRRF_TruncatesToTopK(t *testing.T) {
	var sem []storage.ChunkHit
	for i := int64(1); i <= 5; i++ {
		sem = append(sem, hit(i, 1, int(i)))
	}
	out := FuseRRF(sem, nil, 3)
	assert.Len(t, out, 3)
}

func TestSecondaryDistance(t *testing.T) {
	assert.Equal(t, 1.0, secondaryDistance(0))
	assert.Equal(t, 1.0, secondaryDistance(-3))
	assert.InDelta(t, 0.25, secondaryDistance(0.75), 1e-9)
	assert.Equal(t, 0.0, secondaryDistance(1.8))
}

func TestTextCacheKeyNormalizesQuery(t *testing.T) {
	q := Query{Query: "  Mixed CASE  ", UserID: 4, SpaceID: nil}
	key := textCacheKey("sem", 7, q, 10)
	assert.Equal(t, "sem:7:4:0:10:mixed case", key)

	space := int64(9)
	q.SpaceID = &space
	assert.Equal(t, "sem:7:4:9:10:mixed case", textCacheKey("sem", 7, q, 10))
}

func TestImageCacheKeySortsTagsAndMarksVector(t *testing.T) {
	q := ImageQuery{Query: "Sunset", UserID: 1, Tags: []string{"beach", "aerial"}}
	key := imageCacheKey(3, q, 5, true)
	assert.Equal(t, "img:3:1:0:5:sunset:aerial,beach:vec", key)
	assert.True(t, strings.HasSuffix(imageCacheKey(3, q, 5, false), ":novec"))
}

// newSecondaryEngine wires an engine against a scripted secondary backend
// and an in-memory cache.
func newSecondaryEngine(t *testing.T, handler http.HandlerFunc) *Engine {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	sec := opensearch.New(opensearch.Config{
		BaseURL:    srv.URL,
		ChunkIndex: "chunks",
		ImageIndex: "images",
		TextDim:    8,
		ImageDim:   8,
	}, observability.Nop())

	tc := cache.New(cache.NewMemoryStore(128), observability.Nop(), cache.Config{})
	t.Cleanup(func() { tc.Close() })

	return New(
		Config{Backend: BackendSecondary, DefaultTopK: 10, RagTTL: time.Minute, LLM: config.LLMConfig{Provider: "none"}},
		storage.NewChunkRepository(nil, storage.ChunkConfig{StoreEmbeddings: true}),
		nil,
		sec,
		embedding.NewMockClient(8),
		embedding.NewMockClient(8),
		tc,
		tuning.New(10, 0, 0),
		observability.Nop(),
	)
}

func secondaryHitsResponse(hits ...map[string]interface{}) string {
	body, _ := json.Marshal(map[string]interface{}{
		"hits": map[string]interface{}{"hits": hits},
	})
	return string(body)
}

func TestSemantic_SecondaryMapsScoresToDistances(t *testing.T) {
	var searches int
	e := newSecondaryEngine(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/_search") {
			searches++
			fmt.Fprint(w, secondaryHitsResponse(map[string]interface{}{
				"_id":    "5#2",
				"_score": 0.8,
				"_source": map[string]interface{}{
					"doc_id": 5, "chunk_index": 2, "text": "evidence",
				},
			}))
			return
		}
		fmt.Fprint(w, `{}`)
	})

	hits, err := e.Semantic(context.Background(), Query{Query: "anything", UserID: 1})
	require.NoError(t, err)
	require.Len(t, hits, 1)

	assert.Equal(t, int64(5*chunkIDStride+2), hits[0].ChunkID)
	assert.Equal(t, int64(5), hits[0].DocumentID)
	assert.Equal(t, 2, hits[0].ChunkIndex)
	require.NotNil(t, hits[0].Distance)
	assert.InDelta(t, 0.2, *hits[0].Distance, 1e-9)
	require.NotNil(t, hits[0].Rank)
	assert.Equal(t, 0.8, *hits[0].Rank)

	// Second call is served from the cache.
	again, err := e.Semantic(context.Background(), Query{Query: "anything", UserID: 1})
	require.NoError(t, err)
	assert.Equal(t, hits, again)
	assert.Equal(t, 1, searches)
}

func TestSemantic_RuntimeNumCandidatesReachesSecondary(t *testing.T) {
	var bodies []string
	e := newSecondaryEngine(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/_search") {
			body, _ := io.ReadAll(r.Body)
			bodies = append(bodies, string(body))
			fmt.Fprint(w, secondaryHitsResponse(map[string]interface{}{
				"_id":    "1#0",
				"_score": 0.9,
				"_source": map[string]interface{}{
					"doc_id": 1, "chunk_index": 0, "text": "alpha",
				},
			}))
			return
		}
		fmt.Fprint(w, `{}`)
	})
	require.NoError(t, e.tuning.SetANNNumCandidates(555))

	_, err := e.Semantic(context.Background(), Query{Query: "anything", UserID: 1})
	require.NoError(t, err)

	require.NotEmpty(t, bodies)
	assert.Contains(t, bodies[0], `"num_candidates":555`)
}

func TestFulltext_SecondaryLeavesDistanceNil(t *testing.T) {
	e := newSecondaryEngine(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, secondaryHitsResponse(map[string]interface{}{
			"_id":    "3#0",
			"_score": 2.5,
			"_source": map[string]interface{}{
				"doc_id": 3, "chunk_index": 0, "text": "lexical",
			},
		}))
	})

	hits, err := e.Fulltext(context.Background(), Query{Query: "lexical", UserID: 1})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Nil(t, hits[0].Distance)
	require.NotNil(t, hits[0].Rank)
	assert.Equal(t, 2.5, *hits[0].Rank)
}

func TestAnswer_NoProviderFallsBackToContext(t *testing.T) {
	e := newSecondaryEngine(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, secondaryHitsResponse(map[string]interface{}{
			"_id":    "1#0",
			"_score": 0.9,
			"_source": map[string]interface{}{
				"doc_id": 1, "chunk_index": 0, "text": "alpha",
			},
		}))
	})

	res, err := e.Answer(context.Background(), RAGQuery{Query: "q", Mode: ModeSemantic, UserID: 1})
	require.NoError(t, err)
	assert.False(t, res.UsedLLM)
	assert.Equal(t, "alpha", res.Answer)
	require.Len(t, res.Hits, 1)
}

func TestFingerprint(t *testing.T) {
	hits := []storage.ChunkHit{
		{DocumentID: 4, ChunkIndex: 0},
		{DocumentID: 4, ChunkIndex: 3},
		{DocumentID: 9, ChunkIndex: 1},
	}
	assert.Equal(t, "4-0:4-3:9-1", Fingerprint(hits))
	assert.Equal(t, "", Fingerprint(nil))
}

func TestImages_ReferenceVectorDropsQueryText(t *testing.T) {
	var bodies []string
	e := newSecondaryEngine(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/_search") {
			body, _ := io.ReadAll(r.Body)
			bodies = append(bodies, string(body))
			fmt.Fprint(w, secondaryHitsResponse(map[string]interface{}{
				"_id":    "1:4",
				"_score": 0.7,
				"_source": map[string]interface{}{
					"doc_id": 1, "image_id": 4, "file_path": "a.png",
				},
			}))
			return
		}
		fmt.Fprint(w, `{}`)
	})

	ref := make([]float32, 8)
	ref[0] = 1
	hits, err := e.Images(context.Background(), ImageQuery{
		Query:  "sunset over water",
		Vector: ref,
		UserID: 1,
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)

	require.NotEmpty(t, bodies)
	assert.Contains(t, bodies[0], "knn")
	// The text clause never ships alongside a reference vector.
	assert.NotContains(t, bodies[0], "multi_match")
	assert.NotContains(t, bodies[0], "sunset")
}

func TestImages_SecondaryFailureFallsBackToRelational(t *testing.T) {
	// Every secondary call fails; the relational fallback has a nil DB, so
	// assert only that the failure is not surfaced as a secondary error.
	e := newSecondaryEngine(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"down"}`, http.StatusServiceUnavailable)
	})
	e.images = storage.NewImageRepository(failingDB{}, storage.ImageConfig{Metric: "cosine"})

	_, err := e.Images(context.Background(), ImageQuery{Query: "sunset", UserID: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "image search")
}

// failingDB satisfies storage.DB and fails every call.
type failingDB struct{}

func (failingDB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return nil, fmt.Errorf("no database")
}

func (failingDB) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return nil
}

func (failingDB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return nil, fmt.Errorf("no database")
}
