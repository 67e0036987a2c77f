package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// ChunkSource is the stored form of one chunk document.
type ChunkSource struct {
	DocID      int64  `json:"doc_id"`
	ChunkIndex int    `json:"chunk_index"`
	Text       string `json:"text"`
	FileName   string `json:"file_name"`
	SourcePath string `json:"source_path"`
	FileType   string `json:"file_type"`
	UserID     int64  `json:"user_id"`
	SpaceID    *int64 `json:"space_id"`
	CreatedAt  string `json:"created_at,omitempty"`
}

// Hit is one scored chunk result.
type Hit struct {
	ID     string      `json:"_id"`
	Score  float64     `json:"_score"`
	Source ChunkSource `json:"_source"`
}

type chunkSearchResponse struct {
	Hits struct {
		Hits []Hit `json:"hits"`
	} `json:"hits"`
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string          `json:"_id"`
		Status int             `json:"status"`
		Error  json.RawMessage `json:"error"`
	} `json:"items"`
}

// ChunkBatch is one document's chunks headed for the index.
type ChunkBatch struct {
	UserID     int64
	SpaceID    *int64
	DocID      int64
	Chunks     []string
	Vectors    [][]float32
	FileName   string
	SourcePath string
	FileType   string
	CreatedAt  string // RFC 3339; empty omits the field
	Refresh    bool
}

// IndexChunks bulk-writes a document's chunks under deterministic IDs
// "{doc_id}#{i}", so replaying the same batch overwrites rather than
// duplicates. Returns the number of accepted chunks.
func (c *Client) IndexChunks(ctx context.Context, batch ChunkBatch) (int, error) {
	if len(batch.Chunks) != len(batch.Vectors) {
		return 0, fmt.Errorf("chunks and vectors length mismatch: %d vs %d", len(batch.Chunks), len(batch.Vectors))
	}
	if err := c.EnsureIndexes(ctx, false); err != nil {
		return 0, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i, text := range batch.Chunks {
		action := map[string]interface{}{
			"index": map[string]interface{}{
				"_index": c.cfg.ChunkIndex,
				"_id":    fmt.Sprintf("%d#%d", batch.DocID, i),
			},
		}
		doc := map[string]interface{}{
			"doc_id":      batch.DocID,
			"chunk_index": i,
			"text":        text,
			"file_name":   batch.FileName,
			"source_path": batch.SourcePath,
			"file_type":   batch.FileType,
			"user_id":     batch.UserID,
			"space_id":    batch.SpaceID,
			"vector":      batch.Vectors[i],
		}
		if batch.CreatedAt != "" {
			doc["created_at"] = batch.CreatedAt
		}
		if err := enc.Encode(action); err != nil {
			return 0, fmt.Errorf("encode bulk action: %w", err)
		}
		if err := enc.Encode(doc); err != nil {
			return 0, fmt.Errorf("encode bulk doc: %w", err)
		}
	}

	path := "/_bulk"
	if batch.Refresh {
		path += "?refresh=true"
	}
	var resp bulkResponse
	if err := c.do(ctx, http.MethodPost, path, buf.Bytes(), "application/x-ndjson", &resp); err != nil {
		return 0, fmt.Errorf("bulk index: %w", err)
	}

	ok := 0
	for _, item := range resp.Items {
		for _, r := range item {
			if r.Status < 300 {
				ok++
			} else {
				c.log.Warn().Str("id", r.ID).Int("status", r.Status).
					Str("error", string(r.Error)).Msg("bulk item rejected")
			}
		}
	}
	return ok, nil
}

// VectorQuery is a KNN search over chunk vectors.
type VectorQuery struct {
	Query         string // original text, used for the BM25 fallback
	Vector        []float32
	TopK          int
	UserID        *int64
	SpaceID       *int64
	NumCandidates int // runtime override; 0 falls back to config or heuristic
}

// numCandidates resolves the candidate pool for non-lucene engines.
func (c *Client) numCandidates(q VectorQuery) int {
	if q.NumCandidates > 0 {
		return q.NumCandidates
	}
	if c.cfg.NumCandidates > 0 {
		return c.cfg.NumCandidates
	}
	n := q.TopK * 10
	if n < 100 {
		n = 100
	}
	return n
}

// knnBodies builds the dialect variants tried in order: a top-level knn
// object, a top-level knn array, a bool query with knn in must, and a
// query-level knn.
func (c *Client) knnBodies(q VectorQuery) []map[string]interface{} {
	filters := termFilters(q.UserID, q.SpaceID)

	filterQuery := map[string]interface{}{"match_all": map[string]interface{}{}}
	if len(filters) > 0 {
		filterQuery = map[string]interface{}{"bool": map[string]interface{}{"filter": filters}}
	}

	topLevel := map[string]interface{}{
		"field":        "vector",
		"query_vector": q.Vector,
		"k":            q.TopK,
	}
	if c.cfg.Engine != "lucene" {
		topLevel["num_candidates"] = c.numCandidates(q)
	}

	fieldClause := map[string]interface{}{
		"vector": map[string]interface{}{
			"vector": q.Vector,
			"k":      q.TopK,
		},
	}

	boolMust := map[string]interface{}{
		"must": []interface{}{map[string]interface{}{"knn": fieldClause}},
	}
	if len(filters) > 0 {
		boolMust["filter"] = filters
	}

	queryLevel := map[string]interface{}{"knn": fieldClause}
	if len(filters) > 0 {
		queryLevel = map[string]interface{}{
			"bool": map[string]interface{}{
				"must":   []interface{}{map[string]interface{}{"knn": fieldClause}},
				"filter": filters,
			},
		}
	}

	return []map[string]interface{}{
		{"size": q.TopK, "knn": topLevel, "query": c.wrapRecency(filterQuery)},
		{"size": q.TopK, "knn": []interface{}{topLevel}, "query": c.wrapRecency(filterQuery)},
		{"size": q.TopK, "query": c.wrapRecency(map[string]interface{}{"bool": boolMust})},
		{"size": q.TopK, "query": c.wrapRecency(queryLevel)},
	}
}

// SearchVector runs a KNN query, trying each engine dialect in order and
// using the first that the cluster accepts. When every variant fails the
// search degrades to BM25 over the same filters.
func (c *Client) SearchVector(ctx context.Context, q VectorQuery) ([]Hit, error) {
	path := "/" + url.PathEscape(c.cfg.ChunkIndex) + "/_search"

	var lastErr error
	for i, body := range c.knnBodies(q) {
		var resp chunkSearchResponse
		if err := c.postJSON(ctx, path, body, &resp); err != nil {
			lastErr = err
			c.log.Debug().Int("variant", i).Err(err).Msg("knn dialect rejected")
			continue
		}
		return resp.Hits.Hits, nil
	}

	c.log.Warn().Err(lastErr).Msg("all knn dialects failed; falling back to bm25")
	return c.SearchBM25(ctx, TextQuery{Query: q.Query, TopK: q.TopK, UserID: q.UserID, SpaceID: q.SpaceID})
}

// TextQuery is a BM25 search over chunk text.
type TextQuery struct {
	Query   string
	TopK    int
	UserID  *int64
	SpaceID *int64
}

// SearchBM25 runs a lexical match over the text field.
func (c *Client) SearchBM25(ctx context.Context, q TextQuery) ([]Hit, error) {
	boolQuery := map[string]interface{}{
		"must": []interface{}{
			map[string]interface{}{"match": map[string]interface{}{"text": q.Query}},
		},
	}
	if filters := termFilters(q.UserID, q.SpaceID); len(filters) > 0 {
		boolQuery["filter"] = filters
	}
	body := map[string]interface{}{
		"size":  q.TopK,
		"query": c.wrapRecency(map[string]interface{}{"bool": boolQuery}),
	}

	var resp chunkSearchResponse
	path := "/" + url.PathEscape(c.cfg.ChunkIndex) + "/_search"
	if err := c.postJSON(ctx, path, body, &resp); err != nil {
		return nil, fmt.Errorf("bm25 search: %w", err)
	}
	return resp.Hits.Hits, nil
}

// DeleteDocument removes every indexed chunk and image for a document with
// a filtered delete-by-query. Conflicts are skipped and the indices refresh
// before returning.
func (c *Client) DeleteDocument(ctx context.Context, docID int64, userID *int64) error {
	filters := []interface{}{
		map[string]interface{}{"term": map[string]interface{}{"doc_id": docID}},
	}
	if userID != nil {
		filters = append(filters, map[string]interface{}{"term": map[string]interface{}{"user_id": *userID}})
	}
	body := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{"filter": filters},
		},
	}

	var firstErr error
	for _, index := range []string{c.cfg.ChunkIndex, c.cfg.ImageIndex} {
		path := "/" + url.PathEscape(index) + "/_delete_by_query?conflicts=proceed&refresh=true"
		if err := c.postJSON(ctx, path, body, nil); err != nil {
			c.log.Warn().Str("index", index).Int64("doc_id", docID).Err(err).
				Msg("delete by query failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
