// Package opensearch is a thin HTTP adapter for the secondary search
// engine: BM25 over chunk text, ANN over dense vectors, and a separate
// image index. It speaks several engine dialects for KNN queries.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/spacesai/spaces-engine/internal/observability"
)

// HNSW build parameters applied to both indices at creation time.
const (
	hnswEFConstruction = 128
	hnswM              = 16
)

// Config holds the connection and index layout for the secondary engine.
type Config struct {
	BaseURL             string
	ChunkIndex          string
	ImageIndex          string
	Engine              string // lucene, nmslib, or faiss
	Distance            string // cosinesimil, l2, or innerproduct
	Username            string
	Password            string
	Shards              int
	Replicas            int
	TextDim             int
	ImageDim            int
	NumCandidates       int     // 0 derives from top_k at query time
	RecencyBoost        float64 // 0 disables the decay wrapper
	RecencyHalfLifeDays float64
	VectorWeight        float64 // image search: weight of the KNN clause
	TextWeight          float64 // image search: weight of the text clause
	Timeout             time.Duration
}

// Client talks to one secondary engine cluster.
type Client struct {
	cfg        Config
	httpClient *http.Client
	log        *observability.Logger

	mu    sync.Mutex
	ready bool
}

// New creates a client. The connection is lazy; nothing is contacted here.
func New(cfg Config, log *observability.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:9200"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.ChunkIndex == "" {
		cfg.ChunkIndex = "spacesai_chunks"
	}
	if cfg.ImageIndex == "" {
		cfg.ImageIndex = "spacesai_images"
	}
	if cfg.Engine == "" {
		cfg.Engine = "nmslib"
	}
	if cfg.Distance == "" {
		cfg.Distance = "cosinesimil"
	}
	if cfg.Shards <= 0 {
		cfg.Shards = 3
	}
	if cfg.Replicas < 0 {
		cfg.Replicas = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		log:        log.WithComponent("opensearch"),
	}
}

// APIError is a non-2xx engine response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("engine returned status %d: %s", e.Status, e.Body)
}

// do sends one request and decodes the JSON response into out when given.
func (c *Client) do(ctx context.Context, method, path string, body []byte, contentType string, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.cfg.Username != "" && c.cfg.Password != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		excerpt := string(respBody)
		if len(excerpt) > 512 {
			excerpt = excerpt[:512]
		}
		return &APIError{Status: resp.StatusCode, Body: excerpt}
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// postJSON marshals body and POSTs it.
func (c *Client) postJSON(ctx context.Context, path string, body interface{}, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, data, "application/json", out)
}

// Ping verifies the cluster answers at all.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/", nil, "", nil)
}

func (c *Client) indexExists(ctx context.Context, index string) (bool, error) {
	err := c.do(ctx, http.MethodHead, "/"+url.PathEscape(index), nil, "", nil)
	if err == nil {
		return true, nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return false, nil
	}
	return false, err
}

// EnsureIndexes creates the chunk and image indices when absent. With force
// set, existing indices are destroyed and rebuilt; stored vectors are lost
// until a reindex.
func (c *Client) EnsureIndexes(ctx context.Context, force bool) error {
	c.mu.Lock()
	if c.ready && !force {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.ensureIndex(ctx, c.cfg.ChunkIndex, c.chunkMapping(), force); err != nil {
		return err
	}
	if err := c.ensureIndex(ctx, c.cfg.ImageIndex, c.imageMapping(), force); err != nil {
		return err
	}

	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()
	return nil
}

func (c *Client) ensureIndex(ctx context.Context, index string, mapping map[string]interface{}, force bool) error {
	exists, err := c.indexExists(ctx, index)
	if err != nil {
		return fmt.Errorf("check index %s: %w", index, err)
	}
	if exists && !force {
		return nil
	}
	if exists && force {
		if err := c.do(ctx, http.MethodDelete, "/"+url.PathEscape(index), nil, "", nil); err != nil {
			c.log.Warn().Str("index", index).Err(err).Msg("failed to delete existing index")
		}
	}

	data, err := json.Marshal(mapping)
	if err != nil {
		return fmt.Errorf("marshal mapping: %w", err)
	}
	err = c.do(ctx, http.MethodPut, "/"+url.PathEscape(index), data, "application/json", nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && strings.Contains(apiErr.Body, "resource_already_exists_exception") {
			return nil
		}
		return fmt.Errorf("create index %s: %w", index, err)
	}
	c.log.Info().Str("index", index).Msg("created index")
	return nil
}

func (c *Client) knnVectorField(dim int) map[string]interface{} {
	return map[string]interface{}{
		"type":      "knn_vector",
		"dimension": dim,
		"method": map[string]interface{}{
			"name":       "hnsw",
			"engine":     c.cfg.Engine,
			"space_type": c.cfg.Distance,
			"parameters": map[string]interface{}{
				"ef_construction": hnswEFConstruction,
				"m":               hnswM,
			},
		},
	}
}

func (c *Client) indexSettings() map[string]interface{} {
	return map[string]interface{}{
		"index": map[string]interface{}{
			"knn":                true,
			"number_of_shards":   c.cfg.Shards,
			"number_of_replicas": c.cfg.Replicas,
		},
	}
}

func (c *Client) chunkMapping() map[string]interface{} {
	return map[string]interface{}{
		"settings": c.indexSettings(),
		"mappings": map[string]interface{}{
			"properties": map[string]interface{}{
				"doc_id":      map[string]interface{}{"type": "long"},
				"chunk_index": map[string]interface{}{"type": "integer"},
				"text":        map[string]interface{}{"type": "text"},
				"file_name":   map[string]interface{}{"type": "keyword"},
				"source_path": map[string]interface{}{"type": "keyword"},
				"file_type":   map[string]interface{}{"type": "keyword"},
				"user_id":     map[string]interface{}{"type": "long"},
				"space_id":    map[string]interface{}{"type": "long"},
				"created_at":  map[string]interface{}{"type": "date"},
				"vector":      c.knnVectorField(c.cfg.TextDim),
			},
		},
	}
}

func (c *Client) imageMapping() map[string]interface{} {
	return map[string]interface{}{
		"settings": c.indexSettings(),
		"mappings": map[string]interface{}{
			"properties": map[string]interface{}{
				"doc_id":         map[string]interface{}{"type": "long"},
				"image_id":       map[string]interface{}{"type": "long"},
				"user_id":        map[string]interface{}{"type": "long"},
				"space_id":       map[string]interface{}{"type": "long"},
				"file_path":      map[string]interface{}{"type": "keyword"},
				"thumbnail_path": map[string]interface{}{"type": "keyword"},
				"caption":        map[string]interface{}{"type": "text"},
				"ocr_text":       map[string]interface{}{"type": "text"},
				"tags":           map[string]interface{}{"type": "keyword"},
				"width":          map[string]interface{}{"type": "integer"},
				"height":         map[string]interface{}{"type": "integer"},
				"created_at":     map[string]interface{}{"type": "date"},
				"vector":         c.knnVectorField(c.cfg.ImageDim),
			},
		},
	}
}

// termFilters builds the tenant filter clauses shared by every query.
func termFilters(userID, spaceID *int64) []interface{} {
	var f []interface{}
	if userID != nil {
		f = append(f, map[string]interface{}{"term": map[string]interface{}{"user_id": *userID}})
	}
	if spaceID != nil {
		f = append(f, map[string]interface{}{"term": map[string]interface{}{"space_id": *spaceID}})
	}
	return f
}

// wrapRecency adds a Gaussian decay over created_at to the query score when
// a boost and half-life are configured. The decay reaches 0.5 at the
// half-life and is added, not multiplied, into the score.
func (c *Client) wrapRecency(query map[string]interface{}) map[string]interface{} {
	if c.cfg.RecencyBoost <= 0 || c.cfg.RecencyHalfLifeDays <= 0 {
		return query
	}
	return map[string]interface{}{
		"function_score": map[string]interface{}{
			"query": query,
			"functions": []interface{}{
				map[string]interface{}{
					"gauss": map[string]interface{}{
						"created_at": map[string]interface{}{
							"scale": fmt.Sprintf("%gd", c.cfg.RecencyHalfLifeDays),
							"decay": 0.5,
						},
					},
					"weight": c.cfg.RecencyBoost,
				},
			},
			"boost_mode": "sum",
		},
	}
}
