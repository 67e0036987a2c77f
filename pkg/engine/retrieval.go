// Package engine provides the public Go SDK for the Spaces Engine API.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Client is the public SDK client for the Spaces Engine.
type Client struct {
	baseURL    string
	userID     int64
	spaceID    *int64
	httpClient *http.Client
}

// ClientConfig holds client configuration. UserID is mandatory; every
// request is scoped to that tenant. SpaceID optionally narrows the scope
// to one space.
type ClientConfig struct {
	BaseURL string
	UserID  int64
	SpaceID *int64
	Timeout time.Duration
}

// NewClient creates a new Spaces Engine client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.UserID <= 0 {
		return nil, fmt.Errorf("user id is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8080"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		userID:     cfg.UserID,
		spaceID:    cfg.SpaceID,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Hit represents one retrieved chunk.
type Hit struct {
	ChunkID    int64    `json:"chunk_id"`
	DocumentID int64    `json:"document_id"`
	ChunkIndex int      `json:"chunk_index"`
	Content    string   `json:"content"`
	Distance   *float64 `json:"distance,omitempty"`
	Rank       *float64 `json:"rank,omitempty"`
	FileName   string   `json:"file_name,omitempty"`
	FileType   string   `json:"file_type,omitempty"`
	Title      string   `json:"title,omitempty"`
}

// Reference cites a source document for a synthesized answer.
type Reference struct {
	FileName string `json:"file_name"`
	FileType string `json:"file_type"`
	ChunkID  int64  `json:"chunk_id"`
	Href     string `json:"href"`
}

// SearchRequest represents a retrieval query request.
type SearchRequest struct {
	Query       string `json:"query"`
	Mode        string `json:"mode,omitempty"` // semantic, fulltext, hybrid, rag
	TopK        int    `json:"top_k,omitempty"`
	SpaceID     *int64 `json:"space_id,omitempty"`
	LLMProvider string `json:"llm_provider,omitempty"`
}

// SearchResponse represents a retrieval query response.
type SearchResponse struct {
	Mode       string      `json:"mode"`
	Hits       []Hit       `json:"hits"`
	Answer     string      `json:"answer,omitempty"`
	UsedLLM    *bool       `json:"used_llm,omitempty"`
	References []Reference `json:"references,omitempty"`
}

// Search executes a retrieval query.
func (c *Client) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	var resp SearchResponse
	if err := c.do(ctx, http.MethodPost, "/api/search", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ImageSearchRequest represents a cross-modal image search request.
type ImageSearchRequest struct {
	Query   string    `json:"query,omitempty"`
	Vector  []float32 `json:"vector,omitempty"`
	Tags    []string  `json:"tags,omitempty"`
	TopK    int       `json:"top_k,omitempty"`
	SpaceID *int64    `json:"space_id,omitempty"`
}

// ImageResult represents one matched image asset.
type ImageResult struct {
	Rank          int      `json:"rank"`
	DocID         int64    `json:"doc_id"`
	ImageID       int64    `json:"image_id"`
	FilePath      string   `json:"file_path"`
	ThumbnailPath string   `json:"thumbnail_path"`
	Caption       string   `json:"caption"`
	Tags          []string `json:"tags"`
	Score         *float64 `json:"score"`
	Width         int      `json:"width,omitempty"`
	Height        int      `json:"height,omitempty"`
	CreatedAt     string   `json:"created_at,omitempty"`
}

// ImageSearchResponse represents an image search response.
type ImageSearchResponse struct {
	Results []ImageResult `json:"results"`
	Count   int           `json:"count"`
}

// ImageSearch executes a cross-modal image search.
func (c *Client) ImageSearch(ctx context.Context, req ImageSearchRequest) (*ImageSearchResponse, error) {
	var resp ImageSearchResponse
	if err := c.do(ctx, http.MethodPost, "/api/image-search", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StartResearch opens a Deep Research conversation and returns its id.
func (c *Client) StartResearch(ctx context.Context, spaceID *int64) (string, error) {
	body := map[string]interface{}{}
	if spaceID != nil {
		body["space_id"] = *spaceID
	}
	var resp struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/deep-research/start", body, &resp); err != nil {
		return "", err
	}
	return resp.ConversationID, nil
}

// AskRequest represents one Deep Research turn.
type AskRequest struct {
	ConversationID string   `json:"conversation_id"`
	Message        string   `json:"message"`
	LLMProvider    string   `json:"llm_provider,omitempty"`
	ForceWeb       bool     `json:"force_web,omitempty"`
	URLs           []string `json:"urls,omitempty"`
	SpaceID        *int64   `json:"space_id,omitempty"`
}

// AskResponse represents a Deep Research answer.
type AskResponse struct {
	ConversationID    string          `json:"conversation_id"`
	Answer            string          `json:"answer"`
	MessageCount      int             `json:"message_count"`
	References        json.RawMessage `json:"references,omitempty"`
	Confidence        float64         `json:"confidence"`
	FollowupQuestions []string        `json:"followup_questions,omitempty"`
	WebAttempted      bool            `json:"web_attempted"`
	ElapsedSeconds    float64         `json:"elapsed_seconds"`
}

// Ask runs one Deep Research turn.
func (c *Client) Ask(ctx context.Context, req AskRequest) (*AskResponse, error) {
	var resp AskResponse
	if err := c.do(ctx, http.MethodPost, "/api/deep-research/ask", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// IngestRequest represents a document ingest request.
type IngestRequest struct {
	Title    string            `json:"title,omitempty"`
	Content  string            `json:"content"`
	SpaceID  *int64            `json:"space_id,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// IngestResponse represents a document ingest response.
type IngestResponse struct {
	DocumentID int64 `json:"document_id"`
	Chunks     int   `json:"chunks"`
	Mirrored   int   `json:"mirrored"`
}

// Ingest stores a text document in the knowledge base.
func (c *Client) Ingest(ctx context.Context, req IngestRequest) (*IngestResponse, error) {
	var resp IngestResponse
	if err := c.do(ctx, http.MethodPost, "/api/documents", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteDocument removes a document and its index entries.
func (c *Client) DeleteDocument(ctx context.Context, documentID int64) error {
	path := "/api/documents/" + strconv.FormatInt(documentID, 10)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status  string          `json:"status"`
	Service string          `json:"service"`
	Cache   json.RawMessage `json:"cache,omitempty"`
}

// Health checks the service health.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("spaces engine: %d %s", e.StatusCode, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", strconv.FormatInt(c.userID, 10))
	if c.spaceID != nil {
		req.Header.Set("X-Space-ID", strconv.FormatInt(*c.spaceID, 10))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		msg := http.StatusText(resp.StatusCode)
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
