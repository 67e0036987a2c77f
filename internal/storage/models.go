// Package storage provides the authoritative relational store: documents,
// chunks, image assets, deep-research conversations, and external URL docs.
package storage

import (
	"encoding/json"
	"time"
)

// SourceType classifies the original upload format of a document.
type SourceType string

const (
	SourceTypePDF   SourceType = "pdf"
	SourceTypeHTML  SourceType = "html"
	SourceTypeText  SourceType = "txt"
	SourceTypeDocx  SourceType = "docx"
	SourceTypePptx  SourceType = "pptx"
	SourceTypeXlsx  SourceType = "xlsx"
	SourceTypeXML   SourceType = "xml"
	SourceTypeCSV   SourceType = "csv"
	SourceTypeMD    SourceType = "md"
	SourceTypeJSON  SourceType = "json"
	SourceTypeImage SourceType = "image"
	SourceTypeAudio SourceType = "audio"
	SourceTypeVideo SourceType = "video"
)

// Document is an uploaded source owned by a user, optionally scoped to a space.
type Document struct {
	ID         int64           `json:"id" db:"id"`
	UserID     int64           `json:"user_id" db:"user_id"`
	SpaceID    *int64          `json:"space_id,omitempty" db:"space_id"`
	SourcePath string          `json:"source_path" db:"source_path"`
	SourceType SourceType      `json:"source_type" db:"source_type"`
	Title      string          `json:"title" db:"title"`
	Metadata   json.RawMessage `json:"metadata" db:"metadata"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// Chunk is one contiguous slice of a document's extracted text. The
// full-text column is generated by the database and never written directly.
type Chunk struct {
	ID             int64     `json:"id" db:"id"`
	DocumentID     int64     `json:"document_id" db:"document_id"`
	ChunkIndex     int       `json:"chunk_index" db:"chunk_index"`
	Content        string    `json:"content" db:"content"`
	ContentChars   int       `json:"content_chars" db:"content_chars"`
	EmbeddingModel string    `json:"embedding_model" db:"embedding_model"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// ChunkHit is a scored chunk returned by semantic or full-text search.
// Semantic hits carry Distance; lexical hits carry Rank.
type ChunkHit struct {
	ChunkID    int64    `json:"chunk_id"`
	DocumentID int64    `json:"document_id"`
	ChunkIndex int      `json:"chunk_index"`
	Content    string   `json:"content"`
	Distance   *float64 `json:"distance,omitempty"`
	Rank       *float64 `json:"rank,omitempty"`
}

// DocumentMeta is the slim projection used to decorate hits at the API
// boundary and to feed recency reranking.
type DocumentMeta struct {
	ID         int64           `json:"id"`
	Title      string          `json:"title"`
	SourcePath string          `json:"source_path"`
	SourceType SourceType      `json:"source_type"`
	Metadata   json.RawMessage `json:"metadata"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ImageAsset is a stored image derived from a document, with an optional
// dense embedding for visual search.
type ImageAsset struct {
	ID             int64     `json:"id" db:"id"`
	DocumentID     int64     `json:"document_id" db:"document_id"`
	UserID         int64     `json:"user_id" db:"user_id"`
	SpaceID        *int64    `json:"space_id,omitempty" db:"space_id"`
	FilePath       string    `json:"file_path" db:"file_path"`
	ThumbnailPath  string    `json:"thumbnail_path" db:"thumbnail_path"`
	Width          int       `json:"width" db:"width"`
	Height         int       `json:"height" db:"height"`
	Tags           []string  `json:"tags" db:"tags"`
	Caption        string    `json:"caption" db:"caption"`
	Embedding      []float32 `json:"-" db:"embedding"`
	EmbeddingModel string    `json:"embedding_model" db:"embedding_model"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// ImageHit is a scored image asset returned by image search.
type ImageHit struct {
	ImageID       int64      `json:"image_id"`
	DocumentID    int64      `json:"doc_id"`
	FilePath      string     `json:"file_path"`
	ThumbnailPath string     `json:"thumbnail_path"`
	Caption       string     `json:"caption"`
	Tags          []string   `json:"tags"`
	Width         int        `json:"width"`
	Height        int        `json:"height"`
	CreatedAt     *time.Time `json:"created_at,omitempty"`
	Score         *float64   `json:"score,omitempty"`
}

// User is an account owner. Email uniqueness is case-insensitive (citext).
type User struct {
	ID           int64     `json:"id" db:"id"`
	Email        string    `json:"email" db:"email"`
	PasswordHash string    `json:"-" db:"password_hash"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// Space is a named bag of documents owned by one user. Every user has
// exactly one default space.
type Space struct {
	ID        int64     `json:"id" db:"id"`
	UserID    int64     `json:"user_id" db:"user_id"`
	Name      string    `json:"name" db:"name"`
	IsDefault bool      `json:"is_default" db:"is_default"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Conversation is a deep-research session keyed by an external string id.
type Conversation struct {
	ConversationID string    `json:"conversation_id" db:"conversation_id"`
	UserID         int64     `json:"user_id" db:"user_id"`
	SpaceID        *int64    `json:"space_id,omitempty" db:"space_id"`
	Title          *string   `json:"title,omitempty" db:"title"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// ConversationStep is one turn of a conversation. Step indices are dense
// and assigned by the store, starting at zero.
type ConversationStep struct {
	StepIndex   int             `json:"step_index" db:"step_index"`
	Role        string          `json:"role" db:"role"`
	Content     string          `json:"content" db:"content"`
	ContextRefs json.RawMessage `json:"context_refs" db:"context_refs"`
	Metadata    json.RawMessage `json:"metadata" db:"metadata"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// NotebookEntry is a user-pinned note attached to a conversation.
type NotebookEntry struct {
	EntryID   int64           `json:"entry_id" db:"id"`
	Title     string          `json:"title" db:"title"`
	Content   string          `json:"content" db:"content"`
	Source    json.RawMessage `json:"source" db:"source"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// ConversationSummary is the list-view projection of a conversation.
type ConversationSummary struct {
	Conversation
	StepCount     int     `json:"step_count"`
	FirstQuestion *string `json:"first_question,omitempty"`
}

// ConversationDetail bundles a conversation with its full transcript and
// notebook entries.
type ConversationDetail struct {
	Conversation Conversation       `json:"conversation"`
	Steps        []ConversationStep `json:"steps"`
	Notebook     []NotebookEntry    `json:"notebook"`
}

// ExternalDoc is one chunk of a crawled user-supplied URL, scoped to a
// conversation. Rows are upserted on (user_id, conversation_id, url,
// chunk_index).
type ExternalDoc struct {
	ID             int64             `json:"id" db:"id"`
	UserID         int64             `json:"user_id" db:"user_id"`
	SpaceID        *int64            `json:"space_id,omitempty" db:"space_id"`
	ConversationID string            `json:"conversation_id" db:"conversation_id"`
	URL            string            `json:"url" db:"url"`
	ParentURL      *string           `json:"parent_url,omitempty" db:"parent_url"`
	Depth          int               `json:"depth" db:"depth"`
	ChunkIndex     int               `json:"chunk_index" db:"chunk_index"`
	Title          string            `json:"title" db:"title"`
	Content        string            `json:"content" db:"content"`
	Snippet        string            `json:"snippet" db:"snippet"`
	ContentHash    string            `json:"content_hash" db:"content_hash"`
	Metadata       map[string]string `json:"metadata" db:"metadata"`
	Embedding      []float32         `json:"-" db:"embedding"`
}

// ExternalHit is a retrieved external chunk ready for envelope rendering.
type ExternalHit struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	Content string `json:"content"`
}
