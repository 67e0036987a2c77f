package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spacesai/spaces-engine/internal/pgvec"
)

// ExternalDocRepository persists chunks crawled from user-supplied URLs,
// scoped to a conversation.
type ExternalDocRepository struct {
	db     DB
	metric string
}

// NewExternalDocRepository creates a new external doc repository.
func NewExternalDocRepository(db DB, metric string) *ExternalDocRepository {
	return &ExternalDocRepository{db: db, metric: metric}
}

// Upsert writes one crawled chunk. Replays of the same URL chunk overwrite
// content, snippet, metadata, and embedding in place.
func (r *ExternalDocRepository) Upsert(ctx context.Context, doc *ExternalDoc) error {
	meta, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("marshal external doc metadata: %w", err)
	}
	query := `
		INSERT INTO conversation_external_docs (
			user_id, space_id, conversation_id,
			url, parent_url, depth, chunk_index,
			title, content, snippet, content_hash, metadata, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::jsonb, $13::vector)
		ON CONFLICT (user_id, conversation_id, url, chunk_index)
		DO UPDATE SET
			content = EXCLUDED.content,
			snippet = EXCLUDED.snippet,
			metadata = EXCLUDED.metadata,
			embedding = EXCLUDED.embedding,
			updated_at = now()
	`
	_, err = r.db.ExecContext(ctx, query,
		doc.UserID, nullInt64(doc.SpaceID), doc.ConversationID,
		doc.URL, nullString(doc.ParentURL), doc.Depth, doc.ChunkIndex,
		doc.Title, doc.Content, doc.Snippet, doc.ContentHash, meta, pgvec.Literal(doc.Embedding),
	)
	if err != nil {
		return fmt.Errorf("upsert external doc: %w", err)
	}
	return nil
}

// ExternalQuery retrieves the nearest external chunks for a conversation.
type ExternalQuery struct {
	UserID         int64
	SpaceID        *int64
	ConversationID string
	Vector         []float32
	TopK           int
}

// Retrieve returns the top-K external chunks by vector proximity. Rows
// without a space always qualify; a space filter additionally admits rows
// tagged with that space.
func (r *ExternalDocRepository) Retrieve(ctx context.Context, q ExternalQuery) ([]ExternalHit, error) {
	op := pgvec.Operator(r.metric)
	var (
		query string
		args  []interface{}
	)
	if q.SpaceID != nil {
		query = fmt.Sprintf(`
			SELECT url, COALESCE(title, ''), COALESCE(snippet, ''), content
			FROM conversation_external_docs
			WHERE user_id = $1 AND conversation_id = $2
			  AND (space_id = $3 OR space_id IS NULL)
			ORDER BY embedding %s $4::vector ASC
			LIMIT $5
		`, op)
		args = []interface{}{q.UserID, q.ConversationID, *q.SpaceID, pgvec.Literal(q.Vector), q.TopK}
	} else {
		query = fmt.Sprintf(`
			SELECT url, COALESCE(title, ''), COALESCE(snippet, ''), content
			FROM conversation_external_docs
			WHERE user_id = $1 AND conversation_id = $2
			ORDER BY embedding %s $3::vector ASC
			LIMIT $4
		`, op)
		args = []interface{}{q.UserID, q.ConversationID, pgvec.Literal(q.Vector), q.TopK}
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("retrieve external docs: %w", err)
	}
	defer rows.Close()

	var hits []ExternalHit
	for rows.Next() {
		var h ExternalHit
		if err := rows.Scan(&h.URL, &h.Title, &h.Snippet, &h.Content); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
