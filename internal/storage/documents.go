package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// DocumentRepository handles document rows and their metadata.
type DocumentRepository struct {
	db DB
}

// NewDocumentRepository creates a new document repository.
func NewDocumentRepository(db DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// Insert creates a document row and returns its id.
func (r *DocumentRepository) Insert(ctx context.Context, doc *Document) (int64, error) {
	if len(doc.Metadata) == 0 {
		doc.Metadata = json.RawMessage(`{}`)
	}
	query := `
		INSERT INTO documents (user_id, space_id, source_path, source_type, title, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	err := r.db.QueryRowContext(ctx, query,
		doc.UserID, nullInt64(doc.SpaceID), doc.SourcePath, string(doc.SourceType),
		doc.Title, []byte(doc.Metadata),
	).Scan(&doc.ID, &doc.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert document: %w", err)
	}
	return doc.ID, nil
}

// Get retrieves a document by id, enforcing ownership.
func (r *DocumentRepository) Get(ctx context.Context, id, userID int64) (*Document, error) {
	query := `
		SELECT id, user_id, space_id, COALESCE(source_path, ''), source_type,
		       COALESCE(title, ''), metadata, created_at
		FROM documents WHERE id = $1 AND user_id = $2
	`
	doc := &Document{}
	var spaceID sql.NullInt64
	err := r.db.QueryRowContext(ctx, query, id, userID).Scan(
		&doc.ID, &doc.UserID, &spaceID, &doc.SourcePath, &doc.SourceType,
		&doc.Title, &doc.Metadata, &doc.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if spaceID.Valid {
		doc.SpaceID = &spaceID.Int64
	}
	return doc, nil
}

// UpdateMetadata replaces a document's metadata blob.
func (r *DocumentRepository) UpdateMetadata(ctx context.Context, id int64, metadata json.RawMessage) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE documents SET metadata = $1 WHERE id = $2`,
		[]byte(metadata), id,
	)
	if err != nil {
		return fmt.Errorf("update document metadata: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MetaByIDs fetches the slim metadata projection for a set of document ids
// in one round trip. Unknown ids are simply absent from the result.
func (r *DocumentRepository) MetaByIDs(ctx context.Context, ids []int64) (map[int64]DocumentMeta, error) {
	out := make(map[int64]DocumentMeta, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query := `
		SELECT id, COALESCE(title, ''), COALESCE(source_path, ''), source_type, metadata, created_at
		FROM documents WHERE id = ANY($1)
	`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("fetch document metadata: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var m DocumentMeta
		if err := rows.Scan(&m.ID, &m.Title, &m.SourcePath, &m.SourceType, &m.Metadata, &m.CreatedAt); err != nil {
			return nil, err
		}
		out[m.ID] = m
	}
	return out, rows.Err()
}

// CreatedAtByIDs fetches creation timestamps for recency reranking.
func (r *DocumentRepository) CreatedAtByIDs(ctx context.Context, ids []int64) (map[int64]time.Time, error) {
	out := make(map[int64]time.Time, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, created_at FROM documents WHERE id = ANY($1)`,
		pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("fetch document timestamps: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var ts time.Time
		if err := rows.Scan(&id, &ts); err != nil {
			return nil, err
		}
		out[id] = ts
	}
	return out, rows.Err()
}

// ListForReindex returns the documents in a reindex scope: one document,
// one space, or everything the user owns.
func (r *DocumentRepository) ListForReindex(ctx context.Context, userID int64, docID, spaceID *int64) ([]Document, error) {
	var (
		rows *sql.Rows
		err  error
	)
	switch {
	case docID != nil:
		rows, err = r.db.QueryContext(ctx,
			`SELECT id, space_id, COALESCE(source_path, ''), COALESCE(title, ''), source_type, created_at
			 FROM documents WHERE id = $1 AND user_id = $2`,
			*docID, userID,
		)
	case spaceID != nil:
		rows, err = r.db.QueryContext(ctx,
			`SELECT id, space_id, COALESCE(source_path, ''), COALESCE(title, ''), source_type, created_at
			 FROM documents WHERE user_id = $1 AND space_id = $2 ORDER BY id`,
			userID, *spaceID,
		)
	default:
		rows, err = r.db.QueryContext(ctx,
			`SELECT id, space_id, COALESCE(source_path, ''), COALESCE(title, ''), source_type, created_at
			 FROM documents WHERE user_id = $1 ORDER BY id`,
			userID,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("list documents for reindex: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var (
			doc     Document
			spaceID sql.NullInt64
		)
		if err := rows.Scan(&doc.ID, &spaceID, &doc.SourcePath, &doc.Title, &doc.SourceType, &doc.CreatedAt); err != nil {
			return nil, err
		}
		doc.UserID = userID
		if spaceID.Valid {
			doc.SpaceID = &spaceID.Int64
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Delete removes a document owned by userID. Chunks and image assets go
// with it through the foreign keys. Returns ErrNotFound when the document
// does not exist or belongs to someone else.
func (r *DocumentRepository) Delete(ctx context.Context, id, userID int64) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM documents WHERE id = $1 AND user_id = $2`,
		id, userID,
	)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
