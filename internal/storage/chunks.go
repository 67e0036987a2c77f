package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/spacesai/spaces-engine/internal/pgvec"
)

// ChunkRepository handles chunk rows, vector search, and full-text search
// over the relational backend.
type ChunkRepository struct {
	db  *sql.DB
	cfg ChunkConfig
}

// ChunkConfig fixes the search behavior of the chunk repository.
type ChunkConfig struct {
	Metric          string // selects the pgvector distance operator
	FTSConfig       string // text search configuration for query parsing
	EmbeddingModel  string // recorded on every inserted chunk
	StoreEmbeddings bool   // when false, chunk embeddings are left NULL
}

// NewChunkRepository creates a new chunk repository. It takes the raw
// handle because vector search and batch insert run inside transactions.
func NewChunkRepository(db *sql.DB, cfg ChunkConfig) *ChunkRepository {
	return &ChunkRepository{db: db, cfg: cfg}
}

// StoresEmbeddings reports whether chunk embeddings are persisted in the
// relational store. When false the secondary index is authoritative for
// vectors.
func (r *ChunkRepository) StoresEmbeddings() bool {
	return r.cfg.StoreEmbeddings
}

// InsertBatch writes the chunks of one document in a single transaction.
// Replays are idempotent: conflicting (document_id, chunk_index) rows are
// overwritten in place.
func (r *ChunkRepository) InsertBatch(ctx context.Context, documentID int64, contents []string, embeddings [][]float32) (int, error) {
	if r.cfg.StoreEmbeddings && len(contents) != len(embeddings) {
		return 0, fmt.Errorf("chunks and embeddings length mismatch: %d vs %d", len(contents), len(embeddings))
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin chunk insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (document_id, chunk_index, content, content_chars, embedding_model, embedding)
		VALUES ($1, $2, $3, $4, $5, $6::vector)
		ON CONFLICT (document_id, chunk_index) DO UPDATE SET
			content = EXCLUDED.content,
			content_chars = EXCLUDED.content_chars,
			embedding_model = EXCLUDED.embedding_model,
			embedding = EXCLUDED.embedding
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for i, content := range contents {
		var emb interface{}
		if r.cfg.StoreEmbeddings {
			emb = pgvec.Literal(embeddings[i])
		}
		if _, err := stmt.ExecContext(ctx, documentID, i, content, len(content), r.cfg.EmbeddingModel, emb); err != nil {
			return 0, fmt.Errorf("insert chunk %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit chunk insert: %w", err)
	}
	return len(contents), nil
}

// SemanticQuery is an ANN search over stored chunk embeddings.
type SemanticQuery struct {
	Vector  []float32
	TopK    int
	Probes  int // ivfflat probe count; 0 keeps the session default
	UserID  int64
	SpaceID *int64
}

// SemanticSearch runs an ANN scan ordered by vector distance. The probe
// count is applied with SET LOCAL inside the transaction; the value cannot
// be a bind parameter, so it is interpolated as a validated integer.
func (r *ChunkRepository) SemanticSearch(ctx context.Context, q SemanticQuery) ([]ChunkHit, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin semantic search: %w", err)
	}
	defer tx.Rollback()

	if q.Probes > 0 {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL ivfflat.probes = %d", q.Probes)); err != nil {
			return nil, fmt.Errorf("set ivfflat probes: %w", err)
		}
	}

	op := pgvec.Operator(r.cfg.Metric)
	query := fmt.Sprintf(`
		SELECT c.id, c.document_id, c.chunk_index, c.content, (c.embedding %s $1::vector) AS distance
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.embedding IS NOT NULL
		  AND d.user_id = $2
		  AND ($3::bigint IS NULL OR d.space_id = $3)
		ORDER BY distance ASC
		LIMIT $4
	`, op)

	rows, err := tx.QueryContext(ctx, query, pgvec.Literal(q.Vector), q.UserID, nullInt64(q.SpaceID), q.TopK)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}
	defer rows.Close()

	var hits []ChunkHit
	for rows.Next() {
		var (
			h    ChunkHit
			dist float64
		)
		if err := rows.Scan(&h.ChunkID, &h.DocumentID, &h.ChunkIndex, &h.Content, &dist); err != nil {
			return nil, err
		}
		h.Distance = &dist
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return hits, tx.Commit()
}

// FulltextQuery is a lexical search over the generated tsvector column.
type FulltextQuery struct {
	Query   string
	TopK    int
	UserID  int64
	SpaceID *int64
}

// FulltextSearch matches the query against the generated full-text column
// and ranks with ts_rank_cd.
func (r *ChunkRepository) FulltextSearch(ctx context.Context, q FulltextQuery) ([]ChunkHit, error) {
	query := `
		SELECT c.id, c.document_id, c.chunk_index, c.content,
		       ts_rank_cd(c.content_tsv, plainto_tsquery($1::regconfig, $2)) AS rank
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.content_tsv @@ plainto_tsquery($1::regconfig, $2)
		  AND d.user_id = $3
		  AND ($4::bigint IS NULL OR d.space_id = $4)
		ORDER BY rank DESC
		LIMIT $5
	`
	rows, err := r.db.QueryContext(ctx, query, r.cfg.FTSConfig, q.Query, q.UserID, nullInt64(q.SpaceID), q.TopK)
	if err != nil {
		return nil, fmt.Errorf("fulltext search: %w", err)
	}
	defer rows.Close()

	var hits []ChunkHit
	for rows.Next() {
		var (
			h    ChunkHit
			rank float64
		)
		if err := rows.Scan(&h.ChunkID, &h.DocumentID, &h.ChunkIndex, &h.Content, &rank); err != nil {
			return nil, err
		}
		h.Rank = &rank
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// ContentsByDocument returns a document's chunk texts in index order,
// primarily for reindexing into the secondary index.
func (r *ChunkRepository) ContentsByDocument(ctx context.Context, documentID int64) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT content FROM chunks WHERE document_id = $1 ORDER BY chunk_index ASC`,
		documentID,
	)
	if err != nil {
		return nil, fmt.Errorf("fetch chunk contents: %w", err)
	}
	defer rows.Close()

	var contents []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		contents = append(contents, c)
	}
	return contents, rows.Err()
}

// CountByDocument returns the number of chunks stored for a document.
func (r *ChunkRepository) CountByDocument(ctx context.Context, documentID int64) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE document_id = $1`,
		documentID,
	).Scan(&n)
	return n, err
}
