package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/spacesai/spaces-engine/internal/observability"
	"github.com/spacesai/spaces-engine/internal/pgvec"
)

// Common errors
var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record conflict")
)

// DB is the subset of database/sql operations the repositories use. Both
// *sql.DB and *sql.Tx satisfy it.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// PoolConfig tunes the database/sql connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to Postgres, applies pool settings, and verifies the
// connection with a ping.
func Open(ctx context.Context, dsn string, pool PoolConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// SchemaConfig fixes the deploy-time dimensions of the relational schema.
type SchemaConfig struct {
	TextDim   int    // dimension of chunks.embedding and external doc embeddings
	ImageDim  int    // dimension of image_assets.embedding
	Metric    string // cosine, l2, or ip; selects the ivfflat operator class
	Lists     int    // ivfflat list count
	FTSConfig string // text search configuration baked into the generated tsvector
}

// InitSchema creates the extensions, tables, and indexes if they do not
// exist. The embedding dimension, ANN operator class, and FTS language are
// baked in at creation time and cannot be changed without a migration.
func InitSchema(ctx context.Context, db *sql.DB, cfg SchemaConfig, log *observability.Logger) error {
	opclass := pgvec.OpClass(cfg.Metric)

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE EXTENSION IF NOT EXISTS pgcrypto`,
		`CREATE EXTENSION IF NOT EXISTS citext`,

		`CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			email CITEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			created_at TIMESTAMPTZ DEFAULT now(),
			updated_at TIMESTAMPTZ DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS spaces (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			is_default BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ DEFAULT now(),
			UNIQUE (user_id, name)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_spaces_one_default
			ON spaces(user_id) WHERE is_default`,

		`CREATE TABLE IF NOT EXISTS documents (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL,
			space_id BIGINT,
			source_path TEXT,
			source_type TEXT NOT NULL,
			title TEXT,
			metadata JSONB DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_user_space
			ON documents(user_id, space_id)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunks (
			id BIGSERIAL PRIMARY KEY,
			document_id BIGINT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			chunk_index INT NOT NULL,
			content TEXT NOT NULL,
			content_tsv tsvector GENERATED ALWAYS AS (to_tsvector('%s', content)) STORED,
			content_chars INT,
			embedding vector(%d),
			embedding_model TEXT,
			created_at TIMESTAMPTZ DEFAULT now()
		)`, cfg.FTSConfig, cfg.TextDim),
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_chunks_doc_chunk
			ON chunks(document_id, chunk_index)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_tsv
			ON chunks USING GIN (content_tsv)`,
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_chunks_embedding_ivfflat
			ON chunks USING ivfflat (embedding %s)
			WITH (lists = %d)`, opclass, cfg.Lists),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS image_assets (
			id BIGSERIAL PRIMARY KEY,
			document_id BIGINT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			user_id BIGINT NOT NULL,
			space_id BIGINT,
			file_path TEXT NOT NULL,
			thumbnail_path TEXT,
			width INT,
			height INT,
			tags JSONB DEFAULT '[]'::jsonb,
			caption TEXT,
			embedding vector(%d),
			embedding_model TEXT,
			created_at TIMESTAMPTZ DEFAULT now()
		)`, cfg.ImageDim),
		`CREATE INDEX IF NOT EXISTS idx_image_assets_user_space
			ON image_assets(user_id, space_id)`,

		`CREATE TABLE IF NOT EXISTS deep_research_conversations (
			conversation_id TEXT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			space_id BIGINT,
			title TEXT,
			created_at TIMESTAMPTZ DEFAULT now(),
			updated_at TIMESTAMPTZ DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dr_conversations_user
			ON deep_research_conversations(user_id, updated_at DESC)`,

		`CREATE TABLE IF NOT EXISTS deep_research_steps (
			id BIGSERIAL PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES deep_research_conversations(conversation_id) ON DELETE CASCADE,
			step_index INT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			context_refs JSONB DEFAULT '[]'::jsonb,
			metadata JSONB DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ DEFAULT now(),
			UNIQUE (conversation_id, step_index)
		)`,

		`CREATE TABLE IF NOT EXISTS deep_research_notebook_entries (
			id BIGSERIAL PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES deep_research_conversations(conversation_id) ON DELETE CASCADE,
			title TEXT,
			content TEXT NOT NULL,
			source JSONB DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ DEFAULT now(),
			updated_at TIMESTAMPTZ DEFAULT now()
		)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS conversation_external_docs (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL,
			space_id BIGINT,
			conversation_id TEXT NOT NULL,
			url TEXT NOT NULL,
			parent_url TEXT,
			depth INT NOT NULL DEFAULT 0,
			chunk_index INT NOT NULL,
			title TEXT,
			content TEXT NOT NULL,
			snippet TEXT,
			content_hash TEXT,
			metadata JSONB DEFAULT '{}'::jsonb,
			embedding vector(%d),
			created_at TIMESTAMPTZ DEFAULT now(),
			updated_at TIMESTAMPTZ DEFAULT now(),
			UNIQUE (user_id, conversation_id, url, chunk_index)
		)`, cfg.TextDim),
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	log.Info().
		Int("text_dim", cfg.TextDim).
		Int("image_dim", cfg.ImageDim).
		Str("metric", cfg.Metric).
		Int("lists", cfg.Lists).
		Str("fts_config", cfg.FTSConfig).
		Msg("database schema initialized")
	return nil
}

// nullInt64 adapts an optional id for use as a bind parameter.
func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

// nullString adapts an optional string for use as a bind parameter.
func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}
