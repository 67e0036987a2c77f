package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spacesai/spaces-engine/internal/pgvec"
)

// ImageRepository handles image asset rows and the relational fallback for
// image search.
type ImageRepository struct {
	db  DB
	cfg ImageConfig
}

// ImageConfig fixes scoring and model identity for image assets.
type ImageConfig struct {
	Metric         string
	EmbeddingModel string
	VectorWeight   float64 // weight of the vector similarity in blended scores
	TextWeight     float64 // weight of the caption/OCR text rank
}

// NewImageRepository creates a new image repository.
func NewImageRepository(db DB, cfg ImageConfig) *ImageRepository {
	return &ImageRepository{db: db, cfg: cfg}
}

// Insert creates an image asset row and returns its id. The embedding is
// optional; assets without one are only reachable through text search.
func (r *ImageRepository) Insert(ctx context.Context, asset *ImageAsset) (int64, error) {
	tags, err := json.Marshal(asset.Tags)
	if err != nil {
		return 0, fmt.Errorf("marshal image tags: %w", err)
	}
	var emb interface{}
	if len(asset.Embedding) > 0 {
		emb = pgvec.Literal(asset.Embedding)
	}
	query := `
		INSERT INTO image_assets (document_id, user_id, space_id, file_path, thumbnail_path,
			width, height, tags, caption, embedding, embedding_model)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::vector, $11)
		RETURNING id, created_at
	`
	err = r.db.QueryRowContext(ctx, query,
		asset.DocumentID, asset.UserID, nullInt64(asset.SpaceID), asset.FilePath, asset.ThumbnailPath,
		asset.Width, asset.Height, tags, asset.Caption, emb, r.cfg.EmbeddingModel,
	).Scan(&asset.ID, &asset.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert image asset: %w", err)
	}
	return asset.ID, nil
}

// ImageQuery is a visual or textual search over image assets. At least one
// of Vector and Query should be set; with neither, results come back in
// recency order.
type ImageQuery struct {
	Vector  []float32
	Query   string
	TopK    int
	UserID  int64
	SpaceID *int64
	Tags    []string
}

// Search scans image assets with the available signals: ANN over the
// embedding, ILIKE plus ts_rank over caption and OCR metadata, or both
// blended by the configured weights.
func (r *ImageRepository) Search(ctx context.Context, q ImageQuery) ([]ImageHit, error) {
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	where := []string{"ia.user_id = " + arg(q.UserID)}
	if q.SpaceID != nil {
		where = append(where, "ia.space_id = "+arg(*q.SpaceID))
	}
	if len(q.Tags) > 0 {
		tags, err := json.Marshal(q.Tags)
		if err != nil {
			return nil, fmt.Errorf("marshal tag filter: %w", err)
		}
		where = append(where, "ia.tags @> "+arg(tags)+"::jsonb")
	}
	if q.Query != "" && len(q.Vector) == 0 {
		pat := "%" + q.Query + "%"
		where = append(where, "(ia.caption ILIKE "+arg(pat)+" OR COALESCE(d.metadata->>'image_ocr_text','') ILIKE "+arg(pat)+")")
	}
	if len(q.Vector) > 0 {
		where = append(where, "ia.embedding IS NOT NULL")
	}

	// The blended ORDER BY repeats the full expressions: output aliases
	// resolve in ORDER BY only as bare names, not inside expressions.
	distanceSQL := "NULL::double precision"
	if len(q.Vector) > 0 {
		distanceSQL = fmt.Sprintf("(ia.embedding %s %s::vector)",
			pgvec.Operator(r.cfg.Metric), arg(pgvec.Literal(q.Vector)))
	}

	rankSQL := "0.0::double precision"
	if q.Query != "" {
		rankSQL = "ts_rank_cd(to_tsvector('simple', COALESCE(ia.caption,'') || ' ' || COALESCE(d.metadata->>'image_ocr_text','')), plainto_tsquery('simple', " + arg(q.Query) + "))"
	}

	orderClause := "ia.created_at DESC"
	switch {
	case len(q.Vector) > 0 && q.Query != "":
		orderClause = fmt.Sprintf(
			"(%s * %s + (1.0 / (1.0 + %s)) * %s) DESC",
			rankSQL, arg(r.cfg.TextWeight), distanceSQL, arg(r.cfg.VectorWeight))
	case len(q.Vector) > 0:
		orderClause = "distance ASC"
	case q.Query != "":
		orderClause = "text_rank DESC"
	}

	query := fmt.Sprintf(`
		SELECT ia.id, ia.document_id, ia.file_path, COALESCE(ia.thumbnail_path, ''),
		       COALESCE(ia.caption, ''), ia.tags, COALESCE(ia.width, 0), COALESCE(ia.height, 0),
		       ia.created_at, %s AS distance, %s AS text_rank
		FROM image_assets ia
		JOIN documents d ON d.id = ia.document_id
		WHERE %s
		ORDER BY %s
		LIMIT %s
	`, distanceSQL, rankSQL, strings.Join(where, " AND "), orderClause, arg(q.TopK))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("image search: %w", err)
	}
	defer rows.Close()

	var hits []ImageHit
	for rows.Next() {
		var (
			h        ImageHit
			tagsRaw  []byte
			created  time.Time
			distance sql.NullFloat64
			textRank sql.NullFloat64
		)
		if err := rows.Scan(&h.ImageID, &h.DocumentID, &h.FilePath, &h.ThumbnailPath,
			&h.Caption, &tagsRaw, &h.Width, &h.Height, &created, &distance, &textRank); err != nil {
			return nil, err
		}
		h.CreatedAt = &created
		if len(tagsRaw) > 0 {
			if err := json.Unmarshal(tagsRaw, &h.Tags); err != nil {
				h.Tags = nil
			}
		}
		h.Score = blendImageScore(distance, textRank, r.cfg.VectorWeight, r.cfg.TextWeight)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// blendImageScore combines vector proximity and text rank into one score.
// Distance folds into similarity as 1/(1+d). Hits with neither signal get
// a nil score so recency-ordered listings stay unscored.
func blendImageScore(distance, textRank sql.NullFloat64, vectorWeight, textWeight float64) *float64 {
	var vecScore float64
	hasVec := false
	if distance.Valid {
		d := distance.Float64
		if d < 0 {
			d = 0
		}
		vecScore = 1.0 / (1.0 + d)
		hasVec = true
	}
	txtScore := 0.0
	if textRank.Valid {
		txtScore = textRank.Float64
	}
	if !hasVec && txtScore == 0 {
		return nil
	}
	score := vectorWeight*vecScore + textWeight*txtScore
	return &score
}

// ListForReindex streams image assets owned by a user, oldest first, for
// bulk mirroring into the secondary index.
func (r *ImageRepository) ListForReindex(ctx context.Context, userID int64, limit, offset int) ([]ImageAsset, error) {
	query := `
		SELECT id, document_id, user_id, space_id, file_path, COALESCE(thumbnail_path, ''),
		       COALESCE(width, 0), COALESCE(height, 0), tags, COALESCE(caption, ''),
		       COALESCE(embedding_model, ''), created_at
		FROM image_assets
		WHERE user_id = $1
		ORDER BY id ASC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list image assets: %w", err)
	}
	defer rows.Close()

	var assets []ImageAsset
	for rows.Next() {
		var (
			a       ImageAsset
			spaceID sql.NullInt64
			tagsRaw []byte
		)
		if err := rows.Scan(&a.ID, &a.DocumentID, &a.UserID, &spaceID, &a.FilePath, &a.ThumbnailPath,
			&a.Width, &a.Height, &tagsRaw, &a.Caption, &a.EmbeddingModel, &a.CreatedAt); err != nil {
			return nil, err
		}
		if spaceID.Valid {
			a.SpaceID = &spaceID.Int64
		}
		if len(tagsRaw) > 0 {
			_ = json.Unmarshal(tagsRaw, &a.Tags)
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}
