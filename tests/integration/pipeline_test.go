package integration

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacesai/spaces-engine/internal/cache"
	"github.com/spacesai/spaces-engine/internal/domain"
	"github.com/spacesai/spaces-engine/internal/embedding"
	"github.com/spacesai/spaces-engine/internal/ingest"
	"github.com/spacesai/spaces-engine/internal/storage"
)

func newTestPipeline(t *testing.T, db *sql.DB, tenantCache *cache.TenantCache) *ingest.Pipeline {
	t.Helper()
	docs := storage.NewDocumentRepository(db)
	chunks := storage.NewChunkRepository(db, storage.ChunkConfig{
		Metric:          "cosine",
		FTSConfig:       "english",
		EmbeddingModel:  "mock",
		StoreEmbeddings: true,
	})
	images := storage.NewImageRepository(db, storage.ImageConfig{Metric: "cosine"})

	return ingest.New(
		ingest.Config{
			Chunk:          ingest.ChunkParams{Size: 120, Overlap: 20, Separators: ingest.DefaultSeparators},
			EmbedBatchSize: 8,
		},
		docs, chunks, images,
		nil, // no secondary index in these tests
		embedding.NewMockClient(testTextDim), embedding.NewMockClient(testImageDim),
		tenantCache, testLogger(),
	)
}

func newRedisCache(t *testing.T) *cache.TenantCache {
	t.Helper()
	store, err := cache.NewRedisStore(startRedis(t))
	require.NoError(t, err)
	c := cache.New(store, testLogger(), cache.Config{
		App:        "spaces-test",
		DefaultTTL: time.Minute,
	})
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPipelineIngestPersistsChunks(t *testing.T) {
	skipWithoutDocker(t)
	db := startPostgres(t)
	tenantCache := newRedisCache(t)
	pipeline := newTestPipeline(t, db, tenantCache)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	before := tenantCache.GetRevision(ctx, cache.RevText, 1, nil)

	res, err := pipeline.IngestText(ctx, ingest.Request{
		UserID:  1,
		Title:   "Propulsion overview",
		Content: "Chemical rockets deliver high thrust for short burns. Ion engines deliver low thrust for months. Solar sails need no propellant at all but thrust falls with distance from the sun.",
	})
	require.NoError(t, err)
	require.NotZero(t, res.DocumentID)
	require.Greater(t, res.Chunks, 1)
	assert.Zero(t, res.Mirrored, "no secondary index configured")

	chunks := storage.NewChunkRepository(db, storage.ChunkConfig{Metric: "cosine", FTSConfig: "english", StoreEmbeddings: true})
	count, err := chunks.CountByDocument(ctx, res.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, res.Chunks, count)

	assert.Equal(t, before+1, tenantCache.GetRevision(ctx, cache.RevText, 1, nil),
		"ingest bumps the text revision")
}

func TestPipelineRejectsEmptyContent(t *testing.T) {
	skipWithoutDocker(t)
	db := startPostgres(t)
	pipeline := newTestPipeline(t, db, newRedisCache(t))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := pipeline.IngestText(ctx, ingest.Request{UserID: 1, Content: "   \n\t "})
	require.Error(t, err)
	assert.Equal(t, domain.KindInvalidArgument, domain.KindOf(err))
}

func TestPipelineDeleteBumpsBothRevisions(t *testing.T) {
	skipWithoutDocker(t)
	db := startPostgres(t)
	tenantCache := newRedisCache(t)
	pipeline := newTestPipeline(t, db, tenantCache)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	res, err := pipeline.IngestText(ctx, ingest.Request{
		UserID:  1,
		Title:   "Short lived",
		Content: "This document exists only to be deleted again.",
	})
	require.NoError(t, err)

	textBefore := tenantCache.GetRevision(ctx, cache.RevText, 1, nil)
	imageBefore := tenantCache.GetRevision(ctx, cache.RevImage, 1, nil)

	require.NoError(t, pipeline.DeleteDocument(ctx, res.DocumentID, 1, nil))

	assert.Equal(t, textBefore+1, tenantCache.GetRevision(ctx, cache.RevText, 1, nil))
	assert.Equal(t, imageBefore+1, tenantCache.GetRevision(ctx, cache.RevImage, 1, nil))

	// Deleting someone else's document fails before any revision bump.
	res2, err := pipeline.IngestText(ctx, ingest.Request{
		UserID:  2,
		Title:   "Not yours",
		Content: "Tenant two's private document.",
	})
	require.NoError(t, err)

	err = pipeline.DeleteDocument(ctx, res2.DocumentID, 1, nil)
	require.Error(t, err)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}
