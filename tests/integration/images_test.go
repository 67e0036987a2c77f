package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacesai/spaces-engine/internal/storage"
)

func TestImageSearchBlendsTextAndVector(t *testing.T) {
	skipWithoutDocker(t)
	db := startPostgres(t)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	docs := storage.NewDocumentRepository(db)
	images := storage.NewImageRepository(db, storage.ImageConfig{
		Metric:       "cosine",
		VectorWeight: 0.6,
		TextWeight:   0.4,
	})

	doc := &storage.Document{
		UserID:     1,
		SourcePath: "/tmp/album.txt",
		SourceType: storage.SourceTypeText,
		Title:      "Photo album",
	}
	_, err := docs.Insert(ctx, doc)
	require.NoError(t, err)

	sunset := &storage.ImageAsset{
		DocumentID: doc.ID,
		UserID:     1,
		FilePath:   "/img/sunset.png",
		Caption:    "sunset over the bay",
		Tags:       []string{"outdoor"},
		Embedding:  testVector(1),
	}
	_, err = images.Insert(ctx, sunset)
	require.NoError(t, err)

	skyline := &storage.ImageAsset{
		DocumentID: doc.ID,
		UserID:     1,
		FilePath:   "/img/skyline.png",
		Caption:    "city skyline at night",
		Tags:       []string{"outdoor"},
		Embedding:  testVector(5),
	}
	_, err = images.Insert(ctx, skyline)
	require.NoError(t, err)

	// Text and vector together take the blended ranking path.
	hits, err := images.Search(ctx, storage.ImageQuery{
		Query:  "sunset",
		Vector: testVector(1),
		TopK:   10,
		UserID: 1,
	})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "/img/sunset.png", hits[0].FilePath)
	require.NotNil(t, hits[0].Score)
	require.NotNil(t, hits[1].Score)
	assert.Greater(t, *hits[0].Score, *hits[1].Score)

	// Each single-signal path still orders by its own rank.
	textOnly, err := images.Search(ctx, storage.ImageQuery{Query: "skyline", TopK: 10, UserID: 1})
	require.NoError(t, err)
	require.Len(t, textOnly, 1)
	assert.Equal(t, "/img/skyline.png", textOnly[0].FilePath)

	vecOnly, err := images.Search(ctx, storage.ImageQuery{Vector: testVector(5), TopK: 10, UserID: 1})
	require.NoError(t, err)
	require.Len(t, vecOnly, 2)
	assert.Equal(t, "/img/skyline.png", vecOnly[0].FilePath)

	// Other tenants never see the assets.
	foreign, err := images.Search(ctx, storage.ImageQuery{
		Query:  "sunset",
		Vector: testVector(1),
		TopK:   10,
		UserID: 2,
	})
	require.NoError(t, err)
	assert.Empty(t, foreign)
}
