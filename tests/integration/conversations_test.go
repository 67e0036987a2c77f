package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacesai/spaces-engine/internal/storage"
)

func TestConversationEnsureIsIdempotent(t *testing.T) {
	skipWithoutDocker(t)
	db := startPostgres(t)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	repo := storage.NewConversationRepository(db)

	first, err := repo.Ensure(ctx, 1, nil, "conv-ensure", nil)
	require.NoError(t, err)
	require.Equal(t, "conv-ensure", first.ConversationID)

	title := "Research into orbital transfers"
	second, err := repo.Ensure(ctx, 1, nil, "conv-ensure", &title)
	require.NoError(t, err)
	assert.Equal(t, first.ConversationID, second.ConversationID)
	assert.Equal(t, first.CreatedAt.Unix(), second.CreatedAt.Unix())

	// A different user cannot read it.
	_, err = repo.Get(ctx, 2, "conv-ensure")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAppendStepAssignsDenseIndices(t *testing.T) {
	skipWithoutDocker(t)
	db := startPostgres(t)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	repo := storage.NewConversationRepository(db)
	_, err := repo.Ensure(ctx, 1, nil, "conv-steps", nil)
	require.NoError(t, err)

	const steps = 8
	var wg sync.WaitGroup
	errs := make(chan error, steps)
	for i := 0; i < steps; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			role := "user"
			if i%2 == 1 {
				role = "assistant"
			}
			errs <- repo.AppendStep(ctx, "conv-steps", role, fmt.Sprintf("turn %d", i), nil, nil)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := repo.Steps(ctx, "conv-steps")
	require.NoError(t, err)
	require.Len(t, got, steps)
	for i, step := range got {
		assert.Equal(t, i, step.StepIndex, "step indices are dense and ordered")
	}
}

func TestConversationListAndDetail(t *testing.T) {
	skipWithoutDocker(t)
	db := startPostgres(t)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	repo := storage.NewConversationRepository(db)

	_, err := repo.Ensure(ctx, 1, nil, "conv-old", nil)
	require.NoError(t, err)
	require.NoError(t, repo.AppendStep(ctx, "conv-old", "user", "first question", nil, nil))

	_, err = repo.Ensure(ctx, 1, nil, "conv-new", nil)
	require.NoError(t, err)
	require.NoError(t, repo.AppendStep(ctx, "conv-new", "user", "newer question", nil, nil))
	require.NoError(t, repo.AppendStep(ctx, "conv-new", "assistant", "an answer", nil, nil))

	list, err := repo.List(ctx, 1, nil)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "conv-new", list[0].ConversationID, "most recently updated first")
	assert.Equal(t, 2, list[0].StepCount)
	require.NotNil(t, list[0].FirstQuestion)
	assert.Equal(t, "newer question", *list[0].FirstQuestion)

	require.NoError(t, repo.UpdateTitle(ctx, 1, "conv-new", "Renamed"))

	detail, err := repo.Detail(ctx, 1, "conv-new")
	require.NoError(t, err)
	require.NotNil(t, detail.Conversation.Title)
	assert.Equal(t, "Renamed", *detail.Conversation.Title)
	require.Len(t, detail.Steps, 2)
	assert.Equal(t, "an answer", detail.Steps[1].Content)

	// Other tenants see an empty list.
	empty, err := repo.List(ctx, 2, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestNotebookEntryLifecycle(t *testing.T) {
	skipWithoutDocker(t)
	db := startPostgres(t)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	repo := storage.NewConversationRepository(db)
	_, err := repo.Ensure(ctx, 1, nil, "conv-notes", nil)
	require.NoError(t, err)

	source := json.RawMessage(`{"chunk_id": 12}`)
	entry, err := repo.AddNotebookEntry(ctx, 1, "conv-notes", "Key finding", "delta-v budget is 3.9 km/s", source)
	require.NoError(t, err)
	require.NotZero(t, entry.EntryID)

	detail, err := repo.Detail(ctx, 1, "conv-notes")
	require.NoError(t, err)
	require.Len(t, detail.Notebook, 1)
	assert.Equal(t, "Key finding", detail.Notebook[0].Title)

	// Another user cannot delete the entry.
	err = repo.DeleteNotebookEntry(ctx, 2, entry.EntryID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, repo.DeleteNotebookEntry(ctx, 1, entry.EntryID))

	detail, err = repo.Detail(ctx, 1, "conv-notes")
	require.NoError(t, err)
	assert.Empty(t, detail.Notebook)
}
