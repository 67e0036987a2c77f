package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ConversationRepository persists deep-research conversations, their step
// transcripts, and notebook entries.
type ConversationRepository struct {
	db *sql.DB
}

// NewConversationRepository creates a new conversation repository.
func NewConversationRepository(db *sql.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// Ensure creates the conversation row if it does not exist. On conflict the
// space is filled in when previously unset and an existing title wins over
// the incoming one. updated_at is always touched.
func (r *ConversationRepository) Ensure(ctx context.Context, userID int64, spaceID *int64, conversationID string, title *string) (*Conversation, error) {
	query := `
		INSERT INTO deep_research_conversations (user_id, space_id, conversation_id, title)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (conversation_id) DO UPDATE
		  SET space_id = COALESCE(EXCLUDED.space_id, deep_research_conversations.space_id),
		      title = COALESCE(deep_research_conversations.title, EXCLUDED.title),
		      updated_at = now()
		RETURNING user_id, space_id, conversation_id, title, created_at, updated_at
	`
	conv := &Conversation{}
	var (
		sid sql.NullInt64
		t   sql.NullString
	)
	err := r.db.QueryRowContext(ctx, query, userID, nullInt64(spaceID), conversationID, nullString(title)).Scan(
		&conv.UserID, &sid, &conv.ConversationID, &t, &conv.CreatedAt, &conv.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("ensure conversation: %w", err)
	}
	if sid.Valid {
		conv.SpaceID = &sid.Int64
	}
	if t.Valid {
		conv.Title = &t.String
	}
	return conv, nil
}

// owner loads the conversation header and enforces that userID owns it.
// Both a missing row and someone else's row come back as ErrNotFound.
func (r *ConversationRepository) owner(ctx context.Context, conversationID string, userID int64) (*Conversation, error) {
	query := `
		SELECT user_id, space_id, title, created_at, updated_at
		FROM deep_research_conversations WHERE conversation_id = $1
	`
	conv := &Conversation{ConversationID: conversationID}
	var (
		sid sql.NullInt64
		t   sql.NullString
	)
	err := r.db.QueryRowContext(ctx, query, conversationID).Scan(
		&conv.UserID, &sid, &t, &conv.CreatedAt, &conv.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if conv.UserID != userID {
		return nil, ErrNotFound
	}
	if sid.Valid {
		conv.SpaceID = &sid.Int64
	}
	if t.Valid {
		conv.Title = &t.String
	}
	return conv, nil
}

// Get returns the conversation header after an ownership check.
func (r *ConversationRepository) Get(ctx context.Context, userID int64, conversationID string) (*Conversation, error) {
	return r.owner(ctx, conversationID, userID)
}

// UpdateTitle renames a conversation the user owns.
func (r *ConversationRepository) UpdateTitle(ctx context.Context, userID int64, conversationID, title string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE deep_research_conversations
		 SET title = $1, updated_at = now()
		 WHERE conversation_id = $2 AND user_id = $3`,
		title, conversationID, userID,
	)
	if err != nil {
		return fmt.Errorf("update conversation title: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendStep atomically assigns the next dense step index and touches the
// conversation's updated_at. Concurrent appends to the same conversation
// serialize on the (conversation_id, step_index) uniqueness constraint.
func (r *ConversationRepository) AppendStep(ctx context.Context, conversationID, role, content string, contextRefs, metadata json.RawMessage) error {
	if len(contextRefs) == 0 {
		contextRefs = json.RawMessage(`[]`)
	}
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append step: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		WITH next_index AS (
			SELECT COALESCE(MAX(step_index), -1) + 1 AS idx
			FROM deep_research_steps
			WHERE conversation_id = $1
		)
		INSERT INTO deep_research_steps (conversation_id, step_index, role, content, context_refs, metadata)
		SELECT $1, next_index.idx, $2, $3, $4::jsonb, $5::jsonb
		FROM next_index
	`, conversationID, role, content, []byte(contextRefs), []byte(metadata))
	if err != nil {
		return fmt.Errorf("append step: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE deep_research_conversations SET updated_at = now() WHERE conversation_id = $1`,
		conversationID,
	)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return tx.Commit()
}

// List returns the user's conversations, most recently active first, capped
// at 100. Each summary carries its step count and the first user question.
func (r *ConversationRepository) List(ctx context.Context, userID int64, spaceID *int64) ([]ConversationSummary, error) {
	query := `
		SELECT c.conversation_id, c.user_id, c.space_id, c.title, c.created_at, c.updated_at,
		       (SELECT COUNT(*) FROM deep_research_steps s WHERE s.conversation_id = c.conversation_id) AS step_count,
		       (SELECT s.content FROM deep_research_steps s
		        WHERE s.conversation_id = c.conversation_id AND s.role = 'user'
		        ORDER BY s.step_index ASC LIMIT 1) AS first_question
		FROM deep_research_conversations c
		WHERE c.user_id = $1
		  AND ($2::bigint IS NULL OR c.space_id = $2)
		ORDER BY c.updated_at DESC
		LIMIT 100
	`
	rows, err := r.db.QueryContext(ctx, query, userID, nullInt64(spaceID))
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []ConversationSummary
	for rows.Next() {
		var (
			s     ConversationSummary
			sid   sql.NullInt64
			title sql.NullString
			first sql.NullString
		)
		if err := rows.Scan(&s.ConversationID, &s.UserID, &sid, &title, &s.CreatedAt, &s.UpdatedAt,
			&s.StepCount, &first); err != nil {
			return nil, err
		}
		if sid.Valid {
			s.SpaceID = &sid.Int64
		}
		if title.Valid {
			s.Title = &title.String
		}
		if first.Valid {
			s.FirstQuestion = &first.String
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Steps returns the full transcript in step order.
func (r *ConversationRepository) Steps(ctx context.Context, conversationID string) ([]ConversationStep, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT step_index, role, content, context_refs, metadata, created_at
		FROM deep_research_steps
		WHERE conversation_id = $1
		ORDER BY step_index ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("fetch conversation steps: %w", err)
	}
	defer rows.Close()

	var steps []ConversationStep
	for rows.Next() {
		var s ConversationStep
		if err := rows.Scan(&s.StepIndex, &s.Role, &s.Content, &s.ContextRefs, &s.Metadata, &s.CreatedAt); err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// Detail bundles the conversation header with its transcript and notebook,
// after the ownership check.
func (r *ConversationRepository) Detail(ctx context.Context, userID int64, conversationID string) (*ConversationDetail, error) {
	conv, err := r.owner(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}

	steps, err := r.Steps(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, COALESCE(title, ''), content, source, created_at, updated_at
		FROM deep_research_notebook_entries
		WHERE conversation_id = $1
		ORDER BY created_at DESC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("fetch notebook entries: %w", err)
	}
	defer rows.Close()

	var notebook []NotebookEntry
	for rows.Next() {
		var e NotebookEntry
		if err := rows.Scan(&e.EntryID, &e.Title, &e.Content, &e.Source, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		notebook = append(notebook, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &ConversationDetail{Conversation: *conv, Steps: steps, Notebook: notebook}, nil
}

// AddNotebookEntry pins a note to a conversation the user owns.
func (r *ConversationRepository) AddNotebookEntry(ctx context.Context, userID int64, conversationID, title, content string, source json.RawMessage) (*NotebookEntry, error) {
	if _, err := r.owner(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	if len(source) == 0 {
		source = json.RawMessage(`{}`)
	}
	entry := &NotebookEntry{}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO deep_research_notebook_entries (conversation_id, title, content, source)
		VALUES ($1, $2, $3, $4::jsonb)
		RETURNING id, COALESCE(title, ''), content, source, created_at, updated_at
	`, conversationID, title, content, []byte(source)).Scan(
		&entry.EntryID, &entry.Title, &entry.Content, &entry.Source, &entry.CreatedAt, &entry.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("add notebook entry: %w", err)
	}
	return entry, nil
}

// DeleteNotebookEntry removes a note, joining through the conversation to
// enforce ownership in one statement.
func (r *ConversationRepository) DeleteNotebookEntry(ctx context.Context, userID, entryID int64) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM deep_research_notebook_entries e
		USING deep_research_conversations c
		WHERE e.id = $1 AND e.conversation_id = c.conversation_id AND c.user_id = $2
	`, entryID, userID)
	if err != nil {
		return fmt.Errorf("delete notebook entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
