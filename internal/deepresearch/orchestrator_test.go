package deepresearch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacesai/spaces-engine/internal/config"
	"github.com/spacesai/spaces-engine/internal/llm"
	"github.com/spacesai/spaces-engine/internal/observability"
	"github.com/spacesai/spaces-engine/internal/retrieval"
	"github.com/spacesai/spaces-engine/internal/storage"
	"github.com/spacesai/spaces-engine/internal/webresearch"
)

type fakeSearcher struct {
	mu      sync.Mutex
	results map[string][]storage.ChunkHit
	queries []string
}

func (f *fakeSearcher) Hybrid(ctx context.Context, q retrieval.Query) ([]storage.ChunkHit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q.Query)
	for key, hits := range f.results {
		if len(q.Query) >= len(key) && q.Query[:len(key)] == key {
			return hits, nil
		}
	}
	return nil, nil
}

type scriptedChat struct {
	mu      sync.Mutex
	replies []string
	prompts []string
}

func (c *scriptedChat) Chat(ctx context.Context, question, grounding string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts = append(c.prompts, question)
	if len(c.replies) == 0 {
		return "", nil
	}
	out := c.replies[0]
	c.replies = c.replies[1:]
	return out, nil
}

func (c *scriptedChat) Provider() string { return "scripted" }

type fakeConvStore struct {
	mu      sync.Mutex
	ensured []string
	steps   []recordedStep
}

type recordedStep struct {
	conversationID string
	role           string
	content        string
	refs           json.RawMessage
	metadata       json.RawMessage
}

func (s *fakeConvStore) Ensure(ctx context.Context, userID int64, spaceID *int64, conversationID string, title *string) (*storage.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensured = append(s.ensured, conversationID)
	return &storage.Conversation{ConversationID: conversationID, UserID: userID, SpaceID: spaceID}, nil
}

func (s *fakeConvStore) AppendStep(ctx context.Context, conversationID, role, content string, contextRefs, metadata json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, recordedStep{conversationID, role, content, contextRefs, metadata})
	return nil
}

type fakeDocs struct {
	meta    map[int64]storage.DocumentMeta
	created map[int64]time.Time
}

func (d *fakeDocs) MetaByIDs(ctx context.Context, ids []int64) (map[int64]storage.DocumentMeta, error) {
	return d.meta, nil
}

func (d *fakeDocs) CreatedAtByIDs(ctx context.Context, ids []int64) (map[int64]time.Time, error) {
	return d.created, nil
}

func testResearchConfig() config.ResearchConfig {
	cfg := config.Default().Research
	cfg.RetryLoops = 0
	cfg.MissingLoops = 0
	cfg.FollowupsEnabled = false
	return cfg
}

func newTestOrchestrator(search Searcher, convs ConversationStore, docs DocumentLookup, chat *scriptedChat, confidence float64) *Orchestrator {
	o := New(testResearchConfig(), config.LLMConfig{Provider: "none"}, search, nil, convs, docs, nil, observability.Nop())
	o.newChat = func(provider string) llm.Client { return chat }
	o.decide = func(ctx context.Context, cfg webresearch.Config, query string, hits []storage.ChunkHit, contexts []string, log *observability.Logger) webresearch.Decision {
		return webresearch.Decision{Contexts: contexts, Confidence: confidence}
	}
	return o
}

func TestStartConversation(t *testing.T) {
	convs := &fakeConvStore{}
	o := newTestOrchestrator(&fakeSearcher{}, convs, nil, &scriptedChat{}, 0.9)

	cid, err := o.StartConversation(context.Background(), 7, nil)
	require.NoError(t, err)
	assert.Len(t, cid, 12)
	assert.Equal(t, []string{cid}, convs.ensured)

	state := o.loadState(context.Background(), 7, nil, cid)
	require.Len(t, state.Messages, 1)
	assert.Equal(t, "system", state.Messages[0].Role)
}

func TestAskRejectsEmptyMessage(t *testing.T) {
	o := newTestOrchestrator(&fakeSearcher{}, nil, nil, &scriptedChat{}, 0.9)
	_, err := o.Ask(context.Background(), AskRequest{UserID: 1, ConversationID: "c", Message: "   "})
	require.Error(t, err)
}

func TestAskWithoutEvidenceFallsBackToContext(t *testing.T) {
	convs := &fakeConvStore{}
	o := newTestOrchestrator(&fakeSearcher{}, convs, nil, &scriptedChat{}, 0.9)

	res, err := o.Ask(context.Background(), AskRequest{
		UserID:         1,
		ConversationID: "conv",
		Message:        "anything indexed about retrieval?",
	})
	require.NoError(t, err)
	assert.Contains(t, res.Answer, "=== LOCAL KB EVIDENCE ===")
	assert.Contains(t, res.Answer, "(No relevant context found in your knowledge base.)")
	assert.Empty(t, res.References)
	assert.Equal(t, 2, res.MessageCount)
	assert.False(t, res.WebAttempted)

	require.Len(t, convs.steps, 2)
	assert.Equal(t, "user", convs.steps[0].role)
	assert.Equal(t, "assistant", convs.steps[1].role)
	assert.Equal(t, res.Answer, convs.steps[1].content)
}

func TestAskSynthesizesAndRefines(t *testing.T) {
	hits := []storage.ChunkHit{hit(1, 0.1), hit(2, 0.2), hit(1, 0.3), hit(2, 0.4)}
	for i := range hits {
		hits[i].ChunkID = int64(i + 100)
		hits[i].Content = "chunk content"
	}
	search := &fakeSearcher{results: map[string][]storage.ChunkHit{"": hits}}
	docs := &fakeDocs{meta: map[int64]storage.DocumentMeta{
		1: {ID: 1, Title: "Doc One", SourcePath: "/one.txt"},
		2: {ID: 2, Title: "Doc Two", SourcePath: "/two.txt"},
	}}
	chat := &scriptedChat{replies: []string{"draft answer", "refined answer"}}
	convs := &fakeConvStore{}
	o := newTestOrchestrator(search, convs, docs, chat, 0.9)

	res, err := o.Ask(context.Background(), AskRequest{
		UserID:         1,
		ConversationID: "conv",
		Message:        "how are chunks stored?",
	})
	require.NoError(t, err)
	assert.Equal(t, "refined answer", res.Answer)
	assert.InDelta(t, 0.66, res.SourceConfidence.Local, 1e-9)

	require.Len(t, res.References, 4)
	assert.Equal(t, "local", res.References[0].Source)
	assert.Equal(t, 1, res.References[0].Rank)
	assert.Equal(t, "Doc One", res.References[0].Title)
	assert.Equal(t, 4, res.References[3].Rank)

	// synthesis then refine, nothing else
	require.Len(t, chat.prompts, 2)
	assert.Equal(t, "how are chunks stored?", chat.prompts[0])
	assert.Contains(t, chat.prompts[1], "Draft Answer:\ndraft answer")
}

func TestAskWeakCoverageRewritesAndFlagsMissingConcepts(t *testing.T) {
	search := &fakeSearcher{results: map[string][]storage.ChunkHit{
		"thin": {hit(1, 0.6)},
	}}
	chat := &scriptedChat{replies: []string{"better focused query", "alpha, beta"}}
	o := newTestOrchestrator(search, &fakeConvStore{}, nil, chat, 0.4)

	res, err := o.Ask(context.Background(), AskRequest{
		UserID:         1,
		ConversationID: "conv",
		Message:        "thin topic",
	})
	require.NoError(t, err)

	assert.Contains(t, search.queries, "better focused query")
	assert.Contains(t, res.Answer, "Missing concepts to cover: alpha, beta")
}

func TestAskKeepsConversationStateAcrossTurns(t *testing.T) {
	chat := &scriptedChat{}
	o := newTestOrchestrator(&fakeSearcher{}, nil, nil, chat, 0.9)

	_, err := o.Ask(context.Background(), AskRequest{UserID: 1, ConversationID: "conv", Message: "first question"})
	require.NoError(t, err)
	res, err := o.Ask(context.Background(), AskRequest{UserID: 1, ConversationID: "conv", Message: "second question"})
	require.NoError(t, err)
	assert.Equal(t, 4, res.MessageCount)

	state := o.loadState(context.Background(), 1, nil, "conv")
	require.Len(t, state.Messages, 4)
	assert.Equal(t, "first question", state.Messages[0].Content)
	assert.Equal(t, "second question", state.Messages[2].Content)
}

func TestRankLocalRefsAppliesRecencyBoost(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	docs := &fakeDocs{created: map[int64]time.Time{
		1: now.AddDate(-10, 0, 0),
		2: now,
	}}
	o := newTestOrchestrator(&fakeSearcher{}, nil, docs, &scriptedChat{}, 0.9)
	o.cfg.RecencyBoost = 0.5
	o.now = func() time.Time { return now }

	// Doc 1 scores better on distance but is a decade old; the fresh doc
	// overtakes it once the boost lands.
	hits := []storage.ChunkHit{hit(1, 0.1), hit(2, 0.3)}
	ranked := o.rankLocalRefs(context.Background(), hits)
	require.Len(t, ranked, 2)
	assert.Equal(t, int64(2), ranked[0].DocumentID)

	o.cfg.RecencyBoost = 0
	ranked = o.rankLocalRefs(context.Background(), hits)
	assert.Equal(t, int64(1), ranked[0].DocumentID)
}
