// Package deepresearch runs multi-step research turns over a
// conversation: plan sub-queries, retrieve local evidence, pull in
// user-supplied URLs and the open web when coverage is thin, then
// synthesize and refine a grounded answer.
package deepresearch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/spacesai/spaces-engine/internal/cache"
	"github.com/spacesai/spaces-engine/internal/config"
	"github.com/spacesai/spaces-engine/internal/domain"
	"github.com/spacesai/spaces-engine/internal/llm"
	"github.com/spacesai/spaces-engine/internal/observability"
	"github.com/spacesai/spaces-engine/internal/retrieval"
	"github.com/spacesai/spaces-engine/internal/storage"
	"github.com/spacesai/spaces-engine/internal/urlingest"
	"github.com/spacesai/spaces-engine/internal/webresearch"
)

const (
	noContextFallback = "(No relevant context found in your knowledge base.)"

	previewLen            = 1200
	synthesisContextLimit = 16000
	refineContextLimit    = 15000
	refineSnippetLimit    = 1200
	urlReferenceSnippet   = 480
	recentMessageWindow   = 8
	recentSnippetLimit    = 1000
)

// Searcher is the local retrieval surface one research turn needs.
type Searcher interface {
	Hybrid(ctx context.Context, q retrieval.Query) ([]storage.ChunkHit, error)
}

// URLSource crawls and retrieves conversation-scoped external pages.
type URLSource interface {
	Ingest(ctx context.Context, job urlingest.Job) (*urlingest.Report, error)
	Retrieve(ctx context.Context, q urlingest.RetrieveQuery) ([]string, error)
}

// ConversationStore persists conversations and their steps.
type ConversationStore interface {
	Ensure(ctx context.Context, userID int64, spaceID *int64, conversationID string, title *string) (*storage.Conversation, error)
	AppendStep(ctx context.Context, conversationID, role, content string, contextRefs, metadata json.RawMessage) error
}

// DocumentLookup resolves reference metadata and recency for cited docs.
type DocumentLookup interface {
	MetaByIDs(ctx context.Context, ids []int64) (map[int64]storage.DocumentMeta, error)
	CreatedAtByIDs(ctx context.Context, ids []int64) (map[int64]time.Time, error)
}

// Orchestrator drives Deep Research conversations.
type Orchestrator struct {
	cfg    config.ResearchConfig
	llmCfg config.LLMConfig
	search Searcher
	urls   URLSource
	convs  ConversationStore
	docs   DocumentLookup
	cache  *cache.TenantCache
	log    *observability.Logger

	// test seams
	newChat func(provider string) llm.Client
	decide  func(ctx context.Context, cfg webresearch.Config, query string, hits []storage.ChunkHit, contexts []string, log *observability.Logger) webresearch.Decision
	now     func() time.Time

	mu  sync.Mutex
	mem map[string]memState
}

// New wires an orchestrator. urls, convs, docs, and tenantCache may be
// nil; the corresponding stages degrade to no-ops.
func New(cfg config.ResearchConfig, llmCfg config.LLMConfig, search Searcher, urls URLSource, convs ConversationStore, docs DocumentLookup, tenantCache *cache.TenantCache, log *observability.Logger) *Orchestrator {
	o := &Orchestrator{
		cfg:    cfg,
		llmCfg: llmCfg,
		search: search,
		urls:   urls,
		convs:  convs,
		docs:   docs,
		cache:  tenantCache,
		log:    log.WithComponent("deepresearch"),
		decide: webresearch.Decide,
		now:    time.Now,
		mem:    make(map[string]memState),
	}
	o.newChat = func(provider string) llm.Client {
		return llm.NewWithProvider(o.llmCfg, provider, o.log)
	}
	return o
}

// StartConversation creates a new conversation seeded with the research
// system prompt and returns its id.
func (o *Orchestrator) StartConversation(ctx context.Context, userID int64, spaceID *int64) (string, error) {
	cid := fmt.Sprintf("%x", uuid.New())[:12]
	if o.convs != nil {
		if _, err := o.convs.Ensure(ctx, userID, spaceID, cid, nil); err != nil {
			return "", fmt.Errorf("ensure conversation: %w", err)
		}
	}
	o.saveState(ctx, userID, spaceID, cid, stateDoc{
		Messages: []Message{{Role: "system", Content: systemPrompt}},
	})
	o.log.Info().Int64("user_id", userID).Str("conversation_id", cid).Msg("research conversation started")
	return cid, nil
}

// AskRequest is one research turn.
type AskRequest struct {
	UserID           int64
	SpaceID          *int64
	ConversationID   string
	Message          string
	ProviderOverride string
	ForceWeb         bool
	URLs             []string
}

// Reference points at one piece of evidence behind an answer.
type Reference struct {
	Source     string `json:"source"`
	DocumentID int64  `json:"document_id,omitempty"`
	ChunkID    int64  `json:"chunk_id,omitempty"`
	ChunkIndex int    `json:"chunk_index,omitempty"`
	Title      string `json:"title,omitempty"`
	SourcePath string `json:"source_path,omitempty"`
	URL        string `json:"url,omitempty"`
	Excerpt    string `json:"excerpt,omitempty"`
	Snippet    string `json:"snippet,omitempty"`
	Rank       int    `json:"rank"`
}

// AskResult is the outcome of one research turn.
type AskResult struct {
	ConversationID    string           `json:"conversation_id"`
	Answer            string           `json:"answer"`
	MessageCount      int              `json:"message_count"`
	References        []Reference      `json:"references"`
	Confidence        float64          `json:"confidence"`
	SourceConfidence  SourceConfidence `json:"source_confidence"`
	FollowupQuestions []string         `json:"followup_questions"`
	WebAttempted      bool             `json:"web_attempted"`
	ElapsedSeconds    float64          `json:"elapsed_seconds"`
}

// Ask runs a full research turn: plan, retrieve, widen, synthesize,
// refine, persist. Evidence-gathering failures degrade rather than fail
// the turn.
func (o *Orchestrator) Ask(ctx context.Context, req AskRequest) (*AskResult, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, domain.InvalidArgument("message must not be empty", nil)
	}
	if req.ConversationID == "" {
		return nil, domain.InvalidArgument("conversation_id must not be empty", nil)
	}
	start := o.now()
	budget := float64(o.cfg.TimeoutSeconds)
	if budget <= 0 {
		budget = 120
	}
	if budget < 15 {
		budget = 15
	}
	remaining := func() float64 {
		left := budget - o.now().Sub(start).Seconds()
		if left < 0 {
			return 0
		}
		return left
	}
	retryLoops := o.cfg.RetryLoops
	if retryLoops < 0 {
		retryLoops = 0
	}
	missingLoops := o.cfg.MissingLoops
	if missingLoops < 0 {
		missingLoops = 0
	}
	missingTopK := o.cfg.MissingTopK
	if missingTopK < 1 {
		missingTopK = 1
	}
	localTopK := o.cfg.LocalTopK
	if localTopK < 15 {
		localTopK = 15
	}

	state := o.loadState(ctx, req.UserID, req.SpaceID, req.ConversationID)
	state.Messages = append(state.Messages, Message{Role: "user", Content: req.Message})
	recentSnippet := recentConversation(state.Messages)

	// Short follow-ups carry little signal on their own; retrieving with
	// recent context keeps the topic.
	retrievalSeed := req.Message
	if recentSnippet != "" {
		retrievalSeed = req.Message + "\n\nConversation so far:\n" + recentSnippet
	}
	subqueries := extractSubqueries(retrievalSeed)

	o.ensureConversation(ctx, req)
	if len(req.URLs) > 0 && o.urls != nil {
		if _, err := o.urls.Ingest(ctx, urlingest.Job{
			UserID:         req.UserID,
			SpaceID:        req.SpaceID,
			ConversationID: req.ConversationID,
			URLs:           req.URLs,
		}); err != nil {
			o.log.Warn().Err(err).Msg("external url ingestion failed")
		}
	}

	localContexts, hitsAll := o.retrieveSubqueries(ctx, req, subqueries, localTopK)

	var rewrittenQuery string
	if isLocalWeak(hitsAll) {
		rewrittenQuery = o.rewriteForSearch(ctx, req.Message, recentSnippet)
		if rewrittenQuery != "" {
			hits, err := o.search.Hybrid(ctx, retrieval.Query{Query: rewrittenQuery, TopK: localTopK, UserID: req.UserID, SpaceID: req.SpaceID})
			if err != nil {
				o.log.Warn().Str("query", rewrittenQuery).Err(err).Msg("rewritten retrieval failed")
			} else if len(hits) > 0 {
				hitsAll = append(hitsAll, hits...)
				localContexts = append(localContexts, joinHitContents(hits))
			}
		}
	}
	if len(localContexts) == 0 {
		localContexts = append(localContexts, noContextFallback)
	}

	var urlContexts []string
	if o.urls != nil {
		contexts, err := o.urls.Retrieve(ctx, urlingest.RetrieveQuery{
			UserID:         req.UserID,
			SpaceID:        req.SpaceID,
			ConversationID: req.ConversationID,
			Query:          retrievalSeed,
		})
		if err != nil {
			o.log.Warn().Err(err).Msg("url evidence retrieval failed")
		} else {
			urlContexts = contexts
		}
	}

	searchQuery := req.Message
	if rewrittenQuery != "" {
		searchQuery = rewrittenQuery
	}
	webTopK := o.cfg.WebTopK
	if webTopK < 15 {
		webTopK = 15
	}
	var (
		decision    webresearch.Decision
		webContexts []string
	)
	for attempt := 0; attempt <= retryLoops; attempt++ {
		combined := append(append([]string(nil), localContexts...), urlContexts...)
		decision = o.decide(ctx, webresearch.Config{
			MaxSeconds: int(remaining()),
			WebTopK:    webTopK,
			ForceWeb:   req.ForceWeb || attempt > 0,
		}, searchQuery, hitsAll, combined, o.log)
		webContexts = webContexts[:0]
		for _, c := range decision.Contexts {
			if strings.HasPrefix(c, "Web result:") {
				webContexts = append(webContexts, c)
			}
		}

		if isLocalWeak(hitsAll) {
			_, preview := groupContextBlocks(localContexts, urlContexts, webContexts, nil)
			if missing := o.identifyMissingConcepts(ctx, req.Message, preview); len(missing) > 0 {
				localContexts = append(localContexts, "Missing concepts to cover: "+strings.Join(missing, ", "))
			}
		}
		if decision.Confidence >= o.cfg.ConfidenceFloor && len(decision.Contexts) > 0 {
			break
		}
		if attempt < retryLoops {
			if rewritten := o.rewriteForSearch(ctx, req.Message, recentSnippet); rewritten != "" {
				searchQuery = rewritten
			}
		}
	}

	// Use missing concepts as retrieval prompts to patch coverage gaps.
	var missingConcepts []string
	for loop := 0; loop < missingLoops; loop++ {
		_, preview := groupContextBlocks(localContexts, urlContexts, webContexts, missingConcepts)
		fresh := o.identifyMissingConcepts(ctx, req.Message, preview)
		var added []string
		for _, concept := range fresh {
			if !containsString(missingConcepts, concept) {
				added = append(added, concept)
			}
		}
		if len(added) == 0 {
			break
		}
		missingConcepts = append(missingConcepts, added...)
		limit := missingTopK
		if limit > len(added) {
			limit = len(added)
		}
		conceptTopK := localTopK / 2
		if conceptTopK < 8 {
			conceptTopK = 8
		}
		for _, concept := range added[:limit] {
			if remaining() <= 2 {
				break
			}
			hits, err := o.search.Hybrid(ctx, retrieval.Query{Query: concept, TopK: conceptTopK, UserID: req.UserID, SpaceID: req.SpaceID})
			if err != nil {
				o.log.Warn().Str("concept", concept).Err(err).Msg("missing concept retrieval failed")
				continue
			}
			if len(hits) > 0 {
				hitsAll = append(hitsAll, hits...)
				localContexts = append(localContexts, joinHitContents(hits))
			}
		}
	}

	fullContext, _ := groupContextBlocks(localContexts, urlContexts, webContexts, missingConcepts)

	draft := o.synthesize(ctx, req.ProviderOverride, req.Message, fullContext, recentSnippet)
	answer := draft
	if answer == "" {
		answer = truncate(fullContext, previewLen)
	}

	o.appendStep(ctx, req.ConversationID, "user", req.Message, nil, map[string]interface{}{"seed": retrievalSeed})

	if draft != "" && len(hitsAll) > 0 {
		if refined := o.refine(ctx, req.ProviderOverride, req.Message, draft, fullContext, recentSnippet); refined != "" {
			answer = refined
		}
	}

	rankedLocal := o.rankLocalRefs(ctx, hitsAll)
	refs := o.buildReferences(ctx, rankedLocal, urlContexts, decision.WebHits)
	sourceConfidence := computeSourceConfidence(rankedLocal, len(decision.WebHits), len(urlContexts))

	var followups []string
	if o.cfg.FollowupsEnabled {
		followups = o.maybeFollowups(ctx, req.Message, fullContext, recentSnippet, decision.Confidence, state.Messages, len(hitsAll) > 0)
	}

	state.Messages = append(state.Messages, Message{Role: "assistant", Content: answer})
	keep := o.cfg.KeepMessages
	if keep <= 0 {
		keep = 20
	}
	state.Messages = trimMessages(state.Messages, keep)
	o.saveState(ctx, req.UserID, req.SpaceID, req.ConversationID, state)

	elapsed := round2(o.now().Sub(start).Seconds())
	refsJSON, _ := json.Marshal(refs)
	o.appendStep(ctx, req.ConversationID, "assistant", answer, refsJSON, map[string]interface{}{
		"confidence":         decision.Confidence,
		"source_confidence":  sourceConfidence,
		"followup_questions": followups,
		"web_attempted":      decision.WebAttempted,
		"elapsed_seconds":    elapsed,
	})

	return &AskResult{
		ConversationID:    req.ConversationID,
		Answer:            answer,
		MessageCount:      len(state.Messages),
		References:        refs,
		Confidence:        decision.Confidence,
		SourceConfidence:  sourceConfidence,
		FollowupQuestions: followups,
		WebAttempted:      decision.WebAttempted,
		ElapsedSeconds:    elapsed,
	}, nil
}

func (o *Orchestrator) ensureConversation(ctx context.Context, req AskRequest) {
	if o.convs == nil {
		return
	}
	if _, err := o.convs.Ensure(ctx, req.UserID, req.SpaceID, req.ConversationID, nil); err != nil {
		o.log.Warn().Str("conversation_id", req.ConversationID).Err(err).Msg("ensure conversation failed")
	}
}

func (o *Orchestrator) appendStep(ctx context.Context, conversationID, role, content string, refs json.RawMessage, metadata map[string]interface{}) {
	if o.convs == nil {
		return
	}
	meta, _ := json.Marshal(metadata)
	if err := o.convs.AppendStep(ctx, conversationID, role, content, refs, meta); err != nil {
		o.log.Warn().Str("conversation_id", conversationID).Str("role", role).Err(err).Msg("persist step failed")
	}
}

// retrieveSubqueries fans hybrid retrieval out across the planned
// sub-queries and merges results back in input order.
func (o *Orchestrator) retrieveSubqueries(ctx context.Context, req AskRequest, subqueries []string, topK int) ([]string, []storage.ChunkHit) {
	perQuery := make([][]storage.ChunkHit, len(subqueries))
	g, gctx := errgroup.WithContext(ctx)
	for i, sq := range subqueries {
		i, sq := i, sq
		g.Go(func() error {
			hits, err := o.search.Hybrid(gctx, retrieval.Query{Query: sq, TopK: topK, UserID: req.UserID, SpaceID: req.SpaceID})
			if err != nil {
				o.log.Warn().Str("query", sq).Err(err).Msg("retrieval failed")
				return nil
			}
			perQuery[i] = hits
			return nil
		})
	}
	_ = g.Wait()

	var contexts []string
	var all []storage.ChunkHit
	for _, hits := range perQuery {
		if len(hits) == 0 {
			continue
		}
		all = append(all, hits...)
		contexts = append(contexts, joinHitContents(hits))
	}
	return contexts, all
}

func joinHitContents(hits []storage.ChunkHit) string {
	parts := make([]string, len(hits))
	for i, h := range hits {
		parts[i] = h.Content
	}
	return strings.Join(parts, "\n\n")
}

func recentConversation(messages []Message) string {
	start := len(messages) - recentMessageWindow
	if start < 0 {
		start = 0
	}
	var parts []string
	for _, m := range messages[start:] {
		if m.Role == "user" || m.Role == "assistant" {
			parts = append(parts, m.Content)
		}
	}
	recent := strings.Join(parts, "\n")
	if len(recent) > recentSnippetLimit {
		recent = recent[len(recent)-recentSnippetLimit:]
	}
	return recent
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
