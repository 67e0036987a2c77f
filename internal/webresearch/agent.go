// Package webresearch decides when local evidence is too thin and widens
// a research turn to the public web. The decision is a cheap heuristic
// over coverage, document diversity, and semantic proximity; the fetch is
// a single HTML search scrape bounded by the turn's remaining budget.
package webresearch

import (
	"context"
	"math"
	"time"

	"github.com/spacesai/spaces-engine/internal/observability"
	"github.com/spacesai/spaces-engine/internal/storage"
)

// heuristicFloor is the sufficiency threshold; below it the agent reaches
// for the web.
const heuristicFloor = 0.55

// WebHit is one scraped search result.
type WebHit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Config bounds one agent run.
type Config struct {
	MaxSeconds int // clamped to 5..180; 0 means 120
	WebTopK    int
	ForceWeb   bool
	Endpoint   string // search endpoint override, for tests
	UserAgent  string
}

// Agent coordinates local-context sufficiency checks and optional web
// lookups for a single research turn.
type Agent struct {
	searcher  *duckduckgo
	deadline  time.Time
	webTopK   int
	forceWeb  bool
	webHits   []WebHit
	attempted bool
	log       *observability.Logger
}

// NewAgent creates an agent whose deadline starts now.
func NewAgent(cfg Config, log *observability.Logger) *Agent {
	timeout := cfg.MaxSeconds
	if timeout <= 0 {
		timeout = 120
	}
	if timeout < 5 {
		timeout = 5
	}
	if timeout > 180 {
		timeout = 180
	}
	topK := cfg.WebTopK
	if topK < 1 {
		topK = 8
	}
	return &Agent{
		searcher: newDuckDuckGo(cfg.Endpoint, cfg.UserAgent),
		deadline: time.Now().Add(time.Duration(timeout) * time.Second),
		webTopK:  topK,
		forceWeb: cfg.ForceWeb,
		log:      log.WithComponent("webresearch"),
	}
}

// TimeRemaining returns the budget left on this turn.
func (a *Agent) TimeRemaining() time.Duration {
	return time.Until(a.deadline)
}

// WebHits returns the results of the last fetch.
func (a *Agent) WebHits() []WebHit { return a.webHits }

// Attempted reports whether a web fetch was tried, successful or not.
func (a *Agent) Attempted() bool { return a.attempted }

// ShouldConsiderWeb reports whether local evidence is insufficient. The
// heuristic weighs hit coverage, distinct source documents, and the best
// semantic distance.
func (a *Agent) ShouldConsiderWeb(hits []storage.ChunkHit) bool {
	if a.forceWeb {
		return true
	}
	if len(hits) == 0 {
		return true
	}

	docs := make(map[int64]struct{})
	best := math.Inf(1)
	for _, h := range hits {
		docs[h.DocumentID] = struct{}{}
		if h.Distance != nil && !math.IsInf(*h.Distance, 0) && !math.IsNaN(*h.Distance) {
			if *h.Distance < best {
				best = *h.Distance
			}
		}
	}

	coverage := math.Min(float64(len(hits))/8.0, 1.0)
	diversity := math.Min(float64(len(docs))/5.0, 1.0)
	semantic := 0.0
	if !math.IsInf(best, 1) {
		if best <= 0 {
			semantic = 1.0
		} else {
			semantic = math.Max(0, math.Min(1, 1.0-best))
		}
	}

	heuristic := 0.35*coverage + 0.35*diversity + 0.3*semantic
	a.log.Debug().
		Float64("coverage", coverage).
		Float64("diversity", diversity).
		Float64("semantic", semantic).
		Float64("heuristic", heuristic).
		Msg("local sufficiency")
	return heuristic < heuristicFloor
}

// MaybeFetchWeb runs the search unless the budget is nearly spent. A skip
// does not count as an attempt. Failures clear the hit list and are not
// surfaced; a research turn without web evidence is still a valid turn.
func (a *Agent) MaybeFetchWeb(ctx context.Context, query string) []WebHit {
	if a.TimeRemaining() < 5*time.Second && !a.forceWeb {
		a.log.Info().Msg("skipping web search, budget nearly spent")
		return nil
	}
	a.attempted = true

	timeout := a.TimeRemaining()
	if timeout > 8*time.Second {
		timeout = 8 * time.Second
	}
	if timeout < 3*time.Second {
		timeout = 3 * time.Second
	}
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hits, err := a.searcher.search(fetchCtx, query, a.webTopK)
	if err != nil {
		a.log.Warn().Err(err).Msg("web search failed")
		a.webHits = nil
		return nil
	}
	a.log.Info().Int("hits", len(hits)).Msg("fetched web results")
	a.webHits = hits
	return hits
}

// AggregateContexts appends web evidence blocks after the local contexts.
func (a *Agent) AggregateContexts(localContexts []string) []string {
	contexts := append([]string(nil), localContexts...)
	for _, hit := range a.webHits {
		contexts = append(contexts, "Web result: "+hit.Title+"\nURL: "+hit.URL+"\nSnippet: "+hit.Snippet)
	}
	return contexts
}

// ComputeConfidence scores the turn's overall evidence on 0.1..0.98.
func (a *Agent) ComputeConfidence(localHits []storage.ChunkHit) float64 {
	docs := make(map[int64]struct{})
	for _, h := range localHits {
		docs[h.DocumentID] = struct{}{}
	}
	coverage := math.Min(float64(len(localHits))/8.0, 1.0)
	diversity := math.Min(float64(len(docs))/5.0, 1.0)

	base := 0.25 + 0.35*coverage + 0.25*diversity
	if len(a.webHits) > 0 {
		base += 0.15
	}
	if base < 0.1 {
		base = 0.1
	}
	if base > 0.98 {
		base = 0.98
	}
	return math.Round(base*100) / 100
}

// Decision is the outcome of one sufficiency check plus optional fetch.
type Decision struct {
	Contexts     []string
	WebHits      []WebHit
	Confidence   float64
	WebAttempted bool
}

// Decide runs the full check-fetch-aggregate sequence in one call.
func Decide(ctx context.Context, cfg Config, query string, localHits []storage.ChunkHit, localContexts []string, log *observability.Logger) Decision {
	agent := NewAgent(cfg, log)
	if agent.ShouldConsiderWeb(localHits) {
		agent.MaybeFetchWeb(ctx, query)
	}
	return Decision{
		Contexts:     agent.AggregateContexts(localContexts),
		WebHits:      agent.WebHits(),
		Confidence:   agent.ComputeConfidence(localHits),
		WebAttempted: agent.Attempted(),
	}
}
