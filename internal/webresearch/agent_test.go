package webresearch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacesai/spaces-engine/internal/observability"
	"github.com/spacesai/spaces-engine/internal/storage"
)

func dist(v float64) *float64 { return &v }

func localHits(n int, docs int, bestDistance *float64) []storage.ChunkHit {
	hits := make([]storage.ChunkHit, 0, n)
	for i := 0; i < n; i++ {
		h := storage.ChunkHit{ChunkID: int64(i), DocumentID: int64(i%docs + 1), ChunkIndex: i}
		if i == 0 && bestDistance != nil {
			h.Distance = bestDistance
		}
		hits = append(hits, h)
	}
	return hits
}

func TestShouldConsiderWeb(t *testing.T) {
	log := observability.Nop()

	t.Run("no hits always goes to web", func(t *testing.T) {
		a := NewAgent(Config{}, log)
		assert.True(t, a.ShouldConsiderWeb(nil))
	})

	t.Run("force overrides strong evidence", func(t *testing.T) {
		a := NewAgent(Config{ForceWeb: true}, log)
		assert.True(t, a.ShouldConsiderWeb(localHits(8, 5, dist(0.0))))
	})

	t.Run("strong coverage diversity and proximity stays local", func(t *testing.T) {
		a := NewAgent(Config{}, log)
		// 8 hits over 5 docs with a perfect distance: 0.35+0.35+0.3 = 1.0.
		assert.False(t, a.ShouldConsiderWeb(localHits(8, 5, dist(0.0))))
	})

	t.Run("thin evidence goes to web", func(t *testing.T) {
		a := NewAgent(Config{}, log)
		// 2 hits, 1 doc, far vector: 0.35*0.25 + 0.35*0.2 + 0.3*0.1 < 0.55.
		assert.True(t, a.ShouldConsiderWeb(localHits(2, 1, dist(0.9))))
	})
}

const resultsPage = `<html><body>
<div class="result">
  <a class="result__a" href="https://example.com/a">First Result</a>
  <a class="result__snippet" href="#">Snippet for the first result.</a>
</div>
<div class="result">
  <a class="result__a" href="https://example.com/b">Second <b>Result</b></a>
  <a class="result__snippet" href="#">Second snippet.</a>
</div>
<div class="result">
  <a class="result__a" href="https://example.com/c">Third Result</a>
</div>
</body></html>`

func TestMaybeFetchWebParsesResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "go hybrid retrieval", r.URL.Query().Get("q"))
		fmt.Fprint(w, resultsPage)
	}))
	defer srv.Close()

	a := NewAgent(Config{Endpoint: srv.URL, WebTopK: 2}, observability.Nop())
	hits := a.MaybeFetchWeb(context.Background(), "go hybrid retrieval")

	require.Len(t, hits, 2)
	assert.Equal(t, "First Result", hits[0].Title)
	assert.Equal(t, "https://example.com/a", hits[0].URL)
	assert.Equal(t, "Snippet for the first result.", hits[0].Snippet)
	assert.Equal(t, "Second Result", hits[1].Title)
	assert.True(t, a.Attempted())
}

func TestMaybeFetchWebFailureClearsHits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "blocked", http.StatusForbidden)
	}))
	defer srv.Close()

	a := NewAgent(Config{Endpoint: srv.URL}, observability.Nop())
	hits := a.MaybeFetchWeb(context.Background(), "anything")
	assert.Empty(t, hits)
	assert.True(t, a.Attempted())
	assert.Empty(t, a.WebHits())
}

func TestMaybeFetchWebBudgetSkipIsNotAnAttempt(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprint(w, resultsPage)
	}))
	defer srv.Close()

	a := NewAgent(Config{Endpoint: srv.URL}, observability.Nop())
	a.deadline = time.Now().Add(time.Second)

	hits := a.MaybeFetchWeb(context.Background(), "anything")
	assert.Empty(t, hits)
	assert.False(t, a.Attempted())
	assert.Zero(t, calls)

	// Force overrides the budget guard, and that fetch does count.
	forced := NewAgent(Config{Endpoint: srv.URL, ForceWeb: true}, observability.Nop())
	forced.deadline = time.Now().Add(time.Second)
	forced.MaybeFetchWeb(context.Background(), "anything")
	assert.True(t, forced.Attempted())
	assert.Equal(t, 1, calls)
}

func TestAggregateContextsAppendsWebEvidence(t *testing.T) {
	a := NewAgent(Config{}, observability.Nop())
	a.webHits = []WebHit{{Title: "T", URL: "https://x", Snippet: "S"}}

	out := a.AggregateContexts([]string{"local evidence"})
	require.Len(t, out, 2)
	assert.Equal(t, "local evidence", out[0])
	assert.Equal(t, "Web result: T\nURL: https://x\nSnippet: S", out[1])
}

func TestComputeConfidence(t *testing.T) {
	a := NewAgent(Config{}, observability.Nop())

	// No evidence at all bottoms out at the base score.
	assert.Equal(t, 0.25, a.ComputeConfidence(nil))

	// Full coverage and diversity without web evidence.
	assert.Equal(t, 0.85, a.ComputeConfidence(localHits(8, 5, nil)))

	// Web evidence adds its bonus but the score stays below the cap.
	a.webHits = []WebHit{{Title: "t", URL: "u"}}
	assert.Equal(t, 0.98, a.ComputeConfidence(localHits(8, 5, nil)))
}

func TestDecideFetchesOnlyWhenNeeded(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprint(w, resultsPage)
	}))
	defer srv.Close()

	cfg := Config{Endpoint: srv.URL, WebTopK: 3}
	log := observability.Nop()

	strong := Decide(context.Background(), cfg, "q", localHits(8, 5, dist(0.0)), []string{"ctx"}, log)
	assert.Zero(t, calls)
	assert.False(t, strong.WebAttempted)
	assert.Equal(t, []string{"ctx"}, strong.Contexts)

	weak := Decide(context.Background(), cfg, "q", nil, []string{"ctx"}, log)
	assert.Equal(t, 1, calls)
	assert.True(t, weak.WebAttempted)
	require.Len(t, weak.WebHits, 3)
	assert.Len(t, weak.Contexts, 4)
}
