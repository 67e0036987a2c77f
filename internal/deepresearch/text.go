package deepresearch

import (
	"math"
	"regexp"
	"strings"

	"github.com/spacesai/spaces-engine/internal/storage"
)

var (
	subquerySplitRe = regexp.MustCompile(`(?i)\b(?:and|or|,|;|\n)\b`)
	nonAlnumRe      = regexp.MustCompile(`[^a-z0-9\s]`)
	listItemSplitRe = regexp.MustCompile(`[\n,]`)
	numberedRe      = regexp.MustCompile(`^\d+\.\s*`)
)

// extractSubqueries splits a long question into up to four sub-questions
// along coordinating words. Short questions pass through untouched.
func extractSubqueries(question string) []string {
	q := strings.TrimSpace(question)
	if len(q) < 80 {
		return []string{q}
	}
	var subs []string
	for _, part := range subquerySplitRe.Split(q, -1) {
		if s := strings.TrimSpace(part); s != "" {
			subs = append(subs, s)
		}
	}
	if len(subs) > 1 && len(subs) <= 6 {
		if len(subs) > 4 {
			subs = subs[:4]
		}
		return subs
	}
	return []string{q}
}

func coverageMetrics(hits []storage.ChunkHit) (count, uniqueDocs int, bestDistance float64) {
	if len(hits) == 0 {
		return 0, 0, 0
	}
	docs := make(map[int64]struct{})
	best := math.Inf(1)
	for _, h := range hits {
		docs[h.DocumentID] = struct{}{}
		if h.Distance != nil && *h.Distance < best {
			best = *h.Distance
		}
	}
	if math.IsInf(best, 1) {
		best = 0
	}
	return len(hits), len(docs), best
}

// isLocalWeak reports whether local evidence is too thin to answer from
// alone: fewer than four chunks or fewer than two distinct documents.
func isLocalWeak(hits []storage.ChunkHit) bool {
	count, uniqueDocs, _ := coverageMetrics(hits)
	return count < 4 || uniqueDocs < 2
}

// groupContextBlocks assembles the labeled evidence sections the synthesis
// prompt cites, plus a short preview built from the first entry of each
// populated section.
func groupContextBlocks(localContexts, urlContexts, webContexts, missingConcepts []string) (fullContext, preview string) {
	var blocks []string
	var previewParts []string
	if len(localContexts) > 0 {
		blocks = append(blocks, "=== LOCAL KB EVIDENCE ===\n"+strings.Join(localContexts, "\n\n"))
		previewParts = append(previewParts, localContexts[0])
	}
	if len(urlContexts) > 0 {
		blocks = append(blocks, "=== USER URL EVIDENCE ===\n"+strings.Join(urlContexts, "\n\n"))
		previewParts = append(previewParts, urlContexts[0])
	}
	if len(webContexts) > 0 {
		blocks = append(blocks, "=== WEB EVIDENCE ===\n"+strings.Join(webContexts, "\n\n"))
		previewParts = append(previewParts, webContexts[0])
	}
	if len(missingConcepts) > 0 {
		lines := make([]string, len(missingConcepts))
		for i, m := range missingConcepts {
			lines[i] = "- " + m
		}
		blocks = append(blocks, "=== MISSING CONCEPTS ===\n"+strings.Join(lines, "\n"))
	}
	if len(blocks) == 0 {
		return noContextFallback, ""
	}
	return strings.Join(blocks, "\n\n"), truncate(strings.Join(previewParts, "\n\n"), previewLen)
}

// SourceConfidence scores each evidence channel independently.
type SourceConfidence struct {
	Local float64 `json:"local"`
	Web   float64 `json:"web"`
	URL   float64 `json:"url"`
}

func computeSourceConfidence(localHits []storage.ChunkHit, webHitCount, urlContextCount int) SourceConfidence {
	docs := make(map[int64]struct{})
	for _, h := range localHits {
		docs[h.DocumentID] = struct{}{}
	}
	local := math.Min(1.0, 0.1+0.08*float64(len(localHits))+0.12*float64(len(docs)))
	var web, url float64
	if webHitCount > 0 {
		web = math.Min(1.0, 0.2+0.1*float64(webHitCount))
	}
	if urlContextCount > 0 {
		url = math.Min(1.0, 0.2+0.12*float64(urlContextCount))
	}
	return SourceConfidence{
		Local: round2(local),
		Web:   round2(web),
		URL:   round2(url),
	}
}

func normalizeForMatch(value string) string {
	return strings.TrimSpace(nonAlnumRe.ReplaceAllString(strings.ToLower(value), " "))
}

func tokenize(value string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, tok := range strings.Fields(normalizeForMatch(value)) {
		if len(tok) > 1 {
			tokens[tok] = struct{}{}
		}
	}
	return tokens
}

func jaccardSimilarity(left, right string) float64 {
	lset := tokenize(left)
	rset := tokenize(right)
	if len(lset) == 0 || len(rset) == 0 {
		return 0
	}
	var inter int
	for tok := range lset {
		if _, ok := rset[tok]; ok {
			inter++
		}
	}
	union := len(lset) + len(rset) - inter
	return float64(inter) / float64(union)
}

// filterFollowups drops candidates that restate the question, duplicate
// each other, or relate to neither the question nor the conversation.
func filterFollowups(candidates []string, question, conversationSnippet string, relevanceMin float64) []string {
	if len(candidates) == 0 {
		return nil
	}
	qNorm := normalizeForMatch(question)
	convoNorm := normalizeForMatch(conversationSnippet)
	seen := make(map[string]struct{})
	var filtered []string
	for _, item := range candidates {
		cand := strings.TrimSpace(item)
		if cand == "" {
			continue
		}
		norm := normalizeForMatch(cand)
		if norm == "" || norm == qNorm {
			continue
		}
		if _, dup := seen[norm]; dup {
			continue
		}
		sim := jaccardSimilarity(norm, qNorm)
		convoSim := 0.0
		if convoNorm != "" {
			convoSim = jaccardSimilarity(norm, convoNorm)
		}
		if sim < relevanceMin && convoSim < relevanceMin {
			continue
		}
		seen[norm] = struct{}{}
		filtered = append(filtered, cand)
	}
	return filtered
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
