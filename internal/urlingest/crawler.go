// Package urlingest crawls user-supplied URLs into conversation-scoped
// evidence. The crawl is a bounded breadth-first walk that never leaves
// the seed's domain; each page is cleaned, chunked, embedded, and
// upserted so recrawls refresh content in place.
package urlingest

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/spacesai/spaces-engine/internal/config"
	"github.com/spacesai/spaces-engine/internal/embedding"
	"github.com/spacesai/spaces-engine/internal/ingest"
	"github.com/spacesai/spaces-engine/internal/observability"
	"github.com/spacesai/spaces-engine/internal/storage"
)

// snippetLen is the stored preview length of a crawled chunk.
const snippetLen = 320

// contentEnvelopeLen caps the chunk body quoted in a retrieval envelope.
const contentEnvelopeLen = 2000

var schemeRe = regexp.MustCompile(`(?i)^https?://`)

// Crawler ingests external URLs for a conversation.
type Crawler struct {
	cfg        config.URLIngestConfig
	chunk      ingest.ChunkParams
	repo       *storage.ExternalDocRepository
	embed      embedding.Embedder
	httpClient *http.Client
	log        *observability.Logger
}

// New creates a crawler.
func New(cfg config.URLIngestConfig, chunk ingest.ChunkParams, repo *storage.ExternalDocRepository, embed embedding.Embedder, log *observability.Logger) *Crawler {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 15 * time.Second
	}
	if cfg.MaxHTMLBytes <= 0 {
		cfg.MaxHTMLBytes = 200_000
	}
	if cfg.MinContentLen <= 0 {
		cfg.MinContentLen = 120
	}
	if cfg.MaxPages < 1 {
		cfg.MaxPages = 1
	}
	if cfg.MaxDepth < 0 {
		cfg.MaxDepth = 0
	}
	if chunk.Size <= 0 {
		chunk = ingest.DefaultChunkParams()
	}
	return &Crawler{
		cfg:        cfg,
		chunk:      chunk,
		repo:       repo,
		embed:      embed,
		httpClient: &http.Client{Timeout: cfg.FetchTimeout},
		log:        log.WithComponent("urlingest"),
	}
}

// NormalizeURL trims, defaults the scheme to https, and strips the
// fragment. Returns false for blank input.
func NormalizeURL(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if !schemeRe.MatchString(raw) {
		raw = "https://" + raw
	}
	if i := strings.Index(raw, "#"); i >= 0 {
		raw = raw[:i]
	}
	return raw, true
}

// sameDomain admits the exact host, subdomains of the seed host, and any
// host sharing the seed's registrable domain.
func sameDomain(seed, candidate string) bool {
	su, err := url.Parse(seed)
	if err != nil {
		return false
	}
	cu, err := url.Parse(candidate)
	if err != nil {
		return false
	}
	seedHost := strings.ToLower(su.Hostname())
	candHost := strings.ToLower(cu.Hostname())
	if seedHost == "" || candHost == "" {
		return false
	}
	if seedHost == candHost || strings.HasSuffix(candHost, "."+seedHost) {
		return true
	}
	seedBase, err1 := publicsuffix.EffectiveTLDPlusOne(seedHost)
	candBase, err2 := publicsuffix.EffectiveTLDPlusOne(candHost)
	return err1 == nil && err2 == nil && seedBase == candBase
}

// Job is one crawl request.
type Job struct {
	UserID         int64
	SpaceID        *int64
	ConversationID string
	URLs           []string
}

// Report summarizes one crawl.
type Report struct {
	Pages  int `json:"pages"`
	Chunks int `json:"chunks"`
}

type frontierItem struct {
	url    string
	parent string
	depth  int
}

// Ingest walks the seed URLs breadth-first up to the configured depth and
// page budget. Page failures are logged and skipped; a crawl that lands
// nothing is not an error.
func (c *Crawler) Ingest(ctx context.Context, job Job) (*Report, error) {
	var frontier []frontierItem
	for _, raw := range job.URLs {
		if norm, ok := NormalizeURL(raw); ok {
			frontier = append(frontier, frontierItem{url: norm})
		}
	}
	report := &Report{}
	if len(frontier) == 0 {
		return report, nil
	}

	seen := make(map[string]struct{})
	for len(frontier) > 0 && report.Pages < c.cfg.MaxPages {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		item := frontier[0]
		frontier = frontier[1:]
		if _, ok := seen[item.url]; ok || item.depth > c.cfg.MaxDepth {
			continue
		}
		seen[item.url] = struct{}{}

		page, finalURL, err := c.fetch(ctx, item.url)
		if err != nil {
			c.log.Warn().Str("url", item.url).Err(err).Msg("fetch failed")
			continue
		}
		text, title, links := cleanPage(page)

		n, err := c.storePage(ctx, job, item, finalURL, title, text)
		if err != nil {
			c.log.Warn().Str("url", item.url).Err(err).Msg("store failed")
			continue
		}
		report.Pages++
		report.Chunks += n

		base, err := url.Parse(finalURL)
		if err != nil {
			continue
		}
		for _, link := range links {
			ref, err := url.Parse(link)
			if err != nil {
				continue
			}
			absolute, ok := NormalizeURL(base.ResolveReference(ref).String())
			if !ok {
				continue
			}
			if _, dup := seen[absolute]; dup || !sameDomain(finalURL, absolute) {
				continue
			}
			frontier = append(frontier, frontierItem{url: absolute, parent: finalURL, depth: item.depth + 1})
		}
	}
	c.log.Info().Int("pages", report.Pages).Int("chunks", report.Chunks).Msg("crawl complete")
	return report, nil
}

func (c *Crawler) fetch(ctx context.Context, target string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("fetch returned status %d", resp.StatusCode)
	}
	ct := resp.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil || !strings.HasPrefix(mediaType, "text/html") {
		return "", "", fmt.Errorf("not an HTML page (content-type %q)", ct)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(c.cfg.MaxHTMLBytes)))
	if err != nil {
		return "", "", fmt.Errorf("read page: %w", err)
	}
	return string(body), resp.Request.URL.String(), nil
}

func (c *Crawler) storePage(ctx context.Context, job Job, item frontierItem, finalURL, title, text string) (int, error) {
	if len(text) < c.cfg.MinContentLen {
		return 0, nil
	}
	chunks := ingest.Chunk(text, c.chunk)
	if len(chunks) == 0 {
		return 0, nil
	}
	vectors, err := c.embed.Embed(ctx, chunks)
	if err != nil {
		return 0, err
	}

	var parent *string
	if item.parent != "" {
		parent = &item.parent
	}
	for i, chunk := range chunks {
		snippet := chunk
		if len(snippet) > snippetLen {
			snippet = snippet[:snippetLen]
		}
		digest := sha1.Sum([]byte(chunk))
		doc := &storage.ExternalDoc{
			UserID:         job.UserID,
			SpaceID:        job.SpaceID,
			ConversationID: job.ConversationID,
			URL:            finalURL,
			ParentURL:      parent,
			Depth:          item.depth,
			ChunkIndex:     i,
			Title:          title,
			Content:        chunk,
			Snippet:        snippet,
			ContentHash:    hex.EncodeToString(digest[:]),
			Metadata: map[string]string{
				"title":      title,
				"parent_url": item.parent,
				"depth":      fmt.Sprintf("%d", item.depth),
			},
			Embedding: vectors[i],
		}
		if err := c.repo.Upsert(ctx, doc); err != nil {
			return 0, err
		}
	}
	return len(chunks), nil
}

// RetrieveQuery asks for the external evidence nearest to a query.
type RetrieveQuery struct {
	UserID         int64
	SpaceID        *int64
	ConversationID string
	Query          string
	TopK           int
}

// Retrieve embeds the query and formats the nearest crawled chunks as
// evidence envelopes.
func (c *Crawler) Retrieve(ctx context.Context, q RetrieveQuery) ([]string, error) {
	if strings.TrimSpace(q.Query) == "" {
		return nil, nil
	}
	if q.TopK <= 0 {
		q.TopK = 6
	}
	vec, err := c.embed.EmbedSingle(ctx, q.Query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits, err := c.repo.Retrieve(ctx, storage.ExternalQuery{
		UserID:         q.UserID,
		SpaceID:        q.SpaceID,
		ConversationID: q.ConversationID,
		Vector:         vec,
		TopK:           q.TopK,
	})
	if err != nil {
		return nil, err
	}

	contexts := make([]string, 0, len(hits))
	for _, h := range hits {
		contexts = append(contexts, FormatEnvelope(h))
	}
	return contexts, nil
}

// FormatEnvelope renders one external hit as a labeled evidence block.
func FormatEnvelope(h storage.ExternalHit) string {
	snippet := h.Snippet
	if snippet == "" {
		snippet = h.Content
		if len(snippet) > snippetLen {
			snippet = snippet[:snippetLen]
		}
	}
	content := h.Content
	if len(content) > contentEnvelopeLen {
		content = content[:contentEnvelopeLen]
	}
	return fmt.Sprintf("External URL: %s\nURL: %s\nSnippet: %s\nContent:\n%s", h.Title, h.URL, snippet, content)
}
