package webresearch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

const defaultEndpoint = "https://duckduckgo.com/html/"

// duckduckgo scrapes the HTML (non-JS) results page.
type duckduckgo struct {
	httpClient *http.Client
	endpoint   string
	userAgent  string
}

func newDuckDuckGo(endpoint, userAgent string) *duckduckgo {
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	if userAgent == "" {
		userAgent = "Mozilla/5.0 (compatible; SpacesAI/1.0)"
	}
	return &duckduckgo{
		httpClient: &http.Client{},
		endpoint:   endpoint,
		userAgent:  userAgent,
	}
}

func (d *duckduckgo) search(ctx context.Context, query string, limit int) ([]WebHit, error) {
	u, err := url.Parse(d.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	params := url.Values{}
	params.Set("q", query)
	params.Set("kl", "us-en")
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", d.userAgent)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch results: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read results: %w", err)
	}
	return parseResults(body, limit), nil
}

// parseResults extracts result anchors from the HTML page. A result link
// carries class result__a; its snippet is the next result__snippet anchor
// in document order.
func parseResults(page []byte, limit int) []WebHit {
	doc, err := html.Parse(strings.NewReader(string(page)))
	if err != nil {
		return nil
	}

	type anchor struct {
		classes string
		href    string
		text    string
	}
	var anchors []anchor

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			a := anchor{text: strings.TrimSpace(nodeText(n))}
			for _, attr := range n.Attr {
				switch attr.Key {
				case "class":
					a.classes = attr.Val
				case "href":
					a.href = attr.Val
				}
			}
			anchors = append(anchors, a)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	hasClass := func(classes, want string) bool {
		for _, c := range strings.Fields(classes) {
			if c == want {
				return true
			}
		}
		return false
	}

	var hits []WebHit
	for i, a := range anchors {
		if !hasClass(a.classes, "result__a") || a.href == "" {
			continue
		}
		title := a.text
		if title == "" {
			title = "(untitled)"
		}
		snippet := ""
		for j := i + 1; j < len(anchors); j++ {
			if hasClass(anchors[j].classes, "result__snippet") {
				snippet = anchors[j].text
				break
			}
		}
		hits = append(hits, WebHit{Title: title, URL: a.href, Snippet: snippet})
		if len(hits) >= limit {
			break
		}
	}
	return hits
}

func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}
