package ingest

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/net/html"

	"github.com/spacesai/spaces-engine/internal/domain"
	"github.com/spacesai/spaces-engine/internal/storage"
)

// ExtractFile reads a file and returns its text with the detected source
// type. Binary formats (PDF, Office, media) are out of reach for the
// pipeline itself; their extracted text arrives through IngestText.
func ExtractFile(path string) (string, storage.SourceType, error) {
	ext := strings.ToLower(filepath.Ext(path))
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("read %s: %w", path, err)
	}

	switch ext {
	case ".txt", "":
		return string(data), storage.SourceTypeText, nil
	case ".md":
		return string(data), storage.SourceTypeMD, nil
	case ".html", ".htm":
		return ExtractHTML(string(data)), storage.SourceTypeHTML, nil
	case ".csv":
		text, err := extractCSV(data)
		if err != nil {
			return "", "", err
		}
		return text, storage.SourceTypeCSV, nil
	case ".json":
		return extractJSON(data), storage.SourceTypeJSON, nil
	case ".xml":
		return ExtractHTML(string(data)), storage.SourceTypeXML, nil
	default:
		return "", "", domain.InvalidArgument(fmt.Sprintf("unsupported file type: %s", ext), nil)
	}
}

// ExtractHTML strips markup and returns the visible text, one line per
// block of text. Script, style, and noscript subtrees are dropped.
func ExtractHTML(page string) string {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return page
	}

	var parts []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript":
				return
			}
		}
		if n.Type == html.TextNode {
			if t := strings.Join(strings.Fields(n.Data), " "); t != "" {
				parts = append(parts, t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return strings.Join(parts, "\n")
}

func extractCSV(data []byte) (string, error) {
	reader := csv.NewReader(strings.NewReader(string(data)))
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return "", domain.InvalidArgument("malformed csv", err)
	}
	lines := make([]string, 0, len(records))
	for _, row := range records {
		var cells []string
		for _, cell := range row {
			if c := strings.TrimSpace(cell); c != "" {
				cells = append(cells, c)
			}
		}
		if len(cells) > 0 {
			lines = append(lines, strings.Join(cells, " \t "))
		}
	}
	return strings.Join(lines, "\n"), nil
}

// extractJSON flattens a JSON document into its keys and scalar values,
// one per line. Invalid JSON falls back to the raw text.
func extractJSON(data []byte) string {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	var parts []string
	var flatten func(v interface{})
	flatten = func(v interface{}) {
		switch t := v.(type) {
		case map[string]interface{}:
			keys := make([]string, 0, len(t))
			for k := range t {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				parts = append(parts, k)
				flatten(t[k])
			}
		case []interface{}:
			for _, item := range t {
				flatten(item)
			}
		case string:
			if s := strings.TrimSpace(t); s != "" {
				parts = append(parts, s)
			}
		case nil:
		default:
			parts = append(parts, fmt.Sprint(t))
		}
	}
	flatten(v)
	return strings.Join(parts, "\n")
}
