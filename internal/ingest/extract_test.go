package ingest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacesai/spaces-engine/internal/domain"
	"github.com/spacesai/spaces-engine/internal/storage"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestExtractFileText(t *testing.T) {
	path := writeTemp(t, "notes.txt", "plain text body")
	text, st, err := ExtractFile(path)
	require.NoError(t, err)
	assert.Equal(t, storage.SourceTypeText, st)
	assert.Equal(t, "plain text body", text)
}

func TestExtractFileHTMLStripsMarkup(t *testing.T) {
	page := `<html><head><title>T</title><script>ignore()</script>
	<style>body{}</style></head>
	<body><h1>Heading</h1><p>Paragraph <b>bold</b> text.</p><noscript>skip</noscript></body></html>`
	path := writeTemp(t, "page.html", page)

	text, st, err := ExtractFile(path)
	require.NoError(t, err)
	assert.Equal(t, storage.SourceTypeHTML, st)
	assert.Contains(t, text, "Heading")
	assert.Contains(t, text, "Paragraph")
	assert.Contains(t, text, "bold")
	assert.NotContains(t, text, "ignore()")
	assert.NotContains(t, text, "body{}")
	assert.NotContains(t, text, "skip")
}

func TestExtractFileCSV(t *testing.T) {
	path := writeTemp(t, "data.csv", "name,age\nalice,30\nbob,41\n")
	text, st, err := ExtractFile(path)
	require.NoError(t, err)
	assert.Equal(t, storage.SourceTypeCSV, st)
	assert.Equal(t, "name \t age\nalice \t 30\nbob \t 41", text)
}

func TestExtractFileJSONFlattens(t *testing.T) {
	path := writeTemp(t, "obj.json", `{"b":"two","a":{"nested":[1,2]}}`)
	text, st, err := ExtractFile(path)
	require.NoError(t, err)
	assert.Equal(t, storage.SourceTypeJSON, st)
	assert.Equal(t, "a\nnested\n1\n2\nb\ntwo", text)
}

func TestExtractFileUnsupported(t *testing.T) {
	path := writeTemp(t, "movie.mp4", "binary")
	_, _, err := ExtractFile(path)
	require.Error(t, err)
	assert.Equal(t, domain.KindInvalidArgument, domain.KindOf(err))
}
