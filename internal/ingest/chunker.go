// Package ingest turns raw documents into indexed chunks: text
// normalization, recursive splitting, embedding, relational storage, and
// best-effort mirroring into the secondary index.
package ingest

import (
	"regexp"
	"strings"
)

// DefaultSeparators is the recursive split order: paragraph, line,
// sentence, word, and finally a hard character cut.
var DefaultSeparators = []string{"\n\n", "\n", ". ", " ", ""}

// ChunkParams controls the splitter.
type ChunkParams struct {
	Size       int
	Overlap    int
	Separators []string
}

// DefaultChunkParams returns the production defaults.
func DefaultChunkParams() ChunkParams {
	return ChunkParams{Size: 2500, Overlap: 250, Separators: DefaultSeparators}
}

var (
	multiNewline    = regexp.MustCompile(`\n{3,}`)
	intraLineSpace  = regexp.MustCompile(`\s+`)
	upperHeading    = regexp.MustCompile(`^[A-Z0-9][A-Z0-9 \-:]{2,}$`)
	numberedHeading = regexp.MustCompile(`^(?:[IVXLCDM]+\.|\d+(?:\.\d+)*\.|[A-Z]\.)\s+.+`)
)

// NormalizeText collapses whitespace within lines while keeping blank
// lines as paragraph boundaries, and pads detected headings with blank
// lines so the splitter prefers to break around them.
func NormalizeText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = multiNewline.ReplaceAllString(text, "\n\n")

	lines := strings.Split(text, "\n")
	for i, ln := range lines {
		lines[i] = strings.TrimSpace(intraLineSpace.ReplaceAllString(ln, " "))
	}
	text = strings.TrimSpace(strings.Join(lines, "\n"))
	text = multiNewline.ReplaceAllString(text, "\n\n")

	var out []string
	for _, ln := range strings.Split(text, "\n") {
		if upperHeading.MatchString(ln) || numberedHeading.MatchString(ln) {
			if len(out) > 0 && out[len(out)-1] != "" {
				out = append(out, "")
			}
			out = append(out, ln, "")
		} else {
			out = append(out, ln)
		}
	}
	return strings.Join(out, "\n")
}

// Chunk splits text into overlapping chunks. Indices are dense: the
// splitter never emits empty chunks, and the overlap is carried as a
// prefix copied from the previous chunk's tail.
func Chunk(text string, p ChunkParams) []string {
	if p.Size <= 0 {
		p.Size = 2500
	}
	if p.Overlap < 0 {
		p.Overlap = 0
	}
	if len(p.Separators) == 0 {
		p.Separators = DefaultSeparators
	}

	text = NormalizeText(text)
	if text == "" {
		return nil
	}

	base := recursiveSplit(text, p.Size, p.Separators)
	return applyOverlap(base, p.Overlap)
}

func recursiveSplit(text string, size int, separators []string) []string {
	if text == "" {
		return nil
	}
	if len(text) <= size || len(separators) == 0 {
		return []string{text}
	}

	sep := separators[0]
	if sep == "" {
		var out []string
		for i := 0; i < len(text); i += size {
			end := i + size
			if end > len(text) {
				end = len(text)
			}
			out = append(out, text[i:end])
		}
		return out
	}

	pieces := strings.Split(text, sep)
	var (
		out []string
		buf string
	)
	for _, piece := range pieces {
		candidate := piece
		if buf != "" {
			candidate = buf + sep + piece
		}
		if len(candidate) <= size {
			buf = candidate
			continue
		}
		if buf != "" {
			out = append(out, buf)
		}
		if len(piece) <= size {
			buf = piece
		} else {
			out = append(out, recursiveSplit(piece, size, separators[1:])...)
			buf = ""
		}
	}
	if buf != "" {
		out = append(out, buf)
	}
	return out
}

func applyOverlap(chunks []string, overlap int) []string {
	if overlap <= 0 || len(chunks) == 0 {
		return chunks
	}
	out := make([]string, 0, len(chunks))
	prevTail := ""
	for _, ch := range chunks {
		if prevTail != "" {
			out = append(out, prevTail+ch)
		} else {
			out = append(out, ch)
		}
		if len(ch) > overlap {
			prevTail = ch[len(ch)-overlap:]
		} else {
			prevTail = ch
		}
	}
	return out
}
