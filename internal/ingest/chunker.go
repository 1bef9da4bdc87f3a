package ingest

import "strings"

const (
	defaultChunkSize    = 1000
	defaultChunkOverlap = 200
)

// Chunker splits extracted document text into overlapping passages. Sizes are
// in runes. It prefers to break at a paragraph boundary, then at a sentence
// boundary, and only hard-cuts when neither fits inside the size bound.
type Chunker struct {
	Size    int
	Overlap int
}

func NewChunker(size, overlap int) Chunker {
	if size <= 0 {
		size = defaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = size / 5
	}
	return Chunker{Size: size, Overlap: overlap}
}

func (c Chunker) Split(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	runes := []rune(text)
	var passages []string

	start := 0
	for start < len(runes) {
		end := start + c.Size
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = c.breakPoint(runes, start, end)
		}

		passage := strings.TrimSpace(string(runes[start:end]))
		if passage != "" {
			passages = append(passages, passage)
		}

		if end == len(runes) {
			break
		}
		next := end - c.Overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return passages
}

// breakPoint picks the cut position inside (start, limit]. Boundaries in the
// first half of the window are ignored so passages do not collapse.
func (c Chunker) breakPoint(runes []rune, start, limit int) int {
	minCut := start + c.Size/2

	if p := lastBoundary(runes, minCut, limit, isParagraphBreak); p > 0 {
		return p
	}
	if p := lastBoundary(runes, minCut, limit, isSentenceEnd); p > 0 {
		return p
	}
	return limit
}

func lastBoundary(runes []rune, from, to int, match func([]rune, int) bool) int {
	for i := to - 1; i > from; i-- {
		if match(runes, i) {
			return i + 1
		}
	}
	return 0
}

func isParagraphBreak(runes []rune, i int) bool {
	return runes[i] == '\n' && i > 0 && runes[i-1] == '\n'
}

func isSentenceEnd(runes []rune, i int) bool {
	switch runes[i] {
	case '.', '!', '?', '\n':
	default:
		return false
	}
	// require trailing whitespace so "3.14" is not a boundary
	return i+1 < len(runes) && (runes[i+1] == ' ' || runes[i+1] == '\n' || runes[i+1] == '\t')
}
