package kb

import "strings"

// Default chunking geometry for ingested documents.
const (
	DefaultChunkSize    = 2000
	DefaultChunkOverlap = 400
)

// Splitter cuts document text into overlapping chunks, preferring to break on
// paragraph boundaries, then lines, then words.
type Splitter struct {
	ChunkSize int
	Overlap   int
}

// NewSplitter returns a splitter with the default geometry.
func NewSplitter() *Splitter {
	return &Splitter{ChunkSize: DefaultChunkSize, Overlap: DefaultChunkOverlap}
}

var separators = []string{"\n\n", "\n", " ", ""}

// Split returns the chunks of text. Whitespace-only chunks are dropped.
func (s *Splitter) Split(text string) []string {
	var out []string
	for _, chunk := range s.split(text, separators) {
		if strings.TrimSpace(chunk) != "" {
			out = append(out, chunk)
		}
	}
	return out
}

func (s *Splitter) split(text string, seps []string) []string {
	if len(text) <= s.ChunkSize {
		if text == "" {
			return nil
		}
		return []string{text}
	}

	sep := seps[len(seps)-1]
	next := seps
	for i, candidate := range seps {
		if candidate == "" || strings.Contains(text, candidate) {
			sep = candidate
			next = seps[i+1:]
			break
		}
	}

	var parts []string
	if sep == "" {
		for i := 0; i < len(text); i += s.ChunkSize {
			end := i + s.ChunkSize
			if end > len(text) {
				end = len(text)
			}
			parts = append(parts, text[i:end])
		}
	} else {
		parts = strings.Split(text, sep)
	}

	var chunks []string
	var current strings.Builder
	onlyTail := false
	emit := func(piece string) {
		if len(piece) > s.ChunkSize && len(next) > 0 {
			chunks = append(chunks, s.split(piece, next)...)
		} else {
			chunks = append(chunks, piece)
		}
	}
	flush := func() {
		if current.Len() == 0 || onlyTail {
			return
		}
		piece := current.String()
		emit(piece)
		// Carry the tail forward so adjacent chunks overlap.
		tail := piece
		if len(tail) > s.Overlap {
			tail = tail[len(tail)-s.Overlap:]
		}
		current.Reset()
		current.WriteString(tail)
		onlyTail = true
	}

	for _, part := range parts {
		if current.Len()+len(sep)+len(part) > s.ChunkSize {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString(sep)
		}
		current.WriteString(part)
		onlyTail = false
	}
	if !onlyTail && strings.TrimSpace(current.String()) != "" {
		emit(current.String())
	}
	return chunks
}
