package chunk

import (
	"context"
	"regexp"
	"strings"
)

// RecursiveOptions configures the recursive chunker.
type RecursiveOptions struct {
	ChunkSizeTokens int // Maximum tokens per chunk (default: DefaultChunkSizeTokens)
	OverlapTokens   int // Tokens carried into the next chunk (default: DefaultOverlapTokens)
}

// RecursiveChunker splits text at the highest-level separator that keeps
// each piece within the token budget: paragraph breaks first, then
// sentence boundaries, then words, then raw characters as a last resort
// for pathological unbroken runs.
type RecursiveChunker struct {
	options RecursiveOptions
}

// Verify interface implementation at compile time.
var _ Chunker = (*RecursiveChunker)(nil)

// sentencePattern matches a sentence: text up to terminal punctuation
// (with trailing whitespace), or a trailing fragment.
var sentencePattern = regexp.MustCompile(`[^.!?\n]+[.!?]*[\s]*`)

// maxCharsPerToken bounds the byte size of a single unbreakable token
// before the character-level fallback kicks in.
const maxCharsPerToken = 8

// NewRecursiveChunker creates a recursive chunker.
func NewRecursiveChunker(opts RecursiveOptions) *RecursiveChunker {
	if opts.ChunkSizeTokens <= 0 {
		opts.ChunkSizeTokens = DefaultChunkSizeTokens
	}
	if opts.ChunkSizeTokens < MinChunkSizeTokens {
		opts.ChunkSizeTokens = MinChunkSizeTokens
	}
	if opts.OverlapTokens < 0 {
		opts.OverlapTokens = 0
	}
	if opts.OverlapTokens >= opts.ChunkSizeTokens {
		opts.OverlapTokens = opts.ChunkSizeTokens / 4
	}
	return &RecursiveChunker{options: opts}
}

// Chunk splits text into chunks within the token budget. Non-empty
// input always yields at least one chunk; empty input yields none.
func (c *RecursiveChunker) Chunk(ctx context.Context, docID, text string, metadata map[string]string) ([]*Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	pieces := c.fit(strings.TrimSpace(text), 0)
	return c.pack(docID, pieces, metadata), nil
}

// piece is a splitting unit together with the separator that joins it
// to its predecessor when pieces are packed back into chunks.
type piece struct {
	text string
	sep  string
}

// fit recursively splits text until every piece is within the budget.
// Levels: 0 paragraphs, 1 sentences, 2 words, 3 characters.
func (c *RecursiveChunker) fit(text string, level int) []piece {
	if CountTokens(text) <= c.options.ChunkSizeTokens && !c.overlong(text) {
		sep := " "
		if level == 0 {
			sep = "\n\n"
		}
		return []piece{{text: text, sep: sep}}
	}

	var parts []string
	switch level {
	case 0:
		parts = splitParagraphs(text)
	case 1:
		parts = splitSentences(text)
	case 2:
		parts = strings.Fields(text)
	default:
		return charPieces(text, c.options.ChunkSizeTokens*maxCharsPerToken)
	}

	// A level that produced no finer division defers to the next.
	if len(parts) <= 1 {
		return c.fit(text, level+1)
	}

	var out []piece
	for _, part := range parts {
		sub := c.fit(part, level+1)
		if len(sub) > 0 && level == 0 {
			sub[0].sep = "\n\n"
		}
		out = append(out, sub...)
	}
	return out
}

// overlong reports whether text is an unbreakable run exceeding the
// character budget even though its token count fits.
func (c *RecursiveChunker) overlong(text string) bool {
	return len(strings.Fields(text)) <= 1 && len([]rune(text)) > c.options.ChunkSizeTokens*maxCharsPerToken
}

// pack greedily fills chunks up to the token budget, seeding each new
// chunk with the overlap tail of the previous one.
func (c *RecursiveChunker) pack(docID string, pieces []piece, metadata map[string]string) []*Chunk {
	var chunks []*Chunk
	var b strings.Builder
	tokens := 0

	flush := func() {
		text := strings.TrimSpace(b.String())
		if text == "" {
			return
		}
		chunks = append(chunks, newChunk(docID, len(chunks), text, metadata))
		b.Reset()
		tokens = 0
		if c.options.OverlapTokens > 0 {
			tail := lastTokens(text, c.options.OverlapTokens)
			b.WriteString(tail)
			tokens = CountTokens(tail)
		}
	}

	for _, p := range pieces {
		pt := CountTokens(p.text)
		if pt == 0 {
			pt = 1
		}
		if tokens > 0 && tokens+pt > c.options.ChunkSizeTokens {
			flush()
		}
		if b.Len() > 0 {
			b.WriteString(p.sep)
		}
		b.WriteString(p.text)
		tokens += pt
	}
	if b.Len() > 0 {
		text := strings.TrimSpace(b.String())
		if text != "" {
			chunks = append(chunks, newChunk(docID, len(chunks), text, metadata))
		}
	}
	return chunks
}

// splitParagraphs splits on blank lines.
func splitParagraphs(text string) []string {
	parts := strings.Split(text, "\n\n")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// splitSentences splits on terminal punctuation.
func splitSentences(text string) []string {
	matches := sentencePattern.FindAllString(text, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if trimmed := strings.TrimSpace(m); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// charPieces splits an unbreakable run into rune windows.
func charPieces(text string, window int) []piece {
	runes := []rune(text)
	var out []piece
	for start := 0; start < len(runes); start += window {
		end := start + window
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, piece{text: string(runes[start:end]), sep: ""})
	}
	return out
}

// lastTokens returns the final n whitespace tokens of text.
func lastTokens(text string, n int) string {
	fields := strings.Fields(text)
	if len(fields) <= n {
		return strings.Join(fields, " ")
	}
	return strings.Join(fields[len(fields)-n:], " ")
}
