package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	sala "github.com/nitad/sala"
)

// Token counts are approximated as characters/4, the usual rule of thumb
// for mixed prose.
const charsPerToken = 4

// ChunkerOption configures a Chunker.
type ChunkerOption func(*Chunker)

// WithMaxTokens sets the upper bound per chunk.
func WithMaxTokens(n int) ChunkerOption {
	return func(c *Chunker) { c.maxChars = n * charsPerToken }
}

// WithOverlapTokens sets the carried-over overlap between adjacent chunks.
func WithOverlapTokens(n int) ChunkerOption {
	return func(c *Chunker) { c.overlapChars = n * charsPerToken }
}

// WithTokenizer routes Thai text through the sidecar before word-level
// splitting. Without it Thai runs are treated as single words.
func WithTokenizer(t *ThaiTokenizer) ChunkerOption {
	return func(c *Chunker) { c.thai = t }
}

// Chunker splits document text into overlapping chunks sized for embedding,
// preferring paragraph boundaries, then sentences, then words. Identical
// input always yields identical chunk ids.
type Chunker struct {
	maxChars     int
	overlapChars int
	thai         *ThaiTokenizer
}

// NewChunker creates a Chunker targeting 500-1000 tokens per chunk with
// roughly 100 tokens of overlap.
func NewChunker(opts ...ChunkerOption) *Chunker {
	c := &Chunker{
		maxChars:     1000 * charsPerToken,
		overlapChars: 100 * charsPerToken,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Chunk splits text into ordered chunks for docID.
func (c *Chunker) Chunk(ctx context.Context, docID, text string) []sala.Chunk {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if c.thai != nil && ContainsThai(text) {
		text = c.preTokenizeThai(ctx, text)
	}

	var pieces []string
	if len(text) <= c.maxChars {
		pieces = []string{text}
	} else {
		pieces = mergeWithOverlap(splitRecursive(text, c.maxChars), c.maxChars, c.overlapChars)
	}

	chunks := make([]sala.Chunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = sala.Chunk{
			ID:         ChunkID(docID, i, p),
			DocumentID: docID,
			Index:      i,
			Total:      len(pieces),
			Content:    p,
			TokenCount: len(p) / charsPerToken,
		}
	}
	return chunks
}

// ChunkID derives a stable id from the document, the chunk's position, and a
// digest of its content.
func ChunkID(docID string, index int, content string) string {
	sum := sha256.Sum256([]byte(content))
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%s", docID, index, hex.EncodeToString(sum[:]))))
	return hex.EncodeToString(h[:16])
}

// preTokenizeThai inserts spaces between Thai words so the word-level split
// does not cut inside them. Non-Thai runs pass through untouched.
func (c *Chunker) preTokenizeThai(ctx context.Context, text string) string {
	var out strings.Builder
	out.Grow(len(text))
	var run strings.Builder
	flush := func() {
		if run.Len() == 0 {
			return
		}
		tokens := c.thai.Tokenize(ctx, run.String())
		out.WriteString(strings.Join(tokens, " "))
		run.Reset()
	}
	for _, r := range text {
		if unicode.Is(unicode.Thai, r) {
			run.WriteRune(r)
			continue
		}
		flush()
		out.WriteRune(r)
	}
	flush()
	return out.String()
}

// splitRecursive splits on paragraphs first, then sentences, then words,
// until every segment fits in maxChars.
func splitRecursive(text string, maxChars int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= maxChars {
		return []string{text}
	}

	paragraphs := strings.Split(text, "\n\n")
	if len(paragraphs) > 1 {
		var segments []string
		for _, p := range paragraphs {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			if len(p) <= maxChars {
				segments = append(segments, p)
			} else {
				segments = append(segments, splitOnSentences(p, maxChars)...)
			}
		}
		return segments
	}

	if segments := splitOnSentences(text, maxChars); len(segments) > 1 {
		return segments
	}
	return splitOnWords(text, maxChars)
}

func splitOnSentences(text string, maxChars int) []string {
	boundaries := sentenceBoundaries(text)
	if len(boundaries) == 0 {
		return splitOnWords(text, maxChars)
	}

	var segments []string
	start := 0
	emit := func(seg string) {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			return
		}
		if len(seg) <= maxChars {
			segments = append(segments, seg)
		} else {
			segments = append(segments, splitOnWords(seg, maxChars)...)
		}
	}
	last := 0
	for _, b := range boundaries {
		if b-start > maxChars {
			if last > start {
				emit(text[start:last])
				start = last
			}
			if b-start > maxChars {
				emit(text[start:b])
				start = b
			}
		}
		last = b
	}
	if len(text)-start > maxChars && last > start {
		emit(text[start:last])
		start = last
	}
	if start < len(text) {
		emit(text[start:])
	}
	return segments
}

// sentenceBoundaries returns byte offsets after sentence-ending punctuation.
// Thai text has no sentence punctuation, so Thai-heavy text falls through to
// word splitting.
func sentenceBoundaries(text string) []int {
	var boundaries []int
	prev := rune(0)
	for i, r := range text {
		if (prev == '.' || prev == '!' || prev == '?') && (r == ' ' || r == '\n') {
			boundaries = append(boundaries, i)
		}
		if r == '。' || r == '！' || r == '？' {
			boundaries = append(boundaries, i+utf8.RuneLen(r))
		}
		prev = r
	}
	return boundaries
}

func splitOnWords(text string, maxChars int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	var segments []string
	var current strings.Builder
	for _, w := range words {
		if len(w) > maxChars {
			if current.Len() > 0 {
				segments = append(segments, current.String())
				current.Reset()
			}
			for i := 0; i < len(w); i += maxChars {
				end := min(i+maxChars, len(w))
				segments = append(segments, w[i:end])
			}
			continue
		}
		if current.Len() > 0 && current.Len()+1+len(w) > maxChars {
			segments = append(segments, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(w)
	}
	if current.Len() > 0 {
		segments = append(segments, current.String())
	}
	return segments
}

// mergeWithOverlap packs segments up to maxChars per chunk and carries a
// word-aligned suffix of each chunk into the next.
func mergeWithOverlap(segments []string, maxChars, overlapChars int) []string {
	if len(segments) == 0 {
		return nil
	}
	var chunks []string
	var current strings.Builder
	for _, seg := range segments {
		needed := len(seg)
		if current.Len() > 0 {
			needed += current.Len() + 1
		}
		if needed > maxChars && current.Len() > 0 {
			chunk := current.String()
			chunks = append(chunks, chunk)
			current.Reset()
			if overlap := overlapSuffix(chunk, overlapChars); overlap != "" && len(overlap)+1+len(seg) <= maxChars {
				current.WriteString(overlap)
				current.WriteByte('\n')
			}
		}
		if current.Len() > 0 {
			current.WriteByte('\n')
		}
		current.WriteString(seg)
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		chunks = append(chunks, s)
	}
	return chunks
}

func overlapSuffix(text string, n int) string {
	if len(text) <= n {
		return text
	}
	suffix := text[len(text)-n:]
	if idx := strings.IndexAny(suffix, " \n"); idx >= 0 {
		return strings.TrimSpace(suffix[idx+1:])
	}
	return strings.TrimSpace(suffix)
}
