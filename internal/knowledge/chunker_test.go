package knowledge

import (
	"context"
	"strings"
	"testing"
)

func TestChunkShortTextSingleChunk(t *testing.T) {
	c := NewChunker()
	chunks := c.Chunk(context.Background(), "doc", "A short note.")
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want 1", len(chunks))
	}
	if chunks[0].Index != 0 || chunks[0].Total != 1 {
		t.Errorf("chunk position = %d/%d", chunks[0].Index, chunks[0].Total)
	}
}

func TestChunkCoverageAndOverlap(t *testing.T) {
	// Enough distinct sentences to force several chunks at a small max.
	var b strings.Builder
	for i := 0; i < 400; i++ {
		b.WriteString("Sentence number ")
		b.WriteString(strings.Repeat("x", i%7+1))
		b.WriteString(" carries some content. ")
	}
	text := b.String()

	c := NewChunker(WithMaxTokens(100), WithOverlapTokens(20))
	chunks := c.Chunk(context.Background(), "doc", text)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}

	for i, ch := range chunks {
		if ch.Index != i {
			t.Errorf("chunk %d has index %d", i, ch.Index)
		}
		if ch.Total != len(chunks) {
			t.Errorf("chunk %d total = %d, want %d", i, ch.Total, len(chunks))
		}
		if len(ch.Content) > 100*charsPerToken {
			t.Errorf("chunk %d length %d exceeds max", i, len(ch.Content))
		}
	}

	// Adjacent chunks share an overlap region: the head of chunk i+1 appears
	// near the tail of chunk i.
	overlapped := 0
	for i := 0; i < len(chunks)-1; i++ {
		next := chunks[i+1].Content
		head := next[:min(40, len(next))]
		if strings.Contains(chunks[i].Content, strings.TrimSpace(head)) {
			overlapped++
		}
	}
	if overlapped == 0 {
		t.Error("no adjacent chunk pair shares overlap")
	}
}

func TestChunkIDsDeterministic(t *testing.T) {
	c := NewChunker(WithMaxTokens(100), WithOverlapTokens(20))
	text := strings.Repeat("Deterministic chunking is required for stable ids. ", 100)

	first := c.Chunk(context.Background(), "doc", text)
	second := c.Chunk(context.Background(), "doc", text)
	if len(first) != len(second) {
		t.Fatalf("chunk counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Errorf("chunk %d id differs: %s vs %s", i, first[i].ID, second[i].ID)
		}
	}

	other := c.Chunk(context.Background(), "other-doc", text)
	if first[0].ID == other[0].ID {
		t.Error("different documents produced the same chunk id")
	}
}

func TestChunkEmptyInput(t *testing.T) {
	c := NewChunker()
	if chunks := c.Chunk(context.Background(), "doc", "   \n  "); chunks != nil {
		t.Errorf("whitespace input produced %d chunks", len(chunks))
	}
}
