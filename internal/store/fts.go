package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"
)

// LexicalHit is one FTS match: a chunk plus its lexical relevance score.
type LexicalHit struct {
	DocID   string
	ChunkID string
	Content string
	Score   float32
}

// maxFTSQueryLen caps sanitised queries. Anything longer is truncated.
const maxFTSQueryLen = 500

// SanitizeFTS strips FTS5 metacharacters from a raw query and truncates it
// to 500 characters. An empty result means the query must not be run at
// all; the raw string never reaches the FTS engine.
func SanitizeFTS(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		switch {
		// Marks (Mn) carry Thai vowels and tone marks; stripping them
		// would shred every Thai word.
		case unicode.IsLetter(r) || unicode.IsMark(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		default:
			// FTS5 metacharacters (quotes, *, ^, -, :, parens, …) and all
			// other punctuation become spaces so tokens stay separated.
			b.WriteRune(' ')
		}
	}
	s := strings.Join(strings.Fields(b.String()), " ")
	if len(s) > maxFTSQueryLen {
		cut := maxFTSQueryLen
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
		if i := strings.LastIndexByte(s, ' '); i > 0 {
			s = s[:i]
		}
	}
	return s
}

// SearchFTS runs a sanitised token query against the FTS index and returns
// the top-k hits by rank. Tokens are OR-joined so a query only has to share
// one term with a chunk or its title; bm25 still ranks fuller matches
// higher. A malformed-query error degrades to a case-insensitive substring
// scan instead of failing; the degradation is logged once per process.
func (s *Store) SearchFTS(ctx context.Context, sanitised string, topK int) ([]LexicalHit, error) {
	if strings.TrimSpace(sanitised) == "" {
		return nil, nil
	}
	start := time.Now()

	rows, err := s.reader.QueryContext(ctx,
		`SELECT doc_id, chunk_id, content, rank FROM documents_fts
		 WHERE documents_fts MATCH ? ORDER BY rank LIMIT ?`,
		matchExpr(sanitised), topK)
	if err != nil {
		s.warnFTSOnce(err)
		return s.substringFallback(ctx, sanitised, topK)
	}
	defer rows.Close()

	var hits []LexicalHit
	for rows.Next() {
		var h LexicalHit
		var rank float64
		if err := rows.Scan(&h.DocID, &h.ChunkID, &h.Content, &rank); err != nil {
			return nil, fmt.Errorf("scan fts hit: %w", err)
		}
		// FTS5 rank is negative; closer to zero is better.
		h.Score = float32(-rank)
		if h.Score < 0 {
			h.Score = 0
		}
		hits = append(hits, h)
	}
	s.logOp("search fts ok", start, "query", sanitised, "hits", len(hits))
	return hits, rows.Err()
}

// matchExpr turns a sanitised query into an FTS5 MATCH expression. Each
// token is quoted so words like "or" and "near" read as terms, not
// operators, and the tokens are OR-joined.
func matchExpr(sanitised string) string {
	tokens := strings.Fields(sanitised)
	quoted := make([]string, len(tokens))
	for i, tok := range tokens {
		quoted[i] = `"` + tok + `"`
	}
	return strings.Join(quoted, " OR ")
}

var ftsWarn sync.Once

func (s *Store) warnFTSOnce(err error) {
	ftsWarn.Do(func() {
		s.logger.Warn("store: fts query failed, degrading to substring match", "error", err)
	})
}

// substringFallback is the degraded lexical path: LIKE over chunk content,
// scored by a flat constant so the ranker leans on the vector side.
func (s *Store) substringFallback(ctx context.Context, query string, topK int) ([]LexicalHit, error) {
	first := query
	if i := strings.IndexByte(first, ' '); i > 0 {
		first = first[:i]
	}
	rows, err := s.reader.QueryContext(ctx,
		`SELECT document_id, id, content FROM chunks WHERE content LIKE ? COLLATE NOCASE LIMIT ?`,
		"%"+first+"%", topK)
	if err != nil {
		return nil, fmt.Errorf("substring fallback: %w", err)
	}
	defer rows.Close()

	var hits []LexicalHit
	for rows.Next() {
		var h LexicalHit
		if err := rows.Scan(&h.DocID, &h.ChunkID, &h.Content); err != nil {
			return nil, fmt.Errorf("scan fallback hit: %w", err)
		}
		h.Score = 0.1
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
