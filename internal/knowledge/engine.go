package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	sala "github.com/nitad/sala"
	"github.com/nitad/sala/internal/store"
)

// Store is the persistence surface the engine needs. *store.Store satisfies
// it; tests use fakes.
type Store interface {
	SearchFTS(ctx context.Context, query string, topK int) ([]store.LexicalHit, error)
	GetDocument(ctx context.Context, id string) (sala.Document, error)
	GetChunks(ctx context.Context, docID string) ([]sala.Chunk, error)
	UpsertDocument(ctx context.Context, doc sala.Document, chunks []sala.Chunk) error
	DeleteDocumentsWhere(ctx context.Context, filter store.DocumentFilter) (int, error)
	ListDocuments(ctx context.Context, filter store.DocumentFilter, page store.Page) ([]sala.Document, error)
	TouchAccess(ctx context.Context, docID string) error
	SetSyncStatus(ctx context.Context, docID string, status sala.SyncStatus, retries int) error
	AddSupersession(ctx context.Context, sup sala.Supersession) error
	ListSupersessions(ctx context.Context, limit int) ([]sala.Supersession, error)
}

var _ Store = (*store.Store)(nil)

// SearchMode selects which retrieval signals run.
type SearchMode string

const (
	ModeLexical SearchMode = "lexical"
	ModeVector  SearchMode = "vector"
	ModeHybrid  SearchMode = "hybrid"
)

// SearchRequest is one knowledge query.
type SearchRequest struct {
	Query   string
	Mode    SearchMode
	Types   []sala.DocumentType
	Layers  []sala.MemoryLayer
	Project string
	Limit   int
}

// SearchResult is a ranked hit with its component scores kept for display
// and debugging.
type SearchResult struct {
	DocID    string             `json:"doc_id"`
	ChunkID  string             `json:"chunk_id"`
	Title    string             `json:"title"`
	Content  string             `json:"content"`
	Layer    sala.MemoryLayer   `json:"layer"`
	Type     sala.DocumentType  `json:"type"`
	Project  string             `json:"project,omitempty"`
	Lexical  float64            `json:"lexical"`
	Vector   float64            `json:"vector"`
	Score    float64            `json:"score"`
}

const (
	candidateK      = 20
	maxVariants     = 5
	recencyCeiling  = 0.2
	recencyHorizon  = 60.0 // days
	accessCeiling   = 0.1
	poorSignal      = 0.2
	strongSignal    = 0.5
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithSynonyms installs the concept/synonym expansion table.
func WithSynonyms(table map[string][]string) Option {
	return func(e *Engine) { e.synonyms = table }
}

// Engine is the hybrid retrieval core: lexical FTS plus vector similarity,
// merged and re-ranked with recency and access boosts.
type Engine struct {
	store    Store
	embedder Embedder
	vectors  VectorStore
	thai     *ThaiTokenizer
	chunker  *Chunker
	synonyms map[string][]string
	logger   *slog.Logger
	folder   cases.Caser
}

// NewEngine wires the retrieval core. embedder and vectors may be nil, in
// which case only lexical search runs.
func NewEngine(st Store, embedder Embedder, vectors VectorStore, thai *ThaiTokenizer, chunker *Chunker, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		embedder: embedder,
		vectors:  vectors,
		thai:     thai,
		chunker:  chunker,
		logger:   slog.New(discardHandler{}),
		folder:   cases.Fold(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Search runs the full pipeline: normalise, expand, gather lexical and
// vector candidates, merge, adaptively re-weight, re-rank, filter, trim.
func (e *Engine) Search(ctx context.Context, req SearchRequest) ([]SearchResult, error) {
	start := time.Now()
	if req.Limit <= 0 {
		req.Limit = 10
	}
	if req.Mode == "" {
		req.Mode = ModeHybrid
	}

	query := e.normalize(req.Query)
	if query == "" {
		return nil, nil
	}
	variants := e.expand(ctx, query)

	lexical, err := e.lexicalCandidates(ctx, variants)
	if err != nil {
		return nil, err
	}
	vector, err := e.vectorCandidates(ctx, query, req.Mode)
	if err != nil {
		if req.Mode == ModeVector {
			return nil, fmt.Errorf("%w: %v", sala.ErrKnowledgeUnavailable, err)
		}
		e.logger.Warn("knowledge: vector search degraded to lexical", "error", err)
		vector = nil
	}

	merged := mergeCandidates(lexical, vector)
	if len(merged) == 0 {
		return nil, nil
	}

	wl, wv := baseWeights(req.Mode)
	wl, wv = adaptWeights(merged, wl, wv)

	results, err := e.rank(ctx, merged, req, wl, wv)
	if err != nil {
		return nil, err
	}
	if len(results) > req.Limit {
		results = results[:req.Limit]
	}

	// Returned documents count as accessed; ranking feeds on it next time.
	for _, r := range results {
		if err := e.store.TouchAccess(ctx, r.DocID); err != nil {
			e.logger.Warn("knowledge: touch access failed", "doc", r.DocID, "error", err)
		}
	}

	e.logger.Debug("knowledge: search ok",
		"results", len(results), "variants", len(variants),
		"w_lexical", wl, "w_vector", wv, "duration", time.Since(start))
	return results, nil
}

// normalize applies NFC then case folding so Thai and mixed-case English
// queries compare consistently.
func (e *Engine) normalize(q string) string {
	return strings.TrimSpace(e.folder.String(norm.NFC.String(q)))
}

// expand produces up to maxVariants query strings: the original, sidecar
// cross-language variants, and synonym-table substitutions.
func (e *Engine) expand(ctx context.Context, query string) []string {
	variants := []string{query}
	seen := map[string]bool{query: true}
	add := func(v string) {
		v = e.normalize(v)
		if v == "" || seen[v] || len(variants) >= maxVariants {
			return
		}
		seen[v] = true
		variants = append(variants, v)
	}

	if e.thai != nil {
		for _, v := range e.thai.Expand(ctx, query) {
			add(v)
		}
	}
	for _, word := range strings.Fields(query) {
		for _, syn := range e.synonyms[word] {
			add(strings.Replace(query, word, syn, 1))
		}
	}
	return variants
}

type candidate struct {
	docID   string
	chunkID string
	content string
	lexical float64
	vector  float64
}

// lexicalCandidates queries FTS for each variant and keeps the best lexical
// score per chunk, trimmed to the top candidateK.
func (e *Engine) lexicalCandidates(ctx context.Context, variants []string) ([]candidate, error) {
	best := make(map[string]candidate)
	for _, v := range variants {
		hits, err := e.store.SearchFTS(ctx, store.SanitizeFTS(v), candidateK)
		if err != nil {
			return nil, fmt.Errorf("lexical search: %w", err)
		}
		for _, h := range hits {
			score := normalizeLexical(float64(h.Score))
			if c, ok := best[h.ChunkID]; !ok || score > c.lexical {
				best[h.ChunkID] = candidate{
					docID: h.DocID, chunkID: h.ChunkID, content: h.Content, lexical: score,
				}
			}
		}
	}
	out := make([]candidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].lexical > out[j].lexical })
	if len(out) > candidateK {
		out = out[:candidateK]
	}
	return out, nil
}

// vectorCandidates embeds the query and asks the vector store for the top
// candidateK by cosine similarity.
func (e *Engine) vectorCandidates(ctx context.Context, query string, mode SearchMode) ([]candidate, error) {
	if mode == ModeLexical || e.embedder == nil || e.vectors == nil {
		return nil, nil
	}
	embs, err := e.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(embs) == 0 {
		return nil, fmt.Errorf("embed query: empty result")
	}
	hits, err := e.vectors.Query(ctx, embs[0], candidateK)
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}
	out := make([]candidate, 0, len(hits))
	for _, h := range hits {
		out = append(out, candidate{docID: h.DocID, chunkID: h.ChunkID, vector: h.Score})
	}
	return out, nil
}

// mergeCandidates joins the two candidate sets by chunk id, keeping both
// scores on overlap.
func mergeCandidates(lexical, vector []candidate) []candidate {
	merged := make(map[string]candidate, len(lexical)+len(vector))
	for _, c := range lexical {
		merged[c.chunkID] = c
	}
	for _, c := range vector {
		if prev, ok := merged[c.chunkID]; ok {
			prev.vector = c.vector
			merged[c.chunkID] = prev
		} else {
			merged[c.chunkID] = c
		}
	}
	out := make([]candidate, 0, len(merged))
	for _, c := range merged {
		out = append(out, c)
	}
	return out
}

func baseWeights(mode SearchMode) (wl, wv float64) {
	switch mode {
	case ModeLexical:
		return 1, 0
	case ModeVector:
		return 0, 1
	default:
		return 0.5, 0.5
	}
}

// adaptWeights corrects for a weak signal: when the candidates' lexical
// scores all look poor while vector scores are strong, weight shifts toward
// vector, and symmetrically the other way. Only hybrid weights move.
func adaptWeights(cands []candidate, wl, wv float64) (float64, float64) {
	if wl == 0 || wv == 0 {
		return wl, wv
	}
	var lexSum, vecSum float64
	var lexN, vecN int
	for _, c := range cands {
		if c.lexical > 0 {
			lexSum += c.lexical
			lexN++
		}
		if c.vector > 0 {
			vecSum += c.vector
			vecN++
		}
	}
	lexMean := 0.0
	if lexN > 0 {
		lexMean = lexSum / float64(lexN)
	}
	vecMean := 0.0
	if vecN > 0 {
		vecMean = vecSum / float64(vecN)
	}

	switch {
	case lexMean < poorSignal && vecMean >= strongSignal:
		return 0.2, 0.8
	case vecMean < poorSignal && lexMean >= strongSignal:
		return 0.8, 0.2
	}
	return wl, wv
}

// rank loads document metadata, applies type/project/layer filters, skips
// superseded documents, and scores each candidate as
// wl*lexical + wv*vector + recency + access.
func (e *Engine) rank(ctx context.Context, cands []candidate, req SearchRequest, wl, wv float64) ([]SearchResult, error) {
	now := time.Now().Unix()
	docs := make(map[string]sala.Document)
	var results []SearchResult

	for _, c := range cands {
		doc, ok := docs[c.docID]
		if !ok {
			var err error
			doc, err = e.store.GetDocument(ctx, c.docID)
			if err != nil {
				// Vector hit for a relationally-deleted document; skip.
				continue
			}
			docs[c.docID] = doc
		}
		if doc.SupersededBy != "" {
			continue
		}
		if !matchesFilters(doc, req) {
			continue
		}

		content := c.content
		if content == "" {
			content = doc.Content
		}
		results = append(results, SearchResult{
			DocID:   doc.ID,
			ChunkID: c.chunkID,
			Title:   doc.Title,
			Content: content,
			Layer:   doc.Layer,
			Type:    doc.Type,
			Project: doc.Project,
			Lexical: c.lexical,
			Vector:  c.vector,
			Score: wl*c.lexical + wv*c.vector +
				recencyBoost(doc.UpdatedAt, now) +
				accessBoost(doc.AccessCount),
		})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results, nil
}

func matchesFilters(doc sala.Document, req SearchRequest) bool {
	if len(req.Types) > 0 && !containsType(req.Types, doc.Type) {
		return false
	}
	if len(req.Layers) > 0 && !containsLayer(req.Layers, doc.Layer) {
		return false
	}
	if req.Project != "" && doc.Project != "" && doc.Project != req.Project {
		return false
	}
	return true
}

func containsType(ts []sala.DocumentType, t sala.DocumentType) bool {
	for _, x := range ts {
		if x == t {
			return true
		}
	}
	return false
}

func containsLayer(ls []sala.MemoryLayer, l sala.MemoryLayer) bool {
	for _, x := range ls {
		if x == l {
			return true
		}
	}
	return false
}

// normalizeLexical maps an unbounded FTS score monotonically into [0, 1).
func normalizeLexical(s float64) float64 {
	if s <= 0 {
		return 0
	}
	return s / (s + 1)
}

// recencyBoost decays linearly to zero over the 60-day horizon.
func recencyBoost(updatedAt, now int64) float64 {
	ageDays := float64(now-updatedAt) / 86400
	if ageDays < 0 {
		ageDays = 0
	}
	if ageDays >= recencyHorizon {
		return 0
	}
	return recencyCeiling * (1 - ageDays/recencyHorizon)
}

// accessBoost is log-scaled on access count and capped.
func accessBoost(count int64) float64 {
	if count <= 0 {
		return 0
	}
	b := accessCeiling * math.Log1p(float64(count)) / math.Log1p(100)
	if b > accessCeiling {
		b = accessCeiling
	}
	return b
}

// discardHandler drops every record. Engine default until WithLogger.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
