package knowledge

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	sala "github.com/nitad/sala"
	"github.com/nitad/sala/internal/store"
)

// fakeStore implements Store in memory.
type fakeStore struct {
	docs     map[string]sala.Document
	chunks   map[string][]sala.Chunk
	lexical  []store.LexicalHit
	sups     []sala.Supersession
	touched  map[string]int
	ftsCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		docs:    make(map[string]sala.Document),
		chunks:  make(map[string][]sala.Chunk),
		touched: make(map[string]int),
	}
}

func (f *fakeStore) SearchFTS(_ context.Context, query string, _ int) ([]store.LexicalHit, error) {
	f.ftsCalls++
	if query == "" {
		return nil, nil
	}
	return f.lexical, nil
}

func (f *fakeStore) GetDocument(_ context.Context, id string) (sala.Document, error) {
	d, ok := f.docs[id]
	if !ok {
		return sala.Document{}, fmt.Errorf("get document: not found")
	}
	return d, nil
}

func (f *fakeStore) GetChunks(_ context.Context, docID string) ([]sala.Chunk, error) {
	return f.chunks[docID], nil
}

func (f *fakeStore) UpsertDocument(_ context.Context, doc sala.Document, chunks []sala.Chunk) error {
	f.docs[doc.ID] = doc
	f.chunks[doc.ID] = chunks
	return nil
}

func (f *fakeStore) DeleteDocumentsWhere(_ context.Context, filter store.DocumentFilter) (int, error) {
	n := 0
	for id, d := range f.docs {
		if filter.CreatedBy != "" && d.CreatedBy != filter.CreatedBy {
			continue
		}
		if len(filter.Layers) > 0 && d.Layer != filter.Layers[0] {
			continue
		}
		if filter.SessionID != "" && d.SessionID != filter.SessionID {
			continue
		}
		if filter.UpdatedBefore > 0 && d.UpdatedAt >= filter.UpdatedBefore {
			continue
		}
		delete(f.docs, id)
		delete(f.chunks, id)
		n++
	}
	return n, nil
}

func (f *fakeStore) ListDocuments(_ context.Context, filter store.DocumentFilter, _ store.Page) ([]sala.Document, error) {
	var out []sala.Document
	for _, d := range f.docs {
		if filter.CreatedBy != "" && d.CreatedBy != filter.CreatedBy {
			continue
		}
		if filter.Sync != "" && d.Sync != filter.Sync {
			continue
		}
		if len(filter.Layers) > 0 && d.Layer != filter.Layers[0] {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeStore) TouchAccess(_ context.Context, docID string) error {
	f.touched[docID]++
	return nil
}

func (f *fakeStore) SetSyncStatus(_ context.Context, docID string, status sala.SyncStatus, retries int) error {
	d, ok := f.docs[docID]
	if !ok {
		return fmt.Errorf("set sync status: not found")
	}
	d.Sync = status
	d.SyncRetries = retries
	d.UpdatedAt = time.Now().Unix()
	f.docs[docID] = d
	return nil
}

// ageDoc rewinds a document's updated_at, opening any retry backoff window.
func (f *fakeStore) ageDoc(id string, by time.Duration) {
	d := f.docs[id]
	d.UpdatedAt = time.Now().Add(-by).Unix()
	f.docs[id] = d
}

func (f *fakeStore) AddSupersession(_ context.Context, sup sala.Supersession) error {
	f.sups = append(f.sups, sup)
	if d, ok := f.docs[sup.OldDocID]; ok {
		d.SupersededBy = sup.NewDocID
		f.docs[sup.OldDocID] = d
	}
	return nil
}

func (f *fakeStore) ListSupersessions(_ context.Context, _ int) ([]sala.Supersession, error) {
	return f.sups, nil
}

func (f *fakeStore) addDoc(id string, layer sala.MemoryLayer, superseded string) {
	now := time.Now().Unix()
	f.docs[id] = sala.Document{
		ID: id, Type: sala.DocLearning, Title: id, Content: "content of " + id,
		Layer: layer, CreatedBy: sala.ByLearnAPI, Sync: sala.SyncSynced,
		SupersededBy: superseded, CreatedAt: now, UpdatedAt: now,
	}
}

// fakeEmbedder returns a constant vector per text.
type fakeEmbedder struct {
	fail bool
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if f.fail {
		return nil, &sala.ErrTransient{Op: "embed", Err: fmt.Errorf("down")}
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

// fakeVectors returns canned hits.
type fakeVectors struct {
	hits    []VectorHit
	fail    bool
	upserts [][]VectorPoint
	deleted []string
}

func (f *fakeVectors) Upsert(_ context.Context, points []VectorPoint) error {
	if f.fail {
		return &sala.ErrTransient{Op: "vector store", Err: fmt.Errorf("down")}
	}
	f.upserts = append(f.upserts, points)
	return nil
}

func (f *fakeVectors) Query(_ context.Context, _ []float32, _ int) ([]VectorHit, error) {
	if f.fail {
		return nil, &sala.ErrTransient{Op: "vector store", Err: fmt.Errorf("down")}
	}
	return f.hits, nil
}

func (f *fakeVectors) DeleteByDocument(_ context.Context, docID string) error {
	f.deleted = append(f.deleted, docID)
	return nil
}

func newTestEngine(fs *fakeStore, emb Embedder, vec VectorStore) *Engine {
	return NewEngine(fs, emb, vec, nil, NewChunker(WithMaxTokens(100), WithOverlapTokens(10)))
}

func TestSearchMergesLexicalAndVector(t *testing.T) {
	fs := newFakeStore()
	fs.addDoc("d1", sala.LayerSemantic, "")
	fs.addDoc("d2", sala.LayerSemantic, "")
	fs.lexical = []store.LexicalHit{
		{DocID: "d1", ChunkID: "c1", Content: "lexical only", Score: 5},
		{DocID: "d2", ChunkID: "c2", Content: "both signals", Score: 3},
	}
	vec := &fakeVectors{hits: []VectorHit{
		{DocID: "d2", ChunkID: "c2", Score: 0.9},
	}}

	e := newTestEngine(fs, &fakeEmbedder{}, vec)
	results, err := e.Search(context.Background(), SearchRequest{Query: "Signals", Limit: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	// c2 has both signals and must outrank the lexical-only hit under
	// hybrid weighting.
	if results[0].ChunkID != "c2" {
		t.Errorf("top result = %s, want c2", results[0].ChunkID)
	}
	if results[0].Vector == 0 || results[0].Lexical == 0 {
		t.Errorf("merged hit lost a signal: %+v", results[0])
	}
	if fs.touched["d2"] == 0 {
		t.Error("returned document was not touched")
	}
}

func TestSearchSkipsSupersededDocuments(t *testing.T) {
	fs := newFakeStore()
	fs.addDoc("old", sala.LayerSemantic, "new")
	fs.addDoc("new", sala.LayerSemantic, "")
	fs.lexical = []store.LexicalHit{
		{DocID: "old", ChunkID: "c-old", Content: "stale", Score: 9},
		{DocID: "new", ChunkID: "c-new", Content: "current", Score: 1},
	}

	e := newTestEngine(fs, nil, nil)
	results, err := e.Search(context.Background(), SearchRequest{Query: "decision", Mode: ModeLexical, Limit: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 || results[0].DocID != "new" {
		t.Fatalf("results = %+v, want only the superseding doc", results)
	}
}

func TestSearchHybridDegradesWhenVectorDown(t *testing.T) {
	fs := newFakeStore()
	fs.addDoc("d1", sala.LayerSemantic, "")
	fs.lexical = []store.LexicalHit{{DocID: "d1", ChunkID: "c1", Content: "hit", Score: 2}}

	e := newTestEngine(fs, &fakeEmbedder{fail: true}, &fakeVectors{fail: true})
	results, err := e.Search(context.Background(), SearchRequest{Query: "hit", Mode: ModeHybrid, Limit: 10})
	if err != nil {
		t.Fatalf("hybrid should degrade, got error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}

	// Pure vector mode cannot degrade; the engine reports unavailability.
	if _, err := e.Search(context.Background(), SearchRequest{Query: "hit", Mode: ModeVector}); err == nil {
		t.Error("vector mode with vector store down did not error")
	}
}

func TestSearchLayerFilter(t *testing.T) {
	fs := newFakeStore()
	fs.addDoc("sem", sala.LayerSemantic, "")
	fs.addDoc("epi", sala.LayerEpisodic, "")
	fs.lexical = []store.LexicalHit{
		{DocID: "sem", ChunkID: "c1", Content: "a", Score: 1},
		{DocID: "epi", ChunkID: "c2", Content: "b", Score: 1},
	}

	e := newTestEngine(fs, nil, nil)
	results, err := e.Search(context.Background(), SearchRequest{
		Query: "a", Mode: ModeLexical, Layers: []sala.MemoryLayer{sala.LayerEpisodic}, Limit: 10,
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 || results[0].DocID != "epi" {
		t.Fatalf("layer filter leaked: %+v", results)
	}
}

func TestAdaptWeightsShiftsTowardStrongSignal(t *testing.T) {
	// Poor lexical, strong vector: hybrid weights move toward vector.
	cands := []candidate{
		{chunkID: "a", lexical: 0.05, vector: 0.9},
		{chunkID: "b", lexical: 0.1, vector: 0.8},
	}
	wl, wv := adaptWeights(cands, 0.5, 0.5)
	if wv <= wl {
		t.Errorf("weights did not shift toward vector: wl=%v wv=%v", wl, wv)
	}

	// Symmetric case.
	cands = []candidate{
		{chunkID: "a", lexical: 0.9, vector: 0.05},
		{chunkID: "b", lexical: 0.8, vector: 0.1},
	}
	wl, wv = adaptWeights(cands, 0.5, 0.5)
	if wl <= wv {
		t.Errorf("weights did not shift toward lexical: wl=%v wv=%v", wl, wv)
	}

	// Fixed modes never move.
	wl, wv = adaptWeights(cands, 1, 0)
	if wl != 1 || wv != 0 {
		t.Errorf("lexical mode weights moved: wl=%v wv=%v", wl, wv)
	}
}

func TestExpandCapsVariants(t *testing.T) {
	synonyms := map[string][]string{
		"deploy": {"release", "ship", "rollout", "launch", "publish", "push"},
	}
	e := NewEngine(newFakeStore(), nil, nil, nil, NewChunker(), WithSynonyms(synonyms))

	variants := e.expand(context.Background(), "deploy the service")
	if len(variants) > maxVariants {
		t.Fatalf("variants = %d, want <= %d", len(variants), maxVariants)
	}
	if variants[0] != "deploy the service" {
		t.Errorf("first variant must be the original, got %q", variants[0])
	}
	seen := map[string]bool{}
	for _, v := range variants {
		if seen[v] {
			t.Errorf("duplicate variant %q", v)
		}
		seen[v] = true
	}
	if !seen["release the service"] {
		t.Errorf("synonym expansion missing: %v", variants)
	}
}

func TestNormalizeFoldsCase(t *testing.T) {
	e := newTestEngine(newFakeStore(), nil, nil)
	if got := e.normalize("  Docker NETWORKING  "); got != "docker networking" {
		t.Errorf("normalize = %q", got)
	}
	if got := e.normalize("สวัสดี"); !strings.Contains(got, "สวัสดี") {
		t.Errorf("thai text mangled: %q", got)
	}
}
