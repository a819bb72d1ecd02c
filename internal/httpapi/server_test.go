package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	sala "github.com/nitad/sala"
	"github.com/nitad/sala/internal/knowledge"
	"github.com/nitad/sala/internal/store"
)

type fakeEngine struct {
	results  []knowledge.SearchResult
	learned  []knowledge.LearnRequest
	learnErr error
}

func (f *fakeEngine) Search(context.Context, knowledge.SearchRequest) ([]knowledge.SearchResult, error) {
	return f.results, nil
}

func (f *fakeEngine) Learn(_ context.Context, req knowledge.LearnRequest) (string, error) {
	if f.learnErr != nil {
		return "", f.learnErr
	}
	f.learned = append(f.learned, req)
	return "doc-123", nil
}

func (f *fakeEngine) LearnURL(ctx context.Context, pageURL string, req knowledge.LearnRequest) (string, error) {
	req.Metadata = map[string]string{"source_url": pageURL}
	return f.Learn(ctx, req)
}

type fakeDocStore struct {
	docs    map[string]sala.Document
	touched []string
	sups    []sala.Supersession
}

func (f *fakeDocStore) GetDocument(_ context.Context, id string) (sala.Document, error) {
	d, ok := f.docs[id]
	if !ok {
		return sala.Document{}, fmt.Errorf("get document: %w", sql.ErrNoRows)
	}
	return d, nil
}

func (f *fakeDocStore) ListDocuments(_ context.Context, filter store.DocumentFilter, _ store.Page) ([]sala.Document, error) {
	var out []sala.Document
	for _, d := range f.docs {
		if len(filter.Types) > 0 && d.Type != filter.Types[0] {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeDocStore) ListSupersessions(context.Context, int) ([]sala.Supersession, error) {
	return f.sups, nil
}

func (f *fakeDocStore) Stats(context.Context) (store.DocumentStats, error) {
	return store.DocumentStats{Total: len(f.docs)}, nil
}

func (f *fakeDocStore) TouchAccess(_ context.Context, id string) error {
	f.touched = append(f.touched, id)
	return nil
}

func newTestAPI(eng *fakeEngine, st *fakeDocStore, token string) *httptest.Server {
	api := NewKnowledgeAPI(eng, st, token)
	return httptest.NewServer(api.Handler())
}

func do(t *testing.T, method, url, token, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestAuthRequired(t *testing.T) {
	srv := newTestAPI(&fakeEngine{}, &fakeDocStore{}, "secret-token")
	defer srv.Close()

	resp, body := do(t, "GET", srv.URL+"/api/stats", "", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status = %d", resp.StatusCode)
	}
	if body["error"] == "" {
		t.Error("error body missing")
	}

	resp, _ = do(t, "GET", srv.URL+"/api/stats", "wrong", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d", resp.StatusCode)
	}

	resp, _ = do(t, "GET", srv.URL+"/api/stats", "secret-token", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("right token: status = %d", resp.StatusCode)
	}
}

func TestEmptyTokenDisablesAPI(t *testing.T) {
	srv := newTestAPI(&fakeEngine{}, &fakeDocStore{}, "")
	defer srv.Close()

	resp, _ := do(t, "GET", srv.URL+"/api/stats", "anything", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestSearchReturnsResults(t *testing.T) {
	eng := &fakeEngine{results: []knowledge.SearchResult{{DocID: "d1", Title: "Note", Score: 0.9}}}
	srv := newTestAPI(eng, &fakeDocStore{}, "tok")
	defer srv.Close()

	resp, body := do(t, "POST", srv.URL+"/api/search", "tok", `{"query":"note"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	results := body["results"].([]any)
	if len(results) != 1 {
		t.Fatalf("results = %d", len(results))
	}
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	srv := newTestAPI(&fakeEngine{}, &fakeDocStore{}, "tok")
	defer srv.Close()

	resp, body := do(t, "POST", srv.URL+"/api/search", "tok", `{"query":"  "}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if body["error"] == nil {
		t.Error("error body missing")
	}
}

func TestConsultBuildsAttributedContext(t *testing.T) {
	eng := &fakeEngine{results: []knowledge.SearchResult{
		{Title: "Wifi", Content: "Password rotates monthly."},
	}}
	srv := newTestAPI(eng, &fakeDocStore{}, "tok")
	defer srv.Close()

	resp, body := do(t, "POST", srv.URL+"/api/consult", "tok", `{"query":"wifi"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	ctx := body["context"].(string)
	if !strings.Contains(ctx, "[source: Wifi]") {
		t.Errorf("context missing attribution: %q", ctx)
	}
}

func TestLearnCreatesDocument(t *testing.T) {
	eng := &fakeEngine{}
	srv := newTestAPI(eng, &fakeDocStore{}, "tok")
	defer srv.Close()

	resp, body := do(t, "POST", srv.URL+"/api/learn", "tok",
		`{"title":"Deploy steps","content":"Run the release script.","layer":"procedural"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["id"] != "doc-123" {
		t.Errorf("id = %v", body["id"])
	}
	if len(eng.learned) != 1 || eng.learned[0].Layer != sala.LayerProcedural {
		t.Errorf("learned = %+v", eng.learned)
	}
}

func TestLearnBadInputIs400(t *testing.T) {
	eng := &fakeEngine{learnErr: fmt.Errorf("learn: %w: empty content", sala.ErrBadInput)}
	srv := newTestAPI(eng, &fakeDocStore{}, "tok")
	defer srv.Close()

	resp, _ := do(t, "POST", srv.URL+"/api/learn", "tok", `{"title":"x"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestDocFetchTouchesAccess(t *testing.T) {
	st := &fakeDocStore{docs: map[string]sala.Document{
		"d1": {ID: "d1", Title: "Note", Type: sala.DocLearning},
	}}
	srv := newTestAPI(&fakeEngine{}, st, "tok")
	defer srv.Close()

	resp, body := do(t, "GET", srv.URL+"/api/doc/d1", "tok", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["id"] != "d1" {
		t.Errorf("doc = %v", body)
	}
	if len(st.touched) != 1 || st.touched[0] != "d1" {
		t.Errorf("touched = %v", st.touched)
	}

	resp, _ = do(t, "GET", srv.URL+"/api/doc/missing", "tok", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing doc: status = %d", resp.StatusCode)
	}
}

func TestTypedListsFilter(t *testing.T) {
	st := &fakeDocStore{docs: map[string]sala.Document{
		"d1": {ID: "d1", Type: sala.DocDecision},
		"d2": {ID: "d2", Type: sala.DocThread},
	}}
	srv := newTestAPI(&fakeEngine{}, st, "tok")
	defer srv.Close()

	_, body := do(t, "GET", srv.URL+"/api/decisions", "tok", "")
	docs := body["documents"].([]any)
	if len(docs) != 1 {
		t.Fatalf("decisions = %d", len(docs))
	}
}

func TestStatusHandler(t *testing.T) {
	h := NewStatusHandler(func(context.Context) Status {
		return Status{
			ActiveContainers: 2,
			QueueDepth:       5,
			Version:          sala.Version,
			Resources:        map[string]float64{"load_per_cpu": 0.4},
		}
	})
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, body := do(t, "GET", srv.URL+"/status", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["queue_depth"].(float64) != 5 || body["version"] != sala.Version {
		t.Errorf("snapshot = %v", body)
	}

	resp, body = do(t, "GET", srv.URL+"/health", "", "")
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Errorf("health = %d %v", resp.StatusCode, body)
	}
}

func TestErrorRingCaptures(t *testing.T) {
	ring := NewErrorRing(slog.NewTextHandler(io.Discard, nil), 3)
	logger := slog.New(ring)

	logger.Info("quiet")
	for i := 0; i < 5; i++ {
		logger.Error(fmt.Sprintf("boom %d", i))
	}

	recent := ring.Recent()
	if len(recent) != 3 {
		t.Fatalf("recent = %d, want 3", len(recent))
	}
	if !strings.Contains(recent[2], "boom 4") {
		t.Errorf("last = %q", recent[2])
	}
}
