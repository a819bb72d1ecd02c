// Package httpapi serves the two HTTP surfaces: the bearer-authenticated
// knowledge API and the unauthenticated local status endpoint.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	sala "github.com/nitad/sala"
	"github.com/nitad/sala/internal/knowledge"
	"github.com/nitad/sala/internal/store"
)

const maxBodyBytes = 1 << 20

// Engine is the knowledge surface the API exposes.
type Engine interface {
	Search(ctx context.Context, req knowledge.SearchRequest) ([]knowledge.SearchResult, error)
	Learn(ctx context.Context, req knowledge.LearnRequest) (string, error)
	LearnURL(ctx context.Context, pageURL string, req knowledge.LearnRequest) (string, error)
}

var _ Engine = (*knowledge.Engine)(nil)

// Store is the document persistence surface the API reads.
type Store interface {
	GetDocument(ctx context.Context, id string) (sala.Document, error)
	ListDocuments(ctx context.Context, filter store.DocumentFilter, page store.Page) ([]sala.Document, error)
	ListSupersessions(ctx context.Context, limit int) ([]sala.Supersession, error)
	Stats(ctx context.Context) (store.DocumentStats, error)
	TouchAccess(ctx context.Context, docID string) error
}

var _ Store = (*store.Store)(nil)

// KnowledgeAPI serves /api/*. Every route requires the bearer token; an
// empty configured token disables the API entirely.
type KnowledgeAPI struct {
	engine Engine
	store  Store
	token  string
	logger *slog.Logger
}

// Option configures an API server.
type Option func(*KnowledgeAPI)

// WithLogger sets the structured logger. Default discards.
func WithLogger(l *slog.Logger) Option {
	return func(a *KnowledgeAPI) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewKnowledgeAPI builds the authenticated knowledge handler.
func NewKnowledgeAPI(eng Engine, st Store, bearerToken string, opts ...Option) *KnowledgeAPI {
	a := &KnowledgeAPI{
		engine: eng,
		store:  st,
		token:  bearerToken,
		logger: slog.New(discardHandler{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns the routed, authenticated handler.
func (a *KnowledgeAPI) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/search", a.handleSearch)
	mux.HandleFunc("POST /api/consult", a.handleConsult)
	mux.HandleFunc("POST /api/learn", a.handleLearn)
	mux.HandleFunc("GET /api/doc/{id}", a.handleDoc)
	mux.HandleFunc("GET /api/list", a.handleList)
	mux.HandleFunc("GET /api/stats", a.handleStats)
	mux.HandleFunc("GET /api/threads", a.listByType(sala.DocThread))
	mux.HandleFunc("GET /api/decisions", a.listByType(sala.DocDecision))
	mux.HandleFunc("GET /api/traces", a.listByType(sala.DocTrace))
	mux.HandleFunc("GET /api/supersessions", a.handleSupersessions)
	return a.auth(mux)
}

func (a *KnowledgeAPI) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.token == "" {
			writeError(w, http.StatusServiceUnavailable, "knowledge api disabled: no bearer token configured")
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || got != a.token {
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type searchRequest struct {
	Query   string   `json:"query"`
	Mode    string   `json:"mode,omitempty"`
	Types   []string `json:"types,omitempty"`
	Layers  []string `json:"layers,omitempty"`
	Project string   `json:"project,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

func (sr searchRequest) toEngine() knowledge.SearchRequest {
	req := knowledge.SearchRequest{
		Query:   sr.Query,
		Mode:    knowledge.SearchMode(sr.Mode),
		Project: sr.Project,
		Limit:   sr.Limit,
	}
	if req.Mode == "" {
		req.Mode = knowledge.ModeHybrid
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}
	for _, t := range sr.Types {
		req.Types = append(req.Types, sala.DocumentType(t))
	}
	for _, l := range sr.Layers {
		req.Layers = append(req.Layers, sala.MemoryLayer(l))
	}
	return req
}

func (a *KnowledgeAPI) handleSearch(w http.ResponseWriter, r *http.Request) {
	var sr searchRequest
	if !decodeBody(w, r, &sr) {
		return
	}
	if strings.TrimSpace(sr.Query) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	results, err := a.engine.Search(r.Context(), sr.toEngine())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// handleConsult is search plus a ready-to-paste context block with source
// attribution, for agents that want one string instead of ranked hits.
func (a *KnowledgeAPI) handleConsult(w http.ResponseWriter, r *http.Request) {
	var sr searchRequest
	if !decodeBody(w, r, &sr) {
		return
	}
	if strings.TrimSpace(sr.Query) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	results, err := a.engine.Search(r.Context(), sr.toEngine())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	var b strings.Builder
	for _, res := range results {
		b.WriteString(res.Content)
		b.WriteString("\n[source: " + res.Title + "]\n\n")
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"context": strings.TrimSpace(b.String()),
		"results": results,
	})
}

type learnRequest struct {
	URL      string            `json:"url,omitempty"`
	Title    string            `json:"title"`
	Content  string            `json:"content"`
	Concepts []string          `json:"concepts,omitempty"`
	Project  string            `json:"project,omitempty"`
	Layer    string            `json:"layer,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (a *KnowledgeAPI) handleLearn(w http.ResponseWriter, r *http.Request) {
	var lr learnRequest
	if !decodeBody(w, r, &lr) {
		return
	}
	req := knowledge.LearnRequest{
		Title:    lr.Title,
		Content:  lr.Content,
		Concepts: lr.Concepts,
		Project:  lr.Project,
		Layer:    sala.MemoryLayer(lr.Layer),
		Metadata: lr.Metadata,
	}
	var id string
	var err error
	if lr.URL != "" {
		id, err = a.engine.LearnURL(r.Context(), lr.URL, req)
	} else {
		id, err = a.engine.Learn(r.Context(), req)
	}
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (a *KnowledgeAPI) handleDoc(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	doc, err := a.store.GetDocument(r.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "document not found")
			return
		}
		a.fail(w, r, err)
		return
	}
	if err := a.store.TouchAccess(r.Context(), id); err != nil {
		a.logger.Warn("httpapi: touch access failed", "doc", id, "error", err)
	}
	writeJSON(w, http.StatusOK, doc)
}

func (a *KnowledgeAPI) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.DocumentFilter{Project: q.Get("project")}
	if t := q.Get("type"); t != "" {
		filter.Types = []sala.DocumentType{sala.DocumentType(t)}
	}
	if l := q.Get("layer"); l != "" {
		filter.Layers = []sala.MemoryLayer{sala.MemoryLayer(l)}
	}
	docs, err := a.store.ListDocuments(r.Context(), filter, pageFrom(q.Get("limit"), q.Get("offset")))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (a *KnowledgeAPI) listByType(t sala.DocumentType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docs, err := a.store.ListDocuments(r.Context(),
			store.DocumentFilter{Types: []sala.DocumentType{t}},
			pageFrom(r.URL.Query().Get("limit"), r.URL.Query().Get("offset")))
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
	}
}

func (a *KnowledgeAPI) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.store.Stats(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *KnowledgeAPI) handleSupersessions(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		limit = n
	}
	sups, err := a.store.ListSupersessions(r.Context(), limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"supersessions": sups})
}

func (a *KnowledgeAPI) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, sala.ErrBadInput) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a.logger.Error("httpapi: request failed", "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func pageFrom(limitStr, offsetStr string) store.Page {
	p := store.Page{Limit: 50}
	if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
		p.Limit = n
	}
	if n, err := strconv.Atoi(offsetStr); err == nil && n > 0 {
		p.Offset = n
	}
	return p
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "malformed json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// --- status endpoint ---

// Status is the local health snapshot.
type Status struct {
	ActiveContainers int                `json:"active_containers"`
	QueueDepth       int                `json:"queue_depth"`
	RegisteredGroups int                `json:"registered_groups"`
	Resources        map[string]float64 `json:"resources"`
	RecentErrors     []string           `json:"recent_errors"`
	UptimeSeconds    int64              `json:"uptime_seconds"`
	Version          string             `json:"version"`
}

// NewStatusHandler serves /health and /status. Bound to loopback by the
// composition root; no auth.
func NewStatusHandler(snapshot func(ctx context.Context) Status) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, snapshot(r.Context()))
	})
	return mux
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
