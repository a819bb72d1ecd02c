package knowledge

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"

	sala "github.com/nitad/sala"
	"github.com/nitad/sala/internal/store"
)

// LearnRequest is one explicit teaching from the agent or the HTTP API.
type LearnRequest struct {
	Title    string            `json:"title"`
	Content  string            `json:"content"`
	Concepts []string          `json:"concepts,omitempty"`
	Project  string            `json:"project,omitempty"`
	Layer    sala.MemoryLayer  `json:"layer,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Learn writes a learn-API document, chunks and syncs it, and returns the
// new document id. When a live learn-API document with the same title and
// project already exists, the old one is superseded (recorded append-only,
// never deleted).
func (e *Engine) Learn(ctx context.Context, req LearnRequest) (string, error) {
	if strings.TrimSpace(req.Content) == "" {
		return "", fmt.Errorf("learn: %w: empty content", sala.ErrBadInput)
	}
	if req.Layer == "" {
		req.Layer = sala.LayerSemantic
	}

	now := time.Now().Unix()
	doc := sala.Document{
		ID:        sala.NewID(),
		Type:      sala.DocLearning,
		Title:     strings.TrimSpace(req.Title),
		Content:   req.Content,
		Concepts:  req.Concepts,
		Metadata:  req.Metadata,
		Project:   CanonicalProject(req.Project),
		Layer:     req.Layer,
		CreatedBy: sala.ByLearnAPI,
		Sync:      sala.SyncPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	prior := e.findPrior(ctx, doc)

	chunks := e.chunker.Chunk(ctx, doc.ID, doc.Content)
	if err := e.store.UpsertDocument(ctx, doc, chunks); err != nil {
		return "", fmt.Errorf("learn: %w", err)
	}
	if err := e.syncDocument(ctx, doc, chunks); err != nil {
		e.logger.Warn("knowledge: learn sync deferred", "doc", doc.ID, "error", err)
	}

	if prior != "" {
		sup := sala.Supersession{
			OldDocID: prior,
			NewDocID: doc.ID,
			Reason:   "relearned: " + doc.Title,
			By:       string(sala.ByLearnAPI),
			At:       now,
		}
		if err := e.store.AddSupersession(ctx, sup); err != nil {
			e.logger.Warn("knowledge: supersession record failed", "old", prior, "new", doc.ID, "error", err)
		}
	}

	e.logger.Info("knowledge: learned", "doc", doc.ID, "title", doc.Title, "layer", doc.Layer, "superseded", prior != "")
	return doc.ID, nil
}

// LearnURL fetches a web page, extracts its readable content, and delegates
// to Learn with the page title and source URL.
func (e *Engine) LearnURL(ctx context.Context, pageURL string, req LearnRequest) (string, error) {
	u, err := url.Parse(pageURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("learn url: %w: %q", sala.ErrBadInput, pageURL)
	}

	article, err := readability.FromURL(pageURL, 30*time.Second)
	if err != nil {
		return "", fmt.Errorf("learn url: extract %s: %w", pageURL, err)
	}

	if req.Title == "" {
		req.Title = article.Title
	}
	req.Content = article.TextContent
	if req.Metadata == nil {
		req.Metadata = map[string]string{}
	}
	req.Metadata["source_url"] = pageURL
	return e.Learn(ctx, req)
}

// findPrior returns the id of a live learn-API document this one replaces,
// matched on title within the same project, or "".
func (e *Engine) findPrior(ctx context.Context, doc sala.Document) string {
	if doc.Title == "" {
		return ""
	}
	docs, err := e.store.ListDocuments(ctx, store.DocumentFilter{
		CreatedBy: sala.ByLearnAPI,
		Project:   doc.Project,
	}, store.Page{Limit: 200})
	if err != nil {
		return ""
	}
	for _, d := range docs {
		if d.SupersededBy == "" && strings.EqualFold(d.Title, doc.Title) {
			return d.ID
		}
	}
	return ""
}

// CanonicalProject normalises a project reference to host/owner/repo.
// Accepts URLs ("https://github.com/owner/repo.git"), SSH remotes
// ("git@github.com:owner/repo"), and already-canonical forms. Anything
// unrecognisable passes through lowercased.
func CanonicalProject(p string) string {
	p = strings.TrimSpace(strings.ToLower(p))
	if p == "" {
		return ""
	}
	p = strings.TrimSuffix(p, ".git")

	if i := strings.Index(p, "://"); i >= 0 {
		p = p[i+3:]
	}
	if strings.HasPrefix(p, "git@") {
		p = strings.Replace(strings.TrimPrefix(p, "git@"), ":", "/", 1)
	}
	p = strings.Trim(p, "/")

	parts := strings.Split(p, "/")
	if len(parts) >= 3 && strings.Contains(parts[0], ".") {
		return strings.Join(parts[:3], "/")
	}
	return p
}
