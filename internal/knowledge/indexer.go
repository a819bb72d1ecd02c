package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	sala "github.com/nitad/sala"
	"github.com/nitad/sala/internal/store"
)

const indexDebounce = 500 * time.Millisecond

// IndexerOption configures an Indexer.
type IndexerOption func(*Indexer)

// WithIndexerLogger sets the indexer logger.
func WithIndexerLogger(l *slog.Logger) IndexerOption {
	return func(ix *Indexer) { ix.logger = l }
}

// WithProject scopes the indexer's documents and rebuilds to one project.
func WithProject(project string) IndexerOption {
	return func(ix *Indexer) { ix.project = CanonicalProject(project) }
}

// Indexer keeps the knowledge root and the document store in sync. It
// watches for file changes, extracts and chunks content, and upserts
// documents tagged created_by=indexer. Rebuilds never touch documents from
// other writers.
type Indexer struct {
	engine  *Engine
	root    string
	project string
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]time.Time
}

// NewIndexer creates an indexer over root.
func NewIndexer(engine *Engine, root string, opts ...IndexerOption) *Indexer {
	ix := &Indexer{
		engine:  engine,
		root:    root,
		logger:  slog.New(discardHandler{}),
		pending: make(map[string]time.Time),
	}
	for _, o := range opts {
		o(ix)
	}
	return ix
}

// Run watches the knowledge root until ctx is done. Change events are
// debounced before indexing; removals delete the matching document.
func (ix *Indexer) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return &sala.ErrTransient{Op: "indexer watch", Err: err}
	}
	defer watcher.Close()

	if err := ix.addRecursive(watcher, ix.root); err != nil {
		return err
	}

	flush := time.NewTicker(indexDebounce)
	defer flush.Stop()

	ix.logger.Info("indexer: watching", "root", ix.root, "project", ix.project)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			ix.handleEvent(ctx, watcher, ev)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			ix.logger.Warn("indexer: watch error", "error", err)
		case <-flush.C:
			ix.flushPending(ctx)
		}
	}
}

func (ix *Indexer) handleEvent(ctx context.Context, watcher *fsnotify.Watcher, ev fsnotify.Event) {
	switch {
	case ev.Op.Has(fsnotify.Create):
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := ix.addRecursive(watcher, ev.Name); err != nil {
				ix.logger.Warn("indexer: watch add failed", "path", ev.Name, "error", err)
			}
			return
		}
		ix.schedule(ev.Name)
	case ev.Op.Has(fsnotify.Write), ev.Op.Has(fsnotify.Rename):
		ix.schedule(ev.Name)
	case ev.Op.Has(fsnotify.Remove):
		ix.remove(ctx, ev.Name)
	}
}

// schedule marks a path dirty; flushPending indexes it once writes settle.
func (ix *Indexer) schedule(path string) {
	if !indexable(path) {
		return
	}
	ix.mu.Lock()
	ix.pending[path] = time.Now()
	ix.mu.Unlock()
}

func (ix *Indexer) flushPending(ctx context.Context) {
	now := time.Now()
	var due []string
	ix.mu.Lock()
	for path, at := range ix.pending {
		if now.Sub(at) >= indexDebounce {
			due = append(due, path)
			delete(ix.pending, path)
		}
	}
	ix.mu.Unlock()

	for _, path := range due {
		if err := ix.IndexFile(ctx, path); err != nil {
			ix.logger.Warn("indexer: index failed", "path", path, "error", err)
		}
	}
}

// IndexFile extracts, chunks, and upserts one file. The document id is
// derived from the path relative to the root, so re-indexing updates in
// place.
func (ix *Indexer) IndexFile(ctx context.Context, path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ix.remove(ctx, path)
			return nil
		}
		return &sala.ErrTransient{Op: "read " + path, Err: err}
	}

	text, fm, err := ExtractFile(path, content)
	if err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}

	rel := ix.relPath(path)
	now := time.Now().Unix()
	doc := sala.Document{
		ID:         ix.docID(rel),
		Type:       docTypeFrom(fm.Type),
		SourcePath: rel,
		Title:      titleFrom(fm, rel),
		Content:    text,
		Concepts:   fm.Concepts,
		Project:    ix.projectFrom(fm),
		Layer:      layerFrom(fm.Layer),
		CreatedBy:  sala.ByIndexer,
		Sync:       sala.SyncPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	chunks := ix.engine.chunker.Chunk(ctx, doc.ID, doc.Content)

	if err := ix.engine.store.UpsertDocument(ctx, doc, chunks); err != nil {
		return err
	}
	if err := ix.engine.syncDocument(ctx, doc, chunks); err != nil {
		ix.logger.Warn("indexer: sync deferred", "doc", doc.ID, "error", err)
	}
	ix.logger.Debug("indexer: indexed", "path", rel, "chunks", len(chunks))
	return nil
}

// remove deletes the indexer's document for a vanished file, leaving
// documents from other writers alone.
func (ix *Indexer) remove(ctx context.Context, path string) {
	if !indexable(path) {
		return
	}
	rel := ix.relPath(path)
	n, err := ix.engine.store.DeleteDocumentsWhere(ctx, store.DocumentFilter{
		CreatedBy: sala.ByIndexer,
		SourceDir: rel,
	})
	if err != nil {
		ix.logger.Warn("indexer: remove failed", "path", rel, "error", err)
		return
	}
	if n > 0 {
		ix.logger.Debug("indexer: removed", "path", rel)
	}
}

// Rebuild drops this project's indexer documents and re-indexes the whole
// root. Learn-API and manual documents are out of scope and survive.
func (ix *Indexer) Rebuild(ctx context.Context) error {
	start := time.Now()
	deleted, err := ix.engine.store.DeleteDocumentsWhere(ctx, store.DocumentFilter{
		CreatedBy:   sala.ByIndexer,
		Project:     ix.project,
		OrNoProject: true,
	})
	if err != nil {
		return err
	}

	indexed := 0
	err = filepath.WalkDir(ix.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !indexable(path) {
			return nil
		}
		if ierr := ix.IndexFile(ctx, path); ierr != nil {
			ix.logger.Warn("indexer: rebuild skip", "path", path, "error", ierr)
			return nil
		}
		indexed++
		return nil
	})
	if err != nil {
		return err
	}
	ix.logger.Info("indexer: rebuild complete",
		"deleted", deleted, "indexed", indexed, "duration", time.Since(start))
	return nil
}

func (ix *Indexer) addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") && path != root {
			return fs.SkipDir
		}
		return watcher.Add(path)
	})
}

func (ix *Indexer) relPath(path string) string {
	if rel, err := filepath.Rel(ix.root, path); err == nil {
		return rel
	}
	return path
}

// docID is stable per source path so edits upsert rather than duplicate.
func (ix *Indexer) docID(rel string) string {
	h := sha256.Sum256([]byte("indexer:" + ix.project + ":" + rel))
	return hex.EncodeToString(h[:16])
}

func (ix *Indexer) projectFrom(fm FrontMatter) string {
	if fm.Project != "" {
		return CanonicalProject(fm.Project)
	}
	return ix.project
}

func indexable(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown", ".txt", ".pdf":
		return !strings.HasPrefix(filepath.Base(path), ".")
	}
	return false
}

func titleFrom(fm FrontMatter, rel string) string {
	if fm.Title != "" {
		return fm.Title
	}
	base := filepath.Base(rel)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func docTypeFrom(s string) sala.DocumentType {
	switch sala.DocumentType(s) {
	case sala.DocPrinciple, sala.DocRetrospective, sala.DocDecision, sala.DocThread,
		sala.DocTrace, sala.DocUserModel, sala.DocProcedural, sala.DocConversationSummary:
		return sala.DocumentType(s)
	default:
		return sala.DocLearning
	}
}

func layerFrom(s string) sala.MemoryLayer {
	switch sala.MemoryLayer(s) {
	case sala.LayerUserModel, sala.LayerProcedural, sala.LayerEpisodic, sala.LayerWorking:
		return sala.MemoryLayer(s)
	default:
		return sala.LayerSemantic
	}
}
