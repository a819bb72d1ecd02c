package knowledge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	sala "github.com/nitad/sala"
	"github.com/nitad/sala/internal/store"
)

// PruneWorking deletes working-layer entries older than ttl. Working memory
// is session-scoped; nothing in it survives past the session boundary.
func (e *Engine) PruneWorking(ctx context.Context, ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl).Unix()
	n, err := e.store.DeleteDocumentsWhere(ctx, store.DocumentFilter{
		Layers:        []sala.MemoryLayer{sala.LayerWorking},
		UpdatedBefore: cutoff,
	})
	if err != nil {
		e.logger.Warn("knowledge: working memory sweep failed", "error", err)
		return 0
	}
	if n > 0 {
		e.logger.Debug("knowledge: working memory swept", "deleted", n)
	}
	return n
}

// EndSession drops the working-layer entries belonging to one session and
// leaves every other layer untouched. Episodic summaries written at session
// end go through Learn, not here.
func (e *Engine) EndSession(ctx context.Context, sessionID string) {
	n, err := e.store.DeleteDocumentsWhere(ctx, store.DocumentFilter{
		Layers:    []sala.MemoryLayer{sala.LayerWorking},
		SessionID: sessionID,
	})
	if err != nil {
		e.logger.Warn("knowledge: end session sweep failed", "session", sessionID, "error", err)
		return
	}
	e.logger.Debug("knowledge: session working memory cleared", "session", sessionID, "deleted", n)
}

// SaveSummary persists an end-of-conversation summary as an episodic
// document and clears the session's working memory. Summaries carry
// CreatedBy manual, so indexer rebuilds never touch them.
func (e *Engine) SaveSummary(ctx context.Context, sessionID, title, content string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("save summary: %w: empty content", sala.ErrBadInput)
	}
	now := time.Now().Unix()
	doc := sala.Document{
		ID:        sala.NewID(),
		Type:      sala.DocConversationSummary,
		Title:     title,
		Content:   content,
		Layer:     sala.LayerEpisodic,
		CreatedBy: sala.ByManual,
		Sync:      sala.SyncPending,
		SessionID: sessionID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	chunks := e.chunker.Chunk(ctx, doc.ID, doc.Content)
	if err := e.store.UpsertDocument(ctx, doc, chunks); err != nil {
		return "", fmt.Errorf("save summary: %w", err)
	}
	if err := e.syncDocument(ctx, doc, chunks); err != nil {
		e.logger.Warn("knowledge: summary sync deferred", "doc", doc.ID, "error", err)
	}
	e.EndSession(ctx, sessionID)
	return doc.ID, nil
}

// EpisodicRecall returns the freshest episodic summaries by decay score,
// for prompt assembly.
func (e *Engine) EpisodicRecall(ctx context.Context, limit int) ([]sala.Document, error) {
	docs, err := e.store.ListDocuments(ctx, store.DocumentFilter{
		Layers: []sala.MemoryLayer{sala.LayerEpisodic},
	}, store.Page{Limit: limit * 4})
	if err != nil {
		return nil, err
	}
	now := time.Now().Unix()
	for i := range docs {
		docs[i].DecayScore = store.DecayScore(docs[i].AccessCount, docs[i].LastAccess, docs[i].CreatedAt, now)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].DecayScore > docs[j].DecayScore })
	if len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}
