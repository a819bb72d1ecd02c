package knowledge

import (
	"context"
	"fmt"
	"time"

	sala "github.com/nitad/sala"
	"github.com/nitad/sala/internal/store"
)

const (
	maxSyncRetries  = 3
	syncBackoffBase = time.Minute
)

// syncDue reports whether a pending document's retry window has opened.
// The wait after a failed attempt doubles per recorded retry, counted from
// updated_at, so a flapping embedder is not hammered every tick.
func syncDue(doc sala.Document, now time.Time) bool {
	if doc.SyncRetries == 0 {
		return true
	}
	wait := syncBackoffBase << (doc.SyncRetries - 1)
	return now.Unix()-doc.UpdatedAt >= int64(wait/time.Second)
}

// syncDocument pushes a document's chunk embeddings into the vector store
// and marks the document synced. On failure the document stays pending for
// the reconciler; the relational write has already landed, so lexical search
// keeps working meanwhile.
func (e *Engine) syncDocument(ctx context.Context, doc sala.Document, chunks []sala.Chunk) error {
	if e.embedder == nil || e.vectors == nil {
		return e.store.SetSyncStatus(ctx, doc.ID, sala.SyncSynced, 0)
	}
	if len(chunks) == 0 {
		return e.store.SetSyncStatus(ctx, doc.ID, sala.SyncSynced, 0)
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vecs, err := e.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed chunks: %w", err)
	}

	points := make([]VectorPoint, len(chunks))
	for i, c := range chunks {
		points[i] = VectorPoint{
			ID:      c.ID,
			Vector:  vecs[i],
			DocID:   doc.ID,
			ChunkID: c.ID,
			Payload: map[string]string{"layer": string(doc.Layer), "type": string(doc.Type)},
		}
	}
	if err := e.vectors.Upsert(ctx, points); err != nil {
		return fmt.Errorf("upsert vectors: %w", err)
	}
	return e.store.SetSyncStatus(ctx, doc.ID, sala.SyncSynced, 0)
}

// ReconcileSync retries documents stuck in pending whose backoff window has
// opened. Each attempt bumps sync_retries; after maxSyncRetries the document
// is marked failed and left for operator attention. Returns the number of
// documents brought in sync.
func (e *Engine) ReconcileSync(ctx context.Context) int {
	pending, err := e.store.ListDocuments(ctx, store.DocumentFilter{Sync: sala.SyncPending}, store.Page{Limit: 50})
	if err != nil {
		e.logger.Warn("knowledge: reconcile list failed", "error", err)
		return 0
	}

	now := time.Now()
	synced := 0
	for _, doc := range pending {
		if ctx.Err() != nil {
			return synced
		}
		if !syncDue(doc, now) {
			continue
		}
		chunks, err := e.store.GetChunks(ctx, doc.ID)
		if err != nil {
			e.logger.Warn("knowledge: reconcile chunks failed", "doc", doc.ID, "error", err)
			continue
		}
		if err := e.syncDocument(ctx, doc, chunks); err != nil {
			retries := doc.SyncRetries + 1
			status := sala.SyncPending
			if retries >= maxSyncRetries {
				status = sala.SyncFailed
				e.logger.Error("knowledge: document sync gave up", "doc", doc.ID, "retries", retries, "error", err)
			} else {
				e.logger.Warn("knowledge: document sync retry scheduled", "doc", doc.ID, "retries", retries, "error", err)
			}
			if serr := e.store.SetSyncStatus(ctx, doc.ID, status, retries); serr != nil {
				e.logger.Warn("knowledge: sync status update failed", "doc", doc.ID, "error", serr)
			}
			continue
		}
		synced++
	}
	return synced
}

// RunMaintenance drives the background loops: sync reconciliation with
// backoff and the working-memory TTL sweep. Blocks until ctx is done.
func (e *Engine) RunMaintenance(ctx context.Context, interval, workingTTL time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.ReconcileSync(ctx)
			if workingTTL > 0 {
				e.PruneWorking(ctx, workingTTL)
			}
		}
	}
}
