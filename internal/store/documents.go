package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	sala "github.com/nitad/sala"
)

// DocumentFilter narrows document queries. Zero values mean "any".
type DocumentFilter struct {
	Types     []sala.DocumentType
	Layers    []sala.MemoryLayer
	Project   string
	// OrNoProject widens Project matching to also include documents with no
	// project set. The indexer's rebuild scope is "current project or
	// project-less".
	OrNoProject bool
	CreatedBy   sala.CreatedBy
	SourceDir string // prefix match on source_path
	Sync      sala.SyncStatus
	// UpdatedBefore keeps only documents last touched before this unix time.
	// The working-memory TTL sweep uses it.
	UpdatedBefore int64
	SessionID     string
}

// Page is a limit/offset pair for list queries.
type Page struct {
	Limit  int
	Offset int
}

// UpsertDocument writes a document and its chunks in one transaction,
// keeping the FTS index in sync. Existing chunks for the document are
// replaced; there is never a window where the document has no chunks.
func (s *Store) UpsertDocument(ctx context.Context, doc sala.Document, chunks []sala.Chunk) error {
	start := time.Now()

	conceptsJSON, _ := json.Marshal(doc.Concepts)
	metadataJSON := []byte("{}")
	if doc.Metadata != nil {
		metadataJSON, _ = json.Marshal(doc.Metadata)
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO documents (id, type, source_path, title, content, concepts, metadata, project, layer,
				created_by, sync_status, sync_retries, access_count, last_access, decay_score,
				superseded_by, session_id, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
				type=excluded.type, source_path=excluded.source_path, title=excluded.title,
				content=excluded.content, concepts=excluded.concepts, metadata=excluded.metadata,
				project=excluded.project,
				layer=excluded.layer, sync_status=excluded.sync_status,
				sync_retries=excluded.sync_retries, superseded_by=excluded.superseded_by,
				session_id=excluded.session_id, updated_at=excluded.updated_at`,
			doc.ID, doc.Type, doc.SourcePath, doc.Title, doc.Content, string(conceptsJSON),
			string(metadataJSON), doc.Project, doc.Layer, doc.CreatedBy, doc.Sync, doc.SyncRetries,
			doc.AccessCount, doc.LastAccess, doc.DecayScore, doc.SupersededBy,
			doc.SessionID, doc.CreatedAt, doc.UpdatedAt)
		if err != nil {
			return fmt.Errorf("upsert document: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM documents_fts WHERE doc_id = ?`, doc.ID); err != nil {
			return fmt.Errorf("clear document fts: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, doc.ID); err != nil {
			return fmt.Errorf("clear document chunks: %w", err)
		}

		for _, c := range chunks {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO chunks (id, document_id, idx, total, content, token_count, embedding_model)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				c.ID, c.DocumentID, c.Index, c.Total, c.Content, c.TokenCount, c.EmbeddingModel); err != nil {
				return fmt.Errorf("insert chunk: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO documents_fts (doc_id, chunk_id, title, content) VALUES (?, ?, ?, ?)`,
				doc.ID, c.ID, doc.Title, c.Content); err != nil {
				return fmt.Errorf("insert chunk fts: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("store: upsert document failed", "id", doc.ID, "error", err)
		return err
	}
	s.logOp("upsert document ok", start, "id", doc.ID, "chunks", len(chunks))
	return nil
}

// GetDocument returns a document by id, recomputing its decay score from
// last access age on the way out.
func (s *Store) GetDocument(ctx context.Context, id string) (sala.Document, error) {
	row := s.reader.QueryRowContext(ctx, docSelect+` WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if err != nil {
		return sala.Document{}, fmt.Errorf("get document: %w", err)
	}
	doc.DecayScore = DecayScore(doc.AccessCount, doc.LastAccess, doc.CreatedAt, time.Now().Unix())
	return doc, nil
}

// ListDocuments returns documents matching filter, newest first.
func (s *Store) ListDocuments(ctx context.Context, filter DocumentFilter, page Page) ([]sala.Document, error) {
	start := time.Now()
	where, args := filter.clause()
	q := docSelect + where + ` ORDER BY created_at DESC`
	if page.Limit > 0 {
		q += ` LIMIT ? OFFSET ?`
		args = append(args, page.Limit, page.Offset)
	}
	rows, err := s.reader.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []sala.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	s.logOp("list documents ok", start, "count", len(docs))
	return docs, rows.Err()
}

// DeleteDocumentsWhere removes matching documents. Chunks and FTS rows go
// with them atomically. Returns the number of documents removed.
func (s *Store) DeleteDocumentsWhere(ctx context.Context, filter DocumentFilter) (int, error) {
	start := time.Now()
	where, args := filter.clause()

	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM documents_fts WHERE doc_id IN (SELECT id FROM documents`+where+`)`, args...); err != nil {
			return fmt.Errorf("delete documents fts: %w", err)
		}
		// chunks cascade via foreign key
		res, err := tx.ExecContext(ctx, `DELETE FROM documents`+where, args...)
		if err != nil {
			return fmt.Errorf("delete documents: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		s.logger.Error("store: delete documents failed", "error", err)
		return 0, err
	}
	s.logOp("delete documents ok", start, "deleted", n)
	return int(n), nil
}

// GetChunks returns a document's chunks in order.
func (s *Store) GetChunks(ctx context.Context, docID string) ([]sala.Chunk, error) {
	rows, err := s.reader.QueryContext(ctx,
		`SELECT id, document_id, idx, total, content, token_count, embedding_model
		 FROM chunks WHERE document_id = ? ORDER BY idx`, docID)
	if err != nil {
		return nil, fmt.Errorf("get chunks: %w", err)
	}
	defer rows.Close()

	var chunks []sala.Chunk
	for rows.Next() {
		var c sala.Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Index, &c.Total, &c.Content, &c.TokenCount, &c.EmbeddingModel); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// TouchAccess increments a document's access count and stamps last_access.
// The ranker reads both through DecayScore.
func (s *Store) TouchAccess(ctx context.Context, docID string) error {
	_, err := s.writer.ExecContext(ctx,
		`UPDATE documents SET access_count = access_count + 1, last_access = ? WHERE id = ?`,
		time.Now().Unix(), docID)
	if err != nil {
		return fmt.Errorf("touch access: %w", err)
	}
	return nil
}

// SetSyncStatus updates the relational↔vector reconciliation state and
// stamps updated_at, which the reconciler reads as the last attempt time.
func (s *Store) SetSyncStatus(ctx context.Context, docID string, status sala.SyncStatus, retries int) error {
	_, err := s.writer.ExecContext(ctx,
		`UPDATE documents SET sync_status = ?, sync_retries = ?, updated_at = ? WHERE id = ?`,
		status, retries, time.Now().Unix(), docID)
	if err != nil {
		return fmt.Errorf("set sync status: %w", err)
	}
	return nil
}

// AddSupersession appends a supersession pair and stamps superseded_by on
// the old document. Originals are never deleted.
func (s *Store) AddSupersession(ctx context.Context, sup sala.Supersession) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO supersessions (old_doc_id, new_doc_id, reason, by, at) VALUES (?, ?, ?, ?, ?)`,
			sup.OldDocID, sup.NewDocID, sup.Reason, sup.By, sup.At); err != nil {
			return fmt.Errorf("insert supersession: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE documents SET superseded_by = ? WHERE id = ?`, sup.NewDocID, sup.OldDocID); err != nil {
			return fmt.Errorf("stamp superseded_by: %w", err)
		}
		return nil
	})
}

// ListSupersessions returns the append-only supersession log, newest first.
func (s *Store) ListSupersessions(ctx context.Context, limit int) ([]sala.Supersession, error) {
	rows, err := s.reader.QueryContext(ctx,
		`SELECT old_doc_id, new_doc_id, reason, by, at FROM supersessions ORDER BY at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list supersessions: %w", err)
	}
	defer rows.Close()

	var sups []sala.Supersession
	for rows.Next() {
		var sup sala.Supersession
		if err := rows.Scan(&sup.OldDocID, &sup.NewDocID, &sup.Reason, &sup.By, &sup.At); err != nil {
			return nil, fmt.Errorf("scan supersession: %w", err)
		}
		sups = append(sups, sup)
	}
	return sups, rows.Err()
}

// DocumentStats aggregates document counts for the stats endpoint.
type DocumentStats struct {
	Total   int                       `json:"total"`
	ByType  map[sala.DocumentType]int `json:"by_type"`
	ByLayer map[sala.MemoryLayer]int  `json:"by_layer"`
	BySync  map[sala.SyncStatus]int   `json:"by_sync"`
}

// Stats counts documents by type, layer, and sync status.
func (s *Store) Stats(ctx context.Context) (DocumentStats, error) {
	stats := DocumentStats{
		ByType:  make(map[sala.DocumentType]int),
		ByLayer: make(map[sala.MemoryLayer]int),
		BySync:  make(map[sala.SyncStatus]int),
	}
	rows, err := s.reader.QueryContext(ctx,
		`SELECT type, layer, sync_status, COUNT(*) FROM documents GROUP BY type, layer, sync_status`)
	if err != nil {
		return stats, fmt.Errorf("document stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var t sala.DocumentType
		var l sala.MemoryLayer
		var sy sala.SyncStatus
		var n int
		if err := rows.Scan(&t, &l, &sy, &n); err != nil {
			return stats, fmt.Errorf("scan stats: %w", err)
		}
		stats.Total += n
		stats.ByType[t] += n
		stats.ByLayer[l] += n
		stats.BySync[sy] += n
	}
	return stats, rows.Err()
}

// DecayScore computes the episodic decay score: a base that halves every 30
// days since last touch, boosted logarithmically by access count. Recomputed
// on read; never stored stale.
func DecayScore(accessCount, lastAccess, createdAt, now int64) float64 {
	ref := lastAccess
	if ref == 0 {
		ref = createdAt
	}
	ageDays := float64(now-ref) / 86400
	if ageDays < 0 {
		ageDays = 0
	}
	base := math.Pow(0.5, ageDays/30)
	boost := math.Log1p(float64(accessCount)) / 10
	score := base + boost
	if score > 1 {
		score = 1
	}
	return score
}

const docSelect = `SELECT id, type, source_path, title, content, concepts, metadata, project, layer,
	created_by, sync_status, sync_retries, access_count, last_access, decay_score,
	superseded_by, session_id, created_at, updated_at FROM documents`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (sala.Document, error) {
	var d sala.Document
	var concepts, metadata string
	err := row.Scan(&d.ID, &d.Type, &d.SourcePath, &d.Title, &d.Content, &concepts, &metadata,
		&d.Project, &d.Layer, &d.CreatedBy, &d.Sync, &d.SyncRetries,
		&d.AccessCount, &d.LastAccess, &d.DecayScore, &d.SupersededBy,
		&d.SessionID, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return sala.Document{}, err
	}
	_ = json.Unmarshal([]byte(concepts), &d.Concepts)
	_ = json.Unmarshal([]byte(metadata), &d.Metadata)
	return d, nil
}

func (f DocumentFilter) clause() (string, []any) {
	var clauses []string
	var args []any

	if len(f.Types) > 0 {
		ph := make([]string, len(f.Types))
		for i, t := range f.Types {
			ph[i] = "?"
			args = append(args, t)
		}
		clauses = append(clauses, "type IN ("+strings.Join(ph, ",")+")")
	}
	if len(f.Layers) > 0 {
		ph := make([]string, len(f.Layers))
		for i, l := range f.Layers {
			ph[i] = "?"
			args = append(args, l)
		}
		clauses = append(clauses, "layer IN ("+strings.Join(ph, ",")+")")
	}
	if f.Project != "" {
		if f.OrNoProject {
			clauses = append(clauses, "(project = ? OR project = '')")
		} else {
			clauses = append(clauses, "project = ?")
		}
		args = append(args, f.Project)
	} else if f.OrNoProject {
		clauses = append(clauses, "project = ''")
	}
	if f.CreatedBy != "" {
		clauses = append(clauses, "created_by = ?")
		args = append(args, f.CreatedBy)
	}
	if f.SourceDir != "" {
		clauses = append(clauses, "source_path LIKE ?")
		args = append(args, f.SourceDir+"%")
	}
	if f.Sync != "" {
		clauses = append(clauses, "sync_status = ?")
		args = append(args, f.Sync)
	}
	if f.UpdatedBefore > 0 {
		clauses = append(clauses, "updated_at < ?")
		args = append(args, f.UpdatedBefore)
	}
	if f.SessionID != "" {
		clauses = append(clauses, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
