package store

import (
	"context"
	"fmt"
	"time"

	sala "github.com/nitad/sala"
)

// InsertQueueEntry persists a freshly accepted entry. Rejected entries
// (queue full) are never written.
func (s *Store) InsertQueueEntry(ctx context.Context, e sala.QueueEntry) error {
	_, err := s.writer.ExecContext(ctx,
		`INSERT INTO queue_entries (id, group_id, chat_id, message_id, prompt, priority, status,
			container_id, enqueued_at, started_at, finished_at, retry_count, last_error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.GroupID, e.ChatID, e.MessageID, e.Prompt, int(e.Priority), e.Status,
		e.ContainerID, e.EnqueuedAt, e.StartedAt, e.FinishedAt, e.RetryCount, e.LastError)
	if err != nil {
		return fmt.Errorf("insert queue entry: %w", err)
	}
	return nil
}

// UpdateQueueEntry overwrites the mutable fields of an entry.
func (s *Store) UpdateQueueEntry(ctx context.Context, e sala.QueueEntry) error {
	_, err := s.writer.ExecContext(ctx,
		`UPDATE queue_entries SET status=?, container_id=?, started_at=?, finished_at=?,
			retry_count=?, last_error=? WHERE id=?`,
		e.Status, e.ContainerID, e.StartedAt, e.FinishedAt, e.RetryCount, e.LastError, e.ID)
	if err != nil {
		return fmt.Errorf("update queue entry: %w", err)
	}
	return nil
}

// PendingQueueEntries returns entries that survived a restart: everything
// still waiting or marked active. The queue decides per entry whether an
// active one can be reclaimed (container alive) or must be re-enqueued.
func (s *Store) PendingQueueEntries(ctx context.Context) ([]sala.QueueEntry, error) {
	start := time.Now()
	rows, err := s.reader.QueryContext(ctx,
		`SELECT id, group_id, chat_id, message_id, prompt, priority, status, container_id,
			enqueued_at, started_at, finished_at, retry_count, last_error
		 FROM queue_entries WHERE status IN ('waiting', 'active')
		 ORDER BY priority, enqueued_at`)
	if err != nil {
		return nil, fmt.Errorf("pending queue entries: %w", err)
	}
	defer rows.Close()

	var entries []sala.QueueEntry
	for rows.Next() {
		var e sala.QueueEntry
		var prio int
		if err := rows.Scan(&e.ID, &e.GroupID, &e.ChatID, &e.MessageID, &e.Prompt, &prio,
			&e.Status, &e.ContainerID, &e.EnqueuedAt, &e.StartedAt, &e.FinishedAt,
			&e.RetryCount, &e.LastError); err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		e.Priority = sala.Priority(prio)
		entries = append(entries, e)
	}
	s.logOp("pending queue entries", start, "count", len(entries))
	return entries, rows.Err()
}

// --- Container registry ---

// UpsertContainer writes a container record.
func (s *Store) UpsertContainer(ctx context.Context, c sala.ContainerRecord) error {
	labels := marshalLabels(c.Labels)
	_, err := s.writer.ExecContext(ctx,
		`INSERT INTO containers (id, group_id, session_id, status, started_at, last_heartbeat, reuse_count, labels)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET group_id=excluded.group_id, session_id=excluded.session_id,
			status=excluded.status, last_heartbeat=excluded.last_heartbeat,
			reuse_count=excluded.reuse_count, labels=excluded.labels`,
		c.ID, c.GroupID, c.SessionID, c.Status, c.StartedAt, c.LastHeartbeat, c.ReuseCount, labels)
	if err != nil {
		return fmt.Errorf("upsert container: %w", err)
	}
	return nil
}

// LiveContainers returns records not yet stopped.
func (s *Store) LiveContainers(ctx context.Context) ([]sala.ContainerRecord, error) {
	rows, err := s.reader.QueryContext(ctx,
		`SELECT id, group_id, session_id, status, started_at, last_heartbeat, reuse_count
		 FROM containers WHERE status != 'stopped'`)
	if err != nil {
		return nil, fmt.Errorf("live containers: %w", err)
	}
	defer rows.Close()

	var recs []sala.ContainerRecord
	for rows.Next() {
		var c sala.ContainerRecord
		if err := rows.Scan(&c.ID, &c.GroupID, &c.SessionID, &c.Status, &c.StartedAt,
			&c.LastHeartbeat, &c.ReuseCount); err != nil {
			return nil, fmt.Errorf("scan container: %w", err)
		}
		recs = append(recs, c)
	}
	return recs, rows.Err()
}

// MarkContainerStopped is the terminal registry write for a container.
func (s *Store) MarkContainerStopped(ctx context.Context, id string) error {
	_, err := s.writer.ExecContext(ctx,
		`UPDATE containers SET status = 'stopped' WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark container stopped: %w", err)
	}
	return nil
}

// --- Cost accounting ---

// InsertCostRecord attaches an accounting row to a request outcome.
func (s *Store) InsertCostRecord(ctx context.Context, r sala.CostRecord) error {
	_, err := s.writer.ExecContext(ctx,
		`INSERT INTO cost_records (id, chat_id, tier, model, input_tokens, output_tokens, cost_usd, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ChatID, r.Tier, r.Model, r.InputTokens, r.OutputTokens, r.CostUSD, r.LatencyMs, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert cost record: %w", err)
	}
	return nil
}

// CostSummary aggregates spend since a cutoff, grouped by tier.
func (s *Store) CostSummary(ctx context.Context, since int64) (map[sala.Tier]float64, error) {
	rows, err := s.reader.QueryContext(ctx,
		`SELECT tier, SUM(cost_usd) FROM cost_records WHERE created_at >= ? GROUP BY tier`, since)
	if err != nil {
		return nil, fmt.Errorf("cost summary: %w", err)
	}
	defer rows.Close()

	out := make(map[sala.Tier]float64)
	for rows.Next() {
		var tier string
		var usd float64
		if err := rows.Scan(&tier, &usd); err != nil {
			return nil, fmt.Errorf("scan cost summary: %w", err)
		}
		out[sala.Tier(tier)] = usd
	}
	return out, rows.Err()
}
