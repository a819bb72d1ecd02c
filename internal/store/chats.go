package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sala "github.com/nitad/sala"
)

// EnsureChat registers a chat on first contact. Existing chats only get
// their display name refreshed; chats are never destroyed.
func (s *Store) EnsureChat(ctx context.Context, id, displayName, groupID string) (sala.Chat, error) {
	start := time.Now()

	chat, err := s.GetChat(ctx, id)
	if err == nil {
		if displayName != "" && displayName != chat.DisplayName {
			_, uerr := s.writer.ExecContext(ctx,
				`UPDATE chats SET display_name = ? WHERE id = ?`, displayName, id)
			if uerr == nil {
				chat.DisplayName = displayName
			}
		}
		return chat, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return sala.Chat{}, err
	}

	chat = sala.Chat{
		ID:          id,
		DisplayName: displayName,
		GroupID:     groupID,
		Registered:  true,
		CreatedAt:   time.Now().Unix(),
	}
	_, err = s.writer.ExecContext(ctx,
		`INSERT INTO chats (id, display_name, registered, group_id, trigger_phrase, archived, created_at)
		 VALUES (?, ?, 1, ?, '', 0, ?)`,
		chat.ID, chat.DisplayName, chat.GroupID, chat.CreatedAt)
	if err != nil {
		return sala.Chat{}, fmt.Errorf("create chat: %w", err)
	}
	s.logOp("chat registered", start, "id", id, "group", groupID)
	return chat, nil
}

// GetChat returns a chat by its channel-qualified id.
func (s *Store) GetChat(ctx context.Context, id string) (sala.Chat, error) {
	var c sala.Chat
	var registered, archived int
	err := s.reader.QueryRowContext(ctx,
		`SELECT id, display_name, registered, group_id, trigger_phrase, archived, created_at
		 FROM chats WHERE id = ?`, id,
	).Scan(&c.ID, &c.DisplayName, &registered, &c.GroupID, &c.TriggerPhrase, &archived, &c.CreatedAt)
	if err != nil {
		return sala.Chat{}, err
	}
	c.Registered = registered != 0
	c.Archived = archived != 0
	return c, nil
}

// ArchiveChat soft-archives a chat. The row stays.
func (s *Store) ArchiveChat(ctx context.Context, id string) error {
	_, err := s.writer.ExecContext(ctx, `UPDATE chats SET archived = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("archive chat: %w", err)
	}
	return nil
}

// InsertMessage persists a message and its attachments. Insert-only.
func (s *Store) InsertMessage(ctx context.Context, msg sala.Message) error {
	start := time.Now()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, chat_id, external_id, sender, sender_display, content, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.ChatID, msg.ExternalID, msg.Sender, msg.SenderDisplay, msg.Content, msg.Timestamp)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		for _, a := range msg.Attachments {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO attachments (id, message_id, kind, mime, filename, size, file_id, local_path, width, height, duration, ord)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				a.ID, msg.ID, a.Kind, a.Mime, a.Filename, a.Size, a.FileID, a.LocalPath,
				a.Width, a.Height, a.Duration, a.Index)
			if err != nil {
				return fmt.Errorf("insert attachment: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("store: insert message failed", "id", msg.ID, "error", err)
		return err
	}
	s.logOp("insert message ok", start, "id", msg.ID, "chat", msg.ChatID, "attachments", len(msg.Attachments))
	return nil
}

// RecentMessages returns the latest messages for a chat, oldest first.
func (s *Store) RecentMessages(ctx context.Context, chatID string, limit int) ([]sala.Message, error) {
	rows, err := s.reader.QueryContext(ctx,
		`SELECT id, chat_id, external_id, sender, sender_display, content, timestamp
		 FROM messages WHERE chat_id = ?
		 ORDER BY timestamp DESC, id DESC LIMIT ?`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	var msgs []sala.Message
	for rows.Next() {
		var m sala.Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.ExternalID, &m.Sender, &m.SenderDisplay, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// SetAttachmentPath records where an attachment blob landed in the
// content-addressed store.
func (s *Store) SetAttachmentPath(ctx context.Context, attachmentID, localPath string) error {
	_, err := s.writer.ExecContext(ctx,
		`UPDATE attachments SET local_path = ? WHERE id = ?`, localPath, attachmentID)
	if err != nil {
		return fmt.Errorf("set attachment path: %w", err)
	}
	return nil
}

// --- Groups ---

// UpsertGroup registers a workspace group. Name is unique; Main is
// exclusive, so promoting a group demotes the previous main.
func (s *Store) UpsertGroup(ctx context.Context, g sala.Group) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if g.Main {
			if _, err := tx.ExecContext(ctx, `UPDATE groups SET main = 0 WHERE main = 1 AND id != ?`, g.ID); err != nil {
				return fmt.Errorf("demote main: %w", err)
			}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO groups (id, name, folder, main, created_at) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET name=excluded.name, folder=excluded.folder, main=excluded.main`,
			g.ID, g.Name, g.Folder, boolToInt(g.Main), g.CreatedAt)
		if err != nil {
			return fmt.Errorf("upsert group: %w", err)
		}
		return nil
	})
}

// ListGroups returns all registered groups.
func (s *Store) ListGroups(ctx context.Context) ([]sala.Group, error) {
	rows, err := s.reader.QueryContext(ctx,
		`SELECT id, name, folder, main, created_at FROM groups ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var groups []sala.Group
	for rows.Next() {
		var g sala.Group
		var main int
		if err := rows.Scan(&g.ID, &g.Name, &g.Folder, &main, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		g.Main = main != 0
		groups = append(groups, g)
	}
	return groups, rows.Err()
}
