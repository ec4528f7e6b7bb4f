package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/soyeahso/unibox/internal/domain"
)

// RecordEvent stores a provider event: the message is upserted and the chat
// row advanced to it. Unread grows only for new inbound messages.
func (db *DB) RecordEvent(ctx context.Context, ev domain.ProviderEvent) (domain.ChatInfo, error) {
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return ev.ChatInfo, err
	}
	defer tx.Rollback()

	inserted, err := insertMessage(ctx, tx, ev.AccountID, ev.Message)
	if err != nil {
		return ev.ChatInfo, err
	}
	if err := tx.Commit(); err != nil {
		return ev.ChatInfo, err
	}

	chat := ev.ChatInfo
	if stored, ok, err := db.GetChat(ctx, chat.ID); err == nil && ok {
		chat.UnreadCount = stored.UnreadCount
		if chat.Name == "" {
			chat.Name = stored.Name
		}
		if chat.CreatedAt.IsZero() {
			chat.CreatedAt = stored.CreatedAt
		}
	}
	if inserted && !ev.Message.IsOwn {
		chat.UnreadCount++
	}
	if ev.Message.IsOwn {
		chat.UnreadCount = 0
	}
	if !ev.Message.Timestamp.Before(chat.LastMessageTime) {
		chat.LastMessage = ev.Message.Preview()
		chat.LastMessageTime = ev.Message.Timestamp
	}
	if err := db.UpsertChat(ctx, chat); err != nil {
		return chat, err
	}
	stored, _, err := db.GetChat(ctx, chat.ID)
	if err != nil {
		return chat, err
	}
	return stored, nil
}

// SaveMessages upserts history messages without touching chat rows.
func (db *DB) SaveMessages(ctx context.Context, accountID string, msgs []domain.ChatMessage) error {
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, m := range msgs {
		if _, err := insertMessage(ctx, tx, accountID, m); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// insertMessage upserts m and reports whether it was new.
func insertMessage(ctx context.Context, tx *sql.Tx, accountID string, m domain.ChatMessage) (bool, error) {
	var geo sql.NullString
	if m.Geo != nil {
		data, err := json.Marshal(m.Geo)
		if err != nil {
			return false, err
		}
		geo = sql.NullString{String: string(data), Valid: true}
	}

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE id = ?`, m.ID).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking message %s: %w", m.ID, err)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, account_id, chat_id, sender, sender_name, content, ts, is_own, type, status, file_name, file_hash, geo)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			sender_name = excluded.sender_name,
			content = excluded.content,
			status = CASE WHEN `+statusRank("excluded.status")+` > `+statusRank("messages.status")+`
				THEN excluded.status ELSE messages.status END,
			file_name = excluded.file_name,
			file_hash = CASE WHEN excluded.file_hash != '' THEN excluded.file_hash ELSE messages.file_hash END,
			geo = excluded.geo`,
		m.ID, accountID, m.ChatID, m.Sender, m.SenderName, m.Content, toMillis(m.Timestamp), m.IsOwn,
		string(m.Type), string(m.Status), m.FileName, m.FileHash, geo,
	)
	if err != nil {
		return false, fmt.Errorf("saving message %s: %w", m.ID, err)
	}
	return exists == 0, nil
}

// statusRank orders delivery states so a re-ingested copy of a message
// never moves its status backwards.
func statusRank(col string) string {
	return `CASE ` + col + `
		WHEN 'read' THEN 4
		WHEN 'delivered' THEN 3
		WHEN 'sent' THEN 2
		WHEN 'received' THEN 2
		WHEN 'failed' THEN 1
		ELSE 0 END`
}

// ListMessages returns up to limit of the newest messages in a chat in
// chronological order, and whether older ones exist.
func (db *DB) ListMessages(ctx context.Context, chatID string, limit int) ([]domain.ChatMessage, bool, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.sql.QueryContext(ctx, `
		SELECT id, chat_id, sender, sender_name, content, ts, is_own, type, status, file_name, file_hash, geo
		FROM messages WHERE chat_id = ?
		ORDER BY ts DESC, id DESC LIMIT ?`, chatID, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	msgs := []domain.ChatMessage{}
	for rows.Next() {
		var (
			m         domain.ChatMessage
			ts        int64
			typ, stat string
			geo       sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Sender, &m.SenderName, &m.Content, &ts, &m.IsOwn,
			&typ, &stat, &m.FileName, &m.FileHash, &geo); err != nil {
			return nil, false, err
		}
		m.Timestamp = fromMillis(ts)
		m.Type = domain.MessageType(typ)
		m.Status = domain.MessageStatus(stat)
		if geo.Valid {
			var g domain.Geo
			if err := json.Unmarshal([]byte(geo.String), &g); err == nil {
				m.Geo = &g
			}
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	slices.Reverse(msgs)
	return msgs, hasMore, nil
}

// UpdateMessageStatus sets a message's delivery status.
func (db *DB) UpdateMessageStatus(ctx context.Context, id string, status domain.MessageStatus) error {
	_, err := db.sql.ExecContext(ctx, `UPDATE messages SET status = ? WHERE id = ?`, string(status), id)
	return err
}

// DeleteAccount removes every cached row belonging to an account.
func (db *DB) DeleteAccount(ctx context.Context, accountID string) error {
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, q := range []string{
		`DELETE FROM messages WHERE account_id = ?`,
		`DELETE FROM chats WHERE account_id = ?`,
		`DELETE FROM media_assets WHERE account_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, accountID); err != nil {
			return fmt.Errorf("deleting account %s: %w", accountID, err)
		}
	}
	db.log.Info().Str("account", accountID).Msg("account cache purged")
	return tx.Commit()
}
