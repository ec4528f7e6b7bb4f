package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/soyeahso/unibox/internal/domain"
)

const chatColumns = `id, account_id, platform, group_id, name, avatar, type, member_count,
	last_message, last_message_time, unread_count, status, created_at, updated_at`

// UpsertChat inserts or replaces a chat row. CreatedAt of an existing row is
// preserved.
func (db *DB) UpsertChat(ctx context.Context, c domain.ChatInfo) error {
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	var members sql.NullInt64
	if c.MemberCount != nil {
		members = sql.NullInt64{Int64: int64(*c.MemberCount), Valid: true}
	}

	_, err := db.sql.ExecContext(ctx, `
		INSERT INTO chats (`+chatColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			group_id = excluded.group_id,
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE chats.name END,
			avatar = CASE WHEN excluded.avatar != '' THEN excluded.avatar ELSE chats.avatar END,
			type = excluded.type,
			member_count = COALESCE(excluded.member_count, chats.member_count),
			last_message = CASE WHEN excluded.last_message_time >= chats.last_message_time THEN excluded.last_message ELSE chats.last_message END,
			last_message_time = MAX(excluded.last_message_time, chats.last_message_time),
			unread_count = excluded.unread_count,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		c.ID, c.AccountID, string(c.Platform), c.GroupID, c.Name, c.Avatar, string(c.Type), members,
		c.LastMessage, toMillis(c.LastMessageTime), c.UnreadCount, statusOr(c.Status),
		toMillis(c.CreatedAt), toMillis(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting chat %s: %w", c.ID, err)
	}
	return nil
}

// GetChat returns a chat by canonical id.
func (db *DB) GetChat(ctx context.Context, id string) (domain.ChatInfo, bool, error) {
	row := db.sql.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE id = ?`, id)
	c, err := scanChat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ChatInfo{}, false, nil
	}
	if err != nil {
		return domain.ChatInfo{}, false, fmt.Errorf("loading chat %s: %w", id, err)
	}
	return c, true, nil
}

// ListChats returns an account's chats, most recent first.
func (db *DB) ListChats(ctx context.Context, accountID string) ([]domain.ChatInfo, error) {
	rows, err := db.sql.QueryContext(ctx,
		`SELECT `+chatColumns+` FROM chats WHERE account_id = ?
		 ORDER BY last_message_time DESC, id ASC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("listing chats: %w", err)
	}
	defer rows.Close()

	chats := []domain.ChatInfo{}
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// MarkRead zeroes a chat's unread counter.
func (db *DB) MarkRead(ctx context.Context, chatID string) error {
	_, err := db.sql.ExecContext(ctx, `UPDATE chats SET unread_count = 0 WHERE id = ?`, chatID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChat(row rowScanner) (domain.ChatInfo, error) {
	var (
		c                         domain.ChatInfo
		platform, typ             string
		members                   sql.NullInt64
		lastTime, created, update int64
	)
	err := row.Scan(&c.ID, &c.AccountID, &platform, &c.GroupID, &c.Name, &c.Avatar, &typ, &members,
		&c.LastMessage, &lastTime, &c.UnreadCount, &c.Status, &created, &update)
	if err != nil {
		return c, err
	}
	c.Platform = domain.Platform(platform)
	c.Type = domain.ChatType(typ)
	if members.Valid {
		n := int(members.Int64)
		c.MemberCount = &n
	}
	c.LastMessageTime = fromMillis(lastTime)
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(update)
	return c, nil
}

func statusOr(s string) string {
	if s == "" {
		return "active"
	}
	return s
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
