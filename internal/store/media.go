package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/soyeahso/unibox/internal/domain"
)

// PutAsset records the primary copy of a media asset. An existing row for
// the same (account, type, hash) is kept.
func (db *DB) PutAsset(ctx context.Context, a domain.MediaAsset) error {
	_, err := db.sql.ExecContext(ctx, `
		INSERT OR IGNORE INTO media_assets
			(account_id, type, content_hash, storage_path, url, original_file_name, mime_type, source_type, message_id, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.AccountID, string(a.Type), a.ContentHash, a.StoragePath, a.URL, a.OriginalFileName,
		a.MimeType, a.SourceType, a.MessageID, toMillis(a.StoredAt),
	)
	if err != nil {
		return fmt.Errorf("indexing asset %s: %w", a.ContentHash, err)
	}
	return nil
}

// GetAsset looks up the primary asset for (account, type, hash).
func (db *DB) GetAsset(ctx context.Context, accountID string, t domain.MessageType, hash string) (domain.MediaAsset, bool, error) {
	row := db.sql.QueryRowContext(ctx, `
		SELECT account_id, type, content_hash, storage_path, url, original_file_name, mime_type, source_type, message_id, stored_at
		FROM media_assets WHERE account_id = ? AND type = ? AND content_hash = ?`, accountID, string(t), hash)
	a, err := scanAsset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return a, false, nil
	}
	if err != nil {
		return a, false, err
	}
	return a, true, nil
}

// ListAssets returns every indexed asset. Used to warm the in-memory index.
func (db *DB) ListAssets(ctx context.Context) ([]domain.MediaAsset, error) {
	rows, err := db.sql.QueryContext(ctx, `
		SELECT account_id, type, content_hash, storage_path, url, original_file_name, mime_type, source_type, message_id, stored_at
		FROM media_assets`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.MediaAsset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteAsset drops an index row whose file has gone missing.
func (db *DB) DeleteAsset(ctx context.Context, accountID string, t domain.MessageType, hash string) error {
	_, err := db.sql.ExecContext(ctx,
		`DELETE FROM media_assets WHERE account_id = ? AND type = ? AND content_hash = ?`, accountID, string(t), hash)
	return err
}

func scanAsset(row rowScanner) (domain.MediaAsset, error) {
	var (
		a        domain.MediaAsset
		typ      string
		storedAt int64
	)
	err := row.Scan(&a.AccountID, &typ, &a.ContentHash, &a.StoragePath, &a.URL, &a.OriginalFileName,
		&a.MimeType, &a.SourceType, &a.MessageID, &storedAt)
	a.Type = domain.MessageType(typ)
	a.StoredAt = fromMillis(storedAt)
	return a, err
}
