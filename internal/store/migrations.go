package store

// migration represents a single schema migration.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the ordered list of all schema migrations.
var migrations = []migration{
	{
		Version: 1,
		Name:    "create chats and messages",
		SQL: `
			CREATE TABLE chats (
				id                TEXT PRIMARY KEY,
				account_id        TEXT NOT NULL,
				platform          TEXT NOT NULL,
				group_id          TEXT NOT NULL,
				name              TEXT NOT NULL DEFAULT '',
				avatar            TEXT NOT NULL DEFAULT '',
				type              TEXT NOT NULL,
				member_count      INTEGER,
				last_message      TEXT NOT NULL DEFAULT '',
				last_message_time INTEGER NOT NULL DEFAULT 0,
				unread_count      INTEGER NOT NULL DEFAULT 0,
				status            TEXT NOT NULL DEFAULT 'active',
				created_at        INTEGER NOT NULL,
				updated_at        INTEGER NOT NULL
			);

			CREATE INDEX idx_chats_account ON chats (account_id, last_message_time DESC);
			CREATE INDEX idx_chats_group ON chats (group_id);

			CREATE TABLE messages (
				id          TEXT PRIMARY KEY,
				account_id  TEXT NOT NULL,
				chat_id     TEXT NOT NULL,
				sender      TEXT NOT NULL DEFAULT '',
				sender_name TEXT NOT NULL DEFAULT '',
				content     TEXT NOT NULL DEFAULT '',
				ts          INTEGER NOT NULL,
				is_own      INTEGER NOT NULL DEFAULT 0,
				type        TEXT NOT NULL,
				status      TEXT NOT NULL DEFAULT '',
				file_name   TEXT NOT NULL DEFAULT '',
				file_hash   TEXT NOT NULL DEFAULT '',
				geo         TEXT
			);

			CREATE INDEX idx_messages_chat ON messages (chat_id, ts DESC, id DESC);
			CREATE INDEX idx_messages_account ON messages (account_id);
		`,
	},
	{
		Version: 2,
		Name:    "create media asset index",
		SQL: `
			CREATE TABLE media_assets (
				account_id         TEXT NOT NULL,
				type               TEXT NOT NULL,
				content_hash       TEXT NOT NULL,
				storage_path       TEXT NOT NULL,
				url                TEXT NOT NULL,
				original_file_name TEXT NOT NULL DEFAULT '',
				mime_type          TEXT NOT NULL DEFAULT '',
				source_type        TEXT NOT NULL,
				message_id         TEXT NOT NULL DEFAULT '',
				stored_at          INTEGER NOT NULL,
				PRIMARY KEY (account_id, type, content_hash)
			);
		`,
	},
}
