package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"parley/internal/models"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS chats (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL DEFAULT '',
		model_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		archived_at INTEGER,
		preview TEXT NOT NULL DEFAULT ''
	);`,
	`CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		model_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		meta TEXT NOT NULL DEFAULT '{}',
		FOREIGN KEY(chat_id) REFERENCES chats(id) ON DELETE CASCADE
	);`,
	`CREATE INDEX IF NOT EXISTS idx_chats_updated_at ON chats(updated_at DESC);`,
	`CREATE INDEX IF NOT EXISTS idx_messages_chat_id ON messages(chat_id, id);`,
}

const summaryColumns = `c.id, c.title, c.model_id, c.created_at, c.updated_at, c.preview,
	(SELECT COUNT(*) FROM messages m WHERE m.chat_id = c.id)`

// SQLite stores chats in a single sqlite database file.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

func OpenSQLite(path string, opts ...Option) (*SQLite, error) {
	o := buildOptions(opts)

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "opening sqlite database")
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "connecting to sqlite database")
	}

	pragmas := []string{"PRAGMA foreign_keys = ON;", "PRAGMA journal_mode = WAL;", "PRAGMA busy_timeout = 5000;"}
	for _, stmt := range append(pragmas, sqliteSchema...) {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, "initializing schema")
		}
	}
	return &SQLite{db: db, now: o.now}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) CreateChat(ctx context.Context, title, model string, msgs []models.Message) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback()

	now := s.now()
	updated := now
	if len(msgs) > 0 {
		updated = messageTime(msgs[len(msgs)-1], now)
	}
	res, err := tx.ExecContext(ctx,
		"INSERT INTO chats(title, model_id, created_at, updated_at, preview) VALUES(?, ?, ?, ?, ?)",
		title,
		model,
		now.UnixMilli(),
		updated.UnixMilli(),
		firstUserPreview(msgs),
	)
	if err != nil {
		return 0, errors.Wrap(err, "inserting chat")
	}
	chatID, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "reading chat id")
	}

	for _, m := range msgs {
		if _, err := insertMessage(ctx, tx, chatID, m, now); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "committing chat")
	}
	return chatID, nil
}

func (s *SQLite) AddMessage(ctx context.Context, chatID int64, msg models.Message) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback()

	now := s.now()
	preview := ""
	if msg.Role == models.RoleUser {
		preview = models.Preview(msg.Content)
	}
	res, err := tx.ExecContext(ctx,
		"UPDATE chats SET updated_at = ?, preview = CASE WHEN preview = '' THEN ? ELSE preview END WHERE id = ?",
		messageTime(msg, now).UnixMilli(),
		preview,
		chatID,
	)
	if err != nil {
		return 0, errors.Wrap(err, "touching chat")
	}
	if err := requireRow(res, chatID); err != nil {
		return 0, err
	}

	id, err := insertMessage(ctx, tx, chatID, msg, now)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "committing message")
	}
	return id, nil
}

func insertMessage(ctx context.Context, tx *sql.Tx, chatID int64, m models.Message, now time.Time) (int64, error) {
	meta := []byte("{}")
	if len(m.Meta) > 0 {
		b, err := json.Marshal(m.Meta)
		if err != nil {
			return 0, errors.Wrap(err, "encoding message meta")
		}
		meta = b
	}
	res, err := tx.ExecContext(ctx,
		"INSERT INTO messages(chat_id, role, content, model_id, created_at, meta) VALUES(?, ?, ?, ?, ?, ?)",
		chatID,
		string(m.Role),
		m.Content,
		m.Model,
		messageTime(m, now).UnixMilli(),
		string(meta),
	)
	if err != nil {
		return 0, errors.Wrap(err, "inserting message")
	}
	return res.LastInsertId()
}

func (s *SQLite) GetChat(ctx context.Context, id int64) (models.Chat, error) {
	var (
		chat      models.Chat
		createdAt int64
		archived  sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, title, model_id, created_at, archived_at FROM chats WHERE id = ?",
		id,
	).Scan(&chat.ID, &chat.Title, &chat.Model, &createdAt, &archived)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Chat{}, errors.Wrapf(ErrNotFound, "chat %d", id)
	}
	if err != nil {
		return models.Chat{}, errors.Wrap(err, "loading chat")
	}
	chat.CreatedAt = fromMillis(createdAt)
	if archived.Valid {
		t := fromMillis(archived.Int64)
		chat.ArchivedAt = &t
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, role, content, model_id, created_at, meta FROM messages WHERE chat_id = ? ORDER BY id ASC",
		id,
	)
	if err != nil {
		return models.Chat{}, errors.Wrap(err, "loading messages")
	}
	defer rows.Close()

	chat.Messages = []models.Message{}
	for rows.Next() {
		var (
			m    models.Message
			role string
			ts   int64
			meta string
		)
		if err := rows.Scan(&m.ID, &role, &m.Content, &m.Model, &ts, &meta); err != nil {
			return models.Chat{}, errors.Wrap(err, "scanning message")
		}
		m.Role = models.Role(role)
		m.CreatedAt = fromMillis(ts)
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &m.Meta); err != nil {
				return models.Chat{}, errors.Wrapf(err, "decoding meta of message %d", m.ID)
			}
			m.Meta = normalizeMeta(m.Meta)
		}
		chat.Messages = append(chat.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return models.Chat{}, errors.Wrap(err, "iterating messages")
	}
	return chat, nil
}

func (s *SQLite) ListChats(ctx context.Context) ([]models.ChatSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+summaryColumns+" FROM chats c WHERE c.archived_at IS NULL ORDER BY c.updated_at DESC, c.id DESC",
	)
	if err != nil {
		return nil, errors.Wrap(err, "listing chats")
	}
	defer rows.Close()
	return scanSummaries(rows, 0)
}

func (s *SQLite) RecentChats(ctx context.Context, limit, offset int) (int, []models.ChatSummary, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chats WHERE archived_at IS NULL").Scan(&count); err != nil {
		return 0, nil, errors.Wrap(err, "counting chats")
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+summaryColumns+" FROM chats c WHERE c.archived_at IS NULL ORDER BY c.updated_at DESC, c.id DESC LIMIT ? OFFSET ?",
		limit,
		offset,
	)
	if err != nil {
		return 0, nil, errors.Wrap(err, "listing recent chats")
	}
	defer rows.Close()

	items, err := scanSummaries(rows, limit)
	if err != nil {
		return 0, nil, err
	}
	return count, items, nil
}

func scanSummaries(rows *sql.Rows, capHint int) ([]models.ChatSummary, error) {
	items := make([]models.ChatSummary, 0, capHint)
	for rows.Next() {
		var (
			it               models.ChatSummary
			created, updated int64
		)
		if err := rows.Scan(&it.ID, &it.Title, &it.Model, &created, &updated, &it.Preview, &it.MessageCount); err != nil {
			return nil, errors.Wrap(err, "scanning chat")
		}
		it.CreatedAt = fromMillis(created)
		it.UpdatedAt = fromMillis(updated)
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterating chats")
	}
	return items, nil
}

func (s *SQLite) RenameChat(ctx context.Context, id int64, title string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE chats SET title = ? WHERE id = ?", title, id)
	if err != nil {
		return errors.Wrap(err, "renaming chat")
	}
	return requireRow(res, id)
}

func (s *SQLite) ArchiveChat(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE chats SET archived_at = COALESCE(archived_at, ?) WHERE id = ?",
		s.now().UnixMilli(),
		id,
	)
	if err != nil {
		return errors.Wrap(err, "archiving chat")
	}
	return requireRow(res, id)
}

func requireRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "reading affected rows")
	}
	if n == 0 {
		return errors.Wrapf(ErrNotFound, "chat %d", id)
	}
	return nil
}
