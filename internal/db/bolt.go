package db

import (
	"cmp"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"parley/internal/models"
)

var chatsBucket = []byte("chats")

// Bolt stores chats in a BoltDB file. Chat records live in the "chats"
// bucket keyed by id, and each chat owns a "messages-<id>" bucket.
type Bolt struct {
	db  *bolt.DB
	now func() time.Time
}

type chatRecord struct {
	ID           int64  `json:"id"`
	Title        string `json:"title"`
	Model        string `json:"model"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
	ArchivedAt   *int64 `json:"archived_at,omitempty"`
	Preview      string `json:"preview"`
	MessageCount int    `json:"message_count"`
}

type messageRecord struct {
	ID        int64          `json:"id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Model     string         `json:"model"`
	CreatedAt int64          `json:"created_at"`
	Meta      map[string]any `json:"meta,omitempty"`
}

func OpenBolt(path string, opts ...Option) (*Bolt, error) {
	o := buildOptions(opts)

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "opening bolt database")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(chatsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "creating chats bucket")
	}
	return &Bolt{db: db, now: o.now}, nil
}

func (b *Bolt) Close() error {
	return b.db.Close()
}

func itob(v int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	return buf
}

func messageBucketName(chatID int64) []byte {
	return []byte(fmt.Sprintf("messages-%d", chatID))
}

func getChatRecord(tx *bolt.Tx, id int64) (chatRecord, error) {
	v := tx.Bucket(chatsBucket).Get(itob(id))
	if v == nil {
		return chatRecord{}, errors.Wrapf(ErrNotFound, "chat %d", id)
	}
	var rec chatRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return chatRecord{}, errors.Wrapf(err, "decoding chat %d", id)
	}
	return rec, nil
}

func putChatRecord(tx *bolt.Tx, rec chatRecord) error {
	v, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encoding chat")
	}
	return tx.Bucket(chatsBucket).Put(itob(rec.ID), v)
}

func putMessage(bucket *bolt.Bucket, m models.Message, now time.Time) (int64, error) {
	seq, err := bucket.NextSequence()
	if err != nil {
		return 0, errors.Wrap(err, "allocating message id")
	}
	rec := messageRecord{
		ID:        int64(seq),
		Role:      string(m.Role),
		Content:   m.Content,
		Model:     m.Model,
		CreatedAt: messageTime(m, now).UnixMilli(),
		Meta:      m.Meta,
	}
	v, err := json.Marshal(rec)
	if err != nil {
		return 0, errors.Wrap(err, "encoding message")
	}
	if err := bucket.Put(itob(rec.ID), v); err != nil {
		return 0, errors.Wrap(err, "writing message")
	}
	return rec.ID, nil
}

func (b *Bolt) CreateChat(_ context.Context, title, model string, msgs []models.Message) (int64, error) {
	var chatID int64
	err := b.db.Update(func(tx *bolt.Tx) error {
		seq, err := tx.Bucket(chatsBucket).NextSequence()
		if err != nil {
			return errors.Wrap(err, "allocating chat id")
		}
		chatID = int64(seq)

		now := b.now()
		updated := now
		if len(msgs) > 0 {
			updated = messageTime(msgs[len(msgs)-1], now)
		}

		bucket, err := tx.CreateBucketIfNotExists(messageBucketName(chatID))
		if err != nil {
			return errors.Wrap(err, "creating message bucket")
		}
		for _, m := range msgs {
			if _, err := putMessage(bucket, m, now); err != nil {
				return err
			}
		}

		return putChatRecord(tx, chatRecord{
			ID:           chatID,
			Title:        title,
			Model:        model,
			CreatedAt:    now.UnixMilli(),
			UpdatedAt:    updated.UnixMilli(),
			Preview:      firstUserPreview(msgs),
			MessageCount: len(msgs),
		})
	})
	if err != nil {
		return 0, err
	}
	return chatID, nil
}

func (b *Bolt) AddMessage(_ context.Context, chatID int64, msg models.Message) (int64, error) {
	var id int64
	err := b.db.Update(func(tx *bolt.Tx) error {
		rec, err := getChatRecord(tx, chatID)
		if err != nil {
			return err
		}
		bucket, err := tx.CreateBucketIfNotExists(messageBucketName(chatID))
		if err != nil {
			return errors.Wrap(err, "opening message bucket")
		}
		now := b.now()
		if id, err = putMessage(bucket, msg, now); err != nil {
			return err
		}

		rec.UpdatedAt = messageTime(msg, now).UnixMilli()
		rec.MessageCount++
		if rec.Preview == "" && msg.Role == models.RoleUser {
			rec.Preview = models.Preview(msg.Content)
		}
		return putChatRecord(tx, rec)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (b *Bolt) GetChat(_ context.Context, id int64) (models.Chat, error) {
	var chat models.Chat
	err := b.db.View(func(tx *bolt.Tx) error {
		rec, err := getChatRecord(tx, id)
		if err != nil {
			return err
		}
		chat = models.Chat{
			ID:        rec.ID,
			Title:     rec.Title,
			Model:     rec.Model,
			CreatedAt: fromMillis(rec.CreatedAt),
			Messages:  []models.Message{},
		}
		if rec.ArchivedAt != nil {
			t := fromMillis(*rec.ArchivedAt)
			chat.ArchivedAt = &t
		}

		bucket := tx.Bucket(messageBucketName(id))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, v []byte) error {
			var m messageRecord
			if err := json.Unmarshal(v, &m); err != nil {
				return errors.Wrap(err, "decoding message")
			}
			chat.Messages = append(chat.Messages, models.Message{
				ID:        m.ID,
				Role:      models.Role(m.Role),
				Content:   m.Content,
				Model:     m.Model,
				CreatedAt: fromMillis(m.CreatedAt),
				Meta:      normalizeMeta(m.Meta),
			})
			return nil
		})
	})
	if err != nil {
		return models.Chat{}, err
	}
	return chat, nil
}

func (b *Bolt) ListChats(_ context.Context) ([]models.ChatSummary, error) {
	var items []models.ChatSummary
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(chatsBucket).ForEach(func(_, v []byte) error {
			var rec chatRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return errors.Wrap(err, "decoding chat")
			}
			if rec.ArchivedAt != nil {
				return nil
			}
			items = append(items, models.ChatSummary{
				ID:           rec.ID,
				Title:        rec.Title,
				Model:        rec.Model,
				CreatedAt:    fromMillis(rec.CreatedAt),
				UpdatedAt:    fromMillis(rec.UpdatedAt),
				Preview:      rec.Preview,
				MessageCount: rec.MessageCount,
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(items, func(a, b models.ChatSummary) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return items, nil
}

func (b *Bolt) RecentChats(ctx context.Context, limit, offset int) (int, []models.ChatSummary, error) {
	all, err := b.ListChats(ctx)
	if err != nil {
		return 0, nil, err
	}
	offset = max(offset, 0)
	if offset >= len(all) {
		return len(all), []models.ChatSummary{}, nil
	}
	end := min(offset+limit, len(all))
	return len(all), all[offset:end], nil
}

func (b *Bolt) RenameChat(_ context.Context, id int64, title string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		rec, err := getChatRecord(tx, id)
		if err != nil {
			return err
		}
		rec.Title = title
		return putChatRecord(tx, rec)
	})
}

func (b *Bolt) ArchiveChat(_ context.Context, id int64) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		rec, err := getChatRecord(tx, id)
		if err != nil {
			return err
		}
		if rec.ArchivedAt == nil {
			ts := b.now().UnixMilli()
			rec.ArchivedAt = &ts
		}
		return putChatRecord(tx, rec)
	})
}
