package db

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"parley/internal/config"
	"parley/internal/models"
)

// ErrNotFound is returned when a chat id does not exist.
var ErrNotFound = errors.New("chat not found")

// Store is the persistence gateway. Every method is a single atomic unit.
type Store interface {
	CreateChat(ctx context.Context, title, model string, msgs []models.Message) (int64, error)
	AddMessage(ctx context.Context, chatID int64, msg models.Message) (int64, error)
	GetChat(ctx context.Context, id int64) (models.Chat, error)
	ListChats(ctx context.Context) ([]models.ChatSummary, error)
	RecentChats(ctx context.Context, limit, offset int) (int, []models.ChatSummary, error)
	RenameChat(ctx context.Context, id int64, title string) error
	ArchiveChat(ctx context.Context, id int64) error
	Close() error
}

type options struct {
	now func() time.Time
}

type Option func(*options)

// WithClock overrides the time source used for chat timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Open returns the store selected by the storage config.
func Open(cfg config.Storage, opts ...Option) (Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("storage path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
		return nil, errors.Wrap(err, "creating storage directory")
	}
	switch cfg.Driver {
	case config.DriverSQLite, "":
		return OpenSQLite(cfg.Path, opts...)
	case config.DriverBolt:
		return OpenBolt(cfg.Path, opts...)
	default:
		return nil, errors.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// Remove deletes the database files of the configured store.
func Remove(cfg config.Storage) error {
	for _, p := range []string{cfg.Path, cfg.Path + "-wal", cfg.Path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "removing %s", p)
		}
	}
	return nil
}

// normalizeMeta restores integer values that JSON decoding turns into
// float64, so decoded meta holds the same types the controller wrote.
func normalizeMeta(meta map[string]any) map[string]any {
	if f, ok := meta[models.MetaFragments].(float64); ok {
		meta[models.MetaFragments] = int(f)
	}
	return meta
}

func messageTime(m models.Message, fallback time.Time) time.Time {
	if m.CreatedAt.IsZero() {
		return fallback
	}
	return m.CreatedAt
}

// firstUserPreview is the preview stored for list views.
func firstUserPreview(msgs []models.Message) string {
	for _, m := range msgs {
		if m.Role == models.RoleUser {
			return models.Preview(m.Content)
		}
	}
	return ""
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}
