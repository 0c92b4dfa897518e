package db

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parley/internal/config"
	"parley/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	stores := map[string]Store{}
	for _, driver := range []string{config.DriverSQLite, config.DriverBolt} {
		clock := &fakeClock{now: time.Unix(1700000000, 0)}
		s, err := Open(config.Storage{Driver: driver, Path: filepath.Join(dir, driver, "chats.db")}, WithClock(clock.Now))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		stores[driver] = s
	}
	return stores
}

func initial(system, user string) []models.Message {
	return []models.Message{
		{Role: models.RoleSystem, Content: system},
		{Role: models.RoleUser, Content: user, Model: "gpt-4o"},
	}
}

func TestCreateAndGetChat(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			id, err := s.CreateChat(ctx, "Hello", "gpt-4o", initial("You are a helpful assistant.", "Hello"))
			require.NoError(t, err)
			require.NotZero(t, id)

			_, err = s.AddMessage(ctx, id, models.Message{
				Role:    models.RoleAssistant,
				Content: "Hi there!",
				Model:   "gpt-4o",
				Meta:    map[string]any{models.MetaFailed: true, models.MetaError: "boom", models.MetaFragments: 3},
			})
			require.NoError(t, err)

			chat, err := s.GetChat(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, id, chat.ID)
			assert.Equal(t, "Hello", chat.Title)
			assert.Equal(t, "gpt-4o", chat.Model)
			require.Len(t, chat.Messages, 3)
			assert.Equal(t, models.RoleSystem, chat.Messages[0].Role)
			assert.Equal(t, "Hello", chat.Messages[1].Content)
			assert.Equal(t, "Hi there!", chat.Messages[2].Content)
			assert.True(t, chat.Messages[2].Failed())
			assert.Equal(t, "boom", chat.Messages[2].Meta[models.MetaError])
			assert.Equal(t, 3, chat.Messages[2].Meta[models.MetaFragments])
			assert.NotZero(t, chat.Messages[2].ID)
		})
	}
}

func TestGetChatNotFound(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.GetChat(ctx, 999)
			assert.True(t, errors.Is(err, ErrNotFound))

			_, err = s.AddMessage(ctx, 999, models.Message{Role: models.RoleUser, Content: "x"})
			assert.True(t, errors.Is(err, ErrNotFound))

			assert.True(t, errors.Is(s.RenameChat(ctx, 999, "x"), ErrNotFound))
			assert.True(t, errors.Is(s.ArchiveChat(ctx, 999), ErrNotFound))
		})
	}
}

func TestCreateChatIsAtomic(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			msgs := initial("sys", "hello")
			// Channels cannot be encoded, so the second message fails mid-transaction.
			msgs[1].Meta = map[string]any{"bad": make(chan int)}

			_, err := s.CreateChat(ctx, "t", "gpt-4o", msgs)
			require.Error(t, err)

			chats, err := s.ListChats(ctx)
			require.NoError(t, err)
			assert.Empty(t, chats)
		})
	}
}

func TestListChatsOrderAndArchive(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			first, err := s.CreateChat(ctx, "first", "gpt-4o", initial("sys", "one"))
			require.NoError(t, err)
			second, err := s.CreateChat(ctx, "second", "gpt-4o", initial("sys", "two"))
			require.NoError(t, err)
			third, err := s.CreateChat(ctx, "third", "gpt-4o", initial("sys", "three"))
			require.NoError(t, err)

			// Touching the oldest chat moves it to the front.
			_, err = s.AddMessage(ctx, first, models.Message{Role: models.RoleAssistant, Content: "reply"})
			require.NoError(t, err)

			chats, err := s.ListChats(ctx)
			require.NoError(t, err)
			require.Len(t, chats, 3)
			assert.Equal(t, []int64{first, third, second}, []int64{chats[0].ID, chats[1].ID, chats[2].ID})
			assert.Equal(t, 3, chats[0].MessageCount)
			assert.Equal(t, "one...", chats[0].Preview)

			require.NoError(t, s.ArchiveChat(ctx, third))
			require.NoError(t, s.ArchiveChat(ctx, third))
			chats, err = s.ListChats(ctx)
			require.NoError(t, err)
			require.Len(t, chats, 2)
			assert.Equal(t, first, chats[0].ID)

			archived, err := s.GetChat(ctx, third)
			require.NoError(t, err)
			assert.NotNil(t, archived.ArchivedAt)
		})
	}
}

func TestRecentChatsPaging(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			var ids []int64
			for i := 0; i < 5; i++ {
				id, err := s.CreateChat(ctx, "chat", "gpt-4o", initial("sys", "q"))
				require.NoError(t, err)
				ids = append(ids, id)
			}

			total, page, err := s.RecentChats(ctx, 2, 2)
			require.NoError(t, err)
			assert.Equal(t, 5, total)
			require.Len(t, page, 2)
			assert.Equal(t, ids[2], page[0].ID)
			assert.Equal(t, ids[1], page[1].ID)

			total, page, err = s.RecentChats(ctx, 2, 10)
			require.NoError(t, err)
			assert.Equal(t, 5, total)
			assert.Empty(t, page)
		})
	}
}

func TestRenameChat(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			id, err := s.CreateChat(ctx, "old", "gpt-4o", initial("sys", "q"))
			require.NoError(t, err)
			require.NoError(t, s.RenameChat(ctx, id, "new"))

			chat, err := s.GetChat(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, "new", chat.Title)
		})
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(config.Storage{Driver: "postgres", Path: filepath.Join(t.TempDir(), "x")})
	assert.Error(t, err)
}
