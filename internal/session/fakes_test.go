package session

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"parley/internal/db"
	"parley/internal/llm"
	"parley/internal/logging"
	"parley/internal/models"
	"parley/internal/registry"
)

const systemPrompt = "You are a helpful assistant."

// memStore is an in-memory Store that records every write.
type memStore struct {
	mu      sync.Mutex
	nextID  int64
	chats   map[int64]models.Chat
	creates [][]models.Message
	adds    []models.Message

	failCreate error
	failAdd    func(models.Message) error
}

func newMemStore() *memStore {
	return &memStore{chats: map[int64]models.Chat{}}
}

func (s *memStore) CreateChat(_ context.Context, title, model string, msgs []models.Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creates = append(s.creates, cloneMessages(msgs))
	if s.failCreate != nil {
		return 0, s.failCreate
	}
	s.nextID++
	chat := models.Chat{ID: s.nextID, Title: title, Model: model}
	for _, m := range msgs {
		s.nextID++
		m = m.Clone()
		m.ID = s.nextID
		chat.Messages = append(chat.Messages, m)
	}
	s.chats[chat.ID] = chat
	return chat.ID, nil
}

func (s *memStore) AddMessage(_ context.Context, chatID int64, msg models.Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAdd != nil {
		if err := s.failAdd(msg); err != nil {
			return 0, err
		}
	}
	chat, ok := s.chats[chatID]
	if !ok {
		return 0, db.ErrNotFound
	}
	s.nextID++
	msg = msg.Clone()
	msg.ID = s.nextID
	chat.Messages = append(chat.Messages, msg)
	s.chats[chatID] = chat
	s.adds = append(s.adds, msg)
	return msg.ID, nil
}

func (s *memStore) GetChat(_ context.Context, id int64) (models.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[id]
	if !ok {
		return models.Chat{}, errors.Wrapf(db.ErrNotFound, "chat %d", id)
	}
	return chat.Clone(), nil
}

func (s *memStore) ListChats(context.Context) ([]models.ChatSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ChatSummary
	for _, c := range s.chats {
		out = append(out, models.ChatSummary{ID: c.ID, Title: c.Title, Model: c.Model})
	}
	return out, nil
}

func (s *memStore) RenameChat(_ context.Context, id int64, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[id]
	if !ok {
		return db.ErrNotFound
	}
	chat.Title = title
	s.chats[id] = chat
	return nil
}

func (s *memStore) ArchiveChat(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[id]; !ok {
		return db.ErrNotFound
	}
	delete(s.chats, id)
	return nil
}

// seed stores a chat directly, bypassing the recorded writes.
func (s *memStore) seed(chat models.Chat) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	chat.ID = s.nextID
	s.chats[chat.ID] = chat
	return chat.ID
}

func (s *memStore) chat(t *testing.T, id int64) models.Chat {
	t.Helper()
	c, err := s.GetChat(context.Background(), id)
	require.NoError(t, err)
	return c
}

// script is one scripted stream. Fragments in before are sent, then the
// stream blocks on gate (if set), then after and err are sent.
type script struct {
	before  []string
	gate    chan struct{}
	reached chan struct{}
	after   []string
	err     error
}

type scriptedStreamer struct {
	mu          sync.Mutex
	scripts     []script
	requests    []llm.Request
	validateErr error
}

func (s *scriptedStreamer) Validate(models.ModelReference) error {
	return s.validateErr
}

func (s *scriptedStreamer) Stream(ctx context.Context, req llm.Request) iter.Seq2[string, error] {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	var sc script
	if len(s.scripts) > 0 {
		sc, s.scripts = s.scripts[0], s.scripts[1:]
	}
	s.mu.Unlock()

	return func(yield func(string, error) bool) {
		for _, f := range sc.before {
			if !yield(f, nil) {
				return
			}
		}
		if sc.reached != nil {
			close(sc.reached)
		}
		if sc.gate != nil {
			select {
			case <-sc.gate:
			case <-ctx.Done():
				yield("", &llm.StreamError{Fragments: len(sc.before), Err: ctx.Err()})
				return
			}
		}
		for _, f := range sc.after {
			if !yield(f, nil) {
				return
			}
		}
		if sc.err != nil {
			yield("", &llm.StreamError{Fragments: len(sc.before) + len(sc.after), Err: sc.err})
		}
	}
}

func (s *scriptedStreamer) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// recorder is a Presenter that keeps every event as a line of text.
type recorder struct {
	mu       sync.Mutex
	events   []string
	failures []error

	// onCompleted runs after a completion is recorded, on the turn goroutine.
	onCompleted func()
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) OnTurnStarted() { r.add("started") }

func (r *recorder) OnFragmentAppended(ref MessageRef, text string) {
	r.add("fragment %d %q", ref, text)
}

func (r *recorder) OnTurnCompleted(ref MessageRef) {
	r.add("completed %d", ref)
	if r.onCompleted != nil {
		r.onCompleted()
	}
}

func (r *recorder) OnTurnFailed(user MessageRef, reason error) {
	r.add("failed %d", user)
	r.mu.Lock()
	r.failures = append(r.failures, reason)
	r.mu.Unlock()
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

func (r *recorder) Failures() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.failures)
}

var testModel = models.ModelReference{
	ID:            "test",
	Name:          "test-model",
	Provider:      "fake",
	ContextWindow: 1000,
	Temperature:   1,
}

type harness struct {
	ctrl     *Controller
	store    *memStore
	streamer *scriptedStreamer
	events   *recorder
}

func newHarness(t *testing.T, scripts ...script) *harness {
	t.Helper()
	return newHarnessWith(t, Settings{ModelKey: "test", SystemPrompt: systemPrompt, PreserveSystemMessage: true}, scripts...)
}

func newHarnessWith(t *testing.T, settings Settings, scripts ...script) *harness {
	t.Helper()
	h := &harness{
		store:    newMemStore(),
		streamer: &scriptedStreamer{scripts: scripts},
		events:   &recorder{},
	}
	var clockMu sync.Mutex
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	h.ctrl = New(Options{
		Store:     h.store,
		Streamer:  h.streamer,
		Registry:  registry.New([]models.ModelReference{testModel}),
		Tokenizer: llm.Estimator{},
		Presenter: h.events,
		Settings:  settings,
		Logger:    logging.Discard(),
		Clock: func() time.Time {
			clockMu.Lock()
			defer clockMu.Unlock()
			clock = clock.Add(time.Second)
			return clock
		},
	})
	t.Cleanup(h.ctrl.Cancel)
	return h
}
