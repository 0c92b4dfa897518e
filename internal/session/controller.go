package session

import (
	"context"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"parley/internal/llm"
	"parley/internal/logging"
	"parley/internal/models"
)

// Store is the persistence gateway used by the controller.
type Store interface {
	CreateChat(ctx context.Context, title, model string, msgs []models.Message) (int64, error)
	AddMessage(ctx context.Context, chatID int64, msg models.Message) (int64, error)
	GetChat(ctx context.Context, id int64) (models.Chat, error)
	ListChats(ctx context.Context) ([]models.ChatSummary, error)
	RenameChat(ctx context.Context, id int64, title string) error
	ArchiveChat(ctx context.Context, id int64) error
}

// Streamer opens completion streams. Validate rejects a model before any
// network call.
type Streamer interface {
	Stream(ctx context.Context, req llm.Request) iter.Seq2[string, error]
	Validate(ref models.ModelReference) error
}

// Resolver maps model keys to references. Lookup serves the send path and
// fails on unknown keys; Resolve serves the read path and never fails.
type Resolver interface {
	Lookup(key string) (models.ModelReference, error)
	Resolve(key string) models.ModelReference
}

// Presenter receives turn events. Calls come from controller goroutines and
// never while the controller holds its lock.
type Presenter interface {
	OnTurnStarted()
	OnFragmentAppended(ref MessageRef, text string)
	OnTurnCompleted(ref MessageRef)
	OnTurnFailed(user MessageRef, reason error)
}

// Settings is the session scoped configuration. It only changes through
// SetModel.
type Settings struct {
	ModelKey              string
	SystemPrompt          string
	PreserveSystemMessage bool
}

type Options struct {
	Store     Store
	Streamer  Streamer
	Registry  Resolver
	Tokenizer llm.Tokenizer
	Presenter Presenter
	Settings  Settings
	Logger    *slog.Logger
	Clock     func() time.Time
}

type turn struct {
	id     string
	user   MessageRef
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Controller owns one chat and sequences its turns.
type Controller struct {
	store     Store
	streamer  Streamer
	registry  Resolver
	tokenizer llm.Tokenizer
	presenter Presenter
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	state    State
	settings Settings
	chat     models.Chat
	turn     *turn
}

func New(opts Options) *Controller {
	c := &Controller{
		store:     opts.Store,
		streamer:  opts.Streamer,
		registry:  opts.Registry,
		tokenizer: opts.Tokenizer,
		presenter: opts.Presenter,
		logger:    logging.Module(opts.Logger, "session"),
		now:       opts.Clock,
		state:     Idle{},
		settings:  opts.Settings,
	}
	if c.tokenizer == nil {
		c.tokenizer = llm.Estimator{}
	}
	if c.presenter == nil {
		c.presenter = NopPresenter{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	c.chat = c.freshChat()
	return c
}

func (c *Controller) freshChat() models.Chat {
	return models.Chat{
		Model:     c.settings.ModelKey,
		CreatedAt: c.now(),
		Messages:  []models.Message{c.systemMessage()},
	}
}

func (c *Controller) systemMessage() models.Message {
	return models.Message{
		Role:      models.RoleSystem,
		Content:   c.settings.SystemPrompt,
		CreatedAt: c.now(),
		Model:     c.settings.ModelKey,
	}
}

// apply runs a transition on the locked controller.
func (c *Controller) apply(e Event) error {
	next, err := Transition(c.state, e)
	if err != nil {
		c.logger.Error("rejected state transition",
			slog.String("state", c.state.String()),
			slog.Any("error", err),
		)
		return err
	}
	c.state = next
	return nil
}

// prepare checks that history can be sent with the current model and
// returns the reference and the trimmed request history.
func (c *Controller) prepare(history []models.Message) (models.ModelReference, []models.Message, error) {
	ref, err := c.registry.Lookup(c.settings.ModelKey)
	if err != nil {
		return ref, nil, turnError(KindConfiguration, err)
	}
	if err := c.streamer.Validate(ref); err != nil {
		return ref, nil, turnError(KindConfiguration, err)
	}
	trimmed, err := llm.Trim(history, ref.Budget(), c.tokenizer, c.settings.PreserveSystemMessage)
	if err != nil {
		return ref, nil, turnError(KindConfiguration, err)
	}
	return ref, trimmed, nil
}

// Submit appends a user message, persists it and starts streaming the
// answer. It returns once the stream is open; the outcome reaches the
// Presenter.
func (c *Controller) Submit(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}

	c.mu.Lock()
	if !isIdle(c.state) {
		c.mu.Unlock()
		return ErrBusy
	}

	now := c.now()
	user := models.Message{Role: models.RoleUser, Content: text, CreatedAt: now, Model: c.settings.ModelKey}
	history := append(cloneMessages(c.chat.Messages), user)
	ref, request, err := c.prepare(history)
	if err != nil {
		c.mu.Unlock()
		c.logger.Warn("turn rejected", slog.Any("error", err))
		return err
	}
	user.Model = ref.LookupKey()

	c.chat.Messages = append(c.chat.Messages, user)
	userRef := MessageRef(len(c.chat.Messages) - 1)
	persisted := c.chat.Persisted()
	t := c.beginTurn(ctx, userRef)
	if err := c.apply(Submitted{Persisted: persisted, User: userRef, TurnID: t.id}); err != nil {
		c.chat.Messages = c.chat.Messages[:userRef]
		c.turn = nil
		c.mu.Unlock()
		t.cancel()
		close(t.done)
		return err
	}

	chatID := c.chat.ID
	title := c.chat.Title
	if title == "" {
		title = models.DeriveTitle(text)
	}
	initial := cloneMessages(c.chat.Messages)
	c.mu.Unlock()

	log := c.logger.With(slog.String("turn_id", t.id))
	if persisted {
		id, err := c.store.AddMessage(ctx, chatID, user)
		if err != nil {
			return c.abortSubmit(t, log, err)
		}
		c.mu.Lock()
		c.chat.Messages[userRef].ID = id
		c.mu.Unlock()
	} else {
		id, err := c.store.CreateChat(ctx, title, ref.LookupKey(), initial)
		if err != nil {
			return c.abortSubmit(t, log, err)
		}
		c.mu.Lock()
		c.chat.ID = id
		c.chat.Title = title
		c.chat.Model = ref.LookupKey()
		err = c.apply(ChatCreated{})
		c.state = withTurn(c.state, t.id)
		c.mu.Unlock()
		if err != nil {
			c.finishTurn(t)
			return err
		}
		log.Info("chat created", slog.Int64("chat_id", id))
	}

	if t.ctx.Err() != nil {
		// Cancelled while the user message was being written.
		c.mu.Lock()
		err := c.apply(TurnAborted{})
		c.mu.Unlock()
		c.finishTurn(t)
		return err
	}
	c.presenter.OnTurnStarted()
	go c.consume(t, ref, request)
	return nil
}

// beginTurn registers a new turn on the locked controller. The stream
// context keeps ctx's values but not its cancellation; Cancel stops it.
func (c *Controller) beginTurn(ctx context.Context, user MessageRef) *turn {
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &turn{
		id:     uuid.NewString(),
		user:   user,
		ctx:    streamCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.turn = t
	return t
}

// abortSubmit rolls back the user message after a failed write so it is
// never left in memory while believed persisted.
func (c *Controller) abortSubmit(t *turn, log *slog.Logger, err error) error {
	log.Error("persisting user message", slog.Any("error", err))
	c.mu.Lock()
	c.chat.Messages = c.chat.Messages[:t.user]
	aerr := c.apply(TurnAborted{})
	c.mu.Unlock()
	c.finishTurn(t)
	if aerr != nil {
		return aerr
	}
	return turnError(KindPersistence, err)
}

func (c *Controller) finishTurn(t *turn) {
	t.cancel()
	c.mu.Lock()
	if c.turn == t {
		c.turn = nil
	}
	c.mu.Unlock()
	close(t.done)
}

// consume reads the stream of turn t until it ends.
func (c *Controller) consume(t *turn, ref models.ModelReference, request []models.Message) {
	defer c.finishTurn(t)
	log := c.logger.With(slog.String("turn_id", t.id), slog.String("model", ref.LookupKey()))
	assistantRef := t.user + 1

	var draft strings.Builder
	fragments := 0
	var streamErr error
	started := c.now()
	for frag, err := range c.streamer.Stream(t.ctx, llm.Request{Model: ref, Messages: request}) {
		if err != nil {
			streamErr = err
			break
		}
		if t.ctx.Err() != nil {
			break
		}
		if frag == "" {
			continue
		}
		draft.WriteString(frag)
		fragments++
		c.presenter.OnFragmentAppended(assistantRef, draft.String())
	}

	if t.ctx.Err() != nil {
		log.Info("turn cancelled", slog.Int("fragments", fragments))
		c.mu.Lock()
		_ = c.apply(TurnAborted{})
		c.mu.Unlock()
		return
	}

	if streamErr != nil && fragments == 0 {
		log.Warn("stream failed", slog.Any("error", streamErr))
		c.presenter.OnTurnFailed(t.user, turnError(KindTransport, streamErr))
		c.endTurn()
		return
	}

	msg := models.Message{
		Role:      models.RoleAssistant,
		Content:   draft.String(),
		CreatedAt: c.now(),
		Model:     ref.LookupKey(),
	}
	if streamErr != nil {
		msg.Meta = map[string]any{
			models.MetaFailed:    true,
			models.MetaError:     streamErr.Error(),
			models.MetaTurnID:    t.id,
			models.MetaFragments: fragments,
		}
	}

	c.mu.Lock()
	c.chat.Messages = append(c.chat.Messages, msg)
	chatID := c.chat.ID
	c.mu.Unlock()

	id, perr := c.store.AddMessage(context.WithoutCancel(t.ctx), chatID, msg.Clone())

	c.mu.Lock()
	if perr == nil && int(assistantRef) < len(c.chat.Messages) {
		c.chat.Messages[assistantRef].ID = id
	}
	c.mu.Unlock()
	defer c.endTurn()

	if t.ctx.Err() != nil {
		log.Info("turn cancelled while saving the response", slog.Bool("saved", perr == nil))
		return
	}

	switch {
	case perr != nil:
		log.Error("persisting assistant message", slog.Any("error", perr))
		c.presenter.OnTurnFailed(t.user, turnError(KindPersistence, perr))
	case streamErr != nil:
		log.Warn("stream failed after partial response", slog.Int("fragments", fragments), slog.Any("error", streamErr))
		c.presenter.OnTurnFailed(t.user, turnError(KindPartial, streamErr))
	default:
		log.Info("turn completed",
			slog.Int("fragments", fragments),
			slog.Duration("elapsed", c.now().Sub(started)),
		)
		c.presenter.OnTurnCompleted(assistantRef)
	}
}

// endTurn moves the controller back to Idle once the outcome of the turn
// has been delivered.
func (c *Controller) endTurn() {
	c.mu.Lock()
	_ = c.apply(TurnEnded{})
	c.mu.Unlock()
}

// fresh reports whether the chat is unpersisted and holds only its system
// message.
func (c *Controller) fresh() bool {
	return !c.chat.Persisted() && len(c.chat.Messages) == 1 && c.chat.Messages[0].Role == models.RoleSystem
}

// LoadChat replaces the fresh in-memory chat with a stored one. When the
// stored history ends with a user message the answer is streamed again.
func (c *Controller) LoadChat(ctx context.Context, id int64) error {
	c.mu.Lock()
	ok := isIdle(c.state) && c.fresh()
	c.mu.Unlock()
	if !ok {
		return ErrNotFresh
	}

	chat, err := c.store.GetChat(ctx, id)
	if err != nil {
		return errors.Wrapf(err, "loading chat %d", id)
	}

	c.mu.Lock()
	if !isIdle(c.state) || !c.fresh() {
		c.mu.Unlock()
		return ErrNotFresh
	}
	if len(chat.Messages) == 0 || chat.Messages[0].Role != models.RoleSystem {
		chat.Messages = append([]models.Message{c.systemMessage()}, chat.Messages...)
	}
	if chat.Model != "" {
		c.settings.ModelKey = c.registry.Resolve(chat.Model).LookupKey()
	}
	c.chat = chat

	last, _ := chat.LastMessage()
	if last.Role != models.RoleUser {
		err := c.apply(Loaded{})
		c.mu.Unlock()
		c.logger.Info("chat loaded", slog.Int64("chat_id", id), slog.Int("messages", len(chat.Messages)))
		return err
	}

	userRef := MessageRef(len(chat.Messages) - 1)
	ref, request, perr := c.prepare(cloneMessages(chat.Messages))
	if perr != nil {
		err := c.apply(Loaded{})
		c.mu.Unlock()
		if err != nil {
			return err
		}
		c.logger.Warn("cannot resume unanswered message", slog.Int64("chat_id", id), slog.Any("error", perr))
		c.presenter.OnTurnFailed(userRef, perr)
		return nil
	}

	t := c.beginTurn(ctx, userRef)
	if err := c.apply(Loaded{Resume: true, User: userRef, TurnID: t.id}); err != nil {
		c.turn = nil
		c.mu.Unlock()
		t.cancel()
		close(t.done)
		return err
	}
	c.mu.Unlock()

	c.logger.Info("resuming unanswered message", slog.Int64("chat_id", id), slog.String("turn_id", t.id))
	c.presenter.OnTurnStarted()
	go c.consume(t, ref, request)
	return nil
}

// PrepareNewChat resets the controller to an unpersisted chat holding only
// the system message.
func (c *Controller) PrepareNewChat() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !isIdle(c.state) {
		return ErrBusy
	}
	if err := c.apply(Reset{}); err != nil {
		return err
	}
	c.chat = c.freshChat()
	return nil
}

// Cancel abandons the in-flight turn, if any, and waits until it has
// stopped. A partial response that was not yet being saved is dropped
// without presenter events. A response whose write had already started
// stays in storage, and its outcome event is skipped unless delivery had
// begun. No event of the turn arrives after Cancel returns.
func (c *Controller) Cancel() {
	c.mu.Lock()
	t := c.turn
	c.mu.Unlock()
	if t == nil {
		return
	}
	t.cancel()
	<-t.done
}

// Wait blocks until no turn is in flight and its events have been delivered.
func (c *Controller) Wait() {
	for {
		c.mu.Lock()
		t := c.turn
		c.mu.Unlock()
		if t == nil {
			return
		}
		<-t.done
	}
}

// SetModel selects the model used from the next turn on.
func (c *Controller) SetModel(key string) error {
	ref, err := c.registry.Lookup(key)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings.ModelKey = ref.LookupKey()
	if !c.chat.Persisted() {
		c.chat.Model = ref.LookupKey()
	}
	return nil
}

// Rename sets the chat title, in storage as well once the chat is persisted.
func (c *Controller) Rename(ctx context.Context, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("title is empty")
	}
	c.mu.Lock()
	id := c.chat.ID
	c.mu.Unlock()

	if id != 0 {
		if err := c.store.RenameChat(ctx, id, title); err != nil {
			return errors.Wrapf(err, "renaming chat %d", id)
		}
	}
	c.mu.Lock()
	if c.chat.ID == id {
		c.chat.Title = title
	}
	c.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the in-memory chat.
func (c *Controller) Snapshot() models.Chat {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chat.Clone()
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Model is the reference the next turn will use, or a placeholder when the
// selected key is no longer configured.
func (c *Controller) Model() models.ModelReference {
	c.mu.Lock()
	key := c.settings.ModelKey
	c.mu.Unlock()
	return c.registry.Resolve(key)
}

func (c *Controller) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

func cloneMessages(msgs []models.Message) []models.Message {
	out := make([]models.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// NopPresenter ignores every event.
type NopPresenter struct{}

func (NopPresenter) OnTurnStarted()                        {}
func (NopPresenter) OnFragmentAppended(MessageRef, string) {}
func (NopPresenter) OnTurnCompleted(MessageRef)            {}
func (NopPresenter) OnTurnFailed(MessageRef, error)        {}
