package ui

import (
	"context"
	"log/slog"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/glamour"

	"parley/internal/llm"
	"parley/internal/models"
	"parley/internal/session"
)

const (
	MaxChatWidth    = 100
	HistoryPageSize = 10
	maxInputHeight  = 6
)

var ModalWidth = 60

// Session is the part of the session controller the UI drives.
type Session interface {
	Submit(ctx context.Context, text string) error
	Cancel()
	PrepareNewChat() error
	LoadChat(ctx context.Context, id int64) error
	SetModel(key string) error
	Rename(ctx context.Context, title string) error
	Snapshot() models.Chat
	State() session.State
	Model() models.ModelReference
}

// History backs the history modal.
type History interface {
	RecentChats(ctx context.Context, limit, offset int) (int, []models.ChatSummary, error)
	RenameChat(ctx context.Context, id int64, title string) error
	ArchiveChat(ctx context.Context, id int64) error
}

// Messages sent by the Presenter from controller goroutines.
type (
	TurnStartedMsg struct{}

	FragmentMsg struct {
		Ref  session.MessageRef
		Text string
	}

	TurnCompletedMsg struct{ Ref session.MessageRef }

	TurnFailedMsg struct {
		User session.MessageRef
		Err  error
	}
)

// Results of commands started by Update.
type (
	submitDoneMsg struct {
		Text string
		Err  error
	}
	cancelledMsg  struct{}
	newChatMsg    struct{ Err error }
	chatLoadedMsg struct {
		ID  int64
		Err error
	}
	historyLoadedMsg struct {
		Total int
		Chats []models.ChatSummary
		Err   error
	}
	historyChangedMsg struct{ Err error }
)

type Model struct {
	Session   Session
	History   History
	Models    []models.ModelReference
	Tokenizer llm.Tokenizer
	Logger    *slog.Logger

	Viewport      viewport.Model
	ModelViewport viewport.Model
	TextInput     textarea.Model
	RenameInput   textinput.Model
	Spinner       spinner.Model
	Renderer      *glamour.TermRenderer
	CodeTheme     string
	WindowWidth   int
	WindowHeight  int

	// In-flight turn, as reported by the Presenter.
	Streaming  bool
	StreamRef  session.MessageRef
	StreamText string

	Notice        string
	ContextTokens int
	FirstMessage  string

	HistoryOpen        bool
	HistorySelectedIdx int
	HistoryChatCount   int
	HistoryChats       []models.ChatSummary
	HistoryErr         error
	HistoryPage        int

	// Renaming is set while the rename input has focus. RenameID 0 targets
	// the chat shown in the conversation view.
	Renaming bool
	RenameID int64

	ModelSelectorOpen  bool
	SelectedModelIndex int
	ShortcutsOpen      bool

	rendered map[string]string
}
