package ui

import (
	"log/slog"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"parley/internal/config"
	"parley/internal/llm"
	"parley/internal/logging"
	"parley/internal/models"
	"parley/internal/styles"
)

type Options struct {
	Session   Session
	History   History
	Models    []models.ModelReference
	Tokenizer llm.Tokenizer
	CodeTheme string
	// FirstMessage is submitted as soon as the program starts.
	FirstMessage string
	Logger       *slog.Logger
}

func New(opts Options) *Model {
	ti := textarea.New()
	ti.Placeholder = "Type a message..."
	ti.Prompt = "❯ "
	ti.ShowLineNumbers = false
	ti.CharLimit = 0
	ti.MaxHeight = maxInputHeight
	ti.SetHeight(2)
	ti.SetWidth(80)
	prompt := lipgloss.NewStyle().Foreground(styles.CurrentTheme.Primary).Bold(true)
	placeholder := lipgloss.NewStyle().Foreground(styles.CurrentTheme.TextMuted)
	ti.FocusedStyle.Prompt = prompt
	ti.BlurredStyle.Prompt = prompt
	ti.FocusedStyle.Placeholder = placeholder
	ti.BlurredStyle.Placeholder = placeholder
	ti.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ti.BlurredStyle.CursorLine = lipgloss.NewStyle()
	ti.Focus()

	ri := textinput.New()
	ri.Placeholder = "New title"
	ri.Prompt = "Title: "
	ri.CharLimit = models.PreviewRunes

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(styles.CurrentTheme.Primary)

	tok := opts.Tokenizer
	if tok == nil {
		tok = llm.Estimator{}
	}
	codeTheme := opts.CodeTheme
	if codeTheme == "" {
		codeTheme = config.DefaultCodeTheme
	}

	m := &Model{
		Session:       opts.Session,
		History:       opts.History,
		Models:        opts.Models,
		Tokenizer:     tok,
		Logger:        logging.Module(opts.Logger, "ui"),
		TextInput:     ti,
		RenameInput:   ri,
		Viewport:      viewport.New(60, 15),
		ModelViewport: viewport.New(ModalWidth-4, 15),
		Spinner:       sp,
		CodeTheme:     codeTheme,
		FirstMessage:  opts.FirstMessage,
		rendered:      map[string]string{},
	}
	m.syncSelectedModel()
	return m
}

func (m *Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.TextInput.Cursor.BlinkCmd(), m.Spinner.Tick}
	if m.FirstMessage != "" {
		cmds = append(cmds, m.submitCmd(m.FirstMessage))
		m.FirstMessage = ""
	}
	return tea.Batch(cmds...)
}

// NewProgram builds the program for m and attaches the presenter to it.
func NewProgram(m *Model, pr *Presenter) *tea.Program {
	p := tea.NewProgram(m, tea.WithAltScreen())
	if pr != nil {
		pr.Attach(p)
	}
	return p
}

// syncSelectedModel points the model selector at the session's model.
func (m *Model) syncSelectedModel() {
	key := m.Session.Model().LookupKey()
	for i, mdl := range m.Models {
		if mdl.LookupKey() == key {
			m.SelectedModelIndex = i
			return
		}
	}
	m.SelectedModelIndex = 0
}
