package ui

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"

	"parley/internal/models"
	"parley/internal/session"
	"parley/internal/styles"
)

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		tiCmd tea.Cmd
		vpCmd tea.Cmd
		spCmd tea.Cmd
	)

	switch msg := msg.(type) {
	case spinner.TickMsg:
		m.Spinner, spCmd = m.Spinner.Update(msg)
		if m.Streaming {
			m.UpdateViewport()
		}
		return m, spCmd

	case tea.KeyMsg:
		if m.Renaming {
			return m.updateRename(msg)
		}
		if m.HistoryOpen {
			return m.updateHistory(msg)
		}
		if m.ModelSelectorOpen {
			return m.updateModelSelector(msg)
		}

		if m.ShortcutsOpen {
			switch msg.String() {
			case "ctrl+c":
				return m, m.quit()
			case "esc", "enter", "?", "ctrl+s":
				m.ShortcutsOpen = false
				return m, nil
			}
			return m, nil
		}

		if isNewlineShortcut(msg) {
			m.TextInput.InsertString("\n")
			m.updateInputLayout()
			return m, nil
		}

		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, m.quit()

		case tea.KeyCtrlN:
			return m, m.newChatCmd()

		case tea.KeyCtrlX:
			if !m.Streaming {
				return m, nil
			}
			return m, m.cancelCmd()

		case tea.KeyCtrlB:
			m.ModelSelectorOpen = true
			m.HistoryOpen = false
			m.ShortcutsOpen = false
			m.syncSelectedModel()
			m.UpdateModelSelectorContent()
			m.SyncModelViewportScroll()
			return m, nil

		case tea.KeyCtrlS:
			m.ShortcutsOpen = true
			m.ModelSelectorOpen = false
			m.HistoryOpen = false
			return m, nil

		case tea.KeyCtrlH:
			m.ModelSelectorOpen = false
			m.HistoryOpen = true
			m.ShortcutsOpen = false
			m.HistoryPage = 0
			m.HistorySelectedIdx = 0
			return m, m.fetchHistoryCmd()

		case tea.KeyCtrlR:
			m.startRename(0, m.Session.Snapshot().Title)
			return m, nil

		case tea.KeyEnter:
			if m.Streaming {
				return m, nil
			}
			input := m.TextInput.Value()
			if strings.TrimSpace(input) == "" {
				return m, nil
			}
			if input == "/clear" || input == "/reset" {
				m.TextInput.Reset()
				m.updateInputLayout()
				return m, m.newChatCmd()
			}
			m.TextInput.Reset()
			m.updateInputLayout()
			m.Notice = ""
			return m, m.submitCmd(input)
		}

	case TurnStartedMsg:
		m.Streaming = true
		m.StreamText = ""
		m.StreamRef = streamRef(m.Session.Snapshot())
		m.Notice = ""
		m.UpdateViewport()
		return m, m.Spinner.Tick

	case FragmentMsg:
		if !m.Streaming || msg.Ref != m.StreamRef {
			return m, nil
		}
		m.StreamText = msg.Text
		m.UpdateViewport()
		return m, nil

	case TurnCompletedMsg:
		if !m.Streaming || msg.Ref != m.StreamRef {
			return m, nil
		}
		m.endStream()
		m.UpdateViewport()
		return m, nil

	case TurnFailedMsg:
		m.endStream()
		m.Notice = failureNotice(msg.Err)
		m.Logger.Warn("turn failed", slog.Int("user", int(msg.User)), slog.Any("error", msg.Err))
		m.UpdateViewport()
		return m, nil

	case submitDoneMsg:
		if msg.Err != nil {
			if errors.Is(msg.Err, session.ErrBusy) {
				m.Notice = "A response is still streaming. Press Ctrl+X to stop it."
			} else {
				m.Notice = failureNotice(msg.Err)
			}
			if m.TextInput.Value() == "" {
				m.TextInput.SetValue(msg.Text)
				m.updateInputLayout()
			}
		}
		m.UpdateViewport()
		return m, nil

	case cancelledMsg:
		m.endStream()
		m.Notice = "Response cancelled."
		m.UpdateViewport()
		return m, nil

	case newChatMsg:
		m.endStream()
		m.rendered = map[string]string{}
		m.ContextTokens = 0
		m.Notice = ""
		if msg.Err != nil {
			m.Notice = fmt.Sprintf("Error: %v", msg.Err)
		}
		m.Viewport.GotoTop()
		m.UpdateViewport()
		return m, nil

	case chatLoadedMsg:
		// A resumed turn has already reported TurnStartedMsg.
		if _, ok := m.Session.State().(session.StreamingResponse); !ok {
			m.endStream()
		}
		m.rendered = map[string]string{}
		if msg.Err != nil {
			m.Notice = fmt.Sprintf("Could not open chat %d: %v", msg.ID, msg.Err)
		}
		m.syncSelectedModel()
		m.UpdateViewport()
		return m, nil

	case historyLoadedMsg:
		m.HistoryErr = msg.Err
		m.HistoryChatCount = msg.Total
		m.HistoryChats = msg.Chats
		if m.HistorySelectedIdx >= len(m.HistoryChats) {
			m.HistorySelectedIdx = max(len(m.HistoryChats)-1, 0)
		}
		return m, nil

	case historyChangedMsg:
		if msg.Err != nil {
			m.HistoryErr = msg.Err
			m.Notice = fmt.Sprintf("Error: %v", msg.Err)
			return m, nil
		}
		m.UpdateViewport()
		if m.HistoryOpen {
			return m, m.fetchHistoryCmd()
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.WindowWidth = msg.Width
		m.WindowHeight = msg.Height

		ModalWidth = min(max(msg.Width-10, 30), 60)
		styles.SetContentWidth(ModalWidth - 6)

		m.ModelViewport.Width = styles.ContentWidth
		m.ModelViewport.Height = min(max(msg.Height-15, 5), 20)
		m.RenameInput.Width = styles.ContentWidth - len(m.RenameInput.Prompt) - 2

		chatWidth := min(msg.Width-2, MaxChatWidth)
		m.Viewport.Width = chatWidth - 2

		m.updateInputLayout()
		renderer, err := newRenderer(chatWidth-6, m.CodeTheme)
		if err != nil {
			m.Logger.Error("building markdown renderer", slog.Any("error", err))
		}
		m.Renderer = renderer
		m.rendered = map[string]string{}
		m.UpdateViewport()
		return m, nil
	}

	m.TextInput, tiCmd = m.TextInput.Update(msg)
	m.updateInputLayout()

	// Terminal background color queries and cursor reports can leak into the input
	val := m.TextInput.Value()
	if strings.Contains(val, "]11;rgb:") || strings.Contains(val, "1;rgb:") || strings.Contains(val, "[1;1R") {
		m.TextInput.Reset()
	}

	m.Viewport, vpCmd = m.Viewport.Update(msg)

	return m, tea.Batch(tiCmd, vpCmd)
}

func (m *Model) updateHistory(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, m.quit()
	case "esc", "ctrl+h":
		m.HistoryOpen = false
		m.HistoryErr = nil
		return m, nil
	case "up", "k":
		if len(m.HistoryChats) == 0 {
			return m, nil
		}
		m.HistorySelectedIdx--
		if m.HistorySelectedIdx < 0 {
			m.HistorySelectedIdx = len(m.HistoryChats) - 1
		}
		return m, nil
	case "down", "j":
		if len(m.HistoryChats) == 0 {
			return m, nil
		}
		m.HistorySelectedIdx++
		if m.HistorySelectedIdx >= len(m.HistoryChats) {
			m.HistorySelectedIdx = 0
		}
		return m, nil
	case "enter":
		chat, ok := m.selectedChat()
		if !ok {
			return m, nil
		}
		m.HistoryOpen = false
		m.HistoryErr = nil
		return m, m.loadChatCmd(chat.ID)
	case "r":
		if chat, ok := m.selectedChat(); ok {
			m.startRename(chat.ID, chat.Title)
		}
		return m, nil
	case "d":
		chat, ok := m.selectedChat()
		if !ok {
			return m, nil
		}
		return m, m.archiveCmd(chat.ID)
	case "left", "h":
		if m.HistoryPage > 0 {
			m.HistoryPage--
			m.HistorySelectedIdx = 0
			return m, m.fetchHistoryCmd()
		}
		return m, nil
	case "right", "l":
		if m.HistoryPage < m.historyPages()-1 {
			m.HistoryPage++
			m.HistorySelectedIdx = 0
			return m, m.fetchHistoryCmd()
		}
		return m, nil
	}
	return m, nil
}

func (m *Model) updateModelSelector(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, m.quit()
	case "esc", "ctrl+b":
		m.ModelSelectorOpen = false
		return m, nil
	case "up", "k":
		if len(m.Models) == 0 {
			return m, nil
		}
		m.SelectedModelIndex--
		if m.SelectedModelIndex < 0 {
			m.SelectedModelIndex = len(m.Models) - 1
		}
		m.SyncModelViewportScroll()
		m.UpdateModelSelectorContent()
		return m, nil
	case "down", "j":
		if len(m.Models) == 0 {
			return m, nil
		}
		m.SelectedModelIndex++
		if m.SelectedModelIndex >= len(m.Models) {
			m.SelectedModelIndex = 0
		}
		m.SyncModelViewportScroll()
		m.UpdateModelSelectorContent()
		return m, nil
	case "enter":
		m.ModelSelectorOpen = false
		if m.SelectedModelIndex >= len(m.Models) {
			return m, nil
		}
		if err := m.Session.SetModel(m.Models[m.SelectedModelIndex].LookupKey()); err != nil {
			m.Notice = fmt.Sprintf("Error: %v", err)
		}
		m.UpdateViewport()
		return m, nil
	}
	return m, nil
}

func (m *Model) updateRename(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		return m, m.quit()
	case tea.KeyEsc:
		m.Renaming = false
		m.RenameInput.Blur()
		m.TextInput.Focus()
		return m, nil
	case tea.KeyEnter:
		title := strings.TrimSpace(m.RenameInput.Value())
		if title == "" {
			return m, nil
		}
		m.Renaming = false
		m.RenameInput.Blur()
		m.TextInput.Focus()
		return m, m.renameCmd(m.RenameID, title)
	}
	var cmd tea.Cmd
	m.RenameInput, cmd = m.RenameInput.Update(msg)
	return m, cmd
}

func (m *Model) startRename(id int64, title string) {
	m.Renaming = true
	m.RenameID = id
	m.RenameInput.SetValue(title)
	m.RenameInput.CursorEnd()
	m.RenameInput.Focus()
	m.TextInput.Blur()
}

func (m *Model) selectedChat() (models.ChatSummary, bool) {
	if m.HistorySelectedIdx < 0 || m.HistorySelectedIdx >= len(m.HistoryChats) {
		return models.ChatSummary{}, false
	}
	return m.HistoryChats[m.HistorySelectedIdx], true
}

func (m *Model) historyPages() int {
	return max((m.HistoryChatCount+HistoryPageSize-1)/HistoryPageSize, 1)
}

// streamRef is the position of the answer being streamed, right after the
// newest user message. The answer may already be in the snapshot.
func streamRef(chat models.Chat) session.MessageRef {
	for i := len(chat.Messages) - 1; i >= 0; i-- {
		if chat.Messages[i].Role == models.RoleUser {
			return session.MessageRef(i + 1)
		}
	}
	return session.MessageRef(len(chat.Messages))
}

func (m *Model) endStream() {
	m.Streaming = false
	m.StreamText = ""
}

func isNewlineShortcut(msg tea.KeyMsg) bool {
	switch msg.String() {
	case "shift+enter", "shift+return", "ctrl+j", "ctrl+enter", "alt+enter":
		return true
	default:
		return false
	}
}

func (m *Model) updateInputLayout() {
	if m.WindowWidth == 0 || m.WindowHeight == 0 {
		return
	}

	inputWidth := max(m.WindowWidth-6, 20)
	contentWidth := max(inputWidth-2, 1)

	lineCount := min(max(WrappedLineCount(m.TextInput.Value(), contentWidth), 1), maxInputHeight)

	m.TextInput.MaxHeight = maxInputHeight
	m.TextInput.SetWidth(inputWidth)
	m.TextInput.SetHeight(lineCount)

	inputBoxHeight := m.TextInput.Height() + 2
	reserved := inputBoxHeight + 5
	m.Viewport.Height = max(m.WindowHeight-reserved, 5)
}

// failureNotice turns a turn error into the line shown under the conversation.
func failureNotice(err error) string {
	kind, ok := session.KindOf(err)
	if !ok {
		return fmt.Sprintf("Error: %v", err)
	}
	cause := err
	var te *session.TurnError
	if errors.As(err, &te) {
		cause = te.Err
	}
	switch kind {
	case session.KindConfiguration:
		return fmt.Sprintf("Cannot send: %v", cause)
	case session.KindTransport:
		return fmt.Sprintf("No response: %v", cause)
	case session.KindPartial:
		return fmt.Sprintf("Response interrupted: %v", cause)
	case session.KindPersistence:
		return fmt.Sprintf("Could not save the conversation: %v", cause)
	}
	return fmt.Sprintf("Error: %v", err)
}

// quit stops any in-flight turn before leaving the program.
func (m *Model) quit() tea.Cmd {
	s := m.Session
	return func() tea.Msg {
		s.Cancel()
		return tea.Quit()
	}
}

func (m *Model) submitCmd(text string) tea.Cmd {
	s := m.Session
	return func() tea.Msg {
		return submitDoneMsg{Text: text, Err: s.Submit(context.Background(), text)}
	}
}

func (m *Model) cancelCmd() tea.Cmd {
	s := m.Session
	return func() tea.Msg {
		s.Cancel()
		return cancelledMsg{}
	}
}

func (m *Model) newChatCmd() tea.Cmd {
	s := m.Session
	return func() tea.Msg {
		s.Cancel()
		return newChatMsg{Err: s.PrepareNewChat()}
	}
}

// loadChatCmd abandons the current turn and opens chat id.
func (m *Model) loadChatCmd(id int64) tea.Cmd {
	s := m.Session
	return func() tea.Msg {
		s.Cancel()
		if err := s.PrepareNewChat(); err != nil {
			return chatLoadedMsg{ID: id, Err: err}
		}
		return chatLoadedMsg{ID: id, Err: s.LoadChat(context.Background(), id)}
	}
}

func (m *Model) fetchHistoryCmd() tea.Cmd {
	h := m.History
	offset := m.HistoryPage * HistoryPageSize
	return func() tea.Msg {
		if h == nil {
			return historyLoadedMsg{Err: errors.New("history is not available")}
		}
		total, chats, err := h.RecentChats(context.Background(), HistoryPageSize, offset)
		return historyLoadedMsg{Total: total, Chats: chats, Err: err}
	}
}

// renameCmd renames through the session when id is the open chat so the
// title shown in the bar stays current.
func (m *Model) renameCmd(id int64, title string) tea.Cmd {
	s, h := m.Session, m.History
	return func() tea.Msg {
		if id == 0 || id == s.Snapshot().ID {
			return historyChangedMsg{Err: s.Rename(context.Background(), title)}
		}
		if h == nil {
			return historyChangedMsg{Err: errors.New("history is not available")}
		}
		return historyChangedMsg{Err: h.RenameChat(context.Background(), id, title)}
	}
}

func (m *Model) archiveCmd(id int64) tea.Cmd {
	h := m.History
	return func() tea.Msg {
		if h == nil {
			return historyChangedMsg{Err: errors.New("history is not available")}
		}
		return historyChangedMsg{Err: h.ArchiveChat(context.Background(), id)}
	}
}
