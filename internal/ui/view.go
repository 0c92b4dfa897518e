package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	gstyles "github.com/charmbracelet/glamour/styles"
	"github.com/charmbracelet/lipgloss"

	"parley/internal/llm"
	"parley/internal/models"
	"parley/internal/styles"
)

// newRenderer builds the markdown renderer for assistant messages. Code
// blocks are highlighted with the named chroma style.
func newRenderer(width int, codeTheme string) (*glamour.TermRenderer, error) {
	cfg := gstyles.DarkStyleConfig
	if !styles.CurrentTheme.Dark {
		cfg = gstyles.LightStyleConfig
	}
	cfg.CodeBlock.Theme = codeTheme
	cfg.CodeBlock.Chroma = nil
	return glamour.NewTermRenderer(
		glamour.WithStyles(cfg),
		glamour.WithWordWrap(max(width, 20)),
	)
}

func (m *Model) renderMarkdown(content string) string {
	if m.Renderer == nil {
		return content
	}
	if out, ok := m.rendered[content]; ok {
		return out
	}
	out, err := m.Renderer.Render(content)
	if err != nil {
		return content
	}
	out = strings.TrimSpace(out)
	m.rendered[content] = out
	return out
}

func (m *Model) UpdateModelSelectorContent() {
	var items []string
	var lastProvider string
	current := m.Session.Model().LookupKey()
	for i, mdl := range m.Models {
		if mdl.Provider != lastProvider {
			if lastProvider != "" {
				items = append(items, "")
			}
			header := styles.ModalHeaderStyle.
				Foreground(styles.ProviderColor(mdl.Provider)).
				Render(mdl.Provider)
			items = append(items, header)
			lastProvider = mdl.Provider
		}

		isCurrent := mdl.LookupKey() == current
		displayName := "  " + mdl.Label()
		if isCurrent {
			displayName = "● " + mdl.Label()
		}

		var styledItem string
		if i == m.SelectedModelIndex {
			styledItem = styles.ModalSelectedStyle.Render(displayName)
		} else {
			style := styles.ModalItemStyle.Foreground(styles.CurrentTheme.Text)
			if isCurrent {
				style = style.Foreground(styles.CurrentTheme.Secondary)
			}
			styledItem = style.Render(displayName)
		}
		items = append(items, styledItem)
	}

	m.ModelViewport.SetContent(lipgloss.JoinVertical(lipgloss.Left, items...))
}

func (m *Model) RenderModelSelector() string {
	title := styles.ModalTitleStyle.Render("Select AI Model")
	content := lipgloss.JoinVertical(lipgloss.Left, title, m.ModelViewport.View())
	if sel := m.selectedModel(); sel.Description != "" {
		content = lipgloss.JoinVertical(lipgloss.Left, content,
			lipgloss.NewStyle().Foreground(styles.HintColor).Width(styles.ContentWidth).PaddingTop(1).Render(sel.Description))
	}
	return lipgloss.JoinVertical(lipgloss.Left, content, hint("↑/↓: navigate • Enter: select • Esc: close"))
}

func (m *Model) selectedModel() models.ModelReference {
	if m.SelectedModelIndex < 0 || m.SelectedModelIndex >= len(m.Models) {
		return models.ModelReference{}
	}
	return m.Models[m.SelectedModelIndex]
}

func (m *Model) RenderHistorySelector() string {
	title := styles.ModalTitleStyle.Render(fmt.Sprintf("Recent Chats (%d) - Page %d/%d", m.HistoryChatCount, m.HistoryPage+1, m.historyPages()))

	var body string
	switch {
	case m.HistoryErr != nil:
		body = lipgloss.NewStyle().Width(styles.ContentWidth).Render(styles.ErrorStyle.Render(fmt.Sprintf("Error: %v", m.HistoryErr)))
	case len(m.HistoryChats) == 0:
		body = styles.ModalItemStyle.Render(lipgloss.NewStyle().Foreground(styles.HintColor).Render("No chats yet"))
	default:
		items := make([]string, 0, len(m.HistoryChats))
		for i, chat := range m.HistoryChats {
			isSelected := i == m.HistorySelectedIdx
			cursor := "  "
			if isSelected {
				cursor = "> "
			}
			timeStr := RelativeTime(chat.UpdatedAt)
			label := PromptPreview(chat.Title)
			if label == "" {
				label = PromptPreview(chat.Preview)
			}
			if label == "" {
				label = "(no prompt)"
			}
			availableWidth := styles.ContentWidth - 2 - len(cursor) - 1 - len(timeStr)
			label = TruncateRunes(label, availableWidth)

			itemContent := fmt.Sprintf("%s%s %s", cursor, label, lipgloss.NewStyle().Foreground(styles.HintColor).Render(timeStr))
			if isSelected {
				items = append(items, styles.ModalSelectedStyle.Render(itemContent))
			} else {
				items = append(items, styles.ModalItemStyle.Render(itemContent))
			}
		}
		body = lipgloss.JoinVertical(lipgloss.Left, items...)
	}

	content := lipgloss.JoinVertical(lipgloss.Left, title, body)
	if m.Renaming {
		content = lipgloss.JoinVertical(lipgloss.Left, content, "", m.RenameInput.View())
		return lipgloss.JoinVertical(lipgloss.Left, content, hint("Enter: save • Esc: cancel"))
	}
	return lipgloss.JoinVertical(lipgloss.Left, content, hint("↑/↓: navigate • ←/→: page • Enter: open • r: rename • d: archive • Esc: close"))
}

func (m *Model) RenderRenameModal() string {
	title := styles.ModalTitleStyle.Render("Rename Chat")
	content := lipgloss.JoinVertical(lipgloss.Left, title, m.RenameInput.View())
	return lipgloss.JoinVertical(lipgloss.Left, content, hint("Enter: save • Esc: cancel"))
}

func (m *Model) RenderShortcutsModal() string {
	title := styles.ModalTitleStyle.Render("Keyboard Shortcuts")

	shortcuts := []struct {
		key  string
		desc string
	}{
		{"Ctrl+C", "Quit Application"},
		{"Ctrl+N", "New Chat Session"},
		{"Ctrl+X", "Stop the Response"},
		{"Ctrl+B", "Select AI Model"},
		{"Ctrl+H", "View Chat History"},
		{"Ctrl+R", "Rename Chat"},
		{"Ctrl+S", "View Shortcuts (this menu)"},
		{"Alt+Enter", "Insert Newline"},
	}

	var items []string
	for _, s := range shortcuts {
		line := fmt.Sprintf("%s %s", styles.KeyStyle.Render(s.key), styles.DescStyle.Render(s.desc))
		items = append(items, styles.ModalItemStyle.Render(line))
	}

	content := lipgloss.JoinVertical(lipgloss.Left, title, lipgloss.JoinVertical(lipgloss.Left, items...))
	return lipgloss.JoinVertical(lipgloss.Left, content, hint("Esc/Enter: close"))
}

func hint(text string) string {
	return lipgloss.NewStyle().
		Foreground(styles.HintColor).
		Width(styles.ContentWidth).
		PaddingTop(1).
		Render(text)
}

func (m *Model) RenderBottomBar() string {
	ref := m.Session.Model()

	provider := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(styles.ProviderColor(ref.Provider)).
		Padding(0, 1).
		Render(strings.ToUpper(ref.Provider))

	model := lipgloss.NewStyle().
		Foreground(styles.CurrentTheme.Primary).
		Render(TruncateRunes(ref.Label(), 25))

	title := m.Session.Snapshot().Title
	if title == "" {
		title = "New chat"
	}
	titleText := lipgloss.NewStyle().
		Foreground(styles.CurrentTheme.TextMuted).
		Render(TruncateRunes(title, 30))

	maxCtx := ref.Budget()
	contextPct := 0
	if m.ContextTokens > 0 && maxCtx > 0 {
		contextPct = int(float64(m.ContextTokens) / float64(maxCtx) * 100)
	}
	ctxColor := styles.CurrentTheme.TextMuted
	if contextPct > 80 {
		ctxColor = styles.CurrentTheme.Error
	} else if contextPct > 60 {
		ctxColor = styles.CurrentTheme.Warning
	}
	ctx := lipgloss.NewStyle().
		Foreground(ctxColor).
		Render(fmt.Sprintf("%d%% (%dk/%dk)", contextPct, m.ContextTokens/1000, maxCtx/1000))

	help := lipgloss.NewStyle().
		Foreground(styles.HintColor).
		Render("Help: ^S")

	leftSide := lipgloss.JoinHorizontal(lipgloss.Center, provider, "  ", model, "  ", titleText)
	rightSide := lipgloss.JoinHorizontal(lipgloss.Center, ctx, "  ", help)

	availableWidth := max(m.WindowWidth-lipgloss.Width(leftSide)-lipgloss.Width(rightSide)-2, 0)
	bar := lipgloss.JoinHorizontal(lipgloss.Center, leftSide, strings.Repeat(" ", availableWidth), rightSide)

	return lipgloss.NewStyle().
		Width(m.WindowWidth).
		BorderTop(true).
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(styles.CurrentTheme.Panel).
		Padding(0, 1).
		Render(bar)
}

func GetWelcomeScreen(width, height int) string {
	art := `
 ██████╗  █████╗ ██████╗ ██╗     ███████╗██╗   ██╗
 ██╔══██╗██╔══██╗██╔══██╗██║     ██╔════╝╚██╗ ██╔╝
 ██████╔╝███████║██████╔╝██║     █████╗   ╚████╔╝
 ██╔═══╝ ██╔══██║██╔══██╗██║     ██╔══╝    ╚██╔╝
 ██║     ██║  ██║██║  ██║███████╗███████╗   ██║
 ╚═╝     ╚═╝  ╚═╝╚═╝  ╚═╝╚══════╝╚══════╝   ╚═╝
`
	subtitle := "Ask anything. Ctrl+S lists the shortcuts."

	content := lipgloss.JoinVertical(lipgloss.Center,
		styles.WelcomeArtStyle.Render(art), "",
		styles.WelcomeSubtitleStyle.Render(subtitle))

	return lipgloss.Place(width, height, lipgloss.Center, lipgloss.Center, content)
}

// UpdateViewport re-renders the conversation from the controller snapshot.
func (m *Model) UpdateViewport() {
	chat := m.Session.Snapshot()
	m.ContextTokens = llm.HistoryTokens(m.Tokenizer, chat.Messages)

	msgs := chat.NonSystemMessages()
	offset := len(chat.Messages) - len(msgs)
	if len(msgs) == 0 && !m.Streaming && m.Notice == "" {
		m.Viewport.SetContent(GetWelcomeScreen(m.Viewport.Width, m.Viewport.Height))
		return
	}

	parts := make([]string, 0, len(msgs)+2)
	for i, msg := range msgs {
		switch msg.Role {
		case models.RoleUser:
			parts = append(parts, FormatUserMessage(msg.Content, m.Viewport.Width, i == 0))
		case models.RoleAssistant:
			body := m.renderMarkdown(msg.Content)
			if msg.Failed() {
				reason, _ := msg.Meta[models.MetaError].(string)
				body = lipgloss.JoinVertical(lipgloss.Left, body, styles.FailedMarkStyle.Render("⚠ incomplete response: "+reason))
			}
			parts = append(parts, FormatAIMessage(body))
		}
	}

	// The draft is shown until the controller holds the final message.
	if m.Streaming && int(m.StreamRef) >= offset+len(msgs) {
		status := m.Spinner.View() + " Generating..."
		if m.StreamText != "" {
			status = m.StreamText + "\n" + m.Spinner.View()
		}
		parts = append(parts, FormatAIMessage(status))
	}

	if m.Notice != "" {
		parts = append(parts, styles.NoticeStyle.Render(m.Notice))
	}

	m.Viewport.SetContent(strings.Join(parts, "\n\n"))
	m.Viewport.GotoBottom()
}

func (m *Model) View() string {
	inputWidth := m.WindowWidth - 4
	inputBox := styles.InputBoxStyle.Width(inputWidth).Render(m.TextInput.View())

	chatContent := lipgloss.JoinVertical(lipgloss.Center,
		styles.TitleStyle.Render("PARLEY"),
		"",
		m.Viewport.View(),
		"",
		inputBox,
	)
	chatArea := lipgloss.PlaceHorizontal(m.WindowWidth, lipgloss.Center, chatContent)
	content := lipgloss.JoinVertical(lipgloss.Left, chatArea, m.RenderBottomBar())

	switch {
	case m.HistoryOpen:
		return m.overlay(m.RenderHistorySelector())
	case m.Renaming:
		return m.overlay(m.RenderRenameModal())
	case m.ModelSelectorOpen:
		return m.overlay(m.RenderModelSelector())
	case m.ShortcutsOpen:
		return m.overlay(m.RenderShortcutsModal())
	}
	return content
}

func (m *Model) overlay(body string) string {
	modal := styles.ModalStyle.Width(ModalWidth).Render(body)
	return lipgloss.Place(m.WindowWidth, m.WindowHeight, lipgloss.Center, lipgloss.Center, modal)
}
