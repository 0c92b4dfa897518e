package styles

import "github.com/charmbracelet/lipgloss"

var (
	ContentWidth = 54
)

var (
	TitleStyle           lipgloss.Style
	UserLabelStyle       lipgloss.Style
	UserMsgStyle         lipgloss.Style
	AiLabelStyle         lipgloss.Style
	AiMsgStyle           lipgloss.Style
	ErrorStyle           lipgloss.Style
	NoticeStyle          lipgloss.Style
	FailedMarkStyle      lipgloss.Style
	InputBoxStyle        lipgloss.Style
	WelcomeArtStyle      lipgloss.Style
	WelcomeSubtitleStyle lipgloss.Style
	ModalStyle           lipgloss.Style
	ModalTitleStyle      lipgloss.Style
	ModalItemStyle       lipgloss.Style
	ModalHeaderStyle     lipgloss.Style
	ModalSelectedStyle   lipgloss.Style
	KeyStyle             lipgloss.Style
	DescStyle            lipgloss.Style
	HintColor            lipgloss.Color
)

func init() {
	Use(CurrentTheme)
}

// Use makes t the current theme and rebuilds every style from it.
func Use(t Theme) {
	CurrentTheme = t
	HintColor = t.TextMuted

	TitleStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(t.Primary).
		Padding(0, 1)

	UserLabelStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(t.Secondary).
		Bold(true).
		Padding(0, 1).
		MarginRight(1)

	UserMsgStyle = lipgloss.NewStyle().
		Foreground(t.Text).
		PaddingLeft(2).
		BorderLeft(true).
		BorderStyle(lipgloss.ThickBorder()).
		BorderForeground(t.Secondary)

	AiLabelStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(t.Primary).
		Bold(true).
		Padding(0, 1).
		MarginRight(1)

	AiMsgStyle = lipgloss.NewStyle().
		Foreground(t.Text).
		PaddingTop(1).
		BorderLeft(true).
		BorderStyle(lipgloss.ThickBorder()).
		BorderForeground(t.Primary)

	ErrorStyle = lipgloss.NewStyle().
		Foreground(t.Error).
		Bold(true)

	NoticeStyle = lipgloss.NewStyle().
		Foreground(t.Warning)

	FailedMarkStyle = lipgloss.NewStyle().
		Foreground(t.Error).
		Italic(true).
		PaddingLeft(2)

	InputBoxStyle = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(t.Primary).
		Padding(0, 1)

	WelcomeArtStyle = lipgloss.NewStyle().
		Foreground(t.Text).
		Bold(true)

	WelcomeSubtitleStyle = lipgloss.NewStyle().
		Foreground(t.TextMuted).
		Italic(true)

	ModalStyle = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(t.Primary).
		Padding(1, 2)

	ModalTitleStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(t.Primary).
		Width(ContentWidth).
		MarginBottom(1)

	ModalItemStyle = lipgloss.NewStyle().
		Padding(0, 1).
		Width(ContentWidth)

	ModalHeaderStyle = lipgloss.NewStyle().
		Bold(true).
		PaddingLeft(1).
		Width(ContentWidth)

	ModalSelectedStyle = lipgloss.NewStyle().
		Padding(0, 1).
		Width(ContentWidth).
		Background(t.Panel).
		Foreground(lipgloss.Color("#FFFFFF"))

	KeyStyle = lipgloss.NewStyle().
		Foreground(t.Warning).
		Bold(true).
		Width(12)

	DescStyle = lipgloss.NewStyle().
		Foreground(t.Text)
}

// SetContentWidth resizes the modal styles.
func SetContentWidth(w int) {
	ContentWidth = w
	ModalTitleStyle = ModalTitleStyle.Width(w)
	ModalItemStyle = ModalItemStyle.Width(w)
	ModalHeaderStyle = ModalHeaderStyle.Width(w)
	ModalSelectedStyle = ModalSelectedStyle.Width(w)
}
