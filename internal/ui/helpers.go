package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-runewidth"

	"parley/internal/styles"
)

// WrappedLineCount is the number of terminal rows value occupies when
// wrapped at width columns.
func WrappedLineCount(value string, width int) int {
	if width <= 0 {
		return 1
	}
	count := 0
	for _, line := range strings.Split(value, "\n") {
		w := runewidth.StringWidth(line)
		if w == 0 {
			count++
			continue
		}
		count += (w-1)/width + 1
	}
	return count
}

// PromptPreview flattens s to a single line.
func PromptPreview(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.Join(strings.Fields(s), " ")
	const maxRunes = 500
	r := []rune(s)
	if len(r) > maxRunes {
		return string(r[:maxRunes])
	}
	return s
}

// TruncateRunes cuts s to at most max display columns, marking the cut with
// an ellipsis.
func TruncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if runewidth.StringWidth(s) <= max {
		return s
	}
	return runewidth.Truncate(s, max, "…")
}

var now = time.Now

func RelativeTime(t time.Time) string {
	if now().Sub(t) < time.Minute {
		return "just now"
	}
	return humanize.RelTime(t, now(), "ago", "from now")
}

// selectorRows returns the viewport row of model i and of the provider
// header above its group. Groups are separated by one blank row.
func (m *Model) selectorRows(i int) (header, row int) {
	y := -1
	for j, mdl := range m.Models {
		if j == 0 || mdl.Provider != m.Models[j-1].Provider {
			if j > 0 {
				y++
			}
			y++
			header = y
		}
		y++
		if j == i {
			return header, y
		}
	}
	return header, y
}

// SyncModelViewportScroll keeps the selected model row visible, together
// with its provider header when both fit.
func (m *Model) SyncModelViewportScroll() {
	if m.SelectedModelIndex < 0 || m.SelectedModelIndex >= len(m.Models) {
		return
	}
	header, row := m.selectorRows(m.SelectedModelIndex)
	vp := &m.ModelViewport
	if bottom := vp.YOffset + vp.Height - 1; row > bottom {
		vp.SetYOffset(row - vp.Height + 1)
	}
	if header < vp.YOffset {
		if row-header < vp.Height {
			vp.SetYOffset(header)
		} else {
			vp.SetYOffset(row)
		}
	}
}

func FormatUserMessage(content string, width int, isFirst bool) string {
	label := styles.UserLabelStyle.Render("YOU")
	msg := styles.UserMsgStyle.Width(max(width-4, 1)).Render(content)
	if isFirst {
		return fmt.Sprintf("\n%s\n%s", label, msg)
	}
	return fmt.Sprintf("%s\n%s", label, msg)
}

func FormatAIMessage(content string) string {
	label := styles.AiLabelStyle.Render("PARLEY")
	msg := styles.AiMsgStyle.Render(content)
	return fmt.Sprintf("%s\n%s", label, msg)
}
