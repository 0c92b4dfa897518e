package ui

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parley/internal/models"
	"parley/internal/session"
)

func TestWrappedLineCount(t *testing.T) {
	tests := []struct {
		value string
		width int
		want  int
	}{
		{"", 10, 1},
		{"short", 10, 1},
		{"exactly10!", 10, 1},
		{"eleven chars", 10, 2},
		{"a\n\nb", 10, 3},
		{"你好你好你好", 4, 3},
		{"anything", 0, 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, WrappedLineCount(tt.value, tt.width), "%q at %d", tt.value, tt.width)
	}
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "hello", TruncateRunes("hello", 5))
	assert.Equal(t, "hel…", TruncateRunes("hello", 4))
	assert.Equal(t, "", TruncateRunes("hello", 0))
}

func TestPromptPreview(t *testing.T) {
	assert.Equal(t, "one two three", PromptPreview("  one\r\ntwo\n\tthree "))
	assert.Len(t, []rune(PromptPreview(strings.Repeat("x ", 600))), 500)
}

func TestRelativeTime(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now = func() time.Time { return fixed }
	t.Cleanup(func() { now = time.Now })

	assert.Equal(t, "just now", RelativeTime(fixed.Add(-30*time.Second)))
	assert.Equal(t, "5 minutes ago", RelativeTime(fixed.Add(-5*time.Minute)))
	assert.Equal(t, "3 days ago", RelativeTime(fixed.Add(-72*time.Hour)))
}

func TestFailureNoticeWithoutKind(t *testing.T) {
	assert.Equal(t, "Error: chat not found", failureNotice(assertErr("chat not found")))
	require.Contains(t, failureNotice(&session.TurnError{Kind: session.KindPersistence, Err: assertErr("disk full")}), "disk full")
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestSyncModelViewportScroll(t *testing.T) {
	m := &Model{Models: []models.ModelReference{
		{Name: "a", Provider: "OpenAI"},
		{Name: "b", Provider: "OpenAI"},
		{Name: "c", Provider: "Anthropic"},
		{Name: "d", Provider: "Anthropic"},
	}}
	m.ModelViewport.Height = 3
	m.ModelViewport.SetContent(strings.Repeat("row\n", 8))

	header, row := m.selectorRows(2)
	assert.Equal(t, 4, header)
	assert.Equal(t, 5, row)

	m.SelectedModelIndex = 3
	m.SyncModelViewportScroll()
	assert.Equal(t, 4, m.ModelViewport.YOffset)

	m.SelectedModelIndex = 0
	m.SyncModelViewportScroll()
	assert.Equal(t, 0, m.ModelViewport.YOffset)
}
