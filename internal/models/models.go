package models

import (
	"maps"
	"strings"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Metadata keys written by the session controller.
const (
	MetaFailed    = "failed"
	MetaError     = "error"
	MetaTurnID    = "turn_id"
	MetaFragments = "fragments" // int
)

const (
	DefaultContextTokens = 80000 // Used when a model does not declare its window
	DefaultTemperature   = 1.0
	PreviewRunes         = 80
)

// UnknownProvider marks placeholder references for models that are no longer configured.
const UnknownProvider = "Unknown"

type ModelReference struct {
	ID            string
	Name          string // Name expected by the provider API
	DisplayName   string
	Provider      string
	Product       string
	Description   string
	APIKey        string
	APIBase       string
	Organization  string
	ContextWindow int // Maximum context window size in tokens
	Temperature   float64
	MaxRetries    int
	Unknown       bool
}

// LookupKey is the key chats and messages store to refer to the model.
func (m ModelReference) LookupKey() string {
	if m.ID != "" {
		return m.ID
	}
	return m.Name
}

func (m ModelReference) Label() string {
	if m.DisplayName != "" {
		return m.DisplayName
	}
	return m.Name
}

// Budget returns the token budget used when trimming history.
func (m ModelReference) Budget() int {
	if m.ContextWindow > 0 {
		return m.ContextWindow
	}
	return DefaultContextTokens
}

type Message struct {
	ID        int64
	Role      Role
	Content   string
	CreatedAt time.Time
	Model     string
	Meta      map[string]any
}

// Failed reports whether the message was stored after a stream failure.
func (m Message) Failed() bool {
	v, ok := m.Meta[MetaFailed].(bool)
	return ok && v
}

func (m Message) Clone() Message {
	m.Meta = maps.Clone(m.Meta)
	return m
}

type Chat struct {
	ID         int64
	Title      string
	Model      string
	CreatedAt  time.Time
	ArchivedAt *time.Time
	Messages   []Message
}

// Persisted reports whether the chat has been assigned an identifier by storage.
func (c Chat) Persisted() bool {
	return c.ID != 0
}

func (c Chat) FirstUserMessage() (Message, bool) {
	for _, m := range c.Messages {
		if m.Role == RoleUser {
			return m, true
		}
	}
	return Message{}, false
}

func (c Chat) NonSystemMessages() []Message {
	if len(c.Messages) > 0 && c.Messages[0].Role == RoleSystem {
		return c.Messages[1:]
	}
	return c.Messages
}

func (c Chat) LastMessage() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// UpdateTime is the timestamp of the most recent message, or the creation
// time for a chat without messages.
func (c Chat) UpdateTime() time.Time {
	if last, ok := c.LastMessage(); ok {
		return last.CreatedAt
	}
	return c.CreatedAt
}

func (c Chat) ShortPreview() string {
	first, ok := c.FirstUserMessage()
	if !ok {
		return "Empty chat..."
	}
	return Preview(first.Content)
}

// Clone returns a deep copy safe to hand to other goroutines.
func (c Chat) Clone() Chat {
	out := c
	if c.ArchivedAt != nil {
		t := *c.ArchivedAt
		out.ArchivedAt = &t
	}
	out.Messages = make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		out.Messages[i] = m.Clone()
	}
	return out
}

type ChatSummary struct {
	ID           int64
	Title        string
	Model        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Preview      string
	MessageCount int
}

// Preview shortens a prompt to PreviewRunes and appends an ellipsis.
func Preview(s string) string {
	r := []rune(s)
	if len(r) > PreviewRunes {
		r = r[:PreviewRunes]
	}
	return string(r) + "..."
}

// DeriveTitle builds a single line title from the first user prompt.
func DeriveTitle(prompt string) string {
	s := strings.Join(strings.Fields(prompt), " ")
	if s == "" {
		return "Untitled chat"
	}
	r := []rune(s)
	if len(r) > PreviewRunes {
		return string(r[:PreviewRunes-1]) + "…"
	}
	return s
}
