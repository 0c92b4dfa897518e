package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"parley/internal/models"
)

const (
	CharsPerToken   = 4 // Rough estimate used when no encoding is available
	messageOverhead = 4 // Role and separator tokens added per message
	tiktokenScheme  = "cl100k_base"
)

// Tokenizer prices a message in model tokens.
type Tokenizer interface {
	MessageTokens(m models.Message) int
}

// EstimateTokens provides a rough token count based on character count.
func EstimateTokens(s string) int {
	return len(s) / CharsPerToken
}

// Estimator prices messages without an encoding.
type Estimator struct{}

func (Estimator) MessageTokens(m models.Message) int {
	return messageOverhead + EstimateTokens(string(m.Role)) + EstimateTokens(m.Content)
}

// Tiktoken counts with the cl100k_base encoding, loaded on first use.
// If the encoding cannot be loaded it falls back to Estimator.
type Tiktoken struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
	err  error
}

func NewTiktoken() *Tiktoken {
	return &Tiktoken{}
}

func (t *Tiktoken) encoder() (*tiktoken.Tiktoken, error) {
	t.once.Do(func() {
		t.enc, t.err = tiktoken.GetEncoding(tiktokenScheme)
	})
	return t.enc, t.err
}

// Count returns the number of tokens in text.
func (t *Tiktoken) Count(text string) int {
	enc, err := t.encoder()
	if err != nil {
		return EstimateTokens(text)
	}
	return len(enc.Encode(text, nil, nil))
}

func (t *Tiktoken) MessageTokens(m models.Message) int {
	if _, err := t.encoder(); err != nil {
		return Estimator{}.MessageTokens(m)
	}
	return messageOverhead + t.Count(string(m.Role)) + t.Count(m.Content)
}

// HistoryTokens sums the cost of every message.
func HistoryTokens(tok Tokenizer, msgs []models.Message) int {
	total := 0
	for _, m := range msgs {
		total += tok.MessageTokens(m)
	}
	return total
}
