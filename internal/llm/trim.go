package llm

import (
	"github.com/pkg/errors"

	"parley/internal/models"
)

var (
	// ErrContextBudget matches every trimming failure.
	ErrContextBudget        = errors.New("context budget cannot be satisfied")
	ErrSystemPromptTooLarge = errors.Wrap(ErrContextBudget, "system message alone exceeds the budget")
	ErrContextTooSmall      = errors.Wrap(ErrContextBudget, "cannot fit context")
)

// Trim drops the oldest messages until the history fits budget tokens.
// With preserveSystem a leading system message is always kept. Messages are
// kept newest first, stopping at the first one that does not fit, and are
// returned in chronological order. A history that already fits is returned
// as is.
func Trim(msgs []models.Message, budget int, tok Tokenizer, preserveSystem bool) ([]models.Message, error) {
	costs := make([]int, len(msgs))
	total := 0
	for i, m := range msgs {
		costs[i] = tok.MessageTokens(m)
		total += costs[i]
	}
	if total <= budget {
		return msgs, nil
	}

	remaining := budget
	start := 0
	if preserveSystem && len(msgs) > 0 && msgs[0].Role == models.RoleSystem {
		if costs[0] > budget {
			return nil, errors.Wrapf(ErrSystemPromptTooLarge, "%d > %d tokens", costs[0], budget)
		}
		remaining -= costs[0]
		start = 1
	}

	keepFrom := len(msgs)
	for i := len(msgs) - 1; i >= start; i-- {
		if costs[i] > remaining {
			break
		}
		remaining -= costs[i]
		keepFrom = i
	}

	kept := make([]models.Message, 0, 1+len(msgs)-keepFrom)
	if start == 1 {
		kept = append(kept, msgs[0])
	}
	kept = append(kept, msgs[keepFrom:]...)

	nonSystem := 0
	for _, m := range msgs[keepFrom:] {
		if m.Role != models.RoleSystem {
			nonSystem++
		}
	}
	if nonSystem == 0 {
		return nil, errors.Wrapf(ErrContextTooSmall, "budget of %d tokens", budget)
	}
	return kept, nil
}
