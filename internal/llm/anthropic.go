package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/tmaxmax/go-sse"

	"parley/internal/models"
)

const (
	ProviderAnthropic = "anthropic"

	anthropicAPIEndpoint = "https://api.anthropic.com/v1"
	anthropicVersion     = "2023-06-01"
	anthropicMaxTokens   = 4096
)

// Anthropic streams the Messages API over server-sent events.
type Anthropic struct {
	client *http.Client
	logger *slog.Logger
	delay  time.Duration
}

type anthropicChatRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	Stream      bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicStreamResponse struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// statusError is returned for non-200 responses. Only some of them are
// worth retrying.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

func (e *statusError) temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// temporary reports whether opening the stream again may succeed.
func temporary(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.temporary()
	}
	return true
}

func NewAnthropic(client *http.Client, logger *slog.Logger) *Anthropic {
	if client == nil {
		client = http.DefaultClient
	}
	return &Anthropic{client: client, logger: logger.With(slog.String("provider", ProviderAnthropic)), delay: retryBaseDelay}
}

func (a *Anthropic) apiKey(ref models.ModelReference) string {
	if ref.APIKey != "" {
		return ref.APIKey
	}
	return os.Getenv("ANTHROPIC_API_KEY")
}

func (a *Anthropic) Validate(ref models.ModelReference) error {
	if a.apiKey(ref) == "" {
		return errors.Wrapf(ErrMissingAPIKey, "set ANTHROPIC_API_KEY or api_key for %s", ref.LookupKey())
	}
	return nil
}

// splitSystem pulls the system prompt out of the history because the
// Messages API takes it as a separate field.
func splitSystem(messages []models.Message) (string, []anthropicMessage) {
	var system string
	msgs := make([]anthropicMessage, 0, len(messages))
	for _, m := range messages {
		if m.Role == models.RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		msgs = append(msgs, anthropicMessage{Role: string(m.Role), Content: m.Content})
	}
	return system, msgs
}

func (a *Anthropic) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		system, msgs := splitSystem(req.Messages)
		body, err := json.Marshal(anthropicChatRequest{
			Model:       req.Model.Name,
			Messages:    msgs,
			System:      system,
			MaxTokens:   anthropicMaxTokens,
			Temperature: req.Model.Temperature,
			Stream:      true,
		})
		if err != nil {
			yield("", errors.Wrap(err, "error marshaling request"))
			return
		}

		endpoint := anthropicAPIEndpoint
		if req.Model.APIBase != "" {
			endpoint = req.Model.APIBase
		}

		delivered, stopped := false, false
		emit := func(text string) bool {
			if text == "" {
				return true
			}
			delivered = true
			if !yield(text, nil) {
				stopped = true
			}
			return !stopped
		}

		err = retry(ctx, req.Model.MaxRetries, a.delay, func() error {
			return a.once(ctx, endpoint, a.apiKey(req.Model), body, emit)
		}, func(err error) bool {
			if delivered || stopped || !temporary(err) {
				return false
			}
			a.logger.Warn("retrying stream", slog.String("model", req.Model.Name))
			return true
		})
		if err != nil && !stopped && ctx.Err() == nil {
			yield("", err)
		}
	}
}

func (a *Anthropic) once(ctx context.Context, endpoint, apiKey string, body []byte, emit func(string) bool) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/messages", bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "error creating request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return errors.Wrap(err, "error sending request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &statusError{Code: resp.StatusCode, Body: string(b)}
	}

	for ev, err := range sse.Read(resp.Body, nil) {
		if err != nil {
			return errors.Wrap(err, "error reading response")
		}
		switch ev.Type {
		case "error":
			var e anthropicError
			if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
				return errors.Wrap(err, "error unmarshaling error")
			}
			return errors.Errorf("anthropic error %s: %s", e.Error.Type, e.Error.Message)
		case "message_stop":
			return nil
		case "content_block_delta":
			var res anthropicStreamResponse
			if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
				return errors.Wrap(err, "error unmarshaling response")
			}
			if !emit(res.Delta.Text) {
				return nil
			}
		}
	}
	return errors.New("stream ended before message_stop")
}
