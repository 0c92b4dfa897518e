package llm

import (
	"context"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/pkg/errors"

	"parley/internal/models"
)

const (
	ProviderOllama = "ollama"

	ollamaDefaultHost = "http://127.0.0.1:11434"
)

// Ollama streams chat responses from a local or remote Ollama server.
type Ollama struct {
	httpClient *http.Client
	logger     *slog.Logger
	delay      time.Duration
}

func NewOllama(httpClient *http.Client, logger *slog.Logger) *Ollama {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Ollama{httpClient: httpClient, logger: logger.With(slog.String("provider", ProviderOllama)), delay: retryBaseDelay}
}

func (o *Ollama) client(ref models.ModelReference) (*api.Client, error) {
	host := ref.APIBase
	if host == "" {
		host = ollamaDefaultHost
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing ollama host %q", host)
	}
	return api.NewClient(u, o.httpClient), nil
}

func (o *Ollama) Validate(ref models.ModelReference) error {
	_, err := o.client(ref)
	return err
}

func (o *Ollama) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		client, err := o.client(req.Model)
		if err != nil {
			yield("", err)
			return
		}

		msgs := make([]api.Message, len(req.Messages))
		for i, m := range req.Messages {
			msgs[i] = api.Message{Role: string(m.Role), Content: m.Content}
		}
		stream := true
		chatReq := api.ChatRequest{
			Model:    req.Model.Name,
			Messages: msgs,
			Stream:   &stream,
			Options:  map[string]any{"temperature": req.Model.Temperature},
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		delivered, stopped := false, false
		err = retry(ctx, req.Model.MaxRetries, o.delay, func() error {
			return client.Chat(ctx, &chatReq, func(res api.ChatResponse) error {
				if stopped || res.Message.Content == "" {
					return nil
				}
				delivered = true
				if !yield(res.Message.Content, nil) {
					stopped = true
					cancel()
				}
				return nil
			})
		}, func(err error) bool {
			var se api.StatusError
			if errors.As(err, &se) && se.StatusCode != http.StatusTooManyRequests && se.StatusCode < 500 {
				return false
			}
			if delivered || stopped {
				return false
			}
			o.logger.Warn("retrying stream", slog.String("model", req.Model.Name))
			return true
		})
		if err != nil && !stopped && ctx.Err() == nil {
			yield("", errors.Wrap(err, "ollama chat"))
		}
	}
}
