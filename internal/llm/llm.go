package llm

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"parley/internal/logging"
	"parley/internal/models"
)

var (
	// ErrUnknownProvider means no adapter serves the model's provider.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrMissingAPIKey means neither the model nor the environment carries a key.
	ErrMissingAPIKey = errors.New("missing API key")
)

// Request is one streaming completion call.
type Request struct {
	Model    models.ModelReference
	Messages []models.Message
}

// Provider streams text fragments for a request. The sequence ends when the
// response is complete, or with a single non-nil error.
type Provider interface {
	Stream(ctx context.Context, req Request) iter.Seq2[string, error]
}

// Validator is implemented by providers that can reject a model before any
// network call is made.
type Validator interface {
	Validate(ref models.ModelReference) error
}

// StreamError is the terminal failure of a stream. Fragments counts the
// text fragments delivered before the failure.
type StreamError struct {
	Fragments int
	Err       error
}

func (e *StreamError) Error() string {
	if e.Fragments == 0 {
		return fmt.Sprintf("stream failed: %v", e.Err)
	}
	return fmt.Sprintf("stream failed after %d fragments: %v", e.Fragments, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// Partial reports whether some text reached the caller before the failure.
func (e *StreamError) Partial() bool { return e.Fragments > 0 }

// Client routes requests to the provider named by the model reference.
type Client struct {
	providers map[string]Provider
	logger    *slog.Logger
}

type clientOptions struct {
	httpClient *http.Client
	logger     *slog.Logger
	providers  map[string]Provider
}

type ClientOption func(*clientOptions)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(o *clientOptions) { o.httpClient = c }
}

func WithLogger(l *slog.Logger) ClientOption {
	return func(o *clientOptions) { o.logger = l }
}

// WithProvider registers or replaces the adapter for a provider name.
func WithProvider(name string, p Provider) ClientOption {
	return func(o *clientOptions) { o.providers[strings.ToLower(name)] = p }
}

func NewClient(opts ...ClientOption) *Client {
	o := clientOptions{
		httpClient: http.DefaultClient,
		providers:  map[string]Provider{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	logger := logging.Module(o.logger, "llm")

	providers := map[string]Provider{
		ProviderOpenAI:     NewOpenAI(o.httpClient),
		ProviderOpenRouter: NewOpenRouter(o.httpClient),
		ProviderGoogle:     NewGoogle(o.httpClient),
		ProviderAnthropic:  NewAnthropic(o.httpClient, logger),
		ProviderOllama:     NewOllama(o.httpClient, logger),
	}
	for name, p := range o.providers {
		providers[name] = p
	}
	return &Client{providers: providers, logger: logger}
}

func (c *Client) provider(ref models.ModelReference) (Provider, error) {
	name := strings.ToLower(ref.Provider)
	if p, ok := c.providers[name]; ok {
		return p, nil
	}
	// Models served by any OpenAI-compatible server only need a base URL.
	if ref.APIBase != "" && !ref.Unknown {
		return c.providers[ProviderOpenAI], nil
	}
	return nil, errors.Wrapf(ErrUnknownProvider, "%q for model %s", ref.Provider, ref.LookupKey())
}

// Validate checks that a stream could be opened for ref.
func (c *Client) Validate(ref models.ModelReference) error {
	p, err := c.provider(ref)
	if err != nil {
		return err
	}
	if v, ok := p.(Validator); ok {
		return v.Validate(ref)
	}
	return nil
}

// Stream opens a streaming completion. Empty fragments are dropped and any
// failure, cancellation included, is reported once as a *StreamError.
func (c *Client) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		p, err := c.provider(req.Model)
		if err != nil {
			yield("", &StreamError{Err: err})
			return
		}

		c.logger.Debug("opening stream",
			slog.String("provider", req.Model.Provider),
			slog.String("model", req.Model.Name),
			slog.Int("messages", len(req.Messages)),
		)

		fragments := 0
		for frag, err := range p.Stream(ctx, req) {
			if err != nil {
				yield("", &StreamError{Fragments: fragments, Err: err})
				return
			}
			if frag == "" {
				continue
			}
			fragments++
			if !yield(frag, nil) {
				return
			}
		}
		if err := ctx.Err(); err != nil {
			yield("", &StreamError{Fragments: fragments, Err: err})
		}
	}
}
