package llm

import (
	"context"
	"iter"
	"net/http"
	"os"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/pkg/errors"

	"parley/internal/models"
)

const (
	ProviderOpenAI     = "openai"
	ProviderOpenRouter = "openrouter"
	ProviderGoogle     = "google"

	openRouterBaseURL = "https://openrouter.ai/api/v1"
	geminiBaseURL     = "https://generativelanguage.googleapis.com/v1beta/openai/"
)

// OpenAI streams chat completions from any OpenAI-compatible endpoint.
type OpenAI struct {
	baseURL    string
	keyEnv     string
	headers    map[string]string
	httpClient *http.Client
}

func NewOpenAI(httpClient *http.Client) *OpenAI {
	return &OpenAI{keyEnv: "OPENAI_API_KEY", httpClient: httpClient}
}

func NewOpenRouter(httpClient *http.Client) *OpenAI {
	return &OpenAI{
		baseURL: openRouterBaseURL,
		keyEnv:  "OPENROUTER_API_KEY",
		headers: map[string]string{
			"HTTP-Referer": "https://github.com/parley-chat/parley",
			"X-Title":      "Parley",
		},
		httpClient: httpClient,
	}
}

// NewGoogle talks to Gemini through its OpenAI-compatible endpoint.
func NewGoogle(httpClient *http.Client) *OpenAI {
	return &OpenAI{baseURL: geminiBaseURL, keyEnv: "GEMINI_API_KEY", httpClient: httpClient}
}

func (o *OpenAI) apiKey(ref models.ModelReference) string {
	if ref.APIKey != "" {
		return ref.APIKey
	}
	return os.Getenv(o.keyEnv)
}

func (o *OpenAI) Validate(ref models.ModelReference) error {
	// Local OpenAI-compatible servers usually run without a key.
	if ref.APIBase != "" {
		return nil
	}
	if o.apiKey(ref) == "" {
		return errors.Wrapf(ErrMissingAPIKey, "set %s or api_key for %s", o.keyEnv, ref.LookupKey())
	}
	return nil
}

func (o *OpenAI) client(ref models.ModelReference) openai.Client {
	opts := []option.RequestOption{
		option.WithMaxRetries(ref.MaxRetries),
	}
	if key := o.apiKey(ref); key != "" {
		opts = append(opts, option.WithAPIKey(key))
	}
	baseURL := o.baseURL
	if ref.APIBase != "" {
		baseURL = ref.APIBase
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if ref.Organization != "" {
		opts = append(opts, option.WithOrganization(ref.Organization))
	}
	for k, v := range o.headers {
		opts = append(opts, option.WithHeader(k, v))
	}
	if o.httpClient != nil {
		opts = append(opts, option.WithHTTPClient(o.httpClient))
	}
	return openai.NewClient(opts...)
}

func toOpenAIMessages(msgs []models.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case models.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case models.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func (o *OpenAI) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		client := o.client(req.Model)
		stream := client.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
			Model:       req.Model.Name,
			Messages:    toOpenAIMessages(req.Messages),
			Temperature: openai.Float(req.Model.Temperature),
		})
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			if !yield(chunk.Choices[0].Delta.Content, nil) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			if ctx.Err() != nil {
				return
			}
			yield("", errors.Wrap(err, "openai stream"))
		}
	}
}
