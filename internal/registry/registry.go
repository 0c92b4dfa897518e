package registry

import (
	"strings"

	"github.com/pkg/errors"

	"parley/internal/models"
)

// ErrUnknownModel is returned on the send path for keys that match no model.
var ErrUnknownModel = errors.New("unknown model")

var builtinModels = []models.ModelReference{
	{ID: "gpt-3.5-turbo", Name: "gpt-3.5-turbo", DisplayName: "GPT-3.5 Turbo", Provider: "OpenAI", Product: "ChatGPT", Description: "Fast & inexpensive model for simple tasks", ContextWindow: 16385, Temperature: 0.7},
	{ID: "gpt-4o", Name: "gpt-4o", DisplayName: "GPT-4o", Provider: "OpenAI", Product: "ChatGPT", Description: "Fastest and most affordable flagship model", ContextWindow: 128000, Temperature: 0.7},
	{ID: "gpt-4-turbo", Name: "gpt-4-turbo", DisplayName: "GPT-4 Turbo", Provider: "OpenAI", Product: "ChatGPT", Description: "Previous high-intelligence model", ContextWindow: 128000, Temperature: 0.7},

	{ID: "claude-3-5-sonnet-20240620", Name: "claude-3-5-sonnet-20240620", DisplayName: "Claude 3.5 Sonnet", Provider: "Anthropic", Product: "Claude 3.5", Description: "Anthropic's most intelligent model", ContextWindow: 200000},
	{ID: "claude-3-haiku-20240307", Name: "claude-3-haiku-20240307", DisplayName: "Claude 3 Haiku", Provider: "Anthropic", Product: "Claude 3", Description: "Fastest and most compact model", ContextWindow: 200000},
	{ID: "claude-3-sonnet-20240229", Name: "claude-3-sonnet-20240229", DisplayName: "Claude 3 Sonnet", Provider: "Anthropic", Product: "Claude 3", Description: "Balance of intelligence and speed", ContextWindow: 200000},
	{ID: "claude-3-opus-20240229", Name: "claude-3-opus-20240229", DisplayName: "Claude 3 Opus", Provider: "Anthropic", Product: "Claude 3", Description: "Excels at writing and complex tasks", ContextWindow: 200000},

	{ID: "gemini-1.5-pro-latest", Name: "gemini-1.5-pro-latest", DisplayName: "Gemini 1.5 Pro", Provider: "Google", Product: "Gemini", Description: "Reasoning, code and text generation", ContextWindow: 2000000},
	{ID: "gemini-1.5-flash-latest", Name: "gemini-1.5-flash-latest", DisplayName: "Gemini 1.5 Flash", Provider: "Google", Product: "Gemini", Description: "Fast and versatile performance", ContextWindow: 1000000},

	{ID: "google/gemini-3-flash-preview", Name: "google/gemini-3-flash-preview", DisplayName: "Gemini 3 Flash Preview", Provider: "OpenRouter", Description: "Fast multimodal model"},
	{ID: "deepseek/deepseek-v3.2", Name: "deepseek/deepseek-v3.2", DisplayName: "DeepSeek V3.2", Provider: "OpenRouter", Description: "Reasoning model"},
	{ID: "x-ai/grok-4.1-fast", Name: "x-ai/grok-4.1-fast", DisplayName: "Grok 4.1 Fast", Provider: "OpenRouter", Description: "General purpose fast model"},
	{ID: "openai/gpt-oss-120b:free", Name: "openai/gpt-oss-120b:free", DisplayName: "GPT-OSS 120B Free", Provider: "OpenRouter", Description: "Open-weight large language model"},

	{ID: "llama3.1", Name: "llama3.1", DisplayName: "Llama 3.1", Provider: "Ollama", Description: "Local model served by Ollama", ContextWindow: 8192},
}

// Builtin returns a copy of the models that ship with parley.
func Builtin() []models.ModelReference {
	out := make([]models.ModelReference, len(builtinModels))
	copy(out, builtinModels)
	return out
}

// Registry resolves model keys to references. Custom models shadow the
// builtin ones when their keys collide.
type Registry struct {
	models []models.ModelReference
}

func New(custom []models.ModelReference) *Registry {
	all := make([]models.ModelReference, 0, len(custom)+len(builtinModels))
	for _, m := range custom {
		if m.Temperature == 0 {
			m.Temperature = models.DefaultTemperature
		}
		all = append(all, m)
	}
	for _, b := range builtinModels {
		if b.Temperature == 0 {
			b.Temperature = models.DefaultTemperature
		}
		all = append(all, b)
	}
	return &Registry{models: all}
}

func (r *Registry) All() []models.ModelReference {
	out := make([]models.ModelReference, len(r.models))
	copy(out, r.models)
	return out
}

// Index returns the display position of the model with the given key.
func (r *Registry) Index(key string) (int, bool) {
	for i, m := range r.models {
		if m.ID != "" && m.ID == key {
			return i, true
		}
	}
	for i, m := range r.models {
		if m.Name == key {
			return i, true
		}
	}
	return 0, false
}

// Lookup is used before streaming and fails for unresolvable keys.
func (r *Registry) Lookup(key string) (models.ModelReference, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return models.ModelReference{}, errors.Wrap(ErrUnknownModel, "empty model key")
	}
	idx, ok := r.Index(key)
	if !ok {
		return models.ModelReference{}, errors.Wrapf(ErrUnknownModel, "%q", key)
	}
	return r.models[idx], nil
}

// Resolve never fails. Keys that match nothing degrade to a placeholder so
// chats referencing removed models can still be displayed.
func (r *Registry) Resolve(key string) models.ModelReference {
	if m, err := r.Lookup(key); err == nil {
		return m
	}
	return Placeholder(key)
}

func Placeholder(key string) models.ModelReference {
	name := key
	if name == "" {
		name = "unknown"
	}
	return models.ModelReference{
		ID:          key,
		Name:        name,
		DisplayName: name,
		Provider:    models.UnknownProvider,
		Temperature: models.DefaultTemperature,
		Unknown:     true,
	}
}
