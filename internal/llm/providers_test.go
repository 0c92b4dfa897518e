package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parley/internal/logging"
	"parley/internal/models"
)

func history() []models.Message {
	return []models.Message{
		{Role: models.RoleSystem, Content: "be brief"},
		{Role: models.RoleUser, Content: "hi"},
	}
}

func TestAnthropicStream(t *testing.T) {
	var got anthropicChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "sk-test", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "text/event-stream")
		for _, text := range []string{"Hel", "", "lo"} {
			fmt.Fprintf(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":%q}}\n\n", text)
		}
		fmt.Fprint(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	}))
	defer srv.Close()

	a := NewAnthropic(srv.Client(), logging.Discard())
	ref := testRef(ProviderAnthropic)
	ref.APIKey = "sk-test"
	ref.APIBase = srv.URL

	frags, err := collect(a.Stream(context.Background(), Request{Model: ref, Messages: history()}))
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo"}, frags)
	assert.Equal(t, "be brief", got.System)
	assert.Equal(t, []anthropicMessage{{Role: "user", Content: "hi"}}, got.Messages)
	assert.True(t, got.Stream)
}

func TestAnthropicRetriesTemporaryStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, `{"type":"error"}`, http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"delta\":{\"text\":\"ok\"}}\n\n")
		fmt.Fprint(w, "event: message_stop\ndata: {}\n\n")
	}))
	defer srv.Close()

	a := NewAnthropic(srv.Client(), logging.Discard())
	a.delay = time.Millisecond
	ref := testRef(ProviderAnthropic)
	ref.APIKey = "sk-test"
	ref.APIBase = srv.URL
	ref.MaxRetries = 2

	frags, err := collect(a.Stream(context.Background(), Request{Model: ref, Messages: history()}))
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, frags)
	assert.EqualValues(t, 2, calls.Load())
}

func TestAnthropicDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	a := NewAnthropic(srv.Client(), logging.Discard())
	a.delay = time.Millisecond
	ref := testRef(ProviderAnthropic)
	ref.APIKey = "sk-test"
	ref.APIBase = srv.URL
	ref.MaxRetries = 3

	_, err := collect(a.Stream(context.Background(), Request{Model: ref, Messages: history()}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.EqualValues(t, 1, calls.Load())
}

func TestAnthropicTruncatedStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"delta\":{\"text\":\"par\"}}\n\n")
	}))
	defer srv.Close()

	a := NewAnthropic(srv.Client(), logging.Discard())
	ref := testRef(ProviderAnthropic)
	ref.APIKey = "sk-test"
	ref.APIBase = srv.URL
	ref.MaxRetries = 3

	frags, err := collect(a.Stream(context.Background(), Request{Model: ref, Messages: history()}))
	assert.Equal(t, []string{"par"}, frags)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "message_stop")
}

func TestOpenAIStream(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))

		w.Header().Set("Content-Type", "text/event-stream")
		for _, text := range []string{"Hel", "lo"} {
			fmt.Fprintf(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"m\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", text)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	o := NewOpenAI(srv.Client())
	ref := testRef(ProviderOpenAI)
	ref.APIKey = "sk-test"
	ref.APIBase = srv.URL

	frags, err := collect(o.Stream(context.Background(), Request{Model: ref, Messages: history()}))
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo"}, frags)
	assert.Equal(t, "m", body["model"])
	assert.Equal(t, true, body["stream"])
	msgs, ok := body["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, msgs, 2)
}

func TestOpenAIStreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"bad model","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	o := NewOpenAI(srv.Client())
	ref := testRef(ProviderOpenAI)
	ref.APIKey = "sk-test"
	ref.APIBase = srv.URL

	frags, err := collect(o.Stream(context.Background(), Request{Model: ref, Messages: history()}))
	assert.Empty(t, frags)
	require.Error(t, err)
}

func TestOllamaStream(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, text := range []string{"Hel", "", "lo"} {
			fmt.Fprintf(w, "{\"model\":\"m\",\"message\":{\"role\":\"assistant\",\"content\":%q},\"done\":false}\n", text)
		}
		fmt.Fprint(w, "{\"model\":\"m\",\"message\":{\"role\":\"assistant\",\"content\":\"\"},\"done\":true}\n")
	}))
	defer srv.Close()

	o := NewOllama(srv.Client(), logging.Discard())
	ref := testRef(ProviderOllama)
	ref.APIBase = srv.URL

	frags, err := collect(o.Stream(context.Background(), Request{Model: ref, Messages: history()}))
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo"}, frags)
	assert.Equal(t, "m", got["model"])
}

func TestOllamaStopsWhenConsumerStops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		for i := 0; i < 5; i++ {
			fmt.Fprintf(w, "{\"message\":{\"role\":\"assistant\",\"content\":\"%d\"},\"done\":false}\n", i)
		}
	}))
	defer srv.Close()

	o := NewOllama(srv.Client(), logging.Discard())
	ref := testRef(ProviderOllama)
	ref.APIBase = srv.URL

	var frags []string
	for frag, err := range o.Stream(context.Background(), Request{Model: ref, Messages: history()}) {
		require.NoError(t, err)
		frags = append(frags, frag)
		if len(frags) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"0", "1"}, frags)
}

func TestRetryBacksOffUntilSuccess(t *testing.T) {
	attempts := 0
	err := retry(context.Background(), 3, time.Millisecond, func() error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("attempt %d", attempts)
		}
		return nil
	}, func(error) bool { return true })
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryHonoursLimitsAndClassifier(t *testing.T) {
	attempts := 0
	err := retry(context.Background(), 2, time.Millisecond, func() error {
		attempts++
		return fmt.Errorf("attempt %d", attempts)
	}, func(error) bool { return true })
	assert.EqualError(t, err, "attempt 3")

	attempts = 0
	err = retry(context.Background(), 5, time.Millisecond, func() error {
		attempts++
		return fmt.Errorf("attempt %d", attempts)
	}, func(error) bool { return false })
	assert.EqualError(t, err, "attempt 1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	attempts = 0
	_ = retry(ctx, 5, time.Hour, func() error {
		attempts++
		return fmt.Errorf("attempt %d", attempts)
	}, func(error) bool { return true })
	assert.Equal(t, 1, attempts)
}
