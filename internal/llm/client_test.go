package llm

import (
	"context"
	"iter"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parley/internal/models"
)

type scriptedProvider struct {
	fragments []string
	err       error
	requests  []Request
}

func (p *scriptedProvider) Stream(_ context.Context, req Request) iter.Seq2[string, error] {
	p.requests = append(p.requests, req)
	return func(yield func(string, error) bool) {
		for _, f := range p.fragments {
			if !yield(f, nil) {
				return
			}
		}
		if p.err != nil {
			yield("", p.err)
		}
	}
}

func collect(seq iter.Seq2[string, error]) ([]string, error) {
	var out []string
	for frag, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, frag)
	}
	return out, nil
}

func testRef(provider string) models.ModelReference {
	return models.ModelReference{ID: "m", Name: "m", Provider: provider, Temperature: 1}
}

func TestClientDropsEmptyFragments(t *testing.T) {
	p := &scriptedProvider{fragments: []string{"Hel", "", "lo", ""}}
	c := NewClient(WithProvider("Fake", p))

	got, err := collect(c.Stream(context.Background(), Request{Model: testRef("fake")}))
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo"}, got)
	require.Len(t, p.requests, 1)
}

func TestClientStreamErrorCountsFragments(t *testing.T) {
	boom := errors.New("connection reset")

	tests := []struct {
		name      string
		fragments []string
		want      int
	}{
		{"before any text", nil, 0},
		{"after empty fragments", []string{"", ""}, 0},
		{"mid stream", []string{"a", "", "b"}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient(WithProvider("fake", &scriptedProvider{fragments: tt.fragments, err: boom}))
			_, err := collect(c.Stream(context.Background(), Request{Model: testRef("fake")}))

			var se *StreamError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.want, se.Fragments)
			assert.Equal(t, tt.want > 0, se.Partial())
			assert.True(t, errors.Is(err, boom))
		})
	}
}

func TestClientStreamReportsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := NewClient(WithProvider("fake", &scriptedProvider{}))

	_, err := collect(c.Stream(ctx, Request{Model: testRef("fake")}))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestClientProviderRouting(t *testing.T) {
	c := NewClient()

	_, err := c.provider(testRef("OpenAI"))
	assert.NoError(t, err)

	ref := testRef("lmstudio")
	ref.APIBase = "http://localhost:1234/v1"
	p, err := c.provider(ref)
	require.NoError(t, err)
	assert.Same(t, c.providers[ProviderOpenAI], p)

	_, err = c.provider(testRef("nowhere"))
	assert.True(t, errors.Is(err, ErrUnknownProvider))

	_, err = collect(c.Stream(context.Background(), Request{Model: testRef("nowhere")}))
	var se *StreamError
	require.True(t, errors.As(err, &se))
	assert.Zero(t, se.Fragments)
}

func TestClientValidate(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	c := NewClient()

	err := c.Validate(testRef("openai"))
	assert.True(t, errors.Is(err, ErrMissingAPIKey))

	withKey := testRef("anthropic")
	withKey.APIKey = "sk-test"
	assert.NoError(t, c.Validate(withKey))

	local := testRef("openai")
	local.APIBase = "http://localhost:8080/v1"
	assert.NoError(t, c.Validate(local))

	assert.NoError(t, c.Validate(testRef("ollama")))
	assert.True(t, errors.Is(c.Validate(testRef("nowhere")), ErrUnknownProvider))
}
