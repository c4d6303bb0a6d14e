package completion

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepchat-app/deepchat/internal/config"
)

func testClient(baseURL string) *Client {
	return NewClient(config.OpenAIConfig{
		APIKey:      "test-key",
		BaseURL:     baseURL,
		MaxTokens:   100,
		Temperature: 0.7,
	})
}

func sseUpstream(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
			flusher.Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStreamChat_ContentAndReasoningDeltas(t *testing.T) {
	srv := sseUpstream(t, []string{
		`{"choices":[{"delta":{"reasoning_content":"thinking"}}]}`,
		`{"choices":[{"delta":{"content":"Hello"}}]}`,
		`{"choices":[{"delta":{"content":" world"}}]}`,
		`{"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":5,"total_tokens":17}}`,
		`[DONE]`,
	})

	stream, err := testClient(srv.URL).StreamChat(context.Background(),
		"deepseek-r1-250120", []Message{{Role: "user", Content: "hi"}})
	require.NoError(t, err)
	defer stream.Close()

	c1, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "thinking", c1.Reasoning)
	assert.Empty(t, c1.Content)

	c2, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "Hello", c2.Content)

	c3, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, " world", c3.Content)

	c4, err := stream.Recv()
	require.NoError(t, err)
	require.NotNil(t, c4.Usage)
	assert.Equal(t, 17, c4.Usage.TotalTokens)

	_, err = stream.Recv()
	assert.Equal(t, io.EOF, err)
}

func TestStreamChat_EOFWithoutDoneSentinel(t *testing.T) {
	srv := sseUpstream(t, []string{
		`{"choices":[{"delta":{"content":"partial"}}]}`,
	})

	stream, err := testClient(srv.URL).StreamChat(context.Background(),
		"gpt-4", []Message{{Role: "user", Content: "hi"}})
	require.NoError(t, err)
	defer stream.Close()

	c, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "partial", c.Content)

	_, err = stream.Recv()
	assert.Equal(t, io.EOF, err)
}

func TestStreamChat_SkipsMalformedFrames(t *testing.T) {
	srv := sseUpstream(t, []string{
		`{not json`,
		`{"choices":[{"delta":{"content":"ok"}}]}`,
		`[DONE]`,
	})

	stream, err := testClient(srv.URL).StreamChat(context.Background(),
		"gpt-4", []Message{{Role: "user", Content: "hi"}})
	require.NoError(t, err)
	defer stream.Close()

	c, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "ok", c.Content)
}

func errorUpstream(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStreamChat_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"quota", 429, `{"error":{"code":"insufficient_quota"}}`, ErrQuotaExceeded},
		{"rate limit", 429, `{"error":{"code":"rate_limit_exceeded"}}`, ErrRateLimited},
		{"model 404", 404, `{"error":{"code":"model_not_found"}}`, ErrModelNotFound},
		{"model 400", 400, `{"error":{"code":"model_not_found"}}`, ErrModelNotFound},
		{"bad request", 400, `{"error":{"code":"invalid_request_error"}}`, ErrBadRequest},
		{"server error", 500, `upstream exploded`, ErrUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := errorUpstream(t, tt.status, tt.body)
			_, err := testClient(srv.URL).StreamChat(context.Background(),
				"gpt-4", []Message{{Role: "user", Content: "hi"}})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestUserMessage_NeverLeaksUpstreamText(t *testing.T) {
	srv := errorUpstream(t, 500, `secret internal detail`)
	_, err := testClient(srv.URL).StreamChat(context.Background(),
		"gpt-4", []Message{{Role: "user", Content: "hi"}})
	require.Error(t, err)
	assert.NotContains(t, UserMessage(err), "secret")
}

func TestStreamChat_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	srv := sseUpstream(t, []string{`[DONE]`})
	_, err := testClient(srv.URL).StreamChat(ctx,
		"gpt-4", []Message{{Role: "user", Content: "hi"}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	// 5 latin chars / 4 = 1.25 -> 2
	assert.Equal(t, 2, EstimateTokens("hello"))
	// 2 CJK chars / 1.5 = 1.33 -> 2
	assert.Equal(t, 2, EstimateTokens("你好"))
	// mixed: 11 latin (incl space) / 4 + 2 CJK / 1.5 = 2.75 + 1.33 -> 5
	assert.Equal(t, 5, EstimateTokens("hello world你好"))
}

func TestCost(t *testing.T) {
	assert.InDelta(t, 0.09, Cost("gpt-4", 1000, 1000), 1e-9)
	assert.InDelta(t, 0.003, Cost("deepseek-r1-250120", 1000, 1000), 1e-9)
	assert.Zero(t, Cost("unknown-model", 1000, 1000))
}

func TestKnownModel(t *testing.T) {
	assert.True(t, KnownModel("gpt-4-turbo"))
	assert.False(t, KnownModel("gpt-5"))
}
