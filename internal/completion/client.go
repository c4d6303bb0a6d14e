package completion

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/deepchat-app/deepchat/internal/config"
)

// Closed error set for upstream failures. Callers map these to
// user-facing responses; upstream body text never reaches a client.
var (
	ErrQuotaExceeded = errors.New("upstream quota exceeded")
	ErrModelNotFound = errors.New("model not found")
	ErrBadRequest    = errors.New("invalid completion request")
	ErrRateLimited   = errors.New("upstream rate limited")
	ErrUnavailable   = errors.New("completion service unavailable")
)

// UserMessage returns the safe client-facing message for a stream error.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrQuotaExceeded):
		return "AI service quota exceeded, please try again later"
	case errors.Is(err, ErrModelNotFound):
		return "the requested model does not exist"
	case errors.Is(err, ErrBadRequest):
		return "invalid request to the AI service"
	case errors.Is(err, ErrRateLimited):
		return "too many requests, please try again later"
	default:
		return "AI service temporarily unavailable, please try again later"
	}
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Chunk is one SSE frame of a completion stream. Any of the fields may
// be empty; DeepSeek models interleave reasoning and content deltas.
type Chunk struct {
	Content   string
	Reasoning string
	Usage     *Usage
}

// Streamer starts completion streams. The concrete Client talks to an
// OpenAI-compatible endpoint; tests substitute fakes.
type Streamer interface {
	StreamChat(ctx context.Context, model string, messages []Message) (Stream, error)
}

// Stream yields chunks until io.EOF.
type Stream interface {
	Recv() (*Chunk, error)
	Close() error
}

type Client struct {
	httpClient  *http.Client
	apiKey      string
	baseURL     string
	maxTokens   int
	temperature float64
}

func NewClient(cfg config.OpenAIConfig) *Client {
	return &Client{
		// Connect timeout only; the response body streams for minutes.
		httpClient: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
		apiKey:      cfg.APIKey,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}
}

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []Message      `json:"messages"`
	Stream        bool           `json:"stream"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Temperature   float64        `json:"temperature,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// StreamChat opens a streaming chat completion. Canceling ctx aborts
// the upstream request and closes the stream.
func (c *Client) StreamChat(ctx context.Context, model string, messages []Message) (Stream, error) {
	body, err := json.Marshal(chatRequest{
		Model:         model,
		Messages:      messages,
		Stream:        true,
		MaxTokens:     c.maxTokens,
		Temperature:   c.temperature,
		StreamOptions: &streamOptions{IncludeUsage: true},
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Error("completion request failed", "error", err, "model", model)
		return nil, ErrUnavailable
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.classifyError(resp, model)
	}

	return &sseStream{reader: bufio.NewReader(resp.Body), body: resp.Body}, nil
}

type upstreamError struct {
	Error struct {
		Code    string `json:"code"`
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) classifyError(resp *http.Response, model string) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var ue upstreamError
	_ = json.Unmarshal(raw, &ue)

	slog.Warn("completion upstream error",
		"status", resp.StatusCode, "code", ue.Error.Code, "model", model)

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		if ue.Error.Code == "insufficient_quota" {
			return ErrQuotaExceeded
		}
		return ErrRateLimited
	case http.StatusNotFound:
		return ErrModelNotFound
	case http.StatusBadRequest:
		if ue.Error.Code == "model_not_found" {
			return ErrModelNotFound
		}
		return ErrBadRequest
	default:
		return ErrUnavailable
	}
}

type sseStream struct {
	reader *bufio.Reader
	body   io.ReadCloser
}

type chunkPayload struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

// Recv reads SSE frames until the next data frame, [DONE], or stream
// end. Returns io.EOF when the stream is complete.
func (s *sseStream) Recv() (*Chunk, error) {
	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF && len(bytes.TrimSpace(line)) == 0 {
				return nil, io.EOF
			}
			if err != io.EOF {
				return nil, fmt.Errorf("reading stream: %w", err)
			}
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 || !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}

		data := bytes.TrimPrefix(line, []byte("data: "))
		if bytes.Equal(data, []byte("[DONE]")) {
			return nil, io.EOF
		}

		var payload chunkPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			slog.Warn("skipping malformed stream chunk", "error", err)
			continue
		}

		chunk := &Chunk{Usage: payload.Usage}
		if len(payload.Choices) > 0 {
			chunk.Content = payload.Choices[0].Delta.Content
			chunk.Reasoning = payload.Choices[0].Delta.ReasoningContent
		}
		return chunk, nil
	}
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
