package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/forkcast/forkcast/pkg/config"
	"github.com/forkcast/forkcast/pkg/models"
)

// HTTPTransport talks to an OpenAI-compatible chat-completions endpoint.
type HTTPTransport struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPTransport creates a transport for the configured endpoint. The API
// key is read from the env var named by cfg.APIKeyEnv.
func NewHTTPTransport(cfg *config.LLMConfig) *HTTPTransport {
	return &HTTPTransport{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  os.Getenv(cfg.APIKeyEnv),
		// Per-call deadlines come from the request context.
		client: &http.Client{},
	}
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []Message      `json:"messages"`
	Temperature    float32        `json:"temperature"`
	MaxTokens      int            `json:"max_tokens,omitempty"`
	Stream         bool           `json:"stream,omitempty"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Generate performs one blocking completion call.
func (t *HTTPTransport) Generate(ctx context.Context, req Request) (*Response, error) {
	body, err := t.do(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()

	var parsed chatResponse
	if err := json.NewDecoder(body).Decode(&parsed); err != nil {
		return nil, &Error{Kind: models.KindPermanent, Op: "generate", Err: fmt.Errorf("decoding response: %w", err)}
	}
	if len(parsed.Choices) == 0 {
		return nil, &Error{Kind: models.KindPermanent, Op: "generate", Err: fmt.Errorf("empty choices")}
	}
	return &Response{
		Content: parsed.Choices[0].Message.Content,
		Model:   parsed.Model,
		Usage: Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
		},
	}, nil
}

// GenerateStream performs a streaming completion over server-sent events.
func (t *HTTPTransport) GenerateStream(ctx context.Context, req Request) (<-chan string, <-chan error) {
	chunks := make(chan string, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		body, err := t.do(ctx, req, true)
		if err != nil {
			errs <- err
			return
		}
		defer func() { _ = body.Close() }()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}
			var parsed chatResponse
			if err := json.Unmarshal([]byte(data), &parsed); err != nil {
				continue
			}
			if len(parsed.Choices) == 0 {
				continue
			}
			delta := parsed.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			select {
			case chunks <- delta:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errs <- err
		}
	}()

	return chunks, errs
}

// do issues the HTTP call and classifies failures.
func (t *HTTPTransport) do(ctx context.Context, req Request, stream bool) (io.ReadCloser, error) {
	payload := chatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
	if req.JSONMode {
		payload.ResponseFormat = map[string]any{"type": "json_object"}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &Error{Kind: models.KindInternal, Op: "encode", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: models.KindInternal, Op: "request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, &Error{Kind: classifyTransportErr(ctx, err), Op: "http", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("upstream status %d: %s", resp.StatusCode, snippet)
		return nil, &Error{Kind: classifyStatus(resp.StatusCode), Op: "http", Err: err}
	}
	return resp.Body, nil
}

// classifyStatus maps HTTP status codes to error kinds: 408/429/5xx are
// transient, other 4xx are permanent.
func classifyStatus(status int) models.ErrorKind {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return models.KindTransient
	case status >= 500:
		return models.KindTransient
	default:
		return models.KindPermanent
	}
}
