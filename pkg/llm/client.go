// Package llm is the gateway to the language model: bounded-timeout JSON and
// text completion with structured-output validation, a single jittered retry
// on transient failures, and per-call observability.
package llm

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/forkcast/forkcast/pkg/config"
	"github.com/forkcast/forkcast/pkg/models"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single conversation message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options tunes a single call. Zero values fall back to client defaults.
type Options struct {
	// Timeout is the hard deadline for the whole call including the retry.
	Timeout time.Duration
	// PromptVersion tags the call in logs for prompt rollout tracking.
	PromptVersion string
	Temperature   *float32
	MaxTokens     int
	// JSONMode asks the model for a JSON object response.
	JSONMode bool
}

// Usage is the token accounting reported by the transport.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Request is the transport-level request.
type Request struct {
	Messages    []Message
	Model       string
	Temperature float32
	MaxTokens   int
	JSONMode    bool
}

// Response is the transport-level response.
type Response struct {
	Content string
	Model   string
	Usage   Usage
}

// Transport performs the actual model call. Implementations must honour
// context cancellation by aborting in-flight I/O and classify failures via
// *Error where possible.
type Transport interface {
	Generate(ctx context.Context, req Request) (*Response, error)
	GenerateStream(ctx context.Context, req Request) (<-chan string, <-chan error)
}

// Validator is the semantic check applied to a decoded structured output,
// beyond what the type shape itself enforces.
type Validator interface {
	Validate() error
}

// Client is the LLM gateway.
type Client struct {
	transport Transport
	cfg       *config.LLMConfig
}

// NewClient creates a gateway over the given transport.
func NewClient(transport Transport, cfg *config.LLMConfig) *Client {
	if cfg == nil {
		cfg = config.DefaultLLMConfig()
	}
	return &Client{transport: transport, cfg: cfg}
}

// Complete returns a free-form text completion.
func (c *Client) Complete(ctx context.Context, messages []Message, opts Options) (string, error) {
	resp, err := c.call(ctx, messages, opts)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// CompleteJSON requests a JSON completion and decodes it strictly into out:
// unknown fields are rejected, and when out implements Validator its semantic
// check runs after decoding. Schema failures are never retried — the same
// prompt would produce the same malformed shape.
func (c *Client) CompleteJSON(ctx context.Context, messages []Message, out any, opts Options) error {
	opts.JSONMode = true
	resp, err := c.call(ctx, messages, opts)
	if err != nil {
		return err
	}

	content := stripFences(resp.Content)
	dec := json.NewDecoder(bytes.NewReader([]byte(content)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return &Error{Kind: models.KindSchema, Op: "decode", Err: err}
	}
	if v, ok := out.(Validator); ok {
		if err := v.Validate(); err != nil {
			return &Error{Kind: models.KindSchema, Op: "validate", Err: err}
		}
	}
	return nil
}

// CompleteStream returns incremental chunks for free-form narration. The
// caller must drain both channels; they close when the stream ends.
func (c *Client) CompleteStream(ctx context.Context, messages []Message, opts Options) (<-chan string, <-chan error) {
	if opts.Timeout <= 0 {
		opts.Timeout = c.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)

	chunks, errs := c.transport.GenerateStream(ctx, c.buildRequest(messages, opts))

	// Forward chunks and release the deadline timer once the stream ends.
	outChunks := make(chan string)
	outErrs := make(chan error, 1)
	go func() {
		defer cancel()
		defer close(outChunks)
		defer close(outErrs)
		for chunks != nil || errs != nil {
			select {
			case chunk, ok := <-chunks:
				if !ok {
					chunks = nil
					continue
				}
				outChunks <- chunk
			case err, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				if err != nil {
					outErrs <- &Error{Kind: classifyTransportErr(ctx, err), Op: "stream", Err: err}
				}
			}
		}
	}()
	return outChunks, outErrs
}

// call performs one completion with deadline enforcement and the retry
// policy: one retry after a jittered 50–150 ms backoff, only for transient
// classifications.
func (c *Client) call(ctx context.Context, messages []Message, opts Options) (*Response, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := c.buildRequest(messages, opts)
	start := time.Now()

	resp, err := c.transport.Generate(ctx, req)
	if err != nil {
		kind := classifyTransportErr(ctx, err)
		if !retryable(kind) || ctx.Err() != nil {
			return nil, &Error{Kind: kind, Op: "generate", Err: err}
		}
		backoff := 50*time.Millisecond + time.Duration(rand.Int64N(int64(100*time.Millisecond)))
		select {
		case <-ctx.Done():
			return nil, &Error{Kind: classifyTransportErr(ctx, ctx.Err()), Op: "generate", Err: err}
		case <-time.After(backoff):
		}
		resp, err = c.transport.Generate(ctx, req)
		if err != nil {
			return nil, &Error{Kind: classifyTransportErr(ctx, err), Op: "generate", Err: err}
		}
	}

	slog.Info("LLM call completed",
		"model", resp.Model,
		"prompt_version", opts.PromptVersion,
		"prompt_hash", promptHash(messages),
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)
	return resp, nil
}

func (c *Client) buildRequest(messages []Message, opts Options) Request {
	temperature := c.cfg.Temperature
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.cfg.MaxTokens
	}
	return Request{
		Messages:    messages,
		Model:       c.cfg.Model,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		JSONMode:    opts.JSONMode,
	}
}

// promptHash gives a stable fingerprint of the full prompt for log
// correlation without logging prompt text.
func promptHash(messages []Message) string {
	h := sha256.New()
	for _, m := range messages {
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(m.Content))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:12]
}

// stripFences removes a ```json ... ``` wrapper some models insist on.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
