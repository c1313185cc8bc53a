package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lumigraph/lumigraph/internal/config"
)

// ErrTransport classifies an LLM call failure as transport/auth/quota-level
// (spec §4.4 FAILED_LLM), as opposed to a response the model returned but
// that failed schema validation (FAILED_PARSE).
var ErrTransport = errors.New("llm transport failed")

// ErrSchemaViolation classifies a response the model returned that failed
// JSON Schema validation (or the pattern-hash check layered on top of it)
// after all reprompt attempts were exhausted (spec §4.4 FAILED_PARSE).
var ErrSchemaViolation = errors.New("llm response failed schema validation")

// CompletionRequest is one chat-style call to the configured LLM.
type CompletionRequest struct {
	System      string
	User        string
	Temperature float64
}

// Client calls an LLM and returns its raw text response.
type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// ClientConfig configures HTTPClient. The wire format targets the
// OpenAI-compatible chat-completions shape most self-hosted and hosted LLM
// gateways speak, so the same client works against a local model server or a
// hosted API by changing BaseURL.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// LoadClientConfigFromEnv reads LLM_BASE_URL, LLM_API_KEY, LLM_MODEL, and
// LLM_REQUEST_TIMEOUT.
func LoadClientConfigFromEnv() ClientConfig {
	return ClientConfig{
		BaseURL: config.GetEnvStr("LLM_BASE_URL", "http://localhost:11434/v1"),
		APIKey:  config.GetEnvStr("LLM_API_KEY", ""),
		Model:   config.GetEnvStr("LLM_MODEL", "gpt-oss-20b"),
		Timeout: config.GetEnvDuration("LLM_REQUEST_TIMEOUT", 60*time.Second),
	}
}

// HTTPClient implements Client against an OpenAI-compatible /chat/completions
// endpoint. No third-party LLM SDK appears anywhere in the corpus this
// module was grounded on, and the wire shape is a single small JSON POST, so
// this is built directly on net/http rather than adopting an out-of-pack
// dependency for it (see DESIGN.md).
type HTTPClient struct {
	httpClient *http.Client
	cfg        ClientConfig
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient builds an HTTPClient from cfg.
func NewHTTPClient(cfg ClientConfig) *HTTPClient {
	return &HTTPClient{httpClient: &http.Client{Timeout: cfg.Timeout}, cfg: cfg}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete implements Client.
func (c *HTTPClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	body, err := json.Marshal(chatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
		Temperature: req.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("%w: encode request: %w", ErrTransport, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: build request: %w", ErrTransport, err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read response: %w", ErrTransport, err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d: %s", ErrTransport, resp.StatusCode, string(respBody))
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("%w: decode response: %w", ErrTransport, err)
	}

	if parsed.Error != nil {
		return "", fmt.Errorf("%w: %s", ErrTransport, parsed.Error.Message)
	}

	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("%w: response had no choices", ErrTransport)
	}

	return parsed.Choices[0].Message.Content, nil
}
