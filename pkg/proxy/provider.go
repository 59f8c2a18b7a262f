package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/arunrao/rampart/pkg/httputil"
)

// Message is one chat turn in a completion exchange.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is the provider-agnostic completion call.
type CompletionRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

// CompletionResponse carries the upstream text plus token usage for cost
// accounting. Model echoes what the provider actually served, which can
// differ from the requested alias.
type CompletionResponse struct {
	Text      string  `json:"text"`
	TokensIn  int     `json:"tokens_in"`
	TokensOut int     `json:"tokens_out"`
	Model     string  `json:"model,omitempty"`
	LatencyMs float64 `json:"latency_ms"`
}

// Provider is the upstream LLM surface the orchestrator calls between the
// input and output checks.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// ProviderError reports an upstream failure, distinct from any security
// block. Retryable tells the caller whether trying again may help; the
// orchestrator itself never retries.
type ProviderError struct {
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider: status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider: %v", e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// retryableStatus reports whether an HTTP status is worth a retry upstream:
// timeouts, rate limits, and server-side failures.
func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= 500
}

// OpenAIProvider speaks the OpenAI-compatible chat completions API, which
// also covers groq, openrouter, and a local ollama server. All calls ride
// the shared pooled client; there is no retry logic here on purpose.
type OpenAIProvider struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

// NewOpenAIProvider builds a provider client for the given API base. The
// key may be empty for local servers.
func NewOpenAIProvider(baseURL, apiKey string) *OpenAIProvider {
	return &OpenAIProvider{
		client:  httputil.MediumClient(),
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
	}
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (p *OpenAIProvider) Complete(ctx context.Context, creq CompletionRequest) (*CompletionResponse, error) {
	if len(creq.Messages) == 0 {
		return nil, &ProviderError{Err: fmt.Errorf("no messages to send")}
	}

	body, err := json.Marshal(chatRequest{Model: creq.Model, Messages: creq.Messages})
	if err != nil {
		return nil, &ProviderError{Err: err}
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &ProviderError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		// Timeouts and connection failures are worth retrying upstream.
		return nil, &ProviderError{Retryable: true, Err: err}
	}
	defer httputil.DrainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		errBody, _ := httputil.ReadErrorBody(resp.Body)
		return nil, &ProviderError{
			StatusCode: resp.StatusCode,
			Retryable:  retryableStatus(resp.StatusCode),
			Err:        fmt.Errorf("%s", truncateForLog(string(errBody), 512)),
		}
	}

	data, err := httputil.ReadResponseBody(resp.Body, httputil.MaxResponseSize)
	if err != nil {
		return nil, &ProviderError{Retryable: true, Err: err}
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, &ProviderError{Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(parsed.Choices) == 0 {
		return nil, &ProviderError{Err: fmt.Errorf("no choices returned")}
	}

	return &CompletionResponse{
		Text:      parsed.Choices[0].Message.Content,
		TokensIn:  parsed.Usage.PromptTokens,
		TokensOut: parsed.Usage.CompletionTokens,
		Model:     parsed.Model,
		LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0,
	}, nil
}

func truncateForLog(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
