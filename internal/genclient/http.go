package genclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// HTTPClient — works with ANY OpenAI-compatible chat-completions endpoint.
//
// Supported backends (anything that speaks /v1/chat/completions):
//   - OpenAI, Anthropic (compat layer), Gemini (compat layer)
//   - Ollama, LM Studio, vLLM/TGI and other local servers
//   - OpenRouter, Groq, Together AI
// ---------------------------------------------------------------------------

// ProviderConfig describes how to connect to a generation provider.
type ProviderConfig struct {
	// Name is a human-readable label for this provider (e.g., "openai", "ollama").
	Name string `json:"name" yaml:"name"`

	// BaseURL is the API base URL (e.g., "https://api.openai.com").
	BaseURL string `json:"base_url" yaml:"base_url"`

	// APIKey is the bearer token. Empty for local models.
	APIKey string `json:"api_key,omitempty" yaml:"api_key,omitempty"`

	// Model is the model identifier sent with every request.
	Model string `json:"model" yaml:"model"`

	// AuthHeader overrides the authorization header name.
	// Default: "Authorization" with "Bearer <key>" value.
	AuthHeader string `json:"auth_header,omitempty" yaml:"auth_header,omitempty"`

	// AuthPrefix overrides the auth value prefix. Default: "Bearer ".
	AuthPrefix string `json:"auth_prefix,omitempty" yaml:"auth_prefix,omitempty"`

	// ExtraHeaders are sent with every request.
	ExtraHeaders map[string]string `json:"extra_headers,omitempty" yaml:"extra_headers,omitempty"`

	// CompletionsPath overrides the API path. Default: "/v1/chat/completions".
	CompletionsPath string `json:"completions_path,omitempty" yaml:"completions_path,omitempty"`

	// TimeoutSeconds bounds each generation call. Default: 120.
	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`

	// MaxTokens is the completion budget per request. Default: 8192.
	MaxTokens int `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`

	// Temperature for sampling. Zero means provider default.
	Temperature float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`

	// InputCostPerM / OutputCostPerM are USD per 1M tokens (0 for local).
	InputCostPerM  float64 `json:"input_cost_per_m,omitempty" yaml:"input_cost_per_m,omitempty"`
	OutputCostPerM float64 `json:"output_cost_per_m,omitempty" yaml:"output_cost_per_m,omitempty"`
}

// HTTPClient implements Client over an OpenAI-compatible endpoint.
type HTTPClient struct {
	config ProviderConfig
	client *http.Client
}

// NewHTTPClient creates a client from config.
func NewHTTPClient(cfg ProviderConfig) *HTTPClient {
	if cfg.CompletionsPath == "" {
		cfg.CompletionsPath = "/v1/chat/completions"
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 120
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8192
	}
	if cfg.AuthHeader == "" {
		cfg.AuthHeader = "Authorization"
	}
	if cfg.AuthPrefix == "" {
		cfg.AuthPrefix = "Bearer "
	}

	return &HTTPClient{
		config: cfg,
		client: &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
	}
}

// Name returns the provider name.
func (c *HTTPClient) Name() string { return c.config.Name }

// Generate sends one chat-completion request and extracts code + rationale
// from the marker-delimited response.
func (c *HTTPClient) Generate(ctx context.Context, prompt Prompt) (*GenerationResult, error) {
	or := openaiRequest{
		Model: c.config.Model,
		Messages: []openaiMsg{
			{Role: "system", Content: prompt.System},
			{Role: "user", Content: prompt.User},
		},
	}
	if c.config.MaxTokens > 0 {
		mt := c.config.MaxTokens
		or.MaxTokens = &mt
	}
	if c.config.Temperature > 0 {
		t := c.config.Temperature
		or.Temperature = &t
	}

	body, err := json.Marshal(or)
	if err != nil {
		return nil, &GenerationError{Class: ErrClassFatal, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := strings.TrimRight(c.config.BaseURL, "/") + c.config.CompletionsPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &GenerationError{Class: ErrClassFatal, Message: fmt.Sprintf("create request: %v", err)}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set(c.config.AuthHeader, c.config.AuthPrefix+c.config.APIKey)
	}
	for k, v := range c.config.ExtraHeaders {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		// Caller-initiated cancellation is not a service failure.
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		return nil, &GenerationError{
			Class:   ErrClassRetryable,
			Message: fmt.Sprintf("%s: http request: %v", c.config.Name, err),
		}
	}
	defer resp.Body.Close()

	latency := time.Since(start).Milliseconds()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &GenerationError{
			Class:   ErrClassRetryable,
			Message: fmt.Sprintf("%s: read response: %v", c.config.Name, err),
		}
	}

	if resp.StatusCode != http.StatusOK {
		msg := string(respBody)
		var errResp openaiErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Message != "" {
			msg = errResp.Error.Type + ": " + errResp.Error.Message
		}
		return nil, &GenerationError{
			Class:      classifyStatus(resp.StatusCode),
			Message:    fmt.Sprintf("%s: %s", c.config.Name, msg),
			StatusCode: resp.StatusCode,
		}
	}

	var or2 openaiResponse
	if err := json.Unmarshal(respBody, &or2); err != nil {
		return nil, &GenerationError{
			Class:   ErrClassRetryable,
			Message: fmt.Sprintf("%s: unmarshal response: %v", c.config.Name, err),
		}
	}
	if len(or2.Choices) == 0 {
		return nil, &GenerationError{
			Class:   ErrClassRetryable,
			Message: fmt.Sprintf("%s: response contained no choices", c.config.Name),
		}
	}

	content := or2.Choices[0].Message.Content
	code := extractBlock(content, "CODE_START", "CODE_END")
	rationale := extractBlock(content, "RATIONALE_START", "RATIONALE_END")
	if code == "" {
		// Bare code without markers still counts if it looks like source.
		if strings.Contains(content, "class ") || strings.Contains(content, "def ") {
			code = stripFences(content)
		}
	}
	if code == "" {
		return nil, &GenerationError{
			Class:   ErrClassRetryable,
			Message: fmt.Sprintf("%s: no code block found in response", c.config.Name),
		}
	}

	return &GenerationResult{
		Code:         code,
		Rationale:    rationale,
		Model:        or2.Model,
		InputTokens:  or2.Usage.PromptTokens,
		OutputTokens: or2.Usage.CompletionTokens,
		CostUSD:      c.cost(or2.Usage.PromptTokens, or2.Usage.CompletionTokens),
		LatencyMs:    latency,
	}, nil
}

// classifyStatus maps an HTTP status to the retry taxonomy: client-side
// request defects and policy rejections are fatal, everything else is
// worth retrying.
func classifyStatus(status int) ErrClass {
	switch status {
	case http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusRequestEntityTooLarge,
		http.StatusUnprocessableEntity:
		return ErrClassFatal
	default:
		return ErrClassRetryable
	}
}

func (c *HTTPClient) cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1_000_000*c.config.InputCostPerM +
		float64(outputTokens)/1_000_000*c.config.OutputCostPerM
}

// extractBlock extracts text between start/end markers.
func extractBlock(text, startMarker, endMarker string) string {
	startIdx := strings.Index(text, startMarker)
	if startIdx < 0 {
		return ""
	}
	startIdx += len(startMarker)

	endIdx := strings.Index(text[startIdx:], endMarker)
	if endIdx < 0 {
		return ""
	}

	return strings.TrimSpace(text[startIdx : startIdx+endIdx])
}

// stripFences removes markdown code fences from a raw completion.
func stripFences(s string) string {
	s = strings.ReplaceAll(s, "```python", "")
	s = strings.ReplaceAll(s, "```", "")
	return strings.TrimSpace(s)
}

// --- OpenAI wire types ---

type openaiMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiRequest struct {
	Model       string      `json:"model"`
	Messages    []openaiMsg `json:"messages"`
	Temperature *float64    `json:"temperature,omitempty"`
	MaxTokens   *int        `json:"max_tokens,omitempty"`
}

type openaiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      openaiMsg `json:"message"`
		FinishReason string    `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type openaiErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
