package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultAnthropicEndpoint = "https://api.anthropic.com/v1/messages"
	anthropicVersion         = "2023-06-01"
)

// AnthropicClient talks to the Anthropic messages API. JSON-only output
// is requested through the prompt since the API has no response_format
// switch.
type AnthropicClient struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
	model      string
	tokenCap   int
	maxOutput  int
}

func NewAnthropicClient(apiKey, endpoint, model string, tokenCap int) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic client: api key is required")
	}
	if endpoint == "" {
		endpoint = defaultAnthropicEndpoint
	}
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}
	if tokenCap <= 0 {
		tokenCap = 200_000
	}
	return &AnthropicClient{
		httpClient: &http.Client{Timeout: 120 * time.Second},
		endpoint:   endpoint,
		apiKey:     apiKey,
		model:      model,
		tokenCap:   tokenCap,
		maxOutput:  4096,
	}, nil
}

func (a *AnthropicClient) Name() string { return "anthropic:" + a.model }
func (a *AnthropicClient) Close() error { return nil }
func (a *AnthropicClient) TokenCapacity() int { return a.tokenCap }

func (a *AnthropicClient) CountTokens(text string) int { return CountTokens(text) }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicReq struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicResp struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (a *AnthropicClient) GenerateJSON(ctx context.Context, prompt string, input any) (json.RawMessage, error) {
	full, err := buildUserMessage(prompt, input)
	if err != nil {
		return nil, err
	}
	reqBody := anthropicReq{
		Model:     a.model,
		MaxTokens: a.maxOutput,
		Messages: []anthropicMessage{
			{Role: "user", Content: full},
		},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", a.apiKey)
	req.Header.Set("Anthropic-Version", anthropicVersion)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic/%s: %w", a.model, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("anthropic/%s: read body: %w", a.model, err)
	}

	if resp.StatusCode != http.StatusOK {
		perr := httpError("anthropic", a.model, resp.StatusCode, string(body), resp.Header)
		if resp.StatusCode == http.StatusBadRequest && strings.Contains(string(body), "prompt is too long") {
			return nil, NewPermanentError(perr)
		}
		return nil, perr
	}

	var parsed anthropicResp
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("anthropic/%s: decode response: %w", a.model, err)
	}
	var sb strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if strings.TrimSpace(sb.String()) == "" {
		return nil, &ProviderError{Provider: "anthropic", Model: a.model, Message: "empty response", Retryable: true}
	}
	return json.RawMessage(sb.String()), nil
}
