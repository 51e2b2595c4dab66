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

const defaultGroqEndpoint = "https://api.groq.com/openai/v1/chat/completions"

// GroqClient talks to Groq's OpenAI-compatible chat completions endpoint
// with JSON object response format forced on.
type GroqClient struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
	model      string
	tokenCap   int
}

func NewGroqClient(apiKey, endpoint, model string, tokenCap int) (*GroqClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("groq client: api key is required")
	}
	if endpoint == "" {
		endpoint = defaultGroqEndpoint
	}
	if model == "" {
		model = "llama-3.1-8b-instant"
	}
	if tokenCap <= 0 {
		tokenCap = 128_000
	}
	return &GroqClient{
		httpClient: &http.Client{Timeout: 120 * time.Second},
		endpoint:   endpoint,
		apiKey:     apiKey,
		model:      model,
		tokenCap:   tokenCap,
	}, nil
}

func (g *GroqClient) Name() string { return "groq:" + g.model }
func (g *GroqClient) Close() error { return nil }
func (g *GroqClient) TokenCapacity() int { return g.tokenCap }

func (g *GroqClient) CountTokens(text string) int { return CountTokens(text) }

type groqChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type groqRespFmt struct {
	Type string `json:"type"`
}

type groqChatReq struct {
	Model          string            `json:"model"`
	Messages       []groqChatMessage `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat *groqRespFmt      `json:"response_format,omitempty"`
}

type groqChatResp struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (g *GroqClient) GenerateJSON(ctx context.Context, prompt string, input any) (json.RawMessage, error) {
	full, err := buildUserMessage(prompt, input)
	if err != nil {
		return nil, err
	}
	reqBody := groqChatReq{
		Model: g.model,
		Messages: []groqChatMessage{
			{Role: "user", Content: full},
		},
		Temperature:    0,
		ResponseFormat: &groqRespFmt{Type: "json_object"},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("groq/%s: %w", g.model, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("groq/%s: read body: %w", g.model, err)
	}

	if resp.StatusCode != http.StatusOK {
		perr := httpError("groq", g.model, resp.StatusCode, string(body), resp.Header)
		if resp.StatusCode == http.StatusBadRequest && strings.Contains(string(body), "context_length_exceeded") {
			return nil, NewPermanentError(perr)
		}
		return nil, perr
	}

	var parsed groqChatResp
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("groq/%s: decode response: %w", g.model, err)
	}
	if len(parsed.Choices) == 0 {
		return nil, &ProviderError{Provider: "groq", Model: g.model, Message: "no choices in response", Retryable: true}
	}
	return json.RawMessage(parsed.Choices[0].Message.Content), nil
}
