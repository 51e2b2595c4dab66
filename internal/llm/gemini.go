package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"
)

// GeminiClient calls the Gemini API with JSON response mode enabled.
type GeminiClient struct {
	cli      *genai.Client
	model    string
	tokenCap int
}

// NewGeminiClient builds a client for the given model. apiKey may be
// empty, in which case the SDK falls back to its usual environment keys.
func NewGeminiClient(ctx context.Context, apiKey, model string, tokenCap int) (*GeminiClient, error) {
	if model == "" {
		model = "gemini-2.0-flash"
	}
	if tokenCap <= 0 {
		tokenCap = 1_000_000
	}
	cli, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &GeminiClient{cli: cli, model: model, tokenCap: tokenCap}, nil
}

func (g *GeminiClient) Name() string { return "gemini:" + g.model }
func (g *GeminiClient) Close() error { return nil }
func (g *GeminiClient) TokenCapacity() int { return g.tokenCap }

func (g *GeminiClient) CountTokens(text string) int { return CountTokens(text) }

func (g *GeminiClient) GenerateJSON(ctx context.Context, prompt string, input any) (json.RawMessage, error) {
	full, err := buildUserMessage(prompt, input)
	if err != nil {
		return nil, err
	}
	resp, err := g.cli.Models.GenerateContent(ctx, g.model,
		[]*genai.Content{{Parts: []*genai.Part{{Text: full}}}},
		&genai.GenerateContentConfig{ResponseMIMEType: "application/json"},
	)
	if err != nil {
		return nil, classifyGeminiError(g.model, err)
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return nil, &ProviderError{Provider: "gemini", Model: g.model, Message: "empty response", Retryable: true}
	}
	return json.RawMessage(text), nil
}

// classifyGeminiError maps SDK errors onto the provider error taxonomy,
// pulling the retryDelay hint out of 429 details when present.
func classifyGeminiError(model string, err error) error {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("gemini/%s: %w", model, err)
	}
	pe := &ProviderError{
		Provider: "gemini",
		Model:    model,
		Status:   apiErr.Code,
		Message:  apiErr.Message,
	}
	switch {
	case apiErr.Code == http.StatusTooManyRequests:
		pe.Retryable = true
		pe.RetryAfter = retryDelayFromDetails(apiErr.Details)
		if pe.RetryAfter == 0 {
			if b, merr := json.Marshal(apiErr.Details); merr == nil {
				pe.RetryAfter = parseRetryDelay(string(b))
			}
		}
	case apiErr.Code >= 500:
		pe.Retryable = true
	}
	return pe
}

func retryDelayFromDetails(details []map[string]any) time.Duration {
	for _, d := range details {
		raw, ok := d["retryDelay"].(string)
		if !ok {
			continue
		}
		if dur, err := time.ParseDuration(raw); err == nil && dur > 0 {
			return dur
		}
	}
	return 0
}
