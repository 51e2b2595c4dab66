package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

const defaultOllamaEndpoint = "http://localhost:11434"

// localMu serializes every call against the local model. The fallback
// shares one set of CPU cores and thrashes badly under concurrent
// generations, so all workers queue here regardless of pool size.
var localMu sync.Mutex

// OllamaClient calls a locally served model through the Ollama HTTP API.
// It is the cascade's fallback tier: slow, unlimited, always present.
type OllamaClient struct {
	httpClient *http.Client
	endpoint   string
	model      string
	tokenCap   int
}

func NewOllamaClient(endpoint, model string, tokenCap int) (*OllamaClient, error) {
	if endpoint == "" {
		endpoint = defaultOllamaEndpoint
	}
	if model == "" {
		model = "llama3.1:8b"
	}
	if tokenCap <= 0 {
		tokenCap = 8192
	}
	// No client timeout here. Local generation time varies wildly with
	// load, so the caller's context carries the deadline.
	return &OllamaClient{
		httpClient: &http.Client{},
		endpoint:   strings.TrimRight(endpoint, "/"),
		model:      model,
		tokenCap:   tokenCap,
	}, nil
}

func (o *OllamaClient) Name() string { return "ollama:" + o.model }
func (o *OllamaClient) Close() error { return nil }
func (o *OllamaClient) TokenCapacity() int { return o.tokenCap }

func (o *OllamaClient) CountTokens(text string) int { return CountTokens(text) }

type ollamaGenerateReq struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	Format string `json:"format,omitempty"`
}

type ollamaGenerateResp struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func (o *OllamaClient) GenerateJSON(ctx context.Context, prompt string, input any) (json.RawMessage, error) {
	localMu.Lock()
	defer localMu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	full, err := buildUserMessage(prompt, input)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(ollamaGenerateReq{
		Model:  o.model,
		Prompt: full,
		Stream: false,
		Format: "json",
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama/%s: %w", o.model, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("ollama/%s: read body: %w", o.model, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, httpError("ollama", o.model, resp.StatusCode, string(body), resp.Header)
	}

	var parsed ollamaGenerateResp
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("ollama/%s: decode response: %w", o.model, err)
	}
	if strings.TrimSpace(parsed.Response) == "" {
		return nil, &ProviderError{Provider: "ollama", Model: o.model, Message: "empty response", Retryable: true}
	}
	return json.RawMessage(parsed.Response), nil
}
