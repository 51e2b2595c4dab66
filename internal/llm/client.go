// Package llm provides the model cascade that turns section text into
// structured JSON: provider clients, per-model rate limiting, response
// salvage and schema validation, and two failover strategies.
package llm

import (
	"context"
	"encoding/json"
	"strings"
)

// Client is a single configured model endpoint. GenerateJSON sends the
// prompt plus a JSON-encoded input payload and returns the raw response
// body, which may need salvage before it parses as JSON.
type Client interface {
	Name() string
	Close() error
	CountTokens(text string) int
	TokenCapacity() int
	GenerateJSON(ctx context.Context, prompt string, input any) (json.RawMessage, error)
}

// CountTokens provides a rough token count for text, used for request
// weighting and TPM accounting. It counts whitespace-delimited words and
// falls back to a character-based heuristic.
func CountTokens(text string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	words := strings.Fields(text)
	if len(words) > 0 {
		return len(words)
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// estimateCallTokens estimates the token cost of one call so limiters can
// account for it before the request is sent.
func estimateCallTokens(cli Client, prompt string, input any) int {
	in, _ := json.Marshal(input)
	payload := prompt + "\n" + string(in)
	t := cli.CountTokens(payload)
	if t < 1 {
		t = 1
	}
	return t
}

// buildUserMessage renders the prompt and input payload into the single
// text block sent to chat-style providers.
func buildUserMessage(prompt string, input any) (string, error) {
	if input == nil {
		return prompt, nil
	}
	in, err := json.Marshal(input)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	sb.WriteString(prompt)
	sb.WriteString("\n\n[INPUT JSON]\n")
	sb.Write(in)
	return sb.String(), nil
}
