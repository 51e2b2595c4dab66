package llm

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// FakeResult is one scripted response for a FakeClient.
type FakeResult struct {
	Body  json.RawMessage
	Err   error
	Delay time.Duration
}

// FakeClient replays a script of responses, recording every call. When
// the script runs out the last entry repeats, so a one-entry script acts
// as an always-same stub.
type FakeClient struct {
	mu       sync.Mutex
	name     string
	tokenCap int
	script   []FakeResult
	idx      int
	prompts  []string
	closed   bool
}

func NewFakeClient(name string, script ...FakeResult) *FakeClient {
	if len(script) == 0 {
		script = []FakeResult{{Body: json.RawMessage(`{}`)}}
	}
	return &FakeClient{name: name, tokenCap: 8192, script: script}
}

func (f *FakeClient) Name() string { return f.name }
func (f *FakeClient) TokenCapacity() int { return f.tokenCap }

func (f *FakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *FakeClient) CountTokens(text string) int { return CountTokens(text) }

func (f *FakeClient) GenerateJSON(ctx context.Context, prompt string, input any) (json.RawMessage, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	r := f.script[f.idx]
	if f.idx < len(f.script)-1 {
		f.idx++
	}
	f.mu.Unlock()

	if r.Delay > 0 {
		select {
		case <-time.After(r.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.Err != nil {
		return nil, r.Err
	}
	return r.Body, nil
}

// Calls reports how many times GenerateJSON ran.
func (f *FakeClient) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

// Prompts returns a copy of every prompt the fake has seen.
func (f *FakeClient) Prompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.prompts))
	copy(out, f.prompts)
	return out
}

// Closed reports whether Close was called.
func (f *FakeClient) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
