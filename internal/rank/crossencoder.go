// Package rank scores sections against fixed indicator sentences with an
// NLI cross-encoder service, pre-filtering the LLM reporting stage.
package rank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// PairScorer scores (premise, hypothesis) pairs in one call.
type PairScorer interface {
	ScorePairs(ctx context.Context, pairs [][2]string) ([]float64, error)
}

// CrossEncoder talks to a local cross-encoder inference server.
type CrossEncoder struct {
	endpoint string
	model    string
	http     *http.Client
}

func NewCrossEncoder(endpoint, model string) *CrossEncoder {
	if endpoint == "" {
		endpoint = "http://localhost:8085"
	}
	return &CrossEncoder{
		endpoint: endpoint,
		model:    model,
		http:     &http.Client{Timeout: 90 * time.Second},
	}
}

type scoreRequest struct {
	Model string      `json:"model,omitempty"`
	Pairs [][2]string `json:"pairs"`
}

type scoreResponse struct {
	Scores []float64 `json:"scores"`
}

func (ce *CrossEncoder) ScorePairs(ctx context.Context, pairs [][2]string) ([]float64, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(scoreRequest{Model: ce.model, Pairs: pairs})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ce.endpoint+"/score", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := ce.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cross-encoder: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("cross-encoder: status %d: %s", resp.StatusCode, string(raw))
	}
	var out scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("cross-encoder: decode: %w", err)
	}
	if len(out.Scores) != len(pairs) {
		return nil, fmt.Errorf("cross-encoder: got %d scores for %d pairs", len(out.Scores), len(pairs))
	}
	return out.Scores, nil
}

// ReportingIndicators are the positive-indicator hypotheses a section is
// scored against. The section's score is the max over them.
var ReportingIndicators = []string{
	"This section requires submitting a report to a government agency.",
	"This section requires filing a document by a deadline.",
	"This section requires notifying an official of an event.",
	"This section requires keeping records available for inspection.",
	"This section requires publishing or disclosing information periodically.",
}

// Filter gates sections on their max indicator score. The default
// threshold of 0.2 is deliberately permissive: a false positive costs one
// LLM call, a false negative loses the section.
type Filter struct {
	scorer     PairScorer
	indicators []string
	threshold  float64
}

func NewFilter(scorer PairScorer, indicators []string, threshold float64) *Filter {
	if len(indicators) == 0 {
		indicators = ReportingIndicators
	}
	if threshold <= 0 {
		threshold = 0.2
	}
	return &Filter{scorer: scorer, indicators: indicators, threshold: threshold}
}

// Score returns the section's max indicator score.
func (f *Filter) Score(ctx context.Context, text string) (float64, error) {
	pairs := make([][2]string, len(f.indicators))
	for i, ind := range f.indicators {
		pairs[i] = [2]string{text, ind}
	}
	scores, err := f.scorer.ScorePairs(ctx, pairs)
	if err != nil {
		return 0, err
	}
	max := 0.0
	for _, s := range scores {
		if s > max {
			max = s
		}
	}
	return max, nil
}

// Pass reports whether the section clears the threshold, with its score.
func (f *Filter) Pass(ctx context.Context, text string) (bool, float64, error) {
	score, err := f.Score(ctx, text)
	if err != nil {
		return false, 0, err
	}
	return score >= f.threshold, score, nil
}
