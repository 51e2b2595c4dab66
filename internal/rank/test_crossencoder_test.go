package rank

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"lexpipe/internal/tester"
)

// scriptedScorer returns a fixed score per indicator ordinal.
type scriptedScorer struct {
	scores []float64
	calls  int
}

func (s *scriptedScorer) ScorePairs(_ context.Context, pairs [][2]string) ([]float64, error) {
	s.calls++
	out := make([]float64, len(pairs))
	copy(out, s.scores)
	return out, nil
}

func TestFilterTakesMaxOverIndicators(t *testing.T) {
	sc := &scriptedScorer{scores: []float64{0.05, 0.61, 0.10, 0.02, 0.0}}
	f := NewFilter(sc, nil, 0.2)
	pass, score, err := f.Pass(context.Background(), "each operator shall file an annual report")
	tester.NoErr(t, err)
	tester.True(t, pass)
	tester.Eq(t, score, 0.61)
	tester.Eq(t, sc.calls, 1, "all indicators scored in one call")
}

func TestFilterRejectsBelowThreshold(t *testing.T) {
	sc := &scriptedScorer{scores: []float64{0.01, 0.19, 0.0, 0.0, 0.0}}
	f := NewFilter(sc, nil, 0.2)
	pass, score, err := f.Pass(context.Background(), "the state flower is the violet")
	tester.NoErr(t, err)
	tester.False(t, pass)
	tester.Eq(t, score, 0.19)
}

func TestCrossEncoderRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tester.Eq(t, r.URL.Path, "/score")
		var req scoreRequest
		tester.NoErr(t, json.NewDecoder(r.Body).Decode(&req))
		scores := make([]float64, len(req.Pairs))
		for i, p := range req.Pairs {
			if strings.Contains(p[1], "report") {
				scores[i] = 0.9
			}
		}
		tester.NoErr(t, json.NewEncoder(w).Encode(scoreResponse{Scores: scores}))
	}))
	defer srv.Close()

	ce := NewCrossEncoder(srv.URL, "nli-test")
	got, err := ce.ScorePairs(context.Background(), [][2]string{
		{"text", "This section requires submitting a report to a government agency."},
		{"text", "This section is about flags."},
	})
	tester.NoErr(t, err)
	tester.Eq(t, got, []float64{0.9, 0})
}

func TestCrossEncoderSurfacesServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ce := NewCrossEncoder(srv.URL, "nli-test")
	_, err := ce.ScorePairs(context.Background(), [][2]string{{"a", "b"}})
	tester.Err(t, err)
}
