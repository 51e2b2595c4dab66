package llm

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// TierSwitch records one handoff between models during a run.
type TierSwitch struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// ModelStats aggregates outcomes for one model.
type ModelStats struct {
	Calls     int64         `json:"calls"`
	Successes int64         `json:"successes"`
	Failures  int64         `json:"failures"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Stats collects per-model call counts, per-tier time, and the sequence
// of tier switches. Callers only record and snapshot; the internals stay
// unexported so the accounting cannot be corrupted mid-run.
type Stats struct {
	mu       sync.Mutex
	models   map[string]*ModelStats
	tiers    map[string]time.Duration
	switches []TierSwitch
	lastUsed string
	now      func() time.Time
}

func NewStats() *Stats {
	return &Stats{
		models: map[string]*ModelStats{},
		tiers:  map[string]time.Duration{},
		now:    time.Now,
	}
}

// RecordCall accounts one attempt against model within tier.
func (s *Stats) RecordCall(model, tier string, elapsed time.Duration, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := s.models[model]
	if ms == nil {
		ms = &ModelStats{}
		s.models[model] = ms
	}
	ms.Calls++
	ms.Elapsed += elapsed
	if success {
		ms.Successes++
	} else {
		ms.Failures++
	}
	s.tiers[tier] += elapsed
}

// RecordSwitch logs a handoff to a different model. The first model of a
// run does not produce a switch entry.
func (s *Stats) RecordSwitch(to, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastUsed == to {
		return
	}
	if s.lastUsed != "" {
		s.switches = append(s.switches, TierSwitch{From: s.lastUsed, To: to, Reason: reason, At: s.now()})
	}
	s.lastUsed = to
}

// Snapshot is a point-in-time copy of the collected statistics.
type Snapshot struct {
	Models   map[string]ModelStats    `json:"models"`
	Tiers    map[string]time.Duration `json:"tiers"`
	Switches []TierSwitch             `json:"switches"`
}

func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Models: make(map[string]ModelStats, len(s.models)),
		Tiers:  make(map[string]time.Duration, len(s.tiers)),
	}
	for k, v := range s.models {
		snap.Models[k] = *v
	}
	for k, v := range s.tiers {
		snap.Tiers[k] = v
	}
	snap.Switches = append(snap.Switches, s.switches...)
	return snap
}

// Summary renders the end-of-run report printed by each stage.
func (snap Snapshot) Summary() string {
	var sb strings.Builder
	sb.WriteString("model usage:\n")
	names := make([]string, 0, len(snap.Models))
	for name := range snap.Models {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ms := snap.Models[name]
		fmt.Fprintf(&sb, "  %-40s calls=%d ok=%d fail=%d time=%s\n",
			name, ms.Calls, ms.Successes, ms.Failures, ms.Elapsed.Round(time.Millisecond))
	}
	if len(snap.Tiers) > 0 {
		sb.WriteString("tier time:\n")
		tiers := make([]string, 0, len(snap.Tiers))
		for t := range snap.Tiers {
			tiers = append(tiers, t)
		}
		sort.Strings(tiers)
		for _, t := range tiers {
			fmt.Fprintf(&sb, "  %-12s %s\n", t, snap.Tiers[t].Round(time.Millisecond))
		}
	}
	if len(snap.Switches) > 0 {
		fmt.Fprintf(&sb, "switches (%d):\n", len(snap.Switches))
		for _, sw := range snap.Switches {
			fmt.Fprintf(&sb, "  %s -> %s (%s)\n", sw.From, sw.To, sw.Reason)
		}
	}
	return sb.String()
}
