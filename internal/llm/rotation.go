package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// rotationEntry is one model's position in the error-driven lists.
type rotationEntry struct {
	m          *cascadeModel
	failures   int
	snapshotAt int64
}

// rotationState implements the error-driven strategy: an active list
// ordered by priority and a failed FIFO. Failures rotate models out;
// probes rotate them back in once they have sat out probeK generations.
// The counter ticks once per generation, so over N all-failing
// generations a model is probed at most ceil(N/K) times on top of its
// initial visit.
type rotationState struct {
	mu      sync.Mutex
	active  []*rotationEntry
	failed  []*rotationEntry
	counter int64
	probeK  int64
}

func newRotationState(models []*cascadeModel, probeK int) *rotationState {
	rs := &rotationState{probeK: int64(probeK)}
	for _, m := range models {
		rs.active = append(rs.active, &rotationEntry{m: m})
	}
	return rs
}

// beginGeneration advances the probe clock. One tick per generation, not
// per attempt: the eligibility gap is measured in generations, which is
// what keeps the all-failing visit count bounded.
func (rs *rotationState) beginGeneration() {
	rs.mu.Lock()
	rs.counter++
	rs.mu.Unlock()
}

// next picks the model for the upcoming attempt: an eligible probe from
// the failed FIFO head first, then the first untried active model. When
// everything sits in the FIFO and the head has not aged probeK
// generations yet, next returns nil and the generation fails; recovery
// waits for the eligibility gate rather than hammering dead models.
// tried holds the entries already consumed by the current generation.
func (rs *rotationState) next(tried map[*rotationEntry]bool) (*rotationEntry, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if len(rs.failed) > 0 {
		head := rs.failed[0]
		if !tried[head] && rs.counter-head.snapshotAt >= rs.probeK {
			rs.failed = rs.failed[1:]
			return head, true
		}
	}
	for _, e := range rs.active {
		if !tried[e] {
			return e, false
		}
	}
	return nil, false
}

// success moves the entry to the head of the active list and clears its
// failure streak.
func (rs *rotationState) success(e *rotationEntry) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	e.failures = 0
	rs.active = removeEntry(rs.active, e)
	rs.failed = removeEntry(rs.failed, e)
	rs.active = append([]*rotationEntry{e}, rs.active...)
}

// failure appends the entry to the failed FIFO with a fresh counter
// snapshot.
func (rs *rotationState) failure(e *rotationEntry) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.active = removeEntry(rs.active, e)
	rs.failed = removeEntry(rs.failed, e)
	e.failures++
	e.snapshotAt = rs.counter
	rs.failed = append(rs.failed, e)
}

func removeEntry(list []*rotationEntry, e *rotationEntry) []*rotationEntry {
	for i, cur := range list {
		if cur == e {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func (rs *rotationState) activeNames() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]string, 0, len(rs.active))
	for _, e := range rs.active {
		out = append(out, e.m.reg.Key())
	}
	return out
}

func (rs *rotationState) failedNames() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]string, 0, len(rs.failed))
	for _, e := range rs.failed {
		out = append(out, e.m.reg.Key())
	}
	return out
}

// generateRotation is the error-driven walk. No limiter consults; the
// lists alone decide which model serves each attempt.
func (c *Cascade) generateRotation(ctx context.Context, prompt string, req Request) (*Result, error) {
	rs := c.rotation
	rs.beginGeneration()
	tried := map[*rotationEntry]bool{}
	attempts := 0
	var lastErr error
	lastReason := "start"

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e, probe := rs.next(tried)
		if e == nil {
			break
		}
		tried[e] = true

		cli, err := e.m.ensureClient(ctx)
		if err != nil {
			c.log.Warn("model client unavailable",
				zap.String("model", e.m.reg.Key()),
				zap.Error(err))
			rs.failure(e)
			lastErr = err
			continue
		}

		if probe {
			c.log.Info("probing failed model",
				zap.String("model", e.m.reg.Key()),
				zap.Int("failures", e.failures))
		}

		attempts++
		doc, err := c.callModel(ctx, e.m, cli, prompt, req)
		if err == nil {
			rs.success(e)
			reason := lastReason
			if probe {
				reason = "probe_recovered"
			}
			c.stats.RecordSwitch(cli.Name(), reason)
			return &Result{
				Object:        doc,
				ModelUsed:     cli.Name(),
				Attempts:      attempts,
				CorrelationID: req.CorrelationID,
			}, nil
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		rs.failure(e)
		lastErr = err
		lastReason = advanceReason(err)
		c.log.Warn("model failed, rotating out",
			zap.String("model", e.m.reg.Key()),
			zap.String("reason", lastReason),
			zap.Error(err))
	}
	if lastErr == nil {
		lastErr = errors.New("no models available")
	}
	return nil, fmt.Errorf("%w: %s", ErrExhausted, lastErr)
}

func advanceReason(err error) string {
	switch {
	case IsRateLimited(err):
		return "rate_limited"
	case IsTransient(err):
		return "transient"
	default:
		return "error"
	}
}
