package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// Strategy selects how the cascade walks its model list.
type Strategy string

const (
	// StrategyRate consults per-model limiters before every call and is
	// the right choice when a worker pool shares the cascade.
	StrategyRate Strategy = "rate"
	// StrategyRotation reacts to errors only, rotating failed models out
	// and probing them back in. Suits sequential processing.
	StrategyRotation Strategy = "rotation"
)

// ChooseStrategy resolves the strategy from a CLI flag, the
// LEXPIPE_CASCADE_STRATEGY environment value, and the worker count, in
// that precedence order. Unrecognised values fall through to the next
// source.
func ChooseStrategy(flag, env string, workers int) Strategy {
	for _, v := range []string{flag, env} {
		switch Strategy(strings.ToLower(strings.TrimSpace(v))) {
		case StrategyRate:
			return StrategyRate
		case StrategyRotation:
			return StrategyRotation
		}
	}
	if workers > 1 {
		return StrategyRate
	}
	return StrategyRotation
}

// Request is one generation job: a prompt, the schema the answer must
// satisfy, and an optional payload serialised into the message.
type Request struct {
	Prompt        string
	Input         any
	Schema        *ResponseSchema
	CorrelationID string
	// AllowBlocking lets the rate strategy sleep out a full minute
	// window instead of skipping to the next model.
	AllowBlocking bool
}

// Result is a validated generation.
type Result struct {
	Object        json.RawMessage
	ModelUsed     string
	Attempts      int
	CorrelationID string
	FromCache     bool
}

// Config carries the cascade's tunables. Zero values take defaults.
type Config struct {
	Strategy            Strategy
	ValidationRetries   int
	RemoteTimeout       time.Duration
	LocalTimeout        time.Duration
	PreferredRetryEvery time.Duration
	ProbeAfterAttempts  int
}

func (c *Config) fill() {
	if c.Strategy == "" {
		c.Strategy = StrategyRate
	}
	if c.ValidationRetries <= 0 {
		c.ValidationRetries = 2
	}
	if c.RemoteTimeout <= 0 {
		c.RemoteTimeout = 30 * time.Second
	}
	if c.LocalTimeout <= 0 {
		c.LocalTimeout = 90 * time.Second
	}
	if c.PreferredRetryEvery <= 0 {
		c.PreferredRetryEvery = 10 * time.Minute
	}
	if c.ProbeAfterAttempts <= 0 {
		c.ProbeAfterAttempts = 100
	}
}

// cascadeModel binds a registration to its lazily built client and, for
// the rate strategy, its limiter.
type cascadeModel struct {
	reg     ModelRegistration
	limiter *ModelLimiter

	buildOnce sync.Once
	client    Client
	buildErr  error
}

func (m *cascadeModel) ensureClient(ctx context.Context) (Client, error) {
	m.buildOnce.Do(func() {
		m.client, m.buildErr = m.reg.Factory(ctx, m.reg.MaxTokens)
	})
	return m.client, m.buildErr
}

// Cascade walks an ordered model list until one model produces a
// response that validates against the request schema.
type Cascade struct {
	cfg    Config
	models []*cascadeModel
	stats  *Stats
	log    *zap.Logger

	usage     *UsageLedger
	respCache *ResponseCache

	mu        sync.Mutex
	pinned    bool
	lastProbe time.Time
	rotation  *rotationState

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option adjusts a Cascade at construction.
type Option func(*Cascade)

func WithLogger(l *zap.Logger) Option {
	return func(c *Cascade) {
		if l != nil {
			c.log = l
		}
	}
}

func WithUsageLedger(u *UsageLedger) Option {
	return func(c *Cascade) { c.usage = u }
}

func WithResponseCache(rc *ResponseCache) Option {
	return func(c *Cascade) { c.respCache = rc }
}

// withClock injects a fake clock and sleeper in tests. The limiters
// share the clock so penalty boxes and windows line up with it.
func withClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(c *Cascade) {
		c.now = now
		c.sleep = sleep
		for _, m := range c.models {
			m.limiter.now = now
		}
	}
}

// NewCascade builds a cascade over the registry's model order.
func NewCascade(reg *Registry, cfg Config, opts ...Option) (*Cascade, error) {
	regs := reg.Ordered()
	if len(regs) == 0 {
		return nil, fmt.Errorf("cascade: no models registered")
	}
	cfg.fill()
	c := &Cascade{
		cfg:   cfg,
		stats: NewStats(),
		log:   zap.NewNop(),
		now:   time.Now,
		sleep: sleepCtx,
	}
	for _, r := range regs {
		c.models = append(c.models, &cascadeModel{
			reg:     r,
			limiter: NewModelLimiter(r.RateLimit),
		})
	}
	for _, opt := range opts {
		opt(c)
	}
	if cfg.Strategy == StrategyRotation {
		c.rotation = newRotationState(c.models, cfg.ProbeAfterAttempts)
	}
	return c, nil
}

// Stats exposes the collected per-model statistics.
func (c *Cascade) Stats() *Stats { return c.stats }

// Close releases every client that was actually built.
func (c *Cascade) Close() error {
	var first error
	for _, m := range c.models {
		if m.client != nil {
			if err := m.client.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

// Generate runs the cascade for one request. The returned error is
// terminal for the record: every model was tried and none produced a
// valid document.
func (c *Cascade) Generate(ctx context.Context, req Request) (*Result, error) {
	if req.Schema == nil {
		return nil, fmt.Errorf("cascade: request has no schema")
	}
	if req.CorrelationID == "" {
		req.CorrelationID = ulid.Make().String()
	}
	prompt := req.Prompt + "\n\n" + req.Schema.Hint()

	if c.respCache != nil {
		if doc, model, ok := c.respCache.Lookup(prompt, req.Input, req.Schema.Name); ok {
			return &Result{
				Object:        doc,
				ModelUsed:     model,
				CorrelationID: req.CorrelationID,
				FromCache:     true,
			}, nil
		}
	}

	var (
		res *Result
		err error
	)
	if c.cfg.Strategy == StrategyRotation {
		res, err = c.generateRotation(ctx, prompt, req)
	} else {
		res, err = c.generateRate(ctx, prompt, req)
	}
	if err != nil {
		return nil, err
	}
	if c.respCache != nil {
		c.respCache.Store(prompt, req.Input, req.Schema.Name, res.ModelUsed, res.Object)
	}
	return res, nil
}

// generateRate is the rate-limit-driven walk: static order, limiter
// consult before each call, penalty boxes fed by 429 hints, and a pin on
// the local fallback with periodic probes of the preferred tier.
func (c *Cascade) generateRate(ctx context.Context, prompt string, req Request) (*Result, error) {
	order, probing := c.rateOrder()
	attempts := 0
	var lastErr error
	lastReason := "start"

models:
	for _, m := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cli, err := m.ensureClient(ctx)
		if err != nil {
			c.log.Warn("model client unavailable",
				zap.String("model", m.reg.Key()),
				zap.Error(err))
			lastErr = err
			continue
		}
		est := estimateCallTokens(cli, prompt, req.Input)

		for {
			v := m.limiter.Acquire(est)
			switch v.Decision {
			case Admit:
			case WaitMinute:
				if req.AllowBlocking {
					c.log.Debug("minute window full, sleeping",
						zap.String("model", m.reg.Key()),
						zap.Duration("wait", v.Wait))
					if err := c.sleep(ctx, v.Wait); err != nil {
						return nil, err
					}
					continue
				}
				c.log.Debug("minute window full, advancing",
					zap.String("model", m.reg.Key()))
				lastReason = "rate_limited"
				continue models
			default:
				c.log.Debug("model unavailable",
					zap.String("model", m.reg.Key()),
					zap.String("decision", v.Decision.String()),
					zap.String("reason", v.Reason),
					zap.Duration("wait", v.Wait))
				lastReason = v.Decision.String()
				continue models
			}
			break
		}

		attempts++
		doc, err := c.callModel(ctx, m, cli, prompt, req)
		if err == nil {
			c.stats.RecordSwitch(cli.Name(), lastReason)
			c.notePinState(m.reg.Local, probing)
			return &Result{
				Object:        doc,
				ModelUsed:     cli.Name(),
				Attempts:      attempts,
				CorrelationID: req.CorrelationID,
			}, nil
		}
		lastErr = err
		lastReason = c.handleCallError(m, err)
	}
	if lastErr == nil {
		lastErr = ErrExhausted
	}
	return nil, fmt.Errorf("%w: %s", ErrExhausted, lastErr)
}

// rateOrder returns the model slice to walk for this request. While
// pinned to the fallback only local models are offered, except once per
// probe interval when the full preferred order is retried.
func (c *Cascade) rateOrder() (order []*cascadeModel, probing bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.pinned {
		return c.models, false
	}
	now := c.now()
	if now.Sub(c.lastProbe) >= c.cfg.PreferredRetryEvery {
		c.lastProbe = now
		return c.models, true
	}
	for _, m := range c.models {
		if m.reg.Local {
			order = append(order, m)
		}
	}
	if len(order) == 0 {
		return c.models, false
	}
	return order, false
}

// notePinState pins after the preferred tier failed through to the local
// fallback, and unpins as soon as a remote model serves a request.
func (c *Cascade) notePinState(servedLocal, probing bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case !servedLocal:
		if c.pinned {
			c.log.Info("preferred tier recovered, unpinning fallback")
		}
		c.pinned = false
	case servedLocal && !c.pinned:
		c.log.Info("preferred tier exhausted, pinning local fallback",
			zap.Duration("probe_every", c.cfg.PreferredRetryEvery))
		c.pinned = true
		c.lastProbe = c.now()
	case probing:
		// Probe failed through to the fallback again; push the next
		// probe a full interval out.
		c.lastProbe = c.now()
	}
}

// handleCallError classifies a failed call, applies any provider block
// hint to the model's limiter, and returns the advance reason.
func (c *Cascade) handleCallError(m *cascadeModel, err error) string {
	var pe *ProviderError
	if errors.As(err, &pe) && pe.Status == 429 {
		until := time.Time{}
		switch {
		case pe.RetryAfter > 0:
			until = c.now().Add(pe.RetryAfter)
		case !pe.ResetAt.IsZero():
			until = pe.ResetAt
		default:
			until = c.now().Add(time.Minute)
		}
		m.limiter.BlockUntil(until, "429")
		c.log.Warn("provider rate limited, blocking model",
			zap.String("model", m.reg.Key()),
			zap.Time("until", until))
		return "rate_limited"
	}
	if IsTransient(err) {
		c.log.Warn("transient failure, advancing",
			zap.String("model", m.reg.Key()),
			zap.Error(err))
		return "transient"
	}
	c.log.Warn("model failed, advancing",
		zap.String("model", m.reg.Key()),
		zap.Error(err))
	return "error"
}

// callModel issues up to 1+ValidationRetries calls against one model.
// Transport errors return immediately so the caller can advance; only
// parse and validation failures re-ask the same model.
func (c *Cascade) callModel(ctx context.Context, m *cascadeModel, cli Client, prompt string, req Request) (json.RawMessage, error) {
	timeout := c.cfg.RemoteTimeout
	if m.reg.Local {
		timeout = c.cfg.LocalTimeout
	}
	est := estimateCallTokens(cli, prompt, req.Input)
	maxAttempts := c.cfg.ValidationRetries + 1

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		raw, err := cli.GenerateJSON(callCtx, prompt, req.Input)
		elapsed := time.Since(start)
		cancel()

		if c.usage != nil {
			c.usage.Record(cli.Name(), int64(est), err != nil)
		}
		if err != nil {
			c.stats.RecordCall(cli.Name(), m.reg.Tier, elapsed, false)
			return nil, err
		}

		doc, serr := Salvage(raw, req.Schema)
		if serr == nil {
			serr = req.Schema.Validate(doc)
			if serr == nil {
				c.stats.RecordCall(cli.Name(), m.reg.Tier, elapsed, true)
				return doc, nil
			}
			missing, extra := req.Schema.FieldDiff(doc)
			c.log.Warn("response failed validation",
				zap.String("model", cli.Name()),
				zap.Int("attempt", attempt),
				zap.Strings("missing", missing),
				zap.Strings("extra", extra),
				zap.String("raw", clipRaw(raw)),
				zap.Error(serr))
		} else {
			c.log.Warn("response is not salvageable JSON",
				zap.String("model", cli.Name()),
				zap.Int("attempt", attempt),
				zap.String("raw", clipRaw(raw)))
		}
		c.stats.RecordCall(cli.Name(), m.reg.Tier, elapsed, false)
		lastErr = serr
	}
	return nil, fmt.Errorf("validation failed after %d attempts on %s: %w", maxAttempts, cli.Name(), lastErr)
}

func clipRaw(raw json.RawMessage) string {
	s := string(raw)
	if len(s) > 500 {
		return s[:500]
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
