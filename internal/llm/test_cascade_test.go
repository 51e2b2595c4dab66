package llm

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"lexpipe/internal/tester"
)

func fakeRegistration(name, tier string, local bool, cli Client, rl *RateLimitConfig) ModelRegistration {
	return ModelRegistration{
		Provider:  "fake",
		Tier:      tier,
		Model:     name,
		Level:     ModelLevelLow,
		MaxTokens: 4096,
		Local:     local,
		RateLimit: rl,
		Factory: func(context.Context, int) (Client, error) {
			return cli, nil
		},
	}
}

func newTestCascade(t *testing.T, cfg Config, clk *fakeClock, regs ...ModelRegistration) *Cascade {
	t.Helper()
	reg := NewRegistry()
	for _, r := range regs {
		tester.NoErr(t, reg.Register(r))
	}
	opts := []Option{}
	if clk != nil {
		opts = append(opts, withClock(clk.Now, func(_ context.Context, d time.Duration) error {
			clk.Advance(d)
			return nil
		}))
	}
	c, err := NewCascade(reg, cfg, opts...)
	tester.NoErr(t, err)
	return c
}

func validBody() json.RawMessage {
	return json.RawMessage(`{"category":"deadline","score":0.9}`)
}

func obligationReq(allowBlocking bool) Request {
	return Request{
		Prompt:        "Classify the obligation in this section.",
		Input:         map[string]string{"text": "Reports are due within 30 days."},
		Schema:        MustCompileSchema("obligation", obligationTestSchema),
		AllowBlocking: allowBlocking,
	}
}

func TestCascadeFirstModelServes(t *testing.T) {
	primary := NewFakeClient("fake:primary", FakeResult{Body: validBody()})
	backup := NewFakeClient("fake:backup", FakeResult{Body: validBody()})
	c := newTestCascade(t, Config{Strategy: StrategyRate}, nil,
		fakeRegistration("primary", "free", false, primary, nil),
		fakeRegistration("backup", "free", false, backup, nil),
	)

	res, err := c.Generate(context.Background(), obligationReq(false))
	tester.NoErr(t, err)
	tester.Eq(t, res.ModelUsed, "fake:primary")
	tester.Eq(t, res.Attempts, 1)
	tester.Eq(t, primary.Calls(), 1)
	tester.Eq(t, backup.Calls(), 0)
	tester.True(t, res.CorrelationID != "", "correlation id should be assigned")
}

func TestCascadeSchemaHintAppendedToPrompt(t *testing.T) {
	primary := NewFakeClient("fake:primary", FakeResult{Body: validBody()})
	c := newTestCascade(t, Config{Strategy: StrategyRate}, nil,
		fakeRegistration("primary", "free", false, primary, nil),
	)

	_, err := c.Generate(context.Background(), obligationReq(false))
	tester.NoErr(t, err)
	prompts := primary.Prompts()
	tester.Eq(t, len(prompts), 1)
	tester.True(t, strings.HasPrefix(prompts[0], "Classify the obligation in this section."), "stage prompt should lead")
	tester.True(t, strings.Contains(prompts[0], `"enum": ["deadline", "penalty"]`), "schema text should ride along")
}

func TestCascadeRetriesValidationOnSameModelThenAdvances(t *testing.T) {
	bad := json.RawMessage(`{"category":"bogus","score":0.5}`)
	flaky := NewFakeClient("fake:flaky",
		FakeResult{Body: bad}, FakeResult{Body: bad}, FakeResult{Body: bad})
	backup := NewFakeClient("fake:backup", FakeResult{Body: validBody()})
	c := newTestCascade(t, Config{Strategy: StrategyRate, ValidationRetries: 2}, nil,
		fakeRegistration("flaky", "free", false, flaky, nil),
		fakeRegistration("backup", "free", false, backup, nil),
	)

	res, err := c.Generate(context.Background(), obligationReq(false))
	tester.NoErr(t, err)
	tester.Eq(t, res.ModelUsed, "fake:backup")
	tester.Eq(t, flaky.Calls(), 3)
	tester.Eq(t, backup.Calls(), 1)
}

func TestCascadeAdvancesImmediatelyOnTransient(t *testing.T) {
	down := NewFakeClient("fake:down", FakeResult{
		Err: &ProviderError{Provider: "fake", Model: "down", Status: 503, Message: "overloaded", Retryable: true},
	})
	backup := NewFakeClient("fake:backup", FakeResult{Body: validBody()})
	c := newTestCascade(t, Config{Strategy: StrategyRate, ValidationRetries: 2}, nil,
		fakeRegistration("down", "free", false, down, nil),
		fakeRegistration("backup", "free", false, backup, nil),
	)

	res, err := c.Generate(context.Background(), obligationReq(false))
	tester.NoErr(t, err)
	tester.Eq(t, res.ModelUsed, "fake:backup")
	tester.Eq(t, down.Calls(), 1, "transient failure must not retry the same model")
}

func TestCascade429BlocksModelForRetryDelay(t *testing.T) {
	clk := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	limited := NewFakeClient("fake:limited",
		FakeResult{Err: &ProviderError{Provider: "fake", Model: "limited", Status: 429, Retryable: true, RetryAfter: 30 * time.Second}},
		FakeResult{Body: validBody()},
	)
	backup := NewFakeClient("fake:backup", FakeResult{Body: validBody()})
	c := newTestCascade(t, Config{Strategy: StrategyRate}, clk,
		fakeRegistration("limited", "free", false, limited, &RateLimitConfig{RPM: 100}),
		fakeRegistration("backup", "free", false, backup, nil),
	)

	res, err := c.Generate(context.Background(), obligationReq(false))
	tester.NoErr(t, err)
	tester.Eq(t, res.ModelUsed, "fake:backup")
	tester.Eq(t, limited.Calls(), 1)

	// Inside the block window the limited model must be skipped cold.
	res, err = c.Generate(context.Background(), obligationReq(false))
	tester.NoErr(t, err)
	tester.Eq(t, res.ModelUsed, "fake:backup")
	tester.Eq(t, limited.Calls(), 1)

	clk.Advance(31 * time.Second)
	res, err = c.Generate(context.Background(), obligationReq(false))
	tester.NoErr(t, err)
	tester.Eq(t, res.ModelUsed, "fake:limited")
	tester.Eq(t, limited.Calls(), 2)
}

func TestCascadeExhaustionIsTerminal(t *testing.T) {
	down1 := NewFakeClient("fake:down1", FakeResult{
		Err: &ProviderError{Provider: "fake", Model: "down1", Status: 500, Message: "boom", Retryable: true},
	})
	down2 := NewFakeClient("fake:down2", FakeResult{
		Err: &ProviderError{Provider: "fake", Model: "down2", Status: 500, Message: "boom", Retryable: true},
	})
	c := newTestCascade(t, Config{Strategy: StrategyRate}, nil,
		fakeRegistration("down1", "free", false, down1, nil),
		fakeRegistration("down2", "free", false, down2, nil),
	)

	_, err := c.Generate(context.Background(), obligationReq(false))
	tester.ErrIs(t, err, ErrExhausted)
}

func TestCascadeBlockingSleepWaitsOutMinuteWindow(t *testing.T) {
	clk := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	only := NewFakeClient("fake:only", FakeResult{Body: validBody()})
	c := newTestCascade(t, Config{Strategy: StrategyRate}, clk,
		fakeRegistration("only", "free", false, only, &RateLimitConfig{RPM: 1}),
	)

	_, err := c.Generate(context.Background(), obligationReq(true))
	tester.NoErr(t, err)

	before := clk.Now()
	_, err = c.Generate(context.Background(), obligationReq(true))
	tester.NoErr(t, err)
	tester.True(t, clk.Now().Sub(before) >= time.Minute, "second call should sleep out the window")
	tester.Eq(t, only.Calls(), 2)
}

func TestCascadeSkipsInsteadOfSleepingWhenBlockingDisallowed(t *testing.T) {
	clk := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	tight := NewFakeClient("fake:tight", FakeResult{Body: validBody()})
	backup := NewFakeClient("fake:backup", FakeResult{Body: validBody()})
	c := newTestCascade(t, Config{Strategy: StrategyRate}, clk,
		fakeRegistration("tight", "free", false, tight, &RateLimitConfig{RPM: 1}),
		fakeRegistration("backup", "free", false, backup, nil),
	)

	_, err := c.Generate(context.Background(), obligationReq(false))
	tester.NoErr(t, err)
	res, err := c.Generate(context.Background(), obligationReq(false))
	tester.NoErr(t, err)
	tester.Eq(t, res.ModelUsed, "fake:backup")
	tester.Eq(t, tight.Calls(), 1)
}

func TestCascadePinsFallbackAndProbesPreferred(t *testing.T) {
	clk := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	remote := NewFakeClient("fake:remote", FakeResult{
		Err: &ProviderError{Provider: "fake", Model: "remote", Status: 503, Message: "down", Retryable: true},
	})
	local := NewFakeClient("fake:local", FakeResult{Body: validBody()})
	c := newTestCascade(t, Config{Strategy: StrategyRate, PreferredRetryEvery: 10 * time.Minute}, clk,
		fakeRegistration("remote", "free", false, remote, nil),
		fakeRegistration("local", "local", true, local, nil),
	)

	res, err := c.Generate(context.Background(), obligationReq(false))
	tester.NoErr(t, err)
	tester.Eq(t, res.ModelUsed, "fake:local")
	tester.Eq(t, remote.Calls(), 1)

	// Pinned: the dead remote is not consulted again within the window.
	for i := 0; i < 3; i++ {
		res, err = c.Generate(context.Background(), obligationReq(false))
		tester.NoErr(t, err)
		tester.Eq(t, res.ModelUsed, "fake:local")
	}
	tester.Eq(t, remote.Calls(), 1)

	// After the probe interval the preferred tier gets one more shot.
	clk.Advance(11 * time.Minute)
	res, err = c.Generate(context.Background(), obligationReq(false))
	tester.NoErr(t, err)
	tester.Eq(t, res.ModelUsed, "fake:local")
	tester.Eq(t, remote.Calls(), 2)
}

func TestCascadePermanentErrorSkipsModel(t *testing.T) {
	tooLong := NewFakeClient("fake:toolong", FakeResult{
		Err: NewPermanentError(&ProviderError{Provider: "fake", Model: "toolong", Status: 400, Message: "context_length_exceeded"}),
	})
	backup := NewFakeClient("fake:backup", FakeResult{Body: validBody()})
	c := newTestCascade(t, Config{Strategy: StrategyRate, ValidationRetries: 2}, nil,
		fakeRegistration("toolong", "free", false, tooLong, nil),
		fakeRegistration("backup", "free", false, backup, nil),
	)

	res, err := c.Generate(context.Background(), obligationReq(false))
	tester.NoErr(t, err)
	tester.Eq(t, res.ModelUsed, "fake:backup")
	tester.Eq(t, tooLong.Calls(), 1)
}

func TestCascadeResponseCacheShortCircuits(t *testing.T) {
	primary := NewFakeClient("fake:primary", FakeResult{Body: validBody()})
	rc, err := NewResponseCache(t.TempDir(), 16, time.Hour)
	tester.NoErr(t, err)

	reg := NewRegistry()
	tester.NoErr(t, reg.Register(fakeRegistration("primary", "free", false, primary, nil)))
	c, err := NewCascade(reg, Config{Strategy: StrategyRate}, WithResponseCache(rc))
	tester.NoErr(t, err)

	res, err := c.Generate(context.Background(), obligationReq(false))
	tester.NoErr(t, err)
	tester.False(t, res.FromCache, "first call should hit the provider")

	res, err = c.Generate(context.Background(), obligationReq(false))
	tester.NoErr(t, err)
	tester.True(t, res.FromCache, "second call should come from cache")
	tester.Eq(t, res.ModelUsed, "fake:primary")
	tester.Eq(t, primary.Calls(), 1)
}

func TestCascadeSharedByWorkers(t *testing.T) {
	primary := NewFakeClient("fake:primary", FakeResult{Body: validBody()})
	c := newTestCascade(t, Config{Strategy: StrategyRate}, nil,
		fakeRegistration("primary", "free", false, primary, &RateLimitConfig{RPM: 1000}),
	)

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Generate(context.Background(), obligationReq(false))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		tester.NoErr(t, err)
	}
	tester.Eq(t, primary.Calls(), 32)
}

func TestChooseStrategyPrecedence(t *testing.T) {
	tester.Eq(t, ChooseStrategy("rotation", "rate", 8), StrategyRotation)
	tester.Eq(t, ChooseStrategy("", "rate", 1), StrategyRate)
	tester.Eq(t, ChooseStrategy("bogus", "rate", 1), StrategyRate)
	tester.Eq(t, ChooseStrategy("", "", 4), StrategyRate)
	tester.Eq(t, ChooseStrategy("", "", 1), StrategyRotation)
}
