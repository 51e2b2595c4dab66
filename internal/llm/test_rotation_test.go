package llm

import (
	"context"
	"testing"

	"lexpipe/internal/tester"
)

func transientErr(model string) *ProviderError {
	return &ProviderError{Provider: "fake", Model: model, Status: 503, Message: "down", Retryable: true}
}

func TestRotationFailureMovesToFIFO(t *testing.T) {
	m1 := NewFakeClient("fake:m1", FakeResult{Err: transientErr("m1")})
	m2 := NewFakeClient("fake:m2", FakeResult{Body: validBody()})
	m3 := NewFakeClient("fake:m3", FakeResult{Body: validBody()})
	c := newTestCascade(t, Config{Strategy: StrategyRotation, ProbeAfterAttempts: 100}, nil,
		fakeRegistration("m1", "free", false, m1, nil),
		fakeRegistration("m2", "free", false, m2, nil),
		fakeRegistration("m3", "free", false, m3, nil),
	)

	res, err := c.Generate(context.Background(), obligationReq(false))
	tester.NoErr(t, err)
	tester.Eq(t, res.ModelUsed, "fake:m2")
	tester.Eq(t, c.rotation.activeNames(), []string{"fake/m2@free", "fake/m3@free"})
	tester.Eq(t, c.rotation.failedNames(), []string{"fake/m1@free"})
}

func TestRotationSuccessStaysAtHead(t *testing.T) {
	m1 := NewFakeClient("fake:m1", FakeResult{Err: transientErr("m1")})
	m2 := NewFakeClient("fake:m2", FakeResult{Body: validBody()})
	c := newTestCascade(t, Config{Strategy: StrategyRotation, ProbeAfterAttempts: 100}, nil,
		fakeRegistration("m1", "free", false, m1, nil),
		fakeRegistration("m2", "free", false, m2, nil),
	)

	_, err := c.Generate(context.Background(), obligationReq(false))
	tester.NoErr(t, err)
	tester.Eq(t, m1.Calls(), 1)

	// m2 now heads the active list; m1 stays rotated out.
	for i := 0; i < 5; i++ {
		res, err := c.Generate(context.Background(), obligationReq(false))
		tester.NoErr(t, err)
		tester.Eq(t, res.ModelUsed, "fake:m2")
	}
	tester.Eq(t, m1.Calls(), 1)
	tester.Eq(t, m2.Calls(), 6)
}

func TestRotationProbesAfterKGenerations(t *testing.T) {
	m1 := NewFakeClient("fake:m1",
		FakeResult{Err: transientErr("m1")},
		FakeResult{Body: validBody()},
	)
	m2 := NewFakeClient("fake:m2", FakeResult{Body: validBody()})
	c := newTestCascade(t, Config{Strategy: StrategyRotation, ProbeAfterAttempts: 2}, nil,
		fakeRegistration("m1", "free", false, m1, nil),
		fakeRegistration("m2", "free", false, m2, nil),
	)

	// Generation 1 fails m1 into the FIFO, then serves from m2.
	res, err := c.Generate(context.Background(), obligationReq(false))
	tester.NoErr(t, err)
	tester.Eq(t, res.ModelUsed, "fake:m2")

	// One generation past the failure snapshot: not yet eligible.
	res, err = c.Generate(context.Background(), obligationReq(false))
	tester.NoErr(t, err)
	tester.Eq(t, res.ModelUsed, "fake:m2")
	tester.Eq(t, m1.Calls(), 1)

	// Now the gap reaches K and the probe pops m1, which recovers.
	res, err = c.Generate(context.Background(), obligationReq(false))
	tester.NoErr(t, err)
	tester.Eq(t, res.ModelUsed, "fake:m1")
	tester.Eq(t, c.rotation.activeNames()[0], "fake/m1@free")
	tester.Eq(t, len(c.rotation.failedNames()), 0)

	snap := c.Stats().Snapshot()
	found := false
	for _, sw := range snap.Switches {
		if sw.Reason == "probe_recovered" {
			found = true
		}
	}
	tester.True(t, found, "probe recovery should be logged as a switch")
}

func TestRotationFailedProbeReappends(t *testing.T) {
	m1 := NewFakeClient("fake:m1",
		FakeResult{Err: transientErr("m1")},
		FakeResult{Err: transientErr("m1")},
	)
	m2 := NewFakeClient("fake:m2", FakeResult{Body: validBody()})
	c := newTestCascade(t, Config{Strategy: StrategyRotation, ProbeAfterAttempts: 1}, nil,
		fakeRegistration("m1", "free", false, m1, nil),
		fakeRegistration("m2", "free", false, m2, nil),
	)

	_, err := c.Generate(context.Background(), obligationReq(false))
	tester.NoErr(t, err)

	// The probe fires, fails again, and m1 goes back to the FIFO with a
	// fresh snapshot while m2 serves the record.
	res, err := c.Generate(context.Background(), obligationReq(false))
	tester.NoErr(t, err)
	tester.Eq(t, res.ModelUsed, "fake:m2")
	tester.Eq(t, m1.Calls(), 2)
	tester.Eq(t, c.rotation.failedNames(), []string{"fake/m1@free"})
}

func TestRotationStaysExhaustedUntilProbeEligible(t *testing.T) {
	m1 := NewFakeClient("fake:m1",
		FakeResult{Err: transientErr("m1")},
		FakeResult{Body: validBody()},
	)
	m2 := NewFakeClient("fake:m2", FakeResult{Err: transientErr("m2")})
	c := newTestCascade(t, Config{Strategy: StrategyRotation, ProbeAfterAttempts: 2}, nil,
		fakeRegistration("m1", "free", false, m1, nil),
		fakeRegistration("m2", "free", false, m2, nil),
	)

	_, err := c.Generate(context.Background(), obligationReq(false))
	tester.ErrIs(t, err, ErrExhausted)
	tester.Eq(t, len(c.rotation.activeNames()), 0)

	// Everything failed and the FIFO head is not K generations stale yet:
	// the generation fails without touching any model.
	_, err = c.Generate(context.Background(), obligationReq(false))
	tester.ErrIs(t, err, ErrExhausted)
	tester.Eq(t, m1.Calls(), 1)
	tester.Eq(t, m2.Calls(), 1)

	// Once the gap reaches K the probe pops the oldest failure.
	res, err := c.Generate(context.Background(), obligationReq(false))
	tester.NoErr(t, err)
	tester.Eq(t, res.ModelUsed, "fake:m1")
	tester.Eq(t, c.rotation.activeNames(), []string{"fake/m1@free"})
}

func TestRotationVisitBoundWhenAllModelsFail(t *testing.T) {
	m1 := NewFakeClient("fake:m1", FakeResult{Err: transientErr("m1")})
	m2 := NewFakeClient("fake:m2", FakeResult{Err: transientErr("m2")})
	m3 := NewFakeClient("fake:m3", FakeResult{Err: transientErr("m3")})
	const probeK, generations = 2, 10
	c := newTestCascade(t, Config{Strategy: StrategyRotation, ProbeAfterAttempts: probeK}, nil,
		fakeRegistration("m1", "free", false, m1, nil),
		fakeRegistration("m2", "free", false, m2, nil),
		fakeRegistration("m3", "free", false, m3, nil),
	)

	for i := 0; i < generations; i++ {
		_, err := c.Generate(context.Background(), obligationReq(false))
		tester.ErrIs(t, err, ErrExhausted)
	}

	// With every model always failing, each model is visited at most
	// ceil(N/K)+1 times over N generations: one initial attempt plus at
	// most one probe per K generations.
	bound := (generations+probeK-1)/probeK + 1
	for _, m := range []*FakeClient{m1, m2, m3} {
		tester.True(t, m.Calls() <= bound,
			"%s visited %d times, bound %d", m.Name(), m.Calls(), bound)
		tester.True(t, m.Calls() >= 2, "%s was never probed back", m.Name())
	}
}

func TestRotationEachModelTriedOncePerRecord(t *testing.T) {
	m1 := NewFakeClient("fake:m1", FakeResult{Err: transientErr("m1")})
	m2 := NewFakeClient("fake:m2", FakeResult{Err: transientErr("m2")})
	m3 := NewFakeClient("fake:m3", FakeResult{Err: transientErr("m3")})
	c := newTestCascade(t, Config{Strategy: StrategyRotation, ProbeAfterAttempts: 1}, nil,
		fakeRegistration("m1", "free", false, m1, nil),
		fakeRegistration("m2", "free", false, m2, nil),
		fakeRegistration("m3", "free", false, m3, nil),
	)

	_, err := c.Generate(context.Background(), obligationReq(false))
	tester.ErrIs(t, err, ErrExhausted)
	tester.Eq(t, m1.Calls(), 1)
	tester.Eq(t, m2.Calls(), 1)
	tester.Eq(t, m3.Calls(), 1)
}
