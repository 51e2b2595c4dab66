package llm

import (
	"sync"
	"time"
)

// Decision is a limiter's answer to an admission request.
type Decision int

const (
	// Admit means the call may proceed now; the limiter has already
	// recorded it.
	Admit Decision = iota
	// WaitMinute means the per-minute window is full; retrying after the
	// returned wait will succeed unless others get there first.
	WaitMinute
	// RefuseDay means the daily quota is spent until the next UTC
	// midnight.
	RefuseDay
	// Blocked means a provider signal (usually a 429) placed the model in
	// a penalty box that has not expired yet.
	Blocked
)

func (d Decision) String() string {
	switch d {
	case Admit:
		return "admit"
	case WaitMinute:
		return "wait_minute"
	case RefuseDay:
		return "refuse_day"
	case Blocked:
		return "blocked"
	}
	return "unknown"
}

// Verdict carries a Decision plus how long to wait before the next
// attempt could succeed, and the block reason when applicable.
type Verdict struct {
	Decision Decision
	Wait     time.Duration
	Reason   string
}

type tokenStamp struct {
	at     time.Time
	tokens int
}

// ModelLimiter enforces a model's published limits on the client side:
// requests per sliding 60-second window, requests per UTC day, and
// optionally tokens per sliding 60-second window. A zero limit disables
// that dimension. Provider back-pressure signals land here as explicit
// blocks which expire lazily on the next admission check.
type ModelLimiter struct {
	mu  sync.Mutex
	rpm int
	rpd int
	tpm int

	calls    []time.Time
	tokens   []tokenStamp
	day      string
	dayCount int

	blockedUntil time.Time
	blockReason  string

	now func() time.Time
}

// NewModelLimiter builds a limiter for the given limits. nil cfg means
// unlimited, which is how local models are registered.
func NewModelLimiter(cfg *RateLimitConfig) *ModelLimiter {
	l := &ModelLimiter{now: time.Now}
	if cfg != nil {
		l.rpm = cfg.RPM
		l.rpd = cfg.RPD
		l.tpm = cfg.TPM
	}
	return l
}

// Acquire asks for permission to issue one call costing estTokens. On
// Admit the call is recorded against every active window before the lock
// is released, so concurrent callers cannot overshoot a limit.
func (l *ModelLimiter) Acquire(estTokens int) Verdict {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	if !l.blockedUntil.IsZero() {
		if now.Before(l.blockedUntil) {
			return Verdict{Decision: Blocked, Wait: l.blockedUntil.Sub(now), Reason: l.blockReason}
		}
		l.blockedUntil = time.Time{}
		l.blockReason = ""
	}

	day := now.UTC().Format("2006-01-02")
	if day != l.day {
		l.day = day
		l.dayCount = 0
	}
	if l.rpd > 0 && l.dayCount >= l.rpd {
		return Verdict{Decision: RefuseDay, Wait: untilNextUTCDay(now), Reason: "daily quota"}
	}

	cutoff := now.Add(-time.Minute)
	l.pruneLocked(cutoff)

	if l.rpm > 0 && len(l.calls) >= l.rpm {
		wait := l.calls[0].Add(time.Minute).Sub(now)
		if wait < 0 {
			wait = 0
		}
		return Verdict{Decision: WaitMinute, Wait: wait, Reason: "rpm window full"}
	}
	if l.tpm > 0 {
		used := 0
		for _, ts := range l.tokens {
			used += ts.tokens
		}
		if used+estTokens > l.tpm && len(l.tokens) > 0 {
			wait := l.tokens[0].at.Add(time.Minute).Sub(now)
			if wait < 0 {
				wait = 0
			}
			return Verdict{Decision: WaitMinute, Wait: wait, Reason: "tpm window full"}
		}
	}

	l.calls = append(l.calls, now)
	l.dayCount++
	if l.tpm > 0 {
		l.tokens = append(l.tokens, tokenStamp{at: now, tokens: estTokens})
	}
	return Verdict{Decision: Admit}
}

func (l *ModelLimiter) pruneLocked(cutoff time.Time) {
	i := 0
	for i < len(l.calls) && !l.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.calls = append(l.calls[:0], l.calls[i:]...)
	}
	j := 0
	for j < len(l.tokens) && !l.tokens[j].at.After(cutoff) {
		j++
	}
	if j > 0 {
		l.tokens = append(l.tokens[:0], l.tokens[j:]...)
	}
}

// BlockUntil places the model in a penalty box until t. Later deadlines
// win when signals overlap.
func (l *ModelLimiter) BlockUntil(t time.Time, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.After(l.blockedUntil) {
		l.blockedUntil = t
		l.blockReason = reason
	}
}

// BlockedUntil reports the current penalty-box deadline, zero when clear.
func (l *ModelLimiter) BlockedUntil() (time.Time, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.blockedUntil, l.blockReason
}

func untilNextUTCDay(now time.Time) time.Duration {
	u := now.UTC()
	next := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	return next.Sub(u)
}
