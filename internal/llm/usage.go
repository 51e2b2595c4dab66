package llm

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// UsageLedger persists per-day, per-model request and token counts to a
// JSON file so quota spend survives process restarts.
type UsageLedger struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

type usageLedgerFile struct {
	UpdatedAt string              `json:"updated_at"`
	Days      map[string]usageDay `json:"days"`
}

type usageDay struct {
	Requests int64                `json:"requests"`
	Tokens   int64                `json:"tokens"`
	Errors   int64                `json:"errors"`
	Models   map[string]usageStat `json:"models"`
}

type usageStat struct {
	Requests int64 `json:"requests"`
	Tokens   int64 `json:"tokens"`
	Errors   int64 `json:"errors"`
}

// NewUsageLedger creates a ledger that writes to path.
func NewUsageLedger(path string) *UsageLedger {
	return &UsageLedger{path: path, now: time.Now}
}

// Record accounts one call against today's UTC bucket.
func (l *UsageLedger) Record(model string, tokens int64, hasErr bool) {
	if l == nil || l.path == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	dayKey := l.now().UTC().Format("2006-01-02")
	f := usageLedgerFile{Days: map[string]usageDay{}}
	if b, err := os.ReadFile(l.path); err == nil {
		_ = json.Unmarshal(b, &f)
		if f.Days == nil {
			f.Days = map[string]usageDay{}
		}
	}

	d := f.Days[dayKey]
	if d.Models == nil {
		d.Models = map[string]usageStat{}
	}
	d.Requests++
	d.Tokens += tokens
	if hasErr {
		d.Errors++
	}
	m := d.Models[model]
	m.Requests++
	m.Tokens += tokens
	if hasErr {
		m.Errors++
	}
	d.Models[model] = m
	f.Days[dayKey] = d
	f.UpdatedAt = l.now().UTC().Format(time.RFC3339)

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return
	}
	tmp := l.path + ".tmp"
	b, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, l.path)
}

// Day returns the recorded totals for a UTC date key like "2026-01-31".
// Zero totals are returned for unknown days.
func (l *UsageLedger) Day(dayKey string) (requests, tokens, errCount int64) {
	if l == nil || l.path == "" {
		return 0, 0, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var f usageLedgerFile
	b, err := os.ReadFile(l.path)
	if err != nil {
		return 0, 0, 0
	}
	if err := json.Unmarshal(b, &f); err != nil {
		return 0, 0, 0
	}
	d := f.Days[dayKey]
	return d.Requests, d.Tokens, d.Errors
}
