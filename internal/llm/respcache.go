package llm

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zeebo/blake3"
)

// ResponseCache memoises validated generations on disk keyed by the
// exact (schema, prompt, input) triple, with a small in-memory hot
// layer. Reruns over an already processed corpus skip the provider
// entirely.
type ResponseCache struct {
	dir        string
	maxEntries int
	ttl        time.Duration

	mu    sync.Mutex
	index map[string]respIndexEntry
	hot   *lru.Cache[string, cachedResponse]
}

type respIndexEntry struct {
	SavedAt    time.Time `json:"saved_at"`
	LastAccess time.Time `json:"last_access"`
	Size       int64     `json:"size"`
}

type cachedResponse struct {
	Model string          `json:"model"`
	Doc   json.RawMessage `json:"doc"`
}

const respIndexFile = "index.json"

// NewResponseCache opens or creates a cache under dir. maxEntries <= 0
// defaults to 4096 entries, ttl <= 0 to 7 days.
func NewResponseCache(dir string, maxEntries int, ttl time.Duration) (*ResponseCache, error) {
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("response cache: %w", err)
	}
	hot, err := lru.New[string, cachedResponse](1024)
	if err != nil {
		return nil, err
	}
	rc := &ResponseCache{
		dir:        dir,
		maxEntries: maxEntries,
		ttl:        ttl,
		index:      map[string]respIndexEntry{},
		hot:        hot,
	}
	rc.loadIndex()
	return rc, nil
}

func (rc *ResponseCache) cacheKey(prompt string, input any, schemaName string) string {
	h := blake3.New()
	_, _ = h.Write([]byte(schemaName))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(prompt))
	_, _ = h.Write([]byte{0})
	if input != nil {
		in, _ := json.Marshal(input)
		_, _ = h.Write(in)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (rc *ResponseCache) entryPath(key string) string {
	return filepath.Join(rc.dir, key+".json")
}

// Lookup returns the cached document and the model that produced it.
func (rc *ResponseCache) Lookup(prompt string, input any, schemaName string) (json.RawMessage, string, bool) {
	if rc == nil {
		return nil, "", false
	}
	key := rc.cacheKey(prompt, input, schemaName)

	if v, ok := rc.hot.Get(key); ok {
		return v.Doc, v.Model, true
	}

	rc.mu.Lock()
	meta, ok := rc.index[key]
	if !ok || time.Since(meta.SavedAt) > rc.ttl {
		if ok {
			delete(rc.index, key)
			_ = os.Remove(rc.entryPath(key))
			rc.saveIndexLocked()
		}
		rc.mu.Unlock()
		return nil, "", false
	}
	meta.LastAccess = time.Now()
	rc.index[key] = meta
	rc.saveIndexLocked()
	rc.mu.Unlock()

	b, err := os.ReadFile(rc.entryPath(key))
	if err != nil {
		return nil, "", false
	}
	var v cachedResponse
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, "", false
	}
	rc.hot.Add(key, v)
	return v.Doc, v.Model, true
}

// Store persists a validated generation.
func (rc *ResponseCache) Store(prompt string, input any, schemaName, model string, doc json.RawMessage) {
	if rc == nil {
		return
	}
	key := rc.cacheKey(prompt, input, schemaName)
	v := cachedResponse{Model: model, Doc: doc}
	b, err := json.Marshal(v)
	if err != nil {
		return
	}

	tmp := rc.entryPath(key) + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return
	}
	if err := os.Rename(tmp, rc.entryPath(key)); err != nil {
		_ = os.Remove(tmp)
		return
	}

	rc.hot.Add(key, v)

	rc.mu.Lock()
	now := time.Now()
	rc.index[key] = respIndexEntry{SavedAt: now, LastAccess: now, Size: int64(len(b))}
	rc.cleanupAndEvictLocked()
	rc.saveIndexLocked()
	rc.mu.Unlock()
}

// Len reports the number of live disk entries.
func (rc *ResponseCache) Len() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.index)
}

func (rc *ResponseCache) loadIndex() {
	b, err := os.ReadFile(filepath.Join(rc.dir, respIndexFile))
	if err != nil {
		return
	}
	var idx map[string]respIndexEntry
	if err := json.Unmarshal(b, &idx); err != nil {
		return
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.index = idx
	rc.cleanupAndEvictLocked()
	rc.saveIndexLocked()
}

func (rc *ResponseCache) saveIndexLocked() {
	b, err := json.MarshalIndent(rc.index, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(rc.dir, respIndexFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, path)
}

// cleanupAndEvictLocked drops expired entries, then evicts the least
// recently accessed entries until the cache fits maxEntries.
func (rc *ResponseCache) cleanupAndEvictLocked() {
	now := time.Now()
	for key, meta := range rc.index {
		if now.Sub(meta.SavedAt) > rc.ttl {
			delete(rc.index, key)
			rc.hot.Remove(key)
			_ = os.Remove(rc.entryPath(key))
		}
	}
	if len(rc.index) <= rc.maxEntries {
		return
	}
	type keyed struct {
		key  string
		last time.Time
	}
	entries := make([]keyed, 0, len(rc.index))
	for key, meta := range rc.index {
		entries = append(entries, keyed{key: key, last: meta.LastAccess})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].last.Before(entries[j].last) })
	for _, e := range entries[:len(rc.index)-rc.maxEntries] {
		delete(rc.index, e.key)
		rc.hot.Remove(e.key)
		_ = os.Remove(rc.entryPath(e.key))
	}
}
