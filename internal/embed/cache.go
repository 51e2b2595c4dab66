package embed

import (
	"encoding/hex"
	"fmt"
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeebo/blake3"

	"lexpipe/internal/safeio"
)

// TextHash fingerprints the embedded text so a changed section invalidates
// its cached vector.
func TextHash(text string) string {
	sum := blake3.Sum256([]byte(text))
	return hex.EncodeToString(sum[:16])
}

type cacheEntry struct {
	Vector   []float32 `msgpack:"vector"`
	TextHash string    `msgpack:"text_hash"`
}

// Cache is the on-disk embedding store: one msgpack blob mapping section
// id to its vector and text fingerprint, replaced atomically every
// flushEvery new entries. A small LRU keeps hot vectors in memory without
// holding the lock.
type Cache struct {
	fs         *safeio.SafeFS
	path       string
	flushEvery int

	mu      sync.Mutex
	entries map[string]cacheEntry
	dirty   int

	hot *lru.Cache[string, []float32]
}

// OpenCache loads the blob at path, or starts empty when it is missing.
func OpenCache(fs *safeio.SafeFS, path string, flushEvery int) (*Cache, error) {
	if flushEvery <= 0 {
		flushEvery = 100
	}
	hot, err := lru.New[string, []float32](1024)
	if err != nil {
		return nil, err
	}
	c := &Cache{
		fs:         fs,
		path:       path,
		flushEvery: flushEvery,
		entries:    map[string]cacheEntry{},
		hot:        hot,
	}
	raw, err := fs.SafeReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("embed cache: read %s: %w", path, err)
	}
	if err := msgpack.Unmarshal(raw, &c.entries); err != nil {
		return nil, fmt.Errorf("embed cache: decode %s: %w", path, err)
	}
	return c, nil
}

// Get returns the cached vector for id when its fingerprint still matches.
func (c *Cache) Get(id, textHash string) ([]float32, bool) {
	if v, ok := c.hot.Get(id + "@" + textHash); ok {
		return v, true
	}
	c.mu.Lock()
	e, ok := c.entries[id]
	c.mu.Unlock()
	if !ok || e.TextHash != textHash {
		return nil, false
	}
	c.hot.Add(id+"@"+textHash, e.Vector)
	return e.Vector, true
}

// Put stores a vector and flushes the blob once enough entries are new.
func (c *Cache) Put(id, textHash string, vec []float32) error {
	c.mu.Lock()
	c.entries[id] = cacheEntry{Vector: vec, TextHash: textHash}
	c.dirty++
	flush := c.dirty >= c.flushEvery
	c.mu.Unlock()
	c.hot.Add(id+"@"+textHash, vec)
	if flush {
		return c.Flush()
	}
	return nil
}

// Len is the number of cached vectors.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Flush writes the blob atomically. A no-op when nothing changed.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dirty == 0 {
		return nil
	}
	raw, err := msgpack.Marshal(c.entries)
	if err != nil {
		return fmt.Errorf("embed cache: encode: %w", err)
	}
	if err := c.fs.SafeWriteFileAtomic(c.path, raw); err != nil {
		return fmt.Errorf("embed cache: write %s: %w", c.path, err)
	}
	c.dirty = 0
	return nil
}
