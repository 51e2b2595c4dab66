package dedup

import (
	"fmt"
	"os"

	"github.com/vmihailenco/msgpack/v5"

	"lexpipe/internal/safeio"
)

// Map is the sparse dedup mapping: entries exist only for non-canonical
// duplicates, each pointing at the lexicographically smallest id of its
// group. It is a function — no canonical id is itself a key.
type Map map[string]string

// Canonical returns the canonical representative for id, which is id
// itself when it is not a known duplicate.
func (m Map) Canonical(id string) string {
	if c, ok := m[id]; ok {
		return c
	}
	return id
}

// IsDuplicate reports whether id maps to a different canonical section.
func (m Map) IsDuplicate(id string) bool {
	c, ok := m[id]
	return ok && c != id
}

// normalize resolves mapping chains left by the multi-limit merge and
// removes self-maps, restoring the function property.
func (m Map) normalize() {
	for id := range m {
		c := m[id]
		for hops := 0; hops < len(m); hops++ {
			next, ok := m[c]
			if !ok || next == c {
				break
			}
			c = next
		}
		if c == id {
			delete(m, id)
			continue
		}
		m[id] = c
	}
}

// Check verifies the map invariants: every canonical sorts at or before
// its keys and never appears as a key itself.
func (m Map) Check() error {
	for id, c := range m {
		if c > id {
			return fmt.Errorf("dedup map: canonical %q sorts after member %q", c, id)
		}
		if _, ok := m[c]; ok {
			return fmt.Errorf("dedup map: canonical %q is itself mapped", c)
		}
	}
	return nil
}

// Save persists the map as a msgpack blob, replaced atomically.
func (m Map) Save(fs *safeio.SafeFS, path string) error {
	raw, err := msgpack.Marshal(map[string]string(m))
	if err != nil {
		return fmt.Errorf("dedup map: encode: %w", err)
	}
	if err := fs.SafeWriteFileAtomic(path, raw); err != nil {
		return fmt.Errorf("dedup map: write %s: %w", path, err)
	}
	return nil
}

// LoadMap reads a saved map. A missing file yields an empty map so stages
// that consult the map degrade to treating every section as canonical.
func LoadMap(fs *safeio.SafeFS, path string) (Map, error) {
	raw, err := fs.SafeReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Map{}, nil
		}
		return nil, fmt.Errorf("dedup map: read %s: %w", path, err)
	}
	var m map[string]string
	if err := msgpack.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("dedup map: decode %s: %w", path, err)
	}
	return Map(m), nil
}
