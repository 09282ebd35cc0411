package cache

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultL1Size caps the in-process tier at this many entries.
const DefaultL1Size = 10000

// MemoryDriver is the synchronous in-process L1 tier, backed by an LRU
// so memory stays bounded regardless of key cardinality. Lifecycle
// expiry is handled logically by entry timestamps; the LRU handles
// capacity eviction.
type MemoryDriver struct {
	entries *lru.Cache[string, *Entry]
}

// NewMemoryDriver creates an L1 driver holding at most size entries.
// A non-positive size uses DefaultL1Size.
func NewMemoryDriver(size int) *MemoryDriver {
	if size <= 0 {
		size = DefaultL1Size
	}
	// lru.New only fails for non-positive sizes, which are normalized
	// above.
	entries, _ := lru.New[string, *Entry](size)
	return &MemoryDriver{entries: entries}
}

// Name returns "memory".
func (m *MemoryDriver) Name() string {
	return "memory"
}

// Get returns the entry for key or nil. Garbage entries are dropped on
// sight so they stop occupying LRU slots.
func (m *MemoryDriver) Get(key string) *Entry {
	entry, ok := m.entries.Get(key)
	if !ok {
		return nil
	}
	if entry.IsGced() {
		m.entries.Remove(key)
		return nil
	}
	return entry
}

// Set stores an entry.
func (m *MemoryDriver) Set(key string, entry *Entry) {
	m.entries.Add(key, entry)
}

// Delete removes keys, returning how many existed.
func (m *MemoryDriver) Delete(keys ...string) int {
	count := 0
	for _, key := range keys {
		if m.entries.Remove(key) {
			count++
		}
	}
	return count
}

// Clear removes every key with the given prefix.
func (m *MemoryDriver) Clear(prefix string) int {
	if prefix == "" {
		count := m.entries.Len()
		m.entries.Purge()
		return count
	}
	count := 0
	for _, key := range m.entries.Keys() {
		if strings.HasPrefix(key, prefix) && m.entries.Remove(key) {
			count++
		}
	}
	return count
}

// Len returns the number of held entries, including logically expired
// ones not yet evicted.
func (m *MemoryDriver) Len() int {
	return m.entries.Len()
}
