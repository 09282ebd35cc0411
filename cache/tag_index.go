package cache

import "sync"

// TagIndex maintains a bidirectional tag-to-key index for bulk
// invalidation. Both directions are updated atomically under one lock,
// so a key never appears on one side without the other.
type TagIndex struct {
	mu         sync.Mutex
	tagsToKeys map[string]map[string]struct{}
	keysToTags map[string]map[string]struct{}
}

// NewTagIndex creates an empty index.
func NewTagIndex() *TagIndex {
	return &TagIndex{
		tagsToKeys: make(map[string]map[string]struct{}),
		keysToTags: make(map[string]map[string]struct{}),
	}
}

// Register sets the current tags of key to exactly tags, replacing any
// previous registration.
func (t *TagIndex) Register(key string, tags []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.unregisterLocked(key)
	if len(tags) == 0 {
		return
	}

	keyTags := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		keyTags[tag] = struct{}{}
		keys, ok := t.tagsToKeys[tag]
		if !ok {
			keys = make(map[string]struct{})
			t.tagsToKeys[tag] = keys
		}
		keys[key] = struct{}{}
	}
	t.keysToTags[key] = keyTags
}

// Unregister removes key from every tag's set, pruning empty sets.
func (t *TagIndex) Unregister(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unregisterLocked(key)
}

func (t *TagIndex) unregisterLocked(key string) {
	tags, ok := t.keysToTags[key]
	if !ok {
		return
	}
	for tag := range tags {
		keys := t.tagsToKeys[tag]
		delete(keys, key)
		if len(keys) == 0 {
			delete(t.tagsToKeys, tag)
		}
	}
	delete(t.keysToTags, key)
}

// Invalidate returns the union of keys registered under any of the
// given tags and unregisters each of them. The caller is responsible
// for deleting the returned keys from storage.
func (t *TagIndex) Invalidate(tags []string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[string]struct{})
	for _, tag := range tags {
		for key := range t.tagsToKeys[tag] {
			seen[key] = struct{}{}
		}
	}

	keys := make([]string, 0, len(seen))
	for key := range seen {
		t.unregisterLocked(key)
		keys = append(keys, key)
	}
	return keys
}

// Keys returns the keys currently registered under tag.
func (t *TagIndex) Keys(tag string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]string, 0, len(t.tagsToKeys[tag]))
	for key := range t.tagsToKeys[tag] {
		keys = append(keys, key)
	}
	return keys
}
