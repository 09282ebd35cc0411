// Package cache implements the multi-tier cache of gobus: a synchronous
// in-process L1 over asynchronous remote L2 layers, with circuit
// breakers, stale-while-revalidate, request deduplication, tag-based
// invalidation and bus-carried cross-instance L1 invalidation.
package cache

import (
	"encoding/json"
	"time"
)

// Entry is an immutable cache value with its lifecycle timestamps.
// State is a function of wall-clock time:
//
//	fresh   now < StaleAt
//	stale   StaleAt <= now < GcAt
//	garbage GcAt <= now (indistinguishable from absence to readers)
type Entry struct {
	Value     interface{}
	CreatedAt time.Time
	StaleAt   time.Time
	GcAt      time.Time
	Tags      []string
}

// NewEntry builds an entry whose freshness window is staleTime and
// whose total lifetime is gcTime, both measured from now.
func NewEntry(value interface{}, staleTime, gcTime time.Duration, tags []string) *Entry {
	now := time.Now()
	if gcTime < staleTime {
		gcTime = staleTime
	}
	return &Entry{
		Value:     value,
		CreatedAt: now,
		StaleAt:   now.Add(staleTime),
		GcAt:      now.Add(gcTime),
		Tags:      tags,
	}
}

// IsFresh reports whether the entry is within its freshness window.
func (e *Entry) IsFresh() bool {
	return time.Now().Before(e.StaleAt)
}

// IsStale reports whether the entry is past freshness but still usable.
func (e *Entry) IsStale() bool {
	now := time.Now()
	return !now.Before(e.StaleAt) && now.Before(e.GcAt)
}

// IsGced reports whether the entry is past its garbage deadline.
func (e *Entry) IsGced() bool {
	return !time.Now().Before(e.GcAt)
}

// IsNearExpiration reports whether the entry has consumed at least
// ratio of its freshness window. Used to trigger eager refresh.
func (e *Entry) IsNearExpiration(ratio float64) bool {
	window := e.StaleAt.Sub(e.CreatedAt)
	if window <= 0 {
		return true
	}
	elapsed := time.Since(e.CreatedAt)
	return float64(elapsed) >= ratio*float64(window)
}

// Expired returns a copy of the entry that is already stale but keeps
// its garbage deadline, so readers can still serve it as graced data.
func (e *Entry) Expired() *Entry {
	return &Entry{
		Value:     e.Value,
		CreatedAt: e.CreatedAt,
		StaleAt:   time.Now().Add(-time.Millisecond),
		GcAt:      e.GcAt,
		Tags:      e.Tags,
	}
}

// wireEntry is the serialized shape used by remote drivers. Short keys
// keep the overhead per entry small.
type wireEntry struct {
	V interface{} `json:"v"`
	C int64       `json:"c"`
	S int64       `json:"s"`
	G int64       `json:"g"`
	T []string    `json:"t,omitempty"`
}

// Marshal serializes the entry for remote storage.
func (e *Entry) Marshal() ([]byte, error) {
	return json.Marshal(wireEntry{
		V: e.Value,
		C: e.CreatedAt.UnixMilli(),
		S: e.StaleAt.UnixMilli(),
		G: e.GcAt.UnixMilli(),
		T: e.Tags,
	})
}

// UnmarshalEntry deserializes an entry from remote storage.
func UnmarshalEntry(data []byte) (*Entry, error) {
	var w wireEntry
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	return &Entry{
		Value:     w.V,
		CreatedAt: time.UnixMilli(w.C),
		StaleAt:   time.UnixMilli(w.S),
		GcAt:      time.UnixMilli(w.G),
		Tags:      w.T,
	}, nil
}

// cloneValue deep-copies the serializable value set so callers cannot
// mutate cached data in place. Scalars are returned as-is.
func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, elem := range t {
			out[i] = cloneValue(elem)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, elem := range t {
			out[k] = cloneValue(elem)
		}
		return out
	}
	return v
}
