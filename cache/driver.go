package cache

import "context"

// LocalDriver is a synchronous in-process cache tier (L1). It must be
// safe for concurrent use; methods never block on I/O.
type LocalDriver interface {
	// Name identifies the driver in hit events ("memory").
	Name() string

	// Get returns the entry for key, or nil when absent. Garbage
	// entries may still be returned; the store filters them.
	Get(key string) *Entry

	// Set stores an entry.
	Set(key string, entry *Entry)

	// Delete removes keys, returning how many existed.
	Delete(keys ...string) int

	// Clear removes every key with the given prefix. An empty prefix
	// clears everything. Returns how many entries were removed.
	Clear(prefix string) int
}

// Driver is an asynchronous, potentially remote cache tier (L2).
// Connect and Disconnect are idempotent and are the only operations
// that may acquire or release external resources.
type Driver interface {
	// Name identifies the driver in hit events ("redis").
	Name() string

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	// Get returns the entry for key, or (nil, nil) on miss.
	Get(ctx context.Context, key string) (*Entry, error)

	// GetMany returns the entries found among keys. Missing keys are
	// simply absent from the result.
	GetMany(ctx context.Context, keys []string) (map[string]*Entry, error)

	// Set stores an entry. The driver bounds physical retention by the
	// entry's garbage deadline.
	Set(ctx context.Context, key string, entry *Entry) error

	// Delete removes keys, returning how many existed.
	Delete(ctx context.Context, keys ...string) (int, error)

	// Clear removes every key with the given prefix, returning how
	// many entries were removed.
	Clear(ctx context.Context, prefix string) (int, error)
}
