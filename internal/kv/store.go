// Package kv defines the key-value storage port used by the ledger and
// slot registries, plus the Redis and in-memory implementations.
package kv

import "context"

// WriteSet is a batch of mutations applied atomically by Store.Write.
// All plain sets and set-adds either land together or not at all.
type WriteSet struct {
	// Sets maps keys to the string values they should hold.
	Sets map[string]string

	// SetAdds maps set keys to members that should be added.
	SetAdds map[string][]string
}

// Store is the minimal key-value surface the ledger needs: an atomic
// counter, plain string values, unordered string sets, and an atomic
// multi-key write. Implementations must be safe for concurrent use.
type Store interface {
	// Incr atomically increments the counter at key and returns the new
	// value. A missing key counts from zero, so the first call returns 1.
	Incr(ctx context.Context, key string) (int64, error)

	// Get returns the value at key. The second return is false when the
	// key does not exist; absence is not an error.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores value at key, overwriting any previous value.
	Set(ctx context.Context, key, value string) error

	// SetAdd adds members to the set at key, creating it if needed.
	SetAdd(ctx context.Context, key string, members ...string) error

	// SetMembers returns all members of the set at key. A missing set is
	// an empty slice, not an error.
	SetMembers(ctx context.Context, key string) ([]string, error)

	// GetMulti returns the values for the given keys. Missing keys are
	// simply absent from the result map.
	GetMulti(ctx context.Context, keys []string) (map[string]string, error)

	// Write applies the write set atomically.
	Write(ctx context.Context, ws WriteSet) error

	// Ping checks connectivity to the backing store.
	Ping(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}
