// Package cache holds the in-process caches placed in front of slower
// stores.
package cache

// Cache defines a generic cache interface
type Cache[T any] interface {
	// Get retrieves a value from the cache
	Get(key string) (T, bool)

	// Set stores a value in the cache
	Set(key string, data T)

	// Delete removes a key from the cache
	Delete(key string)

	// Purge drops every entry
	Purge()

	// Size returns the current number of items in the cache
	Size() int
}

// Stats counts lookups served by a cache since it was created.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
}
