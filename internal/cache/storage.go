package cache

import "context"

// Cache is one namespace of stored responses.
type Cache interface {
	// Match returns the entry for key, or nil when absent.
	Match(ctx context.Context, key string) (*Entry, error)

	// Put stores entry, replacing any entry with the same key. A replaced
	// key moves to the end of the insertion order.
	Put(ctx context.Context, entry *Entry) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys returns the stored keys, oldest insertion first.
	Keys(ctx context.Context) ([]string, error)
}

// Storage holds the named caches.
type Storage interface {
	// Open returns the named cache, creating it if needed.
	Open(ctx context.Context, name string) (Cache, error)

	// Delete removes a cache and all its entries.
	Delete(ctx context.Context, name string) error

	// Names lists the existing caches.
	Names(ctx context.Context) ([]string, error)
}
