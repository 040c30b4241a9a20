// Package cached puts an LRU in front of a kv.Store. Reads are served from
// the cache when possible; writes go to the backing store first and only
// touch the cache once they succeeded.
package cached

import (
	"context"
	"time"

	"expensebook/internal/cache"
	"expensebook/internal/kv"

	"golang.org/x/sync/singleflight"
)

var _ kv.Store = (*Store)(nil)

// entry caches both hits and confirmed misses.
type entry struct {
	value string
	ok    bool
}

type Store struct {
	next  kv.Store
	cache *cache.LRUCache[entry]
	group singleflight.Group
}

func New(next kv.Store, size int, ttl time.Duration) *Store {
	return &Store{
		next:  next,
		cache: cache.NewLRUCache[entry](size, ttl),
	}
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	if e, ok := s.cache.Get(key); ok {
		return e.value, e.ok, nil
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		value, ok, err := s.next.Get(ctx, key)
		if err != nil {
			return entry{}, err
		}
		e := entry{value: value, ok: ok}
		s.cache.Set(key, e)
		return e, nil
	})
	if err != nil {
		return "", false, err
	}
	e := v.(entry)
	return e.value, e.ok, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := s.next.Set(ctx, key, value); err != nil {
		// the backing value is unknown now
		s.cache.Delete(key)
		return err
	}
	s.cache.Set(key, entry{value: value, ok: true})
	return nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	if err := s.next.Remove(ctx, key); err != nil {
		s.cache.Delete(key)
		return err
	}
	s.cache.Set(key, entry{})
	return nil
}

// Stats exposes the cache counters.
func (s *Store) Stats() cache.Stats {
	return s.cache.Stats()
}
