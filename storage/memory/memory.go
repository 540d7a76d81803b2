// Package memory is an in-process storage.Storage backed by a bounded LRU.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/aippt-mcp-go/storage"
	lru "github.com/hashicorp/golang-lru/v2"
)

const cleanupInterval = 5 * time.Minute

// Storage keeps at most maxItems entries, evicting the least recently used.
type Storage struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *storage.Item]
	now   func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates an in-memory store. A background sweep drops expired items
// until Close is called.
func New(maxItems int) (*Storage, error) {
	cache, err := lru.New[string, *storage.Item](maxItems)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}

	s := &Storage{
		cache: cache,
		now:   time.Now,
		stop:  make(chan struct{}),
	}
	go s.cleanupLoop(cleanupInterval)

	return s, nil
}

func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	o := storage.Apply(opts...)
	k := storage.Key(o.Namespace, key)

	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.cache.Get(k)
	if !ok {
		return nil, nil
	}
	if item.ExpiresAt != nil && s.now().After(*item.ExpiresAt) {
		s.cache.Remove(k)
		return nil, nil
	}
	return item, nil
}

func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	o := storage.Apply(opts...)
	if o.Key != nil {
		return storage.ErrInvalidOptions
	}

	now := s.now()
	item := &storage.Item{
		Data:      append([]byte(nil), data...),
		CreatedAt: now,
	}
	if o.TTL != nil {
		exp := now.Add(*o.TTL)
		item.ExpiresAt = &exp
	}

	s.mu.Lock()
	s.cache.Add(storage.Key(o.Namespace, key), item)
	s.mu.Unlock()
	return nil
}

func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	o := storage.Apply(opts...)

	s.mu.Lock()
	defer s.mu.Unlock()

	if o.Key != nil {
		s.cache.Remove(storage.Key(o.Namespace, *o.Key))
		return nil
	}
	prefix := storage.Key(o.Namespace, "")
	for _, k := range s.cache.Keys() {
		if strings.HasPrefix(k, prefix) {
			s.cache.Remove(k)
		}
	}
	return nil
}

// Close stops the sweeper and drops every entry.
func (s *Storage) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.mu.Lock()
	s.cache.Purge()
	s.mu.Unlock()
	return nil
}

// Len returns the number of entries, including any not yet swept.
func (s *Storage) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}

func (s *Storage) cleanupLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Storage) sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for _, k := range s.cache.Keys() {
		if item, ok := s.cache.Peek(k); ok && item.ExpiresAt != nil && now.After(*item.ExpiresAt) {
			s.cache.Remove(k)
			n++
		}
	}
	return n
}

var _ storage.Storage = (*Storage)(nil)
