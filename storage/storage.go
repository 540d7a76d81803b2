// Package storage is the small key/value cache used for backend lookups that
// are safe to reuse across sessions, such as template listings.
package storage

import (
	"context"
	"errors"
	"time"
)

// Storage is a namespaced byte cache with optional expiry.
type Storage interface {
	// Get returns the item for key, or nil when it is absent or expired.
	// An error is returned only when the backend itself fails.
	Get(ctx context.Context, key string, opts ...Option) (*Item, error)

	// Set stores data under key.
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Delete removes a single key when WithKey is given, otherwise every key
	// in the selected namespace.
	Delete(ctx context.Context, opts ...Option) error

	Close() error
}

// Item is a stored value with its bookkeeping.
type Item struct {
	Data      []byte
	CreatedAt time.Time
	ExpiresAt *time.Time
}

// IsExpired reports whether the item has passed its expiry.
func (it *Item) IsExpired() bool {
	return it.expiredAt(time.Now())
}

func (it *Item) expiredAt(now time.Time) bool {
	return it.ExpiresAt != nil && now.After(*it.ExpiresAt)
}

// Option configures a storage operation.
type Option func(*Options)

// Options is the resolved set of per-call options.
type Options struct {
	Namespace string
	Key       *string
	TTL       *time.Duration
}

// Apply resolves opts into an Options value. Backends call this at the top of
// every operation.
func Apply(opts ...Option) Options {
	var o Options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.Namespace == "" {
		o.Namespace = GlobalNamespace
	}
	return o
}

// GlobalNamespace is used when no namespace is selected.
const GlobalNamespace = "global"

// WithNamespace selects the namespace an operation applies to.
func WithNamespace(ns string) Option {
	return func(o *Options) { o.Namespace = ns }
}

// WithKey selects a single key for Delete.
func WithKey(key string) Option {
	return func(o *Options) { o.Key = &key }
}

// WithTTL sets the expiry for Set.
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) { o.TTL = &ttl }
}

// ErrInvalidOptions is returned when incompatible options are provided.
var ErrInvalidOptions = errors.New("storage: invalid option combination")

// Key joins a namespace and key the same way for every backend.
func Key(ns, key string) string {
	return ns + ":" + key
}
