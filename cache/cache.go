// Package cache is the local, persistent object cache consulted before the
// network. A cache is advisory: lookups report only what they find and
// writes are best effort.
package cache

import (
	"context"
	"strings"
)

// Entry is one record to persist, keyed by its content id.
type Entry struct {
	ID      string
	Encoded string
}

// Cache stores encoded records by id.
type Cache interface {
	// IsAvailable reports whether the cache can serve lookups at all.
	IsAvailable() bool
	// GetMany returns the subset of ids present in the cache. Missing ids
	// are simply absent from the result.
	GetMany(ctx context.Context, ids []string) map[string]string
	// PutMany stores entries. Failures are logged, never returned.
	PutMany(ctx context.Context, entries []Entry)
	// Close releases the underlying storage.
	Close() error
}

// IsErrorPage reports whether an encoded value is an HTML page returned by
// a proxy or gateway instead of a record. Such values are never cached.
func IsErrorPage(encoded string) bool {
	return strings.HasPrefix(strings.TrimSpace(encoded), "<")
}

// Noop is the cache used when persistent storage is unavailable.
type Noop struct{}

// IsAvailable always reports false.
func (Noop) IsAvailable() bool { return false }

// GetMany finds nothing.
func (Noop) GetMany(context.Context, []string) map[string]string { return map[string]string{} }

// PutMany discards the entries.
func (Noop) PutMany(context.Context, []Entry) {}

// Close does nothing.
func (Noop) Close() error { return nil }

var _ Cache = Noop{}
