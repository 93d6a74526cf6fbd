package repository

import (
	"context"

	"github.com/tphakala/folio/internal/datastore/entities"
	"github.com/tphakala/folio/internal/errors"
)

// Sentinel errors returned by CacheStorage implementations.
var (
	ErrGenerationNotFound = errors.NewStd("cache generation not found")
	ErrEntryNotFound      = errors.NewStd("cache entry not found")
	ErrStorageClosed      = errors.NewStd("cache storage closed")
)

// CacheStorage is the named-cache store shared by every worker generation.
// Single operations are atomic; there are no transactions across calls.
type CacheStorage interface {
	// Open creates the generation if absent. created reports whether it did.
	Open(ctx context.Context, name string) (created bool, err error)
	Has(ctx context.Context, name string) (bool, error)
	// Delete removes a generation and all its entries. deleted is false when
	// the generation did not exist.
	Delete(ctx context.Context, name string) (deleted bool, err error)
	// Names lists generations in creation order.
	Names(ctx context.Context) ([]string, error)

	// Match returns the entry stored under key. Returns ErrGenerationNotFound
	// or ErrEntryNotFound on a miss.
	Match(ctx context.Context, name, key string) (*entities.CacheEntry, error)
	// Put stores or overwrites one entry. The generation must exist.
	Put(ctx context.Context, name string, entry *entities.CacheEntry) error
	// PutAll stores every entry or none of them. The generation must exist.
	PutAll(ctx context.Context, name string, entries []entities.CacheEntry) error
	// Keys lists entry keys of a generation in insertion order.
	Keys(ctx context.Context, name string) ([]string, error)
	Count(ctx context.Context, name string) (int64, error)

	Close() error
}
