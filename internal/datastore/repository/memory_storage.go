package repository

import (
	"context"
	"sort"
	"sync"

	gocache "github.com/patrickmn/go-cache"

	"github.com/tphakala/folio/internal/datastore/entities"
)

// memoryGeneration holds the entries of one named cache.
type memoryGeneration struct {
	seq     uint64
	order   []string
	entries map[string]*entities.CacheEntry
}

// memoryCacheStorage keeps generations in a go-cache without expiry. The
// mutex serialises multi-step operations that go-cache cannot express.
type memoryCacheStorage struct {
	mu     sync.RWMutex
	cache  *gocache.Cache
	seq    uint64
	closed bool
}

// NewMemoryCacheStorage creates a process-local CacheStorage.
func NewMemoryCacheStorage() CacheStorage {
	return &memoryCacheStorage{cache: gocache.New(gocache.NoExpiration, 0)}
}

func (m *memoryCacheStorage) generation(name string) (*memoryGeneration, bool) {
	v, ok := m.cache.Get(name)
	if !ok {
		return nil, false
	}
	return v.(*memoryGeneration), true
}

func (m *memoryCacheStorage) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.closed {
		return ErrStorageClosed
	}
	return nil
}

func (m *memoryCacheStorage) Open(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return false, err
	}
	if _, ok := m.generation(name); ok {
		return false, nil
	}
	m.seq++
	m.cache.Set(name, &memoryGeneration{
		seq:     m.seq,
		entries: make(map[string]*entities.CacheEntry),
	}, gocache.NoExpiration)
	return true, nil
}

func (m *memoryCacheStorage) Has(ctx context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return false, err
	}
	_, ok := m.generation(name)
	return ok, nil
}

func (m *memoryCacheStorage) Delete(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return false, err
	}
	if _, ok := m.generation(name); !ok {
		return false, nil
	}
	m.cache.Delete(name)
	return true, nil
}

func (m *memoryCacheStorage) Names(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	items := m.cache.Items()
	gens := make([]*memoryGeneration, 0, len(items))
	byGen := make(map[*memoryGeneration]string, len(items))
	for name, item := range items {
		g := item.Object.(*memoryGeneration)
		gens = append(gens, g)
		byGen[g] = name
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i].seq < gens[j].seq })
	names := make([]string, len(gens))
	for i, g := range gens {
		names[i] = byGen[g]
	}
	return names, nil
}

func (m *memoryCacheStorage) Match(ctx context.Context, name, key string) (*entities.CacheEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	g, ok := m.generation(name)
	if !ok {
		return nil, ErrGenerationNotFound
	}
	e, ok := g.entries[key]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return e.Clone(), nil
}

func (g *memoryGeneration) store(name string, entry *entities.CacheEntry) {
	row := entry.Clone()
	prepareEntry(name, row)
	if _, exists := g.entries[row.Key]; !exists {
		g.order = append(g.order, row.Key)
	}
	g.entries[row.Key] = row
}

func (m *memoryCacheStorage) Put(ctx context.Context, name string, entry *entities.CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	g, ok := m.generation(name)
	if !ok {
		return ErrGenerationNotFound
	}
	g.store(name, entry)
	return nil
}

func (m *memoryCacheStorage) PutAll(ctx context.Context, name string, entries []entities.CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	g, ok := m.generation(name)
	if !ok {
		return ErrGenerationNotFound
	}
	for i := range entries {
		g.store(name, &entries[i])
	}
	return nil
}

func (m *memoryCacheStorage) Keys(ctx context.Context, name string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	g, ok := m.generation(name)
	if !ok {
		return nil, ErrGenerationNotFound
	}
	return append([]string(nil), g.order...), nil
}

func (m *memoryCacheStorage) Count(ctx context.Context, name string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	g, ok := m.generation(name)
	if !ok {
		return 0, ErrGenerationNotFound
	}
	return int64(len(g.entries)), nil
}

func (m *memoryCacheStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cache.Flush()
	return nil
}
