package repository

import (
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gorm_logger "gorm.io/gorm/logger"

	"github.com/tphakala/folio/internal/datastore/entities"
	"github.com/tphakala/folio/internal/errors"
)

// setupCacheTestDB creates an in-memory SQLite database with the cache schema.
func setupCacheTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: gorm_logger.Default.LogMode(gorm_logger.Silent),
	})
	require.NoError(t, err, "failed to open in-memory database")

	sqlDB, err := db.DB()
	require.NoError(t, err, "failed to get sql.DB")
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, Migrate(db), "failed to migrate cache tables")
	return db
}

// storageBackends returns a fresh instance of every CacheStorage implementation.
func storageBackends(t *testing.T) map[string]CacheStorage {
	t.Helper()
	return map[string]CacheStorage{
		"gorm":   NewGormCacheStorage(setupCacheTestDB(t)),
		"memory": NewMemoryCacheStorage(),
	}
}

func newEntry(key, body string) *entities.CacheEntry {
	e := &entities.CacheEntry{
		Key:    key,
		Method: http.MethodGet,
		URL:    key[len("GET "):],
		Status: http.StatusOK,
		Body:   []byte(body),
	}
	h := http.Header{}
	h.Set("Content-Type", "text/plain")
	_ = e.SetHTTPHeader(h)
	return e
}

func TestCacheStorage_OpenHasDelete(t *testing.T) {
	t.Parallel()

	for name, store := range storageBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()

			created, err := store.Open(ctx, "folio-v1")
			require.NoError(t, err)
			assert.True(t, created)

			created, err = store.Open(ctx, "folio-v1")
			require.NoError(t, err)
			assert.False(t, created, "second open must not recreate")

			has, err := store.Has(ctx, "folio-v1")
			require.NoError(t, err)
			assert.True(t, has)

			deleted, err := store.Delete(ctx, "folio-v1")
			require.NoError(t, err)
			assert.True(t, deleted)

			deleted, err = store.Delete(ctx, "folio-v1")
			require.NoError(t, err)
			assert.False(t, deleted)

			has, err = store.Has(ctx, "folio-v1")
			require.NoError(t, err)
			assert.False(t, has)
		})
	}
}

func TestCacheStorage_NamesInCreationOrder(t *testing.T) {
	t.Parallel()

	for name, store := range storageBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			for _, gen := range []string{"folio-v2", "folio-v1", "folio-v3"} {
				_, err := store.Open(ctx, gen)
				require.NoError(t, err)
			}
			names, err := store.Names(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"folio-v2", "folio-v1", "folio-v3"}, names)
		})
	}
}

func TestCacheStorage_PutMatchOverwrite(t *testing.T) {
	t.Parallel()

	for name, store := range storageBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			_, err := store.Open(ctx, "folio-v1")
			require.NoError(t, err)

			require.NoError(t, store.Put(ctx, "folio-v1", newEntry("GET https://folio.example/a", "one")))
			require.NoError(t, store.Put(ctx, "folio-v1", newEntry("GET https://folio.example/a", "two")))

			got, err := store.Match(ctx, "folio-v1", "GET https://folio.example/a")
			require.NoError(t, err)
			assert.Equal(t, "two", string(got.Body), "last write wins")
			assert.Equal(t, "folio-v1", got.Generation)
			assert.Equal(t, "text/plain", got.HTTPHeader().Get("Content-Type"))
			assert.False(t, got.StoredAt.IsZero())

			count, err := store.Count(ctx, "folio-v1")
			require.NoError(t, err)
			assert.Equal(t, int64(1), count)

			_, err = store.Match(ctx, "folio-v1", "GET https://folio.example/missing")
			require.ErrorIs(t, err, ErrEntryNotFound)

			_, err = store.Match(ctx, "folio-v9", "GET https://folio.example/a")
			require.ErrorIs(t, err, ErrGenerationNotFound)
		})
	}
}

func TestCacheStorage_PutRequiresGeneration(t *testing.T) {
	t.Parallel()

	for name, store := range storageBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			err := store.Put(ctx, "folio-v1", newEntry("GET https://folio.example/", "late"))
			require.ErrorIs(t, err, ErrGenerationNotFound)

			err = store.PutAll(ctx, "folio-v1", []entities.CacheEntry{*newEntry("GET https://folio.example/", "late")})
			require.ErrorIs(t, err, ErrGenerationNotFound)

			has, err := store.Has(ctx, "folio-v1")
			require.NoError(t, err)
			assert.False(t, has, "a write must never recreate a deleted generation")
		})
	}
}

func TestCacheStorage_PutAllAndKeys(t *testing.T) {
	t.Parallel()

	for name, store := range storageBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			_, err := store.Open(ctx, "folio-v1")
			require.NoError(t, err)

			batch := []entities.CacheEntry{
				*newEntry("GET https://folio.example/", "index"),
				*newEntry("GET https://folio.example/offline.html", "offline"),
				*newEntry("GET https://folio.example/manifest.json", "{}"),
			}
			require.NoError(t, store.PutAll(ctx, "folio-v1", batch))

			keys, err := store.Keys(ctx, "folio-v1")
			require.NoError(t, err)
			assert.Equal(t, []string{
				"GET https://folio.example/",
				"GET https://folio.example/offline.html",
				"GET https://folio.example/manifest.json",
			}, keys)

			// caller's slice is not modified
			assert.Empty(t, batch[0].Generation)

			_, err = store.Keys(ctx, "folio-v0")
			require.ErrorIs(t, err, ErrGenerationNotFound)
		})
	}
}

func TestCacheStorage_DeleteRemovesEntries(t *testing.T) {
	t.Parallel()

	for name, store := range storageBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			_, err := store.Open(ctx, "folio-v1")
			require.NoError(t, err)
			require.NoError(t, store.Put(ctx, "folio-v1", newEntry("GET https://folio.example/", "x")))

			_, err = store.Delete(ctx, "folio-v1")
			require.NoError(t, err)

			_, err = store.Open(ctx, "folio-v1")
			require.NoError(t, err)
			count, err := store.Count(ctx, "folio-v1")
			require.NoError(t, err)
			assert.Zero(t, count, "reopened generation starts empty")
		})
	}
}

func TestCacheStorage_ConcurrentPuts(t *testing.T) {
	t.Parallel()

	for name, store := range storageBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			_, err := store.Open(ctx, "folio-v1")
			require.NoError(t, err)

			var wg sync.WaitGroup
			for i := range 16 {
				wg.Go(func() {
					body := string(rune('a' + i))
					assert.NoError(t, store.Put(ctx, "folio-v1", newEntry("GET https://folio.example/", body)))
				})
			}
			wg.Wait()

			count, err := store.Count(ctx, "folio-v1")
			require.NoError(t, err)
			assert.Equal(t, int64(1), count)
		})
	}
}

func TestMemoryCacheStorage_Closed(t *testing.T) {
	t.Parallel()

	store := NewMemoryCacheStorage()
	require.NoError(t, store.Close())

	_, err := store.Open(t.Context(), "folio-v1")
	assert.True(t, errors.Is(err, ErrStorageClosed))
}

func TestMemoryCacheStorage_MatchReturnsCopy(t *testing.T) {
	t.Parallel()

	store := NewMemoryCacheStorage()
	ctx := t.Context()
	_, err := store.Open(ctx, "folio-v1")
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "folio-v1", newEntry("GET https://folio.example/", "abc")))

	got, err := store.Match(ctx, "folio-v1", "GET https://folio.example/")
	require.NoError(t, err)
	got.Body[0] = 'z'

	again, err := store.Match(ctx, "folio-v1", "GET https://folio.example/")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(again.Body))
}
