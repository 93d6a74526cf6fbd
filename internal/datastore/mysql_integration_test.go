//go:build integration

package datastore

import (
	"context"
	"log"
	"net/http"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/folio/internal/conf"
	"github.com/tphakala/folio/internal/datastore/entities"
	"github.com/tphakala/folio/internal/datastore/repository"
	"github.com/tphakala/folio/internal/testutil/containers"
)

var mysqlContainer *containers.MySQLContainer

func TestMain(m *testing.M) {
	ctx := context.Background()
	var err error
	mysqlContainer, err = containers.NewMySQLContainer(ctx, nil)
	if err != nil {
		log.Fatalf("failed to start MySQL: %v", err)
	}
	code := m.Run()
	_ = mysqlContainer.Terminate(ctx)
	os.Exit(code)
}

func openMySQL(t *testing.T) repository.CacheStorage {
	t.Helper()
	store, err := Open(conf.StorageSettings{Backend: conf.StorageMySQL, DSN: mysqlContainer.DSN()}, false, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
		require.NoError(t, mysqlContainer.Reset(context.Background(), "cache_entries", "cache_generations"))
	})
	return store
}

func mysqlEntry(url, body string) *entities.CacheEntry {
	e := &entities.CacheEntry{
		Key:    "GET " + url,
		Method: http.MethodGet,
		URL:    url,
		Status: http.StatusOK,
		Body:   []byte(body),
	}
	h := http.Header{}
	h.Set("Content-Type", "text/html; charset=utf-8")
	_ = e.SetHTTPHeader(h)
	return e
}

func TestMySQL_GenerationLifecycle(t *testing.T) {
	store := openMySQL(t)
	ctx := t.Context()

	created, err := store.Open(ctx, "folio-v1")
	require.NoError(t, err)
	assert.True(t, created)
	created, err = store.Open(ctx, "folio-v1")
	require.NoError(t, err)
	assert.False(t, created)

	require.NoError(t, store.PutAll(ctx, "folio-v1", []entities.CacheEntry{
		*mysqlEntry("https://folio.example/", "home"),
		*mysqlEntry("https://folio.example/offline.html", "offline ✈"),
	}))
	require.NoError(t, store.Put(ctx, "folio-v1", mysqlEntry("https://folio.example/", "home v2")))

	got, err := store.Match(ctx, "folio-v1", "GET https://folio.example/")
	require.NoError(t, err)
	assert.Equal(t, "home v2", string(got.Body))

	got, err = store.Match(ctx, "folio-v1", "GET https://folio.example/offline.html")
	require.NoError(t, err)
	assert.Equal(t, "offline ✈", string(got.Body), "utf8mb4 bodies round-trip")

	keys, err := store.Keys(ctx, "folio-v1")
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	deleted, err := store.Delete(ctx, "folio-v1")
	require.NoError(t, err)
	assert.True(t, deleted)
	_, err = store.Match(ctx, "folio-v1", "GET https://folio.example/")
	require.ErrorIs(t, err, repository.ErrGenerationNotFound)
}

func TestMySQL_ConcurrentPuts(t *testing.T) {
	store := openMySQL(t)
	ctx := t.Context()
	_, err := store.Open(ctx, "folio-v1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			assert.NoError(t, store.Put(ctx, "folio-v1", mysqlEntry("https://folio.example/projects.html", "projects")))
		})
	}
	wg.Wait()

	count, err := store.Count(ctx, "folio-v1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
