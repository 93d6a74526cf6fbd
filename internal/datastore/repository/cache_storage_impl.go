package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tphakala/folio/internal/datastore/entities"
	"github.com/tphakala/folio/internal/errors"
)

// gormCacheStorage implements CacheStorage on a SQL database.
type gormCacheStorage struct {
	db *gorm.DB
}

// NewGormCacheStorage creates a CacheStorage backed by db. The schema must
// already be migrated (see Migrate).
func NewGormCacheStorage(db *gorm.DB) CacheStorage {
	return &gormCacheStorage{db: db}
}

// Migrate creates or updates the cache tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&entities.CacheGeneration{}, &entities.CacheEntry{}); err != nil {
		return fmt.Errorf("failed to migrate cache tables: %w", err)
	}
	return nil
}

// Open creates the generation row if absent.
func (r *gormCacheStorage) Open(ctx context.Context, name string) (bool, error) {
	gen := entities.CacheGeneration{Name: name}
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "name"}}, DoNothing: true}).
		Create(&gen)
	if result.Error != nil {
		return false, fmt.Errorf("failed to open cache generation %q: %w", name, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// Has reports whether the generation exists.
func (r *gormCacheStorage) Has(ctx context.Context, name string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&entities.CacheGeneration{}).Where("name = ?", name).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to look up cache generation %q: %w", name, err)
	}
	return count > 0, nil
}

// Delete removes the generation and its entries in one transaction.
func (r *gormCacheStorage) Delete(ctx context.Context, name string) (bool, error) {
	var deleted bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("generation = ?", name).Delete(&entities.CacheEntry{}).Error; err != nil {
			return fmt.Errorf("failed to delete entries: %w", err)
		}
		result := tx.Where("name = ?", name).Delete(&entities.CacheGeneration{})
		if result.Error != nil {
			return fmt.Errorf("failed to delete generation: %w", result.Error)
		}
		deleted = result.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete cache generation %q: %w", name, err)
	}
	return deleted, nil
}

// Names lists generations in creation order.
func (r *gormCacheStorage) Names(ctx context.Context) ([]string, error) {
	var names []string
	if err := r.db.WithContext(ctx).Model(&entities.CacheGeneration{}).Order("id ASC").Pluck("name", &names).Error; err != nil {
		return nil, fmt.Errorf("failed to list cache generations: %w", err)
	}
	return names, nil
}

// requireGeneration returns ErrGenerationNotFound when name does not exist.
func (r *gormCacheStorage) requireGeneration(tx *gorm.DB, name string) error {
	var count int64
	if err := tx.Model(&entities.CacheGeneration{}).Where("name = ?", name).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to look up cache generation %q: %w", name, err)
	}
	if count == 0 {
		return ErrGenerationNotFound
	}
	return nil
}

// Match returns the entry for key.
func (r *gormCacheStorage) Match(ctx context.Context, name, key string) (*entities.CacheEntry, error) {
	var entry entities.CacheEntry
	err := r.db.WithContext(ctx).
		Where("generation = ? AND key_hash = ?", name, entities.HashKey(key)).
		First(&entry).Error
	if err == nil {
		return &entry, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to match cache entry: %w", err)
	}
	if err := r.requireGeneration(r.db.WithContext(ctx), name); err != nil {
		return nil, err
	}
	return nil, ErrEntryNotFound
}

func prepareEntry(name string, entry *entities.CacheEntry) {
	entry.ID = 0
	entry.Generation = name
	entry.KeyHash = entities.HashKey(entry.Key)
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now()
	}
}

// upsert writes entries, replacing any existing entry with the same key.
func upsert(tx *gorm.DB, entries []entities.CacheEntry) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "generation"}, {Name: "key_hash"}},
		DoUpdates: clause.AssignmentColumns([]string{"key", "method", "url", "status", "header", "body", "stored_at"}),
	}).Create(&entries).Error
}

// Put stores one entry, last write wins.
func (r *gormCacheStorage) Put(ctx context.Context, name string, entry *entities.CacheEntry) error {
	row := *entry
	prepareEntry(name, &row)
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.requireGeneration(tx, name); err != nil {
			return err
		}
		if err := upsert(tx, []entities.CacheEntry{row}); err != nil {
			return fmt.Errorf("failed to store cache entry: %w", err)
		}
		return nil
	})
}

// PutAll stores entries atomically.
func (r *gormCacheStorage) PutAll(ctx context.Context, name string, entries []entities.CacheEntry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([]entities.CacheEntry, len(entries))
	for i := range entries {
		rows[i] = entries[i]
		prepareEntry(name, &rows[i])
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.requireGeneration(tx, name); err != nil {
			return err
		}
		if err := upsert(tx, rows); err != nil {
			return fmt.Errorf("failed to store cache entries: %w", err)
		}
		return nil
	})
}

// Keys lists entry keys in insertion order.
func (r *gormCacheStorage) Keys(ctx context.Context, name string) ([]string, error) {
	if err := r.requireGeneration(r.db.WithContext(ctx), name); err != nil {
		return nil, err
	}
	var keys []string
	if err := r.db.WithContext(ctx).Model(&entities.CacheEntry{}).
		Where("generation = ?", name).Order("id ASC").Pluck("key", &keys).Error; err != nil {
		return nil, fmt.Errorf("failed to list cache keys: %w", err)
	}
	return keys, nil
}

// Count returns the number of entries in a generation.
func (r *gormCacheStorage) Count(ctx context.Context, name string) (int64, error) {
	if err := r.requireGeneration(r.db.WithContext(ctx), name); err != nil {
		return 0, err
	}
	var count int64
	if err := r.db.WithContext(ctx).Model(&entities.CacheEntry{}).Where("generation = ?", name).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count cache entries: %w", err)
	}
	return count, nil
}

// Close releases the underlying connection pool.
func (r *gormCacheStorage) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
