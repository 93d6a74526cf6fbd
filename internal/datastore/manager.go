// Package datastore opens the configured cache storage backend.
package datastore

import (
	"strings"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gorm_logger "gorm.io/gorm/logger"

	"github.com/tphakala/folio/internal/conf"
	"github.com/tphakala/folio/internal/datastore/repository"
	"github.com/tphakala/folio/internal/errors"
	"github.com/tphakala/folio/internal/logger"
)

// Open returns the CacheStorage selected by cfg.Backend with its schema migrated.
func Open(cfg conf.StorageSettings, debug bool, log logger.Logger) (repository.CacheStorage, error) {
	if log == nil {
		log = logger.NewNop()
	}
	log = log.Module("datastore")

	if cfg.Backend == conf.StorageMemory {
		log.Info("using in-memory cache storage")
		return repository.NewMemoryCacheStorage(), nil
	}

	var dialector gorm.Dialector
	switch cfg.Backend {
	case conf.StorageSQLite:
		dialector = sqlite.Open(cfg.Path + "?_busy_timeout=5000&_journal_mode=WAL")
	case conf.StorageMySQL:
		dsn, err := normalizeMySQLDSN(cfg.DSN)
		if err != nil {
			return nil, err
		}
		dialector = mysql.Open(dsn)
	default:
		return nil, errors.Newf("unsupported storage backend %q", cfg.Backend).
			Component("datastore").
			Category(errors.CategoryConfiguration).
			Build()
	}

	level := gorm_logger.Silent
	if debug {
		level = gorm_logger.Warn
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gorm_logger.Default.LogMode(level)})
	if err != nil {
		return nil, errors.New(err).
			Component("datastore").
			Category(errors.CategoryStorage).
			Context("backend", cfg.Backend).
			Build()
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.New(err).Component("datastore").Category(errors.CategoryStorage).Build()
	}
	if cfg.Backend == conf.StorageSQLite {
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	if err := repository.Migrate(db); err != nil {
		_ = sqlDB.Close()
		return nil, errors.New(err).
			Component("datastore").
			Category(errors.CategoryStorage).
			Context("backend", cfg.Backend).
			Build()
	}

	log.Info("cache storage ready", logger.String("backend", cfg.Backend))
	return repository.NewGormCacheStorage(db), nil
}

// normalizeMySQLDSN forces the options the cache schema depends on.
func normalizeMySQLDSN(dsn string) (string, error) {
	parsed, err := mysqldriver.ParseDSN(dsn)
	if err != nil {
		return "", errors.Newf("invalid storage.dsn: %w", err).
			Component("datastore").
			Category(errors.CategoryConfiguration).
			Build()
	}
	parsed.ParseTime = true
	if !strings.Contains(dsn, "charset=") {
		if parsed.Params == nil {
			parsed.Params = map[string]string{}
		}
		parsed.Params["charset"] = "utf8mb4"
	}
	return parsed.FormatDSN(), nil
}
