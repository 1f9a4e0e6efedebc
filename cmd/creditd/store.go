package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarkoPoloResearchLab/voiceledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/voiceledger/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/voiceledger/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/voiceledger/pkg/ledger"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	storeKindGorm   = "gorm"
	storeKindPgx    = "pgx"
	storeKindMemory = "memory"

	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
	driverMySQL    = "mysql"
)

func openStore(ctx context.Context, cfg *runtimeConfig) (ledger.Store, func(), error) {
	switch cfg.Store {
	case storeKindMemory:
		return memstore.New(), func() {}, nil
	case storeKindPgx:
		driver, _, err := resolveDriver(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if driver != driverPostgres {
			return nil, nil, fmt.Errorf("pgx store requires a postgres url, got %s", driver)
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database open: %w", err)
		}
		store := pgstore.New(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		return store, pool.Close, nil
	default:
		logLevel, err := parseGormLogLevel(cfg.GormLogLevel)
		if err != nil {
			return nil, nil, err
		}
		gormDB, cleanup, err := openDatabase(ctx, cfg.DatabaseURL, logLevel)
		if err != nil {
			return nil, nil, fmt.Errorf("database open: %w", err)
		}
		if err := gormstore.AutoMigrate(ctx, gormDB); err != nil {
			_ = cleanup()
			return nil, nil, fmt.Errorf("auto migrate: %w", err)
		}
		return gormstore.New(gormDB), func() { _ = cleanup() }, nil
	}
}

func openDatabase(ctx context.Context, dsn string, logLevel gormlogger.LogLevel) (*gorm.DB, func() error, error) {
	driver, target, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, err
	}

	cfg := &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(logLevel),
	}
	var db *gorm.DB
	switch driver {
	case driverPostgres:
		db, err = gorm.Open(postgres.Open(target), cfg)
	case driverMySQL:
		db, err = gorm.Open(mysql.Open(target), cfg)
	case driverSQLite:
		db, err = gorm.Open(sqlite.Open(target), cfg)
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	if driver == driverSQLite {
		sqlDB.SetMaxOpenConns(1)
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, nil
}

// resolveDriver returns the driver name and the DSN handed to it.
func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return driverPostgres, dsn, nil
	}
	if strings.HasPrefix(dsn, "mysql://") {
		target := strings.TrimPrefix(dsn, "mysql://")
		if target == "" {
			return "", "", fmt.Errorf("mysql url has no dsn")
		}
		if !strings.Contains(target, "parseTime=") {
			separator := "?"
			if strings.Contains(target, "?") {
				separator = "&"
			}
			target += separator + "parseTime=true"
		}
		return driverMySQL, target, nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "voiceledger.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqlitePath, err
	}
	// Anything else is a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return driverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func parseGormLogLevel(raw string) (gormlogger.LogLevel, error) {
	switch raw {
	case "", "warn":
		return gormlogger.Warn, nil
	case "silent":
		return gormlogger.Silent, nil
	case "error":
		return gormlogger.Error, nil
	case "info":
		return gormlogger.Info, nil
	default:
		return 0, fmt.Errorf("unsupported gorm log level %q", raw)
	}
}
