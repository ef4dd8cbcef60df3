package database

import (
	"fmt"
	"strings"
	"sync"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ipmon/ipmon/internal/models"
)

// Connect opens the store for driver (sqlite, postgres or mysql) using dsn.
// SQLite file paths get a busy timeout and WAL journaling so the poll and dispatch jobs
// can write concurrently with API reads.
func Connect(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "", "sqlite":
		dialector = sqlite.Open(sqliteDSN(dsn))
	case "postgres":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driverName(driver), err)
	}

	return db, nil
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "?") || strings.Contains(dsn, ":memory:") {
		return dsn
	}
	return dsn + "?_busy_timeout=5000&_journal_mode=WAL"
}

func driverName(driver string) string {
	if driver == "" {
		return "sqlite"
	}
	return driver
}

// Migrate creates or updates the schema for every model.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// Readiness is a one-shot signal raised once the store is migrated and usable.
// The scheduler waits on it before installing jobs.
type Readiness struct {
	once sync.Once
	ch   chan struct{}
}

func NewReadiness() *Readiness {
	return &Readiness{ch: make(chan struct{})}
}

// MarkReady closes the ready channel. Extra calls are no-ops.
func (r *Readiness) MarkReady() {
	r.once.Do(func() { close(r.ch) })
}

// Ready returns a channel closed once the store is ready.
func (r *Readiness) Ready() <-chan struct{} {
	return r.ch
}

// Open connects, migrates and then marks readiness.
func Open(driver, dsn string, ready *Readiness) (*gorm.DB, error) {
	db, err := Connect(driver, dsn)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	if ready != nil {
		ready.MarkReady()
	}
	return db, nil
}
