package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// migrationLockID serializes schema changes between worker and relay
// processes starting against the same database.
const migrationLockID int64 = 0x73796e63

const pingTimeout = 5 * time.Second

// Connect opens the sync state database. The pool is sized for one
// resync fan-out plus the consumers sharing it.
func Connect(ctx context.Context, databaseURL string, maxConns int32) (*gorm.DB, error) {
	// Statement caching stays off: migrations are multi-statement scripts and
	// denormalized queries are built per table.
	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, ClassifyError("open sync db", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sync db handle: %w", err)
	}
	if maxConns > 0 {
		sqlDB.SetMaxOpenConns(int(maxConns))
		sqlDB.SetMaxIdleConns(max(1, int(maxConns)/4))
	}
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, ClassifyError("ping sync db", err)
	}
	return db, nil
}

type schemaMigration struct {
	Name      string    `gorm:"column:name;primaryKey"`
	AppliedAt time.Time `gorm:"column:applied_at"`
}

func (schemaMigration) TableName() string { return "sync_schema_migrations" }

// RunMigrations applies pending embedded migrations in name order inside
// one transaction holding an advisory lock. Applied names are recorded so
// restarts skip them.
func RunMigrations(ctx context.Context, db *gorm.DB) error {
	names, err := migrationNames(migrationFS)
	if err != nil {
		return err
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(`SELECT pg_advisory_xact_lock(?)`, migrationLockID).Error; err != nil {
			return ClassifyError("lock migrations", err)
		}
		if err := tx.Exec(`CREATE TABLE IF NOT EXISTS sync_schema_migrations (
    name TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL
)`).Error; err != nil {
			return ClassifyError("create migrations table", err)
		}
		var applied []string
		if err := tx.Model(&schemaMigration{}).Pluck("name", &applied).Error; err != nil {
			return ClassifyError("list applied migrations", err)
		}
		done := make(map[string]bool, len(applied))
		for _, name := range applied {
			done[name] = true
		}
		for _, name := range names {
			if done[name] {
				continue
			}
			raw, err := fs.ReadFile(migrationFS, path.Join("migrations", name))
			if err != nil {
				return fmt.Errorf("read migration %s: %w", name, err)
			}
			if err := tx.Exec(string(raw)).Error; err != nil {
				return fmt.Errorf("apply migration %s: %w", name, err)
			}
			if err := tx.Create(&schemaMigration{Name: name, AppliedAt: time.Now().UTC()}).Error; err != nil {
				return ClassifyError("record migration "+name, err)
			}
		}
		return nil
	})
}

func migrationNames(fsys fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(fsys, "migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Probe reports database reachability for readiness checks.
type Probe struct {
	name string
	db   *gorm.DB
}

func NewProbe(name string, db *gorm.DB) *Probe {
	return &Probe{name: name, db: db}
}

func (p *Probe) Name() string { return p.name }

func (p *Probe) Ping(ctx context.Context) error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return ClassifyError("ping "+p.name, err)
	}
	return nil
}
