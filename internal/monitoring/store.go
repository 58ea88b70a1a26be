package monitoring

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Snapshot is one row of the metrics time-series table, per spec §4.8:
// "primary key = timestamp, secondary index on agent_id + timestamp".
type Snapshot struct {
	Timestamp     int64  `gorm:"primaryKey"`
	AgentID       string `gorm:"index:idx_agent_timestamp,priority:1"`
	ReceivedTotal int64
	DispatchedOK  int64
	HandlerFailed int64
	QueueDropped  int64
	CPUPercent    float64
	MemPercent    float64
}

// TableName pins the GORM table name regardless of the struct name, since
// this table (unlike internal/store's) is shared across identities and
// does not carry a per-agent suffix.
func (Snapshot) TableName() string { return "metrics_snapshots" }

// SnapshotStore is the persistence surface the Service writes to and the
// StandaloneReader reads from.
type SnapshotStore interface {
	InsertSnapshot(ctx context.Context, s Snapshot) error
	DeleteOlderThan(ctx context.Context, cutoffUnixMS int64) error
	Close() error
}

// SQLSnapshotStore is the GORM + modernc-sqlite + golang-migrate
// implementation, grounded on server/internal/db.New (this table has a
// single fixed name, unlike internal/store's per-identity tables, so the
// teacher's embedded-SQL-migration approach applies unmodified here).
type SQLSnapshotStore struct {
	db *gorm.DB
}

// OpenSnapshotStore opens (or creates) the metrics database at path and
// applies embedded migrations.
func OpenSnapshotStore(path string) (*SQLSnapshotStore, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("monitoring: open sqlite: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := runMigrations(sqlDB); err != nil {
		return nil, fmt.Errorf("monitoring: migrations: %w", err)
	}

	db, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("monitoring: gorm open: %w", err)
	}
	return &SQLSnapshotStore{db: db}, nil
}

func runMigrations(sqlDB *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	drv, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("sqlite migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// InsertSnapshot inserts one row.
func (s *SQLSnapshotStore) InsertSnapshot(ctx context.Context, snap Snapshot) error {
	return s.db.WithContext(ctx).Create(&snap).Error
}

// DeleteOlderThan removes rows older than the retention cutoff, per spec
// §4.8's hourly retention sweep.
func (s *SQLSnapshotStore) DeleteOlderThan(ctx context.Context, cutoffUnixMS int64) error {
	return s.db.WithContext(ctx).Where("timestamp < ?", cutoffUnixMS).Delete(&Snapshot{}).Error
}

// Close releases the underlying database handle.
func (s *SQLSnapshotStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// StandaloneReader opens the same database read-only and recomputes
// sliding-window statistics post-hoc from stored points, per spec §4.8.
type StandaloneReader struct {
	db *gorm.DB
}

// OpenStandaloneReader opens path for read-only post-hoc analysis.
func OpenStandaloneReader(path string) (*StandaloneReader, error) {
	sqlDB, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("monitoring: open sqlite read-only: %w", err)
	}
	db, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("monitoring: gorm open: %w", err)
	}
	return &StandaloneReader{db: db}, nil
}

// LoadRange returns every snapshot row for agentID between [fromUnixMS,
// toUnixMS], ordered by timestamp ascending.
func (r *StandaloneReader) LoadRange(ctx context.Context, agentID string, fromUnixMS, toUnixMS int64) ([]Snapshot, error) {
	var rows []Snapshot
	err := r.db.WithContext(ctx).
		Where("agent_id = ? AND timestamp BETWEEN ? AND ?", agentID, fromUnixMS, toUnixMS).
		Order("timestamp asc").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("monitoring: load range: %w", err)
	}
	return rows, nil
}

// Close releases the underlying database handle.
func (r *StandaloneReader) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
