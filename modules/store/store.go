// Package store persists the engine's entities in SQLite and commits each
// tick's changes in a single transaction. The poller is the sole writer for
// tag state, history, alarm rows and write dispositions; the API collaborator
// owns everything else.
package store

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // sqlite driver
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	metricCommitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fieldgate",
		Subsystem: "store",
		Name:      "commit_duration_seconds",
		Help:      "Time spent committing one tick batch.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
	})
	metricCommitFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fieldgate",
		Subsystem: "store",
		Name:      "commit_failures_total",
		Help:      "Tick batches dropped because the commit failed.",
	})
	metricRowsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fieldgate",
		Subsystem: "store",
		Name:      "rows_written_total",
		Help:      "Rows written by tick commits, by entity.",
	}, []string{"entity"})
	metricHistoryPruned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fieldgate",
		Subsystem: "store",
		Name:      "history_pruned_total",
		Help:      "History entries deleted by retention pruning.",
	})
	metricWritesSwept = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fieldgate",
		Subsystem: "store",
		Name:      "writes_swept_total",
		Help:      "Stale write requests expired by the maintenance sweep.",
	})
)

// ErrNotFound is returned for lookups of rows that do not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps the SQLite database. Safe for concurrent use; connections
// serialize on a single pooled conn so tick commits never fight the
// websocket and CLI readers for the write lock.
type Store struct {
	db     *sqlx.DB
	logger log.Logger
}

// Open opens (creating if needed) the database and applies pending
// migrations.
func Open(cfg Config, logger log.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d",
		cfg.Path, cfg.BusyTimeout.Milliseconds())

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(s.db.DB, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	version, dirty, err := m.Version()
	if err != nil {
		return fmt.Errorf("migration version: %w", err)
	}
	level.Info(s.logger).Log("msg", "store ready", "schema_version", version, "dirty", dirty)
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// inTx runs fn inside a transaction and commits unless fn errors.
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
