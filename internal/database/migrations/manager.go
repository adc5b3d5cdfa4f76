package migrations

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/commandmesh/platform/pkg/logger"
	"go.uber.org/zap"
)

//go:embed schema/*.sql
var migrationFiles embed.FS

// Manager applies (Up) and rolls back (Down) schema migrations for the command/inbox/outbox
// and process tables against a dedicated database/sql connection. The
// application otherwise talks to Postgres exclusively through pgxpool;
// golang-migrate's postgres driver needs a *sql.DB, so this is the one
// place lib/pq's driver is used.
type Manager struct {
	migrate *migrate.Migrate
	conn    *sql.DB
	logger  *logger.Logger
}

// NewManager opens a dedicated connection and builds a migrator over the
// embedded schema/*.sql files.
func NewManager(dsn string, log *logger.Logger) (*Manager, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open migration connection: %w", err)
	}

	d, err := iofs.New(migrationFiles, "schema")
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(conn, &postgres.Config{})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", d, "postgres", driver)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create migrator: %w", err)
	}

	return &Manager{migrate: m, conn: conn, logger: log}, nil
}

// Up runs all pending migrations.
func (m *Manager) Up(ctx context.Context) error {
	start := time.Now()
	m.logger.Info("running database migrations")

	if err := m.migrate.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}

	m.logger.Info("migrations completed", zap.Duration("duration", time.Since(start)))
	return nil
}

// Down rolls back all migrations.
func (m *Manager) Down(ctx context.Context) error {
	if err := m.migrate.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("rollback migrations: %w", err)
	}
	return nil
}

// Version returns the current migration version.
func (m *Manager) Version() (uint, bool, error) {
	return m.migrate.Version()
}

// Close releases the migrator's dedicated connection.
func (m *Manager) Close() error {
	srcErr, dbErr := m.migrate.Close()
	connErr := m.conn.Close()
	return errors.Join(srcErr, dbErr, connErr)
}
