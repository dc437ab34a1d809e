package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/Jackwwg83/coderunner2-sub002/internal/core/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store and runs migrations.
// Use ":memory:" for an ephemeral database.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	db, err := sqlx.Open("sqlite3", dsn+sep+"_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}
	// One connection: every :memory: connection is its own database, and
	// SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// withTx runs fn in a transaction, rolling back when it fails.
func (s *SQLiteStore) withTx(ctx context.Context, op string, fn func(executor) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError(op, "", "", "failed to begin transaction", errors.Join(ErrTxFailed, err))
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return NewStoreError(op, "", "", fmt.Sprintf("rollback failed after error: %v", err), ErrTxFailed)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError(op, "", "", "failed to commit transaction", errors.Join(ErrTxFailed, err))
	}
	return nil
}

// =============================================================================
// Deployment Operations
// =============================================================================

// deploymentRow represents a deployment row in the database.
type deploymentRow struct {
	ID              string  `db:"id"`
	OwnerID         string  `db:"owner_id"`
	Status          string  `db:"status"`
	Endpoint        string  `db:"endpoint"`
	Config          string  `db:"config"`
	ProjectKind     string  `db:"project_kind"`
	Framework       string  `db:"framework"`
	ProviderHandle  string  `db:"provider_handle"`
	Error           *string `db:"error"`
	TeardownPending bool    `db:"teardown_pending"`
	RetryOf         string  `db:"retry_of"`
	CreatedAt       string  `db:"created_at"`
	UpdatedAt       string  `db:"updated_at"`
}

type transitionRow struct {
	ID           int64  `db:"id"`
	DeploymentID string `db:"deployment_id"`
	FromStatus   string `db:"from_status"`
	ToStatus     string `db:"to_status"`
	ErrorKind    string `db:"error_kind"`
	CreatedAt    string `db:"created_at"`
}

const deploymentColumns = `id, owner_id, status, endpoint, config, project_kind, framework,
	provider_handle, error, teardown_pending, retry_of, created_at, updated_at`

// Upsert writes the deployment and, in the same transaction, appends a
// transition row when the status differs from the stored one.
func (s *SQLiteStore) Upsert(ctx context.Context, d *domain.Deployment) error {
	row, err := deploymentToRow(d)
	if err != nil {
		return NewStoreError("Upsert", "deployment", d.ID, "failed to serialize deployment", errors.Join(ErrInvalidData, err))
	}

	return s.withTx(ctx, "Upsert", func(exec executor) error {
		var previous string
		err := exec.GetContext(ctx, &previous, `SELECT status FROM deployments WHERE id = ?`, d.ID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return NewStoreError("Upsert", "deployment", d.ID, err.Error(), err)
		}

		query := `
			INSERT INTO deployments (` + deploymentColumns + `) VALUES (
				:id, :owner_id, :status, :endpoint, :config, :project_kind, :framework,
				:provider_handle, :error, :teardown_pending, :retry_of, :created_at, :updated_at
			)
			ON CONFLICT(id) DO UPDATE SET
				status = excluded.status,
				endpoint = excluded.endpoint,
				project_kind = excluded.project_kind,
				framework = excluded.framework,
				provider_handle = excluded.provider_handle,
				error = excluded.error,
				teardown_pending = excluded.teardown_pending,
				retry_of = excluded.retry_of,
				updated_at = excluded.updated_at`

		if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
			return NewStoreError("Upsert", "deployment", d.ID, err.Error(), err)
		}

		if previous == row.Status {
			return nil
		}

		var kind string
		if d.Error != nil && d.Status == domain.StatusFailed {
			kind = string(d.Error.Kind)
		}
		_, err = exec.ExecContext(ctx, `
			INSERT INTO deployment_transitions (deployment_id, from_status, to_status, error_kind, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			d.ID, previous, row.Status, kind, row.UpdatedAt)
		if err != nil {
			return NewStoreError("Upsert", "transition", d.ID, err.Error(), err)
		}
		return nil
	})
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*domain.Deployment, error) {
	var row deploymentRow
	err := s.db.GetContext(ctx, &row, `SELECT `+deploymentColumns+` FROM deployments WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("Get", "deployment", id, "deployment not found", ErrNotFound)
		}
		return nil, NewStoreError("Get", "deployment", id, err.Error(), err)
	}
	return rowToDeployment(&row)
}

func (s *SQLiteStore) ListByStatus(ctx context.Context, status domain.DeploymentStatus) ([]domain.Deployment, error) {
	return listDeployments(ctx, s.db, "ListByStatus",
		`SELECT `+deploymentColumns+` FROM deployments WHERE status = ? ORDER BY updated_at, id`, string(status))
}

func (s *SQLiteStore) ListByOwner(ctx context.Context, ownerID string, opts ListOptions) ([]domain.Deployment, error) {
	opts = opts.Normalize()
	return listDeployments(ctx, s.db, "ListByOwner",
		`SELECT `+deploymentColumns+` FROM deployments WHERE owner_id = ? ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		ownerID, opts.Limit, opts.Offset)
}

func (s *SQLiteStore) ListTeardownPending(ctx context.Context) ([]domain.Deployment, error) {
	return listDeployments(ctx, s.db, "ListTeardownPending",
		`SELECT `+deploymentColumns+` FROM deployments WHERE teardown_pending = 1 ORDER BY updated_at, id`)
}

func (s *SQLiteStore) ListTransitions(ctx context.Context, deploymentID string) ([]Transition, error) {
	var rows []transitionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, deployment_id, from_status, to_status, error_kind, created_at
		FROM deployment_transitions WHERE deployment_id = ? ORDER BY id`, deploymentID)
	if err != nil {
		return nil, NewStoreError("ListTransitions", "transition", deploymentID, err.Error(), err)
	}

	out := make([]Transition, 0, len(rows))
	for _, r := range rows {
		at, _ := time.Parse(timeLayout, r.CreatedAt)
		out = append(out, Transition{
			ID:           r.ID,
			DeploymentID: r.DeploymentID,
			From:         domain.DeploymentStatus(r.FromStatus),
			To:           domain.DeploymentStatus(r.ToStatus),
			ErrorKind:    domain.ErrorKind(r.ErrorKind),
			CreatedAt:    at,
		})
	}
	return out, nil
}

func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[domain.DeploymentStatus]int, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM deployments GROUP BY status`); err != nil {
		return nil, NewStoreError("CountByStatus", "deployment", "", err.Error(), err)
	}

	out := make(map[domain.DeploymentStatus]int, len(rows))
	for _, r := range rows {
		out[domain.DeploymentStatus(r.Status)] = r.Count
	}
	return out, nil
}

// =============================================================================
// Shared Implementation Functions
// =============================================================================

func listDeployments(ctx context.Context, exec executor, op, query string, args ...any) ([]domain.Deployment, error) {
	var rows []deploymentRow
	if err := exec.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, NewStoreError(op, "deployment", "", err.Error(), err)
	}

	out := make([]domain.Deployment, 0, len(rows))
	for i := range rows {
		d, err := rowToDeployment(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, nil
}

func deploymentToRow(d *domain.Deployment) (*deploymentRow, error) {
	configJSON, err := json.Marshal(d.Config)
	if err != nil {
		return nil, err
	}

	var errJSON *string
	if d.Error != nil {
		b, err := json.Marshal(d.Error)
		if err != nil {
			return nil, err
		}
		s := string(b)
		errJSON = &s
	}

	return &deploymentRow{
		ID:              d.ID,
		OwnerID:         d.OwnerID,
		Status:          string(d.Status),
		Endpoint:        d.Endpoint,
		Config:          string(configJSON),
		ProjectKind:     string(d.ProjectKind),
		Framework:       d.Framework,
		ProviderHandle:  d.ProviderHandle,
		Error:           errJSON,
		TeardownPending: d.TeardownPending,
		RetryOf:         d.RetryOf,
		CreatedAt:       d.CreatedAt.UTC().Format(timeLayout),
		UpdatedAt:       d.UpdatedAt.UTC().Format(timeLayout),
	}, nil
}

func rowToDeployment(row *deploymentRow) (*domain.Deployment, error) {
	d := &domain.Deployment{
		ID:              row.ID,
		OwnerID:         row.OwnerID,
		Status:          domain.DeploymentStatus(row.Status),
		Endpoint:        row.Endpoint,
		ProjectKind:     domain.ProjectKind(row.ProjectKind),
		Framework:       row.Framework,
		ProviderHandle:  row.ProviderHandle,
		TeardownPending: row.TeardownPending,
		RetryOf:         row.RetryOf,
	}

	if err := json.Unmarshal([]byte(row.Config), &d.Config); err != nil {
		return nil, NewStoreError("rowToDeployment", "deployment", row.ID, "failed to deserialize config", ErrInvalidData)
	}
	if row.Error != nil && *row.Error != "" {
		d.Error = &domain.DeploymentError{}
		if err := json.Unmarshal([]byte(*row.Error), d.Error); err != nil {
			return nil, NewStoreError("rowToDeployment", "deployment", row.ID, "failed to deserialize error", ErrInvalidData)
		}
	}

	d.CreatedAt, _ = time.Parse(timeLayout, row.CreatedAt)
	d.UpdatedAt, _ = time.Parse(timeLayout, row.UpdatedAt)
	return d, nil
}
