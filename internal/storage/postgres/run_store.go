package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/pmc-harvester/internal/store"
)

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

// RunStore implements store.RunRepository on the harvest_runs table.
type RunStore struct {
	db querier
}

var _ store.RunRepository = (*RunStore)(nil)

// NewRunStore wraps db, usually a *pgxpool.Pool.
func NewRunStore(db querier) (*RunStore, error) {
	if db == nil {
		return nil, errors.New("pool is required")
	}
	return &RunStore{db: db}, nil
}

// CreateRun inserts a queued run. An existing ID is left untouched.
func (s *RunStore) CreateRun(ctx context.Context, run store.Run) error {
	status := run.Status
	if status == "" {
		status = store.RunQueued
	}
	modes := run.Modes
	if modes == nil {
		modes = []string{}
	}
	const query = `
		INSERT INTO harvest_runs (id, query, modes, status, started_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING;
	`
	startedAt := run.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	if _, err := s.db.Exec(ctx, query, run.ID, run.Query, modes, status, startedAt); err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// StartRun marks the run running, inserting it if CreateRun never happened.
func (s *RunStore) StartRun(ctx context.Context, id uuid.UUID, query string, startedAt time.Time) error {
	const q = `
		INSERT INTO harvest_runs (id, query, status, started_at, last_update)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, started_at = EXCLUDED.started_at, last_update = EXCLUDED.last_update;
	`
	if _, err := s.db.Exec(ctx, q, id, query, store.RunRunning, startedAt); err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// AddPages increments the page and record counters.
func (s *RunStore) AddPages(ctx context.Context, id uuid.UUID, pages, records int64, at time.Time) error {
	const q = `
		UPDATE harvest_runs
		SET pages = pages + $1, records = records + $2, last_update = $3
		WHERE id = $4;
	`
	tag, err := s.db.Exec(ctx, q, pages, records, at, id)
	if err != nil {
		return fmt.Errorf("add pages: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// CompleteRun records the terminal status.
func (s *RunStore) CompleteRun(
	ctx context.Context,
	id uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	const q = `
		UPDATE harvest_runs
		SET finished_at = $1, status = $2, error_message = $3, last_update = $1
		WHERE id = $4;
	`
	tag, err := s.db.Exec(ctx, q, finishedAt, status, errMsg, id)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

const runColumns = `id, query, modes, status, started_at, finished_at, pages, records, error_message`

// GetRun loads one run.
func (s *RunStore) GetRun(ctx context.Context, id uuid.UUID) (store.Run, error) {
	row := s.db.QueryRow(ctx, `SELECT `+runColumns+` FROM harvest_runs WHERE id = $1;`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest first, optionally filtered by status.
func (s *RunStore) ListRuns(ctx context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	const q = `SELECT ` + runColumns + `
		FROM harvest_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	var filter *string
	if status != nil {
		v := string(*status)
		filter = &v
	}
	rows, err := s.db.Query(ctx, q, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []store.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row) (store.Run, error) {
	var (
		run    store.Run
		status string
	)
	err := row.Scan(
		&run.ID,
		&run.Query,
		&run.Modes,
		&status,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Pages,
		&run.Records,
		&run.ErrorMessage,
	)
	run.Status = store.RunStatus(status)
	return run, err
}
