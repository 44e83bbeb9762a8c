package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested run does not exist.
var ErrNotFound = errors.New("harvest run not found")

// RunStatus mirrors the harvest_runs status column.
type RunStatus string

// Run statuses.
const (
	RunQueued  RunStatus = "queued"
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunQueued, RunRunning, RunSuccess, RunError:
		return true
	}
	return false
}

// Run is one harvest of one query.
type Run struct {
	ID           uuid.UUID  `json:"id"`
	Query        string     `json:"query"`
	Modes        []string   `json:"modes"`
	Status       RunStatus  `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Pages        int64      `json:"pages"`
	Records      int64      `json:"records"`
	ErrorMessage *string    `json:"error_message,omitempty"`
}

// RunRepository persists run lifecycle and page counters.
type RunRepository interface {
	// CreateRun records a queued run. Creating an existing id is a no-op.
	CreateRun(ctx context.Context, run Run) error
	// StartRun marks the run running, creating it if needed.
	StartRun(ctx context.Context, id uuid.UUID, query string, startedAt time.Time) error
	// AddPages applies page and record deltas.
	AddPages(ctx context.Context, id uuid.UUID, pages, records int64, at time.Time) error
	// CompleteRun marks the run finished with status and optional error.
	CompleteRun(ctx context.Context, id uuid.UUID, finishedAt time.Time, status RunStatus, errMsg *string) error
	// GetRun loads one run or returns ErrNotFound.
	GetRun(ctx context.Context, id uuid.UUID) (Run, error)
	// ListRuns returns runs newest first, optionally filtered by status.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error)
}
