package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/pmc-harvester/internal/progress"
	"github.com/JakeFAU/pmc-harvester/internal/store"
)

// StoreSink persists run lifecycle and page counters through a
// store.RunRepository. Page deltas are collapsed per run within a batch.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for repo.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume applies the batch in order. Pending page deltas for a run are
// written before that run's completion.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	pending := make(map[uuid.UUID]*pageDelta)
	var order []uuid.UUID

	flushRun := func(id uuid.UUID) error {
		d := pending[id]
		if d == nil {
			return nil
		}
		delete(pending, id)
		if err := s.repo.AddPages(ctx, id, d.pages, d.records, d.at); err != nil {
			return fmt.Errorf("add pages: %w", err)
		}
		return nil
	}

	for _, evt := range batch {
		id := evt.RunUUID()
		switch evt.Stage {
		case progress.StageRunStart:
			if err := s.repo.StartRun(ctx, id, evt.Query, evt.TS); err != nil {
				return fmt.Errorf("start run: %w", err)
			}
		case progress.StagePageDone:
			d := pending[id]
			if d == nil {
				d = &pageDelta{}
				pending[id] = d
				order = append(order, id)
			}
			d.pages++
			d.records += evt.Records
			if evt.TS.After(d.at) {
				d.at = evt.TS
			}
		case progress.StageRunDone, progress.StageRunError:
			if err := flushRun(id); err != nil {
				return err
			}
			status := store.RunSuccess
			var note *string
			if evt.Stage == progress.StageRunError {
				status = store.RunError
				if evt.Note != "" {
					msg := evt.Note
					note = &msg
				}
			}
			if err := s.repo.CompleteRun(ctx, id, evt.TS, status, note); err != nil {
				return fmt.Errorf("complete run: %w", err)
			}
		}
	}
	for _, id := range order {
		if err := flushRun(id); err != nil {
			return err
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type pageDelta struct {
	pages   int64
	records int64
	at      time.Time
}
