// Package worker implements the loop that turns queued items into harvest runs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pmc-harvester/internal/harvest"
	"github.com/JakeFAU/pmc-harvester/internal/queue"
	"github.com/JakeFAU/pmc-harvester/internal/record"
)

// Runner executes one harvest job.
type Runner interface {
	Run(ctx context.Context, job harvest.Job) (harvest.Result, error)
}

// Config controls Worker behavior.
type Config struct {
	// Database is used when an item does not name one.
	Database string
	// Modes are used when an item does not name any.
	Modes []record.Source
	// OnDone, when set, observes every processed item.
	OnDone func(item queue.Item, res harvest.Result, err error)
}

// Worker consumes queue items and runs them one at a time.
type Worker struct {
	queue  queue.Queue
	runner Runner
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// New constructs a Worker.
func New(q queue.Queue, runner Runner, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:  q,
		runner: runner,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Run blocks, consuming queue items until the context finishes or the queue
// is closed and drained.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued harvest", zap.String("run_id", item.RunID.String()))
		res, err := w.Process(ctx, item)
		if w.cfg.OnDone != nil {
			w.cfg.OnDone(item, res, err)
		}
		if err != nil && ctx.Err() != nil {
			return
		}
	}
}

// Process runs a single item. A panic inside the runner is recovered and
// reported as an error so the worker keeps serving the queue.
func (w *Worker) Process(ctx context.Context, item queue.Item) (res harvest.Result, err error) {
	log := w.logger.With(
		zap.String("run_id", item.RunID.String()),
		zap.String("query", item.Query),
	)
	if w.runner == nil {
		log.Error("no harvest runner configured")
		return harvest.Result{}, errors.New("worker: no runner configured")
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("harvest panicked", zap.Any("panic", r))
			err = fmt.Errorf("harvest %s panicked: %v", item.RunID, r)
		}
	}()

	job := w.job(item)
	if !item.Submitted.IsZero() {
		log = log.With(zap.Duration("queued_for", w.now().Sub(item.Submitted)))
	}
	log.Info("harvest started", zap.Int("modes", len(job.Modes)))

	start := w.now()
	res, err = w.runner.Run(ctx, job)
	fields := []zap.Field{
		zap.Int("count", res.Count),
		zap.Int("records", res.Records()),
		zap.Bool("truncated", res.Truncated),
		zap.Duration("elapsed", w.now().Sub(start)),
	}
	if err != nil {
		log.Error("harvest failed", append(fields, zap.Error(err))...)
		return res, fmt.Errorf("harvest %s: %w", item.RunID, err)
	}
	log.Info("harvest finished", fields...)
	return res, nil
}

func (w *Worker) job(item queue.Item) harvest.Job {
	job := harvest.Job{
		RunID:    item.RunID,
		Query:    item.Query,
		Database: item.Database,
		Modes:    item.Modes,
	}
	if job.Database == "" {
		job.Database = w.cfg.Database
	}
	if len(job.Modes) == 0 && len(w.cfg.Modes) > 0 {
		job.Modes = append([]record.Source(nil), w.cfg.Modes...)
	}
	return job
}
