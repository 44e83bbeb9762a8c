// Package dispatcher runs queued harvests on a fixed pool of workers and
// keeps the outcome of every query it ran.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/pmc-harvester/internal/harvest"
	"github.com/JakeFAU/pmc-harvester/internal/queue"
	"github.com/JakeFAU/pmc-harvester/internal/worker"
)

// Config sizes the pool. Worker is copied to every worker; its OnDone is
// still called after the dispatcher records the outcome.
type Config struct {
	Workers int
	Worker  worker.Config
}

// maxOutcomes bounds the outcomes kept by a long-running pool; the oldest
// are discarded first.
const maxOutcomes = 1024

// Outcome is what happened to one dequeued query.
type Outcome struct {
	Item   queue.Item
	Result harvest.Result
	Err    error
}

// Dispatcher owns the worker pool for one queue.
type Dispatcher struct {
	queue   queue.Queue
	workers []*worker.Worker
	logger  *zap.Logger

	mu       sync.Mutex
	outcomes []Outcome
}

// New builds cfg.Workers workers (at least one) that run jobs through runner.
func New(q queue.Queue, runner worker.Runner, cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	d := &Dispatcher{queue: q, logger: logger}

	wcfg := cfg.Worker
	next := cfg.Worker.OnDone
	wcfg.OnDone = func(item queue.Item, res harvest.Result, err error) {
		d.record(Outcome{Item: item, Result: res, Err: err})
		if next != nil {
			next(item, res, err)
		}
	}
	for i := 0; i < cfg.Workers; i++ {
		d.workers = append(d.workers, worker.New(q, runner, wcfg, logger.Named("worker").With(zap.Int("index", i))))
	}
	return d
}

// Size reports the number of workers.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Run starts all workers and blocks until every worker has returned, which
// happens when ctx ends or the queue is closed and drained.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	wg.Wait()

	outcomes := d.Outcomes()
	failed, records := 0, 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
		}
		records += o.Result.Records()
	}
	d.logger.Info("Dispatcher stopped",
		zap.Int("queries", len(outcomes)),
		zap.Int("failed", failed),
		zap.Int("records", records),
	)
}

// Enqueue hands item to the queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item queue.Item) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("enqueue %q: %w", item.Query, err)
	}
	return nil
}

// Outcomes returns a copy of the recorded outcomes, oldest first.
func (d *Dispatcher) Outcomes() []Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Outcome(nil), d.outcomes...)
}

// Err joins the errors of every failed query, each prefixed with its
// query. It is nil when every query succeeded.
func (d *Dispatcher) Err() error {
	var errs []error
	for _, o := range d.Outcomes() {
		if o.Err != nil {
			errs = append(errs, fmt.Errorf("%q: %w", o.Item.Query, o.Err))
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) record(o Outcome) {
	d.mu.Lock()
	d.outcomes = append(d.outcomes, o)
	if over := len(d.outcomes) - maxOutcomes; over > 0 {
		d.outcomes = append(d.outcomes[:0:0], d.outcomes[over:]...)
	}
	d.mu.Unlock()
}
