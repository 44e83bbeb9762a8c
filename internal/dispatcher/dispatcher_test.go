package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/pmc-harvester/internal/harvest"
	"github.com/JakeFAU/pmc-harvester/internal/queue"
	"github.com/JakeFAU/pmc-harvester/internal/queue/memory"
	"github.com/JakeFAU/pmc-harvester/internal/worker"
)

// TestDispatcherRunStartsWorkers ensures workers begin dequeuing and stop on cancel.
func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()

	q := &blockingQueue{started: make(chan struct{}, 1)}
	dispatch := New(q, nil, Config{}, zap.NewNop())
	assert.Equal(t, 1, dispatch.Size())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	select {
	case <-q.started:
	case <-time.After(time.Second):
		t.Fatal("worker did not begin dequeuing")
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
	assert.Empty(t, dispatch.Outcomes())
}

// TestDispatcherRunsQueriesInParallel checks each worker takes its own item.
func TestDispatcherRunsQueriesInParallel(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(4)
	runner := &gateRunner{entered: make(chan string, 2), release: make(chan struct{})}
	dispatch := New(q, runner, Config{Workers: 2}, zap.NewNop())
	require.Equal(t, 2, dispatch.Size())

	done := make(chan struct{})
	go func() {
		dispatch.Run(context.Background())
		close(done)
	}()

	for _, query := range []string{"malaria", "dengue"} {
		require.NoError(t, dispatch.Enqueue(context.Background(), queue.Item{RunID: uuid.New(), Query: query}))
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case query := <-runner.entered:
			seen[query] = true
		case <-time.After(time.Second):
			t.Fatal("harvests did not run concurrently")
		}
	}
	assert.True(t, seen["malaria"] && seen["dengue"], "unexpected queries %v", seen)

	close(runner.release)
	q.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after queue close")
	}
	assert.Len(t, dispatch.Outcomes(), 2)
	assert.NoError(t, dispatch.Err())
}

func TestDispatcherReportsPerQueryFailures(t *testing.T) {
	t.Parallel()

	errBackend := errors.New("esearch status 500")
	runner := &scriptedRunner{failures: map[string]error{"broken": errBackend}}
	core, logs := observer.New(zap.InfoLevel)

	var mu sync.Mutex
	var observed []string
	q := memory.NewQueue(4)
	dispatch := New(q, runner, Config{
		Workers: 2,
		Worker: worker.Config{OnDone: func(item queue.Item, _ harvest.Result, _ error) {
			mu.Lock()
			observed = append(observed, item.Query)
			mu.Unlock()
		}},
	}, zap.New(core))

	for _, query := range []string{"malaria", "broken", "dengue"} {
		require.NoError(t, dispatch.Enqueue(context.Background(), queue.Item{RunID: uuid.New(), Query: query}))
	}
	q.Close()
	dispatch.Run(context.Background())

	outcomes := dispatch.Outcomes()
	require.Len(t, outcomes, 3)
	records := 0
	for _, o := range outcomes {
		if o.Item.Query == "broken" {
			assert.ErrorIs(t, o.Err, errBackend)
			continue
		}
		assert.NoError(t, o.Err)
		records += o.Result.Records()
	}
	assert.Equal(t, 20, records)

	err := dispatch.Err()
	require.ErrorIs(t, err, errBackend)
	assert.Contains(t, err.Error(), `"broken"`)
	assert.NotContains(t, err.Error(), `"malaria"`)

	mu.Lock()
	assert.ElementsMatch(t, []string{"malaria", "broken", "dengue"}, observed)
	mu.Unlock()

	stopped := logs.FilterMessage("Dispatcher stopped").All()
	require.Len(t, stopped, 1)
	fields := stopped[0].ContextMap()
	assert.EqualValues(t, 3, fields["queries"])
	assert.EqualValues(t, 1, fields["failed"])
	assert.EqualValues(t, 20, fields["records"])
}

func TestDispatcherKeepsNewestOutcomes(t *testing.T) {
	t.Parallel()

	dispatch := New(memory.NewQueue(1), nil, Config{}, zap.NewNop())
	for i := 0; i < maxOutcomes+6; i++ {
		dispatch.record(Outcome{Item: queue.Item{Query: fmt.Sprint(i)}})
	}
	outcomes := dispatch.Outcomes()
	require.Len(t, outcomes, maxOutcomes)
	assert.Equal(t, "6", outcomes[0].Item.Query)
	assert.Equal(t, fmt.Sprint(maxOutcomes+5), outcomes[len(outcomes)-1].Item.Query)
}

// TestDispatcherEnqueueForwardsErrors verifies queue errors are wrapped for callers.
func TestDispatcherEnqueueForwardsErrors(t *testing.T) {
	t.Parallel()

	dispatch := New(&errorQueue{err: queue.ErrClosed}, nil, Config{}, zap.NewNop())

	err := dispatch.Enqueue(context.Background(), queue.Item{Query: "q"})
	require.ErrorIs(t, err, queue.ErrClosed)
	assert.Contains(t, err.Error(), `enqueue "q"`)
}

type gateRunner struct {
	entered chan string
	release chan struct{}
}

func (g *gateRunner) Run(_ context.Context, job harvest.Job) (harvest.Result, error) {
	g.entered <- job.Query
	<-g.release
	return harvest.Result{RunID: job.RunID, Query: job.Query}, nil
}

// scriptedRunner fails the queries named in failures and stores ten
// records for every other query.
type scriptedRunner struct {
	failures map[string]error
}

func (s *scriptedRunner) Run(_ context.Context, job harvest.Job) (harvest.Result, error) {
	if err := s.failures[job.Query]; err != nil {
		return harvest.Result{RunID: job.RunID, Query: job.Query}, err
	}
	return harvest.Result{
		RunID: job.RunID,
		Query: job.Query,
		Modes: []harvest.ModeResult{{Records: 10}},
	}, nil
}

type blockingQueue struct {
	started chan struct{}
}

func (q *blockingQueue) Enqueue(context.Context, queue.Item) error {
	return nil
}

func (q *blockingQueue) Dequeue(ctx context.Context) (queue.Item, error) {
	select {
	case q.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return queue.Item{}, fmt.Errorf("blocking dequeue canceled: %w", ctx.Err())
}

type errorQueue struct {
	err error
}

func (q *errorQueue) Enqueue(context.Context, queue.Item) error {
	return q.err
}

func (q *errorQueue) Dequeue(context.Context) (queue.Item, error) {
	return queue.Item{}, queue.ErrClosed
}
