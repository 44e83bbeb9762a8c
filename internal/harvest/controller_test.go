package harvest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/pmc-harvester/internal/eutils"
	"github.com/JakeFAU/pmc-harvester/internal/extract"
	"github.com/JakeFAU/pmc-harvester/internal/progress"
	"github.com/JakeFAU/pmc-harvester/internal/record"
)

type fakeArchive struct {
	mu         sync.Mutex
	count      int
	openErr    error
	opens      int
	summaries  []PageRequest
	documents  []PageRequest
	summaryFn  func(offset, window int) (eutils.SummaryPage, error)
	documentFn func(offset, window int) (eutils.DocumentPage, error)
}

func (f *fakeArchive) OpenContext(_ context.Context, query, database string) (eutils.SearchContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.openErr != nil {
		return eutils.SearchContext{}, f.openErr
	}
	return eutils.SearchContext{WebEnv: "MCID_1", QueryKey: "1", Count: f.count, Query: query, Database: database}, nil
}

func (f *fakeArchive) FetchSummaries(_ context.Context, _ eutils.SearchContext, offset, window int) (eutils.SummaryPage, error) {
	f.mu.Lock()
	f.summaries = append(f.summaries, PageRequest{Offset: offset, Window: window})
	fn := f.summaryFn
	f.mu.Unlock()
	if fn != nil {
		return fn(offset, window)
	}
	return summaries(offset, window), nil
}

func (f *fakeArchive) FetchDocuments(_ context.Context, _ eutils.SearchContext, offset, window int) (eutils.DocumentPage, error) {
	f.mu.Lock()
	f.documents = append(f.documents, PageRequest{Offset: offset, Window: window})
	fn := f.documentFn
	f.mu.Unlock()
	if fn != nil {
		return fn(offset, window)
	}
	return documents(offset, window), nil
}

// summaries returns a page with one entry per requested slot.
func summaries(offset, window int) eutils.SummaryPage {
	page := eutils.SummaryPage{}
	for i := 0; i < window; i++ {
		uid := fmt.Sprint(offset + i + 1)
		page.Summaries = append(page.Summaries, eutils.Summary{UID: uid, Attributes: map[string]any{
			"title":      "t" + uid,
			"articleids": []any{map[string]any{"idtype": "pmid", "value": uid}},
		}})
	}
	return page
}

func documents(offset, window int) eutils.DocumentPage {
	var b strings.Builder
	b.WriteString("<pmc-articleset>")
	for i := 0; i < window; i++ {
		fmt.Fprintf(&b, `<article><front><article-meta><article-id pub-id-type="pmid">%d</article-id></article-meta></front></article>`, offset+i+1)
	}
	b.WriteString("</pmc-articleset>")
	return eutils.DocumentPage{Body: []byte(b.String())}
}

type memorySink struct {
	mu      sync.Mutex
	records map[string]record.Record
	writes  int
	failAt  int
}

func newMemorySink() *memorySink {
	return &memorySink{records: make(map[string]record.Record)}
}

func (s *memorySink) Upsert(_ context.Context, rec record.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.failAt > 0 && s.writes == s.failAt {
		return errors.New("disk full")
	}
	s.records[rec.ID] = rec
	return nil
}

type captureEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (c *captureEmitter) Emit(evt progress.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureEmitter) stages() []progress.Stage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]progress.Stage, len(c.events))
	for i, e := range c.events {
		out[i] = e.Stage
	}
	return out
}

func newController(t *testing.T, cfg Config, archive Archive, sink Sink, opts ...Option) *Controller {
	t.Helper()
	c, err := NewController(cfg, archive, extract.New(4, nil), sink, opts...)
	require.NoError(t, err)
	return c
}

func TestRunCountBelowChunkEndsOnEmptyPage(t *testing.T) {
	t.Parallel()

	archive := &fakeArchive{count: 500}
	archive.summaryFn = func(offset, window int) (eutils.SummaryPage, error) {
		if offset >= 350 {
			return eutils.SummaryPage{}, nil
		}
		return summaries(offset, window), nil
	}
	sink := newMemorySink()
	c := newController(t, Config{Ceiling: 10000, SummaryChunkSize: 350}, archive, sink)

	res, err := c.Run(context.Background(), Job{RunID: uuid.New(), Query: "informatics", Modes: []record.Source{record.SourceSummary}})
	require.NoError(t, err)

	assert.Equal(t, []PageRequest{{Offset: 0, Window: 350}, {Offset: 350, Window: 150}}, archive.summaries)
	require.Len(t, res.Modes, 1)
	assert.Equal(t, StateDone, res.Modes[0].State)
	assert.Equal(t, 350, res.Records())
	assert.Len(t, sink.records, 350)
	assert.Equal(t, 500, res.Count)
	assert.False(t, res.Truncated)
}

func TestRunNeverExceedsCeiling(t *testing.T) {
	t.Parallel()

	archive := &fakeArchive{count: 25000}
	sink := newMemorySink()
	core, logs := observer.New(zap.WarnLevel)
	c := newController(t, Config{Ceiling: 10000, SummaryChunkSize: 350}, archive, sink, WithLogger(zap.New(core)))

	res, err := c.Run(context.Background(), Job{RunID: uuid.New(), Query: "cancer", Modes: []record.Source{record.SourceSummary}})
	require.NoError(t, err)

	require.Len(t, archive.summaries, 29)
	for i, req := range archive.summaries {
		assert.Equal(t, i*350, req.Offset)
		assert.LessOrEqual(t, req.Offset+req.Window, 10000)
	}
	last := archive.summaries[len(archive.summaries)-1]
	assert.Equal(t, PageRequest{Offset: 9800, Window: 200}, last)
	assert.Equal(t, 10000, res.Records())
	assert.True(t, res.Truncated)
	assert.Equal(t, 1, logs.FilterMessageSnippet("truncated").Len())
}

func TestRunBothModesShareOneContext(t *testing.T) {
	t.Parallel()

	archive := &fakeArchive{count: 45}
	sink := newMemorySink()
	emitter := &captureEmitter{}
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c := newController(t, Config{}, archive, sink, WithEmitter(emitter), WithClock(func() time.Time { return fixed }))

	runID := uuid.New()
	res, err := c.Run(context.Background(), Job{RunID: runID, Query: "informatics"})
	require.NoError(t, err)

	assert.Equal(t, 1, archive.opens)
	assert.Equal(t, []PageRequest{{Offset: 0, Window: 45}}, archive.summaries)
	assert.Equal(t, []PageRequest{{Offset: 0, Window: 20}, {Offset: 20, Window: 20}, {Offset: 40, Window: 5}}, archive.documents)
	require.Len(t, res.Modes, 2)
	assert.Equal(t, record.SourceSummary, res.Modes[0].Mode)
	assert.Equal(t, record.SourceFullText, res.Modes[1].Mode)
	assert.Equal(t, 90, res.Records())
	assert.Len(t, sink.records, 45, "both passes write the same PMID keys")

	rec := sink.records["7"]
	assert.Equal(t, record.SourceFullText, rec.Source, "full-text pass writes last")
	assert.Equal(t, "informatics", rec.Query)
	assert.Equal(t, fixed, rec.HarvestedAt)

	stages := emitter.stages()
	require.NotEmpty(t, stages)
	assert.Equal(t, progress.StageRunStart, stages[0])
	assert.Equal(t, progress.StageRunDone, stages[len(stages)-1])
	assert.Len(t, stages, 2+4)
}

func TestRunOpenContextFailureIsFatal(t *testing.T) {
	t.Parallel()

	archive := &fakeArchive{openErr: &eutils.TransportError{Query: "q", Stage: "esearch", Status: 500}}
	emitter := &captureEmitter{}
	c := newController(t, Config{}, archive, newMemorySink(), WithEmitter(emitter))

	_, err := c.Run(context.Background(), Job{RunID: uuid.New(), Query: "q"})
	var terr *eutils.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Empty(t, archive.summaries)
	assert.Empty(t, archive.documents)
	assert.Equal(t, []progress.Stage{progress.StageRunStart, progress.StageRunError}, emitter.stages())
}

func TestRunPageFailuresEndTraversalWithoutRetry(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
	}{
		{"transport", &eutils.TransportError{Query: "q", Stage: "esummary", Offset: 350, Status: 502}},
		{"malformed", &eutils.MalformedResponseError{Query: "q", Stage: "esummary", Offset: 350, Err: errors.New("unexpected EOF")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			archive := &fakeArchive{count: 2000}
			archive.summaryFn = func(offset, window int) (eutils.SummaryPage, error) {
				if offset == 350 {
					return eutils.SummaryPage{}, tt.err
				}
				return summaries(offset, window), nil
			}
			sink := newMemorySink()
			c := newController(t, Config{}, archive, sink)

			res, err := c.Run(context.Background(), Job{RunID: uuid.New(), Query: "q", Modes: []record.Source{record.SourceSummary}})
			require.NoError(t, err)
			assert.Equal(t, []PageRequest{{Offset: 0, Window: 350}, {Offset: 350, Window: 350}}, archive.summaries)
			assert.Equal(t, 350, res.Records())
		})
	}
}

func TestRunMalformedDocumentPageEndsTraversal(t *testing.T) {
	t.Parallel()

	archive := &fakeArchive{count: 100}
	archive.documentFn = func(offset, window int) (eutils.DocumentPage, error) {
		if offset == 20 {
			return eutils.DocumentPage{Body: []byte(`<pmc-articleset><article id="`)}, nil
		}
		return documents(offset, window), nil
	}
	emitter := &captureEmitter{}
	c := newController(t, Config{}, archive, newMemorySink(), WithEmitter(emitter))

	res, err := c.Run(context.Background(), Job{RunID: uuid.New(), Query: "q", Modes: []record.Source{record.SourceFullText}})
	require.NoError(t, err)
	assert.Len(t, archive.documents, 2)
	assert.Equal(t, 20, res.Records())

	var outcomes []progress.Outcome
	for _, evt := range emitter.events {
		if evt.Stage == progress.StagePageDone {
			outcomes = append(outcomes, evt.Outcome)
		}
	}
	assert.Equal(t, []progress.Outcome{progress.OutcomeOK, progress.OutcomeMalformed}, outcomes)
}

func TestRunContinuesPastPagesWithOnlyDroppedDocuments(t *testing.T) {
	t.Parallel()

	archive := &fakeArchive{count: 60}
	archive.documentFn = func(offset, window int) (eutils.DocumentPage, error) {
		if offset == 0 {
			return eutils.DocumentPage{Body: []byte(`<pmc-articleset><article/><article/></pmc-articleset>`)}, nil
		}
		return documents(offset, window), nil
	}
	c := newController(t, Config{}, archive, newMemorySink())

	res, err := c.Run(context.Background(), Job{RunID: uuid.New(), Query: "q", Modes: []record.Source{record.SourceFullText}})
	require.NoError(t, err)
	assert.Len(t, archive.documents, 3)
	assert.Equal(t, 40, res.Records())
	assert.Equal(t, 2, res.Modes[0].Dropped)
}

func TestRunChecksCancellationBetweenPages(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	archive := &fakeArchive{count: 2000}
	archive.summaryFn = func(offset, window int) (eutils.SummaryPage, error) {
		if offset == 350 {
			cancel()
		}
		return summaries(offset, window), nil
	}
	sink := newMemorySink()
	c := newController(t, Config{}, archive, sink)

	res, err := c.Run(ctx, Job{RunID: uuid.New(), Query: "q", Modes: []record.Source{record.SourceSummary, record.SourceFullText}})
	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, archive.summaries, 2)
	assert.Empty(t, archive.documents)
	assert.Equal(t, 700, res.Records(), "the page in flight at cancellation is still stored")
}

func TestRunSinkFailureStopsRun(t *testing.T) {
	t.Parallel()

	archive := &fakeArchive{count: 1000}
	sink := newMemorySink()
	sink.failAt = 5
	c := newController(t, Config{}, archive, sink)

	res, err := c.Run(context.Background(), Job{RunID: uuid.New(), Query: "q", Modes: []record.Source{record.SourceSummary}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "offset 0")
	assert.Contains(t, err.Error(), "disk full")
	assert.Len(t, archive.summaries, 1)
	assert.Equal(t, 4, res.Records())
}

func TestNewControllerRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := NewController(Config{}, nil, extract.New(1, nil), newMemorySink())
	require.Error(t, err)
	_, err = NewController(Config{}, &fakeArchive{}, nil, newMemorySink())
	require.Error(t, err)
	_, err = NewController(Config{}, &fakeArchive{}, extract.New(1, nil), nil)
	require.Error(t, err)
}
