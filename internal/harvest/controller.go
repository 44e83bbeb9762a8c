package harvest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/pmc-harvester/internal/eutils"
	"github.com/JakeFAU/pmc-harvester/internal/extract"
	"github.com/JakeFAU/pmc-harvester/internal/logging"
	"github.com/JakeFAU/pmc-harvester/internal/metrics"
	"github.com/JakeFAU/pmc-harvester/internal/progress"
	"github.com/JakeFAU/pmc-harvester/internal/record"
)

// Defaults for Config.
const (
	DefaultCeiling          = 10000
	DefaultSummaryChunkSize = 350
	DefaultFetchChunkSize   = 20
)

// Config bounds a traversal. The archive serves far fewer full documents
// than summaries per request, so the two modes have separate chunk sizes.
type Config struct {
	Ceiling          int
	SummaryChunkSize int
	FetchChunkSize   int
}

func (c Config) withDefaults() Config {
	if c.Ceiling <= 0 {
		c.Ceiling = DefaultCeiling
	}
	if c.SummaryChunkSize <= 0 {
		c.SummaryChunkSize = DefaultSummaryChunkSize
	}
	if c.FetchChunkSize <= 0 {
		c.FetchChunkSize = DefaultFetchChunkSize
	}
	return c
}

// ChunkSize returns the chunk size for mode.
func (c Config) ChunkSize(mode record.Source) int {
	if mode == record.SourceFullText {
		return c.FetchChunkSize
	}
	return c.SummaryChunkSize
}

// Controller runs harvest jobs. A Controller is safe for concurrent use;
// each Run owns its own search context and offset.
type Controller struct {
	cfg       Config
	archive   Archive
	extractor Extractor
	sink      Sink
	emitter   progress.Emitter
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// Option customizes a Controller.
type Option func(*Controller)

// WithEmitter sends run progress to e.
func WithEmitter(e progress.Emitter) Option {
	return func(c *Controller) { c.emitter = e }
}

// WithLogger sets the base logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides the time source used for HarvestedAt and events.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// NewController wires the collaborators of a harvest.
func NewController(cfg Config, archive Archive, extractor Extractor, sink Sink, opts ...Option) (*Controller, error) {
	if archive == nil {
		return nil, errors.New("harvest: archive is required")
	}
	if extractor == nil {
		return nil, errors.New("harvest: extractor is required")
	}
	if sink == nil {
		return nil, errors.New("harvest: sink is required")
	}
	c := &Controller{
		cfg:       cfg.withDefaults(),
		archive:   archive,
		extractor: extractor,
		sink:      sink,
		logger:    zap.NewNop(),
		tracer:    otel.Tracer("github.com/JakeFAU/pmc-harvester/internal/harvest"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run opens the search context for job and traverses it in every mode. A
// failure to open the context is fatal. Page fetch failures end the current
// traversal and are not returned. Sink failures and cancellation stop the
// run and are returned with the partial result.
func (c *Controller) Run(ctx context.Context, job Job) (Result, error) {
	modes := job.Modes
	if len(modes) == 0 {
		modes = []record.Source{record.SourceSummary, record.SourceFullText}
	}
	res := Result{RunID: job.RunID, Query: job.Query}
	start := c.now()
	c.emit(progress.Event{RunID: progress.UUIDToBytes(job.RunID), Stage: progress.StageRunStart, Query: job.Query})

	ctx, span := c.tracer.Start(ctx, "harvest.run", trace.WithAttributes(
		attribute.String("harvest.query", job.Query),
		attribute.String("harvest.run_id", job.RunID.String()),
	))
	defer span.End()

	err := c.run(ctx, job, modes, &res)
	evt := progress.Event{
		RunID:   progress.UUIDToBytes(job.RunID),
		Stage:   progress.StageRunDone,
		Query:   job.Query,
		Records: int64(res.Records()),
		Dur:     c.now().Sub(start),
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		evt.Stage = progress.StageRunError
		evt.Note = err.Error()
	}
	if evt.Dur < 0 {
		evt.Dur = 0
	}
	c.emit(evt)
	return res, err
}

func (c *Controller) run(ctx context.Context, job Job, modes []record.Source, res *Result) error {
	base := logging.ForHarvest(c.logger, job.RunID.String(), job.Query, "")

	sc, err := c.archive.OpenContext(ctx, job.Query, job.Database)
	if err != nil {
		base.Error("Failed to open search context", zap.Error(err))
		return fmt.Errorf("open search context for %q: %w", job.Query, err)
	}
	res.Count = sc.Count
	if sc.Count > c.cfg.Ceiling {
		res.Truncated = true
		base.Warn("Result count exceeds ceiling; results will be truncated",
			zap.Int("count", sc.Count), zap.Int("ceiling", c.cfg.Ceiling))
	}
	base.Info("Search context opened", zap.Int("count", sc.Count))

	for _, mode := range modes {
		mr, err := c.traverse(ctx, job, sc, mode)
		res.Modes = append(res.Modes, mr)
		if err != nil {
			return err
		}
	}
	return nil
}

// traverse pages through sc in one mode. Cancellation is only observed
// between pages; once a page is fetched its records are extracted and
// upserted even if ctx ends meanwhile.
func (c *Controller) traverse(ctx context.Context, job Job, sc eutils.SearchContext, mode record.Source) (ModeResult, error) {
	log := logging.ForHarvest(c.logger, job.RunID.String(), job.Query, string(mode))
	chunk := c.cfg.ChunkSize(mode)
	mr := ModeResult{Mode: mode, State: StateInit}

	ctx, span := c.tracer.Start(ctx, "harvest.traverse", trace.WithAttributes(
		attribute.String("harvest.mode", string(mode)),
		attribute.Int("harvest.chunk", chunk),
	))
	defer span.End()

	mr.State = StatePaging
	for offset := 0; mr.State == StatePaging; offset += chunk {
		if err := ctx.Err(); err != nil {
			log.Info("Harvest canceled", zap.Int("offset", offset))
			return mr, fmt.Errorf("harvest %q canceled at offset %d: %w", job.Query, offset, err)
		}
		window := Window(offset, chunk, sc.Count, c.cfg.Ceiling)
		if window == 0 {
			mr.State = StateDone
			break
		}
		mr.Requests = append(mr.Requests, PageRequest{Offset: offset, Window: window})

		pageStart := c.now()
		result, outcome := c.fetch(ctx, sc, mode, offset, window, log)
		metrics.ObservePage(string(mode), string(outcome))
		if result.Documents == 0 {
			mr.State = StateDone
			c.emitPage(job, mode, offset, window, outcome, 0, pageStart)
			log.Info("Traversal done", zap.Int("offset", offset), zap.String("outcome", string(outcome)))
			break
		}

		upserted, err := c.store(context.WithoutCancel(ctx), job, mode, result.Records)
		mr.Records += upserted
		mr.Dropped += result.Dropped()
		metrics.ObserveRecords(string(mode), upserted)
		c.emitPage(job, mode, offset, window, outcome, upserted, pageStart)
		if err != nil {
			log.Error("Sink rejected record", zap.Int("offset", offset), zap.Error(err))
			return mr, fmt.Errorf("harvest %q at offset %d: %w", job.Query, offset, err)
		}
		log.Debug("Page stored",
			zap.Int("offset", offset),
			zap.Int("window", window),
			zap.Int("records", upserted),
			zap.Int("dropped", result.Dropped()),
		)
	}
	return mr, nil
}

// fetch retrieves and extracts one page. Any failure yields an empty result
// so the traversal ends instead of re-requesting the page.
func (c *Controller) fetch(
	ctx context.Context,
	sc eutils.SearchContext,
	mode record.Source,
	offset, window int,
	log *zap.Logger,
) (extract.Result, progress.Outcome) {
	ctx, span := c.tracer.Start(ctx, "harvest.page", trace.WithAttributes(
		attribute.Int("harvest.offset", offset),
		attribute.Int("harvest.window", window),
	))
	defer span.End()

	var (
		result extract.Result
		err    error
	)
	switch mode {
	case record.SourceFullText:
		var page eutils.DocumentPage
		page, err = c.archive.FetchDocuments(ctx, sc, offset, window)
		if err == nil {
			result, err = c.extractor.DocumentPage(context.WithoutCancel(ctx), page.Body)
		}
	default:
		var page eutils.SummaryPage
		page, err = c.archive.FetchSummaries(ctx, sc, offset, window)
		if err == nil {
			result = c.extractor.SummaryPage(page)
		}
	}
	if err != nil {
		span.RecordError(err)
		outcome := progress.OutcomeFailed
		var malformed *eutils.MalformedResponseError
		if errors.As(err, &malformed) || errors.Is(err, extract.ErrMalformedDocument) {
			outcome = progress.OutcomeMalformed
		}
		log.Warn("Page fetch failed; treating as empty",
			zap.Int("offset", offset),
			zap.Int("window", window),
			zap.Error(err),
		)
		return extract.Result{}, outcome
	}
	if result.Documents == 0 {
		return result, progress.OutcomeEmpty
	}
	return result, progress.OutcomeOK
}

func (c *Controller) store(ctx context.Context, job Job, mode record.Source, records []record.Record) (int, error) {
	harvestedAt := c.now().UTC()
	for i, rec := range records {
		rec.Source = mode
		rec.Query = job.Query
		rec.HarvestedAt = harvestedAt
		if err := c.sink.Upsert(ctx, rec); err != nil {
			return i, fmt.Errorf("upsert record %s: %w", rec.ID, err)
		}
	}
	return len(records), nil
}

func (c *Controller) emitPage(job Job, mode record.Source, offset, window int, outcome progress.Outcome, records int, start time.Time) {
	dur := c.now().Sub(start)
	if dur < 0 {
		dur = 0
	}
	c.emit(progress.Event{
		RunID:   progress.UUIDToBytes(job.RunID),
		Stage:   progress.StagePageDone,
		Query:   job.Query,
		Mode:    string(mode),
		Offset:  offset,
		Window:  window,
		Outcome: outcome,
		Records: int64(records),
		Dur:     dur,
	})
}

func (c *Controller) emit(evt progress.Event) {
	if c.emitter == nil {
		return
	}
	if evt.TS.IsZero() {
		evt.TS = c.now().UTC()
	}
	c.emitter.Emit(evt)
}
