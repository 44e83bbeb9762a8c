// Package server builds the long-lived harvester services from configuration
// and runs them as a one-shot harvest, an HTTP service, or a download pass.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	gcsclient "cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/pmc-harvester/internal/api"
	"github.com/JakeFAU/pmc-harvester/internal/config"
	"github.com/JakeFAU/pmc-harvester/internal/dispatcher"
	"github.com/JakeFAU/pmc-harvester/internal/download"
	"github.com/JakeFAU/pmc-harvester/internal/eutils"
	"github.com/JakeFAU/pmc-harvester/internal/extract"
	"github.com/JakeFAU/pmc-harvester/internal/harvest"
	"github.com/JakeFAU/pmc-harvester/internal/id"
	"github.com/JakeFAU/pmc-harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/pmc-harvester/internal/progress"
	progresssinks "github.com/JakeFAU/pmc-harvester/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/pmc-harvester/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/pmc-harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/pmc-harvester/internal/queue"
	queueMemory "github.com/JakeFAU/pmc-harvester/internal/queue/memory"
	"github.com/JakeFAU/pmc-harvester/internal/record"
	"github.com/JakeFAU/pmc-harvester/internal/robots"
	"github.com/JakeFAU/pmc-harvester/internal/storage"
	"github.com/JakeFAU/pmc-harvester/internal/storage/csvexport"
	gcsstorage "github.com/JakeFAU/pmc-harvester/internal/storage/gcs"
	localstorage "github.com/JakeFAU/pmc-harvester/internal/storage/local"
	memoryStorage "github.com/JakeFAU/pmc-harvester/internal/storage/memory"
	pgstore "github.com/JakeFAU/pmc-harvester/internal/storage/postgres"
	"github.com/JakeFAU/pmc-harvester/internal/store"
	"github.com/JakeFAU/pmc-harvester/internal/telemetry"
	"github.com/JakeFAU/pmc-harvester/internal/worker"
)

const (
	memoryTopic         = "harvester-records"
	memoryPublisherKeep = 1000
	downloadRPS         = 1.0
	shutdownTimeout     = 10 * time.Second
)

// Options carries dependencies that are not part of the configuration file.
type Options struct {
	// Registerer receives the progress collectors. Defaults to the global
	// Prometheus registerer.
	Registerer prometheus.Registerer
	// HTTPClient overrides the client used for E-utilities requests.
	HTTPClient *http.Client
	// Version is reported on traces.
	Version string
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	archive    *eutils.Client
	controller *harvest.Controller
	sink       *storage.Fanout
	runs       store.RunRepository
	hub        *progress.Hub
	queue      *queueMemory.Queue
	dispatch   *dispatcher.Dispatcher
	apiServer  *api.Server

	pool           *pgxpool.Pool
	pubsub         *gcppublisher.Publisher
	memPublisher   *memorypublisher.Publisher
	gcs            *gcsclient.Client
	tracerShutdown func(context.Context) error

	mu     sync.Mutex
	closed bool
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Int("concurrency", cfg.Harvest.Concurrency),
	)

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     opts.Version,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	steps := []func() error{
		func() error { return app.setupDatabase(ctx) },
		func() error { return app.setupSink(ctx) },
		func() error { return app.setupProgress(opts.Registerer) },
		func() error { return app.setupHarvest(opts.HTTPClient) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			app.closeInfrastructure(context.WithoutCancel(ctx))
			return nil, err
		}
	}
	app.setupDispatcher()

	apiOpts := []api.Option{}
	if app.pool != nil {
		apiOpts = append(apiOpts, api.WithReadinessCheck("postgres", app.pool.Ping))
	}
	app.apiServer = api.NewServer(app.runs, app.dispatch, api.Config{
		Database:   cfg.EUtils.Database,
		Modes:      app.defaultModes(),
		MaxQueries: cfg.Server.MaxQueries,
		APIKey:     cfg.Server.APIKey,
	}, logger.Named("api"), apiOpts...)

	return app, nil
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Runs exposes the run repository.
func (a *App) Runs() store.RunRepository {
	return a.runs
}

// Messages returns notifications captured by the in-memory publisher, or
// nil when notifications go to Pub/Sub.
func (a *App) Messages() []memorypublisher.Message {
	if a.memPublisher == nil {
		return nil
	}
	return a.memPublisher.Messages(memoryTopic)
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.Storage.Backend != "postgres" {
		a.logger.Info("using in-memory record and run stores")
		a.runs = memoryStorage.NewRunStore()
		return nil
	}
	pool, err := pgstore.NewPool(ctx, pgstore.PoolConfig{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.ConnLifetime(),
	})
	if err != nil {
		return fmt.Errorf("postgres pool init failed: %w", err)
	}
	a.pool = pool
	if a.cfg.DB.AutoMigrate {
		if err := pgstore.Migrate(pool, a.logger.Named("migrate")); err != nil {
			return fmt.Errorf("postgres migrate failed: %w", err)
		}
	}
	runs, err := pgstore.NewRunStore(pool)
	if err != nil {
		return fmt.Errorf("run store init failed: %w", err)
	}
	a.runs = runs
	a.logger.Info("postgres stores initialized", zap.String("table", pgstore.RecordsTable))
	return nil
}

func (a *App) setupSink(ctx context.Context) error {
	var primary storage.RecordSink
	if a.pool != nil {
		rs, err := pgstore.NewRecordStore(a.pool, pgstore.RecordsTable)
		if err != nil {
			return fmt.Errorf("record store init failed: %w", err)
		}
		primary = rs
	} else {
		primary = memoryStorage.NewRecordSink()
	}

	opts := []storage.FanoutOption{storage.WithFanoutLogger(a.logger.Named("fanout"))}
	if dir := a.cfg.Export.CSVDir; dir != "" {
		csvWriter, err := csvexport.Open(dir)
		if err != nil {
			return fmt.Errorf("csv export init failed: %w", err)
		}
		opts = append(opts, storage.WithSecondary(csvWriter))
		a.logger.Info("csv export enabled", zap.String("dir", dir))
	}

	if a.cfg.PubSub.TopicName != "" && a.cfg.PubSub.ProjectID != "" {
		pub, err := gcppublisher.Dial(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
		if err != nil {
			return fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.pubsub = pub
		opts = append(opts, storage.WithPublisher(pub, a.cfg.PubSub.TopicName))
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.TopicName),
		)
	} else {
		a.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		a.memPublisher = memorypublisher.NewBounded(memoryPublisherKeep)
		opts = append(opts, storage.WithPublisher(a.memPublisher, memoryTopic))
	}

	sink, err := storage.NewFanout(primary, opts...)
	if err != nil {
		return fmt.Errorf("record sink init failed: %w", err)
	}
	a.sink = sink
	return nil
}

func (a *App) setupProgress(reg prometheus.Registerer) error {
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	a.hub = progress.NewHub(progress.Config{Logger: a.logger.Named("progress_hub")},
		progresssinks.NewStoreSink(a.runs, a.logger.Named("progress_store")),
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
	)
	return nil
}

func (a *App) setupHarvest(client *http.Client) error {
	archive, err := eutils.New(eutils.Config{
		BaseURL:    a.cfg.EUtils.BaseURL,
		ToolName:   a.cfg.EUtils.ToolName,
		Email:      a.cfg.EUtils.Email,
		APIKey:     a.cfg.EUtils.APIKey,
		Timeout:    a.cfg.EUtilsTimeout(),
		RateLimit:  a.cfg.EUtils.RateLimit,
		Burst:      a.cfg.EUtils.Burst,
		HTTPClient: client,
	}, a.logger.Named("eutils"))
	if err != nil {
		return fmt.Errorf("eutils client init failed: %w", err)
	}
	a.archive = archive

	controller, err := harvest.NewController(harvest.Config{
		Ceiling:          a.cfg.Harvest.Ceiling,
		SummaryChunkSize: a.cfg.Harvest.SummaryChunkSize,
		FetchChunkSize:   a.cfg.Harvest.FetchChunkSize,
	}, archive, extract.New(a.cfg.Harvest.ExtractWorkers, a.logger.Named("extract")), a.sink,
		harvest.WithEmitter(a.hub),
		harvest.WithLogger(a.logger.Named("harvest")),
	)
	if err != nil {
		return fmt.Errorf("harvest controller init failed: %w", err)
	}
	a.controller = controller
	return nil
}

func (a *App) setupDispatcher() {
	a.queue = queueMemory.NewQueue(a.cfg.Harvest.QueueDepth)
	a.dispatch = dispatcher.New(a.queue, a.controller, dispatcher.Config{
		Workers: a.cfg.Harvest.Concurrency,
		Worker: worker.Config{
			Database: a.cfg.EUtils.Database,
			Modes:    a.defaultModes(),
		},
	}, a.logger)
}

func (a *App) defaultModes() []record.Source {
	modes, err := record.ParseSources(a.cfg.Harvest.Modes)
	if err != nil || len(modes) == 0 {
		return []record.Source{record.SourceSummary, record.SourceFullText}
	}
	return modes
}

// Harvest runs every query once through the worker pool and returns after
// the queue drains. Failed runs are joined into the returned error.
func (a *App) Harvest(ctx context.Context, queries []string, modes []record.Source) error {
	if len(queries) == 0 {
		return errors.New("no queries to harvest")
	}
	if len(modes) == 0 {
		modes = a.defaultModes()
	}
	done := make(chan struct{})
	go func() {
		a.dispatch.Run(ctx)
		close(done)
	}()

	names := make([]string, 0, len(modes))
	for _, m := range modes {
		names = append(names, string(m))
	}
	var enqueueErr error
	for _, q := range queries {
		now := time.Now().UTC()
		runID, err := id.NewRunID()
		if err != nil {
			enqueueErr = err
			break
		}
		if err := a.runs.CreateRun(ctx, store.Run{ID: runID, Query: q, Modes: names, Status: store.RunQueued, StartedAt: now}); err != nil {
			enqueueErr = fmt.Errorf("create run for %q: %w", q, err)
			break
		}
		item := queue.Item{RunID: runID, Query: q, Database: a.cfg.EUtils.Database, Modes: modes, Submitted: now}
		if err := a.dispatch.Enqueue(ctx, item); err != nil {
			enqueueErr = err
			break
		}
	}
	a.queue.Close()
	<-done

	return errors.Join(enqueueErr, a.dispatch.Err())
}

// Serve runs the HTTP API and the worker pool until ctx is canceled.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	done := make(chan struct{})
	go func() {
		a.logger.Info("dispatcher started", zap.Int("workers", a.dispatch.Size()))
		a.dispatch.Run(ctx)
		close(done)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.queue.Close()
	<-done

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// FetchDocs downloads the exports linked from each landing page, subject to
// robots.txt. Results are returned in input order.
func (a *App) FetchDocs(ctx context.Context, landings []string) ([]download.Result, error) {
	blobs, err := a.blobStore(ctx)
	if err != nil {
		return nil, err
	}
	cache := robots.NewCache(robots.CacheConfig{
		UserAgent: a.cfg.Robots.UserAgent,
		Timeout:   a.cfg.RobotsTimeout(),
		MaxBytes:  a.cfg.Robots.MaxBytes,
	}, a.logger.Named("robots"))
	resolver := robots.NewResolver(robots.ResolverConfig{Timeout: a.cfg.RobotsTimeout()}, cache, a.logger.Named("resolver"))
	dl, err := download.New(download.Config{
		UserAgent: a.cfg.Robots.UserAgent,
		Timeout:   a.cfg.RobotsTimeout(),
	}, resolver, blobs, ratelimit.New(ratelimit.Config{DefaultRPS: downloadRPS, DefaultBurst: 1}), a.logger.Named("download"))
	if err != nil {
		return nil, fmt.Errorf("downloader init failed: %w", err)
	}

	results := make([]download.Result, 0, len(landings))
	var errs []error
	for _, landing := range landings {
		res, err := dl.Article(ctx, landing)
		results = append(results, res)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", landing, err))
			if ctx.Err() != nil {
				break
			}
		}
	}
	return results, errors.Join(errs...)
}

func (a *App) blobStore(ctx context.Context) (storage.BlobStore, error) {
	switch a.cfg.Storage.BlobBackend {
	case "gcs":
		if a.gcs == nil {
			client, err := gcsclient.NewClient(ctx)
			if err != nil {
				return nil, fmt.Errorf("gcs client init failed: %w", err)
			}
			a.gcs = client
		}
		bs, err := gcsstorage.New(a.gcs, gcsstorage.Config{
			Bucket: a.cfg.Storage.GCSBucket,
			Prefix: a.cfg.Storage.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Debug("GCS blob backend", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return bs, nil
	case "local":
		bs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Debug("local blob backend", zap.String("path", a.cfg.Storage.BaseDir))
		return bs, nil
	default:
		a.logger.Info("using in-memory blob backend")
		return memoryStorage.NewBlobStore(), nil
	}
}

// Close gracefully shuts down the application. It is safe to call twice.
func (a *App) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	if a.queue != nil {
		a.queue.Close()
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.sink != nil {
		if err := a.sink.Close(); err != nil {
			a.logger.Warn("record sink close failed", zap.Error(err))
		}
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}
