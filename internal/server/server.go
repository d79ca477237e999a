// Package server assembles the renderfetch HTTP service from configuration.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/renderfetch/internal/api"
	"github.com/JakeFAU/renderfetch/internal/app"
	"github.com/JakeFAU/renderfetch/internal/batch"
	"github.com/JakeFAU/renderfetch/internal/clock/system"
	"github.com/JakeFAU/renderfetch/internal/config"
	"github.com/JakeFAU/renderfetch/internal/dispatcher"
	"github.com/JakeFAU/renderfetch/internal/hash/sha256"
	"github.com/JakeFAU/renderfetch/internal/id/uuid"
	"github.com/JakeFAU/renderfetch/internal/progress"
	progresssinks "github.com/JakeFAU/renderfetch/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/renderfetch/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/renderfetch/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/renderfetch/internal/queue/memory"
	gcsstorage "github.com/JakeFAU/renderfetch/internal/storage/gcs"
	localstorage "github.com/JakeFAU/renderfetch/internal/storage/local"
	memoryStorage "github.com/JakeFAU/renderfetch/internal/storage/memory"
	pgstore "github.com/JakeFAU/renderfetch/internal/storage/postgres"
	"github.com/JakeFAU/renderfetch/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// App contains the service's long-lived dependencies.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	engine       *app.Engine
	apiServer    *api.Server
	dispatch     *dispatcher.Dispatcher
	progressHub  *progress.Hub
	tracker      *progresssinks.Tracker
	queue        *queueMemory.Queue
	batches      *memoryStorage.BatchStore
	blobs        batch.BlobStore
	publisher    batch.Publisher
	pubsubClient *pubsub.Client
	gcpPublisher *gcppublisher.Publisher
	storage      *storage.Client
	resultStore  *pgstore.ResultStore
	ready        map[string]api.ReadinessCheck
}

// Build creates the service's dependencies. Options are forwarded to the
// fetch engine.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...app.Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:     cfg,
		logger:  logger,
		batches: memoryStorage.NewBatchStore(),
		ready:   map[string]api.ReadinessCheck{},
	}
	logger.Info("building service",
		zap.Int("port", cfg.Server.Port),
		zap.Int("workers", cfg.Server.Workers),
		zap.String("storage", cfg.Storage.Backend),
	)

	var err error
	a.engine, err = app.NewEngine(cfg, logger.Named("engine"), opts...)
	if err != nil {
		return nil, fmt.Errorf("engine init failed: %w", err)
	}
	if err = setupStorage(ctx, a); err != nil {
		a.closeInfrastructure(ctx)
		return nil, err
	}
	if err = setupDatabase(ctx, a); err != nil {
		a.closeInfrastructure(ctx)
		return nil, err
	}
	if err = setupPublisher(ctx, a); err != nil {
		a.closeInfrastructure(ctx)
		return nil, err
	}
	setupProgress(ctx, a)

	a.queue = queueMemory.NewQueue(cfg.Server.QueueDepth)
	a.dispatch = setupDispatcher(a)

	deps := api.Deps{
		Store:      a.batches,
		Dispatcher: a.dispatch,
		IDs:        uuid.New(),
		Clock:      system.New(),
		Fetch:      a.engine.Fetch,
		Ready:      a.ready,
	}
	if a.tracker != nil {
		deps.Progress = a.tracker
	}
	a.apiServer = api.NewServer(deps, cfg, logger.Named("api"))
	return a, nil
}

// Handler exposes the HTTP routes.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the dispatcher and the HTTP server and blocks until ctx is
// canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Server.Workers))
		a.dispatch.Run(ctx)
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
	select {
	case <-dispatched:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers still running at shutdown", zap.Int("running", a.dispatch.Running()))
	}
	if err := a.Close(shutdownCtx); err != nil {
		return err
	}

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close releases the queue and every external client.
func (a *App) Close(ctx context.Context) error {
	if a.queue != nil {
		a.queue.Close()
	}
	a.closeInfrastructure(ctx)
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.gcpPublisher != nil {
		a.gcpPublisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.resultStore != nil {
		a.resultStore.Close()
	}
}

func setupStorage(ctx context.Context, a *App) error {
	var err error
	switch a.cfg.Storage.Backend {
	case config.StorageGCS:
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCSBucket))
		a.storage, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.blobs, err = gcsstorage.New(a.storage, gcsstorage.Config{
			Bucket:   a.cfg.Storage.GCSBucket,
			Metadata: map[string]string{"producer": "renderfetch"},
		})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
	case config.StorageLocal:
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.LocalDir))
		a.blobs, err = localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
	default:
		a.logger.Info("using in-memory storage backend")
		a.blobs = memoryStorage.NewBlobStore()
	}
	return nil
}

func setupDatabase(ctx context.Context, a *App) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no database DSN configured, per-URL rows are not persisted")
		return nil
	}
	store, err := pgstore.NewResultStore(ctx, pgstore.Config{
		DSN:      a.cfg.DB.DSN,
		Table:    a.cfg.DB.Table,
		MaxConns: a.cfg.DB.MaxConns,
	})
	if err != nil {
		return fmt.Errorf("result store init failed: %w", err)
	}
	a.resultStore = store
	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("result store schema: %w", err)
	}
	a.ready["postgres"] = store.Ping
	a.logger.Info("result store initialized", zap.String("table", a.cfg.DB.Table))
	return nil
}

func setupPublisher(ctx context.Context, a *App) error {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		a.publisher = memorypublisher.New()
		return nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.gcpPublisher, err = gcppublisher.New(a.pubsubClient, a.cfg.PubSub.TopicName)
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.publisher = a.gcpPublisher
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return nil
}

func setupProgress(ctx context.Context, a *App) {
	if !a.cfg.Progress.Enabled {
		a.logger.Info("progress tracking disabled")
		return
	}
	a.tracker = progresssinks.NewTracker(a.cfg.Progress.Retain)
	sinkList := []progress.Sink{a.tracker}

	promSink, err := progresssinks.NewPrometheusSink(nil)
	if err != nil {
		a.logger.Warn("prometheus progress sink unavailable", zap.Error(err))
	} else {
		sinkList = append(sinkList, promSink)
	}
	if a.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}

	hubCfg := a.cfg.HubConfig()
	hubCfg.BaseContext = ctx
	hubCfg.Logger = a.logger.Named("progress_hub")
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
}

func setupDispatcher(a *App) *dispatcher.Dispatcher {
	cancels := worker.NewCancels()
	deps := worker.Deps{
		Queue:     a.queue,
		Store:     a.batches,
		Blobs:     a.blobs,
		Publisher: a.publisher,
		Hasher:    sha256.New(),
		Clock:     system.New(),
		IDs:       uuid.New(),
		Build:     a.engine.Scheduler,
		Cancels:   cancels,
	}
	if a.resultStore != nil {
		deps.Results = a.resultStore
	}
	if a.progressHub != nil {
		deps.Emitter = a.progressHub
	}
	workerCfg := worker.Config{
		ContentType: a.cfg.Storage.ContentType,
		BlobPrefix:  a.cfg.Storage.Prefix,
		Topic:       a.cfg.PubSub.TopicName,
	}
	a.logger.Info("worker config",
		zap.String("content_type", workerCfg.ContentType),
		zap.String("blob_prefix", workerCfg.BlobPrefix),
		zap.String("topic", workerCfg.Topic),
	)

	count := max(a.cfg.Server.Workers, 1)
	workers := make([]*worker.Worker, 0, count)
	for i := range count {
		workers = append(workers, worker.New(deps, workerCfg, a.logger.Named("worker").With(zap.Int("worker", i))))
	}
	return dispatcher.New(a.queue, workers, cancels)
}
