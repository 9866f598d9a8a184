// Package app wires configuration into the running components shared by the
// records commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/joseph-ayodele/health-records/internal/async"
	"github.com/joseph-ayodele/health-records/internal/auth"
	"github.com/joseph-ayodele/health-records/internal/common"
	"github.com/joseph-ayodele/health-records/internal/entity"
	"github.com/joseph-ayodele/health-records/internal/events"
	"github.com/joseph-ayodele/health-records/internal/export"
	"github.com/joseph-ayodele/health-records/internal/extract"
	"github.com/joseph-ayodele/health-records/internal/ingest"
	"github.com/joseph-ayodele/health-records/internal/llm/openai"
	"github.com/joseph-ayodele/health-records/internal/nlp"
	"github.com/joseph-ayodele/health-records/internal/notify"
	"github.com/joseph-ayodele/health-records/internal/ocr"
	"github.com/joseph-ayodele/health-records/internal/pipeline"
	"github.com/joseph-ayodele/health-records/internal/queue"
	"github.com/joseph-ayodele/health-records/internal/repository"
	"github.com/joseph-ayodele/health-records/internal/server"
	"github.com/joseph-ayodele/health-records/internal/storage"
)

// App holds the process-wide components. Build it once with New and Close it
// on exit.
type App struct {
	Config  *common.Config
	Logger  *slog.Logger
	DB      *repository.DB
	Changes *events.ChangeBus
	Notes   *events.Bus[notify.Notification]
	Entries repository.QueueEntryRepository
	Docs    repository.DocumentRepository
	Queue   *queue.Service
	Store   storage.Store
	Ingest  *ingest.Service
	Export  *export.Service
	Auth    *auth.Service

	// origin tags NOTIFY payloads so a process ignores its own writes.
	origin string
	amqp   *async.AMQP
}

// New opens the database and builds the store, queue and services. It does
// not start any goroutines.
func New(ctx context.Context, cfg *common.Config, logger *slog.Logger) (*App, error) {
	db, err := repository.Open(ctx, repository.Config{
		Driver:           cfg.Database.Driver,
		DSN:              cfg.Database.DSN,
		MaxConns:         cfg.Database.MaxConns,
		MinConns:         cfg.Database.MinConns,
		MaxConnLifetime:  cfg.Database.MaxConnLifetime,
		MaxConnIdleTime:  cfg.Database.MaxConnIdleTime,
		DialTimeout:      cfg.Database.DialTimeout,
		StatementTimeout: cfg.Database.StatementTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}
	if err := repository.HealthCheck(ctx, db, 5*time.Second, logger); err != nil {
		repository.Close(db, logger)
		return nil, err
	}
	if cfg.Database.AutoMigrate {
		if err := repository.Migrate(ctx, db, logger); err != nil {
			repository.Close(db, logger)
			return nil, err
		}
	}

	a := &App{
		Config:  cfg,
		Logger:  logger,
		DB:      db,
		Changes: events.NewBus[entity.Change](256, logger),
		Notes:   events.NewBus[notify.Notification](64, logger),
		origin:  uuid.NewString(),
	}

	publisher := repository.MultiPublisher{a.Changes}
	if db.Pool != nil {
		publisher = append(publisher, repository.NewPGNotifier(db.Pool, a.origin, logger))
	}
	a.Entries = repository.NewQueueEntryRepository(db, publisher, logger)
	a.Docs = repository.NewDocumentRepository(db, logger)
	a.Queue = queue.NewService(a.Entries, a.Docs, logger,
		queue.WithNotifier(notify.Multi{notify.LogSink{Log: logger}, notify.BusSink{Bus: a.Notes}}),
		queue.WithDefaultMaxAttempts(cfg.Queue.DefaultMaxAttempts),
		queue.WithHighPriorityThreshold(cfg.Queue.HighPriorityThreshold),
	)

	if a.Store, err = storage.New(ctx, cfg.Storage, logger); err != nil {
		a.Close()
		return nil, err
	}
	a.Ingest = ingest.NewService(a.Docs, a.Store, a.Queue, logger)
	a.Export = export.NewService(a.Entries, a.Docs, logger)
	a.Auth = auth.NewService(cfg.Auth)
	return a, nil
}

// Close releases the broker connection, buses and database.
func (a *App) Close() {
	if a.amqp != nil {
		if err := a.amqp.Close(); err != nil {
			a.Logger.Warn("app.amqp.close_failed", "err", err)
		}
	}
	a.Changes.Close()
	a.Notes.Close()
	repository.Close(a.DB, a.Logger)
}

// Providers builds the stage providers from the app's configuration.
func (a *App) Providers() (pipeline.Providers, error) {
	return BuildProviders(a.Config, a.Logger)
}

// BuildProviders needs no database, so diagnostics can run a single stage.
func BuildProviders(cfg *common.Config, logger *slog.Logger) (pipeline.Providers, error) {
	extractor := ocr.NewExtractor(ocr.Config{
		HeicConverter: cfg.OCR.HeicConverter,
		TessdataDir:   cfg.OCR.TessdataDir,
		TesseractLang: cfg.OCR.Language,
	}, logger)

	enhancer, err := openai.NewClient(openai.Config{
		APIKey:            cfg.LLM.APIKey,
		BaseURL:           cfg.LLM.BaseURL,
		Model:             cfg.LLM.Model,
		Temperature:       cfg.LLM.Temperature,
		Timeout:           cfg.LLM.Timeout,
		RequestsPerSecond: cfg.LLM.RequestsPerS,
		LenientOptional:   cfg.LLM.Lenient,
	}, logger)
	if err != nil {
		return pipeline.Providers{}, fmt.Errorf("llm client: %w", err)
	}

	// an unconfigured NLP client probes as unavailable, so the optional
	// stages are skipped and results are marked degraded
	nc := nlp.NewClient(nlp.Config{
		BaseURL:  cfg.NLP.BaseURL,
		APIKey:   cfg.NLP.APIKey,
		Timeout:  cfg.NLP.Timeout,
		MinScore: cfg.NLP.MinScore,
	}, logger)
	if !nc.Configured() {
		logger.Warn("app.nlp.disabled", "reason", "NLP_BASE_URL not set")
	}
	pr := pipeline.Providers{
		Text:        extract.NewOCRAdapter(extractor, logger),
		Entities:    nc,
		Terminology: nc,
		Enhancer:    enhancer,
	}
	return pr, nil
}

// NewProcessor builds the pipeline over the configured providers.
func (a *App) NewProcessor(stages ...pipeline.Stage) (*pipeline.Processor, error) {
	if len(stages) == 0 {
		pr, err := a.Providers()
		if err != nil {
			return nil, err
		}
		stages = pipeline.DefaultStages(pr)
	}
	return pipeline.NewProcessor(a.Queue, a.Docs, a.Store, stages, a.Logger), nil
}

// StartLocalWorkers runs the pipeline in-process: a worker pool becomes the
// queue's dispatcher and a scheduler sweeps claimable entries. The returned
// func stops both.
func (a *App) StartLocalWorkers(ctx context.Context, proc *pipeline.Processor) func(context.Context) {
	q := a.Config.Queue
	pool := async.NewProcessorQueue(proc, a.Logger,
		async.WithWorkers(q.Workers),
		async.WithQueueSize(q.QueueSize),
		async.WithProcessTimeout(q.ProcessTimeout),
	)
	a.Queue.SetDispatcher(pool)

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		async.NewScheduler(a.Queue, pool, q.SweepInterval, a.Logger).Run(ctx)
	}()
	a.Logger.Info("app.workers.started", "workers", q.Workers, "queue_size", q.QueueSize)

	return func(shutdownCtx context.Context) {
		cancel()
		<-done
		pool.Shutdown(shutdownCtx)
	}
}

// Broker dials AMQP once and makes it the queue's dispatcher.
func (a *App) Broker() (*async.AMQP, error) {
	if a.amqp != nil {
		return a.amqp, nil
	}
	b := a.Config.Broker
	conn, err := async.DialAMQP(b.URL, b.Queue, b.Prefetch, a.Logger)
	if err != nil {
		return nil, err
	}
	a.amqp = conn
	a.Queue.SetDispatcher(conn)
	return conn, nil
}

// RunWorker processes entries until ctx is done, from the broker when the
// dispatcher is "amqp", otherwise from the in-process pool.
func (a *App) RunWorker(ctx context.Context) error {
	proc, err := a.NewProcessor()
	if err != nil {
		return err
	}
	plan := proc.Probe(ctx)
	a.Logger.Info("worker.providers", "degraded", plan.Degraded(), "unavailable", plan.Unavailable)

	if a.Config.Queue.Dispatcher == "amqp" {
		broker, err := a.Broker()
		if err != nil {
			return err
		}
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return broker.Consume(gctx, proc) })
		g.Go(func() error {
			async.NewScheduler(a.Queue, broker, a.Config.Queue.SweepInterval, a.Logger).Run(gctx)
			return nil
		})
		return g.Wait()
	}

	stop := a.StartLocalWorkers(ctx, proc)
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer cancel()
	stop(shutdownCtx)
	return nil
}

// Serve runs the gRPC and HTTP APIs. With the local dispatcher it also runs
// the pipeline in-process; with AMQP it only publishes jobs.
func (a *App) Serve(ctx context.Context) error {
	cfg := a.Config
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Queue.Dispatcher == "amqp" {
		if _, err := a.Broker(); err != nil {
			return err
		}
	} else {
		proc, err := a.NewProcessor()
		if err != nil {
			return err
		}
		stop := a.StartLocalWorkers(gctx, proc)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			stop(shutdownCtx)
		}()
	}

	if a.DB.Pool != nil {
		listener := repository.NewListener(a.DB.Pool, repository.NewQueueEntryRepository(a.DB, nil, a.Logger), a.Changes, a.origin, a.Logger)
		g.Go(func() error { return listener.Run(gctx) })
	}

	if cfg.Server.GRPCAddr != "" {
		g.Go(func() error { return a.serveGRPC(gctx) })
	}
	if cfg.Server.HTTPAddr != "" {
		g.Go(func() error { return a.serveHTTP(gctx) })
	}
	return g.Wait()
}

func (a *App) serveGRPC(ctx context.Context) error {
	addr := a.Config.Server.GRPCAddr
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		a.Logger.Error("failed to listen on address", "addr", addr, "error", err)
		return err
	}

	srv := grpc.NewServer(grpc.UnaryInterceptor(a.Auth.UnaryInterceptor(
		"/grpc.health.v1.Health/Check",
		"/grpc.health.v1.Health/List",
	)))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	reflection.Register(srv)
	server.RegisterQueueServiceServer(srv, server.NewQueueServer(a.Queue, a.Logger))

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(lis) }()
	a.Logger.Info("grpc.listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		hs.Shutdown()
		stopped := make(chan struct{})
		go func() {
			srv.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(a.Config.Server.ShutdownTimeout):
			srv.Stop()
		}
		return nil
	}
}

func (a *App) serveHTTP(ctx context.Context) error {
	addr := a.Config.Server.HTTPAddr
	router := server.NewRouter(server.HTTPDeps{
		Queue:   a.Queue,
		Ingest:  a.Ingest,
		Export:  a.Export,
		Changes: a.Changes,
		Notes:   a.Notes,
		Auth:    a.Auth,
		Health: func(ctx context.Context) error {
			return repository.HealthCheck(ctx, a.DB, 2*time.Second, a.Logger)
		},
	}, a.Logger)
	srv := &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	a.Logger.Info("http.listening", "addr", addr)

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
