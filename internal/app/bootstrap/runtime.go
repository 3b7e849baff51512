package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"gorm.io/gorm"

	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/adapters/cache"
	eventadapter "github.com/iversonwuwei/go-nomads-backend-sub005/internal/adapters/events"
	grpcadapter "github.com/iversonwuwei/go-nomads-backend-sub005/internal/adapters/grpc"
	httpadapter "github.com/iversonwuwei/go-nomads-backend-sub005/internal/adapters/http"
	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/adapters/memory"
	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/adapters/metrics"
	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/adapters/postgres"
	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/adapters/search"
	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/adapters/security"
	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/adapters/source"
	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/application"
	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/application/workers"
	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/domain"
	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/emitter"
	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/ports"
)

const (
	sourceTokenAudience = "internal-read"
	adminTokenAudience  = "reconciliation-admin"
)

type runner interface {
	Run(ctx context.Context) error
}

type Runtime struct {
	cfg        Config
	logger     *slog.Logger
	service    *application.Service
	httpServer *http.Server
	grpcServer *grpc.Server
	grpcLis    net.Listener
	workers    []runner
	cancelJobs context.CancelFunc
	cleanupFn  func()
}

func newLogger(cfg Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})).With("service", cfg.ServiceID)
	slog.SetDefault(logger)
	return logger
}

// cleanup closes resources in reverse order of acquisition.
type cleanup []func()

func (c *cleanup) add(fn func()) { *c = append(*c, fn) }

func (c cleanup) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

// NewRuntime wires the sync worker: subscriptions, the startup reconciler,
// the drift verifier and the probe/admin servers. Backing stores that are not
// configured fall back to in-process implementations.
func NewRuntime(ctx context.Context, configPath string) (rt *Runtime, err error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg)
	clk := clock.WallClock

	var closers cleanup
	defer func() {
		if err != nil {
			closers.run()
		}
	}()

	var db *gorm.DB
	var readiness []ports.HealthProbe
	if cfg.DatabaseURL != "" {
		if db, err = postgres.Connect(ctx, cfg.DatabaseURL, cfg.MaxDBConns); err != nil {
			return nil, err
		}
		sqlDB, dbErr := db.DB()
		if dbErr != nil {
			return nil, dbErr
		}
		closers.add(func() { _ = sqlDB.Close() })
		if err = postgres.RunMigrations(ctx, db); err != nil {
			return nil, err
		}
		readiness = append(readiness, postgres.NewProbe("postgres", db))
	} else {
		logger.WarnContext(ctx, "DB_URL not set, denormalized columns and sync state kept in memory")
	}

	var index *search.Index
	searchURL := cfg.SearchDatabaseURL
	if searchURL == "" {
		searchURL = cfg.DatabaseURL
	}
	if searchURL != "" {
		pool, poolErr := search.Connect(ctx, searchURL, cfg.MaxDBConns)
		if poolErr != nil {
			return nil, poolErr
		}
		closers.add(pool.Close)
		if err = search.EnsureSchema(ctx, pool); err != nil {
			return nil, err
		}
		index = search.NewIndex(pool)
		readiness = append(readiness, index)
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		if redisClient, err = cache.Connect(ctx, cfg.RedisURL); err != nil {
			return nil, err
		}
		closers.add(func() { _ = redisClient.Close() })
		readiness = append(readiness, cache.NewProbe(redisClient))
	}

	reps, err := buildRepresentations(cfg, db, index, clk)
	if err != nil {
		return nil, err
	}

	var signer *security.TokenSigner
	if cfg.SourceTokenSecret != "" {
		signer = security.NewTokenSigner(cfg.SourceTokenSecret, cfg.ServiceID, sourceTokenAudience, 5*time.Minute)
	}
	var sources []ports.SourceFetcher
	var probes []ports.HealthProbe
	for _, entity := range entityTypes(reps) {
		srcCfg := cfg.Sources[entity]
		fetcher, fetchErr := source.NewHTTPFetcher(source.HTTPFetcherConfig{
			EntityType: entity,
			BaseURL:    srcCfg.URL,
			Timeout:    cfg.SourceTimeout,
			Signer:     signer,
		})
		if fetchErr != nil {
			return nil, fmt.Errorf("source %s: %w", entity, fetchErr)
		}
		sources = append(sources, fetcher)
		if srcCfg.GRPCHealth == "" {
			probes = append(probes, fetcher)
			continue
		}
		probe, probeErr := grpcadapter.NewHealthProbe(fetcher.Name(), srcCfg.GRPCHealth, "")
		if probeErr != nil {
			return nil, probeErr
		}
		closers.add(func() { _ = probe.Close() })
		probes = append(probes, probe)
	}

	deps := application.Dependencies{
		Config: application.Config{
			ServiceName:          cfg.ServiceID,
			StartupSyncEnabled:   cfg.StartupSyncEnabled,
			ForceFullSync:        cfg.ForceFullSync,
			MinDocumentThreshold: cfg.MinDocumentThreshold,
			DependencyWait:       cfg.DependencyWait,
			DependencyMaxRetries: cfg.DependencyMaxRetries,
			ResyncConcurrency:    cfg.ResyncConcurrency,
			VerifyDeepScan:       cfg.VerifyDeepScan,
			PageSize:             cfg.PageSize,
			HintSkipEnabled:      cfg.HintSkipEnabled,
			EventDedupTTL:        cfg.EventDedupTTL,
		},
		Logger:          logger,
		Clock:           clk,
		Sources:         sources,
		Representations: reps,
		Probes:          probes,
	}
	if redisClient != nil {
		deps.Cursors = cache.NewRedisCursorStore(redisClient)
		deps.Locks = cache.NewRedisLock(redisClient)
		deps.Hints = cache.NewRedisHintCache(redisClient, cfg.HintTTL)
	} else {
		deps.Cursors = memory.NewCursorStore()
		deps.Locks = memory.NewLock()
		deps.Hints = memory.NewHintCache()
	}
	if db != nil {
		deps.EventDedup = postgres.NewEventDedupRepository(db)
		deps.DriftReports = postgres.NewDriftReportRepository(db)
	} else {
		deps.EventDedup = memory.NewEventDedupRepository()
		deps.DriftReports = memory.NewDriftReportRepository()
	}
	prom := metrics.NewPrometheus()
	deps.Metrics = prom

	service, err := application.NewService(deps)
	if err != nil {
		return nil, err
	}

	redelivery := eventadapter.Redelivery{
		MaxAttempts: cfg.SyncMaxRetries,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
	}.WithDefaults(cfg.ServiceID)
	var topics []string
	for _, entity := range service.EntityTypes() {
		topics = append(topics, emitter.Topics(entity)...)
	}

	var publisher ports.EventPublisher
	var mainConsumer, retryConsumer eventadapter.Consumer
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPublisher, pubErr := eventadapter.NewKafkaPublisher(cfg.KafkaBrokers)
		if pubErr != nil {
			return nil, pubErr
		}
		closers.add(func() { _ = kafkaPublisher.Close() })
		publisher = kafkaPublisher

		kafkaMain, conErr := eventadapter.NewKafkaConsumer(cfg.KafkaBrokers, cfg.KafkaConsumerGroup, topics)
		if conErr != nil {
			return nil, conErr
		}
		closers.add(func() { _ = kafkaMain.Close() })
		kafkaRetry, conErr := eventadapter.NewKafkaConsumer(cfg.KafkaBrokers, cfg.KafkaConsumerGroup, []string{redelivery.RetryTopic})
		if conErr != nil {
			return nil, conErr
		}
		closers.add(func() { _ = kafkaRetry.Close() })
		mainConsumer, retryConsumer = kafkaMain, kafkaRetry
	} else {
		logger.WarnContext(ctx, "KAFKA_BROKERS not set, using in-process bus")
		bus := eventadapter.NewMemoryBus()
		publisher = bus
		mainConsumer = bus.Subscribe(cfg.KafkaConsumerGroup, topics...)
		retryConsumer = bus.Subscribe(cfg.KafkaConsumerGroup, redelivery.RetryTopic)
	}

	jobs, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	handler := httpadapter.NewHandler(httpadapter.HandlerConfig{
		Logger:          logger,
		Reconciler:      service,
		ReadinessProbes: readiness,
		Metrics:         prom.Handler(),
		Jobs:            jobs,
		AdminSecret:     cfg.AdminTokenSecret,
		AdminAudience:   adminTokenAudience,
	})
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           httpadapter.NewRouter(handler, cfg.AdminTokenSecret, adminTokenAudience),
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcServer, _ := grpcadapter.NewHealthServer()
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
	if err != nil {
		cancelJobs()
		return nil, err
	}

	return &Runtime{
		cfg:        cfg,
		logger:     logger,
		service:    service,
		httpServer: httpServer,
		grpcServer: grpcServer,
		grpcLis:    lis,
		workers: []runner{
			eventadapter.NewConsumerWorker(logger, clk, mainConsumer, publisher, service, cfg.ServiceID, redelivery, cfg.ConsumerPollInterval),
			eventadapter.NewConsumerWorker(logger, clk, retryConsumer, publisher, service, cfg.ServiceID, redelivery, cfg.ConsumerPollInterval),
			workers.NewStartupWorker(logger, clk, service, cfg.ReconcileInitialDelay),
			workers.NewVerifierWorker(logger, clk, service, cfg.ReconcileInitialDelay, cfg.VerifyInterval),
		},
		cancelJobs: cancelJobs,
		cleanupFn:  closers.run,
	}, nil
}

func buildRepresentations(cfg Config, db *gorm.DB, index *search.Index, clk clock.Clock) ([]ports.Representation, error) {
	available := map[string]func() (ports.Representation, error){}
	for _, spec := range search.DocumentSpecs() {
		spec := spec
		available[spec.Name] = func() (ports.Representation, error) {
			if index == nil {
				return memory.NewRepresentation(spec.Name, spec.EntityType, spec.Tracked, ports.CoverageAll), nil
			}
			return search.NewRepresentation(index, spec, clk), nil
		}
	}
	for _, spec := range postgres.DenormalizedSpecs() {
		spec := spec
		available[spec.Name] = func() (ports.Representation, error) {
			if db == nil {
				tracked := make([]string, 0, len(spec.Columns))
				for field := range spec.Columns {
					tracked = append(tracked, field)
				}
				return memory.NewRepresentation(spec.Name, spec.EntityType, tracked, ports.CoverageReferenced), nil
			}
			return postgres.NewDenormalizedRepository(db, spec)
		}
	}

	reps := make([]ports.Representation, 0, len(cfg.Representations))
	for _, name := range cfg.Representations {
		build, ok := available[name]
		if !ok {
			known := make([]string, 0, len(available))
			for k := range available {
				known = append(known, k)
			}
			sort.Strings(known)
			return nil, fmt.Errorf("%w: %q (known: %s)", domain.ErrUnknownRepresentation, name, strings.Join(known, ", "))
		}
		rep, err := build()
		if err != nil {
			return nil, err
		}
		reps = append(reps, rep)
	}
	return reps, nil
}

func entityTypes(reps []ports.Representation) []domain.EntityType {
	var out []domain.EntityType
	seen := map[domain.EntityType]bool{}
	for _, rep := range reps {
		if !seen[rep.EntityType()] {
			seen[rep.EntityType()] = true
			out = append(out, rep.EntityType())
		}
	}
	return out
}

// RunWorker serves probes and runs every worker until a signal arrives or one
// of them fails.
func (r *Runtime) RunWorker(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer r.cleanupFn()

	r.logger.InfoContext(ctx, "sync worker starting",
		"module", "bootstrap",
		"representations", r.service.Representations(),
		"http_port", r.cfg.HTTPPort,
		"grpc_port", r.cfg.GRPCPort,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return r.grpcServer.Serve(r.grpcLis)
	})
	for _, w := range r.workers {
		w := w
		g.Go(func() error {
			if err := w.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		r.cancelJobs()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = r.httpServer.Shutdown(shutdownCtx)
		r.grpcServer.GracefulStop()
		return nil
	})

	err := g.Wait()
	if err != nil {
		r.logger.ErrorContext(ctx, "runtime failure", "module", "bootstrap", "error", err)
	}
	return err
}

// Relay publishes an owner service's outbox to the bus.
type Relay struct {
	logger    *slog.Logger
	worker    *eventadapter.OutboxWorker
	cleanupFn func()
}

func NewRelay(ctx context.Context, configPath string) (relay *Relay, err error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg)
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("relay requires DB_URL")
	}

	var closers cleanup
	defer func() {
		if err != nil {
			closers.run()
		}
	}()

	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.MaxDBConns)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	closers.add(func() { _ = sqlDB.Close() })
	if err = postgres.RunMigrations(ctx, db); err != nil {
		return nil, err
	}

	publisher := ports.EventPublisher(eventadapter.NewLoggingPublisher(logger))
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPublisher, pubErr := eventadapter.NewKafkaPublisher(cfg.KafkaBrokers)
		if pubErr != nil {
			return nil, pubErr
		}
		closers.add(func() { _ = kafkaPublisher.Close() })
		publisher = kafkaPublisher
	} else {
		logger.WarnContext(ctx, "KAFKA_BROKERS not set, relay only logs events")
	}

	worker := eventadapter.NewOutboxWorker(logger, clock.WallClock, postgres.NewOutboxRepository(db), publisher, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
	return &Relay{logger: logger, worker: worker, cleanupFn: closers.run}, nil
}

func (r *Relay) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer r.cleanupFn()

	r.logger.InfoContext(ctx, "outbox relay starting", "module", "bootstrap")
	if err := r.worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
