package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tessera-labs/tessera-go/internal/admission"
	"github.com/tessera-labs/tessera-go/internal/api"
	"github.com/tessera-labs/tessera-go/internal/archive"
	"github.com/tessera-labs/tessera-go/internal/domain"
	"github.com/tessera-labs/tessera-go/internal/events"
	"github.com/tessera-labs/tessera-go/internal/jobs"
	"github.com/tessera-labs/tessera-go/internal/metering"
	"github.com/tessera-labs/tessera-go/internal/pipeline"
	"github.com/tessera-labs/tessera-go/internal/platform/env"
	"github.com/tessera-labs/tessera-go/internal/platform/httpserver"
	"github.com/tessera-labs/tessera-go/internal/platform/k8s"
	"github.com/tessera-labs/tessera-go/internal/platform/objectstore"
	platformpg "github.com/tessera-labs/tessera-go/internal/platform/postgres"
	"github.com/tessera-labs/tessera-go/internal/reconciler"
	"github.com/tessera-labs/tessera-go/internal/repo/memory"
	repopg "github.com/tessera-labs/tessera-go/internal/repo/postgres"
	"github.com/tessera-labs/tessera-go/internal/substrate"
)

const service = "orchestrator"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("TESSERA_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("TESSERA_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	var (
		store api.Store
		db    *sql.DB
	)
	storeMode := strings.ToLower(strings.TrimSpace(env.String("TESSERA_STORE", "postgres")))
	switch storeMode {
	case "postgres":
		dbCfg, err := platformpg.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid database config", "error", err)
			os.Exit(2)
		}
		db, err = platformpg.Open(ctx, dbCfg)
		if err != nil {
			logger.Error("database unavailable", "error", err)
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()

		pgStore := repopg.NewStore(db)
		migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := pgStore.Migrate(migrateCtx); err != nil {
			cancel()
			logger.Error("migration failed", "error", err)
			os.Exit(1)
		}
		cancel()
		store = pgStore
	case "memory":
		store = memory.NewStore()
	default:
		logger.Error("unknown store mode", "mode", storeMode)
		os.Exit(2)
	}

	substrateMode := strings.ToLower(strings.TrimSpace(env.String("TESSERA_SUBSTRATE", "kubernetes")))
	var adapter substrate.Adapter
	switch substrateMode {
	case "kubernetes", "k8s":
		client, err := k8s.NewInClusterClient()
		if err != nil {
			logger.Error("k8s client init failed", "error", err)
			os.Exit(2)
		}
		namespace := strings.TrimSpace(env.String("TESSERA_K8S_NAMESPACE", ""))
		if namespace == "" {
			namespace = client.Namespace()
		}
		adapter = substrate.NewKubernetesAdapter(client, namespace)
	case "fake":
		adapter = substrate.NewAutoFake()
	default:
		logger.Error("unknown substrate mode", "mode", substrateMode)
		os.Exit(2)
	}

	dispatchInterval, err := env.Duration("TESSERA_EVENT_DISPATCH_INTERVAL", time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	watchInterval, err := env.Duration("TESSERA_WATCH_INTERVAL", 5*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	admitInterval, err := env.Duration("TESSERA_ADMISSION_SCAN_INTERVAL", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	sweepInterval, err := env.Duration("TESSERA_TIMEOUT_SWEEP_INTERVAL", 15*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	executorInterval, err := env.Duration("TESSERA_EXECUTOR_INTERVAL", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	reconcileInterval, err := env.Duration("TESSERA_RECONCILE_INTERVAL", time.Minute)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	deleteOrphans, err := env.Bool("TESSERA_RECONCILE_DELETE_ORPHANS", false)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	if path := strings.TrimSpace(env.String("TESSERA_QUEUE_CONFIG", "")); path != "" {
		queueCfg, err := admission.LoadQueueConfig(path)
		if err != nil {
			logger.Error("invalid queue config", "path", path, "error", err)
			os.Exit(2)
		}
		if err := admission.Bootstrap(ctx, logger, store, queueCfg); err != nil {
			logger.Error("queue bootstrap failed", "error", err)
			os.Exit(1)
		}
	}

	bus := events.NewBus(logger, store, dispatchInterval)
	svc := jobs.NewService(logger, store, adapter, bus, metering.NewLogSink(logger))
	ctrl := admission.NewController(logger, store, nil)
	ctrl.SetLauncher(svc)
	ctrl.SetPreemptor(svc)
	svc.SetAdmitter(ctrl)

	executor := pipeline.NewExecutor(logger, store, svc, bus, pipeline.NewLogNotifier(logger))
	stream := events.NewStreamHub(logger)

	bus.Subscribe(domain.EventSubstrateReport, svc.HandleSubstrateReport)
	for _, kind := range []domain.EventKind{domain.EventJobCompleted, domain.EventJobFailed, domain.EventJobCancelled} {
		bus.Subscribe(kind, executor.HandleJobEvent)
	}
	bus.Subscribe(domain.EventExternalSignal, executor.HandleExternalSignal)
	bus.SubscribeAll(stream.Handler)

	readiness := []httpserver.ReadinessCheck{}
	if db != nil {
		readiness = append(readiness, httpserver.ReadinessCheck{
			Name:  "postgres",
			Check: func(ctx context.Context) error { return db.PingContext(ctx) },
		})
	}

	archiveEnabled, err := env.Bool("TESSERA_ARCHIVE_ENABLED", false)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	if archiveEnabled {
		storeCfg, err := objectstore.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid object store config", "error", err)
			os.Exit(2)
		}
		minioClient, err := objectstore.NewMinIOClient(storeCfg)
		if err != nil {
			logger.Error("object store client init failed", "error", err)
			os.Exit(2)
		}
		startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := objectstore.EnsureBucket(startupCtx, minioClient, storeCfg); err != nil {
			cancel()
			logger.Error("object store unavailable", "error", err)
			os.Exit(1)
		}
		cancel()

		archiver := archive.NewArchiver(logger, store, archive.NewMinIOUploader(minioClient, storeCfg.BucketArchives))
		for _, kind := range []domain.EventKind{domain.EventExecutionCompleted, domain.EventExecutionFailed, domain.EventExecutionCancelled} {
			bus.Subscribe(kind, archiver.HandleExecutionEvent)
		}
		readiness = append(readiness, httpserver.ReadinessCheck{
			Name:  "objectstore",
			Check: func(ctx context.Context) error { return objectstore.CheckBucket(ctx, minioClient, storeCfg) },
		})
	}

	go bus.Run(ctx)
	substrate.StartWatcher(ctx, logger, store, adapter, bus, watchInterval)
	reconciler.Start(ctx, reconciler.New(logger, store, adapter, svc, reconciler.Config{
		Interval:      reconcileInterval,
		DeleteOrphans: deleteOrphans,
	}))
	go ctrl.Run(ctx, admitInterval)
	go svc.Run(ctx, sweepInterval)
	executor.ResumeAll(ctx)
	go executor.Run(ctx, executorInterval)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", httpserver.Healthz(service))
	mux.HandleFunc("GET /readyz", httpserver.ReadyzWithChecks(service, readiness...))
	api.New(logger, store, svc, executor, bus, stream).Register(mux)

	err = httpserver.Run(ctx, logger, httpserver.Config{
		Service:         service,
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}, httpserver.Wrap(logger, service, mux))
	if err != nil && err != http.ErrServerClosed {
		logger.Error("http server failed", "error", err)
		os.Exit(1)
	}
}
