// Command scanflow runs the workflow orchestrator together with the executor
// gateway in a single process.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	gotel "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/scanflow/internal/app/cluster"
	"github.com/ahrav/scanflow/internal/app/dispatch"
	"github.com/ahrav/scanflow/internal/app/gateway"
	"github.com/ahrav/scanflow/internal/app/ingest"
	"github.com/ahrav/scanflow/internal/app/outbox"
	"github.com/ahrav/scanflow/internal/app/workflow"
	"github.com/ahrav/scanflow/internal/config"
	"github.com/ahrav/scanflow/internal/domain/artifact"
	"github.com/ahrav/scanflow/internal/domain/events"
	"github.com/ahrav/scanflow/internal/domain/executor"
	"github.com/ahrav/scanflow/internal/domain/pipeline"
	"github.com/ahrav/scanflow/internal/domain/task"
	"github.com/ahrav/scanflow/internal/infra/cluster/kubernetes"
	"github.com/ahrav/scanflow/internal/infra/eventbus/kafka"
	"github.com/ahrav/scanflow/internal/infra/storage"
	"github.com/ahrav/scanflow/internal/infra/storage/memory"
	"github.com/ahrav/scanflow/internal/infra/storage/postgres"
	"github.com/ahrav/scanflow/pkg/common"
	"github.com/ahrav/scanflow/pkg/common/logger"
	"github.com/ahrav/scanflow/pkg/common/otel"
	"github.com/ahrav/scanflow/pkg/common/timeutil"
)

const serviceType = "orchestrator"

func main() {
	_, _ = maxprocs.Set()

	configPath := flag.String("config", os.Getenv("SCANFLOW_CONFIG"), "path to the YAML configuration file")
	flag.Parse()

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatalf("failed to get hostname: %v", err)
	}

	cfg, err := config.NewFileLoader(*configPath).Load(context.Background())
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	svcName := cfg.Service.Name
	if svcName == "" {
		svcName = fmt.Sprintf("SCANFLOW-%s", hostname)
	}
	lg := newLogger(svcName, hostname, logger.ParseLevel(cfg.Service.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, lg, hostname); err != nil {
		lg.Error(ctx, "scanflow stopped with error", "error", err)
		os.Exit(1)
	}
	lg.Info(ctx, "scanflow stopped")
}

func newLogger(svcName, hostname string, level logger.Level) *logger.Logger {
	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	metadata := map[string]string{
		"service":   svcName,
		"hostname":  hostname,
		"pod":       os.Getenv("POD_NAME"),
		"namespace": os.Getenv("POD_NAMESPACE"),
		"app":       serviceType,
	}

	return logger.NewWithMetadata(os.Stdout, level, svcName, traceIDFn, logEvents, metadata)
}

// repositories groups the persistence ports so the rest of the wiring does not
// care which driver backs them.
type repositories struct {
	tasks     task.Repository
	stages    pipeline.StageRepository
	outbox    events.OutboxRepository
	executors executor.Registry
	logs      artifact.LogRepository
	results   artifact.ResultRepository
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger, hostname string) error {
	loc, err := time.LoadLocation(cfg.Service.TimeZone)
	if err != nil {
		return fmt.Errorf("load time zone %q: %w", cfg.Service.TimeZone, err)
	}

	tp, teardown, err := initTelemetry(log, cfg, hostname)
	if err != nil {
		return err
	}
	defer teardown(context.Background())

	tracer := tp.Tracer(serviceType)
	mp := gotel.GetMeterProvider()

	ready := new(atomic.Bool)
	health := common.NewHealthServer(cfg.HTTP.HealthAddr, ready, log)

	repos, closeRepos, err := openRepositories(ctx, cfg, log, tracer, health)
	if err != nil {
		return err
	}
	defer closeRepos()

	// Optional Kafka fan-out. The outbox remains the source of truth either way.
	var (
		broker   *kafka.Publisher
		consumer *kafka.Consumer
	)
	if cfg.Kafka.Enabled {
		kcfg := &kafka.Config{
			Brokers:  cfg.Kafka.Brokers,
			Topic:    cfg.Kafka.Topic,
			GroupID:  cfg.Kafka.GroupID,
			ClientID: cfg.Kafka.ClientID,
		}
		if kcfg.ClientID == "" {
			kcfg.ClientID = fmt.Sprintf("scanflow-%s", hostname)
		}

		brokerMetrics, err := kafka.NewBrokerMetrics(mp)
		if err != nil {
			return fmt.Errorf("create broker metrics: %w", err)
		}

		client, err := kafka.NewClient(kcfg)
		if err != nil {
			return fmt.Errorf("create kafka client: %w", err)
		}
		defer closeClient(ctx, log, client)

		if broker, err = kafka.ConnectPublisher(kcfg, client, log, brokerMetrics, tracer); err != nil {
			return err
		}
		defer broker.Close()

		if cfg.Kafka.Consume {
			if consumer, err = kafka.ConnectConsumer(kcfg, client, log, brokerMetrics, tracer); err != nil {
				return err
			}
			defer consumer.Close()
		}
	}

	pubMetrics, err := outbox.NewPublisherMetrics(mp)
	if err != nil {
		return fmt.Errorf("create publisher metrics: %w", err)
	}
	pubOpts := []outbox.Option{outbox.WithMetrics(pubMetrics)}
	if broker != nil {
		pubOpts = append(pubOpts, outbox.WithBroker(broker))
	}
	publisher := outbox.NewPublisher(repos.outbox, log, tracer, pubOpts...)

	gwMetrics, err := gateway.NewGatewayMetrics(mp)
	if err != nil {
		return fmt.Errorf("create gateway metrics: %w", err)
	}
	registry := gateway.NewSessionRegistry(gwMetrics)

	remote := dispatch.NewRemoteStage(repos.tasks, repos.executors, repos.stages, registry, log, tracer,
		dispatch.WithPublisher(publisher))
	stageExec := workflow.NewStageExecutor(remote.Services(), repos.stages, log, tracer)

	wfMetrics, err := workflow.NewWorkflowMetrics(mp)
	if err != nil {
		return fmt.Errorf("create workflow metrics: %w", err)
	}
	orch := workflow.NewOrchestrator(repos.tasks, repos.outbox, stageExec, log, tracer,
		workflow.WithPublisher(publisher),
		workflow.WithLocation(loc),
		workflow.WithPageSize(cfg.Workflow.PageLimit),
		workflow.WithRecoveryLimit(cfg.Workflow.RecoveryLimit),
		workflow.WithMetrics(wfMetrics),
		workflow.WithStandby(),
	)

	coord, err := newCoordinator(cfg, log, tracer)
	if err != nil {
		return err
	}
	scheduler := workflow.NewScheduler(
		workflow.NewIntake(orch, repos.tasks, cfg.Workflow.PageLimit),
		coord,
		log,
		tracer,
		workflow.WithInterval(cfg.Workflow.PollInterval),
		workflow.WithSchedulerLocation(loc),
		workflow.WithSchedulerMetrics(wfMetrics),
		workflow.WithLeadershipObserver(orch),
	)

	svc := gateway.NewService(
		repos.tasks,
		repos.executors,
		registry,
		ingest.NewLogIngestor(repos.logs, timeutil.Default(), log, tracer),
		ingest.NewResultIngestor(repos.results, repos.stages, repos.tasks, publisher, timeutil.Default(), log, tracer),
		log,
		tracer,
		gateway.WithPublisher(publisher),
		gateway.WithMetrics(gwMetrics),
		gateway.WithMaxFrameSize(cfg.Gateway.MaxFrameSize),
		gateway.WithRateLimit(cfg.Gateway.RateLimit, cfg.Gateway.RateBurst),
		gateway.WithWriteTimeout(cfg.Gateway.WriteTimeout),
	)
	server, err := gateway.NewServer(gateway.ServerConfig{
		Addr:     cfg.Gateway.Addr,
		CertFile: cfg.Gateway.CertFile,
		KeyFile:  cfg.Gateway.KeyFile,
		Hosts:    cfg.Gateway.Hosts,
	}, svc, log)
	if err != nil {
		return fmt.Errorf("create gateway server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error { return server.ListenAndServe(gctx) })
	if consumer != nil {
		g.Go(func() error { return consumer.Run(gctx, orch) })
	}
	g.Go(func() error {
		log.Info(gctx, "startup", "status", "http health server started", "host", cfg.HTTP.HealthAddr)
		if err := health.Server().ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		ready.Store(false)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn(shutdownCtx, "failed to shut down gateway server", "error", err)
		}
		return health.Server().Shutdown(shutdownCtx)
	})

	ready.Store(true)
	log.Info(ctx, "scanflow started",
		"gateway_addr", cfg.Gateway.Addr,
		"storage", string(cfg.Storage.Driver),
		"cluster_mode", string(cfg.Cluster.Mode),
		"kafka", cfg.Kafka.Enabled,
	)

	return g.Wait()
}

func initTelemetry(
	log *logger.Logger,
	cfg *config.Config,
	hostname string,
) (trace.TracerProvider, func(context.Context), error) {
	if !cfg.Telemetry.Enabled {
		return noop.NewTracerProvider(), func(context.Context) {}, nil
	}

	tp, teardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      serviceType,
		ExporterEndpoint: cfg.Telemetry.OTLPEndpoint,
		ExcludedRoutes: map[string]struct{}{
			"/health":    {},
			"/readiness": {},
		},
		Probability: cfg.Telemetry.SampleRate,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"k8s.pod.name":     os.Getenv("POD_NAME"),
			"k8s.namespace":    os.Getenv("POD_NAMESPACE"),
			"k8s.container.id": hostname,
		},
		InsecureExporter: true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("initialize telemetry: %w", err)
	}
	return tp, teardown, nil
}

func openRepositories(
	ctx context.Context,
	cfg *config.Config,
	log *logger.Logger,
	tracer trace.Tracer,
	health *common.HealthServer,
) (*repositories, func(), error) {
	if cfg.Storage.Driver == config.StorageDriverMemory {
		log.Warn(ctx, "using in-memory storage, state is lost on restart")
		tp := timeutil.Default()
		artifacts := memory.NewArtifactStore()
		return &repositories{
			tasks:     memory.NewTaskStore(tp),
			stages:    memory.NewStageStore(),
			outbox:    memory.NewOutbox(),
			executors: memory.NewExecutorStore(tp),
			logs:      artifacts,
			results:   artifacts,
		}, func() {}, nil
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Storage.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("parse db config: %w", err)
	}
	poolCfg.MinConns = 5
	poolCfg.MaxConns = 20
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open db: %w", err)
	}

	if err := storage.Migrate(ctx, pool, cfg.Storage.MigrationsPath); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	log.Info(ctx, "migrations applied")

	health.AddCheck("postgres", func(ctx context.Context) error { return pool.Ping(ctx) })

	artifacts := postgres.NewArtifactStore(pool, tracer)
	return &repositories{
		tasks:     postgres.NewTaskStore(pool, tracer),
		stages:    postgres.NewStageStore(pool, tracer),
		outbox:    postgres.NewOutboxStore(pool, tracer),
		executors: postgres.NewExecutorStore(pool, tracer),
		logs:      artifacts,
		results:   artifacts,
	}, pool.Close, nil
}

func newCoordinator(cfg *config.Config, log *logger.Logger, tracer trace.Tracer) (cluster.Coordinator, error) {
	if cfg.Cluster.Mode != config.ClusterModeKubernetes {
		return cluster.NewStandalone(), nil
	}

	client, err := kubernetes.NewClient(cfg.Cluster.KubeConfig)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	identity := cfg.Cluster.Identity
	if identity == "" {
		identity = os.Getenv("POD_NAME")
	}
	namespace := cfg.Cluster.Namespace
	if namespace == "" {
		namespace = os.Getenv("POD_NAMESPACE")
	}

	coord, err := kubernetes.NewCoordinator(&kubernetes.Config{
		Namespace:  namespace,
		LeaseName:  cfg.Cluster.LeaseName,
		Identity:   identity,
		KubeConfig: cfg.Cluster.KubeConfig,
	}, client, log, tracer)
	if err != nil {
		return nil, fmt.Errorf("create coordinator: %w", err)
	}
	return coord, nil
}

func closeClient(ctx context.Context, log *logger.Logger, client sarama.Client) {
	if err := client.Close(); err != nil {
		log.Warn(ctx, "failed to close kafka client", "error", err)
	}
}
