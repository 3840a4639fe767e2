package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/pflag"

	"github.com/openearth-labs/openearth-go/internal/commit"
	"github.com/openearth-labs/openearth-go/internal/execution/runner"
	"github.com/openearth-labs/openearth-go/internal/execution/vcs"
	"github.com/openearth-labs/openearth-go/internal/execution/vmenv"
	"github.com/openearth-labs/openearth-go/internal/platform/env"
	"github.com/openearth-labs/openearth-go/internal/platform/httpserver"
	"github.com/openearth-labs/openearth-go/internal/platform/logsink"
	"github.com/openearth-labs/openearth-go/internal/platform/metrics"
	"github.com/openearth-labs/openearth-go/internal/platform/objectstore"
	"github.com/openearth-labs/openearth-go/internal/platform/postgres"
	"github.com/openearth-labs/openearth-go/internal/platform/taskqueue"
	repopg "github.com/openearth-labs/openearth-go/internal/repo/postgres"
	"github.com/openearth-labs/openearth-go/internal/service/jobs"
)

func main() {
	bootLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := env.LoadDotEnv(env.String("OPENEARTH_ENV_FILE", ".env")); err != nil {
		bootLogger.Error("load env file", "error", err)
		os.Exit(2)
	}
	cfg, err := configFromEnv()
	if err != nil {
		bootLogger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	flags := pflag.NewFlagSet("openearth-worker", pflag.ExitOnError)
	levelFlag := cfg.bindFlags(flags)
	_ = flags.Parse(os.Args[1:])
	if cfg.LogLevel, err = parseLevel(*levelFlag); err != nil {
		bootLogger.Error("invalid flag", "error", err)
		os.Exit(2)
	}
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "error", err)
		os.Exit(2)
	}

	baseHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})
	logger := slog.New(baseHandler)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	settings, err := jobs.LoadSettings(cfg.SettingsPath)
	if err != nil {
		logger.Error("invalid worker settings", "path", cfg.SettingsPath, "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()
	if cfg.ApplySchema {
		if err := repopg.ApplySchema(ctx, db); err != nil {
			logger.Error("schema migration failed", "error", err)
			os.Exit(1)
		}
	}
	store := repopg.NewStore(db)

	var (
		objects   objectstore.Store
		minioPing func(context.Context) error
	)
	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	if storeCfg.Enabled {
		minioStore, err := objectstore.NewMinioStore(storeCfg)
		if err != nil {
			logger.Error("object store client init failed", "error", err)
			os.Exit(2)
		}
		startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = minioStore.EnsureBuckets(startupCtx)
		cancel()
		if err != nil {
			logger.Error("object store unavailable", "error", err)
			os.Exit(1)
		}
		objects, minioPing = minioStore, minioStore.Ping
		if settings.ResultsBucket == "" {
			settings.ResultsBucket = storeCfg.BucketResults
		}
	}

	redisCfg, err := logsink.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid redis config", "error", err)
		os.Exit(2)
	}
	var (
		sink    logsink.Sink
		history logsink.HistoryReader
	)
	if redisCfg.Enabled {
		client, err := logsink.NewRedisClient(ctx, redisCfg)
		if err != nil {
			logger.Error("redis unavailable", "error", err)
			os.Exit(1)
		}
		defer func() { _ = client.Close() }()
		redisSink := logsink.NewRedisSink(client, redisCfg)
		sink, history = redisSink, redisSink
	} else {
		memorySink := logsink.NewMemorySink(redisCfg.HistoryLimit)
		sink, history = memorySink, memorySink
	}
	jobLogs := logsink.NewJobLogs(sink, baseHandler, slog.LevelDebug)

	m := metrics.New()

	backend, err := vmenv.NewVirsh(cfg.VirshBin, cfg.LibvirtURI)
	if err != nil {
		logger.Error("virtualization backend unavailable", "error", err)
		os.Exit(1)
	}
	envs, err := vmenv.NewManager(backend, vmenv.Config{
		BaseDir:        cfg.BaseDir,
		LeaseFile:      cfg.LeaseFile,
		Network:        vmenv.NetworkSpec{Name: cfg.Network, Bridge: cfg.Bridge},
		ResultsDirMode: cfg.ResultsDirMode,
		MemoryKiB:      cfg.MemoryKiB,
		VCPUs:          cfg.VCPUs,
	}, logger)
	if err != nil {
		logger.Error("environment manager init failed", "error", err)
		os.Exit(2)
	}

	proc := &runner.Runner{Logger: logger}
	committer, err := commit.NewEngine(commit.Config{
		OpendapDir:      cfg.OpendapDir,
		KMLDir:          cfg.KMLDir,
		NcattedBin:      cfg.NcattedBin,
		PublishedBucket: storeCfg.BucketPublished,
	}, commit.Deps{
		Runner:  proc,
		Tx:      store,
		Results: store.Results,
		Objects: objects,
		Metrics: m,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("commit engine init failed", "error", err)
		os.Exit(2)
	}

	svc, err := jobs.New(settings, jobs.Deps{
		Jobs:         store.Jobs,
		Environments: store.Environments,
		Results:      store.Results,
		Envs:         envs,
		Runner:       proc,
		VCS:          vcs.NewSubversion(cfg.SVNBin, cfg.TrustServerCert),
		Committer:    committer,
		Logs:         jobLogs,
		Objects:      objects,
		Metrics:      m,
		Logger:       logger,
	})
	if err != nil {
		logger.Error("job service init failed", "error", err)
		os.Exit(2)
	}

	amqpCfg, err := taskqueue.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid amqp config", "error", err)
		os.Exit(2)
	}
	conn, err := amqp.Dial(amqpCfg.URL)
	if err != nil {
		logger.Error("amqp unavailable", "error", err)
		os.Exit(1)
	}
	broker, err := taskqueue.NewAMQPBroker(conn, amqpCfg, logger)
	if err != nil {
		_ = conn.Close()
		logger.Error("amqp broker init failed", "error", err)
		os.Exit(1)
	}
	defer func() { _ = broker.Close() }()

	dispatcher := taskqueue.NewDispatcher(broker, svc.Run, svc.Hooks(), logger)
	svc.AttachQueue(dispatcher)

	ops, err := httpserver.New(httpserver.Config{
		Service:         "openearth-worker",
		Addr:            cfg.HTTPAddr,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, logger)
	if err != nil {
		logger.Error("http server init failed", "error", err)
		os.Exit(2)
	}
	ops.AddCheck(httpserver.ReadinessCheck{Name: "postgres", Check: db.PingContext})
	ops.AddCheck(httpserver.ReadinessCheck{
		Name: "amqp",
		Check: func(context.Context) error {
			if conn.IsClosed() {
				return errors.New("connection closed")
			}
			return nil
		},
	})
	if minioPing != nil {
		ops.AddCheck(httpserver.ReadinessCheck{Name: "minio", Check: minioPing})
	}
	ops.Handle("GET /metrics", m.Handler())
	ops.Handle("GET /jobs/{id}/log", logsink.HistoryHandler(history))

	errCh := make(chan error, 2)
	go func() { errCh <- ops.Run(ctx) }()
	go func() {
		logger.Info("worker consuming", "queue", amqpCfg.Queue)
		errCh <- dispatcher.Serve(ctx, broker)
	}()

	first := <-errCh
	stop()
	err = errors.Join(first, <-errCh)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
