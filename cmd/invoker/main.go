// Command invoker is the HTTP front of the Invocation Adapter. It admits job
// requests, launches one Task Instance per request and tracks each task until
// its execution unit is reclaimed.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/coughsense/coughsense-go/internal/deployment"
	"github.com/coughsense/coughsense-go/internal/logsink"
	"github.com/coughsense/coughsense-go/internal/notify"
	"github.com/coughsense/coughsense-go/internal/platform/auditlog"
	"github.com/coughsense/coughsense-go/internal/platform/auth"
	"github.com/coughsense/coughsense-go/internal/platform/env"
	"github.com/coughsense/coughsense-go/internal/platform/httpserver"
	"github.com/coughsense/coughsense-go/internal/platform/objectstore"
	"github.com/coughsense/coughsense-go/internal/platform/postgres"
	"github.com/coughsense/coughsense-go/internal/repo"
	pgrepo "github.com/coughsense/coughsense-go/internal/repo/postgres"
	"github.com/coughsense/coughsense-go/internal/retention"
	"github.com/coughsense/coughsense-go/internal/runtimeexec"
	"github.com/coughsense/coughsense-go/internal/service/jobs"
)

const service = "invoker"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("dotenv not loaded", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("COUGHSENSE_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("COUGHSENSE_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	syncInterval, err := env.Duration("COUGHSENSE_TRACKER_INTERVAL", 10*time.Second)
	if err != nil {
		logger.Error("invalid tracker interval", "error", err)
		os.Exit(2)
	}
	submitRate, err := env.Float("COUGHSENSE_SUBMIT_RATE_PER_SECOND", 5)
	if err != nil {
		logger.Error("invalid submit rate", "error", err)
		os.Exit(2)
	}
	submitBurst, err := env.Int("COUGHSENSE_SUBMIT_BURST", 10)
	if err != nil {
		logger.Error("invalid submit burst", "error", err)
		os.Exit(2)
	}

	dep, err := deployment.LoadFromEnv()
	if err != nil {
		logger.Error("invalid deployment config", "error", err)
		os.Exit(2)
	}
	logger = logger.With("deployment", dep.Name)

	var (
		db     *sql.DB
		tasks  repo.TaskRepository
		audit  auditlog.Appender = auditlog.Discard{}
		checks []httpserver.ReadinessCheck
	)
	switch store := strings.ToLower(env.String("COUGHSENSE_TASK_STORE", "postgres")); store {
	case "postgres":
		dbCfg, err := postgres.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid database config", "error", err)
			os.Exit(2)
		}
		db, err = postgres.Open(ctx, dbCfg)
		if err != nil {
			logger.Error("database unavailable", "error", err)
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()
		if err := pgrepo.Migrate(db); err != nil {
			logger.Error("migration failed", "error", err)
			os.Exit(1)
		}
		tasks = pgrepo.NewTaskStore(db)
		audit = auditlog.DB{Q: db}
		checks = append(checks, httpserver.ReadinessCheck{
			Name:  "postgres",
			Check: func(ctx context.Context) error { return postgres.Ping(ctx, db, dbCfg.PingTimeout) },
		})
	case "memory":
		logger.Warn("task records are kept in memory and lost on restart")
		tasks = repo.NewMemoryTaskStore()
	default:
		logger.Error("unsupported task store", "store", store)
		os.Exit(2)
	}

	executor, err := newExecutor(dep, logger)
	if err != nil {
		logger.Error("executor init failed", "runtime", dep.Runtime.Kind, "error", err)
		os.Exit(2)
	}

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	storeClient, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		os.Exit(2)
	}
	createBucket, err := env.Bool("COUGHSENSE_S3_CREATE_BUCKET", false)
	if err != nil {
		logger.Error("invalid create bucket flag", "error", err)
		os.Exit(2)
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if createBucket {
		if err := objectstore.EnsureBucket(startupCtx, storeClient, dep.Bucket, storeCfg.Region); err != nil {
			cancel()
			logger.Error("bucket create failed", "error", err)
			os.Exit(1)
		}
	}
	if err := objectstore.CheckBucket(startupCtx, storeClient, dep.Bucket); err != nil {
		cancel()
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	sweep := false
	if err := objectstore.ApplyRetention(startupCtx, storeClient, dep.Bucket, dep.ArtifactRetentionDays); err != nil {
		logger.Warn("bucket lifecycle not applied, falling back to sweeper", "error", err)
		sweep = true
	} else if days, err := objectstore.RetentionDays(startupCtx, storeClient, dep.Bucket); err != nil || days != dep.ArtifactRetentionDays {
		logger.Warn("bucket lifecycle not confirmed, falling back to sweeper", "days", days, "error", err)
		sweep = true
	}
	cancel()
	if forced, err := env.Bool("COUGHSENSE_RETENTION_SWEEP", false); err != nil {
		logger.Error("invalid retention sweep flag", "error", err)
		os.Exit(2)
	} else if forced {
		sweep = true
	}
	checks = append(checks, httpserver.ReadinessCheck{
		Name:  "object_store",
		Check: func(ctx context.Context) error { return objectstore.CheckBucket(ctx, storeClient, dep.Bucket) },
	})

	sinkCfg, err := logsink.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid log sink config", "error", err)
		os.Exit(2)
	}
	var sink logsink.Sink = logsink.SlogSink{Logger: logger.With("component", "task_logs")}
	if sinkCfg.Kind == logsink.KindCloudWatch {
		cw, err := logsink.NewCloudWatchFromEnv(ctx, sinkCfg.Region)
		if err != nil {
			logger.Error("log sink init failed", "error", err)
			os.Exit(2)
		}
		sink = cw
	}

	notifyCfg, err := notify.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid notify config", "error", err)
		os.Exit(2)
	}
	notifier, err := notify.New(ctx, notifyCfg)
	if err != nil {
		logger.Error("notifier init failed", "error", err)
		os.Exit(2)
	}

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}
	authenticator, err := auth.New(ctx, authCfg)
	if err != nil {
		logger.Error("auth init failed", "error", err)
		os.Exit(2)
	}

	svc, err := jobs.New(dep, tasks, executor, audit, logger)
	if err != nil {
		logger.Error("job service init failed", "error", err)
		os.Exit(2)
	}
	if err := svc.AddTaskEnv(storeTaskEnv(storeCfg)); err != nil {
		logger.Error("task env invalid", "error", err)
		os.Exit(2)
	}

	m := newMetrics()
	tracker := &jobs.Tracker{
		Tasks:            tasks,
		Executor:         executor,
		Sink:             sink,
		Notifier:         notifier,
		Audit:            audit,
		Logger:           logger.With("component", "tracker"),
		Deployment:       dep.Name,
		LogRetentionDays: sinkCfg.Retention(dep.LogRetentionDays),
		OnSync:           m.observeSync,
	}
	go func() {
		if err := tracker.Run(ctx, syncInterval); err != nil {
			logger.Error("tracker stopped", "error", err)
		}
	}()

	if sweep {
		store, err := objectstore.NewMinioStoreWithClient(storeClient)
		if err != nil {
			logger.Error("sweeper store init failed", "error", err)
			os.Exit(2)
		}
		sweeper := &retention.Sweeper{
			Store:  store,
			Bucket: dep.Bucket,
			Policy: retention.Days(dep.ArtifactRetentionDays),
			Logger: logger.With("component", "retention"),
		}
		go func() {
			if err := sweeper.Run(ctx, time.Hour); err != nil {
				logger.Error("sweeper stopped", "error", err)
			}
		}()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz(service))
	mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks(service, 750*time.Millisecond, checks...))
	mux.Handle("/metrics", m.handler())
	newInvokerAPI(logger, svc, m, newSubjectLimiter(submitRate, submitBurst)).register(mux)

	handler := auth.Middleware{
		Logger:        logger,
		Authenticator: authenticator,
		Authorize:     auth.MethodRoleAuthorizer(),
		Audit: func(ctx context.Context, event auth.DenyEvent) error {
			auditCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			return auditlog.AuthDeny(auditCtx, audit, service, event)
		},
		SkipPrefixes: []string{"/healthz", "/readyz", "/metrics"},
	}.Wrap(mux)

	cfg := httpserver.Config{
		Service:         service,
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}
	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, service, handler)); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// storeTaskEnv lets a task reach the same object store the invoker uses.
// Credentials are not passed; the task gets them from its identity.
func storeTaskEnv(cfg objectstore.Config) map[string]string {
	return map[string]string{
		"COUGHSENSE_S3_ENDPOINT": cfg.Endpoint,
		"COUGHSENSE_S3_USE_SSL":  strconv.FormatBool(cfg.UseSSL),
		deployment.EnvS3Region:   cfg.Region,
	}
}

func newExecutor(dep deployment.Config, logger *slog.Logger) (runtimeexec.Executor, error) {
	switch dep.Runtime.Kind {
	case runtimeexec.KindKubernetes:
		clientset, err := runtimeexec.NewKubernetesClientset(env.String("COUGHSENSE_KUBECONFIG", ""))
		if err != nil {
			return nil, err
		}
		grace, err := env.Duration("COUGHSENSE_UNSCHEDULABLE_GRACE", 5*time.Minute)
		if err != nil {
			return nil, err
		}
		return runtimeexec.NewKubernetesExecutor(clientset, runtimeexec.KubernetesConfig{
			Namespace:          dep.Runtime.Namespace,
			JobTTLSeconds:      dep.Runtime.JobTTLSeconds,
			UnschedulableGrace: grace,
		})
	case runtimeexec.KindDocker:
		quota, err := env.Bool("COUGHSENSE_DOCKER_DISK_QUOTA", false)
		if err != nil {
			return nil, err
		}
		engine, err := runtimeexec.NewDockerEngine()
		if err != nil {
			return nil, err
		}
		pullTimeout, err := env.Duration("COUGHSENSE_DOCKER_PULL_TIMEOUT", 30*time.Minute)
		if err != nil {
			return nil, err
		}
		return runtimeexec.NewDockerExecutor(engine, runtimeexec.DockerConfig{
			EnforceDiskQuota: quota,
			Network:          env.String("COUGHSENSE_DOCKER_NETWORK", ""),
			PullTimeout:      pullTimeout,
			Logger:           logger.With("component", "docker"),
		})
	}
	return nil, errors.New("unsupported runtime kind " + dep.Runtime.Kind)
}
