// Command taskshim is the entrypoint of the inference image. It runs the
// inference command between staging input from and uploading output to the
// object store, with every storage call confined to the task's data identity.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/coughsense/coughsense-go/internal/contract"
	"github.com/coughsense/coughsense-go/internal/deployment"
	"github.com/coughsense/coughsense-go/internal/logsink"
	"github.com/coughsense/coughsense-go/internal/permission"
	"github.com/coughsense/coughsense-go/internal/platform/env"
	"github.com/coughsense/coughsense-go/internal/platform/objectstore"
	"github.com/coughsense/coughsense-go/internal/taskshim"
)

// newStore opens the object store the task reads and writes.
var newStore = func(cfg objectstore.Config) (objectstore.Store, error) {
	return objectstore.NewMinioStore(cfg)
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	os.Exit(run(logger, os.Args[1:]))
}

func run(logger *slog.Logger, argv []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	contractEnv, err := contract.FromEnviron(os.Environ())
	if err != nil {
		logger.Error("invalid execution contract", "error", err)
		return taskshim.ExitContract
	}
	logger = logger.With("session_id", contractEnv.Get(contract.KeySessionID))

	if len(argv) == 0 {
		argv = strings.Fields(env.String("COUGHSENSE_INFERENCE_CMD", "python /app/inference.py"))
	}

	identity, err := dataIdentity(contractEnv.Get(contract.KeyBucket))
	if err != nil {
		logger.Error("permission boundary unavailable", "error", err)
		return taskshim.ExitContract
	}
	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		return taskshim.ExitContract
	}
	inner, err := newStore(storeCfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		return taskshim.ExitFailure
	}
	store, err := permission.NewScopedStore(inner, identity)
	if err != nil {
		logger.Error("scoped store init failed", "error", err)
		return taskshim.ExitFailure
	}

	runner := &taskshim.Runner{
		Store:    store,
		Env:      contractEnv,
		ModelDir: env.String("COUGHSENSE_MODEL_DIR", "/app"),
		Root:     env.String("COUGHSENSE_TASK_ROOT", ""),
		Infer:    taskshim.Command(argv, os.Stdout, os.Stderr),
		Logger:   logger,
	}
	if err := runner.Run(ctx); err != nil {
		code := taskshim.ExitCode(err)
		logger.Error("task failed", "exit_code", code, "error", err)
		return code
	}
	return taskshim.ExitOK
}

// dataIdentity reads the boundary from COUGHSENSE_PERMISSION_SPEC when set,
// and otherwise derives it from the deployment name and the contract bucket.
func dataIdentity(bucket string) (permission.Identity, error) {
	var (
		spec permission.Spec
		err  error
	)
	if path := env.String("COUGHSENSE_PERMISSION_SPEC", ""); path != "" {
		spec, err = permission.LoadSpec(path)
	} else {
		var name string
		if name, err = env.Required(deployment.EnvDeploymentName); err != nil {
			return permission.Identity{}, err
		}
		spec, err = permission.ForDeployment(permission.Target{
			Deployment: name,
			Naming:     permission.Naming(env.String(deployment.EnvRoleNaming, string(permission.NamingPrefixed))),
			Bucket:     bucket,
			LogGroup:   logsink.GroupName(name),
		})
	}
	if err != nil {
		return permission.Identity{}, err
	}
	id, ok := spec.Identity(permission.PurposeData)
	if !ok {
		return permission.Identity{}, errors.New("permission spec has no data identity")
	}
	return id, nil
}
