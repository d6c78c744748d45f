// Package taskshim is the entrypoint that runs inside a Task Instance. It
// reads the Execution Environment Contract, stages input from the object
// store, runs the opaque inference command and uploads whatever the command
// left in OUTPUT_DIR.
package taskshim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"

	"github.com/coughsense/coughsense-go/internal/contract"
	"github.com/coughsense/coughsense-go/internal/platform/objectstore"
)

// Exit codes for failures the shim detects itself. Inference failures keep
// the command's own exit status.
const (
	ExitOK       = 0
	ExitFailure  = 1
	ExitContract = 2
	ExitInput    = 3
	ExitOutput   = 4
)

// Inference runs the model against inputPath with env as its contract.
type Inference func(ctx context.Context, env contract.Env, inputPath string) error

type Runner struct {
	Store objectstore.Store
	Env   contract.Env
	// ModelDir holds MODEL_FILENAME.
	ModelDir string
	// Root re-roots INPUT_DIR, OUTPUT_DIR and ModelDir. Empty in a container.
	Root   string
	Infer  Inference
	Logger *slog.Logger
}

type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return fmt.Sprintf("exit %d: %v", e.Code, e.Err) }

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode maps a Run error to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ExitFailure
}

func (r *Runner) Run(ctx context.Context) error {
	if r.Logger == nil {
		r.Logger = slog.Default()
	}
	if err := contract.Validate(r.Env); err != nil {
		return &ExitError{Code: ExitContract, Err: err}
	}
	if r.Store == nil || r.Infer == nil {
		return &ExitError{Code: ExitFailure, Err: errors.New("store and inference are required")}
	}
	env := r.Env.Clone()
	r.Logger.Info("task starting", "session_id", env.Get(contract.KeySessionID), "input_mode", env.Get(contract.KeyInputMode))

	inputPath, err := r.stage(ctx, env)
	if err != nil {
		return &ExitError{Code: ExitInput, Err: err}
	}
	if err := os.MkdirAll(r.local(env.Get(contract.KeyOutputDir)), 0o755); err != nil {
		return &ExitError{Code: ExitOutput, Err: err}
	}

	if err := r.Infer(ctx, env, inputPath); err != nil {
		code := ExitFailure
		var xe *exec.ExitError
		if errors.As(err, &xe) && xe.ExitCode() > 0 {
			code = xe.ExitCode()
		}
		return &ExitError{Code: code, Err: fmt.Errorf("inference: %w", err)}
	}

	n, err := r.upload(ctx, env)
	if err != nil {
		return &ExitError{Code: ExitOutput, Err: err}
	}
	r.Logger.Info("task finished", "session_id", env.Get(contract.KeySessionID), "outputs", n,
		"output_key", env.Get(contract.KeyOutputPrefix))
	return nil
}

// stage makes the input available locally and returns its path. In s3 mode
// without AUDIO_FILENAME the first object under S3_KEY is used and
// AUDIO_FILENAME is filled in for the command.
func (r *Runner) stage(ctx context.Context, env contract.Env) (string, error) {
	inputDir := r.local(env.Get(contract.KeyInputDir))
	modelPath := filepath.Join(r.local(r.modelDir()), env.Get(contract.KeyModelFilename))

	switch env.Get(contract.KeyInputMode) {
	case contract.ModeLocal:
		inputPath := filepath.Join(inputDir, env.Get(contract.KeyAudioFilename))
		for _, p := range []string{modelPath, inputPath} {
			if _, err := os.Stat(p); err != nil {
				return "", fmt.Errorf("input not found: %w", err)
			}
		}
		return inputPath, nil
	case contract.ModeS3:
		bucket := env.Get(contract.KeyBucket)
		key := env.InputKey()
		if env.Get(contract.KeyAudioFilename) == "" {
			objects, err := r.Store.List(ctx, bucket, env.Get(contract.KeyInputPrefix))
			if err != nil {
				return "", fmt.Errorf("list s3://%s/%s: %w", bucket, env.Get(contract.KeyInputPrefix), err)
			}
			key = ""
			for _, obj := range objects {
				if !strings.HasSuffix(obj.Key, "/") {
					key = obj.Key
					break
				}
			}
			if key == "" {
				return "", fmt.Errorf("no input under s3://%s/%s", bucket, env.Get(contract.KeyInputPrefix))
			}
			env[contract.KeyAudioFilename] = path.Base(key)
		}
		r.Logger.Info("staging input", "bucket", bucket, "key", key)
		body, _, err := r.Store.Get(ctx, bucket, key)
		if err != nil {
			return "", fmt.Errorf("get s3://%s/%s: %w", bucket, key, err)
		}
		defer body.Close()
		if err := os.MkdirAll(inputDir, 0o755); err != nil {
			return "", err
		}
		inputPath := filepath.Join(inputDir, env.Get(contract.KeyAudioFilename))
		if err := writeFile(inputPath, body); err != nil {
			return "", err
		}
		return inputPath, nil
	}
	return "", fmt.Errorf("unsupported input mode %q", env.Get(contract.KeyInputMode))
}

func (r *Runner) upload(ctx context.Context, env contract.Env) (int, error) {
	outputDir := r.local(env.Get(contract.KeyOutputDir))
	bucket := env.Get(contract.KeyBucket)
	count := 0
	err := filepath.WalkDir(outputDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(outputDir, p)
		if err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return err
		}
		key := env.OutputKey(filepath.ToSlash(rel))
		contentType := mime.TypeByExtension(filepath.Ext(p))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		if err := r.Store.Put(ctx, bucket, key, f, info.Size(), contentType); err != nil {
			return fmt.Errorf("put s3://%s/%s: %w", bucket, key, err)
		}
		count++
		return nil
	})
	return count, err
}

func (r *Runner) modelDir() string {
	if r.ModelDir != "" {
		return r.ModelDir
	}
	return "/app"
}

func (r *Runner) local(p string) string {
	if r.Root == "" {
		return p
	}
	return filepath.Join(r.Root, filepath.FromSlash(p))
}

func writeFile(p string, body io.Reader) error {
	f, err := os.Create(p)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Command runs argv as the inference step with the resolved contract and
// INPUT_PATH in its environment. Output goes to the shim's own stdout and
// stderr, which the platform collects as the task log stream.
func Command(argv []string, stdout, stderr io.Writer) Inference {
	return func(ctx context.Context, env contract.Env, inputPath string) error {
		if len(argv) == 0 {
			return errors.New("inference command is required")
		}
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Env = append(os.Environ(), env.Sorted()...)
		cmd.Env = append(cmd.Env, "INPUT_PATH="+inputPath)
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		return cmd.Run()
	}
}
