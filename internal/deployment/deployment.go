// Package deployment loads the versioned per-deployment configuration. It is
// read once at process start and handed to every component as plain values.
package deployment

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/coughsense/coughsense-go/internal/contract"
	"github.com/coughsense/coughsense-go/internal/domain"
	"github.com/coughsense/coughsense-go/internal/logsink"
	"github.com/coughsense/coughsense-go/internal/permission"
	"github.com/coughsense/coughsense-go/internal/platform/env"
	"github.com/coughsense/coughsense-go/internal/runtimeexec"
)

const (
	DefaultArtifactRetentionDays = 100
	DefaultLogRetentionDays      = 30
	DefaultInputDir              = "/data/input"
	DefaultOutputDir             = "/data/output"
)

// Platform settings passed to every task next to its contract.
const (
	EnvDeploymentName = "COUGHSENSE_DEPLOYMENT_NAME"
	EnvRoleNaming     = "COUGHSENSE_ROLE_NAMING"
	EnvS3Region       = "COUGHSENSE_S3_REGION"
)

type Runtime struct {
	Kind                  string `yaml:"kind"`
	Namespace             string `yaml:"namespace"`
	JobTTLSeconds         int32  `yaml:"job_ttl_seconds"`
	ActiveDeadlineSeconds int64  `yaml:"active_deadline_seconds"`
}

type Config struct {
	Name                  string                 `yaml:"name"`
	Image                 string                 `yaml:"image"`
	Bucket                string                 `yaml:"bucket"`
	Region                string                 `yaml:"region"`
	InputPrefix           string                 `yaml:"input_prefix"`
	OutputPrefix          string                 `yaml:"output_prefix"`
	ModelFilename         string                 `yaml:"model_filename"`
	Defaults              map[string]string      `yaml:"defaults"`
	Resources             domain.ResourceCeiling `yaml:"resources"`
	RoleNaming            permission.Naming      `yaml:"role_naming"`
	ArtifactRetentionDays int                    `yaml:"artifact_retention_days"`
	LogRetentionDays      int                    `yaml:"log_retention_days"`
	Runtime               Runtime                `yaml:"runtime"`
}

func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode deployment: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Load reads path and then applies COUGHSENSE_DEPLOYMENT_* overrides. The
// result is validated.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read deployment: %w", err)
	}
	cfg, err := Parse(b)
	if err != nil {
		return Config{}, err
	}
	cfg.Image = env.String("COUGHSENSE_DEPLOYMENT_IMAGE", cfg.Image)
	cfg.Bucket = env.String("COUGHSENSE_DEPLOYMENT_BUCKET", cfg.Bucket)
	cfg.Runtime.Kind = env.String("COUGHSENSE_RUNTIME_KIND", cfg.Runtime.Kind)
	cfg.Runtime.Namespace = env.String("COUGHSENSE_RUNTIME_NAMESPACE", cfg.Runtime.Namespace)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFromEnv reads the file named by COUGHSENSE_DEPLOYMENT_FILE.
func LoadFromEnv() (Config, error) {
	path, err := env.Required("COUGHSENSE_DEPLOYMENT_FILE")
	if err != nil {
		return Config{}, err
	}
	return Load(path)
}

func (c *Config) applyDefaults() {
	if c.InputPrefix == "" {
		c.InputPrefix = "audio_files/"
	}
	if c.OutputPrefix == "" {
		c.OutputPrefix = "results/"
	}
	if c.RoleNaming == "" {
		c.RoleNaming = permission.NamingPrefixed
	}
	if c.ArtifactRetentionDays == 0 {
		c.ArtifactRetentionDays = DefaultArtifactRetentionDays
	}
	if c.LogRetentionDays == 0 {
		c.LogRetentionDays = DefaultLogRetentionDays
	}
	if c.Runtime.Kind == "" {
		c.Runtime.Kind = runtimeexec.KindKubernetes
	}
	if c.Runtime.Namespace == "" {
		c.Runtime.Namespace = "coughsense"
	}
}

func (c Config) Validate() error {
	var issues []string
	add := func(format string, args ...any) { issues = append(issues, fmt.Sprintf(format, args...)) }

	if strings.TrimSpace(c.Name) == "" {
		add("name is required")
	} else if err := domain.ValidateJobID(c.Name); err != nil {
		add("name %q must be a simple identifier", c.Name)
	}
	if err := runtimeexec.ValidateImageRef(c.Image); err != nil {
		add("image: %v", err)
	}
	if strings.TrimSpace(c.Bucket) == "" {
		add("bucket is required")
	} else if strings.ContainsAny(c.Bucket, "*?/:") {
		add("bucket %q must be a plain bucket name", c.Bucket)
	}
	if err := c.Resources.Validate(); err != nil {
		add("resources: %v", err)
	}
	if !c.RoleNaming.Valid() {
		add("role_naming must be generic or prefixed (got %q)", c.RoleNaming)
	}
	if c.ArtifactRetentionDays <= 0 {
		add("artifact_retention_days must be positive")
	}
	if c.LogRetentionDays <= 0 {
		add("log_retention_days must be positive")
	}
	switch c.Runtime.Kind {
	case runtimeexec.KindKubernetes, runtimeexec.KindDocker:
	default:
		add("runtime.kind must be %s or %s (got %q)", runtimeexec.KindKubernetes, runtimeexec.KindDocker, c.Runtime.Kind)
	}
	if c.Runtime.JobTTLSeconds < 0 || c.Runtime.ActiveDeadlineSeconds < 0 {
		add("runtime timeouts must be >= 0")
	}
	for k := range c.Defaults {
		if contract.IsReserved(k) {
			add("defaults may not set reserved key %s", k)
		}
	}

	if len(issues) > 0 {
		return fmt.Errorf("invalid deployment config: %s", strings.Join(issues, "; "))
	}
	return nil
}

// LogGroup is the observability namespace of this deployment.
func (c Config) LogGroup() string {
	return logsink.GroupName(c.Name)
}

func (c Config) RoleName(p permission.Purpose) (string, error) {
	return permission.RoleName(c.RoleNaming, c.Name, p)
}

func (c Config) Boundary() (permission.Spec, error) {
	repo, _ := runtimeexec.SplitImageRef(c.Image)
	return permission.ForDeployment(permission.Target{
		Deployment:      c.Name,
		Naming:          c.RoleNaming,
		Bucket:          c.Bucket,
		ImageRepository: repo,
		LogGroup:        c.LogGroup(),
	})
}

// ContractDefaults are the values every task of this deployment starts from.
// Entries under defaults in the file win over the built-ins.
func (c Config) ContractDefaults() map[string]string {
	out := map[string]string{
		contract.KeyInputMode:   contract.ModeS3,
		contract.KeyInputDir:    DefaultInputDir,
		contract.KeyOutputDir:   DefaultOutputDir,
		contract.KeyBucket:      c.Bucket,
		contract.KeyInputPrefix: c.InputPrefix,
	}
	if c.ModelFilename != "" {
		out[contract.KeyModelFilename] = c.ModelFilename
	}
	for k, v := range c.Defaults {
		out[k] = v
	}
	return out
}

// TaskEnv is what a task needs besides its contract to derive the data
// identity it runs as and to reach the bucket.
func (c Config) TaskEnv() map[string]string {
	out := map[string]string{
		EnvDeploymentName: c.Name,
		EnvRoleNaming:     string(c.RoleNaming),
	}
	if c.Region != "" {
		out[EnvS3Region] = c.Region
	}
	return out
}

// OutputPrefixFor is the default OUTPUT_KEY for a job.
func (c Config) OutputPrefixFor(jobID string) string {
	prefix := c.OutputPrefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix + jobID + "/"
}
