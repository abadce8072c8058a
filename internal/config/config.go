// Package config handles loading, validating, and applying configuration
// for vmrunner.  Settings come from CLI flags, optionally layered over a
// YAML file, and from the GitHub Actions environment.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/terrpan/vmrunner/internal/compute"
	"github.com/terrpan/vmrunner/internal/compute/gcp"
	"github.com/terrpan/vmrunner/internal/compute/yandex"
	"github.com/terrpan/vmrunner/internal/github"
	"github.com/terrpan/vmrunner/internal/otel"
)

// Actions.
const (
	ActionStart = "start"
	ActionStop  = "stop"
)

// Cloud providers.
const (
	CloudYandex = "yandex"
	CloudGCP    = "gcp"
)

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// ErrConfig matches every *ConfigError.
var ErrConfig = errors.New("invalid configuration")

// ConfigError reports a missing or malformed setting.  It is always
// raised before any external call is made.
type ConfigError struct {
	// Field is the flag or environment variable name.
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Is(target error) bool { return target == ErrConfig }

func missing(field string) error {
	return &ConfigError{Field: field, Reason: "is required"}
}

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	// Action is "start" or "stop".
	Action string `yaml:"action"`

	GitHub  GitHubConfig  `yaml:"github"`
	Cloud   CloudConfig   `yaml:"cloud"`
	Runner  RunnerConfig  `yaml:"runner"`
	Logging LoggingConfig `yaml:"logging"`
	OTel    OTelConfig    `yaml:"otel"`

	// InstanceID is the VM to delete.  Required by stop.
	InstanceID string `yaml:"instance_id"`
}

// GitHubConfig holds the credentials for the runners REST API.
type GitHubConfig struct {
	// AuthToken needs the `repo` (private) or `public_repo` scope.
	AuthToken string `yaml:"auth_token"`

	// APIURL is the REST API root.  Default: GITHUB_API_URL, then
	// https://api.github.com.
	APIURL string `yaml:"api_url"`
}

// CloudConfig selects and configures the compute backend.
type CloudConfig struct {
	// Provider is "yandex" (default) or "gcp".
	Provider string `yaml:"provider"`

	// SAJSONPath is the service-account key file.  Required for yandex;
	// optional for gcp, which falls back to ADC.
	SAJSONPath string `yaml:"sa_json_path"`

	// FolderID is the Yandex Cloud folder or GCP project (required).
	FolderID string `yaml:"folder_id"`

	// Zone is where the VM is created.  The subnet must live there.
	Zone string `yaml:"zone"`

	SubnetID string `yaml:"subnet_id"`

	// Endpoint overrides the cloud API endpoint (yandex only).
	Endpoint string `yaml:"endpoint"`
}

// RunnerConfig describes the runner VM.
type RunnerConfig struct {
	NamePrefix string `yaml:"name_prefix"`

	// ServiceAccount is bound to the VM (a Yandex SA id or a GCP SA email).
	ServiceAccount string `yaml:"service_account"`

	MemoryGB   int64 `yaml:"memory"`
	Cores      int64 `yaml:"cores"`
	DiskSizeGB int64 `yaml:"disk_size"`

	ImageFamily string `yaml:"image_family"`

	// ShutdownTimeout is how long, in seconds, the VM stays up after its
	// job before powering off.  Zero disables the power-off.
	ShutdownTimeout int `yaml:"shutdown_timeout"`

	// ActionsPreinstalled is "true" when the image already has the runner
	// agent at /actions-runner.  Only "true" and "false" are accepted.
	ActionsPreinstalled string `yaml:"actions_preinstalled"`

	// Version is the runner agent release installed at boot.
	Version string `yaml:"version"`
}

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OpenTelemetry is active.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stderr (for debugging).
	StdOut bool `yaml:"stdout"`
}

// ---------------------------------------------------------------------------
// Environment
// ---------------------------------------------------------------------------

// Env is the slice of the GitHub Actions environment vmrunner reads.  It
// is loaded once, at startup, and passed down explicitly.
type Env struct {
	RunID      string `envconfig:"GITHUB_RUN_ID"`
	Repository string `envconfig:"GITHUB_REPOSITORY"`
	ActionPath string `envconfig:"GITHUB_ACTION_PATH"`
	APIURL     string `envconfig:"GITHUB_API_URL"`
	OutputPath string `envconfig:"GITHUB_OUTPUT"`
}

// LoadEnv reads Env from the process environment.
func LoadEnv() (Env, error) {
	var env Env
	if err := envconfig.Process("", &env); err != nil {
		return Env{}, fmt.Errorf("reading environment: %w", err)
	}
	return env, nil
}

// Validate checks that the variables action needs are present.
func (e Env) Validate(action string) error {
	if e.Repository == "" {
		return missing("GITHUB_REPOSITORY")
	}
	if action != ActionStart {
		return nil
	}
	if e.RunID == "" {
		return missing("GITHUB_RUN_ID")
	}
	if e.ActionPath == "" {
		return missing("GITHUB_ACTION_PATH")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path.  An empty path or a missing
// file yields a zero Config that flags must fill.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in defaults for unset fields.  env supplies the
// GitHub API URL when neither the file nor the flags set one.
func (c *Config) ApplyDefaults(env Env) {
	if c.Cloud.Provider == "" {
		c.Cloud.Provider = CloudYandex
	}
	if c.GitHub.APIURL == "" {
		c.GitHub.APIURL = env.APIURL
	}
	if c.GitHub.APIURL == "" {
		c.GitHub.APIURL = github.DefaultAPIURL
	}
	if c.Runner.ActionsPreinstalled == "" {
		c.Runner.ActionsPreinstalled = "false"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that everything the selected action needs is present
// and well formed.  Call ApplyDefaults first.
func (c *Config) Validate() error {
	switch c.Action {
	case ActionStart, ActionStop:
	case "":
		return missing("action")
	default:
		return &ConfigError{Field: "action", Reason: fmt.Sprintf("%q is not supported (supported: start, stop)", c.Action)}
	}

	if c.Cloud.FolderID == "" {
		return missing("folder-id")
	}

	switch c.Cloud.Provider {
	case CloudYandex:
		if c.Cloud.SAJSONPath == "" {
			return missing("sa-json-path")
		}
	case CloudGCP:
		if c.Cloud.Zone == "" {
			return missing("zone")
		}
	default:
		return &ConfigError{Field: "cloud", Reason: fmt.Sprintf("%q is not supported (supported: yandex, gcp)", c.Cloud.Provider)}
	}

	if c.Action == ActionStop {
		if c.InstanceID == "" {
			return missing("instance-id")
		}
		return nil
	}

	return c.validateStart()
}

func (c *Config) validateStart() error {
	if c.GitHub.AuthToken == "" {
		return missing("github_auth_token")
	}
	if c.Cloud.Zone == "" {
		return missing("zone")
	}
	if c.Cloud.Provider == CloudYandex && c.Cloud.SubnetID == "" {
		return missing("subnet-id")
	}
	if c.Runner.NamePrefix == "" {
		return missing("name-prefix")
	}
	if c.Runner.ImageFamily == "" {
		return missing("image-family")
	}
	for _, f := range []struct {
		name  string
		value int64
	}{
		{"memory", c.Runner.MemoryGB},
		{"cores", c.Runner.Cores},
		{"disk-size", c.Runner.DiskSizeGB},
	} {
		if f.value <= 0 {
			return &ConfigError{Field: f.name, Reason: fmt.Sprintf("must be positive, got %d", f.value)}
		}
	}
	if c.Runner.ShutdownTimeout < 0 {
		return &ConfigError{Field: "shutdown-timeout", Reason: "must not be negative"}
	}

	preinstalled, err := c.Preinstalled()
	if err != nil {
		return err
	}
	if !preinstalled && c.Runner.Version == "" {
		return missing("runner-ver")
	}
	return nil
}

// Preinstalled parses ActionsPreinstalled.
func (c *Config) Preinstalled() (bool, error) {
	return ParseBool("actions-preinstalled", c.Runner.ActionsPreinstalled)
}

// ParseBool accepts exactly "true" or "false", ignoring case and
// surrounding space.  Anything else is a *ConfigError naming field.
func ParseBool(field, s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, &ConfigError{Field: field, Reason: fmt.Sprintf("%q is not a boolean (use true or false)", s)}
}

// RunnerName is the VM and runner name: <name-prefix>-<run id>.  It is
// also the label jobs target with runs-on.
func (c *Config) RunnerName(runID string) string {
	return c.Runner.NamePrefix + "-" + runID
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger writing to w.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts))
	default:
		return slog.New(slog.NewTextHandler(w, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewProvider creates the compute provider selected by cloud.provider.
func (c *Config) NewProvider(ctx context.Context, logger *slog.Logger) (compute.Provider, error) {
	switch c.Cloud.Provider {
	case CloudYandex:
		p, err := yandex.New(ctx, yandex.Config{
			ServiceAccountKeyPath: c.Cloud.SAJSONPath,
			Endpoint:              c.Cloud.Endpoint,
			Retry:                 compute.DefaultRetryPolicy(),
		}, logger.WithGroup("compute.yandex"))
		if err != nil {
			return nil, err
		}
		return p, nil
	case CloudGCP:
		p, err := gcp.New(ctx, gcp.Config{
			Project:         c.Cloud.FolderID,
			Zone:            c.Cloud.Zone,
			CredentialsFile: c.Cloud.SAJSONPath,
			Retry:           compute.DefaultRetryPolicy(),
		}, logger.WithGroup("compute.gcp"))
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unsupported cloud provider: %s", c.Cloud.Provider)
	}
}

// NewGitHubClient creates the runners API client.
func (c *Config) NewGitHubClient(logger *slog.Logger) *github.Client {
	return github.NewClient(github.Config{
		BaseURL: c.GitHub.APIURL,
		Token:   c.GitHub.AuthToken,
	}, logger.WithGroup("github"))
}

// OTelSettings converts the otel section for otel.SetupOTelSDK.
func (c *Config) OTelSettings() otel.Config {
	return otel.Config{
		Enabled:  c.OTel.Enabled,
		Endpoint: c.OTel.Endpoint,
		Insecure: c.OTel.Insecure,
		StdOut:   c.OTel.StdOut,
	}
}
