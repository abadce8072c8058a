package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/terrpan/vmrunner/internal/bootconfig"
	"github.com/terrpan/vmrunner/internal/buildinfo"
	"github.com/terrpan/vmrunner/internal/config"
	"github.com/terrpan/vmrunner/internal/metadata"
	"github.com/terrpan/vmrunner/internal/otel"
	"github.com/terrpan/vmrunner/internal/runner"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// options holds everything set on the command line.
type options struct {
	cfgPath   string
	overrides config.Config

	// changed reports whether a flag was set explicitly.
	changed func(name string) bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "vmrunner",
		Short: "Ephemeral cloud VM runners for GitHub Actions",
		Long: `vmrunner provisions a single cloud VM that registers itself as an
ephemeral self-hosted GitHub Actions runner (--action=start), and later
deregisters and deletes it (--action=stop).

Settings come from CLI flags, optionally layered over a YAML file
(--config), and from the GitHub Actions environment.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()
			return run(ctx, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	f := cmd.Flags()
	o := &opts.overrides
	opts.changed = f.Changed

	// Config file
	f.StringVar(&opts.cfgPath, "config", "", "Path to an optional YAML configuration file")

	f.StringVar(&o.Action, "action", "", "Action to perform (start, stop)")
	f.StringVar(&o.InstanceID, "instance-id", "", "Instance to delete (stop)")

	// GitHub
	f.StringVar(&o.GitHub.AuthToken, "github_auth_token", "", "GitHub token with the repo (or public_repo) scope")
	f.StringVar(&o.GitHub.APIURL, "github-api-url", "", "GitHub REST API root (default: $GITHUB_API_URL, then https://api.github.com)")

	// Cloud
	f.StringVar(&o.Cloud.Provider, "cloud", "", "Cloud provider (yandex, gcp)")
	f.StringVar(&o.Cloud.SAJSONPath, "sa-json-path", "", "Path to the service account key JSON file")
	f.StringVar(&o.Cloud.FolderID, "folder-id", "", "Folder (yandex) or project (gcp) to create the VM in")
	f.StringVar(&o.Cloud.Zone, "zone", "", "Zone to create the VM in")
	f.StringVar(&o.Cloud.SubnetID, "subnet-id", "", "Subnet for the VM network interface; must be in --zone")

	// Runner VM
	f.StringVar(&o.Runner.NamePrefix, "name-prefix", "", "Prefix for the VM and runner name")
	f.StringVar(&o.Runner.ServiceAccount, "runner-sa", "", "Service account bound to the VM")
	f.Int64Var(&o.Runner.MemoryGB, "memory", 0, "VM memory in GB")
	f.Int64Var(&o.Runner.Cores, "cores", 0, "VM CPU cores")
	f.Int64Var(&o.Runner.DiskSizeGB, "disk-size", 0, "Boot disk size in GB")
	f.StringVar(&o.Runner.ImageFamily, "image-family", "", "Image family to boot the newest image of")
	f.IntVar(&o.Runner.ShutdownTimeout, "shutdown-timeout", 0, "Seconds the VM stays up after its job finishes before powering off (0 disables)")
	f.StringVar(&o.Runner.ActionsPreinstalled, "actions-preinstalled", "", "Whether the image already has the runner agent (true, false)")
	f.StringVar(&o.Runner.Version, "runner-ver", "", "Runner agent version to install at boot")

	// Logging
	f.StringVar(&o.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&o.Logging.Format, "log-format", "", "Log format (text, json)")

	// OpenTelemetry
	f.BoolVar(&o.OTel.Enabled, "otel-enabled", false, "Export traces and metrics over OTLP HTTP")
	f.StringVar(&o.OTel.Endpoint, "otel-endpoint", "", "OTLP HTTP endpoint (e.g. localhost:4318)")
	f.BoolVar(&o.OTel.Insecure, "otel-insecure", false, "Use plain HTTP for OTLP export")
	f.BoolVar(&o.OTel.StdOut, "otel-stdout", false, "Print traces and metrics to stderr")

	// Nothing can be created or deleted without a folder.
	_ = cmd.MarkFlagRequired("folder-id")

	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !asJSON {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), buildinfo.String())
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(buildinfo.Current())
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print build information as JSON")
	return cmd
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
// Boolean flags are merged when set explicitly, so --otel-enabled=false can
// switch off a value from the config file.
func applyFlagOverrides(cfg *config.Config, o *config.Config, changed func(name string) bool) {
	setString := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setInt64 := func(dst *int64, v int64) {
		if v != 0 {
			*dst = v
		}
	}
	setBool := func(dst *bool, name string, v bool) {
		if changed(name) {
			*dst = v
		}
	}

	setString(&cfg.Action, o.Action)
	setString(&cfg.InstanceID, o.InstanceID)
	setString(&cfg.GitHub.AuthToken, o.GitHub.AuthToken)
	setString(&cfg.GitHub.APIURL, o.GitHub.APIURL)
	setString(&cfg.Cloud.Provider, o.Cloud.Provider)
	setString(&cfg.Cloud.SAJSONPath, o.Cloud.SAJSONPath)
	setString(&cfg.Cloud.FolderID, o.Cloud.FolderID)
	setString(&cfg.Cloud.Zone, o.Cloud.Zone)
	setString(&cfg.Cloud.SubnetID, o.Cloud.SubnetID)
	setString(&cfg.Runner.NamePrefix, o.Runner.NamePrefix)
	setString(&cfg.Runner.ServiceAccount, o.Runner.ServiceAccount)
	setInt64(&cfg.Runner.MemoryGB, o.Runner.MemoryGB)
	setInt64(&cfg.Runner.Cores, o.Runner.Cores)
	setInt64(&cfg.Runner.DiskSizeGB, o.Runner.DiskSizeGB)
	setString(&cfg.Runner.ImageFamily, o.Runner.ImageFamily)
	if o.Runner.ShutdownTimeout != 0 {
		cfg.Runner.ShutdownTimeout = o.Runner.ShutdownTimeout
	}
	setString(&cfg.Runner.ActionsPreinstalled, o.Runner.ActionsPreinstalled)
	setString(&cfg.Runner.Version, o.Runner.Version)
	setString(&cfg.Logging.Level, o.Logging.Level)
	setString(&cfg.Logging.Format, o.Logging.Format)
	setString(&cfg.OTel.Endpoint, o.OTel.Endpoint)
	setBool(&cfg.OTel.Enabled, "otel-enabled", o.OTel.Enabled)
	setBool(&cfg.OTel.Insecure, "otel-insecure", o.OTel.Insecure)
	setBool(&cfg.OTel.StdOut, "otel-stdout", o.OTel.StdOut)
}

// invocation builds the runner input.  cfg must already be validated.
func invocation(cfg *config.Config, env config.Env) runner.Invocation {
	// Only start validates the flag; stop never renders a template.
	preinstalled, _ := cfg.Preinstalled()

	return runner.Invocation{
		RunID:            env.RunID,
		Repository:       env.Repository,
		FolderID:         cfg.Cloud.FolderID,
		Zone:             cfg.Cloud.Zone,
		SubnetID:         cfg.Cloud.SubnetID,
		ServiceAccountID: cfg.Runner.ServiceAccount,
		NamePrefix:       cfg.Runner.NamePrefix,
		MemoryGB:         cfg.Runner.MemoryGB,
		Cores:            cfg.Runner.Cores,
		DiskSizeGB:       cfg.Runner.DiskSizeGB,
		ImageFamily:      cfg.Runner.ImageFamily,
		ShutdownTimeout:  cfg.Runner.ShutdownTimeout,
		Preinstalled:     preinstalled,
		RunnerVersion:    cfg.Runner.Version,
		InstanceID:       cfg.InstanceID,
	}
}

func run(ctx context.Context, opts *options, stdout, stderr io.Writer) error {
	// ---------------------------------------------------------------
	// 1. Load and validate configuration
	// ---------------------------------------------------------------
	cfg, err := config.Load(opts.cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg, &opts.overrides, opts.changed)

	env, err := config.LoadEnv()
	if err != nil {
		return err
	}
	cfg.ApplyDefaults(env)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := env.Validate(cfg.Action); err != nil {
		return fmt.Errorf("invalid environment: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Logging and telemetry
	// ---------------------------------------------------------------
	logger := cfg.NewLogger(stderr)
	logger.Info("configuration loaded",
		slog.String("action", cfg.Action),
		slog.String("cloud", cfg.Cloud.Provider),
		slog.String("folderID", cfg.Cloud.FolderID),
		slog.String("repository", env.Repository),
		slog.String("version", buildinfo.Version),
	)

	otelShutdown, err := otel.SetupOTelSDK(ctx, "vmrunner", cfg.OTelSettings())
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 3. Collaborators
	// ---------------------------------------------------------------
	provider, err := cfg.NewProvider(ctx, logger)
	if err != nil {
		return fmt.Errorf("initializing %s provider: %w", cfg.Cloud.Provider, err)
	}
	defer func() {
		if err := provider.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("closing provider failed", slog.String("error", err.Error()))
		}
	}()

	r := runner.New(runner.Config{
		GitHub:   cfg.NewGitHubClient(logger),
		Metadata: metadata.NewReader(nil, logger.WithGroup("metadata")),
		Renderer: bootconfig.NewRenderer(os.DirFS(filepath.Join(env.ActionPath, bootconfig.Dir))),
		Provider: provider,
		Outputs:  runner.NewActionOutputs(stdout, env.OutputPath),
		Logger:   logger.WithGroup("runner"),
	})

	// ---------------------------------------------------------------
	// 4. Run
	// ---------------------------------------------------------------
	inv := invocation(cfg, env)
	switch cfg.Action {
	case config.ActionStart:
		_, err = r.Start(ctx, inv)
	default:
		err = r.Stop(ctx, inv)
	}
	return err
}
