// Package runner implements the start and stop workflows: it bridges the
// GitHub runners API, the cloud-init renderer, and a compute backend for
// one ephemeral runner VM.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/vmrunner/internal/bootconfig"
	"github.com/terrpan/vmrunner/internal/compute"
	"github.com/terrpan/vmrunner/internal/config"
	"github.com/terrpan/vmrunner/internal/github"
)

// Output names published on start.
const (
	OutputLabel      = "label"
	OutputInstanceID = "instance_id"
)

// TokenClient talks to the GitHub runners API.
type TokenClient interface {
	RegistrationToken(ctx context.Context, repository string) (*github.RegistrationToken, error)
	RemoveRunner(ctx context.Context, repository, runnerID string) error
}

// MetadataReader reads the identity of the VM the process runs on.
type MetadataReader interface {
	InstanceName(ctx context.Context) (string, error)
}

// Renderer produces the cloud-init user-data.
type Renderer interface {
	Render(preinstalled bool, p bootconfig.Params) (string, error)
}

// OutputWriter publishes a step output to the workflow.
type OutputWriter interface {
	SetOutput(name, value string) error
}

// Invocation is everything one start or stop run needs.  It is built once
// from flags and environment and never mutated.
type Invocation struct {
	RunID      string
	Repository string

	FolderID         string
	Zone             string
	SubnetID         string
	ServiceAccountID string

	NamePrefix  string
	MemoryGB    int64
	Cores       int64
	DiskSizeGB  int64
	ImageFamily string

	// ShutdownTimeout is in seconds.
	ShutdownTimeout int
	Preinstalled    bool
	RunnerVersion   string

	// InstanceID is the VM stop deletes.
	InstanceID string
}

// Label is the runner name and the runs-on label: <prefix>-<run id>.
func (inv Invocation) Label() string {
	return inv.NamePrefix + "-" + inv.RunID
}

// Outputs are published by a successful start.
type Outputs struct {
	Label      string
	InstanceID string
}

// Config holds the collaborators a Runner drives.
type Config struct {
	GitHub   TokenClient
	Metadata MetadataReader
	Renderer Renderer
	Provider compute.Provider
	Outputs  OutputWriter
	Logger   *slog.Logger
}

// Runner runs the start and stop workflows.
type Runner struct {
	github   TokenClient
	metadata MetadataReader
	renderer Renderer
	provider compute.Provider
	outputs  OutputWriter
	logger   *slog.Logger

	tracer trace.Tracer
	meter  metric.Meter

	instancesCreated      metric.Int64Counter
	instancesDeleted      metric.Int64Counter
	deregistrationsFailed metric.Int64Counter
	provisionDuration     metric.Float64Histogram
}

// New creates a Runner.
func New(cfg Config) *Runner {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	r := &Runner{
		github:   cfg.GitHub,
		metadata: cfg.Metadata,
		renderer: cfg.Renderer,
		provider: cfg.Provider,
		outputs:  cfg.Outputs,
		logger:   cfg.Logger,
		tracer:   otel.Tracer("vmrunner/runner"),
		meter:    otel.Meter("vmrunner/runner"),
	}

	// Instrument creation errors are logged but not fatal.
	var err error
	r.instancesCreated, err = r.meter.Int64Counter(
		"vmrunner.instances.created",
		metric.WithDescription("Total number of runner VMs created"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create instancesCreated counter", slog.String("error", err.Error()))
	}

	r.instancesDeleted, err = r.meter.Int64Counter(
		"vmrunner.instances.deleted",
		metric.WithDescription("Total number of runner VMs deleted"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create instancesDeleted counter", slog.String("error", err.Error()))
	}

	r.deregistrationsFailed, err = r.meter.Int64Counter(
		"vmrunner.deregistrations.failed",
		metric.WithDescription("Runner deregistrations that failed and were skipped"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create deregistrationsFailed counter", slog.String("error", err.Error()))
	}

	r.provisionDuration, err = r.meter.Float64Histogram(
		"vmrunner.provision.duration",
		metric.WithDescription("Time from start to a running VM (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(10, 30, 60, 120, 300, 600),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create provisionDuration histogram", slog.String("error", err.Error()))
	}

	return r
}

// ---------------------------------------------------------------------------
// start
// ---------------------------------------------------------------------------

// Start creates the runner VM and publishes its label and instance id.
// Every failure is fatal and nothing created so far is rolled back.
func (r *Runner) Start(ctx context.Context, inv Invocation) (*Outputs, error) {
	ctx, span := r.tracer.Start(ctx, "runner.Start")
	defer span.End()

	if err := requireFields(
		field{"GITHUB_RUN_ID", inv.RunID},
		field{"GITHUB_REPOSITORY", inv.Repository},
	); err != nil {
		return nil, r.fail(span, err)
	}

	startTime := time.Now()
	label := inv.Label()
	span.SetAttributes(
		attribute.String("runner.name", label),
		attribute.String("github.repository", inv.Repository),
	)

	image, err := r.provider.LatestImage(ctx, inv.FolderID, inv.ImageFamily)
	if err != nil {
		return nil, r.fail(span, fmt.Errorf("resolve image family %s: %w", inv.ImageFamily, err))
	}
	r.logger.Info("resolved image",
		slog.String("family", inv.ImageFamily),
		slog.String("imageID", image.ID),
	)

	token, err := r.github.RegistrationToken(ctx, inv.Repository)
	if err != nil {
		return nil, r.fail(span, fmt.Errorf("request registration token: %w", err))
	}

	userData, err := r.renderer.Render(inv.Preinstalled, bootconfig.Params{
		Repository:        inv.Repository,
		RegistrationToken: token.Token,
		RunnerName:        label,
		RunnerVersion:     inv.RunnerVersion,
		ShutdownTimeout:   inv.ShutdownTimeout,
	})
	if err != nil {
		return nil, r.fail(span, fmt.Errorf("render cloud-init: %w", err))
	}

	r.logger.Info("creating runner instance",
		slog.String("name", label),
		slog.String("zone", inv.Zone),
		slog.Int64("memoryGB", inv.MemoryGB),
		slog.Int64("cores", inv.Cores),
		slog.Int64("diskGB", inv.DiskSizeGB),
	)

	inst, err := r.provider.CreateInstance(ctx, compute.InstanceSpec{
		FolderID:         inv.FolderID,
		Zone:             inv.Zone,
		SubnetID:         inv.SubnetID,
		Name:             label,
		ServiceAccountID: inv.ServiceAccountID,
		MemoryGB:         inv.MemoryGB,
		Cores:            inv.Cores,
		DiskSizeGB:       inv.DiskSizeGB,
		ImageID:          image.ID,
		Labels:           compute.NewLabels(),
		UserData:         userData,
	})
	if err != nil {
		return nil, r.fail(span, fmt.Errorf("create instance %s: %w", label, err))
	}

	if r.instancesCreated != nil {
		r.instancesCreated.Add(ctx, 1)
	}
	if r.provisionDuration != nil {
		r.provisionDuration.Record(ctx, time.Since(startTime).Seconds())
	}
	span.SetAttributes(attribute.String("instance.id", inst.ID))

	r.logger.Info("runner instance created",
		slog.String("name", label),
		slog.String("instanceID", inst.ID),
	)

	out := &Outputs{Label: label, InstanceID: inst.ID}
	if err := r.outputs.SetOutput(OutputLabel, out.Label); err != nil {
		return nil, r.fail(span, fmt.Errorf("publish %s: %w", OutputLabel, err))
	}
	if err := r.outputs.SetOutput(OutputInstanceID, out.InstanceID); err != nil {
		return nil, r.fail(span, fmt.Errorf("publish %s: %w", OutputInstanceID, err))
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// stop
// ---------------------------------------------------------------------------

// Stop deregisters the runner and deletes its VM.  A failed
// deregistration is logged and the delete goes ahead regardless.
func (r *Runner) Stop(ctx context.Context, inv Invocation) error {
	ctx, span := r.tracer.Start(ctx, "runner.Stop")
	defer span.End()

	if err := requireFields(
		field{"instance-id", inv.InstanceID},
		field{"GITHUB_REPOSITORY", inv.Repository},
	); err != nil {
		return r.fail(span, err)
	}
	span.SetAttributes(attribute.String("instance.id", inv.InstanceID))

	name, err := r.metadata.InstanceName(ctx)
	if err != nil {
		return r.fail(span, fmt.Errorf("read instance name: %w", err))
	}
	r.logger.Info("stopping runner",
		slog.String("host", name),
		slog.String("instanceID", inv.InstanceID),
	)

	if err := r.github.RemoveRunner(ctx, inv.Repository, inv.InstanceID); err != nil {
		if r.deregistrationsFailed != nil {
			r.deregistrationsFailed.Add(ctx, 1)
		}
		span.AddEvent("deregistration failed", trace.WithAttributes(attribute.String("error", err.Error())))
		r.logger.Warn("failed to deregister runner, deleting instance anyway",
			slog.String("instanceID", inv.InstanceID),
			slog.String("error", err.Error()),
		)
	}

	// Stop usually runs on the VM it deletes, so the wait below can be
	// cut short by the VM going away.
	r.logger.Info("deleting runner instance; completion may go unconfirmed when run from the instance itself",
		slog.String("instanceID", inv.InstanceID),
	)

	if err := r.provider.DeleteInstance(ctx, inv.InstanceID); err != nil {
		return r.fail(span, fmt.Errorf("delete instance %s: %w", inv.InstanceID, err))
	}
	if r.instancesDeleted != nil {
		r.instancesDeleted.Add(ctx, 1)
	}

	r.logger.Info("runner instance deleted", slog.String("instanceID", inv.InstanceID))
	return nil
}

// ---------------------------------------------------------------------------
// internal helpers
// ---------------------------------------------------------------------------

func (r *Runner) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

type field struct {
	name, value string
}

// requireFields returns a *config.ConfigError for the first empty field.
func requireFields(fields ...field) error {
	for _, f := range fields {
		if f.value == "" {
			return &config.ConfigError{Field: f.name, Reason: "is required"}
		}
	}
	return nil
}
