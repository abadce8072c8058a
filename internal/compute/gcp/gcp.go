// Package gcp implements compute.Provider using Google Cloud Compute Engine
// to host the ephemeral runner VM.
//
// Authentication uses the service-account key file when one is configured
// and falls back to Application Default Credentials otherwise.  The
// runner's folder id is interpreted as the GCP project.
package gcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gcpcompute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	"github.com/cenkalti/backoff/v4"
	gax "github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/protobuf/proto"

	"github.com/terrpan/vmrunner/internal/compute"
)

// Config holds GCP-specific provider settings.
type Config struct {
	// Project is the GCP project ID (required).
	Project string

	// Zone is the GCP zone where the runner VM is created (required).
	Zone string

	// CredentialsFile is a service-account key JSON file.  Empty means
	// Application Default Credentials.
	CredentialsFile string

	// Network is the VPC network (optional).  Defaults to "default".
	Network string

	// Retry controls transport-level retries.
	Retry compute.RetryPolicy
}

// ---------------------------------------------------------------------------
// API seams (satisfied by the compute REST clients, mocked in tests)
// ---------------------------------------------------------------------------

type operationWaiter interface {
	Wait(ctx context.Context, opts ...gax.CallOption) error
}

type instancesAPI interface {
	Insert(ctx context.Context, req *computepb.InsertInstanceRequest, opts ...gax.CallOption) (operationWaiter, error)
	Delete(ctx context.Context, req *computepb.DeleteInstanceRequest, opts ...gax.CallOption) (operationWaiter, error)
	Close() error
}

type imagesAPI interface {
	GetFromFamily(ctx context.Context, req *computepb.GetFromFamilyImageRequest, opts ...gax.CallOption) (*computepb.Image, error)
	Close() error
}

// instancesClient adapts *compute.InstancesClient to instancesAPI.
type instancesClient struct {
	*gcpcompute.InstancesClient
}

func (c instancesClient) Insert(ctx context.Context, req *computepb.InsertInstanceRequest, opts ...gax.CallOption) (operationWaiter, error) {
	op, err := c.InstancesClient.Insert(ctx, req, opts...)
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (c instancesClient) Delete(ctx context.Context, req *computepb.DeleteInstanceRequest, opts ...gax.CallOption) (operationWaiter, error) {
	op, err := c.InstancesClient.Delete(ctx, req, opts...)
	if err != nil {
		return nil, err
	}
	return op, nil
}

// Provider manages the runner VM in Compute Engine.
type Provider struct {
	client   instancesAPI
	images   imagesAPI
	cfg      Config
	callOpts []gax.CallOption
	logger   *slog.Logger

	// OpenTelemetry instrumentation
	tracer trace.Tracer
}

// Compile-time check that Provider satisfies the compute.Provider interface.
var _ compute.Provider = (*Provider)(nil)

// New creates a GCP provider.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	if cfg.Network == "" {
		cfg.Network = "default"
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := gcpcompute.NewInstancesRESTClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcp instances client: %w", err)
	}

	images, err := gcpcompute.NewImagesRESTClient(ctx, opts...)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("gcp images client: %w", err)
	}

	logger.Info("gcp provider initialized",
		slog.String("project", cfg.Project),
		slog.String("zone", cfg.Zone),
		slog.String("network", cfg.Network),
	)

	return newProvider(instancesClient{client}, images, cfg, logger), nil
}

func newProvider(client instancesAPI, images imagesAPI, cfg Config, logger *slog.Logger) *Provider {
	return &Provider{
		client:   client,
		images:   images,
		cfg:      cfg,
		callOpts: []gax.CallOption{gax.WithRetry(newRetryer(cfg.Retry))},
		logger:   logger,
		tracer:   otel.Tracer("vmrunner/compute/gcp"),
	}
}

// LatestImage returns the newest non-deprecated image in family.  The
// folderID is the project that owns the image family.
func (p *Provider) LatestImage(ctx context.Context, folderID, family string) (*compute.Image, error) {
	ctx, span := p.tracer.Start(ctx, "compute.gcp.LatestImage")
	defer span.End()

	span.SetAttributes(
		attribute.String("gcp.project", folderID),
		attribute.String("gcp.image_family", family),
	)

	img, err := p.images.GetFromFamily(ctx, &computepb.GetFromFamilyImageRequest{
		Project: folderID,
		Family:  family,
	}, p.callOpts...)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: family %q in project %s", compute.ErrImageNotFound, family, folderID)
		}
		return nil, fmt.Errorf("get image from family %q: %w", family, err)
	}

	p.logger.Info("resolved source image",
		slog.String("image", img.GetSelfLink()),
		slog.String("family", family),
	)

	return &compute.Image{ID: img.GetSelfLink(), Name: img.GetName(), Family: img.GetFamily()}, nil
}

// CreateInstance creates and starts the runner VM.  The cloud-init
// document is passed as the "user-data" metadata item.
func (p *Provider) CreateInstance(ctx context.Context, spec compute.InstanceSpec) (*compute.Instance, error) {
	ctx, span := p.tracer.Start(ctx, "compute.gcp.CreateInstance")
	defer span.End()

	span.SetAttributes(
		attribute.String("runner.name", spec.Name),
		attribute.String("gcp.project", p.cfg.Project),
		attribute.String("gcp.zone", p.cfg.Zone),
	)

	p.logger.Info("creating runner VM",
		slog.String("name", spec.Name),
		slog.String("machine_type", machineType(spec)),
		slog.String("zone", p.cfg.Zone),
	)

	op, err := p.client.Insert(ctx, &computepb.InsertInstanceRequest{
		Project:          p.cfg.Project,
		Zone:             p.cfg.Zone,
		InstanceResource: p.buildInstance(spec),
	}, p.callOpts...)
	if err != nil {
		return nil, fmt.Errorf("insert instance %s: %w", spec.Name, err)
	}

	span.AddEvent("waiting for GCP operation")
	if err := op.Wait(ctx); err != nil {
		return nil, &compute.OperationError{Op: "create", Target: spec.Name, Err: err}
	}

	p.logger.Info("runner VM started",
		slog.String("name", spec.Name),
		slog.String("zone", p.cfg.Zone),
	)

	// For GCP, the instance name is the opaque ID.
	return &compute.Instance{ID: spec.Name, Name: spec.Name}, nil
}

// DeleteInstance permanently deletes the VM identified by id.  Deleting
// an already-deleted VM is not an error.
func (p *Provider) DeleteInstance(ctx context.Context, id string) error {
	ctx, span := p.tracer.Start(ctx, "compute.gcp.DeleteInstance")
	defer span.End()

	span.SetAttributes(
		attribute.String("gcp.instance_name", id),
		attribute.String("gcp.project", p.cfg.Project),
		attribute.String("gcp.zone", p.cfg.Zone),
	)

	p.logger.Info("deleting runner VM", slog.String("name", id))

	op, err := p.client.Delete(ctx, &computepb.DeleteInstanceRequest{
		Project:  p.cfg.Project,
		Zone:     p.cfg.Zone,
		Instance: id,
	}, p.callOpts...)
	if err != nil {
		if isNotFound(err) {
			span.AddEvent("instance already deleted")
			p.logger.Info("runner VM already deleted", slog.String("name", id))
			return nil
		}
		return fmt.Errorf("delete instance %s: %w", id, err)
	}

	if err := op.Wait(ctx); err != nil {
		if isNotFound(err) {
			span.AddEvent("instance already deleted during wait")
			p.logger.Info("runner VM already deleted", slog.String("name", id))
			return nil
		}
		return &compute.OperationError{Op: "delete", Target: id, Err: err}
	}

	p.logger.Info("runner VM deleted", slog.String("name", id))
	return nil
}

// Close closes the API clients.
func (p *Provider) Close(_ context.Context) error {
	return errors.Join(p.client.Close(), p.images.Close())
}

func (p *Provider) buildInstance(spec compute.InstanceSpec) *computepb.Instance {
	disk := &computepb.AttachedDisk{
		AutoDelete: proto.Bool(true),
		Boot:       proto.Bool(true),
		InitializeParams: &computepb.AttachedDiskInitializeParams{
			SourceImage: proto.String(spec.ImageID),
			DiskSizeGb:  proto.Int64(spec.DiskSizeGB),
			DiskType:    proto.String(fmt.Sprintf("zones/%s/diskTypes/pd-ssd", p.cfg.Zone)),
		},
	}

	nic := &computepb.NetworkInterface{
		Network: proto.String(fmt.Sprintf("global/networks/%s", p.cfg.Network)),
		AccessConfigs: []*computepb.AccessConfig{
			{
				Name: proto.String("External NAT"),
				Type: proto.String("ONE_TO_ONE_NAT"),
			},
		},
	}
	if spec.SubnetID != "" {
		nic.Subnetwork = proto.String(spec.SubnetID)
	}

	labels := spec.Labels
	if labels == nil {
		labels = compute.NewLabels()
	}

	instance := &computepb.Instance{
		Name:              proto.String(spec.Name),
		MachineType:       proto.String(fmt.Sprintf("zones/%s/machineTypes/%s", p.cfg.Zone, machineType(spec))),
		Labels:            labels,
		Disks:             []*computepb.AttachedDisk{disk},
		NetworkInterfaces: []*computepb.NetworkInterface{nic},
		Metadata: &computepb.Metadata{
			Items: []*computepb.Items{
				{
					Key:   proto.String("user-data"),
					Value: proto.String(spec.UserData),
				},
			},
		},
	}

	if spec.ServiceAccountID != "" {
		instance.ServiceAccounts = []*computepb.ServiceAccount{
			{
				Email:  proto.String(spec.ServiceAccountID),
				Scopes: []string{"https://www.googleapis.com/auth/cloud-platform"},
			},
		}
	}

	return instance
}

// machineType maps cores and memory to a custom machine type name.
// Compute Engine expects custom memory in MB.
func machineType(spec compute.InstanceSpec) string {
	return fmt.Sprintf("custom-%d-%d", spec.Cores, spec.MemoryGB*1024)
}

// ---------------------------------------------------------------------------
// Retry
// ---------------------------------------------------------------------------

// policyRetryer adapts compute.RetryPolicy to gax.Retryer.
type policyRetryer struct {
	policy compute.RetryPolicy
	bo     backoff.BackOff
}

func newRetryer(policy compute.RetryPolicy) func() gax.Retryer {
	return func() gax.Retryer {
		return &policyRetryer{policy: policy, bo: policy.BackOff()}
	}
}

func (r *policyRetryer) Retry(err error) (time.Duration, bool) {
	if !r.policy.ShouldRetry(err) {
		return 0, false
	}
	pause := r.bo.NextBackOff()
	if pause == backoff.Stop {
		return 0, false
	}
	return pause, true
}

// isNotFound reports whether err is a "not found" (404) error from the
// GCP API.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
		return true
	}
	// Errors that lost their type on the way (e.g. operation errors
	// rendered to text) still carry one of these markers.
	msg := err.Error()
	for _, pattern := range []string{"Error 404", "code = NotFound", "notFound"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
