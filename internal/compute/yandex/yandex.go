// Package yandex implements compute.Provider on top of the Yandex Cloud
// Compute gRPC API.
//
// Authentication uses an authorized service-account key (the JSON file
// produced by `yc iam key create`).  Transport retries are installed as a
// gRPC unary interceptor driven by compute.RetryPolicy.
package yandex

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	computev1 "github.com/yandex-cloud/go-genproto/yandex/cloud/compute/v1"
	"github.com/yandex-cloud/go-genproto/yandex/cloud/operation"
	ycsdk "github.com/yandex-cloud/go-sdk"
	"github.com/yandex-cloud/go-sdk/iamkey"
	ycop "github.com/yandex-cloud/go-sdk/operation"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcmd "google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/terrpan/vmrunner/internal/compute"
)

const (
	// PlatformID is the Intel Broadwell platform runners are created on.
	PlatformID = "standard-v1"

	// DiskType is the boot disk type.
	DiskType = "network-ssd"

	// UserDataKey is the metadata key cloud-init reads its config from.
	UserDataKey = "user-data"

	idempotencyKeyHeader = "idempotency-key"
)

// Config holds Yandex Cloud settings.
type Config struct {
	// ServiceAccountKeyPath is the path to the service-account key JSON
	// file (required).
	ServiceAccountKeyPath string

	// Endpoint overrides the API endpoint.  Empty means the public
	// api.cloud.yandex.net endpoint.
	Endpoint string

	// Retry controls transport-level retries.
	Retry compute.RetryPolicy
}

// ---------------------------------------------------------------------------
// API seams (satisfied by the go-sdk clients, mocked in tests)
// ---------------------------------------------------------------------------

type imageAPI interface {
	GetLatestByFamily(ctx context.Context, in *computev1.GetImageLatestByFamilyRequest, opts ...grpc.CallOption) (*computev1.Image, error)
}

type instanceAPI interface {
	Create(ctx context.Context, in *computev1.CreateInstanceRequest, opts ...grpc.CallOption) (*operation.Operation, error)
	Delete(ctx context.Context, in *computev1.DeleteInstanceRequest, opts ...grpc.CallOption) (*operation.Operation, error)
}

// operationWaiter is the subset of the go-sdk operation wrapper the
// provider needs to await a long-running operation.
type operationWaiter interface {
	Id() string
	Wait(ctx context.Context, opts ...grpc.CallOption) error
	Response() (proto.Message, error)
}

type wrapFunc func(op *operation.Operation, err error) (operationWaiter, error)

// sdkWrap adapts an SDK operation constructor (ycsdk.SDK.WrapOperation in
// production) to a wrapFunc.
func sdkWrap(wrapOp func(*operation.Operation, error) (*ycop.Operation, error)) wrapFunc {
	return func(op *operation.Operation, err error) (operationWaiter, error) {
		wrapped, err := wrapOp(op, err)
		if err != nil {
			return nil, err
		}
		return wrapped, nil
	}
}

// Provider manages runner VMs in Yandex Cloud.
type Provider struct {
	images    imageAPI
	instances instanceAPI
	wrap      wrapFunc
	shutdown  func(context.Context) error
	logger    *slog.Logger

	tracer trace.Tracer
}

// Compile-time checks against compute.Provider and the SDK operation type.
var (
	_ compute.Provider = (*Provider)(nil)
	_ operationWaiter  = (*ycop.Operation)(nil)
)

// New builds a Yandex Cloud SDK from the service-account key and returns a
// provider backed by it.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	key, err := iamkey.ReadFromJSONFile(cfg.ServiceAccountKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading service account key %s: %w", cfg.ServiceAccountKeyPath, err)
	}

	creds, err := ycsdk.ServiceAccountKey(key)
	if err != nil {
		return nil, fmt.Errorf("service account credentials: %w", err)
	}

	sdk, err := ycsdk.Build(ctx, ycsdk.Config{
		Credentials: creds,
		Endpoint:    cfg.Endpoint,
	}, grpc.WithChainUnaryInterceptor(retryInterceptor(cfg.Retry, logger)))
	if err != nil {
		return nil, fmt.Errorf("yandex cloud sdk: %w", err)
	}

	logger.Info("yandex cloud provider initialized",
		slog.Uint64("max_retries", cfg.Retry.MaxRetries),
	)

	return newProvider(sdk.Compute().Image(), sdk.Compute().Instance(), sdkWrap(sdk.WrapOperation), sdk.Shutdown, logger), nil
}

func newProvider(images imageAPI, instances instanceAPI, wrap wrapFunc, shutdown func(context.Context) error, logger *slog.Logger) *Provider {
	return &Provider{
		images:    images,
		instances: instances,
		wrap:      wrap,
		shutdown:  shutdown,
		logger:    logger,
		tracer:    otel.Tracer("vmrunner/compute/yandex"),
	}
}

// LatestImage resolves the newest image of family in folderID.
func (p *Provider) LatestImage(ctx context.Context, folderID, family string) (*compute.Image, error) {
	ctx, span := p.tracer.Start(ctx, "compute.yandex.LatestImage")
	defer span.End()

	span.SetAttributes(
		attribute.String("yc.folder_id", folderID),
		attribute.String("yc.image_family", family),
	)

	img, err := p.images.GetLatestByFamily(ctx, &computev1.GetImageLatestByFamilyRequest{
		FolderId: folderID,
		Family:   family,
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("%w: family %q in folder %s", compute.ErrImageNotFound, family, folderID)
		}
		return nil, fmt.Errorf("get latest image of family %q: %w", family, err)
	}

	p.logger.Info("resolved source image",
		slog.String("image_id", img.GetId()),
		slog.String("family", family),
	)

	return &compute.Image{ID: img.GetId(), Name: img.GetName(), Family: img.GetFamily()}, nil
}

// CreateInstance creates the runner VM and waits until the create
// operation finishes.
func (p *Provider) CreateInstance(ctx context.Context, spec compute.InstanceSpec) (*compute.Instance, error) {
	ctx, span := p.tracer.Start(ctx, "compute.yandex.CreateInstance")
	defer span.End()

	span.SetAttributes(
		attribute.String("runner.name", spec.Name),
		attribute.String("yc.zone", spec.Zone),
		attribute.Int64("yc.cores", spec.Cores),
		attribute.Int64("yc.memory_gb", spec.MemoryGB),
	)

	p.logger.Info("creating runner VM",
		slog.String("name", spec.Name),
		slog.String("zone", spec.Zone),
		slog.String("image_id", spec.ImageID),
	)

	// One key per logical create; transport retries reuse it so the API
	// never starts a second VM for the same request.
	ctx = grpcmd.AppendToOutgoingContext(ctx, idempotencyKeyHeader, uuid.NewString())

	op, err := p.wrap(p.instances.Create(ctx, buildCreateRequest(spec)))
	if err != nil {
		return nil, fmt.Errorf("create instance %s: %w", spec.Name, err)
	}

	p.logger.Info("create operation submitted", slog.String("operation_id", op.Id()))
	span.AddEvent("waiting for operation")

	res, err := p.await(ctx, op, "create", spec.Name)
	if err != nil {
		return nil, err
	}

	inst, ok := res.(*computev1.Instance)
	if !ok {
		return nil, &compute.OperationError{
			Op:     "create",
			ID:     op.Id(),
			Target: spec.Name,
			Err:    fmt.Errorf("unexpected response type %T", res),
		}
	}

	span.SetAttributes(attribute.String("yc.instance_id", inst.GetId()))
	p.logger.Info("runner VM created",
		slog.String("name", inst.GetName()),
		slog.String("instance_id", inst.GetId()),
	)

	return &compute.Instance{ID: inst.GetId(), Name: inst.GetName()}, nil
}

// DeleteInstance deletes the VM and waits for the delete operation.
func (p *Provider) DeleteInstance(ctx context.Context, id string) error {
	ctx, span := p.tracer.Start(ctx, "compute.yandex.DeleteInstance")
	defer span.End()

	span.SetAttributes(attribute.String("yc.instance_id", id))

	p.logger.Info("deleting runner VM", slog.String("instance_id", id))

	op, err := p.wrap(p.instances.Delete(ctx, &computev1.DeleteInstanceRequest{InstanceId: id}))
	if err != nil {
		return fmt.Errorf("delete instance %s: %w", id, err)
	}

	span.AddEvent("waiting for operation")
	if _, err := p.await(ctx, op, "delete", id); err != nil {
		return err
	}

	p.logger.Info("runner VM deleted", slog.String("instance_id", id))
	return nil
}

// Close shuts the SDK connections down.
func (p *Provider) Close(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// await blocks until op is done and returns its typed response.
func (p *Provider) await(ctx context.Context, op operationWaiter, kind, target string) (proto.Message, error) {
	if err := op.Wait(ctx); err != nil {
		return nil, &compute.OperationError{Op: kind, ID: op.Id(), Target: target, Err: err}
	}
	res, err := op.Response()
	if err != nil {
		return nil, &compute.OperationError{Op: kind, ID: op.Id(), Target: target, Err: err}
	}
	return res, nil
}

func buildCreateRequest(spec compute.InstanceSpec) *computev1.CreateInstanceRequest {
	labels := spec.Labels
	if labels == nil {
		labels = compute.NewLabels()
	}

	return &computev1.CreateInstanceRequest{
		FolderId:         spec.FolderID,
		Labels:           labels,
		ServiceAccountId: spec.ServiceAccountID,
		Name:             spec.Name,
		ResourcesSpec: &computev1.ResourcesSpec{
			Memory: compute.GBToBytes(spec.MemoryGB),
			Cores:  spec.Cores,
		},
		ZoneId:     spec.Zone,
		PlatformId: PlatformID,
		BootDiskSpec: &computev1.AttachedDiskSpec{
			AutoDelete: true,
			Disk: &computev1.AttachedDiskSpec_DiskSpec_{
				DiskSpec: &computev1.AttachedDiskSpec_DiskSpec{
					TypeId: DiskType,
					Size:   compute.GBToBytes(spec.DiskSizeGB),
					Source: &computev1.AttachedDiskSpec_DiskSpec_ImageId{
						ImageId: spec.ImageID,
					},
				},
			},
		},
		NetworkInterfaceSpecs: []*computev1.NetworkInterfaceSpec{
			{
				SubnetId: spec.SubnetID,
				PrimaryV4AddressSpec: &computev1.PrimaryAddressSpec{
					OneToOneNatSpec: &computev1.OneToOneNatSpec{
						IpVersion: computev1.IpVersion_IPV4,
					},
				},
			},
		},
		Metadata: map[string]string{
			UserDataKey: spec.UserData,
		},
	}
}

// retryInterceptor retries unary calls according to policy.
func retryInterceptor(policy compute.RetryPolicy, logger *slog.Logger) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		return policy.Do(ctx, func() error {
			return invoker(ctx, method, req, reply, cc, opts...)
		}, func(err error, wait time.Duration) {
			logger.Warn("retrying cloud API call",
				slog.String("method", method),
				slog.Duration("wait", wait),
				slog.String("error", err.Error()),
			)
		})
	}
}
