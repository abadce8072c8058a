// Package compute defines the abstraction for the cloud backends that host
// the ephemeral runner VM.  Each backend (Yandex Cloud, GCP) implements
// Provider so the orchestration workflow stays cloud-agnostic.
package compute

import (
	"context"
	"errors"
	"fmt"
)

// GiB is the number of bytes in one gibibyte.  Sizes arrive from the
// command line in GB and are sent to APIs that expect bytes.
const GiB int64 = 1 << 30

// LabelReady is the instance label the CI system flips once the runner
// has registered itself.  New instances always start with "0".
const LabelReady = "gh_ready"

var (
	// ErrImageNotFound is returned by LatestImage when the image family
	// does not exist or holds no images.
	ErrImageNotFound = errors.New("image not found")
)

// Image is the newest image of an image family.
type Image struct {
	ID     string
	Name   string
	Family string
}

// Instance identifies a created VM.  ID is whatever the backend uses to
// address the instance in subsequent delete calls.
type Instance struct {
	ID   string
	Name string
}

// InstanceSpec describes the VM to create.
type InstanceSpec struct {
	// FolderID is the Yandex Cloud folder or the GCP project.
	FolderID string
	Zone     string
	SubnetID string

	// Name doubles as the runner name registered with GitHub.
	Name string

	ServiceAccountID string

	MemoryGB   int64
	Cores      int64
	DiskSizeGB int64
	ImageID    string

	Labels map[string]string

	// UserData is the rendered cloud-init document.
	UserData string
}

// Provider is the contract every cloud backend must satisfy.
//
// CreateInstance and DeleteInstance submit an asynchronous operation and
// block until it reaches a terminal state.  A failed operation is
// reported as an *OperationError.
type Provider interface {
	// LatestImage resolves the newest image in family.
	LatestImage(ctx context.Context, folderID, family string) (*Image, error)

	// CreateInstance creates a VM and waits for the create to finish.
	CreateInstance(ctx context.Context, spec InstanceSpec) (*Instance, error)

	// DeleteInstance deletes the VM identified by id and waits for the
	// delete to finish.
	DeleteInstance(ctx context.Context, id string) error

	// Close releases the API connections.
	Close(ctx context.Context) error
}

// OperationError reports a long-running operation that was submitted but
// did not complete successfully.
type OperationError struct {
	// Op is the operation kind, e.g. "create" or "delete".
	Op string
	// ID is the backend operation identifier, if known.
	ID string
	// Target is the instance name or id the operation acted on.
	Target string
	Err    error
}

func (e *OperationError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s operation %s for %s failed: %v", e.Op, e.ID, e.Target, e.Err)
	}
	return fmt.Sprintf("%s operation for %s failed: %v", e.Op, e.Target, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

// GBToBytes converts a size in GB to bytes.
func GBToBytes(gb int64) int64 {
	return gb * GiB
}

// NewLabels returns the labels every runner VM is created with.
func NewLabels() map[string]string {
	return map[string]string{LabelReady: "0"}
}
