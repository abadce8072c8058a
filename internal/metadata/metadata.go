// Package metadata reads facts about the VM the process runs on from the
// cloud provider's link-local metadata service.  Yandex Cloud serves the
// GCE-compatible API, so the Google metadata client is used for both.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	gcemd "cloud.google.com/go/compute/metadata"
)

// ErrMetadata is returned when the metadata service cannot be queried.
var ErrMetadata = errors.New("instance metadata unavailable")

const defaultTimeout = 10 * time.Second

// Reader queries the instance metadata service.
type Reader struct {
	client *gcemd.Client
}

// NewReader returns a Reader.  A nil httpClient gets a client with a
// short timeout; the metadata server is link-local and answers fast or
// not at all.
func NewReader(httpClient *http.Client, logger *slog.Logger) *Reader {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Reader{
		client: gcemd.NewWithOptions(&gcemd.Options{
			Client: httpClient,
			Logger: logger,
		}),
	}
}

// InstanceName returns the name of the VM this process runs on.
func (r *Reader) InstanceName(ctx context.Context) (string, error) {
	name, err := r.client.InstanceNameWithContext(ctx)
	if err != nil {
		var mdErr *gcemd.Error
		if errors.As(err, &mdErr) {
			return "", fmt.Errorf("%w: HTTP %d", ErrMetadata, mdErr.Code)
		}
		return "", fmt.Errorf("%w: %w", ErrMetadata, err)
	}
	return name, nil
}
