// Package github talks to the GitHub REST API endpoints that manage
// repository-level self-hosted runners.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/vmrunner/internal/buildinfo"
)

// DefaultAPIURL is the public GitHub REST API.
const DefaultAPIURL = "https://api.github.com"

const (
	apiVersion   = "2022-11-28"
	mediaType    = "application/vnd.github+json"
	maxErrorBody = 4 << 10
)

// ErrAuth is returned when GitHub refuses to issue a registration token.
var ErrAuth = errors.New("github: registration token request rejected")

// HTTPError is a non-2xx response from the GitHub API.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("github: %s %s: HTTP %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// RegistrationToken is a short-lived secret that lets a new runner join
// the repository's runner pool.
type RegistrationToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Config holds client settings.
type Config struct {
	// BaseURL is the REST API root.  Default: DefaultAPIURL.
	BaseURL string

	// Token is a token with the `repo` (or `public_repo`) scope.
	Token string

	// HTTPClient is optional.  Default: a client with a 30s timeout.
	HTTPClient *http.Client
}

// Client issues runner registration tokens and removes runners.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger

	tracer trace.Tracer
}

// NewClient creates a Client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultAPIURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    cfg.HTTPClient,
		logger:  logger,
		tracer:  otel.Tracer("vmrunner/github"),
	}
}

// RegistrationToken requests a registration token for repository
// ("owner/name").  A non-2xx answer yields an error matching ErrAuth.
func (c *Client) RegistrationToken(ctx context.Context, repository string) (*RegistrationToken, error) {
	ctx, span := c.tracer.Start(ctx, "github.RegistrationToken")
	defer span.End()
	span.SetAttributes(attribute.String("github.repository", repository))

	c.logger.Info("requesting runner registration token", slog.String("repository", repository))

	resp, err := c.do(ctx, http.MethodPost, runnersPath(repository, "registration-token"))
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			return nil, fmt.Errorf("%w: %w", ErrAuth, err)
		}
		return nil, err
	}
	defer resp.Body.Close()

	var tok RegistrationToken
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return nil, fmt.Errorf("decoding registration token: %w", err)
	}
	if tok.Token == "" {
		return nil, fmt.Errorf("%w: response carried no token", ErrAuth)
	}

	c.logger.Info("retrieved runner registration token", slog.Time("expires_at", tok.ExpiresAt))
	return &tok, nil
}

// RemoveRunner deregisters the runner with the given id from repository.
func (c *Client) RemoveRunner(ctx context.Context, repository, runnerID string) error {
	ctx, span := c.tracer.Start(ctx, "github.RemoveRunner")
	defer span.End()
	span.SetAttributes(
		attribute.String("github.repository", repository),
		attribute.String("github.runner_id", runnerID),
	)

	c.logger.Info("removing runner",
		slog.String("repository", repository),
		slog.String("runner_id", runnerID),
	)

	resp, err := c.do(ctx, http.MethodDelete, runnersPath(repository, url.PathEscape(runnerID)))
	if err != nil {
		return err
	}
	resp.Body.Close()

	c.logger.Info("runner removed", slog.String("runner_id", runnerID))
	return nil
}

// do sends an authenticated request.  Non-2xx responses are returned as
// *HTTPError with the body already consumed.
func (c *Client) do(ctx context.Context, method, path string) (*http.Response, error) {
	u := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", mediaType)
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	req.Header.Set("User-Agent", "vmrunner/"+buildinfo.Version)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("github: %s %s: %w", method, u, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Error("github API request failed",
			slog.String("method", method),
			slog.String("url", u),
			slog.Int("status", resp.StatusCode),
		)
		return nil, &HTTPError{
			Method:     method,
			URL:        u,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	return resp, nil
}

func runnersPath(repository, suffix string) string {
	return "/repos/" + repository + "/actions/runners/" + suffix
}
