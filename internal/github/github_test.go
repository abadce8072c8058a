package github

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type GitHubClientSuite struct {
	suite.Suite
	ctx      context.Context
	mux      *http.ServeMux
	srv      *httptest.Server
	client   *Client
	requests []*http.Request
}

func (s *GitHubClientSuite) SetupTest() {
	s.ctx = context.Background()
	s.mux = http.NewServeMux()
	s.requests = nil
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requests = append(s.requests, r)
		s.mux.ServeHTTP(w, r)
	}))
	s.client = NewClient(Config{
		BaseURL: s.srv.URL + "/",
		Token:   "ghp_test",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func (s *GitHubClientSuite) TearDownTest() {
	s.srv.Close()
}

func TestGitHubClientSuite(t *testing.T) {
	suite.Run(t, new(GitHubClientSuite))
}

// ---------------------------------------------------------------------------
// RegistrationToken
// ---------------------------------------------------------------------------

func (s *GitHubClientSuite) TestRegistrationToken_Success() {
	s.mux.HandleFunc("POST /repos/octo/hello/actions/runners/registration-token", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"token":"AABF3JGZDX3P5PMEXLND6TS6FCWO6","expires_at":"2026-10-16T20:00:00Z"}`)
	})

	tok, err := s.client.RegistrationToken(s.ctx, "octo/hello")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "AABF3JGZDX3P5PMEXLND6TS6FCWO6", tok.Token)
	assert.Equal(s.T(), 2026, tok.ExpiresAt.Year())

	require.Len(s.T(), s.requests, 1)
	req := s.requests[0]
	assert.Equal(s.T(), "Bearer ghp_test", req.Header.Get("Authorization"))
	assert.Equal(s.T(), "application/vnd.github+json", req.Header.Get("Accept"))
	assert.Equal(s.T(), "2022-11-28", req.Header.Get("X-GitHub-Api-Version"))
	assert.Contains(s.T(), req.Header.Get("User-Agent"), "vmrunner/")
}

func (s *GitHubClientSuite) TestRegistrationToken_Unauthorized() {
	s.mux.HandleFunc("POST /repos/octo/hello/actions/runners/registration-token", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"message":"Bad credentials"}`, http.StatusUnauthorized)
	})

	_, err := s.client.RegistrationToken(s.ctx, "octo/hello")
	require.Error(s.T(), err)
	assert.ErrorIs(s.T(), err, ErrAuth)

	var httpErr *HTTPError
	require.ErrorAs(s.T(), err, &httpErr)
	assert.Equal(s.T(), http.StatusUnauthorized, httpErr.StatusCode)
	assert.Equal(s.T(), http.MethodPost, httpErr.Method)
	assert.Contains(s.T(), httpErr.Body, "Bad credentials")
}

func (s *GitHubClientSuite) TestRegistrationToken_NotFound() {
	_, err := s.client.RegistrationToken(s.ctx, "octo/missing")
	assert.ErrorIs(s.T(), err, ErrAuth)
}

func (s *GitHubClientSuite) TestRegistrationToken_EmptyToken() {
	s.mux.HandleFunc("POST /repos/octo/hello/actions/runners/registration-token", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{}`)
	})

	_, err := s.client.RegistrationToken(s.ctx, "octo/hello")
	assert.ErrorIs(s.T(), err, ErrAuth)
}

func (s *GitHubClientSuite) TestRegistrationToken_MalformedBody() {
	s.mux.HandleFunc("POST /repos/octo/hello/actions/runners/registration-token", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `not json`)
	})

	_, err := s.client.RegistrationToken(s.ctx, "octo/hello")
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "decoding registration token")
}

// ---------------------------------------------------------------------------
// RemoveRunner
// ---------------------------------------------------------------------------

func (s *GitHubClientSuite) TestRemoveRunner_Success() {
	s.mux.HandleFunc("DELETE /repos/octo/hello/actions/runners/fhm123", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	err := s.client.RemoveRunner(s.ctx, "octo/hello", "fhm123")
	require.NoError(s.T(), err)
	require.Len(s.T(), s.requests, 1)
	assert.Equal(s.T(), http.MethodDelete, s.requests[0].Method)
	assert.Equal(s.T(), "Bearer ghp_test", s.requests[0].Header.Get("Authorization"))
}

func (s *GitHubClientSuite) TestRemoveRunner_Failure() {
	s.mux.HandleFunc("DELETE /repos/octo/hello/actions/runners/fhm123", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
	})

	err := s.client.RemoveRunner(s.ctx, "octo/hello", "fhm123")
	var httpErr *HTTPError
	require.ErrorAs(s.T(), err, &httpErr)
	assert.Equal(s.T(), http.StatusNotFound, httpErr.StatusCode)
	assert.NotErrorIs(s.T(), err, ErrAuth)
}

func (s *GitHubClientSuite) TestNewClient_Defaults() {
	c := NewClient(Config{Token: "t"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Equal(s.T(), DefaultAPIURL, c.baseURL)
	assert.NotNil(s.T(), c.http)
}
