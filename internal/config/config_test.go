package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/vmrunner/internal/github"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// validStartConfig returns a Config that passes Validate() for start on
// Yandex Cloud.
func validStartConfig() *Config {
	cfg := &Config{
		Action: ActionStart,
		GitHub: GitHubConfig{AuthToken: "ghp_test_token"},
		Cloud: CloudConfig{
			SAJSONPath: "/tmp/sa.json",
			FolderID:   "b1gfolder",
			Zone:       "ru-central1-a",
			SubnetID:   "e9bsubnet",
		},
		Runner: RunnerConfig{
			NamePrefix:  "runner",
			MemoryGB:    2,
			Cores:       2,
			DiskSizeGB:  20,
			ImageFamily: "ubuntu-2204-lts",
			Version:     "2.311.0",
		},
	}
	cfg.ApplyDefaults(Env{})
	return cfg
}

// validStopConfig returns a Config that passes Validate() for stop.
func validStopConfig() *Config {
	cfg := &Config{
		Action:     ActionStop,
		GitHub:     GitHubConfig{AuthToken: "ghp_test_token"},
		Cloud:      CloudConfig{SAJSONPath: "/tmp/sa.json", FolderID: "b1gfolder"},
		InstanceID: "fhm0instance",
	}
	cfg.ApplyDefaults(Env{})
	return cfg
}

func requireConfigError(t *testing.T, err error, field string) {
	t.Helper()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfig)

	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, field, cerr.Field)
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type ConfigValidationSuite struct {
	suite.Suite
}

func TestConfigValidationSuite(t *testing.T) {
	suite.Run(t, new(ConfigValidationSuite))
}

// ---------------------------------------------------------------------------
// Valid configs
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_ValidStart() {
	require.NoError(s.T(), validStartConfig().Validate())
}

func (s *ConfigValidationSuite) TestValidate_ValidStop() {
	require.NoError(s.T(), validStopConfig().Validate())
}

func (s *ConfigValidationSuite) TestValidate_PreinstalledNeedsNoRunnerVersion() {
	cfg := validStartConfig()
	cfg.Runner.ActionsPreinstalled = "true"
	cfg.Runner.Version = ""
	require.NoError(s.T(), cfg.Validate())
}

func (s *ConfigValidationSuite) TestValidate_GCPAllowsADC() {
	cfg := validStartConfig()
	cfg.Cloud.Provider = CloudGCP
	cfg.Cloud.SAJSONPath = ""
	cfg.Cloud.SubnetID = ""
	require.NoError(s.T(), cfg.Validate())
}

// ---------------------------------------------------------------------------
// Action & cloud
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_MissingAction() {
	cfg := validStartConfig()
	cfg.Action = ""
	requireConfigError(s.T(), cfg.Validate(), "action")
}

func (s *ConfigValidationSuite) TestValidate_UnknownAction() {
	cfg := validStartConfig()
	cfg.Action = "restart"
	err := cfg.Validate()
	requireConfigError(s.T(), err, "action")
	assert.Contains(s.T(), err.Error(), "restart")
}

func (s *ConfigValidationSuite) TestValidate_UnknownCloud() {
	cfg := validStartConfig()
	cfg.Cloud.Provider = "aws"
	requireConfigError(s.T(), cfg.Validate(), "cloud")
}

func (s *ConfigValidationSuite) TestValidate_MissingFolder() {
	cfg := validStopConfig()
	cfg.Cloud.FolderID = ""
	requireConfigError(s.T(), cfg.Validate(), "folder-id")
}

func (s *ConfigValidationSuite) TestValidate_YandexNeedsKeyFile() {
	cfg := validStopConfig()
	cfg.Cloud.SAJSONPath = ""
	requireConfigError(s.T(), cfg.Validate(), "sa-json-path")
}

// ---------------------------------------------------------------------------
// Start validation
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_StartRequiredFields() {
	tests := []struct {
		field  string
		mutate func(*Config)
	}{
		{"github_auth_token", func(c *Config) { c.GitHub.AuthToken = "" }},
		{"zone", func(c *Config) { c.Cloud.Zone = "" }},
		{"subnet-id", func(c *Config) { c.Cloud.SubnetID = "" }},
		{"name-prefix", func(c *Config) { c.Runner.NamePrefix = "" }},
		{"image-family", func(c *Config) { c.Runner.ImageFamily = "" }},
		{"memory", func(c *Config) { c.Runner.MemoryGB = 0 }},
		{"cores", func(c *Config) { c.Runner.Cores = -1 }},
		{"disk-size", func(c *Config) { c.Runner.DiskSizeGB = 0 }},
		{"shutdown-timeout", func(c *Config) { c.Runner.ShutdownTimeout = -5 }},
		{"runner-ver", func(c *Config) { c.Runner.Version = "" }},
		{"actions-preinstalled", func(c *Config) { c.Runner.ActionsPreinstalled = "yes" }},
	}

	for _, tc := range tests {
		s.Run(tc.field, func() {
			cfg := validStartConfig()
			tc.mutate(cfg)
			requireConfigError(s.T(), cfg.Validate(), tc.field)
		})
	}
}

// ---------------------------------------------------------------------------
// Stop validation
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_StopMissingInstanceID() {
	cfg := validStopConfig()
	cfg.InstanceID = ""
	requireConfigError(s.T(), cfg.Validate(), "instance-id")
}

func (s *ConfigValidationSuite) TestValidate_StopIgnoresStartFields() {
	cfg := validStopConfig()
	cfg.GitHub.AuthToken = ""
	cfg.Runner.ActionsPreinstalled = "maybe"
	require.NoError(s.T(), cfg.Validate())
}

// ---------------------------------------------------------------------------
// Env
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestEnvValidate() {
	full := Env{RunID: "42", Repository: "octo/hello", ActionPath: "/action"}

	require.NoError(s.T(), full.Validate(ActionStart))
	require.NoError(s.T(), Env{Repository: "octo/hello"}.Validate(ActionStop))

	tests := []struct {
		field  string
		action string
		mutate func(*Env)
	}{
		{"GITHUB_RUN_ID", ActionStart, func(e *Env) { e.RunID = "" }},
		{"GITHUB_ACTION_PATH", ActionStart, func(e *Env) { e.ActionPath = "" }},
		{"GITHUB_REPOSITORY", ActionStart, func(e *Env) { e.Repository = "" }},
		{"GITHUB_REPOSITORY", ActionStop, func(e *Env) { e.Repository = "" }},
	}
	for _, tc := range tests {
		s.Run(tc.action+"/"+tc.field, func() {
			env := full
			tc.mutate(&env)
			requireConfigError(s.T(), env.Validate(tc.action), tc.field)
		})
	}
}

func (s *ConfigValidationSuite) TestLoadEnv() {
	s.T().Setenv("GITHUB_RUN_ID", "1234")
	s.T().Setenv("GITHUB_REPOSITORY", "octo/hello")
	s.T().Setenv("GITHUB_ACTION_PATH", "/home/runner/work/_actions/vmrunner")
	s.T().Setenv("GITHUB_API_URL", "https://ghe.example.com/api/v3")
	s.T().Setenv("GITHUB_OUTPUT", "/tmp/out")

	env, err := LoadEnv()
	require.NoError(s.T(), err)
	assert.Equal(s.T(), Env{
		RunID:      "1234",
		Repository: "octo/hello",
		ActionPath: "/home/runner/work/_actions/vmrunner",
		APIURL:     "https://ghe.example.com/api/v3",
		OutputPath: "/tmp/out",
	}, env)
}

// ---------------------------------------------------------------------------
// ParseBool
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestParseBool() {
	for _, in := range []string{"true", "TRUE", " True "} {
		v, err := ParseBool("f", in)
		require.NoError(s.T(), err, in)
		assert.True(s.T(), v, in)
	}
	for _, in := range []string{"false", "False"} {
		v, err := ParseBool("f", in)
		require.NoError(s.T(), err, in)
		assert.False(s.T(), v, in)
	}
	for _, in := range []string{"", "1", "0", "yes", "no", "t"} {
		_, err := ParseBool("f", in)
		requireConfigError(s.T(), err, "f")
	}
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestApplyDefaults_SetsExpectedValues() {
	cfg := &Config{}
	cfg.ApplyDefaults(Env{})

	assert.Equal(s.T(), CloudYandex, cfg.Cloud.Provider)
	assert.Equal(s.T(), github.DefaultAPIURL, cfg.GitHub.APIURL)
	assert.Equal(s.T(), "false", cfg.Runner.ActionsPreinstalled)
	assert.Equal(s.T(), "info", cfg.Logging.Level)
	assert.Equal(s.T(), "text", cfg.Logging.Format)
}

func (s *ConfigValidationSuite) TestApplyDefaults_APIURLFromEnv() {
	cfg := &Config{}
	cfg.ApplyDefaults(Env{APIURL: "https://ghe.example.com/api/v3"})
	assert.Equal(s.T(), "https://ghe.example.com/api/v3", cfg.GitHub.APIURL)

	cfg = &Config{GitHub: GitHubConfig{APIURL: "https://explicit.example.com"}}
	cfg.ApplyDefaults(Env{APIURL: "https://ghe.example.com/api/v3"})
	assert.Equal(s.T(), "https://explicit.example.com", cfg.GitHub.APIURL)
}

func (s *ConfigValidationSuite) TestApplyDefaults_KeepsExplicitValues() {
	cfg := &Config{
		Cloud:   CloudConfig{Provider: CloudGCP},
		Runner:  RunnerConfig{ActionsPreinstalled: "true"},
		Logging: LoggingConfig{Level: "debug", Format: "json"},
	}
	cfg.ApplyDefaults(Env{})

	assert.Equal(s.T(), CloudGCP, cfg.Cloud.Provider)
	assert.Equal(s.T(), "true", cfg.Runner.ActionsPreinstalled)
	assert.Equal(s.T(), "debug", cfg.Logging.Level)
	assert.Equal(s.T(), "json", cfg.Logging.Format)
}

// ---------------------------------------------------------------------------
// Load
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestLoad_EmptyPath() {
	cfg, err := Load("")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), &Config{}, cfg)
}

func (s *ConfigValidationSuite) TestLoad_MissingFile() {
	cfg, err := Load(filepath.Join(s.T().TempDir(), "nope.yaml"))
	require.NoError(s.T(), err)
	assert.Equal(s.T(), &Config{}, cfg)
}

func (s *ConfigValidationSuite) TestLoad_ParsesYAML() {
	path := filepath.Join(s.T().TempDir(), "vmrunner.yaml")
	require.NoError(s.T(), os.WriteFile(path, []byte(`
action: start
cloud:
  provider: gcp
  folder_id: my-project
  zone: europe-west1-b
runner:
  name_prefix: ci
  memory: 4
  cores: 2
  disk_size: 30
  image_family: runner-images
  actions_preinstalled: "true"
logging:
  format: json
otel:
  enabled: true
  endpoint: localhost:4318
`), 0o600))

	cfg, err := Load(path)
	require.NoError(s.T(), err)

	assert.Equal(s.T(), ActionStart, cfg.Action)
	assert.Equal(s.T(), CloudGCP, cfg.Cloud.Provider)
	assert.Equal(s.T(), "my-project", cfg.Cloud.FolderID)
	assert.Equal(s.T(), int64(4), cfg.Runner.MemoryGB)
	assert.Equal(s.T(), int64(30), cfg.Runner.DiskSizeGB)
	assert.Equal(s.T(), "true", cfg.Runner.ActionsPreinstalled)
	assert.Equal(s.T(), "json", cfg.Logging.Format)
	assert.True(s.T(), cfg.OTel.Enabled)
	assert.Equal(s.T(), "localhost:4318", cfg.OTelSettings().Endpoint)
}

func (s *ConfigValidationSuite) TestLoad_InvalidYAML() {
	path := filepath.Join(s.T().TempDir(), "bad.yaml")
	require.NoError(s.T(), os.WriteFile(path, []byte("runner: [unclosed"), 0o600))

	_, err := Load(path)
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "parsing config")
}

// ---------------------------------------------------------------------------
// Helpers on Config
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestRunnerName() {
	cfg := validStartConfig()
	assert.Equal(s.T(), "runner-1234", cfg.RunnerName("1234"))
}

func (s *ConfigValidationSuite) TestNewLogger_Level() {
	cfg := &Config{Logging: LoggingConfig{Level: "warn", Format: "json"}}
	logger := cfg.NewLogger(os.Stderr)

	assert.False(s.T(), logger.Enabled(context.Background(), slog.LevelInfo))
	assert.True(s.T(), logger.Enabled(context.Background(), slog.LevelWarn))
}

func (s *ConfigValidationSuite) TestNewProvider_UnknownCloud() {
	cfg := &Config{Cloud: CloudConfig{Provider: "aws"}}
	_, err := cfg.NewProvider(context.Background(), slog.New(slog.DiscardHandler))
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "aws")
}
