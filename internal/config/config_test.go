package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	addr, err := cfg.Server.Addr()
	require.NoError(t, err)
	assert.Equal(t, ":8080", addr)
	assert.Equal(t, 32, cfg.Voting.TokenBytes)
	assert.Equal(t, 5*time.Minute, cfg.Voting.TokenExpireBuffer)
	assert.Equal(t, 30*time.Second, cfg.Live.HeartbeatInterval)
	assert.True(t, cfg.Server.MetricsEnabled)
}

func TestLoadYAMLThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ballot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9090"
  publicBaseUrl: https://vote.example.com
voting:
  tokenExpireBuffer: 2m
  defaultDurationMinutes: 10
live:
  subscriberQueueSize: 8
`), 0o600))

	t.Setenv("PORT", "127.0.0.1:7000")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example.com,https://b.example.com")

	cfg, err := Load(path)
	require.NoError(t, err)

	addr, err := cfg.Server.Addr()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", addr)
	assert.Equal(t, "https://vote.example.com", cfg.Server.PublicBaseURL)
	assert.Equal(t, 2*time.Minute, cfg.Voting.TokenExpireBuffer)
	assert.Equal(t, 10, cfg.Voting.DefaultMinutes)
	assert.Equal(t, 8, cfg.Live.SubscriberQueueSize)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.Server.AllowedOrigins)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = "80 80"
	cfg.Voting.TokenBytes = 8
	cfg.Voting.MinDurationMinutes = 10
	cfg.Voting.MaxDurationMinutes = 5
	cfg.Logging.Format = "xml"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"PORT", "TOKEN_BYTES", "VOTING_MIN_DURATION_MINUTES", "VOTING_DEFAULT_DURATION_MINUTES", "LOG_FORMAT"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoadRejectsBadEnvironment(t *testing.T) {
	t.Setenv("TOKEN_BYTES", "twelve")
	_, err := Load("")
	assert.Error(t, err)
}

func TestOriginAllowed(t *testing.T) {
	s := ServerConfig{AllowedOrigins: []string{"https://vote.example.com/"}}
	assert.True(t, s.OriginAllowed(""))
	assert.True(t, s.OriginAllowed("https://vote.example.com"))
	assert.False(t, s.OriginAllowed("https://evil.example.com"))

	s.AllowedOrigins = []string{"*"}
	assert.True(t, s.OriginAllowed("https://anything.example.com"))
}

func TestSlogLevel(t *testing.T) {
	level, err := LoggingConfig{Level: "debug"}.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", level.String())

	_, err = LoggingConfig{Level: "loud"}.SlogLevel()
	assert.Error(t, err)
}
