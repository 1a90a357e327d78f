package configuration

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var configYamlV01 = `
log:
  level: debug
  formatter: json
http:
  addr: :5001
  debug:
    addr: :5002
storage:
  path: /var/lib/registry
  maxblobsize: 1073741824
  delete:
    enabled: true
upload:
  sessionttl: 48h
  purgeinterval: 5m
security:
  requireauth: true
  allowanonymouspull: true
  realm: https://auth.example.com/token
  service: registry.example.com
  users:
    secrettoken:
      name: alice
      admin: true
    pushtoken:
      name: bob
      grants:
        - repository: team/app
          actions: [pull, push]
  ratelimit:
    enabled: true
    rps: 50
    burst: 75
gc:
  safetyhorizon: 2h
`

func TestParseSimple(t *testing.T) {
	config, err := Parse(bytes.NewReader([]byte(configYamlV01)))
	require.NoError(t, err)

	assert.Equal(t, Loglevel("debug"), config.Log.Level)
	assert.Equal(t, "json", config.Log.Formatter)
	assert.Equal(t, ":5001", config.HTTP.Addr)
	assert.Equal(t, ":5002", config.HTTP.Debug.Addr)
	assert.Equal(t, "/var/lib/registry", config.Storage.Path)
	assert.Equal(t, int64(1073741824), config.Storage.MaxBlobSize)
	assert.True(t, config.Storage.Delete.Enabled)
	assert.Equal(t, 48*time.Hour, config.Upload.SessionTTL.Std())
	assert.Equal(t, 5*time.Minute, config.Upload.PurgeInterval.Std())
	assert.Equal(t, 2*time.Hour, config.GC.SafetyHorizon.Std())

	require.True(t, config.Security.RequireAuth)
	require.Len(t, config.Security.Users, 2)
	assert.Equal(t, "alice", config.Security.Users["secrettoken"].Name)
	assert.True(t, config.Security.Users["secrettoken"].Admin)
	bob := config.Security.Users["pushtoken"]
	require.Len(t, bob.Grants, 1)
	assert.Equal(t, "team/app", bob.Grants[0].Repository)
	assert.Equal(t, []string{"pull", "push"}, bob.Grants[0].Actions)

	assert.True(t, config.Security.RateLimit.Enabled)
	assert.Equal(t, 50.0, config.Security.RateLimit.RPS)
	assert.Equal(t, 75, config.Security.RateLimit.Burst)
}

func TestParseDefaults(t *testing.T) {
	config, err := Parse(bytes.NewReader([]byte("storage:\n  path: /tmp/registry\n")))
	require.NoError(t, err)

	assert.Equal(t, Loglevel("info"), config.Log.Level)
	assert.Equal(t, "text", config.Log.Formatter)
	assert.Equal(t, DefaultAddr, config.HTTP.Addr)
	assert.Equal(t, DefaultSessionTTL, config.Upload.SessionTTL)
	assert.Equal(t, DefaultPurgeInterval, config.Upload.PurgeInterval)
	assert.Equal(t, DefaultSafetyHorizon, config.GC.SafetyHorizon)
	assert.False(t, config.Storage.Delete.Enabled)
}

func TestParseMissingStoragePath(t *testing.T) {
	_, err := Parse(bytes.NewReader([]byte("log:\n  level: info\n")))
	require.Error(t, err)
}

func TestParseInvalidLoglevel(t *testing.T) {
	_, err := Parse(bytes.NewReader([]byte("log:\n  level: derp\nstorage:\n  path: /tmp\n")))
	require.Error(t, err)
}

func TestParseInvalidDuration(t *testing.T) {
	_, err := Parse(bytes.NewReader([]byte("storage:\n  path: /tmp\nupload:\n  sessionttl: soon\n")))
	require.Error(t, err)
}

func TestParseWithEnvironmentOverrides(t *testing.T) {
	t.Setenv("REGISTRY_LOG_LEVEL", "error")
	t.Setenv("REGISTRY_HTTP_ADDR", ":6000")
	t.Setenv("REGISTRY_STORAGE_DELETE_ENABLED", "true")
	t.Setenv("REGISTRY_UPLOAD_SESSIONTTL", "1h")

	config, err := Parse(bytes.NewReader([]byte(configYamlV01)))
	require.NoError(t, err)

	assert.Equal(t, Loglevel("error"), config.Log.Level)
	assert.Equal(t, ":6000", config.HTTP.Addr)
	assert.True(t, config.Storage.Delete.Enabled)
	assert.Equal(t, time.Hour, config.Upload.SessionTTL.Std())
}
