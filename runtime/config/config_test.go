package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "servers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoaderAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
servers:
  - name: jenkins-main
    url: http://jenkins.internal:8080/mcp
`)
	loader, err := NewLoader(path)
	require.NoError(t, err)
	servers := loader.Servers()
	require.Len(t, servers, 1)
	s := servers[0]
	assert.Equal(t, TransportHTTP, s.Transport)
	assert.Equal(t, 30*time.Second, s.Timeout.Std())
	assert.Equal(t, DefaultRetryCount, s.RetryCount)
	assert.Equal(t, DefaultPriority, s.Priority)
	assert.True(t, s.IsEnabled())
}

func TestLoaderDropsInvalidEntries(t *testing.T) {
	path := writeConfig(t, `
servers:
  - name: good
    url: http://jenkins.internal:8080/mcp
  - name: ""
    url: http://nameless.internal/mcp
  - name: no-url
  - name: bad-transport
    url: http://x.internal/mcp
    transport: carrier-pigeon
  - name: good
    url: http://duplicate.internal/mcp
`)
	loader, err := NewLoader(path)
	require.NoError(t, err)
	servers := loader.Servers()
	require.Len(t, servers, 1)
	assert.Equal(t, "good", servers[0].Name)
	assert.Equal(t, "http://jenkins.internal:8080/mcp", servers[0].URL)
}

func TestLoaderStdioRequiresCommand(t *testing.T) {
	path := writeConfig(t, `
servers:
  - name: local
    transport: stdio
    command: jenkins-mcp-server
    args: ["--port", "0"]
  - name: broken
    transport: stdio
`)
	loader, err := NewLoader(path)
	require.NoError(t, err)
	servers := loader.Servers()
	require.Len(t, servers, 1)
	assert.Equal(t, "local", servers[0].Name)
	assert.Equal(t, "jenkins-mcp-server", servers[0].Command)
}

func TestLoaderDurationForms(t *testing.T) {
	path := writeConfig(t, `
servers:
  - name: string-form
    url: http://a.internal/mcp
    timeout: 45s
  - name: seconds-form
    url: http://b.internal/mcp
    timeout: 10
`)
	loader, err := NewLoader(path)
	require.NoError(t, err)
	servers := loader.Servers()
	require.Len(t, servers, 2)
	assert.Equal(t, 45*time.Second, servers[0].Timeout.Std())
	assert.Equal(t, 10*time.Second, servers[1].Timeout.Std())
}

func TestLoaderEnabledFiltering(t *testing.T) {
	path := writeConfig(t, `
servers:
  - name: on
    url: http://on.internal/mcp
  - name: off
    url: http://off.internal/mcp
    enabled: false
`)
	loader, err := NewLoader(path)
	require.NoError(t, err)
	assert.Len(t, loader.Servers(), 2)
	enabled := loader.Enabled()
	require.Len(t, enabled, 1)
	assert.Equal(t, "on", enabled[0].Name)
}

func TestLoaderReloadSwapsSnapshot(t *testing.T) {
	path := writeConfig(t, `
servers:
  - name: first
    url: http://first.internal/mcp
`)
	loader, err := NewLoader(path)
	require.NoError(t, err)
	before := loader.Servers()
	require.Len(t, before, 1)

	require.NoError(t, os.WriteFile(path, []byte(`
servers:
  - name: first
    url: http://first.internal/mcp
  - name: second
    url: http://second.internal/mcp
`), 0o600))
	require.NoError(t, loader.Reload())
	assert.Len(t, loader.Servers(), 2)
	// Previous snapshot is untouched.
	assert.Len(t, before, 1)
}

func TestLoaderReloadKeepsSnapshotOnParseError(t *testing.T) {
	path := writeConfig(t, `
servers:
  - name: keep
    url: http://keep.internal/mcp
`)
	loader, err := NewLoader(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("servers: [not: valid"), 0o600))
	require.Error(t, loader.Reload())
	servers := loader.Servers()
	require.Len(t, servers, 1)
	assert.Equal(t, "keep", servers[0].Name)
}

func TestLoaderEnvOverrides(t *testing.T) {
	t.Setenv("JENKINS_CHATBOT_SERVER_JENKINS_MAIN_URL", "http://override.internal/mcp")
	t.Setenv("JENKINS_CHATBOT_SERVER_JENKINS_MAIN_AUTH_TOKEN", "sekrit")
	path := writeConfig(t, `
servers:
  - name: jenkins-main
    url: http://jenkins.internal:8080/mcp
`)
	loader, err := NewLoader(path)
	require.NoError(t, err)
	servers := loader.Servers()
	require.Len(t, servers, 1)
	assert.Equal(t, "http://override.internal/mcp", servers[0].URL)
	assert.Equal(t, "sekrit", servers[0].AuthToken)
}

func TestStaticLoader(t *testing.T) {
	loader := NewStaticLoader([]ServerConfig{
		{Name: "a", URL: "http://a.internal/mcp"},
		{Name: ""},
	})
	servers := loader.Servers()
	require.Len(t, servers, 1)
	assert.Equal(t, "a", servers[0].Name)
}
