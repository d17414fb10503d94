package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avisangle/jenkins-chatbot/runtime/config"
	"github.com/avisangle/jenkins-chatbot/runtime/engine"
	"github.com/avisangle/jenkins-chatbot/runtime/mcp"
)

type fakeDiscoveryCaller struct {
	tools      []mcp.ToolDescription
	serverInfo map[string]any
	listErr    error
}

func (c *fakeDiscoveryCaller) ListTools(ctx context.Context) ([]mcp.ToolDescription, error) {
	if c.listErr != nil {
		return nil, c.listErr
	}
	return c.tools, nil
}

func (c *fakeDiscoveryCaller) CallTool(ctx context.Context, tool string, args map[string]any) (mcp.ToolResult, error) {
	if tool == "server_info" && c.serverInfo != nil {
		raw, _ := json.Marshal(c.serverInfo)
		text := string(raw)
		return mcp.ToolResult{Content: []mcp.ContentItem{{Type: "text", Text: &text}}}, nil
	}
	return mcp.ToolResult{}, &mcp.Error{Code: mcp.JSONRPCMethodNotFound, Message: "no such tool"}
}

func (c *fakeDiscoveryCaller) Close() error { return nil }

func toolDesc(name string) mcp.ToolDescription {
	return mcp.ToolDescription{
		Name:        name,
		Description: name,
		InputSchema: json.RawMessage(`{"type": "object", "properties": {}}`),
	}
}

func factoryFor(callers map[string]*fakeDiscoveryCaller) CallerFactory {
	return func(ctx context.Context, server config.ServerConfig) (mcp.Caller, error) {
		caller, ok := callers[server.Name]
		if !ok {
			return nil, fmt.Errorf("unknown server %s", server.Name)
		}
		return caller, nil
	}
}

func serverConfig(name string) config.ServerConfig {
	return config.ServerConfig{
		Name:      name,
		URL:       "http://" + name + ".internal/mcp",
		Transport: config.TransportHTTP,
	}
}

type executedCall struct {
	server string
	tool   string
}

type fakeExecutor struct {
	mu        sync.Mutex
	calls     []executedCall
	responses map[string]engine.NormalizedResponse
}

func (e *fakeExecutor) Execute(ctx context.Context, server config.ServerConfig, tool string, params map[string]any) engine.NormalizedResponse {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, executedCall{server.Name, tool})
	if resp, ok := e.responses[tool]; ok {
		resp.ToolName = tool
		resp.ServerName = server.Name
		return resp
	}
	return engine.NormalizedResponse{Success: true, ToolName: tool, ServerName: server.Name}
}

func discoveredRegistry(t *testing.T, opts ...Option) (*Registry, *fakeExecutor) {
	t.Helper()
	callers := map[string]*fakeDiscoveryCaller{
		"primary": {
			tools:      []mcp.ToolDescription{toolDesc("list_jobs"), toolDesc("get_job_info"), toolDesc("search_jobs")},
			serverInfo: map[string]any{"version": "2.452.1"},
		},
		"secondary": {
			tools: []mcp.ToolDescription{toolDesc("list_jobs"), toolDesc("get_queue_info")},
		},
	}
	executor := &fakeExecutor{responses: map[string]engine.NormalizedResponse{}}
	opts = append([]Option{WithExecutor(executor)}, opts...)
	r := New(factoryFor(callers), opts...)
	r.Discover(context.Background(), []config.ServerConfig{
		serverConfig("primary"), serverConfig("secondary"),
	})
	return r, executor
}

func TestDiscoverIndexesToolsAndMetadata(t *testing.T) {
	r, _ := discoveredRegistry(t)

	caps, ok := r.Capabilities("primary")
	require.True(t, ok)
	assert.Equal(t, "2.452.1", caps.Version)
	assert.Len(t, caps.Tools, 3)

	_, ok = r.SchemaFor("primary", "list_jobs")
	assert.True(t, ok)
	_, ok = r.SchemaFor("secondary", "get_job_info")
	assert.False(t, ok)

	health := r.HealthCheck()
	assert.True(t, health.Healthy)
	assert.Equal(t, 5, health.TotalTools)
	assert.Equal(t, 2, health.ServersWithTools)
	assert.Equal(t, 5, health.PerformanceTracked)
}

func TestDiscoverIsolatesFailingServers(t *testing.T) {
	callers := map[string]*fakeDiscoveryCaller{
		"healthy": {tools: []mcp.ToolDescription{toolDesc("list_jobs")}},
		"broken":  {listErr: errors.New("connection refused")},
	}
	r := New(factoryFor(callers))
	r.Discover(context.Background(), []config.ServerConfig{
		serverConfig("healthy"), serverConfig("broken"),
	})

	_, ok := r.SchemaFor("healthy", "list_jobs")
	assert.True(t, ok)
	_, ok = r.Capabilities("broken")
	assert.False(t, ok)
	assert.True(t, r.HealthCheck().Healthy)
}

func TestRediscoveryFailureMarksServerUnhealthy(t *testing.T) {
	callers := map[string]*fakeDiscoveryCaller{
		"primary":   {tools: []mcp.ToolDescription{toolDesc("list_jobs")}},
		"secondary": {tools: []mcp.ToolDescription{toolDesc("list_jobs")}},
	}
	servers := []config.ServerConfig{serverConfig("primary"), serverConfig("secondary")}
	executor := &fakeExecutor{responses: map[string]engine.NormalizedResponse{}}
	r := New(factoryFor(callers), WithExecutor(executor))
	r.Discover(context.Background(), servers)

	// Make primary win selection while both servers are healthy.
	r.RecordOutcome("primary", "list_jobs", true, 50*time.Millisecond, "")
	r.RecordOutcome("secondary", "list_jobs", true, 500*time.Millisecond, "")
	_, server, ok := r.SelectTool(context.Background(), IntentListJobs)
	require.True(t, ok)
	require.Equal(t, "primary", server)

	// Primary goes down; its stale snapshot must stop being selectable.
	callers["primary"].listErr = errors.New("connection refused")
	r.Discover(context.Background(), servers)

	_, server, ok = r.SelectTool(context.Background(), IntentListJobs)
	require.True(t, ok)
	assert.Equal(t, "secondary", server)

	resp := r.ExecuteIntent(context.Background(), IntentListJobs, nil)
	require.True(t, resp.Success)
	assert.Equal(t, "secondary", resp.ServerName)

	health := r.HealthCheck()
	assert.False(t, health.Servers["primary"])
	assert.True(t, health.Servers["secondary"])
	assert.True(t, health.Healthy)

	// Recovery on a later discovery restores the server.
	callers["primary"].listErr = nil
	r.Discover(context.Background(), servers)
	_, server, ok = r.SelectTool(context.Background(), IntentListJobs)
	require.True(t, ok)
	assert.Equal(t, "primary", server)
	assert.True(t, r.HealthCheck().Servers["primary"])
}

func TestAllServersUnhealthyReportsUnhealthy(t *testing.T) {
	callers := map[string]*fakeDiscoveryCaller{
		"only": {tools: []mcp.ToolDescription{toolDesc("list_jobs")}},
	}
	servers := []config.ServerConfig{serverConfig("only")}
	r := New(factoryFor(callers))
	r.Discover(context.Background(), servers)
	require.True(t, r.HealthCheck().Healthy)

	callers["only"].listErr = errors.New("connection refused")
	r.Discover(context.Background(), servers)

	_, _, ok := r.SelectTool(context.Background(), IntentListJobs)
	assert.False(t, ok)
	assert.False(t, r.HealthCheck().Healthy)
}

func TestDiscoverSkipsDisabledServers(t *testing.T) {
	callers := map[string]*fakeDiscoveryCaller{
		"off": {tools: []mcp.ToolDescription{toolDesc("list_jobs")}},
	}
	r := New(factoryFor(callers))
	disabled := serverConfig("off")
	off := false
	disabled.Enabled = &off
	r.Discover(context.Background(), []config.ServerConfig{disabled})

	assert.False(t, r.HealthCheck().Healthy)
}

func TestSelectToolPrefersHigherScore(t *testing.T) {
	r, _ := discoveredRegistry(t)

	// primary: fast and reliable; secondary: slow and failing.
	for i := 0; i < 10; i++ {
		r.RecordOutcome("primary", "list_jobs", true, 50*time.Millisecond, "")
		r.RecordOutcome("secondary", "list_jobs", false, 2*time.Second, "server error")
	}

	tool, server, ok := r.SelectTool(context.Background(), IntentListJobs)
	require.True(t, ok)
	assert.Equal(t, "list_jobs", tool)
	assert.Equal(t, "primary", server)
}

func TestSelectToolTieBreaksOnRecentSuccess(t *testing.T) {
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	current := base
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
	r, _ := discoveredRegistry(t, WithClock(clock))

	// Identical statistics except secondary succeeded more recently.
	r.RecordOutcome("primary", "list_jobs", true, 100*time.Millisecond, "")
	mu.Lock()
	current = base.Add(time.Minute)
	mu.Unlock()
	r.RecordOutcome("secondary", "list_jobs", true, 100*time.Millisecond, "")

	_, server, ok := r.SelectTool(context.Background(), IntentListJobs)
	require.True(t, ok)
	assert.Equal(t, "secondary", server)
}

func TestSelectToolFallsBackToMappingFallbacks(t *testing.T) {
	callers := map[string]*fakeDiscoveryCaller{
		// No primary trigger tools anywhere, only a fallback.
		"primary": {tools: []mcp.ToolDescription{toolDesc("build_job")}},
	}
	r := New(factoryFor(callers))
	r.Discover(context.Background(), []config.ServerConfig{serverConfig("primary")})

	tool, server, ok := r.SelectTool(context.Background(), IntentTriggerBuild)
	require.True(t, ok)
	assert.Equal(t, "build_job", tool)
	assert.Equal(t, "primary", server)
}

func TestSelectToolUnknownIntent(t *testing.T) {
	r, _ := discoveredRegistry(t)
	_, _, ok := r.SelectTool(context.Background(), Intent("deploy_to_mars"))
	assert.False(t, ok)
}

func TestExecuteIntentUsesSelectedServer(t *testing.T) {
	r, executor := discoveredRegistry(t)

	resp := r.ExecuteIntent(context.Background(), IntentGetJobInfo, map[string]any{"job_name": "deploy"})

	require.True(t, resp.Success)
	require.Len(t, executor.calls, 1)
	assert.Equal(t, executedCall{"primary", "get_job_info"}, executor.calls[0])
}

func TestExecuteIntentWalksFallbackChain(t *testing.T) {
	r, executor := discoveredRegistry(t)
	executor.responses["list_jobs"] = engine.NormalizedResponse{Success: false, Error: "tool execution failed"}

	resp := r.ExecuteIntent(context.Background(), IntentListJobs, nil)

	// list_jobs fails on both servers' best, then the chain reaches search_jobs.
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, "search_jobs", resp.ToolName)
}

func TestExecuteIntentReturnsPrimaryFailureWhenChainExhausted(t *testing.T) {
	r, executor := discoveredRegistry(t)
	failure := engine.NormalizedResponse{Success: false, Error: "boom"}
	executor.responses["list_jobs"] = failure
	executor.responses["search_jobs"] = failure

	resp := r.ExecuteIntent(context.Background(), IntentListJobs, nil)

	assert.False(t, resp.Success)
	assert.Equal(t, "list_jobs", resp.ToolName)
	assert.Equal(t, "boom", resp.Error)
}

func TestExecuteToolProbesBestServerDirectly(t *testing.T) {
	r, executor := discoveredRegistry(t)

	resp := r.ExecuteTool(context.Background(), "get_queue_info", nil)

	require.True(t, resp.Success)
	require.Len(t, executor.calls, 1)
	assert.Equal(t, "secondary", executor.calls[0].server)

	resp = r.ExecuteTool(context.Background(), "nonexistent_tool", nil)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "not offered")
}

func TestFallbacksFor(t *testing.T) {
	r, _ := discoveredRegistry(t)
	assert.Equal(t, []string{"search_jobs", "get_jobs", "list_jenkins_jobs"}, r.FallbacksFor("list_jobs"))
	assert.Nil(t, r.FallbacksFor("trigger_job"))
}

func TestToolsForCategory(t *testing.T) {
	r, _ := discoveredRegistry(t)
	search := r.ToolsForCategory(CategorySearch)
	require.Len(t, search, 1)
	assert.Equal(t, [2]string{"search_jobs", "primary"}, search[0])
}

func TestSuggest(t *testing.T) {
	r, _ := discoveredRegistry(t)

	suggestions := r.Suggest("can you trigger the nightly build")
	require.NotEmpty(t, suggestions)
	intents := make([]Intent, 0, len(suggestions))
	for _, s := range suggestions {
		intents = append(intents, s.Intent)
	}
	assert.Contains(t, intents, IntentTriggerBuild)
	assert.LessOrEqual(t, len(suggestions), maxSuggestions)
}

func TestCategorizeTool(t *testing.T) {
	cases := map[string]Category{
		"list_jobs":       CategoryJobManagement,
		"trigger_build":   CategoryBuildOperations,
		"get_console_log": CategoryLogs,
		"search_jobs":     CategoryJobManagement, // "jobs" matches before "search"
		"find_nodes":      CategorySearch,
		"queue_status":    CategoryMonitoring,
		"server_health":   CategoryServerInfo,
		"pipeline_stages": CategoryPipeline,
		"mystery_tool":    CategoryJobManagement,
	}
	for name, want := range cases {
		assert.Equal(t, want, CategorizeTool(name), name)
	}
}

func TestPerformanceTracking(t *testing.T) {
	r, _ := discoveredRegistry(t)

	r.RecordOutcome("primary", "list_jobs", true, 100*time.Millisecond, "")
	r.RecordOutcome("primary", "list_jobs", true, 300*time.Millisecond, "")
	r.RecordOutcome("primary", "list_jobs", false, time.Second, "upstream exploded with a very long error message that should get truncated if it exceeds one hundred characters of text")
	r.RecordOutcome("primary", "list_jobs", false, time.Second, "short error")
	r.RecordOutcome("primary", "list_jobs", false, time.Second, "short error")

	metrics := r.PerformanceMetrics("list_jobs")
	perf, ok := metrics["primary:list_jobs"]
	require.True(t, ok)
	assert.Equal(t, 2, perf.SuccessCount)
	assert.Equal(t, 3, perf.FailureCount)
	assert.InDelta(t, 0.4, perf.SuccessRate(), 1e-9)
	// Mean latency only folds in successful calls: (100 + 300) / 2.
	assert.InDelta(t, 200, perf.AvgResponseTimeMs, 1e-9)
	require.Len(t, perf.ErrorSamples, 2) // duplicate dropped
	assert.Len(t, perf.ErrorSamples[0], 100)
}

func TestScoreDefaultsForFreshTools(t *testing.T) {
	perf := Performance{}
	assert.InDelta(t, defaultSuccessRate, perf.SuccessRate(), 1e-9)
	// 0.5*0.7 + (1000/1)*0.3 with zero latency clamped to 1ms.
	assert.InDelta(t, 300.35, perf.Score(), 1e-9)
}
