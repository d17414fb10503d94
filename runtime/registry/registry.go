package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/avisangle/jenkins-chatbot/runtime/config"
	"github.com/avisangle/jenkins-chatbot/runtime/engine"
	"github.com/avisangle/jenkins-chatbot/runtime/mcp"
	"github.com/avisangle/jenkins-chatbot/runtime/schema"
	"github.com/avisangle/jenkins-chatbot/runtime/telemetry"
)

// maxSuggestions bounds the intent suggestions returned for a query.
const maxSuggestions = 5

// ServerCapabilities describes what one server offered at discovery time.
type ServerCapabilities struct {
	ServerName string
	Version    string
	Transport  config.Transport
	Tools      []schema.Standardized
	Metadata   map[string]any
}

// CallerFactory opens a transport-appropriate MCP connection for discovery.
type CallerFactory func(ctx context.Context, server config.ServerConfig) (mcp.Caller, error)

// Executor runs a validated tool call against a specific server. Implemented
// by the execution engine.
type Executor interface {
	Execute(ctx context.Context, server config.ServerConfig, tool string, params map[string]any) engine.NormalizedResponse
}

// Suggestion describes an intent that matches a partial user query.
type Suggestion struct {
	Intent         Intent
	Description    string
	PrimaryTools   []string
	RequiredParams []string
	OptionalParams []string
}

// Health summarizes the registry state for health endpoints. Servers maps
// each known server name to whether its last discovery attempt succeeded.
type Health struct {
	TotalTools         int
	ServersWithTools   int
	ToolMappings       int
	FallbackChains     int
	PerformanceTracked int
	Servers            map[string]bool
	Healthy            bool
}

// Registry indexes discovered tools, selects the best (tool, server) pair
// for an intent, and retries intent execution across fallback tools.
type Registry struct {
	factory  CallerFactory
	executor Executor
	logger   telemetry.Logger
	metrics  telemetry.Metrics
	now      func() time.Time

	mappings map[Intent]Mapping
	chains   map[string]FallbackChain
	perf     *performanceTracker

	mu           sync.RWMutex
	capabilities map[string]ServerCapabilities
	schemas      map[string]map[string]schema.Standardized
	servers      map[string]config.ServerConfig
	categories   map[string]Category
	health       map[string]bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics telemetry.Metrics) Option {
	return func(r *Registry) {
		if metrics != nil {
			r.metrics = metrics
		}
	}
}

// WithExecutor sets the engine used by ExecuteIntent.
func WithExecutor(executor Executor) Option {
	return func(r *Registry) { r.executor = executor }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// New constructs a Registry with the built-in Jenkins intent mappings and
// fallback chains.
func New(factory CallerFactory, opts ...Option) *Registry {
	r := &Registry{
		factory:      factory,
		logger:       telemetry.NewNoopLogger(),
		metrics:      telemetry.NewNoopMetrics(),
		now:          time.Now,
		mappings:     defaultMappings(),
		chains:       defaultFallbackChains(),
		capabilities: make(map[string]ServerCapabilities),
		schemas:      make(map[string]map[string]schema.Standardized),
		servers:      make(map[string]config.ServerConfig),
		categories:   make(map[string]Category),
		health:       make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.perf = newPerformanceTracker(r.now)
	return r
}

// Discover connects to every enabled server concurrently and indexes the
// tools each one offers. A server that fails discovery is marked unhealthy
// and excluded from selection until a later discovery succeeds; it never
// aborts discovery of its peers. Servers that succeed replace their previous
// snapshot and are marked healthy.
func (r *Registry) Discover(ctx context.Context, servers []config.ServerConfig) {
	r.logger.Info(ctx, "starting tool discovery", "servers", len(servers))
	started := r.now()

	type result struct {
		server config.ServerConfig
		caps   ServerCapabilities
		err    error
	}
	results := make(chan result, len(servers))
	var wg sync.WaitGroup
	for _, server := range servers {
		if !server.IsEnabled() {
			continue
		}
		wg.Add(1)
		go func(server config.ServerConfig) {
			defer wg.Done()
			caps, err := r.discoverServer(ctx, server)
			results <- result{server: server, caps: caps, err: err}
		}(server)
	}
	wg.Wait()
	close(results)

	discovered, tools := 0, 0
	for res := range results {
		if res.err != nil {
			r.logger.Error(ctx, "server discovery failed",
				"server", res.server.Name, "err", res.err)
			r.metrics.IncCounter("discovery_failures", 1, "server", res.server.Name)
			r.markUnhealthy(res.server.Name)
			continue
		}
		r.index(res.server, res.caps)
		discovered++
		tools += len(res.caps.Tools)
	}

	r.metrics.RecordTimer("discovery_duration", r.now().Sub(started))
	r.logger.Info(ctx, "tool discovery completed",
		"servers", discovered, "tools", tools)
}

func (r *Registry) discoverServer(ctx context.Context, server config.ServerConfig) (ServerCapabilities, error) {
	caller, err := r.factory(ctx, server)
	if err != nil {
		return ServerCapabilities{}, fmt.Errorf("connect %s: %w", server.Name, err)
	}
	defer caller.Close()

	caps := ServerCapabilities{
		ServerName: server.Name,
		Version:    "unknown",
		Transport:  server.Transport,
	}

	// server_info is optional metadata; servers without it are still usable.
	if result, err := caller.CallTool(ctx, "server_info", map[string]any{}); err == nil && !result.IsError {
		if info, ok := mcp.ExtractContent(result).(map[string]any); ok {
			caps.Metadata = info
			if version, ok := info["version"].(string); ok && version != "" {
				caps.Version = version
			}
		}
	}

	descriptions, err := caller.ListTools(ctx)
	if err != nil {
		return ServerCapabilities{}, fmt.Errorf("list tools on %s: %w", server.Name, err)
	}
	for _, desc := range descriptions {
		caps.Tools = append(caps.Tools, schema.FromDescription(desc))
	}
	return caps, nil
}

func (r *Registry) markUnhealthy(server string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.health[server] = false
}

func (r *Registry) index(server config.ServerConfig, caps ServerCapabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capabilities[server.Name] = caps
	r.servers[server.Name] = server
	r.health[server.Name] = true
	byTool := make(map[string]schema.Standardized, len(caps.Tools))
	for _, tool := range caps.Tools {
		byTool[tool.Name] = tool
		r.categories[tool.Name] = CategorizeTool(tool.Name)
		r.perf.ensure(server.Name, tool.Name)
	}
	r.schemas[server.Name] = byTool
}

// SchemaFor resolves the schema for a tool on a server. Satisfies the
// engine's schema source.
func (r *Registry) SchemaFor(server, tool string) (schema.Standardized, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byTool, ok := r.schemas[server]
	if !ok {
		return schema.Standardized{}, false
	}
	std, ok := byTool[tool]
	return std, ok
}

// RecordOutcome folds an execution result into the performance statistics.
// Satisfies the engine's outcome sink.
func (r *Registry) RecordOutcome(server, tool string, success bool, latency time.Duration, errText string) {
	r.perf.record(server, tool, success, latency, errText)
}

// SelectTool picks the best (tool, server) pair for an intent: primary tools
// in mapping order first, then the mapping's fallback tools.
func (r *Registry) SelectTool(ctx context.Context, intent Intent) (tool, server string, ok bool) {
	mapping, found := r.mappings[intent]
	if !found {
		r.logger.Warn(ctx, "no mapping for intent", "intent", string(intent))
		return "", "", false
	}
	for _, candidate := range mapping.PrimaryTools {
		if server, ok := r.bestServerFor(candidate); ok {
			return candidate, server, true
		}
	}
	for _, candidate := range mapping.FallbackTools {
		if server, ok := r.bestServerFor(candidate); ok {
			r.logger.Info(ctx, "using fallback tool",
				"intent", string(intent), "tool", candidate, "server", server)
			return candidate, server, true
		}
	}
	r.logger.Warn(ctx, "no available tool for intent", "intent", string(intent))
	return "", "", false
}

// bestServerFor ranks the healthy servers offering a tool by performance
// score, with the most recent success breaking ties. Servers whose last
// discovery failed are excluded even when a stale snapshot is still indexed.
func (r *Registry) bestServerFor(tool string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type candidate struct {
		server      string
		score       float64
		lastSuccess time.Time
	}
	var candidates []candidate
	for server, byTool := range r.schemas {
		if !r.health[server] {
			continue
		}
		if _, ok := byTool[tool]; !ok {
			continue
		}
		perf, ok := r.perf.get(server, tool)
		if !ok {
			perf = Performance{ToolName: tool, ServerName: server}
		}
		candidates = append(candidates, candidate{
			server:      server,
			score:       perf.Score(),
			lastSuccess: perf.LastSuccess,
		})
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if !candidates[i].lastSuccess.Equal(candidates[j].lastSuccess) {
			return candidates[i].lastSuccess.After(candidates[j].lastSuccess)
		}
		return candidates[i].server < candidates[j].server
	})
	return candidates[0].server, true
}

// ExecuteIntent selects the best tool for the intent, runs it, and walks the
// tool's fallback chain when the primary call fails.
func (r *Registry) ExecuteIntent(ctx context.Context, intent Intent, params map[string]any) engine.NormalizedResponse {
	if r.executor == nil {
		return engine.NormalizedResponse{
			Success: false,
			Error:   "registry has no executor configured",
		}
	}
	tool, server, ok := r.SelectTool(ctx, intent)
	if !ok {
		return engine.NormalizedResponse{
			Success: false,
			Error:   fmt.Sprintf("no available tool for intent: %s", intent),
		}
	}

	resp := r.executeOn(ctx, server, tool, params)
	if resp.Success {
		return resp
	}

	chain, hasChain := r.chains[tool]
	if !hasChain {
		return resp
	}
	attempts := 0
	for _, fallback := range chain.Fallbacks {
		if chain.MaxAttempts > 0 && attempts >= chain.MaxAttempts {
			break
		}
		fallbackServer, ok := r.bestServerFor(fallback)
		if !ok {
			continue
		}
		attempts++
		r.logger.Info(ctx, "trying fallback tool",
			"primary", tool, "fallback", fallback, "server", fallbackServer)
		fallbackResp := r.executeOn(ctx, fallbackServer, fallback, params)
		if fallbackResp.Success {
			r.metrics.IncCounter("fallback_successes", 1, "primary", tool, "fallback", fallback)
			return fallbackResp
		}
	}
	return resp
}

// ExecuteTool runs a specific tool by name on its best server, without
// intent mapping. Used by the recovery layer to probe fallbacks.
func (r *Registry) ExecuteTool(ctx context.Context, tool string, params map[string]any) engine.NormalizedResponse {
	if r.executor == nil {
		return engine.NormalizedResponse{
			Success: false,
			Error:   "registry has no executor configured",
		}
	}
	server, ok := r.bestServerFor(tool)
	if !ok {
		return engine.NormalizedResponse{
			Success: false,
			Error:   fmt.Sprintf("tool %s not offered by any server", tool),
		}
	}
	return r.executeOn(ctx, server, tool, params)
}

func (r *Registry) executeOn(ctx context.Context, server, tool string, params map[string]any) engine.NormalizedResponse {
	r.mu.RLock()
	cfg, ok := r.servers[server]
	r.mu.RUnlock()
	if !ok {
		return engine.NormalizedResponse{
			Success: false,
			Error:   fmt.Sprintf("server %s is not registered", server),
		}
	}
	return r.executor.Execute(ctx, cfg, tool, params)
}

// FallbacksFor returns the fallback tool names configured for a tool.
// Satisfies the recovery layer's fallback source.
func (r *Registry) FallbacksFor(tool string) []string {
	chain, ok := r.chains[tool]
	if !ok {
		return nil
	}
	out := make([]string, len(chain.Fallbacks))
	copy(out, chain.Fallbacks)
	return out
}

// ToolsForCategory lists (tool, server) pairs in a category.
func (r *Registry) ToolsForCategory(category Category) [][2]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out [][2]string
	for server, byTool := range r.schemas {
		for tool := range byTool {
			if r.categories[tool] == category {
				out = append(out, [2]string{tool, server})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0] < out[j][0]
		}
		return out[i][1] < out[j][1]
	})
	return out
}

// Capabilities returns the latest discovery snapshot for a server.
func (r *Registry) Capabilities(server string) (ServerCapabilities, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	caps, ok := r.capabilities[server]
	return caps, ok
}

// PerformanceMetrics returns per-(server, tool) statistics keyed
// "server:tool", optionally filtered to one tool name.
func (r *Registry) PerformanceMetrics(tool string) map[string]Performance {
	return r.perf.snapshot(tool)
}

// Suggest matches a partial user query against intent keywords and returns
// up to five candidate intents.
func (r *Registry) Suggest(query string) []Suggestion {
	lower := strings.ToLower(query)
	var out []Suggestion
	intents := make([]Intent, 0, len(r.mappings))
	for intent := range r.mappings {
		intents = append(intents, intent)
	}
	sort.Slice(intents, func(i, j int) bool { return intents[i] < intents[j] })
	for _, intent := range intents {
		mapping := r.mappings[intent]
		keywords := append(strings.Split(string(intent), "_"), strings.ToLower(mapping.Description))
		for _, keyword := range keywords {
			if keyword != "" && strings.Contains(lower, keyword) {
				out = append(out, Suggestion{
					Intent:         intent,
					Description:    mapping.Description,
					PrimaryTools:   mapping.PrimaryTools,
					RequiredParams: mapping.RequiredParams,
					OptionalParams: mapping.OptionalParams,
				})
				break
			}
		}
		if len(out) == maxSuggestions {
			break
		}
	}
	return out
}

// HealthCheck reports registry readiness: healthy when at least one healthy
// server has discovered tools.
func (r *Registry) HealthCheck() Health {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	usable := 0
	for server, byTool := range r.schemas {
		total += len(byTool)
		if r.health[server] && len(byTool) > 0 {
			usable++
		}
	}
	servers := make(map[string]bool, len(r.health))
	for server, healthy := range r.health {
		servers[server] = healthy
	}
	return Health{
		TotalTools:         total,
		ServersWithTools:   len(r.schemas),
		ToolMappings:       len(r.mappings),
		FallbackChains:     len(r.chains),
		PerformanceTracked: r.perf.size(),
		Servers:            servers,
		Healthy:            usable > 0,
	}
}

// StartSync re-runs discovery on the given interval until the context is
// canceled. Returns immediately; the loop runs in a goroutine.
func (r *Registry) StartSync(ctx context.Context, servers func() []config.ServerConfig, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Discover(ctx, servers())
			}
		}
	}()
}
