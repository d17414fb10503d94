// Package client composes the runtime into a ready-to-use tool client:
// configuration loading, capability discovery, intent execution with
// fallback and recovery, result caching, and lifecycle management.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avisangle/jenkins-chatbot/runtime/batch"
	"github.com/avisangle/jenkins-chatbot/runtime/breaker"
	"github.com/avisangle/jenkins-chatbot/runtime/cache"
	"github.com/avisangle/jenkins-chatbot/runtime/config"
	"github.com/avisangle/jenkins-chatbot/runtime/engine"
	"github.com/avisangle/jenkins-chatbot/runtime/mcp"
	"github.com/avisangle/jenkins-chatbot/runtime/pool"
	"github.com/avisangle/jenkins-chatbot/runtime/recovery"
	"github.com/avisangle/jenkins-chatbot/runtime/registry"
	"github.com/avisangle/jenkins-chatbot/runtime/telemetry"
)

const (
	// defaultRediscovery is how often server capabilities are refreshed.
	defaultRediscovery = 5 * time.Minute
	// defaultCacheTTL bounds how stale a cached read result may be.
	defaultCacheTTL = 30 * time.Second
)

// ErrNotStarted is returned by operations that require Start first.
var ErrNotStarted = errors.New("client: not started")

// Step describes one unit of work. Either Intent or Tool must be set; Tool
// takes precedence when both are present. A missing ID is filled with a
// generated one.
type Step struct {
	ID     string
	Intent registry.Intent
	Tool   string
	Params map[string]any
}

// StepResult is the outcome of one step.
type StepResult struct {
	StepID           string
	Success          bool
	Data             any
	Error            string
	Tool             string
	Server           string
	DurationMs       int64
	Cached           bool
	Recovered        bool
	RecoveryStrategy recovery.Strategy
}

// Health aggregates component health for diagnostics endpoints.
type Health struct {
	Registry registry.Health
	Breakers map[string]breaker.State
	Pool     map[string]pool.AddressStats
	Cache    cache.Stats
	Recovery map[string]int
	Healthy  bool
}

// Client is the top-level runtime facade. All dependencies are injected or
// defaulted at construction; there is no package-level state.
type Client struct {
	loader  *config.Loader
	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer
	now     func() time.Time

	factory     registry.CallerFactory
	connPool    *pool.Pool
	resultCache *cache.Cache
	registry    *registry.Registry
	engine      *engine.Engine
	recovery    *recovery.Manager
	batcher     *batch.Batcher

	rediscovery time.Duration
	cacheTTL    time.Duration
	engineOpts  []engine.Option

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger used by every component.
func WithLogger(logger telemetry.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder used by every component.
func WithMetrics(metrics telemetry.Metrics) Option {
	return func(c *Client) {
		if metrics != nil {
			c.metrics = metrics
		}
	}
}

// WithTracer sets the tracer used by the engine.
func WithTracer(tracer telemetry.Tracer) Option {
	return func(c *Client) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// WithCallerFactory overrides how MCP connections are opened. Used by tests
// and by callers with custom transports.
func WithCallerFactory(factory registry.CallerFactory) Option {
	return func(c *Client) {
		if factory != nil {
			c.factory = factory
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// WithRediscoveryInterval sets how often capabilities are refreshed.
// Zero disables the background loop.
func WithRediscoveryInterval(d time.Duration) Option {
	return func(c *Client) { c.rediscovery = d }
}

// WithCacheTTL sets how long successful read results stay cached.
// Zero disables result caching.
func WithCacheTTL(d time.Duration) Option {
	return func(c *Client) { c.cacheTTL = d }
}

// WithEngineOptions forwards options to the execution engine.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(c *Client) { c.engineOpts = append(c.engineOpts, opts...) }
}

// New wires the runtime together around the given configuration loader.
func New(loader *config.Loader, opts ...Option) *Client {
	c := &Client{
		loader:      loader,
		logger:      telemetry.NewNoopLogger(),
		metrics:     telemetry.NewNoopMetrics(),
		tracer:      telemetry.NewNoopTracer(),
		now:         time.Now,
		rediscovery: defaultRediscovery,
		cacheTTL:    defaultCacheTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.factory == nil {
		c.factory = c.dialServer
	}

	c.connPool = pool.New(c.dialPooled)
	c.resultCache = cache.New(cache.WithClock(c.now))
	c.registry = registry.New(c.factory,
		registry.WithLogger(c.logger),
		registry.WithMetrics(c.metrics),
		registry.WithClock(c.now),
	)
	engineOpts := append([]engine.Option{
		engine.WithLogger(c.logger),
		engine.WithMetrics(c.metrics),
		engine.WithTracer(c.tracer),
		engine.WithOutcomeSink(c.registry),
	}, c.engineOpts...)
	c.engine = engine.New(c.connPool, c.registry, engineOpts...)
	c.recovery = recovery.NewManager(
		registryInvoker{c.registry},
		c.registry,
		recovery.WithLogger(c.logger),
		recovery.WithClock(c.now),
	)
	c.batcher = batch.New(c.processBatch,
		batch.WithLogger(c.logger),
		batch.WithMetrics(c.metrics),
	)
	// The registry needs the engine as its executor and the engine needs the
	// registry as schema source and outcome sink, so the executor is bound
	// after both exist.
	registry.WithExecutor(c.engine)(c.registry)
	return c
}

// Start loads configuration, discovers server capabilities, and launches
// the cache janitor and the re-discovery loop. Safe to call once.
func (c *Client) Start(ctx context.Context) error {
	servers := c.loader.Enabled()
	if len(servers) == 0 {
		return errors.New("client: no enabled servers configured")
	}

	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("client: already started")
	}
	c.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.mu.Unlock()

	c.registry.Discover(ctx, servers)
	c.resultCache.Start(runCtx)
	if c.rediscovery > 0 {
		c.registry.StartSync(runCtx, c.loader.Enabled, c.rediscovery)
	}
	c.logger.Info(ctx, "client started", "servers", len(servers))
	return nil
}

// Stop cancels background work and tears down pooled connections.
func (c *Client) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return ErrNotStarted
	}
	c.started = false
	c.cancel()
	c.batcher.Close()
	c.resultCache.Stop()
	return c.connPool.Close()
}

// ExecuteStep runs one step: cache lookup for read operations, intent or
// direct tool execution, and recovery on failure. It always returns a
// result, never an error.
func (c *Client) ExecuteStep(ctx context.Context, step Step) StepResult {
	started := c.now()
	if step.ID == "" {
		step.ID = uuid.NewString()
	}

	if !c.isStarted() {
		return StepResult{StepID: step.ID, Error: ErrNotStarted.Error()}
	}

	cacheKey, cacheable := c.cacheKey(step)
	if cacheable {
		if value, ok := c.resultCache.Get(cacheKey); ok {
			c.metrics.IncCounter("step_cache_hits", 1)
			return StepResult{
				StepID:     step.ID,
				Success:    true,
				Data:       value,
				Tool:       step.Tool,
				DurationMs: c.now().Sub(started).Milliseconds(),
				Cached:     true,
			}
		}
	}

	resp := c.execute(ctx, step)
	result := StepResult{
		StepID:  step.ID,
		Success: resp.Success,
		Data:    resp.Data,
		Error:   resp.Error,
		Tool:    resp.ToolName,
		Server:  resp.ServerName,
	}

	if !resp.Success {
		result = c.recover(ctx, step, resp, result)
	}

	if result.Success && cacheable && !result.Recovered {
		c.resultCache.Set(cacheKey, result.Data, c.cacheTTL)
	}
	result.DurationMs = c.now().Sub(started).Milliseconds()
	return result
}

func (c *Client) execute(ctx context.Context, step Step) engine.NormalizedResponse {
	if step.Tool != "" {
		return c.registry.ExecuteTool(ctx, step.Tool, step.Params)
	}
	if step.Intent != "" {
		return c.registry.ExecuteIntent(ctx, step.Intent, step.Params)
	}
	return engine.NormalizedResponse{
		Success: false,
		Error:   "step has neither tool nor intent",
	}
}

// recover consults the recovery manager for one corrective action and
// applies it. A successful recovery marks the result accordingly.
func (c *Client) recover(ctx context.Context, step Step, resp engine.NormalizedResponse, result StepResult) StepResult {
	fctx := recovery.FailureContext{
		StepID: step.ID,
		Tool:   resp.ToolName,
		Server: resp.ServerName,
		Params: step.Params,
		Error:  resp.Error,
	}
	action := c.recovery.HandleFailure(ctx, fctx)
	result.RecoveryStrategy = action.Strategy
	if c.recovery.Execute(ctx, action, fctx) {
		result.Success = true
		result.Recovered = true
		result.Error = ""
		c.metrics.IncCounter("step_recoveries", 1, "strategy", string(action.Strategy))
	}
	return result
}

// SubmitBatched coalesces a step with others sharing the batch key; the
// whole group executes as individual steps when the batch flushes.
func (c *Client) SubmitBatched(ctx context.Context, key string, step Step) (StepResult, error) {
	value, err := c.batcher.Submit(ctx, key, step)
	if err != nil {
		return StepResult{}, err
	}
	result, ok := value.(StepResult)
	if !ok {
		return StepResult{}, fmt.Errorf("client: unexpected batch result type %T", value)
	}
	return result, nil
}

func (c *Client) processBatch(ctx context.Context, items []any) ([]any, error) {
	out := make([]any, len(items))
	for i, item := range items {
		step, ok := item.(Step)
		if !ok {
			return nil, fmt.Errorf("client: unexpected batch item type %T", item)
		}
		out[i] = c.ExecuteStep(ctx, step)
	}
	return out, nil
}

// Suggest proxies registry intent suggestions for a partial user query.
func (c *Client) Suggest(query string) []registry.Suggestion {
	return c.registry.Suggest(query)
}

// Capabilities returns the discovery snapshot for a server.
func (c *Client) Capabilities(server string) (registry.ServerCapabilities, bool) {
	return c.registry.Capabilities(server)
}

// PerformanceMetrics returns per-(server, tool) call statistics.
func (c *Client) PerformanceMetrics(tool string) map[string]registry.Performance {
	return c.registry.PerformanceMetrics(tool)
}

// HealthCheck aggregates component health.
func (c *Client) HealthCheck() Health {
	regHealth := c.registry.HealthCheck()
	return Health{
		Registry: regHealth,
		Breakers: c.engine.BreakerStates(),
		Pool:     c.connPool.Stats(),
		Cache:    c.resultCache.Stats(),
		Recovery: c.recovery.Stats(),
		Healthy:  regHealth.Healthy,
	}
}

func (c *Client) isStarted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// cacheKey builds a deterministic key for read-only steps. Mutating
// categories (build operations) are never cached.
func (c *Client) cacheKey(step Step) (string, bool) {
	if c.cacheTTL <= 0 {
		return "", false
	}
	tool := step.Tool
	if tool == "" {
		tool = string(step.Intent)
	}
	if tool == "" {
		return "", false
	}
	if registry.CategorizeTool(tool) == registry.CategoryBuildOperations {
		return "", false
	}
	keys := make([]string, 0, len(step.Params))
	for k := range step.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	key := tool
	for _, k := range keys {
		raw, err := json.Marshal(step.Params[k])
		if err != nil {
			return "", false
		}
		key += "|" + k + "=" + string(raw)
	}
	return key, true
}

// dialServer opens a transport-appropriate MCP connection.
func (c *Client) dialServer(ctx context.Context, server config.ServerConfig) (mcp.Caller, error) {
	switch server.Transport {
	case config.TransportSSE:
		return mcp.NewSSECaller(ctx, mcp.HTTPOptions{
			Endpoint:  server.URL,
			Headers:   server.Headers,
			AuthToken: server.AuthToken,
		})
	case config.TransportWebSocket:
		return mcp.NewWSCaller(ctx, mcp.WSOptions{
			URL:       server.URL,
			Headers:   server.Headers,
			AuthToken: server.AuthToken,
		})
	case config.TransportStdio:
		return mcp.NewStdioCaller(ctx, mcp.StdioOptions{
			Command: server.Command,
			Args:    server.Args,
		})
	default:
		return mcp.NewHTTPCaller(ctx, mcp.HTTPOptions{
			Endpoint:  server.URL,
			Headers:   server.Headers,
			AuthToken: server.AuthToken,
		})
	}
}

// dialPooled adapts the caller factory to the pool's factory shape. Pool
// addresses are server names resolved through the current configuration.
func (c *Client) dialPooled(ctx context.Context, address string) (pool.Conn, error) {
	for _, server := range c.loader.Servers() {
		if server.Name == address {
			return c.factory(ctx, server)
		}
	}
	return nil, fmt.Errorf("client: no configured server named %s", address)
}

// registryInvoker adapts the registry's direct tool execution to the
// recovery manager's Invoker.
type registryInvoker struct {
	registry *registry.Registry
}

func (r registryInvoker) Invoke(ctx context.Context, tool string, params map[string]any) bool {
	return r.registry.ExecuteTool(ctx, tool, params).Success
}
