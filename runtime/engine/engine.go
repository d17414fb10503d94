// Package engine executes tool calls against selected servers: it validates
// and coerces parameters, checks the target's circuit breaker, rate-limits,
// runs the call over a pooled connection, retries transient failures with
// exponential backoff, and reports every outcome. The engine never panics or
// returns an error across its boundary: every execution yields a
// NormalizedResponse.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/avisangle/jenkins-chatbot/runtime/breaker"
	"github.com/avisangle/jenkins-chatbot/runtime/config"
	"github.com/avisangle/jenkins-chatbot/runtime/mcp"
	"github.com/avisangle/jenkins-chatbot/runtime/pool"
	"github.com/avisangle/jenkins-chatbot/runtime/recovery"
	"github.com/avisangle/jenkins-chatbot/runtime/schema"
	"github.com/avisangle/jenkins-chatbot/runtime/telemetry"
)

// defaultBackoffBase is the initial retry delay; it doubles every attempt.
const defaultBackoffBase = time.Second

// NormalizedResponse is the uniform result shape of every execution.
type NormalizedResponse struct {
	Success         bool
	Data            any
	Error           string
	ToolName        string
	ServerName      string
	ExecutionTimeMs int64
}

// SchemaSource resolves the normalized schema for a tool on a server.
// Implemented by the registry's capability snapshots.
type SchemaSource interface {
	SchemaFor(server, tool string) (schema.Standardized, bool)
}

// OutcomeSink receives the result of every execution attempt. Implemented by
// the registry's performance tracker.
type OutcomeSink interface {
	RecordOutcome(server, tool string, success bool, latency time.Duration, errText string)
}

// Engine runs validated tool calls with pooling, rate limiting, breaker
// gating, and transient-failure retry.
type Engine struct {
	pool       *pool.Pool
	schemas    SchemaSource
	outcomes   OutcomeSink
	breakers   *breaker.Set
	classifier *recovery.Classifier
	logger     telemetry.Logger
	metrics    telemetry.Metrics
	tracer     telemetry.Tracer
	sleep      func(ctx context.Context, d time.Duration) error

	backoffBase time.Duration
	strict      bool

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
	rateLimit  rate.Limit
	rateBurst  int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics telemetry.Metrics) Option {
	return func(e *Engine) {
		if metrics != nil {
			e.metrics = metrics
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer telemetry.Tracer) Option {
	return func(e *Engine) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// WithBreakers shares an existing breaker set instead of creating one.
func WithBreakers(set *breaker.Set) Option {
	return func(e *Engine) {
		if set != nil {
			e.breakers = set
		}
	}
}

// WithOutcomeSink sets the execution-outcome receiver.
func WithOutcomeSink(sink OutcomeSink) Option {
	return func(e *Engine) { e.outcomes = sink }
}

// WithRateLimit enables a per-server client-side rate limiter.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(e *Engine) {
		e.rateLimit = limit
		e.rateBurst = burst
	}
}

// WithBackoffBase sets the initial retry delay.
func WithBackoffBase(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.backoffBase = d
		}
	}
}

// WithStrictValidation enables JSON-schema validation of the coerced
// parameter map in addition to the structural checks.
func WithStrictValidation() Option {
	return func(e *Engine) { e.strict = true }
}

// WithSleep overrides the backoff sleeper. Used by tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// New constructs an Engine over the given connection pool and schema source.
func New(connPool *pool.Pool, schemas SchemaSource, opts ...Option) *Engine {
	e := &Engine{
		pool:        connPool,
		schemas:     schemas,
		breakers:    breaker.NewSet(),
		classifier:  recovery.NewClassifier(),
		logger:      telemetry.NewNoopLogger(),
		metrics:     telemetry.NewNoopMetrics(),
		tracer:      telemetry.NewNoopTracer(),
		sleep:       sleepCtx,
		backoffBase: defaultBackoffBase,
		limiters:    make(map[string]*rate.Limiter),
		rateLimit:   rate.Inf,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one tool call against the given server. Validation and
// breaker checks precede connection acquisition; the connection is released
// on every exit path; transient failures are retried up to the server's
// retry budget; the outcome is reported before returning.
func (e *Engine) Execute(ctx context.Context, server config.ServerConfig, tool string, params map[string]any) NormalizedResponse {
	started := time.Now()
	ctx, span := e.tracer.Start(ctx, "engine.execute")
	defer span.End()

	resp := e.execute(ctx, server, tool, params, started)
	resp.ToolName = tool
	resp.ServerName = server.Name
	resp.ExecutionTimeMs = time.Since(started).Milliseconds()

	outcome := "success"
	if !resp.Success {
		outcome = "failure"
	}
	e.metrics.IncCounter("tool_executions", 1, "tool", tool, "server", server.Name, "outcome", outcome)
	e.metrics.RecordTimer("tool_execution_duration", time.Since(started), "tool", tool, "server", server.Name)
	if e.outcomes != nil {
		e.outcomes.RecordOutcome(server.Name, tool, resp.Success, time.Since(started), resp.Error)
	}
	return resp
}

func (e *Engine) execute(ctx context.Context, server config.ServerConfig, tool string, params map[string]any, started time.Time) NormalizedResponse {
	toolSchema, ok := schema.Standardized{}, false
	if e.schemas != nil {
		toolSchema, ok = e.schemas.SchemaFor(server.Name, tool)
	}
	if !ok {
		return failure(fmt.Sprintf("tool %s not found on server %s", tool, server.Name))
	}

	coerced, unknown, err := validateParams(toolSchema, params)
	if err != nil {
		return failure(err.Error())
	}
	for _, name := range unknown {
		e.logger.Warn(ctx, "passing through undeclared parameter", "tool", tool, "param", name)
	}
	if e.strict {
		if err := toolSchema.Validate(coerced); err != nil {
			return failure(fmt.Sprintf("invalid parameter set: %v", err))
		}
	}

	if !e.breakers.Allow(breakerKey(server.Name, tool)) {
		e.metrics.IncCounter("breaker_rejections", 1, "tool", tool, "server", server.Name)
		return failure(fmt.Sprintf("circuit breaker open for %s on %s", tool, server.Name))
	}

	if err := e.waitRateLimit(ctx, server.Name); err != nil {
		return failure("rate limit wait aborted: " + err.Error())
	}

	budget := server.RetryCount
	if budget < 0 {
		budget = 0
	}
	key := breakerKey(server.Name, tool)
	var last NormalizedResponse
	for attempt := 0; ; attempt++ {
		last = e.attempt(ctx, server, tool, coerced)
		if last.Success {
			e.breakers.RecordSuccess(key)
			return last
		}
		e.breakers.RecordFailure(key)
		failureType := e.classifier.Classify(last.Error)
		if !failureType.Transient() || attempt >= budget {
			return last
		}
		delay := e.backoffBase << attempt
		e.logger.Debug(ctx, "retrying transient failure",
			"tool", tool, "server", server.Name, "type", string(failureType),
			"attempt", attempt+1, "delay", delay)
		if err := e.sleep(ctx, delay); err != nil {
			last.Error = "timeout waiting to retry: " + err.Error()
			return last
		}
		if !e.breakers.Allow(key) {
			last.Error = fmt.Sprintf("circuit breaker open for %s on %s", tool, server.Name)
			return last
		}
	}
}

// attempt performs one network call on a pooled connection.
func (e *Engine) attempt(ctx context.Context, server config.ServerConfig, tool string, args map[string]any) NormalizedResponse {
	conn, err := e.pool.Acquire(ctx, server.Name)
	if err != nil {
		if errors.Is(err, pool.ErrExhausted) {
			return failure("resource exhaustion: " + err.Error())
		}
		return failure("connection error: " + err.Error())
	}
	caller, ok := conn.(mcp.Caller)
	if !ok {
		_ = e.pool.Discard(server.Name, conn)
		return failure(fmt.Sprintf("connection error: pooled connection is %T, not an mcp caller", conn))
	}

	callCtx := ctx
	if timeout := server.Timeout.Std(); timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := caller.CallTool(callCtx, tool, args)
	if err != nil {
		// A failed transport call may have broken the connection.
		_ = e.pool.Discard(server.Name, conn)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return failure("timeout: " + err.Error())
		}
		return failure(err.Error())
	}
	if releaseErr := e.pool.Release(server.Name, conn); releaseErr != nil {
		e.logger.Error(ctx, "connection release failed", "server", server.Name, "err", releaseErr)
	}

	content := mcp.ExtractContent(result)
	if result.IsError {
		errText := "tool returned an error"
		if text, ok := content.(string); ok && text != "" {
			errText = text
		}
		return failure(errText)
	}
	return NormalizedResponse{Success: true, Data: content}
}

// BreakerStates exposes the engine's breaker snapshot for health reporting.
func (e *Engine) BreakerStates() map[string]breaker.State {
	return e.breakers.States()
}

func (e *Engine) waitRateLimit(ctx context.Context, server string) error {
	if e.rateLimit == rate.Inf {
		return nil
	}
	e.limitersMu.Lock()
	limiter, ok := e.limiters[server]
	if !ok {
		limiter = rate.NewLimiter(e.rateLimit, e.rateBurst)
		e.limiters[server] = limiter
	}
	e.limitersMu.Unlock()
	return limiter.Wait(ctx)
}

func breakerKey(server, tool string) string {
	return tool + "@" + server
}

func failure(errText string) NormalizedResponse {
	return NormalizedResponse{Success: false, Error: errText}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
