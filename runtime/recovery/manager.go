package recovery

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/avisangle/jenkins-chatbot/runtime/breaker"
	"github.com/avisangle/jenkins-chatbot/runtime/telemetry"
)

// historyCap bounds the per-key recovery history.
const historyCap = 100

// Invoker re-executes a tool after a recovery decision. Implemented by the
// registry's fallback-aware execution path.
type Invoker interface {
	Invoke(ctx context.Context, tool string, params map[string]any) bool
}

// FallbackSource lists the configured fallback tools for a primary tool.
type FallbackSource interface {
	FallbacksFor(tool string) []string
}

// FailureContext describes one failed execution attempt.
type FailureContext struct {
	StepID  string
	Tool    string
	Server  string
	Params  map[string]any
	Error   string
	Attempt int
}

// Action is the concrete recovery decision for one failure.
type Action struct {
	Strategy          Strategy
	FailureType       FailureType
	Description       string
	Delay             time.Duration
	FallbackTool      string
	ModifiedParams    map[string]any
	EstimatedSuccess  float64
	RequiresUserInput bool
}

// AttemptRecord is one entry of the bounded diagnostic history.
type AttemptRecord struct {
	Timestamp        time.Time
	Error            string
	Strategy         Strategy
	EstimatedSuccess float64
	Attempt          int
}

// Manager turns classified failures into recovery actions and can carry the
// actions out through an Invoker.
type Manager struct {
	classifier *Classifier
	breakers   *breaker.Set
	invoker    Invoker
	fallbacks  FallbackSource
	logger     telemetry.Logger
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time

	histMu  sync.Mutex
	history map[string][]AttemptRecord
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger telemetry.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithBreakers shares an existing breaker set instead of creating one.
func WithBreakers(set *breaker.Set) ManagerOption {
	return func(m *Manager) {
		if set != nil {
			m.breakers = set
		}
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithSleep overrides the backoff sleeper. Used by tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) ManagerOption {
	return func(m *Manager) {
		if sleep != nil {
			m.sleep = sleep
		}
	}
}

// NewManager constructs a Manager. invoker and fallbacks may be nil when the
// caller only needs classification and action planning.
func NewManager(invoker Invoker, fallbacks FallbackSource, opts ...ManagerOption) *Manager {
	m := &Manager{
		classifier: NewClassifier(),
		breakers:   breaker.NewSet(),
		invoker:    invoker,
		fallbacks:  fallbacks,
		logger:     telemetry.NewNoopLogger(),
		sleep:      sleepCtx,
		now:        time.Now,
		history:    make(map[string][]AttemptRecord),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Classify exposes failure classification for the execution layer.
func (m *Manager) Classify(errText string) FailureType {
	return m.classifier.Classify(errText)
}

// HandleFailure classifies the failure, consults the circuit breaker for the
// (tool, failure-type) key, and produces a concrete recovery action.
func (m *Manager) HandleFailure(ctx context.Context, fctx FailureContext) Action {
	failureType := m.classifier.Classify(fctx.Error)
	m.logger.Warn(ctx, "handling failure",
		"step", fctx.StepID, "tool", fctx.Tool, "type", string(failureType),
		"attempt", fctx.Attempt, "err", fctx.Error)

	key := fctx.Tool + ":" + string(failureType)
	if !m.breakers.Allow(key) {
		action := Action{
			Strategy:         GracefulDegradation,
			FailureType:      failureType,
			Description:      "circuit breaker active, degrading instead of retrying",
			EstimatedSuccess: 0.8,
		}
		m.record(key, fctx, action)
		return action
	}

	pattern := m.classifier.byType(failureType)
	action := m.plan(fctx, pattern)
	action.FailureType = failureType

	// Feed the planning outcome back into the breaker: low-confidence
	// actions count as failures of the target, high-confidence ones as
	// successes.
	switch {
	case action.EstimatedSuccess < 0.3:
		m.breakers.RecordFailure(key)
	case action.EstimatedSuccess > 0.7:
		m.breakers.RecordSuccess(key)
	}

	m.record(key, fctx, action)
	m.logger.Info(ctx, "recovery action planned",
		"tool", fctx.Tool, "strategy", string(action.Strategy),
		"estimated_success", action.EstimatedSuccess)
	return action
}

func (m *Manager) plan(fctx FailureContext, pattern FailurePattern) Action {
	switch pattern.Strategy {
	case RetrySame:
		return m.planRetrySame(fctx, pattern)
	case RetryWithFallback:
		return m.planFallback(fctx, pattern)
	case ModifyParameters:
		return m.planParameterFix(fctx)
	case RequestUserInput:
		return Action{
			Strategy:          RequestUserInput,
			Description:       "needs user assistance: " + fctx.Error,
			RequiresUserInput: true,
			EstimatedSuccess:  0.7,
		}
	case GracefulDegradation:
		return m.planDegradation(fctx)
	default:
		return abandonAction(fctx)
	}
}

func (m *Manager) planRetrySame(fctx FailureContext, pattern FailurePattern) Action {
	if fctx.Attempt >= pattern.MaxRetries {
		return abandonAction(fctx)
	}
	delay := time.Duration(math.Pow(pattern.BackoffMultiplier, float64(fctx.Attempt)) * float64(time.Second))
	return Action{
		Strategy:         RetrySame,
		Description:      fmt.Sprintf("retry after %s (attempt %d)", delay, fctx.Attempt+1),
		Delay:            delay,
		EstimatedSuccess: pattern.SuccessProbability * math.Pow(0.8, float64(fctx.Attempt)),
	}
}

func (m *Manager) planFallback(fctx FailureContext, pattern FailurePattern) Action {
	var candidates []string
	if m.fallbacks != nil {
		candidates = m.fallbacks.FallbacksFor(fctx.Tool)
	}
	if len(candidates) == 0 {
		return Action{
			Strategy:         GracefulDegradation,
			Description:      "no fallback tools available, providing partial results",
			EstimatedSuccess: 0.6,
		}
	}
	return Action{
		Strategy:         RetryWithFallback,
		Description:      "retry using fallback tool " + candidates[0],
		FallbackTool:     candidates[0],
		EstimatedSuccess: 0.7,
	}
}

func (m *Manager) planParameterFix(fctx FailureContext) Action {
	corrected := CorrectParameters(fctx.Tool, fctx.Params, fctx.Error)
	if corrected == nil {
		return Action{
			Strategy:          RequestUserInput,
			Description:       "unable to correct parameters automatically",
			RequiresUserInput: true,
			EstimatedSuccess:  0.3,
		}
	}
	return Action{
		Strategy:         ModifyParameters,
		Description:      "retry with corrected parameters",
		ModifiedParams:   corrected,
		EstimatedSuccess: 0.8,
	}
}

func (m *Manager) planDegradation(fctx FailureContext) Action {
	desc := "provide partial results with available data"
	switch fctx.Tool {
	case "get_build_history", "get_build_status":
		desc = "show basic job info instead of detailed build information"
	case "get_console_log":
		desc = "provide build status without console output"
	case "search_jobs":
		desc = "list all jobs instead of filtered search results"
	}
	return Action{
		Strategy:         GracefulDegradation,
		Description:      desc,
		EstimatedSuccess: 0.8,
	}
}

func abandonAction(fctx FailureContext) Action {
	return Action{
		Strategy:    AbandonStep,
		Description: "unable to complete step: " + fctx.Error,
	}
}

// Execute carries out a recovery action. It returns true when the step may be
// considered resolved (including a degraded resolution).
func (m *Manager) Execute(ctx context.Context, action Action, fctx FailureContext) bool {
	switch action.Strategy {
	case RetrySame:
		if m.invoker == nil {
			return false
		}
		if action.Delay > 0 {
			if err := m.sleep(ctx, action.Delay); err != nil {
				return false
			}
		}
		return m.invoker.Invoke(ctx, fctx.Tool, fctx.Params)
	case RetryWithFallback:
		if m.invoker == nil || action.FallbackTool == "" {
			return false
		}
		return m.invoker.Invoke(ctx, action.FallbackTool, fctx.Params)
	case ModifyParameters:
		if m.invoker == nil || action.ModifiedParams == nil {
			return false
		}
		return m.invoker.Invoke(ctx, fctx.Tool, action.ModifiedParams)
	case GracefulDegradation:
		m.logger.Info(ctx, "degraded resolution", "tool", fctx.Tool, "description", action.Description)
		return true
	default:
		// User escalation, approach changes, and abandonment are not
		// resolvable inside the runtime.
		return false
	}
}

func (m *Manager) record(key string, fctx FailureContext, action Action) {
	m.histMu.Lock()
	defer m.histMu.Unlock()
	records := append(m.history[key], AttemptRecord{
		Timestamp:        m.now(),
		Error:            fctx.Error,
		Strategy:         action.Strategy,
		EstimatedSuccess: action.EstimatedSuccess,
		Attempt:          fctx.Attempt,
	})
	if len(records) > historyCap {
		records = records[len(records)-historyCap:]
	}
	m.history[key] = records
}

// History returns a copy of the recorded attempts for a (tool, failure-type)
// key, most recent last.
func (m *Manager) History(tool string, t FailureType) []AttemptRecord {
	m.histMu.Lock()
	defer m.histMu.Unlock()
	records := m.history[tool+":"+string(t)]
	out := make([]AttemptRecord, len(records))
	copy(out, records)
	return out
}

// Stats summarizes recovery activity per (tool, failure-type) key.
func (m *Manager) Stats() map[string]int {
	m.histMu.Lock()
	defer m.histMu.Unlock()
	out := make(map[string]int, len(m.history))
	for key, records := range m.history {
		out[key] = len(records)
	}
	return out
}

// CorrectParameters applies the known parameter-repair heuristics. It returns
// nil when no correction changes the parameters.
func CorrectParameters(tool string, params map[string]any, errText string) map[string]any {
	if params == nil {
		params = map[string]any{}
	}
	lower := strings.ToLower(errText)
	corrected := make(map[string]any, len(params))
	for k, v := range params {
		corrected[k] = v
	}
	changed := false

	if strings.Contains(lower, "build_number") {
		switch v := params["build_number"].(type) {
		case string:
			if n, err := strconv.Atoi(v); err == nil {
				corrected["build_number"] = n
				changed = true
			}
		case int:
			corrected["build_number"] = strconv.Itoa(v)
			changed = true
		}
	}

	if strings.Contains(lower, "job_name") {
		if name, ok := params["job_name"].(string); ok {
			if escaped := url.PathEscape(name); escaped != name {
				corrected["job_name"] = escaped
				changed = true
			}
		}
	}

	if strings.Contains(lower, "required parameter") {
		switch tool {
		case "get_job_info":
			if _, ok := corrected["include_builds"]; !ok {
				corrected["include_builds"] = true
				changed = true
			}
		case "search_jobs":
			if _, ok := corrected["max_depth"]; !ok {
				corrected["max_depth"] = 3
				changed = true
			}
		}
	}

	if !changed {
		return nil
	}
	return corrected
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
