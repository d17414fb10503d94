package registry

import (
	"sync"
	"time"
)

const (
	maxErrorSamples   = 10
	errorSampleLength = 100

	// defaultSuccessRate is assumed for tools with no recorded calls so
	// that fresh tools are neither favored nor shunned.
	defaultSuccessRate = 0.5

	successRateWeight = 0.7
	latencyWeight     = 0.3
)

// Performance accumulates call statistics for one tool on one server.
type Performance struct {
	ToolName          string
	ServerName        string
	SuccessCount      int
	FailureCount      int
	AvgResponseTimeMs float64
	LastUsed          time.Time
	LastSuccess       time.Time
	LastFailure       time.Time
	ErrorSamples      []string
}

// SuccessRate returns the observed success ratio, or the neutral default
// when no calls have been recorded.
func (p Performance) SuccessRate() float64 {
	total := p.SuccessCount + p.FailureCount
	if total == 0 {
		return defaultSuccessRate
	}
	return float64(p.SuccessCount) / float64(total)
}

// Score ranks the tool for selection. Reliability dominates; latency is a
// secondary signal with sub-millisecond times clamped to 1ms.
func (p Performance) Score() float64 {
	latency := p.AvgResponseTimeMs
	if latency < 1 {
		latency = 1
	}
	return p.SuccessRate()*successRateWeight + (1000/latency)*latencyWeight
}

type perfKey struct {
	server string
	tool   string
}

// performanceTracker is a concurrency-safe map of per-(server, tool)
// statistics.
type performanceTracker struct {
	mu      sync.Mutex
	entries map[perfKey]*Performance
	now     func() time.Time
}

func newPerformanceTracker(now func() time.Time) *performanceTracker {
	if now == nil {
		now = time.Now
	}
	return &performanceTracker{
		entries: make(map[perfKey]*Performance),
		now:     now,
	}
}

// ensure creates a zeroed entry if none exists, so discovered tools rank
// with default statistics before their first call.
func (t *performanceTracker) ensure(server, tool string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := perfKey{server, tool}
	if _, ok := t.entries[key]; !ok {
		t.entries[key] = &Performance{ToolName: tool, ServerName: server}
	}
}

func (t *performanceTracker) record(server, tool string, success bool, latency time.Duration, errText string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := perfKey{server, tool}
	entry, ok := t.entries[key]
	if !ok {
		entry = &Performance{ToolName: tool, ServerName: server}
		t.entries[key] = entry
	}
	now := t.now()
	entry.LastUsed = now
	if success {
		entry.SuccessCount++
		entry.LastSuccess = now
		total := float64(entry.SuccessCount + entry.FailureCount)
		ms := float64(latency.Milliseconds())
		entry.AvgResponseTimeMs = (entry.AvgResponseTimeMs*(total-1) + ms) / total
		return
	}
	entry.FailureCount++
	entry.LastFailure = now
	if errText != "" && len(entry.ErrorSamples) < maxErrorSamples {
		sample := errText
		if len(sample) > errorSampleLength {
			sample = sample[:errorSampleLength]
		}
		for _, existing := range entry.ErrorSamples {
			if existing == sample {
				return
			}
		}
		entry.ErrorSamples = append(entry.ErrorSamples, sample)
	}
}

// get returns a copy of the entry and whether it exists.
func (t *performanceTracker) get(server, tool string) (Performance, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[perfKey{server, tool}]
	if !ok {
		return Performance{}, false
	}
	return *entry, true
}

// snapshot copies all entries, optionally filtered to one tool name.
func (t *performanceTracker) snapshot(tool string) map[string]Performance {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Performance)
	for key, entry := range t.entries {
		if tool != "" && key.tool != tool {
			continue
		}
		out[key.server+":"+key.tool] = *entry
	}
	return out
}

func (t *performanceTracker) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
