// Package recovery classifies execution failures and decides how to recover
// from them: retry, switch to a fallback tool, correct parameters, degrade
// gracefully, escalate to the user, or abandon the step. Classification and
// strategy selection are driven by a single ordered pattern table.
package recovery

import (
	"regexp"
	"strings"
)

// FailureType labels one class of execution failure.
type FailureType string

const (
	FailureToolNotFound     FailureType = "tool_not_found"
	FailureParameterError   FailureType = "parameter_error"
	FailurePermissionDenied FailureType = "permission_denied"
	FailureTimeout          FailureType = "timeout"
	FailureServerError      FailureType = "server_error"
	FailureNetworkError     FailureType = "network_error"
	FailureResourceNotFound FailureType = "resource_not_found"
	FailureRateLimited      FailureType = "rate_limited"
	FailureUnknown          FailureType = "unknown"
)

// Transient reports whether the failure class is worth an automatic retry at
// the execution layer.
func (t FailureType) Transient() bool {
	switch t {
	case FailureTimeout, FailureNetworkError, FailureRateLimited:
		return true
	default:
		return false
	}
}

// Strategy names one recovery approach.
type Strategy string

const (
	RetrySame           Strategy = "retry_same"
	RetryWithFallback   Strategy = "retry_with_fallback"
	ModifyParameters    Strategy = "modify_parameters"
	ChangeApproach      Strategy = "change_approach"
	RequestUserInput    Strategy = "request_user_input"
	GracefulDegradation Strategy = "graceful_degradation"
	AbandonStep         Strategy = "abandon_step"
)

// FailurePattern binds a failure type to its matching error patterns and the
// default recovery policy for that type.
type FailurePattern struct {
	FailureType        FailureType
	ErrorPatterns      []*regexp.Regexp
	Strategy           Strategy
	MaxRetries         int
	BackoffMultiplier  float64
	SuccessProbability float64
}

func mustPatterns(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(e)
	}
	return out
}

// defaultPatterns is the ordered classification and policy table. Order
// matters: classification returns the first matching entry.
func defaultPatterns() []FailurePattern {
	return []FailurePattern{
		{
			FailureType: FailureToolNotFound,
			ErrorPatterns: mustPatterns(
				`tool.*not found`,
				`unknown tool`,
				`no tool named`,
				`tool.*does not exist`,
			),
			Strategy:           RetryWithFallback,
			MaxRetries:         1,
			BackoffMultiplier:  1,
			SuccessProbability: 0.8,
		},
		{
			FailureType: FailureParameterError,
			ErrorPatterns: mustPatterns(
				`invalid parameter`,
				`parameter.*required`,
				`parameter.*missing`,
				`wrong type.*parameter`,
				`parameter validation failed`,
				`missing required parameter`,
			),
			Strategy:           ModifyParameters,
			MaxRetries:         2,
			BackoffMultiplier:  1,
			SuccessProbability: 0.7,
		},
		{
			FailureType: FailurePermissionDenied,
			ErrorPatterns: mustPatterns(
				`permission denied`,
				`access denied`,
				`unauthorized`,
				`forbidden`,
				`not allowed`,
			),
			Strategy:           RequestUserInput,
			MaxRetries:         1,
			BackoffMultiplier:  1,
			SuccessProbability: 0.3,
		},
		{
			FailureType: FailureTimeout,
			ErrorPatterns: mustPatterns(
				`timeout`,
				`timed out`,
				`operation took too long`,
				`deadline exceeded`,
			),
			Strategy:           RetrySame,
			MaxRetries:         3,
			BackoffMultiplier:  1.5,
			SuccessProbability: 0.6,
		},
		{
			FailureType: FailureServerError,
			ErrorPatterns: mustPatterns(
				`internal server error`,
				`server error`,
				`500 error`,
				`service unavailable`,
				`503 error`,
			),
			Strategy:           RetryWithFallback,
			MaxRetries:         2,
			BackoffMultiplier:  3,
			SuccessProbability: 0.4,
		},
		{
			FailureType: FailureResourceNotFound,
			ErrorPatterns: mustPatterns(
				`job.*not found`,
				`build.*not found`,
				`resource not found`,
				`404.*not found`,
				`does not exist`,
			),
			Strategy:           ModifyParameters,
			MaxRetries:         2,
			BackoffMultiplier:  1,
			SuccessProbability: 0.5,
		},
		{
			FailureType: FailureRateLimited,
			ErrorPatterns: mustPatterns(
				`rate limit`,
				`too many requests`,
				`429 error`,
				`quota exceeded`,
			),
			Strategy:           RetrySame,
			MaxRetries:         3,
			BackoffMultiplier:  5,
			SuccessProbability: 0.8,
		},
		{
			FailureType: FailureNetworkError,
			ErrorPatterns: mustPatterns(
				`connection error`,
				`network error`,
				`connection refused`,
				`dns.*error`,
				`host.*unreachable`,
				`connection reset`,
			),
			Strategy:           RetryWithFallback,
			MaxRetries:         2,
			BackoffMultiplier:  2,
			SuccessProbability: 0.6,
		},
	}
}

// unknownPattern is the policy applied when no table entry matches.
func unknownPattern() FailurePattern {
	return FailurePattern{
		FailureType:        FailureUnknown,
		Strategy:           RetrySame,
		MaxRetries:         1,
		BackoffMultiplier:  1,
		SuccessProbability: 0.3,
	}
}

// Classifier matches error text against the ordered pattern table.
type Classifier struct {
	patterns []FailurePattern
}

// NewClassifier builds a Classifier over the default table.
func NewClassifier() *Classifier {
	return &Classifier{patterns: defaultPatterns()}
}

// Classify returns the failure type of the first matching pattern, or
// FailureUnknown when nothing matches. Matching is case-insensitive.
func (c *Classifier) Classify(errText string) FailureType {
	return c.patternFor(errText).FailureType
}

func (c *Classifier) patternFor(errText string) FailurePattern {
	lower := strings.ToLower(errText)
	for _, p := range c.patterns {
		for _, re := range p.ErrorPatterns {
			if re.MatchString(lower) {
				return p
			}
		}
	}
	return unknownPattern()
}

// byType returns the policy entry for a known failure type.
func (c *Classifier) byType(t FailureType) FailurePattern {
	for _, p := range c.patterns {
		if p.FailureType == t {
			return p
		}
	}
	return unknownPattern()
}
