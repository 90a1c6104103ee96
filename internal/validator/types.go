package validator

import (
	"context"
	"time"

	"github.com/danielpatrickdp/capture-engine/go-core/internal/captureerr"
)

// #region severity
// Severity decides whether a failed result blocks a transition.
type Severity string

const (
	SeverityCritical Severity = "critical" // must pass or the transition is refused
	SeverityWarning  Severity = "warning"  // recorded, non-blocking
	SeverityInfo     Severity = "info"     // informational only
)

// #endregion severity

// #region rule
// CheckFunc is a pure predicate over a proposed transition.
type CheckFunc[S comparable] func(current, proposed S) (bool, error)

// Rule is one named, prioritized check. Lower Priority runs first; ties run
// in insertion order.
type Rule[S comparable] struct {
	Name        string
	Description string
	Severity    Severity
	Check       CheckFunc[S]
	Priority    int
	DependsOn   []string
	Metadata    map[string]string
}

// HasDependency reports whether the rule depends on the named rule.
func (r Rule[S]) HasDependency(name string) bool {
	for _, d := range r.DependsOn {
		if d == name {
			return true
		}
	}
	return false
}

// #endregion rule

// #region result
// Result is produced once per rule (or custom validator) per validation call.
type Result struct {
	RuleName  string            `json:"rule_name"`
	Passed    bool              `json:"passed"`
	Severity  Severity          `json:"severity"`
	Message   string            `json:"message,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewResult stamps a result with the current time.
func NewResult(rule string, passed bool, sev Severity, msg string) Result {
	return Result{
		RuleName:  rule,
		Passed:    passed,
		Severity:  sev,
		Message:   msg,
		Timestamp: time.Now().UTC(),
	}
}

// Permitted reports whether a transition may proceed given its results:
// only a failed Critical result blocks.
func Permitted(results []Result) bool {
	_, blocked := FirstCritical(results)
	return !blocked
}

// FirstCritical returns the first failed Critical result, if any.
func FirstCritical(results []Result) (Result, bool) {
	for _, r := range results {
		if !r.Passed && r.Severity == SeverityCritical {
			return r, true
		}
	}
	return Result{}, false
}

// Rejection converts a blocked result set into a validation error.
func Rejection(results []Result) error {
	r, blocked := FirstCritical(results)
	if !blocked {
		return nil
	}
	return captureerr.Configuration(captureerr.CodeValidationFailed, "validation rule "+r.RuleName+" failed: "+r.Message).
		WithComponent("validator").
		WithSeverity(captureerr.SeverityCritical)
}

// #endregion result

// #region capabilities
// CustomValidator is a pluggable domain rule that runs after the rule table.
type CustomValidator[S comparable] interface {
	Validate(ctx context.Context, current, proposed S) (Result, error)
	Name() string
	Severity() Severity
}

// InvariantChecker checks properties of a single state rather than a transition.
type InvariantChecker[S comparable] interface {
	CheckInvariants(state S) ([]Result, error)
	InvariantRules() []Rule[S]
}

// #endregion capabilities

// #region config
// Config controls validation behavior.
type Config struct {
	Enabled          bool
	FailFast         bool          // stop at the first failed Critical result
	RuleTimeout      time.Duration // per rule and per custom validator
	HistoryMaxSize   int
	HistoryRetention time.Duration
}

// DefaultConfig returns the settings used by the engine.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		FailFast:         false,
		RuleTimeout:      time.Second,
		HistoryMaxSize:   1000,
		HistoryRetention: time.Hour,
	}
}

// #endregion config

// #region stats
// Stats summarizes validation calls.
type Stats struct {
	Total           uint64
	Failed          uint64
	AverageDuration time.Duration
}

// SuccessRate is the fraction of validation calls that permitted the transition.
func (s Stats) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Total-s.Failed) / float64(s.Total)
}

// #endregion stats
