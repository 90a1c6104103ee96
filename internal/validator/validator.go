package validator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danielpatrickdp/capture-engine/go-core/internal/captureerr"
	"github.com/rs/zerolog"
)

// #region validator
type ruleEntry[S comparable] struct {
	rule Rule[S]
	seq  uint64
}

// Validator evaluates prioritized rules and custom validators against a
// proposed transition before it is committed.
type Validator[S comparable] struct {
	cfg    Config
	logger zerolog.Logger

	mu         sync.RWMutex
	rules      map[string]ruleEntry[S]
	nextSeq    uint64
	customs    []CustomValidator[S]
	invariants []InvariantChecker[S]

	histMu  sync.Mutex
	history []Result

	total  atomic.Uint64
	failed atomic.Uint64

	avgMu sync.Mutex
	avg   time.Duration
}

// Option configures a Validator.
type Option[S comparable] func(*Validator[S])

// WithLogger sets the validator's logger.
func WithLogger[S comparable](l zerolog.Logger) Option[S] {
	return func(v *Validator[S]) {
		v.logger = l.With().Str("component", "validator").Logger()
	}
}

// New creates a validator. HistoryMaxSize must be positive.
func New[S comparable](cfg Config, opts ...Option[S]) (*Validator[S], error) {
	if cfg.HistoryMaxSize <= 0 {
		return nil, captureerr.Configuration(captureerr.CodeInvalidValue, "validation history size must be greater than 0").
			WithComponent("validator")
	}
	if cfg.RuleTimeout <= 0 {
		return nil, captureerr.Configuration(captureerr.CodeInvalidValue, "rule timeout must be positive").
			WithComponent("validator")
	}
	v := &Validator[S]{
		cfg:    cfg,
		logger: zerolog.Nop(),
		rules:  make(map[string]ruleEntry[S]),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// AddRule registers a rule. A rule with an existing name replaces it but
// keeps its first insertion position.
func (v *Validator[S]) AddRule(r Rule[S]) error {
	if r.Name == "" || r.Check == nil || r.Severity == "" {
		return missing("rule name, severity and check")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if old, ok := v.rules[r.Name]; ok {
		v.rules[r.Name] = ruleEntry[S]{rule: r, seq: old.seq}
		return nil
	}
	v.rules[r.Name] = ruleEntry[S]{rule: r, seq: v.nextSeq}
	v.nextSeq++
	return nil
}

// RemoveRule deletes a rule by name. It reports whether the rule existed.
func (v *Validator[S]) RemoveRule(name string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.rules[name]
	delete(v.rules, name)
	return ok
}

// Rules returns the registered rules in execution order.
func (v *Validator[S]) Rules() []Rule[S] {
	entries := v.orderedRules()
	out := make([]Rule[S], len(entries))
	for i, e := range entries {
		out[i] = e.rule
	}
	return out
}

// AddCustomValidator appends c to run after the rules.
func (v *Validator[S]) AddCustomValidator(c CustomValidator[S]) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.customs = append(v.customs, c)
}

// AddInvariantChecker appends c to the checks CheckState runs.
func (v *Validator[S]) AddInvariantChecker(c InvariantChecker[S]) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.invariants = append(v.invariants, c)
}

func (v *Validator[S]) orderedRules() []ruleEntry[S] {
	v.mu.RLock()
	entries := make([]ruleEntry[S], 0, len(v.rules))
	for _, e := range v.rules {
		entries = append(entries, e)
	}
	v.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].rule.Priority != entries[j].rule.Priority {
			return entries[i].rule.Priority < entries[j].rule.Priority
		}
		return entries[i].seq < entries[j].seq
	})
	return entries
}

// #endregion validator

// #region validate
// ValidateTransition runs every rule in priority order, then every custom
// validator, and returns the ordered results. Use Permitted on the result
// to decide whether the transition may proceed. An error is returned only
// when ctx ends mid-pass.
func (v *Validator[S]) ValidateTransition(ctx context.Context, current, proposed S) ([]Result, error) {
	if !v.cfg.Enabled {
		return nil, nil
	}
	start := time.Now()

	entries := v.orderedRules()
	v.mu.RLock()
	customs := append([]CustomValidator[S](nil), v.customs...)
	v.mu.RUnlock()

	results := make([]Result, 0, len(entries)+len(customs))
	passed := make(map[string]bool, len(entries))
	stopped := false

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return results, v.cancelled(err)
		}
		r := e.rule

		var res Result
		if dep, ok := unmetDependency(r, passed); ok {
			res = NewResult(r.Name, false, r.Severity, "unmet dependency: "+dep)
		} else {
			res = v.executeRule(ctx, r, current, proposed)
		}
		res.Metadata = copyMeta(r.Metadata)
		passed[r.Name] = res.Passed
		results = append(results, res)

		if v.cfg.FailFast && !res.Passed && res.Severity == SeverityCritical {
			stopped = true
			break
		}
	}

	if !stopped {
		for _, c := range customs {
			if err := ctx.Err(); err != nil {
				return results, v.cancelled(err)
			}
			res := v.executeCustom(ctx, c, current, proposed)
			results = append(results, res)
			if v.cfg.FailFast && !res.Passed && res.Severity == SeverityCritical {
				break
			}
		}
	}

	v.record(results, time.Since(start))
	return results, nil
}

func unmetDependency[S comparable](r Rule[S], passed map[string]bool) (string, bool) {
	for _, d := range r.DependsOn {
		if !passed[d] {
			return d, true
		}
	}
	return "", false
}

type outcome struct {
	ok  bool
	res Result
	err error
}

func (v *Validator[S]) executeRule(ctx context.Context, r Rule[S], current, proposed S) Result {
	out, timedOut := v.runBounded(ctx, func() outcome {
		ok, err := r.Check(current, proposed)
		return outcome{ok: ok, err: err}
	})
	switch {
	case timedOut:
		return NewResult(r.Name, false, r.Severity, fmt.Sprintf("rule timed out after %s", v.cfg.RuleTimeout))
	case out.err != nil:
		return NewResult(r.Name, false, r.Severity, "rule error: "+out.err.Error())
	case !out.ok:
		msg := r.Description
		if msg == "" {
			msg = "rule check failed"
		}
		return NewResult(r.Name, false, r.Severity, msg)
	}
	return NewResult(r.Name, true, r.Severity, "")
}

func (v *Validator[S]) executeCustom(ctx context.Context, c CustomValidator[S], current, proposed S) Result {
	out, timedOut := v.runBounded(ctx, func() outcome {
		res, err := c.Validate(ctx, current, proposed)
		return outcome{res: res, err: err}
	})
	switch {
	case timedOut:
		return NewResult(c.Name(), false, c.Severity(), fmt.Sprintf("validator timed out after %s", v.cfg.RuleTimeout))
	case out.err != nil:
		return NewResult(c.Name(), false, c.Severity(), "validator error: "+out.err.Error())
	}
	res := out.res
	if res.RuleName == "" {
		res.RuleName = c.Name()
	}
	if res.Severity == "" {
		res.Severity = c.Severity()
	}
	if res.Timestamp.IsZero() {
		res.Timestamp = time.Now().UTC()
	}
	return res
}

// runBounded runs fn with the per-rule timeout. A check that overruns keeps
// running in its goroutine; its late result is discarded.
func (v *Validator[S]) runBounded(ctx context.Context, fn func() outcome) (outcome, bool) {
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		done <- fn()
	}()

	timer := time.NewTimer(v.cfg.RuleTimeout)
	defer timer.Stop()
	select {
	case out := <-done:
		return out, false
	case <-timer.C:
		return outcome{}, true
	case <-ctx.Done():
		return outcome{}, true
	}
}

func (v *Validator[S]) cancelled(err error) error {
	return captureerr.New(captureerr.KindRuntime, captureerr.CodeTimeout, "validation cancelled").
		WithComponent("validator").
		Wrap(err)
}

// #endregion validate

// #region invariants
// CheckState runs every registered invariant checker against state.
func (v *Validator[S]) CheckState(state S) ([]Result, error) {
	v.mu.RLock()
	checkers := append([]InvariantChecker[S](nil), v.invariants...)
	v.mu.RUnlock()

	var results []Result
	for _, c := range checkers {
		rs, err := c.CheckInvariants(state)
		if err != nil {
			return results, captureerr.New(captureerr.KindRuntime, captureerr.CodeStateError, "invariant check failed").
				WithComponent("validator").
				Wrap(err)
		}
		results = append(results, rs...)
	}
	v.appendHistory(results)
	return results, nil
}

// #endregion invariants

// #region history
func (v *Validator[S]) record(results []Result, d time.Duration) {
	if !Permitted(results) {
		v.failed.Add(1)
		r, _ := FirstCritical(results)
		v.logger.Debug().Str("rule", r.RuleName).Str("message", r.Message).Msg("transition blocked")
	}
	v.avgMu.Lock()
	n := v.total.Add(1)
	v.avg += (d - v.avg) / time.Duration(n)
	v.avgMu.Unlock()
	v.appendHistory(results)
}

func (v *Validator[S]) appendHistory(results []Result) {
	v.histMu.Lock()
	defer v.histMu.Unlock()
	v.history = append(v.history, results...)
	if over := len(v.history) - v.cfg.HistoryMaxSize; over > 0 {
		v.history = append(v.history[:0], v.history[over:]...)
	}
}

// History returns the retained results, oldest first.
func (v *Validator[S]) History() []Result {
	v.histMu.Lock()
	defer v.histMu.Unlock()
	return append([]Result(nil), v.history...)
}

// RecentHistory returns retained results recorded at or after since.
func (v *Validator[S]) RecentHistory(since time.Time) []Result {
	v.histMu.Lock()
	defer v.histMu.Unlock()
	var out []Result
	for _, r := range v.history {
		if !r.Timestamp.Before(since) {
			out = append(out, r)
		}
	}
	return out
}

// ClearHistory drops every retained result.
func (v *Validator[S]) ClearHistory() {
	v.histMu.Lock()
	defer v.histMu.Unlock()
	v.history = nil
}

// PruneHistory drops results older than the retention window and returns
// how many were removed.
func (v *Validator[S]) PruneHistory() int {
	cutoff := time.Now().UTC().Add(-v.cfg.HistoryRetention)
	v.histMu.Lock()
	defer v.histMu.Unlock()
	kept := v.history[:0]
	for _, r := range v.history {
		if !r.Timestamp.Before(cutoff) {
			kept = append(kept, r)
		}
	}
	removed := len(v.history) - len(kept)
	v.history = kept
	return removed
}

// Stats returns aggregate counters over all validation calls.
func (v *Validator[S]) Stats() Stats {
	v.avgMu.Lock()
	avg := v.avg
	v.avgMu.Unlock()
	return Stats{
		Total:           v.total.Load(),
		Failed:          v.failed.Load(),
		AverageDuration: avg,
	}
}

func copyMeta(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		out[k] = val
	}
	return out
}

// #endregion history
