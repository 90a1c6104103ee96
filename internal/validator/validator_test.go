package validator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type state string

func alwaysPass(_, _ state) (bool, error) { return true, nil }
func alwaysFail(_, _ state) (bool, error) { return false, nil }

func newValidator(t *testing.T, mutate func(*Config)) *Validator[state] {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RuleTimeout = 50 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	v, err := New[state](cfg)
	require.NoError(t, err)
	return v
}

func mustRule(t *testing.T, b *RuleBuilder[state]) Rule[state] {
	t.Helper()
	r, err := b.Build()
	require.NoError(t, err)
	return r
}

type stubCustom struct {
	name string
	sev  Severity
	res  Result
	err  error
}

func (s stubCustom) Validate(context.Context, state, state) (Result, error) { return s.res, s.err }
func (s stubCustom) Name() string { return s.name }
func (s stubCustom) Severity() Severity { return s.sev }

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HistoryMaxSize = 0
	_, err := New[state](cfg)
	require.Error(t, err)

	cfg = DefaultConfig()
	cfg.RuleTimeout = 0
	_, err = New[state](cfg)
	require.Error(t, err)
}

func TestRuleBuilderRequiresFields(t *testing.T) {
	_, err := NewRule[state]("").Severity(SeverityCritical).Check(alwaysPass).Build()
	assert.Error(t, err)
	_, err = NewRule[state]("x").Check(alwaysPass).Build()
	assert.Error(t, err)
	_, err = NewRule[state]("x").Severity(SeverityInfo).Build()
	assert.Error(t, err)

	r, err := NewRule[state]("x").Severity(SeverityInfo).Check(alwaysPass).Metadata("k", "v").Build()
	require.NoError(t, err)
	assert.Equal(t, "v", r.Metadata["k"])
}

func TestRulesRunInPriorityThenInsertionOrder(t *testing.T) {
	v := newValidator(t, nil)
	require.NoError(t, v.AddRule(mustRule(t, NewRule[state]("c").Severity(SeverityInfo).Priority(2).Check(alwaysPass))))
	require.NoError(t, v.AddRule(mustRule(t, NewRule[state]("a").Severity(SeverityInfo).Priority(1).Check(alwaysPass))))
	require.NoError(t, v.AddRule(mustRule(t, NewRule[state]("b").Severity(SeverityInfo).Priority(1).Check(alwaysPass))))

	results, err := v.ValidateTransition(context.Background(), "idle", "running")
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{results[0].RuleName, results[1].RuleName, results[2].RuleName})
}

func TestReplacingRuleKeepsPosition(t *testing.T) {
	v := newValidator(t, nil)
	require.NoError(t, v.AddRule(mustRule(t, NewRule[state]("first").Severity(SeverityInfo).Check(alwaysPass))))
	require.NoError(t, v.AddRule(mustRule(t, NewRule[state]("second").Severity(SeverityInfo).Check(alwaysPass))))
	require.NoError(t, v.AddRule(mustRule(t, NewRule[state]("first").Severity(SeverityWarning).Check(alwaysFail))))

	rules := v.Rules()
	require.Len(t, rules, 2)
	assert.Equal(t, "first", rules[0].Name)
	assert.Equal(t, SeverityWarning, rules[0].Severity)
}

func TestCriticalFailureBlocksWarningDoesNot(t *testing.T) {
	v := newValidator(t, nil)
	require.NoError(t, v.AddRule(mustRule(t, NewRule[state]("warn").Severity(SeverityWarning).Check(alwaysFail))))
	require.NoError(t, v.AddRule(mustRule(t, NewRule[state]("info").Severity(SeverityInfo).Check(alwaysFail))))

	results, err := v.ValidateTransition(context.Background(), "a", "b")
	require.NoError(t, err)
	assert.True(t, Permitted(results))
	assert.NoError(t, Rejection(results))

	require.NoError(t, v.AddRule(mustRule(t, NewRule[state]("crit").Severity(SeverityCritical).Description("no way").Check(alwaysFail))))
	results, err = v.ValidateTransition(context.Background(), "a", "b")
	require.NoError(t, err)
	assert.False(t, Permitted(results))
	r, ok := FirstCritical(results)
	require.True(t, ok)
	assert.Equal(t, "crit", r.RuleName)
	assert.Equal(t, "no way", r.Message)
	assert.Error(t, Rejection(results))
}

func TestUnmetDependencyIsRecordedFailed(t *testing.T) {
	v := newValidator(t, nil)
	require.NoError(t, v.AddRule(mustRule(t, NewRule[state]("base").Severity(SeverityWarning).Priority(1).Check(alwaysFail))))
	require.NoError(t, v.AddRule(mustRule(t, NewRule[state]("child").Severity(SeverityWarning).Priority(2).DependsOn("base").Check(alwaysPass))))
	require.NoError(t, v.AddRule(mustRule(t, NewRule[state]("orphan").Severity(SeverityInfo).Priority(3).DependsOn("missing").Check(alwaysPass))))

	results, err := v.ValidateTransition(context.Background(), "a", "b")
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.False(t, results[1].Passed)
	assert.Equal(t, "unmet dependency: base", results[1].Message)
	assert.False(t, results[2].Passed)
	assert.Equal(t, "unmet dependency: missing", results[2].Message)
}

func TestDependencySatisfied(t *testing.T) {
	v := newValidator(t, nil)
	require.NoError(t, v.AddRule(mustRule(t, NewRule[state]("base").Severity(SeverityCritical).Priority(1).Check(alwaysPass))))
	require.NoError(t, v.AddRule(mustRule(t, NewRule[state]("child").Severity(SeverityCritical).Priority(2).DependsOn("base").Check(alwaysPass))))

	results, err := v.ValidateTransition(context.Background(), "a", "b")
	require.NoError(t, err)
	assert.True(t, results[1].Passed)
}

func TestRuleTimeoutIsNotFatal(t *testing.T) {
	v := newValidator(t, func(c *Config) { c.RuleTimeout = 10 * time.Millisecond })
	slow := func(_, _ state) (bool, error) {
		time.Sleep(200 * time.Millisecond)
		return true, nil
	}
	require.NoError(t, v.AddRule(mustRule(t, NewRule[state]("slow").Severity(SeverityWarning).Priority(1).Check(slow))))
	require.NoError(t, v.AddRule(mustRule(t, NewRule[state]("fast").Severity(SeverityCritical).Priority(2).Check(alwaysPass))))

	results, err := v.ValidateTransition(context.Background(), "a", "b")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.False(t, results[0].Passed)
	assert.Contains(t, results[0].Message, "timed out")
	assert.True(t, results[1].Passed)
	assert.True(t, Permitted(results))
}

func TestRuleErrorBecomesFailedResult(t *testing.T) {
	v := newValidator(t, nil)
	boom := func(_, _ state) (bool, error) { return false, errors.New("boom") }
	require.NoError(t, v.AddRule(mustRule(t, NewRule[state]("err").Severity(SeverityCritical).Check(boom))))

	results, err := v.ValidateTransition(context.Background(), "a", "b")
	require.NoError(t, err)
	assert.False(t, results[0].Passed)
	assert.Contains(t, results[0].Message, "boom")
}

func TestFailFastStopsAtFirstCritical(t *testing.T) {
	v := newValidator(t, func(c *Config) { c.FailFast = true })
	require.NoError(t, v.AddRule(mustRule(t, NewRule[state]("warn").Severity(SeverityWarning).Priority(1).Check(alwaysFail))))
	require.NoError(t, v.AddRule(mustRule(t, NewRule[state]("crit").Severity(SeverityCritical).Priority(2).Check(alwaysFail))))
	require.NoError(t, v.AddRule(mustRule(t, NewRule[state]("after").Severity(SeverityInfo).Priority(3).Check(alwaysPass))))
	v.AddCustomValidator(stubCustom{name: "custom", sev: SeverityInfo, res: Result{Passed: true}})

	results, err := v.ValidateTransition(context.Background(), "a", "b")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "crit", results[1].RuleName)
}

func TestCustomValidatorsRunAfterRules(t *testing.T) {
	v := newValidator(t, nil)
	require.NoError(t, v.AddRule(mustRule(t, NewRule[state]("rule").Severity(SeverityInfo).Check(alwaysPass))))
	v.AddCustomValidator(stubCustom{name: "ok", sev: SeverityWarning, res: Result{Passed: true}})
	v.AddCustomValidator(stubCustom{name: "broken", sev: SeverityCritical, err: errors.New("unreachable")})

	results, err := v.ValidateTransition(context.Background(), "a", "b")
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "rule", results[0].RuleName)
	assert.Equal(t, "ok", results[1].RuleName)
	assert.Equal(t, SeverityWarning, results[1].Severity)
	assert.Equal(t, "broken", results[2].RuleName)
	assert.False(t, results[2].Passed)
	assert.False(t, Permitted(results))
}

func TestDisabledValidatorPermits(t *testing.T) {
	v := newValidator(t, func(c *Config) { c.Enabled = false })
	require.NoError(t, v.AddRule(mustRule(t, NewRule[state]("crit").Severity(SeverityCritical).Check(alwaysFail))))
	results, err := v.ValidateTransition(context.Background(), "a", "b")
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.True(t, Permitted(results))
}

func TestCancelledContext(t *testing.T) {
	v := newValidator(t, nil)
	require.NoError(t, v.AddRule(mustRule(t, NewRule[state]("r").Severity(SeverityInfo).Check(alwaysPass))))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := v.ValidateTransition(ctx, "a", "b")
	assert.Error(t, err)
}

func TestHistoryIsBounded(t *testing.T) {
	v := newValidator(t, func(c *Config) { c.HistoryMaxSize = 3 })
	require.NoError(t, v.AddRule(mustRule(t, NewRule[state]("r1").Severity(SeverityInfo).Check(alwaysPass))))
	require.NoError(t, v.AddRule(mustRule(t, NewRule[state]("r2").Severity(SeverityInfo).Check(alwaysPass))))

	for i := 0; i < 4; i++ {
		_, err := v.ValidateTransition(context.Background(), "a", "b")
		require.NoError(t, err)
	}
	assert.Len(t, v.History(), 3)

	v.ClearHistory()
	assert.Empty(t, v.History())
}

func TestPruneAndRecentHistory(t *testing.T) {
	v := newValidator(t, func(c *Config) { c.HistoryRetention = time.Minute })
	old := NewResult("old", true, SeverityInfo, "")
	old.Timestamp = time.Now().UTC().Add(-time.Hour)
	fresh := NewResult("fresh", true, SeverityInfo, "")
	v.appendHistory([]Result{old, fresh})

	recent := v.RecentHistory(time.Now().UTC().Add(-time.Minute))
	require.Len(t, recent, 1)
	assert.Equal(t, "fresh", recent[0].RuleName)

	assert.Equal(t, 1, v.PruneHistory())
	require.Len(t, v.History(), 1)
	assert.Equal(t, "fresh", v.History()[0].RuleName)
}

func TestStats(t *testing.T) {
	v := newValidator(t, nil)
	require.NoError(t, v.AddRule(mustRule(t, NewRule[state]("crit").Severity(SeverityCritical).
		Check(func(_, proposed state) (bool, error) { return proposed != "bad", nil }))))

	v.ValidateTransition(context.Background(), "a", "good")
	v.ValidateTransition(context.Background(), "a", "bad")

	s := v.Stats()
	assert.EqualValues(t, 2, s.Total)
	assert.EqualValues(t, 1, s.Failed)
	assert.InDelta(t, 0.5, s.SuccessRate(), 0.0001)
	assert.Zero(t, Stats{}.SuccessRate())
}

func TestAverageDurationUnderConcurrentCalls(t *testing.T) {
	v := newValidator(t, nil)

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		d := 10 * time.Millisecond
		if i%2 == 1 {
			d = 30 * time.Millisecond
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			v.record(nil, d)
		}()
	}
	wg.Wait()

	s := v.Stats()
	assert.EqualValues(t, n, s.Total)
	assert.InDelta(t, float64(20*time.Millisecond), float64(s.AverageDuration), float64(time.Microsecond))
}

type positiveChecker struct{}

func (positiveChecker) CheckInvariants(s state) ([]Result, error) {
	return []Result{NewResult("non-empty", s != "", SeverityCritical, "")}, nil
}
func (positiveChecker) InvariantRules() []Rule[state] { return nil }

func TestCheckState(t *testing.T) {
	v := newValidator(t, nil)
	v.AddInvariantChecker(positiveChecker{})

	results, err := v.CheckState("")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Passed)
	assert.Len(t, v.History(), 1)
}
