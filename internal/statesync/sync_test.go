package statesync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danielpatrickdp/capture-engine/go-core/internal/captureerr"
	"github.com/danielpatrickdp/capture-engine/go-core/internal/statemachine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type phase string

const (
	phaseIdle    phase = "idle"
	phaseRunning phase = "running"
	phaseStopped phase = "stopped"
)

func newMachine(t *testing.T) *statemachine.Machine[phase] {
	t.Helper()
	m, err := statemachine.NewBuilder[phase]().
		Initial(phaseIdle).
		Transition(phaseIdle, phaseRunning).
		Transition(phaseRunning, phaseStopped).
		Transition(phaseStopped, phaseIdle).
		Build()
	require.NoError(t, err)
	return m
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	return cfg
}

func newSync(t *testing.T, cfg Config, r Reporter[phase], opts ...Option[phase]) *Sync[phase] {
	t.Helper()
	s, err := New[phase](cfg, r, opts...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Register("engine", newMachine(t)))
	return s
}

type recordingReporter struct {
	mu     sync.Mutex
	events []Event[phase]
	fail   int // number of leading calls that fail
	calls  int
	err    error
}

func (r *recordingReporter) ReportState(_ context.Context, ev Event[phase]) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls <= r.fail {
		return r.err
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingReporter) reported() []Event[phase] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event[phase](nil), r.events...)
}

type countingObserver struct {
	n   atomic.Int32
	err error
}

func (o *countingObserver) OnStateChange(Event[phase]) error {
	o.n.Add(1)
	return o.err
}
func (o *countingObserver) ObserverID() string { return "counter" }

func TestNewRejectsZeroAttempts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryAttempts = 0
	_, err := New[phase](cfg, nil)
	require.Error(t, err)
	assert.True(t, captureerr.IsKind(err, captureerr.KindConfiguration))
}

func TestRegisterDuplicate(t *testing.T) {
	s := newSync(t, fastConfig(), nil)
	err := s.Register("engine", newMachine(t))
	require.Error(t, err)
	assert.True(t, captureerr.IsKind(err, captureerr.KindConfiguration))
	assert.Equal(t, []string{"engine"}, s.Entities())
}

func TestUpdateStateReportsImmediately(t *testing.T) {
	rep := &recordingReporter{}
	s := newSync(t, fastConfig(), rep)

	require.NoError(t, s.UpdateState(context.Background(), "engine", phaseRunning, map[string]string{"reason": "start"}))

	events := rep.reported()
	require.Len(t, events, 1)
	assert.Equal(t, "engine", events[0].EntityID)
	assert.Equal(t, phaseIdle, events[0].Transition.From)
	assert.Equal(t, phaseRunning, events[0].Transition.To)
	assert.Equal(t, "start", events[0].Transition.Reason)
	assert.NotEmpty(t, events[0].ID)

	m := s.Metrics()
	assert.EqualValues(t, 1, m.Updates)
	assert.EqualValues(t, 1, m.SuccessfulSyncs)
	assert.False(t, m.LastSync.IsZero())
}

func TestIllegalTransitionIsNotReported(t *testing.T) {
	rep := &recordingReporter{}
	s := newSync(t, fastConfig(), rep)

	err := s.UpdateState(context.Background(), "engine", phaseStopped, nil)
	require.Error(t, err)
	assert.True(t, captureerr.IsCode(err, captureerr.CodeInvalidState))
	assert.Empty(t, rep.reported())
	assert.EqualValues(t, 0, s.Metrics().Updates)
}

func TestUnknownEntity(t *testing.T) {
	s := newSync(t, fastConfig(), nil)
	err := s.UpdateState(context.Background(), "nope", phaseRunning, nil)
	assert.True(t, captureerr.IsCode(err, captureerr.CodeNotFound))
}

func TestRetryRecoversAfterTransientFailures(t *testing.T) {
	rep := &recordingReporter{fail: 2, err: errors.New("unavailable")}
	s := newSync(t, fastConfig(), rep)

	require.NoError(t, s.UpdateState(context.Background(), "engine", phaseRunning, nil))
	m := s.Metrics()
	assert.EqualValues(t, 2, m.FailedAttempts)
	assert.EqualValues(t, 0, m.FailedSyncs)
	assert.EqualValues(t, 1, m.SuccessfulSyncs)
}

func TestExhaustedRetriesKeepLocalState(t *testing.T) {
	last := errors.New("control plane down")
	rep := &recordingReporter{fail: 100, err: last}
	s := newSync(t, fastConfig(), rep)

	err := s.UpdateState(context.Background(), "engine", phaseRunning, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, last)
	assert.True(t, captureerr.IsCode(err, captureerr.CodeOperationFailed))

	m, _ := s.Machine("engine")
	assert.Equal(t, phaseRunning, m.Current())

	met := s.Metrics()
	assert.EqualValues(t, 3, met.FailedAttempts)
	assert.EqualValues(t, 1, met.FailedSyncs)
	assert.Equal(t, 3, rep.calls)
}

func TestRetryStopsWhenContextEnds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryDelay = time.Hour
	last := errors.New("down")
	rep := &recordingReporter{fail: 100, err: last}
	s := newSync(t, cfg, rep)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.UpdateState(ctx, "engine", phaseRunning, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, last)
	assert.Equal(t, 1, rep.calls)
}

func TestObserversAndSubscribers(t *testing.T) {
	obs := &countingObserver{err: errors.New("ignored")}
	s := newSync(t, fastConfig(), nil, WithObserver[phase](obs))

	ch, cancel := s.Subscribe(4)
	require.NoError(t, s.UpdateState(context.Background(), "engine", phaseRunning, nil))

	select {
	case ev := <-ch:
		assert.Equal(t, phaseRunning, ev.Transition.To)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
	assert.EqualValues(t, 1, obs.n.Load())

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
	require.NoError(t, s.UpdateState(context.Background(), "engine", phaseStopped, nil))
}

func TestOnDemandQueuesUntilFlush(t *testing.T) {
	cfg := fastConfig()
	cfg.Strategy = OnDemand()
	rep := &recordingReporter{}
	s := newSync(t, cfg, rep)

	require.NoError(t, s.UpdateState(context.Background(), "engine", phaseRunning, nil))
	require.NoError(t, s.UpdateState(context.Background(), "engine", phaseStopped, nil))
	assert.Empty(t, rep.reported())
	assert.Equal(t, 2, s.Metrics().Pending)
	assert.Greater(t, s.Lag(), time.Duration(0))

	require.NoError(t, s.Flush(context.Background()))
	events := rep.reported()
	require.Len(t, events, 2)
	assert.Equal(t, phaseRunning, events[0].Transition.To)
	assert.Equal(t, phaseStopped, events[1].Transition.To)
	assert.Zero(t, s.Metrics().Pending)
}

func TestFlushKeepsFailedEventsQueued(t *testing.T) {
	cfg := fastConfig()
	cfg.Strategy = OnDemand()
	rep := &recordingReporter{fail: 3, err: errors.New("down")}
	s := newSync(t, cfg, rep)

	require.NoError(t, s.UpdateState(context.Background(), "engine", phaseRunning, nil))
	require.NoError(t, s.UpdateState(context.Background(), "engine", phaseStopped, nil))

	require.Error(t, s.Flush(context.Background()))
	assert.Equal(t, 2, s.Metrics().Pending)

	require.NoError(t, s.Flush(context.Background()))
	assert.Len(t, rep.reported(), 2)
}

func TestEventualReportsInBackground(t *testing.T) {
	cfg := fastConfig()
	cfg.Strategy = Eventual(5 * time.Millisecond)
	rep := &recordingReporter{}
	s := newSync(t, cfg, rep)

	require.NoError(t, s.UpdateState(context.Background(), "engine", phaseRunning, nil))
	assert.Eventually(t, func() bool { return len(rep.reported()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestStatesAndRestore(t *testing.T) {
	s := newSync(t, fastConfig(), nil)
	require.NoError(t, s.Register("capture", newMachine(t)))
	require.NoError(t, s.UpdateState(context.Background(), "engine", phaseRunning, nil))

	assert.Equal(t, map[string]phase{"engine": phaseRunning, "capture": phaseIdle}, s.States())

	require.NoError(t, s.RestoreStates(map[string]phase{"engine": phaseStopped, "capture": phaseRunning}))
	assert.Equal(t, map[string]phase{"engine": phaseStopped, "capture": phaseRunning}, s.States())

	err := s.RestoreStates(map[string]phase{"engine": phaseIdle, "capture": phase("bogus")})
	assert.True(t, captureerr.IsCode(err, captureerr.CodeInvalidState))
	assert.Equal(t, phaseStopped, s.States()["engine"], "an unknown state restores nothing")
}

func TestRestoreSkipsUnregisteredEntities(t *testing.T) {
	ctx := context.Background()
	s := newSync(t, fastConfig(), nil)
	require.NoError(t, s.Register("capture", newMachine(t)))
	require.NoError(t, s.UpdateState(ctx, "capture", phaseRunning, nil))
	snap := s.States()

	require.True(t, s.Unregister("engine"))
	require.NoError(t, s.UpdateState(ctx, "capture", phaseStopped, nil))

	require.NoError(t, s.RestoreStates(snap))
	assert.Equal(t, map[string]phase{"capture": phaseRunning}, s.States())
}

func TestAverageLatencyUnderConcurrentReports(t *testing.T) {
	s := newSync(t, fastConfig(), nil)

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
			s.recordSuccess(d)
		}()
	}
	wg.Wait()

	m := s.Metrics()
	assert.Equal(t, uint64(n), m.SuccessfulSyncs)
	assert.InDelta(t, float64(20*time.Millisecond), float64(m.AverageLatency), float64(time.Microsecond))
}

type flakyChecker struct {
	checks   int
	resolved bool
}

func (c *flakyChecker) Check(map[string]*statemachine.Machine[phase]) (bool, error) {
	c.checks++
	return c.resolved, nil
}

func (c *flakyChecker) Resolve(map[string]*statemachine.Machine[phase]) error {
	c.resolved = true
	return nil
}

func TestCheckConsistencyResolves(t *testing.T) {
	checker := &flakyChecker{}
	s := newSync(t, fastConfig(), nil, WithConsistencyChecker[phase](checker))

	ok, err := s.CheckConsistency(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, checker.checks)
}

func TestGraphCheckerResetsStrays(t *testing.T) {
	m := newMachine(t)
	m.Restore(phase("lost"), "test")
	machines := map[string]*statemachine.Machine[phase]{"engine": m}

	ok, err := GraphChecker[phase]{}.Check(machines)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, GraphChecker[phase]{}.Resolve(machines))
	assert.Equal(t, phaseIdle, m.Current())
}

func TestConcurrentUpdatesAcrossEntities(t *testing.T) {
	s := newSync(t, fastConfig(), nil)
	ids := []string{"a", "b", "c", "d"}
	for _, id := range ids {
		require.NoError(t, s.Register(id, newMachine(t)))
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for _, p := range []phase{phaseRunning, phaseStopped, phaseIdle} {
				assert.NoError(t, s.UpdateState(context.Background(), id, p, nil))
			}
		}(id)
	}
	wg.Wait()
	assert.EqualValues(t, 12, s.Metrics().Updates)
}
