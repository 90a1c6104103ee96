package statesync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danielpatrickdp/capture-engine/go-core/internal/captureerr"
	"github.com/danielpatrickdp/capture-engine/go-core/internal/statemachine"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// #region sync
// Sync owns a set of named state machines and reports every committed
// transition to the control plane. Local state is committed before the
// report; a failed report never rolls it back.
type Sync[S comparable] struct {
	cfg      Config
	reporter Reporter[S]
	logger   zerolog.Logger
	checker  ConsistencyChecker[S]

	mu       sync.RWMutex
	machines map[string]*statemachine.Machine[S]

	obsMu     sync.RWMutex
	observers []Observer[S]

	subMu  sync.RWMutex
	subs   map[uint64]chan Event[S]
	nextID uint64

	queueMu sync.Mutex
	queue   []Event[S]

	bg     sync.WaitGroup
	stop   context.CancelFunc
	bgCtx  context.Context
	closed atomic.Bool

	updates    atomic.Uint64
	successes  atomic.Uint64
	failures   atomic.Uint64
	attempts   atomic.Uint64
	lastSyncNs atomic.Int64

	avgMu sync.Mutex
	avg   time.Duration
}

// Option configures a Sync.
type Option[S comparable] func(*Sync[S])

// WithLogger sets the sync logger.
func WithLogger[S comparable](l zerolog.Logger) Option[S] {
	return func(s *Sync[S]) { s.logger = l.With().Str("component", "statesync").Logger() }
}

// WithObserver adds an observer before any entity is registered.
func WithObserver[S comparable](o Observer[S]) Option[S] {
	return func(s *Sync[S]) { s.observers = append(s.observers, o) }
}

// WithConsistencyChecker sets the checker used by CheckConsistency and Run.
func WithConsistencyChecker[S comparable](c ConsistencyChecker[S]) Option[S] {
	return func(s *Sync[S]) { s.checker = c }
}

// New creates a Sync. A nil reporter accepts every event.
func New[S comparable](cfg Config, reporter Reporter[S], opts ...Option[S]) (*Sync[S], error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if reporter == nil {
		reporter = NopReporter[S]()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sync[S]{
		cfg:      cfg,
		reporter: reporter,
		logger:   zerolog.Nop(),
		checker:  GraphChecker[S]{},
		machines: make(map[string]*statemachine.Machine[S]),
		subs:     make(map[uint64]chan Event[S]),
		stop:     cancel,
		bgCtx:    ctx,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Register adds a machine under entityID.
func (s *Sync[S]) Register(entityID string, m *statemachine.Machine[S]) error {
	if entityID == "" || m == nil {
		return captureerr.Configuration(captureerr.CodeMissingRequired, "entity id and machine are required").
			WithComponent("statesync").WithOperation("register")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.machines[entityID]; ok {
		return captureerr.Configuration(captureerr.CodeInvalidValue, "entity already registered").
			WithComponent("statesync").WithOperation("register").WithResource(entityID)
	}
	s.machines[entityID] = m
	return nil
}

// Unregister drops an entity. It reports whether the entity existed.
func (s *Sync[S]) Unregister(entityID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.machines[entityID]
	delete(s.machines, entityID)
	return ok
}

// Machine returns the machine registered under entityID.
func (s *Sync[S]) Machine(entityID string) (*statemachine.Machine[S], bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.machines[entityID]
	return m, ok
}

// Entities returns the registered entity ids, sorted.
func (s *Sync[S]) Entities() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.machines))
	for id := range s.machines {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// AddObserver registers o for every later transition.
func (s *Sync[S]) AddObserver(o Observer[S]) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observers = append(s.observers, o)
}

// #endregion sync

// #region update
// UpdateState commits newState on the entity's machine and reports the
// transition according to the configured strategy. An illegal transition
// is returned unchanged from the machine. Under Immediate the returned error
// wraps the last reporter error once every attempt has failed.
func (s *Sync[S]) UpdateState(ctx context.Context, entityID string, newState S, metadata map[string]string) error {
	m, ok := s.Machine(entityID)
	if !ok {
		return captureerr.New(captureerr.KindConfiguration, captureerr.CodeNotFound, "entity not registered").
			WithComponent("statesync").WithOperation("update_state").WithResource(entityID)
	}

	tr, err := m.TransitionTo(newState, metadata["reason"])
	if err != nil {
		return err
	}
	s.updates.Add(1)

	ev := Event[S]{
		ID:         uuid.New().String(),
		EntityID:   entityID,
		Transition: tr,
		Timestamp:  time.Now().UTC(),
		Metadata:   copyMeta(metadata),
	}

	s.notify(ev)
	s.broadcast(ev)

	switch s.cfg.Strategy.Mode {
	case ModeEventual:
		s.reportLater(ev)
		return nil
	case ModeOnDemand:
		s.queueMu.Lock()
		s.queue = append(s.queue, ev)
		s.queueMu.Unlock()
		return nil
	default:
		return s.report(ctx, ev)
	}
}

func (s *Sync[S]) notify(ev Event[S]) {
	s.obsMu.RLock()
	observers := append([]Observer[S](nil), s.observers...)
	s.obsMu.RUnlock()
	for _, o := range observers {
		if err := o.OnStateChange(ev); err != nil {
			s.logger.Warn().Err(err).Str("observer", o.ObserverID()).Str("entity_id", ev.EntityID).Msg("observer failed")
		}
	}
}

func (s *Sync[S]) broadcast(ev Event[S]) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for id, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.logger.Debug().Uint64("subscriber", id).Str("entity_id", ev.EntityID).Msg("subscriber full, event dropped")
		}
	}
}

func (s *Sync[S]) reportLater(ev Event[S]) {
	if s.closed.Load() {
		s.logger.Warn().Str("entity_id", ev.EntityID).Msg("sync closed, event not reported")
		return
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		if d := s.cfg.Strategy.Delay; d > 0 {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
			case <-s.bgCtx.Done():
				return
			}
		}
		if err := s.report(s.bgCtx, ev); err != nil {
			s.logger.Error().Err(err).Str("entity_id", ev.EntityID).Msg("eventual report failed")
		}
	}()
}

// report tries the reporter up to RetryAttempts times, sleeping RetryDelay
// between attempts.
func (s *Sync[S]) report(ctx context.Context, ev Event[S]) error {
	var last error
	attempt := 0
	for attempt < s.cfg.RetryAttempts {
		if attempt > 0 && !sleepCtx(ctx, s.cfg.RetryDelay) {
			break
		}
		attempt++
		start := time.Now()
		err := s.reporter.ReportState(ctx, ev)
		if err == nil {
			s.recordSuccess(time.Since(start))
			return nil
		}
		last = err
		s.attempts.Add(1)
		s.logger.Warn().Err(err).Str("entity_id", ev.EntityID).Int("attempt", attempt).Msg("report failed")
	}
	s.failures.Add(1)

	e := captureerr.OperationFailed(fmt.Sprintf("state sync failed after %d attempts", attempt)).
		WithComponent("statesync").
		WithOperation("report_state").
		WithResource(ev.EntityID).
		WithRetryCount(attempt)
	if last != nil {
		e = e.Wrap(last)
	}
	return e
}

func (s *Sync[S]) recordSuccess(d time.Duration) {
	s.avgMu.Lock()
	n := s.successes.Add(1)
	s.avg += (d - s.avg) / time.Duration(n)
	s.avgMu.Unlock()
	s.lastSyncNs.Store(time.Now().UTC().UnixNano())
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Flush reports queued events in order. It stops at the first event that
// exhausts its retries; that event and the rest stay queued.
func (s *Sync[S]) Flush(ctx context.Context) error {
	s.queueMu.Lock()
	pending := s.queue
	s.queue = nil
	s.queueMu.Unlock()

	for i, ev := range pending {
		if err := s.report(ctx, ev); err != nil {
			s.queueMu.Lock()
			s.queue = append(append([]Event[S](nil), pending[i:]...), s.queue...)
			s.queueMu.Unlock()
			return err
		}
	}
	return nil
}

// Lag is the age of the oldest queued event.
func (s *Sync[S]) Lag() time.Duration {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if len(s.queue) == 0 {
		return 0
	}
	return time.Since(s.queue[0].Timestamp)
}

// Lagging reports whether queued events are older than MaxSyncLag.
func (s *Sync[S]) Lagging() bool {
	return s.cfg.MaxSyncLag > 0 && s.Lag() > s.cfg.MaxSyncLag
}

// #endregion update

// #region subscribe
// Subscribe returns a channel receiving every committed event. Delivery is
// best effort: a full channel drops the event. Call cancel to unsubscribe.
func (s *Sync[S]) Subscribe(buffer int) (<-chan Event[S], func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event[S], buffer)
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
			close(ch)
		})
	}
}

// #endregion subscribe

// #region snapshot
// States returns the current state of every entity.
func (s *Sync[S]) States() map[string]S {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]S, len(s.machines))
	for id, m := range s.machines {
		out[id] = m.Current()
	}
	return out
}

// RestoreStates forces each listed entity into its recorded state. Ids that
// are no longer registered are skipped and logged. Every remaining state is
// checked before anything is applied, so one unknown state restores nothing.
func (s *Sync[S]) RestoreStates(states map[string]S) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var skipped []string
	for id, st := range states {
		m, ok := s.machines[id]
		if !ok {
			skipped = append(skipped, id)
			continue
		}
		if !m.Known(st) {
			return captureerr.New(captureerr.KindRuntime, captureerr.CodeInvalidState, fmt.Sprintf("state %v is not part of the entity graph", st)).
				WithComponent("statesync").WithOperation("restore_states").WithResource(id)
		}
	}
	for id, st := range states {
		if m, ok := s.machines[id]; ok {
			m.Restore(st, "restored from snapshot")
		}
	}
	if len(skipped) > 0 {
		sort.Strings(skipped)
		s.logger.Warn().Strs("skipped", skipped).Msg("restore skipped unregistered entities")
	}
	s.logger.Info().Int("entities", len(states)-len(skipped)).Msg("states restored")
	return nil
}

// #endregion snapshot

// #region consistency
// CheckConsistency runs the consistency checker and, when it reports a
// problem, asks it to resolve and checks again.
func (s *Sync[S]) CheckConsistency(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	machines := make(map[string]*statemachine.Machine[S], len(s.machines))
	for id, m := range s.machines {
		machines[id] = m
	}
	s.mu.RUnlock()

	ok, err := s.checker.Check(machines)
	if err != nil || ok {
		return ok, err
	}
	s.logger.Warn().Msg("inconsistent state detected, resolving")
	if err := s.checker.Resolve(machines); err != nil {
		return false, captureerr.New(captureerr.KindRuntime, captureerr.CodeStateError, "resolve inconsistency").
			WithComponent("statesync").Wrap(err)
	}
	return s.checker.Check(machines)
}

// Run checks consistency every ConsistencyInterval until ctx ends.
func (s *Sync[S]) Run(ctx context.Context) {
	if s.cfg.ConsistencyInterval <= 0 {
		return
	}
	t := time.NewTicker(s.cfg.ConsistencyInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if ok, err := s.CheckConsistency(ctx); err != nil {
				s.logger.Error().Err(err).Msg("consistency check failed")
			} else if !ok {
				s.logger.Error().Msg("state still inconsistent after resolve")
			}
			if s.Lagging() {
				s.logger.Warn().Dur("lag", s.Lag()).Msg("sync lag exceeds limit")
			}
		}
	}
}

// #endregion consistency

// Metrics returns a copy of the sync counters.
func (s *Sync[S]) Metrics() Metrics {
	var last time.Time
	if ns := s.lastSyncNs.Load(); ns != 0 {
		last = time.Unix(0, ns).UTC()
	}
	s.queueMu.Lock()
	pending := len(s.queue)
	s.queueMu.Unlock()
	s.avgMu.Lock()
	avg := s.avg
	s.avgMu.Unlock()
	return Metrics{
		Updates:         s.updates.Load(),
		SuccessfulSyncs: s.successes.Load(),
		FailedSyncs:     s.failures.Load(),
		FailedAttempts:  s.attempts.Load(),
		AverageLatency:  avg,
		LastSync:        last,
		Pending:         pending,
	}
}

// Close stops background reports and waits for them to exit.
func (s *Sync[S]) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.stop()
	s.bg.Wait()
}

func copyMeta(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
