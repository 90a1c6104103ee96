package txn

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danielpatrickdp/capture-engine/go-core/internal/captureerr"
	"github.com/danielpatrickdp/capture-engine/go-core/internal/recovery"
	"github.com/danielpatrickdp/capture-engine/go-core/internal/statemachine"
	"github.com/danielpatrickdp/capture-engine/go-core/internal/statesync"
	"github.com/danielpatrickdp/capture-engine/go-core/internal/validator"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// #region context
// Context is one transaction. The exported fields are fixed at Begin.
type Context struct {
	ID         string
	ParentID   string
	StartTime  time.Time
	Config     Config
	Operations []Operation
	Metadata   map[string]string

	root    string // lock group
	machine *statemachine.Machine[State]
	opMu    sync.Mutex // serializes Prepare, Commit and Rollback
	attempt atomic.Int32

	mu         sync.RWMutex
	held       []HeldLock
	applied    []Operation
	prevStates map[string]ResourceState
	pointID    string
	finishedAt time.Time
	err        error
}

// State is the transaction's current lifecycle state.
func (tx *Context) State() State { return tx.machine.Current() }

// Root is the lock group the transaction acquires under. Joined children
// share their parent's root.
func (tx *Context) Root() string { return tx.root }

// Attempts is the attempt number of the step currently being driven.
func (tx *Context) Attempts() int { return int(tx.attempt.Load()) }

// History returns the recorded state transitions, oldest first.
func (tx *Context) History() []statemachine.Transition[State] { return tx.machine.History() }

// Held returns the locks held, in acquisition order.
func (tx *Context) Held() []HeldLock {
	tx.mu.RLock()
	defer tx.mu.RUnlock()
	return append([]HeldLock(nil), tx.held...)
}

// Applied counts operations applied and not undone.
func (tx *Context) Applied() int {
	tx.mu.RLock()
	defer tx.mu.RUnlock()
	return len(tx.applied)
}

// RecoveryPointID is set when a recovery point was taken before commit.
func (tx *Context) RecoveryPointID() string {
	tx.mu.RLock()
	defer tx.mu.RUnlock()
	return tx.pointID
}

// Err is the error that ended the transaction, if any.
func (tx *Context) Err() error {
	tx.mu.RLock()
	defer tx.mu.RUnlock()
	return tx.err
}

// #endregion context

// #region coordinator
// PointCreator takes a recovery point. *recovery.Manager satisfies it.
type PointCreator interface {
	CreateRecoveryPoint(ctx context.Context, metadata map[string]string) (recovery.RecoveryPoint, error)
}

// Metrics is a point-in-time copy of the coordinator counters.
type Metrics struct {
	Total           uint64
	Active          int
	Committed       uint64
	RolledBack      uint64
	Failed          uint64
	TimedOut        uint64
	AverageDuration time.Duration
	LockContentions uint64
}

// Coordinator runs two-phase transactions over declared operations.
type Coordinator struct {
	logger    zerolog.Logger
	tracer    trace.Tracer
	now       func() time.Time
	executors map[OperationKind]Executor
	rv        *validator.Validator[ResourceState]
	sync      *statesync.Sync[State]
	points    PointCreator
	locks     *LockManager

	mu       sync.RWMutex
	active   map[string]*Context
	finished map[string]*Context

	resMu     sync.RWMutex
	resources map[string]*Resource

	total      atomic.Uint64
	committed  atomic.Uint64
	rolledBack atomic.Uint64
	failed     atomic.Uint64
	timedOut   atomic.Uint64

	avgMu     sync.Mutex
	avg       time.Duration
	doneCount int64
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.logger = l.With().Str("component", "txn").Logger() }
}

// WithExecutor registers the executor for one operation kind.
func WithExecutor(kind OperationKind, ex Executor) Option {
	return func(c *Coordinator) { c.executors[kind] = ex }
}

// WithResourceValidator replaces the default resource lifecycle validator.
func WithResourceValidator(v *validator.Validator[ResourceState]) Option {
	return func(c *Coordinator) { c.rv = v }
}

// WithStateSync reports every transaction transition through s.
func WithStateSync(s *statesync.Sync[State]) Option {
	return func(c *Coordinator) { c.sync = s }
}

// WithRecovery enables pre-commit recovery points for transactions that ask
// for them.
func WithRecovery(p PointCreator) Option {
	return func(c *Coordinator) { c.points = p }
}

// WithTracer replaces the global otel tracer.
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) { c.tracer = t }
}

// WithClock replaces time.Now for timestamps and timeouts.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithLockManager shares a lock table between coordinators.
func WithLockManager(lm *LockManager) Option {
	return func(c *Coordinator) { c.locks = lm }
}

// NewCoordinator builds a coordinator. Without WithResourceValidator the
// resource lifecycle rule from ResourceTransitionAllowed is enforced; without
// WithStateSync transitions are tracked locally and reported nowhere.
func NewCoordinator(opts ...Option) (*Coordinator, error) {
	c := &Coordinator{
		logger:    zerolog.Nop(),
		tracer:    otel.Tracer("capture-core/txn"),
		now:       time.Now,
		executors: make(map[OperationKind]Executor),
		active:    make(map[string]*Context),
		finished:  make(map[string]*Context),
		resources: make(map[string]*Resource),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.rv == nil {
		v, err := DefaultResourceValidator()
		if err != nil {
			return nil, err
		}
		c.rv = v
	}
	if c.sync == nil {
		s, err := statesync.New[State](statesync.DefaultConfig(), nil, statesync.WithLogger[State](c.logger))
		if err != nil {
			return nil, err
		}
		c.sync = s
	}
	if c.locks == nil {
		c.locks = NewLockManager()
	}
	return c, nil
}

// DefaultResourceValidator enforces the resource lifecycle as one Critical rule.
func DefaultResourceValidator() (*validator.Validator[ResourceState], error) {
	v, err := validator.New[ResourceState](validator.DefaultConfig())
	if err != nil {
		return nil, err
	}
	rule, err := validator.NewRule[ResourceState]("resource_lifecycle").
		Description("resource state change follows the lifecycle").
		Severity(validator.SeverityCritical).
		Check(func(current, proposed ResourceState) (bool, error) {
			return ResourceTransitionAllowed(current, proposed), nil
		}).
		Build()
	if err != nil {
		return nil, err
	}
	if err := v.AddRule(rule); err != nil {
		return nil, err
	}
	return v, nil
}

// Sync exposes the transaction state sync so callers can observe it.
func (c *Coordinator) Sync() *statesync.Sync[State] { return c.sync }

// Locks exposes the lock table.
func (c *Coordinator) Locks() *LockManager { return c.locks }

// #endregion coordinator

// #region begin
// Begin creates a transaction in Initial, applies its propagation rule and
// moves it to Preparing.
func (c *Coordinator) Begin(ctx context.Context, cfg Config, ops ...Operation) (*Context, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	for _, op := range ops {
		if op == nil || !validResourceID(op.ResourceID()) {
			return nil, captureerr.Configuration(captureerr.CodeInvalidValue, "operation needs a resource id").
				WithComponent("txn").WithOperation("begin")
		}
	}

	id := uuid.New().String()
	root := id
	parentID := cfg.ParentID

	var parent *Context
	if parentID != "" {
		c.mu.RLock()
		parent = c.active[parentID]
		c.mu.RUnlock()
	}

	switch cfg.Propagation {
	case PropagationMandatory:
		if parent == nil {
			return nil, captureerr.Configuration(captureerr.CodeMissingRequired, "mandatory propagation needs an active parent transaction").
				WithComponent("txn").WithOperation("begin").WithResource(parentID)
		}
		root = parent.root
	case PropagationNever:
		if parentID != "" {
			return nil, captureerr.Configuration(captureerr.CodeInvalidValue, "never propagation forbids a parent transaction").
				WithComponent("txn").WithOperation("begin").WithResource(parentID)
		}
	case PropagationRequired, PropagationSupports:
		if parentID != "" && parent == nil {
			return nil, captureerr.New(captureerr.KindConfiguration, captureerr.CodeNotFound, "parent transaction is not active").
				WithComponent("txn").WithOperation("begin").WithResource(parentID)
		}
		if parent != nil {
			root = parent.root
		}
	case PropagationNotSupported:
		parentID = ""
	}

	m, err := NewMachine()
	if err != nil {
		return nil, err
	}
	tx := &Context{
		ID:         id,
		ParentID:   parentID,
		StartTime:  c.now(),
		Config:     cfg,
		Operations: append([]Operation(nil), ops...),
		Metadata:   copyMeta(cfg.Metadata),
		root:       root,
		machine:    m,
		prevStates: make(map[string]ResourceState),
	}
	if err := c.sync.Register(id, m); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.active[id] = tx
	c.mu.Unlock()
	c.total.Add(1)

	if err := c.transition(ctx, tx, StatePreparing, "begin"); err != nil {
		c.mu.Lock()
		delete(c.active, id)
		c.mu.Unlock()
		c.sync.Unregister(id)
		return nil, err
	}
	c.logger.Debug().Str("transaction_id", id).Str("root", root).Int("operations", len(ops)).
		Str("isolation", string(cfg.Isolation)).Msg("transaction begun")
	return tx, nil
}

// #endregion begin

// #region prepare
// Prepare validates every operation's target resource and takes the lock
// plan in ascending resource order. On failure every partial lock is
// released and the transaction ends Failed (or TimedOut).
func (c *Coordinator) Prepare(ctx context.Context, tx *Context) error {
	ctx, span := c.tracer.Start(ctx, "txn.Prepare", trace.WithAttributes(
		attribute.String("txn.id", tx.ID),
		attribute.Int("txn.operations", len(tx.Operations)),
	))
	defer span.End()

	tx.opMu.Lock()
	defer tx.opMu.Unlock()

	if err := c.expect(tx, StatePreparing, "prepare"); err != nil {
		markSpan(span, err)
		return err
	}
	if c.expired(tx) {
		err := c.timeout(ctx, tx)
		markSpan(span, err)
		return err
	}

	if err := c.checkOperations(ctx, tx); err != nil {
		err = c.fail(ctx, tx, err)
		markSpan(span, err)
		return err
	}

	plan := lockPlan(tx.Operations, tx.Config.Isolation)
	for attempt := 1; ; attempt++ {
		tx.attempt.Store(int32(attempt))
		err := c.acquire(tx, plan)
		if err == nil {
			break
		}
		if !captureerr.IsCode(err, captureerr.CodeLockContention) || !c.retry(ctx, tx, attempt) {
			err = c.fail(ctx, tx, err)
			markSpan(span, err)
			return err
		}
		if c.expired(tx) {
			err := c.timeout(ctx, tx)
			markSpan(span, err)
			return err
		}
		c.logger.Debug().Str("transaction_id", tx.ID).Int("attempt", attempt).Msg("retrying lock acquisition")
	}

	if err := c.transition(ctx, tx, StatePrepared, "locks acquired"); err != nil {
		err = c.fail(ctx, tx, err)
		markSpan(span, err)
		return err
	}
	if tx.Config.Isolation == ReadCommitted {
		c.releaseKind(tx, LockShared)
	}
	span.SetAttributes(attribute.Int("txn.locks", len(tx.Held())))
	return nil
}

// checkOperations requires an executor for every operation commit will
// apply and runs the resource validator against each target state.
func (c *Coordinator) checkOperations(ctx context.Context, tx *Context) error {
	for _, op := range tx.Operations {
		if executes(op) {
			if _, ok := c.executors[op.Kind()]; !ok {
				return captureerr.Configuration(captureerr.CodeMissingRequired, "no executor for "+string(op.Kind())).
					WithComponent("txn").WithOperation("prepare").WithResource(op.ResourceID())
			}
		}
		current := c.resourceState(op.ResourceID())
		results, err := c.rv.ValidateTransition(ctx, current, op.Target(current))
		if err != nil {
			return err
		}
		if err := validator.Rejection(results); err != nil {
			if ce, ok := captureerr.As(err); ok {
				return ce.WithOperation("prepare").WithResource(op.ResourceID())
			}
			return err
		}
	}
	return nil
}

// acquire takes the whole plan or nothing.
func (c *Coordinator) acquire(tx *Context, plan []HeldLock) error {
	got := make([]HeldLock, 0, len(plan))
	for _, l := range plan {
		if err := c.locks.Acquire(tx.root, l.Resource, l.Kind); err != nil {
			for i := len(got) - 1; i >= 0; i-- {
				c.locks.Release(tx.root, got[i].Resource, got[i].Kind)
			}
			return err
		}
		got = append(got, l)
	}
	tx.mu.Lock()
	tx.held = append(tx.held, got...)
	tx.mu.Unlock()
	return nil
}

// #endregion prepare

// #region commit
// Commit applies each operation through its executor in declaration order.
// A failing operation is retried under the recovery policy; once the policy
// gives up every applied operation is undone in reverse and the transaction
// ends RolledBack (or Failed when an undo fails).
func (c *Coordinator) Commit(ctx context.Context, tx *Context) error {
	ctx, span := c.tracer.Start(ctx, "txn.Commit", trace.WithAttributes(attribute.String("txn.id", tx.ID)))
	defer span.End()

	tx.opMu.Lock()
	defer tx.opMu.Unlock()

	if err := c.expect(tx, StatePrepared, "commit"); err != nil {
		markSpan(span, err)
		return err
	}
	if c.expired(tx) {
		err := c.timeout(ctx, tx)
		markSpan(span, err)
		return err
	}

	if tx.Config.RecoveryEnabled && c.points != nil {
		p, err := c.points.CreateRecoveryPoint(ctx, map[string]string{"transaction_id": tx.ID, "phase": "pre_commit"})
		if err != nil {
			err = c.abort(ctx, tx, captureerr.OperationFailed("recovery point before commit").
				WithComponent("txn").WithOperation("commit").WithResource(tx.ID).Wrap(err))
			markSpan(span, err)
			return err
		}
		tx.mu.Lock()
		tx.pointID = p.ID
		tx.mu.Unlock()
		span.SetAttributes(attribute.String("txn.recovery_point", p.ID))
	}

	if err := c.transition(ctx, tx, StateCommitting, "commit"); err != nil {
		err = c.fail(ctx, tx, err)
		markSpan(span, err)
		return err
	}

	for _, op := range tx.Operations {
		if !executes(op) {
			continue
		}
		if err := c.applyOne(ctx, tx, op); err != nil {
			markSpan(span, err)
			return err
		}
	}

	c.releaseAll(tx)
	if err := c.transition(ctx, tx, StateCommitted, "commit complete"); err != nil {
		markSpan(span, err)
		return err
	}
	c.finish(tx, StateCommitted, nil)
	c.logger.Info().Str("transaction_id", tx.ID).Int("applied", tx.Applied()).Msg("transaction committed")
	return nil
}

// applyOne drives a single operation to success or ends the transaction.
func (c *Coordinator) applyOne(ctx context.Context, tx *Context, op Operation) error {
	ex := c.executors[op.Kind()]
	id := op.ResourceID()
	for attempt := 1; ; attempt++ {
		tx.attempt.Store(int32(attempt))
		current := c.resourceState(id)
		err := ex.Apply(ctx, op)
		if err == nil {
			tx.mu.Lock()
			if _, seen := tx.prevStates[id]; !seen {
				tx.prevStates[id] = current
			}
			tx.applied = append(tx.applied, op)
			tx.mu.Unlock()
			c.setResource(id, op.ResourceType(), op.Target(current))
			return nil
		}
		c.logger.Warn().Err(err).Str("transaction_id", tx.ID).Str("resource", id).Int("attempt", attempt).Msg("operation failed")

		if !c.retry(ctx, tx, attempt) {
			return c.abort(ctx, tx, captureerr.OperationFailed("apply "+string(op.Kind())).
				WithComponent("txn").WithOperation("commit").WithResource(id).WithRetryCount(attempt-1).Wrap(err))
		}
		if c.expired(tx) {
			return c.timeout(ctx, tx)
		}
	}
}

// #endregion commit

// #region rollback
// Rollback undoes applied operations in reverse order and releases every
// lock. An undo failure is returned and leaves the transaction Failed.
func (c *Coordinator) Rollback(ctx context.Context, tx *Context) error {
	ctx, span := c.tracer.Start(ctx, "txn.Rollback", trace.WithAttributes(attribute.String("txn.id", tx.ID)))
	defer span.End()

	tx.opMu.Lock()
	defer tx.opMu.Unlock()

	if tx.State().Terminal() {
		err := captureerr.InvalidState("transaction already finished in " + string(tx.State())).
			WithComponent("txn").WithOperation("rollback").WithResource(tx.ID)
		markSpan(span, err)
		return err
	}
	err := c.abort(ctx, tx, nil)
	if err != nil {
		markSpan(span, err)
	}
	return err
}

// abort moves tx through RollingBack. cause is the error that triggered it;
// nil for an explicit rollback.
func (c *Coordinator) abort(ctx context.Context, tx *Context, cause error) error {
	if err := c.transition(ctx, tx, StateRollingBack, reasonOf(cause, "rollback")); err != nil {
		return c.fail(ctx, tx, errors.Join(cause, err))
	}
	undoErr := c.undoApplied(ctx, tx)
	c.releaseAll(tx)

	if undoErr != nil {
		err := captureerr.OperationFailed("rollback incomplete").
			WithComponent("txn").WithOperation("rollback").WithResource(tx.ID).
			WithSeverity(captureerr.SeverityCritical).Wrap(errors.Join(cause, undoErr))
		if terr := c.transition(ctx, tx, StateFailed, "undo failed"); terr != nil {
			c.logger.Error().Err(terr).Str("transaction_id", tx.ID).Msg("failed transition refused")
		}
		c.finish(tx, StateFailed, err)
		return err
	}
	if err := c.transition(ctx, tx, StateRolledBack, "rolled back"); err != nil {
		return err
	}
	c.finish(tx, StateRolledBack, cause)
	c.logger.Info().Str("transaction_id", tx.ID).Msg("transaction rolled back")
	return cause
}

// undoApplied undoes in reverse order and keeps going past failures.
func (c *Coordinator) undoApplied(ctx context.Context, tx *Context) error {
	tx.mu.Lock()
	applied := tx.applied
	tx.applied = nil
	prev := tx.prevStates
	tx.mu.Unlock()

	var errs []error
	for i := len(applied) - 1; i >= 0; i-- {
		op := applied[i]
		id := op.ResourceID()
		if err := c.executors[op.Kind()].Undo(ctx, op); err != nil {
			c.logger.Error().Err(err).Str("transaction_id", tx.ID).Str("resource", id).Msg("undo failed")
			c.setResource(id, op.ResourceType(), ResourceFailed)
			errs = append(errs, err)
			continue
		}
		if st, ok := prev[id]; ok {
			c.setResource(id, op.ResourceType(), st)
		}
	}
	return errors.Join(errs...)
}

// #endregion rollback

// #region lifecycle
func (c *Coordinator) expect(tx *Context, want State, op string) error {
	if got := tx.State(); got != want {
		return captureerr.InvalidState("transaction is "+string(got)+", want "+string(want)).
			WithComponent("txn").WithOperation(op).WithResource(tx.ID)
	}
	return nil
}

func (c *Coordinator) expired(tx *Context) bool {
	return c.now().Sub(tx.StartTime) > tx.Config.Timeout
}

// retry reports whether the policy allows another attempt after attempt
// failed, sleeping the policy delay first.
func (c *Coordinator) retry(ctx context.Context, tx *Context, attempt int) bool {
	switch p := tx.Config.Recovery.(type) {
	case RetryPolicy:
		if attempt >= p.MaxAttempts {
			return false
		}
		if p.Delay <= 0 {
			return ctx.Err() == nil
		}
		t := time.NewTimer(p.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		}
	case CustomPolicy:
		return attempt <= tx.Config.MaxRetries && ctx.Err() == nil && p.Decide(tx)
	}
	return false
}

// transition commits to on tx's machine through the state sync. A report
// failure after the local commit does not fail the transaction.
func (c *Coordinator) transition(ctx context.Context, tx *Context, to State, reason string) error {
	err := c.sync.UpdateState(ctx, tx.ID, to, map[string]string{"reason": reason, "root": tx.root})
	if err == nil {
		return nil
	}
	if tx.machine.Current() == to {
		c.logger.Warn().Err(err).Str("transaction_id", tx.ID).Str("state", string(to)).Msg("transaction state report failed")
		return nil
	}
	return err
}

// fail releases every lock and ends tx in Failed with cause.
func (c *Coordinator) fail(ctx context.Context, tx *Context, cause error) error {
	c.releaseAll(tx)
	if err := c.transition(ctx, tx, StateFailed, reasonOf(cause, "failed")); err != nil {
		c.logger.Error().Err(err).Str("transaction_id", tx.ID).Msg("failed transition refused")
	}
	c.finish(tx, StateFailed, cause)
	c.logger.Warn().Err(cause).Str("transaction_id", tx.ID).Msg("transaction failed")
	return cause
}

// timeout undoes whatever was applied and ends tx in TimedOut.
func (c *Coordinator) timeout(ctx context.Context, tx *Context) error {
	cause := captureerr.New(captureerr.KindRuntime, captureerr.CodeTimeout, "transaction exceeded "+tx.Config.Timeout.String()).
		WithComponent("txn").WithResource(tx.ID)
	if err := c.undoApplied(ctx, tx); err != nil {
		cause.Wrap(err)
	}
	c.releaseAll(tx)
	if err := c.transition(ctx, tx, StateTimedOut, "timeout"); err != nil {
		c.logger.Error().Err(err).Str("transaction_id", tx.ID).Msg("timed out transition refused")
	}
	c.finish(tx, StateTimedOut, cause)
	return cause
}

// releaseAll drops every held lock in reverse acquisition order.
func (c *Coordinator) releaseAll(tx *Context) {
	tx.mu.Lock()
	held := tx.held
	tx.held = nil
	tx.mu.Unlock()
	for i := len(held) - 1; i >= 0; i-- {
		c.locks.Release(tx.root, held[i].Resource, held[i].Kind)
	}
}

func (c *Coordinator) releaseKind(tx *Context, kind LockKind) {
	tx.mu.Lock()
	kept := tx.held[:0]
	var drop []HeldLock
	for _, l := range tx.held {
		if l.Kind == kind {
			drop = append(drop, l)
		} else {
			kept = append(kept, l)
		}
	}
	tx.held = kept
	tx.mu.Unlock()
	for i := len(drop) - 1; i >= 0; i-- {
		c.locks.Release(tx.root, drop[i].Resource, drop[i].Kind)
	}
}

func (c *Coordinator) finish(tx *Context, final State, err error) {
	end := c.now()
	tx.mu.Lock()
	tx.finishedAt = end
	tx.err = err
	tx.mu.Unlock()

	c.mu.Lock()
	delete(c.active, tx.ID)
	c.finished[tx.ID] = tx
	c.mu.Unlock()

	switch final {
	case StateCommitted:
		c.committed.Add(1)
	case StateRolledBack:
		c.rolledBack.Add(1)
	case StateFailed:
		c.failed.Add(1)
	case StateTimedOut:
		c.timedOut.Add(1)
	}
	d := end.Sub(tx.StartTime)
	c.avgMu.Lock()
	c.doneCount++
	c.avg += (d - c.avg) / time.Duration(c.doneCount)
	c.avgMu.Unlock()
}

func reasonOf(err error, fallback string) string {
	if err == nil {
		return fallback
	}
	return err.Error()
}

func markSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// #endregion lifecycle

// #region resources
func (c *Coordinator) resourceState(id string) ResourceState {
	c.resMu.RLock()
	defer c.resMu.RUnlock()
	if r, ok := c.resources[id]; ok {
		return r.State
	}
	return ResourceReleased
}

func (c *Coordinator) setResource(id string, typ ResourceType, st ResourceState) {
	c.resMu.Lock()
	defer c.resMu.Unlock()
	r, ok := c.resources[id]
	if !ok {
		r = &Resource{ID: id, Type: typ}
		c.resources[id] = r
	}
	r.State = st
}

// Resource returns the coordinator's view of a resource with the locks
// currently held on it. Unseen resources report false.
func (c *Coordinator) Resource(id string) (Resource, bool) {
	c.resMu.RLock()
	r, ok := c.resources[id]
	var out Resource
	if ok {
		out = *r
	}
	c.resMu.RUnlock()
	if !ok {
		return Resource{}, false
	}
	out.Locks = c.locks.Kinds(id)
	return out, true
}

// #endregion resources

// #region queries
// State returns the state of an active or finished transaction.
func (c *Coordinator) State(id string) (State, error) {
	tx, ok := c.Get(id)
	if !ok {
		return "", captureerr.New(captureerr.KindRuntime, captureerr.CodeNotFound, "unknown transaction").
			WithComponent("txn").WithOperation("state").WithResource(id)
	}
	return tx.State(), nil
}

// Get returns an active or finished transaction by id.
func (c *Coordinator) Get(id string) (*Context, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if tx, ok := c.active[id]; ok {
		return tx, true
	}
	tx, ok := c.finished[id]
	return tx, ok
}

// Active lists the ids of unfinished transactions, sorted.
func (c *Coordinator) Active() []string {
	c.mu.RLock()
	ids := make([]string, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Metrics returns a copy of the transaction counters.
func (c *Coordinator) Metrics() Metrics {
	c.mu.RLock()
	active := len(c.active)
	c.mu.RUnlock()
	c.avgMu.Lock()
	avg := c.avg
	c.avgMu.Unlock()
	return Metrics{
		Total:           c.total.Load(),
		Active:          active,
		Committed:       c.committed.Load(),
		RolledBack:      c.rolledBack.Load(),
		Failed:          c.failed.Load(),
		TimedOut:        c.timedOut.Load(),
		AverageDuration: avg,
		LockContentions: c.locks.Contentions(),
	}
}

// CleanupFinished forgets transactions that ended more than maxAge ago and
// returns how many were dropped.
func (c *Coordinator) CleanupFinished(maxAge time.Duration) int {
	cutoff := c.now().Add(-maxAge)
	c.mu.Lock()
	var drop []string
	for id, tx := range c.finished {
		tx.mu.RLock()
		old := tx.finishedAt.Before(cutoff)
		tx.mu.RUnlock()
		if old {
			drop = append(drop, id)
			delete(c.finished, id)
		}
	}
	c.mu.Unlock()
	for _, id := range drop {
		c.sync.Unregister(id)
	}
	if len(drop) > 0 {
		c.logger.Debug().Int("dropped", len(drop)).Msg("finished transactions cleaned up")
	}
	return len(drop)
}

// States returns every tracked transaction state so a recovery manager can
// snapshot them.
func (c *Coordinator) States() map[string]State { return c.sync.States() }

// RestoreStates reconciles recorded transaction states with the live
// tables. A transaction's locks and applied operations cannot be rebuilt
// from a state name, so machines are never forced: finished transactions
// keep their outcome, ids the coordinator no longer knows are skipped, and a
// live transaction recorded in a different state refuses the whole restore.
func (c *Coordinator) RestoreStates(states map[string]State) error {
	var kept, skipped []string
	c.mu.RLock()
	for id, want := range states {
		if tx, ok := c.active[id]; ok {
			if cur := tx.State(); cur != want {
				c.mu.RUnlock()
				return captureerr.InvalidState("transaction is "+string(cur)+", cannot restore to "+string(want)).
					WithComponent("txn").WithOperation("restore_states").WithResource(id)
			}
			continue
		}
		if tx, ok := c.finished[id]; ok {
			if tx.State() != want {
				kept = append(kept, id)
			}
			continue
		}
		skipped = append(skipped, id)
	}
	c.mu.RUnlock()

	if len(kept) > 0 || len(skipped) > 0 {
		sort.Strings(kept)
		sort.Strings(skipped)
		c.logger.Warn().Strs("finished", kept).Strs("unknown", skipped).Msg("transaction states left as they are")
	}
	return nil
}

// #endregion queries

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
