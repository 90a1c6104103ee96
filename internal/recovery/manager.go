package recovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danielpatrickdp/capture-engine/go-core/internal/captureerr"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// #region manager
// Manager snapshots the tracked state holders, persists them and restores
// them from recovery points. Callers must keep transitions quiet during a
// restore.
type Manager[S any] struct {
	cfg     Config
	storage Storage[S]
	points  PointStore
	hasher  Hasher[S]
	logger  zerolog.Logger
	tracer  trace.Tracer

	mu      sync.RWMutex
	holders map[string]StateHolder[S]
	order   []string
	index   []RecoveryPoint
}

// Option configures a Manager.
type Option[S any] func(*Manager[S])

// WithLogger sets the manager logger.
func WithLogger[S any](l zerolog.Logger) Option[S] {
	return func(m *Manager[S]) { m.logger = l.With().Str("component", "recovery").Logger() }
}

// WithHasher replaces the SHA-256 hasher.
func WithHasher[S any](h Hasher[S]) Option[S] {
	return func(m *Manager[S]) { m.hasher = h }
}

// WithTracer replaces the global otel tracer.
func WithTracer[S any](t trace.Tracer) Option[S] {
	return func(m *Manager[S]) { m.tracer = t }
}

// New creates a manager over storage. When storage also implements
// PointStore, recovery points are persisted through it.
func New[S any](cfg Config, storage Storage[S], opts ...Option[S]) (*Manager[S], error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if storage == nil {
		return nil, captureerr.Configuration(captureerr.CodeMissingRequired, "snapshot storage is required").WithComponent("recovery")
	}
	m := &Manager[S]{
		cfg:     cfg,
		storage: storage,
		hasher:  SHA256Hasher[S]{},
		logger:  zerolog.Nop(),
		tracer:  otel.Tracer("capture-core/recovery"),
		holders: make(map[string]StateHolder[S]),
	}
	if ps, ok := storage.(PointStore); ok {
		m.points = ps
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Track adds a holder under name. With more than one holder tracked,
// snapshot entity ids are namespaced as name/entity.
func (m *Manager[S]) Track(name string, h StateHolder[S]) error {
	if name == "" || h == nil || strings.Contains(name, "/") {
		return captureerr.Configuration(captureerr.CodeInvalidValue, "holder name must be non-empty without '/'").WithComponent("recovery")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.holders[name]; ok {
		return captureerr.Configuration(captureerr.CodeInvalidValue, "holder already tracked: "+name).WithComponent("recovery")
	}
	m.holders[name] = h
	m.order = append(m.order, name)
	return nil
}

// #endregion manager

// #region snapshot
// CreateSnapshot captures every tracked holder and persists the result.
func (m *Manager[S]) CreateSnapshot(ctx context.Context, metadata map[string]string) (Snapshot[S], error) {
	ctx, span := m.tracer.Start(ctx, "recovery.CreateSnapshot")
	defer span.End()

	snap := Snapshot[S]{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		States:    m.collect(),
		Metadata:  copyMeta(metadata),
		Version:   FormatVersion,
	}
	span.SetAttributes(attribute.String("snapshot.id", snap.ID), attribute.Int("snapshot.entities", len(snap.States)))

	if err := m.storage.StoreSnapshot(ctx, snap); err != nil {
		e := captureerr.System(captureerr.CodeIOError, "store snapshot").
			WithComponent("recovery").WithOperation("create_snapshot").WithResource(snap.ID).Wrap(err)
		fail(span, e)
		return Snapshot[S]{}, e
	}
	m.logger.Debug().Str("snapshot_id", snap.ID).Int("entities", len(snap.States)).Msg("snapshot stored")
	return snap, nil
}

func (m *Manager[S]) collect() map[string]S {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]S)
	single := len(m.order) == 1
	for _, name := range m.order {
		for id, st := range m.holders[name].States() {
			if single {
				out[id] = st
			} else {
				out[name+"/"+id] = st
			}
		}
	}
	return out
}

// CreateRecoveryPoint snapshots now and records a hashed pointer to it.
func (m *Manager[S]) CreateRecoveryPoint(ctx context.Context, metadata map[string]string) (RecoveryPoint, error) {
	snap, err := m.CreateSnapshot(ctx, metadata)
	if err != nil {
		return RecoveryPoint{}, err
	}
	hash, err := m.hasher.Hash(snap)
	if err != nil {
		return RecoveryPoint{}, captureerr.New(captureerr.KindRuntime, captureerr.CodeOperationFailed, "hash snapshot").
			WithComponent("recovery").WithResource(snap.ID).Wrap(err)
	}
	p := RecoveryPoint{
		ID:         uuid.New().String(),
		Timestamp:  snap.Timestamp,
		SnapshotID: snap.ID,
		Hash:       hash,
		Metadata:   copyMeta(metadata),
	}
	if m.points != nil {
		if err := m.points.StoreRecoveryPoint(ctx, p); err != nil {
			return RecoveryPoint{}, captureerr.System(captureerr.CodeIOError, "store recovery point").
				WithComponent("recovery").WithOperation("create_recovery_point").WithResource(p.ID).Wrap(err)
		}
	}
	m.mu.Lock()
	m.index = append(m.index, p)
	m.mu.Unlock()
	m.logger.Info().Str("point_id", p.ID).Str("snapshot_id", snap.ID).Msg("recovery point created")
	return p, nil
}

// RecoveryPoints returns the known points, oldest first.
func (m *Manager[S]) RecoveryPoints() []RecoveryPoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]RecoveryPoint(nil), m.index...)
}

// LoadPoints replaces the in-memory point index with the persisted one.
func (m *Manager[S]) LoadPoints(ctx context.Context) error {
	if m.points == nil {
		return nil
	}
	ps, err := m.points.ListRecoveryPoints(ctx)
	if err != nil {
		return captureerr.System(captureerr.CodeIOError, "list recovery points").WithComponent("recovery").Wrap(err)
	}
	sort.SliceStable(ps, func(i, j int) bool { return ps[i].Timestamp.Before(ps[j].Timestamp) })
	m.mu.Lock()
	m.index = ps
	m.mu.Unlock()
	return nil
}

// #endregion snapshot

// #region restore
// RestoreFromPoint loads the point's snapshot, verifies its hash and applies
// it. Any failure leaves the tracked state untouched.
func (m *Manager[S]) RestoreFromPoint(ctx context.Context, pointID string) error {
	ctx, span := m.tracer.Start(ctx, "recovery.RestoreFromPoint", trace.WithAttributes(attribute.String("point.id", pointID)))
	defer span.End()

	p, ok := m.point(pointID)
	if !ok {
		e := captureerr.New(captureerr.KindRuntime, captureerr.CodeNotFound, "unknown recovery point").
			WithComponent("recovery").WithResource(pointID)
		fail(span, e)
		return e
	}

	snap, err := m.storage.LoadSnapshot(ctx, p.SnapshotID)
	if err != nil {
		code := captureerr.CodeIOError
		if errors.Is(err, ErrSnapshotNotFound) {
			code = captureerr.CodeNotFound
		}
		e := captureerr.System(code, "load snapshot").
			WithComponent("recovery").WithOperation("restore_from_point").WithResource(p.SnapshotID).Wrap(err)
		fail(span, e)
		return e
	}
	if err := m.hasher.ValidateSnapshot(snap); err != nil {
		fail(span, err)
		return err
	}
	if m.cfg.ValidationEnabled {
		match, err := m.hasher.Verify(snap, p.Hash)
		if err != nil || !match {
			e := captureerr.New(captureerr.KindSystem, captureerr.CodeIntegrityMismatch, "snapshot hash does not match recovery point").
				WithComponent("recovery").WithOperation("restore_from_point").WithResource(p.SnapshotID).
				WithSeverity(captureerr.SeverityCritical)
			if err != nil {
				e = e.Wrap(err)
			}
			fail(span, e)
			return e
		}
	}
	if err := m.apply(snap); err != nil {
		fail(span, err)
		return err
	}
	m.logger.Info().Str("point_id", p.ID).Str("snapshot_id", snap.ID).Msg("restored from recovery point")
	return nil
}

// RestoreFromSnapshot applies snap to the tracked holders without a hash check.
func (m *Manager[S]) RestoreFromSnapshot(ctx context.Context, snap Snapshot[S]) error {
	_, span := m.tracer.Start(ctx, "recovery.RestoreFromSnapshot", trace.WithAttributes(attribute.String("snapshot.id", snap.ID)))
	defer span.End()
	if err := m.hasher.ValidateSnapshot(snap); err != nil {
		fail(span, err)
		return err
	}
	if err := m.apply(snap); err != nil {
		fail(span, err)
		return err
	}
	return nil
}

func (m *Manager[S]) point(id string) (RecoveryPoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.index {
		if p.ID == id {
			return p, true
		}
	}
	return RecoveryPoint{}, false
}

// apply splits the snapshot per holder and restores each. When a later
// holder rejects its part, already restored holders are put back.
func (m *Manager[S]) apply(snap Snapshot[S]) error {
	m.mu.RLock()
	order := append([]string(nil), m.order...)
	holders := make(map[string]StateHolder[S], len(m.holders))
	for k, v := range m.holders {
		holders[k] = v
	}
	m.mu.RUnlock()

	parts := make(map[string]map[string]S, len(order))
	if len(order) == 1 {
		parts[order[0]] = snap.States
	} else {
		var untracked []string
		for key, st := range snap.States {
			name, id, ok := strings.Cut(key, "/")
			if _, tracked := holders[name]; !ok || !tracked {
				untracked = append(untracked, key)
				continue
			}
			if parts[name] == nil {
				parts[name] = make(map[string]S)
			}
			parts[name][id] = st
		}
		if len(untracked) > 0 {
			sort.Strings(untracked)
			m.logger.Warn().Str("snapshot_id", snap.ID).Strs("skipped", untracked).Msg("snapshot entities have no tracked holder")
		}
	}

	type backup struct {
		name   string
		states map[string]S
	}
	var done []backup
	for _, name := range order {
		part, ok := parts[name]
		if !ok {
			continue
		}
		h := holders[name]
		prev := h.States()
		if err := h.RestoreStates(part); err != nil {
			for i := len(done) - 1; i >= 0; i-- {
				if rerr := holders[done[i].name].RestoreStates(done[i].states); rerr != nil {
					m.logger.Error().Err(rerr).Str("holder", done[i].name).Msg("revert after failed restore")
				}
			}
			return captureerr.New(captureerr.KindRuntime, captureerr.CodeStateError, fmt.Sprintf("restore holder %s", name)).
				WithComponent("recovery").WithResource(snap.ID).Wrap(err)
		}
		done = append(done, backup{name: name, states: prev})
	}
	return nil
}

// #endregion restore

// #region cleanup
// CleanupOldSnapshots deletes snapshots past the retention period, then the
// oldest beyond MaxSnapshots, along with their recovery points. It returns
// the number of snapshots deleted.
func (m *Manager[S]) CleanupOldSnapshots(ctx context.Context) (int, error) {
	ids, err := m.storage.ListSnapshots(ctx)
	if err != nil {
		return 0, captureerr.System(captureerr.CodeIOError, "list snapshots").WithComponent("recovery").Wrap(err)
	}

	type entry struct {
		id string
		ts time.Time
	}
	entries := make([]entry, 0, len(ids))
	for _, id := range ids {
		ts, ok := m.snapshotTime(ctx, id)
		if !ok {
			continue
		}
		entries = append(entries, entry{id: id, ts: ts})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ts.Before(entries[j].ts) })

	cutoff := time.Now().UTC().Add(-m.cfg.RetentionPeriod)
	var doomed []string
	kept := entries[:0]
	for _, e := range entries {
		if e.ts.Before(cutoff) {
			doomed = append(doomed, e.id)
		} else {
			kept = append(kept, e)
		}
	}
	if over := len(kept) - m.cfg.MaxSnapshots; over > 0 {
		for _, e := range kept[:over] {
			doomed = append(doomed, e.id)
		}
	}

	deleted := make(map[string]bool, len(doomed))
	for _, id := range doomed {
		if err := m.storage.DeleteSnapshot(ctx, id); err != nil {
			m.dropPoints(ctx, deleted)
			return len(deleted), captureerr.System(captureerr.CodeIOError, "delete snapshot").
				WithComponent("recovery").WithResource(id).Wrap(err)
		}
		deleted[id] = true
	}
	m.dropPoints(ctx, deleted)
	if len(deleted) > 0 {
		m.logger.Info().Int("deleted", len(deleted)).Msg("old snapshots cleaned up")
	}
	return len(deleted), nil
}

// snapshotTime dates a snapshot for cleanup. An unreadable payload is dated
// by the storage when it can tell; a corrupt one it cannot date sorts as the
// oldest so retention removes it. Other load errors skip the snapshot.
func (m *Manager[S]) snapshotTime(ctx context.Context, id string) (time.Time, bool) {
	snap, err := m.storage.LoadSnapshot(ctx, id)
	if err == nil {
		return snap.Timestamp, true
	}
	if errors.Is(err, ErrSnapshotNotFound) {
		return time.Time{}, false
	}
	if st, ok := m.storage.(SnapshotTimer); ok {
		if ts, terr := st.SnapshotTime(ctx, id); terr == nil {
			m.logger.Warn().Err(err).Str("snapshot_id", id).Time("created_at", ts).Msg("unreadable snapshot dated by storage")
			return ts, true
		}
	}
	if errors.Is(err, ErrCorruptSnapshot) {
		m.logger.Warn().Err(err).Str("snapshot_id", id).Msg("corrupt snapshot treated as expired")
		return time.Time{}, true
	}
	m.logger.Warn().Err(err).Str("snapshot_id", id).Msg("skipping unreadable snapshot")
	return time.Time{}, false
}

func (m *Manager[S]) dropPoints(ctx context.Context, snapshots map[string]bool) {
	if len(snapshots) == 0 {
		return
	}
	m.mu.Lock()
	kept := m.index[:0]
	var dropped []string
	for _, p := range m.index {
		if snapshots[p.SnapshotID] {
			dropped = append(dropped, p.ID)
			continue
		}
		kept = append(kept, p)
	}
	m.index = kept
	m.mu.Unlock()

	if m.points == nil {
		return
	}
	for _, id := range dropped {
		if err := m.points.DeleteRecoveryPoint(ctx, id); err != nil {
			m.logger.Warn().Err(err).Str("point_id", id).Msg("delete recovery point")
		}
	}
}

// Run takes a snapshot and cleans up every SnapshotInterval until ctx ends.
func (m *Manager[S]) Run(ctx context.Context) {
	if m.cfg.SnapshotInterval <= 0 {
		return
	}
	t := time.NewTicker(m.cfg.SnapshotInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := m.CreateSnapshot(ctx, map[string]string{"trigger": "periodic"}); err != nil {
				m.logger.Error().Err(err).Msg("periodic snapshot failed")
				continue
			}
			if _, err := m.CleanupOldSnapshots(ctx); err != nil {
				m.logger.Error().Err(err).Msg("snapshot cleanup failed")
			}
		}
	}
}

// #endregion cleanup

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
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
