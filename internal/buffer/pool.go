package buffer

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danielpatrickdp/capture-engine/go-core/internal/captureerr"
	"github.com/danielpatrickdp/capture-engine/go-core/internal/statemachine"
	"github.com/danielpatrickdp/capture-engine/go-core/internal/statesync"
	"github.com/danielpatrickdp/capture-engine/go-core/internal/txn"
	"github.com/rs/zerolog"
)

// #region buffer
// Buffer is one managed capture buffer.
type Buffer struct {
	ID        string
	Size      int
	Memory    txn.MemoryType
	CreatedAt time.Time

	machine *statemachine.Machine[State]
	region  *Region // zero-copy only

	mu   sync.Mutex
	data []byte // heap only
	used int

	writes atomic.Uint64
	errors atomic.Uint64
}

// State returns the buffer machine state.
func (b *Buffer) State() State { return b.machine.Current() }

// Region is nil for heap buffers.
func (b *Buffer) Region() *Region { return b.region }

// Used is the number of bytes written since the buffer was last drained.
func (b *Buffer) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// Writes counts accepted writes.
func (b *Buffer) Writes() uint64 { return b.writes.Load() }

// #endregion buffer

// #region pool
type Config struct {
	MaxBuffers  int // zero means unbounded
	HistorySize int // per buffer machine; zero uses the default
}

// Pool owns the capture buffers. Every buffer machine is registered in the
// pool's state sync under "buffer/<id>", which is also the transaction
// resource id of a BufferAllocation.
type Pool struct {
	cfg    Config
	sync   *statesync.Sync[State]
	logger zerolog.Logger

	mu      sync.RWMutex
	buffers map[string]*Buffer
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Pool) { p.logger = l.With().Str("component", "buffer").Logger() }
}

// NewPool returns an empty pool that registers every buffer with s.
func NewPool(cfg Config, s *statesync.Sync[State], opts ...Option) (*Pool, error) {
	if cfg.MaxBuffers < 0 {
		return nil, captureerr.Configuration(captureerr.CodeInvalidValue, "max buffers must not be negative").WithComponent("buffer")
	}
	if s == nil {
		return nil, captureerr.Configuration(captureerr.CodeMissingRequired, "buffer state sync is required").WithComponent("buffer")
	}
	p := &Pool{cfg: cfg, sync: s, logger: zerolog.Nop(), buffers: make(map[string]*Buffer)}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func entityID(id string) string { return "buffer/" + id }

// Allocate creates a buffer and makes it Available.
func (p *Pool) Allocate(ctx context.Context, id string, size int, mem txn.MemoryType) (*Buffer, error) {
	if id == "" || strings.Contains(id, "/") || size <= 0 {
		return nil, captureerr.Configuration(captureerr.CodeInvalidValue, "buffer needs an id without '/' and a positive size").
			WithComponent("buffer").WithOperation("allocate").WithResource(id)
	}
	if mem != txn.MemoryHeap && mem != txn.MemoryZeroCopy {
		return nil, captureerr.Configuration(captureerr.CodeInvalidValue, "unknown memory type "+string(mem)).
			WithComponent("buffer").WithOperation("allocate").WithResource(id)
	}
	history := p.cfg.HistorySize
	if history == 0 {
		history = historySize
	}
	m, err := newMachine(history)
	if err != nil {
		return nil, err
	}
	b := &Buffer{ID: id, Size: size, Memory: mem, CreatedAt: time.Now().UTC(), machine: m}
	if mem == txn.MemoryZeroCopy {
		b.region = NewRegion(0, uint64(size))
	} else {
		b.data = make([]byte, size)
	}

	p.mu.Lock()
	if _, ok := p.buffers[id]; ok {
		p.mu.Unlock()
		return nil, captureerr.New(captureerr.KindResource, captureerr.CodeNotAvailable, "buffer already allocated").
			WithComponent("buffer").WithOperation("allocate").WithResource(id)
	}
	if p.cfg.MaxBuffers > 0 && len(p.buffers) >= p.cfg.MaxBuffers {
		p.mu.Unlock()
		return nil, captureerr.New(captureerr.KindResource, captureerr.CodeAllocationFailed, "buffer pool exhausted").
			WithComponent("buffer").WithOperation("allocate").WithResource(id)
	}
	p.buffers[id] = b
	p.mu.Unlock()

	if err := p.sync.Register(entityID(id), m); err != nil {
		p.forget(id)
		return nil, err
	}
	if err := p.move(ctx, b, StateAvailable, "allocated"); err != nil {
		p.sync.Unregister(entityID(id))
		p.forget(id)
		return nil, err
	}
	p.logger.Debug().Str("buffer_id", id).Int("size", size).Str("memory", string(mem)).Msg("buffer allocated")
	return b, nil
}

// Release marks a buffer ReadyForCleanup and drops it from the pool.
func (p *Pool) Release(ctx context.Context, id string) error {
	b, ok := p.Get(id)
	if !ok {
		return captureerr.New(captureerr.KindResource, captureerr.CodeNotFound, "unknown buffer").
			WithComponent("buffer").WithOperation("release").WithResource(id)
	}
	if err := p.move(ctx, b, StateReadyForCleanup, "released"); err != nil {
		return err
	}
	p.sync.Unregister(entityID(id))
	p.forget(id)
	p.logger.Debug().Str("buffer_id", id).Msg("buffer released")
	return nil
}

// Write copies data into a heap buffer. The buffer moves to InUse, then to
// Full once no space remains.
func (p *Pool) Write(ctx context.Context, id string, data []byte) (int, error) {
	b, ok := p.Get(id)
	if !ok {
		return 0, captureerr.New(captureerr.KindResource, captureerr.CodeNotFound, "unknown buffer").
			WithComponent("buffer").WithOperation("write").WithResource(id)
	}
	if b.Memory != txn.MemoryHeap {
		b.errors.Add(1)
		return 0, captureerr.New(captureerr.KindResource, captureerr.CodeInvalidState, "zero-copy buffers are written through their region").
			WithComponent("buffer").WithOperation("write").WithResource(id)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.State()
	if st != StateAvailable && st != StateInUse {
		b.errors.Add(1)
		return 0, captureerr.InvalidState("buffer is " + string(st)).
			WithComponent("buffer").WithOperation("write").WithResource(id)
	}
	if err := p.move(ctx, b, StateInUse, "write"); err != nil {
		b.errors.Add(1)
		return 0, err
	}
	n := copy(b.data[b.used:], data)
	b.used += n
	b.writes.Add(1)
	if b.used == b.Size {
		if err := p.move(ctx, b, StateFull, "full"); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Drain returns the written bytes and makes the buffer Available again.
func (p *Pool) Drain(ctx context.Context, id string) ([]byte, error) {
	b, ok := p.Get(id)
	if !ok || b.Memory != txn.MemoryHeap {
		return nil, captureerr.New(captureerr.KindResource, captureerr.CodeNotFound, "unknown heap buffer").
			WithComponent("buffer").WithOperation("drain").WithResource(id)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.State(); st != StateInUse && st != StateFull {
		return nil, nil
	}
	out := append([]byte(nil), b.data[:b.used]...)
	if err := p.move(ctx, b, StateAvailable, "drained"); err != nil {
		return nil, err
	}
	b.used = 0
	return out, nil
}

// Remap moves a zero-copy buffer to a new mapping through Migrating.
func (p *Pool) Remap(ctx context.Context, id string, addr uintptr, size uint64) error {
	b, ok := p.Get(id)
	if !ok || b.region == nil {
		return captureerr.New(captureerr.KindResource, captureerr.CodeNotFound, "unknown zero-copy buffer").
			WithComponent("buffer").WithOperation("remap").WithResource(id)
	}
	if err := p.move(ctx, b, StateMigrating, "remap"); err != nil {
		return err
	}
	b.region.Store(addr, size)
	return p.move(ctx, b, StateAvailable, "remapped")
}

// move commits to through the sync. A report failure after the local
// commit is logged and not returned.
func (p *Pool) move(ctx context.Context, b *Buffer, to State, reason string) error {
	err := p.sync.UpdateState(ctx, entityID(b.ID), to, map[string]string{"reason": reason})
	if err == nil {
		return nil
	}
	if b.machine.Current() == to && !captureerr.IsKind(err, captureerr.KindResource) {
		p.logger.Warn().Err(err).Str("buffer_id", b.ID).Str("state", string(to)).Msg("buffer state report failed")
		return nil
	}
	return err
}

func (p *Pool) forget(id string) {
	p.mu.Lock()
	delete(p.buffers, id)
	p.mu.Unlock()
}

// Get returns the buffer with id.
func (p *Pool) Get(id string) (*Buffer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	b, ok := p.buffers[id]
	return b, ok
}

// IDs lists the managed buffers, sorted.
func (p *Pool) IDs() []string {
	p.mu.RLock()
	ids := make([]string, 0, len(p.buffers))
	for id := range p.buffers {
		ids = append(ids, id)
	}
	p.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// States returns the state of every buffer keyed by buffer id.
func (p *Pool) States() map[string]State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]State, len(p.buffers))
	for id, b := range p.buffers {
		out[id] = b.State()
	}
	return out
}

// ValidateStates checks every buffer machine is inside its graph and
// resolves strays.
func (p *Pool) ValidateStates(ctx context.Context) error {
	ok, err := p.sync.CheckConsistency(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return captureerr.System(captureerr.CodeStateError, "buffer states inconsistent after resolve").WithComponent("buffer")
	}
	return nil
}

// #endregion pool

// #region executor
// Apply allocates the buffer described by a BufferAllocation.
func (p *Pool) Apply(ctx context.Context, op txn.Operation) error {
	a, ok := op.(txn.BufferAllocation)
	if !ok {
		return captureerr.Configuration(captureerr.CodeInvalidValue, "buffer pool cannot apply "+string(op.Kind())).
			WithComponent("buffer").WithResource(op.ResourceID())
	}
	_, err := p.Allocate(ctx, a.BufferID, a.Size, a.Memory)
	return err
}

// Undo releases a buffer allocated by Apply. A buffer that is already gone
// is not an error.
func (p *Pool) Undo(ctx context.Context, op txn.Operation) error {
	a, ok := op.(txn.BufferAllocation)
	if !ok {
		return captureerr.Configuration(captureerr.CodeInvalidValue, "buffer pool cannot undo "+string(op.Kind())).
			WithComponent("buffer").WithResource(op.ResourceID())
	}
	if _, ok := p.Get(a.BufferID); !ok {
		return nil
	}
	return p.Release(ctx, a.BufferID)
}

// #endregion executor
