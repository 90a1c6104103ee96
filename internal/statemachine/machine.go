package statemachine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/danielpatrickdp/capture-engine/go-core/internal/captureerr"
)

// #region transition
// Transition is an immutable record of one accepted state change.
type Transition[S comparable] struct {
	From      S         `json:"from"`
	To        S         `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// #endregion transition

// #region metrics
// Metrics is a point-in-time copy of a machine's counters.
type Metrics struct {
	Accepted       uint64
	Rejected       uint64
	AverageLatency time.Duration
}

type counters struct {
	accepted atomic.Uint64
	rejected atomic.Uint64
	avgNanos atomic.Int64
}

// record folds one latency sample into the running average using
// avg' = avg + (x - avg) / n. Callers hold the machine's write lock.
func (c *counters) record(d time.Duration) {
	n := c.accepted.Add(1)
	avg := c.avgNanos.Load()
	if n == 1 {
		c.avgNanos.Store(int64(d))
		return
	}
	c.avgNanos.Store(avg + (int64(d)-avg)/int64(n))
}

// #endregion metrics

// #region machine
// Machine is a finite-state engine over a caller-defined state type.
// The transition graph is a flat adjacency map; history is a bounded FIFO.
type Machine[S comparable] struct {
	mu         sync.RWMutex
	initial    S
	current    S
	edges      map[S]map[S]struct{}
	history    []Transition[S]
	maxHistory int
	metrics    counters
}

// New creates a machine in the given initial state.
func New[S comparable](initial S, maxHistory int) (*Machine[S], error) {
	if maxHistory <= 0 {
		return nil, captureerr.Configuration(captureerr.CodeInvalidValue, "history size must be greater than 0").
			WithComponent("statemachine")
	}
	return &Machine[S]{
		initial:    initial,
		current:    initial,
		edges:      make(map[S]map[S]struct{}),
		history:    make([]Transition[S], 0, min(maxHistory, 64)),
		maxHistory: maxHistory,
	}, nil
}

// AddTransition registers the edge from -> to. Registering an edge twice is a no-op.
func (m *Machine[S]) AddTransition(from, to S) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, ok := m.edges[from]
	if !ok {
		next = make(map[S]struct{})
		m.edges[from] = next
	}
	next[to] = struct{}{}
}

// CanTransitionTo reports whether an edge exists from the current state to target.
func (m *Machine[S]) CanTransitionTo(target S) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hasEdge(m.current, target)
}

func (m *Machine[S]) hasEdge(from, to S) bool {
	_, ok := m.edges[from][to]
	return ok
}

// TransitionTo moves the machine to newState if an edge exists from the
// current state. A rejected transition leaves state and history untouched.
func (m *Machine[S]) TransitionTo(newState S, reason string) (Transition[S], error) {
	start := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.hasEdge(m.current, newState) {
		m.metrics.rejected.Add(1)
		return Transition[S]{}, captureerr.InvalidState("invalid state transition").
			WithComponent("statemachine").
			WithOperation("transition_to")
	}

	t := m.apply(newState, reason)
	m.metrics.record(time.Since(start))
	return t, nil
}

// Restore forces the machine into state regardless of the graph. It is
// reserved for recovery and still records exactly one history entry.
func (m *Machine[S]) Restore(state S, reason string) Transition[S] {
	start := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.apply(state, reason)
	m.metrics.record(time.Since(start))
	return t
}

// apply must be called with mu held for writing.
func (m *Machine[S]) apply(newState S, reason string) Transition[S] {
	t := Transition[S]{
		From:      m.current,
		To:        newState,
		Timestamp: time.Now().UTC(),
		Reason:    reason,
	}
	if len(m.history) >= m.maxHistory {
		// shift instead of reslicing so the backing array does not grow forever
		copy(m.history, m.history[1:])
		m.history = m.history[:len(m.history)-1]
	}
	m.history = append(m.history, t)
	m.current = newState
	return t
}

// Current returns the current state.
func (m *Machine[S]) Current() S {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Initial returns the state the machine was created in.
func (m *Machine[S]) Initial() S {
	return m.initial
}

// History returns a copy of the transition history, oldest first.
func (m *Machine[S]) History() []Transition[S] {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Transition[S], len(m.history))
	copy(out, m.history)
	return out
}

// MaxHistory returns the history bound.
func (m *Machine[S]) MaxHistory() int {
	return m.maxHistory
}

// ClearHistory drops all history entries. Counters are kept.
func (m *Machine[S]) ClearHistory() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = m.history[:0]
}

// AllowedFrom returns the states reachable in one step from state.
func (m *Machine[S]) AllowedFrom(state S) []S {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]S, 0, len(m.edges[state]))
	for s := range m.edges[state] {
		out = append(out, s)
	}
	return out
}

// Known reports whether state appears anywhere in the graph or is the initial state.
func (m *Machine[S]) Known(state S) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if state == m.initial {
		return true
	}
	if _, ok := m.edges[state]; ok {
		return true
	}
	for _, next := range m.edges {
		if _, ok := next[state]; ok {
			return true
		}
	}
	return false
}

// Metrics returns a copy of the machine's counters.
func (m *Machine[S]) Metrics() Metrics {
	return Metrics{
		Accepted:       m.metrics.accepted.Load(),
		Rejected:       m.metrics.rejected.Load(),
		AverageLatency: time.Duration(m.metrics.avgNanos.Load()),
	}
}

// #endregion machine
