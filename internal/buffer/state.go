// Package buffer tracks capture buffers and executes buffer allocation
// operations for the transaction coordinator.
package buffer

import (
	"sync/atomic"

	"github.com/danielpatrickdp/capture-engine/go-core/internal/statemachine"
)

// #region state
type State string

const (
	StateUninitialized   State = "uninitialized"
	StateAvailable       State = "available"
	StateInUse           State = "in_use"
	StateFull            State = "full"
	StateMigrating       State = "migrating"
	StateReadyForCleanup State = "ready_for_cleanup"
	StateError           State = "error"
)

const historySize = 32

// NewMachine builds the buffer lifecycle graph. ReadyForCleanup is terminal.
func NewMachine() (*statemachine.Machine[State], error) {
	return newMachine(historySize)
}

func newMachine(history int) (*statemachine.Machine[State], error) {
	b := statemachine.NewBuilder[State]().
		Initial(StateUninitialized).
		MaxHistory(history).
		Transition(StateUninitialized, StateAvailable).
		Transition(StateAvailable, StateInUse).
		Transition(StateInUse, StateAvailable).
		Transition(StateInUse, StateInUse).
		Transition(StateInUse, StateFull).
		Transition(StateFull, StateAvailable).
		Transition(StateMigrating, StateAvailable).
		Transition(StateError, StateReadyForCleanup)
	for _, s := range []State{StateAvailable, StateInUse, StateFull} {
		b.Transition(s, StateMigrating).Transition(s, StateReadyForCleanup)
	}
	for _, s := range []State{StateUninitialized, StateAvailable, StateInUse, StateFull, StateMigrating} {
		b.Transition(s, StateError)
	}
	return b.Build()
}

// #endregion state

// #region region
// Region is a zero-copy mapping handle. Address and size are read on the
// packet path without locking.
type Region struct {
	addr atomic.Uintptr
	size atomic.Uint64
}

// NewRegion returns a region mapping size bytes at addr.
func NewRegion(addr uintptr, size uint64) *Region {
	r := &Region{}
	r.Store(addr, size)
	return r
}

// Load returns the current mapping.
func (r *Region) Load() (addr uintptr, size uint64) {
	return r.addr.Load(), r.size.Load()
}

// Store publishes a new mapping. Readers may observe the new address with
// the old size; callers remap only while the buffer is Migrating.
func (r *Region) Store(addr uintptr, size uint64) {
	r.size.Store(size)
	r.addr.Store(addr)
}

// #endregion region
