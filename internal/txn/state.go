package txn

import "github.com/danielpatrickdp/capture-engine/go-core/internal/statemachine"

// #region state
// State is the lifecycle of one transaction.
type State string

const (
	StateInitial     State = "initial"
	StatePreparing   State = "preparing"
	StatePrepared    State = "prepared"
	StateCommitting  State = "committing"
	StateCommitted   State = "committed"
	StateRollingBack State = "rolling_back"
	StateRolledBack  State = "rolled_back"
	StateFailed      State = "failed"
	StateTimedOut    State = "timed_out"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateCommitted, StateRolledBack, StateFailed, StateTimedOut:
		return true
	}
	return false
}

// historySize bounds each transaction machine; a transaction makes at most
// a handful of transitions.
const historySize = 16

// NewMachine builds the transaction state graph: the happy path
// Initial -> Preparing -> Prepared -> Committing -> Committed, and from every
// live state an exit to RollingBack, Failed or TimedOut.
func NewMachine() (*statemachine.Machine[State], error) {
	b := statemachine.NewBuilder[State]().
		Initial(StateInitial).
		MaxHistory(historySize).
		Transition(StateInitial, StatePreparing).
		Transition(StatePreparing, StatePrepared).
		Transition(StatePrepared, StateCommitting).
		Transition(StateCommitting, StateCommitted).
		Transition(StateRollingBack, StateRolledBack).
		Transition(StateRollingBack, StateFailed)
	for _, s := range []State{StateInitial, StatePreparing, StatePrepared, StateCommitting} {
		b.Transition(s, StateRollingBack).
			Transition(s, StateFailed).
			Transition(s, StateTimedOut)
	}
	return b.Build()
}

// #endregion state
