package statesync

import "github.com/danielpatrickdp/capture-engine/go-core/internal/statemachine"

// ConsistencyChecker inspects every registered machine and can repair what
// it finds.
type ConsistencyChecker[S comparable] interface {
	Check(machines map[string]*statemachine.Machine[S]) (bool, error)
	Resolve(machines map[string]*statemachine.Machine[S]) error
}

// GraphChecker treats a machine as consistent when its current state is
// part of its transition graph. Resolve restores strays to their initial state.
type GraphChecker[S comparable] struct{}

// Check reports whether every machine sits in a state of its graph.
func (GraphChecker[S]) Check(machines map[string]*statemachine.Machine[S]) (bool, error) {
	for _, m := range machines {
		if !m.Known(m.Current()) {
			return false, nil
		}
	}
	return true, nil
}

// Resolve resets machines outside their graph to their initial state.
func (GraphChecker[S]) Resolve(machines map[string]*statemachine.Machine[S]) error {
	for _, m := range machines {
		if !m.Known(m.Current()) {
			m.Restore(m.Initial(), "consistency reset")
		}
	}
	return nil
}
