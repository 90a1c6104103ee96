package statemachine

import "github.com/danielpatrickdp/capture-engine/go-core/internal/captureerr"

// #region constants
const (
	DefaultMaxHistory = 100
	MaxHistoryLimit   = 10000
)

// #endregion constants

// #region builder
// Builder assembles a Machine with explicit required-field validation.
type Builder[S comparable] struct {
	initial    S
	hasInitial bool
	maxHistory int
	edges      [][2]S
}

// NewBuilder returns a builder with the default history size.
func NewBuilder[S comparable]() *Builder[S] {
	return &Builder[S]{maxHistory: DefaultMaxHistory}
}

// Initial sets the starting state.
func (b *Builder[S]) Initial(s S) *Builder[S] {
	b.initial = s
	b.hasInitial = true
	return b
}

// MaxHistory bounds the transition history.
func (b *Builder[S]) MaxHistory(n int) *Builder[S] {
	b.maxHistory = n
	return b
}

// Transition allows from -> to.
func (b *Builder[S]) Transition(from, to S) *Builder[S] {
	b.edges = append(b.edges, [2]S{from, to})
	return b
}

// Build validates the configuration and returns the machine.
func (b *Builder[S]) Build() (*Machine[S], error) {
	if !b.hasInitial {
		return nil, captureerr.Configuration(captureerr.CodeMissingRequired, "initial state must be set before building").
			WithComponent("statemachine")
	}
	if b.maxHistory <= 0 {
		return nil, captureerr.Configuration(captureerr.CodeInvalidValue, "history size must be greater than zero").
			WithComponent("statemachine")
	}
	if b.maxHistory > MaxHistoryLimit {
		return nil, captureerr.Configuration(captureerr.CodeInvalidValue, "history size exceeds maximum allowed value").
			WithComponent("statemachine")
	}

	m, err := New(b.initial, b.maxHistory)
	if err != nil {
		return nil, err
	}
	for _, e := range b.edges {
		m.AddTransition(e[0], e[1])
	}
	return m, nil
}

// #endregion builder
