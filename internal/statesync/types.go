package statesync

import (
	"context"
	"time"

	"github.com/danielpatrickdp/capture-engine/go-core/internal/captureerr"
	"github.com/danielpatrickdp/capture-engine/go-core/internal/statemachine"
)

// #region event
// Event is handed to the reporter, observers and subscribers after a local
// transition has been committed. It is not persisted here.
type Event[S comparable] struct {
	ID         string                     `json:"event_id"`
	EntityID   string                     `json:"entity_id"`
	Transition statemachine.Transition[S] `json:"transition"`
	Timestamp  time.Time                  `json:"timestamp"`
	Metadata   map[string]string          `json:"metadata,omitempty"`
}

// #endregion event

// #region collaborators
// Reporter delivers events to the control plane. Failures may be transient.
type Reporter[S comparable] interface {
	ReportState(ctx context.Context, ev Event[S]) error
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc[S comparable] func(ctx context.Context, ev Event[S]) error

// ReportState calls f.
func (f ReporterFunc[S]) ReportState(ctx context.Context, ev Event[S]) error { return f(ctx, ev) }

// NopReporter accepts every event.
func NopReporter[S comparable]() Reporter[S] {
	return ReporterFunc[S](func(context.Context, Event[S]) error { return nil })
}

// Observer is notified synchronously of every committed transition. Its
// errors are logged and never fail the update.
type Observer[S comparable] interface {
	OnStateChange(ev Event[S]) error
	ObserverID() string
}

// #endregion collaborators

// #region strategy
type Mode string

const (
	ModeImmediate Mode = "immediate" // report inline, caller sees the outcome
	ModeEventual  Mode = "eventual"  // report in the background after Delay
	ModeOnDemand  Mode = "on_demand" // queue until Flush
)

// Strategy selects when committed events are reported.
type Strategy struct {
	Mode  Mode
	Delay time.Duration
}

// Immediate reports inside UpdateState.
func Immediate() Strategy { return Strategy{Mode: ModeImmediate} }
// Eventual reports in the background after d.
func Eventual(d time.Duration) Strategy { return Strategy{Mode: ModeEventual, Delay: d} }
// OnDemand queues reports until Flush.
func OnDemand() Strategy { return Strategy{Mode: ModeOnDemand} }

// #endregion strategy

// #region config
// Config controls reporting retries and lag accounting.
type Config struct {
	Strategy            Strategy
	RetryAttempts       int
	RetryDelay          time.Duration
	MaxSyncLag          time.Duration
	ConsistencyInterval time.Duration // zero disables the Run loop
}

// DefaultConfig reports immediately with three attempts.
func DefaultConfig() Config {
	return Config{
		Strategy:            Immediate(),
		RetryAttempts:       3,
		RetryDelay:          100 * time.Millisecond,
		MaxSyncLag:          5 * time.Second,
		ConsistencyInterval: time.Minute,
	}
}

func (c Config) validate() error {
	if c.RetryAttempts <= 0 {
		return captureerr.Configuration(captureerr.CodeInvalidValue, "retry attempts must be greater than 0").
			WithComponent("statesync")
	}
	if c.RetryDelay < 0 {
		return captureerr.Configuration(captureerr.CodeInvalidValue, "retry delay must not be negative").
			WithComponent("statesync")
	}
	switch c.Strategy.Mode {
	case ModeImmediate, ModeOnDemand:
	case ModeEventual:
		if c.Strategy.Delay < 0 {
			return captureerr.Configuration(captureerr.CodeInvalidValue, "eventual delay must not be negative").
				WithComponent("statesync")
		}
	default:
		return captureerr.Configuration(captureerr.CodeInvalidValue, "unknown sync strategy "+string(c.Strategy.Mode)).
			WithComponent("statesync")
	}
	return nil
}

// #endregion config

// #region metrics
// Metrics is a point-in-time copy of the sync counters.
type Metrics struct {
	Updates         uint64
	SuccessfulSyncs uint64
	FailedSyncs     uint64 // updates whose every report attempt failed
	FailedAttempts  uint64 // individual failed report calls
	AverageLatency  time.Duration
	LastSync        time.Time
	Pending         int
}

// #endregion metrics
