package recovery

import (
	"context"
	"errors"
	"time"

	"github.com/danielpatrickdp/capture-engine/go-core/internal/captureerr"
)

// FormatVersion is written into every snapshot and checked on load.
const FormatVersion = "1.0"

// ErrSnapshotNotFound is returned by storages for an unknown snapshot id.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// ErrCorruptSnapshot is wrapped by storages when a stored payload exists but
// cannot be decoded into a snapshot of this format.
var ErrCorruptSnapshot = errors.New("corrupt snapshot")

// #region model
// Snapshot is a point-in-time copy of every tracked entity's state.
type Snapshot[S any] struct {
	ID        string            `json:"snapshot_id"`
	Timestamp time.Time         `json:"timestamp"`
	States    map[string]S      `json:"states"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Version   string            `json:"version"`
}

// RecoveryPoint references a snapshot by id together with its integrity
// hash. It is stored apart from the snapshot payload.
type RecoveryPoint struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	SnapshotID string            `json:"snapshot_id"`
	Hash       string            `json:"hash"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// #endregion model

// #region capabilities
// Storage persists snapshot payloads.
type Storage[S any] interface {
	StoreSnapshot(ctx context.Context, snap Snapshot[S]) error
	LoadSnapshot(ctx context.Context, id string) (Snapshot[S], error)
	ListSnapshots(ctx context.Context) ([]string, error)
	DeleteSnapshot(ctx context.Context, id string) error
}

// PointStore is implemented by storages that also keep the recovery point
// index durable.
type PointStore interface {
	StoreRecoveryPoint(ctx context.Context, p RecoveryPoint) error
	ListRecoveryPoints(ctx context.Context) ([]RecoveryPoint, error)
	DeleteRecoveryPoint(ctx context.Context, id string) error
}

// SnapshotTimer is implemented by storages that record when a snapshot was
// written apart from its payload, so cleanup can age an unreadable one.
type SnapshotTimer interface {
	SnapshotTime(ctx context.Context, id string) (time.Time, error)
}

// StateHolder exposes a set of entity states for snapshotting.
// *statesync.Sync satisfies it.
type StateHolder[S any] interface {
	States() map[string]S
	RestoreStates(states map[string]S) error
}

// #endregion capabilities

// #region config
type Config struct {
	SnapshotInterval  time.Duration // period of Run; zero disables it
	MaxSnapshots      int
	RetentionPeriod   time.Duration
	ValidationEnabled bool
}

// DefaultConfig snapshots every five minutes and keeps ten for a day.
func DefaultConfig() Config {
	return Config{
		SnapshotInterval:  5 * time.Minute,
		MaxSnapshots:      10,
		RetentionPeriod:   24 * time.Hour,
		ValidationEnabled: true,
	}
}

func (c Config) validate() error {
	switch {
	case c.MaxSnapshots <= 0:
		return captureerr.Configuration(captureerr.CodeInvalidValue, "max snapshots must be greater than 0").WithComponent("recovery")
	case c.RetentionPeriod <= 0:
		return captureerr.Configuration(captureerr.CodeInvalidValue, "retention period must be positive").WithComponent("recovery")
	case c.SnapshotInterval < 0:
		return captureerr.Configuration(captureerr.CodeInvalidValue, "snapshot interval must not be negative").WithComponent("recovery")
	}
	return nil
}

// #endregion config
