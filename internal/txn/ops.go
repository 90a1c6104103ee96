package txn

import (
	"context"
	"strings"
)

// #region resources
type ResourceType string

const (
	ResourceBuffer      ResourceType = "buffer"
	ResourceInterface   ResourceType = "interface"
	ResourceSession     ResourceType = "session"
	ResourceStateRecord ResourceType = "state_record"
)

type ResourceState string

const (
	ResourceAllocated ResourceState = "allocated"
	ResourceInUse     ResourceState = "in_use"
	ResourceReleased  ResourceState = "released"
	ResourceFailed    ResourceState = "failed"
)

// Resource is the coordinator's view of one managed resource.
type Resource struct {
	ID    string
	Type  ResourceType
	State ResourceState
	Locks []LockKind
}

// ResourceTransitionAllowed is the default resource lifecycle.
func ResourceTransitionAllowed(from, to ResourceState) bool {
	if from == to || to == ResourceFailed {
		return true
	}
	switch from {
	case ResourceReleased:
		return to == ResourceAllocated || to == ResourceInUse
	case ResourceAllocated:
		return to == ResourceInUse || to == ResourceReleased
	case ResourceInUse:
		return to == ResourceAllocated || to == ResourceReleased
	case ResourceFailed:
		return to == ResourceReleased
	}
	return false
}

// #endregion resources

// #region operation
type OperationKind string

const (
	KindBufferAllocation       OperationKind = "buffer_allocation"
	KindInterfaceConfiguration OperationKind = "interface_configuration"
	KindSessionManagement      OperationKind = "session_management"
	KindStateSyncUpdate        OperationKind = "state_sync_update"
	KindResourceRead           OperationKind = "resource_read"
)

// Access declares how an operation touches its resource and so which lock
// prepare takes: Read is Shared, Write is Exclusive, Deferred is Intent.
type Access string

const (
	AccessRead     Access = "read"
	AccessWrite    Access = "write"
	AccessDeferred Access = "deferred"
)

// Operation is a declared intent inside a transaction.
type Operation interface {
	Kind() OperationKind
	ResourceID() string
	ResourceType() ResourceType
	Access() Access
	// Target is the resource state after the operation is applied.
	Target(current ResourceState) ResourceState
}

// Executor carries out operations of one kind for the resource that owns them.
type Executor interface {
	Apply(ctx context.Context, op Operation) error
	Undo(ctx context.Context, op Operation) error
}

// ExecutorFuncs adapts a pair of functions to Executor. A nil UndoFn undoes nothing.
type ExecutorFuncs struct {
	ApplyFn func(ctx context.Context, op Operation) error
	UndoFn  func(ctx context.Context, op Operation) error
}

// Apply calls ApplyFn.
func (e ExecutorFuncs) Apply(ctx context.Context, op Operation) error { return e.ApplyFn(ctx, op) }

// Undo calls UndoFn, or does nothing when it is nil.
func (e ExecutorFuncs) Undo(ctx context.Context, op Operation) error {
	if e.UndoFn == nil {
		return nil
	}
	return e.UndoFn(ctx, op)
}

// #endregion operation

// #region concrete
type MemoryType string

const (
	MemoryHeap     MemoryType = "heap"
	MemoryZeroCopy MemoryType = "zero_copy"
)

// BufferAllocation reserves a capture buffer.
type BufferAllocation struct {
	BufferID string
	Size     int
	Memory   MemoryType
}

func (BufferAllocation) Kind() OperationKind { return KindBufferAllocation }
func (o BufferAllocation) ResourceID() string { return "buffer/" + o.BufferID }
func (BufferAllocation) ResourceType() ResourceType { return ResourceBuffer }
func (BufferAllocation) Access() Access { return AccessWrite }
func (BufferAllocation) Target(ResourceState) ResourceState { return ResourceAllocated }

// InterfaceConfiguration reconfigures a capture interface.
type InterfaceConfiguration struct {
	InterfaceID string
	Settings    map[string]string
}

func (InterfaceConfiguration) Kind() OperationKind { return KindInterfaceConfiguration }
func (o InterfaceConfiguration) ResourceID() string { return "interface/" + o.InterfaceID }
func (InterfaceConfiguration) ResourceType() ResourceType { return ResourceInterface }
func (InterfaceConfiguration) Access() Access { return AccessWrite }
func (InterfaceConfiguration) Target(ResourceState) ResourceState { return ResourceInUse }

type SessionAction string

const (
	SessionCreate             SessionAction = "create"
	SessionStart              SessionAction = "start"
	SessionStop               SessionAction = "stop"
	SessionPause              SessionAction = "pause"
	SessionResume             SessionAction = "resume"
	SessionDelete             SessionAction = "delete"
	SessionCheckpoint         SessionAction = "checkpoint"
	SessionReset              SessionAction = "reset"
	SessionUpdateConfig       SessionAction = "update_config"
	SessionMigrateToInterface SessionAction = "migrate_to_interface"
)

// SessionManagement drives a capture session through one action.
type SessionManagement struct {
	SessionID string
	Action    SessionAction
}

func (SessionManagement) Kind() OperationKind { return KindSessionManagement }
func (o SessionManagement) ResourceID() string { return "session/" + o.SessionID }
func (SessionManagement) ResourceType() ResourceType { return ResourceSession }

func (o SessionManagement) Access() Access {
	if o.Action == SessionCheckpoint {
		return AccessRead
	}
	return AccessWrite
}

func (o SessionManagement) Target(current ResourceState) ResourceState {
	switch o.Action {
	case SessionCreate, SessionStop, SessionPause, SessionReset:
		return ResourceAllocated
	case SessionStart, SessionResume, SessionMigrateToInterface:
		return ResourceInUse
	case SessionDelete:
		return ResourceReleased
	}
	return current
}

// StateSyncUpdate pushes a named entity to a new state.
type StateSyncUpdate struct {
	EntityID string
	NewState string
}

func (StateSyncUpdate) Kind() OperationKind { return KindStateSyncUpdate }
func (o StateSyncUpdate) ResourceID() string { return "state/" + o.EntityID }
func (StateSyncUpdate) ResourceType() ResourceType { return ResourceStateRecord }
func (StateSyncUpdate) Access() Access { return AccessWrite }
func (StateSyncUpdate) Target(ResourceState) ResourceState { return ResourceInUse }

// ResourceRead observes a resource without changing it.
type ResourceRead struct {
	ID   string
	Type ResourceType
}

func (ResourceRead) Kind() OperationKind { return KindResourceRead }
func (o ResourceRead) ResourceID() string { return string(o.Type) + "/" + o.ID }
func (o ResourceRead) ResourceType() ResourceType { return o.Type }
func (ResourceRead) Access() Access { return AccessRead }
func (ResourceRead) Target(current ResourceState) ResourceState { return current }

// Planned declares an operation that a later transaction will execute. It
// takes an Intent lock and is never applied by this one.
type Planned struct {
	Op Operation
}

func (p Planned) Kind() OperationKind { return p.Op.Kind() }
func (p Planned) ResourceID() string { return p.Op.ResourceID() }
func (p Planned) ResourceType() ResourceType { return p.Op.ResourceType() }
func (Planned) Access() Access { return AccessDeferred }
func (Planned) Target(current ResourceState) ResourceState { return current }

// executes reports whether commit hands op to an executor. Planned
// operations and plain reads only take locks.
func executes(op Operation) bool {
	switch op.(type) {
	case Planned, *Planned, ResourceRead, *ResourceRead:
		return false
	}
	return true
}

func validResourceID(id string) bool {
	_, rest, ok := strings.Cut(id, "/")
	return ok && rest != ""
}

// #endregion concrete
