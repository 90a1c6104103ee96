package txn

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/danielpatrickdp/capture-engine/go-core/internal/captureerr"
)

// #region lock-kind
type LockKind string

const (
	LockShared    LockKind = "shared"
	LockExclusive LockKind = "exclusive"
	LockIntent    LockKind = "intent"
)

func (k LockKind) rank() int {
	switch k {
	case LockExclusive:
		return 3
	case LockShared:
		return 2
	case LockIntent:
		return 1
	}
	return 0
}

// Compatible reports whether two different owners may hold a and b on the
// same resource at once.
func Compatible(a, b LockKind) bool {
	if a == LockExclusive || b == LockExclusive {
		return false
	}
	return true
}

// #endregion lock-kind

// #region manager
// LockManager grants resource locks to owners. Owners are lock groups: a
// child transaction that joins its parent uses the parent's group and so
// re-enters the parent's locks. Acquire never waits.
type LockManager struct {
	mu          sync.Mutex
	held        map[string]map[string]map[LockKind]int // resource -> owner -> kind -> count
	contentions atomic.Uint64
}

// NewLockManager returns an empty lock table.
func NewLockManager() *LockManager {
	return &LockManager{held: make(map[string]map[string]map[LockKind]int)}
}

// Acquire grants kind on resource to owner or fails immediately with
// Concurrency/LockContention.
func (lm *LockManager) Acquire(owner, resource string, kind LockKind) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	owners := lm.held[resource]
	for other, kinds := range owners {
		if other == owner {
			continue
		}
		for k, n := range kinds {
			if n > 0 && !Compatible(kind, k) {
				lm.contentions.Add(1)
				return captureerr.Concurrency(captureerr.CodeLockContention, string(kind)+" lock conflicts with "+string(k)+" lock").
					WithComponent("txn").WithOperation("acquire_lock").WithResource(resource)
			}
		}
	}
	if owners == nil {
		owners = make(map[string]map[LockKind]int)
		lm.held[resource] = owners
	}
	if owners[owner] == nil {
		owners[owner] = make(map[LockKind]int)
	}
	owners[owner][kind]++
	return nil
}

// Release drops one grant of kind on resource held by owner.
func (lm *LockManager) Release(owner, resource string, kind LockKind) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	kinds := lm.held[resource][owner]
	if kinds[kind] == 0 {
		return
	}
	kinds[kind]--
	if kinds[kind] == 0 {
		delete(kinds, kind)
	}
	if len(kinds) == 0 {
		delete(lm.held[resource], owner)
	}
	if len(lm.held[resource]) == 0 {
		delete(lm.held, resource)
	}
}

// Kinds returns the distinct lock kinds currently held on resource.
func (lm *LockManager) Kinds(resource string) []LockKind {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	seen := make(map[LockKind]bool)
	for _, kinds := range lm.held[resource] {
		for k := range kinds {
			seen[k] = true
		}
	}
	out := make([]LockKind, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].rank() > out[j].rank() })
	return out
}

// HeldBy counts the grants owner holds across all resources.
func (lm *LockManager) HeldBy(owner string) int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	n := 0
	for _, owners := range lm.held {
		for _, c := range owners[owner] {
			n += c
		}
	}
	return n
}

// Contentions counts failed Acquire calls.
func (lm *LockManager) Contentions() uint64 {
	return lm.contentions.Load()
}

// #endregion manager

// #region plan
// HeldLock is one grant a transaction holds, in acquisition order.
type HeldLock struct {
	Resource string
	Kind     LockKind
}

// lockFor maps an operation's access to a lock kind under the isolation
// level. ok is false when no lock is needed.
func lockFor(a Access, iso IsolationLevel) (LockKind, bool) {
	switch a {
	case AccessWrite:
		return LockExclusive, true
	case AccessDeferred:
		return LockIntent, true
	case AccessRead:
		switch iso {
		case ReadUncommitted:
			return "", false
		case Serializable:
			return LockExclusive, true
		}
		return LockShared, true
	}
	return "", false
}

// lockPlan picks the strongest lock each resource needs and orders the
// result by ascending resource id.
func lockPlan(ops []Operation, iso IsolationLevel) []HeldLock {
	strongest := make(map[string]LockKind)
	for _, op := range ops {
		k, ok := lockFor(op.Access(), iso)
		if !ok {
			continue
		}
		if cur, seen := strongest[op.ResourceID()]; !seen || k.rank() > cur.rank() {
			strongest[op.ResourceID()] = k
		}
	}
	plan := make([]HeldLock, 0, len(strongest))
	for id, k := range strongest {
		plan = append(plan, HeldLock{Resource: id, Kind: k})
	}
	sort.Slice(plan, func(i, j int) bool { return plan[i].Resource < plan[j].Resource })
	return plan
}

// #endregion plan
