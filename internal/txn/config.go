package txn

import (
	"time"

	"github.com/danielpatrickdp/capture-engine/go-core/internal/captureerr"
)

// #region isolation
type IsolationLevel string

const (
	ReadUncommitted IsolationLevel = "read_uncommitted" // reads take no lock
	ReadCommitted   IsolationLevel = "read_committed"   // read locks dropped once prepared
	RepeatableRead  IsolationLevel = "repeatable_read"  // read locks held to the end
	Serializable    IsolationLevel = "serializable"     // reads lock exclusively
)

// Propagation decides how Begin relates a transaction to its parent.
type Propagation string

const (
	PropagationRequired     Propagation = "required"      // join the parent, else start new
	PropagationRequiresNew  Propagation = "requires_new"  // always independent
	PropagationSupports     Propagation = "supports"      // join the parent when there is one
	PropagationNotSupported Propagation = "not_supported" // ignore the parent
	PropagationMandatory    Propagation = "mandatory"     // parent required
	PropagationNever        Propagation = "never"         // parent forbidden
)

// #endregion isolation

// #region policy
// RecoveryPolicy decides what happens when prepare hits lock contention or
// an operation fails during commit.
type RecoveryPolicy interface {
	policy()
}

// RetryPolicy re-drives the failing step up to MaxAttempts times in total.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// RollbackPolicy compensates immediately.
type RollbackPolicy struct{}

// CustomPolicy retries while Decide returns true, bounded by Config.MaxRetries.
type CustomPolicy struct {
	Decide func(tx *Context) bool
}

func (RetryPolicy) policy()    {}
func (RollbackPolicy) policy() {}
func (CustomPolicy) policy()   {}

// #endregion policy

// #region config
// Config is declared per transaction.
type Config struct {
	Timeout         time.Duration
	MaxRetries      int
	Isolation       IsolationLevel
	Propagation     Propagation
	Recovery        RecoveryPolicy
	ParentID        string
	RecoveryEnabled bool // take a recovery point before commit
	Metadata        map[string]string
}

// DefaultConfig returns the builder defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:     30 * time.Second,
		MaxRetries:  3,
		Isolation:   ReadCommitted,
		Propagation: PropagationRequired,
		Recovery:    RollbackPolicy{},
	}
}

func (c Config) validate() error {
	bad := func(msg string) error {
		return captureerr.Configuration(captureerr.CodeInvalidValue, msg).WithComponent("txn")
	}
	switch {
	case c.Timeout <= 0:
		return bad("transaction timeout must be positive")
	case c.MaxRetries < 0:
		return bad("max retries must not be negative")
	case c.Recovery == nil:
		return captureerr.Configuration(captureerr.CodeMissingRequired, "recovery policy is required").WithComponent("txn")
	}
	switch c.Isolation {
	case ReadUncommitted, ReadCommitted, RepeatableRead, Serializable:
	default:
		return bad("unknown isolation level " + string(c.Isolation))
	}
	switch c.Propagation {
	case PropagationRequired, PropagationRequiresNew, PropagationSupports,
		PropagationNotSupported, PropagationMandatory, PropagationNever:
	default:
		return bad("unknown propagation " + string(c.Propagation))
	}
	switch p := c.Recovery.(type) {
	case RetryPolicy:
		if p.MaxAttempts < 1 || p.Delay < 0 {
			return bad("retry policy needs at least one attempt and a non-negative delay")
		}
	case CustomPolicy:
		if p.Decide == nil {
			return captureerr.Configuration(captureerr.CodeMissingRequired, "custom policy needs a decide function").WithComponent("txn")
		}
	}
	return nil
}

// ConfigBuilder assembles a Config from DefaultConfig.
// ConfigBuilder assembles a Config and validates it on Build.
type ConfigBuilder struct {
	cfg Config
}

// NewConfigBuilder starts from DefaultConfig.
func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{cfg: DefaultConfig()}
}

// Timeout sets the transaction deadline measured from Begin.
func (b *ConfigBuilder) Timeout(d time.Duration) *ConfigBuilder {
	b.cfg.Timeout = d
	return b
}

// MaxRetries bounds every retrying recovery policy.
func (b *ConfigBuilder) MaxRetries(n int) *ConfigBuilder {
	b.cfg.MaxRetries = n
	return b
}

// Isolation sets the lock plan for reads.
func (b *ConfigBuilder) Isolation(l IsolationLevel) *ConfigBuilder {
	b.cfg.Isolation = l
	return b
}

// Propagation sets how Begin treats the parent transaction.
func (b *ConfigBuilder) Propagation(p Propagation) *ConfigBuilder {
	b.cfg.Propagation = p
	return b
}

// Recovery sets the failure recovery policy.
func (b *ConfigBuilder) Recovery(p RecoveryPolicy) *ConfigBuilder {
	b.cfg.Recovery = p
	return b
}

// Parent names the enclosing transaction.
func (b *ConfigBuilder) Parent(id string) *ConfigBuilder {
	b.cfg.ParentID = id
	return b
}

// RecoveryEnabled asks for a recovery point before commit.
func (b *ConfigBuilder) RecoveryEnabled(on bool) *ConfigBuilder {
	b.cfg.RecoveryEnabled = on
	return b
}

// Metadata adds one key to the transaction metadata.
func (b *ConfigBuilder) Metadata(key, value string) *ConfigBuilder {
	if b.cfg.Metadata == nil {
		b.cfg.Metadata = make(map[string]string)
	}
	b.cfg.Metadata[key] = value
	return b
}

// Build validates and returns the config.
func (b *ConfigBuilder) Build() (Config, error) {
	if err := b.cfg.validate(); err != nil {
		return Config{}, err
	}
	return b.cfg, nil
}

// #endregion config
