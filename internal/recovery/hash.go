package recovery

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/danielpatrickdp/capture-engine/go-core/internal/captureerr"
)

// Hasher produces and verifies snapshot digests.
type Hasher[S any] interface {
	Hash(snap Snapshot[S]) (string, error)
	Verify(snap Snapshot[S], hash string) (bool, error)
	ValidateSnapshot(snap Snapshot[S]) error
}

// SHA256Hasher digests the canonical JSON form of a snapshot. Map keys are
// sorted by encoding/json, so equal snapshots hash equally.
type SHA256Hasher[S any] struct{}

type canonical[S any] struct {
	ID        string            `json:"snapshot_id"`
	Timestamp string            `json:"timestamp"`
	States    map[string]S      `json:"states"`
	Metadata  map[string]string `json:"metadata"`
	Version   string            `json:"version"`
}

// Hash digests the canonical JSON form of snap.
func (SHA256Hasher[S]) Hash(snap Snapshot[S]) (string, error) {
	c := canonical[S]{
		ID:        snap.ID,
		Timestamp: snap.Timestamp.UTC().Format(time.RFC3339Nano),
		States:    snap.States,
		Metadata:  snap.Metadata,
		Version:   snap.Version,
	}
	// empty and nil maps must hash the same after a storage round trip
	if len(c.States) == 0 {
		c.States = nil
	}
	if len(c.Metadata) == 0 {
		c.Metadata = nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Verify reports whether snap still hashes to hash.
func (h SHA256Hasher[S]) Verify(snap Snapshot[S], hash string) (bool, error) {
	got, err := h.Hash(snap)
	if err != nil {
		return false, err
	}
	return got == hash, nil
}

// ValidateSnapshot checks the fields a restore relies on.
func (SHA256Hasher[S]) ValidateSnapshot(snap Snapshot[S]) error {
	if snap.ID == "" {
		return captureerr.Configuration(captureerr.CodeMissingRequired, "snapshot id is empty").WithComponent("recovery")
	}
	if snap.Version != FormatVersion {
		return captureerr.New(captureerr.KindSystem, captureerr.CodeIntegrityMismatch,
			fmt.Sprintf("unsupported snapshot version %q", snap.Version)).
			WithComponent("recovery").WithResource(snap.ID)
	}
	return nil
}
