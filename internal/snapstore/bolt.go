// Package snapstore provides durable recovery.Storage implementations.
package snapstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/danielpatrickdp/capture-engine/go-core/internal/recovery"
	"github.com/rs/zerolog"
	"go.etcd.io/bbolt"
)

const (
	snapshotsBucket = "snapshots"
	pointsBucket    = "recovery_points"
)

// ErrUnsupportedVersion is returned when a stored payload carries a format
// version other than recovery.FormatVersion.
var ErrUnsupportedVersion = errors.New("unsupported snapshot version")

// Bolt stores snapshots and recovery points in separate bbolt buckets.
type Bolt[S any] struct {
	db     *bbolt.DB
	logger zerolog.Logger
}

// NewBolt opens (or creates) the bbolt file at path.
func NewBolt[S any](path string, logger zerolog.Logger) (*Bolt[S], error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{snapshotsBucket, pointsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &Bolt[S]{db: db, logger: logger.With().Str("component", "bolt_snapshot_store").Logger()}, nil
}

// Close closes the bbolt file.
func (b *Bolt[S]) Close() error {
	return b.db.Close()
}

// StoreSnapshot puts the JSON payload under the snapshot id.
func (b *Bolt[S]) StoreSnapshot(_ context.Context, snap recovery.Snapshot[S]) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	err = b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(snapshotsBucket)).Put([]byte(snap.ID), data)
	})
	if err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	b.logger.Debug().Str("snapshot_id", snap.ID).Int("bytes", len(data)).Msg("snapshot stored")
	return nil
}

// LoadSnapshot decodes the payload stored under id.
func (b *Bolt[S]) LoadSnapshot(_ context.Context, id string) (recovery.Snapshot[S], error) {
	var data []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(snapshotsBucket)).Get([]byte(id))
		if v == nil {
			return fmt.Errorf("snapshot %s: %w", id, recovery.ErrSnapshotNotFound)
		}
		// bbolt values are only valid inside the transaction
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return recovery.Snapshot[S]{}, err
	}
	return decode[S](id, data)
}

// ListSnapshots returns ids in key order.
func (b *Bolt[S]) ListSnapshots(_ context.Context) ([]string, error) {
	var ids []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(snapshotsBucket)).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return ids, nil
}

// DeleteSnapshot removes id from the snapshots bucket.
func (b *Bolt[S]) DeleteSnapshot(_ context.Context, id string) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(snapshotsBucket)).Delete([]byte(id))
	})
	if err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// StoreRecoveryPoint puts p under its id.
func (b *Bolt[S]) StoreRecoveryPoint(_ context.Context, p recovery.RecoveryPoint) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal recovery point: %w", err)
	}
	err = b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(pointsBucket)).Put([]byte(p.ID), data)
	})
	if err != nil {
		return fmt.Errorf("store recovery point: %w", err)
	}
	return nil
}

// ListRecoveryPoints returns every point, oldest first. Undecodable entries
// are logged and skipped.
func (b *Bolt[S]) ListRecoveryPoints(_ context.Context) ([]recovery.RecoveryPoint, error) {
	var out []recovery.RecoveryPoint
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(pointsBucket)).ForEach(func(k, v []byte) error {
			var p recovery.RecoveryPoint
			if err := json.Unmarshal(v, &p); err != nil {
				b.logger.Warn().Err(err).Str("point_id", string(k)).Msg("skipping corrupt recovery point")
				return nil
			}
			out = append(out, p)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list recovery points: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// DeleteRecoveryPoint removes id from the points bucket.
func (b *Bolt[S]) DeleteRecoveryPoint(_ context.Context, id string) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(pointsBucket)).Delete([]byte(id))
	})
	if err != nil {
		return fmt.Errorf("delete recovery point: %w", err)
	}
	return nil
}
