package snapstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/danielpatrickdp/capture-engine/go-core/internal/recovery"
	_ "modernc.org/sqlite"
)

// #region schema
// recovery_points has no foreign key to snapshots so that a corrupt or
// deleted payload never takes the point index with it.
const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	snapshot_id   TEXT PRIMARY KEY,
	version       TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	payload       BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS recovery_points (
	id            TEXT PRIMARY KEY,
	snapshot_id   TEXT NOT NULL,
	hash          TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	metadata_json TEXT
);

CREATE INDEX IF NOT EXISTS idx_points_snapshot ON recovery_points(snapshot_id);
`
// #endregion schema

// #region store-struct
// SQLite stores snapshots and recovery points in one database file.
type SQLite[S any] struct {
	db *sql.DB
}

// Summary describes a stored snapshot without decoding its payload.
type Summary struct {
	ID        string
	Version   string
	CreatedAt time.Time
	Bytes     int
}
// #endregion store-struct

// #region constructor
// NewSQLite opens the database at path and runs migrations.
func NewSQLite[S any](path string) (*SQLite[S], error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLite[S]{db: db}, nil
}

// Close closes the database.
func (s *SQLite[S]) Close() error {
	return s.db.Close()
}

// DB returns the underlying handle so the audit log can share the file.
func (s *SQLite[S]) DB() *sql.DB {
	return s.db
}
// #endregion constructor

// #region snapshots
func (s *SQLite[S]) StoreSnapshot(ctx context.Context, snap recovery.Snapshot[S]) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (snapshot_id, version, created_at, payload)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(snapshot_id) DO UPDATE SET version = excluded.version,
		   created_at = excluded.created_at, payload = excluded.payload`,
		snap.ID, snap.Version, snap.Timestamp.UTC().Format(time.RFC3339Nano), payload,
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot decodes the stored payload.
func (s *SQLite[S]) LoadSnapshot(ctx context.Context, id string) (recovery.Snapshot[S], error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM snapshots WHERE snapshot_id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return recovery.Snapshot[S]{}, fmt.Errorf("snapshot %s: %w", id, recovery.ErrSnapshotNotFound)
	}
	if err != nil {
		return recovery.Snapshot[S]{}, fmt.Errorf("query snapshot: %w", err)
	}
	return decode[S](id, payload)
}

// ListSnapshots returns ids oldest first.
func (s *SQLite[S]) ListSnapshots(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT snapshot_id FROM snapshots ORDER BY created_at, snapshot_id`)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteSnapshot removes a snapshot. Deleting an unknown id is not an error.
func (s *SQLite[S]) DeleteSnapshot(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE snapshot_id = ?`, id); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// SnapshotTime returns the stored created_at without decoding the payload.
func (s *SQLite[S]) SnapshotTime(ctx context.Context, id string) (time.Time, error) {
	var created string
	err := s.db.QueryRowContext(ctx, `SELECT created_at FROM snapshots WHERE snapshot_id = ?`, id).Scan(&created)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("snapshot %s: %w", id, recovery.ErrSnapshotNotFound)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("query snapshot time: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse created_at: %w", err)
	}
	return ts, nil
}

// Summaries returns the newest snapshots first, at most limit of them.
func (s *SQLite[S]) Summaries(ctx context.Context, limit int) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT snapshot_id, version, created_at, length(payload) FROM snapshots
		 ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query summaries: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		var created string
		if err := rows.Scan(&sum.ID, &sum.Version, &created, &sum.Bytes); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		sum.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, sum)
	}
	return out, rows.Err()
}
// #endregion snapshots

// #region points
func (s *SQLite[S]) StoreRecoveryPoint(ctx context.Context, p recovery.RecoveryPoint) error {
	var meta any
	if len(p.Metadata) > 0 {
		b, err := json.Marshal(p.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		meta = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recovery_points (id, snapshot_id, hash, created_at, metadata_json)
		 VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.SnapshotID, p.Hash, p.Timestamp.UTC().Format(time.RFC3339Nano), meta,
	)
	if err != nil {
		return fmt.Errorf("insert recovery point: %w", err)
	}
	return nil
}

// ListRecoveryPoints returns every point, oldest first.
func (s *SQLite[S]) ListRecoveryPoints(ctx context.Context) ([]recovery.RecoveryPoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, snapshot_id, hash, created_at, metadata_json FROM recovery_points ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query recovery points: %w", err)
	}
	defer rows.Close()

	var out []recovery.RecoveryPoint
	for rows.Next() {
		var p recovery.RecoveryPoint
		var created string
		var meta sql.NullString
		if err := rows.Scan(&p.ID, &p.SnapshotID, &p.Hash, &created, &meta); err != nil {
			return nil, fmt.Errorf("scan recovery point: %w", err)
		}
		p.Timestamp, err = time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		if meta.Valid {
			if err := json.Unmarshal([]byte(meta.String), &p.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteRecoveryPoint removes one point. Unknown ids are ignored.
func (s *SQLite[S]) DeleteRecoveryPoint(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM recovery_points WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete recovery point: %w", err)
	}
	return nil
}
// #endregion points

func decode[S any](id string, payload []byte) (recovery.Snapshot[S], error) {
	var snap recovery.Snapshot[S]
	if err := json.Unmarshal(payload, &snap); err != nil {
		return recovery.Snapshot[S]{}, fmt.Errorf("unmarshal snapshot %s: %w: %w", id, recovery.ErrCorruptSnapshot, err)
	}
	if snap.Version != recovery.FormatVersion {
		return recovery.Snapshot[S]{}, fmt.Errorf("snapshot %s: %w: %w %q", id, recovery.ErrCorruptSnapshot, ErrUnsupportedVersion, snap.Version)
	}
	return snap, nil
}
