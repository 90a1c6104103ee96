package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/danielpatrickdp/capture-engine/go-core/internal/statesync"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS transition_log (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id      TEXT NOT NULL,
	entity_id     TEXT NOT NULL,
	from_state    TEXT NOT NULL,
	to_state      TEXT NOT NULL,
	reason        TEXT,
	metadata_json TEXT,
	created_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transition_entity ON transition_log(entity_id, id);
`
// #endregion schema

// #region entry
// Entry is a single row in the transition_log table.
type Entry struct {
	ID        int64             `json:"id"`
	EventID   string            `json:"event_id"`
	EntityID  string            `json:"entity_id"`
	From      string            `json:"from"`
	To        string            `json:"to"`
	Reason    string            `json:"reason,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
// #endregion entry

// #region log
// Log appends committed transitions to SQLite for provenance and replay.
type Log struct {
	db *sql.DB
}

// Open creates the transition_log table on db if needed.
func Open(db *sql.DB) (*Log, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate audit: %w", err)
	}
	return &Log{db: db}, nil
}

// Record writes one entry.
func (l *Log) Record(entry Entry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	var meta any
	if len(entry.Metadata) > 0 {
		b, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		meta = string(b)
	}
	_, err := l.db.Exec(
		`INSERT INTO transition_log (event_id, entity_id, from_state, to_state, reason, metadata_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.EventID,
		entry.EntityID,
		entry.From,
		entry.To,
		nullIfEmpty(entry.Reason),
		meta,
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record transition: %w", err)
	}
	return nil
}

// Entries returns the newest entries first. An empty entityID matches all.
func (l *Log) Entries(ctx context.Context, entityID string, limit int) ([]Entry, error) {
	q := `SELECT id, event_id, entity_id, from_state, to_state, reason, metadata_json, created_at
	      FROM transition_log`
	args := []any{}
	if entityID != "" {
		q += ` WHERE entity_id = ?`
		args = append(args, entityID)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var reason, meta sql.NullString
		var created string
		if err := rows.Scan(&e.ID, &e.EventID, &e.EntityID, &e.From, &e.To, &reason, &meta, &created); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		e.Reason = reason.String
		if meta.Valid {
			if err := json.Unmarshal([]byte(meta.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestStates returns the last recorded to_state of every entity.
func (l *Log) LatestStates(ctx context.Context) (map[string]string, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT t.entity_id, t.to_state FROM transition_log t
		 JOIN (SELECT entity_id, MAX(id) AS id FROM transition_log GROUP BY entity_id) last
		   ON t.id = last.id`)
	if err != nil {
		return nil, fmt.Errorf("query latest states: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, st string
		if err := rows.Scan(&id, &st); err != nil {
			return nil, fmt.Errorf("scan latest state: %w", err)
		}
		out[id] = st
	}
	return out, rows.Err()
}
// #endregion log

// #region observer
// Observer records every event a statesync.Sync commits. States are
// rendered with fmt.Sprint.
type Observer[S comparable] struct {
	log *Log
}

// NewObserver returns a statesync observer that appends to l.
func NewObserver[S comparable](l *Log) *Observer[S] {
	return &Observer[S]{log: l}
}

// OnStateChange appends ev as one audit entry.
func (o *Observer[S]) OnStateChange(ev statesync.Event[S]) error {
	return o.log.Record(Entry{
		EventID:   ev.ID,
		EntityID:  ev.EntityID,
		From:      fmt.Sprint(ev.Transition.From),
		To:        fmt.Sprint(ev.Transition.To),
		Reason:    ev.Transition.Reason,
		Metadata:  ev.Metadata,
		CreatedAt: ev.Timestamp,
	})
}

// ObserverID identifies the observer in logs.
func (o *Observer[S]) ObserverID() string { return "audit" }
// #endregion observer

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
// #endregion helpers
