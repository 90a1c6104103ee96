package audit

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/danielpatrickdp/capture-engine/go-core/internal/statemachine"
	"github.com/danielpatrickdp/capture-engine/go-core/internal/statesync"
	_ "modernc.org/sqlite"
)

// #region helpers
func setupLog(t *testing.T) (*Log, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// one connection so every query sees the same in-memory database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	l, err := Open(db)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	return l, db
}

// #endregion helpers

// #region record-tests
func TestRecord_Success(t *testing.T) {
	l, db := setupLog(t)

	err := l.Record(Entry{
		EventID:   "ev1",
		EntityID:  "buf-1",
		From:      "uninitialized",
		To:        "available",
		Reason:    "allocated",
		Metadata:  map[string]string{"tx": "t1"},
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var count int
	db.QueryRow("SELECT COUNT(*) FROM transition_log").Scan(&count)
	if count != 1 {
		t.Errorf("expected 1 row, got %d", count)
	}

	entries, err := l.Entries(context.Background(), "buf-1", 10)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.From != "uninitialized" || e.To != "available" || e.Reason != "allocated" {
		t.Errorf("unexpected entry: %+v", e)
	}
	if e.Metadata["tx"] != "t1" {
		t.Errorf("expected metadata tx=t1, got %v", e.Metadata)
	}
	if !e.CreatedAt.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected created_at %v", e.CreatedAt)
	}
}

func TestRecord_NullableFields(t *testing.T) {
	l, db := setupLog(t)

	if err := l.Record(Entry{EventID: "ev1", EntityID: "e", From: "a", To: "b"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var reason, meta sql.NullString
	db.QueryRow("SELECT reason, metadata_json FROM transition_log").Scan(&reason, &meta)
	if reason.Valid || meta.Valid {
		t.Errorf("expected NULL reason and metadata, got %v / %v", reason, meta)
	}
}

// #endregion record-tests

// #region query-tests
func TestEntries_NewestFirstAndLimit(t *testing.T) {
	l, _ := setupLog(t)
	for _, to := range []string{"b", "c", "d"} {
		if err := l.Record(Entry{EventID: to, EntityID: "e", From: "x", To: to}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	l.Record(Entry{EventID: "other", EntityID: "f", From: "x", To: "y"})

	entries, err := l.Entries(context.Background(), "e", 2)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 2 || entries[0].To != "d" || entries[1].To != "c" {
		t.Fatalf("unexpected entries: %+v", entries)
	}

	all, _ := l.Entries(context.Background(), "", 10)
	if len(all) != 4 {
		t.Fatalf("expected 4 entries across entities, got %d", len(all))
	}
}

func TestLatestStates(t *testing.T) {
	l, _ := setupLog(t)
	l.Record(Entry{EventID: "1", EntityID: "a", From: "idle", To: "running"})
	l.Record(Entry{EventID: "2", EntityID: "b", From: "idle", To: "running"})
	l.Record(Entry{EventID: "3", EntityID: "a", From: "running", To: "stopped"})

	got, err := l.LatestStates(context.Background())
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if got["a"] != "stopped" || got["b"] != "running" || len(got) != 2 {
		t.Fatalf("unexpected latest states: %v", got)
	}
}

// #endregion query-tests

// #region observer-tests
func TestObserverRecordsSyncEvents(t *testing.T) {
	l, _ := setupLog(t)

	s, err := statesync.New[string](statesync.DefaultConfig(), nil, statesync.WithObserver[string](NewObserver[string](l)))
	if err != nil {
		t.Fatalf("new sync: %v", err)
	}
	defer s.Close()
	m, _ := statemachine.NewBuilder[string]().Initial("idle").Transition("idle", "running").Build()
	if err := s.Register("engine", m); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := s.UpdateState(context.Background(), "engine", "running", map[string]string{"reason": "boot"}); err != nil {
		t.Fatalf("update: %v", err)
	}

	entries, err := l.Entries(context.Background(), "engine", 10)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 1 || entries[0].From != "idle" || entries[0].To != "running" || entries[0].Reason != "boot" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if entries[0].EventID == "" {
		t.Error("expected event id to be recorded")
	}
}

// #endregion observer-tests
