package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/danielpatrickdp/capture-engine/go-core/internal/audit"
	"github.com/danielpatrickdp/capture-engine/go-core/internal/recovery"
	"github.com/danielpatrickdp/capture-engine/go-core/internal/snapstore"
	_ "modernc.org/sqlite"
)

// #region main

func main() {
	dbPath := flag.String("db", "", "path to the sqlite snapshot database")
	last := flag.Int("last", 20, "show N most recent snapshots or audit entries")
	snapshotID := flag.String("snapshot", "", "show one snapshot in full")
	points := flag.Bool("points", false, "list recovery points")
	auditPath := flag.String("audit", "", "path to the audit database")
	entity := flag.String("entity", "", "filter audit entries to one entity")
	jsonOut := flag.Bool("json", false, "output as JSON instead of table")
	flag.Parse()

	if *dbPath == "" && *auditPath == "" {
		fmt.Fprintln(os.Stderr, "usage: inspect --db snapshots.db [--last N] [--snapshot id] [--points] | --audit audit.db [--entity id] [--json]")
		os.Exit(2)
	}

	ctx := context.Background()
	var err error
	switch {
	case *auditPath != "":
		err = runAuditMode(ctx, *auditPath, *entity, *last, *jsonOut)
	case *snapshotID != "":
		err = withStore(*dbPath, func(s *snapstore.SQLite[string]) error {
			return runSnapshotMode(ctx, s, *snapshotID, *jsonOut)
		})
	case *points:
		err = withStore(*dbPath, func(s *snapstore.SQLite[string]) error {
			return runPointsMode(ctx, s, *jsonOut)
		})
	default:
		err = withStore(*dbPath, func(s *snapstore.SQLite[string]) error {
			return runListMode(ctx, s, *last, *jsonOut)
		})
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func withStore(path string, fn func(*snapstore.SQLite[string]) error) error {
	s, err := snapstore.NewSQLite[string](path)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer s.Close()
	return fn(s)
}

// #endregion main

// #region list-mode

type listRow struct {
	ID        string `json:"snapshot_id"`
	Version   string `json:"version"`
	Bytes     int    `json:"bytes"`
	CreatedAt string `json:"created_at"`
}

func runListMode(ctx context.Context, s *snapstore.SQLite[string], last int, jsonOut bool) error {
	sums, err := s.Summaries(ctx, last)
	if err != nil {
		return err
	}
	if len(sums) == 0 {
		fmt.Fprintln(os.Stderr, "no snapshots found")
		return nil
	}
	rows := make([]listRow, len(sums))
	for i, sum := range sums {
		rows[i] = listRow{ID: sum.ID, Version: sum.Version, Bytes: sum.Bytes, CreatedAt: sum.CreatedAt.Format(time.RFC3339)}
	}
	if jsonOut {
		return printJSON(rows)
	}

	fmt.Printf("%-36s  %-7s  %8s  %s\n", "Snapshot", "Version", "Bytes", "Time")
	fmt.Printf("%-36s+-%-7s+-%8s+-%s\n", "------------------------------------", "-------", "--------", "--------------------")
	for _, r := range rows {
		fmt.Printf("%-36s  %-7s  %8d  %s\n", r.ID, r.Version, r.Bytes, r.CreatedAt)
	}
	fmt.Printf("\n%d snapshot(s)\n", len(rows))
	return nil
}

// #endregion list-mode

// #region detail-mode

func runSnapshotMode(ctx context.Context, s *snapstore.SQLite[string], id string, jsonOut bool) error {
	snap, err := s.LoadSnapshot(ctx, id)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(snap)
	}

	hash, err := recovery.SHA256Hasher[string]{}.Hash(snap)
	if err != nil {
		return err
	}
	fmt.Printf("Snapshot:  %s\n", snap.ID)
	fmt.Printf("Version:   %s\n", snap.Version)
	fmt.Printf("Timestamp: %s\n", snap.Timestamp.Format(time.RFC3339Nano))
	fmt.Printf("Hash:      %s\n", hash)
	for _, k := range sortedKeys(snap.Metadata) {
		fmt.Printf("  meta %s=%s\n", k, snap.Metadata[k])
	}
	fmt.Println()
	fmt.Printf("%-48s  %s\n", "Entity", "State")
	for _, k := range sortedKeys(snap.States) {
		fmt.Printf("%-48s  %s\n", k, snap.States[k])
	}
	return nil
}

// #endregion detail-mode

// #region points-mode

func runPointsMode(ctx context.Context, s *snapstore.SQLite[string], jsonOut bool) error {
	pts, err := s.ListRecoveryPoints(ctx)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(pts)
	}
	if len(pts) == 0 {
		fmt.Fprintln(os.Stderr, "no recovery points found")
		return nil
	}
	fmt.Printf("%-12s  %-12s  %-16s  %-8s  %s\n", "Point", "Snapshot", "Hash", "Trigger", "Time")
	for _, p := range pts {
		status := "ok"
		if _, err := s.LoadSnapshot(ctx, p.SnapshotID); err != nil {
			status = "missing"
		}
		fmt.Printf("%-12s  %-12s  %-16s  %-8s  %s  [%s]\n",
			shortID(p.ID), shortID(p.SnapshotID), shortHash(p.Hash), p.Metadata["trigger"],
			p.Timestamp.Format(time.RFC3339), status)
	}
	return nil
}

// #endregion points-mode

// #region audit-mode

func runAuditMode(ctx context.Context, path, entity string, last int, jsonOut bool) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open audit db: %w", err)
	}
	defer db.Close()
	log, err := audit.Open(db)
	if err != nil {
		return err
	}
	entries, err := log.Entries(ctx, entity, last)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(os.Stderr, "no transitions found")
		return nil
	}
	fmt.Printf("%-6s  %-40s  %-14s  %-14s  %s\n", "ID", "Entity", "From", "To", "Reason")
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		fmt.Printf("%-6d  %-40s  %-14s  %-14s  %s\n", e.ID, e.EntityID, e.From, e.To, e.Reason)
	}

	latest, err := log.LatestStates(ctx)
	if err != nil {
		return err
	}
	fmt.Println("\nLatest states:")
	for _, k := range sortedKeys(latest) {
		fmt.Printf("  %-40s  %s\n", k, latest[k])
	}
	return nil
}

// #endregion audit-mode

// #region helpers

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func shortHash(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// #endregion helpers
