package snapstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danielpatrickdp/capture-engine/go-core/internal/recovery"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type backend struct {
	name  string
	open  func(t *testing.T) recovery.Storage[string]
	redo  func(t *testing.T) recovery.Storage[string] // reopen the same location
	write func(t *testing.T, id string, payload []byte)
}

func backends(t *testing.T) []backend {
	t.Helper()
	sqlitePath := filepath.Join(t.TempDir(), "snap.db")
	boltPath := filepath.Join(t.TempDir(), "snap.bolt")
	fileDir := filepath.Join(t.TempDir(), "snaps")

	openSQLite := func(t *testing.T) recovery.Storage[string] {
		t.Helper()
		s, err := NewSQLite[string](sqlitePath)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	}
	openBolt := func(t *testing.T) recovery.Storage[string] {
		t.Helper()
		b, err := NewBolt[string](boltPath, zerolog.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { b.Close() })
		return b
	}
	openFile := func(t *testing.T) recovery.Storage[string] {
		t.Helper()
		f, err := NewFile[string](fileDir)
		require.NoError(t, err)
		return f
	}
	return []backend{
		{name: "sqlite", open: openSQLite},
		{name: "bolt", open: openBolt},
		{name: "file", open: openFile, redo: openFile, write: func(t *testing.T, id string, payload []byte) {
			require.NoError(t, os.WriteFile(filepath.Join(fileDir, id+".json"), payload, 0o600))
		}},
	}
}

func sample(id string, at time.Time) recovery.Snapshot[string] {
	return recovery.Snapshot[string]{
		ID:        id,
		Timestamp: at,
		States:    map[string]string{"engine": "running", "buf-1": "available"},
		Metadata:  map[string]string{"trigger": "test"},
		Version:   recovery.FormatVersion,
	}
}

func TestStorageRoundTrip(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			snap := sample("snap-1", time.Date(2024, 5, 1, 12, 0, 0, 123, time.UTC))
			require.NoError(t, s.StoreSnapshot(ctx, snap))

			got, err := s.LoadSnapshot(ctx, "snap-1")
			require.NoError(t, err)
			assert.Equal(t, snap.States, got.States)
			assert.Equal(t, snap.Metadata, got.Metadata)
			assert.True(t, snap.Timestamp.Equal(got.Timestamp))

			h := recovery.SHA256Hasher[string]{}
			before, _ := h.Hash(snap)
			after, _ := h.Hash(got)
			assert.Equal(t, before, after, "hash must survive a round trip")
		})
	}
}

func TestStorageMissingAndDelete(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			_, err := s.LoadSnapshot(ctx, "nope")
			assert.ErrorIs(t, err, recovery.ErrSnapshotNotFound)

			require.NoError(t, s.StoreSnapshot(ctx, sample("a", time.Now().UTC())))
			require.NoError(t, s.StoreSnapshot(ctx, sample("b", time.Now().UTC().Add(time.Second))))
			ids, err := s.ListSnapshots(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b"}, ids)

			require.NoError(t, s.DeleteSnapshot(ctx, "a"))
			require.NoError(t, s.DeleteSnapshot(ctx, "a"))
			ids, err = s.ListSnapshots(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"b"}, ids)
		})
	}
}

func TestStorageRejectsOtherVersions(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			snap := sample("old", time.Now().UTC())
			snap.Version = "0.1"
			require.NoError(t, s.StoreSnapshot(ctx, snap))
			_, err := s.LoadSnapshot(ctx, "old")
			assert.ErrorIs(t, err, ErrUnsupportedVersion)
			assert.ErrorIs(t, err, recovery.ErrCorruptSnapshot)
		})
	}
}

func TestRecoveryPointsIndex(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		ps, ok := b.open(t).(recovery.PointStore)
		if !ok {
			continue
		}
		t.Run(b.name, func(t *testing.T) {
			now := time.Now().UTC()
			p1 := recovery.RecoveryPoint{ID: "p1", Timestamp: now, SnapshotID: "s1", Hash: "h1", Metadata: map[string]string{"k": "v"}}
			p2 := recovery.RecoveryPoint{ID: "p2", Timestamp: now.Add(time.Second), SnapshotID: "s2", Hash: "h2"}
			require.NoError(t, ps.StoreRecoveryPoint(ctx, p2))
			require.NoError(t, ps.StoreRecoveryPoint(ctx, p1))

			got, err := ps.ListRecoveryPoints(ctx)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "p1", got[0].ID)
			assert.Equal(t, "v", got[0].Metadata["k"])
			assert.Equal(t, "s2", got[1].SnapshotID)

			require.NoError(t, ps.DeleteRecoveryPoint(ctx, "p1"))
			got, err = ps.ListRecoveryPoints(ctx)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "p2", got[0].ID)
		})
	}
}

func TestPointsSurviveMissingSnapshot(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLite[string](filepath.Join(t.TempDir(), "snap.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.StoreRecoveryPoint(ctx, recovery.RecoveryPoint{ID: "p", Timestamp: time.Now().UTC(), SnapshotID: "ghost", Hash: "h"}))
	got, err := s.ListRecoveryPoints(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestSQLiteSummaries(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLite[string](filepath.Join(t.TempDir(), "snap.db"))
	require.NoError(t, err)
	defer s.Close()

	base := time.Now().UTC()
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.StoreSnapshot(ctx, sample(id, base.Add(time.Duration(i)*time.Second))))
	}
	sums, err := s.Summaries(ctx, 2)
	require.NoError(t, err)
	require.Len(t, sums, 2)
	assert.Equal(t, "c", sums[0].ID)
	assert.Equal(t, "b", sums[1].ID)
	assert.Greater(t, sums[0].Bytes, 0)
}

func TestFileRejectsPathIDs(t *testing.T) {
	f, err := NewFile[string](t.TempDir())
	require.NoError(t, err)
	assert.Error(t, f.StoreSnapshot(context.Background(), sample("../escape", time.Now())))
}

func TestFileReopenAndCorruptPayload(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		if b.redo == nil {
			continue
		}
		s := b.open(t)
		require.NoError(t, s.StoreSnapshot(ctx, sample("kept", time.Now().UTC())))
		again := b.redo(t)
		_, err := again.LoadSnapshot(ctx, "kept")
		require.NoError(t, err)

		b.write(t, "broken", []byte("{not json"))
		_, err = again.LoadSnapshot(ctx, "broken")
		assert.ErrorIs(t, err, recovery.ErrCorruptSnapshot)
	}
}

func newCleanupManager(t *testing.T, s recovery.Storage[string]) *recovery.Manager[string] {
	t.Helper()
	cfg := recovery.DefaultConfig()
	cfg.RetentionPeriod = time.Hour
	m, err := recovery.New[string](cfg, s)
	require.NoError(t, err)
	return m
}

func TestSQLiteCleanupDatesCorruptPayloads(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLite[string](filepath.Join(t.TempDir(), "snap.db"))
	require.NoError(t, err)
	defer s.Close()

	now := time.Now().UTC()
	for id, at := range map[string]time.Time{"stale": now.Add(-2 * time.Hour), "recent": now} {
		_, err := s.DB().ExecContext(ctx,
			`INSERT INTO snapshots (snapshot_id, version, created_at, payload) VALUES (?, ?, ?, ?)`,
			id, recovery.FormatVersion, at.Format(time.RFC3339Nano), []byte("{not json"))
		require.NoError(t, err)
	}
	ts, err := s.SnapshotTime(ctx, "stale")
	require.NoError(t, err)
	assert.True(t, ts.Before(now.Add(-time.Hour)))

	n, err := newCleanupManager(t, s).CleanupOldSnapshots(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	ids, err := s.ListSnapshots(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"recent"}, ids)
}

func TestFileCleanupDatesCorruptPayloads(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	f, err := NewFile[string](dir)
	require.NoError(t, err)

	path := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))
	require.NoError(t, f.StoreSnapshot(ctx, sample("fine", time.Now().UTC())))

	n, err := newCleanupManager(t, f).CleanupOldSnapshots(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	ids, err := f.ListSnapshots(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"fine"}, ids)
}

func TestOpenBackends(t *testing.T) {
	dir := t.TempDir()
	for _, tc := range []struct{ backend, path string }{
		{BackendSQLite, filepath.Join(dir, "a.db")},
		{BackendBolt, filepath.Join(dir, "b.bolt")},
		{BackendFile, filepath.Join(dir, "files")},
	} {
		s, c, err := Open[string](tc.backend, tc.path, zerolog.Nop())
		require.NoError(t, err, tc.backend)
		require.NotNil(t, s)
		require.NoError(t, c.Close())
	}
	_, _, err := Open[string]("tape", dir, zerolog.Nop())
	assert.Error(t, err)
}
