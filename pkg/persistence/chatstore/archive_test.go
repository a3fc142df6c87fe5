package chatstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/coeus/pkg/checkpoints"
	"github.com/go-go-golems/coeus/pkg/transcript"
)

type tickingClock struct{ t time.Time }

func (c *tickingClock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func archives(t *testing.T) map[string]Archive {
	t.Helper()
	sqlite, err := NewSQLiteArchive(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	sqlite.now = (&tickingClock{t: time.UnixMilli(1_000_000)}).now

	mem := NewInMemoryArchive(0)
	mem.now = (&tickingClock{t: time.UnixMilli(1_000_000)}).now

	return map[string]Archive{"sqlite": sqlite, "memory": mem}
}

func turn(id string, speaker transcript.Speaker, text string) transcript.Turn {
	return transcript.Turn{ID: id, Speaker: speaker, Text: text, CreatedAt: time.UnixMilli(500)}
}

func TestArchive_SaveAndListTurns(t *testing.T) {
	for name, a := range archives(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, a.SaveTurn(ctx, "s1", 0, turn("t0", transcript.SpeakerAgent, "Hello")))
			require.NoError(t, a.SaveTurn(ctx, "s1", 2, turn("t2", transcript.SpeakerAgent, "there")))
			require.NoError(t, a.SaveTurn(ctx, "s1", 1, turn("t1", transcript.SpeakerUser, "hi")))
			require.NoError(t, a.SaveTurn(ctx, "s2", 0, turn("x", transcript.SpeakerUser, "other")))

			failed := turn("t2", transcript.SpeakerAgent, transcript.ErrorIndicatorText)
			failed.Failed = true
			failed.Error = "connection refused"
			require.NoError(t, a.SaveTurn(ctx, "s1", 2, failed))

			items, err := a.ListTurns(ctx, TurnQuery{SessionID: "s1"})
			require.NoError(t, err)
			require.Len(t, items, 3)
			require.Equal(t, []string{"t0", "t1", "t2"}, []string{items[0].TurnID, items[1].TurnID, items[2].TurnID})
			require.True(t, items[2].Failed)
			require.Equal(t, "connection refused", items[2].Error)
			require.Equal(t, int64(500), items[0].CreatedAtMs)

			users, err := a.ListTurns(ctx, TurnQuery{SessionID: "s1", Speaker: "user"})
			require.NoError(t, err)
			require.Len(t, users, 1)
			require.Equal(t, "hi", users[0].Text)

			limited, err := a.ListTurns(ctx, TurnQuery{SessionID: "s1", Limit: 2})
			require.NoError(t, err)
			require.Len(t, limited, 2)

			none, err := a.ListTurns(ctx, TurnQuery{SessionID: "missing"})
			require.NoError(t, err)
			require.Empty(t, none)
		})
	}
}

func TestArchive_Validation(t *testing.T) {
	for name, a := range archives(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.Error(t, a.SaveTurn(ctx, "", 0, turn("t", transcript.SpeakerUser, "x")))
			require.Error(t, a.SaveTurn(ctx, "s", 0, turn("", transcript.SpeakerUser, "x")))
			_, err := a.ListTurns(ctx, TurnQuery{})
			require.Error(t, err)
			require.Error(t, a.SaveHistorySnapshot(ctx, " ", nil))
		})
	}
}

func TestArchive_HistorySnapshotsDedupe(t *testing.T) {
	h1 := []checkpoints.Checkpoint{
		{ID: "a", SequenceIndex: 0, RecordedMessage: "hi", ThreadID: "t"},
		{ID: "b", SequenceIndex: 1, RecordedMessage: "there", ThreadID: "t"},
	}
	h2 := append(append([]checkpoints.Checkpoint{}, h1...), checkpoints.Checkpoint{ID: "c", SequenceIndex: 2, RecordedMessage: "again"})

	for name, a := range archives(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, ok, err := a.LatestHistorySnapshot(ctx, "s1")
			require.NoError(t, err)
			require.False(t, ok)

			require.NoError(t, a.SaveHistorySnapshot(ctx, "s1", h1))
			require.NoError(t, a.SaveHistorySnapshot(ctx, "s1", h1))
			require.NoError(t, a.SaveHistorySnapshot(ctx, "s1", h2))

			snap, ok, err := a.LatestHistorySnapshot(ctx, "s1")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, h2, snap.Checkpoints)
			expected, err := ComputeSnapshotHash(h2)
			require.NoError(t, err)
			require.Equal(t, expected, snap.ContentHash)

			sessions, err := a.ListSessions(ctx, 10)
			require.NoError(t, err)
			require.Len(t, sessions, 1)
			require.Equal(t, 2, sessions[0].Snapshots)
		})
	}
}

func TestArchive_ListSessionsOrdersByActivity(t *testing.T) {
	for name, a := range archives(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, a.SaveTurn(ctx, "old", 0, turn("1", transcript.SpeakerUser, "x")))
			require.NoError(t, a.SaveTurn(ctx, "new", 0, turn("2", transcript.SpeakerUser, "y")))
			require.NoError(t, a.SaveTurn(ctx, "new", 1, turn("3", transcript.SpeakerAgent, "z")))

			sessions, err := a.ListSessions(ctx, 0)
			require.NoError(t, err)
			require.Len(t, sessions, 2)
			require.Equal(t, "new", sessions[0].SessionID)
			require.Equal(t, 2, sessions[0].TurnCount)
			require.Equal(t, "old", sessions[1].SessionID)
		})
	}
}

func TestComputeSnapshotHash_IgnoresSyntheticFlags(t *testing.T) {
	a := []checkpoints.Checkpoint{{ID: "0", SequenceIndex: 0, RecordedMessage: "m", Synthetic: true}}
	b := []checkpoints.Checkpoint{{ID: "0", SequenceIndex: 7, RecordedMessage: "m"}}
	ha, err := ComputeSnapshotHash(a)
	require.NoError(t, err)
	hb, err := ComputeSnapshotHash(b)
	require.NoError(t, err)
	require.Equal(t, ha, hb)
	require.Len(t, ha, 64)

	hc, err := ComputeSnapshotHash([]checkpoints.Checkpoint{{ID: "0", RecordedMessage: "n"}})
	require.NoError(t, err)
	require.NotEqual(t, ha, hc)
}

func TestSQLiteArchive_OnDisk(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "archive.db")
	dsn, err := SQLiteDSNForFile(dbPath)
	require.NoError(t, err)

	a, err := NewSQLiteArchive(dsn)
	require.NoError(t, err)
	require.NoError(t, a.SaveTurn(context.Background(), "s", 0, turn("t", transcript.SpeakerUser, "persisted")))
	require.NoError(t, a.Close())

	_, err = os.Stat(dbPath)
	require.NoError(t, err)

	reopened, err := NewSQLiteArchive(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	items, err := reopened.ListTurns(context.Background(), TurnQuery{SessionID: "s"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "persisted", items[0].Text)

	_, err = SQLiteDSNForFile(" ")
	require.Error(t, err)
	_, err = NewSQLiteArchive("")
	require.Error(t, err)
}

func TestInMemoryArchive_Bounded(t *testing.T) {
	a := NewInMemoryArchive(2)
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, a.SaveTurn(ctx, "s", i, turn(id, transcript.SpeakerUser, id)))
	}
	items, err := a.ListTurns(ctx, TurnQuery{SessionID: "s"})
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "b", items[0].TurnID)
}
