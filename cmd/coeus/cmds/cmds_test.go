package cmds

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/coeus/pkg/checkpoints"
	"github.com/go-go-golems/coeus/pkg/persistence/chatstore"
	"github.com/go-go-golems/coeus/pkg/transcript"
)

func fakeAgent(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /run", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("AIMessage(content='pong')"))
	})
	mux.HandleFunc("GET /history/get", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"checkpoint_id":"cp-a","most_recent_message":"start"},{"checkpoint_id":"cp-b","most_recent_message":"ping"}]`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	require.NoError(t, root.ExecuteContext(context.Background()))
	return out.String()
}

func TestRunCommand_PrintsReply(t *testing.T) {
	agent := fakeAgent(t)
	out := execute(t, "--base-url", agent.URL, "--log-level", "error", "run", "--raw", "ping")
	require.Equal(t, "pong\n", out)
}

func TestRunCommand_Stats(t *testing.T) {
	agent := fakeAgent(t)
	out := execute(t, "--base-url", agent.URL, "--log-level", "error", "run", "--raw", "--stats", "ping")
	require.Contains(t, out, "pong\n")
	require.Contains(t, out, "turns: 1 user, 1 agent, 0 failed")
}

// executeRows runs a structured-output command with JSON written to a file
// and decodes the rows into out.
func executeRows(t *testing.T, out any, args ...string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rows.json")
	execute(t, append(args, "--output", "json", "--output-file", path)...)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, out))
}

func TestRunCommand_ArchivesTurns(t *testing.T) {
	agent := fakeAgent(t)
	path := filepath.Join(t.TempDir(), "archive.db")
	execute(t, "--base-url", agent.URL, "--log-level", "error", "--archive-dsn", path, "run", "--raw", "ping")

	var sessions []chatstore.SessionRecord
	executeRows(t, &sessions, "--archive-dsn", path, "--log-level", "error", "archive", "sessions")
	require.Len(t, sessions, 1)
	require.Equal(t, 2, sessions[0].TurnCount)

	var turns []chatstore.TurnRecord
	executeRows(t, &turns, "--archive-dsn", path, "--log-level", "error", "archive", "turns", sessions[0].SessionID)
	require.Len(t, turns, 2)
	require.Equal(t, "ping", turns[0].Text)
	require.Equal(t, "pong", turns[1].Text)

	executeRows(t, &turns, "--archive-dsn", path, "--log-level", "error", "archive", "turns", sessions[0].SessionID, "--speaker", "agent")
	require.Len(t, turns, 1)
	require.Equal(t, "pong", turns[0].Text)
}

type graphRow struct {
	Label        string `json:"label"`
	CheckpointID string `json:"checkpoint_id"`
	ParentID     string `json:"parent_id"`
	Message      string `json:"message"`
}

func TestHistoryCommand_EmitsOneRowPerCheckpoint(t *testing.T) {
	agent := fakeAgent(t)

	var rows []graphRow
	executeRows(t, &rows, "--base-url", agent.URL, "--log-level", "error", "history")
	require.Equal(t, []graphRow{
		{Label: "Checkpoint 1", CheckpointID: "cp-a", ParentID: "", Message: "start"},
		{Label: "Checkpoint 2", CheckpointID: "cp-b", ParentID: "cp-a", Message: "ping"},
	}, rows)
}

func TestGraphCommand_PrintsChain(t *testing.T) {
	agent := fakeAgent(t)
	out := execute(t, "--base-url", agent.URL, "--log-level", "error", "graph")
	require.Contains(t, out, "Checkpoint 1] cp-a  start")
	require.Contains(t, out, "   |")
	require.Contains(t, out, "Checkpoint 2] cp-b  ping")
	require.Less(t, strings.Index(out, "cp-a"), strings.Index(out, "cp-b"))
}

func TestArchiveHistory_UsesLatestSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.db")
	dsn, err := chatstore.SQLiteDSNForFile(path)
	require.NoError(t, err)
	archive, err := chatstore.NewSQLiteArchive(dsn)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, archive.SaveTurn(ctx, "s1", 0, transcript.Turn{ID: "t1", Speaker: transcript.SpeakerUser, Text: "hi", CreatedAt: time.Now()}))
	require.NoError(t, archive.SaveHistorySnapshot(ctx, "s1", []checkpoints.Checkpoint{{ID: "x", RecordedMessage: "hi"}}))
	require.NoError(t, archive.SaveHistorySnapshot(ctx, "s1", []checkpoints.Checkpoint{{ID: "x", RecordedMessage: "hi"}, {ID: "y", SequenceIndex: 1, RecordedMessage: "again"}}))
	require.NoError(t, archive.Close())

	var rows []graphRow
	executeRows(t, &rows, "--archive-dsn", path, "--log-level", "error", "archive", "history", "s1")
	require.Equal(t, []graphRow{
		{Label: "Checkpoint 1", CheckpointID: "x", Message: "hi"},
		{Label: "Checkpoint 2", CheckpointID: "y", ParentID: "x", Message: "again"},
	}, rows)
}

func TestArchiveDSN(t *testing.T) {
	dsn, err := archiveDSN("/tmp/a.db")
	require.NoError(t, err)
	require.Contains(t, dsn, "file:/tmp/a.db?")

	dsn, err = archiveDSN("file::memory:?cache=shared")
	require.NoError(t, err)
	require.Equal(t, "file::memory:?cache=shared", dsn)
}

func TestOneLine(t *testing.T) {
	require.Equal(t, "a b c", oneLine(" a\n b\tc ", 0))
	require.Equal(t, "abc…", oneLine("abcdefgh", 4))
}
