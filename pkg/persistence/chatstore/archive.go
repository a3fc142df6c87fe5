package chatstore

import (
	"context"

	"github.com/go-go-golems/coeus/pkg/checkpoints"
	"github.com/go-go-golems/coeus/pkg/transcript"
)

// TurnRecord is one finished transcript turn as archived.
type TurnRecord struct {
	SessionID   string `json:"session_id" yaml:"session_id"`
	TurnIndex   int    `json:"turn_index" yaml:"turn_index"`
	TurnID      string `json:"turn_id" yaml:"turn_id"`
	Speaker     string `json:"speaker" yaml:"speaker"`
	Text        string `json:"text" yaml:"text"`
	Failed      bool   `json:"failed,omitempty" yaml:"failed,omitempty"`
	Error       string `json:"error,omitempty" yaml:"error,omitempty"`
	CreatedAtMs int64  `json:"created_at_ms" yaml:"created_at_ms"`
}

// TurnQuery describes filters for loading archived turns.
type TurnQuery struct {
	SessionID string
	Speaker   string
	SinceMs   int64
	Limit     int
}

// HistorySnapshot is one fetched checkpoint history. Consecutive identical
// fetches of a session share one snapshot.
type HistorySnapshot struct {
	SessionID   string                   `json:"session_id" yaml:"session_id"`
	ContentHash string                   `json:"content_hash" yaml:"content_hash"`
	FetchedAtMs int64                    `json:"fetched_at_ms" yaml:"fetched_at_ms"`
	Checkpoints []checkpoints.Checkpoint `json:"checkpoints" yaml:"checkpoints"`
}

// SessionRecord summarizes an archived session.
type SessionRecord struct {
	SessionID      string `json:"session_id" yaml:"session_id"`
	TurnCount      int    `json:"turn_count" yaml:"turn_count"`
	Snapshots      int    `json:"snapshots" yaml:"snapshots"`
	LastActivityMs int64  `json:"last_activity_ms" yaml:"last_activity_ms"`
}

// Archive persists finished turns and history snapshots for later browsing.
// It satisfies conversation.Archive.
type Archive interface {
	SaveTurn(ctx context.Context, sessionID string, index int, turn transcript.Turn) error
	ListTurns(ctx context.Context, q TurnQuery) ([]TurnRecord, error)
	SaveHistorySnapshot(ctx context.Context, sessionID string, history []checkpoints.Checkpoint) error
	LatestHistorySnapshot(ctx context.Context, sessionID string) (HistorySnapshot, bool, error)
	ListSessions(ctx context.Context, limit int) ([]SessionRecord, error)
	Close() error
}

func turnRecord(sessionID string, index int, turn transcript.Turn) TurnRecord {
	return TurnRecord{
		SessionID:   sessionID,
		TurnIndex:   index,
		TurnID:      turn.ID,
		Speaker:     string(turn.Speaker),
		Text:        turn.Text,
		Failed:      turn.Failed,
		Error:       turn.Error,
		CreatedAtMs: turn.CreatedAt.UnixMilli(),
	}
}
