// Package conversation drives streamed agent replies into a transcript.
//
// A Session owns one transcript, one checkpoint graph snapshot and one
// BranchCoordinator. Plain sends and branch submissions share a single-flight
// guard, so at most one reply streams into a session at a time.
package conversation

import (
	"context"
	"io"

	"github.com/pkg/errors"

	"github.com/go-go-golems/coeus/pkg/checkpoints"
	"github.com/go-go-golems/coeus/pkg/transcript"
)

var (
	// ErrBranchInFlight is returned by Select and Confirm while another reply
	// is still submitting or streaming.
	ErrBranchInFlight = errors.New("a branch or reply is already in flight")
	// ErrStreamInFlight is returned by Session.Send under the same condition.
	ErrStreamInFlight = errors.New("a reply is already streaming")
	ErrNotEditing     = errors.New("no checkpoint selected for editing")
	ErrSessionClosed  = errors.New("session closed")
)

// Backend is the remote agent. agentclient.Client implements it.
type Backend interface {
	Run(ctx context.Context, message string) (io.ReadCloser, error)
	Branch(ctx context.Context, checkpointID, message string) (io.ReadCloser, error)
	History(ctx context.Context) ([]checkpoints.Checkpoint, error)
}

// BranchRequest is built once per confirmed edit and consumed by the backend call.
type BranchRequest struct {
	SourceCheckpointID string `json:"source_checkpoint_id"`
	EditedMessage      string `json:"edited_message"`
}

// Archive persists finished turns and fetched histories. It is optional.
type Archive interface {
	SaveTurn(ctx context.Context, sessionID string, index int, turn transcript.Turn) error
	SaveHistorySnapshot(ctx context.Context, sessionID string, history []checkpoints.Checkpoint) error
}
