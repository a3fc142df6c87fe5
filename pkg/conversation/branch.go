package conversation

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/coeus/pkg/checkpoints"
	"github.com/go-go-golems/coeus/pkg/stream"
	"github.com/go-go-golems/coeus/pkg/transcript"
)

type BranchState int

const (
	BranchIdle BranchState = iota
	BranchEditing
	BranchSubmitting
	BranchStreaming
	BranchSettled
	BranchFailed
)

func (s BranchState) String() string {
	switch s {
	case BranchIdle:
		return "idle"
	case BranchEditing:
		return "editing"
	case BranchSubmitting:
		return "submitting"
	case BranchStreaming:
		return "streaming"
	case BranchSettled:
		return "settled"
	case BranchFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// InFlight reports whether the state holds the single-flight guard.
func (s BranchState) InFlight() bool {
	return s == BranchSubmitting || s == BranchStreaming
}

// BranchCoordinator turns "edit the message of this checkpoint" into a new
// timeline on the backend, streaming the reply into the transcript.
//
// Settled and Failed are reported to observers and then fall back to Idle, so
// a failed attempt can be retried by selecting a checkpoint again.
type BranchCoordinator struct {
	eng *engine

	mu       sync.Mutex
	state    BranchState
	selected checkpoints.Checkpoint
	draft    string

	obsMu     sync.Mutex
	observers []func(BranchState)
}

// NewBranchCoordinator builds a coordinator over store and backend with its
// own guard. Sessions build theirs with a shared guard instead.
func NewBranchCoordinator(store *transcript.Store, backend Backend) *BranchCoordinator {
	return newBranchCoordinator(&engine{
		store:     store,
		backend:   backend,
		guard:     &flightGuard{},
		extractor: stream.NewExtractor(stream.DefaultMarker),
	})
}

func newBranchCoordinator(eng *engine) *BranchCoordinator {
	return &BranchCoordinator{eng: eng}
}

// OnStateChange registers fn for every state transition. fn runs outside the
// coordinator lock and may read its state.
func (c *BranchCoordinator) OnStateChange(fn func(BranchState)) {
	if fn == nil {
		return
	}
	c.obsMu.Lock()
	c.observers = append(c.observers, fn)
	c.obsMu.Unlock()
}

func (c *BranchCoordinator) emit(s BranchState) {
	c.obsMu.Lock()
	obs := append([]func(BranchState){}, c.observers...)
	c.obsMu.Unlock()
	for _, fn := range obs {
		fn(s)
	}
}

func (c *BranchCoordinator) setState(s BranchState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.emit(s)
}

func (c *BranchCoordinator) State() BranchState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *BranchCoordinator) Draft() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// Selected returns the checkpoint being edited.
func (c *BranchCoordinator) Selected() (checkpoints.Checkpoint, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != BranchEditing {
		return checkpoints.Checkpoint{}, false
	}
	return c.selected, true
}

// Select starts editing cp, seeding the draft with its recorded message.
// Selecting again while editing replaces the selection.
func (c *BranchCoordinator) Select(cp checkpoints.Checkpoint) error {
	c.mu.Lock()
	if c.state.InFlight() || c.eng.guard.busy() {
		c.mu.Unlock()
		log.Debug().Str("component", "branch").Str("checkpoint_id", cp.ID).Msg("selection rejected: reply in flight")
		return ErrBranchInFlight
	}
	c.selected = cp
	c.draft = cp.RecordedMessage
	c.state = BranchEditing
	c.mu.Unlock()

	log.Debug().Str("component", "branch").Str("checkpoint_id", cp.ID).Msg("checkpoint selected")
	c.emit(BranchEditing)
	return nil
}

// Edit replaces the draft. It is ignored unless editing.
func (c *BranchCoordinator) Edit(text string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != BranchEditing {
		return false
	}
	c.draft = text
	return true
}

// Cancel abandons the edit.
func (c *BranchCoordinator) Cancel() bool {
	c.mu.Lock()
	if c.state != BranchEditing {
		c.mu.Unlock()
		return false
	}
	c.state = BranchIdle
	c.selected = checkpoints.Checkpoint{}
	c.draft = ""
	c.mu.Unlock()
	c.emit(BranchIdle)
	return true
}

// Confirm submits the draft as a branch of the selected checkpoint and blocks
// until the reply has settled or failed.
//
// A blank draft is ignored and the coordinator stays in Editing. On failure
// the transcript already carries the failed agent turn; the error is returned
// for the host to log.
func (c *BranchCoordinator) Confirm(ctx context.Context) error {
	run, err := c.StartConfirm(ctx)
	if err != nil {
		return err
	}
	return run()
}

// StartConfirm moves the coordinator to Submitting and claims the guard, then
// returns the submission to run. run must be called exactly once.
func (c *BranchCoordinator) StartConfirm(ctx context.Context) (run func() error, err error) {
	c.mu.Lock()
	if c.state.InFlight() {
		c.mu.Unlock()
		return nil, ErrBranchInFlight
	}
	if c.state != BranchEditing {
		c.mu.Unlock()
		return nil, ErrNotEditing
	}
	if strings.TrimSpace(c.draft) == "" {
		c.mu.Unlock()
		return func() error { return nil }, nil
	}
	streamCtx, release, ok := c.eng.guard.acquire(ctx)
	if !ok {
		c.mu.Unlock()
		return nil, ErrBranchInFlight
	}

	req := BranchRequest{SourceCheckpointID: c.selected.ID, EditedMessage: c.draft}
	c.selected = checkpoints.Checkpoint{}
	c.draft = ""
	c.state = BranchSubmitting
	c.mu.Unlock()
	c.emit(BranchSubmitting)

	return func() error {
		defer release()
		err := c.submit(streamCtx, req)
		release()
		switch {
		case err == nil:
			c.eng.metrics.RecordBranch(ctx, outcomeSettled)
			c.setState(BranchSettled)
		case isCancellation(err):
			c.eng.metrics.RecordBranch(ctx, outcomeCancelled)
		default:
			c.eng.metrics.RecordBranch(ctx, outcomeFailed)
			c.setState(BranchFailed)
		}
		c.setState(BranchIdle)
		return err
	}, nil
}

func (c *BranchCoordinator) submit(ctx context.Context, req BranchRequest) error {
	log.Info().Str("component", "branch").
		Str("session_id", c.eng.sessionID).
		Str("checkpoint_id", req.SourceCheckpointID).
		Msg("submitting branch")

	return c.eng.exchange(ctx, "branch", req.EditedMessage,
		func(ctx context.Context) (io.ReadCloser, error) {
			return c.eng.backend.Branch(ctx, req.SourceCheckpointID, req.EditedMessage)
		},
		func() { c.setState(BranchStreaming) },
	)
}
