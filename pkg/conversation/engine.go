package conversation

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/coeus/pkg/observe"
	"github.com/go-go-golems/coeus/pkg/stream"
	"github.com/go-go-golems/coeus/pkg/transcript"
)

const (
	outcomeSettled   = "settled"
	outcomeFailed    = "failed"
	outcomeCancelled = "cancelled"
)

// engine is the part shared by Session and BranchCoordinator: one store, one
// backend and one guard.
type engine struct {
	sessionID string
	store     *transcript.Store
	backend   Backend
	guard     *flightGuard
	metrics   *observe.Metrics
	timeout   time.Duration
	extractor *stream.Extractor
}

type opener func(ctx context.Context) (io.ReadCloser, error)

// exchange appends text as a user turn and streams the reply to it. The
// caller holds the guard.
//
// A turn left streaming by a cancelled exchange is settled before the user
// turn is appended. A transport failure or an expired stream timeout closes
// the agent turn with the error indicator and is returned. Cancellation
// returns context.Canceled and leaves the agent turn streaming.
func (e *engine) exchange(ctx context.Context, op, text string, open opener, onFirstByte func()) error {
	e.settleOrphan()
	if !e.store.AppendUserTurn(text) {
		return errors.New("could not append user turn")
	}
	return e.stream(ctx, op, open, onFirstByte)
}

func (e *engine) stream(ctx context.Context, op string, open opener, onFirstByte func()) error {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	if !e.store.BeginAgentTurn() {
		return errors.New("could not open agent turn")
	}

	logger := log.With().Str("component", "conversation").Str("session_id", e.sessionID).Str("op", op).Logger()
	start := time.Now()

	fail := func(err error) error {
		if isCancellation(err) {
			e.metrics.RecordStream(ctx, op, outcomeCancelled, time.Since(start))
			logger.Debug().Err(err).Msg("stream cancelled")
			return err
		}
		e.store.FailStreamingTurn(err.Error())
		e.metrics.RecordStream(ctx, op, outcomeFailed, time.Since(start))
		logger.Warn().Err(err).Msg("stream failed")
		return err
	}

	body, err := open(ctx)
	if err != nil {
		return fail(err)
	}

	r := stream.Reader{
		OnFirstByte: onFirstByte,
		OnFragment: func(fragment string) {
			e.store.AppendStreamFragment(fragment)
			e.metrics.RecordStreamBytes(ctx, op, len(fragment))
		},
	}
	raw, err := r.Consume(ctx, body)
	if err != nil {
		return fail(err)
	}

	final := e.extractor.Extract(raw)
	if final == "" {
		logger.Debug().Int("raw_len", len(raw)).Msg("no agent message found in reply")
	}
	e.store.FinalizeStreamingTurn(final)
	e.metrics.RecordStream(ctx, op, outcomeSettled, time.Since(start))
	logger.Debug().Int("raw_len", len(raw)).Int("final_len", len(final)).Msg("stream settled")
	return nil
}

// settleOrphan closes a turn left streaming by a cancelled exchange, keeping
// whatever text had arrived. Only called while holding the guard.
func (e *engine) settleOrphan() {
	t, ok := e.store.Streaming()
	if !ok {
		return
	}
	log.Debug().Str("component", "conversation").Str("turn_id", t.ID).Msg("settling turn left by a cancelled stream")
	e.store.FinalizeStreamingTurn(t.Text)
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}
