package conversation

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/coeus/pkg/checkpoints"
	"github.com/go-go-golems/coeus/pkg/observe"
	"github.com/go-go-golems/coeus/pkg/stream"
	"github.com/go-go-golems/coeus/pkg/transcript"
)

// DefaultGreeting is the first agent turn of a new conversation.
const DefaultGreeting = "Hello, how can I assist you today?"

type Options struct {
	// ID names the session in logs, topics and the archive. Generated when empty.
	ID      string
	Backend Backend
	// Store is created when nil.
	Store   *transcript.Store
	Metrics *observe.Metrics
	Archive Archive
	// StreamTimeout bounds one reply. Zero waits indefinitely.
	StreamTimeout time.Duration
	// Greeting seeds an empty store. Empty disables it.
	Greeting string
	// Marker overrides the agent message tag extracted from replies.
	Marker string
}

// Session is one conversation with the agent: a transcript, the last fetched
// checkpoint graph and the coordinator that branches from it.
type Session struct {
	eng    *engine
	branch *BranchCoordinator

	archive     Archive
	unsubscribe func()

	graphMu sync.RWMutex
	history []checkpoints.Checkpoint
	graph   checkpoints.Graph

	closeOnce sync.Once
	closed    chan struct{}
}

func NewSession(opts Options) (*Session, error) {
	if opts.Backend == nil {
		return nil, errors.New("session needs a backend")
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Store == nil {
		opts.Store = transcript.NewStore()
	}

	eng := &engine{
		sessionID: opts.ID,
		store:     opts.Store,
		backend:   opts.Backend,
		guard:     &flightGuard{},
		metrics:   opts.Metrics,
		timeout:   opts.StreamTimeout,
		extractor: stream.NewExtractor(opts.Marker),
	}
	s := &Session{
		eng:         eng,
		branch:      newBranchCoordinator(eng),
		archive:     opts.Archive,
		unsubscribe: func() {},
		graph:       checkpoints.Build(nil),
		closed:      make(chan struct{}),
	}
	if s.archive != nil {
		s.unsubscribe = opts.Store.Subscribe(s.archiveChange)
	}
	if opts.Greeting != "" && opts.Store.Len() == 0 {
		opts.Store.Seed(opts.Greeting)
	}

	log.Debug().Str("component", "conversation").Str("session_id", opts.ID).Msg("session created")
	return s, nil
}

func (s *Session) ID() string { return s.eng.sessionID }

func (s *Session) Store() *transcript.Store { return s.eng.store }

func (s *Session) Branches() *BranchCoordinator { return s.branch }

// Busy reports whether a reply is streaming.
func (s *Session) Busy() bool { return s.eng.guard.busy() }

// Send appends text as a user turn and streams the agent's reply into the
// transcript. Blank text is ignored. Send blocks until the reply settles,
// fails or ctx is cancelled.
func (s *Session) Send(ctx context.Context, text string) error {
	run, err := s.StartSend(ctx, text)
	if err != nil {
		return err
	}
	return run()
}

// StartSend admits a send without running it. The single-flight guard is
// claimed before it returns and held until run returns, so a concurrent
// start fails with ErrStreamInFlight even before run is called. run must be
// called exactly once.
func (s *Session) StartSend(ctx context.Context, text string) (run func() error, err error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	if strings.TrimSpace(text) == "" {
		return func() error { return nil }, nil
	}
	streamCtx, release, ok := s.eng.guard.acquire(ctx)
	if !ok {
		return nil, ErrStreamInFlight
	}
	return func() error {
		defer release()
		return s.eng.exchange(streamCtx, "run", text, func(ctx context.Context) (io.ReadCloser, error) {
			return s.eng.backend.Run(ctx, text)
		}, nil)
	}, nil
}

// RefreshGraph fetches the checkpoint history and swaps in a new graph
// snapshot. On error the previous snapshot is kept.
func (s *Session) RefreshGraph(ctx context.Context) (checkpoints.Graph, error) {
	if s.isClosed() {
		return checkpoints.Graph{}, ErrSessionClosed
	}
	history, err := s.eng.backend.History(ctx)
	if err != nil {
		log.Warn().Err(err).Str("component", "conversation").Str("session_id", s.ID()).Msg("history fetch failed")
		return s.Graph(), err
	}
	g := checkpoints.Build(history)

	s.graphMu.Lock()
	s.history = history
	s.graph = g
	s.graphMu.Unlock()

	s.eng.metrics.RecordHistory(ctx, len(g.Nodes))
	if s.archive != nil {
		if err := s.archive.SaveHistorySnapshot(ctx, s.ID(), history); err != nil {
			log.Warn().Err(err).Str("component", "conversation").Msg("archiving history snapshot")
		}
	}
	log.Debug().Str("component", "conversation").Str("session_id", s.ID()).Int("nodes", len(g.Nodes)).Msg("graph refreshed")
	return g, nil
}

// Graph returns the last fetched snapshot, empty before the first refresh.
func (s *Session) Graph() checkpoints.Graph {
	s.graphMu.RLock()
	defer s.graphMu.RUnlock()
	return s.graph
}

// History returns the checkpoints behind the last snapshot.
func (s *Session) History() []checkpoints.Checkpoint {
	s.graphMu.RLock()
	defer s.graphMu.RUnlock()
	out := make([]checkpoints.Checkpoint, len(s.history))
	copy(out, s.history)
	return out
}

// CanVisualize reports whether the history view makes sense to open: the
// last turn is a finished agent reply with text.
func (s *Session) CanVisualize() bool {
	t, ok := s.eng.store.Last()
	if !ok {
		return false
	}
	return t.Speaker == transcript.SpeakerAgent && !t.Streaming && !t.Failed && strings.TrimSpace(t.Text) != ""
}

// Abort cancels the reply in flight, if any.
func (s *Session) Abort() bool {
	return s.eng.guard.abort()
}

// Close aborts any reply in flight and detaches the archive. The transcript
// stays readable.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.eng.guard.abort()
		s.unsubscribe()
		log.Debug().Str("component", "conversation").Str("session_id", s.ID()).Msg("session closed")
	})
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Session) archiveChange(c transcript.Change) {
	switch c.Kind {
	case transcript.ChangeUserTurn, transcript.ChangeSeed, transcript.ChangeFinalize, transcript.ChangeFail:
	default:
		return
	}
	if err := s.archive.SaveTurn(context.Background(), s.ID(), c.Index, c.Turn); err != nil {
		log.Warn().Err(err).Str("component", "conversation").Str("turn_id", c.Turn.ID).Msg("archiving turn")
	}
}
