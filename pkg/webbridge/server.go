// Package webbridge exposes a session over HTTP and streams its transcript
// to websocket clients.
package webbridge

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/coeus/pkg/conversation"
	"github.com/go-go-golems/coeus/pkg/redisstream"
	"github.com/go-go-golems/coeus/pkg/transcript"
)

const shutdownTimeout = 10 * time.Second

// Option configures a Server.
type Option func(*Server)

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithUpgrader replaces the default websocket upgrader.
func WithUpgrader(u websocket.Upgrader) Option {
	return func(s *Server) { s.upgrader = u }
}

// Server hosts one session. Replies are started in the background with the
// server context and observed through /ws, unless the caller asks to wait.
type Server struct {
	session  *conversation.Session
	bus      *redisstream.Bus
	pool     *ConnectionPool
	feed     *Feed
	html     *HTMLRenderer
	metrics  http.Handler
	upgrader websocket.Upgrader

	baseCtx context.Context
	detach  func()
}

func NewServer(session *conversation.Session, bus *redisstream.Bus, opts ...Option) (*Server, error) {
	if session == nil {
		return nil, errors.New("webbridge needs a session")
	}
	if bus == nil {
		return nil, errors.New("webbridge needs a bus")
	}
	s := &Server{
		session:  session,
		bus:      bus,
		pool:     NewConnectionPool(session.ID()),
		html:     NewHTMLRenderer(),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		baseCtx:  context.Background(),
		detach:   func() {},
	}
	for _, o := range opts {
		o(s)
	}
	s.feed = NewFeed(session.ID(), bus.Subscriber, s.html, s.pool.Broadcast)
	return s, nil
}

// Start subscribes the feed and attaches the transcript publisher. Changes
// made before Start are only visible through snapshots.
func (s *Server) Start(ctx context.Context) error {
	s.baseCtx = ctx
	if err := s.feed.Start(ctx); err != nil {
		return errors.Wrap(err, "start transcript feed")
	}
	publisher := transcript.NewPublisher(s.bus.Publisher, s.session.ID())
	s.detach = publisher.Attach(s.session.Store())
	return nil
}

// Stop detaches the publisher, stops the feed and drops every client.
func (s *Server) Stop() {
	s.detach()
	s.session.Abort()
	s.feed.Stop()
	s.pool.CloseAll()
}

// Run serves the handler on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	defer s.Stop()

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Info().Str("component", "webbridge").Str("addr", addr).Str("session_id", s.session.ID()).Msg("serving")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		s.pool.CloseAll()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/send", s.handleSend)
	mux.HandleFunc("POST /api/branch/select", s.handleBranchSelect)
	mux.HandleFunc("POST /api/branch/edit", s.handleBranchEdit)
	mux.HandleFunc("POST /api/branch/confirm", s.handleBranchConfirm)
	mux.HandleFunc("POST /api/branch/cancel", s.handleBranchCancel)
	mux.HandleFunc("POST /api/abort", s.handleAbort)
	mux.HandleFunc("GET /api/transcript", s.handleTranscript)
	mux.HandleFunc("GET /api/graph", s.handleGraph)
	mux.HandleFunc("GET /ws", s.handleWS)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, req *http.Request) {
	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	hello, err := json.Marshal(Frame{
		Type:      FrameSnapshot,
		SessionID: s.session.ID(),
		Index:     -1,
		Turns:     s.session.Store().Turns(),
	})
	if err != nil {
		_ = conn.Close()
		return
	}
	if err := s.pool.Add(conn, hello); err != nil {
		log.Debug().Err(err).Str("component", "webbridge").Msg("ws hello failed")
		return
	}
	log.Debug().Str("component", "webbridge").Int("clients", s.pool.Count()).Msg("ws client attached")

	go func() {
		defer s.pool.Remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

type messageRequest struct {
	Message string `json:"message"`
}

type selectRequest struct {
	CheckpointID string `json:"checkpoint_id"`
}

type branchResponse struct {
	State string `json:"state"`
	Draft string `json:"draft,omitempty"`
}

type replyResponse struct {
	Accepted bool             `json:"accepted"`
	Turn     *transcript.Turn `json:"turn,omitempty"`
}

func (s *Server) handleSend(w http.ResponseWriter, req *http.Request) {
	var body messageRequest
	if err := decodeBody(req, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		writeError(w, http.StatusBadRequest, "missing message")
		return
	}
	s.startReply(w, req, "run", func(ctx context.Context) (func() error, error) {
		return s.session.StartSend(ctx, body.Message)
	})
}

func (s *Server) handleBranchSelect(w http.ResponseWriter, req *http.Request) {
	var body selectRequest
	if err := decodeBody(req, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	node, ok := s.session.Graph().Node(body.CheckpointID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown checkpoint")
		return
	}
	branches := s.session.Branches()
	if err := branches.Select(node.Checkpoint); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, branchResponse{State: branches.State().String(), Draft: branches.Draft()})
}

func (s *Server) handleBranchEdit(w http.ResponseWriter, req *http.Request) {
	var body messageRequest
	if err := decodeBody(req, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	branches := s.session.Branches()
	if !branches.Edit(body.Message) {
		writeError(w, http.StatusConflict, conversation.ErrNotEditing.Error())
		return
	}
	writeJSON(w, http.StatusOK, branchResponse{State: branches.State().String(), Draft: branches.Draft()})
}

func (s *Server) handleBranchConfirm(w http.ResponseWriter, req *http.Request) {
	branches := s.session.Branches()
	if branches.State() != conversation.BranchEditing {
		writeError(w, http.StatusConflict, conversation.ErrNotEditing.Error())
		return
	}
	if strings.TrimSpace(branches.Draft()) == "" {
		writeError(w, http.StatusBadRequest, "the edited message is empty")
		return
	}
	s.startReply(w, req, "branch", branches.StartConfirm)
}

func (s *Server) handleBranchCancel(w http.ResponseWriter, _ *http.Request) {
	branches := s.session.Branches()
	branches.Cancel()
	writeJSON(w, http.StatusOK, branchResponse{State: branches.State().String()})
}

func (s *Server) handleAbort(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"aborted": s.session.Abort()})
}

func (s *Server) handleTranscript(w http.ResponseWriter, _ *http.Request) {
	turns := s.session.Store().Turns()
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":    s.session.ID(),
		"turns":         turns,
		"stats":         transcript.ComputeStats(turns),
		"streaming":     s.session.Store().IsStreaming(),
		"can_visualize": s.session.CanVisualize(),
	})
}

func (s *Server) handleGraph(w http.ResponseWriter, req *http.Request) {
	refresh, _ := strconv.ParseBool(req.URL.Query().Get("refresh"))
	if !refresh {
		writeJSON(w, http.StatusOK, s.session.Graph())
		return
	}
	g, err := s.session.RefreshGraph(req.Context())
	if err != nil {
		log.Warn().Err(err).Str("component", "webbridge").Str("session_id", s.session.ID()).Msg("history refresh failed")
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "graph": g})
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// startReply admits the reply through start, so only one request is ever
// answered 202 for a given flight. It then runs the reply in the background,
// or inline when the request carries wait=1 and answers with the resulting
// last turn.
func (s *Server) startReply(w http.ResponseWriter, req *http.Request, op string, start func(context.Context) (func() error, error)) {
	wait, _ := strconv.ParseBool(req.URL.Query().Get("wait"))
	ctx := s.baseCtx
	if wait {
		ctx = req.Context()
	}
	run, err := start(ctx)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if !wait {
		go func() {
			if err := run(); err != nil {
				log.Warn().Err(err).Str("component", "webbridge").Str("op", op).Str("session_id", s.session.ID()).Msg("reply failed")
			}
		}()
		writeJSON(w, http.StatusAccepted, replyResponse{Accepted: true})
		return
	}

	if err := run(); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	resp := replyResponse{Accepted: true}
	if last, ok := s.session.Store().Last(); ok {
		resp.Turn = &last
	}
	writeJSON(w, http.StatusOK, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, conversation.ErrStreamInFlight), errors.Is(err, conversation.ErrBranchInFlight),
		errors.Is(err, conversation.ErrNotEditing):
		return http.StatusConflict
	case errors.Is(err, conversation.ErrSessionClosed):
		return http.StatusGone
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusBadGateway
	}
}

func decodeBody(req *http.Request, v any) error {
	if req.Body == nil {
		return errors.New("missing body")
	}
	dec := json.NewDecoder(req.Body)
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(err, "invalid json body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Str("component", "webbridge").Msg("response write failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
