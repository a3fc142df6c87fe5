package ui

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/coeus/pkg/checkpoints"
	"github.com/go-go-golems/coeus/pkg/conversation"
	"github.com/go-go-golems/coeus/pkg/transcript"
)

// TranscriptChangedMsg tells the model to re-read the transcript.
type TranscriptChangedMsg struct {
	Envelope transcript.Envelope
}

// ReplyFinishedMsg is returned once a send or branch exchange ends.
type ReplyFinishedMsg struct {
	Op  string
	Err error
}

// GraphLoadedMsg carries a refreshed checkpoint graph.
type GraphLoadedMsg struct {
	Graph checkpoints.Graph
	Err   error
}

// BranchStateMsg mirrors a BranchCoordinator transition into the program.
type BranchStateMsg struct {
	State conversation.BranchState
}

// SessionBackend runs session operations as tea.Cmds so the blocking network
// work happens off the update loop.
type SessionBackend struct {
	ctx     context.Context
	session *conversation.Session
}

func NewSessionBackend(ctx context.Context, session *conversation.Session) *SessionBackend {
	if ctx == nil {
		ctx = context.Background()
	}
	return &SessionBackend{ctx: ctx, session: session}
}

func (b *SessionBackend) Session() *conversation.Session { return b.session }

// Send streams a reply to text. The command returns ReplyFinishedMsg.
func (b *SessionBackend) Send(text string) tea.Cmd {
	return func() tea.Msg {
		err := b.session.Send(b.ctx, text)
		if err != nil {
			log.Debug().Err(err).Str("component", "ui").Msg("send finished with error")
		}
		return ReplyFinishedMsg{Op: "run", Err: err}
	}
}

// ConfirmBranch submits the coordinator's current draft.
func (b *SessionBackend) ConfirmBranch() tea.Cmd {
	return func() tea.Msg {
		err := b.session.Branches().Confirm(b.ctx)
		return ReplyFinishedMsg{Op: "branch", Err: err}
	}
}

func (b *SessionBackend) RefreshGraph() tea.Cmd {
	return func() tea.Msg {
		g, err := b.session.RefreshGraph(b.ctx)
		return GraphLoadedMsg{Graph: g, Err: err}
	}
}

// Interrupt cancels the reply in flight.
func (b *SessionBackend) Interrupt() {
	if !b.session.Abort() {
		log.Debug().Str("component", "ui").Msg("nothing to interrupt")
	}
}

func (b *SessionBackend) IsFinished() bool {
	return !b.session.Busy()
}

// TranscriptForwardFunc is a function that forwards watermill transcript
// messages to the UI by injecting them into the program `p`.
func TranscriptForwardFunc(p *tea.Program) func(msg *message.Message) error {
	return func(msg *message.Message) error {
		msg.Ack()

		env, err := transcript.DecodeEnvelope(msg.Payload)
		if err != nil {
			log.Error().Err(err).Str("payload", string(msg.Payload)).Msg("Failed to parse transcript change")
			return err
		}
		log.Trace().Uint64("seq", env.Seq).Str("kind", string(env.Change.Kind)).Msg("Dispatching transcript change to UI")
		p.Send(TranscriptChangedMsg{Envelope: env})
		return nil
	}
}

// BranchStateForwarder returns an OnStateChange callback that feeds p.
func BranchStateForwarder(p *tea.Program) func(conversation.BranchState) {
	return func(s conversation.BranchState) {
		go p.Send(BranchStateMsg{State: s})
	}
}
