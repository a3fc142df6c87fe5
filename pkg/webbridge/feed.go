package webbridge

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/coeus/pkg/transcript"
)

// Frame is one websocket message. Snapshot frames carry the whole
// transcript; change frames carry a single transcript change.
type Frame struct {
	Type      string                `json:"type"`
	SessionID string                `json:"session_id"`
	Seq       uint64                `json:"seq,omitempty"`
	Kind      transcript.ChangeKind `json:"kind,omitempty"`
	Index     int                   `json:"index"`
	Turn      *transcript.Turn      `json:"turn,omitempty"`
	Fragment  string                `json:"fragment,omitempty"`
	// HTML is the rendered text of a settled agent turn.
	HTML  string            `json:"html,omitempty"`
	Turns []transcript.Turn `json:"turns,omitempty"`
}

const (
	FrameSnapshot = "snapshot"
	FrameChange   = "change"
)

// Feed reads transcript envelopes for one session from the bus and hands
// rendered frames to onFrame in delivery order.
type Feed struct {
	sessionID  string
	subscriber message.Subscriber
	html       *HTMLRenderer
	onFrame    func([]byte)

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	done    chan struct{}
}

func NewFeed(sessionID string, subscriber message.Subscriber, html *HTMLRenderer, onFrame func([]byte)) *Feed {
	return &Feed{
		sessionID:  sessionID,
		subscriber: subscriber,
		html:       html,
		onFrame:    onFrame,
	}
}

// Start subscribes and begins consuming. It returns once the subscription
// is in place, so changes published afterwards are not missed.
func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	ch, err := f.subscriber.Subscribe(runCtx, transcript.Topic(f.sessionID))
	if err != nil {
		cancel()
		return err
	}
	f.cancel = cancel
	f.running = true
	f.done = make(chan struct{})
	go f.consume(ch, f.done)
	return nil
}

// Stop cancels the subscription and waits for the consumer to exit.
func (f *Feed) Stop() {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.cancel = nil
	f.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (f *Feed) consume(ch <-chan *message.Message, done chan struct{}) {
	defer close(done)
	log.Info().Str("component", "webbridge").Str("session_id", f.sessionID).Msg("transcript feed started")
	for msg := range ch {
		env, err := transcript.DecodeEnvelope(msg.Payload)
		if err != nil {
			log.Warn().Err(err).Str("component", "webbridge").Str("session_id", f.sessionID).Msg("transcript feed: failed to decode envelope")
			msg.Ack()
			continue
		}
		if data, err := json.Marshal(f.frame(env)); err == nil {
			f.onFrame(data)
		}
		msg.Ack()
	}
	log.Info().Str("component", "webbridge").Str("session_id", f.sessionID).Msg("transcript feed stopped")
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
}

func (f *Feed) frame(env transcript.Envelope) Frame {
	c := env.Change
	fr := Frame{
		Type:      FrameChange,
		SessionID: env.SessionID,
		Seq:       env.Seq,
		Kind:      c.Kind,
		Index:     c.Index,
		Fragment:  c.Fragment,
	}
	if c.Kind == transcript.ChangeReset {
		return fr
	}
	turn := c.Turn
	fr.Turn = &turn
	if f.html != nil && settledAgentText(turn) {
		fr.HTML = f.html.Render(turn.Text)
	}
	return fr
}

func settledAgentText(t transcript.Turn) bool {
	return t.Speaker == transcript.SpeakerAgent && !t.Streaming && !t.Failed && t.Text != ""
}
