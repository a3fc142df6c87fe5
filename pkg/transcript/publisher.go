package transcript

import (
	"encoding/json"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// TopicPrefix prefixes the per-session topic transcript changes are published on.
const TopicPrefix = "coeus.transcript."

func Topic(sessionID string) string {
	return TopicPrefix + sessionID
}

// Envelope is the wire form of a Change on the event bus.
type Envelope struct {
	SessionID string `json:"session_id"`
	Seq       uint64 `json:"seq"`
	Change    Change `json:"change"`
}

func DecodeEnvelope(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, errors.Wrap(err, "decode transcript envelope")
	}
	return env, nil
}

// Publisher forwards store changes to a watermill publisher. Seq increases by
// one per change so consumers can detect gaps and restore order.
type Publisher struct {
	pub       message.Publisher
	sessionID string
	topic     string
	seq       atomic.Uint64
}

func NewPublisher(pub message.Publisher, sessionID string) *Publisher {
	return &Publisher{
		pub:       pub,
		sessionID: sessionID,
		topic:     Topic(sessionID),
	}
}

// Attach subscribes the publisher to store and returns the unsubscribe func.
func (p *Publisher) Attach(store *Store) func() {
	return store.Subscribe(p.Observe)
}

// Observe implements Observer. Publish failures are logged, never propagated
// into the store.
func (p *Publisher) Observe(c Change) {
	if p == nil || p.pub == nil {
		return
	}
	env := Envelope{
		SessionID: p.sessionID,
		Seq:       p.seq.Add(1),
		Change:    c,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		log.Warn().Err(err).Str("component", "transcript").Msg("marshal transcript change")
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("session_id", p.sessionID)
	msg.Metadata.Set("kind", string(c.Kind))
	if err := p.pub.Publish(p.topic, msg); err != nil {
		log.Warn().Err(err).
			Str("component", "transcript").
			Str("session_id", p.sessionID).
			Str("kind", string(c.Kind)).
			Msg("publish transcript change")
	}
}
