package transcript

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/require"
)

func TestPublisher_ForwardsChangesInOrder(t *testing.T) {
	bus := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            16,
		BlockPublishUntilSubscriberAck: true,
	}, watermill.NopLogger{})
	defer func() { _ = bus.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := bus.Subscribe(ctx, Topic("s1"))
	require.NoError(t, err)

	got := make(chan Envelope, 8)
	go func() {
		for m := range msgs {
			env, err := DecodeEnvelope(m.Payload)
			if err == nil {
				got <- env
			}
			m.Ack()
		}
	}()

	s := NewStore()
	pub := NewPublisher(bus, "s1")
	detach := pub.Attach(s)
	defer detach()

	s.AppendUserTurn("hi")
	s.BeginAgentTurn()
	s.AppendStreamFragment("he")
	s.FinalizeStreamingTurn("hello")

	want := []ChangeKind{ChangeUserTurn, ChangeAgentBegin, ChangeFragment, ChangeFinalize}
	for i, kind := range want {
		select {
		case env := <-got:
			require.Equal(t, "s1", env.SessionID)
			require.Equal(t, uint64(i+1), env.Seq)
			require.Equal(t, kind, env.Change.Kind)
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for change %d", i)
		}
	}
}

func TestPublisher_NilPublisherIsNoop(t *testing.T) {
	s := NewStore()
	p := NewPublisher(nil, "s")
	p.Attach(s)
	require.True(t, s.AppendUserTurn("x"))
}

func TestComputeStats(t *testing.T) {
	turns := []Turn{
		{Speaker: SpeakerUser, Text: "hello there"},
		{Speaker: SpeakerAgent, Text: "general kenobi"},
		{Speaker: SpeakerAgent, Text: ErrorIndicatorText, Failed: true},
	}
	st := ComputeStats(turns)
	require.Equal(t, 1, st.UserTurns)
	require.Equal(t, 2, st.AgentTurns)
	require.Equal(t, 1, st.FailedTurns)
	require.Greater(t, st.UserTokens, 0)
	require.Greater(t, st.AgentTokens, 0)
	require.Equal(t, st.UserTokens+st.AgentTokens, st.TotalTokens())
}
