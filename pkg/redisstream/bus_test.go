package redisstream

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/require"
)

func TestBuildBus_InMemoryDeliversInOrder(t *testing.T) {
	bus, err := BuildBus(Settings{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := bus.Subscriber.Subscribe(ctx, "coeus.test")
	require.NoError(t, err)

	go func() {
		for _, p := range []string{"a", "b", "c"} {
			_ = bus.Publisher.Publish("coeus.test", message.NewMessage(watermill.NewUUID(), []byte(p)))
		}
	}()

	var got []string
	for len(got) < 3 {
		select {
		case m := <-msgs:
			got = append(got, string(m.Payload))
			m.Ack()
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %v", got)
		}
	}
	require.Equal(t, []string{"a", "b", "c"}, got)
}

func TestBuildBus_RedisBuildsGroupSubscriberWithoutDialing(t *testing.T) {
	bus, err := BuildBus(Settings{Enabled: true, Addr: "127.0.0.1:1", Group: "coeus-test", Consumer: "c1"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })
	require.NotNil(t, bus.Publisher)
	require.NotNil(t, bus.Subscriber)
	require.Len(t, bus.closers, 3)
}
