// Package redisstream builds the watermill transport that carries transcript
// changes: an in-process gochannel by default, Redis Streams when enabled.
package redisstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	DefaultAddr  = "localhost:6379"
	DefaultGroup = "coeus"

	channelBuffer = 256
)

// Settings holds Redis Streams transport configuration.
type Settings struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Group    string `mapstructure:"group" yaml:"group"`
	Consumer string `mapstructure:"consumer" yaml:"consumer"`
}

// Bus pairs a publisher with the subscriber that reads what it publishes.
type Bus struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	closers []func() error
}

func (b *Bus) Close() error {
	var first error
	for _, c := range b.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// BuildBus returns a Redis Streams bus when s.Enabled is set and an
// in-memory gochannel bus otherwise.
//
// The in-memory bus blocks each publish until subscribers ack, which keeps
// per-topic delivery in publish order.
func BuildBus(s Settings, logger watermill.LoggerAdapter) (*Bus, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	if !s.Enabled {
		ch := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            channelBuffer,
			BlockPublishUntilSubscriberAck: true,
		}, logger)
		return &Bus{Publisher: ch, Subscriber: ch, closers: []func() error{ch.Close}}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, err
	}

	log.Debug().Str("component", "redisstream").Str("addr", s.Addr).Str("group", s.Group).Msg("using redis streams transport")
	return &Bus{
		Publisher:  pub,
		Subscriber: sub,
		closers:    []func() error{sub.Close, pub.Close, client.Close},
	}, nil
}

// EnsureGroupAtTail creates group on stream at "$" so a new consumer starts
// at the tail instead of replaying the stream. An existing group is kept.
func EnsureGroupAtTail(ctx context.Context, addr, stream, group string) error {
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = client.Close() }()
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "create group %s on %s", group, stream)
	}
	log.Debug().Str("component", "redisstream").Str("stream", stream).Str("group", group).Msg("created consumer group at tail")
	return nil
}
