package backend

import (
	"context"
	"strconv"

	"github.com/ThreeDotsLabs/watermill"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/streamchat/pkg/config"
)

// seqMetadataKey carries the per-connection frame sequence number.
const seqMetadataKey = "seq"

// topicForConn computes the frame topic for a websocket connection.
func topicForConn(connID string) string { return "chat:" + connID }

// Broker carries outbound frames from a connection's command consumer to its websocket
// forwarder. Frames of one topic are delivered in publish order.
type Broker struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	redis      *redis.Client
}

// NewBroker builds a Redis Streams broker when enabled, an in-memory one otherwise.
func NewBroker(s config.RedisSettings, logger watermill.LoggerAdapter) (*Broker, error) {
	if !s.Enabled {
		return NewInMemoryBroker(logger), nil
	}
	return NewRedisBroker(s, logger)
}

// NewInMemoryBroker uses a go-channel pub/sub. Publishing blocks until the forwarder has
// acked the previous frame, which keeps frames strictly ordered.
func NewInMemoryBroker(logger watermill.LoggerAdapter) *Broker {
	gc := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            256,
		BlockPublishUntilSubscriberAck: true,
	}, logger)
	return &Broker{publisher: gc, subscriber: gc}
}

func NewRedisBroker(s config.RedisSettings, logger watermill.LoggerAdapter) (*Broker, error) {
	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redis publisher")
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
		return nil, errors.Wrap(err, "redis subscriber")
	}

	log.Info().Str("component", "broker").Str("addr", s.Addr).Str("group", s.Group).Msg("using redis streams broker")
	return &Broker{publisher: pub, subscriber: sub, redis: client}, nil
}

// Publish sends one frame with its sequence number.
func (b *Broker) Publish(topic string, seq uint64, frame string) error {
	msg := message.NewMessage(watermill.NewUUID(), []byte(frame))
	msg.Metadata.Set(seqMetadataKey, strconv.FormatUint(seq, 10))
	return b.publisher.Publish(topic, msg)
}

// Subscribe returns the frame channel for topic; it is closed when ctx is done.
func (b *Broker) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return b.subscriber.Subscribe(ctx, topic)
}

// Release drops per-topic state once a connection is gone.
func (b *Broker) Release(ctx context.Context, topic string) {
	if b.redis == nil {
		return
	}
	if err := b.redis.Del(ctx, topic).Err(); err != nil {
		log.Debug().Err(err).Str("component", "broker").Str("topic", topic).Msg("failed to delete stream")
	}
}

func (b *Broker) Close() error {
	var firstErr error
	if err := b.publisher.Close(); err != nil {
		firstErr = err
	}
	// the go-channel pub/sub is a single value serving both sides
	if any(b.subscriber) != any(b.publisher) {
		if err := b.subscriber.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if b.redis != nil {
		if err := b.redis.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func frameSeq(msg *message.Message) (uint64, bool) {
	v := msg.Metadata.Get(seqMetadataKey)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
