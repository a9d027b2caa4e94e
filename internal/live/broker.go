// Package live turns store writes into snapshot subscriptions.
//
// Writers call Broker.Publish on a topic after a successful write. Readers
// call Watch with a loader; they receive a full snapshot on start and a fresh
// one after every event on the topic (and on a periodic resync, which covers
// writes made by other processes).
package live

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/anonto42/dzaleka-online/backend/pkg/logging"
)

// Topics.
const (
	TopicPosts = "posts"
)

// NotificationsTopic is the per-receiver notification topic.
func NotificationsTopic(userID string) string {
	return "notifications." + userID
}

// SessionTopic is the per-user identity change topic.
func SessionTopic(userID string) string {
	return "session." + userID
}

// topicFamily trims the per-user suffix for metric labels.
func topicFamily(topic string) string {
	if i := strings.IndexByte(topic, '.'); i > 0 {
		return topic[:i]
	}
	return topic
}

// Broker is an in-process pub/sub for change events.
type Broker struct {
	pubsub *gochannel.GoChannel
}

func NewBroker() *Broker {
	return &Broker{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 64,
		}, logging.NewWatermillAdapter()),
	}
}

// Publish emits a change event. Publishing to a topic with no subscribers is a no-op.
func (b *Broker) Publish(topic string, payload []byte) {
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := b.pubsub.Publish(topic, msg); err != nil {
		logging.Warn().Err(err).Str("topic", topic).Msg("failed to publish change event")
	}
}

// Events subscribes to raw change events until ctx is done. Messages are
// acknowledged before delivery.
func (b *Broker) Events(ctx context.Context, topic string) (<-chan []byte, error) {
	msgs, err := b.pubsub.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}
	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		for msg := range msgs {
			msg.Ack()
			select {
			case out <- msg.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (b *Broker) Close() error {
	return b.pubsub.Close()
}
