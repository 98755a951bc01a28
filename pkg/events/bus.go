// Package events carries orchestration lifecycle events over an in-memory
// pub/sub bus. The up command subscribes to mirror them into its log; other
// consumers (log sinks, future dashboards) can tap the same topics.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
)

const (
	TopicServiceLaunched = "service.launched"
	TopicServiceReady    = "service.ready"
	TopicServiceFailed   = "service.failed"
	TopicRunCompleted    = "run.completed"
	TopicRunAborted      = "run.aborted"
)

// Event is the payload published on every topic.
type Event struct {
	Session string    `json:"session"`
	Service string    `json:"service,omitempty"`
	Window  int       `json:"window,omitempty"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

type Bus struct {
	pubsub *gochannel.GoChannel
}

func NewInMemoryBus() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, watermill.NopLogger{}),
	}
}

func (b *Bus) Publish(topic string, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	return errors.Wrapf(b.pubsub.Publish(topic, msg), "publish %s", topic)
}

func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ch, err := b.pubsub.Subscribe(ctx, topic)
	if err != nil {
		return nil, errors.Wrapf(err, "subscribe %s", topic)
	}
	return ch, nil
}

func (b *Bus) Close() error {
	return b.pubsub.Close()
}

// Decode unmarshals a bus message back into an Event and acks it.
func Decode(msg *message.Message) (Event, error) {
	var ev Event
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return Event{}, errors.Wrap(err, "unmarshal event")
	}
	msg.Ack()
	return ev, nil
}
