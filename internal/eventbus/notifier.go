package eventbus

import (
	"context"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

const acceptedTopic = "controlplane.events.accepted"

// Notifier announces appended events over an in-process watermill channel so
// consumers can poll right away instead of waiting for their next tick. The
// log stays authoritative; a missed announcement only delays delivery.
type Notifier struct {
	pubsub *gochannel.GoChannel
}

func NewNotifier(logger *slog.Logger) *Notifier {
	return &Notifier{
		pubsub: gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, watermill.NewSlogLogger(logger)),
	}
}

// Announce publishes evt's id and type. It does not wait for subscribers.
func (n *Notifier) Announce(evt Event) error {
	msg := message.NewMessage(watermill.NewUUID(), []byte(evt.ID))
	msg.Metadata.Set("type", evt.Type)
	return n.pubsub.Publish(acceptedTopic, msg)
}

// Wake subscribes to announcements. Bursts collapse into a single pending
// signal; the channel closes when ctx is done or the notifier is closed.
func (n *Notifier) Wake(ctx context.Context) (<-chan struct{}, error) {
	msgs, err := n.pubsub.Subscribe(ctx, acceptedTopic)
	if err != nil {
		return nil, err
	}
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		for msg := range msgs {
			msg.Ack()
			select {
			case out <- struct{}{}:
			default:
			}
		}
	}()
	return out, nil
}

func (n *Notifier) Close() error { return n.pubsub.Close() }
