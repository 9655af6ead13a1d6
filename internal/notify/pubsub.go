package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog/log"
)

const publishTimeout = 10 * time.Second

// PubSubForwarder is a broker observer that republishes every message to a
// Cloud Pub/Sub topic. It runs off the decision path, so a slow or failing
// topic only ever costs dropped messages in its own subscription.
type PubSubForwarder struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	send   func(ctx context.Context, data []byte, attrs map[string]string) error
}

func NewPubSubForwarder(ctx context.Context, projectID, topicID string) (*PubSubForwarder, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}

	topic := client.Topic(topicID)

	f := &PubSubForwarder{client: client, topic: topic}
	f.send = f.publish
	return f, nil
}

func (f *PubSubForwarder) publish(ctx context.Context, data []byte, attrs map[string]string) error {
	res := f.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	_, err := res.Get(ctx)
	return err
}

// Run forwards messages from sub until it is closed or ctx is done.
func (f *PubSubForwarder) Run(ctx context.Context, sub *Subscription) error {
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.C():
			if !ok {
				return nil
			}
			f.forward(ctx, msg)
		}
	}
}

func (f *PubSubForwarder) forward(ctx context.Context, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Warn().Err(err).Str("topic", string(msg.Topic)).Msg("pubsub marshal failed")
		return
	}

	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	attrs := map[string]string{"topic": string(msg.Topic)}
	if err := f.send(pctx, data, attrs); err != nil {
		log.Warn().Err(err).Str("topic", string(msg.Topic)).Msg("pubsub publish failed")
		return
	}
	log.Debug().Str("topic", string(msg.Topic)).Msg("notification forwarded to pubsub")
}

func (f *PubSubForwarder) Close() error {
	if f.topic != nil {
		f.topic.Stop()
	}
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}
