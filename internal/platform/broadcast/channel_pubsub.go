package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/tinywideclouds/go-relay-service/pkg/relay"
)

// subscriptionTTL lets Pub/Sub garbage-collect the private subscription of
// an instance that crashed before deleting it. One day is the minimum.
const subscriptionTTL = 24 * time.Hour

// PubSubChannel implements relay.BroadcastChannel on a Google Cloud Pub/Sub
// topic. Each instance reads from its own subscription so that every
// instance sees every publication.
type PubSubChannel struct {
	client    *pubsub.Client
	topicName string
	subName   string
	publisher *pubsub.Publisher
	codec     *Codec
	logger    *slog.Logger
}

// NewPubSubChannel ensures the topic exists and prepares a publisher.
func NewPubSubChannel(
	ctx context.Context,
	client *pubsub.Client,
	projectID string,
	topicID string,
	instanceID string,
	codec *Codec,
	logger *slog.Logger,
) (*PubSubChannel, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	if codec == nil {
		return nil, fmt.Errorf("codec cannot be nil")
	}
	if projectID == "" || topicID == "" || instanceID == "" {
		return nil, fmt.Errorf("project, topic and instance id are required")
	}

	c := &PubSubChannel{
		client:    client,
		topicName: fmt.Sprintf("projects/%s/topics/%s", projectID, topicID),
		subName:   fmt.Sprintf("projects/%s/subscriptions/%s-%s", projectID, topicID, instanceID),
		codec:     codec,
		logger:    logger.With("component", "pubsub_broadcast", "topic", topicID),
	}

	c.logger.Debug("Ensuring topic exists", "topic", c.topicName)
	_, err := client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: c.topicName})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return nil, fmt.Errorf("could not create topic %s: %w", c.topicName, err)
	}

	c.publisher = client.Publisher(c.topicName)
	return c, nil
}

// Publish sends the envelope and waits for the server to accept it.
func (c *PubSubChannel) Publish(ctx context.Context, env *relay.Envelope) error {
	frame, err := c.codec.Marshal(env)
	if err != nil {
		return err
	}
	result := c.publisher.Publish(ctx, &pubsub.Message{Data: frame})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Subscribe creates this instance's private subscription and starts
// receiving. The subscription is deleted again on Close. The handler is
// called concurrently.
func (c *PubSubChannel) Subscribe(ctx context.Context, handler func(*relay.Envelope)) (relay.Subscription, error) {
	subConfig := &pubsubpb.Subscription{
		Name:               c.subName,
		Topic:              c.topicName,
		AckDeadlineSeconds: 10,
		ExpirationPolicy: &pubsubpb.ExpirationPolicy{
			Ttl: durationpb.New(subscriptionTTL),
		},
	}
	c.logger.Debug("Creating instance subscription", "sub", c.subName)
	_, err := c.client.SubscriptionAdminClient.CreateSubscription(ctx, subConfig)
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return nil, fmt.Errorf("could not create subscription %s: %w", c.subName, err)
	}

	subscriber := c.client.Subscriber(c.subName)
	run := func(ctx context.Context) {
		err := subscriber.Receive(ctx, func(_ context.Context, msg *pubsub.Message) {
			// Delivery is at-most-once; redelivery would duplicate messages.
			msg.Ack()
			env, err := c.codec.Unmarshal(msg.Data)
			if err != nil {
				c.logger.Warn("Dropping unreadable broadcast frame", "err", err)
				return
			}
			handler(env)
		})
		if err != nil && ctx.Err() == nil {
			c.logger.Error("Pub/Sub receive stopped", "err", err)
		}
	}
	release := func() error {
		dctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := c.client.SubscriptionAdminClient.DeleteSubscription(dctx, &pubsubpb.DeleteSubscriptionRequest{
			Subscription: c.subName,
		})
		if err != nil && status.Code(err) != codes.NotFound {
			return fmt.Errorf("could not delete subscription %s: %w", c.subName, err)
		}
		return nil
	}

	c.logger.Info("Subscribed to broadcast topic", "sub", c.subName)
	return startLoop(ctx, run, release), nil
}

// Close flushes the publisher.
func (c *PubSubChannel) Close() error {
	c.publisher.Stop()
	return nil
}
