package broadcast_test

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/tinywideclouds/go-relay-service/internal/platform/broadcast"
)

func newPubSubClient(t *testing.T, srv *pstest.Server, projectID string) *pubsub.Client {
	t.Helper()
	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	// Create client with context.Background() to prevent cleanup race.
	client, err := pubsub.NewClient(context.Background(), projectID, option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestPubSubChannel(t *testing.T) {
	const projectID = "test-project"
	const topicID = "relay-broadcast"

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })
	client := newPubSubClient(t, srv, projectID)

	newChannel := func(instanceID string) *broadcast.PubSubChannel {
		ch, err := broadcast.NewPubSubChannel(ctx, client, projectID, topicID, instanceID,
			broadcast.MustCodec(broadcast.CompressionNone), testLogger)
		require.NoError(t, err, "creating the topic twice must be tolerated")
		return ch
	}

	publisher := newChannel("inst-a")
	t.Cleanup(func() { _ = publisher.Close() })
	exerciseChannel(t, publisher, newChannel("inst-b"), newChannel("inst-c"))

	// Closed subscriptions are deleted from the server.
	_, err := client.SubscriptionAdminClient.GetSubscription(ctx, &pubsubpb.GetSubscriptionRequest{
		Subscription: "projects/test-project/subscriptions/relay-broadcast-inst-b",
	})
	assert.Error(t, err)
}

func TestNewPubSubChannel_Validation(t *testing.T) {
	codec := broadcast.MustCodec(broadcast.CompressionNone)
	_, err := broadcast.NewPubSubChannel(context.Background(), nil, "p", "t", "i", codec, testLogger)
	assert.Error(t, err)

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })
	client := newPubSubClient(t, srv, "p")
	_, err = broadcast.NewPubSubChannel(context.Background(), client, "p", "t", "", codec, testLogger)
	assert.Error(t, err)
}
