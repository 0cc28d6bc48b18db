package redis

import (
	"context"
	"testing"
	"time"

	"github.com/fauxparse/lilbirdie-sub001/internal/broadcast"
	"github.com/fauxparse/lilbirdie-sub001/internal/domain"
	"github.com/fauxparse/lilbirdie-sub001/internal/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelay_DeliversPublishedEvents(t *testing.T) {
	client := setupTestClient(t)

	registry := broadcast.NewRegistry(broadcast.Options{})
	t.Cleanup(registry.StopAll)
	conn := joinedConn(t, registry.Host("main"), "L1")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go NewRelay(client, registry, nil).Start(ctx)

	gw := gateway.New("redis", "main", NewPublisher(client), nil)

	// the subscription is asynchronous, so publish until the relay is listening
	var got domain.Event
	require.Eventually(t, func() bool {
		gw.EmitToList(context.Background(), "L1", domain.ItemDeleted{ItemID: "I1"})
		select {
		case raw := <-conn.frames:
			event, err := domain.DecodeEvent(raw)
			if err != nil {
				return false
			}
			got = event
			return true
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, domain.ItemDeleted{ListID: "L1", ItemID: "I1"}, got.Payload)
}

func TestPublisher_UsesHostChannel(t *testing.T) {
	client := setupTestClient(t)
	ctx := context.Background()

	sub := client.Subscribe(ctx, hostChannel("party"))
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	event := domain.NewUserEvent("U1", domain.FriendAccepted{FriendID: "U2"})
	require.NoError(t, NewPublisher(client).Send(ctx, "party", event))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "lilbirdie:host:party", msg.Channel)

	decoded, err := domain.DecodeEvent([]byte(msg.Payload))
	require.NoError(t, err)
	assert.Equal(t, event, decoded)
}
