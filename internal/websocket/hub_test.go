package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not reachable at localhost:6379, skipping: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(ctx, rdb, zap.NewNop(), nil)
	go hub.Run()
	t.Cleanup(hub.Stop)

	return hub, cancel
}

func newTestClient(hub *Hub) *Client {
	return &Client{
		hub:   hub,
		send:  make(chan []byte, 16),
		rooms: make(map[string]bool),
	}
}

func TestHubRegisterTracksConnectionCount(t *testing.T) {
	hub, _ := newTestHub(t)

	c := newTestClient(hub)
	hub.Register <- c
	require.Eventually(t, func() bool { return hub.ConnectionCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.Unregister <- c
	require.Eventually(t, func() bool { return hub.ConnectionCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHubJoinRoomDeliversBroadcastToRoomMembersOnly(t *testing.T) {
	hub, _ := newTestHub(t)

	member := newTestClient(hub)
	outsider := newTestClient(hub)
	hub.Register <- member
	hub.Register <- outsider
	require.Eventually(t, func() bool { return hub.ConnectionCount() == 2 }, time.Second, 5*time.Millisecond)

	member.handleJoinRoom("cmd-1")
	require.True(t, member.InRoom("cmd-1"))
	require.False(t, outsider.InRoom("cmd-1"))

	hub.broadcast <- &Broadcast{Room: "cmd-1", Message: []byte(`{"status":"RUNNING"}`)}

	require.Eventually(t, func() bool {
		select {
		case msg := <-member.send:
			require.Equal(t, `{"status":"RUNNING"}`, string(msg))
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond, "the room member should receive the broadcast")

	select {
	case <-outsider.send:
		t.Fatal("a client outside the room must not receive the broadcast")
	default:
	}
}

func TestHubLeaveRoomStopsDelivery(t *testing.T) {
	hub, _ := newTestHub(t)

	c := newTestClient(hub)
	hub.Register <- c
	require.Eventually(t, func() bool { return hub.ConnectionCount() == 1 }, time.Second, 5*time.Millisecond)

	c.handleJoinRoom("cmd-2")
	c.handleLeaveRoom("cmd-2")
	require.False(t, c.InRoom("cmd-2"))

	hub.broadcast <- &Broadcast{Room: "cmd-2", Message: []byte("update")}

	time.Sleep(50 * time.Millisecond)
	select {
	case <-c.send:
		t.Fatal("a client that left the room must not receive further broadcasts")
	default:
	}
}

func TestHubUnregisterClearsRoomMembership(t *testing.T) {
	hub, _ := newTestHub(t)

	c := newTestClient(hub)
	hub.Register <- c
	require.Eventually(t, func() bool { return hub.ConnectionCount() == 1 }, time.Second, 5*time.Millisecond)

	c.handleJoinRoom("cmd-3")
	hub.Unregister <- c

	require.Eventually(t, func() bool {
		hub.roomsMu.RLock()
		defer hub.roomsMu.RUnlock()
		_, ok := hub.rooms["cmd-3"]
		return !ok
	}, time.Second, 5*time.Millisecond, "unregistering the last member of a room should remove it")
}

func TestHubPublishRoundTripsThroughRedisPubSub(t *testing.T) {
	hub, _ := newTestHub(t)

	c := newTestClient(hub)
	hub.Register <- c
	require.Eventually(t, func() bool { return hub.ConnectionCount() == 1 }, time.Second, 5*time.Millisecond)

	room := "cmd-" + uuid.New().String()
	c.handleJoinRoom(room)

	payload, err := json.Marshal(map[string]string{"status": "SUCCEEDED"})
	require.NoError(t, err)
	require.NoError(t, hub.Publish(context.Background(), room, "command.status", payload))

	require.Eventually(t, func() bool {
		select {
		case msg := <-c.send:
			var update StatusUpdate
			require.NoError(t, json.Unmarshal(msg, &update))
			require.Equal(t, room, update.Room)
			require.Equal(t, "command.status", update.Type)
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond, "a published update should reach the subscribed client via Redis pub/sub")
}
