package realtime_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-relay-service/internal/dispatch"
	"github.com/tinywideclouds/go-relay-service/internal/platform/broadcast"
	"github.com/tinywideclouds/go-relay-service/internal/platform/store"
	"github.com/tinywideclouds/go-relay-service/internal/presence"
	"github.com/tinywideclouds/go-relay-service/internal/realtime"
	"github.com/tinywideclouds/go-relay-service/pkg/relay"
)

var nopLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// process is one gateway: its own Redis clients, dispatcher and server.
type process struct {
	server *httptest.Server
}

func startProcess(t *testing.T, ctx context.Context, mr *miniredis.Miniredis, instanceID string) *process {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	presenceStore, err := store.NewRedisPresenceStore(rdb, nopLogger)
	require.NoError(t, err)
	channel, err := broadcast.NewRedisChannel(rdb, "", broadcast.MustCodec(broadcast.CompressionNone), nopLogger)
	require.NoError(t, err)

	manager := presence.NewManager(presenceStore, instanceID, nopLogger)
	d := dispatch.NewDispatcher(manager, presenceStore, channel, nopLogger,
		dispatch.WithMetrics(dispatch.NewMetrics(prometheus.NewRegistry())))

	cm, err := realtime.NewConnectionManager(realtime.Config{}, d, zerolog.Nop())
	require.NoError(t, err)
	d.SetEmitter(cm)

	sub, err := d.Start(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	srv := httptest.NewServer(cm.Handler())
	t.Cleanup(srv.Close)
	return &process{server: srv}
}

func (p *process) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(p.server.URL, "http") + "/connect"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func emitFrame(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(relay.Frame{Event: event, Data: raw}))
}

func register(t *testing.T, mr *miniredis.Miniredis, conn *websocket.Conn, userID string) {
	t.Helper()
	emitFrame(t, conn, relay.EventRegister, userID)
	// register is fire-and-forget; wait until the entry is visible.
	require.Eventually(t, func() bool {
		return mr.Exists(relay.PresenceTable) && mr.HGet(relay.PresenceTable, userID) != ""
	}, 2*time.Second, 10*time.Millisecond)
}

func sendPrivate(t *testing.T, conn *websocket.Conn, sender, recipient, message string) {
	t.Helper()
	emitFrame(t, conn, relay.EventSendPrivateMessage, map[string]string{
		"senderId": sender, "recipientId": recipient, "message": message,
	})
}

// expectNothing asserts no frame arrives within a short window.
func expectNothing(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err, "no frame expected")
	var netErr interface{ Timeout() bool }
	if assert.ErrorAs(t, err, &netErr) {
		assert.True(t, netErr.Timeout())
	}
}

func expectPrivateMessage(t *testing.T, conn *websocket.Conn, wantJSON string) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame relay.Frame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, relay.EventPrivateMessage, frame.Event)
	assert.JSONEq(t, wantJSON, string(frame.Data))
}

func setupRelay(t *testing.T) (context.Context, *miniredis.Miniredis) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)
	return ctx, miniredis.RunT(t)
}

func TestRelay_SameProcess(t *testing.T) {
	ctx, mr := setupRelay(t)
	p := startProcess(t, ctx, mr, "proc-1")

	a, b := p.dial(t), p.dial(t)
	register(t, mr, a, "alice")
	register(t, mr, b, "bob")

	sendPrivate(t, b, "bob", "alice", "hi")
	expectPrivateMessage(t, a, `{"senderId":"bob","message":"hi"}`)
	expectNothing(t, a)
	expectNothing(t, b)
}

func TestRelay_CrossProcess(t *testing.T) {
	ctx, mr := setupRelay(t)
	p1 := startProcess(t, ctx, mr, "proc-1")
	p2 := startProcess(t, ctx, mr, "proc-2")

	a := p1.dial(t)
	b := p2.dial(t)
	register(t, mr, a, "alice")
	register(t, mr, b, "bob")

	sendPrivate(t, b, "bob", "alice", "hi")
	expectPrivateMessage(t, a, `{"senderId":"bob","message":"hi"}`)
	expectNothing(t, a)

	// And back the other way.
	sendPrivate(t, a, "alice", "bob", "hey")
	expectPrivateMessage(t, b, `{"senderId":"alice","message":"hey"}`)
}

func TestRelay_SendAfterClose(t *testing.T) {
	ctx, mr := setupRelay(t)
	p := startProcess(t, ctx, mr, "proc-1")

	a, b := p.dial(t), p.dial(t)
	register(t, mr, a, "alice")
	register(t, mr, b, "bob")

	require.NoError(t, a.Close())
	require.Eventually(t, func() bool {
		return mr.HGet(relay.PresenceTable, "alice") == ""
	}, 2*time.Second, 10*time.Millisecond, "close must remove alice's presence")

	sendPrivate(t, b, "bob", "alice", "hi")
	expectNothing(t, b)
}

func TestRelay_StoreUnreachable(t *testing.T) {
	ctx, mr := setupRelay(t)
	p := startProcess(t, ctx, mr, "proc-1")

	a, b := p.dial(t), p.dial(t)
	register(t, mr, a, "alice")

	mr.Close()

	sendPrivate(t, b, "bob", "alice", "hi")
	expectNothing(t, a)
	expectNothing(t, b)

	// The process keeps serving the connection.
	require.NoError(t, b.WriteMessage(websocket.PingMessage, nil))
}
