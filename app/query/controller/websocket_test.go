package controller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/canopy-network/statex/pkg/db/models"
	"github.com/canopy-network/statex/pkg/ingest"
	"github.com/canopy-network/statex/pkg/redis"
)

type fakeEvicter struct{ evicted []string }

func (f *fakeEvicter) Evict(addresses ...string) { f.evicted = append(f.evicted, addresses...) }

type fakeRefresher struct {
	calls int
	err   error
}

func (f *fakeRefresher) RefreshLatest(context.Context) (models.Block, error) {
	f.calls++
	return models.Block{}, f.err
}

func notificationPayload(t *testing.T, note ingest.Notification) string {
	t.Helper()
	b, err := json.Marshal(note)
	require.NoError(t, err)
	return string(b)
}

func TestClientSubscriptions(t *testing.T) {
	subs := newClientSubscriptions()
	require.False(t, subs.IsSubscribed("wasm"))

	subs.Subscribe("wasm")
	require.True(t, subs.IsSubscribed("wasm"))
	require.False(t, subs.IsSubscribed("bank"))

	subs.Subscribe("*")
	require.True(t, subs.IsSubscribed("bank"))

	subs.Unsubscribe("*")
	subs.Unsubscribe("wasm")
	require.False(t, subs.IsSubscribed("wasm"))
}

func TestHubDispatch(t *testing.T) {
	evicter := &fakeEvicter{}
	refresher := &fakeRefresher{err: errors.New("down")}
	hub := NewHub(zaptest.NewLogger(t), evicter, refresher)

	wasm := &hubClient{subs: newClientSubscriptions(), send: make(chan ServerMessage, 4)}
	wasm.subs.Subscribe("wasm")
	bank := &hubClient{subs: newClientSubscriptions(), send: make(chan ServerMessage, 4)}
	bank.subs.Subscribe("bank")
	hub.clients.Store("wasm", wasm)
	hub.clients.Store("bank", bank)

	note := ingest.Notification{ID: "c-1", Stream: "wasm", Entities: []string{"token"}, LatestBlock: models.Block{Height: 9}}
	hub.dispatch(context.Background(), redis.CommitChannel("wasm"), notificationPayload(t, note))

	require.Equal(t, []string{"token"}, evicter.evicted)
	require.Equal(t, 1, refresher.calls)
	require.Len(t, wasm.send, 1)
	require.Len(t, bank.send, 0)
	msg := <-wasm.send
	require.Equal(t, redis.KindCommitted, msg.Type)
	require.Equal(t, "c-1", msg.Payload.(ingest.Notification).ID)

	// Export notifications only fan out.
	hub.dispatch(context.Background(), redis.ExportChannel("wasm"), notificationPayload(t, note))
	require.Len(t, evicter.evicted, 1)
	require.Equal(t, 1, refresher.calls)
	msg = <-wasm.send
	require.Equal(t, redis.KindExported, msg.Type)

	// Garbage is dropped.
	hub.dispatch(context.Background(), "statex:wasm", "{}")
	hub.dispatch(context.Background(), redis.CommitChannel("wasm"), "{")
	require.Len(t, wasm.send, 0)
}

func TestHubBroadcastDoesNotBlock(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t), nil, nil)
	full := &hubClient{subs: newClientSubscriptions(), send: make(chan ServerMessage, 1)}
	full.subs.Subscribe("*")
	hub.clients.Store("full", full)

	hub.broadcast("wasm", ServerMessage{Type: "committed"})
	hub.broadcast("wasm", ServerMessage{Type: "committed"})
	require.Len(t, full.send, 1)
}

func TestCalculateNextBackoff(t *testing.T) {
	for i := 0; i < 50; i++ {
		next := CalculateNextBackoff(time.Second, 30*time.Second, 2.0, 0.1)
		require.GreaterOrEqual(t, next, 1800*time.Millisecond)
		require.LessOrEqual(t, next, 2200*time.Millisecond)
	}
	require.Equal(t, 30*time.Second, CalculateNextBackoff(30*time.Second, 30*time.Second, 2.0, 0))
}

func TestWebSocketUnavailableWithoutFeed(t *testing.T) {
	_, h := newTestController(t)
	rec := do(t, h, http.MethodGet, "/ws", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWebSocketSubscribeRoundTrip(t *testing.T) {
	ctler, h := newTestController(t)
	ctler.Hub.live.Store(true)

	srv := httptest.NewServer(h)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	require.NoError(t, conn.WriteJSON(ClientMessage{Action: "subscribe", Stream: "wasm"}))
	var msg struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "subscribed", msg.Type)
	require.JSONEq(t, `{"stream":"wasm"}`, string(msg.Payload))
	require.Equal(t, 1, ctler.Hub.Clients())

	note := ingest.Notification{ID: "c-7", Stream: "wasm", LatestBlock: models.Block{Height: 20, TimeUnixMs: 20000}}
	ctler.Hub.dispatch(context.Background(), redis.CommitChannel("wasm"), notificationPayload(t, note))

	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, redis.KindCommitted, msg.Type)
	var got ingest.Notification
	require.NoError(t, json.Unmarshal(msg.Payload, &got))
	require.Equal(t, "c-7", got.ID)
	require.Equal(t, uint64(20), got.LatestBlock.Height)

	require.NoError(t, conn.WriteJSON(ClientMessage{Action: "dance", Stream: "wasm"}))
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "error", msg.Type)
}
