package controller

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v4"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/canopy-network/statex/pkg/db/models"
	"github.com/canopy-network/statex/pkg/redis"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ClientMessage is sent by websocket clients.
type ClientMessage struct {
	Action string `json:"action"` // "subscribe" or "unsubscribe"
	Stream string `json:"stream"` // ingest stream, or "*" for all
}

// ServerMessage is sent to websocket clients.
type ServerMessage struct {
	Type    string      `json:"type"` // "committed", "exported", "subscribed", "unsubscribed", "info", "error"
	Payload interface{} `json:"payload"`
}

// clientSubscriptions tracks the streams a client listens to.
type clientSubscriptions struct {
	mu      sync.RWMutex
	streams map[string]bool
}

func newClientSubscriptions() *clientSubscriptions {
	return &clientSubscriptions{streams: make(map[string]bool)}
}

func (cs *clientSubscriptions) Subscribe(stream string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.streams[stream] = true
}

func (cs *clientSubscriptions) Unsubscribe(stream string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	delete(cs.streams, stream)
}

// IsSubscribed reports whether stream is subscribed. "*" matches every stream.
func (cs *clientSubscriptions) IsSubscribed(stream string) bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.streams["*"] || cs.streams[stream]
}

type entityEvicter interface {
	Evict(addresses ...string)
}

type latestRefresher interface {
	RefreshLatest(ctx context.Context) (models.Block, error)
}

type patternSubscriber interface {
	PSubscribe(ctx context.Context, patterns ...string) *goredis.PubSub
}

type hubClient struct {
	subs *clientSubscriptions
	send chan ServerMessage
}

// Hub holds one Redis pattern subscription for the whole process. Commit notifications evict
// stale entity identities and refresh the latest block before they fan out to websocket
// clients.
type Hub struct {
	logger    *zap.Logger
	evicter   entityEvicter
	refresher latestRefresher
	clients   *xsync.Map[string, *hubClient]
	live      atomic.Bool
}

func NewHub(logger *zap.Logger, evicter entityEvicter, refresher latestRefresher) *Hub {
	return &Hub{
		logger:    logger,
		evicter:   evicter,
		refresher: refresher,
		clients:   xsync.NewMap[string, *hubClient](),
	}
}

// Live reports whether Run has started.
func (h *Hub) Live() bool {
	return h.live.Load()
}

// Clients is the number of connected websocket clients.
func (h *Hub) Clients() int {
	return h.clients.Size()
}

// Run subscribes to every stream's notifications until ctx is done, reconnecting with
// exponential backoff.
func (h *Hub) Run(ctx context.Context, sub patternSubscriber) {
	const (
		initialBackoff = 1 * time.Second
		maxBackoff     = 30 * time.Second
		backoffFactor  = 2.0
		jitterFactor   = 0.1
	)

	h.live.Store(true)
	defer h.live.Store(false)

	backoff := initialBackoff
	for attempt := 1; ; attempt++ {
		err := h.subscribe(ctx, sub, attempt)
		if ctx.Err() != nil {
			h.logger.Info("Notification subscription cancelled")
			return
		}
		if err != nil {
			h.logger.Warn("Notification subscription failed, will retry",
				zap.Error(err),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff))
		} else {
			h.logger.Warn("Notification channel closed, will retry",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff))
		}
		h.broadcast("*", ServerMessage{Type: "error", Payload: map[string]interface{}{
			"message":     "notification feed lost, reconnecting",
			"retryIn":     backoff.Seconds(),
			"recoverable": true,
		}})

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff = CalculateNextBackoff(backoff, maxBackoff, backoffFactor, jitterFactor)
	}
}

func (h *Hub) subscribe(ctx context.Context, sub patternSubscriber, attempt int) error {
	pubsub := sub.PSubscribe(ctx, redis.NotificationPattern)
	defer func() {
		if err := pubsub.Close(); err != nil {
			h.logger.Error("Error closing Redis subscription", zap.Error(err))
		}
	}()

	receiveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := pubsub.Receive(receiveCtx); err != nil {
		return fmt.Errorf("failed to confirm Redis subscription: %w", err)
	}
	h.logger.Info("Subscribed to notifications",
		zap.String("pattern", redis.NotificationPattern),
		zap.Int("attempt", attempt))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			h.dispatch(ctx, msg.Channel, msg.Payload)
		}
	}
}

func (h *Hub) dispatch(ctx context.Context, channel, payload string) {
	stream, kind := redis.ParseChannel(channel)
	if stream == "" {
		h.logger.Warn("Ignoring notification on unknown channel", zap.String("channel", channel))
		return
	}
	note, err := redis.DecodeNotification(payload)
	if err != nil {
		h.logger.Error("Failed to decode notification", zap.String("channel", channel), zap.Error(err))
		return
	}

	if kind == redis.KindCommitted {
		if h.evicter != nil && len(note.Entities) > 0 {
			h.evicter.Evict(note.Entities...)
		}
		if h.refresher != nil {
			if _, err := h.refresher.RefreshLatest(ctx); err != nil {
				h.logger.Warn("Failed to refresh latest block", zap.Error(err))
			}
		}
	}
	h.broadcast(stream, ServerMessage{Type: kind, Payload: note})
}

// broadcast never blocks. Clients whose buffer is full miss the message.
func (h *Hub) broadcast(stream string, msg ServerMessage) {
	h.clients.Range(func(_ string, c *hubClient) bool {
		if stream != "*" && !c.subs.IsSubscribed(stream) {
			return true
		}
		select {
		case c.send <- msg:
		default:
			h.logger.Debug("Dropping message for slow websocket client", zap.String("type", msg.Type))
		}
		return true
	})
}

// CalculateNextBackoff grows current by factor up to max, with jitter.
func CalculateNextBackoff(current, max time.Duration, factor, jitterFactor float64) time.Duration {
	next := time.Duration(float64(current) * factor)
	if next > max {
		next = max
	}

	jitter := float64(next) * jitterFactor * (2*rand.Float64() - 1)
	nextWithJitter := time.Duration(float64(next) + jitter)

	if nextWithJitter < current {
		nextWithJitter = current
	}
	if nextWithJitter > max {
		nextWithJitter = max
	}
	return nextWithJitter
}

// HandleWebSocket streams commit notifications.
//
// Client sends: {"action": "subscribe", "stream": "wasm"}, {"action": "subscribe", "stream": "*"}
// or {"action": "unsubscribe", "stream": "wasm"}.
//
// Server sends {"type": "committed"|"exported", "payload": <notification>} for subscribed
// streams, acknowledgements as "subscribed"/"unsubscribed", and "info"/"error" messages.
func (c *Controller) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if c.Hub == nil || !c.Hub.Live() {
		http.Error(w, "Real-time events not available (Redis disabled)", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.App.Logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}
	defer func(conn *websocket.Conn) {
		if err := conn.Close(); err != nil {
			c.App.Logger.Debug("Failed to close WebSocket connection", zap.Error(err))
		}
	}(conn)

	c.App.Logger.Info("WebSocket client connected", zap.String("remote_addr", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	clientID := uuid.NewString()
	client := &hubClient{subs: newClientSubscriptions(), send: make(chan ServerMessage, 256)}
	c.Hub.clients.Store(clientID, client)
	defer c.Hub.clients.Delete(clientID)

	var wg sync.WaitGroup
	for name, run := range map[string]func(){
		"ping ticker":    func() { c.sendPings(ctx, conn) },
		"message writer": func() { c.writeMessages(ctx, conn, client.send) },
	} {
		wg.Add(1)
		go func(name string, run func()) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					c.App.Logger.Error("Panic in websocket goroutine",
						zap.String("goroutine", name),
						zap.Any("panic", rec),
						zap.String("stack", string(debug.Stack())),
						zap.String("remote_addr", r.RemoteAddr))
				}
				cancel()
			}()
			run()
		}(name, run)
	}

	c.readClientMessages(ctx, conn, cancel, client)
	cancel()
	wg.Wait()

	c.App.Logger.Info("WebSocket client disconnected", zap.String("remote_addr", r.RemoteAddr))
}

func (c *Controller) sendPings(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
				c.App.Logger.Debug("Failed to send ping", zap.Error(err))
				return
			}
		}
	}
}

func (c *Controller) writeMessages(ctx context.Context, conn *websocket.Conn, send <-chan ServerMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-send:
			if err := conn.WriteJSON(msg); err != nil {
				c.App.Logger.Debug("Failed to write WebSocket message", zap.Error(err))
				return
			}
		}
	}
}

// readClientMessages handles subscription requests until the connection closes.
func (c *Controller) readClientMessages(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc, client *hubClient) {
	resetDeadline := func() error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	}
	if err := resetDeadline(); err != nil {
		c.App.Logger.Error("Failed to set read deadline", zap.Error(err))
		return
	}
	conn.SetPongHandler(func(string) error { return resetDeadline() })

	reply := func(msg ServerMessage) {
		select {
		case client.send <- msg:
		case <-ctx.Done():
		}
	}

	for ctx.Err() == nil {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.App.Logger.Warn("WebSocket read error", zap.Error(err))
			}
			cancel()
			return
		}
		if err := resetDeadline(); err != nil {
			c.App.Logger.Error("Failed to reset read deadline", zap.Error(err))
			return
		}

		if msg.Stream == "" && (msg.Action == "subscribe" || msg.Action == "unsubscribe") {
			reply(ServerMessage{Type: "error", Payload: map[string]string{"message": "stream is required"}})
			continue
		}
		switch msg.Action {
		case "subscribe":
			client.subs.Subscribe(msg.Stream)
			reply(ServerMessage{Type: "subscribed", Payload: map[string]string{"stream": msg.Stream}})
		case "unsubscribe":
			client.subs.Unsubscribe(msg.Stream)
			reply(ServerMessage{Type: "unsubscribed", Payload: map[string]string{"stream": msg.Stream}})
		default:
			reply(ServerMessage{Type: "error", Payload: map[string]string{"message": "unknown action: " + msg.Action}})
		}
	}
}
