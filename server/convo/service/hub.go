package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	commonlog "opsdesk/server/common/log"
	"opsdesk/server/convo/domain"
)

// EventWriter is the delivery side of a live connection. Implementations
// must be safe for concurrent use.
type EventWriter interface {
	WriteEvent(event domain.Event)
}

// Hub maps a project's access token to the set of live connections joined to
// it. Membership is process-local and advisory: it is rebuilt from scratch on
// restart and on every reconnect. With a redis client attached, broadcasts go
// through pub/sub so subscribers on other workers still receive them; without
// one, fan-out is direct and local.
type Hub struct {
	mu        sync.RWMutex
	rooms     map[string]map[string]EventWriter
	redis     *redis.Client
	redisSub  *redis.PubSub
	subCancel context.CancelFunc
}

const roomEventsChannel = "convo:room:events"

type hubEvent struct {
	Token   string          `json:"token"`
	Payload json.RawMessage `json:"payload"`
}

func NewHub() *Hub {
	return &Hub{rooms: map[string]map[string]EventWriter{}}
}

func (h *Hub) UseRedis(client *redis.Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.redis = client
}

func (h *Hub) StartRedisSubscriber(ctx context.Context) error {
	h.mu.Lock()
	if h.redis == nil {
		h.mu.Unlock()
		return errors.New("redis client is nil")
	}
	if h.redisSub != nil {
		h.mu.Unlock()
		return nil
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := h.redis.Subscribe(subCtx, roomEventsChannel)
	h.redisSub = sub
	h.subCancel = cancel
	h.mu.Unlock()

	go h.consumeEvents(subCtx, sub)
	return nil
}

func (h *Hub) StopRedisSubscriber() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subCancel != nil {
		h.subCancel()
		h.subCancel = nil
	}
	if h.redisSub != nil {
		_ = h.redisSub.Close()
		h.redisSub = nil
	}
}

// Join is idempotent: joining the same room twice has no additional effect.
func (h *Hub) Join(token, connID string, w EventWriter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[token]; !ok {
		h.rooms[token] = map[string]EventWriter{}
	}
	h.rooms[token][connID] = w
}

func (h *Hub) Leave(token, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[token]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, token)
		}
	}
}

// Broadcast delivers the event to every connection currently joined under
// token. Zero subscribers is a no-op, never an error: broadcast is a
// best-effort optimization and a fresh fetch remains the authoritative path.
func (h *Hub) Broadcast(token string, event domain.Event) {
	if h.publish(token, event) {
		return
	}
	fanoutCount := h.broadcastLocal(token, event)
	commonlog.Debugf("event=room_hub action=local_dispatch token=%s fanout_count=%d", token, fanoutCount)
}

func (h *Hub) broadcastLocal(token string, event domain.Event) int {
	h.mu.RLock()
	members := make([]EventWriter, 0, len(h.rooms[token]))
	for _, w := range h.rooms[token] {
		members = append(members, w)
	}
	h.mu.RUnlock()

	for _, w := range members {
		w.WriteEvent(event)
	}
	return len(members)
}

func (h *Hub) publish(token string, event domain.Event) bool {
	h.mu.RLock()
	redisClient := h.redis
	h.mu.RUnlock()
	if redisClient == nil {
		return false
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return false
	}
	b, err := json.Marshal(hubEvent{Token: token, Payload: payload})
	if err != nil {
		return false
	}
	if err := redisClient.Publish(context.Background(), roomEventsChannel, b).Err(); err != nil {
		commonlog.Errorf("event=room_hub action=publish status=failed token=%s error=%v", token, err)
		return false
	}
	return true
}

func (h *Hub) consumeEvents(ctx context.Context, sub *redis.PubSub) {
	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			return
		}
		var raw hubEvent
		if err := json.Unmarshal([]byte(msg.Payload), &raw); err != nil {
			continue
		}
		var event domain.Event
		if err := json.Unmarshal(raw.Payload, &event); err != nil {
			continue
		}
		fanoutCount := h.broadcastLocal(raw.Token, event)
		commonlog.Debugf("event=room_hub action=consume status=ok token=%s fanout_count=%d", raw.Token, fanoutCount)
	}
}

func (h *Hub) roomSize(token string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[token])
}

// WSClient wraps a websocket connection as an EventWriter. The mutex
// serializes writes from broadcast fan-out and the read-loop replies.
type WSClient struct {
	ConnID string
	Conn   *websocket.Conn
	mu     sync.Mutex
}

func NewWSClient(connID string, conn *websocket.Conn) *WSClient {
	return &WSClient{ConnID: connID, Conn: conn}
}

func (c *WSClient) WriteEvent(event domain.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.Conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = c.Conn.WriteJSON(event)
}
