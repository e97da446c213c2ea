package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/copyarena-server/internal/events"
	"github.com/copyarena-server/internal/middleware"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

// Hub is the registry of live viewer connections per account. Delivery to a
// connection is best-effort and at-most-once; a failure on one connection
// never aborts delivery to the others and never blocks the producer.
type Hub struct {
	mu       sync.RWMutex
	accounts map[uint]map[*Connection]struct{}

	rdb *redis.Client

	pingInterval    time.Duration
	missedPongLimit int
	sendBuffer      int
}

// NewHub creates a new Hub. rdb may be nil; the redis mirror publish is then
// disabled.
func NewHub(rdb *redis.Client, pingInterval time.Duration, missedPongLimit, sendBuffer int) *Hub {
	return &Hub{
		accounts:        make(map[uint]map[*Connection]struct{}),
		rdb:             rdb,
		pingInterval:    pingInterval,
		missedPongLimit: missedPongLimit,
		sendBuffer:      sendBuffer,
	}
}

// Attach wraps an upgraded websocket into a managed Connection, registers it
// and starts its pumps. The returned connection is already open.
func (h *Hub) Attach(accountID uint, conn *websocket.Conn) *Connection {
	c := newConnection(h, accountID, conn)

	h.mu.Lock()
	set, ok := h.accounts[accountID]
	if !ok {
		set = make(map[*Connection]struct{})
		h.accounts[accountID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()

	c.advance(StateOpen)
	go c.writePump()
	go c.readPump()

	middleware.LogInfo("ws connection %s attached to account %d (%d viewers)", c.ID, accountID, h.ConnectionCount(accountID))

	c.enqueue(mustMarshal(events.MustNew(events.EventConnectionStatus, events.ConnectionStatusPayload{
		Source:    "viewer",
		Connected: true,
	})))
	return c
}

func (h *Hub) unregister(c *Connection) {
	h.mu.Lock()
	if set, ok := h.accounts[c.AccountID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.accounts, c.AccountID)
		}
	}
	h.mu.Unlock()
}

// Broadcast delivers an event to every live connection watching the account.
// Connections that cannot keep up are dropped, not waited for. The envelope
// is also mirrored to redis for out-of-process subscribers.
func (h *Hub) Broadcast(accountID uint, env events.Envelope) {
	msg, err := json.Marshal(env)
	if err != nil {
		middleware.LogError("broadcast marshal failed for account %d: %v", accountID, err)
		return
	}

	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.accounts[accountID]))
	for c := range h.accounts[accountID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if !c.enqueue(msg) {
			middleware.LogError("ws connection %s (account %d) send buffer full, dropping connection", c.ID, c.AccountID)
			go c.close("send buffer overflow")
		}
	}

	if h.rdb != nil {
		channel := fmt.Sprintf("events:%d", accountID)
		if err := h.rdb.Publish(context.Background(), channel, msg).Err(); err != nil {
			middleware.LogError("redis publish to %s failed: %v", channel, err)
		}
	}
}

// ConnectionCount returns the number of live viewers for an account
func (h *Hub) ConnectionCount(accountID uint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.accounts[accountID])
}

// TotalConnections returns the number of live viewers across all accounts
func (h *Hub) TotalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, set := range h.accounts {
		total += len(set)
	}
	return total
}

// CloseAccount drops every connection for an account. Used on shutdown.
func (h *Hub) CloseAccount(accountID uint, reason string) {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.accounts[accountID]))
	for c := range h.accounts[accountID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.close(reason)
	}
}

// Shutdown closes all connections across all accounts
func (h *Hub) Shutdown() {
	h.mu.RLock()
	ids := make([]uint, 0, len(h.accounts))
	for id := range h.accounts {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	for _, id := range ids {
		h.CloseAccount(id, "server shutdown")
	}
}

func mustMarshal(env events.Envelope) []byte {
	msg, err := json.Marshal(env)
	if err != nil {
		panic(err)
	}
	return msg
}
