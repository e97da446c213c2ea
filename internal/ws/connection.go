package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/copyarena-server/internal/events"
	"github.com/copyarena-server/internal/middleware"
	"github.com/copyarena-server/pkg/keygen"
	"github.com/gorilla/websocket"
)

// State tracks a connection through its lifecycle. Transitions are one-way:
// connecting -> open -> closing -> closed. A closed connection is never
// reused; reconnecting viewers get a fresh Connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

const writeWait = 10 * time.Second

// Connection is one live viewer attached to an account
type Connection struct {
	ID        string
	AccountID uint

	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu           sync.Mutex
	state        State
	lastActivity time.Time

	closeOnce sync.Once
}

func newConnection(hub *Hub, accountID uint, conn *websocket.Conn) *Connection {
	return &Connection{
		ID:           keygen.ConnectionID(),
		AccountID:    accountID,
		hub:          hub,
		conn:         conn,
		send:         make(chan []byte, hub.sendBuffer),
		state:        StateConnecting,
		lastActivity: time.Now(),
	}
}

// State returns the connection's current lifecycle state
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// advance moves the state forward, refusing to go backwards. Returns false
// when the requested transition would reverse the lifecycle.
func (c *Connection) advance(next State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if next <= c.state {
		return false
	}
	c.state = next
	return true
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// enqueue hands an already-marshaled envelope to the write pump without
// blocking. A full buffer means the viewer cannot keep up; the connection is
// dropped and the viewer recovers through a resync on reconnect.
func (c *Connection) enqueue(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// close tears the connection down exactly once and deregisters it
func (c *Connection) close(reason string) {
	c.closeOnce.Do(func() {
		c.advance(StateClosing)
		middleware.LogInfo("ws connection %s (account %d) closing: %s", c.ID, c.AccountID, reason)
		c.hub.unregister(c)
		_ = c.conn.Close()
		c.advance(StateClosed)
	})
}

// readPump consumes inbound frames. Viewers only send keepalive and
// acknowledgment messages; anything unparseable is ignored. Pongs (both
// protocol frames and JSON pong envelopes) refresh the read deadline.
func (c *Connection) readPump() {
	defer c.close("read pump exit")

	deadline := c.hub.pingInterval * time.Duration(c.hub.missedPongLimit+1)
	_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.touch()
		_ = c.conn.SetReadDeadline(time.Now().Add(deadline))

		var env events.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		if env.Type == events.EventPing {
			pong, _ := json.Marshal(events.MustNew(events.EventPong, nil))
			c.enqueue(pong)
		}
	}
}

// writePump drains the send channel and drives keepalive pings. Exceeding
// the missed-pong limit closes the connection; the hub's read deadline
// backstops the same condition.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.hub.pingInterval)
	defer func() {
		ticker.Stop()
		c.close("write pump exit")
	}()

	missed := 0
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(writeWait))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.mu.Lock()
			idle := time.Since(c.lastActivity)
			c.mu.Unlock()
			if idle < c.hub.pingInterval {
				missed = 0
			} else {
				missed++
			}
			if missed > c.hub.missedPongLimit {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
