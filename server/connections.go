package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/YapperCore/yapper-sync/hub"
)

const (
	// Fallbacks when the config leaves the keepalive timings unset
	defaultWriteWait = 10 * time.Second
	defaultPongWait  = 60 * time.Second

	// Inbound messages carry full document content on edits
	maxMessageSize = 1 << 20
)

// wsConn bridges one websocket to the hub. Outbound events go through the
// buffered send channel so a slow peer never blocks a broadcast.
type wsConn struct {
	id        uuid.UUID
	identity  string
	conn      *websocket.Conn
	send      chan []byte
	svc       *Service
	closeOnce sync.Once

	// Time allowed to write a message to the peer
	writeWait time.Duration

	// Time allowed to read the next pong message from the peer; pings go
	// out at nine tenths of this
	pongWait time.Duration

	mu       sync.Mutex
	lastSeen time.Time
}

func (c *wsConn) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

// LastSeen reports the last time the peer showed any activity.
func (c *wsConn) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}

// deliver queues an event for the peer. A full queue means the peer cannot
// keep up; the connection is closed and false returned so the hub moves on.
func (c *wsConn) deliver(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		c.close()
		return false
	}
}

// sendEvent delivers an event to this connection only, outside the room
// fan-out path. Used for per-caller errors.
func (c *wsConn) sendEvent(ev hub.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("failed to marshal event", "error", err, "connID", c.id)
		return
	}
	c.deliver(data)
}

func (c *wsConn) readPump(ctx context.Context) {
	defer func() {
		c.svc.hub.DropConnection(c.id)
		c.svc.conns.Remove(c.id)
		c.close()
		slog.Debug("client connection closed", "connID", c.id, "identity", c.identity)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Error("websocket read error", "error", err, "connID", c.id)
			}
			return
		}
		c.touch()

		var ev hub.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.sendEvent(hub.Event{Type: hub.EventError, Error: "invalid message"})
			continue
		}

		c.handleEvent(ctx, ev)
	}
}

func (c *wsConn) handleEvent(ctx context.Context, ev hub.Event) {
	if ev.DocID == "" {
		c.sendEvent(hub.Event{Type: hub.EventError, Error: "missing doc_id"})
		return
	}

	switch ev.Type {
	case hub.EventJoinDoc:
		c.svc.hub.Join(ev.DocID, c.id)
		slog.Debug("connection joined document", "connID", c.id, "docID", ev.DocID)

	case hub.EventLeaveDoc:
		c.svc.hub.Leave(ev.DocID, c.id)
		slog.Debug("connection left document", "connID", c.id, "docID", ev.DocID)

	case hub.EventEditDoc:
		if err := c.svc.hub.PublishEdit(ctx, ev.DocID, c.id, ev.Content); err != nil {
			// persistence failure goes back to the submitter only
			c.sendEvent(hub.Event{
				Type:  hub.EventError,
				DocID: ev.DocID,
				Error: "failed to save document",
			})
		}

	default:
		c.sendEvent(hub.Event{Type: hub.EventError, DocID: ev.DocID, Error: "unknown message type"})
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.pongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// connTable is the registry of live transport connections.
type connTable struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]*wsConn
}

func newConnTable() *connTable {
	return &connTable{
		conns: make(map[uuid.UUID]*wsConn),
	}
}

func (t *connTable) Add(c *wsConn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns[c.id] = c
}

func (t *connTable) Remove(id uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, id)
}

func (t *connTable) Get(id uuid.UUID) (*wsConn, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.conns[id]
	return c, ok
}

func (t *connTable) CloseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.conns {
		c.close()
	}
}
