package notify

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dashke/fort/fw/common/logx"
)

var hubLog = logx.New(logx.WithPrefix("notify.hub"))

const (
	wsWriteWait  = 5 * time.Second
	wsSendBuffer = 16
)

type wsEvent struct {
	Event string `json:"event"`
	Time  int64  `json:"time"`
}

// Hub fans notifier events out to connected UI websockets. Slow clients
// get dropped rather than back-pressuring the mutation path.
type Hub struct {
	mu       sync.Mutex
	conns    map[*wsClient]struct{}
	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan wsEvent
}

func NewHub() *Hub {
	return &Hub{
		conns: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// API binds to loopback; the UI is the only expected origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Broadcast queues an event for every connected client.
func (h *Hub) Broadcast(k Kind) {
	ev := wsEvent{Event: k.String(), Time: time.Now().UnixMilli()}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		select {
		case c.send <- ev:
		default:
			hubLog.Warnf("dropping slow websocket client")
			delete(h.conns, c)
			close(c.send)
		}
	}
}

// HandleWS upgrades the request and pumps events until the client goes away.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hubLog.Warnf("upgrade failed: %v", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan wsEvent, wsSendBuffer)}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	n := len(h.conns)
	h.mu.Unlock()
	hubLog.Debugf("client connected (total=%d)", n)

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) writePump(c *wsClient) {
	for ev := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := c.conn.WriteJSON(ev); err != nil {
			break
		}
	}
	_ = c.conn.Close()
}

// readPump discards client frames; its job is noticing the disconnect.
func (h *Hub) readPump(c *wsClient) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}

	h.mu.Lock()
	if _, ok := h.conns[c]; ok {
		delete(h.conns, c)
		close(c.send)
	}
	n := len(h.conns)
	h.mu.Unlock()
	hubLog.Debugf("client disconnected (total=%d)", n)
	_ = c.conn.Close()
}

func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		delete(h.conns, c)
		close(c.send)
	}
}
