// Package statusfeed broadcasts per-upstream connection-status transitions
// to connected WebSocket clients. It is the "implementations MAY add
// counters" extension design doc §6.4 allows: a live push feed alongside
// the pull-based /health and /metrics endpoints.
//
// Architecture mirrors a single-hub-goroutine broadcaster: all connection
// bookkeeping happens in one goroutine reached only through channels, so
// no lock is needed around the connection set itself.
package statusfeed

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/toolmesh/toolproxy/internal/health"
)

// Transition is one broadcast event: an upstream's status record changed.
type Transition struct {
	Upstream string        `json:"upstream"`
	Record   health.Record `json:"record"`
	At       time.Time     `json:"at"`
}

// Feed is the live status broadcaster. One Feed serves every upstream in
// the process; each Transition names which upstream it concerns.
type Feed struct {
	hub *hub
}

// New creates a Feed and starts its broadcast hub goroutine.
func New() *Feed {
	f := &Feed{hub: newHub()}
	go f.hub.run()
	return f
}

// Broadcast sends a status transition to every connected client.
// Non-blocking: if the hub's queue is full the event is dropped rather
// than stalling the caller, and a client whose send buffer is full is
// disconnected.
func (f *Feed) Broadcast(upstreamName string, rec health.Record) {
	evt := Transition{Upstream: upstreamName, Record: rec, At: time.Now().UTC()}
	data, err := json.Marshal(evt)
	if err != nil {
		slog.Error("statusfeed: marshal transition failed", "error", err)
		return
	}
	f.hub.broadcast(data)
}

// Handler returns the http.Handler for the /status/ws upgrade endpoint.
func (f *Feed) Handler() http.Handler {
	return http.HandlerFunc(f.serveWS)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (f *Feed) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("statusfeed: websocket upgrade failed", "error", err)
		return
	}

	client := &wsConn{conn: conn, send: make(chan []byte, 64)}
	f.hub.registerCh <- client

	go client.writePump()
	go client.readPump(f.hub)
}

// hub owns the set of live WebSocket connections and fans broadcast
// messages out to all of them.
type hub struct {
	connections  map[*wsConn]bool
	broadcastCh  chan []byte
	registerCh   chan *wsConn
	unregisterCh chan *wsConn
}

type wsConn struct {
	conn *websocket.Conn
	send chan []byte
	mu   sync.Mutex
}

func newHub() *hub {
	return &hub{
		connections:  make(map[*wsConn]bool),
		broadcastCh:  make(chan []byte, 256),
		registerCh:   make(chan *wsConn),
		unregisterCh: make(chan *wsConn),
	}
}

func (h *hub) run() {
	for {
		select {
		case conn := <-h.registerCh:
			h.connections[conn] = true
			slog.Debug("statusfeed: client connected", "total", len(h.connections))

		case conn := <-h.unregisterCh:
			if _, ok := h.connections[conn]; ok {
				delete(h.connections, conn)
				close(conn.send)
				slog.Debug("statusfeed: client disconnected", "total", len(h.connections))
			}

		case msg := <-h.broadcastCh:
			for conn := range h.connections {
				select {
				case conn.send <- msg:
				default:
					delete(h.connections, conn)
					close(conn.send)
				}
			}
		}
	}
}

func (h *hub) broadcast(msg []byte) {
	select {
	case h.broadcastCh <- msg:
	default:
		// Hub is backed up; the feed is best-effort, clients can
		// re-derive current state from /health or /metrics.
	}
}

func (c *wsConn) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.mu.Lock()
		err := c.conn.WriteMessage(websocket.TextMessage, msg)
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
}

func (c *wsConn) readPump(h *hub) {
	defer func() {
		h.unregisterCh <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
