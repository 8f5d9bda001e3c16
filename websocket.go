// websocket.go
package agoranet

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsClient is one connected reader of the public Change Record feed.
type wsClient struct {
	manager *WSManager
	conn    *websocket.Conn
	send    chan []byte
}

// WSManager broadcasts every Change Record published on the bus to every
// connected client — a live feed of thread/message/reaction/credential/
// finalization activity, local or federated. It is an optional sink: the
// bus fans out independently of whether anyone is listening over a socket.
type WSManager struct {
	conns      map[*wsClient]bool
	mu         sync.RWMutex
	register   chan *wsClient
	unregister chan *wsClient
}

func NewWSManager() *WSManager {
	return &WSManager{
		conns:      make(map[*wsClient]bool),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
	}
}

// Run drives client (un)registration and must be started in its own
// goroutine before Serve is reachable.
func (m *WSManager) Run() {
	for {
		select {
		case c := <-m.register:
			m.mu.Lock()
			m.conns[c] = true
			m.mu.Unlock()
		case c := <-m.unregister:
			m.mu.Lock()
			if _, ok := m.conns[c]; ok {
				delete(m.conns, c)
				close(c.send)
			}
			m.mu.Unlock()
		}
	}
}

func (m *WSManager) broadcast(payload []byte) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for c := range m.conns {
		select {
		case c.send <- payload:
		default:
			Logger().Warn("ws_client_slow_dropping")
		}
	}
}

// PumpBus subscribes to bus and forwards every record to every connected
// client for as long as the subscription is alive. Call it from a
// goroutine alongside Run; the returned func tears the subscription down.
func (m *WSManager) PumpBus(bus ChangeBus) func() {
	ch, unsubscribe := bus.Subscribe("websocket")
	go func() {
		for rec := range ch {
			data, err := json.Marshal(rec)
			if err != nil {
				continue
			}
			m.broadcast(data)
		}
	}()
	return unsubscribe
}

// Serve upgrades an HTTP request to a websocket connection and registers it
// with m.
func (m *WSManager) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		Logger().Warn("ws_upgrade_failed", "err", err)
		return
	}
	c := &wsClient{manager: m, conn: conn, send: make(chan []byte, 64)}
	m.register <- c
	go c.writePump()
	go c.readPump()
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only drains control frames (pong/close); this feed is
// write-only from the server's perspective.
func (c *wsClient) readPump() {
	defer func() {
		c.manager.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
