package session

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/weftworks/weft/core"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// pongWait is how long a silent peer stays alive. pingPeriod must be
	// shorter so a ping always lands inside the window.
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	// maxMessageSize bounds inbound frames. Chat turns are text; anything
	// bigger is a client bug.
	maxMessageSize = 64 << 10
)

// WSHandler upgrades chat connections and bridges each one to a session
// loop: readPump parses inbound frames into Session.Deliver, writePump
// drains the session's outbound queue onto the wire.
type WSHandler struct {
	runtime  *Runtime
	upgrader websocket.Upgrader
	logger   core.Logger

	mu      sync.Mutex
	clients map[string]*wsClient
}

// NewWSHandler creates the handler. An empty origin list allows every
// origin, which matches clients served from another host during
// development; lock it down in production.
func NewWSHandler(runtime *Runtime, allowedOrigins []string, logger core.Logger) *WSHandler {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &WSHandler{
		runtime: runtime,
		logger:  logger,
		clients: make(map[string]*wsClient),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowedOrigins) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				for _, allowed := range allowedOrigins {
					if allowed == "*" || allowed == origin {
						return true
					}
				}
				return false
			},
		},
	}
}

// wsClient is one WebSocket connection bound to one session.
type wsClient struct {
	conn    *websocket.Conn
	session *Session
	logger  core.Logger

	mu     sync.Mutex
	closed bool
}

// ServeHTTP upgrades the connection, opens a session, and starts the pumps.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Warn("WebSocket upgrade failed", map[string]interface{}{
			"operation": "ws_upgrade",
			"remote":    r.RemoteAddr,
			"error":     err.Error(),
		})
		return
	}

	sess, err := h.runtime.Open(r.Context(), r.URL.Query().Get("user"))
	if err != nil {
		h.logger.Error("Failed to open session", map[string]interface{}{
			"operation": "ws_upgrade",
			"remote":    r.RemoteAddr,
			"error":     err.Error(),
		})
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session unavailable")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return
	}

	client := &wsClient{conn: conn, session: sess, logger: h.logger}
	h.register(client)

	go client.writePump()
	go client.readPump(h)
}

func (h *WSHandler) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c.session.ID] = c
	h.mu.Unlock()
}

func (h *WSHandler) unregister(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c.session.ID)
	h.mu.Unlock()
}

// ClientCount reports open connections, for the stats endpoint.
func (h *WSHandler) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// writePump drains the session's outbound queue onto the wire and keeps the
// connection alive with pings. When the session ends it flushes whatever
// the loop managed to queue, so a soft-deadline end frame still reaches a
// client that is merely idle.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case ev := <-c.session.Events():
			if err := c.writeFrame(OutboundFrame{Type: ev.Type, Content: ev.Content}); err != nil {
				return
			}

		case <-c.session.Context().Done():
			for {
				select {
				case ev := <-c.session.Events():
					if err := c.writeFrame(OutboundFrame{Type: ev.Type, Content: ev.Content}); err != nil {
						return
					}
				default:
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					c.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) writeFrame(f OutboundFrame) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(f)
}

// readPump parses inbound frames into the session until the peer goes
// away, then tears the session down.
func (c *wsClient) readPump(h *WSHandler) {
	defer func() {
		h.unregister(c)
		c.session.Close()
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket closed unexpectedly", map[string]interface{}{
					"operation":  "ws_read",
					"session_id": c.session.ID,
					"error":      err.Error(),
				})
			}
			return
		}

		frame, err := ParseFrame(data)
		if err != nil {
			c.logger.Warn("Dropping malformed frame", map[string]interface{}{
				"operation":  "ws_read",
				"session_id": c.session.ID,
				"error":      err.Error(),
			})
			continue
		}
		c.session.Deliver(frame)
	}
}

// close shuts the connection once. The session is closed by readPump's
// defer; this only covers the socket.
func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.conn.Close()
	}
}
