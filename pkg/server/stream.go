package server

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hervehildenbrand/threat-radar/pkg/logging"
	"github.com/hervehildenbrand/threat-radar/pkg/metrics"
	"github.com/hervehildenbrand/threat-radar/pkg/models"
)

const (
	pingInterval    = 30 * time.Second
	writeTimeout    = 10 * time.Second
	clientQueueSize = 256
)

// Hub fans ingested events out to connected websocket dashboard clients.
// Slow clients drop events rather than stalling the ingest path.
type Hub struct {
	upgrader websocket.Upgrader
	metrics  *metrics.Metrics

	mu      sync.RWMutex
	clients map[*streamClient]struct{}
	closed  bool

	// Stats
	broadcasts uint64
	dropped    uint64
}

type streamClient struct {
	id   string
	conn *websocket.Conn
	send chan models.Event
	once sync.Once
}

// NewHub creates an empty stream hub.
func NewHub(m *metrics.Metrics) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		metrics: m,
		clients: make(map[*streamClient]struct{}),
	}
}

// Broadcast offers an event to every connected client. Non-blocking: a full
// client queue drops the event for that client only.
func (h *Hub) Broadcast(e models.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	atomic.AddUint64(&h.broadcasts, 1)
	for c := range h.clients {
		select {
		case c.send <- e:
		default:
			atomic.AddUint64(&h.dropped, 1)
		}
	}
}

// ServeHTTP upgrades the request and streams events until the client leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("stream: upgrade failed", zap.Error(err))
		return
	}

	c := &streamClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan models.Event, clientQueueSize),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.StreamClients.Set(float64(n))
	}
	logging.Info("stream: client connected", zap.String("client", c.id), zap.Int("clients", n))

	go h.writeLoop(c)
	h.readLoop(c)
}

// writeLoop pushes events and pings; any write error ends the session.
func (h *Hub) writeLoop(c *streamClient) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-c.send:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(e); err != nil {
				h.drop(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.drop(c)
				return
			}
		}
	}
}

// readLoop consumes control frames so pongs and closes are processed.
func (h *Hub) readLoop(c *streamClient) {
	c.conn.SetPongHandler(func(string) error { return nil })
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.drop(c)
			return
		}
	}
}

func (h *Hub) drop(c *streamClient) {
	h.mu.Lock()
	_, present := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	c.once.Do(func() {
		close(c.send)
		c.conn.Close()
	})

	if present {
		if h.metrics != nil {
			h.metrics.StreamClients.Set(float64(n))
		}
		logging.Info("stream: client disconnected", zap.String("client", c.id), zap.Int("clients", n))
	}
}

// Stop disconnects all clients.
func (h *Hub) Stop() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*streamClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*streamClient]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.once.Do(func() {
			close(c.send)
			c.conn.Close()
		})
	}
	if h.metrics != nil {
		h.metrics.StreamClients.Set(0)
	}
	logging.Info("stream: hub stopped")
}

// Stats returns hub statistics.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return map[string]interface{}{
		"clients":    n,
		"broadcasts": atomic.LoadUint64(&h.broadcasts),
		"dropped":    atomic.LoadUint64(&h.dropped),
	}
}
