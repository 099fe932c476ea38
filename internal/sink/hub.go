package sink

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jetvision/agent/internal/models"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	pingEvery = (pongWait * 9) / 10
)

// Hub broadcasts updates to browser clients as JSON. Annotated frames travel
// base64 encoded in update.result.image.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]*sync.Mutex

	queue   chan envelope
	dropped atomic.Uint64
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewHub creates a hub whose broadcast queue holds at most queue messages.
func NewHub(queue int, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queue < 1 {
		queue = 1
	}
	h := &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:  logger.Named("hub"),
		clients: make(map[*websocket.Conn]*sync.Mutex),
		queue:   make(chan envelope, queue),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go h.broadcast()
	return h
}

// Publish queues u for all clients, dropping it when the queue is full.
func (h *Hub) Publish(u models.Update) {
	h.offer(envelope{Type: "update", Update: &u})
}

// PublishMetrics queues a metrics-only message.
func (h *Hub) PublishMetrics(snap *models.MetricsSnapshot) {
	if snap == nil {
		return
	}
	h.offer(envelope{Type: "metrics", Metrics: snap})
}

func (h *Hub) offer(e envelope) {
	select {
	case <-h.done:
		return
	default:
	}
	select {
	case h.queue <- e:
	default:
		h.dropped.Add(1)
	}
}

// Dropped reports how many messages were discarded because clients were slow.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// ClientCount returns the number of connected browsers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	writeMu := &sync.Mutex{}
	h.mu.Lock()
	h.clients[conn] = writeMu
	h.mu.Unlock()
	h.logger.Debug("Client connected", zap.String("remote", r.RemoteAddr))

	go h.serveClient(conn, writeMu)
}

// serveClient pings the client and drains its reads until it goes away.
func (h *Hub) serveClient(conn *websocket.Conn, writeMu *sync.Mutex) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pingEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := writeMessage(conn, writeMu, websocket.PingMessage, nil); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()
	defer close(done)
	defer h.removeClient(conn)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) broadcast() {
	defer close(h.stopped)
	for {
		select {
		case <-h.done:
			return
		case e := <-h.queue:
			payload, err := json.Marshal(e)
			if err != nil {
				h.logger.Warn("Cannot encode message", zap.Error(err))
				continue
			}

			var stale []*websocket.Conn
			h.mu.Lock()
			for conn, writeMu := range h.clients {
				if err := writeMessage(conn, writeMu, websocket.TextMessage, payload); err != nil {
					stale = append(stale, conn)
				}
			}
			h.mu.Unlock()
			for _, conn := range stale {
				h.removeClient(conn)
			}
		}
	}
}

func (h *Hub) removeClient(conn *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.clients[conn]
	delete(h.clients, conn)
	h.mu.Unlock()
	if ok {
		conn.Close()
	}
}

// Close stops broadcasting and disconnects all clients.
func (h *Hub) Close() error {
	h.once.Do(func() {
		close(h.done)
		<-h.stopped

		h.mu.Lock()
		for conn, writeMu := range h.clients {
			_ = writeMessage(conn, writeMu, websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			conn.Close()
			delete(h.clients, conn)
		}
		h.mu.Unlock()
	})
	return nil
}

func writeMessage(conn *websocket.Conn, writeMu *sync.Mutex, messageType int, payload []byte) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, payload)
}
