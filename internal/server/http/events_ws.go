package http

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"tachikoma/internal/logging"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsSendBuffer   = 64
)

// eventHub fans orchestrator lifecycle events out to websocket subscribers.
// Slow consumers are dropped rather than blocking the broadcast path.
type eventHub struct {
	upgrader websocket.Upgrader
	logger   logging.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]chan any
}

func newEventHub() *eventHub {
	return &eventHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logging.NewComponentLogger("events"),
		conns:  make(map[*websocket.Conn]chan any),
	}
}

// Broadcast queues ev for every subscriber.
func (h *eventHub) Broadcast(ev any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, send := range h.conns {
		select {
		case send <- ev:
		default:
			h.logger.Warn("dropping slow event subscriber")
			close(send)
			delete(h.conns, conn)
			_ = conn.Close()
		}
	}
}

func (h *eventHub) subscribe(conn *websocket.Conn) chan any {
	send := make(chan any, wsSendBuffer)
	h.mu.Lock()
	h.conns[conn] = send
	h.mu.Unlock()
	return send
}

func (h *eventHub) unsubscribe(conn *websocket.Conn) {
	h.mu.Lock()
	if send, ok := h.conns[conn]; ok {
		close(send)
		delete(h.conns, conn)
	}
	h.mu.Unlock()
	_ = conn.Close()
}

func (h *eventHub) close() {
	h.mu.Lock()
	for conn, send := range h.conns {
		close(send)
		_ = conn.Close()
		delete(h.conns, conn)
	}
	h.mu.Unlock()
}

func (s *Server) handleEvents(c *gin.Context) {
	conn, err := s.hub.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote its own error response.
		return
	}
	send := s.hub.subscribe(conn)

	// writer: one goroutine owns all writes to the connection
	go func() {
		for ev := range send {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				s.hub.unsubscribe(conn)
				return
			}
		}
	}()

	// reader: the stream is one-way; reads only detect the close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.hub.unsubscribe(conn)
			return
		}
	}
}
