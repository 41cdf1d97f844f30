// Package telemetry streams portfolio updates and runtime metrics to
// websocket clients. It is an observer only; nothing in the pipeline waits
// on it.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/yanun0323/logs"
)

const (
	DefaultBacklog = 256
	writeTimeout   = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Message is the envelope every client receives.
type Message struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

// Hub fans messages out to connected clients. Slow or broken clients are
// disconnected; a full backlog drops the message.
type Hub struct {
	broadcast chan []byte

	lock    sync.Mutex
	clients map[*websocket.Conn]struct{}
	dropped uint64
}

func NewHub(backlog int) *Hub {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	return &Hub{
		clients:   make(map[*websocket.Conn]struct{}),
		broadcast: make(chan []byte, backlog),
	}
}

// Run writes queued messages until ctx is done, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-h.broadcast:
			h.lock.Lock()
			for client := range h.clients {
				_ = client.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := client.WriteMessage(websocket.TextMessage, msg); err != nil {
					logs.Warnf("telemetry: drop client %s, err: %+v", client.RemoteAddr(), err)
					_ = client.Close()
					delete(h.clients, client)
				}
			}
			h.lock.Unlock()
		}
	}
}

// Broadcast encodes v under typ and queues it without blocking.
func (h *Hub) Broadcast(typ string, v any) error {
	msg, err := sonic.Marshal(Message{Type: typ, Time: time.Now().UTC(), Data: v})
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- msg:
	default:
		h.lock.Lock()
		h.dropped++
		h.lock.Unlock()
	}
	return nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.clients)
}

// Dropped returns how many messages were discarded on a full backlog.
func (h *Hub) Dropped() uint64 {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.dropped
}

// Handler upgrades requests to websocket connections and registers them.
// Client messages are read and discarded so close frames are seen.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logs.Warnf("telemetry: upgrade %s, err: %+v", r.RemoteAddr, err)
			return
		}
		h.lock.Lock()
		h.clients[conn] = struct{}{}
		h.lock.Unlock()

		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					h.remove(conn)
					return
				}
			}
		}()
	})
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.lock.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		_ = conn.Close()
	}
	h.lock.Unlock()
}

func (h *Hub) closeAll() {
	h.lock.Lock()
	defer h.lock.Unlock()
	for client := range h.clients {
		_ = client.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
			time.Now().Add(time.Second))
		_ = client.Close()
		delete(h.clients, client)
	}
}
