// Package websocket pushes detection events to dashboard clients over a
// persistent socket. The streamer is a plain hub: one goroutine owns the
// client set, slow clients are dropped rather than allowed to stall the
// broadcast.
package websocket

import (
	"context"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/stylobot/gateway/internal/events"
)

// Streamer fans CloudEvents out to WebSocket subscribers.
type Streamer struct {
	bus *events.Bus

	mu      sync.RWMutex
	clients map[*websocket.Conn]bool

	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	upgrader   websocket.Upgrader
	logger     *log.Logger
}

// NewStreamer creates a streamer over the in-process event bus.
func NewStreamer(bus *events.Bus) *Streamer {
	return &Streamer{
		bus:        bus,
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		upgrader: websocket.Upgrader{
			// The stream carries only hashed signatures and aggregates,
			// so cross-origin dashboards are acceptable.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: log.New(log.Writer(), "[STREAM] ", log.LstdFlags),
	}
}

// Run owns the client set until ctx is done. Call in its own goroutine.
func (s *Streamer) Run(ctx context.Context) {
	sub := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			for conn := range s.clients {
				conn.Close()
				delete(s.clients, conn)
			}
			s.mu.Unlock()
			return

		case conn := <-s.register:
			s.mu.Lock()
			s.clients[conn] = true
			n := len(s.clients)
			s.mu.Unlock()
			s.logger.Printf("client connected (total: %d)", n)

		case conn := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[conn]; ok {
				delete(s.clients, conn)
				conn.Close()
			}
			n := len(s.clients)
			s.mu.Unlock()
			s.logger.Printf("client disconnected (total: %d)", n)

		case event, ok := <-sub:
			if !ok {
				return
			}
			s.broadcast(event)
		}
	}
}

func (s *Streamer) broadcast(event *events.CloudEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		if err := conn.WriteJSON(event); err != nil {
			s.logger.Printf("write failed, dropping client: %v", err)
			conn.Close()
			delete(s.clients, conn)
		}
	}
}

// HandleWebSocket upgrades the request and registers the connection.
func (s *Streamer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("upgrade failed: %v", err)
		return
	}

	s.register <- conn

	// Drain the read side so pings and client closes are noticed.
	go func() {
		defer func() { s.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// ClientCount reports the live connection count.
func (s *Streamer) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
