package httpserver

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/onlyfeng/engram-sub002/internal/events"
)

// Streamer fans sync-engine and gateway lifecycle events out to
// WebSocket clients on /sync/stream, adapted from the teacher's
// DAGStreamer hub: same register/unregister/broadcast channel
// pattern, CloudEvent frames instead of DAG node/edge events.
type Streamer struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan *events.CloudEvent
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
}

func NewStreamer() *Streamer {
	return &Streamer{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan *events.CloudEvent, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run drives the hub loop; callers start it once per Streamer (New
// starts it for the server's own streamer).
func (s *Streamer) Run() {
	for {
		select {
		case client := <-s.register:
			s.mu.Lock()
			s.clients[client] = true
			s.mu.Unlock()

		case client := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[client]; ok {
				delete(s.clients, client)
				client.Close()
			}
			s.mu.Unlock()

		case event := <-s.broadcast:
			s.mu.RLock()
			for client := range s.clients {
				if err := client.WriteJSON(event); err != nil {
					client.Close()
					delete(s.clients, client)
				}
			}
			s.mu.RUnlock()
		}
	}
}

func (s *Streamer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("sync stream upgrade error: %v", err)
		return
	}
	s.register <- conn

	go func() {
		defer func() { s.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// Relay subscribes to bus and forwards every event to connected
// WebSocket clients until ctx-equivalent shutdown (Unsubscribe).
func (s *Streamer) Relay(bus *events.EventBus) {
	ch := bus.Subscribe()
	go func() {
		for event := range ch {
			select {
			case s.broadcast <- event:
			default:
			}
		}
	}()
}

// Emit satisfies events.EventEmitter so a Streamer can itself be
// passed wherever an emitter is expected (mainly for tests).
func (s *Streamer) Emit(eventType, source, subject string, data map[string]interface{}) {
	s.broadcast <- events.NewCloudEvent(eventType, source, subject, data)
}
