package eventbus

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// envelope is the wire shape every pushed event takes.
type envelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// WebsocketBus fans events out to subscribers per address (a dispatch id
// or a ride id), keeping the room map behind a register/unregister
// channel actor so it's only ever touched from a single goroutine.
type WebsocketBus struct {
	upgrader websocket.Upgrader

	register   chan registration
	unregister chan registration
	publish    chan publication
	done       chan struct{}

	mu    sync.RWMutex
	rooms map[string]map[*websocket.Conn]struct{}
}

type registration struct {
	address string
	conn    *websocket.Conn
}

type publication struct {
	address string
	data    []byte
}

func NewWebsocketBus() *WebsocketBus {
	b := &WebsocketBus{
		upgrader:   websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		register:   make(chan registration),
		unregister: make(chan registration),
		publish:    make(chan publication, 64),
		done:       make(chan struct{}),
		rooms:      make(map[string]map[*websocket.Conn]struct{}),
	}
	go b.run()
	return b
}

func (b *WebsocketBus) run() {
	for {
		select {
		case <-b.done:
			return
		case r := <-b.register:
			b.mu.Lock()
			room, ok := b.rooms[r.address]
			if !ok {
				room = make(map[*websocket.Conn]struct{})
				b.rooms[r.address] = room
			}
			room[r.conn] = struct{}{}
			b.mu.Unlock()
		case r := <-b.unregister:
			b.mu.Lock()
			if room, ok := b.rooms[r.address]; ok {
				delete(room, r.conn)
				if len(room) == 0 {
					delete(b.rooms, r.address)
				}
			}
			b.mu.Unlock()
			_ = r.conn.Close()
		case p := <-b.publish:
			b.mu.RLock()
			room := b.rooms[p.address]
			conns := make([]*websocket.Conn, 0, len(room))
			for c := range room {
				conns = append(conns, c)
			}
			b.mu.RUnlock()
			for _, c := range conns {
				_ = c.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := c.WriteMessage(websocket.TextMessage, p.data); err != nil {
					// drop the connection here: run is the only reader of
					// b.unregister, so sending to it would block forever.
					b.mu.Lock()
					if room, ok := b.rooms[p.address]; ok {
						delete(room, c)
						if len(room) == 0 {
							delete(b.rooms, p.address)
						}
					}
					b.mu.Unlock()
					_ = c.Close()
				}
			}
		}
	}
}

// Emit enqueues the event for best-effort fan-out to every connection
// registered on address. It never blocks on slow readers thanks to the
// buffered publish channel.
func (b *WebsocketBus) Emit(ctx context.Context, address, event string, payload any) error {
	data, err := json.Marshal(envelope{Event: event, Payload: payload})
	if err != nil {
		return err
	}
	select {
	case b.publish <- publication{address: address, data: data}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ServeHTTP upgrades the connection and joins it to address's room until
// the client disconnects.
func (b *WebsocketBus) ServeHTTP(address string, w http.ResponseWriter, r *http.Request) error {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	b.register <- registration{address: address, conn: conn}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			b.unregister <- registration{address: address, conn: conn}
			return nil
		}
	}
}

func (b *WebsocketBus) Close() {
	close(b.done)
}
