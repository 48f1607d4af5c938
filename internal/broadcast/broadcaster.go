// Package broadcast is the collector's observer push plane (C7):
// gorilla/websocket connections registered in a client map, fed by a
// single broadcast channel and fanned out best-effort. The client-map
// plus broadcast-channel shape is carried over from the teacher's
// dashboard server; the difference is this hub only pushes typed
// envelopes outward and never accepts inbound commands.
package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sentinelmesh/consensus-core/internal/logger"
)


// Envelope is the push message format described by SPEC_FULL.md §6.
type Envelope struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// Recognized broadcast types.
const (
	TypeWelcome         = "welcome"
	TypeValidatorUpdate = "validator_update"
	TypeAlert           = "alert"
	TypeAgentUpdate     = "agent_update"
	TypeConsensusUpdate = "consensus_update"
	// TypeLog carries a mirrored console log line to observers, backing
	// logger.SetStream's dashboard-stream role.
	TypeLog = "log"
)

// Broadcaster is the collector's observer registry and fan-out hub.
type Broadcaster struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]bool

	messages chan Envelope
}

// New builds a Broadcaster. Call Start to begin serving connections and
// draining the fan-out channel.
func New() *Broadcaster {
	return &Broadcaster{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		clients:  make(map[*websocket.Conn]bool),
		messages: make(chan Envelope, 256),
	}
}

// Start begins the fan-out loop; it returns once the goroutine is
// launched and runs until ctx is cancelled.
func (b *Broadcaster) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				b.closeAll()
				return
			case env := <-b.messages:
				b.deliver(env)
			}
		}
	}()
}

// StreamLogs mirrors every entry received on ch as a "log" broadcast
// envelope, giving logger.SetStream's dashboard-stream role somewhere
// to point at. It returns once the forwarding goroutine is launched and
// runs until ctx is cancelled or ch is closed.
func (b *Broadcaster) StreamLogs(ctx context.Context, ch <-chan logger.Entry) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-ch:
				if !ok {
					return
				}
				b.Publish(TypeLog, entry)
			}
		}
	}()
}

// HandleConnection upgrades an inbound HTTP request to a websocket
// observer session and sends the welcome envelope.
func (b *Broadcaster) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("BROADCAST", "upgrade failed: %v", err)
		return
	}

	b.mu.Lock()
	b.clients[conn] = true
	b.mu.Unlock()

	clientID := uuid.NewString()
	welcome := Envelope{Type: TypeWelcome, Data: map[string]string{"clientId": clientID}, Timestamp: time.Now()}
	if raw, err := json.Marshal(welcome); err == nil {
		conn.WriteMessage(websocket.TextMessage, raw)
	}

	// Observers are push-only: drain and discard anything they send so
	// disconnects surface promptly as a read error.
	go func() {
		defer b.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (b *Broadcaster) remove(conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[conn]; ok {
		delete(b.clients, conn)
		conn.Close()
	}
}

func (b *Broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.clients {
		conn.Close()
		delete(b.clients, conn)
	}
}

// Publish enqueues an envelope for delivery to every connected
// observer. Publish itself never blocks; when the outbound queue is
// full the envelope being published is dropped rather than stalling
// the caller.
func (b *Broadcaster) Publish(msgType string, data interface{}) {
	env := Envelope{Type: msgType, Data: data, Timestamp: time.Now()}
	select {
	case b.messages <- env:
	default:
		logger.Warn("BROADCAST", "fan-out queue full, dropping %s event", msgType)
	}
}

func (b *Broadcaster) deliver(env Envelope) {
	raw, err := json.Marshal(env)
	if err != nil {
		logger.Error("BROADCAST", "failed to marshal %s envelope: %v", env.Type, err)
		return
	}

	b.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(b.clients))
	for c := range b.clients {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			b.remove(conn)
		}
	}
}

// ObserverCount reports the number of currently connected observers.
func (b *Broadcaster) ObserverCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}
