// Package p2p is the agent's peer transport (C2): a full-duplex message
// fabric over persistent websocket connections to a bootstrap-seeded
// peer set, with reconnection. Adapted from the collector dashboard's
// gorilla/websocket client-map idiom (a hub keyed by connection, fanning
// out one direction) generalized into a symmetric fabric that both dials
// out and accepts inbound connections, keyed by learned peer identity
// rather than by raw connection.
package p2p

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/sentinelmesh/consensus-core/internal/logger"
)

// fabricLog carries the structured fields the fabric hot path needs
// (peerId, bootstrapUrl) that don't read well folded into a formatted
// string on internal/logger.
var fabricLog = logrus.WithField("component", "p2p")

// Transport is one agent's peer endpoint: it accepts inbound dials on
// Port and dials every entry of Bootstrap at startup, re-attempting
// disconnected bootstrap URLs every DiscoveryInterval.
type Transport struct {
	SelfID            string
	Port              int
	Bootstrap         []string
	DiscoveryInterval time.Duration

	upgrader websocket.Upgrader
	server   *http.Server

	mu    sync.Mutex
	peers map[string]*peerConn // keyed by learned agentID

	subMu sync.Mutex
	subs  map[string][]chan Envelope
}

type peerConn struct {
	id           string
	conn         *websocket.Conn
	bootstrapURL string
	writeMu      sync.Mutex
}

const defaultDiscoveryInterval = 60 * time.Second

// New builds a Transport. DiscoveryInterval falls back to spec.md §4.2's
// default of 60s if unset.
func New(selfID string, port int, bootstrap []string, discoveryInterval time.Duration) *Transport {
	if discoveryInterval <= 0 {
		discoveryInterval = defaultDiscoveryInterval
	}
	return &Transport{
		SelfID:            selfID,
		Port:              port,
		Bootstrap:         bootstrap,
		DiscoveryInterval: discoveryInterval,
		upgrader:          websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		peers:             make(map[string]*peerConn),
		subs:              make(map[string][]chan Envelope),
	}
}

// Start begins listening for inbound peers and dialing the bootstrap
// set. It returns once the listener is up; connection handling runs in
// background goroutines until ctx is cancelled.
func (t *Transport) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/p2p", func(w http.ResponseWriter, r *http.Request) {
		conn, err := t.upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("P2P", "upgrade failed: %v", err)
			return
		}
		t.handleConn(ctx, conn, "")
	})

	t.server = &http.Server{Addr: addr(t.Port), Handler: mux}
	go func() {
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("P2P", "listener failed: %v", err)
		}
	}()

	go t.dialAll(ctx)

	go func() {
		ticker := time.NewTicker(t.DiscoveryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.dialDisconnected(ctx)
			}
		}
	}()

	go func() {
		<-ctx.Done()
		t.Close()
	}()

	return nil
}

func addr(port int) string {
	return ":" + strconv.Itoa(port)
}

func (t *Transport) dialAll(ctx context.Context) {
	for _, url := range t.Bootstrap {
		go t.dial(ctx, url)
	}
}

func (t *Transport) dialDisconnected(ctx context.Context) {
	t.mu.Lock()
	connected := make(map[string]bool)
	for _, p := range t.peers {
		if p.bootstrapURL != "" {
			connected[p.bootstrapURL] = true
		}
	}
	t.mu.Unlock()

	for _, url := range t.Bootstrap {
		if !connected[url] {
			go t.dial(ctx, url)
		}
	}
}

func (t *Transport) dial(ctx context.Context, url string) {
	wsURL := toWSURL(url)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		logger.Debug("P2P", "dial %s failed: %v", url, err)
		return
	}
	t.handleConn(ctx, conn, url)
}

func toWSURL(u string) string {
	switch {
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://") + "/p2p"
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://") + "/p2p"
	default:
		return u
	}
}

// handleConn drives one socket end-to-end: send hello, then read until
// close, dispatching recognized messages to subscribers.
func (t *Transport) handleConn(ctx context.Context, conn *websocket.Conn, bootstrapURL string) {
	pc := &peerConn{conn: conn, bootstrapURL: bootstrapURL}

	if err := t.send(pc, TypePeerHello, HelloPayload{}); err != nil {
		conn.Close()
		return
	}

	defer func() {
		t.remove(pc)
		conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		if env.From == t.SelfID {
			continue // self-dial
		}

		switch env.Type {
		case TypePeerHello:
			t.register(env.From, pc)
		case TypeConsensusRequest, TypeConsensusResponse:
			t.dispatch(env)
		default:
			// unrecognized types are ignored
		}
	}
}

func (t *Transport) register(id string, pc *peerConn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pc.id = id
	if old, exists := t.peers[id]; exists && old != pc {
		old.conn.Close()
	}
	t.peers[id] = pc
	fabricLog.WithFields(logrus.Fields{
		"peerId":       id,
		"bootstrapUrl": pc.bootstrapURL,
	}).Info("peer registered")
}

func (t *Transport) remove(pc *peerConn) {
	if pc.id == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if current, exists := t.peers[pc.id]; exists && current == pc {
		delete(t.peers, pc.id)
		fabricLog.WithField("peerId", pc.id).Info("peer dropped")
	}
}

func (t *Transport) send(pc *peerConn, msgType string, data any) error {
	env, err := newEnvelope(msgType, t.SelfID, data)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	return pc.conn.WriteMessage(websocket.TextMessage, raw)
}

// Broadcast sends msg to every currently connected peer, best-effort:
// closed or slow sockets are skipped without buffering or retry.
func (t *Transport) Broadcast(msgType string, data any) {
	env, err := newEnvelope(msgType, t.SelfID, data)
	if err != nil {
		logger.Warn("P2P", "failed to marshal broadcast: %v", err)
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}

	t.mu.Lock()
	peers := make([]*peerConn, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.mu.Unlock()

	for _, p := range peers {
		p.writeMu.Lock()
		p.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		err := p.conn.WriteMessage(websocket.TextMessage, raw)
		p.writeMu.Unlock()
		if err != nil {
			logger.Debug("P2P", "dropped broadcast to %s: %v", p.id, err)
		}
	}
}

// PeerCount returns the number of currently connected peers.
func (t *Transport) PeerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

// Subscribe returns a channel receiving every inbound envelope of
// msgType until the returned cancel func is called. Delivery is
// non-blocking: a slow subscriber drops messages rather than stalling
// the transport.
func (t *Transport) Subscribe(msgType string) (<-chan Envelope, func()) {
	ch := make(chan Envelope, 32)

	t.subMu.Lock()
	t.subs[msgType] = append(t.subs[msgType], ch)
	t.subMu.Unlock()

	cancel := func() {
		t.subMu.Lock()
		defer t.subMu.Unlock()
		list := t.subs[msgType]
		for i, c := range list {
			if c == ch {
				t.subs[msgType] = append(list[:i], list[i+1:]...)
				break
			}
		}
		close(ch)
	}
	return ch, cancel
}

func (t *Transport) dispatch(env Envelope) {
	t.subMu.Lock()
	subs := append([]chan Envelope(nil), t.subs[env.Type]...)
	t.subMu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- env:
		default:
		}
	}
}

// Close shuts down the listener and drops every connected peer.
func (t *Transport) Close() {
	if t.server != nil {
		t.server.Close()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, p := range t.peers {
		p.conn.Close()
		delete(t.peers, id)
	}
}
