// Package realtime implements the broadcast channel served on the relay mount
// when a client asks for a WebSocket upgrade. Every frame a peer sends is
// relayed to every other open peer on the same process.
package realtime

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"relay-proxy-go/internal/config"
	"relay-proxy-go/internal/metrics"
)

// ErrUpgrade is returned by Serve when the WebSocket handshake fails. The
// upgrader has already written an HTTP error response by then.
var ErrUpgrade = errors.New("websocket upgrade failed")

// Options tune peer connections.
type Options struct {
	SendBuffer      int
	MaxMessageBytes int64
	WriteTimeout    time.Duration
	PongWait        time.Duration
	AllowedOrigins  []string
}

// PeerSet tracks every connected peer.
type PeerSet struct {
	mu    sync.RWMutex
	peers map[string]*Peer

	upgrader websocket.Upgrader
	opts     Options
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewPeerSet creates a PeerSet from the realtime section of the config.
// The metrics parameter is optional.
func NewPeerSet(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *PeerSet {
	return newPeerSet(Options{
		SendBuffer:      cfg.Realtime.SendBuffer,
		MaxMessageBytes: cfg.Realtime.MaxMessageBytes,
		WriteTimeout:    time.Duration(cfg.Realtime.WriteTimeoutSeconds) * time.Second,
		PongWait:        time.Duration(cfg.Realtime.PongWaitSeconds) * time.Second,
		AllowedOrigins:  cfg.Realtime.AllowedOrigins,
	}, logger, m)
}

func newPeerSet(opts Options, logger *slog.Logger, m *metrics.Metrics) *PeerSet {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.PongWait <= 0 {
		opts.PongWait = 60 * time.Second
	}
	ps := &PeerSet{
		peers:   make(map[string]*Peer),
		opts:    opts,
		logger:  logger.With("component", "realtime"),
		metrics: m,
	}
	ps.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     ps.checkOrigin,
	}
	return ps
}

// IsUpgrade reports whether r asks for a WebSocket upgrade.
func IsUpgrade(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}

func (ps *PeerSet) checkOrigin(r *http.Request) bool {
	if len(ps.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return slices.Contains(ps.opts.AllowedOrigins, "*") || slices.Contains(ps.opts.AllowedOrigins, origin)
}

// Serve upgrades the connection, registers the peer and relays its frames
// until it disconnects. It blocks for the lifetime of the connection.
func (ps *PeerSet) Serve(w http.ResponseWriter, r *http.Request) error {
	conn, err := ps.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpgrade, err)
	}

	p := newPeer(conn, ps.opts.SendBuffer)
	p.setState(StateOpen)
	ps.Add(p)

	ps.logger.Debug("peer connected", "peer", p.id, "remote", r.RemoteAddr)

	go ps.writePump(p)
	ps.readPump(p)
	return nil
}

// Len returns the number of registered peers.
func (ps *PeerSet) Len() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.peers)
}

// Broadcast queues a frame from sender for every other open peer and returns
// how many peers accepted it. Closed peers are skipped and a peer whose send
// buffer is full loses this frame rather than stalling the sender.
func (ps *PeerSet) Broadcast(sender *Peer, kind int, data []byte) int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	m := message{kind: kind, data: data}
	delivered := 0
	for _, p := range ps.peers {
		if p == sender {
			continue
		}
		if p.State() != StateOpen {
			ps.count("skipped")
			continue
		}
		if !p.enqueue(m) {
			ps.count("dropped")
			ps.logger.Warn("peer send buffer full, dropping frame", "peer", p.id)
			continue
		}
		ps.count("delivered")
		delivered++
	}
	return delivered
}

// CloseAll disconnects every peer. Used on shutdown.
func (ps *PeerSet) CloseAll() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for id, p := range ps.peers {
		p.close()
		delete(ps.peers, id)
	}
	ps.gauge()
}

// Add registers an open peer for broadcast.
func (ps *PeerSet) Add(p *Peer) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.peers[p.id] = p
	ps.gauge()
}

// Remove drops p from the set and closes its send queue. It is idempotent.
func (ps *PeerSet) Remove(p *Peer) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if _, ok := ps.peers[p.id]; ok {
		delete(ps.peers, p.id)
		ps.gauge()
	}
	p.close()
}

func (ps *PeerSet) readPump(p *Peer) {
	defer ps.Remove(p)

	conn := p.conn
	if ps.opts.MaxMessageBytes > 0 {
		conn.SetReadLimit(ps.opts.MaxMessageBytes)
	}
	_ = conn.SetReadDeadline(time.Now().Add(ps.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(ps.opts.PongWait))
	})

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				ps.logger.Debug("peer read failed", "peer", p.id, "err", err)
			}
			return
		}
		// Any data frame from a peer extends its liveness window.
		_ = conn.SetReadDeadline(time.Now().Add(ps.opts.PongWait))
		ps.Broadcast(p, kind, data)
	}
}

func (ps *PeerSet) writePump(p *Peer) {
	ticker := time.NewTicker(ps.opts.PongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
		ps.logger.Debug("peer disconnected", "peer", p.id)
	}()

	for {
		select {
		case m, ok := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(ps.opts.WriteTimeout))
			if !ok {
				_ = p.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := p.conn.WriteMessage(m.kind, m.data); err != nil {
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(ps.opts.WriteTimeout))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (ps *PeerSet) count(outcome string) {
	if ps.metrics != nil {
		ps.metrics.PeerMessages.WithLabelValues(outcome).Inc()
	}
}

// gauge must be called with mu held.
func (ps *PeerSet) gauge() {
	if ps.metrics != nil {
		ps.metrics.PeersConnected.Set(float64(len(ps.peers)))
	}
}
