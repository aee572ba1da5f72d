package realtime

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// State is the lifecycle state of a peer connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type message struct {
	kind int
	data []byte
}

// Peer is one upgraded client connection. Outbound frames are queued on send
// and written by the peer's own write pump, so a broadcast never blocks on a
// slow socket.
type Peer struct {
	id    string
	conn  *websocket.Conn
	send  chan message
	state atomic.Int32

	closeOnce sync.Once
}

func newPeer(conn *websocket.Conn, buffer int) *Peer {
	if buffer <= 0 {
		buffer = 1
	}
	return &Peer{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan message, buffer),
	}
}

// ID returns the peer's unique identifier.
func (p *Peer) ID() string { return p.id }

// State returns the current lifecycle state.
func (p *Peer) State() State { return State(p.state.Load()) }

func (p *Peer) setState(s State) { p.state.Store(int32(s)) }

// enqueue queues a frame without blocking. It reports false when the peer's
// buffer is full. Callers must hold the owning set's read lock so enqueue
// never races with close.
func (p *Peer) enqueue(m message) bool {
	select {
	case p.send <- m:
		return true
	default:
		return false
	}
}

// close marks the peer closed and stops its write pump. Callers must hold the
// owning set's write lock.
func (p *Peer) close() {
	p.closeOnce.Do(func() {
		p.setState(StateClosed)
		close(p.send)
	})
}
