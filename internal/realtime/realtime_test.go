package realtime

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"relay-proxy-go/internal/metrics"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions() Options {
	return Options{
		SendBuffer:      8,
		MaxMessageBytes: 1 << 16,
		WriteTimeout:    2 * time.Second,
		PongWait:        5 * time.Second,
	}
}

// openPeer registers a peer with no connection, for exercising Broadcast alone.
func openPeer(ps *PeerSet, state State, buffer int) *Peer {
	p := newPeer(nil, buffer)
	ps.Add(p)
	p.setState(state)
	return p
}

func drain(p *Peer) []message {
	var out []message
	for {
		select {
		case m := <-p.send:
			out = append(out, m)
		default:
			return out
		}
	}
}

func TestBroadcast_SkipsSenderAndClosedPeers(t *testing.T) {
	ps := newPeerSet(testOptions(), discardLogger(), metrics.New("/go/"))

	a := openPeer(ps, StateOpen, 8)
	b := openPeer(ps, StateOpen, 8)
	c := openPeer(ps, StateOpen, 8)
	d := openPeer(ps, StateClosed, 8)

	n := ps.Broadcast(a, websocket.TextMessage, []byte("hello"))
	if n != 2 {
		t.Errorf("Broadcast() = %d, want 2", n)
	}

	for name, tt := range map[string]struct {
		peer *Peer
		want int
	}{
		"sender": {a, 0},
		"b":      {b, 1},
		"c":      {c, 1},
		"closed": {d, 0},
	} {
		got := drain(tt.peer)
		if len(got) != tt.want {
			t.Errorf("%s received %d frames, want %d", name, len(got), tt.want)
			continue
		}
		for _, m := range got {
			if string(m.data) != "hello" || m.kind != websocket.TextMessage {
				t.Errorf("%s received %v %q, want text %q", name, m.kind, m.data, "hello")
			}
		}
	}
}

func TestBroadcast_FullBufferDropsWithoutBlocking(t *testing.T) {
	ps := newPeerSet(testOptions(), discardLogger(), nil)

	sender := openPeer(ps, StateOpen, 1)
	slow := openPeer(ps, StateOpen, 1)

	if n := ps.Broadcast(sender, websocket.TextMessage, []byte("1")); n != 1 {
		t.Fatalf("first Broadcast() = %d, want 1", n)
	}

	done := make(chan int, 1)
	go func() { done <- ps.Broadcast(sender, websocket.TextMessage, []byte("2")) }()

	select {
	case n := <-done:
		if n != 0 {
			t.Errorf("second Broadcast() = %d, want 0", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked on a full peer buffer")
	}

	got := drain(slow)
	if len(got) != 1 || string(got[0].data) != "1" {
		t.Errorf("slow peer frames = %v, want only the first", got)
	}
}

func TestBroadcast_PreservesOrderPerSender(t *testing.T) {
	ps := newPeerSet(testOptions(), discardLogger(), nil)
	a := openPeer(ps, StateOpen, 8)
	b := openPeer(ps, StateOpen, 8)

	for _, s := range []string{"one", "two", "three"} {
		ps.Broadcast(a, websocket.TextMessage, []byte(s))
	}

	got := drain(b)
	want := []string{"one", "two", "three"}
	if len(got) != len(want) {
		t.Fatalf("received %d frames, want %d", len(got), len(want))
	}
	for i := range want {
		if string(got[i].data) != want[i] {
			t.Errorf("frame %d = %q, want %q", i, got[i].data, want[i])
		}
	}
}

func TestRemoveAndCloseAll(t *testing.T) {
	ps := newPeerSet(testOptions(), discardLogger(), nil)
	a := openPeer(ps, StateOpen, 1)
	b := openPeer(ps, StateOpen, 1)

	ps.Remove(a)
	ps.Remove(a) // second remove is a no-op
	if ps.Len() != 1 {
		t.Errorf("Len() = %d, want 1", ps.Len())
	}
	if a.State() != StateClosed {
		t.Errorf("removed peer state = %v, want closed", a.State())
	}

	ps.CloseAll()
	if ps.Len() != 0 {
		t.Errorf("Len() after CloseAll = %d, want 0", ps.Len())
	}
	if _, ok := <-b.send; ok {
		t.Error("closed peer send channel still open")
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"no list allows all", nil, "https://anywhere.example", true},
		{"listed origin", []string{"https://app.example"}, "https://app.example", true},
		{"unlisted origin", []string{"https://app.example"}, "https://evil.example", false},
		{"wildcard", []string{"*"}, "https://evil.example", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions()
			opts.AllowedOrigins = tt.allowed
			ps := newPeerSet(opts, discardLogger(), nil)

			r := httptest.NewRequest(http.MethodGet, "/go/", nil)
			r.Header.Set("Origin", tt.origin)
			if got := ps.checkOrigin(r); got != tt.want {
				t.Errorf("checkOrigin() = %v, want %v", got, tt.want)
			}
		})
	}
}

func newServer(t *testing.T, ps *PeerSet) (*httptest.Server, chan error) {
	t.Helper()
	errs := make(chan error, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := ps.Serve(w, r); err != nil {
			errs <- err
		}
	}))
	t.Cleanup(func() {
		ps.CloseAll()
		srv.Close()
	})
	return srv, errs
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/go/"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitForPeers(t *testing.T, ps *PeerSet, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for ps.Len() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Len() = %d, want %d", ps.Len(), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServe_RelaysFramesToOtherPeers(t *testing.T) {
	ps := newPeerSet(testOptions(), discardLogger(), nil)
	srv, _ := newServer(t, ps)

	a := dial(t, srv)
	b := dial(t, srv)
	c := dial(t, srv)
	waitForPeers(t, ps, 3)

	if err := a.WriteMessage(websocket.TextMessage, []byte("ping all")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}

	for name, conn := range map[string]*websocket.Conn{"b": b, "c": c} {
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		kind, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("%s ReadMessage() error = %v", name, err)
		}
		if kind != websocket.TextMessage || string(data) != "ping all" {
			t.Errorf("%s got %d %q, want text %q", name, kind, data, "ping all")
		}
	}

	_ = a.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, data, err := a.ReadMessage(); err == nil {
		t.Errorf("sender received its own frame %q", data)
	}
}

func TestServe_BinaryFramesKeepType(t *testing.T) {
	ps := newPeerSet(testOptions(), discardLogger(), nil)
	srv, _ := newServer(t, ps)

	a := dial(t, srv)
	b := dial(t, srv)
	waitForPeers(t, ps, 2)

	payload := []byte{0x00, 0xff, 0x10}
	if err := a.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		t.Fatal(err)
	}
	_ = b.SetReadDeadline(time.Now().Add(3 * time.Second))
	kind, data, err := b.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if kind != websocket.BinaryMessage || string(data) != string(payload) {
		t.Errorf("got %d %v, want binary %v", kind, data, payload)
	}
}

func TestServe_DisconnectRemovesPeer(t *testing.T) {
	ps := newPeerSet(testOptions(), discardLogger(), nil)
	srv, _ := newServer(t, ps)

	a := dial(t, srv)
	b := dial(t, srv)
	waitForPeers(t, ps, 2)

	_ = b.Close()
	waitForPeers(t, ps, 1)

	// Remaining peer can still send without error.
	if err := a.WriteMessage(websocket.TextMessage, []byte("alone")); err != nil {
		t.Errorf("WriteMessage() error = %v", err)
	}
}

func TestServe_RejectsPlainRequest(t *testing.T) {
	ps := newPeerSet(testOptions(), discardLogger(), nil)
	srv, errs := newServer(t, ps)

	resp, err := http.Get(srv.URL + "/go/")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
	select {
	case err := <-errs:
		if !errors.Is(err, ErrUpgrade) {
			t.Errorf("Serve() error = %v, want ErrUpgrade", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve() did not report an upgrade error")
	}
	if ps.Len() != 0 {
		t.Errorf("Len() = %d, want 0", ps.Len())
	}
}

func TestIsUpgrade(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/go/", nil)
	if IsUpgrade(r) {
		t.Error("IsUpgrade() = true for plain request")
	}
	r.Header.Set("Connection", "Upgrade")
	r.Header.Set("Upgrade", "websocket")
	if !IsUpgrade(r) {
		t.Error("IsUpgrade() = false for upgrade request")
	}
}
