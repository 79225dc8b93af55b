package message

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentunion/agentcp-go/internal/config"
)

// wsServer is an in-process message server that records received text
// frames and can push frames to the most recent connection.
type wsServer struct {
	*httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	received chan []byte
	rejects  int
	mute     int
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		received: make(chan []byte, 64),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		if s.rejects > 0 {
			s.rejects--
			s.mu.Unlock()
			http.Error(w, "connection limit", http.StatusBadRequest)
			return
		}
		s.mu.Unlock()

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		muted := s.mute > 0
		if muted {
			s.mute--
		}
		s.mu.Unlock()
		if muted {
			// Hold the connection open without reading, so client pings
			// are never answered.
			return
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.received <- data
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *wsServer) push(t *testing.T, payload []byte) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		t.Fatal("no server-side connection")
	}
	conn := s.conns[len(s.conns)-1]
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("server push: %v", err)
	}
}

// muteNext makes the next n accepted connections deaf: held open, never
// read.
func (s *wsServer) muteNext(n int) {
	s.mu.Lock()
	s.mute = n
	s.mu.Unlock()
}

func (s *wsServer) conn(t *testing.T, i int) *websocket.Conn {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) <= i {
		t.Fatalf("server has %d connections, want index %d", len(s.conns), i)
	}
	return s.conns[i]
}

func (s *wsServer) dropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func testConfig() config.MessageConfig {
	return config.MessageConfig{
		MaxQueueSize:           16,
		ConnectionTimeout:      2 * time.Second,
		SendRetryAttempts:      3,
		SendRetryDelay:         10 * time.Millisecond,
		PingInterval:           time.Second,
		AutoReconnect:          true,
		ReconnectBaseInterval:  50 * time.Millisecond,
		ReconnectMaxInterval:   time.Second,
		ReconnectBackoffFactor: 1.5,
		MaxMessageSize:         1 << 20,
	}
}

func TestClient_StartIsIdempotent(t *testing.T) {
	srv := newWSServer(t)
	c := NewClient(srv.wsURL(), testConfig(), nil)
	defer c.Stop()

	if err := c.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !c.Connected() {
		t.Fatal("not connected after Start")
	}
	id := c.Status().ConnectionID
	if err := c.Start(); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if got := c.Status().ConnectionID; got != id {
		t.Errorf("connection_id changed %d -> %d on idempotent Start", id, got)
	}
}

func TestClient_SendAndReceive(t *testing.T) {
	srv := newWSServer(t)
	c := NewClient(srv.wsURL(), testConfig(), nil)
	defer c.Stop()

	inbound := make(chan []byte, 8)
	c.SetHandler(func(p []byte) { inbound <- p })
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}

	if err := c.Send([]byte(`{"cmd":"hello"}`)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	select {
	case got := <-srv.received:
		if string(got) != `{"cmd":"hello"}` {
			t.Errorf("server received %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive frame")
	}

	srv.push(t, []byte(`{"cmd":"session_message"}`))
	select {
	case got := <-inbound:
		if string(got) != `{"cmd":"session_message"}` {
			t.Errorf("handler received %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler not invoked")
	}
	if c.ReceivedCount() == 0 {
		t.Error("received counter not incremented")
	}
}

func TestClient_SendTooLarge(t *testing.T) {
	srv := newWSServer(t)
	cfg := testConfig()
	cfg.MaxMessageSize = 64
	c := NewClient(srv.wsURL(), cfg, nil)
	defer c.Stop()
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	if err := c.Send(make([]byte, 128)); err != ErrTooLarge {
		t.Errorf("Send oversized = %v, want ErrTooLarge", err)
	}
}

func TestClient_BuffersWhileDown(t *testing.T) {
	cfg := testConfig()
	cfg.AutoReconnect = false
	cfg.SendRetryAttempts = 1
	cfg.ConnectionTimeout = 200 * time.Millisecond
	// Dial an endpoint that refuses connections.
	c := NewClient("ws://127.0.0.1:1/ws", cfg, nil)
	defer c.Stop()

	if err := c.Send([]byte("queued")); err != ErrNotConnected {
		t.Fatalf("Send while down = %v, want ErrNotConnected", err)
	}
	if c.BufferedCount() != 1 {
		t.Errorf("buffered = %d, want 1", c.BufferedCount())
	}
}

func TestClient_DrainsBufferOnConnect(t *testing.T) {
	srv := newWSServer(t)
	cfg := testConfig()
	cfg.AutoReconnect = false
	c := NewClient(srv.wsURL(), cfg, nil)
	defer c.Stop()

	c.outbound.Put([]byte("first"))
	c.outbound.Put([]byte("second"))

	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"first", "second"} {
		select {
		case got := <-srv.received:
			if string(got) != want {
				t.Errorf("drained %q, want %q", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("buffered %q never arrived", want)
		}
	}
}

func TestClient_ReconnectsAfterDrop(t *testing.T) {
	srv := newWSServer(t)
	c := NewClient(srv.wsURL(), testConfig(), nil)
	defer c.Stop()

	var reconnected sync.WaitGroup
	reconnected.Add(1)
	var once sync.Once
	c.SetOnReconnect(func() { once.Do(reconnected.Done) })

	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	srv.dropConnections()

	done := make(chan struct{})
	go func() {
		reconnected.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("no reconnect after drop")
	}
	if !c.Connected() {
		t.Error("not connected after reconnect")
	}
}

func TestClient_SupersededConnectionGoesSilent(t *testing.T) {
	srv := newWSServer(t)
	srv.muteNext(1)

	cfg := testConfig()
	cfg.PingInterval = 50 * time.Millisecond
	c := NewClient(srv.wsURL(), cfg, nil)
	defer c.Stop()

	inbound := make(chan []byte, 8)
	c.SetHandler(func(p []byte) { inbound <- p })
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	first := srv.conn(t, 0)

	// The deaf connection answers no pings; the health check must replace
	// it with a fresh one.
	deadline := time.Now().Add(15 * time.Second)
	for c.Status().ConnectionID < 2 || !c.Connected() {
		if time.Now().After(deadline) {
			t.Fatalf("dead connection never superseded, status = %+v", c.Status())
		}
		time.Sleep(20 * time.Millisecond)
	}

	// A frame written down the superseded socket must never reach the
	// handler.
	_ = first.WriteMessage(websocket.TextMessage, []byte("from-old-conn"))
	select {
	case got := <-inbound:
		t.Fatalf("handler received %q from a superseded connection", got)
	case <-time.After(500 * time.Millisecond):
	}

	srv.push(t, []byte("from-new-conn"))
	select {
	case got := <-inbound:
		if string(got) != "from-new-conn" {
			t.Errorf("handler received %q, want from-new-conn", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("replacement connection did not deliver")
	}

	// The superseded receive loop exited with its socket, so Stop joins
	// promptly instead of timing out on an orphaned goroutine.
	start := time.Now()
	c.Stop()
	if elapsed := time.Since(start); elapsed >= recvJoinTimeout {
		t.Errorf("Stop took %v, superseded receive loop still running", elapsed)
	}
}

func TestClient_StartFailsFastOnRefusedDial(t *testing.T) {
	cfg := testConfig()
	cfg.AutoReconnect = false
	cfg.ConnectionTimeout = 5 * time.Second
	c := NewClient("ws://127.0.0.1:1/ws", cfg, nil)
	defer c.Stop()

	start := time.Now()
	err := c.Start()
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("Start() = %v, want ErrConnectFailed", err)
	}
	if elapsed := time.Since(start); elapsed >= cfg.ConnectionTimeout {
		t.Errorf("Start() burned the full timeout (%v) on a refused dial", elapsed)
	}
}

func TestClient_DisconnectCallbackAndWaiterNotify(t *testing.T) {
	srv := newWSServer(t)
	cfg := testConfig()
	cfg.AutoReconnect = false
	c := NewClient(srv.wsURL(), cfg, nil)
	defer c.Stop()

	disconnects := make(chan int, 1)
	c.SetOnDisconnect(func(code int, reason string) { disconnects <- code })

	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	ch := c.Streams().Register("req-1", []string{"bob.corp.example"})

	srv.dropConnections()

	select {
	case ack := <-ch:
		if ack.Err != "connection_lost" {
			t.Errorf("waiter sentinel = %q", ack.Err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream waiter not notified")
	}
	select {
	case code := <-disconnects:
		if code == websocket.CloseNormalClosure {
			t.Errorf("disconnect callback fired for normal close")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect callback not invoked")
	}
}

func TestClient_FullResetAllowsRestart(t *testing.T) {
	srv := newWSServer(t)
	c := NewClient(srv.wsURL(), testConfig(), nil)

	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	c.outbound.Put([]byte("junk"))
	c.Streams().Register("req-1", nil)

	c.FullReset()
	if c.BufferedCount() != 0 {
		t.Error("outbound buffer not cleared")
	}
	if c.Streams().Pending() != 0 {
		t.Error("stream waiters not cleared")
	}
	if st := c.Status(); st.ConnectionID != 0 {
		t.Errorf("connection_id = %d after reset", st.ConnectionID)
	}

	if err := c.Start(); err != nil {
		t.Fatalf("Start() after FullReset error = %v", err)
	}
	c.Stop()
}

func TestClient_StopBlocksRestart(t *testing.T) {
	srv := newWSServer(t)
	c := NewClient(srv.wsURL(), testConfig(), nil)
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	c.Stop()
	if err := c.Start(); err != ErrShutdown {
		t.Errorf("Start() after Stop = %v, want ErrShutdown", err)
	}
}

func TestWaiters_ResolveAndStale(t *testing.T) {
	w := newWaiters()
	ch := w.Register("a", []string{"x"})
	if !w.Resolve("a", StreamAck{PushURL: "wss://push"}) {
		t.Fatal("Resolve did not find waiter")
	}
	ack := <-ch
	if ack.PushURL != "wss://push" {
		t.Errorf("ack = %+v", ack)
	}
	if w.Resolve("a", StreamAck{}) {
		t.Error("waiter resolved twice")
	}

	ch2 := w.Register("b", nil)
	if n := w.DropStale(0); n != 1 {
		t.Errorf("DropStale = %d, want 1", n)
	}
	if ack := <-ch2; ack.Err != "timeout" {
		t.Errorf("stale sentinel = %q", ack.Err)
	}
}

func TestSendBuffer_DropOldest(t *testing.T) {
	b := newSendBuffer(2, time.Second)
	b.Put([]byte("1"))
	b.Put([]byte("2"))
	if evicted := b.Put([]byte("3")); !evicted {
		t.Error("expected eviction at capacity")
	}
	items := b.Drain()
	if len(items) != 2 || string(items[0]) != "2" || string(items[1]) != "3" {
		t.Errorf("items = %q", items)
	}
	if b.Len() != 0 {
		t.Error("drain did not empty buffer")
	}
}
