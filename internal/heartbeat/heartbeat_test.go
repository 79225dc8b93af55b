package heartbeat

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentunion/agentcp-go/internal/auth"
	"github.com/agentunion/agentcp-go/internal/wire"
)

// fakeAuth satisfies Authenticator and counts sign-ins.
type fakeAuth struct {
	endpoint string
	signIns  atomic.Int32
}

func (f *fakeAuth) SignIn(ctx context.Context, maxRetries int) (*auth.SignInResult, error) {
	f.signIns.Add(1)
	return &auth.SignInResult{
		Signature:       "token",
		SignCookie:      7,
		HeartbeatServer: f.endpoint,
	}, nil
}

func (f *fakeAuth) QueryOnlineState(ctx context.Context, agents []string) ([]auth.OnlineState, error) {
	out := make([]auth.OnlineState, len(agents))
	for i, a := range agents {
		out[i] = auth.OnlineState{AgentID: a, Online: true}
	}
	return out, nil
}

// udpResponder is an in-process heartbeat server. Each received datagram is
// pushed to reqs; replies come from the reply callback.
type udpResponder struct {
	conn  *net.UDPConn
	reqs  chan *wire.HeartbeatReq
	acks  chan *wire.InviteResp
	reply func(req *wire.HeartbeatReq) []byte
}

func newUDPResponder(t *testing.T, reply func(req *wire.HeartbeatReq) []byte) *udpResponder {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	r := &udpResponder{
		conn:  conn,
		reqs:  make(chan *wire.HeartbeatReq, 16),
		acks:  make(chan *wire.InviteResp, 16),
		reply: reply,
	}
	t.Cleanup(func() { _ = conn.Close() })

	go func() {
		buf := make([]byte, wire.MaxDatagramSize)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			header, _, err := wire.DecodeHeader(buf[:n])
			if err != nil {
				continue
			}
			switch header.Type {
			case wire.MsgTypeHeartbeatReq:
				req, err := wire.DecodeHeartbeatReq(buf[:n])
				if err != nil {
					continue
				}
				r.reqs <- req
				if out := r.reply(req); out != nil {
					_, _ = conn.WriteToUDP(out, addr)
				}
			case wire.MsgTypeInviteResp:
				ack, err := wire.DecodeInviteResp(buf[:n])
				if err != nil {
					continue
				}
				r.acks <- ack
			}
		}
	}()
	return r
}

func ackReply(nextBeat uint64) func(req *wire.HeartbeatReq) []byte {
	return func(req *wire.HeartbeatReq) []byte {
		resp := wire.HeartbeatResp{
			Header:   wire.Header{Seq: req.Header.Seq, Type: wire.MsgTypeHeartbeatResp},
			NextBeat: nextBeat,
		}
		return resp.Encode()
	}
}

func TestClient_SendsHeartbeatAndAppliesInterval(t *testing.T) {
	responder := newUDPResponder(t, ackReply(8000))
	fa := &fakeAuth{endpoint: responder.conn.LocalAddr().String()}

	c := New("alice.corp.example", fa, nil)
	if err := c.Online(context.Background()); err != nil {
		t.Fatalf("Online() error = %v", err)
	}
	defer c.Offline()

	select {
	case req := <-responder.reqs:
		if req.AgentID != "alice.corp.example" {
			t.Errorf("agent_id = %q", req.AgentID)
		}
		if req.SignCookie != 7 {
			t.Errorf("sign_cookie = %d", req.SignCookie)
		}
		if req.Header.PayloadSize != wire.HeartbeatPayloadSize {
			t.Errorf("payload_size = %d", req.Header.PayloadSize)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no heartbeat received")
	}

	// The 8000 ms ack should become the new interval.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c.Interval() == 8*time.Second {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Errorf("interval = %s, want 8s", c.Interval())
}

func TestClient_IntervalFloor(t *testing.T) {
	responder := newUDPResponder(t, ackReply(1000))
	fa := &fakeAuth{endpoint: responder.conn.LocalAddr().String()}

	c := New("alice.corp.example", fa, nil)
	if err := c.Online(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Offline()

	select {
	case <-responder.reqs:
	case <-time.After(5 * time.Second):
		t.Fatal("no heartbeat received")
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		// A 1000 ms ack must not go below the 5 s floor.
		if c.Interval() == minInterval && !c.LastReceived().IsZero() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Errorf("interval = %s, want %s", c.Interval(), minInterval)
}

func TestClient_InviteCallbackAndAck(t *testing.T) {
	responder := newUDPResponder(t, ackReply(60000))
	fa := &fakeAuth{endpoint: responder.conn.LocalAddr().String()}

	invites := make(chan Invite, 1)
	c := New("alice.corp.example", fa, func(inv Invite) { invites <- inv })
	if err := c.Online(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Offline()

	// Wait for the first heartbeat so we know the client's local address.
	var clientAddr *net.UDPAddr
	buf := wire.InviteReq{
		Header:         wire.Header{Type: wire.MsgTypeInviteReq},
		InviterAgentID: "bob.corp.example",
		InviteCode:     "code-1",
		SessionID:      "sess-9",
		MessageServer:  "https://msg.corp.example",
	}
	select {
	case <-responder.reqs:
		c.mu.Lock()
		local := c.conn.LocalAddr().(*net.UDPAddr)
		c.mu.Unlock()
		clientAddr = local
	case <-time.After(5 * time.Second):
		t.Fatal("no heartbeat received")
	}

	if _, err := responder.conn.WriteToUDP(buf.Encode(), clientAddr); err != nil {
		t.Fatal(err)
	}

	select {
	case inv := <-invites:
		if inv.InviterAgentID != "bob.corp.example" || inv.SessionID != "sess-9" {
			t.Errorf("invite = %+v", inv)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("invite callback not invoked")
	}

	select {
	case ack := <-responder.acks:
		if ack.AgentID != "alice.corp.example" || ack.SessionID != "sess-9" || ack.SignCookie != 7 {
			t.Errorf("ack = %+v", ack)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("invite ack not received")
	}
}

func TestClient_ReconnectsAfterSocketFailure(t *testing.T) {
	responder := newUDPResponder(t, ackReply(60000))
	fa := &fakeAuth{endpoint: responder.conn.LocalAddr().String()}

	c := New("alice.corp.example", fa, nil)
	if err := c.Online(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Offline()

	select {
	case <-responder.reqs:
	case <-time.After(5 * time.Second):
		t.Fatal("no heartbeat received")
	}

	// Kill the socket out from under both loops so send and recv fail
	// concurrently until one of them drives a reconnect.
	c.mu.Lock()
	_ = c.conn.Close()
	c.mu.Unlock()

	deadline := time.Now().Add(10 * time.Second)
	for fa.signIns.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("no re-sign-in after socket failure, sign-ins = %d", fa.signIns.Load())
		}
		time.Sleep(20 * time.Millisecond)
	}

	// The fresh socket resumes heartbeats.
	select {
	case req := <-responder.reqs:
		if req.AgentID != "alice.corp.example" {
			t.Errorf("agent_id = %q after reconnect", req.AgentID)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("no heartbeat after reconnect")
	}
}

func TestClient_OfflineStopsLoops(t *testing.T) {
	responder := newUDPResponder(t, ackReply(60000))
	fa := &fakeAuth{endpoint: responder.conn.LocalAddr().String()}

	c := New("alice.corp.example", fa, nil)
	if err := c.Online(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !c.Running() {
		t.Fatal("not running after Online")
	}
	c.Offline()
	if c.Running() {
		t.Error("still running after Offline")
	}
	// Second Offline is a no-op.
	c.Offline()
}

func TestClient_GetOnlineStatus(t *testing.T) {
	responder := newUDPResponder(t, ackReply(60000))
	fa := &fakeAuth{endpoint: responder.conn.LocalAddr().String()}

	c := New("alice.corp.example", fa, nil)
	states, err := c.GetOnlineStatus(context.Background(), []string{"bob.corp.example"})
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 1 || !states[0].Online {
		t.Errorf("states = %+v", states)
	}
}

func TestResolveServer(t *testing.T) {
	if _, err := resolveServer(&auth.SignInResult{}); err == nil {
		t.Error("empty result should not resolve")
	}
	addr, err := resolveServer(&auth.SignInResult{ServerIP: "127.0.0.1", Port: 9000})
	if err != nil {
		t.Fatal(err)
	}
	if addr.Port != 9000 {
		t.Errorf("port = %d", addr.Port)
	}
	addr, err = resolveServer(&auth.SignInResult{HeartbeatServer: "127.0.0.1:9100", ServerIP: "10.0.0.1", Port: 1})
	if err != nil {
		t.Fatal(err)
	}
	if addr.Port != 9100 {
		t.Errorf("heartbeat_server should win, got port %d", addr.Port)
	}
}
