package session

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/agentunion/agentcp-go/internal/auth"
	"github.com/agentunion/agentcp-go/internal/config"
	"github.com/agentunion/agentcp-go/internal/testutil"
)

const testAgentID = "alice.corp.example"

func testMessageConfig() config.MessageConfig {
	return config.MessageConfig{
		MaxQueueSize:           32,
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

func newTestManager(t *testing.T, cp *testutil.ControlPlane, cb Callbacks) *Manager {
	t.Helper()
	layout, pass := testutil.NewIdentity(t, testAgentID)
	factory := func(serverURL string) *auth.Client {
		return auth.NewClient(testAgentID, serverURL, layout, pass, nil)
	}
	return NewManager(testAgentID, cp.URL, testMessageConfig(), factory, nil, nil, cb)
}

// createSessionResponder acks create_session_req with a fixed session.
func createSessionResponder(sessionID, code string) func(cmd string, data map[string]any) [][]byte {
	return func(cmd string, data map[string]any) [][]byte {
		if cmd != "create_session_req" {
			return nil
		}
		return [][]byte{testutil.Reply("create_session_ack", map[string]any{
			"request_id":       data["request_id"],
			"session_id":       sessionID,
			"status_code":      200,
			"message":          "ok",
			"identifying_code": code,
		})}
	}
}

func TestManager_CreateSession(t *testing.T) {
	cp := testutil.NewControlPlane(t)
	cp.Respond = createSessionResponder("sess-1", "code-1")

	m := newTestManager(t, cp, Callbacks{})
	defer m.CloseAllSession()

	s, err := m.CreateSession(context.Background(), "", "group", "team", "standup")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if s.ID != "sess-1" || !s.IsOwner() || s.IdentifyingCode() != "code-1" {
		t.Errorf("session = %+v owner=%v code=%q", s.ID, s.IsOwner(), s.IdentifyingCode())
	}
	if m.GetSession("sess-1") != s {
		t.Error("session not registered")
	}

	f := cp.NextFrame(t, 2*time.Second)
	if f.Cmd != "create_session_req" {
		t.Fatalf("cmd = %q", f.Cmd)
	}
	if f.Data["group_name"] != "team" || f.Data["subject"] != "standup" {
		t.Errorf("data = %v", f.Data)
	}
}

func TestManager_CreateSessionRejected(t *testing.T) {
	cp := testutil.NewControlPlane(t)
	cp.Respond = func(cmd string, data map[string]any) [][]byte {
		if cmd != "create_session_req" {
			return nil
		}
		return [][]byte{testutil.Reply("create_session_ack", map[string]any{
			"request_id":  data["request_id"],
			"session_id":  "sess-x",
			"status_code": 403,
			"message":     "quota exceeded",
		})}
	}
	m := newTestManager(t, cp, Callbacks{})
	defer m.CloseAllSession()

	if _, err := m.CreateSession(context.Background(), "", "group", "g", "s"); err == nil {
		t.Fatal("rejected create returned no error")
	} else if !strings.Contains(err.Error(), "quota exceeded") {
		t.Errorf("error = %v", err)
	}
}

func TestManager_JoinSessionSendsJoinCommand(t *testing.T) {
	cp := testutil.NewControlPlane(t)
	m := newTestManager(t, cp, Callbacks{})
	defer m.CloseAllSession()

	s, err := m.JoinSession(context.Background(), "sess-7", "bob.corp.example", "inv-code", cp.URL)
	if err != nil {
		t.Fatalf("JoinSession() error = %v", err)
	}
	if s.IsOwner() {
		t.Error("joined session should not be owner")
	}

	f := cp.NextFrame(t, 2*time.Second)
	if f.Cmd != "join_session_req" {
		t.Fatalf("cmd = %q", f.Cmd)
	}
	if f.Data["session_id"] != "sess-7" || f.Data["inviter_agent_id"] != "bob.corp.example" ||
		f.Data["invite_code"] != "inv-code" || f.Data["last_msg_id"] != "0" {
		t.Errorf("join data = %v", f.Data)
	}

	// Duplicate join returns the same session.
	again, err := m.JoinSession(context.Background(), "sess-7", "bob.corp.example", "inv-code", cp.URL)
	if err != nil {
		t.Fatal(err)
	}
	if again != s {
		t.Error("duplicate join produced a second session")
	}
}

func TestManager_InboundMessageDecoded(t *testing.T) {
	cp := testutil.NewControlPlane(t)
	inbound := make(chan InboundMessage, 1)
	m := newTestManager(t, cp, Callbacks{
		OnMessage: func(msg InboundMessage) { inbound <- msg },
	})
	defer m.CloseAllSession()

	// Establish the transport by joining a session.
	if _, err := m.JoinSession(context.Background(), "sess-1", "bob.corp.example", "c", cp.URL); err != nil {
		t.Fatal(err)
	}
	cp.NextFrame(t, 2*time.Second)

	content, _ := json.Marshal([]map[string]any{{"type": "content", "content": "hi there"}})
	cp.Push(t, testutil.Reply("session_message", map[string]any{
		"message_id": "m-1",
		"session_id": "sess-1",
		"sender":     "bob.corp.example",
		"receiver":   testAgentID,
		"message":    url.QueryEscape(string(content)),
		"timestamp":  1700000000000,
	}))

	select {
	case msg := <-inbound:
		if msg.Sender != "bob.corp.example" || msg.SessionID != "sess-1" {
			t.Errorf("msg = %+v", msg)
		}
		if msg.Message != string(content) {
			t.Errorf("message not URL-decoded: %q", msg.Message)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inbound callback not invoked")
	}
}

func TestManager_AcksOnlyForKnownSessions(t *testing.T) {
	cp := testutil.NewControlPlane(t)
	acks := make(chan string, 4)
	m := newTestManager(t, cp, Callbacks{
		OnMessageAck:    func(sessionID string, data map[string]any) { acks <- "ack:" + sessionID },
		OnSystemMessage: func(sessionID string, data map[string]any) { acks <- "sys:" + sessionID },
	})
	defer m.CloseAllSession()

	if _, err := m.JoinSession(context.Background(), "sess-known", "bob.corp.example", "c", cp.URL); err != nil {
		t.Fatal(err)
	}
	cp.NextFrame(t, 2*time.Second)

	cp.Push(t, testutil.Reply("session_message_ack", map[string]any{"session_id": "sess-unknown"}))
	cp.Push(t, testutil.Reply("system_message", map[string]any{"session_id": "sess-unknown"}))
	cp.Push(t, testutil.Reply("session_message_ack", map[string]any{"session_id": "sess-known"}))

	select {
	case got := <-acks:
		if got != "ack:sess-known" {
			t.Errorf("callback = %q, unknown-session frames must be dropped", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("known-session ack not delivered")
	}
}

func TestManager_SendMsgUnknownSession(t *testing.T) {
	cp := testutil.NewControlPlane(t)
	m := newTestManager(t, cp, Callbacks{})
	defer m.CloseAllSession()

	err := m.SendMsg(context.Background(), "nope", OutboundMessage{Receivers: []string{"bob.corp.example"}})
	if err != ErrUnknownSession {
		t.Errorf("SendMsg unknown = %v, want ErrUnknownSession", err)
	}
}

type fakeHistory struct{ code string }

func (f fakeHistory) LoadSessionHistory(sessionID string) (string, error) { return f.code, nil }

func TestManager_SendMsgRestoresFromHistory(t *testing.T) {
	cp := testutil.NewControlPlane(t)
	layout, pass := testutil.NewIdentity(t, testAgentID)
	factory := func(serverURL string) *auth.Client {
		return auth.NewClient(testAgentID, serverURL, layout, pass, nil)
	}
	m := NewManager(testAgentID, cp.URL, testMessageConfig(), factory, nil,
		fakeHistory{code: "hist-code"}, Callbacks{})
	defer m.CloseAllSession()

	err := m.SendMsg(context.Background(), "sess-old", OutboundMessage{
		Receivers: []string{"bob.corp.example"},
		Content:   []map[string]any{{"type": "content", "content": "resume"}},
	})
	if err != nil {
		t.Fatalf("SendMsg() error = %v", err)
	}
	if s := m.GetSession("sess-old"); s == nil || s.IdentifyingCode() != "hist-code" {
		t.Fatal("session not restored from history")
	}

	// The restored owner first rejoins, then sends.
	f := cp.NextFrame(t, 2*time.Second)
	if f.Cmd != "join_session_req" || f.Data["invite_code"] != "hist-code" {
		t.Fatalf("first frame = %q %v", f.Cmd, f.Data)
	}
	f = cp.NextFrame(t, 2*time.Second)
	if f.Cmd != "session_message" {
		t.Fatalf("second frame = %q", f.Cmd)
	}
	if f.Data["receiver"] != "bob.corp.example" {
		t.Errorf("receiver = %v", f.Data["receiver"])
	}
}

func TestSession_SendMessageEncoding(t *testing.T) {
	cp := testutil.NewControlPlane(t)
	m := newTestManager(t, cp, Callbacks{})
	defer m.CloseAllSession()

	s, err := m.JoinSession(context.Background(), "sess-2", "bob.corp.example", "c", cp.URL)
	if err != nil {
		t.Fatal(err)
	}
	cp.NextFrame(t, 2*time.Second)

	err = s.SendMessage(OutboundMessage{
		MessageID: "msg-1",
		RefMsgID:  "ref-1",
		Receivers: []string{"bob.corp.example", "carol.corp.example"},
		Content:   []map[string]any{{"type": "content", "content": "a & b"}},
	})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	f := cp.NextFrame(t, 2*time.Second)
	if f.Cmd != "session_message" {
		t.Fatalf("cmd = %q", f.Cmd)
	}
	if f.Data["receiver"] != "bob.corp.example;carol.corp.example" {
		t.Errorf("receiver = %v", f.Data["receiver"])
	}
	if f.Data["sender"] != testAgentID || f.Data["ref_msg_id"] != "ref-1" {
		t.Errorf("data = %v", f.Data)
	}
	raw, _ := url.QueryUnescape(f.Data["message"].(string))
	var blocks []map[string]any
	if err := json.Unmarshal([]byte(raw), &blocks); err != nil || len(blocks) != 1 {
		t.Fatalf("message payload = %q", raw)
	}
	if blocks[0]["content"] != "a & b" {
		t.Errorf("content = %v", blocks[0])
	}
}

func TestSession_OwnerOnlyOperations(t *testing.T) {
	cp := testutil.NewControlPlane(t)
	m := newTestManager(t, cp, Callbacks{})
	defer m.CloseAllSession()

	member, err := m.JoinSession(context.Background(), "sess-3", "bob.corp.example", "c", cp.URL)
	if err != nil {
		t.Fatal(err)
	}
	if err := member.Invite("carol.corp.example"); err != ErrNotOwner {
		t.Errorf("member Invite = %v, want ErrNotOwner", err)
	}
	if err := member.Eject("carol.corp.example"); err != ErrNotOwner {
		t.Errorf("member Eject = %v, want ErrNotOwner", err)
	}
}

func TestSession_CreateStreamTimeout(t *testing.T) {
	cp := testutil.NewControlPlane(t)
	m := newTestManager(t, cp, Callbacks{})
	defer m.CloseAllSession()

	s, err := m.JoinSession(context.Background(), "sess-4", "bob.corp.example", "c", cp.URL)
	if err != nil {
		t.Fatal(err)
	}
	// No responder: the ack never arrives and the one-shot wait times out.
	_, err = s.createStreamOnce([]string{"bob.corp.example"}, "text/event-stream", "")
	if err != ErrStreamTimeout {
		t.Errorf("createStreamOnce = %v, want ErrStreamTimeout", err)
	}
	if s.client.Streams().Pending() != 0 {
		t.Error("waiter leaked after timeout")
	}
}

func TestManager_CloseAllSession(t *testing.T) {
	cp := testutil.NewControlPlane(t)
	m := newTestManager(t, cp, Callbacks{})

	s, err := m.JoinSession(context.Background(), "sess-5", "bob.corp.example", "c", cp.URL)
	if err != nil {
		t.Fatal(err)
	}
	m.CloseAllSession()
	if m.GetSession("sess-5") != nil {
		t.Error("session map not cleared")
	}
	if s.Open() {
		t.Error("session still open after CloseAllSession")
	}
	if len(m.Clients()) != 0 {
		t.Error("client map not cleared")
	}
}
