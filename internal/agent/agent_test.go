package agent

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"math/big"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/agentunion/agentcp-go/internal/config"
	"github.com/agentunion/agentcp-go/internal/identity"
	"github.com/agentunion/agentcp-go/internal/session"
)

const testAID = "alpha.agent.example"

func mintIdentity(t *testing.T, layout identity.Layout, id, seed string) {
	t.Helper()
	if err := layout.EnsureIdentityDirs(id); err != nil {
		t.Fatal(err)
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	if err := identity.SavePrivateKey(layout.KeyPath(id), key, identity.Passphrase(seed)); err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: id},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	if err := identity.SaveCertificate(layout.CertPath(id), der); err != nil {
		t.Fatal(err)
	}
}

func newTestAgent(t *testing.T) *AgentID {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	h, err := NewHost(t.TempDir(), "test-seed", cfg)
	if err != nil {
		t.Fatal(err)
	}
	mintIdentity(t, h.Layout(), testAID, "test-seed")
	a, err := h.LoadAgent(testAID)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(a.Close)
	return a
}

func TestHost_LoadAgent(t *testing.T) {
	a := newTestAgent(t)
	if a.ID() != testAID {
		t.Errorf("id = %q", a.ID())
	}
	if a.ServerURL() != "https://acp3.agent.example" {
		t.Errorf("server url = %q", a.ServerURL())
	}
	if a.IsOnline() {
		t.Error("fresh agent reports online")
	}
}

func TestHost_LoadAgentRequiresCredentials(t *testing.T) {
	h, err := NewHost(t.TempDir(), "test-seed", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.LoadAgent("missing.agent.example"); err == nil {
		t.Error("loaded an identity without credentials")
	}
}

func TestHost_LoadAgentIsCached(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	h, err := NewHost(t.TempDir(), "test-seed", cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()
	mintIdentity(t, h.Layout(), testAID, "test-seed")
	a1, err := h.LoadAgent(testAID)
	if err != nil {
		t.Fatal(err)
	}
	a2, err := h.LoadAgent(testAID)
	if err != nil {
		t.Fatal(err)
	}
	if a1 != a2 {
		t.Error("LoadAgent built a second runtime for the same identity")
	}
	if len(h.Agents()) != 1 {
		t.Errorf("agents = %d", len(h.Agents()))
	}
}

func TestIngest_EnqueuesClassifiedRecord(t *testing.T) {
	a := newTestAgent(t)
	blocks, _ := json.Marshal([]map[string]any{
		{"type": "text/event-stream", "status": "loading", "content": "https://pull"},
	})
	a.onInbound(session.InboundMessage{
		MessageID:   "m1",
		SessionID:   "s1",
		Sender:      "beta.agent.example",
		Message:     string(blocks),
		Instruction: `{"cmd":"summarize"}`,
	})

	rec, ok := a.queue.Get(time.Second)
	if !ok {
		t.Fatal("record not enqueued")
	}
	if !rec.IsStream {
		t.Error("stream block not classified")
	}
	if cmd, _ := rec.Instruction["cmd"].(string); cmd != "summarize" {
		t.Errorf("instruction = %v", rec.Instruction)
	}
	if len(rec.ContentBlocks) != 1 {
		t.Errorf("blocks = %d", len(rec.ContentBlocks))
	}
	if got := a.collector.Summary().ReceivedTotal; got != 1 {
		t.Errorf("received_total = %d", got)
	}
}

func TestIngest_PingNeverReachesQueue(t *testing.T) {
	a := newTestAgent(t)
	blocks, _ := json.Marshal([]map[string]any{{"type": "ping"}})
	a.onInbound(session.InboundMessage{
		MessageID: "m1",
		SessionID: "unknown-session",
		Sender:    "beta.agent.example",
		Message:   string(blocks),
	})
	if _, ok := a.queue.Get(300 * time.Millisecond); ok {
		t.Error("ping record reached the dispatch queue")
	}
}

func TestIngest_MessageAckSynthesizesError(t *testing.T) {
	a := newTestAgent(t)
	a.onMessageAck("s1", map[string]any{
		"status":   float64(404),
		"receiver": "gone.agent.example",
	})
	rec, ok := a.queue.Get(time.Second)
	if !ok {
		t.Fatal("no synthesized record")
	}
	if len(rec.ContentBlocks) != 1 || rec.ContentBlocks[0]["type"] != "error" {
		t.Errorf("blocks = %v", rec.ContentBlocks)
	}
	if rec.Msg.Sender != "gone.agent.example" {
		t.Errorf("sender = %q", rec.Msg.Sender)
	}

	// Delivered acks are silent.
	a.onMessageAck("s1", map[string]any{"status": float64(200)})
	if _, ok := a.queue.Get(200 * time.Millisecond); ok {
		t.Error("successful ack synthesized a record")
	}
}

func TestIngest_SystemMessageDismissRemovesSession(t *testing.T) {
	a := newTestAgent(t)
	// No session registered; must not panic and must not enqueue.
	a.onSystemMessage("s1", map[string]any{"message": "Session dismissed"})
	if _, ok := a.queue.Get(200 * time.Millisecond); ok {
		t.Error("system message reached the queue")
	}
}

func TestPersistRecord_InsertThenAppend(t *testing.T) {
	a := newTestAgent(t)
	first, _ := json.Marshal([]map[string]any{{"type": "content", "content": "hello"}})
	a.onInbound(session.InboundMessage{
		MessageID: "m1", SessionID: "s1", Sender: "beta.agent.example",
		Message: string(first), Timestamp: json.Number("1700000000000"),
	})
	rec, ok := a.queue.Get(time.Second)
	if !ok {
		t.Fatal("record not enqueued")
	}
	a.persistRecord(rec)

	msg, err := a.store.GetMessageByID("m1")
	if err != nil || msg == nil {
		t.Fatalf("message not stored: %v", err)
	}
	if msg.Role != "received" || msg.SessionID != "s1" {
		t.Errorf("stored = %+v", msg)
	}

	more, _ := json.Marshal([]map[string]any{{"type": "content", "content": " world"}})
	rec.Msg.Message = string(more)
	a.persistRecord(rec)
	msg, err = a.store.GetMessageByID("m1")
	if err != nil || msg == nil {
		t.Fatal("message lost after append")
	}
	if !strings.Contains(msg.Content, "hello") || !strings.Contains(msg.Content, "world") {
		t.Errorf("content = %q", msg.Content)
	}
}

func TestMetricsSync_WritesSummaryFile(t *testing.T) {
	a := newTestAgent(t)
	a.collector.RecordReceived()
	a.startMetricsSync()
	defer a.stopMetricsSync()

	path := a.layout.MetricsJSONPath(a.id)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if raw, err := os.ReadFile(path); err == nil {
			var payload metricsFile
			if err := json.Unmarshal(raw, &payload); err != nil {
				t.Fatalf("metrics file not JSON: %v", err)
			}
			if payload.AgentID != testAID {
				t.Errorf("agent_id = %q", payload.AgentID)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("metrics file never written")
}

func TestFriends_RoundTrip(t *testing.T) {
	a := newTestAgent(t)
	if err := a.AddFriend("beta.agent.example", "Beta"); err != nil {
		t.Fatal(err)
	}
	if err := a.SetFriendName("beta.agent.example", "Beta Two"); err != nil {
		t.Fatal(err)
	}
	friends, err := a.FriendList()
	if err != nil {
		t.Fatal(err)
	}
	if len(friends) != 1 || friends[0].Name != "Beta Two" {
		t.Errorf("friends = %+v", friends)
	}
}

func TestNormalizeContent(t *testing.T) {
	if got := normalizeContent("hi"); len(got) != 1 || got[0]["content"] != "hi" {
		t.Errorf("string: %v", got)
	}
	block := map[string]any{"type": "content"}
	if got := normalizeContent(block); len(got) != 1 {
		t.Errorf("block: %v", got)
	}
	if got := normalizeContent([]map[string]any{block, block}); len(got) != 2 {
		t.Errorf("slice: %v", got)
	}
	if got := normalizeContent([]any{block, "junk", block}); len(got) != 2 {
		t.Errorf("mixed slice: %v", got)
	}
	if got := normalizeContent(nil); got != nil {
		t.Errorf("nil: %v", got)
	}
}

func TestContentHelpers(t *testing.T) {
	arr, _ := json.Marshal([]map[string]any{
		{"type": "text", "content": "fallback"},
		{"type": "content", "content": map[string]any{"text": "primary"}},
	})
	if got := ContentFromMessage(string(arr)); got != "primary" {
		t.Errorf("content = %q", got)
	}
	single := `{"type":"text","content":"only"}`
	if got := ContentFromMessage(single); got != "only" {
		t.Errorf("single = %q", got)
	}
	if got := ContentArrayFromMessage("not json"); got != nil {
		t.Errorf("garbage = %v", got)
	}
	if got := ContentFromMessage(""); got != "" {
		t.Errorf("empty = %q", got)
	}
}

func TestAckStatus(t *testing.T) {
	if got := ackStatus(map[string]any{"status": float64(404)}); got != 404 {
		t.Errorf("float: %d", got)
	}
	if got := ackStatus(map[string]any{"status": "200"}); got != 200 {
		t.Errorf("string: %d", got)
	}
	if got := ackStatus(map[string]any{}); got != 0 {
		t.Errorf("missing: %d", got)
	}
}
