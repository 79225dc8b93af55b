// Package testutil provides in-process fakes shared by transport and
// runtime tests: a control-plane server speaking the sign-in and session
// protocols, and helpers that mint test identities on disk.
package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentunion/agentcp-go/internal/identity"
)

// NewIdentity writes an encrypted key and self-signed certificate for
// agentID under a fresh layout rooted in a temp dir. Returns the layout and
// the key passphrase.
func NewIdentity(t *testing.T, agentID string) (identity.Layout, string) {
	t.Helper()
	layout := identity.NewLayout(t.TempDir())
	if err := layout.EnsureIdentityDirs(agentID); err != nil {
		t.Fatal(err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	pass := identity.Passphrase("testutil-seed-" + agentID)
	if err := identity.SavePrivateKey(layout.KeyPath(agentID), key, pass); err != nil {
		t.Fatal(err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: agentID},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	if err := identity.SaveCertificate(layout.CertPath(agentID), der); err != nil {
		t.Fatal(err)
	}
	return layout, pass
}

// Frame is one decoded command frame received by the fake server.
type Frame struct {
	Cmd  string
	Data map[string]any
	Raw  []byte
}

// ControlPlane fakes the server side of the runtime: /sign_in issues
// tokens without verifying signatures, /session upgrades to the message
// WebSocket. Respond, when set, maps each received command to zero or more
// reply frames.
type ControlPlane struct {
	*httptest.Server

	// Respond produces scripted replies for received commands.
	Respond func(cmd string, data map[string]any) [][]byte

	// Frames receives every command frame from every connection.
	Frames chan Frame

	mu    sync.Mutex
	conns []*websocket.Conn
}

// NewControlPlane starts the fake server. It is closed with the test.
func NewControlPlane(t *testing.T) *ControlPlane {
	t.Helper()
	cp := &ControlPlane{Frames: make(chan Frame, 256)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	mux := http.NewServeMux()
	mux.HandleFunc("/sign_in", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["nonce"] == "" {
			_ = json.NewEncoder(w).Encode(map[string]any{"nonce": "fake-nonce"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"signature":      "fake-signature",
			"server_ip":      "127.0.0.1",
			"port":           1,
			"sign_cookie":    42,
			"message_server": cp.Server.URL,
		})
	})
	mux.HandleFunc("/sign_out", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/query_online_state", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		var states []map[string]any
		for _, aid := range strings.Split(body["agents"], ";") {
			if aid != "" {
				states = append(states, map[string]any{"agent_id": aid, "online": true})
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": states})
	})
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		cp.mu.Lock()
		cp.conns = append(cp.conns, conn)
		cp.mu.Unlock()
		cp.serve(conn)
	})

	cp.Server = httptest.NewServer(mux)
	t.Cleanup(cp.Server.Close)
	return cp
}

func (cp *ControlPlane) serve(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame struct {
			Cmd  string         `json:"cmd"`
			Data map[string]any `json:"data"`
		}
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		cp.Frames <- Frame{Cmd: frame.Cmd, Data: frame.Data, Raw: raw}
		if cp.Respond == nil {
			continue
		}
		for _, reply := range cp.Respond(frame.Cmd, frame.Data) {
			cp.mu.Lock()
			_ = conn.WriteMessage(websocket.TextMessage, reply)
			cp.mu.Unlock()
		}
	}
}

// Push writes a frame to the most recent session connection.
func (cp *ControlPlane) Push(t *testing.T, payload []byte) {
	t.Helper()
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if len(cp.conns) == 0 {
		t.Fatal("testutil: no session connection")
	}
	conn := cp.conns[len(cp.conns)-1]
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("testutil: push: %v", err)
	}
}

// NextFrame waits for the next command frame, failing the test after the
// timeout.
func (cp *ControlPlane) NextFrame(t *testing.T, timeout time.Duration) Frame {
	t.Helper()
	select {
	case f := <-cp.Frames:
		return f
	case <-time.After(timeout):
		t.Fatal("testutil: no frame received")
		return Frame{}
	}
}

// Reply builds a command frame payload.
func Reply(cmd string, data map[string]any) []byte {
	payload, _ := json.Marshal(map[string]any{"cmd": cmd, "data": data})
	return payload
}

// DropConnections closes every session connection, simulating a server
// restart.
func (cp *ControlPlane) DropConnections() {
	cp.mu.Lock()
	conns := cp.conns
	cp.conns = nil
	cp.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}
