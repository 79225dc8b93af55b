package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
)

func TestParseAID(t *testing.T) {
	tests := []struct {
		id        string
		wantName  string
		wantAuth  string
		wantError bool
	}{
		{"alice.corp.example", "alice", "corp.example", false},
		{"a.b.c", "a", "b.c", false},
		{"alice.example", "", "", true},
		{"a.b.c.d", "", "", true},
		{"", "", "", true},
		{"..", "", "", true},
		{"a..c", "", "", true},
	}

	for _, tt := range tests {
		aid, err := ParseAID(tt.id)
		if tt.wantError {
			if err == nil {
				t.Errorf("ParseAID(%q) expected error, got nil", tt.id)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseAID(%q) error = %v", tt.id, err)
			continue
		}
		if aid.Name != tt.wantName || aid.Authority != tt.wantAuth {
			t.Errorf("ParseAID(%q) = %+v, want name %q authority %q", tt.id, aid, tt.wantName, tt.wantAuth)
		}
		if aid.String() != tt.id {
			t.Errorf("String() = %q, want %q", aid.String(), tt.id)
		}
	}
}

func TestAID_EndpointURL(t *testing.T) {
	aid, err := ParseAID("alice.corp.example")
	if err != nil {
		t.Fatal(err)
	}
	if got := aid.EndpointURL(); got != "https://acp3.corp.example" {
		t.Errorf("EndpointURL() = %q", got)
	}
}

func TestKeyFile_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.key")

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	pass := Passphrase("seed phrase")
	if err := SavePrivateKey(path, key, pass); err != nil {
		t.Fatalf("SavePrivateKey() error = %v", err)
	}

	got, err := LoadPrivateKey(path, pass)
	if err != nil {
		t.Fatalf("LoadPrivateKey() error = %v", err)
	}
	if !got.Equal(key) {
		t.Error("loaded key does not match saved key")
	}
}

func TestKeyFile_WrongPassphrase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.key")

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	if err := SavePrivateKey(path, key, Passphrase("right")); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadPrivateKey(path, Passphrase("wrong")); err == nil {
		t.Error("expected decryption failure with wrong passphrase")
	}
}

func TestPassphrase_Deterministic(t *testing.T) {
	if Passphrase("seed") != Passphrase("seed") {
		t.Error("Passphrase is not deterministic")
	}
	if Passphrase("seed") == Passphrase("other") {
		t.Error("distinct seeds produced the same passphrase")
	}
}

func TestLayout_Paths(t *testing.T) {
	l := NewLayout("/data/agentcp")
	id := "alice.corp.example"

	if got := l.StorePath(id); got != filepath.Join("/data/agentcp/AIDs", id, "private/data/agentid_data.db") {
		t.Errorf("StorePath = %q", got)
	}
	if got := l.KeyPath(id); got != filepath.Join("/data/agentcp/Certs", id, id+".key") {
		t.Errorf("KeyPath = %q", got)
	}
	if got := l.RootCertPath(); got != "/data/agentcp/Certs/root/root.crt" {
		t.Errorf("RootCertPath = %q", got)
	}
}

func TestLayout_List(t *testing.T) {
	l := NewLayout(t.TempDir())

	ids, err := l.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("List() on empty root = %v", ids)
	}

	for _, id := range []string{"alice.corp.example", "bob.corp.example"} {
		if err := l.EnsureIdentityDirs(id); err != nil {
			t.Fatal(err)
		}
	}
	// Non-AID directories are ignored.
	if err := os.MkdirAll(filepath.Join(l.AIDsDir(), "notanaid"), 0o755); err != nil {
		t.Fatal(err)
	}

	ids, err = l.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("List() = %v, want two identities", ids)
	}
}

func TestRegistry_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.yaml")

	r, err := OpenRegistry(path)
	if err != nil {
		t.Fatalf("OpenRegistry() error = %v", err)
	}
	if err := r.Add("alice.corp.example", "https://acp3.corp.example"); err != nil {
		t.Fatal(err)
	}
	if err := r.Add("bob.corp.example", ""); err != nil {
		t.Fatal(err)
	}
	// Adding twice is idempotent.
	if err := r.Add("alice.corp.example", ""); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenRegistry(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	entries := reopened.List()
	if len(entries) != 2 {
		t.Fatalf("List() = %d entries, want 2", len(entries))
	}
	if entries[0].AgentID != "alice.corp.example" || entries[1].AgentID != "bob.corp.example" {
		t.Errorf("entries out of order: %+v", entries)
	}
	if entries[0].Server != "https://acp3.corp.example" {
		t.Errorf("server = %q", entries[0].Server)
	}
}
