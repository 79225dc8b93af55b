package identity

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// RegistryEntry records one locally stored identity.
type RegistryEntry struct {
	AgentID   string    `yaml:"agent_id"`
	Server    string    `yaml:"server,omitempty"`
	CreatedAt time.Time `yaml:"created_at"`
	LastSeen  time.Time `yaml:"last_seen,omitempty"`
}

// Registry is the on-disk index of identities under AIDs/registry.yaml.
type Registry struct {
	path string

	mu      sync.Mutex
	entries map[string]*RegistryEntry
}

type registryFile struct {
	Identities []*RegistryEntry `yaml:"identities"`
}

// OpenRegistry loads (or initialises) the registry at path.
func OpenRegistry(path string) (*Registry, error) {
	r := &Registry{path: path, entries: make(map[string]*RegistryEntry)}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, err
	}
	var f registryFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	for _, e := range f.Identities {
		r.entries[e.AgentID] = e
	}
	return r, nil
}

// Add registers an identity (idempotent) and persists the registry.
func (r *Registry) Add(agentID, server string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[agentID]; !ok {
		r.entries[agentID] = &RegistryEntry{
			AgentID:   agentID,
			Server:    server,
			CreatedAt: time.Now(),
		}
	}
	return r.saveLocked()
}

// Touch updates an identity's last-seen timestamp and persists the registry.
func (r *Registry) Touch(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[agentID]
	if !ok {
		return nil
	}
	e.LastSeen = time.Now()
	return r.saveLocked()
}

// List returns all entries sorted by agent id.
func (r *Registry) List() []RegistryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]RegistryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

func (r *Registry) saveLocked() error {
	f := registryFile{Identities: make([]*RegistryEntry, 0, len(r.entries))}
	for _, e := range r.entries {
		f.Identities = append(f.Identities, e)
	}
	sort.Slice(f.Identities, func(i, j int) bool {
		return f.Identities[i].AgentID < f.Identities[j].AgentID
	})

	raw, err := yaml.Marshal(&f)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(r.path, raw, 0o644)
}
