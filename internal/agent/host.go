package agent

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/agentunion/agentcp-go/internal/config"
	"github.com/agentunion/agentcp-go/internal/identity"
)

// Host owns the identities of one data directory and their runtimes.
type Host struct {
	layout   identity.Layout
	seedPass string
	cfg      *config.Config

	mu     sync.Mutex
	agents map[string]*AgentID
}

// NewHost opens a host rooted at base (data lives under <base>/agentcp).
// seed is the credential seed; its SHA-256 is the key passphrase.
func NewHost(base, seed string, cfg *config.Config) (*Host, error) {
	if cfg == nil {
		var err error
		cfg, err = config.Load("")
		if err != nil {
			return nil, err
		}
	}
	root := filepath.Join(base, "agentcp")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("agent: host root: %w", err)
	}
	return &Host{
		layout:   identity.NewLayout(root),
		seedPass: identity.Passphrase(seed),
		cfg:      cfg,
		agents:   make(map[string]*AgentID),
	}, nil
}

// Layout exposes the host's filesystem layout.
func (h *Host) Layout() identity.Layout { return h.layout }

// AgentIDs lists the identities stored under the host's data directory.
func (h *Host) AgentIDs() ([]string, error) {
	return h.layout.List()
}

// LoadAgent returns the runtime for a stored identity, building it on
// first use. The identity's key and certificate must already exist.
func (h *Host) LoadAgent(id string) (*AgentID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if a, ok := h.agents[id]; ok {
		return a, nil
	}

	if _, err := os.Stat(h.layout.KeyPath(id)); err != nil {
		return nil, fmt.Errorf("agent: no credentials for %s: %w", id, err)
	}
	a, err := newAgentID(id, h.layout, h.seedPass, h.cfg)
	if err != nil {
		return nil, err
	}
	h.agents[id] = a

	if reg, err := identity.OpenRegistry(h.layout.RegistryPath()); err == nil {
		if err := reg.Touch(id); err != nil {
			log.Debug().Err(err).Str("agent_id", id).Msg("registry touch failed")
		}
	}
	return a, nil
}

// Agents returns every loaded runtime.
func (h *Host) Agents() []*AgentID {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*AgentID, 0, len(h.agents))
	for _, a := range h.agents {
		out = append(out, a)
	}
	return out
}

// ServeForever blocks until the context is cancelled or a termination
// signal arrives, then takes every loaded identity offline.
func (h *Host) ServeForever(ctx context.Context) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case <-ctx.Done():
		log.Info().Msg("host context cancelled")
	case s := <-sig:
		log.Info().Str("signal", s.String()).Msg("shutdown signal received")
	}
	h.Close()
}

// Close takes every loaded identity offline and releases its resources.
func (h *Host) Close() {
	h.mu.Lock()
	agents := make([]*AgentID, 0, len(h.agents))
	for _, a := range h.agents {
		agents = append(agents, a)
	}
	h.agents = make(map[string]*AgentID)
	h.mu.Unlock()

	for _, a := range agents {
		a.Close()
	}
}
