package agent

import (
	"context"

	"github.com/agentunion/agentcp-go/internal/message"
)

// GetMessageClient returns the transport for a server URL, or nil.
func (a *AgentID) GetMessageClient(serverURL string) *message.Client {
	return a.sessions.GetClient(serverURL)
}

// GetAllMessageClients returns every live transport keyed by server URL.
func (a *AgentID) GetAllMessageClients() map[string]*message.Client {
	return a.sessions.Clients()
}

// IsConnectionHealthy reports whether the transport for a server is
// connected.
func (a *AgentID) IsConnectionHealthy(serverURL string) bool {
	mc := a.sessions.GetClient(serverURL)
	return mc != nil && mc.Connected()
}

// GetConnectionStatus returns the status of every transport keyed by server
// URL.
func (a *AgentID) GetConnectionStatus() map[string]message.Status {
	out := make(map[string]message.Status)
	for serverURL, mc := range a.sessions.Clients() {
		out[serverURL] = mc.Status()
	}
	return out
}

// RebuildMessageClient replaces the transport for a server with a fresh
// one, rewiring every session bound to it.
func (a *AgentID) RebuildMessageClient(ctx context.Context, serverURL string) error {
	return a.sessions.RebuildClient(ctx, serverURL)
}

// ForceReconnect resets and restarts the transport for a server in place.
func (a *AgentID) ForceReconnect(serverURL string) error {
	return a.sessions.ForceReconnect(serverURL)
}

// SetDisconnectCallback registers fn on every current and future transport.
func (a *AgentID) SetDisconnectCallback(fn func(code int, reason string)) {
	a.sessions.SetDisconnectCallback(fn)
}
