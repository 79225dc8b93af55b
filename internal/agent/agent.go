// Package agent assembles the per-identity runtime: authentication,
// heartbeat presence, session management, the dispatch pipeline, metrics,
// and monitoring, behind one AgentID object. A Host owns the identities of
// one data directory.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentunion/agentcp-go/internal/auth"
	"github.com/agentunion/agentcp-go/internal/config"
	"github.com/agentunion/agentcp-go/internal/dispatch"
	"github.com/agentunion/agentcp-go/internal/heartbeat"
	"github.com/agentunion/agentcp-go/internal/identity"
	"github.com/agentunion/agentcp-go/internal/metrics"
	"github.com/agentunion/agentcp-go/internal/monitoring"
	"github.com/agentunion/agentcp-go/internal/proxy"
	"github.com/agentunion/agentcp-go/internal/scheduler"
	"github.com/agentunion/agentcp-go/internal/session"
	"github.com/agentunion/agentcp-go/internal/store"
)

const resetReconnectDelay = 500 * time.Millisecond

// AgentID is the live runtime of one identity.
type AgentID struct {
	id        string
	aid       identity.AID
	layout    identity.Layout
	seedPass  string
	serverURL string
	cfg       *config.Config

	policy     *proxy.Policy
	authClient *auth.Client
	hb         *heartbeat.Client
	sessions   *session.Manager
	store      *store.Store

	collector  *metrics.Collector
	sched      *scheduler.Scheduler
	queue      *dispatch.Queue
	registry   *dispatch.Registry
	dispatcher *dispatch.Dispatcher
	monStore   *monitoring.TimeSeriesStore
	monitoring *monitoring.Service

	mu       sync.Mutex
	online   bool
	syncDone chan struct{}
	syncWG   sync.WaitGroup
}

// newAgentID builds the runtime for an identity whose credentials already
// exist under the layout. Nothing connects until Online.
func newAgentID(id string, layout identity.Layout, seedPass string, cfg *config.Config) (*AgentID, error) {
	aid, err := identity.ParseAID(id)
	if err != nil {
		return nil, err
	}
	if err := layout.EnsureIdentityDirs(id); err != nil {
		return nil, err
	}

	a := &AgentID{
		id:        id,
		aid:       aid,
		layout:    layout,
		seedPass:  seedPass,
		serverURL: aid.EndpointURL(),
		cfg:       cfg,
		collector: metrics.NewCollector(),
		queue:     dispatch.NewQueue(cfg.Dispatch.QueueSize),
		registry:  dispatch.NewRegistry(),
	}

	a.policy, err = proxy.NewPolicy(layout.ProxyConfigPath(id), cfg.Proxy.UseSystemProxy)
	if err != nil {
		return nil, fmt.Errorf("agent: proxy policy: %w", err)
	}
	if err := a.policy.Watch(); err != nil {
		log.Warn().Err(err).Str("agent_id", id).Msg("proxy config watch unavailable")
	}

	a.store, err = store.Open(layout.StorePath(id), id)
	if err != nil {
		a.policy.StopWatch()
		return nil, fmt.Errorf("agent: open store: %w", err)
	}

	a.sched = scheduler.New(scheduler.Config{
		CoreWorkers:       cfg.Scheduler.CoreWorkers,
		MaxWorkers:        cfg.Scheduler.MaxWorkers,
		MaxTasksPerWorker: cfg.Scheduler.MaxTasksPerWorker,
		WorkerQueueSize:   cfg.Scheduler.WorkerQueueSize,
	})
	a.dispatcher = dispatch.NewDispatcher(a.queue, a.registry, a.sched, a.collector, a.persistRecord)

	a.authClient = auth.NewClient(id, a.serverURL, layout, seedPass, a.policy.ProxyFunc())
	a.hb = heartbeat.New(id, a.authClient, a.handleInvite)
	a.sessions = session.NewManager(id, a.serverURL, cfg.Message, a.authFactory,
		a.policy.ProxyFunc(), a.store, session.Callbacks{
			OnMessage:       a.onInbound,
			OnInviteAck:     a.onInviteAck,
			OnMessageAck:    a.onMessageAck,
			OnSystemMessage: a.onSystemMessage,
		})

	if cfg.Monitoring.Enabled {
		a.monStore, err = monitoring.OpenStore(layout.MetricsStorePath(id))
		if err != nil {
			log.Warn().Err(err).Str("agent_id", id).Msg("metrics time-series store unavailable")
		} else {
			a.monitoring = monitoring.NewService(id, a.collector, a.monStore, monitoring.ServiceConfig{
				Interval:      cfg.Monitoring.Interval,
				RetentionDays: cfg.Monitoring.RetentionDays,
			})
		}
	}
	return a, nil
}

// authFactory shares the default server's auth client and builds new ones
// for foreign message servers.
func (a *AgentID) authFactory(serverURL string) *auth.Client {
	if serverURL == a.serverURL || serverURL == a.authClient.ServerURL() {
		return a.authClient
	}
	return auth.NewClient(a.id, serverURL, a.layout, a.seedPass, a.policy.ProxyFunc())
}

// ID returns the agent identifier.
func (a *AgentID) ID() string { return a.id }

// ServerURL returns the authority's default server root.
func (a *AgentID) ServerURL() string { return a.serverURL }

// Store exposes the identity's persistence layer.
func (a *AgentID) Store() *store.Store { return a.store }

// Metrics exposes the identity's metrics collector.
func (a *AgentID) Metrics() *metrics.Collector { return a.collector }

// Sessions exposes the session manager.
func (a *AgentID) Sessions() *session.Manager { return a.sessions }

// IsOnline reports whether the identity is online.
func (a *AgentID) IsOnline() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.online
}

// Online signs the identity in and starts every runtime component.
func (a *AgentID) Online(ctx context.Context) error {
	a.mu.Lock()
	if a.online {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	if err := a.sched.Start(); err != nil {
		return err
	}
	if err := a.hb.Online(ctx); err != nil {
		a.sched.Shutdown(false)
		return err
	}
	a.dispatcher.Start()
	a.startMetricsSync()
	if a.monitoring != nil {
		if err := a.monitoring.Start(); err != nil {
			log.Warn().Err(err).Str("agent_id", a.id).Msg("monitoring start failed")
		}
	}

	a.mu.Lock()
	a.online = true
	a.mu.Unlock()
	log.Info().Str("agent_id", a.id).Msg("agent online")
	return nil
}

// Offline stops every runtime component and signs out.
func (a *AgentID) Offline() {
	a.mu.Lock()
	if !a.online {
		a.mu.Unlock()
		return
	}
	a.online = false
	a.mu.Unlock()

	a.dispatcher.Stop()
	a.stopMetricsSync()
	if a.monitoring != nil {
		a.monitoring.Stop(false)
	}
	a.hb.Offline()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	a.authClient.SignOut(ctx)
	cancel()

	a.sessions.CloseAllSession()
	a.sched.Shutdown(true)
	log.Info().Str("agent_id", a.id).Msg("agent offline")
}

// Reset tears the runtime back to a clean in-memory state without
// releasing the identity: transports full-reset, queues drained, scoped
// handlers cleared, dispatcher and metrics sync restarted.
func (a *AgentID) Reset() {
	a.mu.Lock()
	a.online = false
	a.mu.Unlock()

	a.dispatcher.Stop()
	a.stopMetricsSync()
	if a.monitoring != nil {
		a.monitoring.Stop(false)
	}
	a.sessions.ResetAll()
	a.hb.Offline()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	a.authClient.SignOut(ctx)
	cancel()

	if n := a.queue.Drain(); n > 0 {
		log.Info().Int("dropped", n).Str("agent_id", a.id).Msg("dispatch queue drained on reset")
	}
	a.registry.ClearScoped()

	a.dispatcher.Start()
	a.startMetricsSync()
	log.Info().Str("agent_id", a.id).Msg("agent reset")
}

// ResetAndReconnect resets the runtime and brings it back online.
func (a *AgentID) ResetAndReconnect(ctx context.Context) error {
	a.Reset()
	time.Sleep(resetReconnectDelay)
	return a.Online(ctx)
}

// Close releases every resource. The AgentID is unusable afterwards.
func (a *AgentID) Close() {
	a.Offline()
	a.policy.StopWatch()
	if a.monStore != nil {
		_ = a.monStore.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

// EnsureSignedIn obtains a server signature without bringing the identity
// online. Used by query-only commands.
func (a *AgentID) EnsureSignedIn(ctx context.Context) error {
	if a.authClient.Signature() != "" {
		return nil
	}
	_, err := a.authClient.SignIn(ctx, 3)
	return err
}

// GetOnlineStatus queries the presence of other agents.
func (a *AgentID) GetOnlineStatus(ctx context.Context, agents []string) ([]auth.OnlineState, error) {
	return a.hb.GetOnlineStatus(ctx, agents)
}

// handleInvite accepts a server-pushed session invite off the heartbeat
// receive goroutine.
func (a *AgentID) handleInvite(inv heartbeat.Invite) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := a.sessions.JoinSession(ctx, inv.SessionID, inv.InviterAgentID,
			inv.InviteCode, inv.MessageServer); err != nil {
			log.Warn().Err(err).Str("session_id", inv.SessionID).
				Str("inviter", inv.InviterAgentID).Msg("invite accept failed")
		}
	}()
}

// persistRecord is the dispatcher's persistence side-effect: first sight of
// a message id inserts a row, later sightings append their content blocks.
func (a *AgentID) persistRecord(rec *dispatch.Record) {
	existing, err := a.store.GetMessageByID(rec.Msg.MessageID)
	if err != nil {
		log.Warn().Err(err).Str("message_id", rec.Msg.MessageID).Msg("persist lookup failed")
		return
	}
	if existing != nil {
		if err := a.store.AppendMessageContent(rec.Msg.MessageID, []byte(rec.Msg.Message)); err != nil {
			log.Warn().Err(err).Str("message_id", rec.Msg.MessageID).Msg("persist append failed")
		}
		return
	}
	ts, _ := rec.Msg.Timestamp.Int64()
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	_, err = a.store.InsertMessage(&store.Message{
		MessageID:       rec.Msg.MessageID,
		SessionID:       rec.Msg.SessionID,
		Role:            "received",
		MessageAID:      rec.Msg.Sender,
		ParentMessageID: rec.Msg.RefMsgID,
		ToAIDs:          rec.Msg.Receiver,
		Content:         rec.Msg.Message,
		Instruction:     rec.Msg.Instruction,
		Status:          "received",
		Timestamp:       ts,
	})
	if err != nil {
		log.Warn().Err(err).Str("message_id", rec.Msg.MessageID).Msg("persist insert failed")
	}
}
