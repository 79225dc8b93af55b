package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentunion/agentcp-go/internal/auth"
	"github.com/agentunion/agentcp-go/internal/config"
	"github.com/agentunion/agentcp-go/internal/message"
)

const createAckTimeout = 10 * time.Second

// ErrUnknownSession is returned when an operation names a session this
// manager has never seen and cannot restore from history.
var ErrUnknownSession = errors.New("session: unknown session")

// Callbacks are the upcalls a manager makes into the agent runtime. All of
// them run synchronously on the transport's receive goroutine and must only
// enqueue.
type Callbacks struct {
	OnMessage       func(msg InboundMessage)
	OnInviteAck     func(data map[string]any)
	OnMessageAck    func(sessionID string, data map[string]any)
	OnSystemMessage func(sessionID string, data map[string]any)
}

// HistoryStore restores session credentials across restarts.
type HistoryStore interface {
	LoadSessionHistory(sessionID string) (string, error)
}

// AuthFactory builds an auth client for a server URL. The manager caches
// the result per normalised URL so the signature is shared.
type AuthFactory func(serverURL string) *auth.Client

type createAck struct {
	SessionID       string
	StatusCode      int
	Message         string
	IdentifyingCode string
}

// Manager owns every session and message transport of one identity.
type Manager struct {
	agentID       string
	cfg           config.MessageConfig
	defaultServer string
	authFactory   AuthFactory
	proxyFunc     func(*http.Request) (*url.URL, error)
	history       HistoryStore
	callbacks     Callbacks

	mu            sync.Mutex
	sessions      map[string]*Session
	clients       map[string]*message.Client
	auths         map[string]*auth.Client
	createWaiters map[string]chan createAck
	onDisconnect  func(code int, reason string)

	// createMu serialises session creation end to end.
	createMu sync.Mutex
}

// NewManager wires a session manager for agentID. defaultServer is the
// server used when a session's home server is not otherwise known.
func NewManager(agentID, defaultServer string, cfg config.MessageConfig,
	authFactory AuthFactory, proxyFunc func(*http.Request) (*url.URL, error),
	history HistoryStore, callbacks Callbacks) *Manager {
	return &Manager{
		agentID:       agentID,
		cfg:           cfg,
		defaultServer: normalizeServer(defaultServer),
		authFactory:   authFactory,
		proxyFunc:     proxyFunc,
		history:       history,
		callbacks:     callbacks,
		sessions:      make(map[string]*Session),
		clients:       make(map[string]*message.Client),
		auths:         make(map[string]*auth.Client),
		createWaiters: make(map[string]chan createAck),
	}
}

func normalizeServer(serverURL string) string {
	return strings.TrimRight(serverURL, "/")
}

// wsEndpoint builds the authenticated transport URL for a server.
func wsEndpoint(serverURL, agentID, signature string) string {
	endpoint := serverURL
	endpoint = strings.Replace(endpoint, "https://", "wss://", 1)
	endpoint = strings.Replace(endpoint, "http://", "ws://", 1)
	return endpoint + "/session?agent_id=" + url.QueryEscape(agentID) +
		"&signature=" + url.QueryEscape(signature)
}

// authFor returns the cached auth client for a server, creating and
// signing it in on first use.
func (m *Manager) authFor(ctx context.Context, serverURL string) (*auth.Client, error) {
	serverURL = normalizeServer(serverURL)
	m.mu.Lock()
	ac, ok := m.auths[serverURL]
	if !ok {
		ac = m.authFactory(serverURL)
		m.auths[serverURL] = ac
	}
	m.mu.Unlock()

	if ac.Signature() == "" {
		if _, err := ac.SignIn(ctx, 0); err != nil {
			return nil, err
		}
	}
	return ac, nil
}

// ensureClient returns the message client for a server, creating, wiring,
// and starting it on first use. Double-checked so concurrent callers share
// one client.
func (m *Manager) ensureClient(ctx context.Context, serverURL string) (*message.Client, error) {
	serverURL = normalizeServer(serverURL)
	m.mu.Lock()
	if mc, ok := m.clients[serverURL]; ok {
		m.mu.Unlock()
		return mc, nil
	}
	onDisconnect := m.onDisconnect
	m.mu.Unlock()

	ac, err := m.authFor(ctx, serverURL)
	if err != nil {
		return nil, err
	}

	mc := message.NewClient(wsEndpoint(serverURL, m.agentID, ac.Signature()), m.cfg, m.proxyFunc)
	mc.SetHandler(func(payload []byte) { m.HandleFrame(mc, payload) })
	mc.SetOnOpen(func() { m.rejoinSessions(mc) })
	mc.SetOnReconnect(func() { m.rejoinSessions(mc) })
	if onDisconnect != nil {
		mc.SetOnDisconnect(onDisconnect)
	}

	m.mu.Lock()
	if existing, ok := m.clients[serverURL]; ok {
		m.mu.Unlock()
		mc.Stop()
		return existing, nil
	}
	m.clients[serverURL] = mc
	m.mu.Unlock()

	if err := mc.Start(); err != nil {
		log.Warn().Err(err).Str("server", serverURL).Msg("transport start deferred to reconnect")
	}
	return mc, nil
}

// rejoinSessions restores membership for every session riding the given
// transport.
func (m *Manager) rejoinSessions(mc *message.Client) {
	m.mu.Lock()
	var affected []*Session
	for _, s := range m.sessions {
		if s.client == mc {
			affected = append(affected, s)
		}
	}
	m.mu.Unlock()
	for _, s := range affected {
		s.onOpen()
	}
}

// HandleFrame is the single ingress point for every frame of every
// transport this manager owns.
func (m *Manager) HandleFrame(mc *message.Client, payload []byte) {
	var frame struct {
		Cmd  string          `json:"cmd"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &frame); err != nil {
		log.Debug().Err(err).Msg("unparseable frame")
		return
	}

	switch frame.Cmd {
	case "create_session_ack":
		m.handleCreateAck(frame.Data)
	case "session_message":
		m.handleSessionMessage(frame.Data)
	case "invite_agent_ack":
		data := decodeMap(frame.Data)
		if m.callbacks.OnInviteAck != nil {
			m.callbacks.OnInviteAck(data)
		}
	case "session_message_ack":
		data := decodeMap(frame.Data)
		sessionID, _ := data["session_id"].(string)
		if m.GetSession(sessionID) == nil {
			return
		}
		if m.callbacks.OnMessageAck != nil {
			m.callbacks.OnMessageAck(sessionID, data)
		}
	case "system_message":
		data := decodeMap(frame.Data)
		sessionID, _ := data["session_id"].(string)
		if m.GetSession(sessionID) == nil {
			return
		}
		if m.callbacks.OnSystemMessage != nil {
			m.callbacks.OnSystemMessage(sessionID, data)
		}
	case "session_create_stream_ack":
		m.handleStreamAck(mc, frame.Data)
	default:
		log.Debug().Str("cmd", frame.Cmd).Msg("unhandled frame")
	}
}

func decodeMap(raw json.RawMessage) map[string]any {
	var data map[string]any
	_ = json.Unmarshal(raw, &data)
	return data
}

func (m *Manager) handleCreateAck(raw json.RawMessage) {
	var data struct {
		RequestID       string `json:"request_id"`
		SessionID       string `json:"session_id"`
		StatusCode      int    `json:"status_code"`
		Message         string `json:"message"`
		IdentifyingCode string `json:"identifying_code"`
	}
	if err := json.Unmarshal(raw, &data); err != nil || data.SessionID == "" {
		log.Warn().Err(err).Msg("malformed create_session_ack")
		return
	}

	m.mu.Lock()
	ch, ok := m.createWaiters[data.RequestID]
	if ok {
		delete(m.createWaiters, data.RequestID)
	}
	m.mu.Unlock()
	if !ok {
		log.Debug().Str("request_id", data.RequestID).Msg("unclaimed create_session_ack")
		return
	}
	ch <- createAck{
		SessionID:       data.SessionID,
		StatusCode:      data.StatusCode,
		Message:         data.Message,
		IdentifyingCode: data.IdentifyingCode,
	}
}

func (m *Manager) handleSessionMessage(raw json.RawMessage) {
	var msg InboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Warn().Err(err).Msg("malformed session_message")
		return
	}
	if decoded, err := url.QueryUnescape(msg.Message); err == nil {
		msg.Message = decoded
	}
	if m.callbacks.OnMessage != nil {
		m.callbacks.OnMessage(msg)
	}
}

func (m *Manager) handleStreamAck(mc *message.Client, raw json.RawMessage) {
	var data struct {
		RequestID string `json:"request_id"`
		SessionID string `json:"session_id"`
		PushURL   string `json:"push_url"`
		PullURL   string `json:"pull_url"`
		MessageID string `json:"message_id"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		log.Warn().Err(err).Msg("malformed session_create_stream_ack")
		return
	}
	if m.GetSession(data.SessionID) == nil {
		log.Debug().Str("session_id", data.SessionID).Msg("stream ack for unknown session")
		return
	}
	if !mc.Streams().Resolve(data.RequestID, message.StreamAck{
		SessionID: data.SessionID,
		PushURL:   data.PushURL,
		PullURL:   data.PullURL,
		MessageID: data.MessageID,
	}) {
		log.Debug().Str("request_id", data.RequestID).Msg("stream ack without waiter")
	}
}

// CreateSession creates a session on the given server (empty = default)
// and returns the owner-side session.
func (m *Manager) CreateSession(ctx context.Context, serverURL, sessType, groupName, subject string) (*Session, error) {
	m.createMu.Lock()
	defer m.createMu.Unlock()

	if serverURL == "" {
		serverURL = m.defaultServer
	}
	mc, err := m.ensureClient(ctx, serverURL)
	if err != nil {
		return nil, err
	}

	requestID := uuidHex()
	ch := make(chan createAck, 1)
	m.mu.Lock()
	m.createWaiters[requestID] = ch
	m.mu.Unlock()

	payload, err := json.Marshal(map[string]any{
		"cmd": "create_session_req",
		"data": map[string]any{
			"request_id": requestID,
			"type":       sessType,
			"group_name": groupName,
			"subject":    subject,
			"timestamp":  nowMs(),
		},
	})
	if err != nil {
		return nil, err
	}
	if err := mc.Send(payload); err != nil {
		m.mu.Lock()
		delete(m.createWaiters, requestID)
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}

	var ack createAck
	select {
	case ack = <-ch:
	case <-time.After(createAckTimeout):
		m.mu.Lock()
		delete(m.createWaiters, requestID)
		m.mu.Unlock()
		return nil, errors.New("session: create ack timeout")
	case <-ctx.Done():
		m.mu.Lock()
		delete(m.createWaiters, requestID)
		m.mu.Unlock()
		return nil, ctx.Err()
	}
	if ack.StatusCode != 0 && ack.StatusCode != 200 {
		return nil, fmt.Errorf("session: create rejected: %d %s", ack.StatusCode, ack.Message)
	}

	signatureFn := m.signatureFnFor(serverURL)
	s := newOwnerSession(ack.SessionID, m.agentID, ack.IdentifyingCode, mc, signatureFn, m.proxyFunc)

	m.mu.Lock()
	if existing, ok := m.sessions[ack.SessionID]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.sessions[ack.SessionID] = s
	m.mu.Unlock()

	log.Info().Str("session_id", ack.SessionID).Str("type", sessType).Msg("session created")
	return s, nil
}

// JoinSession accepts an invitation: it connects to the invite's message
// server and sends the join command. Duplicate joins return the existing
// session.
func (m *Manager) JoinSession(ctx context.Context, sessionID, inviter, inviteCode, messageServer string) (*Session, error) {
	if s := m.GetSession(sessionID); s != nil {
		return s, nil
	}
	if messageServer == "" {
		messageServer = m.defaultServer
	}
	mc, err := m.ensureClient(ctx, messageServer)
	if err != nil {
		return nil, err
	}

	s := newMemberSession(sessionID, m.agentID, inviter, inviteCode, mc,
		m.signatureFnFor(messageServer), m.proxyFunc)

	m.mu.Lock()
	if existing, ok := m.sessions[sessionID]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.sessions[sessionID] = s
	m.mu.Unlock()

	if err := s.Join(); err != nil {
		return s, err
	}
	log.Info().Str("session_id", sessionID).Str("inviter", inviter).Msg("session joined")
	return s, nil
}

func (m *Manager) signatureFnFor(serverURL string) func() string {
	serverURL = normalizeServer(serverURL)
	return func() string {
		m.mu.Lock()
		ac := m.auths[serverURL]
		m.mu.Unlock()
		if ac == nil {
			return ""
		}
		return ac.Signature()
	}
}

// GetSession returns the session for id, or nil.
func (m *Manager) GetSession(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// Sessions returns a snapshot of all sessions.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// RemoveSession forgets a session without sending anything.
func (m *Manager) RemoveSession(id string) {
	m.mu.Lock()
	s := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if s != nil {
		s.markClosed()
	}
}

// SendMsg delivers msg into a session. An unknown session is restored from
// stored history when possible.
func (m *Manager) SendMsg(ctx context.Context, sessionID string, msg OutboundMessage) error {
	if s := m.GetSession(sessionID); s != nil {
		return s.SendMessage(msg)
	}

	// Restore from history: only sessions this identity owns carry an
	// identifying code.
	var code string
	if m.history != nil {
		var err error
		code, err = m.history.LoadSessionHistory(sessionID)
		if err != nil {
			return err
		}
	}
	if code == "" {
		return ErrUnknownSession
	}

	mc, err := m.ensureClient(ctx, m.defaultServer)
	if err != nil {
		return err
	}
	s := newOwnerSession(sessionID, m.agentID, code, mc,
		m.signatureFnFor(m.defaultServer), m.proxyFunc)

	m.mu.Lock()
	if existing, ok := m.sessions[sessionID]; ok {
		m.mu.Unlock()
		return existing.SendMessage(msg)
	}
	m.sessions[sessionID] = s
	m.mu.Unlock()

	if err := s.Rejoin(); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("history session rejoin failed")
	}
	return s.SendMessage(msg)
}

// SetDisconnectCallback applies fn to every existing and future transport.
func (m *Manager) SetDisconnectCallback(fn func(code int, reason string)) {
	m.mu.Lock()
	m.onDisconnect = fn
	clients := make([]*message.Client, 0, len(m.clients))
	for _, mc := range m.clients {
		clients = append(clients, mc)
	}
	m.mu.Unlock()
	for _, mc := range clients {
		mc.SetOnDisconnect(fn)
	}
}

// GetClient returns the transport for a server URL, or nil.
func (m *Manager) GetClient(serverURL string) *message.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[normalizeServer(serverURL)]
}

// Clients returns a snapshot of all transports keyed by server URL.
func (m *Manager) Clients() map[string]*message.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*message.Client, len(m.clients))
	for k, v := range m.clients {
		out[k] = v
	}
	return out
}

// RebuildClient replaces the transport for a server with a fresh one and
// rewires every session riding it.
func (m *Manager) RebuildClient(ctx context.Context, serverURL string) error {
	serverURL = normalizeServer(serverURL)
	m.mu.Lock()
	old := m.clients[serverURL]
	delete(m.clients, serverURL)
	m.mu.Unlock()

	if old != nil {
		old.Stop()
		time.Sleep(500 * time.Millisecond)
	}

	mc, err := m.ensureClient(ctx, serverURL)
	if err != nil {
		return err
	}

	m.mu.Lock()
	var affected []*Session
	for _, s := range m.sessions {
		if s.client == old {
			s.client = mc
			affected = append(affected, s)
		}
	}
	m.mu.Unlock()
	for _, s := range affected {
		s.onOpen()
	}
	return nil
}

// ForceReconnect cycles the transport for a server without replacing it.
func (m *Manager) ForceReconnect(serverURL string) error {
	mc := m.GetClient(serverURL)
	if mc == nil {
		return fmt.Errorf("session: no client for %s", serverURL)
	}
	mc.FullReset()
	time.Sleep(200 * time.Millisecond)
	return mc.Start()
}

// CloseAllSession closes every session and stops every transport. The maps
// are cleared under lock; the I/O happens outside it.
func (m *Manager) CloseAllSession() {
	m.mu.Lock()
	sessions := m.sessions
	clients := m.clients
	m.sessions = make(map[string]*Session)
	m.clients = make(map[string]*message.Client)
	m.createWaiters = make(map[string]chan createAck)
	m.mu.Unlock()

	for _, s := range sessions {
		if err := s.Close(); err != nil && !errors.Is(err, ErrConnectionLost) {
			log.Debug().Err(err).Str("session_id", s.ID).Msg("session close failed")
		}
	}
	for _, mc := range clients {
		mc.Stop()
	}
}

// ResetAll full-resets every transport and forgets all sessions, keeping
// the clients reusable. Used by the runtime's reset orchestration.
func (m *Manager) ResetAll() {
	m.mu.Lock()
	sessions := m.sessions
	clients := m.clients
	m.sessions = make(map[string]*Session)
	m.createWaiters = make(map[string]chan createAck)
	m.mu.Unlock()

	for _, s := range sessions {
		s.markClosed()
	}
	for _, mc := range clients {
		mc.FullReset()
	}
}
