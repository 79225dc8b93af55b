// Package session implements sessions and their manager: the JSON command
// protocol spoken over the message transport, membership lifecycle, and
// stream creation with ack waiters.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agentunion/agentcp-go/internal/message"
	"github.com/agentunion/agentcp-go/internal/stream"
)

const (
	streamAckTimeout    = 10 * time.Second
	streamOpenRetryWait = time.Second
	streamMaxRetries    = 2

	reconnectWaitTimeout = 10 * time.Second
	reconnectPollPeriod  = 300 * time.Millisecond
	reconnectSettle      = 200 * time.Millisecond
)

var (
	// ErrConnectionLost marks a retryable transport failure during a
	// session operation.
	ErrConnectionLost = errors.New("session: connection lost")
	// ErrClosed is returned for operations on a closed session.
	ErrClosed = errors.New("session: closed")
	// ErrNotOwner is returned when a member invokes an owner-only
	// operation.
	ErrNotOwner = errors.New("session: not the session owner")
	// ErrStreamTimeout is returned when the stream-create ack does not
	// arrive in time.
	ErrStreamTimeout = errors.New("session: stream ack timeout")
)

// OutboundMessage is a message to send into a session.
type OutboundMessage struct {
	MessageID   string
	RefMsgID    string
	Receivers   []string
	Content     []map[string]any
	Instruction string
}

// InboundMessage is a decoded session_message with its content already
// URL-decoded.
type InboundMessage struct {
	MessageID   string      `json:"message_id"`
	SessionID   string      `json:"session_id"`
	RefMsgID    string      `json:"ref_msg_id"`
	Sender      string      `json:"sender"`
	Instruction string      `json:"instruction"`
	Receiver    string      `json:"receiver"`
	Message     string      `json:"message"`
	Timestamp   json.Number `json:"timestamp"`
}

// StreamHandles are the endpoints of a created stream.
type StreamHandles struct {
	Push      *stream.Client
	PullURL   string
	MessageID string
}

// Session is one membership in a multi-agent session.
type Session struct {
	ID      string
	agentID string
	client  *message.Client

	signatureFn func() string
	proxyFunc   func(*http.Request) (*url.URL, error)

	mu              sync.Mutex
	open            bool
	owner           bool
	identifyingCode string
	inviteCode      string
	inviterAgentID  string
	streams         map[string]*stream.Client
}

func newOwnerSession(id, agentID, identifyingCode string, client *message.Client,
	signatureFn func() string, proxyFunc func(*http.Request) (*url.URL, error)) *Session {
	return &Session{
		ID:              id,
		agentID:         agentID,
		client:          client,
		signatureFn:     signatureFn,
		proxyFunc:       proxyFunc,
		open:            true,
		owner:           true,
		identifyingCode: identifyingCode,
		streams:         make(map[string]*stream.Client),
	}
}

func newMemberSession(id, agentID, inviter, inviteCode string, client *message.Client,
	signatureFn func() string, proxyFunc func(*http.Request) (*url.URL, error)) *Session {
	return &Session{
		ID:             id,
		agentID:        agentID,
		client:         client,
		signatureFn:    signatureFn,
		proxyFunc:      proxyFunc,
		open:           true,
		owner:          false,
		inviterAgentID: inviter,
		inviteCode:     inviteCode,
		streams:        make(map[string]*stream.Client),
	}
}

// IsOwner reports whether this side created the session.
func (s *Session) IsOwner() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

// IdentifyingCode returns the owner's session credential (empty for
// members).
func (s *Session) IdentifyingCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identifyingCode
}

// Open reports whether the session is usable.
func (s *Session) Open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *Session) sendCommand(cmd string, data map[string]any) error {
	payload, err := json.Marshal(map[string]any{"cmd": cmd, "data": data})
	if err != nil {
		return err
	}
	if err := s.client.Send(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return nil
}

// Join accepts the invitation this member session was built from.
func (s *Session) Join() error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return ErrClosed
	}
	inviter := s.inviterAgentID
	code := s.inviteCode
	s.mu.Unlock()
	return s.sendCommand("join_session_req", map[string]any{
		"session_id":       s.ID,
		"request_id":       requestIDNow(),
		"inviter_agent_id": inviter,
		"invite_code":      code,
		"last_msg_id":      "0",
	})
}

// Rejoin restores the owner's membership after a reconnect, using its own
// identifying code as the invite credential.
func (s *Session) Rejoin() error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return ErrClosed
	}
	code := s.identifyingCode
	s.mu.Unlock()
	return s.sendCommand("join_session_req", map[string]any{
		"session_id":       s.ID,
		"request_id":       requestIDNow(),
		"inviter_agent_id": "",
		"invite_code":      code,
		"last_msg_id":      "0",
	})
}

// onOpen re-establishes membership after the transport reconnects.
func (s *Session) onOpen() {
	s.mu.Lock()
	owner := s.owner
	open := s.open
	s.mu.Unlock()
	if !open {
		return
	}
	var err error
	if owner {
		err = s.Rejoin()
	} else {
		err = s.Join()
	}
	if err != nil {
		log.Warn().Err(err).Str("session_id", s.ID).Msg("session rejoin failed")
	}
}

// Invite asks the server to deliver an invitation to targetAID. Owner only.
func (s *Session) Invite(targetAID string) error {
	if !s.IsOwner() {
		return ErrNotOwner
	}
	return s.sendCommand("invite_agent_req", map[string]any{
		"session_id": s.ID,
		"request_id": uuidHex(),
		"agent_id":   targetAID,
		"timestamp":  nowMs(),
	})
}

// Eject removes a member. Owner only.
func (s *Session) Eject(targetAID string) error {
	s.mu.Lock()
	owner := s.owner
	code := s.identifyingCode
	s.mu.Unlock()
	if !owner {
		return ErrNotOwner
	}
	return s.sendCommand("eject_agent_req", map[string]any{
		"session_id":       s.ID,
		"request_id":       requestIDNow(),
		"agent_id":         targetAID,
		"identifying_code": code,
	})
}

// RequestMemberList asks the server for the current membership; the answer
// arrives as a get_member_list ack through the manager.
func (s *Session) RequestMemberList() error {
	return s.sendCommand("get_member_list", map[string]any{
		"session_id": s.ID,
		"request_id": requestIDNow(),
	})
}

// SendMessage delivers msg to its receivers. The content array is
// JSON-encoded then URL-encoded into the message field.
func (s *Session) SendMessage(msg OutboundMessage) error {
	if !s.Open() {
		return ErrClosed
	}
	content, err := json.Marshal(msg.Content)
	if err != nil {
		return err
	}
	messageID := msg.MessageID
	if messageID == "" {
		messageID = requestIDNow()
	}
	return s.sendCommand("session_message", map[string]any{
		"message_id":  messageID,
		"session_id":  s.ID,
		"ref_msg_id":  msg.RefMsgID,
		"sender":      s.agentID,
		"instruction": msg.Instruction,
		"receiver":    strings.Join(msg.Receivers, ";"),
		"message":     url.QueryEscape(string(content)),
		"timestamp":   nowMs(),
	})
}

// CreateStream negotiates a stream with the given receivers and opens the
// push side. Retries up to twice on connection loss, waiting for the
// transport to recover before each retry.
func (s *Session) CreateStream(receivers []string, contentType, refMsgID string) (*StreamHandles, error) {
	var lastErr error
	for attempt := 0; attempt <= streamMaxRetries; attempt++ {
		if attempt > 0 {
			if !s.waitForReconnection(reconnectWaitTimeout) {
				return nil, fmt.Errorf("%w: transport did not recover", ErrConnectionLost)
			}
		}
		handles, err := s.createStreamOnce(receivers, contentType, refMsgID)
		if err == nil {
			return handles, nil
		}
		if !errors.Is(err, ErrConnectionLost) {
			return nil, err
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt+1).
			Str("session_id", s.ID).Msg("stream create retry")
	}
	return nil, lastErr
}

func (s *Session) createStreamOnce(receivers []string, contentType, refMsgID string) (*StreamHandles, error) {
	if !s.Open() {
		return nil, ErrClosed
	}
	requestID := uuidHex()
	ackCh := s.client.Streams().Register(requestID, receivers)

	err := s.sendCommand("session_create_stream_req", map[string]any{
		"session_id":   s.ID,
		"request_id":   requestID,
		"ref_msg_id":   refMsgID,
		"sender":       s.agentID,
		"receiver":     strings.Join(receivers, ","),
		"content_type": contentType,
		"timestamp":    nowMs(),
	})
	if err != nil {
		s.client.Streams().Unregister(requestID)
		return nil, err
	}

	select {
	case ack := <-ackCh:
		switch ack.Err {
		case "":
		case "connection_lost", "timeout":
			return nil, fmt.Errorf("%w: %s", ErrConnectionLost, ack.Err)
		default:
			return nil, fmt.Errorf("session: stream create failed: %s", ack.Err)
		}
		push, err := s.openPush(ack.PushURL)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.streams[ack.PushURL] = push
		s.mu.Unlock()
		return &StreamHandles{Push: push, PullURL: ack.PullURL, MessageID: ack.MessageID}, nil
	case <-time.After(streamAckTimeout):
		s.client.Streams().Unregister(requestID)
		return nil, ErrStreamTimeout
	}
}

// openPush connects the push socket, retrying once after a second.
func (s *Session) openPush(pushURL string) (*stream.Client, error) {
	signature := ""
	if s.signatureFn != nil {
		signature = s.signatureFn()
	}
	push := stream.NewClient(pushURL, s.agentID, signature, s.proxyFunc)
	if err := push.Open(); err != nil {
		time.Sleep(streamOpenRetryWait)
		if err = push.Open(); err != nil {
			return nil, fmt.Errorf("%w: open push: %v", ErrConnectionLost, err)
		}
	}
	return push, nil
}

// waitForReconnection polls until the transport reports a verified
// connection, then settles briefly.
func (s *Session) waitForReconnection(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.client.Connected() {
			time.Sleep(reconnectSettle)
			return true
		}
		time.Sleep(reconnectPollPeriod)
	}
	return false
}

// Leave exits the session as a member.
func (s *Session) Leave() error {
	err := s.sendCommand("leave_session_req", map[string]any{
		"session_id": s.ID,
		"request_id": requestIDNow(),
	})
	s.markClosed()
	return err
}

// Close dismisses the session. Owner only.
func (s *Session) Close() error {
	s.mu.Lock()
	owner := s.owner
	code := s.identifyingCode
	s.mu.Unlock()
	if !owner {
		return s.Leave()
	}
	err := s.sendCommand("close_session_req", map[string]any{
		"session_id":       s.ID,
		"request_id":       requestIDNow(),
		"identifying_code": code,
	})
	s.markClosed()
	return err
}

// markClosed flips the session closed and tears down its streams.
func (s *Session) markClosed() {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return
	}
	s.open = false
	streams := s.streams
	s.streams = make(map[string]*stream.Client)
	s.mu.Unlock()
	for _, push := range streams {
		_ = push.Close()
	}
}

// requestIDNow is the unix-millisecond request id used by most commands.
func requestIDNow() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 10)
}

// uuidHex is the dashless UUID request id used by invites and stream
// creation.
func uuidHex() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
