// Package heartbeat keeps one identity registered with its heartbeat server
// over UDP. It sends periodic heartbeats, applies server-adjusted intervals,
// receives pushed session invites, and transparently re-authenticates and
// re-dials when the server stops answering.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentunion/agentcp-go/internal/auth"
	"github.com/agentunion/agentcp-go/internal/wire"
)

const (
	tickPeriod   = time.Second
	readDeadline = time.Second

	// minInterval floors server-adjusted heartbeat intervals.
	minInterval     = 5 * time.Second
	defaultInterval = 5 * time.Second

	// maxFailures consecutive send or recv errors trigger a reconnect.
	maxFailures = 3

	sendBackoffBase = time.Second
	sendBackoffMax  = 30 * time.Second

	// reconnectMinGap rate-limits reconnect attempts.
	reconnectMinGap = 5 * time.Second

	offlineJoinTimeout = 3 * time.Second
)

// Authenticator is the slice of the auth client the heartbeat loop needs.
type Authenticator interface {
	SignIn(ctx context.Context, maxRetries int) (*auth.SignInResult, error)
	QueryOnlineState(ctx context.Context, agents []string) ([]auth.OnlineState, error)
}

// Invite is a decoded server-pushed session invitation.
type Invite struct {
	InviterAgentID string
	InviteCode     string
	ExpireAt       int64
	SessionID      string
	MessageServer  string
}

// Client is the UDP heartbeat client for one identity.
type Client struct {
	agentID  string
	auth     Authenticator
	onInvite func(Invite)

	mu         sync.Mutex
	conn       *net.UDPConn
	serverAddr *net.UDPAddr
	signCookie uint64
	seq        uint64
	interval   time.Duration
	lastSent   time.Time
	lastRecv   time.Time
	running    bool
	done       chan struct{}

	// failure counters, guarded by mu: incremented by their loops, reset
	// by reconnect.
	sendFailures int
	recvFailures int

	wg sync.WaitGroup

	reconnectMu   sync.Mutex
	lastReconnect time.Time
}

// New creates a heartbeat client. onInvite may be nil; invites are then
// acknowledged but otherwise dropped.
func New(agentID string, authenticator Authenticator, onInvite func(Invite)) *Client {
	return &Client{
		agentID:  agentID,
		auth:     authenticator,
		onInvite: onInvite,
		interval: defaultInterval,
	}
}

// Online signs in, dials the heartbeat server, and starts the send and
// receive loops. Calling Online while running is a no-op.
func (c *Client) Online(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	result, err := c.auth.SignIn(ctx, 0)
	if err != nil {
		return err
	}
	addr, err := resolveServer(result)
	if err != nil {
		return err
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return fmt.Errorf("heartbeat: dial %s: %w", addr, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.serverAddr = addr
	c.signCookie = result.SignCookie
	c.lastRecv = time.Now()
	c.lastSent = time.Time{}
	c.sendFailures = 0
	c.recvFailures = 0
	c.running = true
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	c.wg.Add(2)
	go c.sendLoop(done)
	go c.recvLoop(done)

	log.Info().Str("agent_id", c.agentID).Str("server", addr.String()).Msg("heartbeat online")
	return nil
}

// Offline stops both loops and closes the socket. Safe to call repeatedly.
func (c *Client) Offline() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.done)
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	joined := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(offlineJoinTimeout):
		log.Warn().Str("agent_id", c.agentID).Msg("heartbeat loops did not stop in time")
	}
	log.Info().Str("agent_id", c.agentID).Msg("heartbeat offline")
}

// Running reports whether the loops are active.
func (c *Client) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Interval returns the current heartbeat interval.
func (c *Client) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

// LastReceived returns the time of the last server acknowledgement.
func (c *Client) LastReceived() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRecv
}

// GetOnlineStatus queries the presence of other agents through the auth
// client.
func (c *Client) GetOnlineStatus(ctx context.Context, agents []string) ([]auth.OnlineState, error) {
	return c.auth.QueryOnlineState(ctx, agents)
}

func (c *Client) sendLoop(done chan struct{}) {
	defer c.wg.Done()
	ticker := time.NewTicker(tickPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		interval := c.interval
		lastRecv := c.lastRecv
		lastSent := c.lastSent
		c.mu.Unlock()

		now := time.Now()
		if now.Sub(lastRecv) > 3*interval {
			log.Warn().Str("agent_id", c.agentID).
				Dur("silence", now.Sub(lastRecv)).Msg("heartbeat watchdog fired")
			c.reconnect(done)
			continue
		}
		if !lastSent.IsZero() && now.Before(lastSent.Add(interval)) {
			continue
		}

		if err := c.sendHeartbeat(); err != nil {
			c.mu.Lock()
			c.sendFailures++
			failures := c.sendFailures
			if failures >= maxFailures {
				c.sendFailures = 0
			}
			c.mu.Unlock()
			log.Warn().Err(err).Int("failures", failures).Msg("heartbeat send failed")
			if failures >= maxFailures {
				c.reconnect(done)
				continue
			}
			backoff := sendBackoffBase << (failures - 1)
			if backoff > sendBackoffMax {
				backoff = sendBackoffMax
			}
			select {
			case <-done:
				return
			case <-time.After(backoff):
			}
			continue
		}
		c.mu.Lock()
		c.sendFailures = 0
		c.mu.Unlock()
	}
}

func (c *Client) sendHeartbeat() error {
	c.mu.Lock()
	conn := c.conn
	c.seq++
	req := wire.HeartbeatReq{
		Header: wire.Header{
			Seq:         c.seq,
			Type:        wire.MsgTypeHeartbeatReq,
			PayloadSize: wire.HeartbeatPayloadSize,
		},
		AgentID:    c.agentID,
		SignCookie: c.signCookie,
	}
	c.lastSent = time.Now()
	c.mu.Unlock()

	if conn == nil {
		return net.ErrClosed
	}
	_, err := conn.Write(req.Encode())
	return err
}

func (c *Client) recvLoop(done chan struct{}) {
	defer c.wg.Done()
	buf := make([]byte, wire.MaxDatagramSize)

	for {
		select {
		case <-done:
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			select {
			case <-done:
				return
			case <-time.After(readDeadline):
			}
			continue
		}

		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		n, err := conn.Read(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			select {
			case <-done:
				return
			default:
			}
			c.mu.Lock()
			c.recvFailures++
			failures := c.recvFailures
			if failures >= maxFailures {
				c.recvFailures = 0
			}
			c.mu.Unlock()
			log.Warn().Err(err).Int("failures", failures).Msg("heartbeat recv failed")
			if failures >= maxFailures {
				c.reconnect(done)
			}
			continue
		}
		c.mu.Lock()
		c.recvFailures = 0
		c.mu.Unlock()
		c.handleDatagram(buf[:n], done)
	}
}

func (c *Client) handleDatagram(data []byte, done chan struct{}) {
	header, _, err := wire.DecodeHeader(data)
	if err != nil {
		log.Debug().Err(err).Msg("undecodable heartbeat datagram")
		return
	}

	switch header.Type {
	case wire.MsgTypeHeartbeatResp:
		resp, err := wire.DecodeHeartbeatResp(data)
		if err != nil {
			log.Debug().Err(err).Msg("bad heartbeat ack")
			return
		}
		if resp.NextBeat == wire.NextBeatReauth {
			log.Info().Str("agent_id", c.agentID).Msg("server requested re-authentication")
			c.reconnect(done)
			return
		}
		next := time.Duration(resp.NextBeat) * time.Millisecond
		if next < minInterval {
			next = minInterval
		}
		c.mu.Lock()
		c.interval = next
		c.lastRecv = time.Now()
		c.mu.Unlock()

	case wire.MsgTypeInviteReq:
		req, err := wire.DecodeInviteReq(data)
		if err != nil {
			log.Debug().Err(err).Msg("bad invite datagram")
			return
		}
		c.mu.Lock()
		c.lastRecv = time.Now()
		c.mu.Unlock()
		log.Info().Str("inviter", req.InviterAgentID).
			Str("session_id", req.SessionID).Msg("session invite received")
		if c.onInvite != nil {
			c.onInvite(Invite{
				InviterAgentID: req.InviterAgentID,
				InviteCode:     req.InviteCode,
				ExpireAt:       req.InviteCodeExpire,
				SessionID:      req.SessionID,
				MessageServer:  req.MessageServer,
			})
		}
		c.ackInvite(req)

	default:
		log.Debug().Uint16("type", header.Type).Msg("unexpected heartbeat datagram type")
	}
}

func (c *Client) ackInvite(req *wire.InviteReq) {
	c.mu.Lock()
	conn := c.conn
	c.seq++
	ack := wire.InviteResp{
		Header: wire.Header{
			Seq:  c.seq,
			Type: wire.MsgTypeInviteResp,
		},
		AgentID:        c.agentID,
		InviterAgentID: req.InviterAgentID,
		SessionID:      req.SessionID,
		SignCookie:     c.signCookie,
	}
	c.mu.Unlock()

	if conn == nil {
		return
	}
	if _, err := conn.Write(ack.Encode()); err != nil {
		log.Warn().Err(err).Msg("invite ack send failed")
	}
}

// reconnect re-authenticates and swaps the socket. Serialised so concurrent
// triggers from both loops collapse into one attempt, rate-limited to one
// attempt per reconnectMinGap.
func (c *Client) reconnect(done chan struct{}) {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()

	if wait := reconnectMinGap - time.Since(c.lastReconnect); wait > 0 {
		select {
		case <-done:
			return
		case <-time.After(wait):
		}
	}
	c.lastReconnect = time.Now()

	select {
	case <-done:
		return
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	result, err := c.auth.SignIn(ctx, 1)
	if err != nil {
		log.Warn().Err(err).Str("agent_id", c.agentID).Msg("heartbeat re-sign-in failed")
		return
	}
	addr, err := resolveServer(result)
	if err != nil {
		log.Warn().Err(err).Msg("heartbeat server resolve failed")
		return
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		log.Warn().Err(err).Str("server", addr.String()).Msg("heartbeat re-dial failed")
		return
	}

	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.serverAddr = addr
	c.signCookie = result.SignCookie
	c.lastRecv = time.Now()
	c.lastSent = time.Time{}
	c.sendFailures = 0
	c.recvFailures = 0
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	log.Info().Str("agent_id", c.agentID).Str("server", addr.String()).Msg("heartbeat reconnected")
}

// resolveServer picks the heartbeat endpoint from a sign-in result:
// heartbeat_server when present, otherwise server_ip:port.
func resolveServer(result *auth.SignInResult) (*net.UDPAddr, error) {
	endpoint := result.HeartbeatServer
	if endpoint == "" {
		if result.ServerIP == "" || result.Port == 0 {
			return nil, errors.New("heartbeat: sign-in result has no heartbeat endpoint")
		}
		endpoint = fmt.Sprintf("%s:%d", result.ServerIP, result.Port)
	}
	addr, err := net.ResolveUDPAddr("udp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("heartbeat: resolve %s: %w", endpoint, err)
	}
	return addr, nil
}
