// Package message implements the WebSocket message transport for one
// identity against one message server: connection lifecycle with
// supersession, automatic reconnection with verification, an outbound
// buffer that survives outages, and the stream-ack waiter registry.
package message

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/agentunion/agentcp-go/internal/config"
)

// State is the transport connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

const (
	writeTimeout    = 5 * time.Second
	closeTimeout    = time.Second
	recvJoinTimeout = 2 * time.Second
	settleDelay     = 200 * time.Millisecond
	reconnectDelay  = 500 * time.Millisecond

	// warnMessageSize triggers a size warning without dropping the frame.
	warnMessageSize = 1 << 20

	bufferPutBound = time.Second

	staleCleanPeriod = 30 * time.Second
	staleWaiterAge   = 15 * time.Second

	healthPollPeriod = time.Second

	statsTracePeriod = 60 * time.Second

	// rejectSuppressWindow rate-limits logs for server 400 rejections.
	rejectSuppressWindow = 30 * time.Second
)

var (
	// ErrShutdown is returned when the client has been stopped.
	ErrShutdown = errors.New("message: client is shut down")
	// ErrConnectTimeout is returned when a connection attempt does not
	// complete within the connection timeout.
	ErrConnectTimeout = errors.New("message: connection timeout")
	// ErrConnectFailed is returned when a connection attempt fails before
	// the timeout elapses.
	ErrConnectFailed = errors.New("message: connection failed")
	// ErrNotConnected is returned when a send finds no usable socket; the
	// payload has been buffered for the next connection.
	ErrNotConnected = errors.New("message: not connected")
	// ErrTooLarge is returned for payloads above the size limit.
	ErrTooLarge = errors.New("message: payload exceeds size limit")
)

// Handler receives every inbound text payload. It must only enqueue:
// dispatch happens on the worker pool, not the receive goroutine.
type Handler func(payload []byte)

// Client is the WebSocket transport for one endpoint.
type Client struct {
	url string
	cfg config.MessageConfig

	dialer  *websocket.Dialer
	journal zerolog.Logger

	handler      Handler
	onOpen       func()
	onReconnect  func()
	onDisconnect func(code int, reason string)

	mu              sync.Mutex
	state           State
	conn            *websocket.Conn
	connectionID    uint64
	connectingSince time.Time
	connected       chan struct{}
	shutdown        bool
	retrying        bool
	recvRunning     bool
	lastPong        time.Time

	reconnectAttempts int
	reconnectInterval time.Duration
	rejectLogAfter    time.Time

	writeMu sync.Mutex

	recvWG sync.WaitGroup

	helpersMu   sync.Mutex
	helpersDone chan struct{}
	helpersWG   sync.WaitGroup

	outbound *sendBuffer
	streams  *Waiters

	received    atomic.Uint64
	connects    atomic.Uint64
	disconnects atomic.Uint64
	reconnects  atomic.Uint64
}

// NewClient creates a transport for wsURL (already carrying agent_id and
// signature query parameters). proxyFunc may be nil.
func NewClient(wsURL string, cfg config.MessageConfig, proxyFunc func(*http.Request) (*url.URL, error)) *Client {
	normalizeConfig(&cfg)
	c := &Client{
		url: wsURL,
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:             proxyFunc,
			HandshakeTimeout:  cfg.ConnectionTimeout,
			EnableCompression: true,
		},
		journal:           log.With().Str("journal", "transport").Str("endpoint", endpointLabel(wsURL)).Logger(),
		connected:         make(chan struct{}),
		reconnectInterval: cfg.ReconnectBaseInterval,
		outbound:          newSendBuffer(cfg.MaxQueueSize, bufferPutBound),
		streams:           newWaiters(),
	}
	return c
}

func normalizeConfig(cfg *config.MessageConfig) {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = config.DefaultMaxQueueSize
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = config.DefaultConnectionTimeout
	}
	if cfg.SendRetryAttempts <= 0 {
		cfg.SendRetryAttempts = config.DefaultSendRetryAttempts
	}
	if cfg.SendRetryDelay <= 0 {
		cfg.SendRetryDelay = config.DefaultSendRetryDelay
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = config.DefaultPingInterval
	}
	if cfg.ReconnectBaseInterval <= 0 {
		cfg.ReconnectBaseInterval = config.DefaultReconnectBaseInterval
	}
	if cfg.ReconnectMaxInterval < cfg.ReconnectBaseInterval {
		cfg.ReconnectMaxInterval = config.DefaultReconnectMaxInterval
	}
	if cfg.ReconnectBackoffFactor <= 1 {
		cfg.ReconnectBackoffFactor = config.DefaultReconnectBackoffFactor
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = config.DefaultMaxMessageSize
	}
}

// endpointLabel strips query parameters (they carry the signature) for log
// labels.
func endpointLabel(wsURL string) string {
	if i := strings.IndexByte(wsURL, '?'); i >= 0 {
		return wsURL[:i]
	}
	return wsURL
}

// SetHandler registers the inbound payload handler. Must be called before
// Start.
func (c *Client) SetHandler(h Handler) { c.handler = h }

// SetOnOpen registers a callback invoked after every successful connect.
func (c *Client) SetOnOpen(fn func()) { c.onOpen = fn }

// SetOnReconnect registers a callback invoked after a verified reconnect.
func (c *Client) SetOnReconnect(fn func()) { c.onReconnect = fn }

// SetOnDisconnect registers a callback invoked on abnormal closes.
func (c *Client) SetOnDisconnect(fn func(code int, reason string)) { c.onDisconnect = fn }

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether a socket is open and verified.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected && c.conn != nil
}

// URL returns the endpoint without its query string.
func (c *Client) URL() string { return endpointLabel(c.url) }

// ReceivedCount reports the number of payloads received over all
// connections.
func (c *Client) ReceivedCount() uint64 { return c.received.Load() }

// BufferedCount reports the number of payloads waiting in the outbound
// buffer.
func (c *Client) BufferedCount() int { return c.outbound.Len() }

// Streams exposes the stream-ack waiter registry shared with sessions.
func (c *Client) Streams() *Waiters { return c.streams }

// Start brings the connection up. Idempotent: an open socket returns
// immediately, an attempt in progress is awaited, a stuck attempt is
// superseded.
func (c *Client) Start() error {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return ErrShutdown
	}
	if c.state == StateConnected && c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	if c.state == StateConnecting {
		staleAfter := 2 * c.cfg.ConnectionTimeout
		if staleAfter < 10*time.Second {
			staleAfter = 10 * time.Second
		}
		if time.Since(c.connectingSince) <= staleAfter {
			connected := c.connected
			timeout := c.cfg.ConnectionTimeout
			c.mu.Unlock()
			return c.awaitAttempt(connected, timeout)
		}
		log.Warn().Dur("stuck_for", time.Since(c.connectingSince)).
			Msg("connection attempt stuck, superseding")
	}
	c.connectionID++
	id := c.connectionID
	c.state = StateConnecting
	c.connectingSince = time.Now()
	connected := c.connected
	timeout := c.cfg.ConnectionTimeout
	c.mu.Unlock()

	go c.connect(id)

	return c.awaitAttempt(connected, timeout)
}

// awaitAttempt waits for an in-flight connection attempt. The attempt's
// channel closes on both success and failure; the state re-check tells
// them apart so dial failures surface without burning the full timeout.
func (c *Client) awaitAttempt(connected chan struct{}, timeout time.Duration) error {
	select {
	case <-connected:
		if c.Connected() {
			return nil
		}
		return ErrConnectFailed
	case <-time.After(timeout):
		return ErrConnectTimeout
	}
}

// connect dials and installs the socket unless this attempt has been
// superseded in the meantime.
func (c *Client) connect(id uint64) {
	conn, resp, err := c.dialer.Dial(c.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.handleDialError(id, resp, err)
		return
	}

	conn.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.lastPong = time.Now()
		c.mu.Unlock()
		return nil
	})

	c.mu.Lock()
	if c.connectionID != id || c.shutdown {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	// Any leftover socket from a superseded connection must not outlive the
	// new one.
	if prev := c.conn; prev != nil {
		_ = prev.Close()
	}
	c.conn = conn
	c.state = StateConnected
	c.lastPong = time.Now()
	c.recvRunning = true
	close(c.connected)
	c.mu.Unlock()

	c.connects.Add(1)
	c.journal.Info().Uint64("connection_id", id).Msg("connected")

	c.startHelpers()
	c.recvWG.Add(1)
	go c.recvLoop(conn, id)
	c.drainOutbound()

	if c.onOpen != nil {
		c.onOpen()
	}
}

// handleDialError records the failure, widens the backoff for protocol and
// server-rejection errors, and routes to the close handler so the normal
// reconnect path runs.
func (c *Client) handleDialError(id uint64, resp *http.Response, err error) {
	serverReject := resp != nil && resp.StatusCode == http.StatusBadRequest
	protocolErr := !serverReject && strings.Contains(err.Error(), "protocol")

	c.mu.Lock()
	if serverReject {
		c.reconnectInterval = capInterval(c.reconnectInterval*2, c.cfg.ReconnectMaxInterval)
		if time.Now().After(c.rejectLogAfter) {
			c.rejectLogAfter = time.Now().Add(rejectSuppressWindow)
			c.mu.Unlock()
			c.journal.Warn().Err(err).Msg("server rejected connection")
			c.mu.Lock()
		}
	} else if protocolErr {
		c.reconnectInterval = capInterval(c.reconnectInterval*3, c.cfg.ReconnectMaxInterval)
	}
	c.mu.Unlock()

	if !serverReject {
		c.journal.Debug().Err(err).Uint64("connection_id", id).Msg("dial failed")
	}
	c.closeHandler(id, websocket.CloseAbnormalClosure, err.Error())
}

func capInterval(d, max time.Duration) time.Duration {
	if d > max {
		return max
	}
	return d
}

// recvLoop reads frames until the socket dies or the connection is
// superseded. A superseded loop closes its socket and exits without
// delivering frames or touching shared state.
func (c *Client) recvLoop(conn *websocket.Conn, id uint64) {
	defer c.recvWG.Done()

	lastTrace := time.Now()
	for {
		msgType, data, err := conn.ReadMessage()

		c.mu.Lock()
		current := c.connectionID == id
		if current {
			if err != nil {
				c.recvRunning = false
			} else {
				c.lastPong = time.Now()
			}
		}
		c.mu.Unlock()

		if !current {
			_ = conn.Close()
			return
		}
		if err != nil {
			code, reason := closeDetails(err)
			c.closeHandler(id, code, reason)
			return
		}

		c.received.Add(1)

		if time.Since(lastTrace) >= statsTracePeriod {
			lastTrace = time.Now()
			log.Debug().Uint64("received_total", c.received.Load()).
				Int("buffered", c.outbound.Len()).
				Int("pending_streams", c.streams.Pending()).
				Msg("transport stats")
		}

		if len(data) > c.cfg.MaxMessageSize {
			// The dialer sets no protocol read limit, so the frame arrived
			// whole; drop it and keep the connection.
			log.Error().Int("size", len(data)).Int("limit", c.cfg.MaxMessageSize).
				Msg("oversized frame discarded")
			continue
		}
		if len(data) > warnMessageSize {
			log.Warn().Int("size", len(data)).Msg("large frame received")
		}

		if msgType == websocket.BinaryMessage && !utf8.Valid(data) {
			log.Warn().Int("size", len(data)).Msg("undecodable binary frame dropped")
			continue
		}
		if c.handler != nil {
			c.handler(data)
		}
	}
}

// closeDetails maps a read error to a close code and reason. Fatal frame
// errors (reserved bits) become a synthetic 1006 so the standard
// close-and-reconnect path runs.
func closeDetails(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	if strings.Contains(err.Error(), "RSV") {
		return websocket.CloseAbnormalClosure, "RSV error"
	}
	return websocket.CloseAbnormalClosure, err.Error()
}

// closeHandler runs once per dead connection: tears down state if the
// connection is still current, notifies stream waiters, and schedules the
// reconnect worker.
func (c *Client) closeHandler(id uint64, code int, reason string) {
	c.mu.Lock()
	current := c.connectionID == id
	if current && c.state != StateDisconnected {
		c.state = StateDisconnected
		old := c.connected
		c.connected = make(chan struct{})
		// Wake Start callers waiting on the failed attempt; on the success
		// path connect already closed the channel.
		select {
		case <-old:
		default:
			close(old)
		}
		if c.conn != nil {
			_ = c.conn.Close()
			c.conn = nil
		}
	}
	shutdown := c.shutdown
	fullReset := code == websocket.CloseAbnormalClosure ||
		code == websocket.CloseProtocolError ||
		strings.Contains(reason, "400") || strings.Contains(reason, "protocol")
	if current && fullReset {
		c.reconnectAttempts = 0
		c.reconnectInterval = c.cfg.ReconnectBaseInterval
	}
	c.mu.Unlock()

	if !current {
		return
	}

	c.disconnects.Add(1)
	c.journal.Info().Int("code", code).Str("reason", reason).
		Uint64("connection_id", id).Msg("disconnected")

	if n := c.streams.NotifyAll("connection_lost"); n > 0 {
		log.Warn().Int("waiters", n).Msg("pending stream waiters notified of connection loss")
	}

	if fullReset {
		c.stopHelpers()
	}

	if code != websocket.CloseNormalClosure && c.onDisconnect != nil {
		c.onDisconnect(code, reason)
	}

	if !shutdown && c.cfg.AutoReconnect {
		go func() {
			time.Sleep(reconnectDelay)
			c.reconnectWorker()
		}()
	}
}

// reconnectWorker retries the connection until it verifies or the client
// shuts down. Single-flight: concurrent triggers collapse into the running
// worker.
func (c *Client) reconnectWorker() {
	c.mu.Lock()
	if c.retrying || c.shutdown {
		c.mu.Unlock()
		return
	}
	c.retrying = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.retrying = false
		c.mu.Unlock()
	}()

	for attempt := 1; ; attempt++ {
		c.mu.Lock()
		if c.shutdown {
			c.mu.Unlock()
			return
		}
		if c.cfg.MaxRetryAttempts > 0 && attempt > c.cfg.MaxRetryAttempts {
			c.mu.Unlock()
			c.journal.Warn().Int("attempts", attempt-1).Msg("reconnect attempts exhausted")
			return
		}
		backoff := c.reconnectInterval
		c.reconnectAttempts = attempt
		c.mu.Unlock()

		c.reconnects.Add(1)
		if attempt == 1 || attempt%10 == 0 {
			c.journal.Info().Int("attempt", attempt).Dur("backoff", backoff).Msg("reconnecting")
		}

		if err := c.Start(); err == nil {
			time.Sleep(settleDelay)
			if c.verifyConnection() {
				c.recoverAfterReconnect()
				c.mu.Lock()
				c.reconnectAttempts = 0
				c.reconnectInterval = c.cfg.ReconnectBaseInterval
				c.mu.Unlock()
				return
			}
		}

		c.mu.Lock()
		c.reconnectInterval = capInterval(
			time.Duration(float64(c.reconnectInterval)*c.cfg.ReconnectBackoffFactor),
			c.cfg.ReconnectMaxInterval)
		c.mu.Unlock()
		time.Sleep(backoff)
	}
}

// verifyConnection confirms a nominal connect actually produced a working
// channel: open socket, running receive loop, connected state.
func (c *Client) verifyConnection() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || c.conn == nil || !c.recvRunning {
		return false
	}
	select {
	case <-c.connected:
		return true
	default:
		return false
	}
}

// recoverAfterReconnect restarts helper tasks and reports leftovers from
// the outage, then fires the reconnect callback.
func (c *Client) recoverAfterReconnect() {
	c.startHelpers()
	c.journal.Info().Int("buffered", c.outbound.Len()).
		Int("pending_streams", c.streams.Pending()).Msg("reconnected")
	if c.onReconnect != nil {
		c.onReconnect()
	}
}

// Send writes payload as a text frame. When the socket is down the payload
// is placed on the outbound buffer and ErrNotConnected is returned; the
// buffer drains on the next successful connect.
func (c *Client) Send(payload []byte) error {
	if len(payload) > c.cfg.MaxMessageSize {
		return ErrTooLarge
	}
	if !c.ensureConnection() {
		c.bufferPayload(payload)
		return ErrNotConnected
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		c.bufferPayload(payload)
		return ErrNotConnected
	}

	if err := c.write(conn, websocket.TextMessage, payload); err != nil {
		c.bufferPayload(payload)
		return fmt.Errorf("message: write: %w", err)
	}
	return nil
}

// SendBinary writes payload as a binary frame, without buffering on
// failure.
func (c *Client) SendBinary(payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}
	return c.write(conn, websocket.BinaryMessage, payload)
}

func (c *Client) write(conn *websocket.Conn, msgType int, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(msgType, payload)
}

func (c *Client) bufferPayload(payload []byte) {
	if c.outbound.Put(payload) {
		log.Warn().Msg("outbound buffer full, oldest payload dropped")
	}
}

// ensureConnection repairs or re-establishes the connection before a send.
func (c *Client) ensureConnection() bool {
	for attempt := 0; attempt < c.cfg.SendRetryAttempts; attempt++ {
		c.mu.Lock()
		// Fast path: the socket survived but state lagged behind.
		if c.conn != nil && c.state == StateDisconnected {
			c.state = StateConnected
			c.mu.Unlock()
			return true
		}
		connected := c.state == StateConnected && c.conn != nil
		shutdown := c.shutdown
		c.mu.Unlock()
		if connected {
			return true
		}
		if shutdown {
			return false
		}
		_ = c.Start()
		time.Sleep(c.cfg.SendRetryDelay)
	}
	return c.Connected()
}

// drainOutbound flushes the buffer in FIFO order after a connect. A write
// failure re-buffers the remainder.
func (c *Client) drainOutbound() {
	pending := c.outbound.Drain()
	if len(pending) == 0 {
		return
	}
	log.Info().Int("count", len(pending)).Msg("draining buffered payloads")

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		for _, p := range pending {
			c.outbound.Put(p)
		}
		return
	}
	for i, p := range pending {
		if err := c.write(conn, websocket.TextMessage, p); err != nil {
			log.Warn().Err(err).Int("remaining", len(pending)-i).Msg("drain interrupted")
			for _, rest := range pending[i:] {
				c.outbound.Put(rest)
			}
			return
		}
	}
}

// startHelpers launches the ping, health-check, and stale-stream tasks.
// Idempotent while helpers are running.
func (c *Client) startHelpers() {
	c.helpersMu.Lock()
	defer c.helpersMu.Unlock()
	if c.helpersDone != nil {
		return
	}
	done := make(chan struct{})
	c.helpersDone = done
	c.helpersWG.Add(3)
	go c.pingTask(done)
	go c.healthTask(done)
	go c.staleStreamTask(done)
}

func (c *Client) stopHelpers() {
	c.helpersMu.Lock()
	done := c.helpersDone
	c.helpersDone = nil
	c.helpersMu.Unlock()
	if done == nil {
		return
	}
	close(done)
	c.helpersWG.Wait()
}

func (c *Client) pingTask(done chan struct{}) {
	defer c.helpersWG.Done()
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				continue
			}
			c.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				log.Debug().Err(err).Msg("ping failed")
			}
		}
	}
}

// healthTask polls every second and runs a full check every 2×ping
// interval: a dead or missing socket flips state and wakes the reconnect
// worker.
func (c *Client) healthTask(done chan struct{}) {
	defer c.helpersWG.Done()
	checkPeriod := 2 * c.cfg.PingInterval
	lastCheck := time.Now()
	ticker := time.NewTicker(healthPollPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}
		if time.Since(lastCheck) < checkPeriod {
			continue
		}
		lastCheck = time.Now()

		c.mu.Lock()
		healthy := c.state == StateConnected && c.conn != nil
		pongStale := time.Since(c.lastPong) > 10*c.cfg.PingInterval
		var stale *websocket.Conn
		if !healthy || pongStale {
			if c.state != StateDisconnected {
				c.state = StateDisconnected
				c.connected = make(chan struct{})
			}
			// Closing here unblocks the dead connection's receive loop
			// before the reconnect installs a replacement socket.
			stale = c.conn
			c.conn = nil
		}
		shutdown := c.shutdown
		c.mu.Unlock()
		if stale != nil {
			_ = stale.Close()
		}

		if healthy && !pongStale {
			continue
		}
		log.Warn().Bool("pong_stale", pongStale).Msg("health check failed")
		c.streams.NotifyAll("connection_lost")
		if !shutdown && c.cfg.AutoReconnect {
			go c.reconnectWorker()
		}
	}
}

func (c *Client) staleStreamTask(done chan struct{}) {
	defer c.helpersWG.Done()
	ticker := time.NewTicker(staleCleanPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if n := c.streams.DropStale(staleWaiterAge); n > 0 {
				log.Warn().Int("dropped", n).Msg("stale stream waiters timed out")
			}
		}
	}
}

// Stop shuts the transport down gracefully. The client cannot be restarted
// afterwards; use FullReset to reuse the instance.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return
	}
	c.shutdown = true
	conn := c.conn
	c.mu.Unlock()

	c.stopHelpers()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(closeTimeout))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		_ = conn.Close()
	}

	joined := make(chan struct{})
	go func() {
		c.recvWG.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(recvJoinTimeout):
		log.Warn().Msg("receive loop did not stop in time")
	}

	c.mu.Lock()
	c.state = StateDisconnected
	c.conn = nil
	c.mu.Unlock()
	c.journal.Info().Msg("stopped")
}

// FullReset tears everything down and restores the client to its initial
// state so it can be started again.
func (c *Client) FullReset() {
	c.mu.Lock()
	c.shutdown = true
	conn := c.conn
	c.mu.Unlock()

	c.stopHelpers()
	c.streams.NotifyAll("connection_lost")

	if conn != nil {
		_ = conn.Close()
	}
	joined := make(chan struct{})
	go func() {
		c.recvWG.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(recvJoinTimeout):
	}

	c.outbound.Clear()

	c.mu.Lock()
	c.conn = nil
	c.state = StateDisconnected
	c.connectionID = 0
	c.connected = make(chan struct{})
	c.reconnectAttempts = 0
	c.reconnectInterval = c.cfg.ReconnectBaseInterval
	c.retrying = false
	c.shutdown = false
	c.mu.Unlock()
	c.journal.Info().Msg("full reset")
}

// Status summarises the transport for health reporting.
type Status struct {
	State          string `json:"state"`
	ConnectionID   uint64 `json:"connection_id"`
	Received       uint64 `json:"received"`
	Buffered       int    `json:"buffered"`
	PendingStreams int    `json:"pending_streams"`
	Connects       uint64 `json:"connects"`
	Disconnects    uint64 `json:"disconnects"`
	Reconnects     uint64 `json:"reconnect_attempts"`
}

// Status returns a point-in-time view of the transport.
func (c *Client) Status() Status {
	c.mu.Lock()
	state := c.state.String()
	id := c.connectionID
	c.mu.Unlock()
	return Status{
		State:          state,
		ConnectionID:   id,
		Received:       c.received.Load(),
		Buffered:       c.outbound.Len(),
		PendingStreams: c.streams.Pending(),
		Connects:       c.connects.Load(),
		Disconnects:    c.disconnects.Load(),
		Reconnects:     c.reconnects.Load(),
	}
}
