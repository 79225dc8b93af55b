// Package stream implements the push side of a session stream: a dedicated
// WebSocket carrying URL-encoded text chunks or 16-byte-framed binary file
// chunks, with a push-cache budget for back-pressure and a local buffer for
// chunks produced while the socket is down.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/agentunion/agentcp-go/internal/wire"
)

const (
	handshakeTimeout = 5 * time.Second
	writeTimeout     = 5 * time.Second

	// pushCacheBudget is the outstanding-bytes budget for file chunks.
	pushCacheBudget = 64 * 1024
	// budgetResume is the budget level at which a paced caller may
	// continue.
	budgetResume = 16 * 1024
)

var (
	// ErrNotConnected is returned when a chunk cannot be sent; it has been
	// buffered for a later reconnect.
	ErrNotConnected = errors.New("stream: not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("stream: closed")
)

type bufferedChunk struct {
	offset uint32
	data   []byte
	text   bool
}

// Client is the push-side connection of one stream.
type Client struct {
	pushURL string
	dialer  *websocket.Dialer

	writeMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool
	seq     uint16
	budget  int
	pending []bufferedChunk
}

// NewClient prepares a client for the push endpoint. pushURL is the URL
// from the stream-create ack; agent id and signature are appended as query
// parameters and an https scheme is rewritten to wss.
func NewClient(pushURL, agentID, signature string, proxyFunc func(*http.Request) (*url.URL, error)) *Client {
	endpoint := pushURL
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	endpoint += sep + "agent_id=" + url.QueryEscape(agentID) + "&signature=" + url.QueryEscape(signature)
	endpoint = strings.Replace(endpoint, "https://", "wss://", 1)
	endpoint = strings.Replace(endpoint, "http://", "ws://", 1)
	return &Client{
		pushURL: endpoint,
		dialer: &websocket.Dialer{
			Proxy:            proxyFunc,
			HandshakeTimeout: handshakeTimeout,
		},
		budget: pushCacheBudget,
	}
}

// Open connects to the push endpoint and flushes any buffered chunks.
func (c *Client) Open() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, resp, err := c.dialer.Dial(c.pushURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("stream: open: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, chunk := range pending {
		var err error
		if chunk.text {
			err = c.SendTextChunk(string(chunk.data))
		} else {
			err = c.SendFileChunk(chunk.offset, chunk.data)
		}
		if err != nil {
			log.Warn().Err(err).Msg("buffered stream chunk replay failed")
			break
		}
	}
	return nil
}

// Connected reports whether the push socket is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.closed
}

// Budget returns the remaining push-cache byte budget. Callers should pace
// when it drops below 16 KiB.
func (c *Client) Budget() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.budget
}

// MayContinue reports whether the caller can push the next file chunk
// without pacing.
func (c *Client) MayContinue() bool {
	return c.Budget() >= budgetResume
}

// SendTextChunk pushes one text chunk as a push_text_stream_req command,
// URL-encoding the chunk content. When disconnected the chunk is buffered,
// a reconnect is attempted, and ErrNotConnected is returned.
func (c *Client) SendTextChunk(text string) error {
	frame, err := json.Marshal(map[string]any{
		"cmd": "push_text_stream_req",
		"data": map[string]any{
			"chunk": url.QueryEscape(text),
		},
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	conn := c.conn
	if conn == nil {
		c.pending = append(c.pending, bufferedChunk{data: []byte(text), text: true})
		c.mu.Unlock()
		go c.tryReopen()
		return ErrNotConnected
	}
	c.mu.Unlock()

	return c.write(conn, websocket.TextMessage, frame)
}

// SendFileChunk pushes one binary file chunk at the given stream offset.
// The chunk size is charged against the push-cache budget.
func (c *Client) SendFileChunk(offset uint32, data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	conn := c.conn
	if conn == nil {
		c.pending = append(c.pending, bufferedChunk{offset: offset, data: data})
		c.mu.Unlock()
		go c.tryReopen()
		return ErrNotConnected
	}
	c.seq++
	frame := wire.NewFileFrame(c.seq, offset, data)
	c.budget -= len(data)
	c.mu.Unlock()

	if err := c.write(conn, websocket.BinaryMessage, frame.Encode()); err != nil {
		return err
	}
	// The server consumes the chunk as fast as it relays it; restore the
	// budget once the write has been handed to the OS.
	c.mu.Lock()
	c.budget += len(data)
	if c.budget > pushCacheBudget {
		c.budget = pushCacheBudget
	}
	c.mu.Unlock()
	return nil
}

func (c *Client) tryReopen() {
	if err := c.Open(); err != nil && !errors.Is(err, ErrClosed) {
		log.Debug().Err(err).Msg("stream reopen failed")
	}
}

// Close sends close_stream_req and tears the socket down. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.pending = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	frame, _ := json.Marshal(map[string]any{"cmd": "close_stream_req"})
	if err := c.write(conn, websocket.TextMessage, frame); err != nil {
		log.Debug().Err(err).Msg("close_stream_req send failed")
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return conn.Close()
}

func (c *Client) write(conn *websocket.Conn, msgType int, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(msgType, payload); err != nil {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		return fmt.Errorf("stream: write: %w", err)
	}
	return nil
}
