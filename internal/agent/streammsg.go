package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentunion/agentcp-go/internal/session"
	"github.com/agentunion/agentcp-go/internal/store"
	"github.com/agentunion/agentcp-go/internal/stream"
)

const (
	fileChunkSize = 16 * 1024

	// Consecutive push failures pace down linearly and abort at the cap.
	pushFailurePace = 100 * time.Millisecond
	pushFailureCap  = 10

	sseConnectTimeout = 60 * time.Second
	sseReadTimeout    = 600 * time.Second
)

// ErrStreamAborted marks a stream push abandoned after repeated failures.
var ErrStreamAborted = errors.New("agent: stream push aborted")

// SendTextStreamMessage creates a stream in the session, announces its pull
// URL with a loading message, pushes every chunk from the channel, and
// closes the stream. It returns the stream's message id.
func (a *AgentID) SendTextStreamMessage(ctx context.Context, sessionID string,
	toAids []string, chunks <-chan string) (string, error) {
	handles, err := a.openStream(ctx, sessionID, toAids, streamContentType)
	if err != nil {
		return "", err
	}
	defer a.finishStream(handles)

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return handles.MessageID, ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				return handles.MessageID, nil
			}
			if err := handles.Push.SendTextChunk(chunk); err != nil {
				failures++
				if failures >= pushFailureCap {
					return handles.MessageID, fmt.Errorf("%w: %v", ErrStreamAborted, err)
				}
				time.Sleep(time.Duration(failures) * pushFailurePace)
				continue
			}
			failures = 0
		}
	}
}

// SendFileStreamMessage streams a file into the session in fixed-size
// chunks and returns the stream's message id.
func (a *AgentID) SendFileStreamMessage(ctx context.Context, sessionID string,
	toAids []string, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	handles, err := a.openStream(ctx, sessionID, toAids, "file")
	if err != nil {
		return "", err
	}
	defer a.finishStream(handles)

	buf := make([]byte, fileChunkSize)
	var offset uint32
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return handles.MessageID, ctx.Err()
		default:
		}
		n, readErr := f.Read(buf)
		if n > 0 {
			for {
				if !handles.Push.MayContinue() {
					time.Sleep(pushFailurePace)
					continue
				}
				if err := handles.Push.SendFileChunk(offset, buf[:n]); err != nil {
					failures++
					if failures >= pushFailureCap {
						return handles.MessageID, fmt.Errorf("%w: %v", ErrStreamAborted, err)
					}
					time.Sleep(time.Duration(failures) * pushFailurePace)
					continue
				}
				failures = 0
				break
			}
			offset += uint32(n)
		}
		if readErr == io.EOF {
			return handles.MessageID, nil
		}
		if readErr != nil {
			return handles.MessageID, readErr
		}
	}
}

// openStream creates the stream and sends the loading announcement carrying
// the pull URL.
func (a *AgentID) openStream(ctx context.Context, sessionID string, toAids []string,
	contentType string) (*session.StreamHandles, error) {
	sess := a.sessions.GetSession(sessionID)
	if sess == nil {
		return nil, session.ErrUnknownSession
	}
	handles, err := sess.CreateStream(toAids, contentType, "")
	if err != nil {
		return nil, err
	}
	_, err = a.SendMessage(ctx, sessionID, toAids, map[string]any{
		"type":    streamContentType,
		"status":  "loading",
		"content": handles.PullURL,
	}, &SendOptions{MessageID: handles.MessageID})
	if err != nil {
		_ = handles.Push.Close()
		return nil, err
	}
	return handles, nil
}

// finishStream closes the push side and settles the local message row.
func (a *AgentID) finishStream(handles *session.StreamHandles) {
	if err := handles.Push.Close(); err != nil && !errors.Is(err, stream.ErrClosed) {
		log.Debug().Err(err).Str("message_id", handles.MessageID).Msg("stream close failed")
	}
	existing, err := a.store.GetMessageByID(handles.MessageID)
	if err != nil || existing == nil {
		return
	}
	if err := a.store.UpdateMessage(handles.MessageID, existing.Content, "success"); err != nil {
		log.Debug().Err(err).Str("message_id", handles.MessageID).Msg("stream status update failed")
	}
}

// FetchStreamMessage pulls an inbound stream message's content over SSE.
// Chunk deltas are accumulated and persisted progressively; the final text
// is returned once the server signals completion or closes the stream.
func (a *AgentID) FetchStreamMessage(ctx context.Context, inbound session.InboundMessage) (string, error) {
	pullURL := ""
	for _, b := range ContentArrayFromMessage(inbound.Message) {
		if t, _ := b["type"].(string); t == streamContentType {
			pullURL, _ = b["content"].(string)
			break
		}
	}
	if pullURL == "" {
		return "", fmt.Errorf("agent: message %s carries no stream block", inbound.MessageID)
	}

	client := &http.Client{
		Transport: &http.Transport{
			Proxy:                 a.policy.ProxyFunc(),
			ResponseHeaderTimeout: sseConnectTimeout,
		},
	}
	ctx, cancel := context.WithTimeout(ctx, sseReadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pullURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("agent: stream pull: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("agent: stream pull: status %d", resp.StatusCode)
	}

	var content strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	done := false
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			if strings.TrimSpace(strings.TrimPrefix(line, "event:")) == "done" {
				done = true
			}
		case strings.HasPrefix(line, "data:"):
			chunk := strings.TrimPrefix(line, "data:")
			chunk = strings.TrimPrefix(chunk, " ")
			if decoded, err := url.QueryUnescape(chunk); err == nil {
				chunk = decoded
			}
			content.WriteString(chunk)
			a.persistStreamProgress(inbound, content.String(), done)
		case line == "" && done:
			a.persistStreamProgress(inbound, content.String(), true)
			return content.String(), nil
		}
	}
	if err := scanner.Err(); err != nil && !done {
		a.persistStreamProgress(inbound, content.String(), false)
		return content.String(), fmt.Errorf("agent: stream pull interrupted: %w", err)
	}
	a.persistStreamProgress(inbound, content.String(), true)
	return content.String(), nil
}

// persistStreamProgress mirrors the accumulated stream text into the store
// so restarts and readers see partial content.
func (a *AgentID) persistStreamProgress(inbound session.InboundMessage, text string, final bool) {
	status := "receiving"
	if final {
		status = "success"
	}
	content, _ := marshalBlocks([]map[string]any{{
		"type":    "content",
		"status":  status,
		"content": text,
	}})
	existing, err := a.store.GetMessageByID(inbound.MessageID)
	if err != nil {
		return
	}
	if existing == nil {
		ts, _ := inbound.Timestamp.Int64()
		if ts == 0 {
			ts = time.Now().UnixMilli()
		}
		_, _ = a.store.InsertMessage(&store.Message{
			MessageID:       inbound.MessageID,
			SessionID:       inbound.SessionID,
			Role:            "received",
			MessageAID:      inbound.Sender,
			ParentMessageID: inbound.RefMsgID,
			ToAIDs:          inbound.Receiver,
			Content:         content,
			Status:          status,
			Timestamp:       ts,
		})
		return
	}
	_ = a.store.UpdateMessage(inbound.MessageID, content, status)
}
