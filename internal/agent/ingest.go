package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentunion/agentcp-go/internal/dispatch"
	"github.com/agentunion/agentcp-go/internal/session"
)

const streamContentType = "text/event-stream"

// onInbound is stage A of the pipeline, running on the transport receive
// goroutine: classify the frame, answer pings, and hand everything else to
// the dispatch queue without blocking.
func (a *AgentID) onInbound(msg session.InboundMessage) {
	a.collector.RecordReceived()

	blocks := ContentArrayFromMessage(msg.Message)
	if len(blocks) > 0 {
		if t, _ := blocks[0]["type"].(string); t == "ping" {
			go a.replyPing(msg)
			return
		}
	}

	rec := &dispatch.Record{
		Msg:           msg,
		ContentBlocks: blocks,
		Received:      time.Now(),
	}
	for _, b := range blocks {
		if t, _ := b["type"].(string); t == streamContentType {
			rec.IsStream = true
			break
		}
	}
	if msg.Instruction != "" {
		var inst map[string]any
		if err := json.Unmarshal([]byte(msg.Instruction), &inst); err == nil {
			rec.Instruction = inst
		}
	}

	if !a.queue.Put(rec) {
		a.collector.RecordDispatch(false, 0)
		log.Warn().Str("message_id", msg.MessageID).Str("session_id", msg.SessionID).
			Msg("dispatch queue full, message dropped")
	}
}

// replyPing answers a ping block in-session and keeps it away from user
// handlers.
func (a *AgentID) replyPing(msg session.InboundMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := a.sessions.SendMsg(ctx, msg.SessionID, session.OutboundMessage{
		MessageID: strconv.FormatInt(time.Now().UnixMilli(), 10),
		RefMsgID:  msg.MessageID,
		Receivers: []string{msg.Sender},
		Content: []map[string]any{{
			"type":    "content",
			"status":  "success",
			"content": "ping_result",
		}},
	})
	if err != nil {
		log.Debug().Err(err).Str("session_id", msg.SessionID).Msg("ping reply failed")
	}
}

// onInviteAck surfaces failed invites to handlers as local error messages.
func (a *AgentID) onInviteAck(data map[string]any) {
	status := ackStatus(data)
	if status == 200 || status == 0 {
		return
	}
	sessionID, _ := data["session_id"].(string)
	target, _ := data["accepter_aid"].(string)
	if target == "" {
		target, _ = data["agent_id"].(string)
	}
	a.injectLocalError(sessionID, target,
		fmt.Sprintf("invite to %s failed: agent is offline or unreachable", target))
}

// onMessageAck surfaces delivery failures (receiver offline) to handlers.
func (a *AgentID) onMessageAck(sessionID string, data map[string]any) {
	if ackStatus(data) != 404 {
		return
	}
	receiver, _ := data["receiver"].(string)
	a.injectLocalError(sessionID, receiver,
		fmt.Sprintf("message not delivered: %s is offline", receiver))
}

// onSystemMessage handles server notices; a dismissed session is removed
// locally.
func (a *AgentID) onSystemMessage(sessionID string, data map[string]any) {
	text, _ := data["message"].(string)
	log.Info().Str("session_id", sessionID).Str("message", text).Msg("system message")
	if text == "Session dismissed" {
		a.sessions.RemoveSession(sessionID)
		a.registry.RemoveSessionHandler(sessionID)
	}
}

// injectLocalError synthesizes an inbound error message so session handlers
// observe the failure in-band.
func (a *AgentID) injectLocalError(sessionID, sender, text string) {
	content, _ := json.Marshal([]map[string]any{{
		"type":    "error",
		"status":  "error",
		"content": text,
	}})
	a.onInbound(session.InboundMessage{
		MessageID: strconv.FormatInt(time.Now().UnixMilli(), 10),
		SessionID: sessionID,
		Sender:    sender,
		Receiver:  a.id,
		Message:   string(content),
		Timestamp: json.Number(strconv.FormatInt(time.Now().UnixMilli(), 10)),
	})
}

func ackStatus(data map[string]any) int {
	switch v := data["status"].(type) {
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

// ContentArrayFromMessage decodes a message body into its content block
// array. A bare object is wrapped; unparseable input yields nil.
func ContentArrayFromMessage(message string) []map[string]any {
	if message == "" {
		return nil
	}
	var blocks []map[string]any
	if err := json.Unmarshal([]byte(message), &blocks); err == nil {
		return blocks
	}
	var single map[string]any
	if err := json.Unmarshal([]byte(message), &single); err == nil {
		return []map[string]any{single}
	}
	return nil
}

// ContentFromMessage extracts the primary text of a message body: the first
// content block's payload, falling back to the first text block. A payload
// of the form {"text": ...} is unwrapped.
func ContentFromMessage(message string) string {
	blocks := ContentArrayFromMessage(message)
	var fallback string
	for _, b := range blocks {
		t, _ := b["type"].(string)
		switch t {
		case "content":
			return unwrapText(b["content"])
		case "text":
			if fallback == "" {
				fallback = unwrapText(b["content"])
			}
		}
	}
	return fallback
}

func unwrapText(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case map[string]any:
		if text, ok := val["text"].(string); ok {
			return text
		}
	}
	if v == nil {
		return ""
	}
	raw, _ := json.Marshal(v)
	return string(raw)
}
