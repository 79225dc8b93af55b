package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentunion/agentcp-go/internal/dispatch"
	"github.com/agentunion/agentcp-go/internal/session"
	"github.com/agentunion/agentcp-go/internal/store"
)

const pingTimeout = 10 * time.Second

// SendOptions tune a single SendMessage call. The zero value is valid.
type SendOptions struct {
	// MessageID overrides the generated unix-ms id.
	MessageID string
	// RefMsgID threads the message under an earlier one.
	RefMsgID string
	// Instruction is a JSON instruction object attached verbatim.
	Instruction string
	// SkipStore suppresses the local persistence of the sent message.
	SkipStore bool
}

// SendMessage sends content into a session and returns the message id.
// Content may be a single block, a block slice, or a plain string.
func (a *AgentID) SendMessage(ctx context.Context, sessionID string, toAids []string,
	content any, opts *SendOptions) (string, error) {
	if opts == nil {
		opts = &SendOptions{}
	}
	blocks := normalizeContent(content)
	messageID := opts.MessageID
	if messageID == "" {
		messageID = strconv.FormatInt(time.Now().UnixMilli(), 10)
	}

	err := a.sessions.SendMsg(ctx, sessionID, session.OutboundMessage{
		MessageID:   messageID,
		RefMsgID:    opts.RefMsgID,
		Receivers:   toAids,
		Content:     blocks,
		Instruction: opts.Instruction,
	})
	if err != nil {
		return "", err
	}

	if !opts.SkipStore {
		a.storeSent(messageID, sessionID, toAids, blocks, opts)
	}
	return messageID, nil
}

// SendMessageContent sends text wrapped in the standard content block.
func (a *AgentID) SendMessageContent(ctx context.Context, sessionID string,
	toAids []string, text string) (string, error) {
	return a.SendMessage(ctx, sessionID, toAids, map[string]any{
		"type":      "content",
		"status":    "success",
		"timestamp": time.Now().UnixMilli(),
		"content":   text,
	}, nil)
}

// ReplyMessage answers an inbound message in its session, threading the
// reply under the original.
func (a *AgentID) ReplyMessage(ctx context.Context, inbound session.InboundMessage,
	content any) (string, error) {
	return a.SendMessage(ctx, inbound.SessionID, []string{inbound.Sender}, content,
		&SendOptions{RefMsgID: inbound.MessageID})
}

// QuickSendMessage creates a throwaway session, invites the target, and
// delivers content. The first reply invokes onReply once and unbinds the
// session handler. The session id is returned so callers can close it.
func (a *AgentID) QuickSendMessage(ctx context.Context, aid string, content any,
	onReply func(msg session.InboundMessage)) (string, error) {
	sess, err := a.sessions.CreateSession(ctx, a.serverURL, "quick", "", "quick message")
	if err != nil {
		return "", fmt.Errorf("agent: quick session: %w", err)
	}

	if onReply != nil {
		sessionID := sess.ID
		a.registry.SetSessionHandler(sessionID, func(ctx context.Context, rec *dispatch.Record) error {
			a.registry.RemoveSessionHandler(sessionID)
			onReply(rec.Msg)
			return nil
		})
	}

	if err := sess.Invite(aid); err != nil {
		a.registry.RemoveSessionHandler(sess.ID)
		return sess.ID, fmt.Errorf("agent: quick invite: %w", err)
	}
	if _, err := a.SendMessage(ctx, sess.ID, []string{aid}, content,
		&SendOptions{SkipStore: true}); err != nil {
		a.registry.RemoveSessionHandler(sess.ID)
		return sess.ID, err
	}
	return sess.ID, nil
}

// PingAid measures the round trip to another agent. A timeout reports the
// full pingTimeout as the elapsed time alongside the error.
func (a *AgentID) PingAid(ctx context.Context, aid string) (time.Duration, error) {
	start := time.Now()
	reply := make(chan struct{}, 1)
	sessionID, err := a.QuickSendMessage(ctx, aid, map[string]any{"type": "ping"},
		func(session.InboundMessage) {
			select {
			case reply <- struct{}{}:
			default:
			}
		})
	if sessionID != "" {
		defer func() {
			a.registry.RemoveSessionHandler(sessionID)
			if sess := a.sessions.GetSession(sessionID); sess != nil {
				if err := sess.Close(); err != nil {
					log.Debug().Err(err).Str("session_id", sessionID).Msg("ping session close")
				}
				a.sessions.RemoveSession(sessionID)
			}
		}()
	}
	if err != nil {
		return 0, err
	}

	select {
	case <-reply:
		return time.Since(start), nil
	case <-time.After(pingTimeout):
		return pingTimeout, fmt.Errorf("agent: ping to %s timed out", aid)
	case <-ctx.Done():
		return time.Since(start), ctx.Err()
	}
}

// GetSessionMemberList returns the locally known members of a session and
// asks the server for a refresh.
func (a *AgentID) GetSessionMemberList(sessionID string) ([]string, error) {
	if sess := a.sessions.GetSession(sessionID); sess != nil {
		if err := sess.RequestMemberList(); err != nil {
			log.Debug().Err(err).Str("session_id", sessionID).Msg("member list refresh failed")
		}
	}
	return a.store.SessionMemberList(sessionID)
}

// AddFriend records another agent in the local friend list.
func (a *AgentID) AddFriend(aid, name string) error {
	return a.store.AddFriend(&store.Friend{AID: aid, Name: name})
}

// SetFriendName renames a friend entry.
func (a *AgentID) SetFriendName(aid, name string) error {
	return a.store.SetFriendName(aid, name)
}

// FriendList returns the local friend list.
func (a *AgentID) FriendList() ([]store.Friend, error) {
	return a.store.FriendList()
}

// storeSent persists an outbound message locally.
func (a *AgentID) storeSent(messageID, sessionID string, toAids []string,
	blocks []map[string]any, opts *SendOptions) {
	content, err := marshalBlocks(blocks)
	if err != nil {
		log.Warn().Err(err).Str("message_id", messageID).Msg("sent message not persisted")
		return
	}
	_, err = a.store.InsertMessage(&store.Message{
		MessageID:       messageID,
		SessionID:       sessionID,
		Role:            "sent",
		MessageAID:      a.id,
		ParentMessageID: opts.RefMsgID,
		ToAIDs:          strings.Join(toAids, ";"),
		Content:         content,
		Instruction:     opts.Instruction,
		Status:          "sent",
		Timestamp:       time.Now().UnixMilli(),
	})
	if err != nil {
		log.Warn().Err(err).Str("message_id", messageID).Msg("sent message not persisted")
	}
}

func marshalBlocks(blocks []map[string]any) (string, error) {
	raw, err := json.Marshal(blocks)
	return string(raw), err
}

// normalizeContent coerces the accepted content shapes into a block array.
func normalizeContent(content any) []map[string]any {
	switch c := content.(type) {
	case nil:
		return nil
	case []map[string]any:
		return c
	case map[string]any:
		return []map[string]any{c}
	case []any:
		blocks := make([]map[string]any, 0, len(c))
		for _, item := range c {
			if m, ok := item.(map[string]any); ok {
				blocks = append(blocks, m)
			}
		}
		return blocks
	case string:
		return []map[string]any{{"type": "text", "content": c}}
	default:
		return []map[string]any{{"type": "text", "content": fmt.Sprint(c)}}
	}
}
