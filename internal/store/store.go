// Package store provides the per-identity SQLite store for messages,
// conversations, session membership, and friends. Table names carry an
// md5(agent_id) suffix so several identities can share one database file.
package store

import (
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Message is one row of the messages table.
type Message struct {
	ID              int64  `json:"id"`
	MessageID       string `json:"message_id"`
	SessionID       string `json:"session_id"`
	Role            string `json:"role"`
	MessageAID      string `json:"message_aid"`
	ParentMessageID string `json:"parent_message_id"`
	ToAIDs          string `json:"to_aids"`
	Content         string `json:"content"`
	Instruction     string `json:"instruction"`
	Type            string `json:"type"`
	Status          string `json:"status"`
	Timestamp       int64  `json:"timestamp"`
}

// Conversation is one row of the conversation table.
type Conversation struct {
	ID              int64  `json:"id"`
	SessionID       string `json:"session_id"`
	IdentifyingCode string `json:"identifying_code"`
	MainAID         string `json:"main_aid"`
	Name            string `json:"name"`
	Type            string `json:"type"`
	Timestamp       int64  `json:"timestamp"`
}

// Friend is one row of the friend table.
type Friend struct {
	AID         string `json:"aid"`
	Name        string `json:"name"`
	AvaURL      string `json:"avaurl"`
	Description string `json:"description"`
}

// AgentProfile is one row of the shared agentids table.
type AgentProfile struct {
	AID         string `json:"aid"`
	EpAID       string `json:"ep_aid"`
	EpURL       string `json:"ep_url"`
	AvaURL      string `json:"avaUrl"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Store is the per-identity persistence layer.
type Store struct {
	db      *sql.DB
	agentID string
	suffix  string

	mu sync.Mutex
}

// TableSuffix derives the table suffix for an agent id.
func TableSuffix(agentID string) string {
	sum := md5.Sum([]byte(agentID))
	return hex.EncodeToString(sum[:])
}

// Open opens (creating if needed) the store at path for the given identity.
func Open(path, agentID string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// WAL keeps readers (the monitoring reader, CLI queries) off the
	// writer's back.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db, agentID: agentID, suffix: TableSuffix(agentID)}
	if err := s.createSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createSchema() error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS messages_%s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			role TEXT,
			message_aid TEXT,
			parent_message_id TEXT,
			to_aids TEXT,
			content TEXT,
			instruction TEXT,
			type TEXT,
			status TEXT,
			timestamp INTEGER
		)`, s.suffix),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_messages_%s_mid ON messages_%s (message_id)`, s.suffix, s.suffix),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_messages_%s_sid ON messages_%s (session_id)`, s.suffix, s.suffix),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS conversation_%s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL UNIQUE,
			identifying_code TEXT,
			main_aid TEXT,
			name TEXT,
			type TEXT,
			timestamp INTEGER
		)`, s.suffix),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chat_config_%s (
			session_id TEXT NOT NULL,
			aid TEXT NOT NULL,
			avaurl TEXT,
			description TEXT,
			post_data TEXT,
			UNIQUE(session_id, aid)
		)`, s.suffix),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS friend_%s (
			aid TEXT PRIMARY KEY,
			name TEXT,
			avaurl TEXT,
			description TEXT
		)`, s.suffix),
		`CREATE TABLE IF NOT EXISTS agentids (
			aid TEXT PRIMARY KEY,
			ep_aid TEXT,
			ep_url TEXT,
			avaUrl TEXT,
			name TEXT,
			description TEXT
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertMessage inserts a message row and returns its rowid.
func (s *Store) InsertMessage(m *Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(fmt.Sprintf(`INSERT INTO messages_%s
		(message_id, session_id, role, message_aid, parent_message_id, to_aids,
		 content, instruction, type, status, timestamp)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`, s.suffix),
		m.MessageID, m.SessionID, m.Role, m.MessageAID, m.ParentMessageID,
		m.ToAIDs, m.Content, m.Instruction, m.Type, m.Status, m.Timestamp)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdateMessage replaces a message's content and status by message id.
func (s *Store) UpdateMessage(messageID, content, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(fmt.Sprintf(
		`UPDATE messages_%s SET content = ?, status = ? WHERE message_id = ?`, s.suffix),
		content, status, messageID)
	return err
}

// GetMessageByID returns the message with the given message id, or nil.
func (s *Store) GetMessageByID(messageID string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(fmt.Sprintf(`SELECT id, message_id, session_id, role,
		message_aid, parent_message_id, to_aids, content, instruction, type,
		status, timestamp FROM messages_%s WHERE message_id = ? ORDER BY id DESC LIMIT 1`,
		s.suffix), messageID)

	m := &Message{}
	err := row.Scan(&m.ID, &m.MessageID, &m.SessionID, &m.Role, &m.MessageAID,
		&m.ParentMessageID, &m.ToAIDs, &m.Content, &m.Instruction, &m.Type,
		&m.Status, &m.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// AppendMessageContent appends content blocks to an existing message's JSON
// content array. Missing rows and unparsable content are replaced by the
// new blocks alone.
func (s *Store) AppendMessageContent(messageID string, blocks json.RawMessage) error {
	existing, err := s.GetMessageByID(messageID)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("store: message %s not found", messageID)
	}

	var have []json.RawMessage
	if existing.Content != "" {
		if err := json.Unmarshal([]byte(existing.Content), &have); err != nil {
			log.Warn().Str("message_id", messageID).Msg("existing content not a JSON array, replacing")
			have = nil
		}
	}
	var add []json.RawMessage
	if err := json.Unmarshal(blocks, &add); err != nil {
		add = []json.RawMessage{blocks}
	}
	merged, err := json.Marshal(append(have, add...))
	if err != nil {
		return err
	}
	return s.UpdateMessage(messageID, string(merged), existing.Status)
}

// MessageList returns a session's messages in insertion order, paged.
func (s *Store) MessageList(sessionID string, page, pageSize int) ([]Message, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(fmt.Sprintf(`SELECT id, message_id, session_id, role,
		message_aid, parent_message_id, to_aids, content, instruction, type,
		status, timestamp FROM messages_%s WHERE session_id = ?
		ORDER BY id ASC LIMIT ? OFFSET ?`, s.suffix),
		sessionID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.MessageID, &m.SessionID, &m.Role,
			&m.MessageAID, &m.ParentMessageID, &m.ToAIDs, &m.Content,
			&m.Instruction, &m.Type, &m.Status, &m.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CreateConversation records a session row; duplicates by session id are
// ignored.
func (s *Store) CreateConversation(c *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(fmt.Sprintf(`INSERT OR IGNORE INTO conversation_%s
		(session_id, identifying_code, main_aid, name, type, timestamp)
		VALUES (?,?,?,?,?,?)`, s.suffix),
		c.SessionID, c.IdentifyingCode, c.MainAID, c.Name, c.Type, c.Timestamp)
	return err
}

// GetConversation returns the conversation row for a session id, or nil.
func (s *Store) GetConversation(sessionID string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(fmt.Sprintf(`SELECT id, session_id, identifying_code,
		main_aid, name, type, timestamp FROM conversation_%s WHERE session_id = ?`,
		s.suffix), sessionID)

	c := &Conversation{}
	err := row.Scan(&c.ID, &c.SessionID, &c.IdentifyingCode, &c.MainAID,
		&c.Name, &c.Type, &c.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ConversationList returns conversations newest first, paged.
func (s *Store) ConversationList(page, pageSize int) ([]Conversation, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(fmt.Sprintf(`SELECT id, session_id, identifying_code,
		main_aid, name, type, timestamp FROM conversation_%s
		ORDER BY timestamp DESC LIMIT ? OFFSET ?`, s.suffix),
		pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.SessionID, &c.IdentifyingCode, &c.MainAID,
			&c.Name, &c.Type, &c.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// LoadSessionHistory returns the stored identifying code for a session.
// Empty when this identity is not the session's owner or the session is
// unknown.
func (s *Store) LoadSessionHistory(sessionID string) (string, error) {
	c, err := s.GetConversation(sessionID)
	if err != nil || c == nil {
		return "", err
	}
	return c.IdentifyingCode, nil
}

// InviteMember records a session member in the chat config table.
func (s *Store) InviteMember(sessionID, aid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(fmt.Sprintf(`INSERT OR IGNORE INTO chat_config_%s
		(session_id, aid) VALUES (?,?)`, s.suffix), sessionID, aid)
	return err
}

// SessionMemberList returns the recorded member ids of a session.
func (s *Store) SessionMemberList(sessionID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT aid FROM chat_config_%s WHERE session_id = ?`, s.suffix), sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var aid string
		if err := rows.Scan(&aid); err != nil {
			return nil, err
		}
		out = append(out, aid)
	}
	return out, rows.Err()
}

// AddFriend inserts or updates a friend entry.
func (s *Store) AddFriend(f *Friend) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(fmt.Sprintf(`INSERT INTO friend_%s
		(aid, name, avaurl, description) VALUES (?,?,?,?)
		ON CONFLICT(aid) DO UPDATE SET name=excluded.name,
		avaurl=excluded.avaurl, description=excluded.description`, s.suffix),
		f.AID, f.Name, f.AvaURL, f.Description)
	return err
}

// SetFriendName renames a friend.
func (s *Store) SetFriendName(aid, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(fmt.Sprintf(
		`UPDATE friend_%s SET name = ? WHERE aid = ?`, s.suffix), name, aid)
	return err
}

// FriendList returns all friends ordered by id.
func (s *Store) FriendList() ([]Friend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT aid, name, avaurl, description FROM friend_%s ORDER BY aid`, s.suffix))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Friend
	for rows.Next() {
		var f Friend
		if err := rows.Scan(&f.AID, &f.Name, &f.AvaURL, &f.Description); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// SaveAgentProfile inserts or updates a public agent profile.
func (s *Store) SaveAgentProfile(p *AgentProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO agentids
		(aid, ep_aid, ep_url, avaUrl, name, description) VALUES (?,?,?,?,?,?)
		ON CONFLICT(aid) DO UPDATE SET ep_aid=excluded.ep_aid,
		ep_url=excluded.ep_url, avaUrl=excluded.avaUrl, name=excluded.name,
		description=excluded.description`,
		p.AID, p.EpAID, p.EpURL, p.AvaURL, p.Name, p.Description)
	return err
}

// GetAgentProfile returns the stored profile for an agent id, or nil.
func (s *Store) GetAgentProfile(aid string) (*AgentProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(
		`SELECT aid, ep_aid, ep_url, avaUrl, name, description FROM agentids WHERE aid = ?`, aid)

	p := &AgentProfile{}
	err := row.Scan(&p.AID, &p.EpAID, &p.EpURL, &p.AvaURL, &p.Name, &p.Description)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}
