package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// SenderType identifies the author of a message.
type SenderType string

const (
	// SenderUser is a message typed by the user.
	SenderUser SenderType = "user"
	// SenderAI is a message produced by the chat model.
	SenderAI SenderType = "ai"
)

// Conversation is a chat thread owned by one user.
type Conversation struct {
	ID     int64  `json:"id"`
	UserID int64  `json:"user_id"`
	Type   string `json:"type"`
	// KnowledgeID is zero for global conversations.
	KnowledgeID int64 `json:"knowledge_id,omitempty"`
	// KnowledgeName is the bound knowledge base's name. Populated on reads.
	KnowledgeName string    `json:"knowledge_name,omitempty"`
	Title         string    `json:"title"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Message is one persisted message.
type Message struct {
	ID             int64      `json:"id"`
	ConversationID int64      `json:"conversation_id"`
	SenderType     SenderType `json:"sender_type"`
	Content        string     `json:"content"`
	// IsSuccess is nil for user messages. For assistant messages it records
	// whether the response ran to completion.
	IsSuccess *bool     `json:"isSuccess"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationSummary is a list entry: the conversation, its latest message
// and its message count.
type ConversationSummary struct {
	Conversation
	LastMessage  *Message `json:"last_message"`
	MessageCount int      `json:"message_count"`
}

// ConversationFilter narrows ListConversations.
type ConversationFilter struct {
	UserID int64
	// Type restricts to one conversation type when non-empty.
	Type string
	// KnowledgeID restricts to one knowledge base when non-zero.
	KnowledgeID int64
	Page
}

const conversationColumns = `c.id, c.user_id, c.type, c.knowledge_id, COALESCE(k.name, ''), c.title, c.created_at, c.updated_at`

const conversationFrom = ` FROM conversations c LEFT JOIN knowledge k ON k.id = c.knowledge_id`

func scanConversation(row scanner, extra ...any) (Conversation, error) {
	var (
		c                Conversation
		kbID             sql.NullInt64
		created, updated int64
	)
	dest := []any{&c.ID, &c.UserID, &c.Type, &kbID, &c.KnowledgeName, &c.Title, &created, &updated}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return Conversation{}, err
	}
	c.KnowledgeID = kbID.Int64
	c.CreatedAt = fromMS(created)
	c.UpdatedAt = fromMS(updated)
	return c, nil
}

// CreateConversation inserts c and returns it with its id and timestamps set.
func (s *Store) CreateConversation(ctx context.Context, c Conversation) (Conversation, error) {
	now := s.now()
	var kbID sql.NullInt64
	if c.KnowledgeID != 0 {
		kbID = sql.NullInt64{Int64: c.KnowledgeID, Valid: true}
	}
	const q = `INSERT INTO conversations (user_id, type, knowledge_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, q, c.UserID, c.Type, kbID, c.Title, ms(now), ms(now))
	if err != nil {
		return Conversation{}, fmt.Errorf("store: create conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Conversation{}, fmt.Errorf("store: create conversation id: %w", err)
	}
	return s.GetConversation(ctx, id)
}

// GetConversation returns a live conversation.
func (s *Store) GetConversation(ctx context.Context, id int64) (Conversation, error) {
	q := `SELECT ` + conversationColumns + conversationFrom + ` WHERE c.id = ? AND c.is_deleted = 0`
	c, err := scanConversation(s.db.QueryRowContext(ctx, q, id))
	if err != nil {
		return Conversation{}, notFound("get conversation", err)
	}
	return c, nil
}

// LatestConversation returns the user's most recently updated live
// conversation of the given type and knowledge base.
func (s *Store) LatestConversation(ctx context.Context, userID int64, typ string, kbID int64) (Conversation, error) {
	q := `SELECT ` + conversationColumns + conversationFrom + `
WHERE c.user_id = ? AND c.type = ? AND COALESCE(c.knowledge_id, 0) = ? AND c.is_deleted = 0
ORDER BY c.updated_at DESC, c.id DESC LIMIT 1`
	c, err := scanConversation(s.db.QueryRowContext(ctx, q, userID, typ, kbID))
	if err != nil {
		return Conversation{}, notFound("latest conversation", err)
	}
	return c, nil
}

// ListConversations returns the user's live conversations ordered by most
// recently updated, and the total matching count.
func (s *Store) ListConversations(ctx context.Context, f ConversationFilter) ([]ConversationSummary, int, error) {
	where := []string{"c.user_id = ?", "c.is_deleted = 0"}
	args := []any{f.UserID}
	if f.Type != "" {
		where = append(where, "c.type = ?")
		args = append(args, f.Type)
	}
	if f.KnowledgeID != 0 {
		where = append(where, "c.knowledge_id = ?")
		args = append(args, f.KnowledgeID)
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations c WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count conversations: %w", err)
	}

	limit, pargs := f.Page.clause()
	q := `SELECT ` + conversationColumns + `,
    (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)` + conversationFrom + `
WHERE ` + cond + ` ORDER BY c.updated_at DESC, c.id DESC` + limit
	rows, err := s.db.QueryContext(ctx, q, append(args, pargs...)...)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list conversations: %w", err)
	}

	list := []ConversationSummary{}
	for rows.Next() {
		var sum ConversationSummary
		c, err := scanConversation(rows, &sum.MessageCount)
		if err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("store: list conversations scan: %w", err)
		}
		sum.Conversation = c
		list = append(list, sum)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("store: list conversations rows: %w", err)
	}

	// The pool holds one connection, so the outer rows must be closed before
	// issuing the per-conversation lookups.
	for i := range list {
		if list[i].MessageCount == 0 {
			continue
		}
		last, err := s.lastMessage(ctx, list[i].ID)
		if err != nil {
			return nil, 0, err
		}
		list[i].LastMessage = last
	}
	return list, total, nil
}

func (s *Store) lastMessage(ctx context.Context, convID int64) (*Message, error) {
	q := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`
	m, err := scanMessage(s.db.QueryRowContext(ctx, q, convID))
	if err != nil {
		return nil, notFound("last message", err)
	}
	return &m, nil
}

// TouchConversation bumps the conversation's updated_at.
func (s *Store) TouchConversation(ctx context.Context, id int64) error {
	const q = `UPDATE conversations SET updated_at = ? WHERE id = ? AND is_deleted = 0`
	if _, err := s.db.ExecContext(ctx, q, ms(s.now()), id); err != nil {
		return fmt.Errorf("store: touch conversation: %w", err)
	}
	return nil
}

// DeleteConversation soft-deletes the conversation and hard-deletes its
// messages in one transaction.
func (s *Store) DeleteConversation(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: delete conversation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE conversations SET is_deleted = 1, updated_at = ? WHERE id = ? AND is_deleted = 0`,
		ms(s.now()), id)
	if err != nil {
		return fmt.Errorf("store: delete conversation: %w", err)
	}
	if err := affected("delete conversation", res); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("store: delete conversation messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: delete conversation commit: %w", err)
	}
	return nil
}

const messageColumns = `id, conversation_id, sender_type, content, is_success, created_at`

func scanMessage(row scanner) (Message, error) {
	var (
		m       Message
		sender  string
		success sql.NullBool
		created int64
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &sender, &m.Content, &success, &created); err != nil {
		return Message{}, err
	}
	m.SenderType = SenderType(sender)
	if success.Valid {
		v := success.Bool
		m.IsSuccess = &v
	}
	m.CreatedAt = fromMS(created)
	return m, nil
}

// AppendMessage inserts m and bumps the conversation's updated_at in one
// transaction.
func (s *Store) AppendMessage(ctx context.Context, m Message) (Message, error) {
	now := s.now()
	var success sql.NullBool
	if m.IsSuccess != nil {
		success = sql.NullBool{Bool: *m.IsSuccess, Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("store: append message: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, sender_type, content, is_success, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.ConversationID, string(m.SenderType), m.Content, success, ms(now))
	if err != nil {
		return Message{}, fmt.Errorf("store: append message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Message{}, fmt.Errorf("store: append message id: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, ms(now), m.ConversationID); err != nil {
		return Message{}, fmt.Errorf("store: append message touch: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("store: append message commit: %w", err)
	}

	m.ID = id
	m.CreatedAt = fromMS(ms(now))
	return m, nil
}

// RecentMessages returns the last n messages of a conversation, oldest first.
func (s *Store) RecentMessages(ctx context.Context, convID int64, n int) ([]Message, error) {
	q := `SELECT ` + messageColumns + ` FROM (
    SELECT ` + messageColumns + ` FROM messages
    WHERE conversation_id = ?
    ORDER BY created_at DESC, id DESC
    LIMIT ?
) ORDER BY created_at ASC, id ASC`
	return s.queryMessages(ctx, q, convID, n)
}

// ListMessages returns every message of a conversation, oldest first.
func (s *Store) ListMessages(ctx context.Context, convID int64) ([]Message, error) {
	q := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, id ASC`
	return s.queryMessages(ctx, q, convID)
}

func (s *Store) queryMessages(ctx context.Context, q string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list messages scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list messages rows: %w", err)
	}
	return msgs, nil
}

// GetMessage returns one message.
func (s *Store) GetMessage(ctx context.Context, id int64) (Message, error) {
	q := `SELECT ` + messageColumns + ` FROM messages WHERE id = ?`
	m, err := scanMessage(s.db.QueryRowContext(ctx, q, id))
	if err != nil {
		return Message{}, notFound("get message", err)
	}
	return m, nil
}

// DeleteMessage hard-deletes one message.
func (s *Store) DeleteMessage(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete message: %w", err)
	}
	return affected("delete message", res)
}
