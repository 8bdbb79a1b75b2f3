// Package chat stores conversations with the farm assistant and runs
// each user message through the router.
package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

// Conversation states.
const (
	ConversationActive   ConversationStatus = "ACTIVE"
	ConversationArchived ConversationStatus = "ARCHIVED"
	ConversationDeleted  ConversationStatus = "DELETED"
)

// MessageType says who wrote a message.
type MessageType string

// Message types.
const (
	MessageUser      MessageType = "USER"
	MessageAssistant MessageType = "ASSISTANT"
	MessageSystem    MessageType = "SYSTEM"
)

// MessageStatus is the delivery state of a message.
type MessageStatus string

// Message states.
const (
	StatusSent      MessageStatus = "SENT"
	StatusDelivered MessageStatus = "DELIVERED"
	StatusRead      MessageStatus = "READ"
	StatusFailed    MessageStatus = "FAILED"
)

// ErrNotFound is returned for a conversation that does not exist or
// belongs to someone else.
var ErrNotFound = errors.New("conversation not found")

// Conversation is a thread of messages owned by one user.
type Conversation struct {
	ID            string             `json:"id"`
	UserID        string             `json:"userId"`
	Title         string             `json:"title"`
	Description   string             `json:"description,omitempty"`
	Status        ConversationStatus `json:"status"`
	LastMessageAt *time.Time         `json:"lastMessageAt,omitempty"`
	MessageCount  int                `json:"messageCount"`
	CreatedAt     time.Time          `json:"createdAt"`
	UpdatedAt     time.Time          `json:"updatedAt"`
}

// Message is one entry in a conversation. Intent, Confidence and
// ResponseTime are set on assistant replies.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	Content        string         `json:"content"`
	Type           MessageType    `json:"type"`
	Status         MessageStatus  `json:"status"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Intent         string         `json:"intent,omitempty"`
	Confidence     *float64       `json:"confidence,omitempty"`
	ResponseTime   *int64         `json:"responseTime,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// Page is one page of a listing.
type Page[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

// Fixed width so stored timestamps sort as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeFormat) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}

// Store persists conversations and messages.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore wraps a migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

const conversationColumns = `id, user_id, title, description, status, last_message_at, message_count, created_at, updated_at`

// CreateConversation starts an active conversation for userID.
func (s *Store) CreateConversation(ctx context.Context, userID, title, description string) (*Conversation, error) {
	now := s.now().UTC()
	c := &Conversation{
		ID:          uuid.Must(uuid.NewV7()).String(),
		UserID:      userID,
		Title:       title,
		Description: description,
		Status:      ConversationActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (`+conversationColumns+`) VALUES (?, ?, ?, ?, ?, NULL, 0, ?, ?)`,
		c.ID, c.UserID, c.Title, c.Description, c.Status, formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return c, nil
}

// Conversation returns the conversation id if userID owns it.
func (s *Store) Conversation(ctx context.Context, userID, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ? AND user_id = ?`, id, userID)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

// Conversations lists a user's active conversations, most recently
// used first. page starts at 1.
func (s *Store) Conversations(ctx context.Context, userID string, page, limit int) (*Page[Conversation], error) {
	page, limit = normalizePage(page, limit, 20)
	out := &Page[Conversation]{Items: []Conversation{}, Page: page, Limit: limit}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE user_id = ? AND status = ?`,
		userID, ConversationActive).Scan(&out.Total); err != nil {
		return nil, fmt.Errorf("count conversations: %w", err)
	}

	// NULL last_message_at sorts last under DESC.
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE user_id = ? AND status = ?
		 ORDER BY COALESCE(last_message_at, '') DESC, created_at DESC
		 LIMIT ? OFFSET ?`,
		userID, ConversationActive, limit, (page-1)*limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out.Items = append(out.Items, *c)
	}
	return out, rows.Err()
}

// DeleteConversation removes a conversation and its messages.
func (s *Store) DeleteConversation(ctx context.Context, userID, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var owner string
	err = tx.QueryRowContext(ctx, `SELECT user_id FROM conversations WHERE id = ?`, id).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != userID) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("find conversation: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return tx.Commit()
}

const messageColumns = `id, conversation_id, content, type, status, metadata, intent, confidence, response_time_ms, created_at`

// AddMessage stores m in its conversation. ID, status and CreatedAt are
// filled in when empty.
func (s *Store) AddMessage(ctx context.Context, m Message) (*Message, error) {
	if m.ID == "" {
		m.ID = uuid.Must(uuid.NewV7()).String()
	}
	if m.Status == "" {
		m.Status = StatusSent
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now().UTC()
	}

	var meta any
	if len(m.Metadata) > 0 {
		b, err := json.Marshal(m.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
		meta = string(b)
	}
	var intent any
	if m.Intent != "" {
		intent = m.Intent
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.Content, m.Type, m.Status, meta, intent,
		m.Confidence, m.ResponseTime, formatTime(m.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return &m, nil
}

// Touch records activity on a conversation: lastMessageAt moves to at
// and the message count grows by added.
func (s *Store) Touch(ctx context.Context, id string, at time.Time, added int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations
		 SET last_message_at = ?, message_count = message_count + ?, updated_at = ?
		 WHERE id = ?`,
		formatTime(at), added, formatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Messages returns a page of a conversation's messages, oldest first.
// The conversation must belong to userID.
func (s *Store) Messages(ctx context.Context, userID, conversationID string, page, limit int) (*Page[Message], error) {
	if _, err := s.Conversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	page, limit = normalizePage(page, limit, 50)
	out := &Page[Message]{Items: []Message{}, Page: page, Limit: limit}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&out.Total); err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ?
		 ORDER BY created_at ASC, rowid ASC LIMIT ? OFFSET ?`,
		conversationID, limit, (page-1)*limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out.Items = append(out.Items, *m)
	}
	return out, rows.Err()
}

func normalizePage(page, limit, def int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = def
	}
	return page, min(limit, 100)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*Conversation, error) {
	var (
		c                        Conversation
		desc, last               sql.NullString
		createdText, updatedText string
	)
	if err := row.Scan(&c.ID, &c.UserID, &c.Title, &desc, &c.Status, &last,
		&c.MessageCount, &createdText, &updatedText); err != nil {
		return nil, err
	}
	c.Description = desc.String
	if last.Valid {
		t := parseTime(last.String)
		c.LastMessageAt = &t
	}
	c.CreatedAt, c.UpdatedAt = parseTime(createdText), parseTime(updatedText)
	return &c, nil
}

func scanMessage(row scanner) (*Message, error) {
	var (
		m            Message
		meta, intent sql.NullString
		confidence   sql.NullFloat64
		responseTime sql.NullInt64
		created      string
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &m.Content, &m.Type, &m.Status,
		&meta, &intent, &confidence, &responseTime, &created); err != nil {
		return nil, err
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &m.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	m.Intent = intent.String
	if confidence.Valid {
		m.Confidence = &confidence.Float64
	}
	if responseTime.Valid {
		m.ResponseTime = &responseTime.Int64
	}
	m.CreatedAt = parseTime(created)
	return &m, nil
}
