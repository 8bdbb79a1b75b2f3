package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/nugget/agrifarm/internal/router"
	"github.com/nugget/agrifarm/internal/users"
)

const (
	titleRunes         = 50
	defaultDescription = "Cuộc trò chuyện mới"
	msgRouteFailed     = "Xin lỗi, đã có lỗi xảy ra. Vui lòng thử lại."
	errorIntent        = "error"
	errorConfidence    = 0.1
)

// ErrInvalidInput is returned for an empty message.
var ErrInvalidInput = errors.New("invalid message")

// MessageRouter answers a user's message.
type MessageRouter interface {
	Route(ctx context.Context, u *users.User, query string) (*router.Response, error)
}

// UserSource loads the sender of a message.
type UserSource interface {
	Get(ctx context.Context, id string) (*users.User, error)
}

// SendMessageInput is a new user message. An empty ConversationID
// starts a new conversation.
type SendMessageInput struct {
	ConversationID string `json:"conversationId,omitempty"`
	Content        string `json:"content"`
}

// SendMessageResult is the stored exchange.
type SendMessageResult struct {
	Conversation     *Conversation    `json:"conversation"`
	UserMessage      *Message         `json:"userMessage"`
	AssistantMessage *Message         `json:"assistantMessage"`
	Response         *router.Response `json:"response,omitempty"`
}

// Service runs chat messages through the router and records them.
type Service struct {
	store  *Store
	users  UserSource
	router MessageRouter
	logger *slog.Logger
}

// NewService creates a chat service.
func NewService(store *Store, users UserSource, rtr MessageRouter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, users: users, router: rtr, logger: logger}
}

// SendMessage stores the user's message, asks the router for a reply
// and stores that too. A routing failure is saved as an apology rather
// than returned.
func (s *Service) SendMessage(ctx context.Context, userID string, in SendMessageInput) (*SendMessageResult, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, fmt.Errorf("%w: content is required", ErrInvalidInput)
	}
	u, err := s.users.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}

	var conv *Conversation
	if in.ConversationID != "" {
		conv, err = s.store.Conversation(ctx, userID, in.ConversationID)
	} else {
		conv, err = s.store.CreateConversation(ctx, userID, conversationTitle(content), defaultDescription)
	}
	if err != nil {
		return nil, err
	}

	userMsg, err := s.store.AddMessage(ctx, Message{
		ConversationID: conv.ID,
		Content:        content,
		Type:           MessageUser,
	})
	if err != nil {
		return nil, err
	}

	reply := Message{ConversationID: conv.ID, Type: MessageAssistant}
	resp, err := s.router.Route(ctx, u, content)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			// The user message is already stored; keep the count in step.
			if err := s.store.Touch(context.WithoutCancel(ctx), conv.ID, userMsg.CreatedAt, 1); err != nil {
				s.logger.Warn("touch abandoned conversation", "conversation_id", conv.ID, "error", err)
			}
			return nil, ctxErr
		}
		s.logger.Error("message routing failed", "conversation_id", conv.ID, "user_id", userID, "error", err)
		conf := errorConfidence
		reply.Content = msgRouteFailed
		reply.Intent = errorIntent
		reply.Confidence = &conf
		reply.Metadata = map[string]any{"error": err.Error()}
		resp = nil
	} else {
		conf, rt := resp.Confidence, resp.ResponseTime
		reply.Content = resp.Message
		reply.Intent = string(resp.Intent)
		reply.Confidence = &conf
		reply.ResponseTime = &rt
		reply.Metadata = responseMetadata(resp)
	}

	assistantMsg, err := s.store.AddMessage(ctx, reply)
	if err != nil {
		return nil, err
	}
	if err := s.store.Touch(ctx, conv.ID, assistantMsg.CreatedAt, 2); err != nil {
		return nil, err
	}
	if conv, err = s.store.Conversation(ctx, userID, conv.ID); err != nil {
		return nil, err
	}

	return &SendMessageResult{
		Conversation:     conv,
		UserMessage:      userMsg,
		AssistantMessage: assistantMsg,
		Response:         resp,
	}, nil
}

// Conversations lists the user's active conversations.
func (s *Service) Conversations(ctx context.Context, userID string, page, limit int) (*Page[Conversation], error) {
	return s.store.Conversations(ctx, userID, page, limit)
}

// Conversation returns one of the user's conversations.
func (s *Service) Conversation(ctx context.Context, userID, id string) (*Conversation, error) {
	return s.store.Conversation(ctx, userID, id)
}

// Delete removes a conversation and its messages.
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	return s.store.DeleteConversation(ctx, userID, id)
}

// Messages pages through a conversation, oldest first.
func (s *Service) Messages(ctx context.Context, userID, id string, page, limit int) (*Page[Message], error) {
	return s.store.Messages(ctx, userID, id, page, limit)
}

// conversationTitle is the first 50 characters of the opening message.
func conversationTitle(content string) string {
	if utf8.RuneCountInString(content) <= titleRunes {
		return content
	}
	return string([]rune(content)[:titleRunes]) + "..."
}

func responseMetadata(resp *router.Response) map[string]any {
	meta := map[string]any{
		"processingLayer": resp.Layer,
		"requestId":       resp.RequestID,
		"success":         resp.Success,
	}
	if len(resp.Entities) > 0 {
		meta["entities"] = resp.Entities
	}
	if len(resp.Sources) > 0 {
		meta["sources"] = resp.Sources
	}
	if resp.Error != nil {
		meta["error"] = resp.Error
	}
	if resp.Data != nil {
		meta["data"] = resp.Data
	}
	return meta
}
