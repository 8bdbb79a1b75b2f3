package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/nugget/agrifarm/internal/database/dbtest"
	"github.com/nugget/agrifarm/internal/router"
	"github.com/nugget/agrifarm/internal/users"
)

type fakeRouter struct {
	resp    *router.Response
	err     error
	queries []string
}

func (f *fakeRouter) Route(_ context.Context, _ *users.User, query string) (*router.Response, error) {
	f.queries = append(f.queries, query)
	return f.resp, f.err
}

type fixture struct {
	store  *Store
	users  *users.Store
	farmer *users.User
	other  *users.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.Open(t)
	us := users.NewStore(db)
	ctx := context.Background()
	farmer, err := us.Create(ctx, users.User{Email: "farmer@example.com", IsActive: true, Credits: 10})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	other, err := us.Create(ctx, users.User{Email: "other@example.com", IsActive: true})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	store := NewStore(db)
	now := time.Date(2025, 3, 15, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	return &fixture{store: store, users: us, farmer: farmer, other: other}
}

func (f *fixture) service(rtr MessageRouter) *Service {
	return NewService(f.store, f.users, rtr, slog.New(slog.DiscardHandler))
}

func TestSendMessage_NewConversation(t *testing.T) {
	f := newFixture(t)
	rtr := &fakeRouter{resp: &router.Response{
		Success:      true,
		Message:      "Bón lót trước khi cấy.",
		Intent:       router.IntentKnowledge,
		Layer:        router.LayerExact,
		Confidence:   0.92,
		ResponseTime: 12,
		RequestID:    "req-1",
		Sources:      []router.Source{{Type: "document", Reference: "lua", Confidence: 0.92}},
	}}
	svc := f.service(rtr)

	res, err := svc.SendMessage(context.Background(), f.farmer.ID, SendMessageInput{Content: "  Cách bón phân cho lúa  "})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if rtr.queries[0] != "Cách bón phân cho lúa" {
		t.Errorf("routed %q, want trimmed content", rtr.queries[0])
	}

	c := res.Conversation
	if c.Title != "Cách bón phân cho lúa" || c.Description != defaultDescription {
		t.Errorf("conversation = %+v", c)
	}
	if c.MessageCount != 2 || c.LastMessageAt == nil || !c.LastMessageAt.Equal(res.AssistantMessage.CreatedAt) {
		t.Errorf("conversation activity = %d messages, last %v", c.MessageCount, c.LastMessageAt)
	}

	a := res.AssistantMessage
	if a.Type != MessageAssistant || a.Content != "Bón lót trước khi cấy." || a.Intent != "knowledge_query" {
		t.Errorf("assistant message = %+v", a)
	}
	if a.Confidence == nil || *a.Confidence != 0.92 || a.ResponseTime == nil || *a.ResponseTime != 12 {
		t.Errorf("assistant scores = %v / %v", a.Confidence, a.ResponseTime)
	}

	page, err := svc.Messages(context.Background(), f.farmer.ID, c.ID, 1, 0)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if page.Total != 2 || page.Items[0].Type != MessageUser || page.Items[1].Type != MessageAssistant {
		t.Fatalf("messages = %+v", page)
	}
	meta := page.Items[1].Metadata
	if meta["processingLayer"] != "layer_1_exact" || meta["requestId"] != "req-1" {
		t.Errorf("metadata = %v", meta)
	}
	if page.Items[0].Confidence != nil || page.Items[0].Intent != "" {
		t.Errorf("user message carries scores: %+v", page.Items[0])
	}
}

func TestSendMessage_ExistingConversation(t *testing.T) {
	f := newFixture(t)
	svc := f.service(&fakeRouter{resp: &router.Response{Success: true, Message: "ok", Intent: router.IntentUnknown}})
	ctx := context.Background()

	first, err := svc.SendMessage(ctx, f.farmer.ID, SendMessageInput{Content: "xin chào"})
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := svc.SendMessage(ctx, f.farmer.ID, SendMessageInput{ConversationID: first.Conversation.ID, Content: "cảm ơn"})
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.Conversation.ID != first.Conversation.ID || second.Conversation.MessageCount != 4 {
		t.Errorf("conversation = %+v", second.Conversation)
	}

	_, err = svc.SendMessage(ctx, f.other.ID, SendMessageInput{ConversationID: first.Conversation.ID, Content: "hi"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("foreign conversation: err = %v, want ErrNotFound", err)
	}
}

func TestSendMessage_RouterFailure(t *testing.T) {
	f := newFixture(t)
	svc := f.service(&fakeRouter{err: errors.New("boom")})

	res, err := svc.SendMessage(context.Background(), f.farmer.ID, SendMessageInput{Content: "cách trồng lúa"})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	a := res.AssistantMessage
	if a.Content != msgRouteFailed || a.Intent != "error" || a.Confidence == nil || *a.Confidence != 0.1 {
		t.Errorf("assistant message = %+v", a)
	}
	if res.Response != nil {
		t.Error("Response set after a routing failure")
	}
}

// cancelRouter cancels the request while it is being routed.
type cancelRouter struct{ cancel context.CancelFunc }

func (r cancelRouter) Route(ctx context.Context, _ *users.User, _ string) (*router.Response, error) {
	r.cancel()
	return nil, ctx.Err()
}

func TestSendMessage_CancelledWhileRouting(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc := f.service(cancelRouter{cancel: cancel})

	if _, err := svc.SendMessage(ctx, f.farmer.ID, SendMessageInput{Content: "tưới lúa khi nào"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	bg := context.Background()
	convs, err := svc.Conversations(bg, f.farmer.ID, 1, 0)
	if err != nil || len(convs.Items) != 1 {
		t.Fatalf("conversations = %+v, %v", convs, err)
	}
	c := convs.Items[0]
	msgs, err := svc.Messages(bg, f.farmer.ID, c.ID, 1, 0)
	if err != nil || msgs.Total != 1 {
		t.Fatalf("messages = %+v, %v", msgs, err)
	}
	if c.MessageCount != 1 || c.LastMessageAt == nil || !c.LastMessageAt.Equal(msgs.Items[0].CreatedAt) {
		t.Errorf("conversation activity = %d messages, last %v", c.MessageCount, c.LastMessageAt)
	}
}

func TestSendMessage_Validation(t *testing.T) {
	f := newFixture(t)
	svc := f.service(&fakeRouter{})

	if _, err := svc.SendMessage(context.Background(), f.farmer.ID, SendMessageInput{Content: "   "}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("blank content: err = %v", err)
	}
	if _, err := svc.SendMessage(context.Background(), "missing", SendMessageInput{Content: "hi"}); !errors.Is(err, users.ErrNotFound) {
		t.Errorf("unknown user: err = %v", err)
	}
}

func TestConversationTitle(t *testing.T) {
	long := strings.Repeat("lúa ", 20)
	got := conversationTitle(long)
	if !strings.HasSuffix(got, "...") || len([]rune(got)) != titleRunes+3 {
		t.Errorf("conversationTitle(long) = %q", got)
	}
	if got := conversationTitle("Cây ớt"); got != "Cây ớt" {
		t.Errorf("conversationTitle(short) = %q", got)
	}
}

func TestConversations_ListAndDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.store

	older, _ := s.CreateConversation(ctx, f.farmer.ID, "cũ", "")
	newer, _ := s.CreateConversation(ctx, f.farmer.ID, "mới", "")
	idle, _ := s.CreateConversation(ctx, f.farmer.ID, "chưa dùng", "")
	s.CreateConversation(ctx, f.other.ID, "của người khác", "")

	if err := s.Touch(ctx, older.ID, s.now(), 2); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if err := s.Touch(ctx, newer.ID, s.now(), 2); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	page, err := s.Conversations(ctx, f.farmer.ID, 1, 10)
	if err != nil {
		t.Fatalf("Conversations: %v", err)
	}
	if page.Total != 3 {
		t.Fatalf("Total = %d, want 3", page.Total)
	}
	order := []string{page.Items[0].ID, page.Items[1].ID, page.Items[2].ID}
	if order[0] != newer.ID || order[1] != older.ID || order[2] != idle.ID {
		t.Errorf("order = %v, want newer, older, idle", order)
	}

	page, _ = s.Conversations(ctx, f.farmer.ID, 2, 2)
	if len(page.Items) != 1 || page.Items[0].ID != idle.ID {
		t.Errorf("second page = %+v", page.Items)
	}

	s.AddMessage(ctx, Message{ConversationID: older.ID, Content: "x", Type: MessageUser})
	if err := s.DeleteConversation(ctx, f.other.ID, older.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("delete by other user: err = %v", err)
	}
	if err := s.DeleteConversation(ctx, f.farmer.ID, older.ID); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}
	if _, err := s.Conversation(ctx, f.farmer.ID, older.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted conversation still found: %v", err)
	}
	if _, err := s.Messages(ctx, f.farmer.ID, older.ID, 1, 10); !errors.Is(err, ErrNotFound) {
		t.Errorf("messages of deleted conversation: %v", err)
	}
}

func TestConversations_HidesArchived(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, _ := f.store.CreateConversation(ctx, f.farmer.ID, "lưu trữ", "")
	if _, err := f.store.db.ExecContext(ctx, `UPDATE conversations SET status = 'ARCHIVED' WHERE id = ?`, c.ID); err != nil {
		t.Fatal(err)
	}
	page, err := f.store.Conversations(ctx, f.farmer.ID, 1, 10)
	if err != nil {
		t.Fatalf("Conversations: %v", err)
	}
	if page.Total != 0 || len(page.Items) != 0 {
		t.Errorf("archived conversation listed: %+v", page)
	}
}
