package storage

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"nexuschat/internal/chat"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "nexus.db")
	s, err := Open(context.Background(), "sqlite", dsn, true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConversationLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	c, err := s.CreateConversation(ctx, "alice", "")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if len(c.ID) != 36 {
		t.Fatalf("expected uuid id, got %q", c.ID)
	}

	if _, err := s.AppendMessage(ctx, Message{ConversationID: c.ID, Role: chat.RoleUser, Content: "How do tides work?\nPlease keep it short."}); err != nil {
		t.Fatalf("append user message: %v", err)
	}
	if _, err := s.AppendMessage(ctx, Message{ConversationID: c.ID, Role: chat.RoleAssistant, Content: "The moon.", Thought: "gravity", Mode: chat.ModeReasoning, Status: chat.StatusComplete}); err != nil {
		t.Fatalf("append assistant message: %v", err)
	}
	if _, err := s.AppendMessage(ctx, Message{ConversationID: c.ID, Role: chat.RoleUser, Content: "Second question"}); err != nil {
		t.Fatalf("append second user message: %v", err)
	}
	if _, err := s.AppendMessage(ctx, Message{ConversationID: c.ID, Role: chat.RoleAssistant, Content: "**System Error:** boom", Status: chat.StatusError}); err != nil {
		t.Fatalf("append error message: %v", err)
	}

	got, err := s.GetConversation(ctx, "alice", c.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if got.Title != "How do tides work?" {
		t.Fatalf("expected auto title from first user line, got %q", got.Title)
	}
	if !got.UpdatedAt.After(c.UpdatedAt) {
		t.Fatalf("append should bump updated_at")
	}

	if _, err := s.GetConversation(ctx, "mallory", c.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("other owners must not see the conversation, got %v", err)
	}

	msgs, err := s.Messages(ctx, c.ID, 0)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 4 || msgs[1].Thought != "gravity" || msgs[1].Status != chat.StatusComplete {
		t.Fatalf("unexpected messages %#v", msgs)
	}

	history, err := s.History(ctx, c.ID, 3)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].Content != "The moon." || history[1].Content != "Second question" {
		t.Fatalf("history should be the last turns in order without error bubbles: %#v", history)
	}

	if err := s.RenameConversation(ctx, "alice", c.ID, "Tides"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if err := s.SetConversationPersona(ctx, "alice", c.ID, "pirate"); err != nil {
		t.Fatalf("set persona: %v", err)
	}
	got, err = s.GetConversation(ctx, "alice", c.ID)
	if err != nil || got.Title != "Tides" || got.Persona != "pirate" {
		t.Fatalf("unexpected conversation %#v err=%v", got, err)
	}

	if err := s.DeleteConversation(ctx, "alice", c.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteConversation(ctx, "alice", c.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete should be ErrNotFound, got %v", err)
	}
	msgs, err = s.Messages(ctx, c.ID, 0)
	if err != nil || len(msgs) != 0 {
		t.Fatalf("messages should be gone, got %d err=%v", len(msgs), err)
	}
}

func TestListConversationsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	first, err := s.CreateConversation(ctx, "alice", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := s.CreateConversation(ctx, "alice", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CreateConversation(ctx, "bob", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.AppendMessage(ctx, Message{ConversationID: first.ID, Role: chat.RoleUser, Content: "bump"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	list, err := s.ListConversations(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != first.ID || list[1].ID != second.ID {
		t.Fatalf("unexpected order %#v", list)
	}

	if _, err := s.AppendMessage(ctx, Message{ConversationID: "missing", Role: chat.RoleUser, Content: "x"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("append to unknown conversation should be ErrNotFound, got %v", err)
	}
}

func TestPersonasAndOwnerSettings(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.UpsertPersona(ctx, Persona{Owner: "alice", Name: "pirate", SystemPrompt: "Talk like a pirate."}); err != nil {
		t.Fatalf("upsert persona: %v", err)
	}
	if err := s.UpsertPersona(ctx, Persona{Owner: "alice", Name: "pirate", SystemPrompt: "Arr.", Model: "gpt-x"}); err != nil {
		t.Fatalf("update persona: %v", err)
	}
	p, err := s.GetPersona(ctx, "alice", "pirate")
	if err != nil || p.SystemPrompt != "Arr." || p.Model != "gpt-x" {
		t.Fatalf("unexpected persona %#v err=%v", p, err)
	}
	list, err := s.ListPersonas(ctx, "alice")
	if err != nil || len(list) != 1 {
		t.Fatalf("unexpected personas %#v err=%v", list, err)
	}
	if err := s.DeletePersona(ctx, "alice", "pirate"); err != nil {
		t.Fatalf("delete persona: %v", err)
	}
	if _, err := s.GetPersona(ctx, "alice", "pirate"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if _, err := s.GetOwnerAPIKey(ctx, "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing key, got %v", err)
	}
	sealed := `{"key_id":"k1","owner":"alice","nonce":"n","ciphertext":"c"}`
	if err := s.SetOwnerAPIKey(ctx, "alice", &sealed); err != nil {
		t.Fatalf("set key: %v", err)
	}
	if err := s.SetActiveConversation(ctx, "alice", "conv-1"); err != nil {
		t.Fatalf("set active: %v", err)
	}
	got, err := s.GetOwnerAPIKey(ctx, "alice")
	if err != nil || got != sealed {
		t.Fatalf("active conversation update must keep the key: %q err=%v", got, err)
	}
	active, err := s.GetActiveConversation(ctx, "alice")
	if err != nil || active != "conv-1" {
		t.Fatalf("unexpected active conversation %q err=%v", active, err)
	}
	if err := s.SetOwnerAPIKey(ctx, "alice", nil); err != nil {
		t.Fatalf("clear key: %v", err)
	}
	if _, err := s.GetOwnerAPIKey(ctx, "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected cleared key, got %v", err)
	}

	if err := s.LogAction(ctx, AuditEntry{Owner: "alice", Action: "key.set", MetaJSON: "not json"}); err != nil {
		t.Fatalf("log action: %v", err)
	}
	n, err := s.CountActions(ctx, "alice", "key.set")
	if err != nil || n != 1 {
		t.Fatalf("unexpected audit count %d err=%v", n, err)
	}
}

func TestTitle(t *testing.T) {
	if got := Title("  hello there \nsecond line"); got != "hello there" {
		t.Fatalf("unexpected title %q", got)
	}
	long := strings.Repeat("é", 70)
	if got := Title(long); !strings.HasSuffix(got, "…") || len([]rune(got)) != titleMaxRunes+1 {
		t.Fatalf("unexpected long title %q", got)
	}
}
