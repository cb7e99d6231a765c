package session

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"nexuschat/internal/chat"
	"nexuschat/internal/crypto"
	"nexuschat/internal/intent"
	"nexuschat/internal/orchestrator"
	"nexuschat/internal/providers"
	"nexuschat/internal/providers/registry"
	"nexuschat/internal/queue"
	"nexuschat/internal/storage"
)

type scriptTransport struct {
	deltas  []providers.Delta
	block   bool
	lastReq providers.TurnRequest
	started chan struct{}
}

func (s *scriptTransport) Name() string { return "script" }

func (s *scriptTransport) StreamTurn(ctx context.Context, req providers.TurnRequest) iter.Seq2[providers.Delta, error] {
	s.lastReq = req
	return func(yield func(providers.Delta, error) bool) {
		for _, d := range s.deltas {
			if !yield(d, nil) {
				return
			}
		}
		if s.block {
			if s.started != nil {
				close(s.started)
			}
			<-ctx.Done()
			yield(providers.Delta{}, ctx.Err())
		}
	}
}

type textOnly struct{}

func (textOnly) Classify(context.Context, string) intent.Decision {
	return intent.Decision{Source: intent.SourceRemote}
}

type staticResolver struct{ s Streamer }

func (r staticResolver) For(context.Context, string) (Streamer, error) { return r.s, nil }

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "session.db"), true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return rdb
}

func newOrchestrator(t *testing.T, primary providers.Transport) *orchestrator.Orchestrator {
	t.Helper()
	o, err := orchestrator.New(orchestrator.Config{
		Classifier: textOnly{},
		Policy:     orchestrator.FallbackPolicy{Primary: primary, EmptyIsFailure: true},
		TextModel:  "default-model",
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return o
}

func TestPreparedStreamPersistsTurns(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	rdb := newRedis(t)
	gate := queue.NewTurnGate(rdb, time.Minute)

	primary := &scriptTransport{deltas: []providers.Delta{
		{Channel: providers.ChannelThought, Text: "tides..."},
		{Channel: providers.ChannelAnswer, Text: "The moon."},
	}}
	svc := New(Config{
		Store:        store,
		Engine:       staticResolver{newOrchestrator(t, primary)},
		Gate:         gate,
		Cancel:       queue.NewCancelBus(nil, "", zerolog.Nop()),
		SystemPrompt: "default system",
		Logger:       zerolog.Nop(),
	})

	if err := store.UpsertPersona(ctx, storage.Persona{Owner: "tg:1", Name: "sailor", SystemPrompt: "Talk like a sailor.", Model: "persona-model"}); err != nil {
		t.Fatalf("upsert persona: %v", err)
	}
	conv, err := store.CreateConversation(ctx, "tg:1", "sailor")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if _, err := store.AppendMessage(ctx, storage.Message{ConversationID: conv.ID, Role: chat.RoleUser, Content: "hello"}); err != nil {
		t.Fatalf("seed history: %v", err)
	}

	token, err := svc.Acquire(ctx, conv.ID)
	if err != nil || token == "" {
		t.Fatalf("acquire: token=%q err=%v", token, err)
	}
	if _, err := svc.Acquire(ctx, conv.ID); !errors.Is(err, queue.ErrBusy) {
		t.Fatalf("second acquire should be busy, got %v", err)
	}

	prepared, err := svc.Prepare(ctx, Turn{
		Owner:          "tg:1",
		ConversationID: conv.ID,
		Prompt:         "why tides?",
		Files:          []chat.AttachedFile{{Name: "notes.txt", Content: "high tide at 6", MimeType: "text/plain"}},
		GateToken:      token,
	})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if prepared.Persona() != "sailor" {
		t.Fatalf("unexpected persona %q", prepared.Persona())
	}

	var terminal chat.StreamUpdate
	for u := range prepared.Stream(ctx) {
		if u.IsComplete {
			terminal = u
		}
	}
	if terminal.Status != chat.StatusComplete || terminal.Text != "The moon." {
		t.Fatalf("unexpected terminal %#v", terminal)
	}
	if primary.lastReq.Model != "persona-model" || primary.lastReq.SystemInstruction != "Talk like a sailor." {
		t.Fatalf("persona not applied: model=%q system=%q", primary.lastReq.Model, primary.lastReq.SystemInstruction)
	}
	if len(primary.lastReq.History) != 1 || primary.lastReq.History[0].Content != "hello" {
		t.Fatalf("history must not contain the current turn: %#v", primary.lastReq.History)
	}

	msgs, err := store.Messages(ctx, conv.ID, 0)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 stored messages, got %#v", msgs)
	}
	if msgs[1].Content != "why tides?\n\n[attached: notes.txt]" {
		t.Fatalf("unexpected stored user turn %q", msgs[1].Content)
	}
	last := msgs[2]
	if last.Role != chat.RoleAssistant || last.Content != "The moon." || last.Thought != "tides..." || last.Status != chat.StatusComplete || last.Mode != chat.ModeReasoning {
		t.Fatalf("unexpected stored assistant turn %#v", last)
	}

	busy, err := gate.Busy(ctx, conv.ID)
	if err != nil || busy {
		t.Fatalf("gate should be released after the stream: busy=%v err=%v", busy, err)
	}
}

func TestStopCancelsRunningTurn(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	primary := &scriptTransport{
		deltas:  []providers.Delta{{Channel: providers.ChannelAnswer, Text: "Once upon"}},
		block:   true,
		started: make(chan struct{}),
	}
	svc := New(Config{
		Store:  store,
		Engine: staticResolver{newOrchestrator(t, primary)},
		Cancel: queue.NewCancelBus(nil, "", zerolog.Nop()),
		Logger: zerolog.Nop(),
	})
	conv, err := store.CreateConversation(ctx, "api:u", "")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	prepared, err := svc.Prepare(ctx, Turn{Owner: "api:u", ConversationID: conv.ID, Prompt: "tell a story"})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	go func() {
		<-primary.started
		_ = svc.Stop(ctx, conv.ID)
	}()

	var terminal chat.StreamUpdate
	for u := range prepared.Stream(ctx) {
		terminal = u
	}
	want := "Once upon\n\n" + orchestrator.StoppedSuffix
	if terminal.Status != chat.StatusCancelled || terminal.Text != want {
		t.Fatalf("unexpected terminal %#v", terminal)
	}
	msgs, err := store.Messages(ctx, conv.ID, 0)
	if err != nil || len(msgs) != 2 || msgs[1].Status != chat.StatusCancelled {
		t.Fatalf("cancelled turn should be stored: %#v err=%v", msgs, err)
	}
}

func TestPrepareRejectsBadTurns(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	svc := New(Config{Store: store, Engine: staticResolver{newOrchestrator(t, &scriptTransport{})}, Logger: zerolog.Nop()})

	if _, err := svc.Prepare(ctx, Turn{Owner: "a", ConversationID: "x", Prompt: "   "}); !errors.Is(err, ErrEmptyPrompt) {
		t.Fatalf("expected ErrEmptyPrompt, got %v", err)
	}
	if _, err := svc.Prepare(ctx, Turn{Owner: "a", ConversationID: "missing", Prompt: "hi"}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	conv, err := store.CreateConversation(ctx, "a", "")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if _, err := svc.Prepare(ctx, Turn{Owner: "b", ConversationID: conv.ID, Prompt: "hi"}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("another owner's conversation must be invisible, got %v", err)
	}
	if token, err := svc.Acquire(ctx, conv.ID); err != nil || token != "" {
		t.Fatalf("without a gate acquire is a no-op: %q %v", token, err)
	}
}

func TestEngineUsesOwnerKey(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	sealer, err := crypto.NewSealer("k1", map[string][]byte{"k1": make([]byte, 32)})
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	opts := registry.BuildOptions{Kind: "openai_compat", BaseURL: srv.URL, APIKey: "shared-key", HTTPClient: srv.Client()}
	shared, err := registry.Build(opts)
	if err != nil {
		t.Fatalf("build shared transport: %v", err)
	}
	engine, err := NewEngine(EngineConfig{
		Base: orchestrator.Config{
			Classifier: textOnly{},
			Policy:     orchestrator.FallbackPolicy{Primary: shared, EmptyIsFailure: true},
			TextModel:  "m",
			Logger:     zerolog.Nop(),
		},
		Primary: opts,
		Store:   store,
		Sealer:  sealer,
		Logger:  zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	got, err := engine.For(ctx, "tg:7")
	if err != nil {
		t.Fatalf("for without key: %v", err)
	}
	if got != Streamer(engine.Shared()) {
		t.Fatalf("owners without a key should get the shared orchestrator")
	}

	sealed, err := sealer.SealString("tg:7", "owner-key")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if err := store.SetOwnerAPIKey(ctx, "tg:7", &sealed); err != nil {
		t.Fatalf("set key: %v", err)
	}
	got, err = engine.For(ctx, "tg:7")
	if err != nil {
		t.Fatalf("for with key: %v", err)
	}
	for u := range got.Stream(ctx, orchestrator.Request{Prompt: "hello"}) {
		if u.IsComplete && u.Text != "hi" {
			t.Fatalf("unexpected terminal %#v", u)
		}
	}
	if gotAuth != "Bearer owner-key" {
		t.Fatalf("expected owner key upstream, got %q", gotAuth)
	}

	// A key sealed for one owner cannot be used by another.
	if err := store.SetOwnerAPIKey(ctx, "tg:8", &sealed); err != nil {
		t.Fatalf("set key: %v", err)
	}
	if _, err := engine.For(ctx, "tg:8"); !errors.Is(err, crypto.ErrOwnerMismatch) {
		t.Fatalf("expected owner mismatch, got %v", err)
	}
}
