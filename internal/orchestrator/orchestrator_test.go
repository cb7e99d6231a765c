package orchestrator

import (
	"context"
	"errors"
	"iter"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"nexuschat/internal/chat"
	"nexuschat/internal/imagegen"
	"nexuschat/internal/intent"
	"nexuschat/internal/providers"
	"nexuschat/internal/providers/openai_compat"
)

type scriptTransport struct {
	name    string
	deltas  []providers.Delta
	err     error
	block   bool
	calls   int
	lastReq providers.TurnRequest
}

func (s *scriptTransport) Name() string { return s.name }

func (s *scriptTransport) StreamTurn(ctx context.Context, req providers.TurnRequest) iter.Seq2[providers.Delta, error] {
	s.calls++
	s.lastReq = req
	return func(yield func(providers.Delta, error) bool) {
		for _, d := range s.deltas {
			if !yield(d, nil) {
				return
			}
		}
		if s.block {
			<-ctx.Done()
			yield(providers.Delta{}, ctx.Err())
			return
		}
		if s.err != nil {
			yield(providers.Delta{}, s.err)
		}
	}
}

type fixedClassifier struct {
	decision intent.Decision
}

func (f fixedClassifier) Classify(context.Context, string) intent.Decision { return f.decision }

type failingProvider struct{}

func (failingProvider) Chat(context.Context, providers.ChatRequest) (providers.ChatResponse, error) {
	return providers.ChatResponse{}, errors.New("classifier offline")
}

func answer(s string) providers.Delta  { return providers.Delta{Channel: providers.ChannelAnswer, Text: s} }
func thought(s string) providers.Delta { return providers.Delta{Channel: providers.ChannelThought, Text: s} }

func collect(t *testing.T, seq iter.Seq[chat.StreamUpdate]) (progress []chat.StreamUpdate, terminal chat.StreamUpdate) {
	t.Helper()
	terminals := 0
	for u := range seq {
		if u.IsComplete {
			terminals++
			terminal = u
			continue
		}
		if terminals > 0 {
			t.Fatalf("progress update after terminal: %#v", u)
		}
		progress = append(progress, u)
	}
	if terminals != 1 {
		t.Fatalf("expected exactly one terminal update, got %d", terminals)
	}
	if terminal.NewHistoryEntry == nil || terminal.NewHistoryEntry.Role != chat.RoleAssistant || terminal.NewHistoryEntry.Content == "" {
		t.Fatalf("terminal update must carry a non-empty assistant entry: %#v", terminal.NewHistoryEntry)
	}
	return progress, terminal
}

func newOrchestrator(t *testing.T, cfg Config) *Orchestrator {
	t.Helper()
	cfg.Logger = zerolog.Nop()
	o, err := New(cfg)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return o
}

func TestStreamAccumulatesSnapshots(t *testing.T) {
	primary := &scriptTransport{name: "primary", deltas: []providers.Delta{thought("hmm"), answer("Hello "), answer("world")}}
	o := newOrchestrator(t, Config{
		Classifier: fixedClassifier{intent.Decision{Source: intent.SourceRemote}},
		Policy:     FallbackPolicy{Primary: primary, EmptyIsFailure: true},
		TextModel:  "text-model",
	})

	progress, terminal := collect(t, o.Stream(context.Background(), Request{
		SystemInstruction: "be brief",
		History:           []chat.Turn{{Role: chat.RoleUser, Content: "earlier"}},
		Prompt:            "say hello",
	}))

	if len(progress) != 3 {
		t.Fatalf("expected 3 progress updates, got %d", len(progress))
	}
	if progress[1].Text != "Hello " || progress[2].Text != "Hello world" || progress[2].Thought != "hmm" {
		t.Fatalf("snapshots should accumulate: %#v", progress)
	}
	if terminal.Status != chat.StatusComplete || terminal.Text != "Hello world" || terminal.Mode != chat.ModeReasoning {
		t.Fatalf("unexpected terminal %#v", terminal)
	}
	if primary.lastReq.Model != "text-model" || primary.lastReq.SystemInstruction != "be brief" || len(primary.lastReq.History) != 1 {
		t.Fatalf("unexpected transport request %#v", primary.lastReq)
	}
}

func TestEmptyPrimaryFallsBackOnce(t *testing.T) {
	primary := &scriptTransport{name: "primary"}
	fallback := &scriptTransport{name: "fallback", deltas: []providers.Delta{answer("from fallback")}}
	o := newOrchestrator(t, Config{
		Policy:        FallbackPolicy{Primary: primary, Fallback: fallback, EmptyIsFailure: true},
		FallbackModel: "gemini-2.5-flash",
	})

	_, terminal := collect(t, o.Stream(context.Background(), Request{Prompt: "hi"}))
	if primary.calls != 1 || fallback.calls != 1 {
		t.Fatalf("expected one call each, got primary=%d fallback=%d", primary.calls, fallback.calls)
	}
	if fallback.lastReq.Model != "gemini-2.5-flash" {
		t.Fatalf("fallback should use its own model, got %q", fallback.lastReq.Model)
	}
	if terminal.Text != "from fallback" || terminal.Restarted {
		t.Fatalf("unexpected terminal %#v", terminal)
	}
}

func TestEmptyPrimaryAcceptedWhenConfigured(t *testing.T) {
	primary := &scriptTransport{name: "primary"}
	fallback := &scriptTransport{name: "fallback", deltas: []providers.Delta{answer("unused")}}
	o := newOrchestrator(t, Config{Policy: FallbackPolicy{Primary: primary, Fallback: fallback}})

	_, terminal := collect(t, o.Stream(context.Background(), Request{Prompt: "hi"}))
	if fallback.calls != 0 {
		t.Fatalf("fallback must not run for an accepted empty stream")
	}
	if terminal.Text != NoResponse || terminal.Status != chat.StatusComplete {
		t.Fatalf("unexpected terminal %#v", terminal)
	}
}

func TestThoughtOnlyPrimaryFallsBack(t *testing.T) {
	primary := &scriptTransport{name: "primary", deltas: []providers.Delta{thought("weighing options"), thought("...")}}
	fallback := &scriptTransport{name: "fallback", deltas: []providers.Delta{answer("actual answer")}}
	o := newOrchestrator(t, Config{Policy: FallbackPolicy{Primary: primary, Fallback: fallback, EmptyIsFailure: true}})

	progress, terminal := collect(t, o.Stream(context.Background(), Request{Prompt: "hi"}))
	if fallback.calls != 1 {
		t.Fatalf("reasoning without answer text must trigger the fallback, calls=%d", fallback.calls)
	}
	last := progress[len(progress)-1]
	if !last.Restarted || last.Thought != "" || last.Text != "actual answer" {
		t.Fatalf("fallback update should replace the primary reasoning: %#v", last)
	}
	if terminal.Text != "actual answer" || terminal.Thought != "" || terminal.Status != chat.StatusComplete {
		t.Fatalf("unexpected terminal %#v", terminal)
	}
}

func TestReasoningOnlySSEPrimaryFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"reasoning\":\"thinking...\"}}]}\n\n"))
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	primary := openai_compat.New(openai_compat.Config{Name: "openrouter", BaseURL: srv.URL, APIKey: "k", HTTPClient: srv.Client()})
	fallback := &scriptTransport{name: "fallback", deltas: []providers.Delta{answer("from gemini")}}
	o := newOrchestrator(t, Config{Policy: FallbackPolicy{Primary: primary, Fallback: fallback, EmptyIsFailure: true}})

	_, terminal := collect(t, o.Stream(context.Background(), Request{Prompt: "hi"}))
	if fallback.calls != 1 || terminal.Text != "from gemini" {
		t.Fatalf("expected fallback answer, calls=%d terminal=%q", fallback.calls, terminal.Text)
	}
}

func TestThoughtOnlyPrimaryAcceptedWhenConfigured(t *testing.T) {
	primary := &scriptTransport{name: "primary", deltas: []providers.Delta{thought("hmm")}}
	fallback := &scriptTransport{name: "fallback", deltas: []providers.Delta{answer("unused")}}
	o := newOrchestrator(t, Config{Policy: FallbackPolicy{Primary: primary, Fallback: fallback}})

	_, terminal := collect(t, o.Stream(context.Background(), Request{Prompt: "hi"}))
	if fallback.calls != 0 || terminal.Text != NoResponse || terminal.Thought != "hmm" {
		t.Fatalf("unexpected terminal %#v calls=%d", terminal, fallback.calls)
	}
}

func TestFallbackAfterPartialOutputRestarts(t *testing.T) {
	primary := &scriptTransport{
		name:   "primary",
		deltas: []providers.Delta{answer("The answer is")},
		err:    &providers.StatusError{Provider: "primary", StatusCode: 502, Message: "bad gateway"},
	}
	fallback := &scriptTransport{name: "fallback", deltas: []providers.Delta{answer("Forty"), answer("-two")}}
	o := newOrchestrator(t, Config{Policy: FallbackPolicy{Primary: primary, Fallback: fallback, EmptyIsFailure: true}})

	progress, terminal := collect(t, o.Stream(context.Background(), Request{Prompt: "meaning of life"}))
	if len(progress) != 3 {
		t.Fatalf("expected 3 progress updates, got %d", len(progress))
	}
	if progress[0].Restarted || !progress[1].Restarted || progress[2].Restarted {
		t.Fatalf("only the first fallback update is marked restarted: %#v", progress)
	}
	if progress[1].Text != "Forty" {
		t.Fatalf("fallback snapshot must not include primary output, got %q", progress[1].Text)
	}
	if terminal.Text != "Forty-two" || strings.Contains(terminal.NewHistoryEntry.Content, "The answer is") {
		t.Fatalf("duplicate answer in terminal %#v", terminal)
	}
}

func TestBothTransportsFailReportsHint(t *testing.T) {
	primary := &scriptTransport{name: "primary", err: &providers.StatusError{Provider: "openrouter", StatusCode: 500, Message: "oops"}}
	fallback := &scriptTransport{name: "fallback", err: &providers.StatusError{Provider: "gemini", StatusCode: 401, Message: "invalid key"}}
	o := newOrchestrator(t, Config{Policy: FallbackPolicy{Primary: primary, Fallback: fallback, EmptyIsFailure: true}})

	_, terminal := collect(t, o.Stream(context.Background(), Request{Prompt: "hi"}))
	if terminal.Status != chat.StatusError {
		t.Fatalf("expected error status, got %q", terminal.Status)
	}
	if !strings.HasPrefix(terminal.Text, "**System Error:** ") || !strings.Contains(terminal.Text, "(Unauthorized - Check API Key)") {
		t.Fatalf("unexpected error text %q", terminal.Text)
	}
	if fallback.calls != 1 {
		t.Fatalf("fallback must be tried exactly once, got %d", fallback.calls)
	}
}

func TestCancellationYieldsStoppedTerminal(t *testing.T) {
	primary := &scriptTransport{name: "primary", deltas: []providers.Delta{answer("partial")}, block: true}
	fallback := &scriptTransport{name: "fallback", deltas: []providers.Delta{answer("nope")}}
	o := newOrchestrator(t, Config{Policy: FallbackPolicy{Primary: primary, Fallback: fallback, EmptyIsFailure: true}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cancelled := false
	var terminal chat.StreamUpdate
	terminals := 0
	for u := range o.Stream(ctx, Request{Prompt: "long story"}) {
		if u.IsComplete {
			terminals++
			terminal = u
			continue
		}
		if cancelled {
			t.Fatalf("progress update after cancellation: %#v", u)
		}
		cancel()
		cancelled = true
	}
	if terminals != 1 {
		t.Fatalf("expected one terminal update, got %d", terminals)
	}
	if terminal.Status != chat.StatusCancelled || !strings.HasSuffix(terminal.Text, StoppedSuffix) || !strings.HasPrefix(terminal.Text, "partial") {
		t.Fatalf("unexpected terminal %#v", terminal)
	}
	if fallback.calls != 0 {
		t.Fatalf("cancellation must not trigger the fallback")
	}
}

func TestCancelledBeforeStart(t *testing.T) {
	primary := &scriptTransport{name: "primary", block: true}
	o := newOrchestrator(t, Config{Policy: FallbackPolicy{Primary: primary}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	progress, terminal := collect(t, o.Stream(ctx, Request{Prompt: "hi"}))
	if len(progress) != 0 || terminal.Text != StoppedSuffix {
		t.Fatalf("unexpected output %#v %#v", progress, terminal)
	}
}

func TestImageRequestThroughProxy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"url":"http://x/y.png"}]}`))
	}))
	defer srv.Close()

	primary := &scriptTransport{name: "primary", deltas: []providers.Delta{answer("should not stream")}}
	o := newOrchestrator(t, Config{
		Classifier: intent.New(intent.Config{Provider: failingProvider{}, Logger: zerolog.Nop()}),
		Images:     imagegen.NewProxy(imagegen.ProxyConfig{URL: srv.URL}),
		Policy:     FallbackPolicy{Primary: primary},
	})

	progress, terminal := collect(t, o.Stream(context.Background(), Request{Prompt: "draw a cat"}))
	if primary.calls != 0 {
		t.Fatalf("image turns must not call the text transport")
	}
	if len(progress) != 1 || progress[0].Mode != chat.ModeImage {
		t.Fatalf("expected one image-mode progress update, got %#v", progress)
	}
	if terminal.Text != "![draw a cat](http://x/y.png)" || terminal.Mode != chat.ModeImage {
		t.Fatalf("unexpected terminal %#v", terminal)
	}
}

type failingImages struct{}

func (failingImages) Generate(context.Context, imagegen.Request) (string, error) {
	return "", &providers.StatusError{Provider: "image", StatusCode: 402, Message: "insufficient credits"}
}

func TestImageFailureIsSystemError(t *testing.T) {
	o := newOrchestrator(t, Config{
		Classifier: fixedClassifier{intent.Decision{IsImageRequest: true, RefinedPrompt: "a cat"}},
		Images:     failingImages{},
		Policy:     FallbackPolicy{Primary: &scriptTransport{name: "primary"}},
	})

	_, terminal := collect(t, o.Stream(context.Background(), Request{Prompt: "draw a cat"}))
	if terminal.Status != chat.StatusError || !strings.HasSuffix(terminal.Text, "(Payment Required - Check Credits)") {
		t.Fatalf("unexpected terminal %#v", terminal)
	}
}

func TestConsumerBreakStopsRun(t *testing.T) {
	primary := &scriptTransport{name: "primary", deltas: []providers.Delta{answer("a"), answer("b"), answer("c")}}
	fallback := &scriptTransport{name: "fallback"}
	o := newOrchestrator(t, Config{Policy: FallbackPolicy{Primary: primary, Fallback: fallback}})

	seen := 0
	for range o.Stream(context.Background(), Request{Prompt: "hi"}) {
		seen++
		break
	}
	if seen != 1 || fallback.calls != 0 {
		t.Fatalf("unexpected run after break: seen=%d fallback=%d", seen, fallback.calls)
	}
}

func TestBuildTurnInlinesAttachments(t *testing.T) {
	turn := BuildTurn("review this", []chat.AttachedFile{
		{Name: "main.go", Content: "package main\n", MimeType: "text/x-go"},
		{Name: "shot.png", Content: "data:image/png;base64,AAAA", MimeType: "image/png"},
	})
	if turn.Role != chat.RoleUser {
		t.Fatalf("unexpected role %q", turn.Role)
	}
	if turn.Content != "review this\n\nFile: main.go\n```\npackage main\n```" {
		t.Fatalf("unexpected content %q", turn.Content)
	}
	if len(turn.Parts) != 1 || turn.Parts[0].URL != "data:image/png;base64,AAAA" || !turn.Multimodal() {
		t.Fatalf("unexpected parts %#v", turn.Parts)
	}
}

func TestFormatSystemErrorHints(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{&providers.StatusError{Provider: "p", StatusCode: 429}, "**System Error:** p status 429 (Rate Limited - Try Again Later)"},
		{errors.New("status 402 from upstream"), "**System Error:** status 402 from upstream (Payment Required - Check Credits)"},
		{&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, "**System Error:** dial tcp: connection refused (Network Error - Check Connection)"},
		{errors.New("model overloaded"), "**System Error:** model overloaded"},
	}
	for _, tc := range cases {
		if got := FormatSystemError(tc.err); got != tc.want {
			t.Fatalf("FormatSystemError(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
