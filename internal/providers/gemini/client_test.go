package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"nexuschat/internal/chat"
	"nexuschat/internal/providers"
)

func TestBuildPayload(t *testing.T) {
	c := New(Config{BaseURL: "https://example.test", GoogleSearch: true})

	body, endpoint, err := c.buildPayload(providers.TurnRequest{
		Model:             "gemini-2.5-flash",
		SystemInstruction: "be kind",
		History: []chat.Turn{
			{Role: chat.RoleUser, Content: "hi"},
			{Role: chat.RoleAssistant, Content: "hello"},
		},
		Turn: chat.Turn{
			Role:    chat.RoleUser,
			Content: "describe",
			Parts:   []chat.Part{{Kind: chat.PartImage, URL: "data:image/jpeg;base64,QUJD", MimeType: "image/jpeg"}},
		},
	})
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}
	if endpoint != "https://example.test/v1beta/models/gemini-2.5-flash:streamGenerateContent?alt=sse" {
		t.Fatalf("unexpected endpoint %q", endpoint)
	}

	var payload requestBody
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.SystemInstruction == nil || payload.SystemInstruction.Parts[0].Text != "be kind" {
		t.Fatalf("system instruction missing: %#v", payload.SystemInstruction)
	}
	if len(payload.Contents) != 3 {
		t.Fatalf("expected 3 contents, got %d", len(payload.Contents))
	}
	if payload.Contents[1].Role != "model" {
		t.Fatalf("assistant role should map to model, got %q", payload.Contents[1].Role)
	}
	last := payload.Contents[2]
	if len(last.Parts) != 2 || last.Parts[1].InlineData == nil || last.Parts[1].InlineData.Data != "QUJD" {
		t.Fatalf("expected inline image data, got %#v", last.Parts)
	}
	if len(payload.Tools) != 1 || payload.Tools[0].GoogleSearch == nil {
		t.Fatalf("expected google_search tool")
	}
}

func TestStreamTurn(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("alt") != "sse" {
			t.Errorf("expected alt=sse, got %q", r.URL.RawQuery)
		}
		if r.Header.Get("x-goog-api-key") != "g-key" {
			t.Errorf("missing api key header")
		}
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"musing\",\"thought\":true}],\"role\":\"model\"}}]}\r\n\r\n")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"Hello \"}],\"role\":\"model\"}}]}\r\n\r\n")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"world\"}],\"role\":\"model\"},\"finishReason\":\"STOP\"}]}\r\n\r\n")
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "g-key"})
	var answer, thought strings.Builder
	for d, err := range c.StreamTurn(context.Background(), providers.TurnRequest{
		Model: "gemini-2.5-flash",
		Turn:  chat.Turn{Role: chat.RoleUser, Content: "hi"},
	}) {
		if err != nil {
			t.Fatalf("stream: %v", err)
		}
		if d.Channel == providers.ChannelThought {
			thought.WriteString(d.Text)
		} else {
			answer.WriteString(d.Text)
		}
	}
	if answer.String() != "Hello world" {
		t.Fatalf("unexpected answer %q", answer.String())
	}
	if thought.String() != "musing" {
		t.Fatalf("unexpected thought %q", thought.String())
	}
}

func TestStreamTurnStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":403,"message":"API key not valid","status":"PERMISSION_DENIED"}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	var gotErr error
	for _, err := range c.StreamTurn(context.Background(), providers.TurnRequest{Model: "m", Turn: chat.Turn{Role: chat.RoleUser, Content: "x"}}) {
		gotErr = err
	}
	var statusErr *providers.StatusError
	if !errors.As(gotErr, &statusErr) || statusErr.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 status error, got %v", gotErr)
	}
	if !strings.Contains(gotErr.Error(), "API key not valid") {
		t.Fatalf("expected upstream message in error, got %q", gotErr.Error())
	}
}

func TestSplitDataURL(t *testing.T) {
	mime, data, ok := splitDataURL("data:image/png;base64,AAAA")
	if !ok || mime != "image/png" || data != "AAAA" {
		t.Fatalf("unexpected split: %q %q %v", mime, data, ok)
	}
	if _, _, ok := splitDataURL("https://x/y.png"); ok {
		t.Fatalf("plain url must not parse as data url")
	}
}

func TestStreamTurnWithoutModel(t *testing.T) {
	hit := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = true
	}))
	defer srv.Close()

	c := New(Config{Name: "gemini", BaseURL: srv.URL})
	calls := 0
	var gotErr error
	for _, err := range c.StreamTurn(context.Background(), providers.TurnRequest{Turn: chat.Turn{Role: chat.RoleUser, Content: "x"}}) {
		calls++
		gotErr = err
	}
	if calls != 1 || gotErr == nil || !strings.Contains(gotErr.Error(), "model is empty") {
		t.Fatalf("expected a single model error, got calls=%d err=%v", calls, gotErr)
	}
	if hit {
		t.Fatalf("no request should reach the upstream without a model")
	}
}
