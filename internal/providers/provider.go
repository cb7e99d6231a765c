package providers

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"nexuschat/internal/chat"
)

var ErrEmptyStream = errors.New("stream completed without content")

type ChatRequest struct {
	Model        string
	SystemPrompt string
	UserPrompt   string
	MaxTokens    int
	Temperature  float64
	JSONMode     bool
}

type ChatResponse struct {
	Text string
}

// Provider is a single non-streaming completion call.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

type Channel string

const (
	ChannelAnswer  Channel = "answer"
	ChannelThought Channel = "thought"
)

type Delta struct {
	Channel Channel
	Text    string
}

type TurnRequest struct {
	Model             string
	SystemInstruction string
	History           []chat.Turn
	Turn              chat.Turn
	MaxTokens         int
	Temperature       float64
}

// Transport streams one assistant turn from an upstream chat API. Each call to
// StreamTurn starts a new upstream request; the sequence ends when the upstream
// signals completion or yields an error. Breaking out of the loop releases the
// request.
type Transport interface {
	Name() string
	StreamTurn(ctx context.Context, req TurnRequest) iter.Seq2[Delta, error]
}

// StatusError is a non-2xx upstream reply.
type StatusError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if strings.TrimSpace(e.Message) == "" {
		return fmt.Sprintf("%s status %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s status %d: %s", e.Provider, e.StatusCode, e.Message)
}

func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// Failed returns a sequence that yields err once.
func Failed(err error) iter.Seq2[Delta, error] {
	return func(yield func(Delta, error) bool) {
		yield(Delta{}, err)
	}
}
