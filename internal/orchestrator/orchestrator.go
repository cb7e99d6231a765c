// Package orchestrator runs one chat turn end to end: intent classification,
// then either image generation or a streamed text answer with a single
// fallback to a second transport.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"nexuschat/internal/chat"
	"nexuschat/internal/imagegen"
	"nexuschat/internal/intent"
	"nexuschat/internal/metrics"
	"nexuschat/internal/providers"
)

const (
	StoppedSuffix = "(Response stopped by user.)"
	NoResponse    = "(No response.)"
)

var ErrImagesDisabled = errors.New("image generation is not configured")

type Classifier interface {
	Classify(ctx context.Context, prompt string) intent.Decision
}

// FallbackPolicy decides when the fallback transport takes over. The fallback
// is tried at most once per turn: when the primary fails, or when it finishes
// without a single delta and EmptyIsFailure is set.
type FallbackPolicy struct {
	Primary        providers.Transport
	Fallback       providers.Transport
	EmptyIsFailure bool
}

type Config struct {
	Classifier Classifier
	Images     imagegen.Generator
	Policy     FallbackPolicy

	TextModel     string
	FallbackModel string
	ImageModel    string
	ImageSize     string
	MaxTokens     int
	Temperature   float64

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

type Request struct {
	SystemInstruction string
	History           []chat.Turn
	Prompt            string
	Files             []chat.AttachedFile

	// Per-request overrides of the configured models.
	TextModel  string
	ImageModel string
	ImageSize  string
}

type Orchestrator struct {
	cfg Config
	log zerolog.Logger
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Policy.Primary == nil {
		return nil, fmt.Errorf("primary transport is required")
	}
	return &Orchestrator{cfg: cfg, log: cfg.Logger}, nil
}

// Stream runs one turn and yields progress snapshots followed by exactly one
// terminal update (IsComplete set). Remote failures never escape: they end up
// in the terminal update's text. Cancelling ctx stops progress updates and
// produces a cancelled terminal update carrying the partial answer.
//
// Stopping the iteration early abandons the turn without a terminal update.
func (o *Orchestrator) Stream(ctx context.Context, req Request) iter.Seq[chat.StreamUpdate] {
	return func(yield func(chat.StreamUpdate) bool) {
		r := &run{
			o:       o,
			ctx:     ctx,
			yield:   yield,
			mode:    chat.ModeReasoning,
			state:   StateIdle,
			started: time.Now(),
			log:     o.log.With().Str("turn_id", uuid.NewString()).Logger(),
		}
		r.execute(req)
	}
}

func (o *Orchestrator) textModel(req Request) string {
	if req.TextModel != "" {
		return req.TextModel
	}
	return o.cfg.TextModel
}

func (o *Orchestrator) fallbackModel(req Request) string {
	if o.cfg.FallbackModel != "" {
		return o.cfg.FallbackModel
	}
	return o.textModel(req)
}

// BuildTurn folds attachments into the user turn: text files are appended as
// fenced blocks, image data URLs become image parts.
func BuildTurn(prompt string, files []chat.AttachedFile) chat.Turn {
	var b strings.Builder
	b.WriteString(prompt)
	var parts []chat.Part
	for _, f := range files {
		if f.IsImage() {
			parts = append(parts, chat.Part{Kind: chat.PartImage, URL: f.Content, MimeType: f.MimeType})
			continue
		}
		if strings.TrimSpace(f.Content) == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		name := f.Name
		if name == "" {
			name = "attachment"
		}
		fmt.Fprintf(&b, "File: %s\n```\n%s\n```", name, strings.TrimRight(f.Content, "\n"))
	}
	return chat.Turn{Role: chat.RoleUser, Content: b.String(), Parts: parts}
}
