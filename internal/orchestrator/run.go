package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"nexuschat/internal/chat"
	"nexuschat/internal/imagegen"
	"nexuschat/internal/providers"
)

type State string

const (
	StateIdle              State = "idle"
	StateClassifying       State = "classifying"
	StateImageGenerating   State = "image_generating"
	StateStreamingPrimary  State = "streaming_primary"
	StateStreamingFallback State = "streaming_fallback"
	StateComplete          State = "complete"
	StateCancelled         State = "cancelled"
	StateErrored           State = "errored"
)

// errConsumerGone stops the run when the caller breaks out of the iteration.
var errConsumerGone = errors.New("consumer stopped reading")

type run struct {
	o       *Orchestrator
	ctx     context.Context
	yield   func(chat.StreamUpdate) bool
	log     zerolog.Logger
	started time.Time

	state   State
	mode    chat.Mode
	text    strings.Builder
	thought strings.Builder

	// restartPending is set after primary output was discarded; the next
	// update carries Restarted so the consumer drops what it showed.
	restartPending bool
	done           bool
}

func (r *run) transition(to State) {
	r.log.Debug().Str("from", string(r.state)).Str("to", string(to)).Msg("turn state")
	r.state = to
}

func (r *run) execute(req Request) {
	r.transition(StateClassifying)
	prompt := strings.TrimSpace(req.Prompt)

	isImage := false
	imagePrompt := prompt
	if r.o.cfg.Classifier != nil && prompt != "" {
		d := r.o.cfg.Classifier.Classify(r.ctx, prompt)
		r.o.cfg.Metrics.ObserveClassification(string(d.Source), d.IsImageRequest)
		isImage = d.IsImageRequest
		if strings.TrimSpace(d.RefinedPrompt) != "" {
			imagePrompt = d.RefinedPrompt
		}
	}
	if r.ctx.Err() != nil {
		r.cancelled()
		return
	}

	if isImage {
		r.generateImage(req, imagePrompt)
		return
	}
	r.streamText(req)
}

func (r *run) generateImage(req Request, prompt string) {
	r.mode = chat.ModeImage
	r.transition(StateImageGenerating)
	if r.o.cfg.Images == nil {
		r.failed(ErrImagesDisabled)
		return
	}
	if !r.progress() {
		if !r.done {
			r.cancelled()
		}
		return
	}

	model := req.ImageModel
	if model == "" {
		model = r.o.cfg.ImageModel
	}
	size := req.ImageSize
	if size == "" {
		size = r.o.cfg.ImageSize
	}
	url, err := r.o.cfg.Images.Generate(r.ctx, imagegen.Request{Prompt: prompt, Model: model, Size: size})
	r.o.cfg.Metrics.ObserveImage(err)
	if r.ctx.Err() != nil {
		r.cancelled()
		return
	}
	if err != nil {
		r.log.Warn().Err(err).Msg("image generation failed")
		r.failed(err)
		return
	}
	r.text.WriteString(imagegen.Markdown(prompt, url))
	r.complete()
}

func (r *run) streamText(req Request) {
	policy := r.o.cfg.Policy
	treq := providers.TurnRequest{
		Model:             r.o.textModel(req),
		SystemInstruction: req.SystemInstruction,
		History:           req.History,
		Turn:              BuildTurn(req.Prompt, req.Files),
		MaxTokens:         r.o.cfg.MaxTokens,
		Temperature:       r.o.cfg.Temperature,
	}

	r.transition(StateStreamingPrimary)
	shown, answered, err := r.consume(policy.Primary, treq)
	if errors.Is(err, errConsumerGone) {
		return
	}
	if r.ctx.Err() != nil {
		r.cancelled()
		return
	}
	if err == nil && answered {
		r.complete()
		return
	}
	if err == nil && !policy.EmptyIsFailure {
		r.complete()
		return
	}
	if err == nil {
		err = providers.ErrEmptyStream
	}

	if policy.Fallback == nil {
		r.log.Warn().Err(err).Str("transport", policy.Primary.Name()).Msg("primary transport failed, no fallback configured")
		r.failed(err)
		return
	}

	r.log.Warn().Err(err).
		Str("primary", policy.Primary.Name()).
		Str("fallback", policy.Fallback.Name()).
		Bool("discarded_output", shown).
		Msg("switching to fallback transport")
	r.o.cfg.Metrics.ObserveFallback()
	if shown {
		r.restartPending = true
	}
	r.text.Reset()
	r.thought.Reset()

	r.transition(StateStreamingFallback)
	treq.Model = r.o.fallbackModel(req)
	_, answered, err = r.consume(policy.Fallback, treq)
	if errors.Is(err, errConsumerGone) {
		return
	}
	if r.ctx.Err() != nil {
		r.cancelled()
		return
	}
	if err == nil && !answered && policy.EmptyIsFailure {
		err = providers.ErrEmptyStream
	}
	if err != nil {
		r.log.Warn().Err(err).Str("transport", policy.Fallback.Name()).Msg("fallback transport failed")
		r.failed(err)
		return
	}
	r.complete()
}

// consume drains one transport stream into the run's buffers, yielding a
// progress snapshot per non-empty delta. shown reports any delta on either
// channel; answered only counts answer text, since a stream of pure
// reasoning is still an empty reply.
func (r *run) consume(t providers.Transport, req providers.TurnRequest) (shown, answered bool, err error) {
	for d, err := range t.StreamTurn(r.ctx, req) {
		if err != nil {
			return shown, answered, err
		}
		if d.Text == "" {
			continue
		}
		shown = true
		if d.Channel == providers.ChannelThought {
			r.thought.WriteString(d.Text)
		} else {
			answered = true
			r.text.WriteString(d.Text)
		}
		if !r.progress() {
			if r.done {
				return shown, answered, errConsumerGone
			}
			// Cancelled: the caller inspects ctx and emits the terminal update.
			return shown, answered, r.ctx.Err()
		}
	}
	return shown, answered, nil
}

// progress yields a non-terminal snapshot. It returns false when the run must
// stop: either ctx is done or the consumer stopped reading (r.done).
func (r *run) progress() bool {
	if r.ctx.Err() != nil {
		return false
	}
	u := chat.StreamUpdate{
		Text:      r.text.String(),
		Thought:   r.thought.String(),
		Mode:      r.mode,
		Status:    chat.StatusStreaming,
		Restarted: r.restartPending,
	}
	r.restartPending = false
	if !r.yield(u) {
		r.done = true
		return false
	}
	return true
}

func (r *run) complete() {
	r.transition(StateComplete)
	text := r.text.String()
	if strings.TrimSpace(text) == "" {
		text = NoResponse
	}
	r.finish(chat.StatusComplete, text)
}

func (r *run) cancelled() {
	r.transition(StateCancelled)
	text := r.text.String()
	if strings.TrimSpace(text) == "" {
		text = StoppedSuffix
	} else {
		text += "\n\n" + StoppedSuffix
	}
	r.finish(chat.StatusCancelled, text)
}

func (r *run) failed(err error) {
	r.transition(StateErrored)
	r.finish(chat.StatusError, FormatSystemError(err))
}

func (r *run) finish(status chat.Status, text string) {
	if r.done {
		return
	}
	r.done = true
	r.o.cfg.Metrics.ObserveTurn(string(r.mode), string(status), r.started)
	r.log.Debug().Str("status", string(status)).Dur("elapsed", time.Since(r.started)).Msg("turn finished")
	r.yield(chat.StreamUpdate{
		Text:            text,
		Thought:         r.thought.String(),
		IsComplete:      true,
		Mode:            r.mode,
		Status:          status,
		Restarted:       r.restartPending,
		NewHistoryEntry: &chat.Turn{Role: chat.RoleAssistant, Content: text},
	})
}
