// Package session runs persisted chat turns: it resolves the conversation,
// persona and history, records the user turn, streams the orchestrator and
// stores the terminal entry. It also owns the per-conversation gate and the
// stop signal for the turn.
package session

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/rs/zerolog"

	"nexuschat/internal/chat"
	"nexuschat/internal/orchestrator"
	"nexuschat/internal/queue"
	"nexuschat/internal/storage"
)

var ErrEmptyPrompt = errors.New("prompt is empty")

type Streamer interface {
	Stream(ctx context.Context, req orchestrator.Request) iter.Seq[chat.StreamUpdate]
}

// Resolver picks the orchestrator for an owner (for example one bound to the
// owner's own API key).
type Resolver interface {
	For(ctx context.Context, owner string) (Streamer, error)
}

type Config struct {
	Store        *storage.Store
	Engine       Resolver
	Gate         *queue.TurnGate
	Cancel       *queue.CancelBus
	SystemPrompt string
	HistoryLimit int
	Logger       zerolog.Logger
}

type Service struct {
	store        *storage.Store
	engine       Resolver
	gate         *queue.TurnGate
	cancel       *queue.CancelBus
	systemPrompt string
	historyLimit int
	logger       zerolog.Logger
}

func New(cfg Config) *Service {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 40
	}
	return &Service{
		store:        cfg.Store,
		engine:       cfg.Engine,
		gate:         cfg.Gate,
		cancel:       cfg.Cancel,
		systemPrompt: cfg.SystemPrompt,
		historyLimit: cfg.HistoryLimit,
		logger:       cfg.Logger,
	}
}

type Turn struct {
	Owner          string
	ConversationID string
	Prompt         string
	Files          []chat.AttachedFile
	GateToken      string
}

// Acquire takes the conversation gate. It returns queue.ErrBusy while another
// turn of the same conversation is in flight.
func (s *Service) Acquire(ctx context.Context, conversationID string) (string, error) {
	if s.gate == nil {
		return "", nil
	}
	return s.gate.Acquire(ctx, conversationID)
}

func (s *Service) Release(ctx context.Context, conversationID, token string) {
	if s.gate == nil || token == "" {
		return
	}
	if err := s.gate.Release(ctx, conversationID, token); err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("failed to release turn gate")
	}
}

// Stop cancels the running turn of a conversation on whichever replica runs it.
func (s *Service) Stop(ctx context.Context, conversationID string) error {
	if s.cancel == nil {
		return nil
	}
	return s.cancel.Stop(ctx, conversationID)
}

// Prepared is a turn whose user message is stored and whose context is
// resolved; Stream runs it.
type Prepared struct {
	svc     *Service
	turn    Turn
	req     orchestrator.Request
	persona string
	engine  Streamer
}

func (p *Prepared) Persona() string {
	return p.persona
}

// Prepare validates and records the user turn. Errors returned here leave no
// trace in storage, so callers may retry.
func (s *Service) Prepare(ctx context.Context, t Turn) (*Prepared, error) {
	if strings.TrimSpace(t.Prompt) == "" && len(t.Files) == 0 {
		return nil, ErrEmptyPrompt
	}
	conv, err := s.store.GetConversation(ctx, t.Owner, t.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}

	req := orchestrator.Request{
		SystemInstruction: s.systemPrompt,
		Prompt:            t.Prompt,
		Files:             t.Files,
	}
	if conv.Persona != "" {
		persona, err := s.store.GetPersona(ctx, t.Owner, conv.Persona)
		switch {
		case err == nil:
			if strings.TrimSpace(persona.SystemPrompt) != "" {
				req.SystemInstruction = persona.SystemPrompt
			}
			req.TextModel = persona.Model
		case errors.Is(err, storage.ErrNotFound):
			s.logger.Warn().Str("conversation_id", conv.ID).Str("persona", conv.Persona).Msg("persona no longer exists, using default")
		default:
			return nil, fmt.Errorf("load persona: %w", err)
		}
	}

	history, err := s.store.History(ctx, conv.ID, s.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	req.History = history

	engine, err := s.engine.For(ctx, t.Owner)
	if err != nil {
		return nil, fmt.Errorf("resolve orchestrator: %w", err)
	}

	if _, err := s.store.AppendMessage(ctx, storage.Message{
		ConversationID: conv.ID,
		Role:           chat.RoleUser,
		Content:        userContent(t.Prompt, t.Files),
	}); err != nil {
		return nil, fmt.Errorf("store user turn: %w", err)
	}

	return &Prepared{svc: s, turn: t, req: req, persona: conv.Persona, engine: engine}, nil
}

// Stream runs the turn. The terminal update is persisted before it is
// yielded. The gate taken for the turn is released when the stream ends.
func (p *Prepared) Stream(ctx context.Context) iter.Seq[chat.StreamUpdate] {
	return func(yield func(chat.StreamUpdate) bool) {
		s := p.svc
		turnCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if s.cancel != nil {
			unregister := s.cancel.Register(p.turn.ConversationID, cancel)
			defer unregister()
		}
		defer s.Release(context.WithoutCancel(ctx), p.turn.ConversationID, p.turn.GateToken)

		log := s.logger.With().Str("conversation_id", p.turn.ConversationID).Str("owner", p.turn.Owner).Logger()
		for u := range p.engine.Stream(turnCtx, p.req) {
			if u.IsComplete && u.NewHistoryEntry != nil {
				if _, err := s.store.AppendMessage(context.WithoutCancel(ctx), storage.Message{
					ConversationID: p.turn.ConversationID,
					Role:           u.NewHistoryEntry.Role,
					Content:        u.NewHistoryEntry.Content,
					Thought:        u.Thought,
					Mode:           u.Mode,
					Status:         u.Status,
				}); err != nil {
					log.Error().Err(err).Msg("failed to store assistant turn")
				}
				log.Info().Str("status", string(u.Status)).Str("mode", string(u.Mode)).Msg("turn finished")
			}
			if !yield(u) {
				return
			}
		}
	}
}

// userContent is the stored form of a user turn: the prompt plus a note of
// the attachments, which are not persisted.
func userContent(prompt string, files []chat.AttachedFile) string {
	if len(files) == 0 {
		return prompt
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		if f.Name != "" {
			names = append(names, f.Name)
		}
	}
	if len(names) == 0 {
		return prompt
	}
	note := "[attached: " + strings.Join(names, ", ") + "]"
	if strings.TrimSpace(prompt) == "" {
		return note
	}
	return prompt + "\n\n" + note
}
