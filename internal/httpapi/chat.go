package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"nexuschat/internal/chat"
	"nexuschat/internal/queue"
	"nexuschat/internal/session"
	"nexuschat/internal/storage"
)

type turnRequest struct {
	ConversationID string              `json:"conversation_id"`
	Persona        string              `json:"persona"`
	Prompt         string              `json:"prompt"`
	Files          []chat.AttachedFile `json:"files"`
}

// apiError carries the HTTP status for a failed turn start.
type apiError struct {
	status int
	msg    string
}

func (e *apiError) Error() string { return e.msg }

func statusOf(err error) (int, string) {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.status, ae.msg
	}
	return http.StatusInternalServerError, "internal error"
}

// startTurn resolves or creates the conversation, takes its gate and stores
// the user turn.
func (s *Server) startTurn(ctx context.Context, owner string, req turnRequest) (*session.Prepared, storage.Conversation, error) {
	if strings.TrimSpace(req.Prompt) == "" && len(req.Files) == 0 {
		return nil, storage.Conversation{}, &apiError{http.StatusBadRequest, "prompt is required"}
	}
	if err := s.checkRate(ctx, owner); err != nil {
		return nil, storage.Conversation{}, err
	}

	conv, err := s.conversationFor(ctx, owner, req.ConversationID, req.Persona)
	if err != nil {
		return nil, storage.Conversation{}, err
	}

	token, err := s.sessions.Acquire(ctx, conv.ID)
	if errors.Is(err, queue.ErrBusy) {
		return nil, conv, &apiError{http.StatusConflict, "a turn is already running in this conversation"}
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("turn gate failed")
		return nil, conv, &apiError{http.StatusServiceUnavailable, "turn gate unavailable"}
	}

	prepared, err := s.sessions.Prepare(ctx, session.Turn{
		Owner:          owner,
		ConversationID: conv.ID,
		Prompt:         req.Prompt,
		Files:          req.Files,
		GateToken:      token,
	})
	if err != nil {
		s.sessions.Release(context.WithoutCancel(ctx), conv.ID, token)
		switch {
		case errors.Is(err, session.ErrEmptyPrompt):
			return nil, conv, &apiError{http.StatusBadRequest, "prompt is required"}
		case errors.Is(err, storage.ErrNotFound):
			return nil, conv, &apiError{http.StatusNotFound, "conversation not found"}
		}
		s.logger.Error().Err(err).Str("conversation_id", conv.ID).Msg("prepare turn failed")
		return nil, conv, err
	}
	return prepared, conv, nil
}

func (s *Server) conversationFor(ctx context.Context, owner, id, persona string) (storage.Conversation, error) {
	if id == "" {
		if persona != "" {
			if _, err := s.store.GetPersona(ctx, owner, persona); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return storage.Conversation{}, &apiError{http.StatusNotFound, "persona not found"}
				}
				return storage.Conversation{}, err
			}
		}
		return s.store.CreateConversation(ctx, owner, persona)
	}
	conv, err := s.store.GetConversation(ctx, owner, id)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Conversation{}, &apiError{http.StatusNotFound, "conversation not found"}
	}
	return conv, err
}

func (s *Server) checkRate(ctx context.Context, owner string) error {
	if s.rateLimiter == nil {
		return nil
	}
	ok, _, resetAt, err := s.rateLimiter.Allow(ctx, owner, timeNow())
	if err != nil {
		s.logger.Error().Err(err).Msg("rate limiter failed")
		return nil
	}
	if !ok {
		return &apiError{http.StatusTooManyRequests, "rate limit exceeded, retry after " + resetAt.Format("15:04 UTC")}
	}
	return nil
}

// chatSSE streams one turn as server-sent events: a "conversation" event with
// the conversation id, "update" per snapshot and a final "done".
func (s *Server) chatSSE(c *gin.Context) {
	var req turnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	prepared, conv, err := s.startTurn(ctx, owner(c), req)
	if err != nil {
		status, msg := statusOf(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("conversation", gin.H{"conversation_id": conv.ID, "persona": prepared.Persona()})
	c.Writer.Flush()

	for u := range prepared.Stream(ctx) {
		event := "update"
		if u.IsComplete {
			event = "done"
		}
		c.SSEvent(event, u)
		c.Writer.Flush()
		s.metrics.Deliveries.Inc()
	}
}

// enqueueTurn hands the turn to the worker pool; the answer is stored on the
// conversation and can be read from its messages.
func (s *Server) enqueueTurn(c *gin.Context) {
	if s.queue == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "queue is not configured"})
		return
	}
	var req turnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	o := owner(c)
	if strings.TrimSpace(req.Prompt) == "" && len(req.Files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
		return
	}
	if err := s.checkRate(ctx, o); err != nil {
		status, msg := statusOf(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	conv, err := s.conversationFor(ctx, o, c.Param("id"), "")
	if err != nil {
		status, msg := statusOf(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	token, err := s.sessions.Acquire(ctx, conv.ID)
	if errors.Is(err, queue.ErrBusy) {
		c.JSON(http.StatusConflict, gin.H{"error": "a turn is already running in this conversation"})
		return
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "turn gate unavailable"})
		return
	}
	jobID := uuid.NewString()
	_, err = s.queue.Enqueue(ctx, queue.TurnJob{
		JobID:          jobID,
		Source:         queue.SourceAPI,
		Owner:          o,
		ConversationID: conv.ID,
		Persona:        conv.Persona,
		Prompt:         req.Prompt,
		Files:          req.Files,
		GateToken:      token,
	})
	if err != nil {
		s.sessions.Release(context.WithoutCancel(ctx), conv.ID, token)
		s.logger.Error().Err(err).Msg("failed to enqueue turn")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue unavailable"})
		return
	}
	s.metrics.EnqueuedJobs.Inc()
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID, "conversation_id": conv.ID})
}

func (s *Server) stopConversation(c *gin.Context) {
	ctx := c.Request.Context()
	conv, err := s.store.GetConversation(ctx, owner(c), c.Param("id"))
	if err != nil {
		writeStoreError(c, err)
		return
	}
	if err := s.sessions.Stop(ctx, conv.ID); err != nil {
		s.logger.Error().Err(err).Str("conversation_id", conv.ID).Msg("stop failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stop signal failed"})
		return
	}
	c.Status(http.StatusAccepted)
}
