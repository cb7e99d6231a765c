package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"nexuschat/internal/storage"
)

var timeNow = func() time.Time { return time.Now().UTC() }

const maxListLimit = 200

type conversationRequest struct {
	Title   *string `json:"title"`
	Persona *string `json:"persona"`
}

type personaRequest struct {
	SystemPrompt string `json:"system_prompt" binding:"required"`
	Model        string `json:"model"`
}

func writeStoreError(c *gin.Context, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func limitParam(c *gin.Context, def int) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return min(n, maxListLimit)
}

func (s *Server) listConversations(c *gin.Context) {
	convs, err := s.store.ListConversations(c.Request.Context(), owner(c), limitParam(c, 50))
	if err != nil {
		s.logger.Error().Err(err).Msg("list conversations failed")
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

func (s *Server) createConversation(c *gin.Context) {
	var req conversationRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	persona := ""
	if req.Persona != nil {
		persona = strings.TrimSpace(*req.Persona)
	}
	ctx := c.Request.Context()
	conv, err := s.conversationFor(ctx, owner(c), "", persona)
	if err != nil {
		status, msg := statusOf(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	if req.Title != nil && strings.TrimSpace(*req.Title) != "" {
		if err := s.store.RenameConversation(ctx, owner(c), conv.ID, *req.Title); err != nil {
			writeStoreError(c, err)
			return
		}
		conv.Title = strings.TrimSpace(*req.Title)
	}
	c.JSON(http.StatusCreated, conv)
}

func (s *Server) updateConversation(c *gin.Context) {
	var req conversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	o, id := owner(c), c.Param("id")
	if req.Title != nil {
		if err := s.store.RenameConversation(ctx, o, id, *req.Title); err != nil {
			writeStoreError(c, err)
			return
		}
	}
	if req.Persona != nil {
		name := strings.TrimSpace(*req.Persona)
		if name != "" {
			if _, err := s.store.GetPersona(ctx, o, name); err != nil {
				writeStoreError(c, err)
				return
			}
		}
		if err := s.store.SetConversationPersona(ctx, o, id, name); err != nil {
			writeStoreError(c, err)
			return
		}
	}
	conv, err := s.store.GetConversation(ctx, o, id)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (s *Server) deleteConversation(c *gin.Context) {
	if err := s.store.DeleteConversation(c.Request.Context(), owner(c), c.Param("id")); err != nil {
		writeStoreError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listMessages(c *gin.Context) {
	ctx := c.Request.Context()
	conv, err := s.store.GetConversation(ctx, owner(c), c.Param("id"))
	if err != nil {
		writeStoreError(c, err)
		return
	}
	msgs, err := s.store.Messages(ctx, conv.ID, limitParam(c, 100))
	if err != nil {
		s.logger.Error().Err(err).Msg("list messages failed")
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv, "messages": msgs})
}

func (s *Server) listPersonas(c *gin.Context) {
	personas, err := s.store.ListPersonas(c.Request.Context(), owner(c))
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"personas": personas})
}

func (s *Server) putPersona(c *gin.Context) {
	name := c.Param("name")
	if !personaName(name) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "persona names use letters, digits, _ or -, max 32"})
		return
	}
	var req personaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p := storage.Persona{Owner: owner(c), Name: name, SystemPrompt: req.SystemPrompt, Model: strings.TrimSpace(req.Model)}
	if err := s.store.UpsertPersona(c.Request.Context(), p); err != nil {
		s.logger.Error().Err(err).Msg("upsert persona failed")
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) deletePersona(c *gin.Context) {
	if err := s.store.DeletePersona(c.Request.Context(), owner(c), c.Param("name")); err != nil {
		writeStoreError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func personaName(name string) bool {
	if name == "" || len(name) > 32 {
		return false
	}
	for _, r := range name {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-') {
			return false
		}
	}
	return true
}
