// Package httpapi exposes conversations over HTTP: SSE and WebSocket turn
// streaming, stop, and REST resources for conversations and personas.
package httpapi

import (
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"nexuschat/internal/metrics"
	"nexuschat/internal/queue"
	"nexuschat/internal/session"
	"nexuschat/internal/storage"
)

const (
	userHeader = "X-User-ID"
	ownerKey   = "owner"
)

type Config struct {
	Store        *storage.Store
	Sessions     *session.Service
	Queue        *queue.StreamQueue
	RateLimiter  *queue.RateLimiter
	AllowOrigins []string
	HealthPath   string
	MetricsPath  string
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
}

type Server struct {
	store       *storage.Store
	sessions    *session.Service
	queue       *queue.StreamQueue
	rateLimiter *queue.RateLimiter
	origins     []string
	upgrader    websocket.Upgrader
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	engine      *gin.Engine
}

func New(cfg Config) *Server {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/healthz"
	}
	s := &Server{
		store:       cfg.Store,
		sessions:    cfg.Sessions,
		queue:       cfg.Queue,
		rateLimiter: cfg.RateLimiter,
		origins:     cfg.AllowOrigins,
		logger:      cfg.Logger,
		metrics:     m,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return s.originAllowed(r.Header.Get("Origin")) },
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog(), s.cors())
	r.GET(cfg.HealthPath, func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	if cfg.MetricsPath != "" {
		r.GET(cfg.MetricsPath, gin.WrapH(promhttp.Handler()))
	}

	v1 := r.Group("/v1", s.requireOwner())
	v1.POST("/chat", s.chatSSE)
	v1.GET("/chat/ws", s.chatWS)
	v1.GET("/conversations", s.listConversations)
	v1.POST("/conversations", s.createConversation)
	v1.PATCH("/conversations/:id", s.updateConversation)
	v1.DELETE("/conversations/:id", s.deleteConversation)
	v1.GET("/conversations/:id/messages", s.listMessages)
	v1.POST("/conversations/:id/stop", s.stopConversation)
	v1.POST("/conversations/:id/jobs", s.enqueueTurn)
	v1.GET("/personas", s.listPersonas)
	v1.PUT("/personas/:name", s.putPersona)
	v1.DELETE("/personas/:name", s.deletePersona)
	s.engine = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// requireOwner scopes every request to the caller named by X-User-ID. The
// header is expected to be set by an authenticating proxy in front of the API.
func (s *Server) requireOwner() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(userHeader))
		if id == "" {
			id = strings.TrimSpace(c.Query("user_id"))
		}
		if id == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": userHeader + " header is required"})
			return
		}
		c.Set(ownerKey, "api:"+id)
		c.Next()
	}
}

func owner(c *gin.Context) string {
	return c.GetString(ownerKey)
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(started)).
			Msg("http request")
	}
}

func (s *Server) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	return slices.Contains(s.origins, "*") || slices.Contains(s.origins, origin)
}

func (s *Server) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && len(s.origins) > 0 && s.originAllowed(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Headers", "Content-Type, "+userHeader)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
