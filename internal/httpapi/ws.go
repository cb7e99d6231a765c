package httpapi

import (
	"context"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"nexuschat/internal/chat"
)

// wsFrame is both the client request and the server event on /v1/chat/ws.
// Clients send {"type":"submit",...} or {"type":"stop","conversation_id":...};
// the server answers with conversation, update, done and error frames.
type wsFrame struct {
	Type           string              `json:"type"`
	ConversationID string              `json:"conversation_id,omitempty"`
	Persona        string              `json:"persona,omitempty"`
	Prompt         string              `json:"prompt,omitempty"`
	Files          []chat.AttachedFile `json:"files,omitempty"`
	Update         *chat.StreamUpdate  `json:"update,omitempty"`
	Error          string              `json:"error,omitempty"`
}

type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) send(f wsFrame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(f)
}

func (s *Server) chatWS(c *gin.Context) {
	o := owner(c)
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	defer cancel()
	w := &wsWriter{conn: conn}
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		var f wsFrame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Str("owner", o).Msg("websocket read failed")
			}
			cancel()
			return
		}

		switch f.Type {
		case "submit":
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.runWSTurn(ctx, w, o, f)
			}()

		case "stop":
			if _, err := s.store.GetConversation(ctx, o, f.ConversationID); err != nil {
				_ = w.send(wsFrame{Type: "error", ConversationID: f.ConversationID, Error: "conversation not found"})
				continue
			}
			if err := s.sessions.Stop(ctx, f.ConversationID); err != nil {
				_ = w.send(wsFrame{Type: "error", ConversationID: f.ConversationID, Error: "stop signal failed"})
			}

		default:
			_ = w.send(wsFrame{Type: "error", Error: "unknown frame type " + f.Type})
		}
	}
}

func (s *Server) runWSTurn(ctx context.Context, w *wsWriter, owner string, f wsFrame) {
	prepared, conv, err := s.startTurn(ctx, owner, turnRequest{
		ConversationID: f.ConversationID,
		Persona:        f.Persona,
		Prompt:         f.Prompt,
		Files:          f.Files,
	})
	if err != nil {
		_, msg := statusOf(err)
		_ = w.send(wsFrame{Type: "error", ConversationID: f.ConversationID, Error: msg})
		return
	}
	if err := w.send(wsFrame{Type: "conversation", ConversationID: conv.ID, Persona: prepared.Persona()}); err != nil {
		return
	}
	for u := range prepared.Stream(ctx) {
		frame := wsFrame{Type: "update", ConversationID: conv.ID, Update: &u}
		if u.IsComplete {
			frame.Type = "done"
		}
		if err := w.send(frame); err != nil {
			s.logger.Debug().Err(err).Str("conversation_id", conv.ID).Msg("websocket client gone")
			return
		}
		s.metrics.Deliveries.Inc()
	}
}
