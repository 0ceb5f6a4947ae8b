package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/manozpdel/pennywise/internal/agent"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The API has no browser origin policy of its own; deployments put
	// one in front if they serve a web client.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamFrame is one websocket message. Outbound frames carry turn
// progress; the final frame repeats the reply and closes the turn.
type StreamFrame struct {
	Type        string `json:"type"` // tool_start, tool_done, final, error
	Tool        string `json:"tool,omitempty"`
	Observation string `json:"observation,omitempty"`
	Content     string `json:"content,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
}

// handleChatStream runs chat turns over a websocket, pushing tool
// progress as it happens. The client sends ChatRequest frames; each one
// is a turn, and frames for that turn stream back until a final frame.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	logger := s.logger.With("remote", conn.RemoteAddr().String())
	logger.Info("stream connected")

	for {
		var req ChatRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("stream read failed", "error", err)
			}
			return
		}
		if req.Message == "" {
			s.writeFrame(conn, logger, StreamFrame{Type: "error", Content: "message is required"})
			continue
		}

		sessID := req.SessionID
		if sessID == "" {
			sessID = uuid.New().String()
		}
		sess := s.sessions.GetOrCreate(sessID)

		reply, err := s.loop.Run(r.Context(), sess, req.Message, func(ev agent.Event) {
			switch ev.Kind {
			case agent.EventToolStart:
				s.writeFrame(conn, logger, StreamFrame{Type: "tool_start", Tool: ev.Tool})
			case agent.EventToolDone:
				s.writeFrame(conn, logger, StreamFrame{Type: "tool_done", Tool: ev.Tool, Observation: ev.Observation})
			}
		})
		if err != nil {
			var stepErr *agent.ErrStepLimitExceeded
			if !errors.As(err, &stepErr) {
				logger.Error("turn failed", "session", sessID, "error", err)
				s.writeFrame(conn, logger, StreamFrame{Type: "error", Content: "chat failed", SessionID: sessID})
				continue
			}
		}

		s.writeFrame(conn, logger, StreamFrame{Type: "final", Content: reply, SessionID: sessID})
	}
}

func (s *Server) writeFrame(conn *websocket.Conn, logger *slog.Logger, frame StreamFrame) {
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(frame); err != nil {
		logger.Debug("stream write failed", "error", err)
	}
}
