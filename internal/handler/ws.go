package handler

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-control/internal/model"
	"github.com/capitalize-ai/conversation-control/pkg/metrics"
)

const (
	wsWriteWait = 10 * time.Second
	wsReadLimit = 4096
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// WebSocket handles GET /ws/conversation/{conversationId}
// Same query parameters and event sequence as the SSE stream. Client frames
// are ignored apart from close.
func (h *StreamHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parse(w, r, "websocket")
	if !ok {
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()

	conn, err := h.svc.Hub().Subscribe(req.sub)
	if err != nil {
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
		return
	}
	defer h.svc.Hub().Unsubscribe(conn.ConversationID, conn.ID)

	metrics.IncrementStreamConnections("websocket")
	defer metrics.DecrementStreamConnections("websocket")

	log := h.logger.With(
		zap.String("conversation_id", conn.ConversationID),
		zap.String("organization_id", conn.OrganizationID),
		zap.String("connection_id", conn.ID),
		zap.String("agent_id", req.agent.ID))
	log.Info("websocket client connected")

	// Reader: detects the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		ws.SetReadLimit(wsReadLimit)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(e model.Event) error {
		_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return ws.WriteJSON(e)
	}

	first, ok := <-conn.Events()
	if !ok {
		return
	}
	if err := write(first); err != nil {
		return
	}
	if e, ok := h.history(r, req); ok {
		if err := write(e); err != nil {
			return
		}
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-closed:
			log.Info("websocket client disconnected")
			return

		case <-r.Context().Done():
			return

		case e, ok := <-conn.Events():
			if !ok {
				log.Warn("websocket connection closed by hub", zap.String("reason", conn.Reason()))
				_ = ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, conn.Reason()))
				return
			}
			if err := write(e); err != nil {
				log.Info("websocket write failed", zap.Error(err))
				return
			}

		case <-heartbeat.C:
			if err := write(h.svc.Hub().Heartbeat(conn)); err != nil {
				log.Info("websocket heartbeat failed", zap.Error(err))
				return
			}
		}
	}
}
