package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-control/internal/broadcast"
	"github.com/capitalize-ai/conversation-control/internal/middleware"
	"github.com/capitalize-ai/conversation-control/internal/model"
	"github.com/capitalize-ai/conversation-control/internal/service"
	"github.com/capitalize-ai/conversation-control/pkg/logger"
	"github.com/capitalize-ai/conversation-control/pkg/metrics"
)

// StreamHandler handles live conversation streams.
type StreamHandler struct {
	svc       *service.Service
	heartbeat time.Duration
	upgrader  websocket.Upgrader
	logger    *logger.Logger
}

// NewStreamHandler creates a new stream handler. allowedOrigins limits
// browser WebSocket origins; empty allows any.
func NewStreamHandler(svc *service.Service, heartbeat time.Duration, allowedOrigins []string, log *logger.Logger) *StreamHandler {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &StreamHandler{
		svc:       svc,
		heartbeat: heartbeat,
		upgrader:  makeUpgrader(allowedOrigins),
		logger:    logger.OrGlobal(log).Component("stream"),
	}
}

// streamRequest is the validated subscription for either transport.
type streamRequest struct {
	agent        model.Agent
	sub          broadcast.Subscription
	loadHistory  bool
	historyPhone string
}

// parse authorizes a stream request. A requested organization other than
// the agent's own is an isolation violation.
func (h *StreamHandler) parse(w http.ResponseWriter, r *http.Request, transport string) (streamRequest, bool) {
	agent, ok := middleware.GetAgent(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, service.ErrorAuthentication, "authentication required")
		return streamRequest{}, false
	}

	conversationID := chi.URLParam(r, "conversationId")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, service.ErrorInvalidInput, err.Error())
		return streamRequest{}, false
	}

	q := r.URL.Query()
	if org := q.Get("organizationId"); org != "" && org != agent.OrganizationID {
		metrics.IsolationViolations.WithLabelValues(transport).Inc()
		h.logger.Security("stream requested for another organization",
			zap.String("agent_id", agent.ID),
			zap.String("agent_organization_id", agent.OrganizationID),
			zap.String("requested_organization_id", org),
			zap.String("conversation_id", conversationID))
		writeError(w, http.StatusForbidden, service.ErrorIsolationViolation, "organization mismatch")
		return streamRequest{}, false
	}

	req := streamRequest{
		agent: agent,
		sub: broadcast.Subscription{
			ConversationID: conversationID,
			OrganizationID: agent.OrganizationID,
		},
	}
	if phone := q.Get("phoneNumber"); phone != "" {
		normalized, err := model.NormalizePhone(phone)
		if err != nil {
			writeError(w, http.StatusBadRequest, service.ErrorInvalidInput, "phoneNumber is invalid")
			return streamRequest{}, false
		}
		req.sub.PhoneNumber = normalized
		req.historyPhone = normalized
	}
	req.loadHistory, _ = strconv.ParseBool(q.Get("load"))
	return req, true
}

// history builds the conversation_history event when requested.
func (h *StreamHandler) history(r *http.Request, req streamRequest) (model.Event, bool) {
	if !req.loadHistory || req.historyPhone == "" {
		return model.Event{}, false
	}
	payload, err := h.svc.ConversationHistory(r.Context(), req.agent, req.historyPhone)
	if err != nil {
		h.logger.Warn("history not sent",
			zap.String("conversation_id", req.sub.ConversationID),
			zap.Error(err))
		return model.Event{}, false
	}
	e := model.NewEvent(req.sub.ConversationID, req.sub.OrganizationID, req.sub.PhoneNumber, payload)
	return h.svc.Hub().Stamp(e), true
}

// Stream handles GET /stream/conversation/{conversationId}
// Query: phoneNumber, organizationId, load=true to replay history.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parse(w, r, "sse")
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, service.ErrorInternal, "streaming not supported")
		return
	}

	conn, err := h.svc.Hub().Subscribe(req.sub)
	if err != nil {
		writeError(w, http.StatusBadRequest, service.ErrorInvalidInput, err.Error())
		return
	}
	defer h.svc.Hub().Unsubscribe(conn.ConversationID, conn.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)

	metrics.IncrementStreamConnections("sse")
	defer metrics.DecrementStreamConnections("sse")

	log := h.logger.With(
		zap.String("conversation_id", conn.ConversationID),
		zap.String("organization_id", conn.OrganizationID),
		zap.String("connection_id", conn.ID),
		zap.String("agent_id", req.agent.ID))
	log.Info("SSE client connected")

	// The connected event is already queued on the connection; history goes
	// right after it.
	first, ok := <-conn.Events()
	if !ok {
		return
	}
	if err := sendSSEEvent(w, flusher, first); err != nil {
		return
	}
	if e, ok := h.history(r, req); ok {
		if err := sendSSEEvent(w, flusher, e); err != nil {
			return
		}
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			log.Info("SSE client disconnected")
			return

		case e, ok := <-conn.Events():
			if !ok {
				log.Warn("SSE connection closed by hub", zap.String("reason", conn.Reason()))
				return
			}
			if err := sendSSEEvent(w, flusher, e); err != nil {
				log.Info("SSE write failed", zap.Error(err))
				return
			}

		case <-heartbeat.C:
			if err := sendSSEEvent(w, flusher, h.svc.Hub().Heartbeat(conn)); err != nil {
				log.Info("SSE heartbeat failed", zap.Error(err))
				return
			}
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, e model.Event) error {
	jsonData, err := json.Marshal(e)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\nid: %s\ndata: %s\n\n", e.Type, e.ID, jsonData); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
