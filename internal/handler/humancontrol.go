package handler

import (
	"context"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-control/internal/middleware"
	"github.com/capitalize-ai/conversation-control/internal/model"
	natsclient "github.com/capitalize-ai/conversation-control/internal/nats"
	"github.com/capitalize-ai/conversation-control/internal/service"
	"github.com/capitalize-ai/conversation-control/pkg/logger"
)

// HandoffLister reads recorded handoff events. Implemented by
// nats.StreamManager.
type HandoffLister interface {
	Handoffs(ctx context.Context, organizationID, conversationID string, limit int) ([]natsclient.HandoffRecord, error)
}

// HumanControlHandler serves the agent takeover API.
type HumanControlHandler struct {
	svc      *service.Service
	handoffs HandoffLister
	logger   *logger.Logger
}

// NewHumanControlHandler creates a handler. handoffs may be nil when no
// event log is configured.
func NewHumanControlHandler(svc *service.Service, handoffs HandoffLister, log *logger.Logger) *HumanControlHandler {
	return &HumanControlHandler{
		svc:      svc,
		handoffs: handoffs,
		logger:   logger.OrGlobal(log).Component("human_control"),
	}
}

func (h *HumanControlHandler) agent(w http.ResponseWriter, r *http.Request) (model.Agent, bool) {
	agent, ok := middleware.GetAgent(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, service.ErrorAuthentication, "authentication required")
		return model.Agent{}, false
	}
	return agent, true
}

// Join handles POST /human-control/join
func (h *HumanControlHandler) Join(w http.ResponseWriter, r *http.Request) {
	agent, ok := h.agent(w, r)
	if !ok {
		return
	}
	var req service.JoinRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.CustomMessage != "" {
		if err := middleware.ValidateMessageContent(req.CustomMessage); err != nil {
			writeError(w, http.StatusBadRequest, service.ErrorInvalidInput, err.Error())
			return
		}
	}

	sess, err := h.svc.Join(r.Context(), agent, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"session": sess,
	})
}

// SendMessage handles POST /human-control/send-message
func (h *HumanControlHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	agent, ok := h.agent(w, r)
	if !ok {
		return
	}
	var req service.SendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := middleware.ValidateMessageContent(req.Message); err != nil {
		writeError(w, http.StatusBadRequest, service.ErrorInvalidInput, err.Error())
		return
	}

	res, err := h.svc.SendMessage(r.Context(), agent, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	body := map[string]any{
		"success":  true,
		"session":  res.Session,
		"message":  res.Message,
		"delivery": res.Delivery,
	}
	if res.DeliveryError != "" {
		body["deliveryError"] = res.DeliveryError
	}
	writeJSON(w, http.StatusOK, body)
}

// Leave handles POST /human-control/leave
func (h *HumanControlHandler) Leave(w http.ResponseWriter, r *http.Request) {
	agent, ok := h.agent(w, r)
	if !ok {
		return
	}
	var req service.LeaveRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.svc.Leave(r.Context(), agent, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":             true,
		"session":             res.Session,
		"unprocessedMessages": res.UnprocessedMessages,
	})
}

// Status handles GET /human-control/status?phoneNumber=
func (h *HumanControlHandler) Status(w http.ResponseWriter, r *http.Request) {
	agent, ok := h.agent(w, r)
	if !ok {
		return
	}
	res, err := h.svc.Status(r.Context(), agent, r.URL.Query().Get("phoneNumber"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Sessions handles GET /human-control/sessions
func (h *HumanControlHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	agent, ok := h.agent(w, r)
	if !ok {
		return
	}
	sessions := h.svc.MySessions(agent)
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// Queue handles GET /human-control/queue?phoneNumber=&includeProcessed=
func (h *HumanControlHandler) Queue(w http.ResponseWriter, r *http.Request) {
	agent, ok := h.agent(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	includeProcessed, _ := strconv.ParseBool(q.Get("includeProcessed"))

	msgs, err := h.svc.Queue(r.Context(), agent, q.Get("phoneNumber"), includeProcessed)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": msgs,
		"count":    len(msgs),
	})
}

type markProcessedRequest struct {
	PhoneNumber string   `json:"phoneNumber"`
	MessageIDs  []string `json:"messageIds,omitempty"`
}

// MarkProcessed handles POST /human-control/queue/processed
func (h *HumanControlHandler) MarkProcessed(w http.ResponseWriter, r *http.Request) {
	agent, ok := h.agent(w, r)
	if !ok {
		return
	}
	var req markProcessedRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.svc.MarkProcessed(r.Context(), agent, req.PhoneNumber, req.MessageIDs)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Handoffs handles GET /human-control/handoffs?conversationId=&limit=
func (h *HumanControlHandler) Handoffs(w http.ResponseWriter, r *http.Request) {
	agent, ok := h.agent(w, r)
	if !ok {
		return
	}
	if h.handoffs == nil {
		writeError(w, http.StatusServiceUnavailable, service.ErrorInternal, "handoff log is not configured")
		return
	}

	q := r.URL.Query()
	convID := q.Get("conversationId")
	if convID != "" {
		if err := middleware.ValidateConversationID(convID); err != nil {
			writeError(w, http.StatusBadRequest, service.ErrorInvalidInput, err.Error())
			return
		}
	}
	limit := 50
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 && v <= 500 {
		limit = v
	}

	records, err := h.handoffs.Handoffs(r.Context(), agent.OrganizationID, convID, limit)
	if err != nil {
		h.logger.Error("failed to read handoff log",
			zap.String("organization_id", agent.OrganizationID),
			zap.Error(err))
		writeError(w, http.StatusBadGateway, service.ErrorTransientProvider, "failed to read handoff log")
		return
	}
	if records == nil {
		records = []natsclient.HandoffRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"handoffs": records,
		"count":    len(records),
	})
}
