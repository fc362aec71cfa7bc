package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/conversation-control/internal/directory"
	"github.com/capitalize-ai/conversation-control/internal/middleware"
	"github.com/capitalize-ai/conversation-control/internal/model"
	"github.com/capitalize-ai/conversation-control/internal/ratelimit"
	"github.com/capitalize-ai/conversation-control/internal/service"
	"github.com/capitalize-ai/conversation-control/internal/sms"
	"github.com/capitalize-ai/conversation-control/internal/webhook"
	"github.com/capitalize-ai/conversation-control/pkg/logger"
)

const (
	testSecret = "test-secret"
	customer   = "+15551230000"
	carrier    = "+15550001111"
)

var (
	bob   = model.Agent{ID: "agent-bob", Name: "bob", OrganizationID: "A"}
	amy   = model.Agent{ID: "agent-amy", Name: "amy", OrganizationID: "A"}
	mallo = model.Agent{ID: "agent-mallory", Name: "mallory", OrganizationID: "B"}
)

type testAPI struct {
	svc    *service.Service
	router http.Handler
}

func newTestAPI(t *testing.T, limits webhook.Limits) *testAPI {
	t.Helper()
	log := logger.NewNop()

	dir, err := directory.NewStatic([]directory.Organization{
		{ID: "A", Numbers: []string{carrier}, Contacts: []directory.Contact{{LeadID: "L1", Name: "Jane", Phone: customer}}},
		{ID: "B", Numbers: []string{"+15550002222"}},
	})
	require.NoError(t, err)

	svc := service.New(service.Deps{Directory: dir, SMS: sms.NewLogSender(log)}, service.Config{}, log)
	t.Cleanup(svc.Close)

	pipeline := webhook.NewPipeline(ratelimit.New(log), nil, log)
	verifiers := WebhookVerifiers{
		Twilio:     webhook.NewTwilioVerifier("", "", log),
		ElevenLabs: webhook.NewElevenLabsVerifier("", log),
		Shopify:    webhook.NewShopifyVerifier("", log),
	}

	return &testAPI{
		svc: svc,
		router: NewRouter(Routes{
			Health:       NewHealthHandler(nil, nil),
			HumanControl: NewHumanControlHandler(svc, nil, log),
			Stream:       NewStreamHandler(svc, time.Hour, nil, log),
			Webhooks:     NewWebhookHandler(pipeline, svc, verifiers, limits, log),
			JWTSecret:    testSecret,
			Logger:       log,
		}),
	}
}

func token(t *testing.T, a model.Agent) string {
	t.Helper()
	tok, err := middleware.IssueToken(a, testSecret, time.Hour)
	require.NoError(t, err)
	return tok
}

func (api *testAPI) do(t *testing.T, agent *model.Agent, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(b))
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if agent != nil {
		req.Header.Set("Authorization", "Bearer "+token(t, *agent))
	}
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestHumanControl_Lifecycle(t *testing.T) {
	api := newTestAPI(t, webhook.DefaultLimits())

	rec, body := api.do(t, &bob, "POST", "/human-control/join", map[string]any{"phoneNumber": "(555) 123-0000"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["success"])
	sess := body["session"].(map[string]any)
	assert.Equal(t, "bob", sess["agentName"])
	assert.Equal(t, "L1", sess["leadId"])

	rec, body = api.do(t, &amy, "POST", "/human-control/join", map[string]any{"phoneNumber": customer})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ALREADY_CONTROLLED", body["code"])
	assert.Equal(t, "bob", body["agentName"])

	rec, _ = api.do(t, &bob, "POST", "/human-control/send-message", map[string]any{"phoneNumber": customer, "message": "hello"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, body = api.do(t, &bob, "GET", "/human-control/status?phoneNumber="+url.QueryEscape(customer), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["humanControlled"])

	rec, body = api.do(t, &bob, "GET", "/human-control/sessions", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["count"])

	rec, body = api.do(t, &bob, "POST", "/human-control/leave", map[string]any{"phoneNumber": customer, "summary": "done"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ended", body["session"].(map[string]any)["status"])

	rec, body = api.do(t, &bob, "POST", "/human-control/leave", map[string]any{"phoneNumber": customer})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "NOT_UNDER_CONTROL", body["code"])
}

func TestHumanControl_RequiresToken(t *testing.T) {
	api := newTestAPI(t, webhook.DefaultLimits())

	rec, _ := api.do(t, nil, "POST", "/human-control/join", map[string]any{"phoneNumber": customer})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest("GET", "/human-control/sessions", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rr := httptest.NewRecorder()
	api.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestHumanControl_IsolationAndValidation(t *testing.T) {
	api := newTestAPI(t, webhook.DefaultLimits())

	rec, body := api.do(t, &mallo, "POST", "/human-control/join", map[string]any{"phoneNumber": customer})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "ORGANIZATION_ISOLATION_VIOLATION", body["code"])

	rec, body = api.do(t, &bob, "POST", "/human-control/send-message", map[string]any{"phoneNumber": customer, "message": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_INPUT", body["code"])

	req := httptest.NewRequest("POST", "/human-control/join", strings.NewReader("{"))
	req.Header.Set("Authorization", "Bearer "+token(t, bob))
	rr := httptest.NewRecorder()
	api.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHumanControl_QueueEndpoints(t *testing.T) {
	api := newTestAPI(t, webhook.DefaultLimits())
	ctx := context.Background()

	_, err := api.svc.Join(ctx, bob, service.JoinRequest{PhoneNumber: customer})
	require.NoError(t, err)
	_, err = api.svc.HandleInboundSMS(ctx, service.InboundSMS{From: customer, To: carrier, Body: "are you there?"})
	require.NoError(t, err)

	rec, body := api.do(t, &bob, "GET", "/human-control/queue?phoneNumber="+url.QueryEscape(customer), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["count"])

	rec, body = api.do(t, &bob, "POST", "/human-control/queue/processed", map[string]any{"phoneNumber": customer})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["processed"])
	assert.Equal(t, float64(0), body["pending"])

	rec, _ = api.do(t, &bob, "GET", "/human-control/handoffs", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWebhook_TwilioSMS(t *testing.T) {
	limits := webhook.DefaultLimits()
	limits.SMS = webhook.Limit{Requests: 1, Window: time.Minute}
	api := newTestAPI(t, limits)

	send := func(sid string) *httptest.ResponseRecorder {
		form := url.Values{"MessageSid": {sid}, "From": {customer}, "To": {carrier}, "Body": {"hi"}}
		req := httptest.NewRequest("POST", "/webhooks/twilio/sms", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		api.router.ServeHTTP(rec, req)
		return rec
	}

	rec := send("SM1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/xml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "<Response>")

	rec = send("SM2")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestWebhook_VoiceHoldsWhenHumanControlled(t *testing.T) {
	api := newTestAPI(t, webhook.DefaultLimits())

	_, err := api.svc.Join(context.Background(), bob, service.JoinRequest{PhoneNumber: customer})
	require.NoError(t, err)

	form := url.Values{"CallSid": {"CA1"}, "From": {customer}, "To": {carrier}, "Direction": {"inbound"}}
	req := httptest.NewRequest("POST", "/webhooks/twilio/voice", strings.NewReader(form.Encode()))
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<Say>")
}

func TestWebhook_UnparsableBody(t *testing.T) {
	api := newTestAPI(t, webhook.DefaultLimits())

	req := httptest.NewRequest("POST", "/webhooks/shopify/orders", strings.NewReader("nope"))
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t, webhook.DefaultLimits())

	for _, path := range []string{"/health", "/ready"} {
		rec := httptest.NewRecorder()
		api.router.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

// readSSE returns the next event type and data from an SSE stream.
func readSSE(t *testing.T, r *bufio.Reader) (string, model.Event) {
	t.Helper()
	var typ string
	var e model.Event
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			typ = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			var raw struct {
				ID             string          `json:"id"`
				Type           model.EventType `json:"type"`
				ConversationID string          `json:"conversationId"`
				OrganizationID string          `json:"organizationId"`
			}
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &raw))
			e = model.Event{ID: raw.ID, Type: raw.Type, ConversationID: raw.ConversationID, OrganizationID: raw.OrganizationID}
		case line == "":
			if typ != "" {
				return typ, e
			}
		}
	}
}

func TestStream_SSE(t *testing.T) {
	api := newTestAPI(t, webhook.DefaultLimits())
	srv := httptest.NewServer(api.router)
	t.Cleanup(srv.Close)

	_, err := api.svc.HandleInboundSMS(context.Background(), service.InboundSMS{From: customer, To: carrier, Body: "earlier"})
	require.NoError(t, err)
	api.svc.Wait()

	u := srv.URL + "/stream/conversation/L1?load=true&phoneNumber=" + url.QueryEscape(customer) + "&token=" + token(t, bob)
	resp, err := http.Get(u)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	typ, e := readSSE(t, r)
	assert.Equal(t, "connected", typ)
	assert.Equal(t, "A", e.OrganizationID)

	typ, _ = readSSE(t, r)
	assert.Equal(t, "conversation_history", typ)

	_, err = api.svc.Join(context.Background(), bob, service.JoinRequest{PhoneNumber: customer})
	require.NoError(t, err)

	typ, e = readSSE(t, r)
	assert.Equal(t, "human_control_started", typ)
	assert.Equal(t, "L1", e.ConversationID)
}

func TestStream_RejectsOtherOrganization(t *testing.T) {
	api := newTestAPI(t, webhook.DefaultLimits())

	req := httptest.NewRequest("GET", "/stream/conversation/L1?organizationId=A&token="+token(t, mallo), nil)
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest("GET", "/stream/conversation/L1", nil)
	rec = httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
