package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/conversation-control/internal/model"
	"github.com/capitalize-ai/conversation-control/pkg/logger"
)

var agent = model.Agent{ID: "agent-1", Name: "Bob", OrganizationID: "org-a"}

func TestAuth(t *testing.T) {
	tok, err := IssueToken(agent, "secret", time.Hour)
	require.NoError(t, err)

	var got model.Agent
	h := Auth("secret", logger.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = GetAgent(r.Context())
	}))

	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{name: "bearer header", header: "Bearer " + tok, want: http.StatusOK},
		{name: "query token", query: "?token=" + tok, want: http.StatusOK},
		{name: "missing", want: http.StatusUnauthorized},
		{name: "bad scheme", header: "Basic " + tok, want: http.StatusUnauthorized},
		{name: "wrong secret", header: "Bearer " + mustToken(t, agent, "other"), want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got = model.Agent{}
			req := httptest.NewRequest("GET", "/x"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusOK {
				assert.Equal(t, agent, got)
			}
		})
	}
}

func mustToken(t *testing.T, a model.Agent, secret string) string {
	t.Helper()
	tok, err := IssueToken(a, secret, time.Hour)
	require.NoError(t, err)
	return tok
}

func TestParseToken_RejectsIncompleteClaims(t *testing.T) {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Name: "nobody"}).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = ParseToken(tok, "secret")
	assert.Error(t, err)

	expired, err := IssueToken(agent, "secret", -time.Minute)
	require.NoError(t, err)
	_, err = ParseToken(expired, "secret")
	assert.Error(t, err)
}

func TestLogging_CorrelationID(t *testing.T) {
	var seen string
	h := Logging(logger.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetCorrelationID(r.Context())
		_, ok := w.(http.Flusher)
		assert.True(t, ok, "wrapped writer keeps Flush for streams")
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(HeaderCorrelationID, "corr-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "corr-1", seen)
	assert.Equal(t, "corr-1", rec.Header().Get(HeaderCorrelationID))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	assert.NotEmpty(t, rec.Header().Get(HeaderCorrelationID))
}

func TestValidateMessageContent(t *testing.T) {
	assert.NoError(t, ValidateMessageContent("hello"))
	assert.Error(t, ValidateMessageContent(""))
	long := make([]rune, maxMessageLength+1)
	for i := range long {
		long[i] = 'a'
	}
	assert.Error(t, ValidateMessageContent(string(long)))
	assert.Error(t, ValidateMessageContent(string([]byte{0xff})))
}
