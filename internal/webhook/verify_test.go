package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/conversation-control/pkg/logger"
)

func twilioSignature(token, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func elevenLabsHeader(secret string, ts int64, body []byte) string {
	t := fmt.Sprint(ts)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(t + "." + string(body)))
	return "t=" + t + ",v0=" + hex.EncodeToString(mac.Sum(nil))
}

func TestTwilioVerifier(t *testing.T) {
	form := url.Values{"From": {"+15551230000"}, "To": {"+15550001111"}, "Body": {"hi"}, "MessageSid": {"SM1"}}
	body := []byte(form.Encode())
	v := NewTwilioVerifier("secret-token", "https://hooks.example.com", logger.NewNop())

	req := httptest.NewRequest("POST", "/webhooks/twilio/sms", strings.NewReader(string(body)))
	req.Header.Set(HeaderTwilioSignature, twilioSignature("secret-token", "https://hooks.example.com/webhooks/twilio/sms", form))
	assert.NoError(t, v.Verify(req, body))

	req.Header.Set(HeaderTwilioSignature, twilioSignature("other-token", "https://hooks.example.com/webhooks/twilio/sms", form))
	assert.True(t, errors.Is(v.Verify(req, body), ErrInvalidSignature))

	req.Header.Del(HeaderTwilioSignature)
	assert.True(t, errors.Is(v.Verify(req, body), ErrInvalidSignature))
}

func TestTwilioVerifier_URLFromForwardedHeaders(t *testing.T) {
	form := url.Values{"From": {"+15551230000"}}
	body := []byte(form.Encode())
	v := NewTwilioVerifier("tok", "", logger.NewNop())

	req := httptest.NewRequest("POST", "/webhooks/twilio/sms?x=1", strings.NewReader(string(body)))
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("X-Forwarded-Host", "public.example.com")
	req.Header.Set(HeaderTwilioSignature, twilioSignature("tok", "https://public.example.com/webhooks/twilio/sms?x=1", form))
	assert.NoError(t, v.Verify(req, body))
}

func TestVerifiers_EmptySecretSkips(t *testing.T) {
	req := httptest.NewRequest("POST", "/", nil)
	assert.NoError(t, NewTwilioVerifier("", "", logger.NewNop()).Verify(req, nil))
	assert.NoError(t, NewElevenLabsVerifier("", logger.NewNop()).Verify(req, nil))
	assert.NoError(t, NewShopifyVerifier("", logger.NewNop()).Verify(req, nil))
}

func TestElevenLabsVerifier(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := NewElevenLabsVerifier("whsec", logger.NewNop()).WithClock(func() time.Time { return now })
	body := []byte(`{"type":"post_call_transcription"}`)

	tests := []struct {
		name    string
		header  string
		value   string
		wantErr bool
	}{
		{name: "valid", header: HeaderElevenLabsSignature, value: elevenLabsHeader("whsec", now.Unix(), body)},
		{name: "legacy header", header: HeaderXISignature, value: elevenLabsHeader("whsec", now.Add(-10*time.Minute).Unix(), body)},
		{name: "expired", header: HeaderElevenLabsSignature, value: elevenLabsHeader("whsec", now.Add(-31*time.Minute).Unix(), body), wantErr: true},
		{name: "slightly ahead", header: HeaderElevenLabsSignature, value: elevenLabsHeader("whsec", now.Add(2*time.Minute).Unix(), body)},
		{name: "far future", header: HeaderElevenLabsSignature, value: elevenLabsHeader("whsec", now.Add(24*time.Hour).Unix(), body), wantErr: true},
		{name: "wrong secret", header: HeaderElevenLabsSignature, value: elevenLabsHeader("nope", now.Unix(), body), wantErr: true},
		{name: "malformed", header: HeaderElevenLabsSignature, value: "garbage", wantErr: true},
		{name: "missing", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/webhooks/elevenlabs", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			err := v.Verify(req, body)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidSignature), "got %v", err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestShopifyVerifier(t *testing.T) {
	body := []byte(`{"id":1}`)
	mac := hmac.New(sha256.New, []byte("shpss"))
	mac.Write(body)
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	v := NewShopifyVerifier("shpss", logger.NewNop())
	req := httptest.NewRequest("POST", "/webhooks/shopify/orders", nil)
	req.Header.Set(HeaderShopifyHmac, sig)
	require.NoError(t, v.Verify(req, body))

	assert.True(t, errors.Is(v.Verify(req, []byte(`{"id":2}`)), ErrInvalidSignature))
}
