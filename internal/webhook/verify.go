package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/twilio/twilio-go/client"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-control/pkg/logger"
)

// Signature headers.
const (
	HeaderTwilioSignature     = "X-Twilio-Signature"
	HeaderElevenLabsSignature = "ElevenLabs-Signature"
	HeaderXISignature         = "xi-signature"
	HeaderShopifyHmac         = "X-Shopify-Hmac-Sha256"
)

// DefaultSignatureTolerance is how old an ElevenLabs signature timestamp may be.
const DefaultSignatureTolerance = 30 * time.Minute

// Verifier authenticates a webhook request from its raw body.
type Verifier interface {
	Verify(r *http.Request, body []byte) error
}

// skipWarning logs once that a provider's verification is disabled.
type skipWarning struct {
	once sync.Once
	log  *logger.Logger
}

func (s *skipWarning) warn(provider string) {
	s.once.Do(func() {
		s.log.Warn("webhook signature verification disabled, no secret configured",
			zap.String("provider", provider))
	})
}

// TwilioVerifier checks X-Twilio-Signature over the public URL and the
// form parameters.
type TwilioVerifier struct {
	validator client.RequestValidator
	enabled   bool
	baseURL   string
	skip      skipWarning
}

// NewTwilioVerifier creates a verifier. baseURL is the externally visible
// scheme and host ("https://api.example.com"); when empty it is derived from
// the request.
func NewTwilioVerifier(authToken, baseURL string, log *logger.Logger) *TwilioVerifier {
	return &TwilioVerifier{
		validator: client.NewRequestValidator(authToken),
		enabled:   authToken != "",
		baseURL:   strings.TrimRight(baseURL, "/"),
		skip:      skipWarning{log: logger.OrGlobal(log)},
	}
}

// Verify implements Verifier.
func (v *TwilioVerifier) Verify(r *http.Request, body []byte) error {
	if !v.enabled {
		v.skip.warn("twilio")
		return nil
	}
	sig := r.Header.Get(HeaderTwilioSignature)
	if sig == "" {
		return fmt.Errorf("%w: missing %s", ErrInvalidSignature, HeaderTwilioSignature)
	}
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return fmt.Errorf("%w: unreadable form body", ErrInvalidSignature)
	}
	params := make(map[string]string, len(form))
	for k, vals := range form {
		if len(vals) > 0 {
			params[k] = vals[0]
		}
	}
	if !v.validator.Validate(v.requestURL(r), params, sig) {
		return ErrInvalidSignature
	}
	return nil
}

func (v *TwilioVerifier) requestURL(r *http.Request) string {
	if v.baseURL != "" {
		return v.baseURL + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	host := r.Host
	if h := r.Header.Get("X-Forwarded-Host"); h != "" {
		host = h
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

// ElevenLabsVerifier checks the "t=<unix>,v0=<hex>" signature header.
type ElevenLabsVerifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
	skip      skipWarning
}

// NewElevenLabsVerifier creates a verifier with the default tolerance.
func NewElevenLabsVerifier(secret string, log *logger.Logger) *ElevenLabsVerifier {
	return &ElevenLabsVerifier{
		secret:    []byte(secret),
		tolerance: DefaultSignatureTolerance,
		now:       time.Now,
		skip:      skipWarning{log: logger.OrGlobal(log)},
	}
}

// WithClock overrides the time source.
func (v *ElevenLabsVerifier) WithClock(now func() time.Time) *ElevenLabsVerifier {
	v.now = now
	return v
}

// Verify implements Verifier.
func (v *ElevenLabsVerifier) Verify(r *http.Request, body []byte) error {
	if len(v.secret) == 0 {
		v.skip.warn("elevenlabs")
		return nil
	}
	header := r.Header.Get(HeaderElevenLabsSignature)
	if header == "" {
		header = r.Header.Get(HeaderXISignature)
	}
	if header == "" {
		return fmt.Errorf("%w: missing signature header", ErrInvalidSignature)
	}

	var ts, sig string
	for _, part := range strings.Split(header, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = val
		case "v0":
			sig = val
		}
	}
	if ts == "" || sig == "" {
		return fmt.Errorf("%w: malformed signature header", ErrInvalidSignature)
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed timestamp", ErrInvalidSignature)
	}
	skew := v.now().Sub(time.Unix(unix, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return ErrInvalidSignature
	}
	return nil
}

// ShopifyVerifier checks the base64 HMAC-SHA256 of the raw body.
type ShopifyVerifier struct {
	secret []byte
	skip   skipWarning
}

// NewShopifyVerifier creates a verifier.
func NewShopifyVerifier(secret string, log *logger.Logger) *ShopifyVerifier {
	return &ShopifyVerifier{secret: []byte(secret), skip: skipWarning{log: logger.OrGlobal(log)}}
}

// Verify implements Verifier.
func (v *ShopifyVerifier) Verify(r *http.Request, body []byte) error {
	if len(v.secret) == 0 {
		v.skip.warn("shopify")
		return nil
	}
	sig := r.Header.Get(HeaderShopifyHmac)
	if sig == "" {
		return fmt.Errorf("%w: missing %s", ErrInvalidSignature, HeaderShopifyHmac)
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return ErrInvalidSignature
	}
	return nil
}
