package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pitabwire/ratify/internal/observability"
	"github.com/pitabwire/ratify/model"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Ratify-Signature"

// WebhookNotifier POSTs notifications as JSON to a URL. Deliveries pass
// through a circuit breaker so a failing endpoint is not hammered.
type WebhookNotifier struct {
	url     string
	secret  []byte
	client  *http.Client
	breaker *Breaker
}

// NewWebhookNotifier creates a webhook sink. A non-empty secret signs each
// body. A nil client uses one with a 10s timeout.
func NewWebhookNotifier(url, secret string, client *http.Client, breaker *Breaker) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if breaker == nil {
		breaker = NewBreaker(0, 0, 0, nil)
	}
	return &WebhookNotifier{url: url, secret: []byte(secret), client: client, breaker: breaker}
}

// Breaker returns the sink's circuit breaker.
func (w *WebhookNotifier) Breaker() *Breaker { return w.breaker }

// Notify delivers n. Any non-2xx response is a failure.
func (w *WebhookNotifier) Notify(ctx context.Context, n model.Notification) (err error) {
	ctx, span := observability.StartSpan(ctx, "notify.webhook", observability.NotificationAttributes("webhook", n)...)
	defer func() { observability.EndSpanWithError(span, err) }()

	if err := w.breaker.Allow(); err != nil {
		return err
	}
	err = w.post(ctx, n)
	w.breaker.Record(err)
	return err
}

func (w *WebhookNotifier) post(ctx context.Context, n model.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", n.ID)
	if len(w.secret) > 0 {
		mac := hmac.New(sha256.New, w.secret)
		mac.Write(body)
		req.Header.Set(SignatureHeader, hex.EncodeToString(mac.Sum(nil)))
	}
	observability.InjectTraceHeaders(ctx, req.Header)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
