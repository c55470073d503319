package relaychat

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// WebhookPayload is the body RelayChat POSTs to a registered webhook
// endpoint when a message is created.
type WebhookPayload struct {
	Source    string      `json:"source"`
	Event     string      `json:"event"`
	Timestamp int64       `json:"timestamp"`
	Message   WireInbound `json:"message"`
}

// VerifySignature verifies a RelayChat webhook signature using HMAC-SHA256.
// Uses constant-time comparison to prevent timing attacks.
func VerifySignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseWebhookPayload parses and validates a raw webhook body.
func ParseWebhookPayload(body string) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}
	if payload.Source != "relaychat" {
		return nil, fmt.Errorf("unknown webhook source: %s", payload.Source)
	}
	if payload.Event == "" {
		return nil, fmt.Errorf("missing event field in webhook payload")
	}
	if payload.Message.ID == "" || payload.Message.SenderID == "" {
		return nil, fmt.Errorf("missing required message fields in webhook payload")
	}
	return &payload, nil
}

// Webhook verifies, parses, and delivers RelayChat webhook requests into a
// session. It is an alternative push source for deployments where a
// WebSocket cannot be held open; like the other feeds it relies on the
// session's id-based deduplication.
type Webhook struct {
	secret string
	sess   *Session
}

// NewWebhook creates a webhook receiver delivering into sess.
func NewWebhook(secret string, sess *Session) (*Webhook, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	return &Webhook{secret: secret, sess: sess}, nil
}

// Handle processes one webhook delivery (verify + parse + ingest). Returns
// the status code and response body for the caller to write.
func (w *Webhook) Handle(body, signature string) (int, any) {
	if !VerifySignature(body, signature, w.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	payload, err := ParseWebhookPayload(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	if payload.Event == "message.created" {
		w.sess.Ingest([]WireInbound{payload.Message})
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	wh, _ := relaychat.NewWebhook("secret", sess)
//	http.Handle("/webhook", wh.HTTPHandler())
func (w *Webhook) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")

		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			json.NewEncoder(rw).Encode(map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(rw).Encode(map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get("X-RelayChat-Signature"))
		rw.WriteHeader(statusCode)
		json.NewEncoder(rw).Encode(data)
	})
}
