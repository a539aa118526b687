package delivery

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/flowmesh-io/gateway/internal/types"
)

// EventPayload is the event sub-document of a delivery envelope.
type EventPayload struct {
	ID             string            `json:"id"`
	EventType      string            `json:"eventType"`
	Channel        string            `json:"channel"`
	Payload        json.RawMessage   `json:"payload"`
	OrganizationID string            `json:"organizationId"`
	UserID         string            `json:"userId"`
	CreatedAt      time.Time         `json:"createdAt"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// DeliveryInfo is the delivery sub-document of a delivery envelope.
type DeliveryInfo struct {
	ID        string    `json:"id"`
	Attempt   int       `json:"attempt"`
	Timestamp time.Time `json:"timestamp"`
}

// Envelope is the exact payload sent to a webhook endpoint. Field order
// here is load-bearing: canonicalization serializes keys in this
// insertion order, so any reordering is a breaking change to the
// signature.
type Envelope struct {
	Event     EventPayload `json:"event"`
	Delivery  DeliveryInfo `json:"delivery"`
	Signature string       `json:"signature,omitempty"`
}

func buildEventPayload(event types.Event) EventPayload {
	payload := event.Payload
	if len(payload) == 0 {
		payload = []byte("null")
	}
	return EventPayload{
		ID:             event.ID,
		EventType:      event.Type,
		Channel:        event.Channel,
		Payload:        json.RawMessage(payload),
		OrganizationID: event.OrgID,
		UserID:         event.SourceUserID,
		CreatedAt:      event.CreatedAt,
		Metadata:       event.Metadata,
	}
}

// canonicalBody serializes env without its signature field, UTF-8, no
// trailing whitespace, keys in the struct's declared insertion order.
func canonicalBody(env Envelope) ([]byte, error) {
	unsigned := env
	unsigned.Signature = ""
	body, err := json.Marshal(struct {
		Event    EventPayload `json:"event"`
		Delivery DeliveryInfo `json:"delivery"`
	}{Event: unsigned.Event, Delivery: unsigned.Delivery})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// Sign computes the HMAC-SHA256 signature of canonical_json(envelope
// without signature) and returns "sha256=" + hex(mac). secret must be
// non-empty; callers should only sign when the endpoint is configured
// with one.
func Sign(env Envelope, secret string) (string, error) {
	body, err := canonicalBody(env)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify reports whether sig is the correct HMAC-SHA256 signature of
// body under secret, using the same "X-Webhook-Signature" format.
func Verify(sig string, body []byte, secret string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(sig))
}

// BuildEnvelope assembles and, if secret is non-empty, signs the full
// delivery envelope for one attempt.
func BuildEnvelope(event types.Event, deliveryID string, attempt int, secret string) (Envelope, error) {
	env := Envelope{
		Event:    buildEventPayload(event),
		Delivery: DeliveryInfo{ID: deliveryID, Attempt: attempt, Timestamp: time.Now()},
	}
	if secret == "" {
		return env, nil
	}
	sig, err := Sign(env, secret)
	if err != nil {
		return Envelope{}, err
	}
	env.Signature = sig
	return env, nil
}
