package voice

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Webhook headers carrying the HMAC signature and the unix timestamp it covers.
const (
	SignatureHeader = "X-Voice-Signature"
	TimestampHeader = "X-Voice-Timestamp"
)

// EventType is the call lifecycle phase reported by a webhook.
type EventType string

const (
	EventCallStarted  EventType = "call_started"
	EventCallEnded    EventType = "call_ended"
	EventCallAnalyzed EventType = "call_analyzed"
)

// WebhookEvent is the envelope posted by the provider for every call lifecycle change.
type WebhookEvent struct {
	Event EventType   `json:"event"`
	Call  CallPayload `json:"call"`
}

// CallPayload is the provider's view of a call at the time of the event.
type CallPayload struct {
	CallID              string            `json:"call_id"`
	CallStatus          string            `json:"call_status"`
	AgentID             string            `json:"agent_id,omitempty"`
	FromNumber          string            `json:"from_number,omitempty"`
	ToNumber            string            `json:"to_number,omitempty"`
	StartTimestamp      int64             `json:"start_timestamp,omitempty"`
	EndTimestamp        int64             `json:"end_timestamp,omitempty"`
	DurationMS          int64             `json:"duration_ms,omitempty"`
	DisconnectionReason string            `json:"disconnection_reason,omitempty"`
	Transcript          string            `json:"transcript,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	Analysis            *CallAnalysis     `json:"call_analysis,omitempty"`
}

// CallAnalysis is the post-call analysis attached to call_analyzed events.
type CallAnalysis struct {
	CallSummary    string         `json:"call_summary,omitempty"`
	InVoicemail    bool           `json:"in_voicemail,omitempty"`
	CallSuccessful *bool          `json:"call_successful,omitempty"`
	UserSentiment  string         `json:"user_sentiment,omitempty"`
	CustomData     map[string]any `json:"custom_analysis_data,omitempty"`
}

// StartedAt converts the millisecond start timestamp.
func (c CallPayload) StartedAt() *time.Time {
	return msToTime(c.StartTimestamp)
}

// EndedAt converts the millisecond end timestamp.
func (c CallPayload) EndedAt() *time.Time {
	return msToTime(c.EndTimestamp)
}

// DurationSeconds prefers the reported duration and falls back to end-start.
func (c CallPayload) DurationSeconds() int {
	if c.DurationMS > 0 {
		return int(c.DurationMS / 1000)
	}
	if c.StartTimestamp > 0 && c.EndTimestamp > c.StartTimestamp {
		return int((c.EndTimestamp - c.StartTimestamp) / 1000)
	}
	return 0
}

func msToTime(ms int64) *time.Time {
	if ms <= 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}

// ParseWebhookEvent decodes and sanity-checks a webhook body.
func ParseWebhookEvent(body []byte) (WebhookEvent, error) {
	var evt WebhookEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return WebhookEvent{}, fmt.Errorf("voice: decode webhook: %w", err)
	}
	if strings.TrimSpace(evt.Call.CallID) == "" {
		return WebhookEvent{}, errors.New("voice: webhook missing call_id")
	}
	switch evt.Event {
	case EventCallStarted, EventCallEnded, EventCallAnalyzed:
	default:
		return WebhookEvent{}, fmt.Errorf("voice: unsupported webhook event %q", evt.Event)
	}
	return evt, nil
}

// SignatureError means a webhook failed authentication and must not mutate state.
type SignatureError struct {
	Reason string
}

func (e *SignatureError) Error() string {
	return "voice: webhook signature rejected: " + e.Reason
}

// VerifyWebhookSignature validates the HMAC-SHA256 of "<timestamp>.<payload>"
// and rejects timestamps outside the configured skew.
func (c *Client) VerifyWebhookSignature(timestamp, signature string, payload []byte) error {
	return verifySignature(c.webhookSecret, timestamp, signature, payload, c.maxSkew, c.now())
}

// Sign produces the signature header value for payload at ts. Used by tests and
// local tooling that replays provider webhooks.
func Sign(secret string, ts time.Time, payload []byte) (timestamp, signature string) {
	timestamp = strconv.FormatInt(ts.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "." + string(payload)))
	return timestamp, hex.EncodeToString(mac.Sum(nil))
}

func verifySignature(secret, timestamp, signature string, payload []byte, maxSkew time.Duration, now time.Time) error {
	if secret == "" {
		return &SignatureError{Reason: "webhook secret not configured"}
	}
	ts := strings.TrimSpace(timestamp)
	if ts == "" {
		return &SignatureError{Reason: "missing timestamp"}
	}
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return &SignatureError{Reason: "invalid timestamp"}
	}
	if diff := now.Sub(time.Unix(sec, 0)); diff > maxSkew || diff < -maxSkew {
		return &SignatureError{Reason: fmt.Sprintf("timestamp skew %s exceeds limit", diff)}
	}
	actual := strings.ToLower(strings.TrimSpace(signature))
	if actual == "" {
		return &SignatureError{Reason: "missing signature"}
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "." + string(payload)))
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(actual)) {
		return &SignatureError{Reason: "signature mismatch"}
	}
	return nil
}
