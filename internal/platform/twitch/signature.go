package twitch

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// EventSub callback headers carrying the signed message envelope.
const (
	HeaderMessageID = "Twitch-Eventsub-Message-Id"
	HeaderTimestamp = "Twitch-Eventsub-Message-Timestamp"
	HeaderSignature = "Twitch-Eventsub-Message-Signature"
)

// EventTypeStreamOnline is the only notification type the engine acts on.
const EventTypeStreamOnline = "stream.online"

// VerificationError reports a callback whose signature did not match. The
// request must be rejected before any side effect.
type VerificationError struct {
	Reason string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("eventsub verification failed: %s", e.Reason)
}

// VerifySignature recomputes the keyed hash over message id, timestamp, and
// the raw request body and compares it to the provided signature header in
// constant time. The body must be the exact bytes received on the wire.
func VerifySignature(secret, messageID, timestamp string, body []byte, signature string) error {
	if messageID == "" || timestamp == "" || signature == "" {
		return &VerificationError{Reason: "missing signature headers"}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(messageID))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return &VerificationError{Reason: "signature mismatch"}
	}
	return nil
}

// Notification is a parsed EventSub callback body.
type Notification struct {
	Type  string
	Event OnlineEvent
}

// OnlineEvent carries the stream.online payload fields the engine consumes.
type OnlineEvent struct {
	ID                   string `json:"id"`
	BroadcasterUserID    string `json:"broadcaster_user_id"`
	BroadcasterUserLogin string `json:"broadcaster_user_login"`
	BroadcasterUserName  string `json:"broadcaster_user_name"`
}

// ParseNotification decodes a verified callback body. Callers must verify the
// signature first.
func ParseNotification(body []byte) (Notification, error) {
	var envelope struct {
		Subscription struct {
			Type string `json:"type"`
		} `json:"subscription"`
		Event OnlineEvent `json:"event"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Notification{}, fmt.Errorf("decode eventsub notification: %w", err)
	}
	return Notification{Type: envelope.Subscription.Type, Event: envelope.Event}, nil
}
