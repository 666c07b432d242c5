package twitch

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func signBody(secret, messageID, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(messageID))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	secret := "s3cret"
	body := []byte(`{"subscription":{"type":"stream.online"},"event":{"id":"abc123"}}`)
	signature := signBody(secret, "msg-1", "2024-05-01T12:00:00Z", body)

	if err := VerifySignature(secret, "msg-1", "2024-05-01T12:00:00Z", body, signature); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	cases := map[string]func() error{
		"tampered body": func() error {
			return VerifySignature(secret, "msg-1", "2024-05-01T12:00:00Z", []byte(`{"event":{}}`), signature)
		},
		"wrong secret": func() error {
			return VerifySignature("other", "msg-1", "2024-05-01T12:00:00Z", body, signature)
		},
		"replayed different message id": func() error {
			return VerifySignature(secret, "msg-2", "2024-05-01T12:00:00Z", body, signature)
		},
		"missing headers": func() error {
			return VerifySignature(secret, "", "", body, "")
		},
	}
	for name, verify := range cases {
		if err := verify(); err == nil {
			t.Errorf("%s: expected verification failure", name)
		}
	}
}

func TestParseNotification(t *testing.T) {
	body := []byte(`{
		"subscription": {"type": "stream.online"},
		"event": {
			"id": "abc123",
			"broadcaster_user_id": "123",
			"broadcaster_user_login": "foo",
			"broadcaster_user_name": "Foo"
		}
	}`)

	notification, err := ParseNotification(body)
	if err != nil {
		t.Fatalf("ParseNotification: %v", err)
	}
	if notification.Type != EventTypeStreamOnline {
		t.Fatalf("unexpected type %q", notification.Type)
	}
	if notification.Event.ID != "abc123" || notification.Event.BroadcasterUserID != "123" {
		t.Fatalf("unexpected event %+v", notification.Event)
	}
}
