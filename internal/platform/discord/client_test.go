package discord

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"streamrelay/internal/notify"
)

func TestSendPostsChannelMessage(t *testing.T) {
	var captured createMessageRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/channels/chan-1/messages" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bot tok" {
			t.Errorf("unexpected authorization header %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, err := NewClient("tok", WithAPIBaseURL(server.URL))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	err = client.Send(context.Background(), notify.Message{
		ChannelID:    "chan-1",
		Content:      "<@&role-9> Streamer is now live on Twitch!",
		Title:        "opening prep",
		URL:          "https://twitch.tv/streamer",
		ThumbnailURL: "https://cdn.example/1280x720.jpg",
		Fields: []notify.MessageField{
			{Name: "Playing", Value: "Chess"},
			{Name: "Viewers", Value: "42"},
		},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if captured.Content != "<@&role-9> Streamer is now live on Twitch!" {
		t.Fatalf("unexpected content %q", captured.Content)
	}
	if len(captured.Embeds) != 1 {
		t.Fatalf("expected one embed, got %d", len(captured.Embeds))
	}
	e := captured.Embeds[0]
	if e.Title != "opening prep" || e.URL != "https://twitch.tv/streamer" {
		t.Fatalf("unexpected embed %+v", e)
	}
	if e.Thumbnail == nil || e.Thumbnail.URL != "https://cdn.example/1280x720.jpg" {
		t.Fatalf("unexpected thumbnail %+v", e.Thumbnail)
	}
	if len(e.Fields) != 2 || e.Fields[0].Name != "Playing" || e.Fields[1].Value != "42" {
		t.Fatalf("unexpected fields %+v", e.Fields)
	}
}

func TestSendOmitsEmbedWithoutDetails(t *testing.T) {
	var captured createMessageRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, err := NewClient("tok", WithAPIBaseURL(server.URL))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	err = client.Send(context.Background(), notify.Message{
		ChannelID: "chan-1",
		Content:   "plain announcement",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(captured.Embeds) != 0 {
		t.Fatalf("expected no embeds, got %+v", captured.Embeds)
	}
}

func TestSendRateLimitIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1.5")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client, err := NewClient("tok", WithAPIBaseURL(server.URL))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	err = client.Send(context.Background(), notify.Message{ChannelID: "chan-1", Content: "x"})

	var transient *TransientError
	if !errors.As(err, &transient) {
		t.Fatalf("expected TransientError, got %v", err)
	}
	if transient.Status != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", transient.Status)
	}
	if transient.RetryAfter != 1500*time.Millisecond {
		t.Fatalf("unexpected retry-after %v", transient.RetryAfter)
	}
}

func TestSendClientErrorIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	client, err := NewClient("tok", WithAPIBaseURL(server.URL))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	err = client.Send(context.Background(), notify.Message{ChannelID: "chan-1", Content: "x"})
	if err == nil {
		t.Fatalf("expected error")
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		t.Fatalf("403 should not be transient, got %v", err)
	}
}

func TestSendRequiresChannel(t *testing.T) {
	client, err := NewClient("tok")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := client.Send(context.Background(), notify.Message{Content: "x"}); err == nil {
		t.Fatalf("expected error for missing channel id")
	}
	if _, err := NewClient("  "); err == nil {
		t.Fatalf("expected error for empty token")
	}
}
