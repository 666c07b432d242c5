// Package discord posts rendered announcements to Discord channels over the
// bot REST API.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"streamrelay/internal/notify"
)

// DefaultAPIBaseURL is the Discord REST API root.
const DefaultAPIBaseURL = "https://discord.com/api/v10"

// TransientError reports a network failure or upstream 5xx/429. Delivery keeps
// the claim and logs it rather than escalating.
type TransientError struct {
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("discord send failed with status %d", e.Status)
	}
	return fmt.Sprintf("discord send failed: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type embedThumbnail struct {
	URL string `json:"url"`
}

type embed struct {
	Title     string          `json:"title,omitempty"`
	URL       string          `json:"url,omitempty"`
	Thumbnail *embedThumbnail `json:"thumbnail,omitempty"`
	Fields    []embedField    `json:"fields,omitempty"`
}

type createMessageRequest struct {
	Content string  `json:"content"`
	Embeds  []embed `json:"embeds,omitempty"`
}

// Client implements notify.Messenger against the Discord channel-message
// endpoint using a bot token.
type Client struct {
	token   string
	baseURL string
	client  *http.Client
}

// ClientOption customises the client.
type ClientOption func(*Client)

// WithAPIBaseURL overrides the API root, used by tests.
func WithAPIBaseURL(base string) ClientOption {
	return func(c *Client) {
		if trimmed := strings.TrimRight(strings.TrimSpace(base), "/"); trimmed != "" {
			c.baseURL = trimmed
		}
	}
}

// WithHTTPClient overrides the HTTP client used for API calls.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		if client != nil {
			c.client = client
		}
	}
}

// NewClient constructs a Discord messenger.
func NewClient(botToken string, opts ...ClientOption) (*Client, error) {
	token := strings.TrimSpace(botToken)
	if token == "" {
		return nil, fmt.Errorf("discord bot token is required")
	}
	client := &Client{
		token:   token,
		baseURL: DefaultAPIBaseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// Send posts the message to its channel as a content line plus one embed.
func (c *Client) Send(ctx context.Context, msg notify.Message) error {
	channelID := strings.TrimSpace(msg.ChannelID)
	if channelID == "" {
		return fmt.Errorf("discord message channel id is required")
	}
	payload := createMessageRequest{Content: msg.Content}
	if msg.Title != "" || msg.URL != "" || len(msg.Fields) > 0 {
		e := embed{Title: msg.Title, URL: msg.URL}
		if msg.ThumbnailURL != "" {
			e.Thumbnail = &embedThumbnail{URL: msg.ThumbnailURL}
		}
		for _, field := range msg.Fields {
			e.Fields = append(e.Fields, embedField{Name: field.Name, Value: field.Value, Inline: true})
		}
		payload.Embeds = append(payload.Embeds, e)
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode discord message: %w", err)
	}
	endpoint := c.baseURL + "/channels/" + channelID + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("build discord request: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &TransientError{Status: resp.StatusCode, RetryAfter: retryAfter(resp)}
	case resp.StatusCode >= 500:
		return &TransientError{Status: resp.StatusCode}
	default:
		return fmt.Errorf("discord send rejected with status %d", resp.StatusCode)
	}
}

func retryAfter(resp *http.Response) time.Duration {
	raw := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}
