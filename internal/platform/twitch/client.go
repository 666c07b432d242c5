// Package twitch implements the Helix API client, app-token credential cache,
// and EventSub callback verification for the streaming platform.
package twitch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultAPIBaseURL is the Helix API root.
const DefaultAPIBaseURL = "https://api.twitch.tv/helix"

// TransientError reports a network failure or upstream 5xx/429. Detection
// paths log it and skip the subscription for the cycle instead of escalating.
type TransientError struct {
	Operation string
	Status    int
	Err       error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("twitch %s failed with status %d", e.Operation, e.Status)
	}
	return fmt.Sprintf("twitch %s failed: %v", e.Operation, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// TokenSource supplies a valid app access token for outgoing API calls.
type TokenSource interface {
	Acquire(ctx context.Context) (string, error)
}

// User is the resolved identity behind a login handle.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

// Stream describes a currently live broadcast. A nil *Stream means offline.
type Stream struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	UserLogin    string    `json:"user_login"`
	UserName     string    `json:"user_name"`
	GameID       string    `json:"game_id"`
	GameName     string    `json:"game_name"`
	Title        string    `json:"title"`
	ViewerCount  int       `json:"viewer_count"`
	StartedAt    time.Time `json:"started_at"`
	ThumbnailURL string    `json:"thumbnail_url"`
}

// PreviewImageURL resolves the templated thumbnail to a concrete 1280x720
// image URL.
func (s *Stream) PreviewImageURL() string {
	replaced := strings.ReplaceAll(s.ThumbnailURL, "{width}", "1280")
	return strings.ReplaceAll(replaced, "{height}", "720")
}

// URL returns the public watch page for the broadcaster.
func (s *Stream) URL() string {
	return "https://twitch.tv/" + s.UserLogin
}

// Category is a game/category entry.
type Category struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Client calls the Helix API using tokens from a TokenSource.
type Client struct {
	clientID string
	tokens   TokenSource
	baseURL  string
	client   *http.Client
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

// NewClient constructs a Helix client.
func NewClient(clientID string, tokens TokenSource, opts ...ClientOption) *Client {
	client := &Client{
		clientID: clientID,
		tokens:   tokens,
		baseURL:  DefaultAPIBaseURL,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	token, err := c.tokens.Acquire(ctx)
	if err != nil {
		return err
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", path, err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Client-ID", c.clientID)
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &TransientError{Operation: path, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &TransientError{Operation: path, Status: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// UserByLogin resolves a human-readable handle to its stable user id. It
// returns nil when no such user exists.
func (c *Client) UserByLogin(ctx context.Context, login string) (*User, error) {
	var payload struct {
		Data []User `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/users", url.Values{"login": {login}}, nil, &payload); err != nil {
		return nil, err
	}
	if len(payload.Data) == 0 {
		return nil, nil
	}
	return &payload.Data[0], nil
}

// StreamByUserID fetches the current stream for a user id. A nil result means
// the broadcaster is offline.
func (c *Client) StreamByUserID(ctx context.Context, userID string) (*Stream, error) {
	var payload struct {
		Data []Stream `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/streams", url.Values{"user_id": {userID}}, nil, &payload); err != nil {
		return nil, err
	}
	if len(payload.Data) == 0 {
		return nil, nil
	}
	return &payload.Data[0], nil
}

// StreamByUserLogin fetches the current stream by handle, used when a
// subscription's source was stored as a login rather than an id.
func (c *Client) StreamByUserLogin(ctx context.Context, login string) (*Stream, error) {
	var payload struct {
		Data []Stream `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/streams", url.Values{"user_login": {login}}, nil, &payload); err != nil {
		return nil, err
	}
	if len(payload.Data) == 0 {
		return nil, nil
	}
	return &payload.Data[0], nil
}

// CategoryByID resolves a game/category id to its display name.
func (c *Client) CategoryByID(ctx context.Context, id string) (*Category, error) {
	var payload struct {
		Data []Category `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/games", url.Values{"id": {id}}, nil, &payload); err != nil {
		return nil, err
	}
	if len(payload.Data) == 0 {
		return nil, nil
	}
	return &payload.Data[0], nil
}

// CreateEventSubSubscription registers a stream.online push subscription for
// the broadcaster against the given callback URL and shared secret.
func (c *Client) CreateEventSubSubscription(ctx context.Context, broadcasterUserID, callbackURL, secret string) error {
	body := map[string]any{
		"type":    EventTypeStreamOnline,
		"version": "1",
		"condition": map[string]string{
			"broadcaster_user_id": broadcasterUserID,
		},
		"transport": map[string]string{
			"method":   "webhook",
			"callback": callbackURL,
			"secret":   secret,
		},
	}
	return c.do(ctx, http.MethodPost, "/eventsub/subscriptions", nil, body, nil)
}
