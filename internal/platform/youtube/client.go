// Package youtube implements the Data API pull client and the WebSub
// (PubSubHubbub) push subscription handling for the video platform.
package youtube

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultAPIBaseURL is the YouTube Data API root.
const DefaultAPIBaseURL = "https://www.googleapis.com/youtube/v3"

// TransientError reports a network failure or upstream 5xx. Detection paths
// log it and skip the subscription for the cycle.
type TransientError struct {
	Operation string
	Status    int
	Err       error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("youtube %s failed with status %d", e.Operation, e.Status)
	}
	return fmt.Sprintf("youtube %s failed: %v", e.Operation, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Video is the most recent upload returned by the search query.
type Video struct {
	ID           string
	Title        string
	ChannelID    string
	ChannelTitle string
	ThumbnailURL string
}

// URL returns the public watch page for the video.
func (v *Video) URL() string {
	return "https://www.youtube.com/watch?v=" + v.ID
}

// Client calls the Data API with an API key; no OAuth flow is involved on the
// video side.
type Client struct {
	apiKey  string
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

// NewClient constructs a Data API client.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	client := &Client{
		apiKey:  apiKey,
		baseURL: DefaultAPIBaseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client
}

// LatestVideo fetches the most recent upload for a channel id via the search
// endpoint. A nil result means the channel has no indexed uploads. This is
// the pull fallback for when push notifications are unavailable or stale.
func (c *Client) LatestVideo(ctx context.Context, channelID string) (*Video, error) {
	query := url.Values{
		"part":       {"snippet"},
		"channelId":  {channelID},
		"order":      {"date"},
		"maxResults": {"1"},
		"type":       {"video"},
		"key":        {c.apiKey},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/search?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransientError{Operation: "search", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &TransientError{Operation: "search", Status: resp.StatusCode}
	}

	var payload struct {
		Items []struct {
			ID struct {
				VideoID string `json:"videoId"`
			} `json:"id"`
			Snippet struct {
				Title        string `json:"title"`
				ChannelID    string `json:"channelId"`
				ChannelTitle string `json:"channelTitle"`
				Thumbnails   struct {
					High struct {
						URL string `json:"url"`
					} `json:"high"`
				} `json:"thumbnails"`
			} `json:"snippet"`
		} `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	if len(payload.Items) == 0 {
		return nil, nil
	}

	item := payload.Items[0]
	return &Video{
		ID:           item.ID.VideoID,
		Title:        item.Snippet.Title,
		ChannelID:    item.Snippet.ChannelID,
		ChannelTitle: item.Snippet.ChannelTitle,
		ThumbnailURL: item.Snippet.Thumbnails.High.URL,
	}, nil
}
