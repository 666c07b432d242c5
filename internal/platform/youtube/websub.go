package youtube

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultHubURL is the public PubSubHubbub hub serving YouTube channel feeds.
const DefaultHubURL = "https://pubsubhubbub.appspot.com/subscribe"

// LeaseSeconds is the lease requested on every subscribe call. Subscriptions
// must be renewed before the lease elapses; re-subscribing is idempotent, so
// the renewer simply repeats the call on a cadence well inside the lease.
const LeaseSeconds = 432000

// ChallengeParam is the query parameter echoed during the hub's subscription
// verification handshake.
const ChallengeParam = "hub.challenge"

// Hub issues subscribe/renew calls against a WebSub hub.
type Hub struct {
	hubURL      string
	callbackURL string
	client      *http.Client
}

// HubOption customises the hub client.
type HubOption func(*Hub)

// WithHubURL overrides the hub endpoint, used by tests.
func WithHubURL(url string) HubOption {
	return func(h *Hub) {
		if strings.TrimSpace(url) != "" {
			h.hubURL = url
		}
	}
}

// WithHubHTTPClient overrides the HTTP client used for hub calls.
func WithHubHTTPClient(client *http.Client) HubOption {
	return func(h *Hub) {
		if client != nil {
			h.client = client
		}
	}
}

// NewHub constructs a hub client that registers callbackURL for channel
// feeds.
func NewHub(callbackURL string, opts ...HubOption) *Hub {
	hub := &Hub{
		hubURL:      DefaultHubURL,
		callbackURL: callbackURL,
		client:      &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(hub)
		}
	}
	return hub
}

// TopicURL returns the feed topic for a channel id.
func TopicURL(channelID string) string {
	return "https://www.youtube.com/feeds/videos.xml?channel_id=" + url.QueryEscape(channelID)
}

// Subscribe registers (or renews) the push subscription for a channel id.
// The hub verifies asynchronously against the callback URL; repeating the
// call is safe and is how leases are renewed.
func (h *Hub) Subscribe(ctx context.Context, channelID string) error {
	form := url.Values{
		"hub.mode":          {"subscribe"},
		"hub.topic":         {TopicURL(channelID)},
		"hub.callback":      {h.callbackURL},
		"hub.verify":        {"async"},
		"hub.lease_seconds": {strconv.Itoa(LeaseSeconds)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.hubURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build subscribe request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := h.client.Do(req)
	if err != nil {
		return &TransientError{Operation: "subscribe", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &TransientError{Operation: "subscribe", Status: resp.StatusCode}
	}
	return nil
}

// FeedEntry is a parsed push notification: one new or updated video on a
// subscribed channel feed.
type FeedEntry struct {
	VideoID    string
	ChannelID  string
	Title      string
	AuthorName string
}

// ThumbnailURL returns the predictable max-resolution thumbnail for the
// video. Push payloads carry no thumbnail of their own.
func (e *FeedEntry) ThumbnailURL() string {
	return "https://i.ytimg.com/vi/" + e.VideoID + "/maxresdefault.jpg"
}

// URL returns the public watch page for the video.
func (e *FeedEntry) URL() string {
	return "https://www.youtube.com/watch?v=" + e.VideoID
}

// ParseFeed decodes a WebSub notification body (an Atom feed document) into
// its entry. A nil entry with nil error means the document carried no entry,
// which happens for deletion notices and must be acknowledged without action.
func ParseFeed(body []byte) (*FeedEntry, error) {
	var feed struct {
		Entry *struct {
			VideoID   string `xml:"videoId"`
			ChannelID string `xml:"channelId"`
			Title     string `xml:"title"`
			Author    struct {
				Name string `xml:"name"`
			} `xml:"author"`
		} `xml:"entry"`
	}
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("decode feed document: %w", err)
	}
	if feed.Entry == nil || feed.Entry.VideoID == "" {
		return nil, nil
	}
	return &FeedEntry{
		VideoID:    feed.Entry.VideoID,
		ChannelID:  feed.Entry.ChannelID,
		Title:      feed.Entry.Title,
		AuthorName: feed.Entry.Author.Name,
	}, nil
}
