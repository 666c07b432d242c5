package notify

import (
	"time"

	"streamrelay/internal/models"
)

// Origin records which detection path observed an event first.
type Origin string

const (
	// OriginPoll marks events produced by the periodic sweep.
	OriginPoll Origin = "poll"
	// OriginWebhook marks events pushed by a platform callback.
	OriginWebhook Origin = "webhook"
)

// Event is the canonical "content went live" notification flowing from the
// detection paths to the dispatcher. StateToken identifies the observation
// (stream id for Twitch, video id for YouTube) and drives the claim that keeps
// delivery exactly-once per subscription.
type Event struct {
	SubscriptionID int64           `json:"subscriptionId"`
	TenantID       string          `json:"tenantId"`
	Platform       models.Platform `json:"platform"`
	Source         string          `json:"source"`
	StateToken     string          `json:"stateToken"`
	Origin         Origin          `json:"origin"`

	Title        string    `json:"title"`
	AuthorName   string    `json:"authorName"`
	URL          string    `json:"url"`
	ThumbnailURL string    `json:"thumbnailUrl,omitempty"`
	Game         string    `json:"game,omitempty"`
	ViewerCount  int       `json:"viewerCount,omitempty"`
	ObservedAt   time.Time `json:"observedAt"`
}
