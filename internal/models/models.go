package models

import (
	"fmt"
	"strings"
	"time"
)

// Platform identifies which upstream service a subscription watches.
type Platform string

const (
	// PlatformTwitch watches live-stream status via the Helix API and
	// EventSub callbacks.
	PlatformTwitch Platform = "twitch"
	// PlatformYouTube watches channel uploads via the Data API and WebSub
	// callbacks.
	PlatformYouTube Platform = "youtube"
)

// ParsePlatform normalises a user-supplied platform name.
func ParsePlatform(value string) (Platform, error) {
	switch Platform(strings.ToLower(strings.TrimSpace(value))) {
	case PlatformTwitch:
		return PlatformTwitch, nil
	case PlatformYouTube:
		return PlatformYouTube, nil
	default:
		return "", fmt.Errorf("unknown platform %q", value)
	}
}

// Valid reports whether the platform is one of the supported values.
func (p Platform) Valid() bool {
	return p == PlatformTwitch || p == PlatformYouTube
}

// Tenant is an isolated configuration scope (one chat community). The ID is
// the opaque identifier assigned by the chat platform; DefaultChannelID is
// where notifications land when a subscription carries no override.
type Tenant struct {
	ID               string    `json:"id"`
	DisplayName      string    `json:"displayName"`
	DefaultChannelID string    `json:"defaultChannelId"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Subscription is a configured watch of one external source. LastState holds
// the most recently claimed external state token (a stream session id or a
// video id); nil means the source is not currently observed as active. Only
// the delivery dispatcher writes LastState and LastChecked.
type Subscription struct {
	ID          int64      `json:"id"`
	TenantID    string     `json:"tenantId"`
	Platform    Platform   `json:"platform"`
	Source      string     `json:"source"`
	DisplayName string     `json:"displayName,omitempty"`
	ChannelID   string     `json:"channelId,omitempty"`
	RoleID      string     `json:"roleId,omitempty"`
	Enabled     bool       `json:"enabled"`
	LastState   *string    `json:"lastState,omitempty"`
	LastChecked *time.Time `json:"lastChecked,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// Destination resolves the channel notifications for this subscription are
// sent to: the per-subscription override when present, else the tenant
// default.
func (s Subscription) Destination(tenant Tenant) string {
	if s.ChannelID != "" {
		return s.ChannelID
	}
	return tenant.DefaultChannelID
}

// PermissionGrant allows holders of RoleID to manage TenantID's
// subscriptions. Administrative actors bypass grants entirely.
type PermissionGrant struct {
	TenantID string `json:"tenantId"`
	RoleID   string `json:"roleId"`
}
