package poller

import (
	"context"
	"time"

	"streamrelay/internal/models"
	"streamrelay/internal/notify"
	"streamrelay/internal/platform/twitch"
	"streamrelay/internal/platform/youtube"
)

// Source observes one subscription's upstream state. A nil event with a nil
// error means nothing is live or nothing new was found.
type Source interface {
	Platform() models.Platform
	Observe(ctx context.Context, sub models.Subscription) (*notify.Event, error)
}

// TwitchAPI is the slice of the Helix client the Twitch source needs.
type TwitchAPI interface {
	StreamByUserID(ctx context.Context, userID string) (*twitch.Stream, error)
}

// NewTwitchSource builds a Source backed by the Helix streams endpoint.
func NewTwitchSource(api TwitchAPI) Source {
	return &twitchSource{api: api}
}

type twitchSource struct {
	api TwitchAPI
}

func (s *twitchSource) Platform() models.Platform {
	return models.PlatformTwitch
}

func (s *twitchSource) Observe(ctx context.Context, sub models.Subscription) (*notify.Event, error) {
	stream, err := s.api.StreamByUserID(ctx, sub.Source)
	if err != nil {
		return nil, err
	}
	if stream == nil {
		return nil, nil
	}
	author := stream.UserName
	if author == "" {
		author = sub.DisplayName
	}
	return &notify.Event{
		SubscriptionID: sub.ID,
		TenantID:       sub.TenantID,
		Platform:       models.PlatformTwitch,
		Source:         sub.Source,
		StateToken:     stream.ID,
		Origin:         notify.OriginPoll,
		Title:          stream.Title,
		AuthorName:     author,
		URL:            stream.URL(),
		ThumbnailURL:   stream.PreviewImageURL(),
		Game:           stream.GameName,
		ViewerCount:    stream.ViewerCount,
		ObservedAt:     time.Now().UTC(),
	}, nil
}

// YouTubeAPI is the slice of the Data API client the YouTube source needs.
type YouTubeAPI interface {
	LatestVideo(ctx context.Context, channelID string) (*youtube.Video, error)
}

// NewYouTubeSource builds a Source backed by the Data API search endpoint.
func NewYouTubeSource(api YouTubeAPI) Source {
	return &youtubeSource{api: api}
}

type youtubeSource struct {
	api YouTubeAPI
}

func (s *youtubeSource) Platform() models.Platform {
	return models.PlatformYouTube
}

func (s *youtubeSource) Observe(ctx context.Context, sub models.Subscription) (*notify.Event, error) {
	video, err := s.api.LatestVideo(ctx, sub.Source)
	if err != nil {
		return nil, err
	}
	if video == nil {
		return nil, nil
	}
	author := video.ChannelTitle
	if author == "" {
		author = sub.DisplayName
	}
	return &notify.Event{
		SubscriptionID: sub.ID,
		TenantID:       sub.TenantID,
		Platform:       models.PlatformYouTube,
		Source:         sub.Source,
		StateToken:     video.ID,
		Origin:         notify.OriginPoll,
		Title:          video.Title,
		AuthorName:     author,
		URL:            video.URL(),
		ThumbnailURL:   video.ThumbnailURL,
		ObservedAt:     time.Now().UTC(),
	}, nil
}
