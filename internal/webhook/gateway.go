package webhook

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"streamrelay/internal/models"
	"streamrelay/internal/notify"
	"streamrelay/internal/observability/metrics"
	"streamrelay/internal/platform/twitch"
	"streamrelay/internal/platform/youtube"
)

const maxBodyBytes = 1 << 20

// TwitchChallengeParam is the query parameter echoed back when a callback URL
// is probed for reachability.
const TwitchChallengeParam = "challenge"

// SourceLister finds the enabled subscriptions watching one upstream source.
type SourceLister interface {
	ListEnabledBySource(ctx context.Context, platform models.Platform, source string) ([]models.Subscription, error)
}

// StreamFetcher enriches a bare stream.online notification with the live
// stream's title, category and viewer count.
type StreamFetcher interface {
	StreamByUserID(ctx context.Context, userID string) (*twitch.Stream, error)
}

// GatewayOption customises gateway construction.
type GatewayOption func(*Gateway)

// WithGatewayLogger overrides the default logger.
func WithGatewayLogger(logger *slog.Logger) GatewayOption {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithGatewayMetrics attaches a metrics recorder.
func WithGatewayMetrics(recorder *metrics.Recorder) GatewayOption {
	return func(g *Gateway) {
		g.metrics = recorder
	}
}

// WithStreamFetcher enables enrichment of Twitch notifications.
func WithStreamFetcher(fetcher StreamFetcher) GatewayOption {
	return func(g *Gateway) {
		g.streams = fetcher
	}
}

// Gateway terminates the push detection path: platform callbacks arrive here,
// are verified, matched against enabled subscriptions and fanned out onto the
// event queue. The dispatcher's claim decides whether the push or the poll
// path wins.
type Gateway struct {
	store   SourceLister
	queue   notify.Queue
	secret  string
	streams StreamFetcher
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// NewGateway wires the gateway. secret is the EventSub HMAC secret shared
// with Twitch at subscription time.
func NewGateway(store SourceLister, queue notify.Queue, secret string, opts ...GatewayOption) (*Gateway, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if queue == nil {
		return nil, errors.New("queue is required")
	}
	if secret == "" {
		return nil, errors.New("eventsub secret is required")
	}
	g := &Gateway{
		store:  store,
		queue:  queue,
		secret: secret,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Register mounts the callback routes on the mux.
func (g *Gateway) Register(mux *http.ServeMux) {
	mux.HandleFunc("/webhooks/twitch", g.handleTwitch)
	mux.HandleFunc("/webhooks/youtube", g.handleYouTube)
}

func (g *Gateway) handleTwitch(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		g.echoChallenge(w, r, TwitchChallengeParam)
	case http.MethodPost:
		g.handleTwitchNotification(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (g *Gateway) handleYouTube(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		g.echoChallenge(w, r, youtube.ChallengeParam)
	case http.MethodPost:
		g.handleYouTubeNotification(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// echoChallenge answers a subscription handshake. The hub proves ownership of
// the callback URL by asking us to repeat a nonce.
func (g *Gateway) echoChallenge(w http.ResponseWriter, r *http.Request, param string) {
	challenge := r.URL.Query().Get(param)
	if challenge == "" {
		http.Error(w, "missing challenge", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(w, challenge)
}

func (g *Gateway) handleTwitchNotification(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	messageID := r.Header.Get(twitch.HeaderMessageID)
	timestamp := r.Header.Get(twitch.HeaderTimestamp)
	signature := r.Header.Get(twitch.HeaderSignature)
	if err := twitch.VerifySignature(g.secret, messageID, timestamp, body, signature); err != nil {
		g.logger.Warn("eventsub signature rejected",
			"message_id", messageID,
			"error", err,
		)
		if g.metrics != nil {
			g.metrics.ObserveWebhookRejected(string(models.PlatformTwitch))
		}
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}
	notification, err := twitch.ParseNotification(body)
	if err != nil {
		g.logger.Warn("eventsub payload unreadable", "error", err)
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}
	if notification.Type != twitch.EventTypeStreamOnline {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	g.fanOutTwitch(r.Context(), notification.Event)
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) fanOutTwitch(ctx context.Context, online twitch.OnlineEvent) {
	subs, err := g.store.ListEnabledBySource(ctx, models.PlatformTwitch, online.BroadcasterUserID)
	if err != nil {
		g.logger.Error("subscription lookup for twitch callback failed",
			"broadcaster_user_id", online.BroadcasterUserID,
			"error", err,
		)
		return
	}
	if len(subs) == 0 {
		return
	}

	ev := notify.Event{
		Platform:   models.PlatformTwitch,
		Source:     online.BroadcasterUserID,
		StateToken: online.ID,
		Origin:     notify.OriginWebhook,
		AuthorName: online.BroadcasterUserName,
		URL:        "https://twitch.tv/" + online.BroadcasterUserLogin,
		Title:      online.BroadcasterUserName + " is live",
		ObservedAt: time.Now().UTC(),
	}
	// Enrichment is best-effort: the bare payload already carries enough
	// to announce.
	if g.streams != nil {
		if stream, err := g.streams.StreamByUserID(ctx, online.BroadcasterUserID); err != nil {
			g.logger.Warn("stream enrichment failed",
				"broadcaster_user_id", online.BroadcasterUserID,
				"error", err,
			)
		} else if stream != nil {
			ev.StateToken = stream.ID
			ev.Title = stream.Title
			ev.ThumbnailURL = stream.PreviewImageURL()
			ev.Game = stream.GameName
			ev.ViewerCount = stream.ViewerCount
		}
	}

	for _, sub := range subs {
		ev.SubscriptionID = sub.ID
		ev.TenantID = sub.TenantID
		if err := g.queue.Publish(ctx, ev); err != nil {
			g.logger.Error("publishing twitch event failed",
				"subscription_id", sub.ID,
				"error", err,
			)
		}
	}
}

func (g *Gateway) handleYouTubeNotification(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	entry, err := youtube.ParseFeed(body)
	if err != nil {
		// Hubs retry on errors; a broken payload will never get better.
		g.logger.Warn("websub payload unreadable", "error", err)
		if g.metrics != nil {
			g.metrics.ObserveWebhookRejected(string(models.PlatformYouTube))
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if entry == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	g.fanOutYouTube(r.Context(), entry)
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) fanOutYouTube(ctx context.Context, entry *youtube.FeedEntry) {
	subs, err := g.store.ListEnabledBySource(ctx, models.PlatformYouTube, entry.ChannelID)
	if err != nil {
		g.logger.Error("subscription lookup for youtube callback failed",
			"channel_id", entry.ChannelID,
			"error", err,
		)
		return
	}
	for _, sub := range subs {
		ev := notify.Event{
			SubscriptionID: sub.ID,
			TenantID:       sub.TenantID,
			Platform:       models.PlatformYouTube,
			Source:         entry.ChannelID,
			StateToken:     entry.VideoID,
			Origin:         notify.OriginWebhook,
			Title:          entry.Title,
			AuthorName:     entry.AuthorName,
			URL:            entry.URL(),
			ThumbnailURL:   entry.ThumbnailURL(),
			ObservedAt:     time.Now().UTC(),
		}
		if err := g.queue.Publish(ctx, ev); err != nil {
			g.logger.Error("publishing youtube event failed",
				"subscription_id", sub.ID,
				"error", err,
			)
		}
	}
}
