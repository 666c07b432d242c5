package webhook

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"streamrelay/internal/models"
	"streamrelay/internal/platform/twitch"
)

// DefaultRenewInterval re-subscribes well inside the five-day WebSub lease.
const DefaultRenewInterval = 24 * time.Hour

// PlatformLister supplies the enabled subscriptions for one platform.
type PlatformLister interface {
	ListEnabledByPlatform(ctx context.Context, platform models.Platform) ([]models.Subscription, error)
}

// LeaseSubscriber requests a WebSub lease for a channel's feed.
type LeaseSubscriber interface {
	Subscribe(ctx context.Context, channelID string) error
}

// EventSubRegistrar registers a stream.online push subscription.
type EventSubRegistrar interface {
	CreateEventSubSubscription(ctx context.Context, broadcasterUserID, callbackURL, secret string) error
}

// RenewerConfig wires the renewal loop.
type RenewerConfig struct {
	Store       PlatformLister
	Hub         LeaseSubscriber
	Registrar   EventSubRegistrar
	CallbackURL string
	Secret      string
	Interval    time.Duration
	Logger      *slog.Logger
}

// Renewer keeps the push path alive: WebSub leases expire and must be renewed
// before the hub stops delivering, and newly added Twitch sources need an
// EventSub subscription before their first callback can arrive.
type Renewer struct {
	store       PlatformLister
	hub         LeaseSubscriber
	registrar   EventSubRegistrar
	callbackURL string
	secret      string
	interval    time.Duration
	logger      *slog.Logger

	registered map[string]struct{}
}

// NewRenewer validates the config and builds a Renewer.
func NewRenewer(cfg RenewerConfig) (*Renewer, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Registrar != nil && (cfg.CallbackURL == "" || cfg.Secret == "") {
		return nil, errors.New("callback url and secret are required for eventsub registration")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultRenewInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Renewer{
		store:       cfg.Store,
		hub:         cfg.Hub,
		registrar:   cfg.Registrar,
		callbackURL: cfg.CallbackURL,
		secret:      cfg.Secret,
		interval:    interval,
		logger:      logger,
		registered:  make(map[string]struct{}),
	}, nil
}

// Run renews immediately, then on every tick until the context is cancelled.
func (r *Renewer) Run(ctx context.Context) {
	r.RenewAll(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RenewAll(ctx)
		}
	}
}

// RenewAll walks both platforms once. Failures are per-source: one refused
// lease never blocks the rest.
func (r *Renewer) RenewAll(ctx context.Context) {
	if r.hub != nil {
		r.renewYouTube(ctx)
	}
	if r.registrar != nil {
		r.registerTwitch(ctx)
	}
}

func (r *Renewer) renewYouTube(ctx context.Context) {
	for _, source := range r.distinctSources(ctx, models.PlatformYouTube) {
		if err := r.hub.Subscribe(ctx, source); err != nil {
			r.logger.Warn("websub lease renewal failed",
				"channel_id", source,
				"error", err,
			)
			continue
		}
		r.logger.Debug("websub lease renewed", "channel_id", source)
	}
}

func (r *Renewer) registerTwitch(ctx context.Context) {
	for _, source := range r.distinctSources(ctx, models.PlatformTwitch) {
		if _, ok := r.registered[source]; ok {
			continue
		}
		err := r.registrar.CreateEventSubSubscription(ctx, source, r.callbackURL, r.secret)
		if err != nil {
			// A conflict means a previous run already registered the
			// subscription; remember it and move on.
			var transient *twitch.TransientError
			if errors.As(err, &transient) && transient.Status == http.StatusConflict {
				r.registered[source] = struct{}{}
				continue
			}
			r.logger.Warn("eventsub registration failed",
				"broadcaster_user_id", source,
				"error", err,
			)
			continue
		}
		r.registered[source] = struct{}{}
		r.logger.Info("eventsub subscription registered", "broadcaster_user_id", source)
	}
}

func (r *Renewer) distinctSources(ctx context.Context, platform models.Platform) []string {
	subs, err := r.store.ListEnabledByPlatform(ctx, platform)
	if err != nil {
		r.logger.Error("listing subscriptions for renewal failed",
			"platform", platform,
			"error", err,
		)
		return nil
	}
	seen := make(map[string]struct{}, len(subs))
	var sources []string
	for _, sub := range subs {
		if _, ok := seen[sub.Source]; ok {
			continue
		}
		seen[sub.Source] = struct{}{}
		sources = append(sources, sub.Source)
	}
	return sources
}
