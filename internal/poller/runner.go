package poller

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"streamrelay/internal/models"
	"streamrelay/internal/notify"
	"streamrelay/internal/observability/metrics"
)

// DefaultTwitchInterval matches the cadence the live checks have always run
// at; YouTube uploads change slower and poll at a gentler pace.
const (
	DefaultTwitchInterval  = time.Minute
	DefaultYouTubeInterval = 3 * time.Minute
	defaultConcurrency     = 4
)

// SubscriptionLister supplies the enabled subscriptions for one platform.
type SubscriptionLister interface {
	ListEnabledByPlatform(ctx context.Context, platform models.Platform) ([]models.Subscription, error)
}

// StateClearer forgets recorded state when a watched stream goes offline. The
// dispatcher implements it so all state writes stay in one place.
type StateClearer interface {
	ClearState(ctx context.Context, id int64) error
}

// Config wires a Runner for one platform.
type Config struct {
	Source   Source
	Store    SubscriptionLister
	Queue    notify.Queue
	Interval time.Duration
	// ClearOnAbsent drops recorded state when the source reports nothing
	// live. Set for Twitch, where offline-then-online is a fresh
	// broadcast; uploads never un-happen, so YouTube leaves it off.
	ClearOnAbsent bool
	Clearer       StateClearer
	Concurrency   int64
	Logger        *slog.Logger
	Metrics       *metrics.Recorder
}

// Runner sweeps one platform's enabled subscriptions on a fixed interval and
// publishes an event for every state change it observes. Each subscription is
// handled independently: one failing upstream call never aborts the sweep.
type Runner struct {
	source      Source
	store       SubscriptionLister
	queue       notify.Queue
	interval    time.Duration
	clearAbsent bool
	clearer     StateClearer
	concurrency int64
	sem         *semaphore.Weighted
	logger      *slog.Logger
	metrics     *metrics.Recorder
}

// NewRunner validates the config and builds a Runner.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Source == nil {
		return nil, errors.New("source is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("queue is required")
	}
	if cfg.ClearOnAbsent && cfg.Clearer == nil {
		return nil, errors.New("clearer is required when clearing on absence")
	}
	interval := cfg.Interval
	if interval <= 0 {
		switch cfg.Source.Platform() {
		case models.PlatformYouTube:
			interval = DefaultYouTubeInterval
		default:
			interval = DefaultTwitchInterval
		}
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		source:      cfg.Source,
		store:       cfg.Store,
		queue:       cfg.Queue,
		interval:    interval,
		clearAbsent: cfg.ClearOnAbsent,
		clearer:     cfg.Clearer,
		concurrency: concurrency,
		sem:         semaphore.NewWeighted(concurrency),
		logger:      logger.With("platform", string(cfg.Source.Platform())),
		metrics:     cfg.Metrics,
	}, nil
}

// Run sweeps immediately, then on every tick until the context is cancelled.
func (r *Runner) Run(ctx context.Context) {
	r.Sweep(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep checks every enabled subscription once.
func (r *Runner) Sweep(ctx context.Context) {
	platform := r.source.Platform()
	subs, err := r.store.ListEnabledByPlatform(ctx, platform)
	if err != nil {
		r.logger.Error("listing subscriptions for sweep failed", "error", err)
		if r.metrics != nil {
			r.metrics.ObservePollError(string(platform))
		}
		return
	}
	for _, sub := range subs {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return
		}
		go func(sub models.Subscription) {
			defer r.sem.Release(1)
			r.check(ctx, sub)
		}(sub)
	}
	// Wait for in-flight checks so a sweep is fully done before the next
	// tick can start one.
	if err := r.sem.Acquire(ctx, r.concurrency); err == nil {
		r.sem.Release(r.concurrency)
	}
	if r.metrics != nil {
		r.metrics.ObserveSweep(string(platform))
	}
}

func (r *Runner) check(ctx context.Context, sub models.Subscription) {
	event, err := r.source.Observe(ctx, sub)
	if err != nil {
		r.logger.Warn("subscription check failed",
			"subscription_id", sub.ID,
			"source", sub.Source,
			"error", err,
		)
		if r.metrics != nil {
			r.metrics.ObservePollError(string(sub.Platform))
		}
		return
	}
	if event == nil {
		if r.clearAbsent && sub.LastState != nil {
			if err := r.clearer.ClearState(ctx, sub.ID); err != nil {
				r.logger.Warn("clearing offline state failed",
					"subscription_id", sub.ID,
					"error", err,
				)
			}
		}
		return
	}
	// Cheap pre-check; the dispatcher's claim is still the authority when
	// the webhook path races this one.
	if sub.LastState != nil && *sub.LastState == event.StateToken {
		return
	}
	if err := r.queue.Publish(ctx, *event); err != nil {
		r.logger.Error("publishing event failed",
			"subscription_id", sub.ID,
			"error", err,
		)
	}
}
