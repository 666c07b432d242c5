package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"streamrelay/internal/models"
	"streamrelay/internal/observability/metrics"
	"streamrelay/internal/storage"
)

// StateStore is the slice of the repository the dispatcher needs. The
// dispatcher is the only component that writes last-seen state; detection
// paths publish events and leave the claim to it.
type StateStore interface {
	ClaimState(ctx context.Context, id int64, token string) (bool, error)
	ClearState(ctx context.Context, id int64) error
	GetSubscription(ctx context.Context, id int64) (models.Subscription, error)
	GetTenant(ctx context.Context, id string) (models.Tenant, error)
}

// DispatcherOption customises dispatcher construction.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger overrides the default logger.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithDispatcherMetrics attaches a metrics recorder.
func WithDispatcherMetrics(recorder *metrics.Recorder) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = recorder
	}
}

// WithSendTimeout bounds each delivery attempt.
func WithSendTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.sendTimeout = timeout
		}
	}
}

// Dispatcher claims events and delivers announcements. Claiming happens
// before the send so that whichever detection path loses the race is
// suppressed without a duplicate message; a failed send is logged but the
// claim is kept, trading a lost announcement for never repeating one.
type Dispatcher struct {
	store       StateStore
	messenger   Messenger
	logger      *slog.Logger
	metrics     *metrics.Recorder
	sendTimeout time.Duration
}

// NewDispatcher wires the dispatcher with its collaborators.
func NewDispatcher(store StateStore, messenger Messenger, opts ...DispatcherOption) (*Dispatcher, error) {
	if store == nil {
		return nil, errors.New("state store is required")
	}
	if messenger == nil {
		return nil, errors.New("messenger is required")
	}
	d := &Dispatcher{
		store:       store,
		messenger:   messenger,
		logger:      slog.Default(),
		sendTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Dispatch claims the event's state token and, on a won claim, delivers the
// announcement. A lost claim means the other detection path already handled
// the event; that is the expected outcome of the race, not an error.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) error {
	claimed, err := d.store.ClaimState(ctx, ev.SubscriptionID, ev.StateToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			d.logger.Warn("event for unknown subscription dropped",
				"subscription_id", ev.SubscriptionID,
				"platform", ev.Platform,
			)
			return nil
		}
		return fmt.Errorf("claim state for subscription %d: %w", ev.SubscriptionID, err)
	}
	if !claimed {
		d.logger.Debug("duplicate event suppressed",
			"subscription_id", ev.SubscriptionID,
			"platform", ev.Platform,
			"state_token", ev.StateToken,
			"origin", ev.Origin,
		)
		if d.metrics != nil {
			d.metrics.ObserveSuppressed(string(ev.Platform))
		}
		return nil
	}

	sub, err := d.store.GetSubscription(ctx, ev.SubscriptionID)
	if err != nil {
		d.logger.Error("subscription lookup failed after claim",
			"subscription_id", ev.SubscriptionID,
			"error", err,
		)
		if d.metrics != nil {
			d.metrics.ObserveDeliveryFailure(string(ev.Platform))
		}
		return nil
	}
	tenant, err := d.store.GetTenant(ctx, sub.TenantID)
	if err != nil {
		d.logger.Error("tenant lookup failed after claim",
			"subscription_id", ev.SubscriptionID,
			"tenant_id", sub.TenantID,
			"error", err,
		)
		if d.metrics != nil {
			d.metrics.ObserveDeliveryFailure(string(ev.Platform))
		}
		return nil
	}
	channelID := sub.Destination(tenant)
	if channelID == "" {
		d.logger.Warn("no destination channel for subscription",
			"subscription_id", ev.SubscriptionID,
			"tenant_id", sub.TenantID,
		)
		if d.metrics != nil {
			d.metrics.ObserveDeliveryFailure(string(ev.Platform))
		}
		return nil
	}

	msg := renderMessage(channelID, sub.RoleID, ev)
	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()
	if err := d.messenger.Send(sendCtx, msg); err != nil {
		// The claim stands: retrying would risk a duplicate if the
		// send actually went through.
		d.logger.Error("announcement delivery failed",
			"subscription_id", ev.SubscriptionID,
			"platform", ev.Platform,
			"channel_id", channelID,
			"error", err,
		)
		if d.metrics != nil {
			d.metrics.ObserveDeliveryFailure(string(ev.Platform))
		}
		return nil
	}
	d.logger.Info("announcement delivered",
		"subscription_id", ev.SubscriptionID,
		"platform", ev.Platform,
		"channel_id", channelID,
		"state_token", ev.StateToken,
		"origin", ev.Origin,
	)
	if d.metrics != nil {
		d.metrics.ObserveDelivery(string(ev.Platform))
	}
	return nil
}

// ClearState forgets the last-seen token for a subscription. The poller calls
// this when a watched Twitch stream goes offline so the next broadcast is
// announced again.
func (d *Dispatcher) ClearState(ctx context.Context, id int64) error {
	if err := d.store.ClearState(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("clear state for subscription %d: %w", id, err)
	}
	return nil
}

// Run consumes the queue until the context is cancelled. Dispatch errors are
// logged; the loop keeps going.
func (d *Dispatcher) Run(ctx context.Context, queue Queue) {
	sub := queue.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := d.Dispatch(ctx, ev); err != nil {
				d.logger.Error("dispatch failed",
					"subscription_id", ev.SubscriptionID,
					"error", err,
				)
			}
		}
	}
}
