package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"streamrelay/internal/models"
	"streamrelay/internal/observability/metrics"
	"streamrelay/internal/storage"
)

type fakeStore struct {
	mu     sync.Mutex
	states map[int64]string
	subs   map[int64]models.Subscription
	tenant models.Tenant

	claimErr error
	cleared  []int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		states: make(map[int64]string),
		subs:   make(map[int64]models.Subscription),
		tenant: models.Tenant{ID: "tenant-1", DefaultChannelID: "chan-default"},
	}
}

func (f *fakeStore) ClaimState(_ context.Context, id int64, token string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return false, f.claimErr
	}
	if _, ok := f.subs[id]; !ok {
		return false, storage.ErrNotFound
	}
	if current, ok := f.states[id]; ok && current == token {
		return false, nil
	}
	f.states[id] = token
	return true, nil
}

func (f *fakeStore) ClearState(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[id]; !ok {
		return storage.ErrNotFound
	}
	delete(f.states, id)
	f.cleared = append(f.cleared, id)
	return nil
}

func (f *fakeStore) GetSubscription(_ context.Context, id int64) (models.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[id]
	if !ok {
		return models.Subscription{}, storage.ErrNotFound
	}
	return sub, nil
}

func (f *fakeStore) GetTenant(_ context.Context, id string) (models.Tenant, error) {
	if id != f.tenant.ID {
		return models.Tenant{}, storage.ErrNotFound
	}
	return f.tenant, nil
}

type fakeMessenger struct {
	mu      sync.Mutex
	sent    []Message
	sendErr error
}

func (m *fakeMessenger) Send(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *fakeMessenger) messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.sent))
	copy(out, m.sent)
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEvent(subID int64, token string) Event {
	return Event{
		SubscriptionID: subID,
		TenantID:       "tenant-1",
		Platform:       models.PlatformTwitch,
		Source:         "streamer",
		StateToken:     token,
		Origin:         OriginPoll,
		Title:          "Speedrun Sunday",
		AuthorName:     "Streamer",
		URL:            "https://www.twitch.tv/streamer",
		ObservedAt:     time.Now().UTC(),
	}
}

func TestDispatchDeliversOnce(t *testing.T) {
	store := newFakeStore()
	store.subs[1] = models.Subscription{ID: 1, TenantID: "tenant-1", Platform: models.PlatformTwitch, RoleID: "role-9"}
	messenger := &fakeMessenger{}
	recorder := metrics.New()
	dispatcher, err := NewDispatcher(store, messenger,
		WithDispatcherLogger(quietLogger()),
		WithDispatcherMetrics(recorder),
	)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	ev := testEvent(1, "stream-42")
	if err := dispatcher.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	// Second arrival of the same observation, e.g. the webhook path losing
	// the race to the poller.
	ev.Origin = OriginWebhook
	if err := dispatcher.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("second dispatch: %v", err)
	}

	sent := messenger.messages()
	if len(sent) != 1 {
		t.Fatalf("expected exactly one delivery, got %d", len(sent))
	}
	if sent[0].ChannelID != "chan-default" {
		t.Fatalf("expected tenant default channel, got %q", sent[0].ChannelID)
	}
	if sent[0].Content != "<@&role-9> Streamer is now live on Twitch!" {
		t.Fatalf("unexpected content %q", sent[0].Content)
	}
	deliveries, suppressed := recorder.Counts()
	if deliveries["twitch"] != 1 || suppressed["twitch"] != 1 {
		t.Fatalf("unexpected counters: deliveries=%v suppressed=%v", deliveries, suppressed)
	}
}

func TestDispatchConcurrentSingleWinner(t *testing.T) {
	store := newFakeStore()
	store.subs[1] = models.Subscription{ID: 1, TenantID: "tenant-1", Platform: models.PlatformTwitch}
	messenger := &fakeMessenger{}
	dispatcher, err := NewDispatcher(store, messenger, WithDispatcherLogger(quietLogger()))
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	const workers = 16
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_ = dispatcher.Dispatch(context.Background(), testEvent(1, "stream-7"))
		}()
	}
	close(start)
	wg.Wait()

	if got := len(messenger.messages()); got != 1 {
		t.Fatalf("expected one winner across %d dispatchers, got %d deliveries", workers, got)
	}
}

func TestDispatchChannelOverride(t *testing.T) {
	store := newFakeStore()
	store.subs[1] = models.Subscription{ID: 1, TenantID: "tenant-1", Platform: models.PlatformYouTube, ChannelID: "chan-override"}
	messenger := &fakeMessenger{}
	dispatcher, err := NewDispatcher(store, messenger, WithDispatcherLogger(quietLogger()))
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	ev := testEvent(1, "video-9")
	ev.Platform = models.PlatformYouTube
	if err := dispatcher.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	sent := messenger.messages()
	if len(sent) != 1 || sent[0].ChannelID != "chan-override" {
		t.Fatalf("expected override channel, got %+v", sent)
	}
	if sent[0].Content != "Streamer uploaded a new video!" {
		t.Fatalf("unexpected content %q", sent[0].Content)
	}
}

func TestDispatchSendFailureKeepsClaim(t *testing.T) {
	store := newFakeStore()
	store.subs[1] = models.Subscription{ID: 1, TenantID: "tenant-1", Platform: models.PlatformTwitch}
	messenger := &fakeMessenger{sendErr: errors.New("gateway unavailable")}
	recorder := metrics.New()
	dispatcher, err := NewDispatcher(store, messenger,
		WithDispatcherLogger(quietLogger()),
		WithDispatcherMetrics(recorder),
	)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	if err := dispatcher.Dispatch(context.Background(), testEvent(1, "stream-1")); err != nil {
		t.Fatalf("dispatch with failing send: %v", err)
	}
	// Claim stands: the same token must not be re-announced even after the
	// transport recovers.
	messenger.sendErr = nil
	if err := dispatcher.Dispatch(context.Background(), testEvent(1, "stream-1")); err != nil {
		t.Fatalf("redispatch: %v", err)
	}
	if got := len(messenger.messages()); got != 0 {
		t.Fatalf("expected no deliveries after failed send, got %d", got)
	}
}

func TestDispatchUnknownSubscriptionDropped(t *testing.T) {
	store := newFakeStore()
	messenger := &fakeMessenger{}
	dispatcher, err := NewDispatcher(store, messenger, WithDispatcherLogger(quietLogger()))
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	if err := dispatcher.Dispatch(context.Background(), testEvent(404, "stream-1")); err != nil {
		t.Fatalf("expected unknown subscription to be dropped, got %v", err)
	}
}

func TestClearState(t *testing.T) {
	store := newFakeStore()
	store.subs[1] = models.Subscription{ID: 1, TenantID: "tenant-1", Platform: models.PlatformTwitch}
	messenger := &fakeMessenger{}
	dispatcher, err := NewDispatcher(store, messenger, WithDispatcherLogger(quietLogger()))
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	if err := dispatcher.Dispatch(context.Background(), testEvent(1, "stream-1")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if err := dispatcher.ClearState(context.Background(), 1); err != nil {
		t.Fatalf("clear state: %v", err)
	}
	// A fresh broadcast with the same token after going offline announces
	// again.
	if err := dispatcher.Dispatch(context.Background(), testEvent(1, "stream-1")); err != nil {
		t.Fatalf("redispatch: %v", err)
	}
	if got := len(messenger.messages()); got != 2 {
		t.Fatalf("expected a second delivery after clear, got %d", got)
	}
	if err := dispatcher.ClearState(context.Background(), 404); err != nil {
		t.Fatalf("clear state for missing subscription should be a no-op, got %v", err)
	}
}

func TestRunConsumesQueue(t *testing.T) {
	store := newFakeStore()
	store.subs[1] = models.Subscription{ID: 1, TenantID: "tenant-1", Platform: models.PlatformTwitch}
	messenger := &fakeMessenger{}
	dispatcher, err := NewDispatcher(store, messenger, WithDispatcherLogger(quietLogger()))
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	queue := NewMemoryQueue(8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		dispatcher.Run(ctx, queue)
	}()

	// Give the consumer a moment to subscribe before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := queue.Publish(context.Background(), testEvent(1, "stream-99")); err != nil {
			t.Fatalf("publish: %v", err)
		}
		if len(messenger.messages()) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("dispatcher never consumed the event")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
	if got := len(messenger.messages()); got != 1 {
		t.Fatalf("expected one delivery, got %d", got)
	}
}
