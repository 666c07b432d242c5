package poller

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"streamrelay/internal/models"
	"streamrelay/internal/notify"
	"streamrelay/internal/observability/metrics"
	"streamrelay/internal/platform/twitch"
	"streamrelay/internal/platform/youtube"
)

type fakeLister struct {
	subs []models.Subscription
	err  error
}

func (f *fakeLister) ListEnabledByPlatform(_ context.Context, platform models.Platform) ([]models.Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []models.Subscription
	for _, sub := range f.subs {
		if sub.Platform == platform {
			out = append(out, sub)
		}
	}
	return out, nil
}

type fakeClearer struct {
	mu      sync.Mutex
	cleared []int64
}

func (f *fakeClearer) ClearState(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, id)
	return nil
}

type fakeTwitchAPI struct {
	mu      sync.Mutex
	streams map[string]*twitch.Stream
	errs    map[string]error
	calls   int
}

func (f *fakeTwitchAPI) StreamByUserID(_ context.Context, userID string) (*twitch.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err, ok := f.errs[userID]; ok {
		return nil, err
	}
	return f.streams[userID], nil
}

type fakeYouTubeAPI struct {
	videos map[string]*youtube.Video
}

func (f *fakeYouTubeAPI) LatestVideo(_ context.Context, channelID string) (*youtube.Video, error) {
	return f.videos[channelID], nil
}

type captureQueue struct {
	mu     sync.Mutex
	events []notify.Event
}

func (q *captureQueue) Publish(_ context.Context, event notify.Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, event)
	return nil
}

func (q *captureQueue) Subscribe() notify.Subscription {
	return nil
}

func (q *captureQueue) published() []notify.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]notify.Event, len(q.events))
	copy(out, q.events)
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func strPtr(s string) *string {
	return &s
}

func twitchSub(id int64, source string, lastState *string) models.Subscription {
	return models.Subscription{
		ID:          id,
		TenantID:    "tenant-1",
		Platform:    models.PlatformTwitch,
		Source:      source,
		DisplayName: "streamer",
		Enabled:     true,
		LastState:   lastState,
	}
}

func TestSweepPublishesNewBroadcast(t *testing.T) {
	api := &fakeTwitchAPI{streams: map[string]*twitch.Stream{
		"u1": {
			ID:           "stream-1",
			UserID:       "u1",
			UserLogin:    "streamer",
			UserName:     "Streamer",
			GameName:     "Tetris",
			Title:        "ranked grind",
			ViewerCount:  42,
			ThumbnailURL: "https://cdn.example/{width}x{height}.jpg",
		},
	}}
	queue := &captureQueue{}
	runner, err := NewRunner(Config{
		Source:        NewTwitchSource(api),
		Store:         &fakeLister{subs: []models.Subscription{twitchSub(1, "u1", nil)}},
		Queue:         queue,
		ClearOnAbsent: true,
		Clearer:       &fakeClearer{},
		Logger:        quietLogger(),
	})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	runner.Sweep(context.Background())

	events := queue.published()
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	ev := events[0]
	if ev.StateToken != "stream-1" || ev.Platform != models.PlatformTwitch {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.ThumbnailURL != "https://cdn.example/1280x720.jpg" {
		t.Fatalf("thumbnail not resolved: %q", ev.ThumbnailURL)
	}
	if ev.URL != "https://twitch.tv/streamer" || ev.Game != "Tetris" || ev.ViewerCount != 42 {
		t.Fatalf("unexpected event fields %+v", ev)
	}
}

func TestSweepSkipsUnchangedState(t *testing.T) {
	api := &fakeTwitchAPI{streams: map[string]*twitch.Stream{
		"u1": {ID: "stream-1", UserLogin: "streamer"},
	}}
	queue := &captureQueue{}
	runner, err := NewRunner(Config{
		Source:        NewTwitchSource(api),
		Store:         &fakeLister{subs: []models.Subscription{twitchSub(1, "u1", strPtr("stream-1"))}},
		Queue:         queue,
		ClearOnAbsent: true,
		Clearer:       &fakeClearer{},
		Logger:        quietLogger(),
	})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	runner.Sweep(context.Background())

	if got := len(queue.published()); got != 0 {
		t.Fatalf("expected no events for unchanged state, got %d", got)
	}
}

func TestSweepClearsOfflineState(t *testing.T) {
	api := &fakeTwitchAPI{streams: map[string]*twitch.Stream{}}
	queue := &captureQueue{}
	clearer := &fakeClearer{}
	runner, err := NewRunner(Config{
		Source:        NewTwitchSource(api),
		Store:         &fakeLister{subs: []models.Subscription{twitchSub(1, "u1", strPtr("stream-1"))}},
		Queue:         queue,
		ClearOnAbsent: true,
		Clearer:       clearer,
		Logger:        quietLogger(),
	})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	runner.Sweep(context.Background())

	if len(clearer.cleared) != 1 || clearer.cleared[0] != 1 {
		t.Fatalf("expected state cleared for subscription 1, got %v", clearer.cleared)
	}
	if got := len(queue.published()); got != 0 {
		t.Fatalf("expected no events while offline, got %d", got)
	}
}

func TestSweepIsolatesFailures(t *testing.T) {
	api := &fakeTwitchAPI{
		streams: map[string]*twitch.Stream{
			"u2": {ID: "stream-2", UserLogin: "other"},
		},
		errs: map[string]error{
			"u1": &twitch.TransientError{Operation: "streams", Status: 503, Err: errors.New("upstream down")},
		},
	}
	queue := &captureQueue{}
	recorder := metrics.New()
	runner, err := NewRunner(Config{
		Source: NewTwitchSource(api),
		Store: &fakeLister{subs: []models.Subscription{
			twitchSub(1, "u1", nil),
			twitchSub(2, "u2", nil),
		}},
		Queue:         queue,
		ClearOnAbsent: true,
		Clearer:       &fakeClearer{},
		Logger:        quietLogger(),
		Metrics:       recorder,
	})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	runner.Sweep(context.Background())

	events := queue.published()
	if len(events) != 1 || events[0].SubscriptionID != 2 {
		t.Fatalf("expected the healthy subscription to still publish, got %+v", events)
	}
}

func TestYouTubeSourceNeverClears(t *testing.T) {
	api := &fakeYouTubeAPI{videos: map[string]*youtube.Video{}}
	queue := &captureQueue{}
	clearer := &fakeClearer{}
	runner, err := NewRunner(Config{
		Source: NewYouTubeSource(api),
		Store: &fakeLister{subs: []models.Subscription{{
			ID:        1,
			TenantID:  "tenant-1",
			Platform:  models.PlatformYouTube,
			Source:    "UC123",
			Enabled:   true,
			LastState: strPtr("video-old"),
		}}},
		Queue:   queue,
		Clearer: clearer,
		Logger:  quietLogger(),
	})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	runner.Sweep(context.Background())

	if len(clearer.cleared) != 0 {
		t.Fatalf("youtube sweep must never clear state, got %v", clearer.cleared)
	}
}

func TestYouTubeSourcePublishesUpload(t *testing.T) {
	api := &fakeYouTubeAPI{videos: map[string]*youtube.Video{
		"UC123": {
			ID:           "vid-9",
			Title:        "devlog 12",
			ChannelID:    "UC123",
			ChannelTitle: "Maker",
			ThumbnailURL: "https://i.ytimg.com/vi/vid-9/maxresdefault.jpg",
		},
	}}
	queue := &captureQueue{}
	runner, err := NewRunner(Config{
		Source: NewYouTubeSource(api),
		Store: &fakeLister{subs: []models.Subscription{{
			ID:        1,
			TenantID:  "tenant-1",
			Platform:  models.PlatformYouTube,
			Source:    "UC123",
			Enabled:   true,
			LastState: strPtr("vid-8"),
		}}},
		Queue:  queue,
		Logger: quietLogger(),
	})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	runner.Sweep(context.Background())

	events := queue.published()
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	if events[0].StateToken != "vid-9" || events[0].URL != "https://www.youtube.com/watch?v=vid-9" {
		t.Fatalf("unexpected event %+v", events[0])
	}
	if events[0].AuthorName != "Maker" {
		t.Fatalf("unexpected author %q", events[0].AuthorName)
	}
}

func TestNewRunnerValidation(t *testing.T) {
	if _, err := NewRunner(Config{}); err == nil {
		t.Fatal("expected missing source error")
	}
	if _, err := NewRunner(Config{
		Source:        NewTwitchSource(&fakeTwitchAPI{}),
		Store:         &fakeLister{},
		Queue:         &captureQueue{},
		ClearOnAbsent: true,
	}); err == nil {
		t.Fatal("expected missing clearer error")
	}
}
