package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"streamrelay/internal/models"
	"streamrelay/internal/notify"
	"streamrelay/internal/observability/metrics"
	"streamrelay/internal/webhook"
)

type nullStore struct{}

func (nullStore) ListEnabledBySource(context.Context, models.Platform, string) ([]models.Subscription, error) {
	return nil, nil
}

type nullQueue struct{}

func (nullQueue) Publish(context.Context, notify.Event) error { return nil }
func (nullQueue) Subscribe() notify.Subscription              { return nil }

type fakePinger struct {
	err error
}

func (p *fakePinger) Ping(context.Context) error {
	return p.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	gateway, err := webhook.NewGateway(nullStore{}, nullQueue{}, "s3cret", webhook.WithGatewayLogger(quietLogger()))
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	srv, err := New(gateway, cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, Config{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected health response %d %q", rec.Code, rec.Body.String())
	}
}

func TestHealthEndpointReportsStoreOutage(t *testing.T) {
	srv := newTestServer(t, Config{Pinger: &fakePinger{err: errors.New("connection refused")}})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when store is down, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	recorder := metrics.New()
	recorder.ObserveDelivery("twitch")
	srv := newTestServer(t, Config{Metrics: recorder})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "streamrelay_deliveries_total") {
		t.Fatalf("metrics body missing delivery counter:\n%s", rec.Body.String())
	}
}

func TestRequestIDHeaderAssigned(t *testing.T) {
	srv := newTestServer(t, Config{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected generated request id header")
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "req-42")
	srv.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-Id"); got != "req-42" {
		t.Fatalf("expected propagated request id, got %q", got)
	}
}

func TestGlobalRateLimit(t *testing.T) {
	srv := newTestServer(t, Config{RateLimit: RateLimitConfig{GlobalRPS: 1, GlobalBurst: 1}})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request should be limited, got %d", rec.Code)
	}
}

func TestCallbackRateLimit(t *testing.T) {
	srv := newTestServer(t, Config{RateLimit: RateLimitConfig{
		CallbackLimit:  1,
		CallbackWindow: time.Minute,
	}})

	post := func() int {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/webhooks/twitch", strings.NewReader("{}"))
		req.RemoteAddr = "203.0.113.9:4421"
		srv.Handler().ServeHTTP(rec, req)
		return rec.Code
	}

	if code := post(); code == http.StatusTooManyRequests {
		t.Fatalf("first callback should not be limited, got %d", code)
	}
	if code := post(); code != http.StatusTooManyRequests {
		t.Fatalf("second callback should be limited, got %d", code)
	}

	// Reads stay unthrottled.
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health should pass, got %d", rec.Code)
	}
}
