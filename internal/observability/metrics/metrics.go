package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory counters for HTTP requests, deliveries,
// suppressed duplicates, detection sweeps, webhook outcomes, and credential
// refreshes. It coordinates concurrent writers via a RWMutex and renders the
// Prometheus text exposition format on demand.
type Recorder struct {
	mu                 sync.RWMutex
	requestCount       map[requestLabel]uint64
	requestDuration    map[requestLabel]time.Duration
	deliveries         map[string]uint64
	suppressed         map[string]uint64
	deliveryFailures   map[string]uint64
	pollErrors         map[string]uint64
	sweeps             map[string]uint64
	webhookRejected    map[string]uint64
	tokenRefreshes     uint64
	tokenRefreshErrors uint64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps.
func New() *Recorder {
	return &Recorder{
		requestCount:     make(map[requestLabel]uint64),
		requestDuration:  make(map[requestLabel]time.Duration),
		deliveries:       make(map[string]uint64),
		suppressed:       make(map[string]uint64),
		deliveryFailures: make(map[string]uint64),
		pollErrors:       make(map[string]uint64),
		sweeps:           make(map[string]uint64),
		webhookRejected:  make(map[string]uint64),
	}
}

// Default returns the process-wide recorder.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest records one handled HTTP request.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{method: method, path: path, status: fmt.Sprintf("%d", status)}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
}

// ObserveDelivery records a successfully claimed and dispatched notification.
func (r *Recorder) ObserveDelivery(platform string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries[platform]++
}

// ObserveSuppressed records a claim lost to the concurrent detection path.
func (r *Recorder) ObserveSuppressed(platform string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suppressed[platform]++
}

// ObserveDeliveryFailure records a send failure after a successful claim.
func (r *Recorder) ObserveDeliveryFailure(platform string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveryFailures[platform]++
}

// ObserveSweep records one completed poller sweep.
func (r *Recorder) ObserveSweep(platform string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweeps[platform]++
}

// ObservePollError records an isolated per-subscription fetch failure.
func (r *Recorder) ObservePollError(platform string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pollErrors[platform]++
}

// ObserveWebhookRejected records a webhook callback rejected before parsing.
func (r *Recorder) ObserveWebhookRejected(platform string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.webhookRejected[platform]++
}

// ObserveTokenRefresh records a credential refresh attempt and its outcome.
func (r *Recorder) ObserveTokenRefresh(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokenRefreshes++
	if err != nil {
		r.tokenRefreshErrors++
	}
}

// Reset clears all recorded values, used by tests.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.deliveries = make(map[string]uint64)
	r.suppressed = make(map[string]uint64)
	r.deliveryFailures = make(map[string]uint64)
	r.pollErrors = make(map[string]uint64)
	r.sweeps = make(map[string]uint64)
	r.webhookRejected = make(map[string]uint64)
	r.tokenRefreshes = 0
	r.tokenRefreshErrors = 0
}

// Handler serves the recorder contents in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the current counters to w.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()

	fmt.Fprintln(w, "# HELP streamrelay_http_requests_total Total number of HTTP requests processed")
	fmt.Fprintln(w, "# TYPE streamrelay_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "streamrelay_http_requests_total{method=%q,path=%q,status=%q} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP streamrelay_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE streamrelay_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "streamrelay_http_request_duration_seconds_sum{method=%q,path=%q,status=%q} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	writePlatformCounter(w, "streamrelay_deliveries_total", "Notifications delivered after a won claim", r.deliveries)
	writePlatformCounter(w, "streamrelay_suppressed_total", "Observations suppressed because the token was already claimed", r.suppressed)
	writePlatformCounter(w, "streamrelay_delivery_failures_total", "Send failures after a successful claim", r.deliveryFailures)
	writePlatformCounter(w, "streamrelay_sweeps_total", "Completed poller sweeps", r.sweeps)
	writePlatformCounter(w, "streamrelay_poll_errors_total", "Per-subscription fetch failures isolated during sweeps", r.pollErrors)
	writePlatformCounter(w, "streamrelay_webhook_rejected_total", "Webhook callbacks rejected before parsing", r.webhookRejected)

	fmt.Fprintln(w, "# HELP streamrelay_token_refreshes_total Credential refresh attempts")
	fmt.Fprintln(w, "# TYPE streamrelay_token_refreshes_total counter")
	fmt.Fprintf(w, "streamrelay_token_refreshes_total %d\n", r.tokenRefreshes)

	fmt.Fprintln(w, "# HELP streamrelay_token_refresh_errors_total Failed credential refresh attempts")
	fmt.Fprintln(w, "# TYPE streamrelay_token_refresh_errors_total counter")
	fmt.Fprintf(w, "streamrelay_token_refresh_errors_total %d\n", r.tokenRefreshErrors)
}

func writePlatformCounter(w io.Writer, name, help string, values map[string]uint64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	platforms := make([]string, 0, len(values))
	for platform := range values {
		platforms = append(platforms, platform)
	}
	sort.Strings(platforms)
	for _, platform := range platforms {
		fmt.Fprintf(w, "%s{platform=%q} %d\n", name, platform, values[platform])
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

// Counts exposes delivery and suppression totals for tests.
func (r *Recorder) Counts() (deliveries, suppressed map[string]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	deliveries = make(map[string]uint64, len(r.deliveries))
	for k, v := range r.deliveries {
		deliveries[k] = v
	}
	suppressed = make(map[string]uint64, len(r.suppressed))
	for k, v := range r.suppressed {
		suppressed[k] = v
	}
	return deliveries, suppressed
}
