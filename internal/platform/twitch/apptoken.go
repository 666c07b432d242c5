package twitch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"streamrelay/internal/observability/metrics"
)

// DefaultTokenURL is Twitch's client-credentials token endpoint.
const DefaultTokenURL = "https://id.twitch.tv/oauth2/token"

// defaultExpiryMargin is subtracted from the advertised token lifetime so a
// token is refreshed before it can expire mid-request.
const defaultExpiryMargin = 60 * time.Second

// AuthError reports a failed credential refresh. It propagates to every
// caller awaiting the in-flight refresh; the cache is left empty so the next
// acquire retries.
type AuthError struct {
	Status int
	Err    error
}

func (e *AuthError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("twitch token refresh failed with status %d", e.Status)
	}
	return fmt.Sprintf("twitch token refresh failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// AppTokenSource owns the short-lived app access token obtained via the OAuth
// client-credentials grant. Acquire returns a currently valid token,
// refreshing at most once at a time: concurrent callers during a pending
// refresh share the same in-flight result instead of issuing duplicate
// requests.
type AppTokenSource struct {
	clientID     string
	clientSecret string
	tokenURL     string
	client       *http.Client
	margin       time.Duration
	now          func() time.Time
	metrics      *metrics.Recorder

	group   singleflight.Group
	mu      sync.Mutex
	token   string
	expires time.Time
}

// TokenOption customises the token source.
type TokenOption func(*AppTokenSource)

// WithTokenURL overrides the token endpoint, used by tests.
func WithTokenURL(url string) TokenOption {
	return func(s *AppTokenSource) {
		if strings.TrimSpace(url) != "" {
			s.tokenURL = url
		}
	}
}

// WithTokenHTTPClient overrides the HTTP client used for refresh calls.
func WithTokenHTTPClient(client *http.Client) TokenOption {
	return func(s *AppTokenSource) {
		if client != nil {
			s.client = client
		}
	}
}

// WithTokenClock overrides the clock, used by tests.
func WithTokenClock(now func() time.Time) TokenOption {
	return func(s *AppTokenSource) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTokenMetrics records refresh attempts on the given recorder.
func WithTokenMetrics(recorder *metrics.Recorder) TokenOption {
	return func(s *AppTokenSource) {
		if recorder != nil {
			s.metrics = recorder
		}
	}
}

// WithExpiryMargin adjusts how long before the advertised expiry a token is
// considered stale.
func WithExpiryMargin(margin time.Duration) TokenOption {
	return func(s *AppTokenSource) {
		if margin > 0 {
			s.margin = margin
		}
	}
}

// NewAppTokenSource constructs a token source for the given application
// credentials.
func NewAppTokenSource(clientID, clientSecret string, opts ...TokenOption) *AppTokenSource {
	source := &AppTokenSource{
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     DefaultTokenURL,
		client:       &http.Client{Timeout: 10 * time.Second},
		margin:       defaultExpiryMargin,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(source)
		}
	}
	return source
}

// Acquire returns a valid app access token, refreshing it when absent or
// within the expiry margin.
func (s *AppTokenSource) Acquire(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.token != "" && s.now().Before(s.expires) {
		token := s.token
		s.mu.Unlock()
		return token, nil
	}
	s.mu.Unlock()

	result, err, _ := s.group.Do("app-token", func() (interface{}, error) {
		return s.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (s *AppTokenSource) refresh(ctx context.Context) (_ string, err error) {
	// Another waiter may have completed a refresh between the staleness
	// check and this call; reuse its token instead of burning a request.
	s.mu.Lock()
	if s.token != "" && s.now().Before(s.expires) {
		token := s.token
		s.mu.Unlock()
		return token, nil
	}
	s.token = ""
	s.mu.Unlock()

	defer func() {
		if s.metrics != nil {
			s.metrics.ObserveTokenRefresh(err)
		}
	}()

	form := url.Values{
		"client_id":     {s.clientID},
		"client_secret": {s.clientSecret},
		"grant_type":    {"client_credentials"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", &AuthError{Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", &AuthError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &AuthError{Status: resp.StatusCode}
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", &AuthError{Err: fmt.Errorf("decode token response: %w", err)}
	}
	if payload.AccessToken == "" {
		return "", &AuthError{Err: fmt.Errorf("token response carried no access token")}
	}

	s.mu.Lock()
	s.token = payload.AccessToken
	s.expires = s.now().Add(time.Duration(payload.ExpiresIn)*time.Second - s.margin)
	token := s.token
	s.mu.Unlock()
	return token, nil
}

// Invalidate drops the cached token so the next Acquire refreshes. Used when
// an API call reports the token was revoked upstream.
func (s *AppTokenSource) Invalidate() {
	s.mu.Lock()
	s.token = ""
	s.expires = time.Time{}
	s.mu.Unlock()
}
