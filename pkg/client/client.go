// Package client provides the posts fetch service: paged HTTP requests
// against the posts endpoint, page decoding, and the page cursor and
// in-flight state that sequence them.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/Sternrassler/postfeed/pkg/dispatch"
	"github.com/Sternrassler/postfeed/pkg/lease"
	"github.com/Sternrassler/postfeed/pkg/logging"
	"github.com/Sternrassler/postfeed/pkg/post"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Prometheus metrics for page fetches.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "postfeed_requests_total",
		Help: "Total page requests by HTTP status",
	}, []string{"status"})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "postfeed_request_duration_seconds",
		Help:    "Page request duration in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	fetchErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "postfeed_fetch_errors_total",
		Help: "Total failed page fetches by error kind",
	}, []string{"kind"})

	fetchRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "postfeed_fetch_rejected_total",
		Help: "Total fetches rejected because another fetch was in flight",
	})

	pageCursorGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "postfeed_page_cursor",
		Help: "Next page number to be requested",
	})
)

const (
	// DefaultBaseURL is the public posts API.
	DefaultBaseURL = "https://jsonplaceholder.typicode.com"

	// DefaultPageSize is the number of posts requested per page.
	DefaultPageSize = 10

	postsPath = "posts"

	// leaseReleaseTimeout bounds releasing the lease after the request
	// context may already be gone.
	leaseReleaseTimeout = 5 * time.Second
)

var errEmptyBody = errors.New("response has no body")

// Config holds the fetch service configuration.
type Config struct {
	// BaseURL of the API; pages are requested from <BaseURL>/posts
	BaseURL string

	// PageSize is sent as _limit on every request
	PageSize int

	// UserAgent header, optional
	UserAgent string

	// Timeout of the underlying HTTP client (0 = no timeout)
	Timeout time.Duration

	// HTTPClient overrides the default client; Timeout is ignored when set
	HTTPClient *http.Client

	// Rate Limiting
	RateLimit float64 // Requests per second, 0 disables pacing
	Burst     int

	// Executor receives every fetch completion (default: dispatch.Inline,
	// which runs it on the fetch goroutine)
	Executor dispatch.Executor

	// Lease, when set, must be held for a request to be in flight
	Lease lease.Lease

	// Logger defaults to the "post-fetch" component logger
	Logger *zerolog.Logger
}

// DefaultConfig returns the configuration used against the public API.
func DefaultConfig() Config {
	return Config{
		BaseURL:  DefaultBaseURL,
		PageSize: DefaultPageSize,
		Timeout:  30 * time.Second,
		Executor: dispatch.Inline,
	}
}

// Service fetches consecutive pages of posts.
//
// The service owns the page cursor and the in-flight flag. Starting a fetch
// is an atomic transition from idle to fetching; a second FetchPage while
// one is outstanding is rejected with ErrFetchInProgress. Completions are
// applied on the configured Executor: the cursor advances there on success
// only, and the in-flight flag is cleared there on every path.
//
// With dispatch.Inline (the default) completions run on the goroutine that
// performed the fetch, so successive completions may run on different
// goroutines. Use a dispatch.Loop for a single goroutine applying every
// completion.
type Service struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	exec       dispatch.Executor
	lease      lease.Lease
	config     Config
	logger     zerolog.Logger

	mu       sync.Mutex
	cursor   int
	fetching bool
}

// New creates a fetch service starting at page 1.
func New(cfg Config) (*Service, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}

	if cfg.PageSize < 1 {
		return nil, fmt.Errorf("page_size must be >= 1 (got %d)", cfg.PageSize)
	}

	if cfg.RateLimit < 0 {
		return nil, fmt.Errorf("rate_limit must be >= 0 (got %g)", cfg.RateLimit)
	}

	if cfg.RateLimit > 0 && cfg.Burst < 1 {
		return nil, fmt.Errorf("burst must be >= 1 when rate limiting (got %d)", cfg.Burst)
	}

	logger := logging.NewLogger("post-fetch")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 5 * time.Second,
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst)
	}

	exec := cfg.Executor
	if exec == nil {
		exec = dispatch.Inline
	}

	pageCursorGauge.Set(1)

	return &Service{
		httpClient: httpClient,
		limiter:    limiter,
		exec:       exec,
		lease:      cfg.Lease,
		config:     cfg,
		logger:     logger,
		cursor:     1,
	}, nil
}

// Cursor returns the next page number to be requested.
func (s *Service) Cursor() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// IsFetching reports whether a fetch is in flight.
func (s *Service) IsFetching() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetching
}

// PageSize returns the number of posts requested per page.
func (s *Service) PageSize() int {
	return s.config.PageSize
}

// FetchPage requests the page at the cursor without blocking.
//
// onDone (may be nil) runs on the configured Executor once the outcome is
// known, after the service state has been updated; the returned Task
// resolves right after it. Every call completes with either posts or an
// error. A call made while another fetch is in flight issues no request
// and completes with ErrFetchInProgress.
func (s *Service) FetchPage(ctx context.Context, onDone func(PageResult)) *Task {
	s.mu.Lock()
	if s.fetching {
		s.mu.Unlock()
		fetchRejectedTotal.Inc()
		s.logger.Debug().Msg("Fetch rejected: another fetch is in flight")

		task := newTask(0)
		s.deliver(func() {
			result := PageResult{Err: ErrFetchInProgress}
			defer task.resolve(result)
			if onDone != nil {
				onDone(result)
			}
		})
		return task
	}
	s.fetching = true
	page := s.cursor
	s.mu.Unlock()

	task := newTask(page)
	go s.run(ctx, task, page, onDone)
	return task
}

// run performs one fetch off the caller's goroutine.
func (s *Service) run(ctx context.Context, task *Task, page int, onDone func(PageResult)) {
	if s.lease != nil {
		ok, err := s.lease.Acquire(ctx)
		if err != nil {
			s.complete(task, page, nil, s.fail(KindLease, page, 0, "", err), onDone)
			return
		}
		if !ok {
			fetchRejectedTotal.Inc()
			s.logger.Debug().Int("page", page).Msg("Fetch rejected: lease held elsewhere")
			s.complete(task, page, nil, &FetchError{Kind: KindLease, Page: page, Err: ErrLeaseContended}, onDone)
			return
		}
	}

	posts, err := s.fetch(ctx, page)

	if s.lease != nil {
		s.releaseLease(page)
	}
	s.complete(task, page, posts, err, onDone)
}

func (s *Service) releaseLease(page int) {
	ctx, cancel := context.WithTimeout(context.Background(), leaseReleaseTimeout)
	defer cancel()
	if err := s.lease.Release(ctx); err != nil {
		s.logger.Error().Err(err).Int("page", page).Msg("Failed to release lease")
	}
}

// complete applies the outcome on the executor.
func (s *Service) complete(task *Task, page int, posts []post.Post, err error, onDone func(PageResult)) {
	s.deliver(func() {
		s.mu.Lock()
		if err == nil {
			s.cursor = page + 1
			pageCursorGauge.Set(float64(s.cursor))
		}
		s.fetching = false
		s.mu.Unlock()

		result := PageResult{Page: page, Posts: posts, Err: err}
		defer task.resolve(result)
		if onDone != nil {
			onDone(result)
		}
	})
}

// deliver posts fn to the executor, running it in place if the executor no
// longer accepts work so that no completion is lost.
func (s *Service) deliver(fn func()) {
	if s.exec.Post(fn) {
		return
	}
	s.logger.Warn().Msg("Executor stopped, completing fetch on the fetch goroutine")
	fn()
}

// fetch issues the HTTP request for page and decodes the body.
func (s *Service) fetch(ctx context.Context, page int) ([]post.Post, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, s.fail(KindTransport, page, 0, "", fmt.Errorf("rate limiter: %w", err))
		}
	}

	pageURL, err := s.pageURL(page)
	if err != nil {
		return nil, s.fail(KindURL, page, 0, "", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, s.fail(KindURL, page, 0, pageURL, fmt.Errorf("create request: %w", err))
	}

	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if s.config.UserAgent != "" {
		req.Header.Set("User-Agent", s.config.UserAgent)
	}

	logger := s.logger.With().Int("page", page).Str("request_id", requestID).Logger()
	logger.Debug().Str("url", pageURL).Msg("Requesting page")

	startTime := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(startTime).Seconds())
	}()

	resp, err := s.httpClient.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues("network_error").Inc()
		return nil, s.fail(KindTransport, page, 0, pageURL, err)
	}
	defer resp.Body.Close()

	requestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, s.fail(KindInvalidResponse, page, resp.StatusCode, pageURL,
			fmt.Errorf("unexpected status %s", resp.Status))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, s.fail(KindTransport, page, resp.StatusCode, pageURL, fmt.Errorf("read body: %w", err))
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return nil, s.fail(KindInvalidResponse, page, resp.StatusCode, pageURL, errEmptyBody)
	}

	posts, err := post.DecodePage(body)
	if err != nil {
		return nil, s.fail(KindDecode, page, resp.StatusCode, pageURL, err)
	}

	logger.Info().
		Int("posts", len(posts)).
		Dur("duration", time.Since(startTime)).
		Msg("Page fetched")

	return posts, nil
}

// pageURL builds <BaseURL>/posts?_page=<page>&_limit=<size>.
func (s *Service) pageURL(page int) (string, error) {
	base, err := url.Parse(s.config.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}

	if (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return "", fmt.Errorf("base url %q is not an absolute http(s) URL", s.config.BaseURL)
	}

	u := base.JoinPath(postsPath)
	u.RawQuery = fmt.Sprintf("_page=%d&_limit=%d", page, s.config.PageSize)
	return u.String(), nil
}

// fail records and logs a fetch failure.
func (s *Service) fail(kind ErrorKind, page, status int, pageURL string, err error) *FetchError {
	fetchErrorsTotal.WithLabelValues(string(kind)).Inc()

	s.logger.Warn().
		Err(err).
		Int("page", page).
		Int("status", status).
		Str("error_kind", string(kind)).
		Msg("Page fetch failed")

	return &FetchError{
		Kind:       kind,
		Page:       page,
		StatusCode: status,
		URL:        pageURL,
		Err:        err,
	}
}
