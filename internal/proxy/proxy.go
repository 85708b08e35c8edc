package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/training-gateway/internal/cache"
	"github.com/example/training-gateway/internal/models"
	"github.com/example/training-gateway/internal/queue"
)

// HTTPClient abstracts the http.Client Do method for easier testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HealthChecker is the view of the health registry the forwarder needs.
type HealthChecker interface {
	IsAvailable(ctx context.Context, service string) bool
	URLOf(service string) (string, bool)
}

// Request is a client request after routing: the owning service, the
// upstream endpoint and the pieces of the original request that are
// forwarded or recorded.
type Request struct {
	Service   string
	Endpoint  string
	Method    string
	Headers   map[string]string
	Query     url.Values
	Data      any
	Identity  Identity
	RequestID string
}

// Result is what the gateway sends back to the client: either a verbatim
// upstream relay (Body + ContentType) or a gateway-originated envelope.
type Result struct {
	StatusCode  int
	ContentType string
	Body        []byte
	Envelope    *models.ErrorResponse
}

// UpstreamResponse is the outcome of one upstream execution, shared by the
// synchronous forward path and the queue drain path.
type UpstreamResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// Succeeded reports whether the upstream accepted the request.
func (u *UpstreamResponse) Succeeded() bool {
	return u != nil && u.StatusCode >= 200 && u.StatusCode < 300
}

// Option customises the Forwarder.
type Option func(*Forwarder)

// WithHTTPClient overrides the upstream HTTP client.
func WithHTTPClient(client HTTPClient) Option {
	return func(f *Forwarder) {
		if client != nil {
			f.client = client
		}
	}
}

// WithTimeout sets the synchronous forward timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(f *Forwarder) {
		if timeout > 0 {
			f.timeout = timeout
		}
	}
}

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(f *Forwarder) {
		if now != nil {
			f.now = now
		}
	}
}

// WithIDGenerator overrides message id generation, for deterministic tests.
func WithIDGenerator(newID func() string) Option {
	return func(f *Forwarder) {
		if newID != nil {
			f.newID = newID
		}
	}
}

// WithMaxRetries sets the retry budget stamped on enqueued messages.
func WithMaxRetries(n int) Option {
	return func(f *Forwarder) {
		if n > 0 {
			f.maxRetries = n
		}
	}
}

// WithRetryHint sets the estimated-retry window reported to clients whose
// request was queued.
func WithRetryHint(d time.Duration) Option {
	return func(f *Forwarder) {
		if d > 0 {
			f.retryHint = d
		}
	}
}

// Forwarder is the gateway front door. It consults upstream health and
// either forwards synchronously, enqueues mutating requests for later
// delivery, or fails fast.
type Forwarder struct {
	health     HealthChecker
	store      queue.Store
	fallback   *cache.TTLCache
	client     HTTPClient
	logger     zerolog.Logger
	now        func() time.Time
	newID      func() string
	timeout    time.Duration
	maxRetries int
	retryHint  time.Duration
}

// fallbackTTL bounds how long an unqueueable request stays visible to
// operators when the queue backend itself is down.
const fallbackTTL = time.Hour

// NewForwarder constructs the front-door forwarder.
func NewForwarder(health HealthChecker, store queue.Store, fallback *cache.TTLCache, logger zerolog.Logger, opts ...Option) (*Forwarder, error) {
	if health == nil {
		return nil, fmt.Errorf("proxy: health checker is required")
	}
	if store == nil {
		return nil, fmt.Errorf("proxy: queue store is required")
	}
	if fallback == nil {
		return nil, fmt.Errorf("proxy: fallback cache is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	f := &Forwarder{
		health:     health,
		store:      store,
		fallback:   fallback,
		logger:     logger.With().Str("component", "proxy").Logger(),
		now:        time.Now,
		newID:      func() string { return uuid.NewString() },
		timeout:    30 * time.Second,
		maxRetries: models.DefaultMaxRetries,
		retryHint:  30 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	if f.client == nil {
		f.client = &http.Client{Timeout: f.timeout}
	}
	return f, nil
}

// Forward applies the availability decision table: healthy upstreams get a
// direct call, unhealthy ones either queue the request (mutating verbs) or
// fail fast (reads).
func (f *Forwarder) Forward(ctx context.Context, req *Request) *Result {
	method := strings.ToUpper(req.Method)

	if f.health.IsAvailable(ctx, req.Service) {
		resp, err := f.call(ctx, req.Service, req.Endpoint, method, req.Headers, req.Query, req.Data)
		if err == nil {
			return &Result{
				StatusCode:  resp.StatusCode,
				ContentType: resp.ContentType,
				Body:        resp.Body,
			}
		}
		// The cached health entry was stale; treat the upstream as down.
		f.logger.Warn().
			Str("service", req.Service).
			Str("endpoint", req.Endpoint).
			Err(err).
			Msg("direct upstream call failed, applying unavailability policy")
	}

	if models.IsMutating(method) {
		return f.enqueue(ctx, req, method)
	}

	return &Result{
		StatusCode: http.StatusServiceUnavailable,
		Envelope: &models.ErrorResponse{
			Error:     "service unavailable",
			Message:   fmt.Sprintf("%s is currently unavailable and %s requests are not queued", req.Service, method),
			Service:   req.Service,
			Endpoint:  req.Endpoint,
			Method:    method,
			Timestamp: f.now(),
			Queued:    models.BoolPtr(false),
			RequestID: req.RequestID,
		},
	}
}

// ExecuteMessage replays a queued message against its upstream. The worker
// uses it for drain cycles and targeted retries; URL composition and header
// handling match the synchronous path.
func (f *Forwarder) ExecuteMessage(ctx context.Context, msg *models.QueuedMessage) (*UpstreamResponse, error) {
	return f.call(ctx, msg.Service, msg.Endpoint, msg.Method, msg.Headers, nil, msg.Data)
}

func (f *Forwarder) enqueue(ctx context.Context, req *Request, method string) *Result {
	msg := &models.QueuedMessage{
		ID:         f.newID(),
		Timestamp:  f.now(),
		Service:    req.Service,
		Endpoint:   req.Endpoint,
		Method:     method,
		Data:       req.Data,
		Headers:    filterHeaders(req.Headers),
		RetryCount: 0,
		MaxRetries: f.maxRetries,
		Priority:   models.MethodPriority(method),
		UserID:     req.Identity.UserID,
		SessionID:  req.Identity.SessionID,
		IPAddress:  req.Identity.IPAddress,
		UserAgent:  req.Identity.UserAgent,
		RequestID:  req.RequestID,
	}

	if err := f.store.Push(ctx, queue.Main, msg); err != nil {
		// Queue backend down. Park the message in the local cache so the
		// operator can still see it; this cache is not drained.
		f.fallback.Set("cached_request_"+msg.ID, msg, fallbackTTL)
		f.logger.Error().
			Str("service", req.Service).
			Str("message_id", msg.ID).
			Err(err).
			Msg("queue backend unreachable, request cached locally")
		return &Result{
			StatusCode: http.StatusServiceUnavailable,
			Envelope: &models.ErrorResponse{
				Error:     "service unavailable",
				Message:   "request could not be queued; it was cached locally for operator review",
				Service:   req.Service,
				Endpoint:  req.Endpoint,
				Method:    method,
				Timestamp: f.now(),
				Queued:    models.BoolPtr(false),
				Cached:    models.BoolPtr(true),
				MessageID: msg.ID,
				RequestID: req.RequestID,
			},
		}
	}

	f.logger.Info().
		Str("service", req.Service).
		Str("endpoint", req.Endpoint).
		Str("method", method).
		Str("message_id", msg.ID).
		Msg("request queued for later delivery")

	return &Result{
		StatusCode: http.StatusServiceUnavailable,
		Envelope: &models.ErrorResponse{
			Error:              "service unavailable",
			Message:            fmt.Sprintf("%s is currently unavailable; the request was queued", req.Service),
			Service:            req.Service,
			Endpoint:           req.Endpoint,
			Method:             method,
			Timestamp:          f.now(),
			Queued:             models.BoolPtr(true),
			MessageID:          msg.ID,
			RequestID:          req.RequestID,
			EstimatedRetryTime: f.now().Add(f.retryHint).Format(time.RFC3339),
		},
	}
}

// call performs one upstream HTTP exchange. The upstream's status code and
// body are returned verbatim; only transport failures surface as errors.
func (f *Forwarder) call(ctx context.Context, service, endpoint, method string, headers map[string]string, query url.Values, data any) (*UpstreamResponse, error) {
	base, ok := f.health.URLOf(service)
	if !ok {
		return nil, fmt.Errorf("proxy: no base URL for service %s", service)
	}

	target := base + "/api" + endpoint
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body io.Reader
	if data != nil && method != http.MethodGet && method != http.MethodHead {
		payload, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("proxy: marshal request body: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	callCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("proxy: build upstream request: %w", err)
	}

	for k, v := range filterHeaders(headers) {
		req.Header.Set(k, v)
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("proxy: call %s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("proxy: read upstream response: %w", err)
	}

	return &UpstreamResponse{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        respBody,
	}, nil
}

// filterHeaders drops the hop-specific headers that must not be replayed
// against an upstream.
func filterHeaders(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		switch strings.ToLower(k) {
		case "host", "content-length":
			continue
		}
		out[k] = v
	}
	return out
}
