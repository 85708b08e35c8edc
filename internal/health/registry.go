package health

import (
	"context"
	"fmt"
	"net/http"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Entry is the cached probe result for one upstream service.
type Entry struct {
	Service   string    `json:"service"`
	Healthy   bool      `json:"healthy"`
	CheckedAt time.Time `json:"checked_at"`
	LastError string    `json:"last_error,omitempty"`
}

// HTTPClient abstracts the http.Client Do method for easier testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Registry probes upstream liveness and caches the result per service with
// a TTL. Concurrent probes for the same service are collapsed into a single
// in-flight request; waiters share its outcome.
type Registry struct {
	baseURLs map[string]string
	ttl      time.Duration
	timeout  time.Duration
	client   HTTPClient
	logger   zerolog.Logger
	now      func() time.Time

	mu      sync.RWMutex
	entries map[string]Entry
	flights map[string]*flight
}

type flight struct {
	done  chan struct{}
	entry Entry
}

// Option customises the Registry.
type Option func(*Registry)

// WithHTTPClient overrides the probe HTTP client.
func WithHTTPClient(client HTTPClient) Option {
	return func(r *Registry) {
		if client != nil {
			r.client = client
		}
	}
}

// WithTTL sets the cache freshness window.
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithProbeTimeout sets the per-probe timeout.
func WithProbeTimeout(timeout time.Duration) Option {
	return func(r *Registry) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// WithClock overrides the clock used for cache freshness.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry constructs a Registry over the static service descriptor.
func NewRegistry(baseURLs map[string]string, logger zerolog.Logger, opts ...Option) *Registry {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	r := &Registry{
		baseURLs: baseURLs,
		ttl:      30 * time.Second,
		timeout:  5 * time.Second,
		logger:   logger.With().Str("component", "health_registry").Logger(),
		now:      time.Now,
		entries:  make(map[string]Entry),
		flights:  make(map[string]*flight),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.client == nil {
		r.client = &http.Client{Timeout: r.timeout}
	}
	return r
}

// URLOf returns the base URL for a service, if configured.
func (r *Registry) URLOf(service string) (string, bool) {
	base, ok := r.baseURLs[service]
	return base, ok
}

// IsAvailable reports whether the service answered a health probe within
// the TTL window. Unknown services are reported unavailable.
func (r *Registry) IsAvailable(ctx context.Context, service string) bool {
	if _, ok := r.baseURLs[service]; !ok {
		return false
	}

	r.mu.RLock()
	e, cached := r.entries[service]
	r.mu.RUnlock()
	if cached && r.now().Sub(e.CheckedAt) < r.ttl {
		return e.Healthy
	}

	return r.refresh(ctx, service).Healthy
}

// ForceRefresh invalidates the cached entry and re-probes immediately.
func (r *Registry) ForceRefresh(ctx context.Context, service string) Entry {
	r.mu.Lock()
	delete(r.entries, service)
	r.mu.Unlock()
	return r.refresh(ctx, service)
}

// CheckAll refreshes every configured service whose cached entry is stale
// (fresh entries are reused without a probe) and returns the full
// snapshot, keyed by service name.
func (r *Registry) CheckAll(ctx context.Context) map[string]Entry {
	out := make(map[string]Entry, len(r.baseURLs))
	for svc := range r.baseURLs {
		r.IsAvailable(ctx, svc)
		out[svc] = r.Snapshot(svc)
	}
	return out
}

// Snapshot returns the cached entry for a service without probing. The
// zero Entry is returned when the service has never been probed.
func (r *Registry) Snapshot(service string) Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e := r.entries[service]
	if e.Service == "" {
		e.Service = service
	}
	return e
}

// refresh performs a deduplicated probe. The first caller for a service
// starts the HTTP request; any caller arriving while it is in flight waits
// on the same result.
func (r *Registry) refresh(ctx context.Context, service string) Entry {
	r.mu.Lock()
	if f, inFlight := r.flights[service]; inFlight {
		r.mu.Unlock()
		select {
		case <-f.done:
			return f.entry
		case <-ctx.Done():
			return Entry{Service: service, Healthy: false, CheckedAt: r.now(), LastError: ctx.Err().Error()}
		}
	}
	f := &flight{done: make(chan struct{})}
	r.flights[service] = f
	r.mu.Unlock()

	entry := r.probe(ctx, service)

	r.mu.Lock()
	r.entries[service] = entry
	delete(r.flights, service)
	r.mu.Unlock()

	f.entry = entry
	close(f.done)
	return entry
}

func (r *Registry) probe(ctx context.Context, service string) Entry {
	entry := Entry{Service: service, CheckedAt: r.now()}

	base, ok := r.baseURLs[service]
	if !ok {
		entry.LastError = "service not configured"
		return entry
	}

	probeCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, base+"/api/health", nil)
	if err != nil {
		entry.LastError = err.Error()
		return entry
	}

	resp, err := r.client.Do(req)
	if err != nil {
		entry.LastError = err.Error()
		r.logger.Warn().Str("service", service).Err(err).Msg("health probe failed")
		return entry
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		entry.Healthy = true
		return entry
	}

	entry.LastError = fmt.Sprintf("health endpoint returned status %d", resp.StatusCode)
	r.logger.Warn().Str("service", service).Int("status", resp.StatusCode).Msg("health probe returned non-2xx")
	return entry
}
