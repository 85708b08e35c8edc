package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/training-gateway/internal/cache"
	"github.com/example/training-gateway/internal/models"
	"github.com/example/training-gateway/internal/queue"
)

type healthStub struct {
	available bool
	urls      map[string]string
}

func (h *healthStub) IsAvailable(context.Context, string) bool { return h.available }

func (h *healthStub) URLOf(service string) (string, bool) {
	base, ok := h.urls[service]
	return base, ok
}

type failStore struct {
	queue.Store
}

func (f *failStore) Push(context.Context, queue.Name, *models.QueuedMessage) error {
	return errors.New("connection refused")
}

func newForwarder(t *testing.T, health *healthStub, store queue.Store, fallback *cache.TTLCache, opts ...Option) *Forwarder {
	t.Helper()
	if fallback == nil {
		fallback = cache.New()
	}
	f, err := NewForwarder(health, store, fallback, zerolog.New(io.Discard), opts...)
	if err != nil {
		t.Fatalf("unexpected forwarder error: %v", err)
	}
	return f
}

func TestForwardHealthyRelaysVerbatim(t *testing.T) {
	var gotPath, gotQuery string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":7}`))
	}))
	defer upstream.Close()

	health := &healthStub{available: true, urls: map[string]string{"trainees": upstream.URL}}
	f := newForwarder(t, health, queue.NewMemoryStore(), nil)

	result := f.Forward(context.Background(), &Request{
		Service:  "trainees",
		Endpoint: "/trainees/7",
		Method:   "GET",
		Query:    url.Values{"page": []string{"2"}},
	})

	if result.StatusCode != http.StatusCreated {
		t.Errorf("status = %d, want 201", result.StatusCode)
	}
	if string(result.Body) != `{"id":7}` {
		t.Errorf("body = %s, want verbatim upstream body", result.Body)
	}
	if result.Envelope != nil {
		t.Error("healthy forward should not produce an envelope")
	}
	if gotPath != "/api/trainees/7" {
		t.Errorf("upstream path = %s, want /api/trainees/7", gotPath)
	}
	if gotQuery != "page=2" {
		t.Errorf("upstream query = %s, want page=2", gotQuery)
	}
}

func TestForwardUnhealthyMutatingEnqueues(t *testing.T) {
	store := queue.NewMemoryStore()
	health := &healthStub{available: false, urls: map[string]string{"exams": "http://exams_service:8000"}}
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	f := newForwarder(t, health, store, nil,
		WithClock(func() time.Time { return now }),
		WithIDGenerator(func() string { return "msg-1" }),
	)

	result := f.Forward(context.Background(), &Request{
		Service:  "exams",
		Endpoint: "/exams",
		Method:   "POST",
		Data:     map[string]any{"name": "X"},
		Headers:  map[string]string{"Host": "gw", "Content-Length": "12", "Authorization": "Bearer t"},
	})

	if result.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", result.StatusCode)
	}
	env := result.Envelope
	if env == nil || env.Queued == nil || !*env.Queued {
		t.Fatalf("envelope should report queued=true: %+v", env)
	}
	if env.MessageID != "msg-1" {
		t.Errorf("message_id = %q, want msg-1", env.MessageID)
	}
	if env.EstimatedRetryTime == "" {
		t.Error("estimated_retry_time should be set for queued requests")
	}

	n, _ := store.Len(context.Background(), queue.Main)
	if n != 1 {
		t.Fatalf("main queue length = %d, want 1", n)
	}

	queued, err := store.Pop(context.Background(), queue.Main)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if queued.Method != "POST" || queued.Service != "exams" || queued.Priority != 3 {
		t.Errorf("queued message fields wrong: %+v", queued)
	}
	if queued.MaxRetries != models.DefaultMaxRetries {
		t.Errorf("max_retries = %d, want %d", queued.MaxRetries, models.DefaultMaxRetries)
	}
	if _, ok := queued.Headers["Host"]; ok {
		t.Error("Host header must be stripped from queued messages")
	}
	if _, ok := queued.Headers["Content-Length"]; ok {
		t.Error("Content-Length header must be stripped from queued messages")
	}
	if queued.Headers["Authorization"] != "Bearer t" {
		t.Error("auth header should be preserved for replay")
	}
	if queued.DeadLetterTimestamp != nil {
		t.Error("main-queue message must not carry dead_letter_timestamp")
	}
}

func TestForwardUnhealthyNonMutatingFailsFast(t *testing.T) {
	store := queue.NewMemoryStore()
	health := &healthStub{available: false, urls: map[string]string{"trainees": "http://trainees_service:8000"}}
	f := newForwarder(t, health, store, nil)

	result := f.Forward(context.Background(), &Request{
		Service:  "trainees",
		Endpoint: "/trainees",
		Method:   "GET",
	})

	if result.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", result.StatusCode)
	}
	if result.Envelope.Queued == nil || *result.Envelope.Queued {
		t.Error("GET on down service must report queued=false")
	}
	if n, _ := store.Len(context.Background(), queue.Main); n != 0 {
		t.Errorf("main queue length = %d, want 0", n)
	}
}

func TestForwardQueueBackendDownCachesLocally(t *testing.T) {
	fallback := cache.New()
	health := &healthStub{available: false, urls: map[string]string{"exams": "http://exams_service:8000"}}
	f := newForwarder(t, health, &failStore{}, fallback,
		WithIDGenerator(func() string { return "msg-9" }),
	)

	result := f.Forward(context.Background(), &Request{
		Service:  "exams",
		Endpoint: "/exams",
		Method:   "PUT",
	})

	env := result.Envelope
	if env == nil || env.Cached == nil || !*env.Cached {
		t.Fatalf("envelope should report cached=true: %+v", env)
	}
	if env.Queued == nil || *env.Queued {
		t.Error("cache fallback must report queued=false")
	}
	if _, ok := fallback.Get("cached_request_msg-9"); !ok {
		t.Error("fallback cache entry missing")
	}
}

func TestForwardDirectFailureFallsThrough(t *testing.T) {
	store := queue.NewMemoryStore()
	// Health cache says healthy but the upstream is gone.
	health := &healthStub{available: true, urls: map[string]string{"courses": "http://127.0.0.1:1"}}
	f := newForwarder(t, health, store, nil)

	result := f.Forward(context.Background(), &Request{
		Service:  "courses",
		Endpoint: "/courses/1",
		Method:   "DELETE",
	})

	if result.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", result.StatusCode)
	}
	if result.Envelope.Queued == nil || !*result.Envelope.Queued {
		t.Error("failed direct mutating call should fall through to the queue")
	}
	if n, _ := store.Len(context.Background(), queue.Main); n != 1 {
		t.Errorf("main queue length = %d, want 1", n)
	}
}

func TestExecuteMessageComposesUpstreamCall(t *testing.T) {
	var gotPath, gotContentType string
	var gotBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer upstream.Close()

	health := &healthStub{available: true, urls: map[string]string{"exams": upstream.URL}}
	f := newForwarder(t, health, queue.NewMemoryStore(), nil)

	resp, err := f.ExecuteMessage(context.Background(), &models.QueuedMessage{
		ID:       "m1",
		Service:  "exams",
		Endpoint: "/exams",
		Method:   "POST",
		Data:     map[string]any{"name": "X"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !resp.Succeeded() {
		t.Errorf("status = %d, want 2xx", resp.StatusCode)
	}
	if gotPath != "/api/exams" {
		t.Errorf("upstream path = %s, want /api/exams", gotPath)
	}
	if gotContentType != "application/json" {
		t.Errorf("content type = %s, want application/json", gotContentType)
	}
	var body map[string]any
	if err := json.Unmarshal(gotBody, &body); err != nil || body["name"] != "X" {
		t.Errorf("upstream body = %s, want {\"name\":\"X\"}", gotBody)
	}
}

func TestDeriveIdentityDeterministic(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	req := httptest.NewRequest(http.MethodPost, "/api/exams", nil)
	req.RemoteAddr = "10.0.0.5:4242"
	req.Header.Set("User-Agent", "client/1.0")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	a := DeriveIdentity(req, now)
	b := DeriveIdentity(req, now)
	if a.SessionID != b.SessionID {
		t.Error("same request and second must derive the same session id")
	}
	if a.SessionID == "" || len(a.SessionID) != 64 {
		t.Errorf("session id should be a sha-256 hex digest, got %q", a.SessionID)
	}

	c := DeriveIdentity(req, now.Add(time.Second))
	if a.SessionID == c.SessionID {
		t.Error("session id must change between seconds")
	}
}

func TestDeriveIdentityUser(t *testing.T) {
	now := time.Unix(1700000000, 0)

	req := httptest.NewRequest(http.MethodGet, "/api/courses", nil)
	req.Header.Set("X-User-ID", "trainee-7")
	if id := DeriveIdentity(req, now); id.UserID != "trainee-7" {
		t.Errorf("user id = %q, want principal header", id.UserID)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/api/courses", nil)
	req2.Header.Set("Authorization", "Bearer secret-token")
	id2 := DeriveIdentity(req2, now)
	if id2.UserID == "" || id2.UserID == "Bearer secret-token" {
		t.Errorf("bearer token must be hashed, got %q", id2.UserID)
	}

	req3 := httptest.NewRequest(http.MethodGet, "/api/courses", nil)
	if id3 := DeriveIdentity(req3, now); id3.UserID != "" {
		t.Errorf("anonymous request should have empty user id, got %q", id3.UserID)
	}
}

func TestDeriveIdentityForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/courses", nil)
	req.RemoteAddr = "127.0.0.1:9999"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	if id := DeriveIdentity(req, time.Unix(0, 0)); id.IPAddress != "203.0.113.9" {
		t.Errorf("ip = %q, want first forwarded address", id.IPAddress)
	}
}
