package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/example/training-gateway/internal/models"
	"github.com/example/training-gateway/internal/queue"
	"github.com/example/training-gateway/internal/worker"
)

// defaultPeekLimit bounds queue listings when the client supplies none.
const defaultPeekLimit = 100

// degradedDepth is the main-queue depth above which the queue health
// summary reports degraded; ten times that, with every upstream down,
// reports unhealthy.
const degradedDepth = 1000

type queueStatus struct {
	Connected bool             `json:"connected"`
	Queues    map[string]int64 `json:"queues"`
	Timestamp time.Time        `json:"timestamp"`
}

// queueDepths reports the lengths of all store queues plus the vestigial
// response queue, which is kept in the report for API compatibility.
func (s *Server) queueDepths(ctx context.Context) (map[string]int64, bool) {
	depths := map[string]int64{
		queue.MainKey:     0,
		queue.DeadKey:     0,
		queue.ResponseKey: 0,
	}
	connected := s.store.Ping(ctx) == nil
	if !connected {
		return depths, false
	}
	if n, err := s.store.Len(ctx, queue.Main); err == nil {
		depths[queue.MainKey] = n
	}
	if n, err := s.store.Len(ctx, queue.DeadLetter); err == nil {
		depths[queue.DeadKey] = n
	}
	return depths, true
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	depths, connected := s.queueDepths(r.Context())
	s.writeJSON(w, http.StatusOK, queueStatus{
		Connected: connected,
		Queues:    depths,
		Timestamp: s.now(),
	})
}

func (s *Server) peekLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultPeekLimit
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return defaultPeekLimit
	}
	return limit
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	s.listQueue(w, r, queue.Main)
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	s.listQueue(w, r, queue.DeadLetter)
}

func (s *Server) listQueue(w http.ResponseWriter, r *http.Request, q queue.Name) {
	limit := s.peekLimit(r)
	msgs, err := s.store.Peek(r.Context(), q, limit)
	if err != nil {
		s.adminError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*models.QueuedMessage{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"queue":     string(q),
		"count":     len(msgs),
		"limit":     limit,
		"messages":  msgs,
		"timestamp": s.now(),
	})
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	reports, err := s.drainer.ProcessOnce(r.Context())
	if errors.Is(err, worker.ErrCycleInProgress) {
		s.writeError(w, http.StatusConflict, &models.ErrorResponse{
			Error: "drain cycle already in progress",
		})
		return
	}
	if err != nil {
		s.adminError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"cycles":    reports,
		"timestamp": s.now(),
	})
}

type retryRequest struct {
	MessageID string `json:"message_id"`
	QueueType string `json:"queue_type"`
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, &models.ErrorResponse{
			Error:   "invalid request body",
			Message: err.Error(),
		})
		return
	}
	if req.MessageID == "" {
		s.writeError(w, http.StatusBadRequest, &models.ErrorResponse{
			Error: "message_id is required",
		})
		return
	}
	q, ok := queue.ParseName(req.QueueType)
	if !ok {
		s.writeError(w, http.StatusBadRequest, &models.ErrorResponse{
			Error:   "invalid queue_type",
			Message: "queue_type must be main or dead_letter",
		})
		return
	}

	delivered, err := s.drainer.RetryOne(r.Context(), req.MessageID, q)
	if errors.Is(err, worker.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, &models.ErrorResponse{
			Error:     "message not found",
			MessageID: req.MessageID,
		})
		return
	}
	if err != nil {
		s.adminError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"message_id": req.MessageID,
		"queue":      string(q),
		"delivered":  delivered,
		"timestamp":  s.now(),
	})
}

type purgeRequest struct {
	QueueType string `json:"queue_type"`
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	var req purgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, &models.ErrorResponse{
			Error:   "invalid request body",
			Message: err.Error(),
		})
		return
	}
	q, ok := queue.ParseName(req.QueueType)
	if !ok {
		s.writeError(w, http.StatusBadRequest, &models.ErrorResponse{
			Error:   "invalid queue_type",
			Message: "queue_type must be main or dead_letter",
		})
		return
	}
	if err := s.store.Purge(r.Context(), q); err != nil {
		s.adminError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"purged":    string(q),
		"timestamp": s.now(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"metrics":   s.metrics.Snapshot(),
		"timestamp": s.now(),
	})
}

func (s *Server) handleMetricsReset(w http.ResponseWriter, _ *http.Request) {
	s.metrics.Reset()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"metrics":   s.metrics.Snapshot(),
		"timestamp": s.now(),
	})
}

func (s *Server) handleServicesHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"services":  s.registry.CheckAll(r.Context()),
		"timestamp": s.now(),
	})
}

func (s *Server) handleServiceHealth(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	// Accept either a service name or a client-facing selector.
	service := name
	if _, ok := s.routes.BaseURL(service); !ok {
		if route, ok := s.routes.Resolve("/" + name); ok {
			service = route.Service
		} else {
			s.writeError(w, http.StatusNotFound, &models.ErrorResponse{
				Error:   "unknown service",
				Message: "recognized selectors: " + strings.Join(s.routes.Selectors(), ", "),
				Service: name,
			})
			return
		}
	}

	available := s.registry.IsAvailable(r.Context(), service)
	entry := s.registry.Snapshot(service)
	depths, connected := s.queueDepths(r.Context())

	s.writeJSON(w, http.StatusOK, map[string]any{
		"service":   service,
		"available": available,
		"health":    entry,
		"queue": queueStatus{
			Connected: connected,
			Queues:    depths,
			Timestamp: s.now(),
		},
		"timestamp": s.now(),
	})
}

func (s *Server) handleQueueHealth(w http.ResponseWriter, r *http.Request) {
	depths, connected := s.queueDepths(r.Context())
	entries := s.registry.CheckAll(r.Context())

	unhealthyServices := 0
	for _, e := range entries {
		if !e.Healthy {
			unhealthyServices++
		}
	}

	mainDepth := depths[queue.MainKey]
	status := "healthy"
	switch {
	case len(entries) > 0 && unhealthyServices == len(entries) && mainDepth > degradedDepth*10:
		status = "unhealthy"
	case mainDepth > degradedDepth || unhealthyServices > 0 || !connected:
		status = "degraded"
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":             status,
		"connected":          connected,
		"main_queue_depth":   mainDepth,
		"dead_letter_depth":  depths[queue.DeadKey],
		"unhealthy_services": unhealthyServices,
		"services":           entries,
		"timestamp":          s.now(),
	})
}

// adminError surfaces operator-facing failures with the error text in the
// body. These responses never carry client PII.
func (s *Server) adminError(w http.ResponseWriter, err error) {
	s.writeError(w, http.StatusInternalServerError, &models.ErrorResponse{
		Error:   "internal server error",
		Message: err.Error(),
	})
}
