package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/example/training-gateway/internal/models"
	"github.com/example/training-gateway/internal/proxy"
)

func newRequestID() string { return uuid.NewString() }

// handleForward is the catch-all for /api/{selector}/... paths: it routes
// the request to its upstream and relays the outcome.
func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	route, ok := s.routes.Resolve(r.URL.Path)
	if !ok {
		s.writeError(w, http.StatusBadRequest, &models.ErrorResponse{
			Error:     "unrecognized service selector",
			Message:   "recognized selectors: " + strings.Join(s.routes.Selectors(), ", "),
			Endpoint:  r.URL.Path,
			Method:    r.Method,
			Timestamp: s.now(),
		})
		return
	}

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = s.newID()
	}

	data, err := parseBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, &models.ErrorResponse{
			Error:     "invalid request body",
			Message:   err.Error(),
			Service:   route.Service,
			Endpoint:  route.Endpoint,
			Method:    r.Method,
			Timestamp: s.now(),
			RequestID: requestID,
		})
		return
	}

	req := &proxy.Request{
		Service:   route.Service,
		Endpoint:  route.Endpoint,
		Method:    r.Method,
		Headers:   flattenHeaders(r.Header),
		Query:     r.URL.Query(),
		Data:      data,
		Identity:  proxy.DeriveIdentity(r, s.now()),
		RequestID: requestID,
	}

	result := s.forwarder.Forward(r.Context(), req)
	if result.Envelope != nil {
		result.Envelope.RequestID = requestID
		s.writeError(w, result.StatusCode, result.Envelope)
		return
	}

	// Relay the upstream response verbatim.
	if result.ContentType != "" {
		w.Header().Set("Content-Type", result.ContentType)
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(result.StatusCode)
	if _, err := w.Write(result.Body); err != nil {
		s.logger.Error().Err(err).Msg("failed to relay upstream body")
	}
}

// parseBody decodes the request payload for mutating verbs. GET and HEAD
// carry their parameters in the query string instead.
func parseBody(r *http.Request) (any, error) {
	if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Body == nil {
		return nil, nil
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// flattenHeaders keeps the first value of each header; upstreams in this
// deployment never rely on repeated header fields.
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}
