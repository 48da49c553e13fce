package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"krine/internal/contracts"
	"krine/internal/escrow"
	"krine/internal/idempotency"
	"krine/internal/negotiation"
	"krine/internal/rpcguard"
	"krine/internal/session"
	"krine/internal/txlife"
)

const headerRequestID = "X-Request-Id"

var (
	errNotFound   = errors.New("not found")
	errBadID      = errors.New("invalid id")
	errMissingKey = errors.New("missing X-Idempotency-Key header")
	errBadJSON    = errors.New("invalid json payload")
)

type errorBody struct {
	Error     string  `json:"error"`
	Retryable bool    `json:"retryable,omitempty"`
	Op        *opView `json:"op,omitempty"`
	RequestID string  `json:"requestId,omitempty"`
}

// statusFor maps an error from any layer to an HTTP status.
func statusFor(err error) (int, bool) {
	var readErr *rpcguard.ReadError
	var failed *txlife.FailedError
	switch {
	case errors.Is(err, negotiation.ErrInvalidInput),
		errors.Is(err, errBadID),
		errors.Is(err, errMissingKey),
		errors.Is(err, errBadJSON):
		return http.StatusBadRequest, false
	case errors.Is(err, errNotFound):
		return http.StatusNotFound, false
	case errors.Is(err, session.ErrReadOnly):
		return http.StatusForbidden, false
	case errors.Is(err, session.ErrWrongNetwork), errors.Is(err, txlife.ErrInFlight):
		return http.StatusConflict, false
	case errors.Is(err, idempotency.ErrKeyReused):
		return http.StatusUnprocessableEntity, false
	case errors.As(err, &readErr):
		return http.StatusServiceUnavailable, readErr.Retryable()
	case errors.As(err, &failed):
		return http.StatusBadGateway, false
	}
	if reason, ok := contracts.RevertReason(err); ok {
		if reason == negotiation.ReasonNotFound || reason == escrow.ReasonNotFound {
			return http.StatusNotFound, false
		}
		return http.StatusBadGateway, false
	}
	return http.StatusInternalServerError, false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) int {
	return s.writeErrorOp(w, r, err, nil)
}

func (s *Server) writeErrorOp(w http.ResponseWriter, r *http.Request, err error, op *opView) int {
	status, retryable := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("request failed",
			zap.String("request_id", r.Header.Get(headerRequestID)),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err))
	}
	writeJSON(w, status, errorBody{
		Error:     err.Error(),
		Retryable: retryable,
		Op:        op,
		RequestID: r.Header.Get(headerRequestID),
	})
	return status
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(headerRequestID, id)
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (rec *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rec.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request",
			zap.String("request_id", r.Header.Get(headerRequestID)),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)))
	})
}
