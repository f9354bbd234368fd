// Package api exposes the coordinator as JSON procedures over HTTP:
//
//	POST /v1/check  LimitRequest  -> Decision
//	POST /v1/limit  LimitRequest  -> Decision
//	POST /v1/value  ValueRequest  -> Snapshot
//	POST /v1/reset  ResetRequest  -> {}
//	POST /v1/clear  ClearRequest  -> {}
//	GET  /v1/time                 -> TimeResponse
//
// Failures are answered with an ErrorResponse. A request with throws set
// that is rejected gets 429 and Retry-After headers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlexKimmel/ShardLimit/internal/gateway"
	"github.com/AlexKimmel/ShardLimit/pkg/limit"
)

// Service is implemented by ratelimit.Coordinator.
type Service interface {
	Check(ctx context.Context, name string, args limit.Args) (limit.Decision, error)
	Limit(ctx context.Context, name string, args limit.Args) (limit.Decision, error)
	GetValue(ctx context.Context, name string, args limit.ValueArgs) (limit.Snapshot, error)
	Reset(ctx context.Context, name, key string) error
	ClearAll(ctx context.Context, before *int64) error
	ServerTime() float64
}

type Handler struct {
	svc     Service
	log     zerolog.Logger
	timeout time.Duration
}

type Option func(*Handler)

// WithTimeout bounds the storage work of every request.
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) {
		h.timeout = d
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(h *Handler) {
		h.log = l
	}
}

func New(svc Service, opts ...Option) *Handler {
	h := &Handler{svc: svc, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/check", h.handleCheck)
	mux.HandleFunc("POST /v1/limit", h.handleLimit)
	mux.HandleFunc("POST /v1/value", h.handleValue)
	mux.HandleFunc("POST /v1/reset", h.handleReset)
	mux.HandleFunc("POST /v1/clear", h.handleClear)
	mux.HandleFunc("GET /v1/time", h.handleTime)
}

func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req limit.LimitRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx, cancel := h.ctx(r)
	defer cancel()
	dec, err := h.svc.Check(ctx, req.Name, req.Args)
	h.respond(w, r, dec, err)
}

func (h *Handler) handleLimit(w http.ResponseWriter, r *http.Request) {
	var req limit.LimitRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx, cancel := h.ctx(r)
	defer cancel()
	dec, err := h.svc.Limit(ctx, req.Name, req.Args)
	h.respond(w, r, dec, err)
}

func (h *Handler) handleValue(w http.ResponseWriter, r *http.Request) {
	var req limit.ValueRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx, cancel := h.ctx(r)
	defer cancel()
	snap, err := h.svc.GetValue(ctx, req.Name, req.ValueArgs)
	h.respond(w, r, snap, err)
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	var req limit.ResetRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx, cancel := h.ctx(r)
	defer cancel()
	h.respond(w, r, struct{}{}, h.svc.Reset(ctx, req.Name, req.Key))
}

func (h *Handler) handleClear(w http.ResponseWriter, r *http.Request) {
	var req limit.ClearRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx, cancel := h.ctx(r)
	defer cancel()
	h.respond(w, r, struct{}{}, h.svc.ClearAll(ctx, req.Before))
}

func (h *Handler) handleTime(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, limit.TimeResponse{Now: h.svc.ServerTime()})
}

func (h *Handler) ctx(r *http.Request) (context.Context, context.CancelFunc) {
	if h.timeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), h.timeout)
}

// decode reads a JSON body; an empty body decodes as the zero value.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeJSON(w, http.StatusRequestEntityTooLarge, limit.ErrorResponse{Error: limit.ErrorBody{
			Code:    "body_too_large",
			Message: err.Error(),
		}})
		return false
	}
	writeJSON(w, http.StatusBadRequest, limit.ErrorResponse{Error: limit.ErrorBody{
		Code:    limit.CodeBadRequest,
		Message: "malformed request body: " + err.Error(),
	}})
	return false
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, v any, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, v)
		return
	}

	var rl *limit.RateLimitedError
	switch {
	case errors.As(err, &rl):
		gateway.SetRetryHeaders(w.Header(), rl.RetryAfter)
		writeJSON(w, http.StatusTooManyRequests, limit.ErrorResponse{Error: limit.ErrorBody{
			Code:       limit.CodeRateLimited,
			Message:    rl.Error(),
			Name:       rl.Name,
			RetryAfter: rl.RetryAfter,
		}})
	case errors.Is(err, limit.ErrConfigNotFound):
		writeError(w, http.StatusBadRequest, limit.CodeConfigNotFound, err)
	case errors.Is(err, limit.ErrInvalidConfig):
		writeError(w, http.StatusBadRequest, limit.CodeInvalidConfig, err)
	case errors.Is(err, limit.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, limit.CodeInvalidArgument, err)
	default:
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, limit.CodeInternal, err)
	}
}

func writeError(w http.ResponseWriter, code int, errCode string, err error) {
	writeJSON(w, code, limit.ErrorResponse{Error: limit.ErrorBody{Code: errCode, Message: err.Error()}})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
