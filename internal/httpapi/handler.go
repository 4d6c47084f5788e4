// Package httpapi is the thin boundary the external request layer
// calls: connect, disconnect and per-user status.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"binance-userstream-supervisor/internal/session"
	binance "binance-userstream-supervisor/internal/transport/binance"
	"binance-userstream-supervisor/pkg/logger"
)

// Supervisor is the slice of the session registry the API needs.
type Supervisor interface {
	Connect(ctx context.Context, userID, apiKey, apiSecret string) error
	Disconnect(ctx context.Context, userID string) error
	Get(userID string) (session.Status, bool)
}

// Handler serves the admin endpoints.
type Handler struct {
	supervisor Supervisor
	log        *logger.Logger
}

// NewHandler builds a Handler.
func NewHandler(s Supervisor, log *logger.Logger) *Handler {
	return &Handler{supervisor: s, log: log.Named("httpapi")}
}

// Routes mounts the admin API on a chi router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Post("/binance/connect", h.Connect)
	r.Post("/binance/disconnect", h.Disconnect)
	r.Get("/binance/status/{userID}", h.Status)
	return r
}

// requestID tags every request with an id that flows into the logs via
// the logger context helpers. An inbound X-Request-ID is honoured.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get("X-Request-ID")
		if rid == "" {
			rid = uuid.NewString()
		}
		ctx := logger.ContextWithRequestID(r.Context(), rid)
		w.Header().Set("X-Request-ID", rid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type connectRequest struct {
	UserID    string `json:"user_id"`
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

func (h *Handler) Connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json")
		return
	}

	ctx := logger.ContextWithUserID(r.Context(), req.UserID)
	err := h.supervisor.Connect(ctx, req.UserID, req.APIKey, req.APISecret)
	switch {
	case err == nil:
		writeJSON(w, okResponse{OK: true})
	case errors.Is(err, session.ErrValidation):
		badRequest(w, "user_id, api_key and api_secret are required")
	case binance.IsAuth(err):
		unauthorized(w, "venue rejected the credentials")
	default:
		h.log.WithContext(ctx).Error("connect failed", zap.Error(err))
		internalError(w, "connect failed")
	}
}

func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json")
		return
	}

	ctx := logger.ContextWithUserID(r.Context(), req.UserID)
	err := h.supervisor.Disconnect(ctx, req.UserID)
	switch {
	case err == nil:
		writeJSON(w, okResponse{OK: true})
	case errors.Is(err, session.ErrValidation):
		badRequest(w, "user_id is required")
	default:
		h.log.WithContext(ctx).Error("disconnect failed", zap.Error(err))
		internalError(w, "disconnect failed")
	}
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	st, ok := h.supervisor.Get(userID)
	if !ok {
		notFound(w, "no session for user")
		return
	}
	writeJSON(w, st)
}
