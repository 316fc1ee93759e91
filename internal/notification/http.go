package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Reader is the read side shared by PgSink and SQLSink.
type Reader interface {
	ForUser(ctx context.Context, userID int64) ([]Record, error)
}

type notificationResponse struct {
	EventID    string    `json:"eventId"`
	Type       string    `json:"type"`
	OrderID    int64     `json:"orderId"`
	Total      string    `json:"total,omitempty"`
	Status     string    `json:"status,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Routes serves the notification inbox plus health and metrics.
// ping reports database health; nil means always healthy.
func Routes(reader Reader, ping func(context.Context) error, metricsHandler http.Handler, mw func(http.Handler) http.Handler, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)
	if mw != nil {
		r.Use(mw)
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if ping != nil {
			if err := ping(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "database": "error"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "database": "ok"})
	})
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	r.Get("/notifications", func(w http.ResponseWriter, r *http.Request) {
		userID, err := strconv.ParseInt(r.Header.Get("X-User-Id"), 10, 64)
		if err != nil || userID <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "User ID required"})
			return
		}
		recs, err := reader.ForUser(r.Context(), userID)
		if err != nil {
			log.Error("list notifications", zap.Int64("user_id", userID), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to get notifications"})
			return
		}
		out := make([]notificationResponse, 0, len(recs))
		for _, rec := range recs {
			out = append(out, notificationResponse{
				EventID:    rec.EventID,
				Type:       rec.Type,
				OrderID:    rec.OrderID,
				Total:      rec.Total,
				Status:     rec.Status,
				ReceivedAt: rec.ReceivedAt,
			})
		}
		writeJSON(w, http.StatusOK, out)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
