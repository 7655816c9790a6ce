// Package httpapi реализует HTTP-интерфейс оформления заказов и платёжных колбэков.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"
)

// Config — зависимости роутера.
type Config struct {
	Orders   OrderPlacer
	Payments PaymentGateway
	Guard    IdempotencyGuard
	Timeout  time.Duration
	Logger   *log.Entry
}

// NewRouter собирает chi-роутер API.
func NewRouter(cfg Config) *chi.Mux {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRequestTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = log.WithField("component", "http-api")
	}
	h := &handlers{
		orders:   cfg.Orders,
		payments: cfg.Payments,
		timeout:  cfg.Timeout,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(cfg.Logger), middleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeMessage(w, http.StatusNotFound, "Route not found.")
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.With(Idempotent(cfg.Guard)).Post("/orders", h.placeOrder)
		r.Route("/payments/{id}", func(r chi.Router) {
			r.Post("/confirm", h.confirmPayment)
			r.Post("/fail", h.failPayment)
			r.Post("/cancel", h.cancelPayment)
		})
	})
	return r
}

func requestLogger(logger *log.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.WithFields(log.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"duration_ms": time.Since(started).Milliseconds(),
				"request_id":  middleware.GetReqID(r.Context()),
			}).Debug("http request")
		})
	}
}
