package httpapi

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/idempotency"
)

const (
	// HeaderIdempotencyKey — ключ, по которому повтор запроса получает тот же ответ.
	HeaderIdempotencyKey = "Idempotency-Key"
	// HeaderIdempotentReplay выставляется на ответах, взятых из сохранённых.
	HeaderIdempotentReplay = "Idempotent-Replayed"
)

// IdempotencyGuard — часть idempotency.Guard, нужная middleware.
type IdempotencyGuard interface {
	Begin(ctx context.Context, key, requestHash string) (*domain.IdempotencyRecord, error)
	Complete(ctx context.Context, key string, httpStatus int, body []byte)
}

var _ IdempotencyGuard = (*idempotency.Guard)(nil)

// Idempotent повторяет сохранённый ответ для того же ключа и тела запроса.
// Без заголовка запрос проходит как есть.
func Idempotent(guard IdempotencyGuard) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderIdempotencyKey)
			if key == "" || guard == nil {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
			if err != nil {
				writeMessage(w, http.StatusBadRequest, "Request body could not be read.")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			record, err := guard.Begin(r.Context(), key, idempotency.HashRequest(body))
			switch {
			case errors.Is(err, domain.ErrIdempotencyHashMismatch):
				writeMessage(w, http.StatusConflict, "Idempotency key was already used with a different request.")
				return
			case errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists):
				writeMessage(w, http.StatusConflict, "A request with this idempotency key is still being processed.")
				return
			case err != nil:
				writeError(w, err)
				return
			case record != nil:
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set(HeaderIdempotentReplay, "true")
				w.WriteHeader(record.HTTPStatus)
				_, _ = w.Write(record.ResponseBody)
				return
			}

			var captured bytes.Buffer
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			ww.Tee(&captured)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			guard.Complete(context.WithoutCancel(r.Context()), key, status, captured.Bytes())
		})
	}
}
