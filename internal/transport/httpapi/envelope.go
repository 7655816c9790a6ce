package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// Envelope — общий формат ответа API.
type Envelope struct {
	Succeeded bool     `json:"succeeded"`
	Errors    []string `json:"errors"`
	Data      any      `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, code int, data any) {
	writeJSON(w, code, Envelope{Succeeded: true, Errors: []string{}, Data: data})
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), Envelope{Succeeded: false, Errors: domain.ErrorMessages(err)})
}

func writeMessage(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, Envelope{Succeeded: false, Errors: []string{message}})
}

// statusFor переводит ошибку саги в HTTP-статус.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrInvalidPaymentType):
		return http.StatusBadRequest
	case domain.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAmountMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrUnexpected), errors.Is(err, domain.ErrPersistence):
		return http.StatusInternalServerError
	case domain.IsBusinessError(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
