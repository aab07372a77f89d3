package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/retail/internal/domain"
)

var errMalformedBody = errors.New("malformed request body")

type errorResponse struct {
	Error  string            `json:"error,omitempty"`
	Errors map[string]string `json:"errors,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

// statusFor сопоставляет доменную ошибку HTTP-статусу.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errMalformedBody):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrValidation):
		return http.StatusUnprocessableEntity
	case domain.IsNotFound(err):
		return http.StatusNotFound
	case domain.IsVersionConflict(err), errors.Is(err, domain.ErrEntityExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrStockContention):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if fields, ok := domain.FieldErrors(err); ok {
		writeJSON(w, status, errorResponse{Errors: fields})
		return
	}

	logger := h.logger.WithError(err).WithFields(log.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"status": status,
	})
	if status >= http.StatusInternalServerError {
		logger.Error("request failed")
		if status == http.StatusInternalServerError {
			writeJSON(w, status, errorResponse{Error: "internal error"})
			return
		}
	} else {
		logger.Debug("request rejected")
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// decodeBody разбирает JSON тела запроса и проверяет validate-теги.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", errMalformedBody, err)
	}
	return domain.ValidateStruct(dst)
}
