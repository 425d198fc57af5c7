package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Metacomet-Technologies/server-manager/internal/connection"
	"github.com/Metacomet-Technologies/server-manager/internal/session"
	"gorm.io/gorm"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// statusForError maps typed domain errors to HTTP statuses. Unknown
// errors become 500.
func statusForError(err error) int {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, connection.ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, connection.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, connection.ErrConfiguration):
		return http.StatusUnprocessableEntity
	case errors.Is(err, connection.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, connection.ErrNotConnected):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, statusForError(err), err.Error())
}
