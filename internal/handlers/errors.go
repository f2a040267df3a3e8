package handlers

import (
	"errors"
	"net/http"

	"github.com/saborly/apiserver/internal/services"
	"go.uber.org/zap"
)

func statusForKind(kind services.Kind) int {
	switch kind {
	case services.KindValidation, services.KindConflict, services.KindInvalidSecret:
		return http.StatusBadRequest
	case services.KindAuthentication:
		return http.StatusUnauthorized
	case services.KindNotVerified, services.KindAuthorization:
		return http.StatusForbidden
	case services.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError maps a service failure to its HTTP response. Server
// side failures are logged and answered with an opaque message.
func writeServiceError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status := statusForKind(services.KindOf(err))
	if status == http.StatusInternalServerError {
		logger.Error("request failed", zap.Error(err))
		writeError(w, status, "internal server error")
		return
	}

	resp := ErrorResponse{Error: err.Error()}
	var svcErr *services.Error
	if errors.As(err, &svcErr) {
		resp.Error = svcErr.Message
		resp.Suggestions = svcErr.Suggestions
	}
	writeJSON(w, status, resp)
}
