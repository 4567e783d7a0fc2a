package handler

import (
	"errors"
	"net/http"

	"github.com/bitrise-io/go-chunkupload/transfer"
)

var errRequestTooLarge = errors.New("request body too large")

// statusFor maps an error to the HTTP status reported to the client.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errRequestTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, transfer.ErrTransferNotFound):
		return http.StatusNotFound
	}

	switch transfer.KindOf(err) {
	case transfer.KindInvalidInput:
		return http.StatusBadRequest
	case transfer.KindConsistency:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Errorf("Request failed: %s", err)
	} else {
		h.logger.Debugf("Request rejected (%d): %s", status, err)
	}

	h.writeJSON(w, status, transfer.ErrorResponse{Error: err.Error()})
}
