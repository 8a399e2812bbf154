package gateway

import (
	"errors"
	"net/http"

	"billing-gateways/internal/logger"
	"billing-gateways/internal/utils"

	"go.uber.org/zap"
)

// OK writes the acknowledgement processors and staff expect.
func OK(w http.ResponseWriter) {
	utils.WriteJSON(w, http.StatusOK, map[string]string{"detail": "Ok"})
}

// WriteError renders err according to its kind.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var gwErr *GatewayError
	var invErr *InvoicePaymentError

	switch {
	case errors.As(err, &invErr):
		utils.WriteJSON(w, http.StatusBadRequest, map[string]interface{}{
			"detail":  invErr.Message,
			"invoice": invErr.InvoiceID,
		})
	case errors.As(err, &gwErr):
		utils.WriteJSONError(w, gwErr.Message, http.StatusBadRequest)
	default:
		logger.FromCtx(r.Context()).Error("gateway action failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		utils.WriteJSONError(w, "internal error", http.StatusInternalServerError)
	}
}
