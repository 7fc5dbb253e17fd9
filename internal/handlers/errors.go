package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-payment-reconciler/internal/auth"
	"github.com/imrishuroy/go-payment-reconciler/internal/catalog"
	"github.com/imrishuroy/go-payment-reconciler/internal/ledger"
	"github.com/imrishuroy/go-payment-reconciler/internal/payments"
	"github.com/imrishuroy/go-payment-reconciler/internal/reconcile"
)

// writeError maps domain errors to HTTP responses. Unknown errors are 500s and
// their detail is not returned to the client.
func writeError(c *gin.Context, err error) {
	_ = c.Error(err)

	var ve *reconcile.ValidationError
	if errors.As(err, &ve) {
		c.JSON(http.StatusBadRequest, gin.H{"error": ve.Code, "field": ve.Field, "msg": ve.Msg})
		return
	}
	var pe *reconcile.PersistenceError
	if errors.As(err, &pe) && !errors.Is(err, ledger.ErrDuplicateIntent) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "order_not_persisted"})
		return
	}

	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	case errors.Is(err, payments.ErrSignatureInvalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature"})
	case errors.Is(err, payments.ErrGatewayUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "payment_gateway_unavailable"})
	case errors.Is(err, payments.ErrInvalidRequest), errors.Is(err, payments.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "payment_rejected"})
	case errors.Is(err, reconcile.ErrCheckoutInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "request_in_progress"})
	case errors.Is(err, reconcile.ErrCheckoutAbandoned):
		c.JSON(http.StatusConflict, gin.H{"error": "idempotency_key_abandoned"})
	case errors.Is(err, ledger.ErrEmailTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "email_taken"})
	case errors.Is(err, ledger.ErrOrderNotFound), errors.Is(err, catalog.ErrProductNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, ledger.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
