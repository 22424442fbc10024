package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/delegate-dev/delegate/internal/store"
)

// apiError writes a one-line JSON error body, the shape every handler
// uses for the UserError kind (spec §7): a stable code plus a
// human-readable message, never a stack trace.
func apiError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"error": gin.H{"code": code, "message": message}})
}

// notFoundOr404 maps store.ErrNotFound to a 404 and anything else to a
// 500, the two outcomes every single-row lookup handler needs.
func notFoundOr404(c *gin.Context, err error, code string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, store.ErrNotFound) {
		apiError(c, http.StatusNotFound, code, "not found")
		return true
	}
	apiError(c, http.StatusInternalServerError, "internal_error", err.Error())
	return true
}
