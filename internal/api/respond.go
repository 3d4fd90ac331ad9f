// respond.go maps domain errors onto HTTP statuses. State-conflict errors are
// sentinels, so the mapping is exhaustive per package: unknown resources are
// 404, lost races 409, terminally dead codes 410, structurally invalid input
// 422, and everything unclassified a 500 with the detail kept out of the body.
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sello-registry/sello/internal/lifecycle"
	"github.com/sello-registry/sello/internal/qr"
	"github.com/sello-registry/sello/internal/scan"
	"github.com/sello-registry/sello/internal/services"
	"github.com/sello-registry/sello/internal/template"
)

// errorStatus classifies a domain error into an HTTP status code.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrUnknownCode),
		errors.Is(err, services.ErrUnknownDocumentType),
		errors.Is(err, template.ErrTemplateNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrAlreadyUsed),
		errors.Is(err, lifecycle.ErrNotActive):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrExpired),
		errors.Is(err, lifecycle.ErrRevoked):
		return http.StatusGone
	case errors.Is(err, qr.ErrInvalidConfig),
		errors.Is(err, template.ErrPositionOutOfRange),
		errors.Is(err, scan.ErrDecode),
		errors.Is(err, services.ErrNoCode),
		errors.Is(err, services.ErrAmbiguousScan):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the classified status with the error message. Internal
// errors keep the detail out of the response body.
func respondError(c *gin.Context, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		c.JSON(status, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// conflictReason names the metric label for a refused activation or binding.
func conflictReason(err error) string {
	switch {
	case errors.Is(err, lifecycle.ErrAlreadyUsed):
		return "already_used"
	case errors.Is(err, lifecycle.ErrExpired):
		return "expired"
	case errors.Is(err, lifecycle.ErrRevoked):
		return "revoked"
	case errors.Is(err, lifecycle.ErrNotActive):
		return "not_active"
	default:
		return ""
	}
}
