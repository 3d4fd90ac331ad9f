package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sello-registry/sello/internal/validation"
)

// VerifyHandlers handles the public code verification endpoint
type VerifyHandlers struct {
	validator *validation.Service
}

// NewVerifyHandlers creates a new VerifyHandlers instance
func NewVerifyHandlers(validator *validation.Service) *VerifyHandlers {
	return &VerifyHandlers{validator: validator}
}

// @Summary      Verify a code
// @Description  Public check of one code. Used and active codes verify as valid; generated, expired, and revoked codes do not. Every call, valid or not, counts as a usage attempt on the code.
// @Tags         Verify
// @Produce      json
// @Param        code  path  string  true  "Code payload"
// @Success      200  {object}  validation.Result
// @Failure      404  {object}  map[string]interface{}  "Unknown code"
// @Router       /v1/verify/{code} [get]
// VerifyCodeHandler validates a code without transitioning it
// GET /v1/verify/:code
func (h *VerifyHandlers) VerifyCodeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := h.validator.Validate(c.Request.Context(), c.Param("code"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}
