package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/sello-registry/sello/internal/db/models"
	"github.com/sello-registry/sello/internal/lifecycle"
	"github.com/sello-registry/sello/internal/telemetry"
	"github.com/sello-registry/sello/internal/template"
)

const docxContentType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

// DocumentHandlers handles template rendering endpoints
type DocumentHandlers struct {
	binder  *template.Binder
	manager *lifecycle.Manager
}

// NewDocumentHandlers creates a new DocumentHandlers instance
func NewDocumentHandlers(binder *template.Binder, manager *lifecycle.Manager) *DocumentHandlers {
	return &DocumentHandlers{
		binder:  binder,
		manager: manager,
	}
}

// RenderDocumentRequest represents the request to render a DOCX with an embedded code
type RenderDocumentRequest struct {
	DocumentTypeID string            `json:"document_type_id" binding:"required"`
	Code           string            `json:"code" binding:"required"`
	Fields         map[string]string `json:"fields"`
}

// @Summary      Render a document
// @Description  Renders the document type's DOCX template with the code's QR raster embedded at the configured table cell and the field values substituted. On success the code transitions from generated to active; a used, revoked, or expired code fails the render.
// @Tags         Documents
// @Security     Bearer
// @Accept       json
// @Produce      application/vnd.openxmlformats-officedocument.wordprocessingml.document
// @Param        request  body  RenderDocumentRequest  true  "Render parameters"
// @Success      200  {file}  binary  "Rendered DOCX"
// @Failure      404  {object}  map[string]interface{}  "Unknown code or template"
// @Failure      409  {object}  map[string]interface{}  "Code already used"
// @Failure      410  {object}  map[string]interface{}  "Code expired or revoked"
// @Router       /api/v1/documents/render [post]
// RenderDocumentHandler renders a DOCX with the code embedded
// POST /api/v1/documents/render
func (h *DocumentHandlers) RenderDocumentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RenderDocumentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}

		before, err := h.manager.Get(c.Request.Context(), req.Code)
		if err != nil {
			respondError(c, err)
			return
		}
		wasGenerated := before.Status == models.StatusGenerated

		result, err := h.binder.Bind(c.Request.Context(), req.DocumentTypeID, req.Code, req.Fields, actorFromContext(c))
		if err != nil {
			if reason := conflictReason(err); reason != "" {
				telemetry.BindConflictsTotal.WithLabelValues(reason).Inc()
			}
			respondError(c, err)
			return
		}

		if wasGenerated {
			telemetry.CodeTransitionsTotal.WithLabelValues(string(models.StatusGenerated), string(models.StatusActive)).Inc()
		}

		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", req.Code+".docx"))
		if len(result.Warnings) > 0 {
			// Non-fatal render notes (unknown fields, missing placeholders)
			// travel in a header so the body stays a plain DOCX stream.
			c.Header("X-Render-Warnings", strings.Join(result.Warnings, "; "))
		}
		c.Data(http.StatusOK, docxContentType, result.DocumentBytes)
	}
}
