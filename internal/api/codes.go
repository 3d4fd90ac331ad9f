// codes.go implements the code lifecycle endpoints: batch minting, inspection,
// raster re-rendering, and revocation. Binding a code happens only through the
// scan intake (scans.go) or the document render (documents.go); there is no
// direct "mark used" endpoint, so the exactly-once guarantee cannot be
// bypassed from the API.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sello-registry/sello/internal/db/models"
	"github.com/sello-registry/sello/internal/db/repositories"
	"github.com/sello-registry/sello/internal/lifecycle"
	"github.com/sello-registry/sello/internal/qr"
	"github.com/sello-registry/sello/internal/telemetry"
)

// CodeHandlers handles code lifecycle endpoints
type CodeHandlers struct {
	generator *qr.Generator
	manager   *lifecycle.Manager
	qrRepo    *repositories.QRCodeRepository
}

// NewCodeHandlers creates a new CodeHandlers instance
func NewCodeHandlers(generator *qr.Generator, manager *lifecycle.Manager, qrRepo *repositories.QRCodeRepository) *CodeHandlers {
	return &CodeHandlers{
		generator: generator,
		manager:   manager,
		qrRepo:    qrRepo,
	}
}

// GenerateCodesRequest represents the request to mint a batch of codes
type GenerateCodesRequest struct {
	DocumentTypeID string              `json:"document_type_id" binding:"required"`
	Count          int                 `json:"count" binding:"required"`
	ExpiresInDays  *int                `json:"expires_in_days"`
	Render         models.RenderConfig `json:"render"`
}

// codeResponse is the wire shape of one code
type codeResponse struct {
	ID              string                  `json:"id"`
	Code            string                  `json:"code"`
	DocumentTypeID  string                  `json:"document_type_id"`
	Status          models.Status           `json:"status"`
	EffectiveState  models.Status           `json:"effective_state"`
	BoundDocumentID *string                 `json:"bound_document_id,omitempty"`
	GeneratedBy     *string                 `json:"generated_by,omitempty"`
	CreatedAt       time.Time               `json:"created_at"`
	ActivatedAt     *time.Time              `json:"activated_at,omitempty"`
	UsedAt          *time.Time              `json:"used_at,omitempty"`
	ExpiresAt       *time.Time              `json:"expires_at,omitempty"`
	RevokedAt       *time.Time              `json:"revoked_at,omitempty"`
	RevokeReason    *string                 `json:"revoke_reason,omitempty"`
	UsageAttempts   int                     `json:"usage_attempts"`
	UsageLog        []models.UsageEntry     `json:"usage_log,omitempty"`
	Render          models.RenderConfig     `json:"render"`
	Bound           bool                    `json:"bound"`
}

func toCodeResponse(c *models.QRCode, includeLog bool) codeResponse {
	resp := codeResponse{
		ID:              c.ID,
		Code:            c.Code,
		DocumentTypeID:  c.DocumentTypeID,
		Status:          c.Status,
		EffectiveState:  c.EffectiveState(time.Now()),
		BoundDocumentID: c.BoundDocumentID,
		Bound:           c.IsBound(),
		GeneratedBy:     c.GeneratedBy,
		CreatedAt:       c.CreatedAt,
		ActivatedAt:     c.ActivatedAt,
		UsedAt:          c.UsedAt,
		ExpiresAt:       c.ExpiresAt,
		RevokedAt:       c.RevokedAt,
		RevokeReason:    c.RevokeReason,
		UsageAttempts:   c.UsageAttempts,
		Render:          c.GenerationConfig.Render,
	}
	if includeLog {
		resp.UsageLog = c.UsageLog
	}
	return resp
}

// @Summary      Mint a code batch
// @Description  Mints a batch of unique codes for a document type, all in the generated state. The render configuration is snapshotted per code so re-renders are byte-identical.
// @Tags         Codes
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        request  body  GenerateCodesRequest  true  "Batch parameters"
// @Success      201  {object}  map[string]interface{}  "codes: minted batch"
// @Failure      422  {object}  map[string]interface{}  "Invalid document type or render config"
// @Router       /api/v1/codes [post]
// GenerateCodesHandler mints a batch of codes
// POST /api/v1/codes
func (h *CodeHandlers) GenerateCodesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req GenerateCodesRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}

		actor := actorFromContext(c)
		codes, err := h.generator.Generate(c.Request.Context(), req.DocumentTypeID, req.Count, req.ExpiresInDays, req.Render, actor)
		if len(codes) > 0 {
			telemetry.CodesGeneratedTotal.WithLabelValues(req.DocumentTypeID).Add(float64(len(codes)))
		}
		if err != nil {
			// A cancelled batch may still have minted some codes; those stay
			// valid, so the caller gets them alongside the error status.
			if len(codes) > 0 {
				c.JSON(errorStatus(err), gin.H{
					"error": err.Error(),
					"codes": toCodeResponses(codes),
				})
				return
			}
			respondError(c, err)
			return
		}

		c.JSON(http.StatusCreated, gin.H{"codes": toCodeResponses(codes)})
	}
}

func toCodeResponses(codes []*models.QRCode) []codeResponse {
	out := make([]codeResponse, 0, len(codes))
	for _, qc := range codes {
		out = append(out, toCodeResponse(qc, false))
	}
	return out
}

// @Summary      Get a code
// @Description  Returns the full state of one code, including its usage log. The effective_state field reports lazy expiry even before the sweep job rewrites the row.
// @Tags         Codes
// @Security     Bearer
// @Produce      json
// @Param        code  path  string  true  "Code payload"
// @Success      200  {object}  map[string]interface{}  "code state"
// @Failure      404  {object}  map[string]interface{}  "Unknown code"
// @Router       /api/v1/codes/{code} [get]
// GetCodeHandler returns one code with its usage history
// GET /api/v1/codes/:code
func (h *CodeHandlers) GetCodeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		qrCode, err := h.manager.Get(c.Request.Context(), c.Param("code"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, toCodeResponse(qrCode, true))
	}
}

// @Summary      List codes
// @Description  Lists codes minted for a document type, newest first.
// @Tags         Codes
// @Security     Bearer
// @Produce      json
// @Param        document_type_id  query  string  true   "Document type ID"
// @Param        limit             query  int     false  "Maximum rows (default 100, max 1000)"
// @Success      200  {object}  map[string]interface{}  "codes"
// @Router       /api/v1/codes [get]
// ListCodesHandler lists codes by document type
// GET /api/v1/codes?document_type_id=...
func (h *CodeHandlers) ListCodesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		documentTypeID := c.Query("document_type_id")
		if documentTypeID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "document_type_id query parameter is required"})
			return
		}

		limit := 100
		if raw := c.Query("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			if parsed > 1000 {
				parsed = 1000
			}
			limit = parsed
		}

		codes, err := h.qrRepo.ListByDocumentType(c.Request.Context(), documentTypeID, limit)
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"codes": toCodeResponses(codes),
			"count": len(codes),
		})
	}
}

// @Summary      Render a code's raster
// @Description  Re-renders the QR PNG for a code from the render config snapshotted at mint time. Identical input produces byte-identical output.
// @Tags         Codes
// @Security     Bearer
// @Produce      png
// @Param        code  path  string  true  "Code payload"
// @Success      200  {file}  binary  "PNG raster"
// @Failure      404  {object}  map[string]interface{}  "Unknown code"
// @Router       /api/v1/codes/{code}/raster [get]
// GetRasterHandler serves the code's QR PNG
// GET /api/v1/codes/:code/raster
func (h *CodeHandlers) GetRasterHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		qrCode, err := h.manager.Get(c.Request.Context(), c.Param("code"))
		if err != nil {
			respondError(c, err)
			return
		}

		raster, err := qr.Render(qrCode.Code, qrCode.GenerationConfig.Render)
		if err != nil {
			respondError(c, err)
			return
		}

		c.Data(http.StatusOK, "image/png", raster)
	}
}

// @Summary      Code counts by state
// @Description  Returns how many codes sit in each persisted state. Lazy expiry is not applied; overdue active rows still count as active until the sweep job rewrites them.
// @Tags         Codes
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "counts keyed by state, plus total"
// @Router       /api/v1/stats/codes [get]
// GetCodeStatsHandler reports per-state code counts
// GET /api/v1/stats/codes (a sibling of /codes/:code would shadow the wildcard)
func (h *CodeHandlers) GetCodeStatsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		counts, err := h.qrRepo.CountByStatus(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}

		total := 0
		for _, n := range counts {
			total += n
		}
		c.JSON(http.StatusOK, gin.H{
			"counts": counts,
			"total":  total,
		})
	}
}

// @Summary      Get a document's code
// @Description  Returns the code consumed by a document's registration. A document whose type does not require a code, or one registered before minting began, has none.
// @Tags         Documents
// @Security     Bearer
// @Produce      json
// @Param        id  path  string  true  "Document ID"
// @Success      200  {object}  map[string]interface{}  "bound code state"
// @Failure      404  {object}  map[string]interface{}  "No code bound to this document"
// @Router       /api/v1/documents/{id}/code [get]
// GetDocumentCodeHandler returns the code bound to a document
// GET /api/v1/documents/:id/code
func (h *CodeHandlers) GetDocumentCodeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		qrCode, err := h.qrRepo.GetByBoundDocument(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		if qrCode == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no code bound to this document"})
			return
		}
		c.JSON(http.StatusOK, toCodeResponse(qrCode, true))
	}
}

// RevokeCodeRequest represents the request to revoke a code
type RevokeCodeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// @Summary      Revoke a code
// @Description  Administratively invalidates a code from any non-terminal state. Revoking an already revoked code is an idempotent no-op; an expired code cannot be revoked.
// @Tags         Codes
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        code     path  string             true  "Code payload"
// @Param        request  body  RevokeCodeRequest  true  "Revocation reason"
// @Success      200  {object}  map[string]interface{}  "revoked code state"
// @Failure      410  {object}  map[string]interface{}  "Code already expired"
// @Router       /api/v1/codes/{code}/revoke [post]
// RevokeCodeHandler revokes a code
// POST /api/v1/codes/:code/revoke
func (h *CodeHandlers) RevokeCodeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RevokeCodeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}

		code := c.Param("code")
		before, err := h.manager.Get(c.Request.Context(), code)
		if err != nil {
			respondError(c, err)
			return
		}
		fromStatus := before.Status

		revoked, err := h.manager.Revoke(c.Request.Context(), code, req.Reason, actorFromContext(c))
		if err != nil {
			if reason := conflictReason(err); reason != "" {
				telemetry.BindConflictsTotal.WithLabelValues(reason).Inc()
			}
			respondError(c, err)
			return
		}

		if fromStatus != models.StatusRevoked {
			telemetry.CodeTransitionsTotal.WithLabelValues(string(fromStatus), string(models.StatusRevoked)).Inc()
		}

		c.JSON(http.StatusOK, toCodeResponse(revoked, true))
	}
}

// actorFromContext names the caller for usage log entries: the authenticated
// service identity when present, the client IP otherwise.
func actorFromContext(c *gin.Context) string {
	if serviceID, exists := c.Get("service_id"); exists {
		if s, ok := serviceID.(string); ok && s != "" {
			return s
		}
	}
	return "ip:" + c.ClientIP()
}
