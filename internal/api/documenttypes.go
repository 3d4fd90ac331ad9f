package api

import (
	"database/sql"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sello-registry/sello/internal/db/models"
	"github.com/sello-registry/sello/internal/db/repositories"
)

// DocumentTypeHandlers handles document type administration endpoints
type DocumentTypeHandlers struct {
	typeRepo *repositories.DocumentTypeRepository
}

// NewDocumentTypeHandlers creates a new DocumentTypeHandlers instance
func NewDocumentTypeHandlers(typeRepo *repositories.DocumentTypeRepository) *DocumentTypeHandlers {
	return &DocumentTypeHandlers{typeRepo: typeRepo}
}

// CreateDocumentTypeRequest represents the request to register a document type
type CreateDocumentTypeRequest struct {
	Code         string  `json:"code" binding:"required"`
	Name         string  `json:"name" binding:"required"`
	RequiresQR   *bool   `json:"requires_qr"`
	TemplateRef  string  `json:"template_ref"`
	QRTableIndex int     `json:"qr_table_index"`
	QRRow        int     `json:"qr_row"`
	QRColumn     int     `json:"qr_column"`
	QRWidthCm    float64 `json:"qr_width_cm"`
	QRHeightCm   float64 `json:"qr_height_cm"`
}

// UpdatePlacementRequest represents the request to move a type's QR placement
type UpdatePlacementRequest struct {
	TemplateRef  string  `json:"template_ref"`
	QRTableIndex int     `json:"qr_table_index"`
	QRRow        int     `json:"qr_row"`
	QRColumn     int     `json:"qr_column"`
	QRWidthCm    float64 `json:"qr_width_cm"`
	QRHeightCm   float64 `json:"qr_height_cm"`
}

// @Summary      List document types
// @Tags         Document Types
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "document_types"
// @Router       /api/v1/document-types [get]
// ListDocumentTypesHandler lists all document types
// GET /api/v1/document-types
func (h *DocumentTypeHandlers) ListDocumentTypesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		types, err := h.typeRepo.List(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"document_types": types,
			"count":          len(types),
		})
	}
}

// @Summary      Get a document type
// @Tags         Document Types
// @Security     Bearer
// @Produce      json
// @Param        id  path  string  true  "Document type ID"
// @Success      200  {object}  models.DocumentType
// @Failure      404  {object}  map[string]interface{}  "Unknown document type"
// @Router       /api/v1/document-types/{id} [get]
// GetDocumentTypeHandler returns one document type
// GET /api/v1/document-types/:id
func (h *DocumentTypeHandlers) GetDocumentTypeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		dt, err := h.typeRepo.GetByID(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		if dt == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "document type not found"})
			return
		}
		c.JSON(http.StatusOK, dt)
	}
}

// @Summary      Create a document type
// @Description  Registers a document type. requires_qr defaults to true; a type with requires_qr false accepts codeless scan registration.
// @Tags         Document Types
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        request  body  CreateDocumentTypeRequest  true  "Document type"
// @Success      201  {object}  models.DocumentType
// @Failure      409  {object}  map[string]interface{}  "Code already registered"
// @Router       /api/v1/document-types [post]
// CreateDocumentTypeHandler registers a document type
// POST /api/v1/document-types
func (h *DocumentTypeHandlers) CreateDocumentTypeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateDocumentTypeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}

		existing, err := h.typeRepo.GetByCode(c.Request.Context(), req.Code)
		if err != nil {
			respondError(c, err)
			return
		}
		if existing != nil {
			c.JSON(http.StatusConflict, gin.H{"error": "document type code already registered: " + req.Code})
			return
		}

		requiresQR := true
		if req.RequiresQR != nil {
			requiresQR = *req.RequiresQR
		}
		dt := &models.DocumentType{
			Code:         req.Code,
			Name:         req.Name,
			RequiresQR:   requiresQR,
			QRTableIndex: req.QRTableIndex,
			QRRow:        req.QRRow,
			QRColumn:     req.QRColumn,
			QRWidthCm:    req.QRWidthCm,
			QRHeightCm:   req.QRHeightCm,
		}
		if req.TemplateRef != "" {
			dt.TemplateRef = sql.NullString{String: req.TemplateRef, Valid: true}
		}

		if err := h.typeRepo.Create(c.Request.Context(), dt); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, dt)
	}
}

// @Summary      Update QR placement
// @Description  Moves the QR cell and size for a document type's template. Already rendered documents keep their old placement; only future renders pick it up.
// @Tags         Document Types
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        id       path  string                  true  "Document type ID"
// @Param        request  body  UpdatePlacementRequest  true  "New placement"
// @Success      200  {object}  models.DocumentType
// @Failure      404  {object}  map[string]interface{}  "Unknown document type"
// @Router       /api/v1/document-types/{id}/placement [put]
// UpdatePlacementHandler updates a type's template ref and QR placement
// PUT /api/v1/document-types/:id/placement
func (h *DocumentTypeHandlers) UpdatePlacementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req UpdatePlacementRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}

		dt, err := h.typeRepo.GetByID(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		if dt == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "document type not found"})
			return
		}

		dt.TemplateRef = sql.NullString{}
		if req.TemplateRef != "" {
			dt.TemplateRef = sql.NullString{String: req.TemplateRef, Valid: true}
		}
		dt.QRTableIndex = req.QRTableIndex
		dt.QRRow = req.QRRow
		dt.QRColumn = req.QRColumn
		dt.QRWidthCm = req.QRWidthCm
		dt.QRHeightCm = req.QRHeightCm

		if err := h.typeRepo.UpdatePlacement(c.Request.Context(), dt); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, dt)
	}
}
