// scans.go implements the scan intake endpoints. Uploads arrive as multipart
// form data; the file part is read fully into memory (upload size is capped
// well below anything that would hurt) before it is handed to the registrar.
package api

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sello-registry/sello/internal/db/models"
	"github.com/sello-registry/sello/internal/services"
	"github.com/sello-registry/sello/internal/telemetry"
)

// ScanHandlers handles scan upload endpoints
type ScanHandlers struct {
	registrar     *services.Registrar
	maxUploadSize int64
}

// NewScanHandlers creates a new ScanHandlers instance
func NewScanHandlers(registrar *services.Registrar, maxUploadSize int64) *ScanHandlers {
	return &ScanHandlers{
		registrar:     registrar,
		maxUploadSize: maxUploadSize,
	}
}

// readUpload pulls the "file" part out of the multipart form. The declared
// content type is advisory only; the registrar sniffs the real one.
func (h *ScanHandlers) readUpload(c *gin.Context) (*services.ScanRequest, bool) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart form must include a 'file' part"})
		return nil, false
	}
	if h.maxUploadSize > 0 && fileHeader.Size > h.maxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "uploaded file exceeds the size limit"})
		return nil, false
	}

	f, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to open uploaded file: " + err.Error()})
		return nil, false
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read uploaded file: " + err.Error()})
		return nil, false
	}

	return &services.ScanRequest{
		Data:        data,
		ContentType: fileHeader.Header.Get("Content-Type"),
		Filename:    fileHeader.Filename,
		Actor:       actorFromContext(c),
		IPAddress:   c.ClientIP(),
	}, true
}

// @Summary      Extract codes from a scan
// @Description  Decodes every QR symbol in the uploaded image or PDF without changing any code's state. Returns the candidates ordered by decode confidence.
// @Tags         Scans
// @Security     Bearer
// @Accept       multipart/form-data
// @Produce      json
// @Param        file  formData  file  true  "Scan file (PNG, JPEG, TIFF, BMP, or PDF)"
// @Success      200  {object}  map[string]interface{}  "candidates and file checksum"
// @Failure      422  {object}  map[string]interface{}  "Unsupported or undecodable file"
// @Router       /api/v1/scans/extract [post]
// ExtractScanHandler decodes codes from an upload without side effects
// POST /api/v1/scans/extract
func (h *ScanHandlers) ExtractScanHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		req, ok := h.readUpload(c)
		if !ok {
			return
		}

		start := time.Now()
		result, err := h.registrar.Extract(c.Request.Context(), req)
		telemetry.ScanExtractDuration.Observe(time.Since(start).Seconds())
		observeDecodeAttempt(req.ContentType, result != nil && len(result.Candidates) > 0, err)
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"candidates": result.Candidates,
			"checksum":   result.Checksum,
		})
	}
}

// @Summary      Register a scanned document
// @Description  Archives the upload, decodes its code, and binds the code to the new document record exactly once. A second registration against the same code gets 409 and leaves no document behind. Document types that permit codeless intake archive the scan without a binding.
// @Tags         Scans
// @Security     Bearer
// @Accept       multipart/form-data
// @Produce      json
// @Param        file              formData  file    true  "Scan file"
// @Param        document_type_id  formData  string  true  "Document type ID"
// @Success      201  {object}  map[string]interface{}  "archived document and consumed code"
// @Failure      404  {object}  map[string]interface{}  "Unknown code or document type"
// @Failure      409  {object}  map[string]interface{}  "Code already bound to another document"
// @Failure      410  {object}  map[string]interface{}  "Code expired or revoked"
// @Failure      422  {object}  map[string]interface{}  "No readable code in a scan that requires one, or multiple distinct codes in one upload"
// @Router       /api/v1/scans/register [post]
// RegisterScanHandler archives a scan and consumes its code
// POST /api/v1/scans/register
func (h *ScanHandlers) RegisterScanHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		req, ok := h.readUpload(c)
		if !ok {
			return
		}
		req.DocumentTypeID = c.PostForm("document_type_id")
		if req.DocumentTypeID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "document_type_id form field is required"})
			return
		}

		start := time.Now()
		result, err := h.registrar.Register(c.Request.Context(), req)
		telemetry.ScanExtractDuration.Observe(time.Since(start).Seconds())
		observeDecodeAttempt(req.ContentType, err == nil && result.Code != nil, err)
		if err != nil {
			if reason := conflictReason(err); reason != "" {
				telemetry.BindConflictsTotal.WithLabelValues(reason).Inc()
			}
			respondError(c, err)
			return
		}

		if result.Outcome == "bound" {
			telemetry.CodeTransitionsTotal.WithLabelValues(string(models.StatusActive), string(models.StatusUsed)).Inc()
		}

		resp := gin.H{
			"document":   toDocumentResponse(result.Document),
			"candidates": result.Candidates,
			"outcome":    result.Outcome,
		}
		if result.Code != nil {
			resp["code"] = toCodeResponse(result.Code, false)
		}
		c.JSON(http.StatusCreated, resp)
	}
}

// observeDecodeAttempt classifies one upload for the decode counter. Intake
// failures unrelated to decoding (unknown type, bind conflicts) still count
// by whether a code was read, which is what the metric tracks.
func observeDecodeAttempt(mimeType string, decoded bool, err error) {
	outcome := "no_code"
	switch {
	case decoded:
		outcome = "decoded"
	case err != nil:
		outcome = "failed"
	}
	if mimeType == "" {
		mimeType = "unknown"
	}
	telemetry.ScanDecodeAttemptsTotal.WithLabelValues(mimeType, outcome).Inc()
}

// documentResponse is the wire shape of one archived document
type documentResponse struct {
	ID             string    `json:"id"`
	DocumentTypeID string    `json:"document_type_id"`
	QRCodeID       *string   `json:"qr_code_id,omitempty"`
	ArchiveKey     string    `json:"archive_key"`
	Checksum       string    `json:"checksum"`
	ContentType    string    `json:"content_type"`
	SizeBytes      int64     `json:"size_bytes"`
	CreatedBy      *string   `json:"created_by,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func toDocumentResponse(d *models.Document) documentResponse {
	return documentResponse{
		ID:             d.ID,
		DocumentTypeID: d.DocumentTypeID,
		QRCodeID:       d.QRCodeID,
		ArchiveKey:     d.ArchiveKey,
		Checksum:       d.Checksum,
		ContentType:    d.ContentType,
		SizeBytes:      d.SizeBytes,
		CreatedBy:      d.CreatedBy,
		CreatedAt:      d.CreatedAt,
	}
}
