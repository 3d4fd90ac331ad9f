package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sello-registry/sello/internal/db/models"
	"github.com/sello-registry/sello/internal/db/repositories"
)

// EventHandlers handles the scan event audit trail endpoint
type EventHandlers struct {
	eventRepo *repositories.ScanEventRepository
}

// NewEventHandlers creates a new EventHandlers instance
func NewEventHandlers(eventRepo *repositories.ScanEventRepository) *EventHandlers {
	return &EventHandlers{eventRepo: eventRepo}
}

// scanEventResponse is the wire shape of one scan event
type scanEventResponse struct {
	ID             string                 `json:"id"`
	Code           *string                `json:"code,omitempty"`
	DocumentID     *string                `json:"document_id,omitempty"`
	Action         string                 `json:"action"`
	Outcome        string                 `json:"outcome"`
	FileChecksum   *string                `json:"file_checksum,omitempty"`
	MimeType       *string                `json:"mime_type,omitempty"`
	CandidateCount int                    `json:"candidate_count"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	ActorID        *string                `json:"actor_id,omitempty"`
	IPAddress      *string                `json:"ip_address,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

func toScanEventResponse(ev *models.ScanEvent) scanEventResponse {
	return scanEventResponse{
		ID:             ev.ID,
		Code:           ev.Code,
		DocumentID:     ev.DocumentID,
		Action:         ev.Action,
		Outcome:        ev.Outcome,
		FileChecksum:   ev.FileChecksum,
		MimeType:       ev.MimeType,
		CandidateCount: ev.CandidateCount,
		Metadata:       ev.Metadata,
		ActorID:        ev.ActorID,
		IPAddress:      ev.IPAddress,
		CreatedAt:      ev.CreatedAt,
	}
}

// @Summary      List scan events
// @Description  Queries the append-only scan event trail. All filters are optional and combine with AND; dates are RFC 3339.
// @Tags         Events
// @Security     Bearer
// @Produce      json
// @Param        code        query  string  false  "Filter by code payload"
// @Param        action      query  string  false  "Filter by action (scan.extract, scan.register, code.validate)"
// @Param        outcome     query  string  false  "Filter by outcome"
// @Param        start_date  query  string  false  "Events at or after this time"
// @Param        end_date    query  string  false  "Events before this time"
// @Param        limit       query  int     false  "Page size (default 50, max 500)"
// @Param        offset      query  int     false  "Page offset"
// @Success      200  {object}  map[string]interface{}  "events, total, limit, offset"
// @Router       /api/v1/events [get]
// ListEventsHandler queries the scan event trail
// GET /api/v1/events
func (h *EventHandlers) ListEventsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var filters repositories.ScanEventFilters
		if v := c.Query("code"); v != "" {
			filters.Code = &v
		}
		if v := c.Query("action"); v != "" {
			filters.Action = &v
		}
		if v := c.Query("outcome"); v != "" {
			filters.Outcome = &v
		}
		if v := c.Query("start_date"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "start_date must be RFC 3339"})
				return
			}
			filters.StartDate = &t
		}
		if v := c.Query("end_date"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "end_date must be RFC 3339"})
				return
			}
			filters.EndDate = &t
		}

		limit := 50
		if raw := c.Query("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			if parsed > 500 {
				parsed = 500
			}
			limit = parsed
		}
		offset := 0
		if raw := c.Query("offset"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "offset must be a non-negative integer"})
				return
			}
			offset = parsed
		}

		events, total, err := h.eventRepo.ListScanEvents(c.Request.Context(), filters, limit, offset)
		if err != nil {
			respondError(c, err)
			return
		}

		out := make([]scanEventResponse, 0, len(events))
		for _, ev := range events {
			out = append(out, toScanEventResponse(ev))
		}
		c.JSON(http.StatusOK, gin.H{
			"events": out,
			"total":  total,
			"limit":  limit,
			"offset": offset,
		})
	}
}
