package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sello-registry/sello/internal/auth"
	"github.com/sello-registry/sello/internal/config"
	"github.com/sello-registry/sello/internal/db/models"
	"github.com/sello-registry/sello/internal/db/repositories"
)

// ServiceKeyHandlers handles service key management endpoints
type ServiceKeyHandlers struct {
	cfg     *config.Config
	keyRepo *repositories.ServiceKeyRepository
}

// NewServiceKeyHandlers creates a new ServiceKeyHandlers instance
func NewServiceKeyHandlers(cfg *config.Config, keyRepo *repositories.ServiceKeyRepository) *ServiceKeyHandlers {
	return &ServiceKeyHandlers{
		cfg:     cfg,
		keyRepo: keyRepo,
	}
}

// CreateServiceKeyRequest represents the request to create a service key
type CreateServiceKeyRequest struct {
	Name          string   `json:"name" binding:"required"`
	Description   string   `json:"description"`
	Scopes        []string `json:"scopes" binding:"required"`
	ExpiresInDays *int     `json:"expires_in_days"`
}

// serviceKeyResponse is the wire shape of one service key, hash omitted
type serviceKeyResponse struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description *string    `json:"description,omitempty"`
	KeyPrefix   string     `json:"key_prefix"`
	Scopes      []string   `json:"scopes"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func toServiceKeyResponse(k *models.ServiceKey) serviceKeyResponse {
	return serviceKeyResponse{
		ID:          k.ID,
		Name:        k.Name,
		Description: k.Description,
		KeyPrefix:   k.KeyPrefix,
		Scopes:      k.Scopes,
		ExpiresAt:   k.ExpiresAt,
		LastUsedAt:  k.LastUsedAt,
		CreatedAt:   k.CreatedAt,
	}
}

// @Summary      Create a service key
// @Description  Creates a new service key. The plaintext key appears once in the response and is never retrievable again; only its bcrypt hash is stored.
// @Tags         Service Keys
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        request  body  CreateServiceKeyRequest  true  "Key parameters"
// @Success      201  {object}  map[string]interface{}  "key metadata plus the one-time plaintext key"
// @Failure      400  {object}  map[string]interface{}  "Unknown scope"
// @Router       /api/v1/service-keys [post]
// CreateServiceKeyHandler creates a service key
// POST /api/v1/service-keys
func (h *ServiceKeyHandlers) CreateServiceKeyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateServiceKeyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}

		if len(req.Scopes) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "at least one scope is required"})
			return
		}
		valid := auth.ValidScopes()
		for _, s := range req.Scopes {
			if !valid[s] {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unknown scope: " + s})
				return
			}
		}

		plaintext, hash, displayPrefix, err := auth.GenerateServiceKey(h.cfg.Auth.ServiceKeys.Prefix)
		if err != nil {
			respondError(c, err)
			return
		}

		key := &models.ServiceKey{
			Name:      req.Name,
			KeyHash:   hash,
			KeyPrefix: displayPrefix,
			Scopes:    req.Scopes,
		}
		if req.Description != "" {
			key.Description = &req.Description
		}
		if req.ExpiresInDays != nil {
			if *req.ExpiresInDays <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "expires_in_days must be positive"})
				return
			}
			expiresAt := time.Now().AddDate(0, 0, *req.ExpiresInDays)
			key.ExpiresAt = &expiresAt
		}

		if err := h.keyRepo.Create(c.Request.Context(), key); err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"service_key": toServiceKeyResponse(key),
			"key":         plaintext,
		})
	}
}

// @Summary      List service keys
// @Tags         Service Keys
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "service_keys"
// @Router       /api/v1/service-keys [get]
// ListServiceKeysHandler lists all service keys
// GET /api/v1/service-keys
func (h *ServiceKeyHandlers) ListServiceKeysHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		keys, err := h.keyRepo.List(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}

		out := make([]serviceKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, toServiceKeyResponse(k))
		}
		c.JSON(http.StatusOK, gin.H{
			"service_keys": out,
			"count":        len(out),
		})
	}
}

// @Summary      Get a service key
// @Tags         Service Keys
// @Security     Bearer
// @Produce      json
// @Param        id  path  string  true  "Service key ID"
// @Success      200  {object}  serviceKeyResponse
// @Failure      404  {object}  map[string]interface{}  "Unknown key"
// @Router       /api/v1/service-keys/{id} [get]
// GetServiceKeyHandler returns one service key's metadata
// GET /api/v1/service-keys/:id
func (h *ServiceKeyHandlers) GetServiceKeyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		key, err := h.keyRepo.GetByID(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		if key == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "service key not found"})
			return
		}
		c.JSON(http.StatusOK, toServiceKeyResponse(key))
	}
}

// @Summary      Delete a service key
// @Description  Revokes a service key immediately. Requests already in flight with the key finish; new ones fail authentication.
// @Tags         Service Keys
// @Security     Bearer
// @Param        id  path  string  true  "Service key ID"
// @Success      204  "Deleted"
// @Failure      404  {object}  map[string]interface{}  "Unknown key"
// @Router       /api/v1/service-keys/{id} [delete]
// DeleteServiceKeyHandler deletes a service key
// DELETE /api/v1/service-keys/:id
func (h *ServiceKeyHandlers) DeleteServiceKeyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		key, err := h.keyRepo.GetByID(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		if key == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "service key not found"})
			return
		}

		if err := h.keyRepo.Delete(c.Request.Context(), id); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}
