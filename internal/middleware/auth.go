// Package middleware provides Gin HTTP middleware for authentication, authorization,
// rate limiting, security headers, and request metrics.
//
// Middleware ordering matters and is enforced in router.go:
//
//	Security → RateLimit → Auth → Scope → Handler
//
// Security headers run first so they appear on all responses including errors.
// Rate limiting runs before auth to block brute-force attacks before any DB work.
// Auth populates the caller identity and scopes; the scope middleware reads from
// that context.
package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sello-registry/sello/internal/auth"
	"github.com/sello-registry/sello/internal/config"
	"github.com/sello-registry/sello/internal/db/models"
	"github.com/sello-registry/sello/internal/db/repositories"
)

// AuthMiddleware validates authentication (service JWT or service key)
func AuthMiddleware(cfg *config.Config, keyRepo *repositories.ServiceKeyRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for Authorization header
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing authorization header",
			})
			return
		}

		// Check if it starts with "Bearer "
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization header must start with 'Bearer '",
			})
			return
		}

		// Extract token
		token := strings.TrimPrefix(authHeader, "Bearer ")
		token = strings.TrimSpace(token)

		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization token is empty",
			})
			return
		}

		// Try JWT first
		if claims, err := auth.ValidateJWT(token); err == nil {
			// JWT is valid and self-contained: identity and scopes come from the
			// signed claims with no database round-trip.
			c.Set("service_id", claims.ServiceID)
			c.Set("auth_method", "jwt")
			c.Set("scopes", claims.Scopes)

			c.Next()
			return
		}

		// JWT validation is attempted first because it is entirely stateless — it
		// requires only a cryptographic check against the JWT secret with no database
		// round-trip. Service key validation always requires a DB query (prefix lookup +
		// bcrypt comparison), so JWT is the lower-latency path.

		// Try service key.
		// We never store the raw key — only its bcrypt hash. The 10-character prefix
		// is stored plaintext alongside the hash so we can do a fast indexed DB query
		// to narrow the candidate set, then run the expensive bcrypt comparison only
		// on those few rows. Without the prefix, every request would require scanning
		// the entire service_keys table and running bcrypt on each row — O(n) bcrypt
		// calls per request, which is catastrophically slow at scale.
		keyPrefix := token
		if len(token) > 10 {
			keyPrefix = token[:10]
		}
		key, err := authenticateServiceKey(c.Request.Context(), token, keyPrefix, keyRepo)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "Authentication failed",
			})
			return
		}

		if key != nil {
			// Check expiration
			if key.Expired(time.Now()) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "Service key expired",
				})
				return
			}

			// Update last-used timestamp asynchronously. This is intentionally fire-and-forget:
			// last-used tracking is best-effort — a failed update is not a correctness problem.
			// Making it synchronous would add a DB write to every authenticated request,
			// increasing P99 latency across all endpoints. The 5-second timeout prevents
			// leaked goroutines if the DB is temporarily unreachable.
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = keyRepo.UpdateLastUsed(ctx, key.ID)
			}()

			// Set context values
			c.Set("service_key", key)
			c.Set("service_key_id", key.ID)
			c.Set("service_id", key.Name)
			c.Set("auth_method", "service_key")
			c.Set("scopes", key.Scopes)

			c.Next()
			return
		}

		// Neither JWT nor service key worked
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "Invalid credentials",
		})
	}
}

// OptionalAuthMiddleware - same as AuthMiddleware but doesn't abort if no auth.
// Used on the public verify endpoint so authenticated callers get attributed
// in the usage log while anonymous lookups still work.
func OptionalAuthMiddleware(cfg *config.Config, keyRepo *repositories.ServiceKeyRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for Authorization header
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			// No auth provided, continue without setting caller context
			c.Next()
			return
		}

		// Check if it starts with "Bearer "
		if !strings.HasPrefix(authHeader, "Bearer ") {
			// Invalid format, continue without auth
			c.Next()
			return
		}

		// Extract token
		token := strings.TrimPrefix(authHeader, "Bearer ")
		token = strings.TrimSpace(token)

		if token == "" {
			// Empty token, continue without auth
			c.Next()
			return
		}

		// Try JWT first
		if claims, err := auth.ValidateJWT(token); err == nil {
			c.Set("service_id", claims.ServiceID)
			c.Set("auth_method", "jwt")
			c.Set("scopes", claims.Scopes)
			c.Next()
			return
		}

		// Try service key
		keyPrefix := token
		if len(token) > 10 {
			keyPrefix = token[:10]
		}

		key, _ := authenticateServiceKey(c.Request.Context(), token, keyPrefix, keyRepo)
		if key != nil && !key.Expired(time.Now()) {
			// Update last used (async)
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = keyRepo.UpdateLastUsed(ctx, key.ID)
			}()

			// Set context values
			c.Set("service_key", key)
			c.Set("service_key_id", key.ID)
			c.Set("service_id", key.Name)
			c.Set("auth_method", "service_key")
			c.Set("scopes", key.Scopes)
		}

		// Continue regardless of auth status
		c.Next()
	}
}

// authenticateServiceKey attempts to authenticate a service key by prefix lookup and bcrypt validation
func authenticateServiceKey(ctx context.Context, providedKey, keyPrefix string, keyRepo *repositories.ServiceKeyRepository) (*models.ServiceKey, error) {
	// Get service keys matching the prefix
	keys, err := keyRepo.GetByPrefix(ctx, keyPrefix)
	if err != nil {
		return nil, err
	}

	// Try to validate the provided key against each candidate
	for _, key := range keys {
		if auth.ValidateServiceKey(providedKey, key.KeyHash) {
			return key, nil
		}
	}

	return nil, nil
}
