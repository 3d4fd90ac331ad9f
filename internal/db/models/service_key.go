// Package models - service_key.go defines the ServiceKey model for engine API keys.
// The surrounding application and operator tooling authenticate with these keys;
// interactive user login stays in the external auth service.
package models

import "time"

// ServiceKey represents an API key for a calling service
type ServiceKey struct {
	ID          string
	Name        string     // Friendly name (e.g., "document-portal")
	Description *string    // Optional human-friendly description
	KeyHash     string     // Bcrypt hash of the full key
	KeyPrefix   string     // First chars for display and lookup (e.g., "sello_abc123")
	Scopes      []string   // JSONB array: ["codes:generate", "documents:render", "scans:register"]
	ExpiresAt   *time.Time // Optional expiration
	LastUsedAt  *time.Time // Track last usage
	CreatedAt   time.Time
}

// Expired reports whether the key is past its optional expiry at time now.
func (k *ServiceKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !k.ExpiresAt.After(now)
}

// HasScope reports whether the key grants the given scope, directly or via "admin".
func (k *ServiceKey) HasScope(scope string) bool {
	for _, s := range k.Scopes {
		if s == scope || s == "admin" {
			return true
		}
	}
	return false
}
