// Package auth - scopes.go defines permission scope constants for all engine operations
// and provides HasScope, HasAnyScope, and HasAllScopes helper functions for scope checking.
package auth

import (
	"errors"
	"fmt"
)

// Scope represents a permission/scope type
type Scope string

const (
	// Code lifecycle scopes
	ScopeCodesGenerate Scope = "codes:generate" // Mint new code batches
	ScopeCodesRead     Scope = "codes:read"     // Inspect code state and usage history
	ScopeCodesRevoke   Scope = "codes:revoke"   // Permanently invalidate codes

	// Document rendering scopes
	ScopeDocumentsRender Scope = "documents:render" // Produce documents with embedded codes

	// Scan processing scopes
	ScopeScansExtract  Scope = "scans:extract"  // Decode codes from uploaded files
	ScopeScansRegister Scope = "scans:register" // Full intake: extract, validate, and bind

	// Event scopes
	ScopeEventsRead Scope = "events:read" // Query scan event history

	// Service key management scopes
	ScopeServiceKeysManage Scope = "service_keys:manage"

	// Admin scope (wildcard - all permissions)
	ScopeAdmin Scope = "admin"
)

// AllScopes returns all valid scopes
func AllScopes() []Scope {
	return []Scope{
		ScopeCodesGenerate,
		ScopeCodesRead,
		ScopeCodesRevoke,
		ScopeDocumentsRender,
		ScopeScansExtract,
		ScopeScansRegister,
		ScopeEventsRead,
		ScopeServiceKeysManage,
		ScopeAdmin,
	}
}

// ValidScopes returns a map of valid scope strings
func ValidScopes() map[string]bool {
	validScopes := make(map[string]bool)
	for _, scope := range AllScopes() {
		validScopes[string(scope)] = true
	}
	return validScopes
}

// ValidateScopes checks if all provided scopes are valid
func ValidateScopes(scopes []string) error {
	validScopes := ValidScopes()

	for _, scope := range scopes {
		if !validScopes[scope] {
			return fmt.Errorf("invalid scope: %s", scope)
		}
	}

	return nil
}

// HasScope checks if a caller has a required scope
// Supports wildcard admin scope
func HasScope(callerScopes []string, required Scope) bool {
	requiredStr := string(required)

	for _, scope := range callerScopes {
		// Check for exact match
		if scope == requiredStr {
			return true
		}

		// Check for admin wildcard
		if scope == string(ScopeAdmin) {
			return true
		}

		// Mutating scopes imply the matching read scope
		if required == ScopeCodesRead &&
			(scope == string(ScopeCodesGenerate) || scope == string(ScopeCodesRevoke)) {
			return true
		}
		if required == ScopeScansExtract && scope == string(ScopeScansRegister) {
			return true
		}
	}

	return false
}

// HasAnyScope checks if a caller has at least one of the required scopes
func HasAnyScope(callerScopes []string, requiredScopes []Scope) bool {
	for _, required := range requiredScopes {
		if HasScope(callerScopes, required) {
			return true
		}
	}
	return false
}

// HasAllScopes checks if a caller has all of the required scopes
func HasAllScopes(callerScopes []string, requiredScopes []Scope) bool {
	for _, required := range requiredScopes {
		if !HasScope(callerScopes, required) {
			return false
		}
	}
	return true
}

// GetDefaultScopes returns default scopes for a new service key
func GetDefaultScopes() []string {
	return []string{
		string(ScopeCodesRead),
		string(ScopeScansExtract),
	}
}

// GetAdminScopes returns all scopes including admin
func GetAdminScopes() []string {
	scopes := make([]string, 0)
	for _, scope := range AllScopes() {
		scopes = append(scopes, string(scope))
	}
	return scopes
}

// ValidateScopeString validates a single scope string
func ValidateScopeString(scope string) error {
	validScopes := ValidScopes()
	if !validScopes[scope] {
		return errors.New("invalid scope")
	}
	return nil
}
