// Package models defines the database model types for the QR lifecycle engine.
// Raw database/sql repositories scan into untagged structs; sqlx repositories use db tags.
// Models are pure data types: business logic belongs in the service layer, query logic
// belongs in the repositories layer.
package models

import "time"

// Status is the single persisted lifecycle state of a QR code.
type Status string

const (
	StatusGenerated Status = "generated" // minted, not yet embedded in a document
	StatusActive    Status = "active"    // embedded in a rendered document, awaiting scan
	StatusUsed      Status = "used"      // bound to exactly one stored document
	StatusExpired   Status = "expired"   // past expires_at, terminal
	StatusRevoked   Status = "revoked"   // administratively invalidated, terminal
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusRevoked
}

// Valid reports whether s is one of the five known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusGenerated, StatusActive, StatusUsed, StatusExpired, StatusRevoked:
		return true
	}
	return false
}

// UsageEntry is one immutable record in a code's usage log. Entries are only ever
// appended (usage_log || entry in SQL); nothing in the codebase rewrites the array.
type UsageEntry struct {
	At      time.Time `json:"at"`
	From    Status    `json:"from"`
	To      Status    `json:"to"`
	Actor   string    `json:"actor"`             // user id, service key name, or "system:<job>"
	Context string    `json:"context,omitempty"` // free-form detail (document id, reason, ...)
}

// RenderConfig controls how the QR raster is drawn. It is snapshotted into
// generation_config at mint time so re-renders are byte-identical.
type RenderConfig struct {
	Size          int    `json:"size"`                 // symbol pixels per side, margin excluded
	RecoveryLevel string `json:"recovery_level"`       // "L", "M", "Q", "H"
	Margin        int    `json:"margin"`               // quiet zone in pixels around the symbol; 0 selects the default
	Foreground    string `json:"foreground,omitempty"` // hex RGB, default black
	Background    string `json:"background,omitempty"` // hex RGB, default white
}

// GenerationConfig is the full JSONB snapshot stored alongside each code.
type GenerationConfig struct {
	Render        RenderConfig `json:"render"`
	ExpiresInDays *int         `json:"expires_in_days,omitempty"`
}

// QRCode represents one minted code and its lifecycle bookkeeping.
// Code is the literal QR payload; there is no separate display identifier.
type QRCode struct {
	ID               string
	Code             string
	DocumentTypeID   string
	Status           Status
	GenerationConfig GenerationConfig
	BoundDocumentID  *string // set exactly once, by the used transition
	GeneratedBy      *string
	CreatedAt        time.Time
	ActivatedAt      *time.Time
	UsedAt           *time.Time
	ExpiresAt        *time.Time // nil means the code never expires
	RevokedAt        *time.Time
	RevokeReason     *string
	ExpiryNotifiedAt *time.Time // set when the expiry warning email went out
	UsageAttempts    int        // bumped on every bind/validate call, success or not
	UsageLog         []UsageEntry
}

// EffectiveState returns the state a reader should act on at time now.
// A persisted non-terminal status with expires_at in the past reads as expired
// even if no sweep has rewritten the row yet.
func (q *QRCode) EffectiveState(now time.Time) Status {
	if q.ExpiresAt != nil && !q.ExpiresAt.After(now) && !q.Status.Terminal() {
		return StatusExpired
	}
	return q.Status
}

// IsBound reports whether the code has been consumed by a document.
func (q *QRCode) IsBound() bool {
	return q.BoundDocumentID != nil && *q.BoundDocumentID != ""
}
