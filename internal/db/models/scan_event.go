// Package models - scan_event.go defines the ScanEvent model recording every decode
// and verification attempt: which file was processed, what was found, and how the
// lifecycle reacted. One row per extract/validate/register call, success or not.
package models

import "time"

// ScanEvent represents one scan pipeline invocation
type ScanEvent struct {
	ID            string
	Code          *string                // Nullable: extraction may find nothing
	DocumentID    *string                // Set when the event resulted in a binding
	Action        string                 // "scan.extract", "scan.register", "code.validate"
	Outcome       string                 // "bound", "no_code", "already_used", "expired", ...
	FileChecksum  *string                // sha256 of the uploaded bytes, when a file was involved
	MimeType      *string
	CandidateCount int                   // distinct payloads decoded from the file
	Metadata      map[string]interface{} // JSONB: page numbers, confidences, warnings
	ActorID       *string                // Nullable for anonymous verification
	IPAddress     *string                // Client IP
	CreatedAt     time.Time
}
