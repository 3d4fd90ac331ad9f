// Package models - document.go defines the engine's minimal footprint of a stored
// document. The surrounding application owns the full document record; the engine
// only needs enough to archive scanned bytes and hold the QR binding.
package models

import "time"

// Document is the engine-side record of one registered (scanned and archived) document.
// QRCodeID is written exactly once, by the same transaction that moves the code to used.
type Document struct {
	ID             string
	DocumentTypeID string
	QRCodeID       *string
	ArchiveKey     string // object key in the archive storage backend
	Checksum       string // sha256 of the archived bytes
	ContentType    string
	SizeBytes      int64
	CreatedBy      *string
	CreatedAt      time.Time
}
