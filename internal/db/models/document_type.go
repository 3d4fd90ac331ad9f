// Package models - document_type.go defines the DocumentType model, the per-type
// configuration that drives QR generation and template embedding: whether the type
// carries a code at all, which template to render, and where in it the code lands.
package models

import (
	"database/sql"
	"time"
)

// DocumentType describes one registrable document kind (e.g. "GCO-REG-009").
// The engine only reads these rows; they are administered by the surrounding
// application. Table and cell coordinates address the template's OOXML structure:
// QRTableIndex is 1-based (matching how form designers count tables in a document),
// rows and columns are 0-based.
type DocumentType struct {
	ID           string         `db:"id" json:"id"`
	Code         string         `db:"code" json:"code"`
	Name         string         `db:"name" json:"name"`
	RequiresQR   bool           `db:"requires_qr" json:"requires_qr"`
	TemplateRef  sql.NullString `db:"template_ref" json:"template_ref,omitempty"`
	QRTableIndex int            `db:"qr_table_index" json:"qr_table_index"`
	QRRow        int            `db:"qr_row" json:"qr_row"`
	QRColumn     int            `db:"qr_column" json:"qr_column"`
	QRWidthCm    float64        `db:"qr_width_cm" json:"qr_width_cm"`
	QRHeightCm   float64        `db:"qr_height_cm" json:"qr_height_cm"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at" json:"updated_at"`
}
