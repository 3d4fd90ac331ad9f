// document_type_repository.go implements DocumentTypeRepository, read-mostly access
// to the per-type QR and template configuration administered by the surrounding
// application. Uses sqlx struct scanning since the rows map 1:1 onto the model.
package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sello-registry/sello/internal/db/models"
)

// DocumentTypeRepository handles database operations for document type configuration
type DocumentTypeRepository struct {
	db *sqlx.DB
}

// NewDocumentTypeRepository creates a new document type repository
func NewDocumentTypeRepository(db *sqlx.DB) *DocumentTypeRepository {
	return &DocumentTypeRepository{db: db}
}

// GetByID retrieves a document type by its row id
func (r *DocumentTypeRepository) GetByID(ctx context.Context, id string) (*models.DocumentType, error) {
	var dt models.DocumentType
	query := `SELECT * FROM document_types WHERE id = $1`
	err := r.db.GetContext(ctx, &dt, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &dt, nil
}

// GetByCode retrieves a document type by its human-facing code (e.g. "GCO-REG-009")
func (r *DocumentTypeRepository) GetByCode(ctx context.Context, code string) (*models.DocumentType, error) {
	var dt models.DocumentType
	query := `SELECT * FROM document_types WHERE code = $1`
	err := r.db.GetContext(ctx, &dt, query, code)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &dt, nil
}

// List returns all document types ordered by code
func (r *DocumentTypeRepository) List(ctx context.Context) ([]*models.DocumentType, error) {
	var types []*models.DocumentType
	query := `SELECT * FROM document_types ORDER BY code ASC`
	err := r.db.SelectContext(ctx, &types, query)
	return types, err
}

// Create inserts a document type. Exposed for seeding and tests; day-to-day
// administration happens in the surrounding application.
func (r *DocumentTypeRepository) Create(ctx context.Context, dt *models.DocumentType) error {
	if dt.ID == "" {
		dt.ID = uuid.New().String()
	}
	now := time.Now()
	dt.CreatedAt = now
	dt.UpdatedAt = now

	query := `
		INSERT INTO document_types (
			id, code, name, requires_qr, template_ref,
			qr_table_index, qr_row, qr_column, qr_width_cm, qr_height_cm,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12
		)`

	_, err := r.db.ExecContext(ctx, query,
		dt.ID, dt.Code, dt.Name, dt.RequiresQR, dt.TemplateRef,
		dt.QRTableIndex, dt.QRRow, dt.QRColumn, dt.QRWidthCm, dt.QRHeightCm,
		dt.CreatedAt, dt.UpdatedAt,
	)
	return err
}

// UpdatePlacement updates the QR placement block of a document type
func (r *DocumentTypeRepository) UpdatePlacement(ctx context.Context, dt *models.DocumentType) error {
	query := `
		UPDATE document_types SET
			template_ref = $2, qr_table_index = $3, qr_row = $4, qr_column = $5,
			qr_width_cm = $6, qr_height_cm = $7, updated_at = $8
		WHERE id = $1`

	_, err := r.db.ExecContext(ctx, query,
		dt.ID,
		dt.TemplateRef, dt.QRTableIndex, dt.QRRow, dt.QRColumn,
		dt.QRWidthCm, dt.QRHeightCm, time.Now(),
	)
	return err
}
