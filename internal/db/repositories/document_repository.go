// document_repository.go implements DocumentRepository for the engine-side document
// rows. Creation happens during scan intake, before the bind; the qr_code_id column
// itself is only ever written by QRCodeRepository.BindToDocument.
package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/sello-registry/sello/internal/db/models"
)

// DocumentRepository handles document database operations
type DocumentRepository struct {
	db *sql.DB
}

// NewDocumentRepository creates a new DocumentRepository
func NewDocumentRepository(db *sql.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// Create inserts a new, not yet bound document record
func (r *DocumentRepository) Create(ctx context.Context, doc *models.Document) error {
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	doc.CreatedAt = time.Now()

	query := `
		INSERT INTO documents (id, document_type_id, archive_key, checksum, content_type, size_bytes, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.db.ExecContext(ctx, query,
		doc.ID,
		doc.DocumentTypeID,
		doc.ArchiveKey,
		doc.Checksum,
		doc.ContentType,
		doc.SizeBytes,
		doc.CreatedBy,
		doc.CreatedAt,
	)

	return err
}

// GetByID retrieves a document by ID
func (r *DocumentRepository) GetByID(ctx context.Context, id string) (*models.Document, error) {
	query := `
		SELECT id, document_type_id, qr_code_id, archive_key, checksum, content_type, size_bytes, created_by, created_at
		FROM documents
		WHERE id = $1
	`

	doc := &models.Document{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&doc.ID,
		&doc.DocumentTypeID,
		&doc.QRCodeID,
		&doc.ArchiveKey,
		&doc.Checksum,
		&doc.ContentType,
		&doc.SizeBytes,
		&doc.CreatedBy,
		&doc.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return doc, nil
}

// Delete removes an unbound document record. Used as compensation when a scan
// intake loses the bind race; a bound document is never deleted this way.
func (r *DocumentRepository) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM documents WHERE id = $1 AND qr_code_id IS NULL`
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

// ListRecent returns the newest documents, most recent first.
func (r *DocumentRepository) ListRecent(ctx context.Context, limit int) ([]*models.Document, error) {
	query := `
		SELECT id, document_type_id, qr_code_id, archive_key, checksum, content_type, size_bytes, created_by, created_at
		FROM documents
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	docs := make([]*models.Document, 0)
	for rows.Next() {
		doc := &models.Document{}
		err := rows.Scan(
			&doc.ID,
			&doc.DocumentTypeID,
			&doc.QRCodeID,
			&doc.ArchiveKey,
			&doc.Checksum,
			&doc.ContentType,
			&doc.SizeBytes,
			&doc.CreatedBy,
			&doc.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Count returns the total number of stored documents
func (r *DocumentRepository) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n)
	return n, err
}
