// qr_code_repository.go implements QRCodeRepository, the storage layer for minted
// codes. All lifecycle transitions are single-statement conditional updates: the
// WHERE clause carries the expected current state, so two racing callers can never
// both win. Callers inspect the returned bool and classify a loss by reloading.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sello-registry/sello/internal/db/models"
)

// ErrDuplicateCode is returned by Create when the generated payload collides with
// an existing row. The generator retries with a fresh token on this error.
var ErrDuplicateCode = errors.New("qr code payload already exists")

const qrCodeColumns = `id, code, document_type_id, status, generation_config, bound_document_id,
	       generated_by, created_at, activated_at, used_at, expires_at, revoked_at,
	       revoke_reason, expiry_notified_at, usage_attempts, usage_log`

// QRCodeRepository handles QR code database operations
type QRCodeRepository struct {
	db *sql.DB
}

// NewQRCodeRepository creates a new QRCodeRepository
func NewQRCodeRepository(db *sql.DB) *QRCodeRepository {
	return &QRCodeRepository{db: db}
}

// Create inserts a freshly minted code in the generated state.
func (r *QRCodeRepository) Create(ctx context.Context, qr *models.QRCode) error {
	if qr.ID == "" {
		qr.ID = uuid.New().String()
	}
	if qr.CreatedAt.IsZero() {
		qr.CreatedAt = time.Now()
	}
	if qr.Status == "" {
		qr.Status = models.StatusGenerated
	}

	// Marshal the config snapshot and the initial log to JSONB
	configJSON, err := json.Marshal(qr.GenerationConfig)
	if err != nil {
		return err
	}
	if qr.UsageLog == nil {
		qr.UsageLog = []models.UsageEntry{}
	}
	logJSON, err := json.Marshal(qr.UsageLog)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO qr_codes (id, code, document_type_id, status, generation_config, generated_by, created_at, expires_at, usage_attempts, usage_log)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err = r.db.ExecContext(ctx, query,
		qr.ID,
		qr.Code,
		qr.DocumentTypeID,
		qr.Status,
		configJSON,
		qr.GeneratedBy,
		qr.CreatedAt,
		qr.ExpiresAt,
		qr.UsageAttempts,
		logJSON,
	)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == "qr_codes_code_key" {
		return ErrDuplicateCode
	}

	return err
}

// GetByCode retrieves a code by its payload (for lookups after a scan)
func (r *QRCodeRepository) GetByCode(ctx context.Context, code string) (*models.QRCode, error) {
	query := `
		SELECT ` + qrCodeColumns + `
		FROM qr_codes
		WHERE code = $1
	`
	return r.getOne(ctx, query, code)
}

// GetByID retrieves a code by its row id
func (r *QRCodeRepository) GetByID(ctx context.Context, id string) (*models.QRCode, error) {
	query := `
		SELECT ` + qrCodeColumns + `
		FROM qr_codes
		WHERE id = $1
	`
	return r.getOne(ctx, query, id)
}

// GetByBoundDocument retrieves the code bound to a document, if any
func (r *QRCodeRepository) GetByBoundDocument(ctx context.Context, documentID string) (*models.QRCode, error) {
	query := `
		SELECT ` + qrCodeColumns + `
		FROM qr_codes
		WHERE bound_document_id = $1
	`
	return r.getOne(ctx, query, documentID)
}

func (r *QRCodeRepository) getOne(ctx context.Context, query string, arg interface{}) (*models.QRCode, error) {
	qr := &models.QRCode{}
	var configJSON, logJSON []byte

	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&qr.ID, &qr.Code, &qr.DocumentTypeID, &qr.Status, &configJSON, &qr.BoundDocumentID,
		&qr.GeneratedBy, &qr.CreatedAt, &qr.ActivatedAt, &qr.UsedAt, &qr.ExpiresAt, &qr.RevokedAt,
		&qr.RevokeReason, &qr.ExpiryNotifiedAt, &qr.UsageAttempts, &logJSON,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(configJSON, &qr.GenerationConfig); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(logJSON, &qr.UsageLog); err != nil {
		return nil, err
	}

	return qr, nil
}

// Activate moves a code from generated to active and appends the transition to the
// usage log in the same statement. Returns false when the row was not in the
// generated state (or does not exist); the caller reloads to find out which.
func (r *QRCodeRepository) Activate(ctx context.Context, code string, entry models.UsageEntry) (bool, error) {
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return false, err
	}

	query := `
		UPDATE qr_codes
		SET status = 'active',
		    activated_at = NOW(),
		    usage_log = usage_log || $2::jsonb
		WHERE code = $1
		  AND status = 'generated'
		  AND (expires_at IS NULL OR expires_at > NOW())
	`

	res, err := r.db.ExecContext(ctx, query, code, entryJSON)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// BindToDocument atomically consumes an active code for a document. The two updates
// run in one statement: the code row only flips to used when the document row exists
// and is still unbound, and the document only points at the code when the flip won.
// Exactly one of N racing callers sees true; everyone else reloads and classifies.
func (r *QRCodeRepository) BindToDocument(ctx context.Context, code, documentID string, entry models.UsageEntry) (bool, error) {
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return false, err
	}

	query := `
		WITH target AS (
			SELECT id FROM documents WHERE id = $2 AND qr_code_id IS NULL
		), bound AS (
			UPDATE qr_codes
			SET status = 'used',
			    bound_document_id = $2,
			    used_at = NOW(),
			    usage_attempts = usage_attempts + 1,
			    usage_log = usage_log || $3::jsonb
			WHERE code = $1
			  AND status = 'active'
			  AND (expires_at IS NULL OR expires_at > NOW())
			  AND EXISTS (SELECT 1 FROM target)
			RETURNING id
		)
		UPDATE documents
		SET qr_code_id = (SELECT id FROM bound)
		WHERE id = $2 AND EXISTS (SELECT 1 FROM bound)
	`

	res, err := r.db.ExecContext(ctx, query, code, documentID, entryJSON)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// Revoke marks a code revoked from any non-terminal state. Returns false when the
// row was already terminal (or missing); revoking a revoked code is the caller's
// idempotent no-op case.
func (r *QRCodeRepository) Revoke(ctx context.Context, code, reason string, entry models.UsageEntry) (bool, error) {
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return false, err
	}

	query := `
		UPDATE qr_codes
		SET status = 'revoked',
		    revoked_at = NOW(),
		    revoke_reason = $2,
		    usage_log = usage_log || $3::jsonb
		WHERE code = $1
		  AND status IN ('generated', 'active', 'used')
		  AND (expires_at IS NULL OR expires_at > NOW())
	`

	res, err := r.db.ExecContext(ctx, query, code, reason, entryJSON)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// RecordAttempt bumps the usage counter without touching state. Called for every
// bind or validate, including the ones that fail.
func (r *QRCodeRepository) RecordAttempt(ctx context.Context, code string) error {
	query := `
		UPDATE qr_codes
		SET usage_attempts = usage_attempts + 1
		WHERE code = $1
	`

	_, err := r.db.ExecContext(ctx, query, code)
	return err
}

// SweepExpired rewrites every overdue active or used row to expired, appending a
// system entry to each usage log. Generated rows are left to lazy evaluation.
// Returns the number of rows swept.
func (r *QRCodeRepository) SweepExpired(ctx context.Context, actor string) (int64, error) {
	query := `
		UPDATE qr_codes
		SET status = 'expired',
		    usage_log = usage_log || jsonb_build_object(
		        'at', NOW(), 'from', status, 'to', 'expired', 'actor', $1::text
		    )
		WHERE status IN ('active', 'used')
		  AND expires_at IS NOT NULL
		  AND expires_at <= NOW()
	`

	res, err := r.db.ExecContext(ctx, query, actor)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// FindExpiringSoon returns active codes that will expire within warningDays days
// and have not yet been included in a warning email (expiry_notified_at IS NULL).
func (r *QRCodeRepository) FindExpiringSoon(ctx context.Context, warningDays int) ([]*models.QRCode, error) {
	cutoff := time.Now().Add(time.Duration(warningDays) * 24 * time.Hour)
	query := `
		SELECT ` + qrCodeColumns + `
		FROM qr_codes
		WHERE status = 'active'
		  AND expires_at IS NOT NULL
		  AND expires_at > NOW()
		  AND expires_at <= $1
		  AND expiry_notified_at IS NULL
		ORDER BY expires_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	codes := make([]*models.QRCode, 0)
	for rows.Next() {
		qr := &models.QRCode{}
		var configJSON, logJSON []byte
		err := rows.Scan(
			&qr.ID, &qr.Code, &qr.DocumentTypeID, &qr.Status, &configJSON, &qr.BoundDocumentID,
			&qr.GeneratedBy, &qr.CreatedAt, &qr.ActivatedAt, &qr.UsedAt, &qr.ExpiresAt, &qr.RevokedAt,
			&qr.RevokeReason, &qr.ExpiryNotifiedAt, &qr.UsageAttempts, &logJSON,
		)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(configJSON, &qr.GenerationConfig); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(logJSON, &qr.UsageLog); err != nil {
			return nil, err
		}
		codes = append(codes, qr)
	}
	return codes, rows.Err()
}

// MarkExpiryNotified records that the expiry warning went out for a code,
// preventing duplicate emails on subsequent job runs.
func (r *QRCodeRepository) MarkExpiryNotified(ctx context.Context, id string) error {
	query := `UPDATE qr_codes SET expiry_notified_at = $1 WHERE id = $2`
	_, err := r.db.ExecContext(ctx, query, time.Now(), id)
	return err
}

// ListByDocumentType returns codes minted for a document type, newest first.
func (r *QRCodeRepository) ListByDocumentType(ctx context.Context, documentTypeID string, limit int) ([]*models.QRCode, error) {
	query := `
		SELECT ` + qrCodeColumns + `
		FROM qr_codes
		WHERE document_type_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, documentTypeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	codes := make([]*models.QRCode, 0)
	for rows.Next() {
		qr := &models.QRCode{}
		var configJSON, logJSON []byte
		err := rows.Scan(
			&qr.ID, &qr.Code, &qr.DocumentTypeID, &qr.Status, &configJSON, &qr.BoundDocumentID,
			&qr.GeneratedBy, &qr.CreatedAt, &qr.ActivatedAt, &qr.UsedAt, &qr.ExpiresAt, &qr.RevokedAt,
			&qr.RevokeReason, &qr.ExpiryNotifiedAt, &qr.UsageAttempts, &logJSON,
		)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(configJSON, &qr.GenerationConfig); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(logJSON, &qr.UsageLog); err != nil {
			return nil, err
		}
		codes = append(codes, qr)
	}
	return codes, rows.Err()
}

// CountByStatus returns how many codes sit in each persisted state.
func (r *QRCodeRepository) CountByStatus(ctx context.Context) (map[models.Status]int, error) {
	query := `SELECT status, COUNT(*) FROM qr_codes GROUP BY status`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.Status]int)
	for rows.Next() {
		var status models.Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
