// scan_event_repository.go implements ScanEventRepository, providing database queries
// for writing and retrieving scan pipeline events with support for filtered queries
// across codes, actions, and time ranges.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sello-registry/sello/internal/db/models"
)

// ScanEventRepository handles scan event database operations
type ScanEventRepository struct {
	db *sql.DB
}

// NewScanEventRepository creates a new ScanEventRepository
func NewScanEventRepository(db *sql.DB) *ScanEventRepository {
	return &ScanEventRepository{db: db}
}

// ScanEventFilters contains filters for querying scan events
type ScanEventFilters struct {
	Code      *string
	Action    *string
	Outcome   *string
	StartDate *time.Time
	EndDate   *time.Time
}

// CreateScanEvent creates a new scan event entry
func (r *ScanEventRepository) CreateScanEvent(ctx context.Context, ev *models.ScanEvent) error {
	ev.ID = uuid.New().String()
	ev.CreatedAt = time.Now()

	// Marshal metadata to JSONB
	var metadataJSON []byte
	var err error
	if ev.Metadata != nil {
		metadataJSON, err = json.Marshal(ev.Metadata)
		if err != nil {
			return err
		}
	}

	query := `
		INSERT INTO scan_events (id, code, document_id, action, outcome, file_checksum, mime_type, candidate_count, metadata, actor_id, ip_address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err = r.db.ExecContext(ctx, query,
		ev.ID,
		ev.Code,
		ev.DocumentID,
		ev.Action,
		ev.Outcome,
		ev.FileChecksum,
		ev.MimeType,
		ev.CandidateCount,
		metadataJSON,
		ev.ActorID,
		ev.IPAddress,
		ev.CreatedAt,
	)

	return err
}

// ListScanEvents retrieves scan events with optional filters and pagination
func (r *ScanEventRepository) ListScanEvents(ctx context.Context, filters ScanEventFilters, limit, offset int) ([]*models.ScanEvent, int, error) {
	countQuery := `SELECT COUNT(*) FROM scan_events WHERE 1=1`
	query := `
		SELECT id, code, document_id, action, outcome, file_checksum, mime_type, candidate_count, metadata, actor_id, ip_address, created_at
		FROM scan_events
		WHERE 1=1
	`

	args := make([]interface{}, 0)
	paramIndex := 1

	if filters.Code != nil {
		countQuery += fmt.Sprintf(` AND code = $%d`, paramIndex)
		query += fmt.Sprintf(` AND code = $%d`, paramIndex)
		args = append(args, *filters.Code)
		paramIndex++
	}

	if filters.Action != nil {
		countQuery += fmt.Sprintf(` AND action = $%d`, paramIndex)
		query += fmt.Sprintf(` AND action = $%d`, paramIndex)
		args = append(args, *filters.Action)
		paramIndex++
	}

	if filters.Outcome != nil {
		countQuery += fmt.Sprintf(` AND outcome = $%d`, paramIndex)
		query += fmt.Sprintf(` AND outcome = $%d`, paramIndex)
		args = append(args, *filters.Outcome)
		paramIndex++
	}

	if filters.StartDate != nil {
		countQuery += fmt.Sprintf(` AND created_at >= $%d`, paramIndex)
		query += fmt.Sprintf(` AND created_at >= $%d`, paramIndex)
		args = append(args, *filters.StartDate)
		paramIndex++
	}

	if filters.EndDate != nil {
		countQuery += fmt.Sprintf(` AND created_at <= $%d`, paramIndex)
		query += fmt.Sprintf(` AND created_at <= $%d`, paramIndex)
		args = append(args, *filters.EndDate)
		paramIndex++
	}

	// Get total count
	var total int
	err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	// Add ordering and pagination
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, paramIndex, paramIndex+1)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	events := make([]*models.ScanEvent, 0)
	for rows.Next() {
		ev := &models.ScanEvent{}
		var metadataJSON []byte

		err := rows.Scan(
			&ev.ID,
			&ev.Code,
			&ev.DocumentID,
			&ev.Action,
			&ev.Outcome,
			&ev.FileChecksum,
			&ev.MimeType,
			&ev.CandidateCount,
			&metadataJSON,
			&ev.ActorID,
			&ev.IPAddress,
			&ev.CreatedAt,
		)
		if err != nil {
			return nil, 0, err
		}

		if metadataJSON != nil {
			err = json.Unmarshal(metadataJSON, &ev.Metadata)
			if err != nil {
				return nil, 0, err
			}
		}

		events = append(events, ev)
	}

	return events, total, rows.Err()
}
