// service_key_repository.go implements ServiceKeyRepository, providing database
// queries for engine API key lookup by prefix, creation, and last-used bookkeeping.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sello-registry/sello/internal/db/models"
)

// ServiceKeyRepository handles service key database operations
type ServiceKeyRepository struct {
	db *sql.DB
}

// NewServiceKeyRepository creates a new ServiceKeyRepository
func NewServiceKeyRepository(db *sql.DB) *ServiceKeyRepository {
	return &ServiceKeyRepository{db: db}
}

// Create inserts a new service key
func (r *ServiceKeyRepository) Create(ctx context.Context, key *models.ServiceKey) error {
	if key.ID == "" {
		key.ID = uuid.New().String()
	}
	key.CreatedAt = time.Now()

	// Marshal scopes to JSONB
	scopesJSON, err := json.Marshal(key.Scopes)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO service_keys (id, name, description, key_hash, key_prefix, scopes, expires_at, last_used_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err = r.db.ExecContext(ctx, query,
		key.ID,
		key.Name,
		key.Description,
		key.KeyHash,
		key.KeyPrefix,
		scopesJSON,
		key.ExpiresAt,
		key.LastUsedAt,
		key.CreatedAt,
	)

	return err
}

// List retrieves all service keys, newest first.
func (r *ServiceKeyRepository) List(ctx context.Context) ([]*models.ServiceKey, error) {
	query := `
		SELECT id, name, description, key_hash, key_prefix, scopes, expires_at, last_used_at, created_at
		FROM service_keys
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]*models.ServiceKey, 0)
	for rows.Next() {
		k := &models.ServiceKey{}
		var scopesJSON []byte

		err := rows.Scan(
			&k.ID,
			&k.Name,
			&k.Description,
			&k.KeyHash,
			&k.KeyPrefix,
			&scopesJSON,
			&k.ExpiresAt,
			&k.LastUsedAt,
			&k.CreatedAt,
		)
		if err != nil {
			return nil, err
		}

		if err := json.Unmarshal(scopesJSON, &k.Scopes); err != nil {
			return nil, err
		}

		keys = append(keys, k)
	}

	return keys, rows.Err()
}

// GetByPrefix retrieves service keys matching a prefix (for authentication).
// Bcrypt hashes are not searchable, so auth narrows by prefix and compares each.
func (r *ServiceKeyRepository) GetByPrefix(ctx context.Context, keyPrefix string) ([]*models.ServiceKey, error) {
	query := `
		SELECT id, name, description, key_hash, key_prefix, scopes, expires_at, last_used_at, created_at
		FROM service_keys
		WHERE key_prefix = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, keyPrefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]*models.ServiceKey, 0)
	for rows.Next() {
		k := &models.ServiceKey{}
		var scopesJSON []byte

		err := rows.Scan(
			&k.ID,
			&k.Name,
			&k.Description,
			&k.KeyHash,
			&k.KeyPrefix,
			&scopesJSON,
			&k.ExpiresAt,
			&k.LastUsedAt,
			&k.CreatedAt,
		)
		if err != nil {
			return nil, err
		}

		// Unmarshal scopes from JSONB
		err = json.Unmarshal(scopesJSON, &k.Scopes)
		if err != nil {
			return nil, err
		}

		keys = append(keys, k)
	}

	return keys, rows.Err()
}

// GetByID retrieves a service key by ID
func (r *ServiceKeyRepository) GetByID(ctx context.Context, id string) (*models.ServiceKey, error) {
	query := `
		SELECT id, name, description, key_hash, key_prefix, scopes, expires_at, last_used_at, created_at
		FROM service_keys
		WHERE id = $1
	`

	k := &models.ServiceKey{}
	var scopesJSON []byte

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&k.ID,
		&k.Name,
		&k.Description,
		&k.KeyHash,
		&k.KeyPrefix,
		&scopesJSON,
		&k.ExpiresAt,
		&k.LastUsedAt,
		&k.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	// Unmarshal scopes from JSONB
	err = json.Unmarshal(scopesJSON, &k.Scopes)
	if err != nil {
		return nil, err
	}

	return k, nil
}

// UpdateLastUsed updates the last_used_at timestamp for a service key
func (r *ServiceKeyRepository) UpdateLastUsed(ctx context.Context, id string) error {
	query := `
		UPDATE service_keys
		SET last_used_at = $2
		WHERE id = $1
	`

	_, err := r.db.ExecContext(ctx, query, id, time.Now())
	return err
}

// Delete removes a service key
func (r *ServiceKeyRepository) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM service_keys WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

// DeleteExpired deletes all expired service keys (for cleanup)
func (r *ServiceKeyRepository) DeleteExpired(ctx context.Context) error {
	query := `
		DELETE FROM service_keys
		WHERE expires_at IS NOT NULL AND expires_at < $1
	`

	_, err := r.db.ExecContext(ctx, query, time.Now())
	return err
}
