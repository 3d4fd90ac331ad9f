// Package qr mints unique code payloads and renders them as QR rasters. Codes
// are persisted through the lifecycle manager in the generated state; the
// payload's uniqueness is enforced by the database unique constraint rather
// than an in-process registry, with a small bounded retry when a freshly
// minted token collides with an existing row. Collisions on 128 random bits
// are astronomically rare, so exhausting the retry budget points at a broken
// random source or a misconfigured prefix, not bad luck.
package qr

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sello-registry/sello/internal/db/models"
	"github.com/sello-registry/sello/internal/db/repositories"
	"github.com/sello-registry/sello/internal/lifecycle"
)

var (
	// ErrInvalidConfig is returned for an unknown document type, a count out
	// of range, or render parameters that fail validation.
	ErrInvalidConfig = errors.New("invalid generation config")

	// ErrCollisionExhausted is returned when every mint attempt for one code
	// collided with an existing payload.
	ErrCollisionExhausted = errors.New("could not mint a unique code")
)

const (
	// DefaultTokenPrefix marks payloads as ours so scans of foreign QR codes
	// are cheap to reject before hitting the database.
	DefaultTokenPrefix = "SEL-"

	// DefaultMaxCollisionRetry is the per-code insert retry budget.
	DefaultMaxCollisionRetry = 3

	// MaxBatchSize caps count per Generate call.
	MaxBatchSize = 1000

	// tokenRandomBytes is the entropy per token: 16 bytes encode to 26
	// base32 characters.
	tokenRandomBytes = 16
)

// Config holds the generator knobs.
type Config struct {
	// TokenPrefix is prepended to every minted payload.
	TokenPrefix string
	// MaxCollisionRetry is the number of insert attempts per code before
	// giving up with ErrCollisionExhausted.
	MaxCollisionRetry int
	// DefaultRenderSize fills RenderConfig.Size when the caller leaves it
	// zero; falls back to the package default.
	DefaultRenderSize int
	// DefaultRecoveryLevel fills RenderConfig.RecoveryLevel when the caller
	// leaves it empty.
	DefaultRecoveryLevel string
}

// Generator mints codes and persists them in the generated state.
type Generator struct {
	manager  *lifecycle.Manager
	typeRepo *repositories.DocumentTypeRepository
	cfg      Config
}

// NewGenerator creates a generator. Zero config fields fall back to defaults.
func NewGenerator(manager *lifecycle.Manager, typeRepo *repositories.DocumentTypeRepository, cfg Config) *Generator {
	if cfg.TokenPrefix == "" {
		cfg.TokenPrefix = DefaultTokenPrefix
	}
	if cfg.MaxCollisionRetry <= 0 {
		cfg.MaxCollisionRetry = DefaultMaxCollisionRetry
	}
	if cfg.DefaultRenderSize == 0 {
		cfg.DefaultRenderSize = DefaultSize
	}
	if cfg.DefaultRecoveryLevel == "" {
		cfg.DefaultRecoveryLevel = DefaultRecoveryLevel
	}
	return &Generator{
		manager:  manager,
		typeRepo: typeRepo,
		cfg:      cfg,
	}
}

// Generate mints count codes for a document type, all in the generated state,
// each snapshotting the normalized render config for reproducible re-renders.
// Cancellation mid-batch stops minting but never rolls back codes already
// persisted; those are returned alongside the error and need an explicit
// revoke if unwanted.
func (g *Generator) Generate(ctx context.Context, documentTypeID string, count int, expiresInDays *int, renderCfg models.RenderConfig, generatedBy string) ([]*models.QRCode, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: count must be positive", ErrInvalidConfig)
	}
	if count > MaxBatchSize {
		return nil, fmt.Errorf("%w: count %d exceeds batch limit %d", ErrInvalidConfig, count, MaxBatchSize)
	}
	if expiresInDays != nil && *expiresInDays <= 0 {
		return nil, fmt.Errorf("%w: expires_in_days must be positive", ErrInvalidConfig)
	}

	if renderCfg.Size == 0 {
		renderCfg.Size = g.cfg.DefaultRenderSize
	}
	if renderCfg.RecoveryLevel == "" {
		renderCfg.RecoveryLevel = g.cfg.DefaultRecoveryLevel
	}
	norm, err := NormalizeRenderConfig(renderCfg)
	if err != nil {
		return nil, err
	}

	docType, err := g.typeRepo.GetByID(ctx, documentTypeID)
	if err != nil {
		return nil, fmt.Errorf("look up document type: %w", err)
	}
	if docType == nil {
		return nil, fmt.Errorf("%w: document type %s does not exist", ErrInvalidConfig, documentTypeID)
	}

	genCfg := models.GenerationConfig{
		Render:        norm,
		ExpiresInDays: expiresInDays,
	}

	codes := make([]*models.QRCode, 0, count)
	for i := 0; i < count; i++ {
		select {
		case <-ctx.Done():
			return codes, ctx.Err()
		default:
		}

		code, err := g.mintOne(ctx, documentTypeID, genCfg, generatedBy)
		if err != nil {
			return codes, err
		}
		codes = append(codes, code)
	}
	return codes, nil
}

// mintOne mints and persists a single code, retrying with a fresh token when
// the payload collides with an existing row.
func (g *Generator) mintOne(ctx context.Context, documentTypeID string, genCfg models.GenerationConfig, generatedBy string) (*models.QRCode, error) {
	var expiresAt *time.Time
	if genCfg.ExpiresInDays != nil {
		t := time.Now().AddDate(0, 0, *genCfg.ExpiresInDays)
		expiresAt = &t
	}

	for attempt := 1; attempt <= g.cfg.MaxCollisionRetry; attempt++ {
		payload, err := mintToken(g.cfg.TokenPrefix)
		if err != nil {
			return nil, fmt.Errorf("mint token: %w", err)
		}

		code := &models.QRCode{
			Code:             payload,
			DocumentTypeID:   documentTypeID,
			Status:           models.StatusGenerated,
			GenerationConfig: genCfg,
			ExpiresAt:        expiresAt,
		}
		if generatedBy != "" {
			code.GeneratedBy = &generatedBy
		}

		err = g.manager.Create(ctx, code)
		if err == nil {
			return code, nil
		}
		if !errors.Is(err, repositories.ErrDuplicateCode) {
			return nil, fmt.Errorf("persist code: %w", err)
		}
		slog.Warn("minted payload collided with an existing code",
			"attempt", attempt, "max", g.cfg.MaxCollisionRetry)
	}

	return nil, fmt.Errorf("%w after %d attempts", ErrCollisionExhausted, g.cfg.MaxCollisionRetry)
}

// mintToken returns prefix + 26 uppercase base32 characters from 16 bytes of
// crypto/rand entropy.
func mintToken(prefix string) (string, error) {
	raw := make([]byte, tokenRandomBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return prefix + base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw), nil
}
