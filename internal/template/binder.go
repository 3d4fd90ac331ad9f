// Package template renders outgoing documents: it resolves the DOCX template
// configured on a document type, re-renders the code's raster from its stored
// generation config, embeds it at the configured table cell, substitutes
// {field} placeholders, and activates the code. A document only leaves this
// package with an active code inside it.
package template

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sello-registry/sello/internal/db/models"
	"github.com/sello-registry/sello/internal/db/repositories"
	"github.com/sello-registry/sello/internal/lifecycle"
	"github.com/sello-registry/sello/internal/qr"
)

// BindResult is a rendered document plus everything non-fatal the render had
// to say.
type BindResult struct {
	DocumentBytes []byte
	Warnings      []string
}

// Binder renders documents from templates and drives the generated to active
// transition.
type Binder struct {
	store   Store
	manager *lifecycle.Manager
	types   *repositories.DocumentTypeRepository
}

func NewBinder(store Store, manager *lifecycle.Manager, types *repositories.DocumentTypeRepository) *Binder {
	return &Binder{
		store:   store,
		manager: manager,
		types:   types,
	}
}

// Bind renders the document type's template with the given code embedded and
// the field values substituted. The raster is re-rendered from the generation
// config snapshotted at mint time, so the same code always produces the same
// pixels. On success the code has been activated; a code that cannot activate
// (used, revoked, expired) fails the render before any bytes are returned.
func (b *Binder) Bind(ctx context.Context, documentTypeID, code string, fields map[string]string, actor string) (*BindResult, error) {
	dt, err := b.types.GetByID(ctx, documentTypeID)
	if err != nil {
		return nil, fmt.Errorf("load document type: %w", err)
	}
	if dt == nil {
		return nil, fmt.Errorf("%w: document type %s does not exist", qr.ErrInvalidConfig, documentTypeID)
	}
	if !dt.RequiresQR {
		return nil, fmt.Errorf("%w: document type %s does not carry a code", qr.ErrInvalidConfig, dt.Code)
	}
	if !dt.TemplateRef.Valid || dt.TemplateRef.String == "" {
		return nil, fmt.Errorf("%w: document type %s has no template", ErrTemplateNotFound, dt.Code)
	}

	qrCode, err := b.manager.Get(ctx, code)
	if err != nil {
		return nil, err
	}
	if qrCode.DocumentTypeID != documentTypeID {
		return nil, fmt.Errorf("%w: code %s was minted for a different document type", qr.ErrInvalidConfig, code)
	}

	// Refuse consumed codes up front instead of after rendering the archive.
	switch qrCode.EffectiveState(time.Now()) {
	case models.StatusUsed:
		return nil, lifecycle.ErrAlreadyUsed
	case models.StatusRevoked:
		return nil, lifecycle.ErrRevoked
	case models.StatusExpired:
		return nil, lifecycle.ErrExpired
	}

	raster, err := qr.Render(qrCode.Code, qrCode.GenerationConfig.Render)
	if err != nil {
		return nil, fmt.Errorf("render raster for %s: %w", code, err)
	}

	archive, err := b.store.Resolve(ctx, dt.TemplateRef.String)
	if err != nil {
		return nil, err
	}

	rendered, warnings, err := embedQR(archive, raster, placement{
		table:  dt.QRTableIndex,
		row:    dt.QRRow,
		col:    dt.QRColumn,
		width:  dt.QRWidthCm,
		height: dt.QRHeightCm,
	}, fields)
	if err != nil {
		return nil, err
	}
	if len(warnings) > 0 {
		slog.Warn("template rendered with unresolved placeholders",
			"template", dt.TemplateRef.String, "document_type", dt.Code, "count", len(warnings))
	}

	// The document must not leave with an inactive code. Re-activating an
	// already active code is a no-op, so re-renders stay legal.
	if _, err := b.manager.Activate(ctx, code, actor); err != nil {
		return nil, err
	}

	return &BindResult{
		DocumentBytes: rendered,
		Warnings:      warnings,
	}, nil
}
