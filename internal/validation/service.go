// Package validation is the read side of the code lifecycle plus the upload
// checks that run before anything is persisted. Validate answers "is this
// code genuine and what state is it in" without transitioning anything; the
// upload validator rejects oversized or mistyped scan files before they touch
// storage.
package validation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sello-registry/sello/internal/db/models"
	"github.com/sello-registry/sello/internal/lifecycle"
)

// Result is the outcome of validating one code. EffectiveState reports lazy
// expiry: an overdue row reads as expired even before the sweeper rewrites it.
type Result struct {
	Valid           bool          `json:"valid"`
	EffectiveState  models.Status `json:"state"`
	BoundDocumentID *string       `json:"bound_document_id,omitempty"`
	Reason          string        `json:"reason,omitempty"`
}

// Service validates codes for the scan intake and the public verify endpoint.
type Service struct {
	manager *lifecycle.Manager
}

func NewService(manager *lifecycle.Manager) *Service {
	return &Service{manager: manager}
}

// Validate classifies a code without transitioning it. Unknown codes surface
// as lifecycle.ErrUnknownCode; every other outcome is a Result. Used and
// active codes are valid (the document they mark is genuine); generated,
// expired, and revoked codes are not. Each call counts as a usage attempt,
// including the failing ones; a failure to count is logged and never masks
// the verdict.
func (s *Service) Validate(ctx context.Context, code string) (*Result, error) {
	qr, err := s.manager.Get(ctx, code)
	if err != nil {
		return nil, err
	}

	if err := s.manager.RecordAttempt(ctx, code); err != nil {
		slog.Warn("failed to record validation attempt", "code", code, "error", err)
	}

	result := &Result{EffectiveState: qr.EffectiveState(time.Now())}
	switch result.EffectiveState {
	case models.StatusRevoked:
		result.Reason = "code has been revoked"
		if qr.RevokeReason != nil && *qr.RevokeReason != "" {
			result.Reason = fmt.Sprintf("code has been revoked: %s", *qr.RevokeReason)
		}
	case models.StatusExpired:
		result.Reason = "code has expired"
	case models.StatusUsed:
		result.Valid = true
		result.BoundDocumentID = qr.BoundDocumentID
	case models.StatusActive:
		result.Valid = true
	case models.StatusGenerated:
		result.Reason = "code has not been issued yet"
	}
	return result, nil
}
