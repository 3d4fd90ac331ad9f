// Package lifecycle owns the QR code state machine. Every mutation of a code's
// status flows through the Manager here; the generator, the template binder,
// the scan registrar, and the HTTP handlers never write state themselves. The
// transitions are generated → active → used, with expired and revoked as
// terminal exits from any non-terminal state. Each transition is a conditional
// single-statement update in the repository, so the Manager never takes locks:
// it fires the update, and when the row was not in the expected state it
// reloads the row and classifies the loss into one of the sentinel errors
// below. Post-commit, transitions are fanned out to the configured dispatch
// shippers without ever blocking or failing the transition itself.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sello-registry/sello/internal/db/models"
	"github.com/sello-registry/sello/internal/db/repositories"
	"github.com/sello-registry/sello/internal/dispatch"
	"github.com/sello-registry/sello/internal/safego"
)

// Sentinel errors for state conflicts. These are deliberately distinct from
// storage errors so callers can tell a legitimate lifecycle refusal from a
// connectivity problem and never retry the former.
var (
	// ErrUnknownCode means no row exists for the requested payload.
	ErrUnknownCode = errors.New("unknown qr code")

	// ErrAlreadyUsed means the code is already bound to a document. Concurrent
	// binders that lose the race receive this.
	ErrAlreadyUsed = errors.New("qr code already bound to a document")

	// ErrExpired means the code is past its expires_at, whether or not a sweep
	// has rewritten the row yet.
	ErrExpired = errors.New("qr code has expired")

	// ErrRevoked means the code was administratively invalidated.
	ErrRevoked = errors.New("qr code has been revoked")

	// ErrNotActive means the code was minted but never embedded in a document,
	// so it cannot be bound yet.
	ErrNotActive = errors.New("qr code has not been activated")
)

// Manager is the single mutator of QR code state.
type Manager struct {
	qrRepo  *repositories.QRCodeRepository
	shipper dispatch.Shipper // optional; nil disables event fan-out
}

// NewManager creates a lifecycle manager. shipper may be nil when transition
// event delivery is disabled.
func NewManager(qrRepo *repositories.QRCodeRepository, shipper dispatch.Shipper) *Manager {
	return &Manager{
		qrRepo:  qrRepo,
		shipper: shipper,
	}
}

// Create persists a freshly minted code in the generated state. Collisions on
// the payload surface as repositories.ErrDuplicateCode so the generator can
// retry with a new token.
func (m *Manager) Create(ctx context.Context, qr *models.QRCode) error {
	return m.qrRepo.Create(ctx, qr)
}

// Get loads a code by payload, translating a missing row into ErrUnknownCode.
func (m *Manager) Get(ctx context.Context, code string) (*models.QRCode, error) {
	qr, err := m.qrRepo.GetByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("load code: %w", err)
	}
	if qr == nil {
		return nil, ErrUnknownCode
	}
	return qr, nil
}

// Activate moves a code from generated to active, recording the transition in
// the usage log. The binder calls this after successfully embedding the raster
// in an outgoing document. Activating an already active code is a no-op so a
// document can be re-rendered without error; terminal or used codes refuse.
func (m *Manager) Activate(ctx context.Context, code, actor string) (*models.QRCode, error) {
	entry := models.UsageEntry{
		At:    time.Now(),
		From:  models.StatusGenerated,
		To:    models.StatusActive,
		Actor: actor,
	}

	won, err := m.qrRepo.Activate(ctx, code, entry)
	if err != nil {
		return nil, fmt.Errorf("activate code: %w", err)
	}

	qr, err := m.qrRepo.GetByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("reload code after activate: %w", err)
	}
	if qr == nil {
		return nil, ErrUnknownCode
	}

	if won {
		m.publish(qr, models.StatusGenerated, models.StatusActive, actor, "", "")
		return qr, nil
	}

	if qr.EffectiveState(time.Now()) == models.StatusActive {
		// Already active: re-rendering the same document is legal and appends
		// no second log entry.
		return qr, nil
	}

	return nil, classifyConflict(qr, time.Now())
}

// BindToDocument consumes an active code for a stored document, the single
// mutating hot path. The repository performs the whole transition as one
// conditional statement, so of N concurrent callers racing on the same code
// exactly one returns successfully; the others come back here, get their
// attempt counted, and receive the sentinel matching the row's real state
// (usually ErrAlreadyUsed).
func (m *Manager) BindToDocument(ctx context.Context, code, documentID, actor string) (*models.QRCode, error) {
	entry := models.UsageEntry{
		At:      time.Now(),
		From:    models.StatusActive,
		To:      models.StatusUsed,
		Actor:   actor,
		Context: documentID,
	}

	won, err := m.qrRepo.BindToDocument(ctx, code, documentID, entry)
	if err != nil {
		return nil, fmt.Errorf("bind code to document: %w", err)
	}

	if won {
		qr, err := m.qrRepo.GetByCode(ctx, code)
		if err != nil {
			return nil, fmt.Errorf("reload code after bind: %w", err)
		}
		if qr == nil {
			return nil, ErrUnknownCode
		}
		m.publish(qr, models.StatusActive, models.StatusUsed, actor, documentID, "")
		return qr, nil
	}

	// Attempts are counted even for losing calls, for anomaly detection. A
	// failure to count never masks the real classification below.
	if err := m.qrRepo.RecordAttempt(ctx, code); err != nil {
		slog.Warn("failed to record usage attempt", "code", code, "error", err)
	}

	qr, err := m.qrRepo.GetByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("reload code after bind conflict: %w", err)
	}
	if conflictErr := classifyConflict(qr, time.Now()); conflictErr != nil {
		return nil, conflictErr
	}

	// Code is still active, so the refusal came from the document side: the
	// row is missing or already holds a different code.
	return nil, fmt.Errorf("document %s is missing or already holds a code", documentID)
}

// Revoke administratively invalidates a code from any non-terminal state.
// Revoking an already revoked code is idempotent: same observable state, no
// new usage log entry, nil error. An effectively expired code cannot be
// revoked; expiry already made it terminal.
func (m *Manager) Revoke(ctx context.Context, code, reason, actor string) (*models.QRCode, error) {
	qr, err := m.qrRepo.GetByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("load code: %w", err)
	}
	if qr == nil {
		return nil, ErrUnknownCode
	}

	now := time.Now()
	switch qr.EffectiveState(now) {
	case models.StatusRevoked:
		return qr, nil
	case models.StatusExpired:
		return nil, ErrExpired
	}

	entry := models.UsageEntry{
		At:      now,
		From:    qr.Status,
		To:      models.StatusRevoked,
		Actor:   actor,
		Context: reason,
	}

	won, err := m.qrRepo.Revoke(ctx, code, reason, entry)
	if err != nil {
		return nil, fmt.Errorf("revoke code: %w", err)
	}

	reloaded, err := m.qrRepo.GetByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("reload code after revoke: %w", err)
	}
	if reloaded == nil {
		return nil, ErrUnknownCode
	}

	if won {
		m.publish(reloaded, qr.Status, models.StatusRevoked, actor, "", reason)
		return reloaded, nil
	}

	if reloaded.Status == models.StatusRevoked {
		// Concurrent revoke between our read and our update: still idempotent.
		return reloaded, nil
	}
	return nil, classifyConflict(reloaded, time.Now())
}

// RecordAttempt bumps the usage counter without a transition. Validation calls
// this so failed and duplicate checks still show up in the attempt count.
func (m *Manager) RecordAttempt(ctx context.Context, code string) error {
	return m.qrRepo.RecordAttempt(ctx, code)
}

// SweepExpired rewrites every overdue active or used row to expired. The
// background sweeper is the only caller; readers do not depend on it because
// EffectiveState already reports overdue rows as expired.
func (m *Manager) SweepExpired(ctx context.Context, actor string) (int64, error) {
	return m.qrRepo.SweepExpired(ctx, actor)
}

// classifyConflict translates the current row into the sentinel a losing
// caller should receive. A nil return means the row is active and the refusal
// did not come from the code's own state.
func classifyConflict(qr *models.QRCode, now time.Time) error {
	if qr == nil {
		return ErrUnknownCode
	}
	switch qr.EffectiveState(now) {
	case models.StatusRevoked:
		return ErrRevoked
	case models.StatusExpired:
		return ErrExpired
	case models.StatusUsed:
		return ErrAlreadyUsed
	case models.StatusGenerated:
		return ErrNotActive
	}
	return nil
}

// publish ships a transition event after the row update committed. Delivery is
// fire-and-forget: the transition is already durable and a shipping failure
// only gets logged.
func (m *Manager) publish(qr *models.QRCode, from, to models.Status, actor, documentID, reason string) {
	if m.shipper == nil {
		return
	}

	event := &dispatch.TransitionEvent{
		Timestamp:      time.Now(),
		Code:           qr.Code,
		FromState:      string(from),
		ToState:        string(to),
		Actor:          actor,
		DocumentID:     documentID,
		DocumentTypeID: qr.DocumentTypeID,
		Reason:         reason,
	}

	safego.GoTimeout("ship-transition-event", 5*time.Second, func(ctx context.Context) {
		if err := m.shipper.Ship(ctx, event); err != nil {
			slog.Error("failed to ship transition event",
				"code", event.Code, "to", event.ToState, "error", err)
		}
	})
}
