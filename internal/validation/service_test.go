package validation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/sello-registry/sello/internal/db/models"
	"github.com/sello-registry/sello/internal/db/repositories"
	"github.com/sello-registry/sello/internal/lifecycle"
)

var errStorage = errors.New("storage down")

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

const validatedCode = "SEL-VALIDATIONTESTCODE"

var codeCols = []string{
	"id", "code", "document_type_id", "status", "generation_config", "bound_document_id",
	"generated_by", "created_at", "activated_at", "used_at", "expires_at", "revoked_at",
	"revoke_reason", "expiry_notified_at", "usage_attempts", "usage_log",
}

const codeCfg = `{"render": {"size": 256, "recovery_level": "M", "margin": 16}}`

func codeRow(status models.Status) *sqlmock.Rows {
	return sqlmock.NewRows(codeCols).AddRow(
		"qr-1", validatedCode, "dt-1", string(status), codeCfg, nil,
		nil, time.Now(), nil, nil, nil, nil,
		nil, nil, 3, "[]",
	)
}

func usedCodeRow() *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(codeCols).AddRow(
		"qr-1", validatedCode, "dt-1", string(models.StatusUsed), codeCfg, "doc-1",
		nil, now, now, now, nil, nil,
		nil, nil, 3, "[]",
	)
}

func revokedCodeRow(reason string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(codeCols).AddRow(
		"qr-1", validatedCode, "dt-1", string(models.StatusRevoked), codeCfg, nil,
		nil, now, nil, nil, nil, now,
		reason, nil, 3, "[]",
	)
}

func overdueActiveRow() *sqlmock.Rows {
	now := time.Now()
	expired := now.Add(-time.Hour)
	return sqlmock.NewRows(codeCols).AddRow(
		"qr-1", validatedCode, "dt-1", string(models.StatusActive), codeCfg, nil,
		nil, now.Add(-48*time.Hour), now.Add(-48*time.Hour), nil, expired, nil,
		nil, nil, 3, "[]",
	)
}

func newService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return NewService(lifecycle.NewManager(repositories.NewQRCodeRepository(db), nil)), mock
}

// ---------------------------------------------------------------------------
// Validate
// ---------------------------------------------------------------------------

func TestValidate_ActiveCode(t *testing.T) {
	s, mock := newService(t)

	mock.ExpectQuery("SELECT (.+) FROM qr_codes WHERE code").
		WithArgs(validatedCode).
		WillReturnRows(codeRow(models.StatusActive))
	mock.ExpectExec("UPDATE qr_codes SET usage_attempts").
		WithArgs(validatedCode).
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := s.Validate(context.Background(), validatedCode)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Valid {
		t.Error("an active code is valid")
	}
	if result.EffectiveState != models.StatusActive {
		t.Errorf("state = %s, want active", result.EffectiveState)
	}
	if result.Reason != "" {
		t.Errorf("unexpected reason %q", result.Reason)
	}
	if result.BoundDocumentID != nil {
		t.Error("active code has no bound document")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestValidate_UsedCode(t *testing.T) {
	s, mock := newService(t)

	mock.ExpectQuery("SELECT (.+) FROM qr_codes WHERE code").
		WillReturnRows(usedCodeRow())
	mock.ExpectExec("UPDATE qr_codes SET usage_attempts").
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := s.Validate(context.Background(), validatedCode)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Valid {
		t.Error("a used code marks a genuine stored document")
	}
	if result.EffectiveState != models.StatusUsed {
		t.Errorf("state = %s, want used", result.EffectiveState)
	}
	if result.BoundDocumentID == nil || *result.BoundDocumentID != "doc-1" {
		t.Errorf("BoundDocumentID = %v, want doc-1", result.BoundDocumentID)
	}
}

func TestValidate_GeneratedCode(t *testing.T) {
	s, mock := newService(t)

	mock.ExpectQuery("SELECT (.+) FROM qr_codes WHERE code").
		WillReturnRows(codeRow(models.StatusGenerated))
	mock.ExpectExec("UPDATE qr_codes SET usage_attempts").
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := s.Validate(context.Background(), validatedCode)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Valid {
		t.Error("a generated code has not been issued and must not validate")
	}
	if !strings.Contains(result.Reason, "not been issued") {
		t.Errorf("reason = %q", result.Reason)
	}
}

func TestValidate_RevokedCode(t *testing.T) {
	s, mock := newService(t)

	mock.ExpectQuery("SELECT (.+) FROM qr_codes WHERE code").
		WillReturnRows(revokedCodeRow("fraud report 123"))
	mock.ExpectExec("UPDATE qr_codes SET usage_attempts").
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := s.Validate(context.Background(), validatedCode)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Valid {
		t.Error("a revoked code must not validate")
	}
	if result.EffectiveState != models.StatusRevoked {
		t.Errorf("state = %s, want revoked", result.EffectiveState)
	}
	if !strings.Contains(result.Reason, "fraud report 123") {
		t.Errorf("reason should carry the revoke reason, got %q", result.Reason)
	}
}

func TestValidate_LazyExpiry(t *testing.T) {
	s, mock := newService(t)

	mock.ExpectQuery("SELECT (.+) FROM qr_codes WHERE code").
		WillReturnRows(overdueActiveRow())
	mock.ExpectExec("UPDATE qr_codes SET usage_attempts").
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := s.Validate(context.Background(), validatedCode)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Valid {
		t.Error("an overdue code must not validate even before the sweep")
	}
	if result.EffectiveState != models.StatusExpired {
		t.Errorf("state = %s, want expired", result.EffectiveState)
	}
	if !strings.Contains(result.Reason, "expired") {
		t.Errorf("reason = %q", result.Reason)
	}
}

func TestValidate_UnknownCode(t *testing.T) {
	s, mock := newService(t)

	mock.ExpectQuery("SELECT (.+) FROM qr_codes WHERE code").
		WillReturnRows(sqlmock.NewRows(codeCols))

	_, err := s.Validate(context.Background(), validatedCode)
	if !errors.Is(err, lifecycle.ErrUnknownCode) {
		t.Errorf("expected ErrUnknownCode, got %v", err)
	}
	// No attempt row exists to bump for an unknown code.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestValidate_AttemptFailureDoesNotMaskResult(t *testing.T) {
	s, mock := newService(t)

	mock.ExpectQuery("SELECT (.+) FROM qr_codes WHERE code").
		WillReturnRows(codeRow(models.StatusActive))
	mock.ExpectExec("UPDATE qr_codes SET usage_attempts").
		WillReturnError(errStorage)

	result, err := s.Validate(context.Background(), validatedCode)
	if err != nil {
		t.Fatalf("attempt accounting must not fail validation, got: %v", err)
	}
	if !result.Valid {
		t.Error("expected a valid result")
	}
}

func TestValidate_StorageError(t *testing.T) {
	s, mock := newService(t)

	mock.ExpectQuery("SELECT (.+) FROM qr_codes WHERE code").
		WillReturnError(errStorage)

	_, err := s.Validate(context.Background(), validatedCode)
	if !errors.Is(err, errStorage) {
		t.Errorf("expected the storage error, got %v", err)
	}
	if errors.Is(err, lifecycle.ErrUnknownCode) {
		t.Error("a storage failure must not read as an unknown code")
	}
}
