package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/sello-registry/sello/internal/db/models"
)

// ---------------------------------------------------------------------------
// Column definitions
// ---------------------------------------------------------------------------

var qrCodeCols = []string{
	"id", "code", "document_type_id", "status", "generation_config", "bound_document_id",
	"generated_by", "created_at", "activated_at", "used_at", "expires_at", "revoked_at",
	"revoke_reason", "expiry_notified_at", "usage_attempts", "usage_log",
}

// ---------------------------------------------------------------------------
// Row builders
// ---------------------------------------------------------------------------

var sampleGenConfig = []byte(`{"render":{"size":256,"recovery_level":"M","margin":16}}`)
var sampleUsageLog = []byte(`[{"at":"2026-01-02T15:04:05Z","from":"generated","to":"active","actor":"portal"}]`)

func sampleQRCodeRow(status string) *sqlmock.Rows {
	return sqlmock.NewRows(qrCodeCols).
		AddRow("qr-1", "SEL-ABCDEF", "dt-1", status, sampleGenConfig, nil,
			nil, time.Now(), nil, nil, nil, nil, nil, nil, 3, sampleUsageLog)
}

func emptyQRCodeRow() *sqlmock.Rows {
	return sqlmock.NewRows(qrCodeCols)
}

func newQRCodeRepo(t *testing.T) (*QRCodeRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewQRCodeRepository(db), mock
}

func testEntry(from, to models.Status) models.UsageEntry {
	return models.UsageEntry{At: time.Now(), From: from, To: to, Actor: "tester"}
}

// ---------------------------------------------------------------------------
// Create
// ---------------------------------------------------------------------------

func TestQRCodeCreate_Success(t *testing.T) {
	repo, mock := newQRCodeRepo(t)
	mock.ExpectExec("INSERT INTO qr_codes").
		WillReturnResult(sqlmock.NewResult(1, 1))

	qr := &models.QRCode{
		Code:           "SEL-NEWCODE",
		DocumentTypeID: "dt-1",
		GenerationConfig: models.GenerationConfig{
			Render: models.RenderConfig{Size: 256, RecoveryLevel: "M"},
		},
	}
	if err := repo.Create(context.Background(), qr); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if qr.ID == "" {
		t.Error("Create should assign an ID")
	}
	if qr.Status != models.StatusGenerated {
		t.Errorf("Status = %q, want generated", qr.Status)
	}
}

func TestQRCodeCreate_DuplicatePayload(t *testing.T) {
	repo, mock := newQRCodeRepo(t)
	mock.ExpectExec("INSERT INTO qr_codes").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "qr_codes_code_key"})

	qr := &models.QRCode{Code: "SEL-TAKEN", DocumentTypeID: "dt-1"}
	err := repo.Create(context.Background(), qr)
	if !errors.Is(err, ErrDuplicateCode) {
		t.Errorf("expected ErrDuplicateCode, got %v", err)
	}
}

func TestQRCodeCreate_OtherConstraintNotMapped(t *testing.T) {
	repo, mock := newQRCodeRepo(t)
	mock.ExpectExec("INSERT INTO qr_codes").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "qr_codes_pkey"})

	qr := &models.QRCode{Code: "SEL-X", DocumentTypeID: "dt-1"}
	err := repo.Create(context.Background(), qr)
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrDuplicateCode) {
		t.Error("a primary key violation must not read as a payload collision")
	}
}

func TestQRCodeCreate_DBError(t *testing.T) {
	repo, mock := newQRCodeRepo(t)
	mock.ExpectExec("INSERT INTO qr_codes").
		WillReturnError(errDB)

	qr := &models.QRCode{Code: "SEL-X", DocumentTypeID: "dt-1"}
	if err := repo.Create(context.Background(), qr); err == nil {
		t.Error("expected error, got nil")
	}
}

// ---------------------------------------------------------------------------
// GetByCode / GetByID / GetByBoundDocument
// ---------------------------------------------------------------------------

func TestGetByCode_Found(t *testing.T) {
	repo, mock := newQRCodeRepo(t)
	mock.ExpectQuery("SELECT.*FROM qr_codes.*WHERE code").
		WithArgs("SEL-ABCDEF").
		WillReturnRows(sampleQRCodeRow("active"))

	qr, err := repo.GetByCode(context.Background(), "SEL-ABCDEF")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if qr == nil {
		t.Fatal("expected code, got nil")
	}
	if qr.Status != models.StatusActive {
		t.Errorf("Status = %q, want active", qr.Status)
	}
	if qr.GenerationConfig.Render.Size != 256 {
		t.Errorf("Render.Size = %d, want 256", qr.GenerationConfig.Render.Size)
	}
	if len(qr.UsageLog) != 1 {
		t.Errorf("len(UsageLog) = %d, want 1", len(qr.UsageLog))
	}
	if qr.UsageAttempts != 3 {
		t.Errorf("UsageAttempts = %d, want 3", qr.UsageAttempts)
	}
}

func TestGetByCode_NotFound(t *testing.T) {
	repo, mock := newQRCodeRepo(t)
	mock.ExpectQuery("SELECT.*FROM qr_codes.*WHERE code").
		WillReturnRows(emptyQRCodeRow())

	qr, err := repo.GetByCode(context.Background(), "SEL-MISSING")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if qr != nil {
		t.Error("expected nil, got non-nil")
	}
}

func TestGetByID_Found(t *testing.T) {
	repo, mock := newQRCodeRepo(t)
	mock.ExpectQuery("SELECT.*FROM qr_codes.*WHERE id").
		WithArgs("qr-1").
		WillReturnRows(sampleQRCodeRow("generated"))

	qr, err := repo.GetByID(context.Background(), "qr-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if qr == nil {
		t.Fatal("expected code, got nil")
	}
}

func TestGetByBoundDocument_Found(t *testing.T) {
	repo, mock := newQRCodeRepo(t)
	mock.ExpectQuery("SELECT.*FROM qr_codes.*WHERE bound_document_id").
		WithArgs("doc-1").
		WillReturnRows(sampleQRCodeRow("used"))

	qr, err := repo.GetByBoundDocument(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if qr == nil {
		t.Fatal("expected code, got nil")
	}
}

// ---------------------------------------------------------------------------
// Activate
// ---------------------------------------------------------------------------

func TestActivate_Won(t *testing.T) {
	repo, mock := newQRCodeRepo(t)
	mock.ExpectExec("UPDATE qr_codes.*SET status = 'active'").
		WillReturnResult(sqlmock.NewResult(0, 1))

	won, err := repo.Activate(context.Background(), "SEL-ABCDEF", testEntry(models.StatusGenerated, models.StatusActive))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !won {
		t.Error("expected activation to win")
	}
}

func TestActivate_Lost(t *testing.T) {
	repo, mock := newQRCodeRepo(t)
	mock.ExpectExec("UPDATE qr_codes.*SET status = 'active'").
		WillReturnResult(sqlmock.NewResult(0, 0))

	won, err := repo.Activate(context.Background(), "SEL-ABCDEF", testEntry(models.StatusGenerated, models.StatusActive))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if won {
		t.Error("expected activation to lose on a non-generated row")
	}
}

// ---------------------------------------------------------------------------
// BindToDocument
// ---------------------------------------------------------------------------

func TestBindToDocument_Won(t *testing.T) {
	repo, mock := newQRCodeRepo(t)
	mock.ExpectExec("WITH target AS").
		WithArgs("SEL-ABCDEF", "doc-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	won, err := repo.BindToDocument(context.Background(), "SEL-ABCDEF", "doc-1", testEntry(models.StatusActive, models.StatusUsed))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !won {
		t.Error("expected bind to win")
	}
}

func TestBindToDocument_Lost(t *testing.T) {
	repo, mock := newQRCodeRepo(t)
	mock.ExpectExec("WITH target AS").
		WillReturnResult(sqlmock.NewResult(0, 0))

	won, err := repo.BindToDocument(context.Background(), "SEL-ABCDEF", "doc-1", testEntry(models.StatusActive, models.StatusUsed))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if won {
		t.Error("expected bind to lose when the code is not active")
	}
}

func TestBindToDocument_DBError(t *testing.T) {
	repo, mock := newQRCodeRepo(t)
	mock.ExpectExec("WITH target AS").
		WillReturnError(errDB)

	if _, err := repo.BindToDocument(context.Background(), "SEL-ABCDEF", "doc-1", testEntry(models.StatusActive, models.StatusUsed)); err == nil {
		t.Error("expected error, got nil")
	}
}

// ---------------------------------------------------------------------------
// Revoke
// ---------------------------------------------------------------------------

func TestRevoke_Won(t *testing.T) {
	repo, mock := newQRCodeRepo(t)
	mock.ExpectExec("UPDATE qr_codes.*SET status = 'revoked'").
		WillReturnResult(sqlmock.NewResult(0, 1))

	won, err := repo.Revoke(context.Background(), "SEL-ABCDEF", "compromised batch", testEntry(models.StatusActive, models.StatusRevoked))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !won {
		t.Error("expected revoke to win")
	}
}

func TestRevoke_LostOnTerminalRow(t *testing.T) {
	repo, mock := newQRCodeRepo(t)
	mock.ExpectExec("UPDATE qr_codes.*SET status = 'revoked'").
		WillReturnResult(sqlmock.NewResult(0, 0))

	won, err := repo.Revoke(context.Background(), "SEL-ABCDEF", "again", testEntry(models.StatusRevoked, models.StatusRevoked))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if won {
		t.Error("expected revoke to lose on an already terminal row")
	}
}

// ---------------------------------------------------------------------------
// RecordAttempt
// ---------------------------------------------------------------------------

func TestRecordAttempt_Success(t *testing.T) {
	repo, mock := newQRCodeRepo(t)
	mock.ExpectExec("UPDATE qr_codes.*SET usage_attempts = usage_attempts").
		WithArgs("SEL-ABCDEF").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.RecordAttempt(context.Background(), "SEL-ABCDEF"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// ---------------------------------------------------------------------------
// SweepExpired
// ---------------------------------------------------------------------------

func TestSweepExpired_CountsRows(t *testing.T) {
	repo, mock := newQRCodeRepo(t)
	mock.ExpectExec("UPDATE qr_codes.*SET status = 'expired'").
		WithArgs("system:sweeper").
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := repo.SweepExpired(context.Background(), "system:sweeper")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 7 {
		t.Errorf("swept = %d, want 7", n)
	}
}

func TestSweepExpired_DBError(t *testing.T) {
	repo, mock := newQRCodeRepo(t)
	mock.ExpectExec("UPDATE qr_codes.*SET status = 'expired'").
		WillReturnError(errDB)

	if _, err := repo.SweepExpired(context.Background(), "system:sweeper"); err == nil {
		t.Error("expected error, got nil")
	}
}

// ---------------------------------------------------------------------------
// FindExpiringSoon / MarkExpiryNotified
// ---------------------------------------------------------------------------

func TestFindExpiringSoon_Success(t *testing.T) {
	repo, mock := newQRCodeRepo(t)
	mock.ExpectQuery("SELECT.*FROM qr_codes.*WHERE status = 'active'.*expiry_notified_at IS NULL").
		WillReturnRows(sampleQRCodeRow("active"))

	codes, err := repo.FindExpiringSoon(context.Background(), 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(codes) != 1 {
		t.Errorf("len(codes) = %d, want 1", len(codes))
	}
}

func TestMarkExpiryNotified_Success(t *testing.T) {
	repo, mock := newQRCodeRepo(t)
	mock.ExpectExec("UPDATE qr_codes.*SET expiry_notified_at").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.MarkExpiryNotified(context.Background(), "qr-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// ---------------------------------------------------------------------------
// ListByDocumentType
// ---------------------------------------------------------------------------

func TestListByDocumentType_Success(t *testing.T) {
	repo, mock := newQRCodeRepo(t)
	mock.ExpectQuery("SELECT.*FROM qr_codes.*WHERE document_type_id").
		WillReturnRows(sampleQRCodeRow("generated"))

	codes, err := repo.ListByDocumentType(context.Background(), "dt-1", 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(codes) != 1 {
		t.Errorf("len(codes) = %d, want 1", len(codes))
	}
}

// ---------------------------------------------------------------------------
// CountByStatus
// ---------------------------------------------------------------------------

func TestCountByStatus_Success(t *testing.T) {
	repo, mock := newQRCodeRepo(t)
	mock.ExpectQuery("SELECT status, COUNT.*FROM qr_codes GROUP BY status").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("generated", 10).
			AddRow("active", 4).
			AddRow("used", 2))

	counts, err := repo.CountByStatus(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counts[models.StatusGenerated] != 10 {
		t.Errorf("generated = %d, want 10", counts[models.StatusGenerated])
	}
	if counts[models.StatusUsed] != 2 {
		t.Errorf("used = %d, want 2", counts[models.StatusUsed])
	}
}
