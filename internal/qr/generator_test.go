package qr

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sello-registry/sello/internal/db/models"
	"github.com/sello-registry/sello/internal/db/repositories"
	"github.com/sello-registry/sello/internal/lifecycle"
)

var errDB = errors.New("db error")

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

var documentTypeCols = []string{
	"id", "code", "name", "requires_qr", "template_ref",
	"qr_table_index", "qr_row", "qr_column", "qr_width_cm", "qr_height_cm",
	"created_at", "updated_at",
}

func documentTypeRow() *sqlmock.Rows {
	return sqlmock.NewRows(documentTypeCols).AddRow(
		"dt-1", "GCO-REG-009", "Registro de nacimiento", true, "templates/gco-reg-009.docx",
		1, 5, 0, 3.5, 3.5, time.Now(), time.Now(),
	)
}

func duplicateCodeErr() *pq.Error {
	return &pq.Error{Code: "23505", Constraint: "qr_codes_code_key"}
}

func newGenerator(t *testing.T, cfg Config) (*Generator, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	manager := lifecycle.NewManager(repositories.NewQRCodeRepository(db), nil)
	typeRepo := repositories.NewDocumentTypeRepository(sqlx.NewDb(db, "sqlmock"))
	return NewGenerator(manager, typeRepo, cfg), mock
}

// ---------------------------------------------------------------------------
// NewGenerator
// ---------------------------------------------------------------------------

func TestNewGenerator_Defaults(t *testing.T) {
	g, _ := newGenerator(t, Config{})
	if g.cfg.TokenPrefix != DefaultTokenPrefix {
		t.Errorf("TokenPrefix = %q, want %q", g.cfg.TokenPrefix, DefaultTokenPrefix)
	}
	if g.cfg.MaxCollisionRetry != DefaultMaxCollisionRetry {
		t.Errorf("MaxCollisionRetry = %d, want %d", g.cfg.MaxCollisionRetry, DefaultMaxCollisionRetry)
	}
	if g.cfg.DefaultRenderSize != DefaultSize {
		t.Errorf("DefaultRenderSize = %d, want %d", g.cfg.DefaultRenderSize, DefaultSize)
	}
	if g.cfg.DefaultRecoveryLevel != DefaultRecoveryLevel {
		t.Errorf("DefaultRecoveryLevel = %q, want %q", g.cfg.DefaultRecoveryLevel, DefaultRecoveryLevel)
	}
}

func TestGenerate_ConfiguredRenderDefaults(t *testing.T) {
	g, mock := newGenerator(t, Config{DefaultRenderSize: 512, DefaultRecoveryLevel: "Q"})

	mock.ExpectQuery("SELECT (.+) FROM document_types WHERE id").
		WithArgs("dt-1").
		WillReturnRows(documentTypeRow())
	mock.ExpectExec("INSERT INTO qr_codes").
		WillReturnResult(sqlmock.NewResult(1, 1))

	codes, err := g.Generate(context.Background(), "dt-1", 1, nil, models.RenderConfig{}, "admin")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := codes[0].GenerationConfig.Render.Size; got != 512 {
		t.Errorf("snapshot Size = %d, want configured default 512", got)
	}
	if got := codes[0].GenerationConfig.Render.RecoveryLevel; got != "Q" {
		t.Errorf("snapshot RecoveryLevel = %q, want configured default Q", got)
	}
}

// ---------------------------------------------------------------------------
// Generate
// ---------------------------------------------------------------------------

func TestGenerate_Success(t *testing.T) {
	g, mock := newGenerator(t, Config{})

	mock.ExpectQuery("SELECT (.+) FROM document_types WHERE id").
		WithArgs("dt-1").
		WillReturnRows(documentTypeRow())
	mock.ExpectExec("INSERT INTO qr_codes").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO qr_codes").
		WillReturnResult(sqlmock.NewResult(1, 1))

	codes, err := g.Generate(context.Background(), "dt-1", 2, nil, models.RenderConfig{Size: 256}, "admin")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(codes) != 2 {
		t.Fatalf("len(codes) = %d, want 2", len(codes))
	}
	if codes[0].Code == codes[1].Code {
		t.Error("two minted codes share the same payload")
	}
	for i, code := range codes {
		if code.Status != models.StatusGenerated {
			t.Errorf("codes[%d].Status = %s, want generated", i, code.Status)
		}
		if !strings.HasPrefix(code.Code, DefaultTokenPrefix) {
			t.Errorf("codes[%d].Code = %q, want prefix %q", i, code.Code, DefaultTokenPrefix)
		}
		if code.GenerationConfig.Render.Size != 256 {
			t.Errorf("codes[%d] snapshot Size = %d, want 256", i, code.GenerationConfig.Render.Size)
		}
		// Normalization fills defaults before the snapshot is taken
		if code.GenerationConfig.Render.RecoveryLevel != "M" {
			t.Errorf("codes[%d] snapshot RecoveryLevel = %q, want M", i, code.GenerationConfig.Render.RecoveryLevel)
		}
		if code.GeneratedBy == nil || *code.GeneratedBy != "admin" {
			t.Errorf("codes[%d].GeneratedBy = %v, want admin", i, code.GeneratedBy)
		}
		if code.ExpiresAt != nil {
			t.Errorf("codes[%d].ExpiresAt = %v, want nil", i, code.ExpiresAt)
		}
	}
}

func TestGenerate_ExpiresInDays(t *testing.T) {
	g, mock := newGenerator(t, Config{})

	mock.ExpectQuery("SELECT (.+) FROM document_types WHERE id").
		WillReturnRows(documentTypeRow())
	mock.ExpectExec("INSERT INTO qr_codes").
		WillReturnResult(sqlmock.NewResult(1, 1))

	days := 30
	codes, err := g.Generate(context.Background(), "dt-1", 1, &days, models.RenderConfig{}, "admin")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if codes[0].ExpiresAt == nil {
		t.Fatal("ExpiresAt = nil, want a timestamp 30 days out")
	}
	want := time.Now().AddDate(0, 0, 30)
	if diff := codes[0].ExpiresAt.Sub(want); diff < -time.Hour || diff > time.Hour {
		t.Errorf("ExpiresAt = %v, want about %v", codes[0].ExpiresAt, want)
	}
}

func TestGenerate_UnknownDocumentType(t *testing.T) {
	g, mock := newGenerator(t, Config{})

	mock.ExpectQuery("SELECT (.+) FROM document_types WHERE id").
		WillReturnRows(sqlmock.NewRows(documentTypeCols))

	_, err := g.Generate(context.Background(), "dt-missing", 1, nil, models.RenderConfig{}, "admin")
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestGenerate_InvalidCount(t *testing.T) {
	g, _ := newGenerator(t, Config{})

	for _, count := range []int{0, -5, MaxBatchSize + 1} {
		_, err := g.Generate(context.Background(), "dt-1", count, nil, models.RenderConfig{}, "admin")
		if !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("count %d: err = %v, want ErrInvalidConfig", count, err)
		}
	}
}

func TestGenerate_InvalidExpiry(t *testing.T) {
	g, _ := newGenerator(t, Config{})

	days := -1
	_, err := g.Generate(context.Background(), "dt-1", 1, &days, models.RenderConfig{}, "admin")
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestGenerate_InvalidRenderConfig(t *testing.T) {
	g, _ := newGenerator(t, Config{})

	_, err := g.Generate(context.Background(), "dt-1", 1, nil, models.RenderConfig{Size: 7}, "admin")
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestGenerate_CollisionRetries(t *testing.T) {
	g, mock := newGenerator(t, Config{})

	mock.ExpectQuery("SELECT (.+) FROM document_types WHERE id").
		WillReturnRows(documentTypeRow())
	// First token collides, the retry wins.
	mock.ExpectExec("INSERT INTO qr_codes").
		WillReturnError(duplicateCodeErr())
	mock.ExpectExec("INSERT INTO qr_codes").
		WillReturnResult(sqlmock.NewResult(1, 1))

	codes, err := g.Generate(context.Background(), "dt-1", 1, nil, models.RenderConfig{}, "admin")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(codes) != 1 {
		t.Errorf("len(codes) = %d, want 1", len(codes))
	}
}

func TestGenerate_CollisionExhausted(t *testing.T) {
	g, mock := newGenerator(t, Config{MaxCollisionRetry: 3})

	mock.ExpectQuery("SELECT (.+) FROM document_types WHERE id").
		WillReturnRows(documentTypeRow())
	for i := 0; i < 3; i++ {
		mock.ExpectExec("INSERT INTO qr_codes").
			WillReturnError(duplicateCodeErr())
	}

	codes, err := g.Generate(context.Background(), "dt-1", 1, nil, models.RenderConfig{}, "admin")
	if !errors.Is(err, ErrCollisionExhausted) {
		t.Errorf("err = %v, want ErrCollisionExhausted", err)
	}
	if len(codes) != 0 {
		t.Errorf("len(codes) = %d, want 0", len(codes))
	}
}

func TestGenerate_PersistError(t *testing.T) {
	g, mock := newGenerator(t, Config{})

	mock.ExpectQuery("SELECT (.+) FROM document_types WHERE id").
		WillReturnRows(documentTypeRow())
	mock.ExpectExec("INSERT INTO qr_codes").
		WillReturnError(errDB)

	_, err := g.Generate(context.Background(), "dt-1", 1, nil, models.RenderConfig{}, "admin")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if errors.Is(err, ErrCollisionExhausted) {
		t.Error("storage failure must not read as collision exhaustion")
	}
	if !errors.Is(err, errDB) {
		t.Errorf("err = %v, want wrapped errDB", err)
	}
}

func TestGenerate_PartialBatchSurvivesError(t *testing.T) {
	g, mock := newGenerator(t, Config{})

	mock.ExpectQuery("SELECT (.+) FROM document_types WHERE id").
		WillReturnRows(documentTypeRow())
	mock.ExpectExec("INSERT INTO qr_codes").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO qr_codes").
		WillReturnError(errDB)

	codes, err := g.Generate(context.Background(), "dt-1", 2, nil, models.RenderConfig{}, "admin")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	// The first code was persisted and stays valid; it is returned so the
	// caller can report or revoke it.
	if len(codes) != 1 {
		t.Errorf("len(codes) = %d, want 1", len(codes))
	}
}

// ---------------------------------------------------------------------------
// mintToken
// ---------------------------------------------------------------------------

func TestMintToken_Shape(t *testing.T) {
	token, err := mintToken("SEL-")
	if err != nil {
		t.Fatalf("mintToken: %v", err)
	}
	if !strings.HasPrefix(token, "SEL-") {
		t.Errorf("token %q missing prefix", token)
	}
	// 16 random bytes encode to 26 unpadded base32 characters
	if len(token) != len("SEL-")+26 {
		t.Errorf("len(token) = %d, want %d", len(token), len("SEL-")+26)
	}
	for _, r := range token[len("SEL-"):] {
		if !strings.ContainsRune("ABCDEFGHIJKLMNOPQRSTUVWXYZ234567", r) {
			t.Errorf("token %q contains %q outside the base32 alphabet", token, r)
		}
	}
}

func TestMintToken_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		token, err := mintToken("SEL-")
		if err != nil {
			t.Fatalf("mintToken: %v", err)
		}
		if seen[token] {
			t.Fatalf("duplicate token after %d mints: %q", i, token)
		}
		seen[token] = true
	}
}
