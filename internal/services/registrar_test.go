package services

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/sello-registry/sello/internal/config"
	"github.com/sello-registry/sello/internal/db/models"
	"github.com/sello-registry/sello/internal/db/repositories"
	"github.com/sello-registry/sello/internal/lifecycle"
	"github.com/sello-registry/sello/internal/qr"
	"github.com/sello-registry/sello/internal/scan"
	"github.com/sello-registry/sello/internal/storage/local"
	"github.com/sello-registry/sello/internal/validation"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

const testPayload = "SEL-REGISTRARTEST0123456789ABC"

// qrPNG renders a decodable QR raster carrying testPayload.
func qrPNG(t *testing.T) []byte {
	t.Helper()
	data, err := qr.Render(testPayload, models.RenderConfig{})
	if err != nil {
		t.Fatalf("render test QR: %v", err)
	}
	return data
}

// twoCodePNG composes two different rendered codes side by side into one
// raster, as happens when two physical pages land on the scanner glass.
func twoCodePNG(t *testing.T, payloadA, payloadB string) []byte {
	t.Helper()

	imgA := decodePNG(t, qrRender(t, payloadA))
	imgB := decodePNG(t, qrRender(t, payloadB))

	gap := 40
	w := imgA.Bounds().Dx() + gap + imgB.Bounds().Dx()
	h := imgA.Bounds().Dy()
	if imgB.Bounds().Dy() > h {
		h = imgB.Bounds().Dy()
	}

	combined := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(combined, combined.Bounds(), image.White, image.Point{}, draw.Src)
	draw.Draw(combined, imgA.Bounds(), imgA, image.Point{}, draw.Src)
	offset := image.Rect(imgA.Bounds().Dx()+gap, 0, w, imgB.Bounds().Dy())
	draw.Draw(combined, offset, imgB, image.Point{}, draw.Src)

	var buf bytes.Buffer
	if err := png.Encode(&buf, combined); err != nil {
		t.Fatalf("encode combined png: %v", err)
	}
	return buf.Bytes()
}

func qrRender(t *testing.T, payload string) []byte {
	t.Helper()
	data, err := qr.Render(payload, models.RenderConfig{})
	if err != nil {
		t.Fatalf("render test QR: %v", err)
	}
	return data
}

func decodePNG(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	return img
}

// blankPNG encodes a plain white image that carries no code.
func blankPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 200, 200))
	for y := 0; y < 200; y++ {
		for x := 0; x < 200; x++ {
			img.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode blank png: %v", err)
	}
	return buf.Bytes()
}

// registrarFixture wires a Registrar whose sql repositories share one mocked
// database and whose document type repository has its own.
type registrarFixture struct {
	registrar *Registrar
	mainMock  sqlmock.Sqlmock // qr codes, documents, scan events
	typeMock  sqlmock.Sqlmock // document types
	archive   *local.LocalStorage
}

func newRegistrarFixture(t *testing.T) *registrarFixture {
	t.Helper()

	db, mainMock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	typeDB, typeMock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New (types): %v", err)
	}
	t.Cleanup(func() { typeDB.Close() })

	archive, err := local.New(&config.LocalStorageConfig{BasePath: t.TempDir()}, "")
	if err != nil {
		t.Fatalf("local.New: %v", err)
	}

	qrRepo := repositories.NewQRCodeRepository(db)
	manager := lifecycle.NewManager(qrRepo, nil)

	reg := NewRegistrar(
		scan.NewExtractor(scan.Config{}),
		validation.NewService(manager),
		manager,
		repositories.NewDocumentRepository(db),
		repositories.NewDocumentTypeRepository(sqlx.NewDb(typeDB, "sqlmock")),
		repositories.NewScanEventRepository(db),
		archive,
		20*time.Second,
		0,
	)

	return &registrarFixture{
		registrar: reg,
		mainMock:  mainMock,
		typeMock:  typeMock,
		archive:   archive,
	}
}

var registrarQRCols = []string{
	"id", "code", "document_type_id", "status", "generation_config", "bound_document_id",
	"generated_by", "created_at", "activated_at", "used_at", "expires_at", "revoked_at",
	"revoke_reason", "expiry_notified_at", "usage_attempts", "usage_log",
}

var registrarGenConfig = []byte(`{"render":{"size":256,"recovery_level":"M","margin":16}}`)
var registrarUsageLog = []byte(`[]`)

func registrarQRRow(status string, boundDoc *string) *sqlmock.Rows {
	return sqlmock.NewRows(registrarQRCols).
		AddRow("qr-1", testPayload, "dt-1", status, registrarGenConfig, boundDoc,
			nil, time.Now(), nil, nil, nil, nil, nil, nil, 0, registrarUsageLog)
}

var registrarTypeCols = []string{
	"id", "code", "name", "requires_qr", "template_ref",
	"qr_table_index", "qr_row", "qr_column", "qr_width_cm", "qr_height_cm",
	"created_at", "updated_at",
}

func registrarTypeRow(requiresQR bool) *sqlmock.Rows {
	return sqlmock.NewRows(registrarTypeCols).
		AddRow("dt-1", "GCO-REG-009", "Registro de nacimiento", requiresQR, "gco-reg-009.docx",
			1, 5, 0, 3.5, 3.5, time.Now(), time.Now())
}

func scanRequest(data []byte) *ScanRequest {
	return &ScanRequest{
		Data:           data,
		ContentType:    "image/png",
		Filename:       "scan.png",
		DocumentTypeID: "dt-1",
		Actor:          "svc-intake",
		IPAddress:      "10.0.0.9",
	}
}

// ---------------------------------------------------------------------------
// Extract
// ---------------------------------------------------------------------------

func TestRegistrarExtract_RejectsMismatchedContentType(t *testing.T) {
	f := newRegistrarFixture(t)

	req := scanRequest(qrPNG(t))
	req.ContentType = "application/pdf" // bytes are PNG

	if _, err := f.registrar.Extract(context.Background(), req); err == nil {
		t.Fatal("Extract() accepted a mismatched content type")
	}
}

func TestRegistrarExtract_DecodesQR(t *testing.T) {
	f := newRegistrarFixture(t)

	f.mainMock.ExpectExec("INSERT INTO scan_events").
		WillReturnResult(sqlmock.NewResult(1, 1))

	res, err := f.registrar.Extract(context.Background(), scanRequest(qrPNG(t)))
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}
	if len(res.Candidates) != 1 {
		t.Fatalf("Extract() candidates = %d, want 1", len(res.Candidates))
	}
	if res.Candidates[0].Payload != testPayload {
		t.Errorf("payload = %q, want %q", res.Candidates[0].Payload, testPayload)
	}
	if res.Checksum == "" {
		t.Error("Extract() returned empty checksum")
	}

	if err := f.mainMock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRegistrarExtract_NoCode_ReturnsEmptySlice(t *testing.T) {
	f := newRegistrarFixture(t)

	f.mainMock.ExpectExec("INSERT INTO scan_events").
		WillReturnResult(sqlmock.NewResult(1, 1))

	res, err := f.registrar.Extract(context.Background(), scanRequest(blankPNG(t)))
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}
	if len(res.Candidates) != 0 {
		t.Errorf("Extract() candidates = %d, want 0", len(res.Candidates))
	}
}

func TestRegistrarExtract_EventWriteFailure_DoesNotFailExtract(t *testing.T) {
	f := newRegistrarFixture(t)

	f.mainMock.ExpectExec("INSERT INTO scan_events").
		WillReturnError(errors.New("db connection lost"))

	res, err := f.registrar.Extract(context.Background(), scanRequest(qrPNG(t)))
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}
	if len(res.Candidates) != 1 {
		t.Errorf("Extract() candidates = %d, want 1", len(res.Candidates))
	}
}

// ---------------------------------------------------------------------------
// Register
// ---------------------------------------------------------------------------

func TestRegistrarRegister_UnknownDocumentType(t *testing.T) {
	f := newRegistrarFixture(t)

	f.typeMock.ExpectQuery("SELECT.*FROM document_types.*WHERE id").
		WillReturnRows(sqlmock.NewRows(registrarTypeCols))

	_, err := f.registrar.Register(context.Background(), scanRequest(qrPNG(t)))
	if !errors.Is(err, ErrUnknownDocumentType) {
		t.Fatalf("Register() error = %v, want ErrUnknownDocumentType", err)
	}
}

func TestRegistrarRegister_NoCode_TypeRequiresQR(t *testing.T) {
	f := newRegistrarFixture(t)

	f.typeMock.ExpectQuery("SELECT.*FROM document_types.*WHERE id").
		WillReturnRows(registrarTypeRow(true))
	f.mainMock.ExpectExec("INSERT INTO scan_events").
		WillReturnResult(sqlmock.NewResult(1, 1))

	_, err := f.registrar.Register(context.Background(), scanRequest(blankPNG(t)))
	if !errors.Is(err, ErrNoCode) {
		t.Fatalf("Register() error = %v, want ErrNoCode", err)
	}

	if err := f.mainMock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRegistrarRegister_NoCode_TypePermitsCodeless(t *testing.T) {
	f := newRegistrarFixture(t)

	f.typeMock.ExpectQuery("SELECT.*FROM document_types.*WHERE id").
		WillReturnRows(registrarTypeRow(false))
	f.mainMock.ExpectExec("INSERT INTO documents").
		WillReturnResult(sqlmock.NewResult(1, 1))
	f.mainMock.ExpectExec("INSERT INTO scan_events").
		WillReturnResult(sqlmock.NewResult(1, 1))

	res, err := f.registrar.Register(context.Background(), scanRequest(blankPNG(t)))
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if res.Outcome != "registered_without_code" {
		t.Errorf("Outcome = %q, want registered_without_code", res.Outcome)
	}
	if res.Code != nil {
		t.Error("Code should be nil for a codeless registration")
	}
	wantKey := "scans/dt-1/" + res.Document.ID + ".png"
	if res.Document.ArchiveKey != wantKey {
		t.Errorf("ArchiveKey = %q, want %q", res.Document.ArchiveKey, wantKey)
	}

	// The scan bytes must actually be in the archive, carrying the document
	// metadata.
	info, err := f.archive.Stat(context.Background(), res.Document.ArchiveKey)
	if err != nil {
		t.Fatalf("archived object missing: %v", err)
	}
	if info.SHA256 != res.Document.Checksum {
		t.Errorf("archived SHA256 = %q, want %q", info.SHA256, res.Document.Checksum)
	}
	if info.ContentType != "image/png" {
		t.Errorf("archived ContentType = %q, want image/png", info.ContentType)
	}
	if info.Filename != "scan.png" {
		t.Errorf("archived Filename = %q, want scan.png", info.Filename)
	}
	if info.ArchivedBy != "svc-intake" {
		t.Errorf("archived ArchivedBy = %q, want svc-intake", info.ArchivedBy)
	}

	if err := f.mainMock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRegistrarRegister_BindsCode(t *testing.T) {
	f := newRegistrarFixture(t)

	f.typeMock.ExpectQuery("SELECT.*FROM document_types.*WHERE id").
		WillReturnRows(registrarTypeRow(true))

	// Validation: load + attempt count.
	f.mainMock.ExpectQuery("SELECT.*FROM qr_codes").
		WillReturnRows(registrarQRRow("active", nil))
	f.mainMock.ExpectExec("UPDATE qr_codes").
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Intake: document insert, CAS bind, post-bind reload.
	f.mainMock.ExpectExec("INSERT INTO documents").
		WillReturnResult(sqlmock.NewResult(1, 1))
	f.mainMock.ExpectExec("WITH target").
		WillReturnResult(sqlmock.NewResult(0, 1))
	boundDoc := "doc-1"
	f.mainMock.ExpectQuery("SELECT.*FROM qr_codes").
		WillReturnRows(registrarQRRow("used", &boundDoc))

	f.mainMock.ExpectExec("INSERT INTO scan_events").
		WillReturnResult(sqlmock.NewResult(1, 1))

	res, err := f.registrar.Register(context.Background(), scanRequest(qrPNG(t)))
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if res.Outcome != "bound" {
		t.Errorf("Outcome = %q, want bound", res.Outcome)
	}
	if res.Code == nil || res.Code.Status != models.StatusUsed {
		t.Errorf("Code = %+v, want used status", res.Code)
	}
	if res.Candidates != 1 {
		t.Errorf("Candidates = %d, want 1", res.Candidates)
	}
	if res.Document.QRCodeID == nil || *res.Document.QRCodeID != res.Code.ID {
		t.Errorf("Document.QRCodeID = %v, want %q", res.Document.QRCodeID, res.Code.ID)
	}

	if err := f.mainMock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRegistrarRegister_TwoDistinctCodes_Rejected(t *testing.T) {
	f := newRegistrarFixture(t)

	f.typeMock.ExpectQuery("SELECT.*FROM document_types.*WHERE id").
		WillReturnRows(registrarTypeRow(true))
	f.mainMock.ExpectExec("INSERT INTO scan_events").
		WillReturnResult(sqlmock.NewResult(1, 1))

	upload := twoCodePNG(t, "SEL-AMBIG-FIRST-0123456789ABCD", "SEL-AMBIG-SECOND-123456789ABCD")
	_, err := f.registrar.Register(context.Background(), scanRequest(upload))
	if !errors.Is(err, ErrAmbiguousScan) {
		t.Fatalf("Register() error = %v, want ErrAmbiguousScan", err)
	}

	// Neither code may be validated or bound, and nothing gets archived.
	if err := f.mainMock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRegistrarRegister_AlreadyUsedCode(t *testing.T) {
	f := newRegistrarFixture(t)

	f.typeMock.ExpectQuery("SELECT.*FROM document_types.*WHERE id").
		WillReturnRows(registrarTypeRow(true))

	boundDoc := "doc-other"
	f.mainMock.ExpectQuery("SELECT.*FROM qr_codes").
		WillReturnRows(registrarQRRow("used", &boundDoc))
	f.mainMock.ExpectExec("UPDATE qr_codes").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mainMock.ExpectExec("INSERT INTO scan_events").
		WillReturnResult(sqlmock.NewResult(1, 1))

	_, err := f.registrar.Register(context.Background(), scanRequest(qrPNG(t)))
	if !errors.Is(err, lifecycle.ErrAlreadyUsed) {
		t.Fatalf("Register() error = %v, want ErrAlreadyUsed", err)
	}

	// No document row or archive object may exist for the losing intake.
	if err := f.mainMock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRegistrarRegister_RevokedCode(t *testing.T) {
	f := newRegistrarFixture(t)

	f.typeMock.ExpectQuery("SELECT.*FROM document_types.*WHERE id").
		WillReturnRows(registrarTypeRow(true))

	f.mainMock.ExpectQuery("SELECT.*FROM qr_codes").
		WillReturnRows(registrarQRRow("revoked", nil))
	f.mainMock.ExpectExec("UPDATE qr_codes").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mainMock.ExpectExec("INSERT INTO scan_events").
		WillReturnResult(sqlmock.NewResult(1, 1))

	_, err := f.registrar.Register(context.Background(), scanRequest(qrPNG(t)))
	if !errors.Is(err, lifecycle.ErrRevoked) {
		t.Fatalf("Register() error = %v, want ErrRevoked", err)
	}
}

func TestRegistrarRegister_UnknownCode(t *testing.T) {
	f := newRegistrarFixture(t)

	f.typeMock.ExpectQuery("SELECT.*FROM document_types.*WHERE id").
		WillReturnRows(registrarTypeRow(true))

	f.mainMock.ExpectQuery("SELECT.*FROM qr_codes").
		WillReturnRows(sqlmock.NewRows(registrarQRCols))
	f.mainMock.ExpectExec("INSERT INTO scan_events").
		WillReturnResult(sqlmock.NewResult(1, 1))

	_, err := f.registrar.Register(context.Background(), scanRequest(qrPNG(t)))
	if !errors.Is(err, lifecycle.ErrUnknownCode) {
		t.Fatalf("Register() error = %v, want ErrUnknownCode", err)
	}
}

func TestRegistrarRegister_BindRace_CompensatesDocument(t *testing.T) {
	f := newRegistrarFixture(t)

	f.typeMock.ExpectQuery("SELECT.*FROM document_types.*WHERE id").
		WillReturnRows(registrarTypeRow(true))

	// Validation sees the code active...
	f.mainMock.ExpectQuery("SELECT.*FROM qr_codes").
		WillReturnRows(registrarQRRow("active", nil))
	f.mainMock.ExpectExec("UPDATE qr_codes").
		WillReturnResult(sqlmock.NewResult(0, 1))

	f.mainMock.ExpectExec("INSERT INTO documents").
		WillReturnResult(sqlmock.NewResult(1, 1))
	// ...but a concurrent intake wins the CAS: zero rows affected.
	f.mainMock.ExpectExec("WITH target").
		WillReturnResult(sqlmock.NewResult(0, 0))
	// Losing bind path: attempt count, reload showing the row used elsewhere.
	f.mainMock.ExpectExec("UPDATE qr_codes").
		WillReturnResult(sqlmock.NewResult(0, 1))
	winner := "doc-winner"
	f.mainMock.ExpectQuery("SELECT.*FROM qr_codes").
		WillReturnRows(registrarQRRow("used", &winner))
	// Compensation: the unbound document row is deleted.
	f.mainMock.ExpectExec("DELETE FROM documents").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mainMock.ExpectExec("INSERT INTO scan_events").
		WillReturnResult(sqlmock.NewResult(1, 1))

	_, err := f.registrar.Register(context.Background(), scanRequest(qrPNG(t)))
	if !errors.Is(err, lifecycle.ErrAlreadyUsed) {
		t.Fatalf("Register() error = %v, want ErrAlreadyUsed", err)
	}

	if err := f.mainMock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Helpers under test
// ---------------------------------------------------------------------------

func TestDistinctPayloads(t *testing.T) {
	same := []scan.Candidate{
		{Payload: "SEL-ONE", Page: 1},
		{Payload: "SEL-ONE", Page: 2},
	}
	if got := distinctPayloads(same); got != 1 {
		t.Errorf("distinctPayloads(same code twice) = %d, want 1", got)
	}

	mixed := []scan.Candidate{
		{Payload: "SEL-ONE"},
		{Payload: "SEL-TWO"},
		{Payload: "SEL-ONE"},
	}
	if got := distinctPayloads(mixed); got != 2 {
		t.Errorf("distinctPayloads(two codes) = %d, want 2", got)
	}
}

func TestArchiveKey_DerivedFromDocument(t *testing.T) {
	doc := &models.Document{
		ID:             "doc-42",
		DocumentTypeID: "dt-1",
		ContentType:    "image/png",
	}

	key := archiveKey(doc, "scan.png")
	if key != "scans/dt-1/doc-42.png" {
		t.Errorf("archiveKey() = %q, want scans/dt-1/doc-42.png", key)
	}

	// The key is a pure function of the document, so a retried intake for the
	// same document overwrites its own archive object.
	if again := archiveKey(doc, "scan.png"); again != key {
		t.Errorf("archiveKey() not stable: %q then %q", key, again)
	}
}

func TestBestCandidate_PicksHighestConfidence(t *testing.T) {
	candidates := []scan.Candidate{
		{Payload: "SEL-LOW", Confidence: 0.55},
		{Payload: "SEL-HIGH", Confidence: 0.9},
		{Payload: "SEL-MID", Confidence: 0.7},
	}
	if got := bestCandidate(candidates).Payload; got != "SEL-HIGH" {
		t.Errorf("bestCandidate() = %q, want SEL-HIGH", got)
	}
}

func TestExtFor(t *testing.T) {
	tests := []struct {
		filename    string
		contentType string
		want        string
	}{
		{"scan.png", "image/png", ".png"},
		{"upload", "application/pdf", ".pdf"},
		{"upload", "image/jpeg", ".jpg"},
		{"noext", "image/tiff", ".tif"},
		{"noext", "application/zip", ""},
	}
	for _, tt := range tests {
		if got := extFor(tt.filename, tt.contentType); got != tt.want {
			t.Errorf("extFor(%q, %q) = %q, want %q", tt.filename, tt.contentType, got, tt.want)
		}
	}
}

func TestOutcomeForError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{lifecycle.ErrUnknownCode, "unknown_code"},
		{lifecycle.ErrAlreadyUsed, "already_used"},
		{lifecycle.ErrExpired, "expired"},
		{lifecycle.ErrRevoked, "revoked"},
		{lifecycle.ErrNotActive, "not_active"},
		{errors.New("boom"), "error"},
	}
	for _, tt := range tests {
		if got := outcomeForError(tt.err); got != tt.want {
			t.Errorf("outcomeForError(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
