package template

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/beevik/etree"
	"github.com/jmoiron/sqlx"

	"github.com/sello-registry/sello/internal/db/models"
	"github.com/sello-registry/sello/internal/db/repositories"
	"github.com/sello-registry/sello/internal/lifecycle"
	"github.com/sello-registry/sello/internal/qr"
	"github.com/sello-registry/sello/internal/scan"
)

const testCode = "SEL-BINDERTESTCODEAAAA"

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

var documentTypeCols = []string{
	"id", "code", "name", "requires_qr", "template_ref",
	"qr_table_index", "qr_row", "qr_column", "qr_width_cm", "qr_height_cm",
	"created_at", "updated_at",
}

func typeRow(table, row, col int) *sqlmock.Rows {
	return sqlmock.NewRows(documentTypeCols).AddRow(
		"dt-1", "GCO-REG-009", "Registro de nacimiento", true, "gco-reg-009.docx",
		table, row, col, 3.5, 3.5, time.Now(), time.Now(),
	)
}

var qrCols = []string{
	"id", "code", "document_type_id", "status", "generation_config", "bound_document_id",
	"generated_by", "created_at", "activated_at", "used_at", "expires_at", "revoked_at",
	"revoke_reason", "expiry_notified_at", "usage_attempts", "usage_log",
}

func qrRow(status models.Status, typeID string) *sqlmock.Rows {
	cfg := `{"render": {"size": 128, "recovery_level": "M", "margin": 8}}`
	return sqlmock.NewRows(qrCols).AddRow(
		"qr-1", testCode, typeID, string(status), cfg, nil,
		nil, time.Now(), nil, nil, nil, nil,
		nil, nil, 0, "[]",
	)
}

const (
	contentTypesXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">
<Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/>
<Default Extension="xml" ContentType="application/xml"/>
<Override PartName="/word/document.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/>
</Types>`

	packageRelsXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
<Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument" Target="word/document.xml"/>
</Relationships>`

	documentRelsXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
<Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/styles" Target="styles.xml"/>
</Relationships>`
)

// buildTemplate assembles a minimal DOCX: two placeholder paragraphs followed
// by a 6x2 table of empty cells, so placement table 1 / row 5 / column 0 is
// valid.
func buildTemplate(t *testing.T, extra map[string][]byte) []byte {
	t.Helper()

	var tbl strings.Builder
	tbl.WriteString(`<w:tbl><w:tblPr/><w:tblGrid/>`)
	for r := 0; r < 6; r++ {
		tbl.WriteString(`<w:tr>`)
		for c := 0; c < 2; c++ {
			tbl.WriteString(`<w:tc><w:tcPr/><w:p/></w:tc>`)
		}
		tbl.WriteString(`</w:tr>`)
	}
	tbl.WriteString(`</w:tbl>`)

	document := `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main" xmlns:wp="http://schemas.openxmlformats.org/drawingml/2006/wordprocessingDrawing" xmlns:r="http://schemas.openxmlformats.org/officeDocument/2006/relationships">
<w:body>
<w:p><w:r><w:t>Cedula: {cedula}</w:t></w:r></w:p>
<w:p><w:r><w:t>Registrador: {registrar_name}</w:t></w:r></w:p>
` + tbl.String() + `
</w:body>
</w:document>`

	parts := []struct {
		name    string
		content string
	}{
		{"[Content_Types].xml", contentTypesXML},
		{"_rels/.rels", packageRelsXML},
		{"word/document.xml", document},
		{"word/_rels/document.xml.rels", documentRelsXML},
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, p := range parts {
		w, err := zw.Create(p.name)
		if err != nil {
			t.Fatalf("build template: %v", err)
		}
		if _, err := w.Write([]byte(p.content)); err != nil {
			t.Fatalf("build template: %v", err)
		}
	}
	for name, data := range extra {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("build template: %v", err)
		}
		if _, err := w.Write(data); err != nil {
			t.Fatalf("build template: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("build template: %v", err)
	}
	return buf.Bytes()
}

type stubStore struct {
	templates map[string][]byte
}

func (s stubStore) Resolve(_ context.Context, ref string) ([]byte, error) {
	data, ok := s.templates[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, ref)
	}
	return data, nil
}

func newBinder(t *testing.T, store Store) (*Binder, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	manager := lifecycle.NewManager(repositories.NewQRCodeRepository(db), nil)
	types := repositories.NewDocumentTypeRepository(sqlx.NewDb(db, "sqlmock"))
	return NewBinder(store, manager, types), mock
}

func defaultStore(t *testing.T) stubStore {
	return stubStore{templates: map[string][]byte{
		"gco-reg-009.docx": buildTemplate(t, nil),
	}}
}

func openArchive(t *testing.T, data []byte) *zip.Reader {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("open rendered archive: %v", err)
	}
	return zr
}

func archiveFile(t *testing.T, zr *zip.Reader, name string) []byte {
	t.Helper()
	rc, err := zr.Open(name)
	if err != nil {
		t.Fatalf("rendered archive has no %s: %v", name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	return data
}

func parseXML(t *testing.T, data []byte) *etree.Document {
	t.Helper()
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		t.Fatalf("parse xml: %v", err)
	}
	return doc
}

// ---------------------------------------------------------------------------
// Bind
// ---------------------------------------------------------------------------

func TestBind_Success(t *testing.T) {
	b, mock := newBinder(t, defaultStore(t))

	mock.ExpectQuery("SELECT (.+) FROM document_types WHERE id").
		WithArgs("dt-1").
		WillReturnRows(typeRow(1, 5, 0))
	mock.ExpectQuery("SELECT (.+) FROM qr_codes WHERE code").
		WithArgs(testCode).
		WillReturnRows(qrRow(models.StatusGenerated, "dt-1"))
	mock.ExpectExec("UPDATE qr_codes SET status = 'active'").
		WithArgs(testCode, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT (.+) FROM qr_codes WHERE code").
		WithArgs(testCode).
		WillReturnRows(qrRow(models.StatusActive, "dt-1"))

	result, err := b.Bind(context.Background(), "dt-1", testCode,
		map[string]string{"cedula": "123456789"}, "svc:renderer")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(result.Warnings) != 1 || !strings.Contains(result.Warnings[0], "{registrar_name}") {
		t.Errorf("expected one warning about {registrar_name}, got %v", result.Warnings)
	}

	zr := openArchive(t, result.DocumentBytes)

	raster := archiveFile(t, zr, "word/media/qrcode.png")
	if !bytes.HasPrefix(raster, []byte("\x89PNG")) {
		t.Error("embedded media part is not a PNG")
	}

	// Round trip: the embedded raster must decode back to the same payload.
	candidates, err := scan.NewExtractor(scan.Config{}).Extract(context.Background(), raster, "image/png")
	if err != nil {
		t.Fatalf("decode embedded raster: %v", err)
	}
	if len(candidates) != 1 || candidates[0].Payload != testCode {
		t.Errorf("embedded raster decoded to %+v, want payload %q", candidates, testCode)
	}

	doc := parseXML(t, archiveFile(t, zr, "word/document.xml"))
	var text strings.Builder
	for _, el := range doc.FindElements("//w:t") {
		text.WriteString(el.Text())
	}
	if !strings.Contains(text.String(), "123456789") {
		t.Error("cedula value was not substituted")
	}
	if strings.Contains(text.String(), "{cedula}") {
		t.Error("cedula placeholder survived substitution")
	}
	if !strings.Contains(text.String(), "{registrar_name}") {
		t.Error("unresolved placeholder should remain in the document")
	}

	tables := doc.FindElements("//w:tbl")
	if len(tables) != 1 {
		t.Fatalf("expected 1 table, got %d", len(tables))
	}
	cell := tables[0].SelectElements("w:tr")[5].SelectElements("w:tc")[0]
	extent := cell.FindElement(".//wp:extent")
	if extent == nil {
		t.Fatal("target cell has no drawing extent")
	}
	if got := extent.SelectAttrValue("cx", ""); got != "1260000" {
		t.Errorf("extent cx = %s, want 1260000 (3.5cm)", got)
	}
	blip := cell.FindElement(".//a:blip")
	if blip == nil {
		t.Fatal("target cell has no image reference")
	}
	relID := blip.SelectAttrValue("r:embed", "")

	rels := parseXML(t, archiveFile(t, zr, "word/_rels/document.xml.rels"))
	var found bool
	for _, rel := range rels.Root().SelectElements("Relationship") {
		if rel.SelectAttrValue("Id", "") == relID {
			found = true
			if got := rel.SelectAttrValue("Target", ""); got != "media/qrcode.png" {
				t.Errorf("relationship target = %s, want media/qrcode.png", got)
			}
		}
	}
	if !found {
		t.Errorf("no relationship for %s", relID)
	}

	ct := parseXML(t, archiveFile(t, zr, "[Content_Types].xml"))
	var pngDefault bool
	for _, d := range ct.Root().SelectElements("Default") {
		if d.SelectAttrValue("Extension", "") == "png" {
			pngDefault = true
		}
	}
	if !pngDefault {
		t.Error("png content type default missing")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestBind_RerenderActiveCode(t *testing.T) {
	b, mock := newBinder(t, defaultStore(t))

	mock.ExpectQuery("SELECT (.+) FROM document_types WHERE id").
		WillReturnRows(typeRow(1, 5, 0))
	mock.ExpectQuery("SELECT (.+) FROM qr_codes WHERE code").
		WillReturnRows(qrRow(models.StatusActive, "dt-1"))
	mock.ExpectExec("UPDATE qr_codes SET status = 'active'").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM qr_codes WHERE code").
		WillReturnRows(qrRow(models.StatusActive, "dt-1"))

	result, err := b.Bind(context.Background(), "dt-1", testCode, nil, "svc:renderer")
	if err != nil {
		t.Fatalf("re-rendering an active code must succeed, got: %v", err)
	}
	if len(result.DocumentBytes) == 0 {
		t.Error("expected document bytes")
	}
}

func TestBind_UnknownDocumentType(t *testing.T) {
	b, mock := newBinder(t, defaultStore(t))

	mock.ExpectQuery("SELECT (.+) FROM document_types WHERE id").
		WillReturnRows(sqlmock.NewRows(documentTypeCols))

	_, err := b.Bind(context.Background(), "dt-missing", testCode, nil, "svc:renderer")
	if !errors.Is(err, qr.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestBind_TypeWithoutQR(t *testing.T) {
	b, mock := newBinder(t, defaultStore(t))

	mock.ExpectQuery("SELECT (.+) FROM document_types WHERE id").
		WillReturnRows(sqlmock.NewRows(documentTypeCols).AddRow(
			"dt-1", "GCO-REG-001", "Constancia simple", false, nil,
			0, 0, 0, 0.0, 0.0, time.Now(), time.Now(),
		))

	_, err := b.Bind(context.Background(), "dt-1", testCode, nil, "svc:renderer")
	if !errors.Is(err, qr.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestBind_TypeWithoutTemplate(t *testing.T) {
	b, mock := newBinder(t, defaultStore(t))

	mock.ExpectQuery("SELECT (.+) FROM document_types WHERE id").
		WillReturnRows(sqlmock.NewRows(documentTypeCols).AddRow(
			"dt-1", "GCO-REG-009", "Registro de nacimiento", true, nil,
			1, 5, 0, 3.5, 3.5, time.Now(), time.Now(),
		))

	_, err := b.Bind(context.Background(), "dt-1", testCode, nil, "svc:renderer")
	if !errors.Is(err, ErrTemplateNotFound) {
		t.Errorf("expected ErrTemplateNotFound, got %v", err)
	}
}

func TestBind_UnknownCode(t *testing.T) {
	b, mock := newBinder(t, defaultStore(t))

	mock.ExpectQuery("SELECT (.+) FROM document_types WHERE id").
		WillReturnRows(typeRow(1, 5, 0))
	mock.ExpectQuery("SELECT (.+) FROM qr_codes WHERE code").
		WillReturnRows(sqlmock.NewRows(qrCols))

	_, err := b.Bind(context.Background(), "dt-1", testCode, nil, "svc:renderer")
	if !errors.Is(err, lifecycle.ErrUnknownCode) {
		t.Errorf("expected ErrUnknownCode, got %v", err)
	}
}

func TestBind_CodeFromAnotherType(t *testing.T) {
	b, mock := newBinder(t, defaultStore(t))

	mock.ExpectQuery("SELECT (.+) FROM document_types WHERE id").
		WillReturnRows(typeRow(1, 5, 0))
	mock.ExpectQuery("SELECT (.+) FROM qr_codes WHERE code").
		WillReturnRows(qrRow(models.StatusGenerated, "dt-other"))

	_, err := b.Bind(context.Background(), "dt-1", testCode, nil, "svc:renderer")
	if !errors.Is(err, qr.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestBind_UsedCodeRefusedBeforeRender(t *testing.T) {
	b, mock := newBinder(t, defaultStore(t))

	mock.ExpectQuery("SELECT (.+) FROM document_types WHERE id").
		WillReturnRows(typeRow(1, 5, 0))
	mock.ExpectQuery("SELECT (.+) FROM qr_codes WHERE code").
		WillReturnRows(qrRow(models.StatusUsed, "dt-1"))

	_, err := b.Bind(context.Background(), "dt-1", testCode, nil, "svc:renderer")
	if !errors.Is(err, lifecycle.ErrAlreadyUsed) {
		t.Errorf("expected ErrAlreadyUsed, got %v", err)
	}
	// No activation attempt must have reached the database.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestBind_TemplateMissingFromStore(t *testing.T) {
	b, mock := newBinder(t, stubStore{templates: map[string][]byte{}})

	mock.ExpectQuery("SELECT (.+) FROM document_types WHERE id").
		WillReturnRows(typeRow(1, 5, 0))
	mock.ExpectQuery("SELECT (.+) FROM qr_codes WHERE code").
		WillReturnRows(qrRow(models.StatusGenerated, "dt-1"))

	_, err := b.Bind(context.Background(), "dt-1", testCode, nil, "svc:renderer")
	if !errors.Is(err, ErrTemplateNotFound) {
		t.Errorf("expected ErrTemplateNotFound, got %v", err)
	}
}

func TestBind_PositionOutOfRange(t *testing.T) {
	tests := []struct {
		name  string
		table int
		row   int
		col   int
	}{
		{"table beyond template", 3, 5, 0},
		{"row beyond table", 1, 12, 0},
		{"column beyond row", 1, 5, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, mock := newBinder(t, defaultStore(t))

			mock.ExpectQuery("SELECT (.+) FROM document_types WHERE id").
				WillReturnRows(typeRow(tt.table, tt.row, tt.col))
			mock.ExpectQuery("SELECT (.+) FROM qr_codes WHERE code").
				WillReturnRows(qrRow(models.StatusGenerated, "dt-1"))

			_, err := b.Bind(context.Background(), "dt-1", testCode, nil, "svc:renderer")
			if !errors.Is(err, ErrPositionOutOfRange) {
				t.Errorf("expected ErrPositionOutOfRange, got %v", err)
			}
		})
	}
}

func TestBind_ActivationConflict(t *testing.T) {
	b, mock := newBinder(t, defaultStore(t))

	mock.ExpectQuery("SELECT (.+) FROM document_types WHERE id").
		WillReturnRows(typeRow(1, 5, 0))
	mock.ExpectQuery("SELECT (.+) FROM qr_codes WHERE code").
		WillReturnRows(qrRow(models.StatusGenerated, "dt-1"))
	mock.ExpectExec("UPDATE qr_codes SET status = 'active'").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM qr_codes WHERE code").
		WillReturnRows(qrRow(models.StatusRevoked, "dt-1"))

	result, err := b.Bind(context.Background(), "dt-1", testCode, nil, "svc:renderer")
	if !errors.Is(err, lifecycle.ErrRevoked) {
		t.Errorf("expected ErrRevoked, got %v", err)
	}
	if result != nil {
		t.Error("no document bytes may leave with an inactive code")
	}
}

// ---------------------------------------------------------------------------
// embedQR
// ---------------------------------------------------------------------------

func TestEmbedQR_MediaNameCollision(t *testing.T) {
	archive := buildTemplate(t, map[string][]byte{
		"word/media/qrcode.png": []byte("existing"),
	})

	out, _, err := embedQR(archive, []byte("raster"), placement{table: 1, row: 5, col: 0, width: 3.5, height: 3.5}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	zr := openArchive(t, out)
	if got := archiveFile(t, zr, "word/media/qrcode.png"); string(got) != "existing" {
		t.Error("existing media part was overwritten")
	}
	if got := archiveFile(t, zr, "word/media/qrcode1.png"); string(got) != "raster" {
		t.Error("new media part missing or wrong")
	}

	rels := parseXML(t, archiveFile(t, zr, "word/_rels/document.xml.rels"))
	var target string
	for _, rel := range rels.Root().SelectElements("Relationship") {
		if rel.SelectAttrValue("Type", "") == relTypeImage {
			target = rel.SelectAttrValue("Target", "")
		}
	}
	if target != "media/qrcode1.png" {
		t.Errorf("image relationship target = %s, want media/qrcode1.png", target)
	}
}

func TestEmbedQR_CorruptArchive(t *testing.T) {
	_, _, err := embedQR([]byte("not a zip"), []byte("raster"), placement{table: 1}, nil)
	if err == nil {
		t.Fatal("expected an error for a corrupt archive")
	}
}

func TestEmbedQR_PreservesUnrelatedParts(t *testing.T) {
	archive := buildTemplate(t, map[string][]byte{
		"word/styles.xml": []byte("<w:styles/>"),
	})

	out, _, err := embedQR(archive, []byte("raster"), placement{table: 1, row: 0, col: 0, width: 1, height: 1}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	zr := openArchive(t, out)
	if got := archiveFile(t, zr, "word/styles.xml"); string(got) != "<w:styles/>" {
		t.Error("unrelated archive part was modified")
	}
	// Entry order survives the rewrite; Word requires the content types part
	// at the front.
	if zr.File[0].Name != "[Content_Types].xml" {
		t.Errorf("first entry = %s, want [Content_Types].xml", zr.File[0].Name)
	}
}

func TestSubstitutePlaceholdersDedupesWarnings(t *testing.T) {
	doc := etree.NewDocument()
	xml := `<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
<w:body>
<w:p><w:r><w:t>{missing} and {missing} again</w:t></w:r></w:p>
<w:p><w:r><w:t>{present}</w:t></w:r></w:p>
</w:body>
</w:document>`
	if err := doc.ReadFromString(xml); err != nil {
		t.Fatalf("parse: %v", err)
	}

	warnings := substitutePlaceholders(doc, map[string]string{"present": "ok"})
	if len(warnings) != 1 {
		t.Fatalf("expected 1 warning, got %d: %v", len(warnings), warnings)
	}
	if !strings.Contains(warnings[0], "{missing}") {
		t.Errorf("warning should name the placeholder, got %q", warnings[0])
	}
}
