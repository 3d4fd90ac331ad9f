// docx.go rewrites the DOCX container: a zip archive whose word/document.xml
// holds the WordprocessingML body. Embedding a raster means touching three
// parts in one pass: the document body gets a w:drawing in the target table
// cell, the relationship part maps a new rId to the media file, and
// [Content_Types].xml declares the png extension. Everything else in the
// archive is copied through untouched.
package template

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/beevik/etree"
)

// ErrPositionOutOfRange is returned when the configured table, row, or column
// does not exist in the template. This is a configuration or template defect
// and always fatal; rendering a document with the code in the wrong place
// would produce an unverifiable artifact.
var ErrPositionOutOfRange = errors.New("qr position out of range")

const (
	docPath = "word/document.xml"
	relPath = "word/_rels/document.xml.rels"
	ctPath  = "[Content_Types].xml"

	nsRelationships = "http://schemas.openxmlformats.org/package/2006/relationships"
	relTypeImage    = "http://schemas.openxmlformats.org/officeDocument/2006/relationships/image"
	nsDrawingWP     = "http://schemas.openxmlformats.org/drawingml/2006/wordprocessingDrawing"
	nsDocRelations  = "http://schemas.openxmlformats.org/officeDocument/2006/relationships"

	emuPerCm = 360000
)

// placement addresses the template cell that receives the code. The table
// index is 1-based (form designers count tables from one); row and column are
// 0-based. Width and height are the print size in centimeters.
type placement struct {
	table  int
	row    int
	col    int
	width  float64
	height float64
}

var placeholderPattern = regexp.MustCompile(`\{([^{}\s]+)\}`)

// embedQR returns a copy of the archive with the raster inserted at the
// placement cell and {field} placeholders substituted. Unresolved placeholders
// come back as warnings; they never fail the render.
func embedQR(archive, raster []byte, pl placement, fields map[string]string) ([]byte, []string, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, nil, fmt.Errorf("open template archive: %w", err)
	}

	docXML, err := readArchiveFile(zr, docPath)
	if err != nil {
		return nil, nil, fmt.Errorf("template has no %s: %w", docPath, err)
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(docXML); err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", docPath, err)
	}

	warnings := substitutePlaceholders(doc, fields)

	rels, err := loadRelationships(zr)
	if err != nil {
		return nil, nil, err
	}
	mediaName := freeMediaName(zr)
	relID := addImageRelationship(rels, "media/"+path.Base(mediaName))

	if err := insertDrawing(doc, pl, relID); err != nil {
		return nil, nil, err
	}

	ct, err := loadContentTypes(zr)
	if err != nil {
		return nil, nil, err
	}
	ensurePNGDefault(ct)

	files := map[string][]byte{mediaName: raster}
	for name, d := range map[string]*etree.Document{docPath: doc, relPath: rels, ctPath: ct} {
		serialized, err := d.WriteToBytes()
		if err != nil {
			return nil, nil, fmt.Errorf("serialize %s: %w", name, err)
		}
		files[name] = serialized
	}

	out, err := writeArchive(zr, files)
	if err != nil {
		return nil, nil, err
	}
	return out, warnings, nil
}

// substitutePlaceholders replaces {field} tokens across every w:t node.
// Placeholders with no matching field are left in place and reported once
// each, in document order.
func substitutePlaceholders(doc *etree.Document, fields map[string]string) []string {
	var warnings []string
	seen := make(map[string]bool)

	for _, t := range doc.FindElements("//w:t") {
		text := t.Text()
		if !strings.Contains(text, "{") {
			continue
		}
		replaced := placeholderPattern.ReplaceAllStringFunc(text, func(m string) string {
			name := m[1 : len(m)-1]
			if v, ok := fields[name]; ok {
				return v
			}
			if !seen[name] {
				seen[name] = true
				warnings = append(warnings, fmt.Sprintf("unresolved placeholder {%s}", name))
			}
			return m
		})
		if replaced != text {
			t.SetText(replaced)
		}
	}
	return warnings
}

// drawingXML is the wp:inline picture Word itself produces, reduced to the
// parts every consumer requires. Arguments: extent cx, cy, docPr id, picture
// id, relationship id, transform cx, cy.
const drawingXML = `<w:r>
  <w:drawing>
    <wp:inline distT="0" distB="0" distL="0" distR="0">
      <wp:extent cx="%d" cy="%d"/>
      <wp:effectExtent l="0" t="0" r="0" b="0"/>
      <wp:docPr id="%d" name="QR Code"/>
      <a:graphic xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main">
        <a:graphicData uri="http://schemas.openxmlformats.org/drawingml/2006/picture">
          <pic:pic xmlns:pic="http://schemas.openxmlformats.org/drawingml/2006/picture">
            <pic:nvPicPr>
              <pic:cNvPr id="%d" name="QR Code"/>
              <pic:cNvPicPr/>
            </pic:nvPicPr>
            <pic:blipFill>
              <a:blip r:embed="%s"/>
              <a:stretch><a:fillRect/></a:stretch>
            </pic:blipFill>
            <pic:spPr>
              <a:xfrm><a:off x="0" y="0"/><a:ext cx="%d" cy="%d"/></a:xfrm>
              <a:prstGeom prst="rect"><a:avLst/></a:prstGeom>
            </pic:spPr>
          </pic:pic>
        </a:graphicData>
      </a:graphic>
    </wp:inline>
  </w:drawing>
</w:r>`

// insertDrawing places the picture run into the first paragraph of the target
// cell. Tables are counted in document order including nested ones, matching
// how the placement coordinates are authored against the template.
func insertDrawing(doc *etree.Document, pl placement, relID string) error {
	tables := doc.FindElements("//w:tbl")
	if pl.table < 1 || pl.table > len(tables) {
		return fmt.Errorf("%w: template has %d table(s), placement wants table %d",
			ErrPositionOutOfRange, len(tables), pl.table)
	}
	tbl := tables[pl.table-1]

	rows := tbl.SelectElements("w:tr")
	if pl.row < 0 || pl.row >= len(rows) {
		return fmt.Errorf("%w: table %d has %d row(s), placement wants row %d",
			ErrPositionOutOfRange, pl.table, len(rows), pl.row)
	}

	cells := rows[pl.row].SelectElements("w:tc")
	if pl.col < 0 || pl.col >= len(cells) {
		return fmt.Errorf("%w: table %d row %d has %d cell(s), placement wants column %d",
			ErrPositionOutOfRange, pl.table, pl.row, len(cells), pl.col)
	}
	cell := cells[pl.col]

	para := cell.SelectElement("w:p")
	if para == nil {
		para = cell.CreateElement("w:p")
	}

	ensureRootNamespaces(doc)

	cx := int64(math.Round(pl.width * emuPerCm))
	cy := int64(math.Round(pl.height * emuPerCm))
	docPrID := len(doc.FindElements("//wp:docPr")) + 1001

	frag := etree.NewDocument()
	snippet := fmt.Sprintf(drawingXML, cx, cy, docPrID, docPrID, relID, cx, cy)
	if err := frag.ReadFromString(snippet); err != nil {
		return fmt.Errorf("build drawing fragment: %w", err)
	}
	para.AddChild(frag.Root())
	return nil
}

// ensureRootNamespaces declares the drawing and relationship prefixes on the
// document root when the template does not already. Word templates always do;
// hand-built ones may not.
func ensureRootNamespaces(doc *etree.Document) {
	root := doc.Root()
	if root == nil {
		return
	}
	if root.SelectAttr("xmlns:wp") == nil {
		root.CreateAttr("xmlns:wp", nsDrawingWP)
	}
	if root.SelectAttr("xmlns:r") == nil {
		root.CreateAttr("xmlns:r", nsDocRelations)
	}
}

func loadRelationships(zr *zip.Reader) (*etree.Document, error) {
	data, err := readArchiveFile(zr, relPath)
	if errors.Is(err, fs.ErrNotExist) {
		doc := etree.NewDocument()
		doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8" standalone="yes"`)
		rels := doc.CreateElement("Relationships")
		rels.CreateAttr("xmlns", nsRelationships)
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", relPath, err)
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("parse %s: %w", relPath, err)
	}
	return doc, nil
}

// addImageRelationship appends an image relationship with the next free rId
// and returns that id.
func addImageRelationship(rels *etree.Document, target string) string {
	root := rels.Root()
	max := 0
	for _, rel := range root.SelectElements("Relationship") {
		var n int
		if _, err := fmt.Sscanf(rel.SelectAttrValue("Id", ""), "rId%d", &n); err == nil && n > max {
			max = n
		}
	}

	id := fmt.Sprintf("rId%d", max+1)
	rel := root.CreateElement("Relationship")
	rel.CreateAttr("Id", id)
	rel.CreateAttr("Type", relTypeImage)
	rel.CreateAttr("Target", target)
	return id
}

func loadContentTypes(zr *zip.Reader) (*etree.Document, error) {
	data, err := readArchiveFile(zr, ctPath)
	if err != nil {
		return nil, fmt.Errorf("template has no %s: %w", ctPath, err)
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ctPath, err)
	}
	return doc, nil
}

func ensurePNGDefault(ct *etree.Document) {
	root := ct.Root()
	for _, d := range root.SelectElements("Default") {
		if strings.EqualFold(d.SelectAttrValue("Extension", ""), "png") {
			return
		}
	}
	d := root.CreateElement("Default")
	d.CreateAttr("Extension", "png")
	d.CreateAttr("ContentType", "image/png")
}

// freeMediaName picks a media part name that does not collide with anything
// already in the archive.
func freeMediaName(zr *zip.Reader) string {
	taken := make(map[string]bool, len(zr.File))
	for _, f := range zr.File {
		taken[f.Name] = true
	}
	name := "word/media/qrcode.png"
	for i := 1; taken[name]; i++ {
		name = fmt.Sprintf("word/media/qrcode%d.png", i)
	}
	return name
}

func readArchiveFile(zr *zip.Reader, name string) ([]byte, error) {
	rc, err := zr.Open(name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// writeArchive copies the template archive, replacing entries present in
// files and appending the rest of files as new entries. Entry order is
// preserved so [Content_Types].xml stays first.
func writeArchive(zr *zip.Reader, files map[string][]byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	written := make(map[string]bool, len(zr.File))
	for _, f := range zr.File {
		w, err := zw.Create(f.Name)
		if err != nil {
			return nil, fmt.Errorf("write %s: %w", f.Name, err)
		}
		if data, ok := files[f.Name]; ok {
			if _, err := w.Write(data); err != nil {
				return nil, fmt.Errorf("write %s: %w", f.Name, err)
			}
			written[f.Name] = true
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("copy %s: %w", f.Name, err)
		}
		if _, err := io.Copy(w, rc); err != nil {
			rc.Close()
			return nil, fmt.Errorf("copy %s: %w", f.Name, err)
		}
		rc.Close()
	}

	added := make([]string, 0, len(files))
	for name := range files {
		if !written[name] {
			added = append(added, name)
		}
	}
	sort.Strings(added)
	for _, name := range added {
		w, err := zw.Create(name)
		if err != nil {
			return nil, fmt.Errorf("write %s: %w", name, err)
		}
		if _, err := w.Write(files[name]); err != nil {
			return nil, fmt.Errorf("write %s: %w", name, err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalize archive: %w", err)
	}
	return buf.Bytes(), nil
}
