// upload.go validates scan uploads before any data is persisted: a size cap
// and a magic-byte sniff that must agree with the declared content type, so a
// renamed executable never reaches the archive or the decoder.
package validation

import (
	"bytes"
	"fmt"
	"strings"
)

const (
	// MaxUploadSize caps scan uploads (25MB). Scanner output for a multi-page
	// document stays well below this.
	MaxUploadSize = 25 * 1024 * 1024
)

var uploadSignatures = []struct {
	prefix []byte
	mime   string
}{
	{[]byte("%PDF-"), "application/pdf"},
	{[]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, "image/png"},
	{[]byte{0xFF, 0xD8, 0xFF}, "image/jpeg"},
	{[]byte("GIF87a"), "image/gif"},
	{[]byte("GIF89a"), "image/gif"},
	{[]byte("II*\x00"), "image/tiff"},
	{[]byte("MM\x00*"), "image/tiff"},
	{[]byte("BM"), "image/bmp"},
}

// ValidateUpload checks a scan file against the size cap and verifies that
// the declared content type matches what the bytes actually are. maxSize <= 0
// selects MaxUploadSize.
func ValidateUpload(data []byte, declaredType string, maxSize int64) error {
	if maxSize <= 0 {
		maxSize = MaxUploadSize
	}

	if len(data) == 0 {
		return fmt.Errorf("upload is empty")
	}
	if int64(len(data)) > maxSize {
		return fmt.Errorf("upload exceeds maximum allowed size of %d bytes", maxSize)
	}

	declared := normalizeContentType(declaredType)
	sniffed := SniffContentType(data)
	if sniffed == "" {
		return fmt.Errorf("unsupported file format")
	}
	if declared != sniffed {
		return fmt.Errorf("declared content type %s does not match file content (%s)", declared, sniffed)
	}
	return nil
}

// SniffContentType returns the content type the upload's magic bytes identify,
// or "" when the format is not one the engine accepts.
func SniffContentType(data []byte) string {
	for _, sig := range uploadSignatures {
		if bytes.HasPrefix(data, sig.prefix) {
			return sig.mime
		}
	}
	return ""
}

func normalizeContentType(ct string) string {
	ct, _, _ = strings.Cut(ct, ";")
	ct = strings.ToLower(strings.TrimSpace(ct))
	if ct == "image/jpg" {
		return "image/jpeg"
	}
	return ct
}
