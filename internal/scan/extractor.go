// Package scan locates and decodes QR symbols inside uploaded document
// rasters and PDFs. Inputs are normalized (grayscale, contrast stretch,
// upscale of small rasters) before decoding, and undecoded images are retried
// through quarter-turn rotations at reduced confidence. A result with no
// candidates is the normal outcome for documents without a code; ErrDecode is
// reserved for inputs that could not be processed at all.
package scan

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/makiuchi-d/gozxing"
	zxmulti "github.com/makiuchi-d/gozxing/multi/qrcode"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"golang.org/x/sync/errgroup"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

// ErrDecode marks input that could not be processed: corrupt or unsupported
// files, or a decode that ran out of time. A readable file that simply
// contains no QR symbol is not an error.
var ErrDecode = fmt.Errorf("input could not be decoded")

const (
	DefaultUpscaleFactor  = 2.0
	DefaultMaxRotations   = 3
	DefaultContrastLow    = 0.01
	DefaultContrastHigh   = 0.99
	DefaultMaxPageWorkers = 4

	// Rasters whose sides are both below this are upscaled before decoding.
	minDecodeSide = 640

	// Confidence lost per quarter turn needed to find the symbol.
	rotationPenalty = 0.15
)

// Candidate is one decoded QR symbol. Box and Page let callers disambiguate
// when a document carries several codes; Confidence reflects how much
// preprocessing was needed before the symbol decoded.
type Candidate struct {
	Payload    string          `json:"payload"`
	Box        image.Rectangle `json:"boundingBox"`
	Confidence float64         `json:"confidence"`
	Page       int             `json:"page"`
}

// Config tunes the extraction pipeline. Zero values select defaults.
type Config struct {
	UpscaleFactor  float64
	MaxRotations   int
	ContrastLow    float64
	ContrastHigh   float64
	MaxPageWorkers int
}

// Extractor decodes QR symbols from images and PDFs. Safe for concurrent use.
type Extractor struct {
	cfg     Config
	pdfConf *model.Configuration
}

func NewExtractor(cfg Config) *Extractor {
	if cfg.UpscaleFactor <= 1 {
		cfg.UpscaleFactor = DefaultUpscaleFactor
	}
	if cfg.MaxRotations <= 0 || cfg.MaxRotations > 3 {
		cfg.MaxRotations = DefaultMaxRotations
	}
	if cfg.ContrastLow <= 0 {
		cfg.ContrastLow = DefaultContrastLow
	}
	if cfg.ContrastHigh <= 0 || cfg.ContrastHigh >= 1 {
		cfg.ContrastHigh = DefaultContrastHigh
	}
	if cfg.MaxPageWorkers <= 0 {
		cfg.MaxPageWorkers = DefaultMaxPageWorkers
	}

	// Keep pdfcpu from reading or writing a user-level config directory.
	api.DisableConfigDir()

	return &Extractor{
		cfg:     cfg,
		pdfConf: model.NewDefaultConfiguration(),
	}
}

// Extract decodes every QR symbol found in data. The returned slice holds one
// candidate per distinct payload, highest confidence kept, ordered by page and
// payload. An empty slice with a nil error means the document carries no
// readable code.
func (e *Extractor) Extract(ctx context.Context, data []byte, mimeType string) ([]Candidate, error) {
	switch normalizeMIME(mimeType) {
	case "application/pdf":
		return e.extractPDF(ctx, data)
	default:
		// Everything else goes through the registered image decoders, which
		// sniff the format themselves; an unsupported container fails there.
		return e.extractImage(ctx, data)
	}
}

func (e *Extractor) extractImage(ctx context.Context, data []byte) ([]Candidate, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	hits, err := e.decodeImage(ctx, img, 1)
	if err != nil {
		return nil, err
	}
	return dedupe(hits), nil
}

func (e *Extractor) extractPDF(ctx context.Context, data []byte) ([]Candidate, error) {
	pageImages, err := api.ExtractImagesRaw(bytes.NewReader(data), nil, e.pdfConf)
	if err != nil {
		return nil, fmt.Errorf("%w: extract pdf images: %v", ErrDecode, err)
	}

	type pageImage struct {
		page int
		img  image.Image
	}
	var pages []pageImage
	for _, byObj := range pageImages {
		for _, pdfImg := range byObj {
			raw, err := io.ReadAll(pdfImg)
			if err != nil {
				slog.Debug("skipping unreadable embedded image",
					"page", pdfImg.PageNr, "object", pdfImg.ObjNr, "error", err)
				continue
			}
			decoded, _, err := image.Decode(bytes.NewReader(raw))
			if err != nil {
				// Exotic encodings (JBIG2, JPX) have no registered decoder.
				slog.Debug("skipping undecodable embedded image",
					"page", pdfImg.PageNr, "type", pdfImg.FileType, "error", err)
				continue
			}
			pages = append(pages, pageImage{page: pdfImg.PageNr, img: decoded})
		}
	}

	var (
		mu  sync.Mutex
		all []Candidate
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxPageWorkers)
	for _, pi := range pages {
		g.Go(func() error {
			hits, err := e.decodeImage(ctx, pi.img, pi.page)
			if err != nil {
				return err
			}
			mu.Lock()
			all = append(all, hits...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return dedupe(all), nil
}

// decodeImage runs the decode passes over a single raster: once in the given
// orientation, then through up to MaxRotations quarter turns. The first
// orientation that yields symbols wins; later turns are only tried when
// nothing decoded, so a rotated scan costs confidence but an upright one
// never pays for the retries.
func (e *Extractor) decodeImage(ctx context.Context, img image.Image, page int) ([]Candidate, error) {
	prepared, scale := e.normalize(img)
	w0, h0 := prepared.Bounds().Dx(), prepared.Bounds().Dy()

	for turn := 0; turn <= e.cfg.MaxRotations; turn++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		if turn > 0 {
			prepared = rotate90(prepared)
		}

		hits := decodeAll(prepared)
		if len(hits) == 0 {
			continue
		}

		confidence := 1.0 - rotationPenalty*float64(turn)
		candidates := make([]Candidate, 0, len(hits))
		for _, hit := range hits {
			candidates = append(candidates, Candidate{
				Payload:    hit.GetText(),
				Box:        boundingBox(hit.GetResultPoints(), turn, w0, h0, scale),
				Confidence: confidence,
				Page:       page,
			})
		}
		return candidates, nil
	}
	return nil, nil
}

// decodeAll finds every QR symbol in one orientation. Decoder errors mean "no
// symbol here", not failure; the caller decides whether to rotate and retry.
func decodeAll(img image.Image) []*gozxing.Result {
	src := gozxing.NewLuminanceSourceFromImage(img)
	bmp, err := gozxing.NewBinaryBitmap(gozxing.NewHybridBinarizer(src))
	if err != nil {
		return nil
	}

	hints := map[gozxing.DecodeHintType]interface{}{
		gozxing.DecodeHintType_TRY_HARDER: true,
	}
	reader := zxmulti.NewQRCodeMultiReader()
	results, err := reader.DecodeMultiple(bmp, hints)
	if err != nil {
		return nil
	}
	return results
}

// dedupe keeps one candidate per payload, preferring the highest confidence,
// and orders the result by page then payload so concurrent page decodes stay
// deterministic.
func dedupe(candidates []Candidate) []Candidate {
	byPayload := make(map[string]int, len(candidates))
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if i, ok := byPayload[c.Payload]; ok {
			if c.Confidence > out[i].Confidence {
				out[i] = c
			}
			continue
		}
		byPayload[c.Payload] = len(out)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Page != out[j].Page {
			return out[i].Page < out[j].Page
		}
		return out[i].Payload < out[j].Payload
	})
	return out
}

func normalizeMIME(mimeType string) string {
	mimeType, _, _ = strings.Cut(mimeType, ";")
	return strings.ToLower(strings.TrimSpace(mimeType))
}
