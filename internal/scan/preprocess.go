package scan

import (
	"image"
	"image/draw"
	"math"

	"github.com/makiuchi-d/gozxing"
	xdraw "golang.org/x/image/draw"
)

// normalize converts the input to grayscale, stretches its contrast between
// the configured percentiles, and upscales rasters below the minimum decode
// side. Returns the prepared image and the scale factor applied relative to
// the input, so hit coordinates can be mapped back.
func (e *Extractor) normalize(src image.Image) (*image.Gray, float64) {
	gray := toGray(src)
	stretchContrast(gray, e.cfg.ContrastLow, e.cfg.ContrastHigh)

	scale := 1.0
	if w, h := gray.Bounds().Dx(), gray.Bounds().Dy(); w < minDecodeSide && h < minDecodeSide {
		scale = e.cfg.UpscaleFactor
		gray = upscale(gray, scale)
	}
	return gray, scale
}

// toGray re-draws src as an origin-anchored grayscale image.
func toGray(src image.Image) *image.Gray {
	b := src.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(gray, gray.Bounds(), src, b.Min, draw.Src)
	return gray
}

// stretchContrast linearly remaps luminance so the low percentile lands on
// black and the high percentile on white. Low-contrast scans (gray paper,
// weak toner) gain enough separation for binarization; images that already
// span the full range are left nearly untouched.
func stretchContrast(img *image.Gray, lowPct, highPct float64) {
	b := img.Bounds()
	total := b.Dx() * b.Dy()
	if total == 0 {
		return
	}

	var hist [256]int
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[(y-b.Min.Y)*img.Stride : (y-b.Min.Y)*img.Stride+b.Dx()]
		for _, v := range row {
			hist[v]++
		}
	}

	loCut := int(lowPct * float64(total))
	hiCut := int((1 - highPct) * float64(total))

	lo := 0
	for cum := 0; lo < 255; lo++ {
		cum += hist[lo]
		if cum > loCut {
			break
		}
	}
	hi := 255
	for cum := 0; hi > 0; hi-- {
		cum += hist[hi]
		if cum > hiCut {
			break
		}
	}
	if hi <= lo {
		return
	}

	factor := 255.0 / float64(hi-lo)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[(y-b.Min.Y)*img.Stride : (y-b.Min.Y)*img.Stride+b.Dx()]
		for i, v := range row {
			stretched := (float64(v) - float64(lo)) * factor
			switch {
			case stretched < 0:
				row[i] = 0
			case stretched > 255:
				row[i] = 255
			default:
				row[i] = uint8(stretched)
			}
		}
	}
}

// upscale resamples the image by factor using Catmull-Rom interpolation.
func upscale(src *image.Gray, factor float64) *image.Gray {
	w := int(float64(src.Bounds().Dx()) * factor)
	h := int(float64(src.Bounds().Dy()) * factor)
	dst := image.NewGray(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	return dst
}

// rotate90 returns the image turned a quarter turn clockwise.
func rotate90(src *image.Gray) *image.Gray {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewGray(image.Rect(0, 0, h, w))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst.SetGray(h-1-y, x, src.GrayAt(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}

// unrotatePoint maps a point seen after turns clockwise quarter turns back
// into the unrotated image's coordinates. w0 and h0 are the unrotated
// dimensions.
func unrotatePoint(x, y float64, turns, w0, h0 int) (float64, float64) {
	for k := turns; k >= 1; k-- {
		// The image fed into turn k had height h0 when k is odd (original
		// orientation) and w0 when k is even (dimensions swap each turn).
		preH := h0
		if k%2 == 0 {
			preH = w0
		}
		x, y = y, float64(preH-1)-x
	}
	return x, y
}

// boundingBox hulls the decoder's result points (the finder pattern centers,
// so an approximation of the symbol area, not its exact outline) and maps
// them back through the rotation and upscale into input coordinates.
func boundingBox(points []gozxing.ResultPoint, turns, w0, h0 int, scale float64) image.Rectangle {
	if len(points) == 0 {
		return image.Rectangle{}
	}

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range points {
		x, y := unrotatePoint(p.GetX(), p.GetY(), turns, w0, h0)
		x /= scale
		y /= scale
		minX = math.Min(minX, x)
		minY = math.Min(minY, y)
		maxX = math.Max(maxX, x)
		maxY = math.Max(maxY, y)
	}
	return image.Rect(int(minX), int(minY), int(maxX)+1, int(maxY)+1)
}
