// render.go turns a code payload and its render config into PNG bytes. The
// output is a pure function of (payload, config): the encoder's mask selection
// is deterministic and the composition below adds nothing time- or
// randomness-dependent, so a re-render from the stored generation_config is
// byte-identical to the original. The template binder relies on this to embed
// rasters without persisting them.
package qr

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"strconv"
	"strings"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/sello-registry/sello/internal/db/models"
)

const (
	// MinSize and MaxSize bound the symbol side in pixels.
	MinSize = 64
	MaxSize = 4096

	// DefaultSize is the symbol side used when the config leaves it zero.
	DefaultSize = 256

	// DefaultRecoveryLevel balances density against print damage tolerance.
	DefaultRecoveryLevel = "M"

	// DefaultMargin is the quiet zone in pixels added around the symbol when
	// the config leaves it zero. Decoders need some quiet zone; rendering
	// with none is not supported.
	DefaultMargin = 16

	// MaxMargin bounds the quiet zone so a bad config cannot produce a
	// mostly-empty raster.
	MaxMargin = 256

	defaultForeground = "#000000"
	defaultBackground = "#FFFFFF"
)

// NormalizeRenderConfig fills in defaults and validates bounds. The returned
// config is what gets snapshotted into generation_config, so re-renders see
// the same effective values the original render used.
func NormalizeRenderConfig(cfg models.RenderConfig) (models.RenderConfig, error) {
	if cfg.Size == 0 {
		cfg.Size = DefaultSize
	}
	if cfg.Size < MinSize || cfg.Size > MaxSize {
		return cfg, fmt.Errorf("%w: size %d outside [%d, %d]", ErrInvalidConfig, cfg.Size, MinSize, MaxSize)
	}

	if cfg.RecoveryLevel == "" {
		cfg.RecoveryLevel = DefaultRecoveryLevel
	}
	cfg.RecoveryLevel = strings.ToUpper(cfg.RecoveryLevel)
	if _, err := recoveryLevel(cfg.RecoveryLevel); err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if cfg.Margin == 0 {
		cfg.Margin = DefaultMargin
	}
	if cfg.Margin < 0 || cfg.Margin > MaxMargin {
		return cfg, fmt.Errorf("%w: margin %d outside [0, %d]", ErrInvalidConfig, cfg.Margin, MaxMargin)
	}

	if cfg.Foreground == "" {
		cfg.Foreground = defaultForeground
	}
	if cfg.Background == "" {
		cfg.Background = defaultBackground
	}
	if _, err := parseHexColor(cfg.Foreground); err != nil {
		return cfg, fmt.Errorf("%w: foreground %v", ErrInvalidConfig, err)
	}
	if _, err := parseHexColor(cfg.Background); err != nil {
		return cfg, fmt.Errorf("%w: background %v", ErrInvalidConfig, err)
	}

	return cfg, nil
}

// Render encodes the payload as a QR symbol and returns PNG bytes, sized
// cfg.Size plus cfg.Margin of quiet zone on each side.
func Render(payload string, cfg models.RenderConfig) ([]byte, error) {
	norm, err := NormalizeRenderConfig(cfg)
	if err != nil {
		return nil, err
	}

	level, _ := recoveryLevel(norm.RecoveryLevel)
	fg, _ := parseHexColor(norm.Foreground)
	bg, _ := parseHexColor(norm.Background)

	q, err := qrcode.New(payload, level)
	if err != nil {
		return nil, fmt.Errorf("encode qr payload: %w", err)
	}
	q.DisableBorder = true
	q.ForegroundColor = fg
	q.BackgroundColor = bg

	// The encoder grows the image beyond the requested size only if the
	// symbol has more modules than pixels; with MinSize 64 that never happens
	// for our payload lengths, but sizing the canvas from the actual bounds
	// keeps the composition correct regardless.
	symbol := q.Image(norm.Size)
	side := symbol.Bounds().Dx() + 2*norm.Margin

	canvas := image.NewRGBA(image.Rect(0, 0, side, side))
	draw.Draw(canvas, canvas.Bounds(), &image.Uniform{C: bg}, image.Point{}, draw.Src)
	draw.Draw(canvas,
		symbol.Bounds().Sub(symbol.Bounds().Min).Add(image.Pt(norm.Margin, norm.Margin)),
		symbol, symbol.Bounds().Min, draw.Src)

	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// recoveryLevel maps the stored single-letter level to the encoder's enum.
// The encoder's names shift by one step: standard level Q is its High and
// standard H is its Highest.
func recoveryLevel(s string) (qrcode.RecoveryLevel, error) {
	switch strings.ToUpper(s) {
	case "L":
		return qrcode.Low, nil
	case "M":
		return qrcode.Medium, nil
	case "Q":
		return qrcode.High, nil
	case "H":
		return qrcode.Highest, nil
	}
	return 0, fmt.Errorf("unknown recovery level %q", s)
}

// parseHexColor parses an RRGGBB hex color, leading # optional.
func parseHexColor(s string) (color.RGBA, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(trimmed) != 6 {
		return color.RGBA{}, fmt.Errorf("color %q: want 6 hex digits", s)
	}
	v, err := strconv.ParseUint(trimmed, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("color %q: not valid hex", s)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xFF}, nil
}
