// Package captcha locates the gap in a slider CAPTCHA background.
//
// The portal renders the cut-out as pure white on a darker picture, so the
// answer is the first column holding a bright pixel after binarization.
package captcha

import (
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math"
	"os"

	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	// DefaultThreshold is the brightness at or above which a pixel is bright.
	DefaultThreshold uint8 = 255
	// NotFound is returned when the image holds no bright pixel or cannot be read.
	NotFound = math.MaxInt32
)

// Solver computes gap indexes. The zero value is not usable; call New.
type Solver struct {
	threshold uint8
	logger    *zap.Logger
}

// Option configures a Solver.
type Option func(*Solver)

// WithThreshold overrides DefaultThreshold.
func WithThreshold(t uint8) Option {
	return func(s *Solver) { s.threshold = t }
}

// New returns a Solver.
func New(logger *zap.Logger, opts ...Option) *Solver {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Solver{threshold: DefaultThreshold, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Solve returns minColumn+1 of the bright pixels in img, or NotFound.
func (s *Solver) Solve(img image.Image) int {
	gray := Grayscale(img)
	b := gray.Bounds()
	for x := b.Min.X; x < b.Max.X; x++ {
		for y := b.Min.Y; y < b.Max.Y; y++ {
			if gray.GrayAt(x, y).Y >= s.threshold {
				return x - b.Min.X + 1
			}
		}
	}
	return NotFound
}

// SolveReader decodes r and solves it.
func (s *Solver) SolveReader(r io.Reader) (int, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return NotFound, fmt.Errorf("decode captcha image: %w", err)
	}
	gap := s.Solve(img)
	s.logger.Debug("Captcha solved",
		zap.String("format", format),
		zap.Int("width", img.Bounds().Dx()),
		zap.Int("height", img.Bounds().Dy()),
		zap.Int("gap", gap),
	)
	return gap, nil
}

// SolveFile solves the image stored at path. A missing or undecodable file
// yields NotFound.
func (s *Solver) SolveFile(path string) int {
	f, err := os.Open(path)
	if err != nil {
		s.logger.Warn("Captcha image unavailable", zap.String("path", path), zap.Error(err))
		return NotFound
	}
	defer f.Close()

	gap, err := s.SolveReader(f)
	if err != nil {
		s.logger.Warn("Captcha image unreadable", zap.String("path", path), zap.Error(err))
		return NotFound
	}
	return gap
}

// Grayscale converts img to 8-bit luminance, returning it unchanged when it
// already is. Alpha is discarded: a translucent white pixel is as bright as
// an opaque one.
func Grayscale(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	gray := image.NewGray(b)
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		draw.Draw(gray, b, img, b.Min, draw.Src)
		return gray
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			gray.SetGray(x, y, color.Gray{Y: luminance(c)})
		}
	}
	return gray
}

// luminance applies the Rec. 601 weights used by color.GrayModel to the
// straight, non-premultiplied channels.
func luminance(c color.NRGBA) uint8 {
	y := (19595*uint32(c.R) + 38470*uint32(c.G) + 7471*uint32(c.B) + 1<<15) >> 16
	return uint8(y)
}
