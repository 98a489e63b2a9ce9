package capture

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"time"

	"golang.org/x/image/draw"
)

// Frame is one captured screen image. A Frame is never mutated after the
// capture loop stores it; consumers receive clones or encodings.
type Frame struct {
	Image      *image.RGBA
	CapturedAt time.Time
	Seq        uint64
	Digest     Digest
}

// Width returns the frame width in pixels.
func (f *Frame) Width() int { return f.Image.Bounds().Dx() }

// Height returns the frame height in pixels.
func (f *Frame) Height() int { return f.Image.Bounds().Dy() }

// Clone returns a deep copy safe to hand to another goroutine.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	img := image.NewRGBA(f.Image.Rect)
	copy(img.Pix, f.Image.Pix)
	return &Frame{Image: img, CapturedAt: f.CapturedAt, Seq: f.Seq, Digest: f.Digest}
}

// EncodedFrame is a frame serialized for transmission to a model or viewer.
type EncodedFrame struct {
	Data       []byte
	MimeType   string
	Width      int
	Height     int
	CapturedAt time.Time
	Seq        uint64
	Score      float64
}

// Base64 returns the payload in the form inference backends expect.
func (e *EncodedFrame) Base64() string {
	return base64.StdEncoding.EncodeToString(e.Data)
}

// EncodeJPEG encodes img at the given quality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("jpeg encode: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodePNG encodes img losslessly. Used for tiles where small text matters.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("png encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Downscale returns img resized to at most maxWidth pixels wide, preserving
// aspect ratio. Images already narrow enough are returned unchanged.
func Downscale(img image.Image, maxWidth int) image.Image {
	b := img.Bounds()
	if maxWidth <= 0 || b.Dx() <= maxWidth {
		return img
	}
	h := b.Dy() * maxWidth / b.Dx()
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// toRGBA converts any image into an *image.RGBA anchored at the origin.
func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
