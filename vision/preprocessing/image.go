package preprocessing

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"sync"

	// registered decoders for source and mask files
	_ "image/jpeg"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// ImageProcessor decodes image files and resamples them onto a fixed-size
// RGBA canvas, reusing the canvas between calls.
type ImageProcessor struct {
	mu              sync.Mutex
	tempImageBuffer *image.RGBA
	width           int
	height          int
	background      color.Color
}

// NewImageProcessor creates a processor producing width x height buffers
func NewImageProcessor(width, height int) *ImageProcessor {
	return &ImageProcessor{
		width:      width,
		height:     height,
		background: color.White,
	}
}

// DecodeAndResize decodes any registered image format (png, jpeg, webp) and
// scales it bilinearly to the processor's size. Transparent regions are
// composited over white. The result is a row-major RGBA buffer.
func (p *ImageProcessor) DecodeAndResize(reader io.Reader) ([]byte, error) {
	if p.width <= 0 || p.height <= 0 {
		return nil, fmt.Errorf("invalid target size %dx%d", p.width, p.height)
	}

	img, format, err := image.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("decoded %s image is empty", format)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tempImageBuffer == nil {
		p.tempImageBuffer = image.NewRGBA(image.Rect(0, 0, p.width, p.height))
	}
	dst := p.tempImageBuffer

	draw.Draw(dst, dst.Bounds(), image.NewUniform(p.background), image.Point{}, draw.Src)
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)

	pixels := make([]byte, len(dst.Pix))
	copy(pixels, dst.Pix)
	return pixels, nil
}

// LoadImage decodes r and resizes it to width x height
func LoadImage(r io.Reader, width, height int) ([]byte, error) {
	return NewImageProcessor(width, height).DecodeAndResize(r)
}

// ToRGBA wraps a flat RGBA buffer as an image without copying
func ToRGBA(pixels []byte, width, height int) (*image.RGBA, error) {
	if err := CheckBuffer(pixels, width, height); err != nil {
		return nil, err
	}
	return &image.RGBA{
		Pix:    pixels,
		Stride: width * BytesPerPixel,
		Rect:   image.Rect(0, 0, width, height),
	}, nil
}

// EncodePNG losslessly encodes a flat RGBA buffer
func EncodePNG(pixels []byte, width, height int) ([]byte, error) {
	img, err := ToRGBA(pixels, width, height)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodePNG decodes PNG bytes back into a flat RGBA buffer and its size
func DecodePNG(data []byte) ([]byte, int, int, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to decode png: %w", err)
	}

	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba.Pix, b.Dx(), b.Dy(), nil
}
