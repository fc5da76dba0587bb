package preprocessing

import (
	"errors"
	"fmt"
	"math"

	"gorgonia.org/tensor"
)

// ErrBufferSize is returned when a pixel buffer does not hold width*height RGBA pixels
var ErrBufferSize = errors.New("pixel buffer size does not match image dimensions")

// ErrTensorShape is returned when a tensor does not have the layout a codec function expects
var ErrTensorShape = errors.New("unexpected tensor shape")

const (
	// BytesPerPixel is the stride of the flat RGBA pixel buffers exchanged with the host
	BytesPerPixel = 4
	// ColorChannels is the number of channels kept by the codec (alpha is dropped)
	ColorChannels = 3
)

// CheckBuffer verifies that pixels holds exactly width*height RGBA pixels
func CheckBuffer(pixels []byte, width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid image size %dx%d: %w", width, height, ErrBufferSize)
	}
	if len(pixels) != width*height*BytesPerPixel {
		return fmt.Errorf("got %d bytes for %dx%d image, want %d: %w",
			len(pixels), width, height, width*height*BytesPerPixel, ErrBufferSize)
	}
	return nil
}

// Encode converts a row-major RGBA buffer into a [1, width, height, 3] tensor.
// Axis 1 is the image column (x) and axis 2 the row (y); every channel is
// rescaled from [0,255] to [-1,1].
func Encode(pixels []byte, width, height int) (*tensor.Dense, error) {
	return encode(pixels, width, height, func(v byte) float32 {
		return float32(v)/127.5 - 1
	})
}

// EncodeMask converts a mask buffer into per-element loss weights in [0,1],
// using the same layout as Encode.
func EncodeMask(pixels []byte, width, height int) (*tensor.Dense, error) {
	return encode(pixels, width, height, func(v byte) float32 {
		return float32(v) / 255
	})
}

func encode(pixels []byte, width, height int, scale func(byte) float32) (*tensor.Dense, error) {
	if err := CheckBuffer(pixels, width, height); err != nil {
		return nil, err
	}

	data := make([]float32, width*height*ColorChannels)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			src := (y*width + x) * BytesPerPixel
			dst := (x*height + y) * ColorChannels
			for c := 0; c < ColorChannels; c++ {
				data[dst+c] = scale(pixels[src+c])
			}
		}
	}

	return tensor.New(tensor.WithShape(1, width, height, ColorChannels), tensor.WithBacking(data)), nil
}

// Decode converts a [1, width, height, 3] tensor in [-1,1] back into a
// row-major RGBA buffer. Values are clamped to [0,255] and alpha is always 255.
func Decode(t tensor.Tensor) ([]byte, error) {
	width, height, data, err := channelsLast(t, ColorChannels)
	if err != nil {
		return nil, err
	}

	pixels := make([]byte, width*height*BytesPerPixel)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			src := (x*height + y) * ColorChannels
			dst := (y*width + x) * BytesPerPixel
			for c := 0; c < ColorChannels; c++ {
				pixels[dst+c] = toByte(data[src+c])
			}
			pixels[dst+3] = 255
		}
	}
	return pixels, nil
}

// toByte maps a normalized value onto [0,255]. NaN maps to 0.
func toByte(v float32) byte {
	f := math.Round(127.5 * (1 + float64(v)))
	switch {
	case math.IsNaN(f), f <= 0:
		return 0
	case f >= 255:
		return 255
	}
	return byte(f)
}

func channelsLast(t tensor.Tensor, channels int) (int, int, []float32, error) {
	shape := t.Shape()
	if len(shape) != 4 || shape[0] != 1 || shape[3] != channels {
		return 0, 0, nil, fmt.Errorf("got shape %v, want [1 W H %d]: %w", shape, channels, ErrTensorShape)
	}
	data, ok := t.Data().([]float32)
	if !ok {
		return 0, 0, nil, fmt.Errorf("got dtype %v, want float32: %w", t.Dtype(), ErrTensorShape)
	}
	if len(data) != shape.TotalSize() {
		return 0, 0, nil, fmt.Errorf("tensor is not contiguous: %w", ErrTensorShape)
	}
	return shape[1], shape[2], data, nil
}

// ToChannelsFirst reorders a [1, W, H, C] tensor into the [1, C, W, H] layout
// used by the convolution backend.
func ToChannelsFirst(t tensor.Tensor) (*tensor.Dense, error) {
	shape := t.Shape()
	if len(shape) != 4 || shape[0] != 1 {
		return nil, fmt.Errorf("got shape %v, want [1 W H C]: %w", shape, ErrTensorShape)
	}
	width, height, channels := shape[1], shape[2], shape[3]
	_, _, data, err := channelsLast(t, channels)
	if err != nil {
		return nil, err
	}

	plane := width * height
	out := make([]float32, len(data))
	for i := 0; i < plane; i++ {
		for c := 0; c < channels; c++ {
			out[c*plane+i] = data[i*channels+c]
		}
	}
	return tensor.New(tensor.WithShape(1, channels, width, height), tensor.WithBacking(out)), nil
}

// FromChannelsFirst reorders a [1, C, W, H] tensor back into [1, W, H, C].
func FromChannelsFirst(t tensor.Tensor) (*tensor.Dense, error) {
	shape := t.Shape()
	if len(shape) != 4 || shape[0] != 1 {
		return nil, fmt.Errorf("got shape %v, want [1 C W H]: %w", shape, ErrTensorShape)
	}
	channels, width, height := shape[1], shape[2], shape[3]
	data, ok := t.Data().([]float32)
	if !ok || len(data) != shape.TotalSize() {
		return nil, fmt.Errorf("got %v data of shape %v: %w", t.Dtype(), shape, ErrTensorShape)
	}

	plane := width * height
	out := make([]float32, len(data))
	for c := 0; c < channels; c++ {
		for i := 0; i < plane; i++ {
			out[i*channels+c] = data[c*plane+i]
		}
	}
	return tensor.New(tensor.WithShape(1, width, height, channels), tensor.WithBacking(out)), nil
}
