package training

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tsawler/go-dip/layers"
	"github.com/tsawler/go-dip/vision/preprocessing"
)

var (
	// ErrInvalidSettings rejects settings that cannot produce a model
	ErrInvalidSettings = errors.New("invalid algorithm settings")

	// ErrBufferSize is returned for source or mask buffers of the wrong length
	ErrBufferSize = preprocessing.ErrBufferSize

	// ErrNoSourceImage is returned when a session is requested without pixels
	ErrNoSourceImage = errors.New("no source image")

	// ErrMaskRequired is returned when inpainting is enabled without a mask
	ErrMaskRequired = errors.New("inpainting requires a mask")
)

// Architecture selects the network family
type Architecture int

const (
	UNet Architecture = iota
	ConvNet
)

func (a Architecture) String() string {
	switch a {
	case UNet:
		return "unet"
	case ConvNet:
		return "convnet"
	default:
		return fmt.Sprintf("Architecture(%d)", int(a))
	}
}

// ParseArchitecture maps a case-insensitive name onto an Architecture
func ParseArchitecture(name string) (Architecture, error) {
	for a := UNet; a <= ConvNet; a++ {
		if strings.EqualFold(name, a.String()) {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown architecture %q", name)
}

// AlgorithmSettings describe one image fitting run. They are immutable for
// the lifetime of a Session.
type AlgorithmSettings struct {
	Width           int          `json:"width"`
	Height          int          `json:"height"`
	Layers          int          `json:"layers"`
	Filters         int          `json:"filters"`
	Inpaint         bool         `json:"inpaint"`
	SuperResolution int          `json:"super_resolution"`
	Architecture    Architecture `json:"architecture"`
}

// DefaultSettings returns the settings restored by a reset
func DefaultSettings() AlgorithmSettings {
	return AlgorithmSettings{
		Width:           256,
		Height:          256,
		Layers:          5,
		Filters:         8,
		Inpaint:         false,
		SuperResolution: 1,
		Architecture:    UNet,
	}
}

// NetworkConfig maps the settings onto the builder configuration. The input is
// the single-channel noise seed and the output an RGB image.
func (s AlgorithmSettings) NetworkConfig() layers.NetworkConfig {
	return layers.NetworkConfig{
		Width:           s.Width,
		Height:          s.Height,
		Layers:          s.Layers,
		Filters:         s.Filters,
		InputChannels:   1,
		OutputFilters:   preprocessing.ColorChannels,
		SkipConnections: s.Architecture == UNet,
	}
}

// Validate fails fast on settings that would break model construction or the
// loss. Errors wrap ErrInvalidSettings, and layers.ErrShapeMismatch when the
// image size does not fit the network depth.
func (s AlgorithmSettings) Validate() error {
	if s.Architecture != UNet && s.Architecture != ConvNet {
		return fmt.Errorf("%w: unknown architecture %d", ErrInvalidSettings, s.Architecture)
	}
	if s.SuperResolution < 1 {
		return fmt.Errorf("%w: super resolution factor must be at least 1, got %d", ErrInvalidSettings, s.SuperResolution)
	}
	if err := layers.ValidateNetworkConfig(s.NetworkConfig()); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	if s.Width%s.SuperResolution != 0 || s.Height%s.SuperResolution != 0 {
		return fmt.Errorf("%w: %dx%d is not divisible by super resolution factor %d: %w",
			ErrInvalidSettings, s.Width, s.Height, s.SuperResolution, layers.ErrShapeMismatch)
	}
	return nil
}

// BufferSize is the length of a source or mask buffer for these settings
func (s AlgorithmSettings) BufferSize() int {
	return s.Width * s.Height * preprocessing.BytesPerPixel
}
