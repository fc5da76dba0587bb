package layers

import (
	"fmt"
)

// MaxFilters caps the channel count of any encoder or decoder stage
const MaxFilters = 256

// NetworkConfig describes the encoder-decoder to build
type NetworkConfig struct {
	Width           int  `json:"width"`
	Height          int  `json:"height"`
	Layers          int  `json:"layers"`
	Filters         int  `json:"filters"`
	InputChannels   int  `json:"input_channels"`
	OutputFilters   int  `json:"output_filters"`
	SkipConnections bool `json:"skip_connections"`
}

// ValidateNetworkConfig rejects configurations that cannot produce a model.
// Skip-connection networks halve the resolution once per layer and must be
// able to restore it exactly, so width and height have to be multiples of
// 2^layers.
func ValidateNetworkConfig(cfg NetworkConfig) error {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return fmt.Errorf("image size %dx%d must be positive", cfg.Width, cfg.Height)
	}
	if cfg.Layers < 1 {
		return fmt.Errorf("layers must be at least 1, got %d", cfg.Layers)
	}
	if cfg.Filters < 1 {
		return fmt.Errorf("filters must be at least 1, got %d", cfg.Filters)
	}
	if cfg.InputChannels < 1 || cfg.OutputFilters < 1 {
		return fmt.Errorf("input channels (%d) and output filters (%d) must be at least 1",
			cfg.InputChannels, cfg.OutputFilters)
	}
	if !cfg.SkipConnections {
		return nil
	}
	// shifting by 31 or more overflows int32 sizes
	if cfg.Layers >= 31 || cfg.Width%(1<<cfg.Layers) != 0 || cfg.Height%(1<<cfg.Layers) != 0 {
		return fmt.Errorf("width %d and height %d must be divisible by 2^%d for a %d-layer skip network: %w",
			cfg.Width, cfg.Height, cfg.Layers, cfg.Layers, ErrShapeMismatch)
	}
	return nil
}

// StageFilters is the channel count of encoder stage i
func StageFilters(filters, stage int) int {
	f := filters
	for i := 0; i < stage && f < MaxFilters; i++ {
		f *= 2
	}
	return min(f, MaxFilters)
}

// Build compiles the architecture selected by cfg.SkipConnections
func Build(cfg NetworkConfig) (*ModelSpec, error) {
	if cfg.SkipConnections {
		return BuildUNet(cfg)
	}
	return BuildConvNet(cfg)
}

// BuildUNet compiles a U-shaped encoder-decoder. Every encoder stage is a
// stride-2 4x4 convolution; every decoder stage upsamples by two, convolves,
// concatenates the encoder activation of the same resolution and convolves
// again. The last stage ends in tanh with cfg.OutputFilters channels.
func BuildUNet(cfg NetworkConfig) (*ModelSpec, error) {
	cfg.SkipConnections = true
	if err := ValidateNetworkConfig(cfg); err != nil {
		return nil, err
	}

	mb := NewModelBuilder([]int{1, cfg.InputChannels, cfg.Width, cfg.Height})

	downs := []string{InputName}
	for i := 0; i < cfg.Layers; i++ {
		mb.AddConv2D(StageFilters(cfg.Filters, i), 4, 2, 1, true, fmt.Sprintf("down%d_conv", i)).
			AddReLU(fmt.Sprintf("down%d_relu", i))
		downs = append(downs, mb.Last())
	}

	for i := 0; i < cfg.Layers; i++ {
		last := i == cfg.Layers-1
		filters := StageFilters(cfg.Filters, cfg.Layers-i-1)

		mb.AddUpsample2D(2, fmt.Sprintf("up%d_upsample", i)).
			AddConv2D(filters, 3, 1, 1, true, fmt.Sprintf("up%d_upconv", i)).
			AddReLU(fmt.Sprintf("up%d_uprelu", i)).
			AddConcat(fmt.Sprintf("up%d_concat", i), downs[cfg.Layers-i-1])

		if last {
			mb.AddConv2D(cfg.OutputFilters, 3, 1, 1, true, "output_conv").
				AddTanh("output")
		} else {
			mb.AddConv2D(filters, 3, 1, 1, true, fmt.Sprintf("up%d_conv", i)).
				AddReLU(fmt.Sprintf("up%d_relu", i))
		}
	}

	spec, err := mb.Compile()
	if err != nil {
		return nil, err
	}
	if err := checkOutput(spec, cfg); err != nil {
		return nil, err
	}
	return spec, nil
}

// BuildConvNet compiles the plain variant: layers-1 same-resolution 3x3
// convolutions followed by a tanh output convolution. It has no constraint on
// the image size.
func BuildConvNet(cfg NetworkConfig) (*ModelSpec, error) {
	cfg.SkipConnections = false
	if err := ValidateNetworkConfig(cfg); err != nil {
		return nil, err
	}

	mb := NewModelBuilder([]int{1, cfg.InputChannels, cfg.Width, cfg.Height})
	for i := 0; i < cfg.Layers-1; i++ {
		mb.AddConv2D(cfg.Filters, 3, 1, 1, true, fmt.Sprintf("conv%d", i)).
			AddReLU(fmt.Sprintf("relu%d", i))
	}
	mb.AddConv2D(cfg.OutputFilters, 3, 1, 1, true, "output_conv").
		AddTanh("output")

	spec, err := mb.Compile()
	if err != nil {
		return nil, err
	}
	if err := checkOutput(spec, cfg); err != nil {
		return nil, err
	}
	return spec, nil
}

func checkOutput(spec *ModelSpec, cfg NetworkConfig) error {
	want := []int{1, cfg.OutputFilters, cfg.Width, cfg.Height}
	for i := range want {
		if spec.OutputShape[i] != want[i] {
			return fmt.Errorf("model output %v, want %v: %w", spec.OutputShape, want, ErrShapeMismatch)
		}
	}
	return nil
}
