package layers

import (
	"errors"
	"fmt"
	"strings"
)

// ErrShapeMismatch reports a model whose layer shapes cannot line up
var ErrShapeMismatch = errors.New("shape mismatch")

// InputName is the name of the implicit input node of every model
const InputName = "input"

// LayerType represents the type of neural network layer
type LayerType int

const (
	Conv2D LayerType = iota
	Upsample2D
	Concat
	ReLU
	Tanh
)

func (lt LayerType) String() string {
	switch lt {
	case Conv2D:
		return "Conv2D"
	case Upsample2D:
		return "Upsample2D"
	case Concat:
		return "Concat"
	case ReLU:
		return "ReLU"
	case Tanh:
		return "Tanh"
	default:
		return "Unknown"
	}
}

// LayerSpec defines one node of the model graph.
// This is pure configuration - graph construction happens in the engine.
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Inputs     []string               `json:"inputs"`
	Parameters map[string]interface{} `json:"parameters"`

	// Shape information (computed during model compilation), laid out as
	// [batch, channels, x, y]
	InputShapes [][]int `json:"input_shapes,omitempty"`
	OutputShape []int   `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// Param helpers used by the engine when materializing a layer

func (l LayerSpec) IntParam(key string, defaultValue int) int {
	return getIntParam(l.Parameters, key, defaultValue)
}

func (l LayerSpec) BoolParam(key string, defaultValue bool) bool {
	return getBoolParam(l.Parameters, key, defaultValue)
}

// ModelSpec defines a complete neural network model as a graph of layers
// in topological order
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	// Compiled model information
	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Output          string  `json:"output"`
	Compiled        bool    `json:"compiled"`
}

// ModelBuilder helps construct neural network models.
// Each Add* call feeds from the previously added layer unless From was
// called first.
type ModelBuilder struct {
	layers     []LayerSpec
	inputShape []int
	next       []string
	names      map[string]bool
	err        error
}

// NewModelBuilder creates a new model builder for an input of shape
// [batch, channels, x, y]
func NewModelBuilder(inputShape []int) *ModelBuilder {
	shape := make([]int, len(inputShape))
	copy(shape, inputShape)
	return &ModelBuilder{
		layers:     make([]LayerSpec, 0),
		inputShape: shape,
		names:      map[string]bool{InputName: true},
	}
}

// Last returns the name of the most recently added layer
func (mb *ModelBuilder) Last() string {
	if len(mb.layers) == 0 {
		return InputName
	}
	return mb.layers[len(mb.layers)-1].Name
}

// From makes the next added layer read from the named layer instead of the
// previous one
func (mb *ModelBuilder) From(name string) *ModelBuilder {
	mb.next = []string{name}
	return mb
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	if mb.err != nil {
		return mb
	}
	if layer.Name == "" || mb.names[layer.Name] {
		mb.err = fmt.Errorf("duplicate or empty layer name %q", layer.Name)
		return mb
	}
	if len(layer.Inputs) == 0 {
		if mb.next != nil {
			layer.Inputs = mb.next
		} else {
			layer.Inputs = []string{mb.Last()}
		}
	}
	mb.next = nil
	mb.names[layer.Name] = true
	mb.layers = append(mb.layers, layer)
	return mb
}

// AddConv2D adds a Conv2D layer to the model
func (mb *ModelBuilder) AddConv2D(
	outputChannels, kernelSize, stride, padding int,
	useBias bool, name string,
) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Conv2D,
		Name: name,
		Parameters: map[string]interface{}{
			"output_channels": outputChannels,
			"kernel_size":     kernelSize,
			"stride":          stride,
			"padding":         padding,
			"use_bias":        useBias,
		},
	})
}

// AddUpsample2D adds a nearest-neighbour upsampling layer multiplying both
// spatial dimensions by scale
func (mb *ModelBuilder) AddUpsample2D(scale int, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Upsample2D,
		Name: name,
		Parameters: map[string]interface{}{
			"scale": scale,
		},
	})
}

// AddConcat concatenates the previous layer with the named skip layers along
// the channel axis
func (mb *ModelBuilder) AddConcat(name string, skip ...string) *ModelBuilder {
	inputs := []string{mb.Last()}
	if mb.next != nil {
		inputs = mb.next
	}
	return mb.AddLayer(LayerSpec{
		Type:       Concat,
		Name:       name,
		Inputs:     append(inputs, skip...),
		Parameters: map[string]interface{}{"axis": 1},
	})
}

// AddReLU adds a ReLU activation to the model
func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:       ReLU,
		Name:       name,
		Parameters: map[string]interface{}{},
	})
}

// AddTanh adds a Tanh activation to the model
func (mb *ModelBuilder) AddTanh(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:       Tanh,
		Name:       name,
		Parameters: map[string]interface{}{},
	})
}

// Compile computes shapes and parameter counts for every layer and fails on
// the first layer whose inputs cannot be combined
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if mb.err != nil {
		return nil, mb.err
	}
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}
	if len(mb.inputShape) != 4 {
		return nil, fmt.Errorf("input shape %v must be [batch, channels, x, y]", mb.inputShape)
	}
	for i, d := range mb.inputShape {
		if d <= 0 {
			return nil, fmt.Errorf("input dimension %d has size %d, must be positive", i, d)
		}
	}

	model := &ModelSpec{
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: mb.inputShape,
	}
	copy(model.Layers, mb.layers)

	shapes := map[string][]int{InputName: mb.inputShape}
	var allParameterShapes [][]int
	totalParams := int64(0)

	for i := range model.Layers {
		layer := &model.Layers[i]

		layer.InputShapes = make([][]int, len(layer.Inputs))
		for j, in := range layer.Inputs {
			shape, ok := shapes[in]
			if !ok {
				return nil, fmt.Errorf("layer %d (%s) reads unknown layer %q", i, layer.Name, in)
			}
			layer.InputShapes[j] = shape
		}

		outputShape, paramShapes, paramCount, err := computeLayerInfo(layer)
		if err != nil {
			return nil, fmt.Errorf("failed to compute layer %d (%s) info: %w", i, layer.Name, err)
		}

		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = paramCount
		shapes[layer.Name] = outputShape

		allParameterShapes = append(allParameterShapes, paramShapes...)
		totalParams += paramCount
	}

	last := model.Layers[len(model.Layers)-1]
	model.Output = last.Name
	model.OutputShape = last.OutputShape
	model.ParameterShapes = allParameterShapes
	model.TotalParameters = totalParams
	model.Compiled = true

	return model, nil
}

func computeLayerInfo(layer *LayerSpec) ([]int, [][]int, int64, error) {
	switch layer.Type {
	case Conv2D:
		return computeConv2DInfo(layer)
	case Upsample2D:
		return computeUpsampleInfo(layer)
	case Concat:
		return computeConcatInfo(layer)
	case ReLU, Tanh:
		if len(layer.InputShapes) != 1 {
			return nil, nil, 0, fmt.Errorf("activation takes exactly one input, got %d", len(layer.InputShapes))
		}
		return cloneShape(layer.InputShapes[0]), nil, 0, nil
	default:
		return nil, nil, 0, fmt.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

func computeConv2DInfo(layer *LayerSpec) ([]int, [][]int, int64, error) {
	if len(layer.InputShapes) != 1 {
		return nil, nil, 0, fmt.Errorf("conv2d takes exactly one input, got %d", len(layer.InputShapes))
	}
	in := layer.InputShapes[0]

	outputChannels := getIntParam(layer.Parameters, "output_channels", 0)
	kernelSize := getIntParam(layer.Parameters, "kernel_size", 3)
	stride := getIntParam(layer.Parameters, "stride", 1)
	padding := getIntParam(layer.Parameters, "padding", 0)
	useBias := getBoolParam(layer.Parameters, "use_bias", true)

	if outputChannels <= 0 || kernelSize <= 0 || stride <= 0 || padding < 0 {
		return nil, nil, 0, fmt.Errorf("invalid conv2d config: channels=%d kernel=%d stride=%d padding=%d",
			outputChannels, kernelSize, stride, padding)
	}

	out := []int{in[0], outputChannels, 0, 0}
	for axis := 2; axis < 4; axis++ {
		span := in[axis] + 2*padding - kernelSize
		if span < 0 {
			return nil, nil, 0, fmt.Errorf("kernel %d does not fit spatial size %d: %w", kernelSize, in[axis], ErrShapeMismatch)
		}
		out[axis] = span/stride + 1
	}

	paramShapes := [][]int{{outputChannels, in[1], kernelSize, kernelSize}}
	count := int64(outputChannels * in[1] * kernelSize * kernelSize)
	if useBias {
		paramShapes = append(paramShapes, []int{1, outputChannels, 1, 1})
		count += int64(outputChannels)
	}
	return out, paramShapes, count, nil
}

func computeUpsampleInfo(layer *LayerSpec) ([]int, [][]int, int64, error) {
	if len(layer.InputShapes) != 1 {
		return nil, nil, 0, fmt.Errorf("upsample takes exactly one input, got %d", len(layer.InputShapes))
	}
	scale := getIntParam(layer.Parameters, "scale", 2)
	if scale < 1 {
		return nil, nil, 0, fmt.Errorf("invalid upsample scale %d", scale)
	}
	in := layer.InputShapes[0]
	return []int{in[0], in[1], in[2] * scale, in[3] * scale}, nil, 0, nil
}

func computeConcatInfo(layer *LayerSpec) ([]int, [][]int, int64, error) {
	if len(layer.InputShapes) < 2 {
		return nil, nil, 0, fmt.Errorf("concat needs at least two inputs, got %d", len(layer.InputShapes))
	}
	out := cloneShape(layer.InputShapes[0])
	for i, shape := range layer.InputShapes[1:] {
		if shape[0] != out[0] || shape[2] != out[2] || shape[3] != out[3] {
			return nil, nil, 0, fmt.Errorf("cannot concatenate %v (%s) with %v (%s): %w",
				layer.InputShapes[0], layer.Inputs[0], shape, layer.Inputs[i+1], ErrShapeMismatch)
		}
		out[1] += shape[1]
	}
	return out, nil, 0, nil
}

func cloneShape(s []int) []int {
	out := make([]int, len(s))
	copy(out, s)
	return out
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Model Summary:\n")
	fmt.Fprintf(&sb, "Input Shape: %v\n", ms.InputShape)
	fmt.Fprintf(&sb, "Output Shape: %v\n", ms.OutputShape)
	fmt.Fprintf(&sb, "Total Parameters: %d\n", ms.TotalParameters)
	fmt.Fprintf(&sb, "Layers: %d\n\n", len(ms.Layers))

	for i, layer := range ms.Layers {
		fmt.Fprintf(&sb, "Layer %d: %s (%s) <- %s\n", i+1, layer.Name, layer.Type.String(), strings.Join(layer.Inputs, ", "))
		fmt.Fprintf(&sb, "  Output: %v\n", layer.OutputShape)
		if layer.ParameterCount > 0 {
			fmt.Fprintf(&sb, "  Params: %d\n", layer.ParameterCount)
		}
	}

	return sb.String()
}

// Layer returns the compiled layer with the given name
func (ms *ModelSpec) Layer(name string) (LayerSpec, bool) {
	for _, l := range ms.Layers {
		if l.Name == name {
			return l, true
		}
	}
	return LayerSpec{}, false
}

// Helper functions for parameter extraction
func getIntParam(params map[string]interface{}, key string, defaultValue int) int {
	if val, exists := params[key]; exists {
		switch v := val.(type) {
		case int:
			return v
		case float64: // specs read back from JSON
			return int(v)
		}
	}
	return defaultValue
}

func getBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, exists := params[key]; exists {
		if boolVal, ok := val.(bool); ok {
			return boolVal
		}
	}
	return defaultValue
}
