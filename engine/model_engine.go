package engine

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-dip/layers"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

var (
	// ErrClosed is returned by every operation on a closed engine
	ErrClosed = errors.New("model engine closed")

	// ErrDiverged reports a loss that is no longer a finite number. The
	// optimizer step is skipped so the weights stay usable.
	ErrDiverged = errors.New("training diverged")
)

// LossFunc builds the scalar training loss from the model output, the target
// and an optional per-element weight (nil when unweighted)
type LossFunc func(output, target, weight *gorgonia.Node) (*gorgonia.Node, error)

// EngineConfig configures graph construction and training
type EngineConfig struct {
	Solver gorgonia.Solver
	Loss   LossFunc
	Seed   int64 // weight initialization seed
}

// Inputs are the fixed tensors the model is trained on, all channels-first.
// Weight may be nil.
type Inputs struct {
	Noise  *tensor.Dense
	Target *tensor.Dense
	Weight *tensor.Dense
}

// ModelEngine materializes a compiled ModelSpec into a gorgonia graph and
// trains it against fixed inputs. It is not safe for concurrent use.
type ModelEngine struct {
	spec   *layers.ModelSpec
	g      *gorgonia.ExprGraph
	solver gorgonia.Solver

	input  *gorgonia.Node
	target *gorgonia.Node
	weight *gorgonia.Node
	output *gorgonia.Node
	cost   *gorgonia.Node

	learnables gorgonia.Nodes

	trainVM gorgonia.VM
	inferVM gorgonia.VM
	lossVM  gorgonia.VM

	steps  int
	closed bool
}

// NewModelEngine builds the forward graph described by spec, attaches the loss
// and its gradients, and compiles the training and inference machines
func NewModelEngine(spec *layers.ModelSpec, config EngineConfig, inputs Inputs) (*ModelEngine, error) {
	if spec == nil || !spec.Compiled {
		return nil, fmt.Errorf("model spec must be compiled")
	}
	if config.Solver == nil || config.Loss == nil {
		return nil, fmt.Errorf("solver and loss function are required")
	}
	if inputs.Noise == nil || inputs.Target == nil {
		return nil, fmt.Errorf("noise and target inputs are required")
	}
	if err := checkShape("noise", inputs.Noise.Shape(), spec.InputShape); err != nil {
		return nil, err
	}
	if err := checkShape("target", inputs.Target.Shape(), spec.OutputShape); err != nil {
		return nil, err
	}
	if inputs.Weight != nil {
		if err := checkShape("weight", inputs.Weight.Shape(), spec.OutputShape); err != nil {
			return nil, err
		}
	}

	e := &ModelEngine{
		spec:   spec,
		g:      gorgonia.NewGraph(),
		solver: config.Solver,
	}

	e.input = constant(e.g, inputs.Noise, layers.InputName)
	e.target = constant(e.g, inputs.Target, "target")
	if inputs.Weight != nil {
		e.weight = constant(e.g, inputs.Weight, "weight")
	}

	rng := rand.New(rand.NewSource(config.Seed))
	output, err := e.buildForward(rng)
	if err != nil {
		return nil, err
	}
	e.output = output

	cost, err := config.Loss(e.output, e.target, e.weight)
	if err != nil {
		return nil, fmt.Errorf("failed to build loss: %w", err)
	}
	if !cost.IsScalar() {
		return nil, fmt.Errorf("loss must be a scalar, got shape %v", cost.Shape())
	}
	e.cost = cost

	if _, err := gorgonia.Grad(e.cost, e.learnables...); err != nil {
		return nil, fmt.Errorf("failed to differentiate loss: %w", err)
	}

	e.trainVM = gorgonia.NewTapeMachine(e.g, gorgonia.BindDualValues(e.learnables...))
	e.inferVM = gorgonia.NewTapeMachine(e.g.SubgraphRoots(e.output))
	e.lossVM = gorgonia.NewTapeMachine(e.g.SubgraphRoots(e.cost))
	return e, nil
}

// buildForward creates one graph node per layer in compile order
func (e *ModelEngine) buildForward(rng *rand.Rand) (*gorgonia.Node, error) {
	nodes := map[string]*gorgonia.Node{layers.InputName: e.input}

	for i, layer := range e.spec.Layers {
		ins := make([]*gorgonia.Node, len(layer.Inputs))
		for j, name := range layer.Inputs {
			n, ok := nodes[name]
			if !ok {
				return nil, fmt.Errorf("layer %s reads unknown node %q", layer.Name, name)
			}
			ins[j] = n
		}

		var out *gorgonia.Node
		var err error
		switch layer.Type {
		case layers.Conv2D:
			out, err = e.conv2D(layer, ins[0], rng, e.feedsTanh(i))
		case layers.Upsample2D:
			out, err = gorgonia.Upsample2D(ins[0], layer.IntParam("scale", 2))
		case layers.Concat:
			out, err = gorgonia.Concat(layer.IntParam("axis", 1), ins...)
		case layers.ReLU:
			out, err = gorgonia.Rectify(ins[0])
		case layers.Tanh:
			out, err = gorgonia.Tanh(ins[0])
		default:
			err = fmt.Errorf("unsupported layer type %s", layer.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to build layer %s: %w", layer.Name, err)
		}
		if err := checkShape(layer.Name, out.Shape(), layer.OutputShape); err != nil {
			return nil, err
		}
		nodes[layer.Name] = out
	}

	out, ok := nodes[e.spec.Output]
	if !ok {
		return nil, fmt.Errorf("output layer %q not built", e.spec.Output)
	}
	return out, nil
}

// conv2D adds the kernel (and bias) learnables of a convolution layer.
// Kernels feeding a ReLU use He initialization, the output kernel uses Xavier.
func (e *ModelEngine) conv2D(layer layers.LayerSpec, x *gorgonia.Node, rng *rand.Rand, xavier bool) (*gorgonia.Node, error) {
	kernelShape := layer.ParameterShapes[0]
	k := layer.IntParam("kernel_size", 3)
	pad := layer.IntParam("padding", 0)
	stride := layer.IntParam("stride", 1)

	fanIn := kernelShape[1] * k * k
	fanOut := kernelShape[0] * k * k
	limit := math.Sqrt(6.0 / float64(fanIn))
	if xavier {
		limit = math.Sqrt(6.0 / float64(fanIn+fanOut))
	}

	w := gorgonia.NewTensor(e.g, tensor.Float32, 4,
		gorgonia.WithShape(kernelShape...),
		gorgonia.WithName(layer.Name+"_w"),
		gorgonia.WithValue(uniform(rng, kernelShape, limit)))
	e.learnables = append(e.learnables, w)

	out, err := gorgonia.Conv2d(x, w, tensor.Shape{k, k}, []int{pad, pad}, []int{stride, stride}, []int{1, 1})
	if err != nil {
		return nil, err
	}

	if len(layer.ParameterShapes) < 2 {
		return out, nil
	}
	biasShape := layer.ParameterShapes[1]
	b := gorgonia.NewTensor(e.g, tensor.Float32, 4,
		gorgonia.WithShape(biasShape...),
		gorgonia.WithName(layer.Name+"_b"),
		gorgonia.WithValue(tensor.New(tensor.WithShape(biasShape...), tensor.Of(tensor.Float32))))
	e.learnables = append(e.learnables, b)

	// bias is [1,C,1,1]; repeat it over batch and both spatial axes
	return gorgonia.BroadcastAdd(out, b, nil, []byte{0, 2, 3})
}

// feedsTanh reports whether the convolution at index i is read by a tanh
func (e *ModelEngine) feedsTanh(i int) bool {
	name := e.spec.Layers[i].Name
	for _, l := range e.spec.Layers[i+1:] {
		if l.Type == layers.Tanh && len(l.Inputs) == 1 && l.Inputs[0] == name {
			return true
		}
	}
	return false
}

// Step runs one optimizer epoch and returns the loss measured before the
// update
func (e *ModelEngine) Step() (float32, error) {
	if e.closed {
		return 0, ErrClosed
	}
	defer e.trainVM.Reset()

	if err := e.trainVM.RunAll(); err != nil {
		return 0, fmt.Errorf("forward/backward pass failed: %w", err)
	}
	loss, err := scalar(e.cost)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(float64(loss)) || math.IsInf(float64(loss), 0) {
		return loss, fmt.Errorf("loss is %v after %d steps: %w", loss, e.steps, ErrDiverged)
	}
	if err := e.solver.Step(gorgonia.NodesToValueGrads(e.learnables)); err != nil {
		return loss, fmt.Errorf("optimizer step failed: %w", err)
	}
	e.steps++
	return loss, nil
}

// Predict runs the forward pass only and returns a copy of the output in
// [1, C, X, Y] layout
func (e *ModelEngine) Predict() (*tensor.Dense, error) {
	if e.closed {
		return nil, ErrClosed
	}
	defer e.inferVM.Reset()

	if err := e.inferVM.RunAll(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	out, ok := e.output.Value().(*tensor.Dense)
	if !ok {
		return nil, fmt.Errorf("unexpected output value %T", e.output.Value())
	}
	return out.Clone().(*tensor.Dense), nil
}

// Loss evaluates the loss for the current weights without updating them
func (e *ModelEngine) Loss() (float32, error) {
	if e.closed {
		return 0, ErrClosed
	}
	defer e.lossVM.Reset()

	if err := e.lossVM.RunAll(); err != nil {
		return 0, fmt.Errorf("loss evaluation failed: %w", err)
	}
	return scalar(e.cost)
}

// Steps returns the number of optimizer steps applied so far
func (e *ModelEngine) Steps() int {
	return e.steps
}

// ParameterCount returns the number of trainable scalars
func (e *ModelEngine) ParameterCount() int64 {
	return e.spec.TotalParameters
}

// Spec returns the compiled model the engine was built from
func (e *ModelEngine) Spec() *layers.ModelSpec {
	return e.spec
}

// Close releases the machines and drops every graph reference. It is safe to
// call more than once.
func (e *ModelEngine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true

	var errs []error
	for _, vm := range []gorgonia.VM{e.trainVM, e.inferVM, e.lossVM} {
		if vm == nil {
			continue
		}
		if err := vm.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	e.trainVM, e.inferVM, e.lossVM = nil, nil, nil
	e.input, e.target, e.weight, e.output, e.cost = nil, nil, nil, nil, nil
	e.learnables = nil
	e.g = nil
	return errors.Join(errs...)
}

func constant(g *gorgonia.ExprGraph, t *tensor.Dense, name string) *gorgonia.Node {
	return gorgonia.NewTensor(g, t.Dtype(), t.Dims(),
		gorgonia.WithShape(t.Shape()...),
		gorgonia.WithName(name),
		gorgonia.WithValue(t))
}

func uniform(rng *rand.Rand, shape []int, limit float64) *tensor.Dense {
	n := 1
	for _, d := range shape {
		n *= d
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = float32((2*rng.Float64() - 1) * limit)
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

func scalar(n *gorgonia.Node) (float32, error) {
	if n.Value() == nil {
		return 0, fmt.Errorf("node %s has no value", n.Name())
	}
	switch v := n.Value().Data().(type) {
	case float32:
		return v, nil
	case float64:
		return float32(v), nil
	case []float32:
		if len(v) == 1 {
			return v[0], nil
		}
	}
	return 0, fmt.Errorf("node %s is not a scalar: %v", n.Name(), n.Value())
}

func checkShape(what string, got tensor.Shape, want []int) error {
	if len(got) != len(want) {
		return fmt.Errorf("%s shape %v, want %v: %w", what, got, want, layers.ErrShapeMismatch)
	}
	for i := range want {
		if got[i] != want[i] {
			return fmt.Errorf("%s shape %v, want %v: %w", what, got, want, layers.ErrShapeMismatch)
		}
	}
	return nil
}
