package training

import (
	"fmt"
	"math"

	"github.com/tsawler/go-dip/engine"
	"github.com/tsawler/go-dip/layers"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// MaskedMAE builds mean(|pred - target| * weight) over every element. A nil
// weight gives the plain mean absolute error.
func MaskedMAE(pred, target, weight *gorgonia.Node) (*gorgonia.Node, error) {
	diff, err := gorgonia.Sub(pred, target)
	if err != nil {
		return nil, fmt.Errorf("failed to subtract target: %w", err)
	}
	abs, err := gorgonia.Abs(diff)
	if err != nil {
		return nil, err
	}
	if weight != nil {
		if abs, err = gorgonia.HadamardProd(abs, weight); err != nil {
			return nil, fmt.Errorf("failed to apply mask weight: %w", err)
		}
	}
	return gorgonia.Mean(abs)
}

// HostMAE computes the same loss as MaskedMAE on flat slices. weight may be
// nil.
func HostMAE(pred, target, weight []float32) (float64, error) {
	if len(pred) != len(target) || (weight != nil && len(weight) != len(pred)) {
		return 0, fmt.Errorf("length mismatch: pred=%d target=%d weight=%d", len(pred), len(target), len(weight))
	}
	if len(pred) == 0 {
		return 0, fmt.Errorf("empty input")
	}
	var sum float64
	for i := range pred {
		d := math.Abs(float64(pred[i]) - float64(target[i]))
		if weight != nil {
			d *= float64(weight[i])
		}
		sum += d
	}
	return sum / float64(len(pred)), nil
}

// NewLoss returns the session loss: prediction, target and weight are first
// reduced by factor when it is above 1, then compared with MaskedMAE.
func NewLoss(factor int) engine.LossFunc {
	return func(output, target, weight *gorgonia.Node) (*gorgonia.Node, error) {
		if factor > 1 {
			var err error
			if output, err = Downsample(output, factor); err != nil {
				return nil, fmt.Errorf("failed to downsample prediction: %w", err)
			}
			if target, err = Downsample(target, factor); err != nil {
				return nil, fmt.Errorf("failed to downsample target: %w", err)
			}
			if weight != nil {
				if weight, err = Downsample(weight, factor); err != nil {
					return nil, fmt.Errorf("failed to downsample weight: %w", err)
				}
			}
		}
		return MaskedMAE(output, target, weight)
	}
}

// Downsample shrinks a [1, C, X, Y] float32 node by factor on both spatial
// axes with bilinear interpolation (half-pixel centers). The Y axis is reduced
// by a matrix product on the flattened rows and the X axis by a batched
// product over channels.
func Downsample(x *gorgonia.Node, factor int) (*gorgonia.Node, error) {
	if factor < 1 {
		return nil, fmt.Errorf("invalid downsample factor %d", factor)
	}
	if factor == 1 {
		return x, nil
	}
	shape := x.Shape()
	if len(shape) != 4 || shape[0] != 1 {
		return nil, fmt.Errorf("downsample expects [1 C X Y], got %v: %w", shape, layers.ErrShapeMismatch)
	}
	if x.Dtype() != tensor.Float32 {
		return nil, fmt.Errorf("downsample expects float32, got %v", x.Dtype())
	}
	c, w, h := shape[1], shape[2], shape[3]
	if w%factor != 0 || h%factor != 0 {
		return nil, fmt.Errorf("%dx%d is not divisible by %d: %w", w, h, factor, layers.ErrShapeMismatch)
	}
	ow, oh := w/factor, h/factor
	g := x.Graph()

	// [h, oh], the transpose of the y interpolation matrix
	byData := transpose(bilinearMatrix(h, oh), oh, h)
	by := gorgonia.NewMatrix(g, tensor.Float32,
		gorgonia.WithShape(h, oh),
		gorgonia.WithName(fmt.Sprintf("bilinear_y_%d_%d", h, oh)),
		gorgonia.WithValue(tensor.New(tensor.WithShape(h, oh), tensor.WithBacking(byData))))

	// [c, ow, w], the x interpolation matrix once per channel
	bxData := repeat(bilinearMatrix(w, ow), c)
	bx := gorgonia.NewTensor(g, tensor.Float32, 3,
		gorgonia.WithShape(c, ow, w),
		gorgonia.WithName(fmt.Sprintf("bilinear_x_%d_%d_%d", c, w, ow)),
		gorgonia.WithValue(tensor.New(tensor.WithShape(c, ow, w), tensor.WithBacking(bxData))))

	rows, err := gorgonia.Reshape(x, tensor.Shape{c * w, h})
	if err != nil {
		return nil, err
	}
	ys, err := gorgonia.Mul(rows, by)
	if err != nil {
		return nil, fmt.Errorf("failed to resample y axis: %w", err)
	}
	cube, err := gorgonia.Reshape(ys, tensor.Shape{c, w, oh})
	if err != nil {
		return nil, err
	}
	xs, err := gorgonia.BatchedMatMul(bx, cube)
	if err != nil {
		return nil, fmt.Errorf("failed to resample x axis: %w", err)
	}
	return gorgonia.Reshape(xs, tensor.Shape{1, c, ow, oh})
}

// bilinearMatrix returns the row-major [out, in] interpolation weights for
// resizing one axis from in to out samples
func bilinearMatrix(in, out int) []float32 {
	m := make([]float32, out*in)
	scale := float64(in) / float64(out)
	for d := 0; d < out; d++ {
		src := math.Max((float64(d)+0.5)*scale-0.5, 0)
		i0 := int(math.Floor(src))
		if i0 > in-1 {
			i0 = in - 1
		}
		i1 := min(i0+1, in-1)
		frac := float32(src - float64(i0))
		m[d*in+i0] += 1 - frac
		m[d*in+i1] += frac
	}
	return m
}

func transpose(m []float32, rows, cols int) []float32 {
	out := make([]float32, len(m))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out[c*rows+r] = m[r*cols+c]
		}
	}
	return out
}

func repeat(m []float32, n int) []float32 {
	out := make([]float32, 0, len(m)*n)
	for i := 0; i < n; i++ {
		out = append(out, m...)
	}
	return out
}
