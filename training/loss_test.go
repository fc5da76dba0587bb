package training

import (
	"errors"
	"math"
	"testing"

	"github.com/tsawler/go-dip/layers"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

func inputNode(g *gorgonia.ExprGraph, name string, data []float32, shape ...int) *gorgonia.Node {
	if data == nil {
		return nil
	}
	return gorgonia.NewTensor(g, tensor.Float32, len(shape),
		gorgonia.WithShape(shape...),
		gorgonia.WithName(name),
		gorgonia.WithValue(tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))))
}

func run(t *testing.T, g *gorgonia.ExprGraph) {
	t.Helper()
	vm := gorgonia.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}
}

func graphLoss(t *testing.T, pred, target, weight []float32) float64 {
	t.Helper()
	shape := []int{1, 3, 2, 2}
	g := gorgonia.NewGraph()
	cost, err := MaskedMAE(
		inputNode(g, "pred", pred, shape...),
		inputNode(g, "target", target, shape...),
		inputNode(g, "weight", weight, shape...))
	if err != nil {
		t.Fatalf("MaskedMAE failed: %v", err)
	}
	run(t, g)
	return float64(cost.Value().Data().(float32))
}

func fill(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestMaskedMAE(t *testing.T) {
	pred := []float32{-1, -0.5, 0, 0.5, 1, 0.25, -0.25, 0.75, -0.75, 0.1, -0.1, 0.9}
	target := []float32{1, 0.5, 0, -0.5, 1, -0.25, 0.25, 0.75, 0.75, -0.1, 0.1, -0.9}

	plain := graphLoss(t, pred, target, nil)
	want, err := HostMAE(pred, target, nil)
	if err != nil {
		t.Fatalf("HostMAE failed: %v", err)
	}
	if math.Abs(plain-want) > 1e-6 {
		t.Errorf("graph MAE %f, host MAE %f", plain, want)
	}

	t.Run("all ones weight equals plain MAE", func(t *testing.T) {
		got := graphLoss(t, pred, target, fill(len(pred), 1))
		if got != plain {
			t.Errorf("weighted %v != unweighted %v", got, plain)
		}
	})

	t.Run("zero weight drops elements", func(t *testing.T) {
		weight := fill(len(pred), 1)
		for i := 0; i < 4; i++ {
			weight[i] = 0
		}
		got := graphLoss(t, pred, target, weight)
		want, _ := HostMAE(pred, target, weight)
		if math.Abs(got-want) > 1e-6 {
			t.Errorf("graph %f, host %f", got, want)
		}
		if got >= plain {
			t.Errorf("masking the largest errors should lower the loss: %f >= %f", got, plain)
		}
	})

	t.Run("all zero weight", func(t *testing.T) {
		if got := graphLoss(t, pred, target, fill(len(pred), 0)); got != 0 {
			t.Errorf("expected zero loss, got %f", got)
		}
	})
}

func TestHostMAEErrors(t *testing.T) {
	if _, err := HostMAE([]float32{1}, []float32{1, 2}, nil); err == nil {
		t.Error("expected length mismatch error")
	}
	if _, err := HostMAE([]float32{1}, []float32{1}, []float32{1, 1}); err == nil {
		t.Error("expected weight length mismatch error")
	}
	if _, err := HostMAE(nil, nil, nil); err == nil {
		t.Error("expected error for empty input")
	}
}

func TestDownsample(t *testing.T) {
	// two channels of a 4x4 image, value = x*4 + y (+100 on channel 1)
	data := make([]float32, 2*16)
	for c := 0; c < 2; c++ {
		for i := 0; i < 16; i++ {
			data[c*16+i] = float32(i + 100*c)
		}
	}

	g := gorgonia.NewGraph()
	x := inputNode(g, "x", data, 1, 2, 4, 4)
	out, err := Downsample(x, 2)
	if err != nil {
		t.Fatalf("Downsample failed: %v", err)
	}
	if s := out.Shape(); len(s) != 4 || s[1] != 2 || s[2] != 2 || s[3] != 2 {
		t.Fatalf("unexpected shape %v", s)
	}
	run(t, g)

	// each output is the mean of a 2x2 block
	want := []float32{2.5, 4.5, 10.5, 12.5, 102.5, 104.5, 110.5, 112.5}
	got := out.Value().Data().([]float32)
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-4 {
			t.Errorf("element %d: got %f, want %f", i, got[i], want[i])
		}
	}
}

func TestDownsampleValidation(t *testing.T) {
	g := gorgonia.NewGraph()
	x := inputNode(g, "x", make([]float32, 3*6*4), 1, 3, 6, 4)

	if same, err := Downsample(x, 1); err != nil || same != x {
		t.Errorf("factor 1 must return the input, got %v, %v", same, err)
	}
	if _, err := Downsample(x, 4); !errors.Is(err, layers.ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch for 6x4 / 4, got %v", err)
	}
	if _, err := Downsample(x, 0); err == nil {
		t.Error("expected error for factor 0")
	}
}

func TestBilinearMatrixRowsSumToOne(t *testing.T) {
	for _, tc := range []struct{ in, out int }{{8, 4}, {9, 3}, {16, 2}, {5, 5}} {
		m := bilinearMatrix(tc.in, tc.out)
		for r := 0; r < tc.out; r++ {
			var sum float32
			for c := 0; c < tc.in; c++ {
				sum += m[r*tc.in+c]
			}
			if math.Abs(float64(sum-1)) > 1e-6 {
				t.Errorf("%d->%d row %d sums to %f", tc.in, tc.out, r, sum)
			}
		}
	}
}
