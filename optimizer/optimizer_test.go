package optimizer

import (
	"testing"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

func TestParseType(t *testing.T) {
	for typ := Adam; typ <= AdaGrad; typ++ {
		got, err := ParseType(typ.String())
		if err != nil {
			t.Fatalf("ParseType(%s) failed: %v", typ, err)
		}
		if got != typ {
			t.Errorf("ParseType(%s) = %s", typ, got)
		}
	}

	if got, err := ParseType("rmsprop"); err != nil || got != RMSProp {
		t.Errorf("expected case-insensitive match, got %s, %v", got, err)
	}
	if _, err := ParseType("lbfgs"); err == nil {
		t.Error("expected error for unknown optimizer")
	}
}

func TestConfigValidate(t *testing.T) {
	t.Run("defaults are valid", func(t *testing.T) {
		for _, c := range []Config{DefaultAdamConfig(), DefaultSGDConfig()} {
			if err := c.Validate(); err != nil {
				t.Errorf("%s default invalid: %v", c.Type, err)
			}
		}
	})

	t.Run("invalid configurations", func(t *testing.T) {
		adam := DefaultAdamConfig()
		cases := map[string]Config{
			"zero learning rate": {Type: SGD},
			"negative decay":     {Type: SGD, LearningRate: 0.1, WeightDecay: -1},
			"adam beta1":         {Type: Adam, LearningRate: 0.1, Beta1: 1, Beta2: 0.9, Epsilon: 1e-8},
			"adam epsilon":       {Type: Adam, LearningRate: adam.LearningRate, Beta1: adam.Beta1, Beta2: adam.Beta2},
			"momentum":           {Type: Momentum, LearningRate: 0.1, Momentum: 1.5},
			"rmsprop rho":        {Type: RMSProp, LearningRate: 0.1},
			"unknown type":       {Type: OptimizerType(42), LearningRate: 0.1},
		}
		for name, c := range cases {
			if err := c.Validate(); err == nil {
				t.Errorf("%s: expected validation error", name)
			}
			if _, err := New(c); err == nil {
				t.Errorf("%s: expected New to fail", name)
			}
		}
	})
}

// quadratic builds loss = sum((w - 3)^2) over a two element vector
func quadratic(t *testing.T) (*gorgonia.ExprGraph, *gorgonia.Node, *gorgonia.Node) {
	t.Helper()
	g := gorgonia.NewGraph()
	w := gorgonia.NewVector(g, tensor.Float64, gorgonia.WithShape(2), gorgonia.WithName("w"),
		gorgonia.WithValue(tensor.New(tensor.WithBacking([]float64{0, 6}))))
	target := gorgonia.NewConstant(tensor.New(tensor.WithBacking([]float64{3, 3})), gorgonia.WithName("target"))

	diff, err := gorgonia.Sub(w, target)
	if err != nil {
		t.Fatalf("sub failed: %v", err)
	}
	sq, err := gorgonia.Square(diff)
	if err != nil {
		t.Fatalf("square failed: %v", err)
	}
	cost, err := gorgonia.Sum(sq)
	if err != nil {
		t.Fatalf("sum failed: %v", err)
	}
	if _, err := gorgonia.Grad(cost, w); err != nil {
		t.Fatalf("grad failed: %v", err)
	}
	return g, w, cost
}

func TestSolversReduceLoss(t *testing.T) {
	configs := []Config{
		{Type: Adam, LearningRate: 0.05, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8},
		{Type: SGD, LearningRate: 0.05},
		{Type: Momentum, LearningRate: 0.02, Momentum: 0.9},
		{Type: RMSProp, LearningRate: 0.02, Rho: 0.9, Epsilon: 1e-8},
		{Type: AdaGrad, LearningRate: 0.5, Epsilon: 1e-8},
	}

	for _, c := range configs {
		t.Run(c.Type.String(), func(t *testing.T) {
			g, w, cost := quadratic(t)
			solver, err := New(c)
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}

			vm := gorgonia.NewTapeMachine(g, gorgonia.BindDualValues(w))
			defer vm.Close()

			var first, last float64
			for step := 0; step < 60; step++ {
				if err := vm.RunAll(); err != nil {
					t.Fatalf("step %d failed: %v", step, err)
				}
				loss := cost.Value().Data().(float64)
				if step == 0 {
					first = loss
				}
				last = loss
				if err := solver.Step(gorgonia.NodesToValueGrads(gorgonia.Nodes{w})); err != nil {
					t.Fatalf("solver step %d failed: %v", step, err)
				}
				vm.Reset()
			}

			if last >= first {
				t.Errorf("loss did not decrease: first=%f last=%f", first, last)
			}
		})
	}
}
