package optimizer

import (
	"fmt"
	"strings"

	"gorgonia.org/gorgonia"
)

// OptimizerType selects the update rule applied after every epoch
type OptimizerType int

const (
	Adam OptimizerType = iota
	SGD
	Momentum
	RMSProp
	AdaGrad
)

func (t OptimizerType) String() string {
	switch t {
	case Adam:
		return "Adam"
	case SGD:
		return "SGD"
	case Momentum:
		return "Momentum"
	case RMSProp:
		return "RMSProp"
	case AdaGrad:
		return "AdaGrad"
	default:
		return "Unknown"
	}
}

// ParseType maps a case-insensitive optimizer name onto its type
func ParseType(name string) (OptimizerType, error) {
	for t := Adam; t <= AdaGrad; t++ {
		if strings.EqualFold(name, t.String()) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown optimizer %q", name)
}

// Config holds the hyperparameters of every supported optimizer. Fields that
// do not apply to the selected type are ignored.
type Config struct {
	Type         OptimizerType `json:"type"`
	LearningRate float64       `json:"learning_rate"`
	Beta1        float64       `json:"beta1"`        // Adam only
	Beta2        float64       `json:"beta2"`        // Adam only
	Epsilon      float64       `json:"epsilon"`      // Adam, RMSProp, AdaGrad
	Momentum     float64       `json:"momentum"`     // Momentum only
	Rho          float64       `json:"rho"`          // RMSProp decay
	WeightDecay  float64       `json:"weight_decay"` // L2 regularization, 0 disables
	Clip         float64       `json:"clip"`         // gradient clip, 0 disables
}

// DefaultAdamConfig returns the Adam configuration used for image fitting
func DefaultAdamConfig() Config {
	return Config{
		Type:         Adam,
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
	}
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() Config {
	return Config{
		Type:         SGD,
		LearningRate: 0.01,
	}
}

// Validate checks the hyperparameters of the selected optimizer
func (c Config) Validate() error {
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning rate must be positive, got %g", c.LearningRate)
	}
	if c.WeightDecay < 0 || c.Clip < 0 {
		return fmt.Errorf("weight decay (%g) and clip (%g) must not be negative", c.WeightDecay, c.Clip)
	}

	switch c.Type {
	case Adam:
		if c.Beta1 < 0 || c.Beta1 >= 1 || c.Beta2 < 0 || c.Beta2 >= 1 {
			return fmt.Errorf("adam betas must be in [0,1), got %g and %g", c.Beta1, c.Beta2)
		}
		if c.Epsilon <= 0 {
			return fmt.Errorf("adam epsilon must be positive, got %g", c.Epsilon)
		}
	case Momentum:
		if c.Momentum < 0 || c.Momentum >= 1 {
			return fmt.Errorf("momentum must be in [0,1), got %g", c.Momentum)
		}
	case RMSProp:
		if c.Rho <= 0 || c.Rho >= 1 {
			return fmt.Errorf("rmsprop rho must be in (0,1), got %g", c.Rho)
		}
	case SGD, AdaGrad:
	default:
		return fmt.Errorf("unsupported optimizer type %d", c.Type)
	}
	return nil
}

// New builds the solver described by c
func New(c Config) (gorgonia.Solver, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	opts := []gorgonia.SolverOpt{gorgonia.WithLearnRate(c.LearningRate)}
	if c.WeightDecay > 0 {
		opts = append(opts, gorgonia.WithL2Reg(c.WeightDecay))
	}
	if c.Clip > 0 {
		opts = append(opts, gorgonia.WithClip(c.Clip))
	}

	switch c.Type {
	case Adam:
		opts = append(opts, gorgonia.WithBeta1(c.Beta1), gorgonia.WithBeta2(c.Beta2), gorgonia.WithEps(c.Epsilon))
		return gorgonia.NewAdamSolver(opts...), nil
	case SGD:
		return gorgonia.NewVanillaSolver(opts...), nil
	case Momentum:
		opts = append(opts, gorgonia.WithMomentum(c.Momentum))
		return gorgonia.NewMomentum(opts...), nil
	case RMSProp:
		if c.Epsilon > 0 {
			opts = append(opts, gorgonia.WithEps(c.Epsilon))
		}
		opts = append(opts, gorgonia.WithRho(c.Rho))
		return gorgonia.NewRMSPropSolver(opts...), nil
	default:
		if c.Epsilon > 0 {
			opts = append(opts, gorgonia.WithEps(c.Epsilon))
		}
		return gorgonia.NewAdaGradSolver(opts...), nil
	}
}
