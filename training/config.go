package training

import (
	"fmt"

	"github.com/tsawler/go-dip/optimizer"
)

// TrainerConfig provides the optimization parameters of a session
type TrainerConfig struct {
	// Optimizer epochs run by one RunIteration call
	EpochsPerIteration int `json:"epochs_per_iteration"`

	LearningRate  float64                 `json:"learning_rate"`
	OptimizerType optimizer.OptimizerType `json:"optimizer_type"`

	// Adam-specific parameters (ignored for other optimizers)
	Beta1   float64 `json:"beta1"`   // default: 0.9
	Beta2   float64 `json:"beta2"`   // default: 0.999
	Epsilon float64 `json:"epsilon"` // default: 1e-8

	WeightDecay  float64 `json:"weight_decay"`  // L2 regularization (default: 0.0)
	Momentum     float64 `json:"momentum"`      // Momentum optimizer only
	Rho          float64 `json:"rho"`           // RMSProp decay
	GradientClip float64 `json:"gradient_clip"` // 0 disables clipping

	// Seed drives the noise seed and the weight initialization. 0 picks a
	// time based seed for every session.
	Seed int64 `json:"seed"`
}

// DefaultTrainerConfig returns 20 Adam epochs per iteration at lr 0.001
func DefaultTrainerConfig() TrainerConfig {
	return TrainerConfig{
		EpochsPerIteration: 20,
		LearningRate:       0.001,
		OptimizerType:      optimizer.Adam,
		Beta1:              0.9,
		Beta2:              0.999,
		Epsilon:            1e-8,
		Momentum:           0.9,
		Rho:                0.9,
	}
}

// OptimizerConfig maps the trainer parameters onto the solver factory
func (c TrainerConfig) OptimizerConfig() optimizer.Config {
	return optimizer.Config{
		Type:         c.OptimizerType,
		LearningRate: c.LearningRate,
		Beta1:        c.Beta1,
		Beta2:        c.Beta2,
		Epsilon:      c.Epsilon,
		Momentum:     c.Momentum,
		Rho:          c.Rho,
		WeightDecay:  c.WeightDecay,
		Clip:         c.GradientClip,
	}
}

// Validate checks the configuration
func (c TrainerConfig) Validate() error {
	if c.EpochsPerIteration < 1 {
		return fmt.Errorf("epochs per iteration must be at least 1, got %d", c.EpochsPerIteration)
	}
	if err := c.OptimizerConfig().Validate(); err != nil {
		return fmt.Errorf("invalid optimizer configuration: %w", err)
	}
	return nil
}
