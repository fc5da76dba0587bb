package training

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/tsawler/go-dip/engine"
	"github.com/tsawler/go-dip/layers"
	"github.com/tsawler/go-dip/memory"
	"github.com/tsawler/go-dip/optimizer"
	"github.com/tsawler/go-dip/vision/preprocessing"
	"gorgonia.org/tensor"
)

var (
	// ErrStepFailed marks a transient training failure. The iteration produced
	// no prediction but the session stays usable.
	ErrStepFailed = errors.New("training step failed")

	// ErrSessionClosed is returned by every operation on a closed session
	ErrSessionClosed = errors.New("session closed")
)

// Prediction is the result of one iteration
type Prediction struct {
	Pixels   []byte // row-major RGBA
	Loss     float32
	Epochs   int
	Duration time.Duration
}

// Session owns one model, one fixed noise seed, the encoded target and the
// optional mask weight. Everything it allocates is tracked by a memory.Scope
// and released by Close: the model release closes the engine, which drops the
// graph holding the input tensors, and the tensor releases drop the session's
// own references. A Session is not safe for concurrent use; callers run at
// most one iteration at a time.
type Session struct {
	id       string
	settings AlgorithmSettings
	config   TrainerConfig
	seed     int64

	spec   *layers.ModelSpec
	engine *engine.ModelEngine
	noise  *tensor.Dense
	target *tensor.Dense
	weight *tensor.Dense // nil unless inpainting
	scope  *memory.Scope
	logger *slog.Logger

	iterations int
	closed     bool
}

// NewSession validates the request, builds the model and draws the noise seed.
// Contract violations (bad settings, wrong buffer sizes, missing mask) fail
// before any tensor is allocated.
func NewSession(settings AlgorithmSettings, config TrainerConfig, source, mask []byte) (*Session, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if len(source) == 0 {
		return nil, ErrNoSourceImage
	}
	if err := preprocessing.CheckBuffer(source, settings.Width, settings.Height); err != nil {
		return nil, fmt.Errorf("invalid source image: %w", err)
	}
	if settings.Inpaint {
		if len(mask) == 0 {
			return nil, ErrMaskRequired
		}
		if err := preprocessing.CheckBuffer(mask, settings.Width, settings.Height); err != nil {
			return nil, fmt.Errorf("invalid mask: %w", err)
		}
	}

	spec, err := layers.Build(settings.NetworkConfig())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}

	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	s := &Session{
		id:       uuid.NewString(),
		settings: settings,
		config:   config,
		seed:     seed,
		spec:     spec,
	}
	s.scope = memory.NewScope("session " + s.id)
	s.logger = slog.Default().With("session", s.id)

	if err := s.build(source, mask); err != nil {
		_ = s.scope.Release()
		return nil, err
	}

	s.logger.Debug("session created",
		"width", settings.Width, "height", settings.Height,
		"layers", settings.Layers, "filters", settings.Filters,
		"architecture", settings.Architecture, "inpaint", settings.Inpaint,
		"parameters", spec.TotalParameters, "bytes", s.scope.Bytes())
	return s, nil
}

func (s *Session) build(source, mask []byte) error {
	s.noise = s.drawNoise()
	if err := s.track("noise", s.noise, func() { s.noise = nil }); err != nil {
		return err
	}

	var err error
	if s.target, err = encodeChannelsFirst(preprocessing.Encode, source, s.settings); err != nil {
		return fmt.Errorf("failed to encode source image: %w", err)
	}
	if err := s.track("target", s.target, func() { s.target = nil }); err != nil {
		return err
	}

	if s.settings.Inpaint {
		if s.weight, err = encodeChannelsFirst(preprocessing.EncodeMask, mask, s.settings); err != nil {
			return fmt.Errorf("failed to encode mask: %w", err)
		}
		if err := s.track("mask", s.weight, func() { s.weight = nil }); err != nil {
			return err
		}
	}

	solver, err := optimizer.New(s.config.OptimizerConfig())
	if err != nil {
		return err
	}

	model, err := engine.NewModelEngine(s.spec, engine.EngineConfig{
		Solver: solver,
		Loss:   NewLoss(s.settings.SuperResolution),
		Seed:   s.seed,
	}, engine.Inputs{Noise: s.noise, Target: s.target, Weight: s.weight})
	if err != nil {
		return fmt.Errorf("failed to build model: %w", err)
	}
	s.engine = model
	return s.scope.Track("model", s.spec.TotalParameters*4, model.Close)
}

// drawNoise draws the [1, 1, W, H] standard normal seed. It holds the same
// values in the same order as a [1, W, H, 1] tensor.
func (s *Session) drawNoise() *tensor.Dense {
	rng := rand.New(rand.NewSource(s.seed))
	data := make([]float32, s.settings.Width*s.settings.Height)
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}
	return tensor.New(tensor.WithShape(1, 1, s.settings.Width, s.settings.Height), tensor.WithBacking(data))
}

// track records a tensor in the scope; drop clears the session's reference
func (s *Session) track(name string, t *tensor.Dense, drop func()) error {
	return s.scope.Track(name, int64(t.MemSize()), func() error {
		drop()
		return nil
	})
}

func encodeChannelsFirst(
	encode func([]byte, int, int) (*tensor.Dense, error),
	pixels []byte, settings AlgorithmSettings,
) (*tensor.Dense, error) {
	t, err := encode(pixels, settings.Width, settings.Height)
	if err != nil {
		return nil, err
	}
	return preprocessing.ToChannelsFirst(t)
}

// ID identifies the session in logs
func (s *Session) ID() string {
	return s.id
}

// Settings returns the settings the session was built with
func (s *Session) Settings() AlgorithmSettings {
	return s.settings
}

// Spec returns the compiled network
func (s *Session) Spec() *layers.ModelSpec {
	return s.spec
}

// Iterations returns the number of successful iterations
func (s *Session) Iterations() int {
	return s.iterations
}

// RunIteration performs EpochsPerIteration optimizer steps and decodes the
// resulting prediction. Every failure inside the step, including a panic in
// the tensor runtime, is returned as ErrStepFailed and leaves the session
// usable.
func (s *Session) RunIteration() (pred *Prediction, err error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			pred = nil
			err = fmt.Errorf("%w: panic: %v", ErrStepFailed, r)
		}
		if err != nil && errors.Is(err, ErrStepFailed) {
			s.logger.Warn("iteration failed", "iteration", s.iterations+1, "error", err)
		}
	}()

	var loss float32
	for epoch := 0; epoch < s.config.EpochsPerIteration; epoch++ {
		if loss, err = s.engine.Step(); err != nil {
			return nil, fmt.Errorf("%w at epoch %d: %w", ErrStepFailed, epoch, err)
		}
	}

	pixels, err := s.predict()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStepFailed, err)
	}

	s.iterations++
	pred = &Prediction{
		Pixels:   pixels,
		Loss:     loss,
		Epochs:   s.config.EpochsPerIteration,
		Duration: time.Since(start),
	}
	s.logger.Debug("iteration complete", "iteration", s.iterations, "loss", loss, "duration", pred.Duration)
	return pred, nil
}

// Predict decodes the current model output without training
func (s *Session) Predict() ([]byte, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	return s.predict()
}

func (s *Session) predict() ([]byte, error) {
	out, err := s.engine.Predict()
	if err != nil {
		return nil, err
	}
	last, err := preprocessing.FromChannelsFirst(out)
	if err != nil {
		return nil, err
	}
	return preprocessing.Decode(last)
}

// Loss evaluates the training loss for the current weights
func (s *Session) Loss() (float32, error) {
	if s.closed {
		return 0, ErrSessionClosed
	}
	return s.engine.Loss()
}

// Close releases the model, noise, target and mask. Later calls are no-ops.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	bytes := s.scope.Bytes()
	err := s.scope.Release()
	s.engine = nil
	s.logger.Debug("session disposed", "iterations", s.iterations, "bytes", bytes)
	return err
}
