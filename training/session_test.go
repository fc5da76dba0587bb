package training

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsawler/go-dip/layers"
)

func solid(w, h int, v byte) []byte {
	out := make([]byte, w*h*4)
	for i := 0; i < len(out); i += 4 {
		out[i], out[i+1], out[i+2], out[i+3] = v, v, v, 255
	}
	return out
}

func gradient(w, h int) []byte {
	out := make([]byte, w*h*4)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * 4
			out[i] = byte(x * 255 / w)
			out[i+1] = byte(y * 255 / h)
			out[i+2] = 128
			out[i+3] = 255
		}
	}
	return out
}

func smallSettings() AlgorithmSettings {
	return AlgorithmSettings{Width: 16, Height: 16, Layers: 2, Filters: 4, SuperResolution: 1}
}

func testConfig() TrainerConfig {
	cfg := DefaultTrainerConfig()
	cfg.EpochsPerIteration = 3
	cfg.Seed = 42
	return cfg
}

func newTestSession(t *testing.T, s AlgorithmSettings, cfg TrainerConfig, source, mask []byte) *Session {
	t.Helper()
	session, err := NewSession(s, cfg, source, mask)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func TestSessionRejectsContractViolations(t *testing.T) {
	cfg := testConfig()

	t.Run("size not divisible by 2^layers", func(t *testing.T) {
		s := AlgorithmSettings{Width: 100, Height: 100, Layers: 3, Filters: 8, SuperResolution: 1}
		session, err := NewSession(s, cfg, solid(100, 100, 128), nil)
		require.Error(t, err)
		assert.Nil(t, session)
		assert.ErrorIs(t, err, ErrInvalidSettings)
		assert.ErrorIs(t, err, layers.ErrShapeMismatch)
	})

	t.Run("missing source", func(t *testing.T) {
		_, err := NewSession(smallSettings(), cfg, nil, nil)
		assert.ErrorIs(t, err, ErrNoSourceImage)
	})

	t.Run("wrong source size", func(t *testing.T) {
		_, err := NewSession(smallSettings(), cfg, solid(8, 8, 0), nil)
		assert.ErrorIs(t, err, ErrBufferSize)
	})

	t.Run("inpaint without mask", func(t *testing.T) {
		s := smallSettings()
		s.Inpaint = true
		_, err := NewSession(s, cfg, solid(16, 16, 0), nil)
		assert.ErrorIs(t, err, ErrMaskRequired)
	})

	t.Run("wrong mask size", func(t *testing.T) {
		s := smallSettings()
		s.Inpaint = true
		_, err := NewSession(s, cfg, solid(16, 16, 0), solid(4, 4, 255))
		assert.ErrorIs(t, err, ErrBufferSize)
	})

	t.Run("invalid trainer config", func(t *testing.T) {
		bad := cfg
		bad.EpochsPerIteration = 0
		_, err := NewSession(smallSettings(), bad, solid(16, 16, 0), nil)
		assert.Error(t, err)
	})
}

func TestSessionPredictIsPure(t *testing.T) {
	session := newTestSession(t, smallSettings(), testConfig(), gradient(16, 16), nil)

	a, err := session.Predict()
	require.NoError(t, err)
	b, err := session.Predict()
	require.NoError(t, err)
	assert.Equal(t, a, b, "predictions without a training step must be identical")
	require.Len(t, a, 16*16*4)
	for i := 3; i < len(a); i += 4 {
		require.Equal(t, byte(255), a[i], "alpha at %d", i)
	}
}

func TestSessionAllWhiteMaskMatchesPlainLoss(t *testing.T) {
	plain := newTestSession(t, smallSettings(), testConfig(), gradient(16, 16), nil)

	s := smallSettings()
	s.Inpaint = true
	masked := newTestSession(t, s, testConfig(), gradient(16, 16), solid(16, 16, 255))

	lp, err := plain.Loss()
	require.NoError(t, err)
	lm, err := masked.Loss()
	require.NoError(t, err)
	assert.InDelta(t, lp, lm, 1e-6)
	assert.Greater(t, lp, float32(0))
}

func TestSessionRunIteration(t *testing.T) {
	session := newTestSession(t, smallSettings(), testConfig(), gradient(16, 16), nil)

	before, err := session.Loss()
	require.NoError(t, err)

	var last *Prediction
	for i := 0; i < 5; i++ {
		last, err = session.RunIteration()
		require.NoError(t, err)
	}
	assert.Equal(t, 5, session.Iterations())
	assert.Equal(t, 3, last.Epochs)
	assert.Len(t, last.Pixels, 16*16*4)
	assert.True(t, last.Duration > 0)

	after, err := session.Loss()
	require.NoError(t, err)
	assert.Less(t, after, before, "training must reduce the loss")
}

func TestSessionVariants(t *testing.T) {
	t.Run("super resolution", func(t *testing.T) {
		s := smallSettings()
		s.SuperResolution = 2
		session := newTestSession(t, s, testConfig(), gradient(16, 16), nil)
		pred, err := session.RunIteration()
		require.NoError(t, err)
		assert.Len(t, pred.Pixels, 16*16*4, "prediction stays at full resolution")
	})

	t.Run("convnet any size", func(t *testing.T) {
		s := AlgorithmSettings{Width: 10, Height: 6, Layers: 2, Filters: 4, SuperResolution: 1, Architecture: ConvNet}
		session := newTestSession(t, s, testConfig(), gradient(10, 6), nil)
		pred, err := session.RunIteration()
		require.NoError(t, err)
		assert.Len(t, pred.Pixels, 10*6*4)
	})

	t.Run("inpaint", func(t *testing.T) {
		s := smallSettings()
		s.Inpaint = true
		mask := solid(16, 16, 255)
		for i := 0; i < len(mask)/2; i += 4 {
			mask[i], mask[i+1], mask[i+2] = 0, 0, 0
		}
		session := newTestSession(t, s, testConfig(), gradient(16, 16), mask)
		_, err := session.RunIteration()
		require.NoError(t, err)
	})
}

func TestSessionGrayImageConverges(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping 64x64 training in short mode")
	}
	s := AlgorithmSettings{Width: 64, Height: 64, Layers: 3, Filters: 8, SuperResolution: 1}
	cfg := DefaultTrainerConfig()
	cfg.Seed = 1
	session := newTestSession(t, s, cfg, solid(64, 64, 128), nil)

	var pred *Prediction
	var err error
	for i := 0; i < 3; i++ {
		pred, err = session.RunIteration()
		require.NoError(t, err)
	}

	stats, err := ComputeImageStats(pred.Pixels)
	require.NoError(t, err)
	assert.InDelta(t, 128, stats.MeanIntensity(), 40, "stats %s", stats)
}

func TestSessionClose(t *testing.T) {
	session, err := NewSession(smallSettings(), testConfig(), gradient(16, 16), nil)
	require.NoError(t, err)
	require.NotEmpty(t, session.ID())

	require.NoError(t, session.Close())
	require.NoError(t, session.Close())

	_, err = session.RunIteration()
	assert.True(t, errors.Is(err, ErrSessionClosed))
	_, err = session.Predict()
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = session.Loss()
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSessionCloseReleasesInputs(t *testing.T) {
	settings := smallSettings()
	settings.Inpaint = true
	session, err := NewSession(settings, testConfig(), gradient(16, 16), solid(16, 16, 255))
	require.NoError(t, err)

	require.Equal(t, 4, session.scope.Len(), "noise, target, mask and model are tracked")
	require.Positive(t, session.scope.Bytes())
	require.NotNil(t, session.noise)
	require.NotNil(t, session.weight)

	require.NoError(t, session.Close())
	assert.True(t, session.scope.Released())
	assert.Zero(t, session.scope.Bytes())
	assert.Nil(t, session.noise)
	assert.Nil(t, session.target)
	assert.Nil(t, session.weight)
	assert.Nil(t, session.engine)
}

func TestSessionIDsAreUnique(t *testing.T) {
	a := newTestSession(t, smallSettings(), testConfig(), gradient(16, 16), nil)
	b := newTestSession(t, smallSettings(), testConfig(), gradient(16, 16), nil)
	assert.NotEqual(t, a.ID(), b.ID())
}
