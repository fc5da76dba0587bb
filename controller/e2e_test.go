package controller

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsawler/go-dip/training"
	"github.com/tsawler/go-dip/vision/preprocessing"
)

func grayImage(w, h int) []byte {
	out := make([]byte, w*h*4)
	for i := 0; i < len(out); i += 4 {
		out[i], out[i+1], out[i+2], out[i+3] = 128, 128, 128, 255
	}
	return out
}

func trainingController(t *testing.T) *Controller {
	t.Helper()
	cfg := training.DefaultTrainerConfig()
	cfg.Seed = 3
	c := New(Options{
		TrainerConfig: cfg,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return c
}

func TestEndToEndGrayImage(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping training run in short mode")
	}
	c := trainingController(t)
	settings := training.AlgorithmSettings{Width: 64, Height: 64, Layers: 3, Filters: 8, SuperResolution: 1}
	dispatch(t, c, SetSettings{Settings: settings})
	dispatch(t, c, SetSourceImage{Pixels: grayImage(64, 64)})
	dispatch(t, c, Start{})

	ev := waitForWithin[SnapshotAppended](t, c, time.Minute)
	require.Equal(t, 1, ev.Snapshot.Iteration)

	dispatch(t, c, Pause{})

	pixels, w, h, err := preprocessing.DecodePNG(ev.Snapshot.Image)
	require.NoError(t, err)
	require.Equal(t, 64, w)
	require.Equal(t, 64, h)

	stats, err := training.ComputeImageStats(pixels)
	require.NoError(t, err)
	assert.InDelta(t, 128, stats.MeanIntensity(), 40, "stats %s", stats)

	history, err := c.History(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, 1, history[0].Iteration)
}

func TestEndToEndRejectsIndivisibleSize(t *testing.T) {
	c := trainingController(t)
	settings := training.AlgorithmSettings{Width: 100, Height: 100, Layers: 3, Filters: 8, SuperResolution: 1}
	dispatch(t, c, SetSettings{Settings: settings})
	dispatch(t, c, SetSourceImage{Pixels: grayImage(100, 100)})

	err := c.Dispatch(context.Background(), Start{})
	require.Error(t, err)
	assert.ErrorIs(t, err, training.ErrInvalidSettings)

	st := status(t, c)
	assert.Equal(t, Idle, st.State)
	assert.Zero(t, st.Snapshots)
}

func waitForWithin[T Event](t *testing.T, c *Controller, timeout time.Duration) T {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-c.Events():
			if want, ok := ev.(T); ok {
				return want
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}
