package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-dip/checkpoints"
	"github.com/tsawler/go-dip/controller"
	"github.com/tsawler/go-dip/envconfig"
	"github.com/tsawler/go-dip/layers"
	"github.com/tsawler/go-dip/memory"
	"github.com/tsawler/go-dip/optimizer"
	"github.com/tsawler/go-dip/training"
	"github.com/tsawler/go-dip/vision/preprocessing"
)

// statusPollInterval is how often the runner checks whether the run ended.
// Events are best effort, so the end of a run is read from Status.
const statusPollInterval = 50 * time.Millisecond

// RunHandler fits the network to --image and writes image_iter<N>.png for
// each of the --iterations iterations
func RunHandler(cmd *cobra.Command, args []string) error {
	settings, err := settingsFromFlags(cmd)
	if err != nil {
		return err
	}
	config, err := trainerConfigFromFlags(cmd)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	imagePath, _ := flags.GetString("image")
	maskPath, _ := flags.GetString("mask")
	outDir, _ := flags.GetString("out")
	iterations, _ := flags.GetInt("iterations")
	if iterations < 1 {
		return fmt.Errorf("iterations must be at least 1, got %d", iterations)
	}

	source, err := openImage(imagePath, settings.Width, settings.Height)
	if err != nil {
		return fmt.Errorf("failed to load source image: %w", err)
	}
	var mask []byte
	if settings.Inpaint {
		if mask, err = openImage(maskPath, settings.Width, settings.Height); err != nil {
			return fmt.Errorf("failed to load mask: %w", err)
		}
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	spec, err := layers.Build(settings.NetworkConfig())
	if err != nil {
		return fmt.Errorf("failed to build network: %w", err)
	}
	manifest := checkpoints.NewManifest(settings, config, spec)
	manifest.Metadata.Source = imagePath
	manifest.Metadata.Mask = maskPath

	r := &runner{
		manifest:   manifest,
		controller: controller.New(controller.Options{
			TrainerConfig: config,
			Settings:      &settings,
			MaxIterations: iterations,
		}),
		source:     source,
		mask:       mask,
		outDir:     outDir,
		iterations: iterations,
		progress:   training.NewProgressBar(cmd.OutOrStdout(), "Fitting", iterations),
		poll:       statusPollInterval,
	}
	slog.Info("starting run", "image", imagePath, "width", settings.Width, "height", settings.Height,
		"architecture", settings.Architecture, "inpaint", settings.Inpaint, "epochs", config.EpochsPerIteration)
	return r.run(cmd.Context())
}

func trainerConfigFromFlags(cmd *cobra.Command) (training.TrainerConfig, error) {
	config := training.DefaultTrainerConfig()
	if epochs := envconfig.Epochs(); epochs > 0 {
		config.EpochsPerIteration = int(epochs)
	}
	config.Seed = envconfig.Seed()

	flags := cmd.Flags()
	if epochs, _ := flags.GetInt("epochs"); epochs > 0 {
		config.EpochsPerIteration = epochs
	}
	if lr, _ := flags.GetFloat64("learning-rate"); lr > 0 {
		config.LearningRate = lr
	}
	name, _ := flags.GetString("optimizer")
	opt, err := optimizer.ParseType(name)
	if err != nil {
		return config, err
	}
	config.OptimizerType = opt
	if flags.Changed("seed") {
		config.Seed, _ = flags.GetInt64("seed")
	}

	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

func openImage(path string, width, height int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return preprocessing.LoadImage(f, width, height)
}

// runner drives one controller through a run limited to iterations
type runner struct {
	controller *controller.Controller
	manifest   *checkpoints.Manifest
	source     []byte
	mask       []byte
	outDir     string
	iterations int
	progress   *training.ProgressBar
	poll       time.Duration

	saved map[int]bool
	last  []byte // decoded pixels of the latest snapshot
}

func (r *runner) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := r.controller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if err := r.start(ctx); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}

	g.Go(func() error {
		defer cancel()
		return r.consume(ctx)
	})
	return g.Wait()
}

// start hands the source (and mask) to the controller. The mask is handed
// over directly after Start instead of waiting for MaskRequested.
func (r *runner) start(ctx context.Context) error {
	if err := r.controller.Dispatch(ctx, controller.SetSourceImage{Pixels: r.source}); err != nil {
		return err
	}
	if err := r.controller.Dispatch(ctx, controller.Start{}); err != nil {
		return err
	}
	if r.mask == nil {
		return nil
	}
	mask := r.mask
	surface := controller.PixelReaderFunc(func() ([]byte, error) { return mask, nil })
	if err := r.controller.Dispatch(ctx, controller.MaskReady{Surface: surface}); err != nil {
		return fmt.Errorf("failed to hand over mask: %w", err)
	}
	return nil
}

// consume saves snapshots as their events arrive and polls Status until the
// controller is back in Idle. Snapshots whose events were dropped are
// recovered from the history when the run ends.
func (r *runner) consume(ctx context.Context) error {
	poll := r.poll
	if poll <= 0 {
		poll = statusPollInterval
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-r.controller.Events():
			switch ev := ev.(type) {
			case controller.SnapshotAppended:
				if err := r.save(ev.Snapshot); err != nil {
					return err
				}
				r.progress.Update(min(ev.Snapshot.Iteration, r.iterations), map[string]float64{"loss": float64(ev.Snapshot.Loss)})
			case controller.SessionFailed:
				return ev.Err
			}
		case <-ticker.C:
			st, err := r.controller.Status(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if st.State == controller.Idle {
				return r.finish(ctx)
			}
		}
	}
}

// finish writes any snapshot not saved yet, fills the manifest from the
// history and reports the result
func (r *runner) finish(ctx context.Context) error {
	history, err := r.controller.History(ctx)
	if err != nil {
		return err
	}
	for _, snap := range history {
		if !r.saved[snap.Iteration] {
			if err := r.save(snap); err != nil {
				return err
			}
		}
		r.manifest.Record(snap.Iteration, snap.Loss, snapshotName(snap.Iteration))
	}
	if n := len(history); n > 0 {
		pixels, _, _, err := preprocessing.DecodePNG(history[n-1].Image)
		if err != nil {
			return fmt.Errorf("failed to read back snapshot: %w", err)
		}
		r.last = pixels
	}
	r.progress.Finish()
	return r.report()
}

func snapshotName(iteration int) string {
	return fmt.Sprintf("image_iter%d.png", iteration)
}

// save writes a snapshot as image_iter<N>.png
func (r *runner) save(snap controller.Snapshot) error {
	path := filepath.Join(r.outDir, snapshotName(snap.Iteration))
	if err := os.WriteFile(path, snap.Image, 0o644); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	if r.saved == nil {
		r.saved = make(map[int]bool)
	}
	r.saved[snap.Iteration] = true
	slog.Debug("snapshot saved", "path", path, "loss", snap.Loss)
	return nil
}

// report scores the last snapshot against the source and writes the run
// manifest next to the snapshots
func (r *runner) report() error {
	if r.last != nil {
		metrics, err := training.CompareImages(r.last, r.source, r.mask)
		if err != nil {
			slog.Warn("failed to score reconstruction", "error", err)
		} else {
			r.manifest.SetScore(metrics)
			stats, _ := training.ComputeImageStats(r.last)
			slog.Info("run finished", "snapshots", len(r.saved), "mae", metrics.MAE, "psnr", metrics.PSNR,
				"stats", stats.String(), "memory", memory.GetGlobalMemoryManager().Stats().String())
		}
	}
	if best, ok := r.manifest.BestIteration(); ok {
		slog.Info("lowest loss", "iteration", best.Iteration, "loss", best.Loss, "file", best.File)
	}
	return checkpoints.Save(r.manifest, filepath.Join(r.outDir, checkpoints.ManifestName))
}
