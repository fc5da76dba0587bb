package checkpoints

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tsawler/go-dip/layers"
	"github.com/tsawler/go-dip/training"
)

func testManifest(t *testing.T) *Manifest {
	t.Helper()
	settings := training.DefaultSettings()
	settings.Width, settings.Height, settings.Layers = 32, 32, 2
	spec, err := layers.Build(settings.NetworkConfig())
	if err != nil {
		t.Fatalf("failed to build network: %v", err)
	}
	m := NewManifest(settings, training.DefaultTrainerConfig(), spec)
	m.Record(1, 0.4, "image_iter1.png")
	m.Record(2, 0.25, "image_iter2.png")
	m.Record(3, 0.3, "image_iter3.png")
	return m
}

func TestManifestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), ManifestName)
	m := testManifest(t)
	m.SetScore(&training.ImageMetrics{MAE: 3, RMSE: 4, PSNR: 36.1})

	if err := Save(m, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if m.Metadata.Framework != "go-dip" || m.Metadata.CreatedAt.IsZero() {
		t.Fatalf("metadata defaults not applied: %+v", m.Metadata)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if diff := cmp.Diff(m.Settings, got.Settings); diff != "" {
		t.Errorf("settings mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(m.Iterations, got.Iterations); diff != "" {
		t.Errorf("iterations mismatch (-want +got):\n%s", diff)
	}
	if got.Score == nil || got.Score.PSNR == nil || *got.Score.PSNR != 36.1 {
		t.Errorf("score not restored: %+v", got.Score)
	}

	t.Run("model spec parameters survive JSON", func(t *testing.T) {
		if got.ModelSpec == nil {
			t.Fatal("model spec missing")
		}
		for i, layer := range m.ModelSpec.Layers {
			loaded := got.ModelSpec.Layers[i]
			if layer.Type != layers.Conv2D {
				continue
			}
			for _, key := range []string{"kernel_size", "stride", "padding", "output_channels"} {
				if want, have := layer.IntParam(key, -1), loaded.IntParam(key, -1); want != have {
					t.Errorf("%s %s = %d after load, want %d", layer.Name, key, have, want)
				}
			}
		}
	})
}

func TestManifestInfinitePSNR(t *testing.T) {
	path := filepath.Join(t.TempDir(), ManifestName)
	m := testManifest(t)
	m.SetScore(&training.ImageMetrics{PSNR: math.Inf(1)})

	if err := Save(m, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.Score == nil || got.Score.PSNR != nil {
		t.Fatalf("expected score without PSNR, got %+v", got.Score)
	}
}

func TestBestIteration(t *testing.T) {
	m := testManifest(t)
	best, ok := m.BestIteration()
	if !ok || best.Iteration != 2 {
		t.Fatalf("BestIteration() = %+v, %v; want iteration 2", best, ok)
	}

	if _, ok := (&Manifest{}).BestIteration(); ok {
		t.Fatal("empty manifest reported a best iteration")
	}
}

func TestManifestFileErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
			t.Fatal("expected error loading a missing manifest")
		}
	})

	t.Run("corrupt file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ManifestName)
		if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(path); err == nil {
			t.Fatal("expected error decoding a corrupt manifest")
		}
	})

	t.Run("missing directory", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "no", "such", ManifestName)
		if err := Save(testManifest(t), path); err == nil {
			t.Fatal("expected error saving into a missing directory")
		}
	})
}
