// Package checkpoints records runs on disk. A manifest describes the settings,
// the network and the loss of every saved snapshot; trained weights are not
// persisted.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/tsawler/go-dip/layers"
	"github.com/tsawler/go-dip/training"
)

// ManifestName is the file name a run's manifest is written to
const ManifestName = "run.json"

// Manifest captures one run from start to pause
type Manifest struct {
	Settings      training.AlgorithmSettings `json:"settings"`
	TrainerConfig training.TrainerConfig     `json:"trainer_config"`
	ModelSpec     *layers.ModelSpec          `json:"model_spec,omitempty"`
	Iterations    []IterationRecord          `json:"iterations"`
	Score         *Score                     `json:"score,omitempty"`
	Metadata      Metadata                   `json:"metadata"`
}

// IterationRecord is one saved snapshot
type IterationRecord struct {
	Iteration int     `json:"iteration"`
	Loss      float32 `json:"loss"`
	File      string  `json:"file"`
}

// Score compares the last snapshot with the source image
type Score struct {
	MAE  float64  `json:"mae"`
	RMSE float64  `json:"rmse"`
	PSNR *float64 `json:"psnr,omitempty"` // nil for a pixel-exact reconstruction
}

// Metadata describes where a manifest came from
type Metadata struct {
	Version   string    `json:"version"`
	Framework string    `json:"framework"`
	CreatedAt time.Time `json:"created_at"`
	Source    string    `json:"source,omitempty"`
	Mask      string    `json:"mask,omitempty"`
}

// NewManifest starts a manifest for a run
func NewManifest(settings training.AlgorithmSettings, config training.TrainerConfig, spec *layers.ModelSpec) *Manifest {
	return &Manifest{
		Settings:      settings,
		TrainerConfig: config,
		ModelSpec:     spec,
	}
}

// Record appends a saved snapshot
func (m *Manifest) Record(iteration int, loss float32, file string) {
	m.Iterations = append(m.Iterations, IterationRecord{Iteration: iteration, Loss: loss, File: file})
}

// SetScore stores reconstruction metrics. JSON has no infinity, so a
// pixel-exact PSNR is left out.
func (m *Manifest) SetScore(metrics *training.ImageMetrics) {
	if metrics == nil {
		m.Score = nil
		return
	}
	s := &Score{MAE: metrics.MAE, RMSE: metrics.RMSE}
	if !math.IsInf(metrics.PSNR, 0) && !math.IsNaN(metrics.PSNR) {
		psnr := metrics.PSNR
		s.PSNR = &psnr
	}
	m.Score = s
}

// BestIteration returns the record with the lowest loss
func (m *Manifest) BestIteration() (IterationRecord, bool) {
	var best IterationRecord
	found := false
	for _, r := range m.Iterations {
		if !found || r.Loss < best.Loss {
			best, found = r, true
		}
	}
	return best, found
}

// Save writes the manifest as indented JSON. The file is replaced atomically
// so a reader never sees a partial manifest.
func Save(m *Manifest, path string) error {
	if m.Metadata.Framework == "" {
		m.Metadata.Framework = "go-dip"
		m.Metadata.Version = "1.0.0"
		m.Metadata.CreatedAt = time.Now()
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".manifest-*")
	if err != nil {
		return fmt.Errorf("failed to create manifest file: %w", err)
	}
	defer os.Remove(tmp.Name())

	encoder := json.NewEncoder(tmp)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(m); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to save manifest: %w", err)
	}
	return nil
}

// Load reads a manifest written by Save
func Load(path string) (*Manifest, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer file.Close()

	var m Manifest
	if err := json.NewDecoder(file).Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	return &m, nil
}
