package training

import (
	"fmt"
	"math"

	"github.com/tsawler/go-dip/vision/preprocessing"
	"gonum.org/v1/gonum/stat"
)

// ImageStats holds per-channel statistics of an RGBA buffer
type ImageStats struct {
	Mean   [preprocessing.ColorChannels]float64
	StdDev [preprocessing.ColorChannels]float64
}

// MeanIntensity averages the channel means
func (s ImageStats) MeanIntensity() float64 {
	var sum float64
	for _, m := range s.Mean {
		sum += m
	}
	return sum / float64(len(s.Mean))
}

func (s ImageStats) String() string {
	return fmt.Sprintf("mean=[%.1f %.1f %.1f] std=[%.1f %.1f %.1f]",
		s.Mean[0], s.Mean[1], s.Mean[2], s.StdDev[0], s.StdDev[1], s.StdDev[2])
}

// ComputeImageStats returns the mean and standard deviation of the R, G and
// B channels. Alpha is ignored.
func ComputeImageStats(pixels []byte) (ImageStats, error) {
	var stats ImageStats
	if len(pixels) == 0 || len(pixels)%preprocessing.BytesPerPixel != 0 {
		return stats, fmt.Errorf("buffer of %d bytes is not RGBA: %w", len(pixels), ErrBufferSize)
	}
	n := len(pixels) / preprocessing.BytesPerPixel
	channel := make([]float64, n)
	for c := 0; c < preprocessing.ColorChannels; c++ {
		for i := 0; i < n; i++ {
			channel[i] = float64(pixels[i*preprocessing.BytesPerPixel+c])
		}
		stats.Mean[c], stats.StdDev[c] = stat.PopMeanStdDev(channel, nil)
	}
	return stats, nil
}

// ImageMetrics compares a reconstruction with its reference on the RGB
// channels, in intensity units
type ImageMetrics struct {
	MAE  float64 // Mean Absolute Error
	MSE  float64 // Mean Squared Error
	RMSE float64 // Root Mean Squared Error
	PSNR float64 // Peak signal-to-noise ratio in dB, +Inf for identical images
}

// CompareImages computes reconstruction metrics between two RGBA buffers of
// the same size. A non-nil mask restricts the comparison to pixels weighted
// by mask/255, so inpainting runs can be scored on the known region only.
func CompareImages(got, want, mask []byte) (*ImageMetrics, error) {
	if len(got) != len(want) || len(got)%preprocessing.BytesPerPixel != 0 || len(got) == 0 {
		return nil, fmt.Errorf("cannot compare buffers of %d and %d bytes: %w", len(got), len(want), ErrBufferSize)
	}
	if mask != nil && len(mask) != len(got) {
		return nil, fmt.Errorf("mask has %d bytes, want %d: %w", len(mask), len(got), ErrBufferSize)
	}

	n := len(got) / preprocessing.BytesPerPixel * preprocessing.ColorChannels
	absErr := make([]float64, 0, n)
	sqErr := make([]float64, 0, n)
	var weights []float64
	if mask != nil {
		weights = make([]float64, 0, n)
	}

	for i := 0; i < len(got); i += preprocessing.BytesPerPixel {
		for c := 0; c < preprocessing.ColorChannels; c++ {
			d := float64(got[i+c]) - float64(want[i+c])
			absErr = append(absErr, math.Abs(d))
			sqErr = append(sqErr, d*d)
			if mask != nil {
				weights = append(weights, float64(mask[i+c])/255)
			}
		}
	}
	if weights != nil && stat.Mean(weights, nil) == 0 {
		return nil, fmt.Errorf("mask excludes every pixel")
	}

	m := &ImageMetrics{
		MAE: stat.Mean(absErr, weights),
		MSE: stat.Mean(sqErr, weights),
	}
	m.RMSE = math.Sqrt(m.MSE)
	m.PSNR = PSNR(m.MSE)
	return m, nil
}

// PSNR converts a mean squared error over 8-bit intensities into decibels
func PSNR(mse float64) float64 {
	if mse == 0 {
		return math.Inf(1)
	}
	return 10 * math.Log10(255*255/mse)
}
