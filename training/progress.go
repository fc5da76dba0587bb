package training

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/tsawler/go-dip/layers"
)

// ProgressBar renders iteration progress on a single terminal line
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	metrics     map[string]float64
	now         func() time.Time
}

// NewProgressBar creates a new progress bar writing to out
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40, // Character width of progress bar
		metrics:     make(map[string]float64),
		now:         time.Now,
	}
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	if pb.total > 0 {
		pb.current = pb.total
	}
	pb.render()
	fmt.Fprintln(pb.out)
}

func (pb *ProgressBar) render() {
	percentage := 0.0
	if pb.total > 0 {
		percentage = min(float64(pb.current)/float64(pb.total), 1.0)
	}
	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := pb.now().Sub(pb.startTime)
	line := fmt.Sprintf("\r%s: %3.0f%%|%s| %d/%d [%s",
		pb.description, percentage*100, bar, pb.current, pb.total, formatDuration(elapsed))

	if pb.current > 0 && elapsed > 0 {
		line += fmt.Sprintf(", %.2fit/s", float64(pb.current)/elapsed.Seconds())
	}

	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		line += fmt.Sprintf(", %s=%.4f", k, pb.metrics[k])
	}
	line += "]"

	fmt.Fprint(pb.out, line)
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// PrintArchitecture writes a layer by layer description of the model
func PrintArchitecture(out io.Writer, name string, spec *layers.ModelSpec) {
	fmt.Fprintf(out, "%s(\n", name)
	for _, layer := range spec.Layers {
		fmt.Fprintf(out, "  %s\n", formatLayer(layer))
	}
	fmt.Fprintf(out, ")\n\n")

	fmt.Fprintf(out, "Input shape: %v\n", spec.InputShape)
	fmt.Fprintf(out, "Output shape: %v\n", spec.OutputShape)
	fmt.Fprintf(out, "Total parameters: %s\n", formatParameterCount(spec.TotalParameters))
	fmt.Fprintf(out, "Params size (MB): %.3f\n", float64(spec.TotalParameters*4)/1024/1024) // 4 bytes per float32
	fmt.Fprintf(out, "Largest activation (MB): %.3f\n", largestActivation(spec))
}

func formatLayer(layer layers.LayerSpec) string {
	switch layer.Type {
	case layers.Conv2D:
		in := 0
		if len(layer.InputShapes) > 0 {
			in = layer.InputShapes[0][1]
		}
		k := layer.IntParam("kernel_size", 3)
		s := layer.IntParam("stride", 1)
		p := layer.IntParam("padding", 0)
		return fmt.Sprintf("(%s): Conv2d(%d, %d, kernel_size=(%d, %d), stride=(%d, %d), padding=(%d, %d), bias=%t)",
			layer.Name, in, layer.IntParam("output_channels", 0), k, k, s, s, p, p, layer.BoolParam("use_bias", true))
	case layers.Upsample2D:
		return fmt.Sprintf("(%s): Upsample(scale_factor=%d)", layer.Name, layer.IntParam("scale", 2))
	case layers.Concat:
		return fmt.Sprintf("(%s): Concat(%s)", layer.Name, strings.Join(layer.Inputs, ", "))
	default:
		return fmt.Sprintf("(%s): %s()", layer.Name, layer.Type)
	}
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}

func largestActivation(spec *layers.ModelSpec) float64 {
	largest := 0
	for _, l := range spec.Layers {
		size := 1
		for _, d := range l.OutputShape {
			size *= d
		}
		largest = max(largest, size)
	}
	return float64(largest*4) / 1024 / 1024
}
