package training

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/tsawler/go-semisup/models"
)

// ProgressBar provides tqdm-style progress output
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	metrics     map[string]float64
	order       []string
}

// NewProgressBar creates a new progress bar writing to out
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       30,
		metrics:     make(map[string]float64),
	}
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	for k, v := range metrics {
		if _, seen := pb.metrics[k]; !seen {
			pb.order = append(pb.order, k)
		}
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

// Line returns the current progress line without the carriage return.
func (pb *ProgressBar) Line() string {
	percentage := 0.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}

	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	var rate float64
	if pb.current > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		if percentage > 0 {
			eta = time.Duration(float64(elapsed)/percentage) - elapsed
		}
	}

	line := fmt.Sprintf("%s: %3.0f%%|%s| %d/%d [%s<%s",
		pb.description,
		percentage*100,
		bar,
		pb.current,
		pb.total,
		formatDuration(elapsed),
		formatDuration(eta),
	)
	if rate > 0 {
		line += fmt.Sprintf(", %.2fit/s", rate)
	}

	keys := pb.order
	if len(keys) != len(pb.metrics) {
		keys = make([]string, 0, len(pb.metrics))
		for k := range pb.metrics {
			keys = append(keys, k)
		}
		sort.Strings(keys)
	}
	for _, key := range keys {
		value := pb.metrics[key]
		switch {
		case key == "lr":
			line += fmt.Sprintf(", %s=%.4f", key, value)
		case strings.HasPrefix(key, "top") || key == "mask":
			line += fmt.Sprintf(", %s=%.2f", key, value)
		default:
			line += fmt.Sprintf(", %s=%.4f", key, value)
		}
	}
	return line + "]"
}

func (pb *ProgressBar) render() {
	fmt.Fprint(pb.out, "\r"+pb.Line())
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// formatParameterCount renders a parameter count in millions, e.g. "1.47M".
func formatParameterCount(count int) string {
	return fmt.Sprintf("%.2fM", float64(count)/1e6)
}

// PrintArchitecture writes the module tree of both halves of pair and the
// total parameter count.
func PrintArchitecture(out io.Writer, pair models.Pair) {
	fmt.Fprintf(out, "G: %s\n", pair.G)
	fmt.Fprintf(out, "F: %s\n", pair.F)
	fmt.Fprintf(out, "Total params: %s\n", formatParameterCount(pair.CountParameters()))
}
