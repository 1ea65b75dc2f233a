package training

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// PlotType identifies the kind of plot the sidecar renders
type PlotType string

const (
	TrainingCurves       PlotType = "training_curves"
	LearningRateSchedule PlotType = "learning_rate_schedule"
)

// PlotData is the payload accepted by the plotting sidecar
type PlotData struct {
	PlotType  PlotType  `json:"plot_type"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
	ModelName string    `json:"model_name"`

	Series []SeriesData `json:"series"`

	Config PlotConfig `json:"config"`

	Metrics map[string]interface{} `json:"metrics,omitempty"`
}

// SeriesData represents a single data series in a plot
type SeriesData struct {
	Name  string                 `json:"name"`
	Type  string                 `json:"type"` // "line", "scatter", "bar"
	Data  []DataPoint            `json:"data"`
	Style map[string]interface{} `json:"style,omitempty"`
}

// DataPoint represents a single data point
type DataPoint struct {
	X     interface{} `json:"x"`
	Y     interface{} `json:"y"`
	Label string      `json:"label,omitempty"`
}

// PlotConfig contains plot rendering options
type PlotConfig struct {
	XAxisLabel  string `json:"x_axis_label"`
	YAxisLabel  string `json:"y_axis_label"`
	XAxisScale  string `json:"x_axis_scale"`
	YAxisScale  string `json:"y_axis_scale"`
	ShowLegend  bool   `json:"show_legend"`
	ShowGrid    bool   `json:"show_grid"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Interactive bool   `json:"interactive"`
}

var seriesColors = []string{"#FF6B6B", "#4ECDC4", "#FF9F43", "#5F27CD", "#10AC84", "#EE5253", "#2E86DE", "#F368E0", "#576574", "#01A3A4"}

// scalarPlot builds an epoch-indexed line plot with one series per tag.
// Dashed lines mark test metrics.
func scalarPlot(modelName string, series map[string][]DataPoint) PlotData {
	tags := make([]string, 0, len(series))
	for tag := range series {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	out := make([]SeriesData, 0, len(tags))
	for i, tag := range tags {
		style := map[string]interface{}{
			"color":      seriesColors[i%len(seriesColors)],
			"line_width": 2,
		}
		if strings.HasPrefix(tag, "test/") {
			style["line_style"] = "dashed"
		}
		out = append(out, SeriesData{
			Name:  tag,
			Type:  "line",
			Data:  append([]DataPoint(nil), series[tag]...),
			Style: style,
		})
	}

	return PlotData{
		PlotType:  TrainingCurves,
		Title:     fmt.Sprintf("Training Curves - %s", modelName),
		Timestamp: time.Now(),
		ModelName: modelName,
		Series:    out,
		Config: PlotConfig{
			XAxisLabel:  "Epoch",
			YAxisLabel:  "Value",
			XAxisScale:  "linear",
			YAxisScale:  "linear",
			ShowLegend:  true,
			ShowGrid:    true,
			Width:       800,
			Height:      600,
			Interactive: true,
		},
	}
}

// LearningRatePlot samples lambda at every step up to totalSteps, scaled by baseLR.
func LearningRatePlot(modelName string, lambda LRLambda, baseLR float64, totalSteps int) PlotData {
	points := make([]DataPoint, totalSteps)
	for step := range points {
		points[step] = DataPoint{X: step, Y: baseLR * lambda(step)}
	}
	return PlotData{
		PlotType:  LearningRateSchedule,
		Title:     fmt.Sprintf("Learning Rate Schedule - %s", modelName),
		Timestamp: time.Now(),
		ModelName: modelName,
		Series:    []SeriesData{{Name: "lr", Type: "line", Data: points}},
		Config: PlotConfig{
			XAxisLabel: "Step",
			YAxisLabel: "Learning rate",
			XAxisScale: "linear",
			YAxisScale: "linear",
			ShowGrid:   true,
			Width:      800,
			Height:     400,
		},
	}
}
