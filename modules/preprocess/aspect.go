package preprocess

import "math"

// AspectPreset pairs the UI-facing preset name with its width/height ratio.
type AspectPreset struct {
	Value string
	Label string
	Ratio float64
}

// defaultPresets are always offered; the rest only appear when an uploaded
// model image is closest to them ("discovered" presets).
var defaultPresets = map[string]bool{
	"square":    true,
	"portrait":  true,
	"landscape": true,
	"wide":      true,
}

// allPresets in ascending-ratio order.
var allPresets = []AspectPreset{
	{Value: "portrait", Label: "9:16", Ratio: 9.0 / 16.0},
	{Value: "2:3", Label: "2:3", Ratio: 2.0 / 3.0},
	{Value: "3:4", Label: "3:4", Ratio: 3.0 / 4.0},
	{Value: "4:5", Label: "4:5", Ratio: 4.0 / 5.0},
	{Value: "square", Label: "1:1", Ratio: 1},
	{Value: "5:4", Label: "5:4", Ratio: 5.0 / 4.0},
	{Value: "4:3", Label: "4:3", Ratio: 4.0 / 3.0},
	{Value: "3:2", Label: "3:2", Ratio: 3.0 / 2.0},
	{Value: "landscape", Label: "16:9", Ratio: 16.0 / 9.0},
	{Value: "wide", Label: "21:9", Ratio: 21.0 / 9.0},
}

// DetectAspectRatio picks the preset whose ratio is closest to width/height.
// discovered is true when the winner sits outside the default preset set.
func DetectAspectRatio(width, height int) (value string, discovered bool) {
	if width <= 0 || height <= 0 {
		return "square", false
	}
	ratio := float64(width) / float64(height)

	closest := allPresets[0]
	smallest := math.Abs(ratio - closest.Ratio)
	for _, p := range allPresets[1:] {
		if diff := math.Abs(ratio - p.Ratio); diff < smallest {
			smallest = diff
			closest = p
		}
	}

	return closest.Value, !defaultPresets[closest.Value]
}
