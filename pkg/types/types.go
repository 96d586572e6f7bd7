package types

import (
	"fmt"
	"image"
	"time"
)

// DesignAsset references an uploaded design image. It is never mutated;
// a new upload produces a new Version.
type DesignAsset struct {
	URL     string `json:"url"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Version string `json:"version,omitempty"`
}

// MarkerPlacement is the rectangle, in design pixel space, where the scan
// marker is burned into the composite.
type MarkerPlacement struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// IsZero reports whether no placement has been set.
func (p MarkerPlacement) IsZero() bool {
	return p == MarkerPlacement{}
}

// Rect returns the placement as an image rectangle.
func (p MarkerPlacement) Rect() image.Rectangle {
	return image.Rect(p.X, p.Y, p.X+p.Width, p.Y+p.Height)
}

// Scale multiplies every coordinate by f, rounding to the nearest pixel.
func (p MarkerPlacement) Scale(f float64) MarkerPlacement {
	round := func(v int) int { return int(float64(v)*f + 0.5) }
	return MarkerPlacement{X: round(p.X), Y: round(p.Y), Width: round(p.Width), Height: round(p.Height)}
}

func (p MarkerPlacement) String() string {
	return fmt.Sprintf("%dx%d@%d,%d", p.Width, p.Height, p.X, p.Y)
}

// CompositeImage is the flattened design with the marker drawn in, PNG encoded.
type CompositeImage struct {
	Data   []byte
	Width  int
	Height int
}

// CompositeTarget is the stored, derived composite for a campaign.
type CompositeTarget struct {
	URL         string    `json:"url"`
	Size        int64     `json:"size"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// GenerationMethod names the strategy that produced a descriptor.
type GenerationMethod string

const (
	MethodPrimary    GenerationMethod = "primary"
	MethodSecondary  GenerationMethod = "secondary"
	MethodStructural GenerationMethod = "structural"
)

// FeatureDescriptor is the stored binary descriptor derived from exactly one
// CompositeTarget.
type FeatureDescriptor struct {
	URL              string           `json:"url"`
	SizeBytes        int64            `json:"sizeBytes"`
	GeneratedAt      time.Time        `json:"generatedAt"`
	GenerationMethod GenerationMethod `json:"generationMethod"`
}

// Valid reports whether the descriptor points at a usable artifact.
func (d FeatureDescriptor) Valid() bool {
	return d.URL != "" && d.SizeBytes > 0
}

// Box represents a normalized bounding box with coordinates in [0,1] range
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Primary represents the primary subject detected in an image
type Primary struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
	Cx         float64 `json:"cx"`
	Cy         float64 `json:"cy"`
}

// AnalysisResult contains the subject analysis returned by a vision model
type AnalysisResult struct {
	Primary     Primary  `json:"primary"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}
