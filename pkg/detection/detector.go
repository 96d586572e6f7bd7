// Package detection locates the primary subject of a design with a vision
// model so the marker can be kept clear of it.
package detection

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"math"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/menta2k/ar-target/pkg/client"
	"github.com/menta2k/ar-target/pkg/types"
)

// SimpleTestPrompt checks that the model can see images at all.
const SimpleTestPrompt = `What do you see in this image? Describe it briefly.`

// DefaultPrompt asks for the dominant subject box.
const DefaultPrompt = `You are an image subject locator for printed designs.

Return JSON only:
{
  "primary": {
    "label": "string",
    "confidence": 0.0,
    "box": {"x": 0.0, "y": 0.0, "w": 0.0, "h": 0.0},
    "cx": 0.0,
    "cy": 0.0
  },
  "description": "short neutral sentence (≤ 20 words)",
  "tags": ["tag1", "tag2", "tag3"]
}

HARD RULES
- All coordinates are normalized to [0,1] (NOT pixels). x,y is the top-left corner of the box.
- The box should tightly include the visually dominant subject: a person, product, logo or headline.
- cx, cy is the center of that subject.
- Tags: lowercase, concise, no punctuation or duplicates.
- If no subject stands out, return:
  {"primary":{"label":"none","confidence":0.0,"box":{"x":0,"y":0,"w":0,"h":0},"cx":0.5,"cy":0.5},"description":"no dominant subject","tags":[]}
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// NoSubject is the label of a result without a usable subject.
const NoSubject = "none"

// Config holds configuration for subject detection
type Config struct {
	Model         string
	Prompt        string
	MaxDimension  int     // the image is downscaled to this long side before upload
	MinConfidence float64 // results below are reported as NoSubject
}

// DefaultConfig returns the detection defaults
func DefaultConfig() Config {
	return Config{
		Model:         "openbmb/minicpm-v4.5",
		Prompt:        DefaultPrompt,
		MaxDimension:  768,
		MinConfidence: 0.3,
	}
}

// Detector handles image subject detection using vision models
type Detector struct {
	client client.VisionClient
	config Config
}

// NewDetector creates a new detector with a vision client
func NewDetector(c client.VisionClient, config Config) *Detector {
	if config.Prompt == "" {
		config.Prompt = DefaultPrompt
	}
	if config.MaxDimension <= 0 {
		config.MaxDimension = DefaultConfig().MaxDimension
	}
	return &Detector{client: c, config: config}
}

// LocateSubject asks the model for the primary subject of img. The result is
// normalized; a missing or unconvincing subject is labelled NoSubject.
func (d *Detector) LocateSubject(ctx context.Context, img image.Image) (*types.AnalysisResult, error) {
	data, err := d.encode(img)
	if err != nil {
		return nil, err
	}
	result, err := d.client.LocateSubject(ctx, d.config.Model, d.config.Prompt, data)
	if err != nil {
		return nil, fmt.Errorf("locate subject: %w", err)
	}
	b := img.Bounds()
	return d.validateAndAdjustResult(result, b.Dx(), b.Dy()), nil
}

// TestVision tests if the model can actually see the image with a simple prompt
func (d *Detector) TestVision(ctx context.Context, img image.Image) (string, error) {
	data, err := d.encode(img)
	if err != nil {
		return "", err
	}
	return d.client.Query(ctx, d.config.Model, SimpleTestPrompt, data)
}

func (d *Detector) encode(img image.Image) ([]byte, error) {
	b := img.Bounds()
	if b.Dx() > d.config.MaxDimension || b.Dy() > d.config.MaxDimension {
		img = imaging.Fit(img, d.config.MaxDimension, d.config.MaxDimension, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("failed to encode image for the vision model: %w", err)
	}
	return buf.Bytes(), nil
}

// validateAndAdjustResult normalizes the box, derives a missing center and
// demotes fallback or low confidence answers to NoSubject.
func (d *Detector) validateAndAdjustResult(result *types.AnalysisResult, imgW, imgH int) *types.AnalysisResult {
	p := &result.Primary
	p.Label = strings.TrimSpace(p.Label)
	p.Box = normalizeBox(p.Box, imgW, imgH)
	result.Tags = normalizeTags(result.Tags)

	if p.Box.W > 0 && p.Box.H > 0 && ((p.Cx == 0 && p.Cy == 0) || !inside(p.Box, p.Cx, p.Cy)) {
		p.Cx = p.Box.X + p.Box.W/2
		p.Cy = p.Box.Y + p.Box.H/2
	}
	p.Cx, p.Cy = clamp(p.Cx, 0, 1), clamp(p.Cy, 0, 1)

	label := strings.ToLower(p.Label)
	fallbackIndicators := []string{"unclear", "empty", "parse", "error", "fallback", "non-json", "generic"}
	for _, indicator := range fallbackIndicators {
		if strings.Contains(label, indicator) {
			label = NoSubject
			break
		}
	}
	if label == "" || p.Confidence < d.config.MinConfidence || p.Box.W <= 0 || p.Box.H <= 0 {
		label = NoSubject
	}
	if label == NoSubject {
		p.Label = NoSubject
		p.Confidence = 0
	}
	return result
}

// Found reports whether result names a usable subject.
func Found(result *types.AnalysisResult) bool {
	return result != nil && result.Primary.Label != NoSubject && result.Primary.Box.W > 0 && result.Primary.Box.H > 0
}

func inside(b types.Box, x, y float64) bool {
	return x >= b.X && x <= b.X+b.W && y >= b.Y && y <= b.Y+b.H
}

// clamp ensures a value is within the given bounds
func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

// normalizeBox converts a pixel box to [0,1] coordinates when the model
// ignored the instructions, then clips it to the image.
func normalizeBox(b types.Box, imgW, imgH int) types.Box {
	if imgW > 0 && imgH > 0 && (b.X > 1 || b.Y > 1 || b.W > 1 || b.H > 1) {
		b = types.Box{
			X: b.X / float64(imgW),
			Y: b.Y / float64(imgH),
			W: b.W / float64(imgW),
			H: b.H / float64(imgH),
		}
	}
	x, y := clamp(b.X, 0, 1), clamp(b.Y, 0, 1)
	return types.Box{
		X: x,
		Y: y,
		W: clamp(b.W, 0, 1-x),
		H: clamp(b.H, 0, 1-y),
	}
}

// normalizeTags ensures tags are cleaned and limited to 5 entries
func normalizeTags(tags []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, 5)
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
		if len(out) == 5 {
			break
		}
	}
	return out
}
